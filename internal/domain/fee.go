package domain

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// FeeFactor is a protocol fee percentage, valid in [0, 1).
type FeeFactor struct {
	value decimal.Decimal
}

// NewFeeFactor validates the range at construction. Out-of-range factors
// are a configuration error and must never reach fee computation.
func NewFeeFactor(value float64) (FeeFactor, error) {
	if value < 0 || value >= 1 {
		return FeeFactor{}, fmt.Errorf("fee factor must be in [0, 1), got %v", value)
	}
	return FeeFactor{value: decimal.NewFromFloat(value)}, nil
}

// MustFeeFactor panics on an invalid factor. For tests and literals.
func MustFeeFactor(value float64) FeeFactor {
	f, err := NewFeeFactor(value)
	if err != nil {
		panic(err)
	}
	return f
}

func (f FeeFactor) Decimal() decimal.Decimal {
	return f.value
}

func (f FeeFactor) Float64() float64 {
	return f.value.InexactFloat64()
}

// Apply multiplies an integer token amount by the factor, truncating
// toward zero.
func (f FeeFactor) Apply(amount *big.Int) *big.Int {
	if amount == nil {
		return big.NewInt(0)
	}
	product := f.value.Mul(decimal.NewFromBigInt(amount, 0))
	return product.BigInt()
}

// FeePolicyKind discriminates the fee policy variants.
type FeePolicyKind string

const (
	FeeKindSurplus          FeePolicyKind = "surplus"
	FeeKindVolume           FeePolicyKind = "volume"
	FeeKindPriceImprovement FeePolicyKind = "priceimprovement"
)

// FeePolicy is one protocol fee rule attached to an order for a specific
// auction. Policies apply in declaration order.
type FeePolicy struct {
	Kind FeePolicyKind

	// Factor of the surplus / price improvement / volume charged.
	Factor FeeFactor

	// MaxVolumeFactor caps surplus and price-improvement fees at a share
	// of the order volume. Unused for volume policies.
	MaxVolumeFactor FeeFactor

	// Quote is the reference quote for price-improvement policies.
	Quote *Quote
}

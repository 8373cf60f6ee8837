package eth

import (
	"math/big"
)

// EIP-1559 replacement rule: a transaction replacing another with the
// same nonce must bump both fee caps by at least 12.5 %.
var (
	bumpNumerator   = big.NewInt(1125)
	bumpDenominator = big.NewInt(1000)
)

// ReplacementFee returns the minimum fee that validly replaces the given
// one, rounding up.
func ReplacementFee(fee *big.Int) *big.Int {
	if fee == nil || fee.Sign() <= 0 {
		return big.NewInt(1)
	}
	bumped := new(big.Int).Mul(fee, bumpNumerator)
	// ceil division
	bumped.Add(bumped, new(big.Int).Sub(bumpDenominator, big.NewInt(1)))
	return bumped.Div(bumped, bumpDenominator)
}

// IsValidReplacement reports whether newFee satisfies the bump rule
// against oldFee.
func IsValidReplacement(oldFee, newFee *big.Int) bool {
	return newFee.Cmp(ReplacementFee(oldFee)) >= 0
}

// MaxFeePerGas combines the base fee and a tip into the fee cap used for
// a fresh transaction: twice the base fee plus the tip, so the
// transaction stays includable across moderate base-fee growth.
func MaxFeePerGas(baseFee, tip *big.Int) *big.Int {
	if baseFee == nil {
		return new(big.Int).Set(tip)
	}
	fee := new(big.Int).Mul(baseFee, big.NewInt(2))
	return fee.Add(fee, tip)
}

// CapFee bounds a fee at the given cap.
func CapFee(fee, cap *big.Int) *big.Int {
	if cap != nil && fee.Cmp(cap) > 0 {
		return new(big.Int).Set(cap)
	}
	return new(big.Int).Set(fee)
}

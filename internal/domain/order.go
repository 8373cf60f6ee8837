// Package domain holds the core entities of the settlement coordinator:
// orders, auctions, solutions, trades and fee policies. All amounts are
// uint256 values carried as *big.Int; nothing in this package talks to the
// chain or the database.
package domain

import (
	"encoding/hex"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// OrderUid identifies an order globally: the EIP-712 struct hash of the
// order data, followed by the owner address and the validTo timestamp.
// 32 + 20 + 4 = 56 bytes. The layout is fixed by the settlement contract
// and appears verbatim in on-chain events.
type OrderUid [56]byte

// NewOrderUid assembles a uid from its three components.
func NewOrderUid(structHash common.Hash, owner common.Address, validTo uint32) OrderUid {
	var uid OrderUid
	copy(uid[0:32], structHash[:])
	copy(uid[32:52], owner[:])
	uid[52] = byte(validTo >> 24)
	uid[53] = byte(validTo >> 16)
	uid[54] = byte(validTo >> 8)
	uid[55] = byte(validTo)
	return uid
}

// OrderUidFromBytes parses a uid from raw bytes.
func OrderUidFromBytes(b []byte) (OrderUid, error) {
	var uid OrderUid
	if len(b) != len(uid) {
		return uid, fmt.Errorf("order uid must be %d bytes, got %d", len(uid), len(b))
	}
	copy(uid[:], b)
	return uid, nil
}

// OrderUidFromHex parses a uid from a 0x-prefixed hex string.
func OrderUidFromHex(s string) (OrderUid, error) {
	if len(s) >= 2 && s[0:2] == "0x" {
		s = s[2:]
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return OrderUid{}, fmt.Errorf("invalid order uid hex: %w", err)
	}
	return OrderUidFromBytes(b)
}

func (u OrderUid) String() string {
	return "0x" + hex.EncodeToString(u[:])
}

func (u OrderUid) Bytes() []byte {
	return u[:]
}

// Owner returns the owner address embedded in the uid.
func (u OrderUid) Owner() common.Address {
	var a common.Address
	copy(a[:], u[32:52])
	return a
}

// ValidTo returns the expiry embedded in the uid.
func (u OrderUid) ValidTo() uint32 {
	return uint32(u[52])<<24 | uint32(u[53])<<16 | uint32(u[54])<<8 | uint32(u[55])
}

// Side distinguishes sell orders (fixed sell amount) from buy orders
// (fixed buy amount).
type Side string

const (
	SideSell Side = "sell"
	SideBuy  Side = "buy"
)

// Class describes how the order entered the system and which fee policy
// applies to it.
type Class string

const (
	ClassMarket    Class = "market"
	ClassLimit     Class = "limit"
	ClassLiquidity Class = "liquidity"
)

// SellTokenSource is where the settlement contract pulls sell tokens from.
type SellTokenSource string

const (
	SellSourceErc20    SellTokenSource = "erc20"
	SellSourceExternal SellTokenSource = "external"
	SellSourceInternal SellTokenSource = "internal"
)

// BuyTokenDestination is where bought tokens are delivered.
type BuyTokenDestination string

const (
	BuyDestErc20    BuyTokenDestination = "erc20"
	BuyDestInternal BuyTokenDestination = "internal"
)

// SigningScheme is how the order signature is to be verified.
type SigningScheme string

const (
	SchemeEip712  SigningScheme = "eip712"
	SchemeEthSign SigningScheme = "ethsign"
	SchemePreSign SigningScheme = "presign"
)

// Interaction is an arbitrary call executed by the settlement contract.
type Interaction struct {
	Target   common.Address
	Value    *big.Int
	CallData []byte
}

// Order is a signed trading intent.
type Order struct {
	Uid               OrderUid
	Owner             common.Address
	SellToken         common.Address
	BuyToken          common.Address
	Receiver          common.Address
	SellAmount        *big.Int
	BuyAmount         *big.Int
	ValidTo           uint32
	AppData           common.Hash
	FeeAmount         *big.Int
	Side              Side
	Class             Class
	PartiallyFillable bool
	SellTokenSource   SellTokenSource
	BuyTokenDest      BuyTokenDestination
	SigningScheme     SigningScheme
	Signature         []byte
	PreInteractions   []Interaction
	PostInteractions  []Interaction

	// ExecutedAmount is the total filled so far, denominated in the
	// order's target amount (sell amount for sell orders, buy amount
	// for buy orders).
	ExecutedAmount *big.Int

	// Quote is the best quote observed when the order was created. Only
	// set for limit orders; used by the price-improvement fee policy.
	Quote *Quote

	// FeePolicies are attached by the auction builder for the current
	// auction and travel with the order into competition and settlement.
	FeePolicies []FeePolicy
}

// Quote captures the amounts a price estimator promised at order
// creation time.
type Quote struct {
	SellAmount *big.Int
	BuyAmount  *big.Int
	Fee        *big.Int
	Solver     common.Address
}

// TargetAmount is the amount the order wants filled: the sell amount for
// sell orders, the buy amount for buy orders.
func (o *Order) TargetAmount() *big.Int {
	if o.Side == SideBuy {
		return o.BuyAmount
	}
	return o.SellAmount
}

// RemainingAmount is the unfilled part of the target amount.
func (o *Order) RemainingAmount() *big.Int {
	executed := o.ExecutedAmount
	if executed == nil {
		executed = big.NewInt(0)
	}
	remaining := new(big.Int).Sub(o.TargetAmount(), executed)
	if remaining.Sign() < 0 {
		return big.NewInt(0)
	}
	return remaining
}

// Filled reports whether the order has been completely executed.
func (o *Order) Filled() bool {
	return o.RemainingAmount().Sign() == 0
}

// Solvable reports whether the order can be included in an auction built
// at the given block timestamp. Invalidated and executed state is checked
// by the store; this covers the intrinsic conditions.
func (o *Order) Solvable(blockTime uint32) bool {
	return o.ValidTo >= blockTime && !o.Filled()
}

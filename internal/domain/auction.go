package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// AuctionId is assigned by the store under a short critical section and is
// strictly increasing across the deployment, including leader handoffs.
type AuctionId int64

// NativeWei is the fixed price of the native token in its own units.
var NativeWei = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// Prices maps a token to its price in native wei. A price answers "how
// many wei is one atom of this token worth, scaled by 1e18".
type Prices map[common.Address]*big.Int

// Auction is an immutable snapshot of solvable orders offered to solvers.
type Auction struct {
	Id       AuctionId
	Block    uint64
	Deadline time.Time
	Orders   []Order
	Prices   Prices

	// SurplusCapturingJitOwners lists signers whose just-in-time orders
	// count toward the solution score. The set only ever grows: it is
	// the union of configured addresses and CoW-AMM factory deployments.
	SurplusCapturingJitOwners []common.Address
}

// Order returns the auction order with the given uid, or nil.
func (a *Auction) Order(uid OrderUid) *Order {
	for i := range a.Orders {
		if a.Orders[i].Uid == uid {
			return &a.Orders[i]
		}
	}
	return nil
}

// Tokens returns the distinct set of tokens traded by the auction orders.
func (a *Auction) Tokens() []common.Address {
	seen := make(map[common.Address]struct{})
	var tokens []common.Address
	for i := range a.Orders {
		for _, t := range []common.Address{a.Orders[i].SellToken, a.Orders[i].BuyToken} {
			if _, ok := seen[t]; !ok {
				seen[t] = struct{}{}
				tokens = append(tokens, t)
			}
		}
	}
	return tokens
}

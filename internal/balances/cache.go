// Package balances maintains a per-block snapshot of how much sell token
// the settlement contract could actually pull from each trader.
package balances

import (
	"context"
	"encoding/json"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/cowpilot/internal/domain"
)

// Key identifies one spendable-amount query.
type Key struct {
	Trader common.Address
	Token  common.Address
	Source domain.SellTokenSource
}

// Reader is the chain-side balance simulation.
type Reader interface {
	TradableBalance(ctx context.Context, trader, token common.Address, block *big.Int, preInteractions []domain.Interaction) (*big.Int, error)
}

// Cache snapshots spendable amounts at a block. Values from an older
// block are stale and refetched.
type Cache struct {
	reader Reader

	mu      sync.RWMutex
	block   uint64
	amounts map[Key]*big.Int
}

func NewCache(reader Reader) *Cache {
	return &Cache{reader: reader, amounts: make(map[Key]*big.Int)}
}

// GetOrFetch returns spendable amounts for the given orders at the given
// block. Orders are grouped by (trader, sell token, source); a group
// whose orders disagree on pre-interactions is simulated pessimistically
// without any. Groups whose fetch fails are absent from the result, which
// is safer than guessing.
func (c *Cache) GetOrFetch(ctx context.Context, orders []domain.Order, block uint64) map[Key]*big.Int {
	c.mu.Lock()
	if c.block < block {
		// New block invalidates the snapshot wholesale.
		c.amounts = make(map[Key]*big.Int)
		c.block = block
	}
	c.mu.Unlock()

	type group struct {
		preInteractions []domain.Interaction
		uniform         bool
		initialized     bool
	}
	groups := make(map[Key]*group)
	for i := range orders {
		order := &orders[i]
		key := Key{Trader: order.Owner, Token: order.SellToken, Source: order.SellTokenSource}
		g, ok := groups[key]
		if !ok {
			g = &group{}
			groups[key] = g
		}
		if !g.initialized {
			g.preInteractions = order.PreInteractions
			g.uniform = true
			g.initialized = true
		} else if g.uniform && !sameInteractions(g.preInteractions, order.PreInteractions) {
			// Cross-order dependencies are not modeled; fall back to a
			// plain balance read.
			g.uniform = false
			g.preInteractions = nil
		}
	}

	result := make(map[Key]*big.Int, len(groups))
	blockNumber := new(big.Int).SetUint64(block)
	for key, g := range groups {
		c.mu.RLock()
		cached, ok := c.amounts[key]
		c.mu.RUnlock()
		if ok {
			result[key] = cached
			continue
		}

		preInteractions := g.preInteractions
		if !g.uniform {
			preInteractions = nil
		}
		amount, err := c.reader.TradableBalance(ctx, key.Trader, key.Token, blockNumber, preInteractions)
		if err != nil {
			log.Debug().
				Err(err).
				Str("trader", key.Trader.Hex()).
				Str("token", key.Token.Hex()).
				Msg("balance fetch failed, group omitted")
			continue
		}
		c.mu.Lock()
		c.amounts[key] = amount
		c.mu.Unlock()
		result[key] = amount
	}
	return result
}

func sameInteractions(a, b []domain.Interaction) bool {
	if len(a) != len(b) {
		return false
	}
	// Interactions are tiny; structural comparison via JSON keeps this
	// honest about nested byte slices.
	aj, _ := json.Marshal(a)
	bj, _ := json.Marshal(b)
	return string(aj) == string(bj)
}

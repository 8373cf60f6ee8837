// Package prices resolves token prices denominated in native wei. The
// oracle fronts one or more estimators with a bounded-age sharded cache
// and coalesces concurrent lookups of the same token into a single
// in-flight fetch.
package prices

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/cowpilot/internal/domain"
)

// Estimation failure kinds. Callers match with errors.Is.
var (
	ErrNoLiquidity      = errors.New("no liquidity")
	ErrUnsupportedToken = errors.New("unsupported token")
	ErrRateLimited      = errors.New("rate limited")
	ErrTimeout          = errors.New("estimator timeout")
	ErrInternal         = errors.New("estimator internal error")
)

// Estimator produces a native price for a token: how many wei one unit of
// the token is worth, scaled by 1e18.
type Estimator interface {
	Name() string
	Estimate(ctx context.Context, token common.Address) (*big.Int, error)
}

const cacheShards = 16

type cacheEntry struct {
	price       *big.Int
	unsupported bool
	fetchedAt   time.Time
}

type cacheShard struct {
	mu      sync.RWMutex
	entries map[common.Address]cacheEntry
}

type inflight struct {
	done  chan struct{}
	price *big.Int
	err   error
}

// Oracle is the native price oracle.
type Oracle struct {
	native    common.Address
	primary   Estimator
	fallbacks []Estimator
	maxAge    time.Duration

	shards [cacheShards]*cacheShard

	flightMu sync.Mutex
	flight   map[common.Address]*inflight

	running bool
	stopCh  chan struct{}
	runMu   sync.Mutex
}

// NewOracle builds an oracle over a primary estimator and an optional
// fallback chain, with the given cache max age.
func NewOracle(native common.Address, primary Estimator, fallbacks []Estimator, maxAge time.Duration) *Oracle {
	o := &Oracle{
		native:    native,
		primary:   primary,
		fallbacks: fallbacks,
		maxAge:    maxAge,
		flight:    make(map[common.Address]*inflight),
		stopCh:    make(chan struct{}),
	}
	for i := range o.shards {
		o.shards[i] = &cacheShard{entries: make(map[common.Address]cacheEntry)}
	}
	return o
}

func (o *Oracle) shard(token common.Address) *cacheShard {
	return o.shards[token[19]%cacheShards]
}

// Estimate returns the token's native price. Cached values younger than
// the max age are served directly; otherwise exactly one fetch per token
// is in flight at a time and concurrent callers join it.
func (o *Oracle) Estimate(ctx context.Context, token common.Address) (*big.Int, error) {
	// The native token prices itself.
	if token == o.native {
		return new(big.Int).Set(domain.NativeWei), nil
	}

	shard := o.shard(token)
	shard.mu.RLock()
	entry, ok := shard.entries[token]
	shard.mu.RUnlock()
	if ok && time.Since(entry.fetchedAt) <= o.maxAge {
		if entry.unsupported {
			return nil, ErrUnsupportedToken
		}
		return new(big.Int).Set(entry.price), nil
	}

	// Join or create the in-flight fetch. The critical section makes
	// racing callers either both see the same flight or exactly one
	// create it.
	o.flightMu.Lock()
	f, ok := o.flight[token]
	if !ok {
		f = &inflight{done: make(chan struct{})}
		o.flight[token] = f
		go o.fetch(token, f)
	}
	o.flightMu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ErrTimeout
	case <-f.done:
	}
	if f.err != nil {
		return nil, f.err
	}
	return new(big.Int).Set(f.price), nil
}

func (o *Oracle) fetch(token common.Address, f *inflight) {
	defer func() {
		o.flightMu.Lock()
		delete(o.flight, token)
		o.flightMu.Unlock()
		close(f.done)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	price, err := o.primary.Estimate(ctx, token)
	if err != nil && retriableOnFallback(err) {
		for _, fallback := range o.fallbacks {
			log.Debug().
				Str("token", token.Hex()).
				Str("estimator", fallback.Name()).
				Msg("native price falling back")
			price, err = fallback.Estimate(ctx, token)
			if err == nil || !retriableOnFallback(err) {
				break
			}
		}
	}

	switch {
	case err == nil:
		o.storePrice(token, price)
		f.price = price
	case errors.Is(err, ErrUnsupportedToken):
		// Tokens can become unsupported; the verdict supersedes any
		// older successful price until it expires.
		o.storeUnsupported(token)
		f.err = err
	default:
		f.err = err
	}
}

// Only infrastructure failures move on to the next estimator. A definite
// domain answer (no liquidity, unsupported) is final for this lookup.
func retriableOnFallback(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrInternal) || errors.Is(err, ErrRateLimited)
}

func (o *Oracle) storePrice(token common.Address, price *big.Int) {
	shard := o.shard(token)
	shard.mu.Lock()
	shard.entries[token] = cacheEntry{price: new(big.Int).Set(price), fetchedAt: time.Now()}
	shard.mu.Unlock()
}

func (o *Oracle) storeUnsupported(token common.Address) {
	shard := o.shard(token)
	shard.mu.Lock()
	shard.entries[token] = cacheEntry{unsupported: true, fetchedAt: time.Now()}
	shard.mu.Unlock()
}

// Start launches the background eviction task.
func (o *Oracle) Start() {
	o.runMu.Lock()
	defer o.runMu.Unlock()
	if o.running {
		return
	}
	o.running = true
	go o.evictLoop()
	log.Info().Dur("max_age", o.maxAge).Msg("native price oracle started")
}

// Stop terminates the eviction task.
func (o *Oracle) Stop() {
	o.runMu.Lock()
	defer o.runMu.Unlock()
	if !o.running {
		return
	}
	o.running = false
	close(o.stopCh)
}

func (o *Oracle) evictLoop() {
	interval := o.maxAge / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-o.stopCh:
			return
		case <-ticker.C:
			o.evictExpired()
		}
	}
}

func (o *Oracle) evictExpired() {
	cutoff := time.Now().Add(-o.maxAge)
	for _, shard := range o.shards {
		shard.mu.Lock()
		for token, entry := range shard.entries {
			if entry.fetchedAt.Before(cutoff) {
				delete(shard.entries, token)
			}
		}
		shard.mu.Unlock()
	}
}

// EtherValue converts a token amount into native wei using this price:
// amount * price / 1e18. Returns nil on a zero price or nil inputs.
func EtherValue(price, amount *big.Int) *big.Int {
	if price == nil || amount == nil || price.Sign() == 0 {
		return nil
	}
	value := new(big.Int).Mul(amount, price)
	return value.Div(value, domain.NativeWei)
}

// Package badtokens tracks the reputation of tokens and orders based on
// simulation and settlement failure signals. The auction builder consults
// it once per round to keep known-bad entries out of auctions.
package badtokens

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/cowpilot/internal/domain"
)

// Quality is the verdict on a token or order.
type Quality int

const (
	QualityUnknown Quality = iota
	QualitySupported
	QualityUnsupported
)

func (q Quality) String() string {
	switch q {
	case QualitySupported:
		return "supported"
	case QualityUnsupported:
		return "unsupported"
	default:
		return "unknown"
	}
}

type verdict struct {
	quality    Quality
	observedAt time.Time
}

const shardCount = 16

type tokenShard struct {
	mu      sync.RWMutex
	entries map[common.Address]verdict
}

type orderShard struct {
	mu      sync.RWMutex
	entries map[domain.OrderUid]verdict
}

// Detector holds the sharded reputation maps.
type Detector struct {
	ttl         time.Duration
	tokenShards [shardCount]*tokenShard
	orderShards [shardCount]*orderShard
}

func NewDetector(ttl time.Duration) *Detector {
	d := &Detector{ttl: ttl}
	for i := range d.tokenShards {
		d.tokenShards[i] = &tokenShard{entries: make(map[common.Address]verdict)}
		d.orderShards[i] = &orderShard{entries: make(map[domain.OrderUid]verdict)}
	}
	return d
}

func (d *Detector) tokenShard(token common.Address) *tokenShard {
	return d.tokenShards[token[19]%shardCount]
}

func (d *Detector) orderShard(uid domain.OrderUid) *orderShard {
	return d.orderShards[uid[55]%shardCount]
}

// UpdateToken records a verdict. Unknown is never cached, and a live
// Unsupported verdict is sticky: a Supported observation cannot
// overwrite it until it expires.
func (d *Detector) UpdateToken(token common.Address, quality Quality) {
	if quality == QualityUnknown {
		return
	}
	shard := d.tokenShard(token)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	if existing, ok := shard.entries[token]; ok &&
		existing.quality == QualityUnsupported &&
		quality == QualitySupported &&
		time.Since(existing.observedAt) < d.ttl {
		return
	}
	shard.entries[token] = verdict{quality: quality, observedAt: time.Now()}
	if quality == QualityUnsupported {
		log.Info().Str("token", token.Hex()).Msg("token flagged unsupported")
	}
}

// TokenQuality returns the cached verdict, or Unknown after expiry.
func (d *Detector) TokenQuality(token common.Address) Quality {
	shard := d.tokenShard(token)
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	entry, ok := shard.entries[token]
	if !ok || time.Since(entry.observedAt) >= d.ttl {
		return QualityUnknown
	}
	return entry.quality
}

// UpdateOrder records a verdict for an order uid, with the same
// stickiness rule as tokens.
func (d *Detector) UpdateOrder(uid domain.OrderUid, quality Quality) {
	if quality == QualityUnknown {
		return
	}
	shard := d.orderShard(uid)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	if existing, ok := shard.entries[uid]; ok &&
		existing.quality == QualityUnsupported &&
		quality == QualitySupported &&
		time.Since(existing.observedAt) < d.ttl {
		return
	}
	shard.entries[uid] = verdict{quality: quality, observedAt: time.Now()}
	if quality == QualityUnsupported {
		log.Info().Str("order_uid", uid.String()).Msg("order flagged unsupported")
	}
}

// OrderQuality returns the cached verdict for an order.
func (d *Detector) OrderQuality(uid domain.OrderUid) Quality {
	shard := d.orderShard(uid)
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	entry, ok := shard.entries[uid]
	if !ok || time.Since(entry.observedAt) >= d.ttl {
		return QualityUnknown
	}
	return entry.quality
}

// ReportSettlementFailure penalizes everything implicated in a reverted
// or unencodable settlement.
func (d *Detector) ReportSettlementFailure(uids []domain.OrderUid) {
	for _, uid := range uids {
		d.UpdateOrder(uid, QualityUnsupported)
	}
}

// Supported is the auction-builder filter: true unless the entry is
// positively known bad.
func (d *Detector) Supported(order *domain.Order) bool {
	if d.OrderQuality(order.Uid) == QualityUnsupported {
		return false
	}
	if d.TokenQuality(order.SellToken) == QualityUnsupported {
		return false
	}
	return d.TokenQuality(order.BuyToken) != QualityUnsupported
}

// Package indexer consumes block ranges from the chain client and writes
// settlement, pre-signature, invalidation and factory deployment events
// into the store. It is the only writer of chain-origin facts.
package indexer

import (
	"context"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/cowpilot/internal/contracts"
	"github.com/web3guy0/cowpilot/internal/eth"
	"github.com/web3guy0/cowpilot/internal/store"
)

// Indexer processes blocks strictly in order: no row of block B+1 is
// committed before block B's rows.
type Indexer struct {
	node      eth.Node
	contracts *contracts.Settlement
	store     *store.Database
	stream    *eth.BlockStream

	// batchSize bounds one get_logs range.
	batchSize uint64
}

func New(node eth.Node, settlement *contracts.Settlement, db *store.Database, stream *eth.BlockStream) *Indexer {
	return &Indexer{
		node:      node,
		contracts: settlement,
		store:     db,
		stream:    stream,
		batchSize: 500,
	}
}

// LastSeenBlock is the highest block whose events are committed; the
// in-flight tracker prunes against it.
func (x *Indexer) LastSeenBlock() uint64 {
	block, err := x.store.LastEventBlock()
	if err != nil {
		log.Error().Err(err).Msg("reading last event block")
		return 0
	}
	return block
}

// Run drives the indexer until the context ends. Head events trigger
// catch-up polls; rewinds trigger range replacement.
func (x *Indexer) Run(ctx context.Context) {
	heads := x.stream.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-heads:
			if event.RewindTo != nil {
				x.handleReorg(ctx, *event.RewindTo, event.Block.Number)
			} else {
				x.catchUp(ctx, event.Block.Number)
			}
		}
	}
}

// catchUp indexes (lastEventBlock, head] in bounded batches.
func (x *Indexer) catchUp(ctx context.Context, head uint64) {
	last, err := x.store.LastEventBlock()
	if err != nil {
		log.Error().Err(err).Msg("reading last event block")
		return
	}
	if last == 0 {
		// First run: start at the current head rather than genesis.
		last = head - 1
	}
	for from := last + 1; from <= head; {
		to := from + x.batchSize - 1
		if to > head {
			to = head
		}
		events, err := x.fetchRange(ctx, from, to)
		if err != nil {
			log.Warn().Err(err).Uint64("from", from).Uint64("to", to).Msg("log fetch failed, will retry")
			return
		}
		if err := x.store.ApplyEvents(events, to); err != nil {
			log.Error().Err(err).Uint64("from", from).Uint64("to", to).Msg("applying events failed")
			return
		}
		if len(events) > 0 {
			log.Debug().Uint64("from", from).Uint64("to", to).Int("events", len(events)).Msg("indexed range")
		}
		from = to + 1
	}
}

// handleReorg range-replaces (rewindTo, newHead]: every observation in
// the range is deleted and reinserted from the new canonical chain.
func (x *Indexer) handleReorg(ctx context.Context, rewindTo, newHead uint64) {
	from := rewindTo + 1
	events, err := x.fetchRange(ctx, from, newHead)
	if err != nil {
		log.Error().Err(err).Uint64("from", from).Uint64("to", newHead).Msg("reorg refetch failed, will retry on next head")
		return
	}
	if err := x.store.ReplaceEvents(from, newHead, events, newHead); err != nil {
		log.Error().Err(err).Uint64("from", from).Uint64("to", newHead).Msg("range replace failed")
		return
	}
	log.Info().Uint64("from", from).Uint64("to", newHead).Int("events", len(events)).Msg("reorg range replaced")
}

// fetchRange pulls and parses all relevant logs in [from, to], retrying
// transient RPC failures with exponential backoff. Unknown topics are
// ignored; malformed events are logged and dropped.
func (x *Indexer) fetchRange(ctx context.Context, from, to uint64) ([]any, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{x.contracts.Address(), x.contracts.Factory()},
		Topics: [][]common.Hash{{
			x.contracts.TradeTopic(),
			x.contracts.SettlementTopic(),
			x.contracts.PreSignatureTopic(),
			x.contracts.OrderInvalidatedTopic(),
			x.contracts.DeployedTopic(),
		}},
	}

	var logs []types.Log
	backoff := 500 * time.Millisecond
	for attempt := 0; ; attempt++ {
		raw, err := x.node.FilterLogs(ctx, query)
		if err == nil {
			logs = raw
			break
		}
		if attempt >= 5 || ctx.Err() != nil {
			return nil, err
		}
		log.Debug().Err(err).Dur("backoff", backoff).Msg("get_logs retry")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	sort.SliceStable(logs, func(i, j int) bool {
		if logs[i].BlockNumber != logs[j].BlockNumber {
			return logs[i].BlockNumber < logs[j].BlockNumber
		}
		return logs[i].Index < logs[j].Index
	})

	events := make([]any, 0, len(logs))
	for _, lg := range logs {
		event, err := x.contracts.ParseLog(lg)
		if err != nil {
			log.Warn().
				Err(err).
				Uint64("block", lg.BlockNumber).
				Uint("log_index", lg.Index).
				Msg("dropping malformed event")
			continue
		}
		if event != nil {
			events = append(events, event)
		}
	}
	return events, nil
}

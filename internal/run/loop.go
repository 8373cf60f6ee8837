// Package run orchestrates the pipeline: acquire leadership, build the
// auction, run the solver competition, drive the winner on-chain and
// hand the confirmation to the observer.
package run

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/cowpilot/internal/auction"
	"github.com/web3guy0/cowpilot/internal/badtokens"
	"github.com/web3guy0/cowpilot/internal/competition"
	"github.com/web3guy0/cowpilot/internal/domain"
	"github.com/web3guy0/cowpilot/internal/eth"
	"github.com/web3guy0/cowpilot/internal/indexer"
	"github.com/web3guy0/cowpilot/internal/inflight"
	"github.com/web3guy0/cowpilot/internal/leader"
	"github.com/web3guy0/cowpilot/internal/observer"
	"github.com/web3guy0/cowpilot/internal/solvers"
	"github.com/web3guy0/cowpilot/internal/submission"
)

// Loop ties the pipeline stages together on a fixed cadence.
type Loop struct {
	node       eth.Node
	leader     *leader.Tracker
	indexer    *indexer.Indexer
	builder    *auction.Builder
	dispatcher *solvers.Dispatcher
	engine     *competition.Engine
	submitter  *submission.Engine
	observer   *observer.Observer
	inflight   *inflight.Tracker
	detector   *badtokens.Detector

	interval           time.Duration
	submissionDeadline time.Duration
	safetyMargin       time.Duration
}

func NewLoop(
	node eth.Node,
	leaderTracker *leader.Tracker,
	idx *indexer.Indexer,
	builder *auction.Builder,
	dispatcher *solvers.Dispatcher,
	engine *competition.Engine,
	submitter *submission.Engine,
	obs *observer.Observer,
	tracker *inflight.Tracker,
	detector *badtokens.Detector,
	interval, submissionDeadline, safetyMargin time.Duration,
) *Loop {
	return &Loop{
		node:               node,
		leader:             leaderTracker,
		indexer:            idx,
		builder:            builder,
		dispatcher:         dispatcher,
		engine:             engine,
		submitter:          submitter,
		observer:           obs,
		inflight:           tracker,
		detector:           detector,
		interval:           interval,
		submissionDeadline: submissionDeadline,
		safetyMargin:       safetyMargin,
	}
}

// Run iterates until the context ends, then releases leadership.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			l.leader.Release(releaseCtx)
			cancel()
			return
		case <-ticker.C:
			l.iterate(ctx)
		}
	}
}

func (l *Loop) iterate(ctx context.Context) {
	l.leader.TryAcquire(ctx)
	if !l.leader.IsLeader() {
		// Followers keep the indexer and caches running; the pipeline
		// itself is the leader's.
		return
	}

	head, err := l.node.HeaderByNumber(ctx, nil)
	if err != nil {
		log.Warn().Err(err).Msg("reading chain head")
		return
	}
	block := eth.Block{
		Number:    head.Number.Uint64(),
		Hash:      head.Hash(),
		Timestamp: head.Time,
		BaseFee:   head.BaseFee,
	}

	current, err := l.builder.Build(ctx, block, l.indexer.LastSeenBlock())
	if errors.Is(err, auction.ErrEmpty) {
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("building auction")
		return
	}

	solutions := l.dispatcher.Solve(ctx, current)
	result := l.engine.Rank(current, solutions)
	for solver, rejections := range result.Rejected {
		log.Info().
			Int64("auction_id", int64(current.Id)).
			Str("solver", solver).
			Int("rejections", len(rejections)).
			Msg("solver produced invalid solutions")
	}
	if result.Winner == nil {
		log.Info().Int64("auction_id", int64(current.Id)).Msg("no valid solutions, round over")
		return
	}
	winner := result.Winner
	log.Info().
		Int64("auction_id", int64(current.Id)).
		Str("solver", winner.Solution.Solver).
		Str("score", winner.Normalized.String()).
		Int("runners_up", len(result.RunnersUp)).
		Msg("competition won")

	l.settle(ctx, current, winner)
}

func (l *Loop) settle(ctx context.Context, current *domain.Auction, winner *competition.Ranked) {
	driver, ok := l.dispatcher.Driver(winner.Solution.Solver)
	if !ok {
		log.Error().Str("solver", winner.Solution.Solver).Msg("winning driver disappeared")
		return
	}

	settleCtx, cancel := solvers.WithTimeout(ctx, time.Now().Add(l.submissionDeadline), l.safetyMargin)
	defer cancel()
	settled, err := driver.Settle(settleCtx, current.Id, winner.Solution.Id)
	if err != nil {
		log.Error().
			Err(err).
			Int64("auction_id", int64(current.Id)).
			Str("solver", winner.Solution.Solver).
			Msg("winner failed to settle")
		return
	}

	uids := tradedUids(winner.Solution)
	var receipt *types.Receipt
	calldata := settled.Calldata

	if settled.TxHash != nil {
		// Driver broadcast itself; we only watch for inclusion and pull
		// the calldata through /reveal for observation.
		receipt, err = l.awaitReceipt(ctx, *settled.TxHash)
		if err == nil && len(calldata) == 0 {
			calldata, err = driver.Reveal(ctx, current.Id, winner.Solution.Id)
		}
	} else {
		account, ok := l.submitter.Account(winner.Solution.Account)
		if !ok {
			log.Error().
				Str("account", winner.Solution.Account.Hex()).
				Msg("no key for submission account")
			return
		}
		receipt, err = l.submitter.Submit(ctx, &submission.Request{
			AuctionId: current.Id,
			Account:   account,
			To:        l.builder.SettlementAddress(),
			Calldata:  calldata,
			Deadline:  time.Now().Add(l.submissionDeadline),
		})
	}

	switch {
	case errors.Is(err, submission.ErrCancelled):
		log.Warn().Int64("auction_id", int64(current.Id)).Msg("auction abandoned after cancellation")
		return
	case errors.Is(err, submission.ErrReverted):
		l.detector.ReportSettlementFailure(uids)
		log.Error().Int64("auction_id", int64(current.Id)).Msg("settlement reverted, solver penalized")
		return
	case err != nil:
		log.Error().Err(err).Int64("auction_id", int64(current.Id)).Msg("settlement failed")
		return
	}

	l.inflight.MarkSettled(receipt.BlockNumber.Uint64(), uids)
	if err := l.observer.ObserveSettlement(current.Id, receipt, calldata); err != nil {
		log.Error().
			Err(err).
			Int64("auction_id", int64(current.Id)).
			Str("tx_hash", receipt.TxHash.Hex()).
			Msg("observing settlement failed")
	}
}

func (l *Loop) awaitReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	deadline := time.NewTimer(l.submissionDeadline)
	defer deadline.Stop()
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, errors.New("driver-submitted transaction not confirmed before deadline")
		case <-ticker.C:
			if receipt, err := l.node.TransactionReceipt(ctx, txHash); err == nil && receipt != nil {
				return receipt, nil
			}
		}
	}
}

func tradedUids(solution *domain.Solution) []domain.OrderUid {
	uids := make([]domain.OrderUid, len(solution.Trades))
	for i, trade := range solution.Trades {
		uids[i] = trade.Uid
	}
	return uids
}

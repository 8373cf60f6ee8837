// Package leader tracks which replica drives the pipeline. Followers
// keep indexers and caches running so a handoff costs no warm-up time.
package leader

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/cowpilot/internal/store"
)

// Tracker wraps the store lease with step-up/step-down bookkeeping.
// A disabled tracker (single-replica deployments) is always the leader.
type Tracker struct {
	enabled   bool
	isLeader  bool
	wasLeader bool
	lease     *store.LeaderLease
}

// NewTracker builds a tracker. Passing a nil lease disables the
// mechanism.
func NewTracker(lease *store.LeaderLease) *Tracker {
	return &Tracker{enabled: lease != nil, lease: lease}
}

// TryAcquire is called at the top of every pipeline iteration. Failure
// to reach the store counts as not leading; another replica will take
// over.
func (t *Tracker) TryAcquire(ctx context.Context) {
	if !t.enabled {
		return
	}
	t.wasLeader = t.isLeader

	acquired, err := t.lease.TryAcquire(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to acquire leader lock")
		acquired = false
	}
	t.isLeader = acquired

	if t.JustSteppedUp() {
		log.Info().Msg("stepped up as leader")
	}
	if t.JustSteppedDown() {
		log.Warn().Msg("stepped down, now following")
	}
}

// IsLeader reports whether this replica may build auctions and submit.
// Always true when the mechanism is disabled.
func (t *Tracker) IsLeader() bool {
	if !t.enabled {
		return true
	}
	return t.isLeader
}

func (t *Tracker) JustSteppedUp() bool {
	return t.enabled && t.isLeader && !t.wasLeader
}

func (t *Tracker) JustSteppedDown() bool {
	return t.enabled && !t.isLeader && t.wasLeader
}

// Release gives the lease up on shutdown.
func (t *Tracker) Release(ctx context.Context) {
	if !t.enabled || !t.isLeader {
		return
	}
	log.Info().Msg("shutdown, stepping down as leader")
	t.lease.Release(ctx)
	t.isLeader = false
}

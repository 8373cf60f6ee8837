package leader

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/web3guy0/cowpilot/internal/store"
)

func TestDisabledTrackerAlwaysLeads(t *testing.T) {
	t.Parallel()

	tracker := NewTracker(nil)
	if !tracker.IsLeader() {
		t.Error("disabled tracker must report leadership")
	}
	tracker.TryAcquire(context.Background())
	if tracker.JustSteppedUp() {
		t.Error("disabled tracker never steps up")
	}
}

func TestEnabledTrackerStepsUp(t *testing.T) {
	t.Parallel()

	db, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	tracker := NewTracker(db.NewLeaderLease())

	if tracker.IsLeader() {
		t.Error("tracker must start as follower")
	}

	// Single-process store always grants the lease.
	tracker.TryAcquire(context.Background())
	if !tracker.IsLeader() {
		t.Fatal("expected leadership after acquire")
	}
	if !tracker.JustSteppedUp() {
		t.Error("first acquisition must register as step-up")
	}

	tracker.TryAcquire(context.Background())
	if tracker.JustSteppedUp() {
		t.Error("holding the lease is not a step-up")
	}

	tracker.Release(context.Background())
	if tracker.IsLeader() {
		t.Error("release must drop leadership")
	}
}

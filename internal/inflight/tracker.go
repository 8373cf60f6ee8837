// Package inflight remembers orders whose settlement confirmed but whose
// events the indexer has not observed yet, so the next auction does not
// try to settle them again.
package inflight

import (
	"sync"

	rbt "github.com/emirpasic/gods/v2/trees/redblacktree"

	"github.com/web3guy0/cowpilot/internal/domain"
)

// Tracker maps settlement block numbers to the orders settled there. The
// block-ordered tree makes pruning everything at or below the indexer's
// last seen block a walk of the leftmost nodes.
type Tracker struct {
	mu      sync.Mutex
	byBlock *rbt.Tree[uint64, []domain.OrderUid]
}

func NewTracker() *Tracker {
	return &Tracker{byBlock: rbt.New[uint64, []domain.OrderUid]()}
}

// MarkSettled is called by the submission engine once a settlement
// transaction confirmed in the given block.
func (t *Tracker) MarkSettled(block uint64, uids []domain.OrderUid) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, found := t.byBlock.Get(block); found {
		uids = append(existing, uids...)
	}
	t.byBlock.Put(block, uids)
}

// Filter removes from the order list any fill-or-kill order still in
// flight beyond the indexer's last seen block, pruning entries the
// indexer has caught up with.
func (t *Tracker) Filter(orders []domain.Order, lastSeenBlock uint64) []domain.Order {
	t.mu.Lock()
	// Blocks the indexer has observed are no longer in flight.
	for {
		node := t.byBlock.Left()
		if node == nil || node.Key > lastSeenBlock {
			break
		}
		t.byBlock.Remove(node.Key)
	}

	pending := make(map[domain.OrderUid]struct{})
	it := t.byBlock.Iterator()
	for it.Next() {
		for _, uid := range it.Value() {
			pending[uid] = struct{}{}
		}
	}
	t.mu.Unlock()

	if len(pending) == 0 {
		return orders
	}
	kept := orders[:0]
	for _, order := range orders {
		if _, inFlight := pending[order.Uid]; inFlight && !order.PartiallyFillable {
			continue
		}
		kept = append(kept, order)
	}
	return kept
}

// Blocks reports how many blocks still have in-flight orders.
func (t *Tracker) Blocks() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.byBlock.Size()
}

package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// leaderLockKey is the advisory lock id every replica competes for. One
// key per deployment: the store is shared, so the lock is too.
const leaderLockKey = 0x636f77 // "cow"

// LeaderLease is a session-scoped advisory lock on the database. The
// replica holding it drives auctions and submissions; the rest follow.
//
// On PostgreSQL the lease is backed by pg_try_advisory_lock held on a
// pinned connection, so it drops automatically when the session dies.
// On SQLite there is only ever one process, so the lease always grants.
type LeaderLease struct {
	mu       sync.Mutex
	postgres bool
	conn     *sql.Conn
	held     bool
	db       *Database
}

// NewLeaderLease creates a lease against this store.
func (d *Database) NewLeaderLease() *LeaderLease {
	return &LeaderLease{postgres: d.postgres, db: d}
}

// TryAcquire attempts to take or keep the lease. Non-blocking: returns
// whether this replica is currently the leader.
func (l *LeaderLease) TryAcquire(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.postgres {
		return true, nil
	}
	if l.held {
		// Verify the pinned session is still alive; a dead session has
		// already lost the lock server-side.
		if err := l.conn.PingContext(ctx); err != nil {
			l.dropConn()
			return false, fmt.Errorf("leader session lost: %w", err)
		}
		return true, nil
	}

	if l.conn == nil {
		sqlDB, err := l.db.db.DB()
		if err != nil {
			return false, err
		}
		conn, err := sqlDB.Conn(ctx)
		if err != nil {
			return false, fmt.Errorf("pin leader connection: %w", err)
		}
		l.conn = conn
	}

	var acquired bool
	err := l.conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", leaderLockKey).Scan(&acquired)
	if err != nil {
		l.dropConn()
		return false, fmt.Errorf("try advisory lock: %w", err)
	}
	l.held = acquired
	return acquired, nil
}

// Release gives the lease up explicitly, e.g. on shutdown.
func (l *LeaderLease) Release(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.postgres || !l.held {
		return
	}
	var released bool
	if err := l.conn.QueryRowContext(ctx, "SELECT pg_advisory_unlock($1)", leaderLockKey).Scan(&released); err != nil {
		log.Warn().Err(err).Msg("failed to release leader lock, closing session instead")
	}
	l.dropConn()
}

func (l *LeaderLease) dropConn() {
	if l.conn != nil {
		_ = l.conn.Close()
		l.conn = nil
	}
	l.held = false
}

package store

import (
	"context"
	"database/sql"
	"fmt"
)

// AdvisoryLock is a held postgres session lock. The lock belongs to one
// pinned connection; Release returns both the lock and the connection.
type AdvisoryLock struct {
	conn *sql.Conn
	key  int64
}

// TryAdvisoryLock attempts a non-blocking pg_try_advisory_lock on key.
// The second return is false when another session holds it. A held lock
// pins one pool connection until Release.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (*AdvisoryLock, bool, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var locked bool
	if err = conn.QueryRowContext(ctx,
		`SELECT pg_try_advisory_lock($1)`, key).Scan(&locked); err != nil {
		conn.Close()
		return nil, false, fmt.Errorf("pg_try_advisory_lock: %w", err)
	}
	if !locked {
		conn.Close()
		return nil, false, nil
	}
	return &AdvisoryLock{conn: conn, key: key}, true, nil
}

// Release unlocks and returns the pinned connection to the pool. Safe to
// call with a background context during shutdown.
func (l *AdvisoryLock) Release(ctx context.Context) error {
	var _, err = l.conn.ExecContext(ctx, `SELECT pg_advisory_unlock($1)`, l.key)
	if cerr := l.conn.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("release advisory lock %d: %w", l.key, err)
	}
	return nil
}

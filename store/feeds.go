package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ammoindex/datafeed/model"
)

const feedColumns = `id, source_id, network, kind, status, transport, host, port, path,
	username, secret, secret_key_id, secret_version, format, compression,
	schedule_frequency_hours, expiry_hours, expiry_max_fraction,
	max_file_size_bytes, max_row_count, next_run_at, manual_run_pending,
	last_manual_run_at, consecutive_failures, last_remote_mtime,
	last_remote_size, last_content_hash, feed_lock_id, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanFeed(row rowScanner) (*model.Feed, error) {
	var f model.Feed
	var err = row.Scan(
		&f.ID, &f.SourceID, &f.Network, &f.Kind, &f.Status, &f.Transport,
		&f.Host, &f.Port, &f.Path, &f.Username, &f.Secret, &f.SecretKeyID,
		&f.SecretVersion, &f.Format, &f.Compression,
		&f.ScheduleFrequencyHours, &f.ExpiryHours, &f.ExpiryMaxFraction,
		&f.MaxFileSizeBytes, &f.MaxRowCount, &f.NextRunAt,
		&f.ManualRunPending, &f.LastManualRunAt, &f.ConsecutiveFailures,
		&f.LastRemoteMtime, &f.LastRemoteSize, &f.LastContentHash,
		&f.FeedLockID, &f.CreatedAt, &f.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("scan feed: %w", err)
	}
	return &f, nil
}

// CreateFeed inserts a feed and returns its id. FeedLockID must already
// be derived (model.LockID); it is frozen here.
func (s *Store) CreateFeed(ctx context.Context, f *model.Feed, now time.Time) (int64, error) {
	var id int64
	var err = s.db.QueryRowContext(ctx, `
		INSERT INTO feeds (source_id, network, kind, status, transport, host, port, path,
			username, secret, secret_key_id, secret_version, format, compression,
			schedule_frequency_hours, expiry_hours, expiry_max_fraction,
			max_file_size_bytes, max_row_count, feed_lock_id, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$21)
		RETURNING id`,
		f.SourceID, f.Network, f.Kind, f.Status, f.Transport, f.Host, f.Port,
		f.Path, f.Username, f.Secret, f.SecretKeyID, f.SecretVersion,
		f.Format, f.Compression, f.ScheduleFrequencyHours, f.ExpiryHours,
		f.ExpiryMaxFraction, f.MaxFileSizeBytes, f.MaxRowCount, f.FeedLockID,
		now,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert feed: %w", err)
	}
	return id, nil
}

// FeedByID loads one feed, or ErrNotFound.
func (s *Store) FeedByID(ctx context.Context, id int64) (*model.Feed, error) {
	return scanFeed(s.db.QueryRowContext(ctx,
		`SELECT `+feedColumns+` FROM feeds WHERE id = $1`, id))
}

// ListFeeds returns all feeds of a kind, ordered by id.
func (s *Store) ListFeeds(ctx context.Context, kind model.FeedKind) ([]*model.Feed, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+feedColumns+` FROM feeds WHERE kind = $1 ORDER BY id`, kind)
	if err != nil {
		return nil, fmt.Errorf("list feeds: %w", err)
	}
	defer rows.Close()

	var out []*model.Feed
	for rows.Next() {
		f, err := scanFeed(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// DueFeeds returns enabled feeds of a kind whose nextRunAt has passed and
// which have no run in flight. The scheduler's filter is advisory; the
// per-feed advisory lock remains the authoritative barrier.
func (s *Store) DueFeeds(ctx context.Context, kind model.FeedKind, now time.Time, limit int) ([]*model.Feed, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+feedColumns+` FROM feeds f
		WHERE f.kind = $1 AND f.status = 'ENABLED'
		  AND f.next_run_at IS NOT NULL AND f.next_run_at <= $2
		  AND NOT EXISTS (
			SELECT 1 FROM feed_runs r WHERE r.feed_id = f.id AND r.status = 'RUNNING')
		ORDER BY f.next_run_at
		LIMIT $3`,
		kind, now, limit)
	if err != nil {
		return nil, fmt.Errorf("select due feeds: %w", err)
	}
	defer rows.Close()

	var out []*model.Feed
	for rows.Next() {
		f, err := scanFeed(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// SourceKind maps a sourceID onto its bounded pipeline label. Rows whose
// feed is gone report unknown rather than erroring: the label feeds
// metrics, not decisions.
func (s *Store) SourceKind(ctx context.Context, sourceID string) (model.SourceKind, error) {
	var kind model.FeedKind
	var err = s.db.QueryRowContext(ctx,
		`SELECT kind FROM feeds WHERE source_id = $1 LIMIT 1`, sourceID).Scan(&kind)
	if err == sql.ErrNoRows {
		return model.SourceUnknown, nil
	} else if err != nil {
		return model.SourceUnknown, fmt.Errorf("query source kind: %w", err)
	}
	return model.SourceKindOf(kind), nil
}

// UpdateFeedActivation moves a feed between lifecycle states.
// resetFailures clears the consecutive-failure counter (enable/reenable).
func (s *Store) UpdateFeedActivation(ctx context.Context, id int64, status model.FeedStatus,
	nextRunAt *time.Time, resetFailures bool, now time.Time) error {

	var _, err = s.db.ExecContext(ctx, `
		UPDATE feeds SET status = $2, next_run_at = $3,
			consecutive_failures = CASE WHEN $4 THEN 0 ELSE consecutive_failures END,
			updated_at = $5
		WHERE id = $1`,
		id, status, nextRunAt, resetFailures, now)
	if err != nil {
		return fmt.Errorf("update feed activation: %w", err)
	}
	return nil
}

// UpdateNextRunAt reschedules an enabled feed.
func (s *Store) UpdateNextRunAt(ctx context.Context, id int64, t time.Time, now time.Time) error {
	var _, err = s.db.ExecContext(ctx,
		`UPDATE feeds SET next_run_at = $2, updated_at = $3 WHERE id = $1`,
		id, t, now)
	if err != nil {
		return fmt.Errorf("update next_run_at: %w", err)
	}
	return nil
}

// SetManualRunPending flips the deferred-manual-run marker.
func (s *Store) SetManualRunPending(ctx context.Context, id int64, pending bool, now time.Time) error {
	var _, err = s.db.ExecContext(ctx,
		`UPDATE feeds SET manual_run_pending = $2, updated_at = $3 WHERE id = $1`,
		id, pending, now)
	if err != nil {
		return fmt.Errorf("set manual_run_pending: %w", err)
	}
	return nil
}

// TouchManualRun stamps the manual-refresh rate limiter.
func (s *Store) TouchManualRun(ctx context.Context, id int64, now time.Time) error {
	var _, err = s.db.ExecContext(ctx,
		`UPDATE feeds SET last_manual_run_at = $2, updated_at = $2 WHERE id = $1`,
		id, now)
	if err != nil {
		return fmt.Errorf("touch manual run: %w", err)
	}
	return nil
}

// UpdateFeedAfterRun writes the engine's finalization block: the
// change-detection state, the recomputed schedule, the failure counter,
// and a possible automatic DISABLED transition, in one statement.
func (s *Store) UpdateFeedAfterRun(ctx context.Context, id int64,
	mtime *time.Time, size *int64, contentHash string,
	nextRunAt *time.Time, consecutiveFailures int, status model.FeedStatus,
	now time.Time) error {

	var _, err = s.db.ExecContext(ctx, `
		UPDATE feeds SET
			last_remote_mtime = COALESCE($2, last_remote_mtime),
			last_remote_size = COALESCE($3, last_remote_size),
			last_content_hash = CASE WHEN $4 <> '' THEN $4 ELSE last_content_hash END,
			next_run_at = $5,
			consecutive_failures = $6,
			status = $7,
			updated_at = $8
		WHERE id = $1`,
		id, mtime, size, contentHash, nextRunAt, consecutiveFailures, status, now)
	if err != nil {
		return fmt.Errorf("finalize feed after run: %w", err)
	}
	return nil
}

// ClearFetchState wipes change-detection state so the next run downloads
// and reprocesses unconditionally.
func (s *Store) ClearFetchState(ctx context.Context, id int64, now time.Time) error {
	var _, err = s.db.ExecContext(ctx, `
		UPDATE feeds SET last_remote_mtime = NULL, last_remote_size = NULL,
			last_content_hash = '', updated_at = $2
		WHERE id = $1`,
		id, now)
	if err != nil {
		return fmt.Errorf("clear fetch state: %w", err)
	}
	return nil
}

// UpdateFeedConfig persists the mutable configuration columns after an
// admin merge-patch.
func (s *Store) UpdateFeedConfig(ctx context.Context, f *model.Feed, now time.Time) error {
	var _, err = s.db.ExecContext(ctx, `
		UPDATE feeds SET transport = $2, host = $3, port = $4, path = $5,
			username = $6, secret = $7, secret_key_id = $8, secret_version = $9,
			format = $10, compression = $11, schedule_frequency_hours = $12,
			expiry_hours = $13, expiry_max_fraction = $14,
			max_file_size_bytes = $15, max_row_count = $16, updated_at = $17
		WHERE id = $1`,
		f.ID, f.Transport, f.Host, f.Port, f.Path, f.Username, f.Secret,
		f.SecretKeyID, f.SecretVersion, f.Format, f.Compression,
		f.ScheduleFrequencyHours, f.ExpiryHours, f.ExpiryMaxFraction,
		f.MaxFileSizeBytes, f.MaxRowCount, now)
	if err != nil {
		return fmt.Errorf("update feed config: %w", err)
	}
	return nil
}

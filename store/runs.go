package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ammoindex/datafeed/model"
)

const runColumns = `id, feed_id, trigger, status, started_at, finished_at,
	rows_read, rows_parsed, products_upserted, prices_written,
	products_promoted, products_rejected, duplicate_key_count,
	url_hash_fallback_count, error_count, failure_kind, failure_code,
	failure_message, correlation_id, expiry_blocked, expiry_blocked_reason,
	expiry_approved_at, expiry_approved_by, ignored_at, ignored_by,
	ignored_reason, remote_mtime, remote_size, content_hash`

func scanRun(row rowScanner) (*model.FeedRun, error) {
	var r model.FeedRun
	var err = row.Scan(
		&r.ID, &r.FeedID, &r.Trigger, &r.Status, &r.StartedAt, &r.FinishedAt,
		&r.Counters.RowsRead, &r.Counters.RowsParsed,
		&r.Counters.ProductsUpserted, &r.Counters.PricesWritten,
		&r.Counters.ProductsPromoted, &r.Counters.ProductsRejected,
		&r.Counters.DuplicateKeyCount, &r.Counters.URLHashFallbackCount,
		&r.Counters.ErrorCount, &r.FailureKind, &r.FailureCode,
		&r.FailureMessage, &r.CorrelationID, &r.ExpiryBlocked,
		&r.ExpiryBlockedReason, &r.ExpiryApprovedAt, &r.ExpiryApprovedBy,
		&r.IgnoredAt, &r.IgnoredBy, &r.IgnoredReason,
		&r.RemoteMtime, &r.RemoteSize, &r.ContentHash,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("scan feed run: %w", err)
	}
	return &r, nil
}

// CreateRun opens a RUNNING run and returns its id.
func (s *Store) CreateRun(ctx context.Context, feedID int64, trigger model.RunTrigger,
	correlationID string, now time.Time) (int64, error) {

	var id int64
	var err = s.db.QueryRowContext(ctx, `
		INSERT INTO feed_runs (feed_id, trigger, status, started_at, correlation_id)
		VALUES ($1, $2, 'RUNNING', $3, $4)
		RETURNING id`,
		feedID, trigger, now, correlationID).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert feed run: %w", err)
	}
	return id, nil
}

// RunByID loads one run, or ErrNotFound.
func (s *Store) RunByID(ctx context.Context, id int64) (*model.FeedRun, error) {
	return scanRun(s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM feed_runs WHERE id = $1`, id))
}

// RecentRuns lists a feed's newest runs first.
func (s *Store) RecentRuns(ctx context.Context, feedID int64, limit int) ([]*model.FeedRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM feed_runs WHERE feed_id = $1 ORDER BY id DESC LIMIT $2`,
		feedID, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []*model.FeedRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// FinishRun writes a run's terminal block exactly once. It refuses to
// re-open terminal runs: the returned bool is false when the run was
// already finished (an admin reset may have raced us).
func (s *Store) FinishRun(ctx context.Context, r *model.FeedRun, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE feed_runs SET status = $2, finished_at = $3,
			rows_read = $4, rows_parsed = $5, products_upserted = $6,
			prices_written = $7, products_promoted = $8, products_rejected = $9,
			duplicate_key_count = $10, url_hash_fallback_count = $11,
			error_count = $12, failure_kind = $13, failure_code = $14,
			failure_message = $15, expiry_blocked = $16,
			expiry_blocked_reason = $17, remote_mtime = $18, remote_size = $19,
			content_hash = $20
		WHERE id = $1 AND status = 'RUNNING'`,
		r.ID, r.Status, now,
		r.Counters.RowsRead, r.Counters.RowsParsed, r.Counters.ProductsUpserted,
		r.Counters.PricesWritten, r.Counters.ProductsPromoted,
		r.Counters.ProductsRejected, r.Counters.DuplicateKeyCount,
		r.Counters.URLHashFallbackCount, r.Counters.ErrorCount,
		r.FailureKind, r.FailureCode, r.FailureMessage,
		r.ExpiryBlocked, r.ExpiryBlockedReason,
		r.RemoteMtime, r.RemoteSize, r.ContentHash)
	if err != nil {
		return false, fmt.Errorf("finish feed run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("finish feed run: rows affected: %w", err)
	}
	return n == 1, nil
}

// FailRunningRuns force-fails every RUNNING run of a feed (admin reset).
// Returns how many runs were closed.
func (s *Store) FailRunningRuns(ctx context.Context, feedID int64,
	kind model.FailureKind, code, message string, now time.Time) (int64, error) {

	res, err := s.db.ExecContext(ctx, `
		UPDATE feed_runs SET status = 'FAILED', finished_at = $2,
			failure_kind = $3, failure_code = $4, failure_message = $5
		WHERE feed_id = $1 AND status = 'RUNNING'`,
		feedID, now, kind, code, message)
	if err != nil {
		return 0, fmt.Errorf("fail running runs: %w", err)
	}
	return res.RowsAffected()
}

// InFlightRun reports whether the feed has a RUNNING run.
func (s *Store) InFlightRun(ctx context.Context, feedID int64) (bool, error) {
	var exists bool
	var err = s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM feed_runs WHERE feed_id = $1 AND status = 'RUNNING')`,
		feedID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query in-flight run: %w", err)
	}
	return exists, nil
}

// HasSucceededRun reports whether any prior run of the feed succeeded.
// The stat-based skip only applies once a successful baseline exists.
func (s *Store) HasSucceededRun(ctx context.Context, feedID int64) (bool, error) {
	var exists bool
	var err = s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM feed_runs WHERE feed_id = $1 AND status = 'SUCCEEDED')`,
		feedID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query succeeded run: %w", err)
	}
	return exists, nil
}

// HasNewerSucceededRun reports whether a run newer than runID succeeded
// for the feed. Activation approval is pointless past that.
func (s *Store) HasNewerSucceededRun(ctx context.Context, feedID, runID int64) (bool, error) {
	var exists bool
	var err = s.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM feed_runs
			WHERE feed_id = $1 AND id > $2 AND status = 'SUCCEEDED'
			  AND ignored_at IS NULL)`,
		feedID, runID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query newer succeeded run: %w", err)
	}
	return exists, nil
}

// ApproveRun stamps the expiry-approval pair. False when the run was not
// blocked or is already approved.
func (s *Store) ApproveRun(ctx context.Context, runID int64, actor string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE feed_runs SET expiry_approved_at = $2, expiry_approved_by = $3
		WHERE id = $1 AND expiry_blocked AND expiry_approved_at IS NULL`,
		runID, now, actor)
	if err != nil {
		return false, fmt.Errorf("approve run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("approve run: rows affected: %w", err)
	}
	return n == 1, nil
}

// IgnoreRun sets the ignore triad; consumer reads exclude ignored runs.
func (s *Store) IgnoreRun(ctx context.Context, runID int64, by, reason string, now time.Time) error {
	var _, err = s.db.ExecContext(ctx, `
		UPDATE feed_runs SET ignored_at = $2, ignored_by = $3, ignored_reason = $4
		WHERE id = $1`,
		runID, now, by, reason)
	if err != nil {
		return fmt.Errorf("ignore run: %w", err)
	}
	return nil
}

// UnignoreRun clears the ignore triad.
func (s *Store) UnignoreRun(ctx context.Context, runID int64) error {
	var _, err = s.db.ExecContext(ctx, `
		UPDATE feed_runs SET ignored_at = NULL, ignored_by = '', ignored_reason = ''
		WHERE id = $1`,
		runID)
	if err != nil {
		return fmt.Errorf("unignore run: %w", err)
	}
	return nil
}

// InsertRunError records one per-row failure.
func (s *Store) InsertRunError(ctx context.Context, e *model.FeedRunError, now time.Time) error {
	var _, err = s.db.ExecContext(ctx, `
		INSERT INTO feed_run_errors (feed_run_id, row_number, code, message, raw_row, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		e.FeedRunID, e.RowNumber, e.Code, e.Message, e.RawRow, now)
	if err != nil {
		return fmt.Errorf("insert run error: %w", err)
	}
	return nil
}

// RunErrors lists a run's recorded row errors in row order.
func (s *Store) RunErrors(ctx context.Context, runID int64, limit int) ([]*model.FeedRunError, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, feed_run_id, row_number, code, message, raw_row, created_at
		FROM feed_run_errors WHERE feed_run_id = $1 ORDER BY row_number LIMIT $2`,
		runID, limit)
	if err != nil {
		return nil, fmt.Errorf("list run errors: %w", err)
	}
	defer rows.Close()

	var out []*model.FeedRunError
	for rows.Next() {
		var e model.FeedRunError
		if err = rows.Scan(&e.ID, &e.FeedRunID, &e.RowNumber, &e.Code,
			&e.Message, &e.RawRow, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan run error: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

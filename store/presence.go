package store

import (
	"context"
	"fmt"
	"time"
)

// MarkSeen records a source product in a run's seen set.
func (s *Store) MarkSeen(ctx context.Context, feedRunID, sourceProductID int64) error {
	var _, err = s.db.ExecContext(ctx, `
		INSERT INTO source_product_seen (feed_run_id, source_product_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING`,
		feedRunID, sourceProductID)
	if err != nil {
		return fmt.Errorf("mark seen: %w", err)
	}
	return nil
}

// ActiveCount counts a source's currently-active products.
func (s *Store) ActiveCount(ctx context.Context, sourceID string) (int, error) {
	var n int
	var err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM source_product_presence
		WHERE source_id = $1 AND active`,
		sourceID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active presence: %w", err)
	}
	return n, nil
}

// MissingFromRun counts active products of a source that the given run's
// seen set does not cover. Promoting the run would leave their
// last_seen_success_at stale, so they are the products the run would
// expire.
func (s *Store) MissingFromRun(ctx context.Context, sourceID string, feedRunID int64) (int, error) {
	var n int
	var err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM source_product_presence p
		WHERE p.source_id = $1 AND p.active
		  AND NOT EXISTS (
			SELECT 1 FROM source_product_seen s
			WHERE s.feed_run_id = $2 AND s.source_product_id = p.source_product_id)`,
		sourceID, feedRunID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count missing from run: %w", err)
	}
	return n, nil
}

// PromoteRun refreshes presence for a run's seen set: every seen product
// becomes active with last_seen_success_at = now, then products unseen
// past the expiry horizon deactivate. Returns (promoted, expired) counts.
func (s *Store) PromoteRun(ctx context.Context, feedRunID int64, sourceID string,
	expiryHours int, now time.Time) (int64, int64, error) {

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("BeginTx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO source_product_presence
			(source_product_id, source_id, active, last_seen_success_at)
		SELECT s.source_product_id, $2, TRUE, $3
		FROM source_product_seen s
		WHERE s.feed_run_id = $1
		ON CONFLICT (source_product_id) DO UPDATE SET
			active = TRUE, last_seen_success_at = EXCLUDED.last_seen_success_at`,
		feedRunID, sourceID, now)
	if err != nil {
		return 0, 0, fmt.Errorf("promote seen set: %w", err)
	}
	promoted, err := res.RowsAffected()
	if err != nil {
		return 0, 0, fmt.Errorf("promote seen set: rows affected: %w", err)
	}

	var cutoff = now.Add(-time.Duration(expiryHours) * time.Hour)
	res, err = tx.ExecContext(ctx, `
		UPDATE source_product_presence
		SET active = FALSE
		WHERE source_id = $1 AND active AND last_seen_success_at < $2`,
		sourceID, cutoff)
	if err != nil {
		return 0, 0, fmt.Errorf("expire stale presence: %w", err)
	}
	expired, err := res.RowsAffected()
	if err != nil {
		return 0, 0, fmt.Errorf("expire stale presence: rows affected: %w", err)
	}
	return promoted, expired, tx.Commit()
}

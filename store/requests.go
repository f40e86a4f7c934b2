package store

import (
	"context"
	"fmt"
	"time"

	"github.com/ammoindex/datafeed/model"
)

// IdempotencyKey is the one-open-request-per-source-product key.
func IdempotencyKey(sourceProductID int64) string {
	return fmt.Sprintf("RESOLVE:%d", sourceProductID)
}

// EnqueueResolveRequest opens (or re-opens) the resolve request of a
// source product. A request already PENDING or PROCESSING is left alone;
// a terminal one flips back to PENDING with its attempt counter reset.
func (s *Store) EnqueueResolveRequest(ctx context.Context, sourceProductID int64, now time.Time) error {
	var _, err = s.db.ExecContext(ctx, `
		INSERT INTO product_resolve_requests
			(idempotency_key, source_product_id, status, created_at, updated_at)
		VALUES ($1, $2, 'PENDING', $3, $3)
		ON CONFLICT (idempotency_key) DO UPDATE SET
			status = 'PENDING', attempts = 0, error_message = '',
			result_product_id = NULL, updated_at = EXCLUDED.updated_at
		WHERE product_resolve_requests.status IN ('COMPLETED', 'FAILED')`,
		IdempotencyKey(sourceProductID), sourceProductID, now)
	if err != nil {
		return fmt.Errorf("enqueue resolve request: %w", err)
	}
	return nil
}

// MarkRequestProcessing transitions the source product's PENDING request
// to PROCESSING with lastAttemptAt stamped.
func (s *Store) MarkRequestProcessing(ctx context.Context, sourceProductID int64, now time.Time) error {
	var _, err = s.db.ExecContext(ctx, `
		UPDATE product_resolve_requests
		SET status = 'PROCESSING', last_attempt_at = $2, updated_at = $2
		WHERE source_product_id = $1 AND status = 'PENDING'`,
		sourceProductID, now)
	if err != nil {
		return fmt.Errorf("mark request processing: %w", err)
	}
	return nil
}

// CompleteRequest transitions PROCESSING to COMPLETED and records the
// resolved product, if any.
func (s *Store) CompleteRequest(ctx context.Context, sourceProductID int64, resultProductID *int64, now time.Time) error {
	var _, err = s.db.ExecContext(ctx, `
		UPDATE product_resolve_requests
		SET status = 'COMPLETED', result_product_id = $2, error_message = '', updated_at = $3
		WHERE source_product_id = $1 AND status = 'PROCESSING'`,
		sourceProductID, resultProductID, now)
	if err != nil {
		return fmt.Errorf("complete request: %w", err)
	}
	return nil
}

// FailRequest transitions the request to FAILED on the final attempt.
func (s *Store) FailRequest(ctx context.Context, sourceProductID int64, message string, now time.Time) error {
	var _, err = s.db.ExecContext(ctx, `
		UPDATE product_resolve_requests
		SET status = 'FAILED', error_message = $2, updated_at = $3
		WHERE source_product_id = $1 AND status = 'PROCESSING'`,
		sourceProductID, message, now)
	if err != nil {
		return fmt.Errorf("fail request: %w", err)
	}
	return nil
}

// StuckRequests returns PROCESSING requests untouched since the cutoff,
// oldest first, for the sweeper.
func (s *Store) StuckRequests(ctx context.Context, cutoff time.Time, limit int) ([]*model.ProductResolveRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, idempotency_key, source_product_id, status, attempts,
			last_attempt_at, error_message, result_product_id, created_at, updated_at
		FROM product_resolve_requests
		WHERE status = 'PROCESSING' AND updated_at < $1
		ORDER BY updated_at
		LIMIT $2`,
		cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("select stuck requests: %w", err)
	}
	defer rows.Close()

	var out []*model.ProductResolveRequest
	for rows.Next() {
		var r model.ProductResolveRequest
		if err = rows.Scan(&r.ID, &r.IdempotencyKey, &r.SourceProductID,
			&r.Status, &r.Attempts, &r.LastAttemptAt, &r.ErrorMessage,
			&r.ResultProductID, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan resolve request: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// RequeueStuckRequest moves a swept PROCESSING request back to PENDING
// with attempts incremented.
func (s *Store) RequeueStuckRequest(ctx context.Context, id int64, now time.Time) error {
	var _, err = s.db.ExecContext(ctx, `
		UPDATE product_resolve_requests
		SET status = 'PENDING', attempts = attempts + 1, updated_at = $2
		WHERE id = $1 AND status = 'PROCESSING'`,
		id, now)
	if err != nil {
		return fmt.Errorf("requeue stuck request: %w", err)
	}
	return nil
}

// FailStuckRequest terminates a swept request that exhausted its attempts.
func (s *Store) FailStuckRequest(ctx context.Context, id int64, message string, now time.Time) error {
	var _, err = s.db.ExecContext(ctx, `
		UPDATE product_resolve_requests
		SET status = 'FAILED', error_message = $2, updated_at = $3
		WHERE id = $1 AND status = 'PROCESSING'`,
		id, message, now)
	if err != nil {
		return fmt.Errorf("fail stuck request: %w", err)
	}
	return nil
}

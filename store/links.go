package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ammoindex/datafeed/model"
)

const linkColumns = `id, source_product_id, product_id, match_type, status,
	reason_code, confidence, resolver_version, evidence, resolved_at`

func scanLink(row rowScanner) (*model.ProductLink, error) {
	var l model.ProductLink
	var err = row.Scan(
		&l.ID, &l.SourceProductID, &l.ProductID, &l.MatchType, &l.Status,
		&l.ReasonCode, &l.Confidence, &l.ResolverVersion, &l.Evidence,
		&l.ResolvedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("scan product link: %w", err)
	}
	return &l, nil
}

// LinkBySourceProductID loads the one link of a source product, or
// ErrNotFound when the row was never resolved.
func (s *Store) LinkBySourceProductID(ctx context.Context, sourceProductID int64) (*model.ProductLink, error) {
	return scanLink(s.db.QueryRowContext(ctx,
		`SELECT `+linkColumns+` FROM product_links WHERE source_product_id = $1`,
		sourceProductID))
}

// UpsertLink persists a resolver decision, keyed by source_product_id.
// MANUAL links are guarded in SQL as well as in the resolver: the update
// arm refuses to touch them.
func (s *Store) UpsertLink(ctx context.Context, l *model.ProductLink, now time.Time) error {
	var _, err = s.db.ExecContext(ctx, `
		INSERT INTO product_links (source_product_id, product_id, match_type,
			status, reason_code, confidence, resolver_version, evidence, resolved_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (source_product_id) DO UPDATE SET
			product_id = EXCLUDED.product_id,
			match_type = EXCLUDED.match_type,
			status = EXCLUDED.status,
			reason_code = EXCLUDED.reason_code,
			confidence = EXCLUDED.confidence,
			resolver_version = EXCLUDED.resolver_version,
			evidence = EXCLUDED.evidence,
			resolved_at = EXCLUDED.resolved_at
		WHERE product_links.match_type <> 'MANUAL'`,
		l.SourceProductID, l.ProductID, l.MatchType, l.Status, l.ReasonCode,
		l.Confidence, l.ResolverVersion, l.Evidence, now)
	if err != nil {
		return fmt.Errorf("upsert product link: %w", err)
	}
	return nil
}

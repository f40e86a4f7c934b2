package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ammoindex/datafeed/model"
)

// UpsertSourceProduct writes one ingested row, keyed by
// (sourceId, stableKey). created reports whether the row is new, which
// the run counters split into listings created vs updated.
func (s *Store) UpsertSourceProduct(ctx context.Context, sp *model.SourceProduct, now time.Time) (int64, bool, error) {
	var id int64
	var created bool
	var err = s.db.QueryRowContext(ctx, `
		INSERT INTO source_products (source_id, stable_key, title, brand, url,
			normalized_url, caliber, grain_weight, round_count,
			last_price_cents, last_price_currency, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$12)
		ON CONFLICT (source_id, stable_key) DO UPDATE SET
			title = EXCLUDED.title, brand = EXCLUDED.brand,
			url = EXCLUDED.url, normalized_url = EXCLUDED.normalized_url,
			caliber = EXCLUDED.caliber, grain_weight = EXCLUDED.grain_weight,
			round_count = EXCLUDED.round_count,
			last_price_cents = EXCLUDED.last_price_cents,
			last_price_currency = EXCLUDED.last_price_currency,
			updated_at = EXCLUDED.updated_at
		RETURNING id, (xmax = 0)`,
		sp.SourceID, sp.StableKey, sp.Title, sp.Brand, sp.URL,
		sp.NormalizedURL, sp.Caliber, sp.GrainWeight, sp.RoundCount,
		sp.LastPriceCents, sp.LastPriceCurrency, now,
	).Scan(&id, &created)
	if err != nil {
		return 0, false, fmt.Errorf("upsert source product: %w", err)
	}
	return id, created, nil
}

// ReplaceIdentifiers swaps the identifier set of a source product for the
// one parsed from the current row.
func (s *Store) ReplaceIdentifiers(ctx context.Context, sourceProductID int64, idents []model.Identifier) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("BeginTx: %w", err)
	}
	defer tx.Rollback()

	if _, err = tx.ExecContext(ctx,
		`DELETE FROM source_product_identifiers WHERE source_product_id = $1`,
		sourceProductID); err != nil {
		return fmt.Errorf("delete identifiers: %w", err)
	}
	for _, ident := range idents {
		if _, err = tx.ExecContext(ctx, `
			INSERT INTO source_product_identifiers (source_product_id, kind, value)
			VALUES ($1, $2, $3)
			ON CONFLICT (source_product_id, kind, value) DO NOTHING`,
			sourceProductID, ident.Kind, ident.Value); err != nil {
			return fmt.Errorf("insert identifier: %w", err)
		}
	}
	return tx.Commit()
}

// SourceProductByID loads one source product with its identifiers, or
// ErrNotFound.
func (s *Store) SourceProductByID(ctx context.Context, id int64) (*model.SourceProduct, error) {
	var sp model.SourceProduct
	var err = s.db.QueryRowContext(ctx, `
		SELECT id, source_id, stable_key, title, brand, url, normalized_url,
			caliber, grain_weight, round_count, last_price_cents,
			last_price_currency, normalized_hash, created_at, updated_at
		FROM source_products WHERE id = $1`, id).Scan(
		&sp.ID, &sp.SourceID, &sp.StableKey, &sp.Title, &sp.Brand, &sp.URL,
		&sp.NormalizedURL, &sp.Caliber, &sp.GrainWeight, &sp.RoundCount,
		&sp.LastPriceCents, &sp.LastPriceCurrency, &sp.NormalizedHash,
		&sp.CreatedAt, &sp.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("scan source product: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, value FROM source_product_identifiers
		WHERE source_product_id = $1 ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("list identifiers: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var ident model.Identifier
		if err = rows.Scan(&ident.Kind, &ident.Value); err != nil {
			return nil, fmt.Errorf("scan identifier: %w", err)
		}
		sp.Identifiers = append(sp.Identifiers, ident)
	}
	return &sp, rows.Err()
}

// SetNormalizedHash records the inputHash of the last completed
// resolution, which short-circuits identical re-runs.
func (s *Store) SetNormalizedHash(ctx context.Context, id int64, hash string, now time.Time) error {
	var _, err = s.db.ExecContext(ctx,
		`UPDATE source_products SET normalized_hash = $2, updated_at = $3 WHERE id = $1`,
		id, hash, now)
	if err != nil {
		return fmt.Errorf("set normalized hash: %w", err)
	}
	return nil
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ammoindex/datafeed/model"
	"github.com/jackc/pgconn"
)

// ErrConflict is returned by CreateProduct when another writer won the
// canonical-key race. Callers re-read and treat the row as matched.
var ErrConflict = errors.New("unique constraint conflict")

const productColumns = `id, canonical_key, name, category, brand, brand_norm,
	caliber, caliber_norm, grain_weight, round_count, upc_norm, created_at, updated_at`

func scanProduct(row rowScanner) (*model.Product, error) {
	var p model.Product
	var err = row.Scan(
		&p.ID, &p.CanonicalKey, &p.Name, &p.Category, &p.Brand, &p.BrandNorm,
		&p.Caliber, &p.CaliberNorm, &p.GrainWeight, &p.RoundCount, &p.UPCNorm,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("scan product: %w", err)
	}
	return &p, nil
}

// CreateProduct inserts a canonical product. A unique violation on
// canonical_key maps to ErrConflict so the resolver can fire its race
// retry rule and re-read the winner.
func (s *Store) CreateProduct(ctx context.Context, p *model.Product, now time.Time) (int64, error) {
	var id int64
	var err = s.db.QueryRowContext(ctx, `
		INSERT INTO products (canonical_key, name, category, brand, brand_norm,
			caliber, caliber_norm, grain_weight, round_count, upc_norm,
			created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$11)
		RETURNING id`,
		p.CanonicalKey, p.Name, p.Category, p.Brand, p.BrandNorm,
		p.Caliber, p.CaliberNorm, p.GrainWeight, p.RoundCount, p.UPCNorm,
		now,
	).Scan(&id)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return 0, ErrConflict
	} else if err != nil {
		return 0, fmt.Errorf("insert product: %w", err)
	}
	return id, nil
}

// ProductByID loads one product, or ErrNotFound.
func (s *Store) ProductByID(ctx context.Context, id int64) (*model.Product, error) {
	return scanProduct(s.db.QueryRowContext(ctx,
		`SELECT `+productColumns+` FROM products WHERE id = $1`, id))
}

// ProductByCanonicalKey resolves the unique identity index, or ErrNotFound.
func (s *Store) ProductByCanonicalKey(ctx context.Context, key string) (*model.Product, error) {
	return scanProduct(s.db.QueryRowContext(ctx,
		`SELECT `+productColumns+` FROM products WHERE canonical_key = $1`, key))
}

// CandidatesByBrandCaliber pools fuzzy-match candidates. Callers pass
// limit+1 and treat a full result as overflow.
func (s *Store) CandidatesByBrandCaliber(ctx context.Context, brandNorm, caliberNorm string, limit int) ([]*model.Product, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+productColumns+` FROM products
		WHERE brand_norm = $1 AND caliber_norm = $2 ORDER BY id LIMIT $3`,
		brandNorm, caliberNorm, limit)
	if err != nil {
		return nil, fmt.Errorf("select candidates: %w", err)
	}
	defer rows.Close()

	var out []*model.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// AliasTarget follows one product-alias edge. ok is false when the product
// is not aliased.
func (s *Store) AliasTarget(ctx context.Context, fromProductID int64) (int64, bool, error) {
	var to int64
	var err = s.db.QueryRowContext(ctx,
		`SELECT to_product_id FROM product_aliases WHERE from_product_id = $1`,
		fromProductID).Scan(&to)
	if err == sql.ErrNoRows {
		return 0, false, nil
	} else if err != nil {
		return 0, false, fmt.Errorf("select alias target: %w", err)
	}
	return to, true, nil
}

// CreateAlias records a deprecation/merge edge.
func (s *Store) CreateAlias(ctx context.Context, fromProductID, toProductID int64, reason string, now time.Time) error {
	var _, err = s.db.ExecContext(ctx, `
		INSERT INTO product_aliases (from_product_id, to_product_id, reason, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (from_product_id) DO UPDATE SET
			to_product_id = EXCLUDED.to_product_id, reason = EXCLUDED.reason`,
		fromProductID, toProductID, reason, now)
	if err != nil {
		return fmt.Errorf("insert product alias: %w", err)
	}
	return nil
}

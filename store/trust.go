package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ammoindex/datafeed/model"
)

// TrustConfig loads a source's identifier trust row, or ErrNotFound. The
// trust cache maps absence onto the untrusted zero config.
func (s *Store) TrustConfig(ctx context.Context, sourceID string) (*model.SourceTrustConfig, error) {
	var c model.SourceTrustConfig
	var err = s.db.QueryRowContext(ctx, `
		SELECT source_id, upc_trusted, version, updated_at
		FROM source_trust_config WHERE source_id = $1`,
		sourceID).Scan(&c.SourceID, &c.UPCTrusted, &c.Version, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("scan trust config: %w", err)
	}
	return &c, nil
}

// UpsertTrustConfig writes a source's trust row, bumping its version so
// resolver input hashes change with it.
func (s *Store) UpsertTrustConfig(ctx context.Context, sourceID string, upcTrusted bool, now time.Time) (*model.SourceTrustConfig, error) {
	var c = model.SourceTrustConfig{SourceID: sourceID, UPCTrusted: upcTrusted}
	var err = s.db.QueryRowContext(ctx, `
		INSERT INTO source_trust_config (source_id, upc_trusted, version, updated_at)
		VALUES ($1, $2, 1, $3)
		ON CONFLICT (source_id) DO UPDATE SET
			upc_trusted = EXCLUDED.upc_trusted,
			version = source_trust_config.version + 1,
			updated_at = EXCLUDED.updated_at
		RETURNING version, updated_at`,
		sourceID, upcTrusted, now).Scan(&c.Version, &c.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("upsert trust config: %w", err)
	}
	return &c, nil
}

// BrandAliases loads the complete alias table for the cache rebuild.
func (s *Store) BrandAliases(ctx context.Context) ([]model.BrandAlias, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, from_norm, to_norm, hit_count FROM brand_aliases`)
	if err != nil {
		return nil, fmt.Errorf("select brand aliases: %w", err)
	}
	defer rows.Close()

	var out []model.BrandAlias
	for rows.Next() {
		var a model.BrandAlias
		if err = rows.Scan(&a.ID, &a.FromNorm, &a.ToNorm, &a.HitCount); err != nil {
			return nil, fmt.Errorf("scan brand alias: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// IncrementBrandAliasHit bumps an alias hit counter. Fire-and-forget
// callers swallow the error.
func (s *Store) IncrementBrandAliasHit(ctx context.Context, id int64) error {
	var _, err = s.db.ExecContext(ctx,
		`UPDATE brand_aliases SET hit_count = hit_count + 1 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("increment alias hit: %w", err)
	}
	return nil
}

// Setting reads a global setting, or "" when unset.
func (s *Store) Setting(ctx context.Context, name string) (string, error) {
	var value string
	var err = s.db.QueryRowContext(ctx,
		`SELECT value FROM settings WHERE name = $1`, name).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	} else if err != nil {
		return "", fmt.Errorf("scan setting: %w", err)
	}
	return value, nil
}

// SettingBool reads a boolean setting; unset is false.
func (s *Store) SettingBool(ctx context.Context, name string) (bool, error) {
	v, err := s.Setting(ctx, name)
	if err != nil {
		return false, err
	}
	return v == "true", nil
}

// SetSetting writes a global setting.
func (s *Store) SetSetting(ctx context.Context, name, value string, now time.Time) error {
	var _, err = s.db.ExecContext(ctx, `
		INSERT INTO settings (name, value, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE SET
			value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		name, value, now)
	if err != nil {
		return fmt.Errorf("set setting: %w", err)
	}
	return nil
}

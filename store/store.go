package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"

	_ "github.com/jackc/pgx/v4/stdlib"
	log "github.com/sirupsen/logrus"
)

//go:embed schema.sql
var schemaSQL string

// ErrNotFound is returned where a caller asked for a specific row.
var ErrNotFound = errors.New("not found")

// Store wraps the feed database. All methods take explicit timestamps so
// clocks stay injectable; none of the SQL calls NOW().
type Store struct {
	db *sql.DB
}

// New wraps an existing database handle (tests pass a mock).
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects to postgres and verifies the connection.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql.Open: %w", err)
	}
	if err = db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{db: db}, nil
}

// EnsureSchema applies the embedded schema. Every statement is
// idempotent, so this is safe to run at every startup.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	log.Debug("database schema ensured")
	return nil
}

// DB exposes the underlying handle for advisory-lock sessions.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

package prefstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(ctx context.Context, db *sql.DB) (*PostgresStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database is required")
	}
	s := &PostgresStore{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	const q = `
CREATE TABLE IF NOT EXISTS browser_prefs (
	browser_id TEXT NOT NULL,
	pref_key TEXT NOT NULL,
	pref_value TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (browser_id, pref_key)
)`
	if _, err := s.db.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("ensure browser_prefs schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, browserID, key string) (string, bool, error) {
	const q = `SELECT pref_value FROM browser_prefs WHERE browser_id = $1 AND pref_key = $2`
	var v string
	if err := s.db.QueryRowContext(ctx, q, browserID, key).Scan(&v); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("query preference: %w", err)
	}
	return v, true, nil
}

func (s *PostgresStore) Set(ctx context.Context, browserID, key, value string) error {
	const q = `
INSERT INTO browser_prefs (browser_id, pref_key, pref_value, updated_at)
VALUES ($1, $2, $3, NOW())
ON CONFLICT (browser_id, pref_key) DO UPDATE
SET pref_value = EXCLUDED.pref_value,
	updated_at = NOW()`
	if _, err := s.db.ExecContext(ctx, q, browserID, key, value); err != nil {
		return fmt.Errorf("upsert preference: %w", err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, browserID, key string) error {
	const q = `DELETE FROM browser_prefs WHERE browser_id = $1 AND pref_key = $2`
	if _, err := s.db.ExecContext(ctx, q, browserID, key); err != nil {
		return fmt.Errorf("delete preference: %w", err)
	}
	return nil
}

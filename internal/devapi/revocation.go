package devapi

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"
)

// RevocationStore remembers refresh token ids that must no longer be
// honoured: rotated on refresh or revoked on logout. Entries past their
// token expiry may be forgotten.
//
// Revoke inserts jti only if absent and reports whether this call did it, so
// two concurrent refreshes of one token cannot both win.
type RevocationStore interface {
	Revoke(ctx context.Context, jti string, expiresAt time.Time) (bool, error)
}

type InMemoryRevocationStore struct {
	mu      sync.Mutex
	entries map[string]time.Time
	nowFunc func() time.Time
}

func NewInMemoryRevocationStore() *InMemoryRevocationStore {
	return &InMemoryRevocationStore{entries: make(map[string]time.Time), nowFunc: time.Now}
}

func (s *InMemoryRevocationStore) Revoke(_ context.Context, jti string, expiresAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked()
	if _, ok := s.entries[jti]; ok {
		return false, nil
	}
	s.entries[jti] = expiresAt
	return true, nil
}

func (s *InMemoryRevocationStore) pruneLocked() {
	now := s.nowFunc()
	for jti, exp := range s.entries {
		if now.After(exp) {
			delete(s.entries, jti)
		}
	}
}

type PostgresRevocationStore struct {
	db *sql.DB
}

func NewPostgresRevocationStore(ctx context.Context, db *sql.DB) (*PostgresRevocationStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database is required")
	}
	s := &PostgresRevocationStore{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresRevocationStore) ensureSchema(ctx context.Context) error {
	const q = `
CREATE TABLE IF NOT EXISTS devapi_revoked_tokens (
	jti TEXT PRIMARY KEY,
	expires_at TIMESTAMPTZ NOT NULL,
	revoked_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`
	if _, err := s.db.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("ensure devapi_revoked_tokens schema: %w", err)
	}
	return nil
}

func (s *PostgresRevocationStore) Revoke(ctx context.Context, jti string, expiresAt time.Time) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM devapi_revoked_tokens WHERE expires_at < NOW()`); err != nil {
		return false, fmt.Errorf("prune revoked tokens: %w", err)
	}
	const q = `
INSERT INTO devapi_revoked_tokens (jti, expires_at)
VALUES ($1, $2)
ON CONFLICT (jti) DO NOTHING`
	res, err := tx.ExecContext(ctx, q, jti, expiresAt)
	if err != nil {
		return false, fmt.Errorf("insert revoked token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("revoked token rows: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit revocation tx: %w", err)
	}
	return n == 1, nil
}

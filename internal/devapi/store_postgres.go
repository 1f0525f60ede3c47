package devapi

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

const uniqueViolation = "23505"

type PostgresUserStore struct {
	db *sql.DB
}

func NewPostgresUserStore(ctx context.Context, db *sql.DB) (*PostgresUserStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database is required")
	}
	s := &PostgresUserStore{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresUserStore) ensureSchema(ctx context.Context) error {
	const q = `
CREATE TABLE IF NOT EXISTS devapi_users (
	id TEXT PRIMARY KEY,
	username TEXT NOT NULL UNIQUE,
	email TEXT NOT NULL UNIQUE,
	first_name TEXT NOT NULL DEFAULT '',
	last_name TEXT NOT NULL DEFAULT '',
	password_hash TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`
	if _, err := s.db.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("ensure devapi_users schema: %w", err)
	}
	return nil
}

const selectUser = `SELECT id, username, email, first_name, last_name, password_hash, created_at FROM devapi_users`

func (s *PostgresUserStore) GetByUsername(ctx context.Context, username string) (User, error) {
	username = normalizeUsername(username)
	if username == "" {
		return User{}, ErrUserNotFound
	}
	return s.scanOne(s.db.QueryRowContext(ctx, selectUser+` WHERE username = $1`, username))
}

func (s *PostgresUserStore) GetByID(ctx context.Context, id string) (User, error) {
	if id == "" {
		return User{}, ErrUserNotFound
	}
	return s.scanOne(s.db.QueryRowContext(ctx, selectUser+` WHERE id = $1`, id))
}

func (s *PostgresUserStore) scanOne(row *sql.Row) (User, error) {
	var u User
	if err := row.Scan(&u.ID, &u.Username, &u.Email, &u.FirstName, &u.LastName, &u.PasswordHash, &u.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, fmt.Errorf("query devapi user: %w", err)
	}
	return u, nil
}

func (s *PostgresUserStore) Create(ctx context.Context, user User) error {
	if user.ID == "" || user.Username == "" || user.PasswordHash == "" {
		return fmt.Errorf("id, username, and password hash are required")
	}

	const q = `
INSERT INTO devapi_users (id, username, email, first_name, last_name, password_hash, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := s.db.ExecContext(ctx, q, user.ID, user.Username, user.Email, user.FirstName, user.LastName, user.PasswordHash, user.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return ErrDuplicateUser
		}
		return fmt.Errorf("insert devapi user: %w", err)
	}
	return nil
}

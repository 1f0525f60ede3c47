package devapi

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestInMemoryRevocationStorePrunesExpired(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	store := NewInMemoryRevocationStore()
	store.nowFunc = func() time.Time { return now }

	if fresh, err := store.Revoke(ctx, "old", now.Add(time.Minute)); err != nil || !fresh {
		t.Fatalf("Revoke(old) = %v, %v", fresh, err)
	}
	if fresh, _ := store.Revoke(ctx, "old", now.Add(time.Minute)); fresh {
		t.Fatalf("expected second revoke of old to report already revoked")
	}

	now = now.Add(2 * time.Minute)
	if fresh, _ := store.Revoke(ctx, "new", now.Add(time.Minute)); !fresh {
		t.Fatalf("expected new to be freshly revoked")
	}
	if _, ok := store.entries["old"]; ok {
		t.Fatalf("expected expired entry to be pruned")
	}
}

func TestPostgresRevocationStore(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error: %v", err)
	}
	defer db.Close()
	ctx := context.Background()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS devapi_revoked_tokens").WillReturnResult(sqlmock.NewResult(0, 0))
	store, err := NewPostgresRevocationStore(ctx, db)
	if err != nil {
		t.Fatalf("NewPostgresRevocationStore() error: %v", err)
	}

	exp := time.Now().Add(time.Hour)
	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM devapi_revoked_tokens").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO devapi_revoked_tokens").WithArgs("jti-1", exp).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()
	if fresh, err := store.Revoke(ctx, "jti-1", exp); err != nil || !fresh {
		t.Fatalf("Revoke() = %v, %v", fresh, err)
	}

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM devapi_revoked_tokens").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (jti) DO NOTHING")).WithArgs("jti-1", exp).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	if fresh, err := store.Revoke(ctx, "jti-1", exp); err != nil || fresh {
		t.Fatalf("second Revoke() = %v, %v; want already revoked", fresh, err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations not met: %v", err)
	}
}

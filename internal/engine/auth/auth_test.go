package auth_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"attestline/internal/db"
	"attestline/internal/domain"
	"attestline/internal/engine/auth"
	"attestline/internal/migrate"
	"attestline/internal/repo"
)

func newTestService(t *testing.T) auth.Service {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return auth.Service{DB: conn, Cost: bcrypt.MinCost}
}

func insert(t *testing.T, s auth.Service, acct domain.Account, password string) {
	t.Helper()
	ctx := context.Background()
	tx, err := s.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()
	if acct.CreatedAt == "" {
		acct.CreatedAt = "2024-01-01T00:00:00.000000000Z"
	}
	require.NoError(t, s.InsertAccount(ctx, tx, acct, password))
	require.NoError(t, tx.Commit())
}

func TestVerifyCredential(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	insert(t, s, domain.Account{ID: "u1", Name: "Alice QA", Email: "alice@example.com", Title: "QA Lead"}, "correct horse")

	ok, err := s.Verify(ctx, "u1", "correct horse")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Verify(ctx, "u1", "wrong")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.Verify(ctx, "nobody", "correct horse")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDisabledAccount(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	insert(t, s, domain.Account{ID: "u2", Name: "Bob", Disabled: true}, "pw")

	ok, err := s.Verify(ctx, "u2", "pw")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.Lookup(ctx, "u2")
	assert.True(t, errors.Is(err, domain.ErrAuthentication))
}

func TestLookupSnapshot(t *testing.T) {
	s := newTestService(t)
	insert(t, s, domain.Account{ID: "u1", Name: "Alice QA", Email: "alice@example.com", Title: "QA Lead"}, "pw")
	id, err := s.Lookup(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, domain.Identity{ID: "u1", Name: "Alice QA", Email: "alice@example.com", Title: "QA Lead"}, id)

	_, err = s.Lookup(context.Background(), "missing")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestInsertValidation(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	tx, err := s.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()
	err = s.InsertAccount(ctx, tx, domain.Account{ID: "u1", Name: "A"}, "")
	assert.True(t, errors.Is(err, domain.ErrValidation))
	err = s.InsertAccount(ctx, tx, domain.Account{Name: "A"}, "pw")
	assert.True(t, errors.Is(err, domain.ErrValidation))
}

func TestDuplicateAccount(t *testing.T) {
	s := newTestService(t)
	insert(t, s, domain.Account{ID: "u1", Name: "A"}, "pw")
	ctx := context.Background()
	tx, err := s.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()
	err = s.InsertAccount(ctx, tx, domain.Account{ID: "u1", Name: "A", CreatedAt: "x"}, "pw")
	assert.True(t, errors.Is(err, domain.ErrValidation))
}

func TestAccountForAPIKey(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	insert(t, s, domain.Account{ID: "u1", Name: "A"}, "pw")
	r := repo.Repo{DB: s.DB}
	err := withTx(ctx, s.DB, func(tx *sql.Tx) error {
		return r.InsertAPIKey(ctx, tx, domain.APIKey{ID: "k1", AccountID: "u1", KeyHash: repo.HashSecret("secret-key"), CreatedAt: "2024-01-01T00:00:00.000000000Z"})
	})
	require.NoError(t, err)

	acct, err := s.AccountForAPIKey(ctx, "secret-key")
	require.NoError(t, err)
	assert.Equal(t, "u1", acct.ID)

	_, err = s.AccountForAPIKey(ctx, "other")
	assert.True(t, errors.Is(err, domain.ErrAuthentication))
}

func withTx(ctx context.Context, conn *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

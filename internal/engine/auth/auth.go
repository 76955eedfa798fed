package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"attestline/internal/domain"
	"attestline/internal/repo"
)

// DisabledError indicates the account exists but may not sign.
type DisabledError struct {
	AccountID string
}

func (e DisabledError) Error() string {
	return fmt.Sprintf("account %s is disabled", e.AccountID)
}

func (e DisabledError) Is(target error) bool {
	return target == domain.ErrAuthentication
}

// Service manages accounts and re-authentication credentials backed by SQL.
type Service struct {
	DB   *sql.DB
	Cost int
}

func (s Service) cost() int {
	if s.Cost < bcrypt.MinCost {
		return bcrypt.DefaultCost
	}
	return s.Cost
}

func (s Service) HashPassword(password string) (string, error) {
	if password == "" {
		return "", domain.Invalid("password is required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost())
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// InsertAccount stores an account with a bcrypt password hash.
func (s Service) InsertAccount(ctx context.Context, tx *sql.Tx, acct domain.Account, password string) error {
	if strings.TrimSpace(acct.ID) == "" {
		return domain.Invalid("account id is required")
	}
	if strings.TrimSpace(acct.Name) == "" {
		return domain.Invalid("account name is required")
	}
	hash, err := s.HashPassword(password)
	if err != nil {
		return err
	}
	disabled := 0
	if acct.Disabled {
		disabled = 1
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO accounts(id,name,email,title,password_hash,disabled,created_at) VALUES (?,?,?,?,?,?,?)`,
		acct.ID, acct.Name, acct.Email, acct.Title, hash, disabled, acct.CreatedAt)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return domain.Invalid("account %s already exists", acct.ID)
	}
	return err
}

func (s Service) GetAccount(ctx context.Context, id string) (domain.Account, error) {
	acct, _, err := s.account(ctx, id)
	return acct, err
}

func (s Service) account(ctx context.Context, id string) (domain.Account, string, error) {
	var (
		acct     domain.Account
		hash     string
		disabled int
	)
	err := s.DB.QueryRowContext(ctx, `SELECT id,name,email,title,password_hash,disabled,created_at FROM accounts WHERE id=?`, id).
		Scan(&acct.ID, &acct.Name, &acct.Email, &acct.Title, &hash, &disabled, &acct.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Account{}, "", fmt.Errorf("account %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Account{}, "", err
	}
	acct.Disabled = disabled == 1
	return acct, hash, nil
}

// Verify checks a re-authentication credential. Unknown and disabled
// accounts never verify.
func (s Service) Verify(ctx context.Context, actorID, credential string) (bool, error) {
	acct, hash, err := s.account(ctx, actorID)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if acct.Disabled {
		return false, nil
	}
	err = bcrypt.CompareHashAndPassword([]byte(hash), []byte(credential))
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return false, nil
	}
	return err == nil, err
}

// Lookup returns the identity snapshot copied onto a signature.
func (s Service) Lookup(ctx context.Context, userID string) (domain.Identity, error) {
	acct, err := s.GetAccount(ctx, userID)
	if err != nil {
		return domain.Identity{}, err
	}
	if acct.Disabled {
		return domain.Identity{}, DisabledError{AccountID: acct.ID}
	}
	return domain.Identity{ID: acct.ID, Name: acct.Name, Email: acct.Email, Title: acct.Title}, nil
}

// AccountForAPIKey resolves a raw API key to its owning account.
func (s Service) AccountForAPIKey(ctx context.Context, key string) (domain.Account, error) {
	if strings.TrimSpace(key) == "" {
		return domain.Account{}, domain.ErrAuthentication
	}
	k, err := repo.Repo{DB: s.DB}.GetAPIKeyByHash(ctx, repo.HashSecret(key))
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Account{}, domain.ErrAuthentication
	}
	if err != nil {
		return domain.Account{}, err
	}
	acct, err := s.GetAccount(ctx, k.AccountID)
	if err != nil {
		return domain.Account{}, err
	}
	if acct.Disabled {
		return domain.Account{}, DisabledError{AccountID: acct.ID}
	}
	return acct, nil
}

// Package signing implements two-phase electronic signatures: a challenge
// binds intent to a content hash, completion proves identity within the
// challenge window.
package signing

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"attestline/internal/domain"
	"attestline/internal/hasher"
	"attestline/internal/ledger"
	"attestline/internal/logging"
	"attestline/internal/metrics"
	"attestline/internal/repo"
)

const (
	DefaultTTL = 5 * time.Minute

	tokenBytes = 32

	resourceChallenge = "signature_challenge"
	resourceSignature = "signature"
)

// ContentLookup resolves a target to its current content.
type ContentLookup interface {
	Resolve(ctx context.Context, target domain.TargetRef) (domain.Content, error)
}

// CredentialVerifier re-authenticates the signer.
type CredentialVerifier interface {
	Verify(ctx context.Context, actorID, credential string) (bool, error)
}

// Directory supplies the identity snapshot copied onto a signature.
type Directory interface {
	Lookup(ctx context.Context, userID string) (domain.Identity, error)
}

// NewToken returns a fresh 256-bit random token, base64url encoded.
func NewToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("challenge token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// HashToken returns the stored digest of a token. Tokens that could not
// have been issued are rejected as invalid challenges.
func HashToken(token string) (string, error) {
	token = strings.TrimSpace(token)
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil || len(raw) != tokenBytes {
		return "", fmt.Errorf("%w: malformed token", domain.ErrChallengeInvalid)
	}
	return repo.HashSecret(token), nil
}

type InitiateRequest struct {
	Actor   domain.Actor
	Meaning domain.Meaning
	Target  domain.TargetRef
	Reason  string
}

func (r InitiateRequest) validate() error {
	if strings.TrimSpace(r.Actor.ID) == "" {
		return domain.Invalid("actor id is required")
	}
	if !r.Meaning.Valid() {
		return domain.Invalid("unknown signature meaning %q", r.Meaning)
	}
	if strings.TrimSpace(r.Target.Type) == "" || strings.TrimSpace(r.Target.ID) == "" {
		return domain.Invalid("target type and id are required")
	}
	return nil
}

// ChallengeManager issues signature challenges.
type ChallengeManager struct {
	Ledger  *ledger.Ledger
	Repo    repo.Repo
	Content ContentLookup
	Hasher  hasher.Hasher
	TTL     time.Duration
	Now     func() time.Time
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

func (m *ChallengeManager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m *ChallengeManager) ttl() time.Duration {
	if m.TTL <= 0 {
		return DefaultTTL
	}
	return m.TTL
}

// Initiate freezes the target's current content hash into a new challenge
// and returns the one-time token with a preview for informed consent.
func (m *ChallengeManager) Initiate(ctx context.Context, req InitiateRequest) (domain.ChallengeGrant, error) {
	if err := req.validate(); err != nil {
		return domain.ChallengeGrant{}, err
	}
	content, err := m.Content.Resolve(ctx, req.Target)
	if err != nil {
		return domain.ChallengeGrant{}, err
	}
	contentHash, err := m.Hasher.Hash(content.Body)
	if err != nil {
		return domain.ChallengeGrant{}, err
	}
	token, err := NewToken()
	if err != nil {
		return domain.ChallengeGrant{}, err
	}
	now := m.now()
	ch := domain.Challenge{
		ID:          uuid.NewString(),
		TokenHash:   repo.HashSecret(token),
		UserID:      req.Actor.ID,
		Meaning:     req.Meaning,
		Target:      req.Target,
		ContentHash: contentHash,
		Reason:      strings.TrimSpace(req.Reason),
		CreatedAt:   domain.FormatTime(now),
		ExpiresAt:   domain.FormatTime(now.Add(m.ttl())),
	}
	err = m.Ledger.Write(ctx, func(tx *ledger.Tx) error {
		if err := m.Repo.InsertChallenge(ctx, tx.Tx, ch); err != nil {
			return fmt.Errorf("insert challenge: %w", err)
		}
		_, err := tx.Append(ctx, ledger.Record{
			EventType:    domain.EventSignatureInitiated,
			Actor:        req.Actor,
			ResourceType: resourceChallenge,
			ResourceID:   ch.ID,
			ResourceName: ch.Target.String(),
			Details: map[string]any{
				"meaning":        string(ch.Meaning),
				"target_type":    ch.Target.Type,
				"target_id":      ch.Target.ID,
				"target_version": ch.Target.Version,
				"content_hash":   ch.ContentHash,
				"expires_at":     ch.ExpiresAt,
				"reason":         ch.Reason,
			},
		})
		return err
	})
	if err != nil {
		return domain.ChallengeGrant{}, err
	}
	m.Metrics.ChallengeIssued()
	logging.OrNop(m.Logger).Info("signature challenge issued",
		zap.String("challenge_id", ch.ID),
		zap.String("user_id", ch.UserID),
		zap.String("target", ch.Target.String()),
		zap.String("meaning", string(ch.Meaning)),
		zap.String("expires_at", ch.ExpiresAt))
	return domain.ChallengeGrant{
		Challenge: ch,
		Token:     token,
		Title:     content.Title,
		Preview:   m.Hasher.Preview(content.Body),
	}, nil
}

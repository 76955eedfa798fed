package signing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"attestline/internal/domain"
	"attestline/internal/hasher"
	"attestline/internal/ledger"
	"attestline/internal/lockout"
	"attestline/internal/logging"
	"attestline/internal/metrics"
	"attestline/internal/repo"
	"attestline/internal/timesource"
)

const DefaultAuthMethod = "password"

// Failure reasons recorded on signature.failed events.
const (
	ReasonAuthenticationFailed = "authentication_failed"
	ReasonLockedOut            = "locked_out"
	ReasonContentChanged       = "content_changed"
)

type CompleteRequest struct {
	Token      string
	Credential string
	Actor      domain.Actor
}

// Service completes, verifies and invalidates signatures.
type Service struct {
	Ledger      *ledger.Ledger
	Repo        repo.Repo
	Content     ContentLookup
	Credentials CredentialVerifier
	Directory   Directory
	Time        timesource.Source
	Lockout     lockout.Guard
	Hasher      hasher.Hasher
	AuthMethod  string
	Now         func() time.Time
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Service) logger() *zap.Logger {
	return logging.OrNop(s.Logger)
}

func (s *Service) guard() lockout.Guard {
	if s.Lockout == nil {
		return lockout.Nop{}
	}
	return s.Lockout
}

func (s *Service) authMethod() string {
	if s.AuthMethod == "" {
		return DefaultAuthMethod
	}
	return s.AuthMethod
}

// Complete turns a challenge into a signature. The gates run in a fixed
// order and the first failure wins; no signature is observable unless
// every gate passed.
func (s *Service) Complete(ctx context.Context, req CompleteRequest) (domain.Signature, error) {
	ch, err := s.openChallenge(ctx, req)
	if err != nil {
		return domain.Signature{}, err
	}
	if err := s.reauthenticate(ctx, ch, req); err != nil {
		return domain.Signature{}, err
	}
	current, err := s.currentHash(ctx, ch.Target)
	if err != nil {
		return domain.Signature{}, err
	}
	if current != ch.ContentHash {
		changed := &domain.ContentChangedError{Expected: ch.ContentHash, Actual: current}
		s.Metrics.SignatureOutcome(ReasonContentChanged)
		s.logger().Warn("signature rejected: content changed since challenge",
			zap.String("challenge_id", ch.ID),
			zap.String("target", ch.Target.String()),
			zap.String("expected_hash", ch.ContentHash),
			zap.String("actual_hash", current))
		return domain.Signature{}, errors.Join(changed, s.recordFailure(ctx, ch, req.Actor, ReasonContentChanged, map[string]any{
			"expected_hash": ch.ContentHash,
			"actual_hash":   current,
		}))
	}
	identity, err := s.Directory.Lookup(ctx, ch.UserID)
	if err != nil {
		return domain.Signature{}, fmt.Errorf("signer identity: %w", err)
	}
	signedAt, source, err := s.Time.Now(ctx)
	if err != nil {
		s.Metrics.SignatureOutcome("time_unavailable")
		s.logger().Error("trusted time unavailable", zap.String("challenge_id", ch.ID), zap.Error(err))
		return domain.Signature{}, err
	}

	// Re-authentication succeeded: the write must not be abandoned midway.
	ctx = context.WithoutCancel(ctx)
	sig := domain.Signature{
		ID:     uuid.NewString(),
		Target: ch.Target,
		Signer: domain.Signer{
			ID:    identity.ID,
			Name:  identity.Name,
			Email: identity.Email,
			Title: identity.Title,
		},
		Meaning:     ch.Meaning,
		Reason:      ch.Reason,
		ContentHash: ch.ContentHash,
		SignedAt:    domain.FormatTime(signedAt),
		TimeSource:  source,
		AuthMethod:  s.authMethod(),
		ClientIP:    req.Actor.IP,
		UserAgent:   req.Actor.UserAgent,
		ChallengeID: ch.ID,
		IsValid:     true,
		CreatedAt:   domain.FormatTime(s.now()),
	}
	err = s.Ledger.Write(ctx, func(tx *ledger.Tx) error {
		consumed, err := s.Repo.ConsumeChallenge(ctx, tx.Tx, ch.ID, sig.ID, sig.CreatedAt)
		if err != nil {
			return fmt.Errorf("consume challenge: %w", err)
		}
		if !consumed {
			return fmt.Errorf("%w: challenge already consumed", domain.ErrChallengeInvalid)
		}
		sig.PreviousSignatureID = ""
		prev, err := s.Repo.LatestValidSignature(ctx, tx.Tx, ch.Target)
		switch {
		case err == nil:
			sig.PreviousSignatureID = prev.ID
		case !errors.Is(err, domain.ErrNotFound):
			return fmt.Errorf("previous signature: %w", err)
		}
		if err := s.Repo.InsertSignature(ctx, tx.Tx, sig); err != nil {
			return fmt.Errorf("insert signature: %w", err)
		}
		_, err = tx.Append(ctx, ledger.Record{
			EventType:    domain.EventSignatureCreated,
			Actor:        req.Actor,
			ResourceType: resourceSignature,
			ResourceID:   sig.ID,
			ResourceName: sig.Target.String(),
			Details: map[string]any{
				"challenge_id":          sig.ChallengeID,
				"meaning":               string(sig.Meaning),
				"target_type":           sig.Target.Type,
				"target_id":             sig.Target.ID,
				"target_version":        sig.Target.Version,
				"content_hash":          sig.ContentHash,
				"signed_at":             sig.SignedAt,
				"time_source":           sig.TimeSource,
				"auth_method":           sig.AuthMethod,
				"previous_signature_id": sig.PreviousSignatureID,
				"signer_name":           sig.Signer.Name,
			},
		})
		return err
	})
	if err != nil {
		if errors.Is(err, domain.ErrChallengeInvalid) {
			s.Metrics.SignatureOutcome("challenge_invalid")
		}
		return domain.Signature{}, err
	}
	s.Metrics.SignatureOutcome("created")
	s.logger().Info("signature created",
		zap.String("signature_id", sig.ID),
		zap.String("signer_id", sig.Signer.ID),
		zap.String("target", sig.Target.String()),
		zap.String("meaning", string(sig.Meaning)),
		zap.String("time_source", sig.TimeSource))
	return sig, nil
}

// openChallenge applies the token, ownership and expiry gates.
func (s *Service) openChallenge(ctx context.Context, req CompleteRequest) (domain.Challenge, error) {
	ch, err := s.lookupChallenge(ctx, req)
	if err != nil {
		result := "challenge_invalid"
		if errors.Is(err, domain.ErrChallengeExpired) {
			result = "challenge_expired"
		}
		s.Metrics.SignatureOutcome(result)
	}
	return ch, err
}

func (s *Service) lookupChallenge(ctx context.Context, req CompleteRequest) (domain.Challenge, error) {
	tokenHash, err := HashToken(req.Token)
	if err != nil {
		return domain.Challenge{}, err
	}
	ch, err := s.Repo.GetChallengeByTokenHash(ctx, tokenHash)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Challenge{}, fmt.Errorf("%w: unknown token", domain.ErrChallengeInvalid)
	}
	if err != nil {
		return domain.Challenge{}, err
	}
	if ch.Consumed {
		return domain.Challenge{}, fmt.Errorf("%w: challenge already consumed", domain.ErrChallengeInvalid)
	}
	if ch.UserID != req.Actor.ID {
		return domain.Challenge{}, fmt.Errorf("%w: challenge was issued to another user", domain.ErrChallengeInvalid)
	}
	if ch.Expired(s.now()) {
		return domain.Challenge{}, fmt.Errorf("%w: challenge expired at %s", domain.ErrChallengeExpired, ch.ExpiresAt)
	}
	return ch, nil
}

func (s *Service) reauthenticate(ctx context.Context, ch domain.Challenge, req CompleteRequest) error {
	guard := s.guard()
	locked, err := guard.Locked(ctx, req.Actor.ID)
	if err != nil {
		return err
	}
	if locked {
		return s.authFailure(ctx, ch, req.Actor, ReasonLockedOut)
	}
	ok, err := s.Credentials.Verify(ctx, req.Actor.ID, req.Credential)
	if err != nil {
		return fmt.Errorf("verify credential: %w", err)
	}
	if !ok {
		if err := guard.Fail(ctx, req.Actor.ID); err != nil {
			s.logger().Warn("record failed re-authentication", zap.String("user_id", req.Actor.ID), zap.Error(err))
		}
		return s.authFailure(ctx, ch, req.Actor, ReasonAuthenticationFailed)
	}
	if err := guard.Reset(ctx, req.Actor.ID); err != nil {
		s.logger().Warn("reset re-authentication failures", zap.String("user_id", req.Actor.ID), zap.Error(err))
	}
	return nil
}

func (s *Service) authFailure(ctx context.Context, ch domain.Challenge, actor domain.Actor, reason string) error {
	s.Metrics.SignatureOutcome(reason)
	s.logger().Warn("signature re-authentication failed",
		zap.String("challenge_id", ch.ID),
		zap.String("user_id", actor.ID),
		zap.String("reason", reason))
	authErr := fmt.Errorf("%w: %s", domain.ErrAuthentication, strings.ReplaceAll(reason, "_", " "))
	return errors.Join(authErr, s.recordFailure(ctx, ch, actor, reason, nil))
}

// recordFailure logs a signature.failed event in its own transaction.
func (s *Service) recordFailure(ctx context.Context, ch domain.Challenge, actor domain.Actor, reason string, extra map[string]any) error {
	details := map[string]any{
		"reason":       reason,
		"meaning":      string(ch.Meaning),
		"target_type":  ch.Target.Type,
		"target_id":    ch.Target.ID,
		"content_hash": ch.ContentHash,
	}
	for k, v := range extra {
		details[k] = v
	}
	_, err := s.Ledger.Append(context.WithoutCancel(ctx), ledger.Record{
		EventType:    domain.EventSignatureFailed,
		Actor:        actor,
		ResourceType: resourceChallenge,
		ResourceID:   ch.ID,
		ResourceName: ch.Target.String(),
		Details:      details,
	})
	if err != nil {
		s.logger().Error("record signature failure", zap.String("challenge_id", ch.ID), zap.Error(err))
		return fmt.Errorf("record signature failure: %w", err)
	}
	return nil
}

// currentHash returns the hash of the target's current content, or ""
// when the target no longer resolves.
func (s *Service) currentHash(ctx context.Context, target domain.TargetRef) (string, error) {
	content, err := s.Content.Resolve(ctx, target)
	if errors.Is(err, domain.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return s.Hasher.Hash(content.Body)
}

// Verify checks a stored signature and, when asked, re-hashes its target.
// It never mutates the signature. Every call is logged.
func (s *Service) Verify(ctx context.Context, id string, verifyContent bool, actor domain.Actor) (domain.SignatureVerification, error) {
	res := domain.SignatureVerification{SignatureID: id, Issues: []string{}}
	sig, err := s.Repo.GetSignature(ctx, nil, id)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		res.Issues = append(res.Issues, "signature not found")
	case err != nil:
		return domain.SignatureVerification{}, err
	default:
		res.Signature = &sig
		res.IsValid = sig.IsValid
		if !sig.IsValid {
			res.Issues = append(res.Issues, fmt.Sprintf("signature invalidated: %s", sig.InvalidationReason))
		}
		if s.Directory != nil {
			if _, err := s.Directory.Lookup(ctx, sig.Signer.ID); err != nil {
				switch {
				case errors.Is(err, domain.ErrNotFound):
					res.Issues = append(res.Issues, fmt.Sprintf("signer account %s no longer exists (informational)", sig.Signer.ID))
				case errors.Is(err, domain.ErrAuthentication):
					res.Issues = append(res.Issues, fmt.Sprintf("signer account %s is disabled (informational)", sig.Signer.ID))
				default:
					return domain.SignatureVerification{}, err
				}
			}
		}
		if verifyContent {
			current, err := s.currentHash(ctx, sig.Target)
			if err != nil {
				return domain.SignatureVerification{}, err
			}
			res.ContentChecked = true
			res.CurrentContentHash = current
			switch current {
			case "":
				res.IsValid = false
				res.Issues = append(res.Issues, "target content no longer resolves")
			case sig.ContentHash:
			default:
				res.IsValid = false
				res.Issues = append(res.Issues, fmt.Sprintf("content hash mismatch: signed %s, current %s", sig.ContentHash, current))
			}
		}
	}
	_, err = s.Ledger.Append(ctx, ledger.Record{
		EventType:    domain.EventSignatureVerified,
		Actor:        actor,
		ResourceType: resourceSignature,
		ResourceID:   id,
		Details: map[string]any{
			"is_valid":        res.IsValid,
			"content_checked": res.ContentChecked,
			"issues":          res.Issues,
		},
	})
	if err != nil {
		return domain.SignatureVerification{}, err
	}
	s.Metrics.Verified("signature", res.IsValid)
	return res, nil
}

// Invalidate applies the one-way valid -> invalid transition.
func (s *Service) Invalidate(ctx context.Context, id, reason string, actor domain.Actor) (domain.Signature, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return domain.Signature{}, domain.Invalid("invalidation reason is required")
	}
	if strings.TrimSpace(actor.ID) == "" {
		return domain.Signature{}, domain.Invalid("actor id is required")
	}
	at := domain.FormatTime(s.now())
	var sig domain.Signature
	err := s.Ledger.Write(ctx, func(tx *ledger.Tx) error {
		current, err := s.Repo.GetSignature(ctx, tx.Tx, id)
		if errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("signature %s: %w", id, domain.ErrNotFound)
		}
		if err != nil {
			return err
		}
		if !current.IsValid {
			return fmt.Errorf("signature %s: %w", id, domain.ErrInvalidationConflict)
		}
		ok, err := s.Repo.InvalidateSignature(ctx, tx.Tx, id, at, actor.ID, reason)
		if err != nil {
			return fmt.Errorf("invalidate signature: %w", err)
		}
		if !ok {
			return fmt.Errorf("signature %s: %w", id, domain.ErrInvalidationConflict)
		}
		if sig, err = s.Repo.GetSignature(ctx, tx.Tx, id); err != nil {
			return err
		}
		_, err = tx.Append(ctx, ledger.Record{
			EventType:    domain.EventSignatureInvalidated,
			Actor:        actor,
			ResourceType: resourceSignature,
			ResourceID:   id,
			ResourceName: sig.Target.String(),
			Details: map[string]any{
				"reason":         reason,
				"invalidated_at": at,
				"signer_id":      sig.Signer.ID,
			},
		})
		return err
	})
	if err != nil {
		return domain.Signature{}, err
	}
	s.logger().Info("signature invalidated",
		zap.String("signature_id", id),
		zap.String("actor_id", actor.ID),
		zap.String("reason", reason))
	return sig, nil
}

func (s *Service) Get(ctx context.Context, id string) (domain.Signature, error) {
	sig, err := s.Repo.GetSignature(ctx, nil, id)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Signature{}, fmt.Errorf("signature %s: %w", id, domain.ErrNotFound)
	}
	return sig, err
}

// List returns signatures on target, newest first.
func (s *Service) List(ctx context.Context, target domain.TargetRef, includeInvalid bool) ([]domain.Signature, error) {
	if target.Type == "" || target.ID == "" {
		return nil, domain.Invalid("target type and id are required")
	}
	return s.Repo.ListSignaturesForTarget(ctx, target, includeInvalid)
}

package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"attestline/internal/config"
	"attestline/internal/domain"
	"attestline/internal/engine/auth"
	"attestline/internal/export"
	"attestline/internal/hasher"
	"attestline/internal/ledger"
	"attestline/internal/lockout"
	"attestline/internal/logging"
	"attestline/internal/metrics"
	"attestline/internal/repo"
	"attestline/internal/signing"
	"attestline/internal/timesource"
	"attestline/internal/verifier"
)

// Deps are the shared handles injected into the engine.
type Deps struct {
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Time    timesource.Source
	Lockout lockout.Guard
	Now     func() time.Time
}

type Engine struct {
	DB         *sql.DB
	Repo       repo.Repo
	Config     *config.Config
	Hasher     hasher.Hasher
	Ledger     *ledger.Ledger
	Verifier   verifier.Verifier
	Auth       auth.Service
	Challenges *signing.ChallengeManager
	Signatures *signing.Service
	Exporter   *export.Exporter
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
	Now        func() time.Time
}

func New(db *sql.DB, cfg *config.Config, deps Deps) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	logger := logging.OrNop(deps.Logger)
	ts := deps.Time
	if ts == nil {
		ts = timesource.Local{Clock: now}
	}
	guard := deps.Lockout
	if guard == nil {
		guard = lockout.Nop{}
	}
	r := repo.Repo{DB: db}
	h := hasher.Hasher{PreviewRunes: cfg.Signing.PreviewMaxRunes}
	authSvc := auth.Service{DB: db, Cost: cfg.Accounts.BcryptCost}
	content := repo.ContentStore{Repo: r}

	l := ledger.New(db)
	l.Hasher = h
	l.Now = now
	l.Logger = logger.Named("ledger")
	l.Metrics = deps.Metrics

	return Engine{
		DB:     db,
		Repo:   r,
		Config: cfg,
		Hasher: h,
		Ledger: l,
		Verifier: verifier.Verifier{
			Ledger:    l,
			MaxEvents: cfg.Verification.MaxEvents,
			Logger:    logger.Named("verifier"),
			Metrics:   deps.Metrics,
		},
		Auth: authSvc,
		Challenges: &signing.ChallengeManager{
			Ledger:  l,
			Repo:    r,
			Content: content,
			Hasher:  h,
			TTL:     cfg.Signing.ChallengeTTL,
			Now:     now,
			Logger:  logger.Named("signing"),
			Metrics: deps.Metrics,
		},
		Signatures: &signing.Service{
			Ledger:      l,
			Repo:        r,
			Content:     content,
			Credentials: authSvc,
			Directory:   authSvc,
			Time:        ts,
			Lockout:     guard,
			Hasher:      h,
			AuthMethod:  cfg.Signing.AuthMethod,
			Now:         now,
			Logger:      logger.Named("signing"),
			Metrics:     deps.Metrics,
		},
		Exporter: &export.Exporter{
			Ledger:    l,
			Hasher:    h,
			MaxEvents: cfg.Export.MaxEvents,
			Now:       now,
			Logger:    logger.Named("export"),
			Metrics:   deps.Metrics,
		},
		Metrics: deps.Metrics,
		Logger:  logger,
		Now:     now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// InitiateSignature issues a challenge bound to the target's current content.
func (e Engine) InitiateSignature(ctx context.Context, req signing.InitiateRequest) (domain.ChallengeGrant, error) {
	return e.Challenges.Initiate(ctx, req)
}

func (e Engine) CompleteSignature(ctx context.Context, req signing.CompleteRequest) (domain.Signature, error) {
	return e.Signatures.Complete(ctx, req)
}

func (e Engine) GetSignature(ctx context.Context, id string) (domain.Signature, error) {
	return e.Signatures.Get(ctx, id)
}

func (e Engine) VerifySignature(ctx context.Context, id string, verifyContent bool, actor domain.Actor) (domain.SignatureVerification, error) {
	return e.Signatures.Verify(ctx, id, verifyContent, actor)
}

func (e Engine) InvalidateSignature(ctx context.Context, id, reason string, actor domain.Actor) (domain.Signature, error) {
	return e.Signatures.Invalidate(ctx, id, reason, actor)
}

func (e Engine) ListSignaturesForTarget(ctx context.Context, target domain.TargetRef, includeInvalid bool) ([]domain.Signature, error) {
	return e.Signatures.List(ctx, target, includeInvalid)
}

func (e Engine) ListAuditEvents(ctx context.Context, f ledger.Filter, p ledger.Page) (domain.EventPage, error) {
	return e.Ledger.Query(ctx, f, p)
}

func (e Engine) GetAuditEvent(ctx context.Context, id string) (domain.Event, error) {
	return e.Ledger.Get(ctx, id)
}

func (e Engine) VerifyChainRange(ctx context.Context, startID, endID string, maxEvents int) (domain.RangeReport, error) {
	return e.Verifier.VerifyRange(ctx, startID, endID, maxEvents)
}

func (e Engine) VerifySingleEvent(ctx context.Context, id string) (domain.SingleReport, error) {
	return e.Verifier.VerifySingle(ctx, id)
}

// GetAuditStats combines ledger, signature and challenge counts.
func (e Engine) GetAuditStats(ctx context.Context) (domain.AuditStats, error) {
	now := e.now()
	ledgerStats, err := e.Ledger.Stats(ctx)
	if err != nil {
		return domain.AuditStats{}, err
	}
	sigs, err := e.Repo.CountSignatures(ctx)
	if err != nil {
		return domain.AuditStats{}, fmt.Errorf("count signatures: %w", err)
	}
	challenges, err := e.Repo.CountChallenges(ctx, domain.FormatTime(now))
	if err != nil {
		return domain.AuditStats{}, fmt.Errorf("count challenges: %w", err)
	}
	return domain.AuditStats{
		Ledger:      ledgerStats,
		Signatures:  sigs,
		Challenges:  challenges,
		GeneratedAt: domain.FormatTime(now),
	}, nil
}

func (e Engine) ExportAuditTrail(ctx context.Context, req export.Request) (export.Result, error) {
	return e.Exporter.Export(ctx, req)
}

func (e Engine) VerifyExport(data []byte, format string) (export.Verification, error) {
	return export.Verify(e.Hasher, data, format)
}

// AccountCreateOptions are parameters for creating a signer account.
type AccountCreateOptions struct {
	ID       string
	Name     string
	Email    string
	Title    string
	Password string
	Actor    domain.Actor
}

func (e Engine) CreateAccount(ctx context.Context, opts AccountCreateOptions) (domain.Account, error) {
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	actor := opts.Actor
	if actor.ID == "" {
		actor.ID = opts.ID
	}
	acct := domain.Account{
		ID:        opts.ID,
		Name:      strings.TrimSpace(opts.Name),
		Email:     strings.TrimSpace(opts.Email),
		Title:     strings.TrimSpace(opts.Title),
		CreatedAt: domain.FormatTime(e.now()),
	}
	err := e.Ledger.Write(ctx, func(tx *ledger.Tx) error {
		if err := e.Auth.InsertAccount(ctx, tx.Tx, acct, opts.Password); err != nil {
			return err
		}
		_, err := tx.Append(ctx, ledger.Record{
			EventType:    domain.EventAccountCreated,
			Actor:        actor,
			ResourceType: "account",
			ResourceID:   acct.ID,
			ResourceName: acct.Name,
			Details:      map[string]any{"email": acct.Email, "title": acct.Title},
		})
		return err
	})
	if err != nil {
		return domain.Account{}, err
	}
	return acct, nil
}

func (e Engine) GetAccount(ctx context.Context, id string) (domain.Account, error) {
	return e.Auth.GetAccount(ctx, id)
}

// CreateAPIKey issues a key for an account. The raw key is returned once;
// only its digest is stored.
func (e Engine) CreateAPIKey(ctx context.Context, accountID, name string, actor domain.Actor) (domain.APIKey, string, error) {
	if _, err := e.Auth.GetAccount(ctx, accountID); err != nil {
		return domain.APIKey{}, "", err
	}
	raw, err := signing.NewToken()
	if err != nil {
		return domain.APIKey{}, "", err
	}
	raw = "atl_" + raw
	key := domain.APIKey{
		ID:        uuid.NewString(),
		AccountID: accountID,
		Name:      name,
		KeyHash:   repo.HashSecret(raw),
		CreatedAt: domain.FormatTime(e.now()),
	}
	if actor.ID == "" {
		actor.ID = accountID
	}
	err = e.Ledger.Write(ctx, func(tx *ledger.Tx) error {
		if err := e.Repo.InsertAPIKey(ctx, tx.Tx, key); err != nil {
			return fmt.Errorf("insert api key: %w", err)
		}
		_, err := tx.Append(ctx, ledger.Record{
			EventType:    domain.EventAPIKeyCreated,
			Actor:        actor,
			ResourceType: "api_key",
			ResourceID:   key.ID,
			ResourceName: name,
			Details:      map[string]any{"account_id": accountID},
		})
		return err
	})
	if err != nil {
		return domain.APIKey{}, "", err
	}
	return key, raw, nil
}

// PutContent stores or replaces the current content of a target.
func (e Engine) PutContent(ctx context.Context, doc domain.Document, actor domain.Actor) (domain.Document, error) {
	if doc.Target.Type == "" || doc.Target.ID == "" {
		return domain.Document{}, domain.Invalid("target type and id are required")
	}
	if len(doc.Body) == 0 || !json.Valid(doc.Body) {
		return domain.Document{}, domain.Invalid("content body must be valid JSON")
	}
	contentHash, err := e.Hasher.Hash(doc.Body)
	if err != nil {
		return domain.Document{}, err
	}
	doc.UpdatedAt = domain.FormatTime(e.now())
	err = e.Ledger.Write(ctx, func(tx *ledger.Tx) error {
		if err := e.Repo.UpsertDocument(ctx, tx.Tx, doc); err != nil {
			return err
		}
		_, err := tx.Append(ctx, ledger.Record{
			EventType:    domain.EventContentStored,
			Actor:        actor,
			ResourceType: doc.Target.Type,
			ResourceID:   doc.Target.ID,
			ResourceName: doc.Title,
			Details:      map[string]any{"version": doc.Target.Version, "content_hash": contentHash},
		})
		return err
	})
	if err != nil {
		return domain.Document{}, err
	}
	return doc, nil
}

func (e Engine) GetContent(ctx context.Context, targetType, targetID string) (domain.Document, error) {
	return e.Repo.GetDocument(ctx, targetType, targetID)
}

// Authenticate resolves an API key to the actor it acts as.
func (e Engine) Authenticate(ctx context.Context, apiKey string) (domain.Account, error) {
	acct, err := e.Auth.AccountForAPIKey(ctx, apiKey)
	if err != nil && !errors.Is(err, domain.ErrAuthentication) && !errors.Is(err, domain.ErrNotFound) {
		return domain.Account{}, err
	}
	if err != nil {
		return domain.Account{}, domain.ErrAuthentication
	}
	return acct, nil
}

package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"attestline/internal/config"
	"attestline/internal/db"
	"attestline/internal/domain"
	"attestline/internal/engine"
	"attestline/internal/export"
	"attestline/internal/ledger"
	"attestline/internal/lockout"
	"attestline/internal/metrics"
	"attestline/internal/migrate"
	"attestline/internal/signing"
)

type testEnv struct {
	Engine   engine.Engine
	Ctx      context.Context
	Registry *prometheus.Registry
	now      time.Time
}

var admin = domain.Actor{ID: "admin"}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.Accounts.BcryptCost = 4
	env := &testEnv{Ctx: context.Background(), now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	env.Registry = prometheus.NewRegistry()
	env.Engine = engine.New(conn, cfg, engine.Deps{
		Metrics: metrics.New(env.Registry),
		Lockout: lockout.NewMemory(cfg.Lockout.MaxFailures, cfg.Lockout.Window),
		Now:     func() time.Time { return env.now },
	})
	if _, err := env.Engine.CreateAccount(env.Ctx, engine.AccountCreateOptions{
		ID: "u1", Name: "Alice QA", Email: "alice@example.com", Title: "QA Lead", Password: "pw-1", Actor: admin,
	}); err != nil {
		t.Fatalf("create account: %v", err)
	}
	if _, err := env.Engine.PutContent(env.Ctx, domain.Document{
		Target: domain.TargetRef{Type: "document", ID: "P"},
		Title:  "Batch record",
		Body:   json.RawMessage(`{"lot":"A-17","steps":["mix","fill"]}`),
	}, admin); err != nil {
		t.Fatalf("put content: %v", err)
	}
	return env
}

func (env *testEnv) sign(t *testing.T, target domain.TargetRef) domain.Signature {
	t.Helper()
	actor := domain.Actor{ID: "u1"}
	grant, err := env.Engine.InitiateSignature(env.Ctx, signing.InitiateRequest{Actor: actor, Meaning: domain.MeaningApproval, Target: target})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	sig, err := env.Engine.CompleteSignature(env.Ctx, signing.CompleteRequest{Token: grant.Token, Credential: "pw-1", Actor: actor})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	return sig
}

func TestApprovalChainOverStoredContent(t *testing.T) {
	env := newTestEnv(t)
	target := domain.TargetRef{Type: "document", ID: "P"}
	first := env.sign(t, target)
	if first.PreviousSignatureID != "" {
		t.Fatalf("first signature should not chain, got %q", first.PreviousSignatureID)
	}
	if first.Signer.Name != "Alice QA" || first.Signer.Title != "QA Lead" {
		t.Fatalf("signer snapshot missing: %+v", first.Signer)
	}
	second := env.sign(t, target)
	if second.PreviousSignatureID != first.ID {
		t.Fatalf("expected chain to %s, got %q", first.ID, second.PreviousSignatureID)
	}
	if got := counterValue(t, env.Registry, "attestline_signature_completions_total", "created"); got != 2 {
		t.Fatalf("expected 2 created outcomes, got %v", got)
	}

	report, err := env.Engine.VerifyChainRange(env.Ctx, "", "", 0)
	if err != nil {
		t.Fatalf("verify range: %v", err)
	}
	// account.created, content.stored, 2x (initiated, created)
	if !report.IsValid || report.VerifiedCount != 6 || report.Partial {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestContentEditBreaksPendingChallenge(t *testing.T) {
	env := newTestEnv(t)
	actor := domain.Actor{ID: "u1"}
	target := domain.TargetRef{Type: "document", ID: "P"}
	grant, err := env.Engine.InitiateSignature(env.Ctx, signing.InitiateRequest{Actor: actor, Meaning: domain.MeaningReview, Target: target})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if _, err := env.Engine.PutContent(env.Ctx, domain.Document{Target: target, Title: "Batch record", Body: json.RawMessage(`{"lot":"A-18"}`)}, admin); err != nil {
		t.Fatalf("edit content: %v", err)
	}
	_, err = env.Engine.CompleteSignature(env.Ctx, signing.CompleteRequest{Token: grant.Token, Credential: "pw-1", Actor: actor})
	if !errors.Is(err, domain.ErrContentChanged) {
		t.Fatalf("expected content changed, got %v", err)
	}
}

func TestKeyOrderDoesNotChangeContentHash(t *testing.T) {
	env := newTestEnv(t)
	actor := domain.Actor{ID: "u1"}
	target := domain.TargetRef{Type: "document", ID: "P"}
	grant, err := env.Engine.InitiateSignature(env.Ctx, signing.InitiateRequest{Actor: actor, Meaning: domain.MeaningReview, Target: target})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if _, err := env.Engine.PutContent(env.Ctx, domain.Document{Target: target, Title: "Batch record", Body: json.RawMessage(`{"steps":["mix","fill"],"lot":"A-17"}`)}, admin); err != nil {
		t.Fatalf("rewrite content: %v", err)
	}
	if _, err := env.Engine.CompleteSignature(env.Ctx, signing.CompleteRequest{Token: grant.Token, Credential: "pw-1", Actor: actor}); err != nil {
		t.Fatalf("semantically identical content must still sign: %v", err)
	}
}

func TestVersionedTargetMustStayCurrent(t *testing.T) {
	env := newTestEnv(t)
	target := domain.TargetRef{Type: "document", ID: "SOP", Version: "v1"}
	if _, err := env.Engine.PutContent(env.Ctx, domain.Document{Target: target, Title: "SOP", Body: json.RawMessage(`"text"`)}, admin); err != nil {
		t.Fatalf("put: %v", err)
	}
	_, err := env.Engine.InitiateSignature(env.Ctx, signing.InitiateRequest{
		Actor: domain.Actor{ID: "u1"}, Meaning: domain.MeaningApproval,
		Target: domain.TargetRef{Type: "document", ID: "SOP", Version: "v0"},
	})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found for stale version, got %v", err)
	}
	sig := env.sign(t, target)
	if sig.Target.Version != "v1" {
		t.Fatalf("unexpected target %+v", sig.Target)
	}
}

func TestStatsAndQueries(t *testing.T) {
	env := newTestEnv(t)
	target := domain.TargetRef{Type: "document", ID: "P"}
	sig := env.sign(t, target)
	if _, err := env.Engine.InvalidateSignature(env.Ctx, sig.ID, "wrong lot", admin); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if _, err := env.Engine.InitiateSignature(env.Ctx, signing.InitiateRequest{Actor: domain.Actor{ID: "u1"}, Meaning: domain.MeaningReview, Target: target}); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if _, err := env.Engine.InitiateSignature(env.Ctx, signing.InitiateRequest{Actor: domain.Actor{ID: "u1"}, Meaning: domain.MeaningReview, Target: target}); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	env.now = env.now.Add(10 * time.Minute)

	stats, err := env.Engine.GetAuditStats(env.Ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Signatures.Total != 1 || stats.Signatures.Invalid != 1 {
		t.Fatalf("unexpected signature counts %+v", stats.Signatures)
	}
	if stats.Challenges.Consumed != 1 || stats.Challenges.Expired != 2 || stats.Challenges.Pending != 0 {
		t.Fatalf("unexpected challenge counts %+v", stats.Challenges)
	}
	if stats.Ledger.ByType[domain.EventSignatureInitiated] != 3 || !stats.Ledger.HasGenesis {
		t.Fatalf("unexpected ledger stats %+v", stats.Ledger)
	}

	page, err := env.Engine.ListAuditEvents(env.Ctx, ledger.Filter{ResourceType: "signature", ResourceID: sig.ID}, ledger.Page{Limit: 10})
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if page.Total != 2 || page.Items[0].EventType != domain.EventSignatureInvalidated {
		t.Fatalf("unexpected page %+v", page)
	}
	evt, err := env.Engine.GetAuditEvent(env.Ctx, page.Items[0].ID)
	if err != nil || evt.EventHash != page.Items[0].EventHash {
		t.Fatalf("get event: %v", err)
	}
	single, err := env.Engine.VerifySingleEvent(env.Ctx, evt.ID)
	if err != nil || !single.IsValid {
		t.Fatalf("verify single: %+v %v", single, err)
	}
	if _, err := env.Engine.GetAuditEvent(env.Ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestExportRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	env.sign(t, domain.TargetRef{Type: "document", ID: "P"})
	res, err := env.Engine.ExportAuditTrail(env.Ctx, export.Request{Format: export.FormatCSV, Actor: admin})
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	v, err := env.Engine.VerifyExport(res.Data, "")
	if err != nil || !v.Valid || v.EventCount != 4 {
		t.Fatalf("verify export: %+v %v", v, err)
	}
}

func TestAPIKeys(t *testing.T) {
	env := newTestEnv(t)
	key, raw, err := env.Engine.CreateAPIKey(env.Ctx, "u1", "ci", admin)
	if err != nil {
		t.Fatalf("create key: %v", err)
	}
	if key.KeyHash == raw || raw == "" {
		t.Fatalf("raw key must not be stored")
	}
	acct, err := env.Engine.Authenticate(env.Ctx, raw)
	if err != nil || acct.ID != "u1" {
		t.Fatalf("authenticate: %+v %v", acct, err)
	}
	if _, err := env.Engine.Authenticate(env.Ctx, "atl_bogus"); !errors.Is(err, domain.ErrAuthentication) {
		t.Fatalf("expected authentication error, got %v", err)
	}
	if _, _, err := env.Engine.CreateAPIKey(env.Ctx, "nobody", "x", admin); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestPutContentValidation(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.PutContent(env.Ctx, domain.Document{Target: domain.TargetRef{Type: "document", ID: "X"}, Body: json.RawMessage(`{`)}, admin)
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	_, err = env.Engine.GetContent(env.Ctx, "document", "X")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func counterValue(t *testing.T, reg *prometheus.Registry, name, result string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "result" && lp.GetValue() == result {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

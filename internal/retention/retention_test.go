package retention_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"attestline/internal/db"
	"attestline/internal/domain"
	"attestline/internal/ledger"
	"attestline/internal/migrate"
	"attestline/internal/retention"
	"attestline/internal/verifier"
)

var (
	start   = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	officer = domain.Actor{ID: "records-officer"}
)

func newTestPurger(t *testing.T) (*retention.Purger, *ledger.Ledger, *time.Time) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	now := start
	l := ledger.New(conn)
	l.Now = func() time.Time { return now }
	for i := 0; i < 6; i++ {
		now = start.AddDate(0, i, 0)
		_, err := l.Append(context.Background(), ledger.Record{
			EventType:    "content.stored",
			Actor:        domain.Actor{ID: "writer"},
			ResourceType: "document",
			ResourceID:   fmt.Sprintf("doc-%d", i),
		})
		require.NoError(t, err)
	}
	now = start.AddDate(1, 0, 0)
	return &retention.Purger{Ledger: l, Now: func() time.Time { return now }}, l, &now
}

func TestPurgeRequiresAuthorization(t *testing.T) {
	p, _, _ := newTestPurger(t)
	ctx := context.Background()
	cutoff := start.AddDate(0, 3, 0)
	_, err := p.Purge(ctx, retention.Request{Before: cutoff, Confirm: true, Actor: officer})
	assert.True(t, errors.Is(err, domain.ErrValidation))
	_, err = p.Purge(ctx, retention.Request{Before: cutoff, Authorization: "RET-7", Actor: officer})
	assert.True(t, errors.Is(err, domain.ErrValidation))
	_, err = p.Purge(ctx, retention.Request{Before: start.AddDate(5, 0, 0), Authorization: "RET-7", Confirm: true, Actor: officer})
	assert.True(t, errors.Is(err, domain.ErrValidation))
}

func TestPurgeDeletesOlderEventsAndLogs(t *testing.T) {
	p, l, _ := newTestPurger(t)
	ctx := context.Background()
	res, err := p.Purge(ctx, retention.Request{
		Before: start.AddDate(0, 3, 0), Authorization: "RET-7", Confirm: true, Actor: officer,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Deleted)
	assert.Equal(t, domain.EventRetentionPurged, res.Event.EventType)

	stats, err := l.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.TotalEvents)
	assert.False(t, stats.HasGenesis)

	report, err := verifier.Verifier{Ledger: l}.VerifyRange(ctx, "", "", 0)
	require.NoError(t, err)
	assert.True(t, report.IsValid)
	assert.True(t, report.Partial)
	assert.Equal(t, 4, report.VerifiedCount)

	events, err := l.Scan(ctx, ledger.Filter{}, 0)
	require.NoError(t, err)
	assert.Equal(t, res.BoundaryHash, events[0].PreviousHash)

	_, err = l.DB.ExecContext(ctx, `DELETE FROM audit_events`)
	assert.Error(t, err, "gate must be closed again after the purge")
}

func TestPurgeEverything(t *testing.T) {
	p, l, _ := newTestPurger(t)
	ctx := context.Background()
	head, err := l.Head(ctx)
	require.NoError(t, err)
	res, err := p.Purge(ctx, retention.Request{
		Before: start.AddDate(0, 11, 0), Authorization: "RET-8", Confirm: true, Actor: officer,
	})
	require.NoError(t, err)
	assert.Equal(t, 6, res.Deleted)
	assert.Equal(t, head, res.BoundaryHash)
	assert.Equal(t, head, res.Event.PreviousHash)
}

func TestPurgeNothingToDelete(t *testing.T) {
	p, _, _ := newTestPurger(t)
	_, err := p.Purge(context.Background(), retention.Request{
		Before: start.AddDate(-1, 0, 0), Authorization: "RET-9", Confirm: true, Actor: officer,
	})
	assert.True(t, errors.Is(err, domain.ErrValidation))
}

func newSteppedLedger(t *testing.T, months ...int) (*retention.Purger, *ledger.Ledger) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	now := start
	l := ledger.New(conn)
	l.Now = func() time.Time { return now }
	for i, m := range months {
		now = start.AddDate(0, m, 0)
		_, err := l.Append(context.Background(), ledger.Record{
			EventType:    "content.stored",
			Actor:        domain.Actor{ID: "writer"},
			ResourceType: "document",
			ResourceID:   fmt.Sprintf("doc-%d", i),
		})
		require.NoError(t, err)
	}
	now = start.AddDate(1, 0, 0)
	return &retention.Purger{Ledger: l, Now: func() time.Time { return now }}, l
}

func TestPurgeKeepsChainWhenClockStepsBack(t *testing.T) {
	ctx := context.Background()

	// The third event was stamped after the clock stepped back two months.
	p, l := newSteppedLedger(t, 1, 2, 5, 2, 6)
	res, err := p.Purge(ctx, retention.Request{
		Before: start.AddDate(0, 3, 0), Authorization: "RET-10", Confirm: true, Actor: officer,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Deleted)

	events, err := l.Scan(ctx, ledger.Filter{}, 0)
	require.NoError(t, err)
	require.Len(t, events, 4)
	assert.Equal(t, "doc-2", events[0].ResourceID)
	assert.Equal(t, "doc-3", events[1].ResourceID)
	assert.Equal(t, res.BoundaryHash, events[0].PreviousHash)

	report, err := verifier.Verifier{Ledger: l}.VerifyRange(ctx, "", "", 0)
	require.NoError(t, err)
	assert.True(t, report.IsValid, report.Reason)
	assert.True(t, report.Partial)
	assert.Equal(t, 4, report.VerifiedCount)
}

func TestPurgeStopsAtFirstRecentEvent(t *testing.T) {
	ctx := context.Background()
	p, l := newSteppedLedger(t, 5, 6, 2, 7, 8)
	_, err := p.Purge(ctx, retention.Request{
		Before: start.AddDate(0, 3, 0), Authorization: "RET-11", Confirm: true, Actor: officer,
	})
	assert.True(t, errors.Is(err, domain.ErrValidation))

	report, err := verifier.Verifier{Ledger: l}.VerifyRange(ctx, "", "", 0)
	require.NoError(t, err)
	assert.True(t, report.IsValid, report.Reason)
	assert.Equal(t, 5, report.VerifiedCount)
}

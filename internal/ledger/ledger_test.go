package ledger_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"attestline/internal/db"
	"attestline/internal/domain"
	"attestline/internal/hasher"
	"attestline/internal/ledger"
	"attestline/internal/migrate"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func newTestLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	l := ledger.New(conn)
	clock := &testClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	l.Now = clock.Now
	return l
}

func record(i int) ledger.Record {
	return ledger.Record{
		EventType:    "document.updated",
		Actor:        domain.Actor{ID: "alice", Email: "alice@example.com", IP: "10.0.0.1", UserAgent: "test"},
		ResourceType: "document",
		ResourceID:   fmt.Sprintf("doc-%d", i%3),
		ResourceName: "SOP",
		Details:      map[string]any{"n": i},
	}
}

func TestAppendChainsEvents(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	var events []domain.Event
	for i := 0; i < 5; i++ {
		evt, err := l.Append(ctx, record(i))
		require.NoError(t, err)
		events = append(events, evt)
	}
	assert.Equal(t, "", events[0].PreviousHash)
	for i := 1; i < len(events); i++ {
		assert.Equal(t, events[i-1].EventHash, events[i].PreviousHash)
		assert.Greater(t, events[i].Seq, events[i-1].Seq)
	}
	head, err := l.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, events[4].EventHash, head)

	stored, err := l.Get(ctx, events[2].ID)
	require.NoError(t, err)
	assert.Equal(t, events[2].EventHash, stored.EventHash)
	recomputed, err := ledger.ComputeHash(l.Hasher, stored)
	require.NoError(t, err)
	assert.Equal(t, stored.EventHash, recomputed)
	assert.JSONEq(t, `{"n":2}`, string(stored.Details))
}

func TestAppendValidatesRecord(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	_, err := l.Append(ctx, ledger.Record{Actor: domain.Actor{ID: "a"}, ResourceType: "x", ResourceID: "1"})
	assert.True(t, errors.Is(err, domain.ErrValidation))

	rec := record(1)
	rec.Details = map[string]any{"bad": make(chan int)}
	_, err = l.Append(ctx, rec)
	assert.True(t, errors.Is(err, domain.ErrHashing))

	page, err := l.Query(ctx, ledger.Filter{}, ledger.Page{})
	require.NoError(t, err)
	assert.Equal(t, 0, page.Total)
}

func TestWriteRollsBackEventsOnError(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := l.Write(ctx, func(tx *ledger.Tx) error {
		if _, err := tx.Append(ctx, record(1)); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	head, err := l.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, "", head)
}

func TestWriteChainsMultipleAppendsInOneTx(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	var first, second domain.Event
	err := l.Write(ctx, func(tx *ledger.Tx) error {
		var err error
		if first, err = tx.Append(ctx, record(1)); err != nil {
			return err
		}
		second, err = tx.Append(ctx, record(2))
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, first.EventHash, second.PreviousHash)
}

func TestConcurrentAppendsFormSingleChain(t *testing.T) {
	l := newTestLedger(t)
	// A second ledger over the same database stands in for another process:
	// it does not share the in-process mutex.
	other := ledger.New(l.DB)
	other.Now = l.Now
	ctx := context.Background()

	const workers, perWorker = 8, 10
	var wg sync.WaitGroup
	errs := make(chan error, workers*perWorker)
	for w := 0; w < workers; w++ {
		target := l
		if w%2 == 1 {
			target = other
		}
		wg.Add(1)
		go func(w int, target *ledger.Ledger) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				if _, err := target.Append(ctx, record(w*perWorker+i)); err != nil {
					errs <- err
				}
			}
		}(w, target)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("append: %v", err)
	}

	events, err := l.Range(ctx, "", "", 1000)
	require.NoError(t, err)
	require.Len(t, events, workers*perWorker)
	assert.Equal(t, "", events[0].PreviousHash)
	for i := 1; i < len(events); i++ {
		require.Equal(t, events[i-1].EventHash, events[i].PreviousHash, "broken link at seq %d", events[i].Seq)
	}
}

func TestStorageRejectsUpdateAndDelete(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	evt, err := l.Append(ctx, record(1))
	require.NoError(t, err)

	_, err = l.DB.ExecContext(ctx, `UPDATE audit_events SET resource_name='tampered' WHERE id=?`, evt.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "append-only")

	_, err = l.DB.ExecContext(ctx, `DELETE FROM audit_events WHERE id=?`, evt.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "retention gate")

	stored, err := l.Get(ctx, evt.ID)
	require.NoError(t, err)
	assert.Equal(t, "SOP", stored.ResourceName)
}

func TestQueryFiltersAndPaginates(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	var events []domain.Event
	for i := 0; i < 7; i++ {
		evt, err := l.Append(ctx, record(i))
		require.NoError(t, err)
		events = append(events, evt)
	}

	page, err := l.Query(ctx, ledger.Filter{}, ledger.Page{Limit: 3})
	require.NoError(t, err)
	assert.Equal(t, 7, page.Total)
	assert.True(t, page.HasMore)
	require.Len(t, page.Items, 3)
	assert.Equal(t, events[6].ID, page.Items[0].ID)

	last, err := l.Query(ctx, ledger.Filter{}, ledger.Page{Limit: 3, Offset: 6})
	require.NoError(t, err)
	assert.False(t, last.HasMore)
	require.Len(t, last.Items, 1)
	assert.Equal(t, events[0].ID, last.Items[0].ID)

	byResource, err := l.Query(ctx, ledger.Filter{ResourceType: "document", ResourceID: "doc-0"}, ledger.Page{})
	require.NoError(t, err)
	assert.Equal(t, 3, byResource.Total)

	from, err := domain.ParseTime(events[2].Timestamp)
	require.NoError(t, err)
	to, err := domain.ParseTime(events[4].Timestamp)
	require.NoError(t, err)
	window, err := l.Query(ctx, ledger.Filter{From: from, To: to}, ledger.Page{})
	require.NoError(t, err)
	assert.Equal(t, 3, window.Total)

	_, err = l.Query(ctx, ledger.Filter{From: to, To: from}, ledger.Page{})
	assert.True(t, errors.Is(err, domain.ErrValidation))

	_, err = l.Get(ctx, "missing")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestRangeAndStats(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	var events []domain.Event
	for i := 0; i < 5; i++ {
		evt, err := l.Append(ctx, record(i))
		require.NoError(t, err)
		events = append(events, evt)
	}

	mid, err := l.Range(ctx, events[1].ID, events[3].ID, 100)
	require.NoError(t, err)
	require.Len(t, mid, 3)
	assert.Equal(t, events[1].ID, mid[0].ID)

	_, err = l.Range(ctx, events[3].ID, events[1].ID, 100)
	assert.True(t, errors.Is(err, domain.ErrValidation))

	stats, err := l.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, stats.TotalEvents)
	assert.Equal(t, 5, stats.ByType["document.updated"])
	assert.Equal(t, events[4].EventHash, stats.HeadHash)
	assert.True(t, stats.HasGenesis)
	assert.Equal(t, events[0].Timestamp, stats.FirstEventAt)

	after, err := l.EventsAfter(ctx, events[2].Seq, 10)
	require.NoError(t, err)
	assert.Len(t, after, 2)
}

func TestComputeHashCoversEveryChainField(t *testing.T) {
	h := hasher.Hasher{}
	base := domain.Event{
		Seq:          7,
		ID:           "evt-1",
		EventType:    "signature.created",
		Timestamp:    "2024-01-01T00:00:00Z",
		Actor:        domain.Actor{ID: "alice", Email: "alice@example.com", IP: "10.0.0.1", UserAgent: "atl-cli"},
		ResourceType: "signature",
		ResourceID:   "sig-1",
		ResourceName: "Batch record",
		Details:      json.RawMessage(`{"meaning":"approval"}`),
		PreviousHash: "aaaa",
		EventHash:    "bbbb",
	}
	want, err := ledger.ComputeHash(h, base)
	require.NoError(t, err)

	same := base
	got, err := ledger.ComputeHash(h, same)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	ignored := map[string]func(e *domain.Event){
		"seq":        func(e *domain.Event) { e.Seq = 8 },
		"event_hash": func(e *domain.Event) { e.EventHash = "cccc" },
	}
	for name, mutate := range ignored {
		e := base
		mutate(&e)
		got, err := ledger.ComputeHash(h, e)
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}

	cases := map[string]func(e *domain.Event){
		"id":               func(e *domain.Event) { e.ID = "evt-2" },
		"event_type":       func(e *domain.Event) { e.EventType = "signature.invalidated" },
		"timestamp":        func(e *domain.Event) { e.Timestamp = "2024-01-01T00:00:01Z" },
		"actor id":         func(e *domain.Event) { e.Actor.ID = "mallory" },
		"actor email":      func(e *domain.Event) { e.Actor.Email = "mallory@example.com" },
		"actor ip":         func(e *domain.Event) { e.Actor.IP = "10.0.0.2" },
		"actor user agent": func(e *domain.Event) { e.Actor.UserAgent = "curl" },
		"resource_type":    func(e *domain.Event) { e.ResourceType = "document" },
		"resource_id":      func(e *domain.Event) { e.ResourceID = "sig-2" },
		"resource_name":    func(e *domain.Event) { e.ResourceName = "Batch record v2" },
		"details":          func(e *domain.Event) { e.Details = json.RawMessage(`{"meaning":"review"}`) },
		"previous_hash":    func(e *domain.Event) { e.PreviousHash = "aaab" },
	}
	for name, mutate := range cases {
		e := base
		mutate(&e)
		got, err := ledger.ComputeHash(h, e)
		require.NoError(t, err, name)
		assert.NotEqual(t, want, got, "changing %s must change the hash", name)
	}
}

// Package ledger is the append-only, hash-chained audit log. Every event
// carries the hash of its predecessor; appends are totally ordered.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"attestline/internal/domain"
	"attestline/internal/hasher"
	"attestline/internal/logging"
	"attestline/internal/metrics"
)

const maxWriteAttempts = 3

var errHeadMoved = errors.New("ledger head moved")

// Record is the caller-supplied part of an event. Id, timestamp and the
// chain fields are assigned by the ledger.
type Record struct {
	EventType    string
	Actor        domain.Actor
	ResourceType string
	ResourceID   string
	ResourceName string
	Details      map[string]any
}

type Ledger struct {
	DB      *sql.DB
	Hasher  hasher.Hasher
	Now     func() time.Time
	Logger  *zap.Logger
	Metrics *metrics.Metrics

	mu sync.Mutex
}

func New(db *sql.DB) *Ledger {
	return &Ledger{DB: db, Now: time.Now}
}

func (l *Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

func (l *Ledger) logger() *zap.Logger {
	return logging.OrNop(l.Logger)
}

// Tx is a serialized write transaction. Domain writes made through the
// embedded *sql.Tx commit atomically with the events appended through it.
type Tx struct {
	*sql.Tx
	ledger     *Ledger
	head       string
	headLoaded bool
	appended   []domain.Event
}

// Write runs fn inside a serialized IMMEDIATE transaction. If another
// writer claimed the head first, the whole transaction is retried.
func (l *Ledger) Write(ctx context.Context, fn func(tx *Tx) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var err error
	for attempt := 1; attempt <= maxWriteAttempts; attempt++ {
		started := time.Now()
		var n int
		n, err = l.write(ctx, fn)
		l.Metrics.ObserveWrite(started, n, err)
		if !errors.Is(err, errHeadMoved) {
			return err
		}
		l.logger().Warn("ledger head moved during write, retrying", zap.Int("attempt", attempt))
	}
	return err
}

func (l *Ledger) write(ctx context.Context, fn func(tx *Tx) error) (int, error) {
	sqlTx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin ledger tx: %w", err)
	}
	defer sqlTx.Rollback()
	tx := &Tx{Tx: sqlTx, ledger: l}
	if err := fn(tx); err != nil {
		return 0, err
	}
	if err := sqlTx.Commit(); err != nil {
		if isHeadConflict(err) {
			return 0, errHeadMoved
		}
		return 0, fmt.Errorf("commit ledger tx: %w", err)
	}
	for _, evt := range tx.appended {
		l.logger().Debug("ledger event appended",
			zap.Int64("seq", evt.Seq),
			zap.String("event_id", evt.ID),
			zap.String("event_type", evt.EventType),
			zap.String("event_hash", evt.EventHash))
	}
	return len(tx.appended), nil
}

// Append records a single event in its own transaction.
func (l *Ledger) Append(ctx context.Context, rec Record) (domain.Event, error) {
	var evt domain.Event
	err := l.Write(ctx, func(tx *Tx) error {
		var err error
		evt, err = tx.Append(ctx, rec)
		return err
	})
	return evt, err
}

// Append chains rec onto the current head inside the transaction.
func (t *Tx) Append(ctx context.Context, rec Record) (domain.Event, error) {
	if strings.TrimSpace(rec.EventType) == "" {
		return domain.Event{}, domain.Invalid("event_type is required")
	}
	if strings.TrimSpace(rec.Actor.ID) == "" {
		return domain.Event{}, domain.Invalid("actor id is required")
	}
	if rec.ResourceType == "" || rec.ResourceID == "" {
		return domain.Event{}, domain.Invalid("resource type and id are required")
	}
	if !t.headLoaded {
		head, err := headHash(ctx, t.Tx)
		if err != nil {
			return domain.Event{}, err
		}
		t.head = head
		t.headLoaded = true
	}
	details := rec.Details
	if details == nil {
		details = map[string]any{}
	}
	canonical, err := t.ledger.Hasher.Canonicalize(details)
	if err != nil {
		return domain.Event{}, fmt.Errorf("event details: %w", err)
	}
	evt := domain.Event{
		ID:           uuid.NewString(),
		EventType:    rec.EventType,
		Timestamp:    domain.FormatTime(t.ledger.now()),
		Actor:        rec.Actor,
		ResourceType: rec.ResourceType,
		ResourceID:   rec.ResourceID,
		ResourceName: rec.ResourceName,
		Details:      json.RawMessage(canonical),
		PreviousHash: t.head,
	}
	evt.EventHash, err = ComputeHash(t.ledger.Hasher, evt)
	if err != nil {
		return domain.Event{}, err
	}
	res, err := t.ExecContext(ctx, `INSERT INTO audit_events(id,event_type,timestamp,actor_id,actor_email,actor_ip,actor_user_agent,resource_type,resource_id,resource_name,details_json,previous_hash,event_hash)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		evt.ID, evt.EventType, evt.Timestamp, evt.Actor.ID, evt.Actor.Email, evt.Actor.IP, evt.Actor.UserAgent,
		evt.ResourceType, evt.ResourceID, evt.ResourceName, string(evt.Details), evt.PreviousHash, evt.EventHash)
	if err != nil {
		if isHeadConflict(err) {
			return domain.Event{}, errHeadMoved
		}
		return domain.Event{}, fmt.Errorf("insert audit event: %w", err)
	}
	if evt.Seq, err = res.LastInsertId(); err != nil {
		return domain.Event{}, err
	}
	t.head = evt.EventHash
	t.appended = append(t.appended, evt)
	return evt, nil
}

type chainActor struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	IP        string `json:"ip"`
	UserAgent string `json:"user_agent"`
}

// chainFields is every event field except event_hash and the storage seq.
type chainFields struct {
	ID           string          `json:"id"`
	EventType    string          `json:"event_type"`
	Timestamp    string          `json:"timestamp"`
	Actor        chainActor      `json:"actor"`
	ResourceType string          `json:"resource_type"`
	ResourceID   string          `json:"resource_id"`
	ResourceName string          `json:"resource_name"`
	Details      json.RawMessage `json:"details"`
	PreviousHash string          `json:"previous_hash"`
}

// ComputeHash returns the chain hash of e, ignoring e.EventHash.
func ComputeHash(h hasher.Hasher, e domain.Event) (string, error) {
	details := e.Details
	if len(details) == 0 {
		details = json.RawMessage(`{}`)
	}
	return h.Hash(chainFields{
		ID:        e.ID,
		EventType: e.EventType,
		Timestamp: e.Timestamp,
		Actor: chainActor{
			ID:        e.Actor.ID,
			Email:     e.Actor.Email,
			IP:        e.Actor.IP,
			UserAgent: e.Actor.UserAgent,
		},
		ResourceType: e.ResourceType,
		ResourceID:   e.ResourceID,
		ResourceName: e.ResourceName,
		Details:      details,
		PreviousHash: e.PreviousHash,
	})
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func headHash(ctx context.Context, q querier) (string, error) {
	var head string
	err := q.QueryRowContext(ctx, `SELECT event_hash FROM audit_events ORDER BY seq DESC LIMIT 1`).Scan(&head)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read ledger head: %w", err)
	}
	return head, nil
}

func isHeadConflict(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	if code != sqlite3.SQLITE_CONSTRAINT && code != sqlite3.SQLITE_CONSTRAINT_UNIQUE {
		return false
	}
	return strings.Contains(sqliteErr.Error(), "audit_events.previous_hash")
}

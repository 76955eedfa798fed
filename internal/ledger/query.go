package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"attestline/internal/domain"
)

const eventColumns = `seq,id,event_type,timestamp,actor_id,actor_email,actor_ip,actor_user_agent,resource_type,resource_id,resource_name,details_json,previous_hash,event_hash`

// Filter narrows event queries. Zero values match everything.
type Filter struct {
	EventType    string
	ActorID      string
	ResourceType string
	ResourceID   string
	From         time.Time
	To           time.Time
}

func (f Filter) clause() (string, []any) {
	var (
		conds []string
		args  []any
	)
	if f.EventType != "" {
		conds = append(conds, "event_type=?")
		args = append(args, f.EventType)
	}
	if f.ActorID != "" {
		conds = append(conds, "actor_id=?")
		args = append(args, f.ActorID)
	}
	if f.ResourceType != "" {
		conds = append(conds, "resource_type=?")
		args = append(args, f.ResourceType)
	}
	if f.ResourceID != "" {
		conds = append(conds, "resource_id=?")
		args = append(args, f.ResourceID)
	}
	if !f.From.IsZero() {
		conds = append(conds, "timestamp>=?")
		args = append(args, domain.FormatTime(f.From))
	}
	if !f.To.IsZero() {
		conds = append(conds, "timestamp<=?")
		args = append(args, domain.FormatTime(f.To))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// Validate rejects inverted time ranges.
func (f Filter) Validate() error {
	if !f.From.IsZero() && !f.To.IsZero() && f.To.Before(f.From) {
		return domain.Invalid("time range end %s is before start %s", domain.FormatTime(f.To), domain.FormatTime(f.From))
	}
	return nil
}

type Page struct {
	Limit  int
	Offset int
}

const (
	defaultPageLimit = 50
	maxPageLimit     = 500
)

func (p Page) normalize() Page {
	if p.Limit <= 0 {
		p.Limit = defaultPageLimit
	}
	if p.Limit > maxPageLimit {
		p.Limit = maxPageLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (domain.Event, error) {
	var (
		e       domain.Event
		details string
	)
	err := row.Scan(&e.Seq, &e.ID, &e.EventType, &e.Timestamp, &e.Actor.ID, &e.Actor.Email, &e.Actor.IP, &e.Actor.UserAgent,
		&e.ResourceType, &e.ResourceID, &e.ResourceName, &details, &e.PreviousHash, &e.EventHash)
	if err != nil {
		return domain.Event{}, err
	}
	e.Details = []byte(details)
	return e, nil
}

func scanEvents(rows *sql.Rows) ([]domain.Event, error) {
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// Query returns matching events newest first.
func (l *Ledger) Query(ctx context.Context, f Filter, p Page) (domain.EventPage, error) {
	if err := f.Validate(); err != nil {
		return domain.EventPage{}, err
	}
	p = p.normalize()
	where, args := f.clause()
	var total int
	if err := l.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_events`+where, args...).Scan(&total); err != nil {
		return domain.EventPage{}, fmt.Errorf("count audit events: %w", err)
	}
	rows, err := l.DB.QueryContext(ctx, `SELECT `+eventColumns+` FROM audit_events`+where+` ORDER BY seq DESC LIMIT ? OFFSET ?`,
		append(args, p.Limit, p.Offset)...)
	if err != nil {
		return domain.EventPage{}, fmt.Errorf("query audit events: %w", err)
	}
	items, err := scanEvents(rows)
	if err != nil {
		return domain.EventPage{}, err
	}
	if items == nil {
		items = []domain.Event{}
	}
	return domain.EventPage{
		Items:   items,
		Total:   total,
		HasMore: p.Offset+len(items) < total,
		Limit:   p.Limit,
		Offset:  p.Offset,
	}, nil
}

// Scan returns up to limit matching events in insertion order. A limit
// of zero or less means no limit.
func (l *Ledger) Scan(ctx context.Context, f Filter, limit int) ([]domain.Event, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = -1
	}
	where, args := f.clause()
	rows, err := l.DB.QueryContext(ctx, `SELECT `+eventColumns+` FROM audit_events`+where+` ORDER BY seq ASC LIMIT ?`, append(args, limit)...)
	if err != nil {
		return nil, fmt.Errorf("scan audit events: %w", err)
	}
	return scanEvents(rows)
}

func (l *Ledger) Get(ctx context.Context, id string) (domain.Event, error) {
	row := l.DB.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM audit_events WHERE id=?`, id)
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Event{}, fmt.Errorf("audit event %s: %w", id, domain.ErrNotFound)
	}
	return e, err
}

// Head returns the current chain head hash, empty for an empty ledger.
func (l *Ledger) Head(ctx context.Context) (string, error) {
	return headHash(ctx, l.DB)
}

// HasEventHash reports whether an event with the given hash is stored.
func (l *Ledger) HasEventHash(ctx context.Context, hash string) (bool, error) {
	var n int
	err := l.DB.QueryRowContext(ctx, `SELECT 1 FROM audit_events WHERE event_hash=? LIMIT 1`, hash).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (l *Ledger) seqOf(ctx context.Context, id string) (int64, error) {
	var seq int64
	err := l.DB.QueryRowContext(ctx, `SELECT seq FROM audit_events WHERE id=?`, id).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("audit event %s: %w", id, domain.ErrNotFound)
	}
	return seq, err
}

// Range returns up to limit events in insertion order starting at startID
// (or the oldest event) and ending at endID (or the newest), inclusive.
func (l *Ledger) Range(ctx context.Context, startID, endID string, limit int) ([]domain.Event, error) {
	var (
		conds []string
		args  []any
		start int64
	)
	if startID != "" {
		seq, err := l.seqOf(ctx, startID)
		if err != nil {
			return nil, err
		}
		start = seq
		conds = append(conds, "seq>=?")
		args = append(args, seq)
	}
	if endID != "" {
		seq, err := l.seqOf(ctx, endID)
		if err != nil {
			return nil, err
		}
		if startID != "" && seq < start {
			return nil, domain.Invalid("end event %s precedes start event %s", endID, startID)
		}
		conds = append(conds, "seq<=?")
		args = append(args, seq)
	}
	query := `SELECT ` + eventColumns + ` FROM audit_events`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY seq ASC LIMIT ?`
	rows, err := l.DB.QueryContext(ctx, query, append(args, limit)...)
	if err != nil {
		return nil, fmt.Errorf("range audit events: %w", err)
	}
	return scanEvents(rows)
}

// EventsAfter returns events with seq greater than cursor, oldest first.
func (l *Ledger) EventsAfter(ctx context.Context, cursor int64, limit int) ([]domain.Event, error) {
	rows, err := l.DB.QueryContext(ctx, `SELECT `+eventColumns+` FROM audit_events WHERE seq>? ORDER BY seq ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// LatestSeq returns the highest seq, zero when empty.
func (l *Ledger) LatestSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := l.DB.QueryRowContext(ctx, `SELECT MAX(seq) FROM audit_events`).Scan(&seq); err != nil {
		return 0, err
	}
	return seq.Int64, nil
}

func (l *Ledger) Stats(ctx context.Context) (domain.LedgerStats, error) {
	stats := domain.LedgerStats{ByType: map[string]int{}}
	rows, err := l.DB.QueryContext(ctx, `SELECT event_type, COUNT(*) FROM audit_events GROUP BY event_type`)
	if err != nil {
		return stats, fmt.Errorf("count events by type: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			typ string
			n   int
		)
		if err := rows.Scan(&typ, &n); err != nil {
			return stats, err
		}
		stats.ByType[typ] = n
		stats.TotalEvents += n
	}
	if err := rows.Err(); err != nil {
		return stats, err
	}
	var first, last sql.NullString
	if err := l.DB.QueryRowContext(ctx, `SELECT MIN(timestamp), MAX(timestamp) FROM audit_events`).Scan(&first, &last); err != nil {
		return stats, err
	}
	stats.FirstEventAt = first.String
	stats.LastEventAt = last.String
	var genesis int
	if err := l.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_events WHERE previous_hash=''`).Scan(&genesis); err != nil {
		return stats, err
	}
	stats.HasGenesis = genesis > 0
	if stats.HeadHash, err = l.Head(ctx); err != nil {
		return stats, err
	}
	return stats, nil
}

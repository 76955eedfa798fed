// Package retention is the only removal path for ledger events. Nothing in
// the engine or the HTTP API reaches it.
package retention

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"attestline/internal/domain"
	"attestline/internal/ledger"
	"attestline/internal/logging"
)

type Request struct {
	Before        time.Time
	Authorization string
	Confirm       bool
	Actor         domain.Actor
}

type Result struct {
	Deleted      int          `json:"deleted"`
	Before       string       `json:"before"`
	BoundaryHash string       `json:"boundary_hash"`
	Event        domain.Event `json:"event"`
}

type Purger struct {
	Ledger *ledger.Ledger
	Now    func() time.Time
	Logger *zap.Logger
}

func (p *Purger) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (r Request) validate(now time.Time) error {
	if strings.TrimSpace(r.Authorization) == "" {
		return domain.Invalid("retention purge requires an authorization reference")
	}
	if !r.Confirm {
		return domain.Invalid("retention purge must be confirmed explicitly")
	}
	if strings.TrimSpace(r.Actor.ID) == "" {
		return domain.Invalid("actor id is required")
	}
	if r.Before.IsZero() || !r.Before.Before(now) {
		return domain.Invalid("purge cutoff must be in the past")
	}
	return nil
}

// Purge deletes events older than req.Before. The purge record is chained
// before the delete so it always survives, and it carries the hash the
// oldest retained event links to.
func (p *Purger) Purge(ctx context.Context, req Request) (Result, error) {
	if err := req.validate(p.now()); err != nil {
		return Result{}, err
	}
	before := domain.FormatTime(req.Before)
	res := Result{Before: before}
	err := p.Ledger.Write(ctx, func(tx *ledger.Tx) error {
		// Purged events always form a seq prefix: everything before the
		// first event stamped at or after the cutoff.
		var first sql.NullInt64
		if err := tx.QueryRowContext(ctx, `SELECT MIN(seq) FROM audit_events WHERE timestamp>=?`, before).Scan(&first); err != nil {
			return err
		}
		var boundary sql.NullString
		var cut int64
		if first.Valid {
			cut = first.Int64
			if err := tx.QueryRowContext(ctx, `SELECT previous_hash FROM audit_events WHERE seq=?`, cut).Scan(&boundary); err != nil {
				return err
			}
		} else {
			// everything goes; the purge record itself links to the old head
			err := tx.QueryRowContext(ctx, `SELECT seq, event_hash FROM audit_events ORDER BY seq DESC LIMIT 1`).Scan(&cut, &boundary)
			if errors.Is(err, sql.ErrNoRows) {
				return domain.Invalid("no events older than %s", before)
			}
			if err != nil {
				return err
			}
			cut++
		}
		var count int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_events WHERE seq<?`, cut).Scan(&count); err != nil {
			return err
		}
		if count == 0 {
			return domain.Invalid("no events older than %s", before)
		}
		evt, err := tx.Append(ctx, ledger.Record{
			EventType:    domain.EventRetentionPurged,
			Actor:        req.Actor,
			ResourceType: "ledger",
			ResourceID:   "audit_events",
			Details: map[string]any{
				"before":        before,
				"authorization": req.Authorization,
				"deleted":       count,
				"boundary_hash": boundary.String,
				"retained_from": cut,
			},
		})
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE ledger_retention_gate SET open=1, authorization_ref=?, opened_at=? WHERE id=1`,
			req.Authorization, domain.FormatTime(p.now())); err != nil {
			return fmt.Errorf("open retention gate: %w", err)
		}
		out, err := tx.ExecContext(ctx, `DELETE FROM audit_events WHERE seq<?`, cut)
		if err != nil {
			return fmt.Errorf("purge events: %w", err)
		}
		n, err := out.RowsAffected()
		if err != nil {
			return err
		}
		if int(n) != count {
			return fmt.Errorf("purge deleted %d events, expected %d", n, count)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE ledger_retention_gate SET open=0, authorization_ref='', opened_at='' WHERE id=1`); err != nil {
			return fmt.Errorf("close retention gate: %w", err)
		}
		res.Deleted = count
		res.BoundaryHash = boundary.String
		res.Event = evt
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	logging.OrNop(p.Logger).Warn("ledger retention purge applied",
		zap.Int("deleted", res.Deleted),
		zap.String("before", before),
		zap.String("authorization", req.Authorization),
		zap.String("actor_id", req.Actor.ID))
	return res, nil
}

// Package verifier walks the audit chain and reports tampering as data.
package verifier

import (
	"context"
	"time"

	"go.uber.org/zap"

	"attestline/internal/domain"
	"attestline/internal/ledger"
	"attestline/internal/logging"
	"attestline/internal/metrics"
)

const DefaultMaxEvents = 10000

const (
	ReasonPreviousHashMismatch = "previous-hash mismatch"
	ReasonContentHashMismatch  = "content hash mismatch"
)

type Verifier struct {
	Ledger    *ledger.Ledger
	MaxEvents int
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
}

func (v Verifier) maxEvents(requested int) int {
	if requested > 0 {
		return requested
	}
	if v.MaxEvents > 0 {
		return v.MaxEvents
	}
	return DefaultMaxEvents
}

// VerifyRange checks a contiguous slice of the chain in insertion order.
// The first event's previous_hash is trusted, so a range that does not start
// at genesis is only a partial-confidence check and is flagged as such.
func (v Verifier) VerifyRange(ctx context.Context, startID, endID string, maxEvents int) (domain.RangeReport, error) {
	started := time.Now()
	limit := v.maxEvents(maxEvents)
	events, err := v.Ledger.Range(ctx, startID, endID, limit+1)
	if err != nil {
		return domain.RangeReport{}, err
	}
	head, err := v.Ledger.Head(ctx)
	if err != nil {
		return domain.RangeReport{}, err
	}
	report := domain.RangeReport{
		IsValid:       true,
		ChainHeadHash: head,
		StartID:       startID,
		EndID:         endID,
	}
	if len(events) > limit {
		events = events[:limit]
		report.Truncated = true
	}
	report.TotalEvents = len(events)
	if len(events) > 0 {
		report.Partial = events[0].PreviousHash != ""
		if report.StartID == "" {
			report.StartID = events[0].ID
		}
		if report.EndID == "" || report.Truncated {
			report.EndID = events[len(events)-1].ID
		}
	}

	expected := ""
	if len(events) > 0 {
		expected = events[0].PreviousHash
	}
	for _, evt := range events {
		if evt.PreviousHash != expected {
			report.IsValid = false
			report.FirstInvalidID = evt.ID
			report.Reason = ReasonPreviousHashMismatch
			break
		}
		computed, err := ledger.ComputeHash(v.Ledger.Hasher, evt)
		if err != nil || computed != evt.EventHash {
			report.IsValid = false
			report.FirstInvalidID = evt.ID
			report.Reason = ReasonContentHashMismatch
			break
		}
		expected = evt.EventHash
		report.VerifiedCount++
	}
	report.ElapsedMillis = time.Since(started).Milliseconds()

	v.Metrics.Verified("chain", report.IsValid)
	log := logging.OrNop(v.Logger)
	if !report.IsValid {
		log.Warn("audit chain verification failed",
			zap.String("first_invalid_id", report.FirstInvalidID),
			zap.String("reason", report.Reason),
			zap.Int("verified_count", report.VerifiedCount))
	} else {
		log.Info("audit chain verified",
			zap.Int("verified_count", report.VerifiedCount),
			zap.Bool("partial", report.Partial),
			zap.Bool("truncated", report.Truncated))
	}
	return report, nil
}

// VerifySingle recomputes one event's hash and checks that its predecessor
// exists. It is a spot check, not proof of the surrounding history.
func (v Verifier) VerifySingle(ctx context.Context, id string) (domain.SingleReport, error) {
	evt, err := v.Ledger.Get(ctx, id)
	if err != nil {
		return domain.SingleReport{}, err
	}
	report := domain.SingleReport{EventID: evt.ID, Issues: []string{}}
	computed, err := ledger.ComputeHash(v.Ledger.Hasher, evt)
	if err != nil {
		report.Issues = append(report.Issues, "event content cannot be canonicalized")
	} else {
		report.ComputedHash = computed
		report.HashValid = computed == evt.EventHash
		if !report.HashValid {
			report.Issues = append(report.Issues, ReasonContentHashMismatch)
		}
	}
	if evt.PreviousHash == "" {
		report.IsGenesis = true
		report.PreviousLinked = true
	} else {
		found, err := v.Ledger.HasEventHash(ctx, evt.PreviousHash)
		if err != nil {
			return domain.SingleReport{}, err
		}
		report.PreviousLinked = found
		if !found {
			report.Issues = append(report.Issues, "previous event not found")
		}
	}
	report.IsValid = report.HashValid && report.PreviousLinked
	v.Metrics.Verified("event", report.IsValid)
	if !report.IsValid {
		logging.OrNop(v.Logger).Warn("audit event verification failed",
			zap.String("event_id", evt.ID),
			zap.Strings("issues", report.Issues))
	}
	return report, nil
}

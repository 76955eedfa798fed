// Package export produces self-verifying audit trail exports.
package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"attestline/internal/domain"
	"attestline/internal/hasher"
	"attestline/internal/ledger"
	"attestline/internal/logging"
	"attestline/internal/metrics"
)

const (
	FormatCSV  = "csv"
	FormatJSON = "json"

	Algorithm        = "sha256"
	Schema           = "attestline.audit-export/v1"
	DefaultMaxEvents = 100000

	integrityMarker = "#integrity"
	manifestMarker  = "#manifest"
)

var csvHeader = []string{
	"seq", "id", "event_type", "timestamp",
	"actor_id", "actor_email", "actor_ip", "actor_user_agent",
	"resource_type", "resource_id", "resource_name",
	"details", "previous_hash", "event_hash",
}

type Request struct {
	Filter ledger.Filter
	Format string
	Actor  domain.Actor
}

type Manifest struct {
	ExportID      string            `json:"export_id"`
	Schema        string            `json:"schema"`
	Format        string            `json:"format"`
	GeneratedAt   string            `json:"generated_at"`
	GeneratedBy   string            `json:"generated_by"`
	EventCount    int               `json:"event_count"`
	FirstEventID  string            `json:"first_event_id,omitempty"`
	LastEventID   string            `json:"last_event_id,omitempty"`
	ChainHeadHash string            `json:"chain_head_hash"`
	Filter        map[string]string `json:"filter"`
}

type Integrity struct {
	Algorithm string `json:"algorithm"`
	Hash      string `json:"hash"`
}

type Result struct {
	ID            string
	Format        string
	ContentType   string
	Filename      string
	Data          []byte
	IntegrityHash string
	EventCount    int
}

type Verification struct {
	Valid        bool   `json:"valid"`
	Format       string `json:"format"`
	Algorithm    string `json:"algorithm"`
	ExpectedHash string `json:"expected_hash"`
	ActualHash   string `json:"actual_hash"`
	EventCount   int    `json:"event_count"`
}

type Exporter struct {
	Ledger    *ledger.Ledger
	Hasher    hasher.Hasher
	MaxEvents int
	Now       func() time.Time
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
}

func (e *Exporter) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Exporter) maxEvents() int {
	if e.MaxEvents <= 0 {
		return DefaultMaxEvents
	}
	return e.MaxEvents
}

func NormalizeFormat(format string) (string, error) {
	switch f := strings.ToLower(strings.TrimSpace(format)); f {
	case "", FormatJSON:
		return FormatJSON, nil
	case FormatCSV:
		return FormatCSV, nil
	default:
		return "", domain.Invalid("unsupported export format %q", format)
	}
}

// Export renders matching events in insertion order with an embedded
// integrity hash, then records the export in the ledger.
func (e *Exporter) Export(ctx context.Context, req Request) (Result, error) {
	format, err := NormalizeFormat(req.Format)
	if err != nil {
		return Result{}, err
	}
	max := e.maxEvents()
	events, err := e.Ledger.Scan(ctx, req.Filter, max+1)
	if err != nil {
		return Result{}, err
	}
	if len(events) > max {
		return Result{}, domain.Invalid("export exceeds %d events; narrow the time range or filters", max)
	}
	head, err := e.Ledger.Head(ctx)
	if err != nil {
		return Result{}, err
	}
	now := e.now()
	manifest := Manifest{
		ExportID:      uuid.NewString(),
		Schema:        Schema,
		Format:        format,
		GeneratedAt:   domain.FormatTime(now),
		GeneratedBy:   req.Actor.ID,
		EventCount:    len(events),
		ChainHeadHash: head,
		Filter:        describeFilter(req.Filter),
	}
	if len(events) > 0 {
		manifest.FirstEventID = events[0].ID
		manifest.LastEventID = events[len(events)-1].ID
	}

	res := Result{
		ID:         manifest.ExportID,
		Format:     format,
		Filename:   fmt.Sprintf("audit-export-%s.%s", now.UTC().Format("20060102T150405Z"), format),
		EventCount: len(events),
	}
	switch format {
	case FormatCSV:
		res.ContentType = "text/csv"
		res.Data, res.IntegrityHash, err = e.renderCSV(manifest, events)
	default:
		res.ContentType = "application/json"
		res.Data, res.IntegrityHash, err = e.renderJSON(manifest, events)
	}
	if err != nil {
		return Result{}, err
	}

	_, err = e.Ledger.Append(ctx, ledger.Record{
		EventType:    domain.EventAuditExported,
		Actor:        req.Actor,
		ResourceType: "audit_export",
		ResourceID:   manifest.ExportID,
		ResourceName: res.Filename,
		Details: map[string]any{
			"format":         format,
			"event_count":    len(events),
			"integrity_hash": res.IntegrityHash,
			"filter":         manifest.Filter,
		},
	})
	if err != nil {
		return Result{}, err
	}
	e.Metrics.Exported(format)
	logging.OrNop(e.Logger).Info("audit trail exported",
		zap.String("export_id", manifest.ExportID),
		zap.String("format", format),
		zap.Int("events", len(events)),
		zap.String("actor_id", req.Actor.ID))
	return res, nil
}

func describeFilter(f ledger.Filter) map[string]string {
	out := map[string]string{}
	if f.EventType != "" {
		out["event_type"] = f.EventType
	}
	if f.ActorID != "" {
		out["actor_id"] = f.ActorID
	}
	if f.ResourceType != "" {
		out["resource_type"] = f.ResourceType
	}
	if f.ResourceID != "" {
		out["resource_id"] = f.ResourceID
	}
	if !f.From.IsZero() {
		out["from"] = domain.FormatTime(f.From)
	}
	if !f.To.IsZero() {
		out["to"] = domain.FormatTime(f.To)
	}
	return out
}

type jsonDocument struct {
	Manifest  json.RawMessage `json:"manifest"`
	Events    json.RawMessage `json:"events"`
	Integrity Integrity       `json:"integrity"`
}

// payloadHash hashes the canonical form of {"manifest", "events"}.
func payloadHash(h hasher.Hasher, manifest, events json.RawMessage) (string, error) {
	canonical, err := h.Canonicalize(map[string]json.RawMessage{"manifest": manifest, "events": events})
	if err != nil {
		return "", err
	}
	return hasher.HashBytes(canonical), nil
}

func (e *Exporter) renderJSON(manifest Manifest, events []domain.Event) ([]byte, string, error) {
	if events == nil {
		events = []domain.Event{}
	}
	m, err := json.Marshal(manifest)
	if err != nil {
		return nil, "", err
	}
	ev, err := json.Marshal(events)
	if err != nil {
		return nil, "", err
	}
	hash, err := payloadHash(e.Hasher, m, ev)
	if err != nil {
		return nil, "", err
	}
	data, err := json.MarshalIndent(jsonDocument{
		Manifest:  m,
		Events:    ev,
		Integrity: Integrity{Algorithm: Algorithm, Hash: hash},
	}, "", "  ")
	if err != nil {
		return nil, "", err
	}
	return append(data, '\n'), hash, nil
}

func (e *Exporter) renderCSV(manifest Manifest, events []domain.Event) ([]byte, string, error) {
	m, err := e.Hasher.Canonicalize(manifest)
	if err != nil {
		return nil, "", err
	}
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	rows := [][]string{{manifestMarker, string(m)}, csvHeader}
	for _, evt := range events {
		rows = append(rows, []string{
			strconv.FormatInt(evt.Seq, 10), evt.ID, evt.EventType, evt.Timestamp,
			evt.Actor.ID, evt.Actor.Email, evt.Actor.IP, evt.Actor.UserAgent,
			evt.ResourceType, evt.ResourceID, evt.ResourceName,
			string(evt.Details), evt.PreviousHash, evt.EventHash,
		})
	}
	if err := w.WriteAll(rows); err != nil {
		return nil, "", err
	}
	hash := hasher.HashBytes(buf.Bytes())
	if err := w.WriteAll([][]string{{integrityMarker, Algorithm, hash}}); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), hash, nil
}

// Verify recomputes the integrity hash embedded in an export. An empty
// format is detected from the payload.
func Verify(h hasher.Hasher, data []byte, format string) (Verification, error) {
	if strings.TrimSpace(format) == "" {
		format = FormatCSV
		if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '{' {
			format = FormatJSON
		}
	}
	format, err := NormalizeFormat(format)
	if err != nil {
		return Verification{}, err
	}
	if format == FormatCSV {
		return verifyCSV(data)
	}
	return verifyJSON(h, data)
}

func verifyJSON(h hasher.Hasher, data []byte) (Verification, error) {
	var doc jsonDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return Verification{}, domain.Invalid("malformed JSON export: %v", err)
	}
	if len(doc.Manifest) == 0 || len(doc.Events) == 0 || doc.Integrity.Hash == "" {
		return Verification{}, domain.Invalid("JSON export is missing manifest, events or integrity")
	}
	if doc.Integrity.Algorithm != Algorithm {
		return Verification{}, domain.Invalid("unsupported integrity algorithm %q", doc.Integrity.Algorithm)
	}
	actual, err := payloadHash(h, doc.Manifest, doc.Events)
	if err != nil {
		return Verification{}, err
	}
	var events []json.RawMessage
	if err := json.Unmarshal(doc.Events, &events); err != nil {
		return Verification{}, domain.Invalid("malformed events: %v", err)
	}
	return Verification{
		Valid:        actual == doc.Integrity.Hash,
		Format:       FormatJSON,
		Algorithm:    Algorithm,
		ExpectedHash: doc.Integrity.Hash,
		ActualHash:   actual,
		EventCount:   len(events),
	}, nil
}

func verifyCSV(data []byte) (Verification, error) {
	idx := bytes.LastIndex(data, []byte(integrityMarker+","))
	if idx < 0 || (idx > 0 && data[idx-1] != '\n') {
		return Verification{}, domain.Invalid("CSV export has no integrity line")
	}
	body := data[:idx]
	trailer := strings.TrimRight(string(data[idx:]), "\r\n")
	parts := strings.Split(trailer, ",")
	if len(parts) != 3 {
		return Verification{}, domain.Invalid("malformed integrity line")
	}
	if parts[1] != Algorithm {
		return Verification{}, domain.Invalid("unsupported integrity algorithm %q", parts[1])
	}
	r := csv.NewReader(bytes.NewReader(body))
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return Verification{}, domain.Invalid("malformed CSV export: %v", err)
	}
	count := 0
	for _, rec := range records {
		if len(rec) == len(csvHeader) && rec[0] != csvHeader[0] {
			count++
		}
	}
	actual := hasher.HashBytes(body)
	return Verification{
		Valid:        actual == parts[2],
		Format:       FormatCSV,
		Algorithm:    Algorithm,
		ExpectedHash: parts[2],
		ActualHash:   actual,
		EventCount:   count,
	}, nil
}

package export_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"attestline/internal/db"
	"attestline/internal/domain"
	"attestline/internal/export"
	"attestline/internal/hasher"
	"attestline/internal/ledger"
	"attestline/internal/migrate"
)

var auditor = domain.Actor{ID: "auditor", Email: "audit@example.com"}

func newTestExporter(t *testing.T, n int) (*export.Exporter, *ledger.Ledger) {
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
	ts := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	l.Now = func() time.Time {
		ts = ts.Add(time.Minute)
		return ts
	}
	for i := 0; i < n; i++ {
		_, err := l.Append(context.Background(), ledger.Record{
			EventType:    domain.EventSignatureInitiated,
			Actor:        domain.Actor{ID: fmt.Sprintf("user-%d", i%2)},
			ResourceType: "signature_challenge",
			ResourceID:   fmt.Sprintf("ch-%d", i),
			Details:      map[string]any{"note": "a,b \"quoted\"\nline <tag>", "i": i},
		})
		require.NoError(t, err)
	}
	return &export.Exporter{Ledger: l}, l
}

func TestJSONExportVerifies(t *testing.T) {
	ex, l := newTestExporter(t, 5)
	ctx := context.Background()
	res, err := ex.Export(ctx, export.Request{Format: "json", Actor: auditor})
	require.NoError(t, err)
	assert.Equal(t, 5, res.EventCount)
	assert.Equal(t, "application/json", res.ContentType)
	assert.True(t, strings.HasSuffix(res.Filename, ".json"))

	v, err := export.Verify(hasher.Hasher{}, res.Data, "")
	require.NoError(t, err)
	assert.True(t, v.Valid)
	assert.Equal(t, export.FormatJSON, v.Format)
	assert.Equal(t, res.IntegrityHash, v.ActualHash)
	assert.Equal(t, 5, v.EventCount)

	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(res.Data, &doc))
	assert.Contains(t, doc, "manifest")
	assert.Contains(t, doc, "integrity")

	page, err := l.Query(ctx, ledger.Filter{EventType: domain.EventAuditExported}, ledger.Page{})
	require.NoError(t, err)
	require.Equal(t, 1, page.Total)
	assert.Equal(t, res.ID, page.Items[0].ResourceID)
	assert.Contains(t, string(page.Items[0].Details), res.IntegrityHash)
}

func TestJSONExportTamperDetected(t *testing.T) {
	ex, _ := newTestExporter(t, 3)
	res, err := ex.Export(context.Background(), export.Request{Format: "json", Actor: auditor})
	require.NoError(t, err)
	tampered := bytes.Replace(res.Data, []byte("ch-1"), []byte("ch-9"), 1)
	require.NotEqual(t, res.Data, tampered)
	v, err := export.Verify(hasher.Hasher{}, tampered, export.FormatJSON)
	require.NoError(t, err)
	assert.False(t, v.Valid)
}

func TestCSVExportVerifies(t *testing.T) {
	ex, _ := newTestExporter(t, 4)
	res, err := ex.Export(context.Background(), export.Request{Format: "CSV", Actor: auditor})
	require.NoError(t, err)
	assert.Equal(t, "text/csv", res.ContentType)
	lines := strings.Split(strings.TrimRight(string(res.Data), "\n"), "\n")
	assert.True(t, strings.HasPrefix(lines[len(lines)-1], "#integrity,sha256,"))
	assert.True(t, strings.HasPrefix(lines[0], "#manifest,"))

	v, err := export.Verify(hasher.Hasher{}, res.Data, "")
	require.NoError(t, err)
	assert.True(t, v.Valid)
	assert.Equal(t, 4, v.EventCount)

	tampered := bytes.Replace(res.Data, []byte("user-1"), []byte("user-7"), 1)
	v, err = export.Verify(hasher.Hasher{}, tampered, export.FormatCSV)
	require.NoError(t, err)
	assert.False(t, v.Valid)
}

func TestExportFilterAndLimits(t *testing.T) {
	ex, _ := newTestExporter(t, 6)
	ctx := context.Background()
	res, err := ex.Export(ctx, export.Request{Format: "json", Actor: auditor, Filter: ledger.Filter{ActorID: "user-0"}})
	require.NoError(t, err)
	assert.Equal(t, 3, res.EventCount)

	ex.MaxEvents = 2
	_, err = ex.Export(ctx, export.Request{Format: "json", Actor: auditor})
	assert.True(t, errors.Is(err, domain.ErrValidation))

	_, err = ex.Export(ctx, export.Request{Format: "xml", Actor: auditor})
	assert.True(t, errors.Is(err, domain.ErrValidation))
}

func TestVerifyRejectsMalformed(t *testing.T) {
	_, err := export.Verify(hasher.Hasher{}, []byte("seq,id\n1,2\n"), export.FormatCSV)
	assert.True(t, errors.Is(err, domain.ErrValidation))
	_, err = export.Verify(hasher.Hasher{}, []byte(`{"manifest":{}}`), export.FormatJSON)
	assert.True(t, errors.Is(err, domain.ErrValidation))
}

package main

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"attestline/internal/domain"
	"attestline/internal/export"
	"attestline/internal/migrate"
)

func run(t *testing.T, workspace string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"-w", workspace}, args...))
	err := root.Execute()
	return out.String(), err
}

func runJSON(t *testing.T, workspace string, v any, args ...string) {
	t.Helper()
	out, err := run(t, workspace, append(args, "--json")...)
	require.NoError(t, err, out)
	require.NoError(t, json.Unmarshal([]byte(out), v), out)
}

func TestSigningCeremonyFromCLI(t *testing.T) {
	ws := t.TempDir()
	out, err := run(t, ws, "init")
	require.NoError(t, err, out)
	assert.Contains(t, out, "Wrote")

	var acct domain.Account
	runJSON(t, ws, &acct, "account", "create", "--id", "u1", "--name", "Alice QA", "--email", "alice@example.com", "--password", "pw-1", "--actor-id", "admin")
	assert.Equal(t, "u1", acct.ID)

	_, err = run(t, ws, "content", "put", "--type", "document", "--id", "P", "--title", "Batch record", "--body", `{"lot":"A-17"}`, "--actor-id", "admin")
	require.NoError(t, err)

	var grant domain.ChallengeGrant
	runJSON(t, ws, &grant, "sign", "initiate", "--type", "document", "--id", "P", "--meaning", "review", "--actor-id", "u1")
	require.NotEmpty(t, grant.Token)
	assert.Equal(t, "Batch record", grant.Title)

	_, err = run(t, ws, "sign", "complete", "--token", grant.Token, "--password", "wrong", "--actor-id", "u1")
	require.ErrorIs(t, err, domain.ErrAuthentication)

	var sig domain.Signature
	runJSON(t, ws, &sig, "sign", "complete", "--token", grant.Token, "--password", "pw-1", "--actor-id", "u1")
	assert.Equal(t, domain.MeaningReview, sig.Meaning)
	assert.Equal(t, "Alice QA", sig.Signer.Name)

	out, err = run(t, ws, "sign", "list", "--type", "document", "--id", "P")
	require.NoError(t, err)
	assert.Contains(t, out, sig.ID)

	var report domain.RangeReport
	runJSON(t, ws, &report, "audit", "verify")
	assert.True(t, report.IsValid)
	assert.Equal(t, report.TotalEvents, report.VerifiedCount)

	file := filepath.Join(ws, "trail.csv")
	_, err = run(t, ws, "audit", "export", "--format", "csv", "--out", file)
	require.NoError(t, err)
	var verification export.Verification
	runJSON(t, ws, &verification, "audit", "verify-export", file)
	assert.True(t, verification.Valid)

	out, err = run(t, ws, "audit", "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "signature.created")
}

func TestRetentionPurgeRequiresAuthorization(t *testing.T) {
	ws := t.TempDir()
	_, err := run(t, ws, "retention", "purge", "--older-than", "1h", "--confirm")
	require.ErrorIs(t, err, domain.ErrValidation)

	_, err = run(t, ws, "retention", "purge", "--confirm", "--authorization", "SOP-12")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "--before"))
}

func TestInitReportsSchemaVersion(t *testing.T) {
	ws := t.TempDir()
	var out struct {
		ConfigWritten bool `json:"config_written"`
		SchemaVersion int  `json:"schema_version"`
	}
	runJSON(t, ws, &out, "init")
	latest, err := migrate.Latest()
	require.NoError(t, err)
	assert.True(t, out.ConfigWritten)
	assert.Equal(t, latest, out.SchemaVersion)
	assert.Equal(t, 3, out.SchemaVersion)

	text, err := run(t, ws, "init")
	require.NoError(t, err)
	assert.Contains(t, text, "Kept existing")
	assert.Contains(t, text, "schema version 3")
}

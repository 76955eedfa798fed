package attestlinesdk

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientSendsAPIKeyAndDecodes(t *testing.T) {
	var gotKey, gotPath string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-Api-Key")
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"challenge":{"id":"c1","user_id":"u1","meaning":"approval","target":{"type":"document","id":"P"}},"token":"tok","title":"Batch record","preview":"{}"}`)
	}))
	defer srv.Close()

	c := New(srv.URL, "atl_key")
	grant, err := c.InitiateSignature(context.Background(), Target{Type: "document", ID: "P"}, "approval", "")
	require.NoError(t, err)
	assert.Equal(t, "atl_key", gotKey)
	assert.Equal(t, "/v1/signatures/challenges", gotPath)
	assert.Equal(t, "approval", gotBody["meaning"])
	assert.NotContains(t, gotBody, "reason")
	assert.Equal(t, "tok", grant.Token)
	assert.Equal(t, "c1", grant.Challenge.ID)
}

func TestClientParsesErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
		io.WriteString(w, `{"error":{"code":"challenge_expired","message":"challenge expired"}}`)
	}))
	defer srv.Close()

	c := New(srv.URL+"/v1/", "")
	c.BearerToken = "jwt"
	_, err := c.CompleteSignature(context.Background(), "tok", "pw")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusGone, apiErr.StatusCode)
	assert.Equal(t, "challenge_expired", apiErr.Code)
}

func TestClientListAndExport(t *testing.T) {
	var gotQuery url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		switch r.URL.Path {
		case "/v1/targets/document/P/signatures":
			io.WriteString(w, `{"items":[{"id":"s1","is_valid":false}]}`)
		case "/v1/audit/export":
			w.Header().Set("Content-Type", "text/csv")
			io.WriteString(w, "#manifest,{}\n")
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := New(srv.URL, "k")
	sigs, err := c.ListSignatures(context.Background(), Target{Type: "document", ID: "P", Version: "3"}, true)
	require.NoError(t, err)
	require.Len(t, sigs, 1)
	assert.Equal(t, "true", gotQuery.Get("include_invalid"))
	assert.Equal(t, "3", gotQuery.Get("version"))

	data, err := c.Export(context.Background(), "csv")
	require.NoError(t, err)
	assert.Equal(t, "#manifest,{}\n", string(data))
	assert.Equal(t, "csv", gotQuery.Get("format"))
}

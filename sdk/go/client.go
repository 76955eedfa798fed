package attestlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Attestline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		Timeout: 10 * time.Second,
	}
}

type Target struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	Version string `json:"version,omitempty"`
}

type Challenge struct {
	ID          string `json:"id"`
	UserID      string `json:"user_id"`
	Meaning     string `json:"meaning"`
	Target      Target `json:"target"`
	ContentHash string `json:"content_hash"`
	ExpiresAt   string `json:"expires_at"`
}

// Grant is returned when a challenge is issued. Token is shown only once.
type Grant struct {
	Challenge Challenge `json:"challenge"`
	Token     string    `json:"token"`
	Title     string    `json:"title"`
	Preview   string    `json:"preview"`
}

type Signer struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
	Title string `json:"title,omitempty"`
}

// Signature represents the API signature model (partial).
type Signature struct {
	ID                  string `json:"id"`
	Target              Target `json:"target"`
	Signer              Signer `json:"signer"`
	Meaning             string `json:"meaning"`
	Reason              string `json:"reason,omitempty"`
	ContentHash         string `json:"content_hash"`
	SignedAt            string `json:"signed_at"`
	TimeSource          string `json:"time_source"`
	PreviousSignatureID string `json:"previous_signature_id,omitempty"`
	IsValid             bool   `json:"is_valid"`
	InvalidationReason  string `json:"invalidation_reason,omitempty"`
}

type Verification struct {
	SignatureID        string   `json:"signature_id"`
	IsValid            bool     `json:"is_valid"`
	ContentChecked     bool     `json:"content_checked"`
	CurrentContentHash string   `json:"current_content_hash,omitempty"`
	Issues             []string `json:"issues"`
}

// Event represents a ledger entry.
type Event struct {
	Seq          int64          `json:"seq"`
	ID           string         `json:"id"`
	EventType    string         `json:"event_type"`
	Timestamp    string         `json:"timestamp"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id"`
	Details      map[string]any `json:"details"`
	PreviousHash string         `json:"previous_hash"`
	EventHash    string         `json:"event_hash"`
}

type EventPage struct {
	Items   []Event `json:"items"`
	Total   int     `json:"total"`
	HasMore bool    `json:"has_more"`
}

type ChainReport struct {
	IsValid        bool   `json:"is_valid"`
	TotalEvents    int    `json:"total_events"`
	VerifiedCount  int    `json:"verified_count"`
	FirstInvalidID string `json:"first_invalid_id,omitempty"`
	Reason         string `json:"reason,omitempty"`
	ChainHeadHash  string `json:"chain_head_hash"`
	Partial        bool   `json:"partial"`
}

// APIError wraps non-2xx responses. Code is taken from the error envelope
// when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s body=%s", e.StatusCode, e.Code, e.Body)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// InitiateSignature requests a signing challenge for target.
func (c *Client) InitiateSignature(ctx context.Context, target Target, meaning, reason string) (Grant, error) {
	body := map[string]any{
		"meaning": meaning,
		"target":  target,
	}
	if reason != "" {
		body["reason"] = reason
	}
	var resp Grant
	err := c.do(ctx, http.MethodPost, "signatures/challenges", body, &resp)
	return resp, err
}

// CompleteSignature re-authenticates with credential and consumes the challenge.
func (c *Client) CompleteSignature(ctx context.Context, token, credential string) (Signature, error) {
	body := map[string]any{
		"token":      token,
		"credential": credential,
	}
	var resp Signature
	err := c.do(ctx, http.MethodPost, "signatures/challenges/complete", body, &resp)
	return resp, err
}

func (c *Client) GetSignature(ctx context.Context, id string) (Signature, error) {
	var resp Signature
	err := c.do(ctx, http.MethodGet, "signatures/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

func (c *Client) VerifySignature(ctx context.Context, id string, verifyContent bool) (Verification, error) {
	var resp Verification
	body := map[string]any{"verify_content": verifyContent}
	err := c.do(ctx, http.MethodPost, "signatures/"+url.PathEscape(id)+"/verify", body, &resp)
	return resp, err
}

func (c *Client) InvalidateSignature(ctx context.Context, id, reason string) (Signature, error) {
	var resp Signature
	body := map[string]any{"reason": reason}
	err := c.do(ctx, http.MethodPost, "signatures/"+url.PathEscape(id)+"/invalidate", body, &resp)
	return resp, err
}

// ListSignatures returns signatures bound to a target, newest first.
func (c *Client) ListSignatures(ctx context.Context, target Target, includeInvalid bool) ([]Signature, error) {
	endpoint := fmt.Sprintf("targets/%s/%s/signatures", url.PathEscape(target.Type), url.PathEscape(target.ID))
	q := url.Values{}
	if target.Version != "" {
		q.Set("version", target.Version)
	}
	if includeInvalid {
		q.Set("include_invalid", "true")
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Items []Signature `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// Events returns a page of audit events matching the given query values
// (event_type, actor_id, resource_type, resource_id, from, to, limit, offset).
func (c *Client) Events(ctx context.Context, query url.Values) (EventPage, error) {
	endpoint := "audit/events"
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	var resp EventPage
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// VerifyChain checks the ledger between two event ids. Empty ids mean the
// start and head of the chain.
func (c *Client) VerifyChain(ctx context.Context, startID, endID string) (ChainReport, error) {
	body := map[string]any{}
	if startID != "" {
		body["start_id"] = startID
	}
	if endID != "" {
		body["end_id"] = endID
	}
	var resp ChainReport
	err := c.do(ctx, http.MethodPost, "audit/verify", body, &resp)
	return resp, err
}

// Export downloads the audit trail in format (json or csv).
func (c *Client) Export(ctx context.Context, format string) ([]byte, error) {
	endpoint := "audit/export"
	if format != "" {
		endpoint += "?format=" + url.QueryEscape(format)
	}
	var buf bytes.Buffer
	err := c.do(ctx, http.MethodGet, endpoint, nil, &buf)
	return buf.Bytes(), err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
		}
		return apiErr
	}
	switch dst := out.(type) {
	case nil:
		return nil
	case io.Writer:
		_, err := io.Copy(dst, resp.Body)
		return err
	default:
		return json.NewDecoder(resp.Body).Decode(out)
	}
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if !strings.HasSuffix(base, "/v1") {
		base += "/v1"
	}
	return base
}

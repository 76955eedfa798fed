// Package timesource provides trusted timestamps for signatures.
package timesource

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"attestline/internal/domain"
)

// Source returns a trusted timestamp and the identifier of its origin.
// Failures wrap domain.ErrServiceUnavailable.
type Source interface {
	Now(ctx context.Context) (time.Time, string, error)
}

const LocalSourceID = "local-clock"

// Local trusts the host clock.
type Local struct {
	Clock func() time.Time
	ID    string
}

func (l Local) Now(ctx context.Context) (time.Time, string, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, "", unavailable(err)
	}
	clock := l.Clock
	if clock == nil {
		clock = time.Now
	}
	id := l.ID
	if id == "" {
		id = LocalSourceID
	}
	return clock().UTC(), id, nil
}

const defaultHTTPTimeout = 3 * time.Second

// HTTP asks a remote time authority that answers GET with
// {"timestamp": "<RFC3339>", "source": "<id>"}.
type HTTP struct {
	URL      string
	SourceID string
	Timeout  time.Duration
	Client   *http.Client
}

type httpResponse struct {
	Timestamp string `json:"timestamp"`
	Source    string `json:"source"`
}

func (h HTTP) Now(ctx context.Context) (time.Time, string, error) {
	timeout := h.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	client := h.Client
	if client == nil {
		client = &http.Client{}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil)
	if err != nil {
		return time.Time{}, "", unavailable(err)
	}
	req.Header.Set("Accept", "application/json")
	res, err := client.Do(req)
	if err != nil {
		return time.Time{}, "", unavailable(err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 1024))
		return time.Time{}, "", unavailable(fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body))))
	}
	var payload httpResponse
	if err := json.NewDecoder(io.LimitReader(res.Body, 64*1024)).Decode(&payload); err != nil {
		return time.Time{}, "", unavailable(fmt.Errorf("decode response: %w", err))
	}
	ts, err := time.Parse(time.RFC3339Nano, payload.Timestamp)
	if err != nil {
		return time.Time{}, "", unavailable(fmt.Errorf("parse timestamp: %w", err))
	}
	id := payload.Source
	if id == "" {
		id = h.SourceID
	}
	if id == "" {
		id = h.URL
	}
	return ts.UTC(), id, nil
}

// Fixed always answers with the same time, or Err when set.
type Fixed struct {
	Time time.Time
	ID   string
	Err  error
}

func (f Fixed) Now(context.Context) (time.Time, string, error) {
	if f.Err != nil {
		return time.Time{}, "", unavailable(f.Err)
	}
	id := f.ID
	if id == "" {
		id = "fixed"
	}
	return f.Time.UTC(), id, nil
}

func unavailable(err error) error {
	return fmt.Errorf("%w: trusted time: %v", domain.ErrServiceUnavailable, err)
}

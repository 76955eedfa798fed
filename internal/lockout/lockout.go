// Package lockout limits repeated failed re-authentication during signing.
package lockout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultMaxFailures = 5
	DefaultWindow      = 15 * time.Minute
)

// Guard tracks failed attempts per user inside a sliding window.
type Guard interface {
	Locked(ctx context.Context, userID string) (bool, error)
	Fail(ctx context.Context, userID string) error
	Reset(ctx context.Context, userID string) error
}

// Nop never locks anyone out.
type Nop struct{}

func (Nop) Locked(context.Context, string) (bool, error) { return false, nil }
func (Nop) Fail(context.Context, string) error           { return nil }
func (Nop) Reset(context.Context, string) error          { return nil }

type entry struct {
	failures int
	expires  time.Time
}

// Memory keeps counters in process; suitable for a single node.
type Memory struct {
	MaxFailures int
	Window      time.Duration
	Now         func() time.Time

	mu      sync.Mutex
	entries map[string]entry
}

func NewMemory(maxFailures int, window time.Duration) *Memory {
	return &Memory{MaxFailures: maxFailures, Window: window, Now: time.Now, entries: map[string]entry{}}
}

func (m *Memory) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m *Memory) current(userID string) entry {
	e, ok := m.entries[userID]
	if !ok {
		return entry{}
	}
	if !m.now().Before(e.expires) {
		delete(m.entries, userID)
		return entry{}
	}
	return e
}

func (m *Memory) Locked(_ context.Context, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current(userID).failures >= limit(m.MaxFailures), nil
}

func (m *Memory) Fail(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entries == nil {
		m.entries = map[string]entry{}
	}
	e := m.current(userID)
	if e.failures == 0 {
		e.expires = m.now().Add(window(m.Window))
	}
	e.failures++
	m.entries[userID] = e
	return nil
}

func (m *Memory) Reset(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, userID)
	return nil
}

// Redis shares counters between nodes. The window starts at the first
// failure and the key expires with it.
type Redis struct {
	Client      *redis.Client
	MaxFailures int
	Window      time.Duration
	Prefix      string
}

func (r Redis) key(userID string) string {
	prefix := r.Prefix
	if prefix == "" {
		prefix = "attestline:reauth:fail:"
	}
	return prefix + userID
}

func (r Redis) Locked(ctx context.Context, userID string) (bool, error) {
	n, err := r.Client.Get(ctx, r.key(userID)).Int()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read lockout counter: %w", err)
	}
	return n >= limit(r.MaxFailures), nil
}

// Fail creates the counter with its expiry and increments it in one
// MULTI/EXEC, so a counter never exists without a TTL.
func (r Redis) Fail(ctx context.Context, userID string) error {
	key := r.key(userID)
	_, err := r.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SetNX(ctx, key, 0, window(r.Window))
		pipe.Incr(ctx, key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("increment lockout counter: %w", err)
	}
	return nil
}

func (r Redis) Reset(ctx context.Context, userID string) error {
	if err := r.Client.Del(ctx, r.key(userID)).Err(); err != nil {
		return fmt.Errorf("reset lockout counter: %w", err)
	}
	return nil
}

func limit(n int) int {
	if n <= 0 {
		return DefaultMaxFailures
	}
	return n
}

func window(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultWindow
	}
	return d
}

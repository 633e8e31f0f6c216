// Package budget tracks per-manifest daily action counters with a hard cap
// enforced under concurrency. Reserve is the authoritative gate: it performs
// a single conditional increment that can never push the counter past the
// cap, regardless of how many requests race.
package budget

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCapReached signals that a reservation would exceed the daily cap.
var ErrCapReached = errors.New("budget: daily cap reached")

// Day formats t as the counter's date key.
func Day(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// Store persists daily action counters keyed by (tenant, manifest_id, day).
type Store interface {
	// Get returns the current count, zero when no row exists. Reads may be
	// stale; Reserve is the authoritative gate.
	Get(ctx context.Context, tenant, manifestID, day string) (int, error)
	// Increment unconditionally upserts and increments, returning the new count.
	Increment(ctx context.Context, tenant, manifestID, day string) (int, error)
	// Reserve increments only while count < cap, returning the new count or
	// ErrCapReached. The conditional update must be atomic.
	Reserve(ctx context.Context, tenant, manifestID, day string, cap int) (int, error)
}

// ─────────────────────────────────────────────────────────────────────────────
// In-memory store
// ─────────────────────────────────────────────────────────────────────────────

// MemoryStore is a mutex-guarded Store for tests and dev mode.
type MemoryStore struct {
	mu     sync.Mutex
	counts map[string]int
}

// NewMemoryStore creates an empty in-memory counter store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{counts: make(map[string]int)}
}

func counterKey(tenant, manifestID, day string) string {
	return tenant + "/" + manifestID + "/" + day
}

func (s *MemoryStore) Get(_ context.Context, tenant, manifestID, day string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[counterKey(tenant, manifestID, day)], nil
}

func (s *MemoryStore) Increment(_ context.Context, tenant, manifestID, day string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := counterKey(tenant, manifestID, day)
	s.counts[key]++
	return s.counts[key], nil
}

func (s *MemoryStore) Reserve(_ context.Context, tenant, manifestID, day string, cap int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := counterKey(tenant, manifestID, day)
	if s.counts[key] >= cap {
		return s.counts[key], ErrCapReached
	}
	s.counts[key]++
	return s.counts[key], nil
}

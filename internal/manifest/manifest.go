// Package manifest loads and normalizes the per-tenant policy manifests the
// gateway enforces. Stored manifest bodies are opaque JSON; the gateway only
// reads known keys and tolerates both legacy and canonical spellings through
// a single normalization step.
package manifest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Lifecycle states. Exactly the most recently created active manifest for a
// (tenant, manifest_id) is selected at evaluation time.
const (
	StatusPending  = "pending"
	StatusActive   = "active"
	StatusInactive = "inactive"
	StatusArchived = "archived"
)

// Manifest is one stored manifest row.
type Manifest struct {
	RowID      string                 `json:"id"`
	Tenant     string                 `json:"tenant"`
	ManifestID string                 `json:"manifest_id"`
	Status     string                 `json:"status"`
	Body       map[string]interface{} `json:"body"`
	CreatedAt  time.Time              `json:"created_at"`
}

// Policy returns the normalized policy view of the manifest body. The stored
// body is never mutated.
func (m *Manifest) Policy() *Policy {
	return normalizePolicy(m.Body)
}

// Tools returns the connector configuration registry keyed by tool name.
func (m *Manifest) Tools() map[string]*ToolConfig {
	return parseTools(asMap(m.Body["tools"]))
}

// DefaultConnector returns the fallback connector config, if configured.
func (m *Manifest) DefaultConnector() *ToolConfig {
	if raw := asMap(m.Body["default_connector"]); raw != nil {
		return parseToolConfig(raw)
	}
	return nil
}

// Store persists manifests. The gateway core only reads; Create and
// SetStatus back the collaborator-facing upload/activate endpoints.
type Store interface {
	Create(ctx context.Context, m *Manifest) error
	SetStatus(ctx context.Context, tenant, rowID, status string) error
	// GetActive returns the newest active row for (tenant, manifestID), or
	// nil if none exists.
	GetActive(ctx context.Context, tenant, manifestID string) (*Manifest, error)
	// GetNewest returns the newest row regardless of status, or nil. Used to
	// distinguish manifest_not_found from manifest_not_active.
	GetNewest(ctx context.Context, tenant, manifestID string) (*Manifest, error)
}

// ─────────────────────────────────────────────────────────────────────────────
// In-memory store
// ─────────────────────────────────────────────────────────────────────────────

// MemoryStore is a mutex-guarded Store for tests and dev mode.
type MemoryStore struct {
	mu   sync.RWMutex
	rows []*Manifest
}

// NewMemoryStore creates an empty in-memory manifest store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Create(_ context.Context, m *Manifest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	if cp.RowID == "" {
		cp.RowID = uuid.NewString()
	}
	if cp.Status == "" {
		cp.Status = StatusPending
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	m.RowID = cp.RowID
	m.Status = cp.Status
	m.CreatedAt = cp.CreatedAt
	s.rows = append(s.rows, &cp)
	return nil
}

func (s *MemoryStore) SetStatus(_ context.Context, tenant, rowID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.rows {
		if row.Tenant == tenant && row.RowID == rowID {
			row.Status = status
			return nil
		}
	}
	return ErrNotFound
}

func (s *MemoryStore) GetActive(_ context.Context, tenant, manifestID string) (*Manifest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.newest(tenant, manifestID, StatusActive), nil
}

func (s *MemoryStore) GetNewest(_ context.Context, tenant, manifestID string) (*Manifest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.newest(tenant, manifestID, ""), nil
}

func (s *MemoryStore) newest(tenant, manifestID, status string) *Manifest {
	var matches []*Manifest
	for _, row := range s.rows {
		if row.Tenant == tenant && row.ManifestID == manifestID && (status == "" || row.Status == status) {
			matches = append(matches, row)
		}
	}
	if len(matches) == 0 {
		return nil
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].CreatedAt.After(matches[j].CreatedAt)
	})
	cp := *matches[0]
	return &cp
}

// Package approval persists escalation records and enforces their one-shot
// consumption. An approval is created when the policy engine escalates, is
// approved or denied by an operator, and is consumed at most once by an
// execute carrying the matching override token.
package approval

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/uapk/gateway/internal/core"
)

// Approval statuses.
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusDenied   = "denied"
	StatusExpired  = "expired"
)

var (
	ErrNotFound        = errors.New("approval: not found")
	ErrNotPending      = errors.New("approval: not pending")
	ErrAlreadyConsumed = errors.New("approval: already consumed")
)

// Approval freezes an escalated action so a later override token can be
// checked against exactly what was approved.
type Approval struct {
	ApprovalID            string                 `json:"approval_id"`
	Tenant                string                 `json:"tenant"`
	InteractionID         string                 `json:"interaction_id"`
	ManifestID            string                 `json:"manifest_id"`
	AgentID               string                 `json:"agent_id"`
	Action                core.Action            `json:"action"`
	Counterparty          *core.Counterparty     `json:"counterparty,omitempty"`
	Context               map[string]interface{} `json:"context,omitempty"`
	ReasonCodes           []string               `json:"reason_codes"`
	ActionHash            string                 `json:"action_hash"`
	Status                string                 `json:"status"`
	ExpiresAt             time.Time              `json:"expires_at"`
	ConsumedAt            *time.Time             `json:"consumed_at,omitempty"`
	ConsumedInteractionID string                 `json:"consumed_interaction_id,omitempty"`
	Approver              string                 `json:"approver,omitempty"`
	ApprovedAt            *time.Time             `json:"approved_at,omitempty"`
	CreatedAt             time.Time              `json:"created_at"`
}

// Expired reports whether the approval's redemption window has closed.
// Expiry is observed at read time; rows are not rewritten to "expired".
func (a *Approval) Expired(now time.Time) bool {
	return now.After(a.ExpiresAt)
}

// Store persists approvals. SetStatus resolves a pending row only; resolving
// an already-resolved approval fails with ErrNotPending, so concurrent
// approvals cannot each mint an override token. Consume must be a conditional
// single-row update: a second consumption of the same row fails with
// ErrAlreadyConsumed without mutating state.
type Store interface {
	Create(ctx context.Context, a *Approval) error
	Get(ctx context.Context, tenant, approvalID string) (*Approval, error)
	SetStatus(ctx context.Context, tenant, approvalID, status, approver string) error
	Consume(ctx context.Context, tenant, approvalID, interactionID string) error
	ListPending(ctx context.Context, tenant string) ([]*Approval, error)
}

// ─────────────────────────────────────────────────────────────────────────────
// In-memory store
// ─────────────────────────────────────────────────────────────────────────────

// MemoryStore is a mutex-guarded Store for tests and dev mode.
type MemoryStore struct {
	mu        sync.Mutex
	approvals map[string]*Approval // tenant + "/" + approvalID
	clock     func() time.Time
}

// NewMemoryStore creates an empty in-memory approval store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{approvals: make(map[string]*Approval), clock: time.Now}
}

// WithClock overrides the time source, for tests.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.clock = clock
	return s
}

func approvalKey(tenant, approvalID string) string { return tenant + "/" + approvalID }

func (s *MemoryStore) Create(_ context.Context, a *Approval) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.Status == "" {
		a.Status = StatusPending
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.clock().UTC()
	}
	cp := *a
	s.approvals[approvalKey(a.Tenant, a.ApprovalID)] = &cp
	return nil
}

func (s *MemoryStore) Get(_ context.Context, tenant, approvalID string) (*Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.approvals[approvalKey(tenant, approvalID)]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) SetStatus(_ context.Context, tenant, approvalID, status, approver string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.approvals[approvalKey(tenant, approvalID)]
	if !ok {
		return ErrNotFound
	}
	if a.Status != StatusPending {
		return ErrNotPending
	}
	a.Status = status
	if status == StatusApproved {
		a.Approver = approver
		now := s.clock().UTC()
		a.ApprovedAt = &now
	}
	return nil
}

func (s *MemoryStore) Consume(_ context.Context, tenant, approvalID, interactionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.approvals[approvalKey(tenant, approvalID)]
	if !ok {
		return ErrNotFound
	}
	if a.ConsumedAt != nil {
		return ErrAlreadyConsumed
	}
	now := s.clock().UTC()
	a.ConsumedAt = &now
	a.ConsumedInteractionID = interactionID
	return nil
}

func (s *MemoryStore) ListPending(_ context.Context, tenant string) ([]*Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Approval
	for _, a := range s.approvals {
		if a.Tenant == tenant && a.Status == StatusPending {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

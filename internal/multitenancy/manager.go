package multitenancy

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// ============================================================================
// MULTI-TENANT SUPPORT
// ============================================================================

// Tenant is one isolated organization using the gateway. Every store keys its
// rows by tenant id; a request can never read or write another tenant's state.
type Tenant struct {
	TenantID  string    `json:"tenant_id"`
	Name      string    `json:"name"`
	Status    string    `json:"status"` // active | suspended
	CreatedAt time.Time `json:"created_at"`
}

// APIKey is the stored half of an issued key. The secret itself is returned
// once at creation time and only its bcrypt hash is kept.
type APIKey struct {
	KeyID     string    `json:"key_id"`
	TenantID  string    `json:"tenant_id"`
	Name      string    `json:"name"`
	KeyHash   string    `json:"-"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

// ErrInvalidKey is returned for any key that fails to authenticate. The cause
// (bad format, unknown id, wrong secret, revoked) is deliberately collapsed so
// callers cannot probe which ids exist.
var ErrInvalidKey = errors.New("multitenancy: invalid api key")

// ErrTenantNotFound is returned when a tenant id does not exist.
var ErrTenantNotFound = errors.New("multitenancy: tenant not found")

// Store persists tenants and API keys.
type Store interface {
	CreateTenant(ctx context.Context, t *Tenant) error
	GetTenant(ctx context.Context, tenantID string) (*Tenant, error)
	SetTenantStatus(ctx context.Context, tenantID, status string) error
	CreateAPIKey(ctx context.Context, k *APIKey) error
	GetAPIKey(ctx context.Context, keyID string) (*APIKey, error)
	RevokeAPIKey(ctx context.Context, keyID string) error
}

const keyPrefix = "uapk_"

// Manager issues and validates tenant API keys.
type Manager struct {
	store Store
}

// NewManager creates a tenant manager over the given store.
func NewManager(store Store) *Manager {
	return &Manager{store: store}
}

// ============================================================================
// TENANT OPERATIONS
// ============================================================================

// CreateTenant registers a new active tenant.
func (m *Manager) CreateTenant(ctx context.Context, tenantID, name string) (*Tenant, error) {
	tenant := &Tenant{
		TenantID:  tenantID,
		Name:      name,
		Status:    "active",
		CreatedAt: time.Now().UTC(),
	}
	if err := m.store.CreateTenant(ctx, tenant); err != nil {
		return nil, err
	}
	return tenant, nil
}

// LoadTenant validates and loads a tenant, ensuring it is active.
func (m *Manager) LoadTenant(ctx context.Context, tenantID string) (*Tenant, error) {
	tenant, err := m.store.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if tenant == nil {
		return nil, ErrTenantNotFound
	}
	if tenant.Status != "active" {
		return nil, fmt.Errorf("multitenancy: tenant is %s", tenant.Status)
	}
	return tenant, nil
}

// SetTenantStatus updates a tenant's status ("active" or "suspended").
func (m *Manager) SetTenantStatus(ctx context.Context, tenantID, status string) error {
	return m.store.SetTenantStatus(ctx, tenantID, status)
}

// ============================================================================
// API KEY MANAGEMENT
// ============================================================================

// CreateAPIKey creates a new API key with format: uapk_<id>.<secret>.
// The id half is stored in clear for lookup; only the secret half is hashed.
func (m *Manager) CreateAPIKey(ctx context.Context, tenantID, name string) (*APIKey, string, error) {
	idBytes := make([]byte, 8)
	if _, err := rand.Read(idBytes); err != nil {
		return nil, "", err
	}
	keyID := hex.EncodeToString(idBytes) // 16 chars

	secretBytes := make([]byte, 24)
	if _, err := rand.Read(secretBytes); err != nil {
		return nil, "", err
	}
	secret := hex.EncodeToString(secretBytes) // 48 chars

	fullKey := fmt.Sprintf("%s%s.%s", keyPrefix, keyID, secret)

	secretHash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", err
	}

	apiKey := &APIKey{
		KeyID:     keyID,
		TenantID:  tenantID,
		Name:      name,
		KeyHash:   string(secretHash),
		IsActive:  true,
		CreatedAt: time.Now().UTC(),
	}
	if err := m.store.CreateAPIKey(ctx, apiKey); err != nil {
		return nil, "", err
	}
	return apiKey, fullKey, nil
}

// ValidateAPIKey validates a full key and returns its tenant.
func (m *Manager) ValidateAPIKey(ctx context.Context, fullKey string) (*Tenant, error) {
	if !strings.HasPrefix(fullKey, keyPrefix) {
		return nil, ErrInvalidKey
	}
	parts := strings.Split(strings.TrimPrefix(fullKey, keyPrefix), ".")
	if len(parts) != 2 {
		return nil, ErrInvalidKey
	}
	keyID, secret := parts[0], parts[1]

	apiKey, err := m.store.GetAPIKey(ctx, keyID)
	if err != nil {
		return nil, fmt.Errorf("multitenancy: key lookup: %w", err)
	}
	if apiKey == nil || !apiKey.IsActive {
		return nil, ErrInvalidKey
	}
	if err := bcrypt.CompareHashAndPassword([]byte(apiKey.KeyHash), []byte(secret)); err != nil {
		return nil, ErrInvalidKey
	}
	return m.LoadTenant(ctx, apiKey.TenantID)
}

// RevokeAPIKey deactivates a key; subsequent validations fail.
func (m *Manager) RevokeAPIKey(ctx context.Context, keyID string) error {
	return m.store.RevokeAPIKey(ctx, keyID)
}

// ============================================================================
// CONTEXT HELPERS
// ============================================================================

type contextKey string

const tenantIDKey contextKey = "tenant_id"

// WithTenant adds the authenticated tenant id to the request context.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantIDKey, tenantID)
}

// TenantID extracts the authenticated tenant id from the context.
func TenantID(ctx context.Context) (string, error) {
	id, ok := ctx.Value(tenantIDKey).(string)
	if !ok || id == "" {
		return "", errors.New("multitenancy: tenant context missing")
	}
	return id, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// In-memory store
// ─────────────────────────────────────────────────────────────────────────────

// MemoryStore is a mutex-guarded Store for tests and dev mode.
type MemoryStore struct {
	mu      sync.RWMutex
	tenants map[string]*Tenant
	keys    map[string]*APIKey
}

// NewMemoryStore creates an empty in-memory tenant store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tenants: make(map[string]*Tenant),
		keys:    make(map[string]*APIKey),
	}
}

func (s *MemoryStore) CreateTenant(_ context.Context, t *Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tenants[t.TenantID]; ok {
		return fmt.Errorf("multitenancy: tenant %s already exists", t.TenantID)
	}
	cp := *t
	s.tenants[t.TenantID] = &cp
	return nil
}

func (s *MemoryStore) GetTenant(_ context.Context, tenantID string) (*Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tenants[tenantID]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) SetTenantStatus(_ context.Context, tenantID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[tenantID]
	if !ok {
		return ErrTenantNotFound
	}
	t.Status = status
	return nil
}

func (s *MemoryStore) CreateAPIKey(_ context.Context, k *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *k
	s.keys[k.KeyID] = &cp
	return nil
}

func (s *MemoryStore) GetAPIKey(_ context.Context, keyID string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[keyID]
	if !ok {
		return nil, nil
	}
	cp := *k
	return &cp, nil
}

func (s *MemoryStore) RevokeAPIKey(_ context.Context, keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[keyID]
	if !ok {
		return ErrInvalidKey
	}
	k.IsActive = false
	return nil
}

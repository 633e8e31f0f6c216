package token

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/uapk/gateway/internal/cache"
)

// Issuer statuses.
const (
	IssuerActive  = "active"
	IssuerRevoked = "revoked"
)

// Store errors.
var (
	ErrIssuerExists   = errors.New("token: issuer already registered")
	ErrIssuerNotFound = errors.New("token: issuer not found")
)

// Issuer is a per-tenant record of a registered token signer.
type Issuer struct {
	Tenant       string    `json:"tenant"`
	IssuerID     string    `json:"issuer_id"`
	PublicKeyB64 string    `json:"public_key"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
}

// PublicKey decodes the stored base64 Ed25519 public key.
func (i *Issuer) PublicKey() (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(i.PublicKeyB64)
	if err != nil {
		return nil, fmt.Errorf("token: decode issuer key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("token: issuer key must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// IssuerStore persists registered issuers. Register refuses duplicates;
// Revoke is a status change observed by the policy engine.
type IssuerStore interface {
	Resolver
	Register(ctx context.Context, issuer *Issuer) error
	Revoke(ctx context.Context, tenant, issuerID string) error
	List(ctx context.Context, tenant string) ([]*Issuer, error)
}

// ─────────────────────────────────────────────────────────────────────────────
// In-memory issuer store
// ─────────────────────────────────────────────────────────────────────────────

// MemoryIssuerStore is a mutex-guarded IssuerStore for tests and dev mode.
type MemoryIssuerStore struct {
	mu      sync.RWMutex
	issuers map[string]*Issuer // tenant + "/" + issuerID
}

// NewMemoryIssuerStore creates an empty in-memory issuer store.
func NewMemoryIssuerStore() *MemoryIssuerStore {
	return &MemoryIssuerStore{issuers: make(map[string]*Issuer)}
}

func issuerKey(tenant, issuerID string) string { return tenant + "/" + issuerID }

func (s *MemoryIssuerStore) Register(_ context.Context, issuer *Issuer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := issuerKey(issuer.Tenant, issuer.IssuerID)
	if _, exists := s.issuers[key]; exists {
		return ErrIssuerExists
	}
	cp := *issuer
	if cp.Status == "" {
		cp.Status = IssuerActive
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	s.issuers[key] = &cp
	return nil
}

func (s *MemoryIssuerStore) ResolveIssuer(_ context.Context, tenant, issuerID string) (*Issuer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	issuer, ok := s.issuers[issuerKey(tenant, issuerID)]
	if !ok {
		return nil, nil
	}
	cp := *issuer
	return &cp, nil
}

func (s *MemoryIssuerStore) Revoke(_ context.Context, tenant, issuerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	issuer, ok := s.issuers[issuerKey(tenant, issuerID)]
	if !ok {
		return ErrIssuerNotFound
	}
	issuer.Status = IssuerRevoked
	return nil
}

func (s *MemoryIssuerStore) List(_ context.Context, tenant string) ([]*Issuer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Issuer
	for _, issuer := range s.issuers {
		if issuer.Tenant == tenant {
			cp := *issuer
			out = append(out, &cp)
		}
	}
	return out, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Cached resolver
// ─────────────────────────────────────────────────────────────────────────────

// CachedResolver wraps an IssuerStore with a bounded-TTL cache so hot-path
// token verification does not hit the store on every request. Revocations
// propagate within the TTL window; Revoke callers should invalidate.
type CachedResolver struct {
	store IssuerStore
	cache cache.Client
	ttl   time.Duration
}

// NewCachedResolver creates a resolver caching issuer rows for ttl.
func NewCachedResolver(store IssuerStore, c cache.Client, ttl time.Duration) *CachedResolver {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &CachedResolver{store: store, cache: c, ttl: ttl}
}

func (r *CachedResolver) cacheKey(tenant, issuerID string) string {
	return "uapk:issuer:" + tenant + ":" + issuerID
}

func (r *CachedResolver) ResolveIssuer(ctx context.Context, tenant, issuerID string) (*Issuer, error) {
	key := r.cacheKey(tenant, issuerID)
	if data, err := r.cache.Get(ctx, key); err == nil {
		var issuer Issuer
		if json.Unmarshal(data, &issuer) == nil {
			return &issuer, nil
		}
	}

	issuer, err := r.store.ResolveIssuer(ctx, tenant, issuerID)
	if err != nil || issuer == nil {
		return issuer, err
	}
	if data, err := json.Marshal(issuer); err == nil {
		_ = r.cache.Set(ctx, key, data, r.ttl)
	}
	return issuer, nil
}

// Invalidate drops a cached issuer row, forcing the next resolution to read
// through. Called after Revoke.
func (r *CachedResolver) Invalidate(ctx context.Context, tenant, issuerID string) {
	_ = r.cache.Del(ctx, r.cacheKey(tenant, issuerID))
}

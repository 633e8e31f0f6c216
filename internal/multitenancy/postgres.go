package multitenancy

import (
	"context"
	"database/sql"
	"fmt"
)

// ─────────────────────────────────────────────────────────────────────────────
// Postgres store
// ─────────────────────────────────────────────────────────────────────────────

// PostgresStore persists tenants and API keys in the tenants/api_keys tables.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) CreateTenant(ctx context.Context, t *Tenant) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tenants (tenant_id, name, status, created_at)
		 VALUES ($1, $2, $3, $4)`,
		t.TenantID, t.Name, t.Status, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("multitenancy: create tenant: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTenant(ctx context.Context, tenantID string) (*Tenant, error) {
	var t Tenant
	err := s.db.QueryRowContext(ctx,
		`SELECT tenant_id, name, status, created_at
		 FROM tenants WHERE tenant_id = $1`,
		tenantID).Scan(&t.TenantID, &t.Name, &t.Status, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("multitenancy: get tenant: %w", err)
	}
	return &t, nil
}

func (s *PostgresStore) SetTenantStatus(ctx context.Context, tenantID, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tenants SET status = $2 WHERE tenant_id = $1`,
		tenantID, status)
	if err != nil {
		return fmt.Errorf("multitenancy: set tenant status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTenantNotFound
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, k *APIKey) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO api_keys (key_id, tenant_id, name, key_hash, is_active, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		k.KeyID, k.TenantID, k.Name, k.KeyHash, k.IsActive, k.CreatedAt)
	if err != nil {
		return fmt.Errorf("multitenancy: create api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAPIKey(ctx context.Context, keyID string) (*APIKey, error) {
	var k APIKey
	err := s.db.QueryRowContext(ctx,
		`SELECT key_id, tenant_id, name, key_hash, is_active, created_at
		 FROM api_keys WHERE key_id = $1`,
		keyID).Scan(&k.KeyID, &k.TenantID, &k.Name, &k.KeyHash, &k.IsActive, &k.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("multitenancy: get api key: %w", err)
	}
	return &k, nil
}

func (s *PostgresStore) RevokeAPIKey(ctx context.Context, keyID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET is_active = FALSE WHERE key_id = $1`,
		keyID)
	if err != nil {
		return fmt.Errorf("multitenancy: revoke api key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrInvalidKey
	}
	return nil
}

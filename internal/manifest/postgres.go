package manifest

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PostgresStore persists manifests in the manifests table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store over an open connection pool.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Create(ctx context.Context, m *Manifest) error {
	if m.RowID == "" {
		m.RowID = uuid.NewString()
	}
	if m.Status == "" {
		m.Status = StatusPending
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	body, err := json.Marshal(m.Body)
	if err != nil {
		return fmt.Errorf("manifest: encode body: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO manifests (id, tenant, manifest_id, status, body, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		m.RowID, m.Tenant, m.ManifestID, m.Status, body, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("manifest: insert: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetStatus(ctx context.Context, tenant, rowID, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE manifests SET status = $3 WHERE tenant = $1 AND id = $2`,
		tenant, rowID, status)
	if err != nil {
		return fmt.Errorf("manifest: set status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetActive(ctx context.Context, tenant, manifestID string) (*Manifest, error) {
	return s.getNewest(ctx, tenant, manifestID, StatusActive)
}

func (s *PostgresStore) GetNewest(ctx context.Context, tenant, manifestID string) (*Manifest, error) {
	return s.getNewest(ctx, tenant, manifestID, "")
}

func (s *PostgresStore) getNewest(ctx context.Context, tenant, manifestID, status string) (*Manifest, error) {
	query := `SELECT id, tenant, manifest_id, status, body, created_at
		 FROM manifests WHERE tenant = $1 AND manifest_id = $2`
	args := []interface{}{tenant, manifestID}
	if status != "" {
		query += ` AND status = $3`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC LIMIT 1`

	var m Manifest
	var body []byte
	err := s.db.QueryRowContext(ctx, query, args...).
		Scan(&m.RowID, &m.Tenant, &m.ManifestID, &m.Status, &body, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("manifest: query: %w", err)
	}
	if err := json.Unmarshal(body, &m.Body); err != nil {
		return nil, fmt.Errorf("manifest: decode body: %w", err)
	}
	return &m, nil
}

package token

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// PostgresIssuerStore persists issuers in the issuers table.
type PostgresIssuerStore struct {
	db *sql.DB
}

// NewPostgresIssuerStore creates a store over an open connection pool.
func NewPostgresIssuerStore(db *sql.DB) *PostgresIssuerStore {
	return &PostgresIssuerStore{db: db}
}

func (s *PostgresIssuerStore) Register(ctx context.Context, issuer *Issuer) error {
	status := issuer.Status
	if status == "" {
		status = IssuerActive
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO issuers (tenant, issuer_id, public_key, status) VALUES ($1, $2, $3, $4)`,
		issuer.Tenant, issuer.IssuerID, issuer.PublicKeyB64, status)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrIssuerExists
		}
		return fmt.Errorf("token: register issuer: %w", err)
	}
	return nil
}

func (s *PostgresIssuerStore) ResolveIssuer(ctx context.Context, tenant, issuerID string) (*Issuer, error) {
	var issuer Issuer
	err := s.db.QueryRowContext(ctx,
		`SELECT tenant, issuer_id, public_key, status, created_at
		 FROM issuers WHERE tenant = $1 AND issuer_id = $2`,
		tenant, issuerID).
		Scan(&issuer.Tenant, &issuer.IssuerID, &issuer.PublicKeyB64, &issuer.Status, &issuer.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("token: resolve issuer: %w", err)
	}
	return &issuer, nil
}

func (s *PostgresIssuerStore) Revoke(ctx context.Context, tenant, issuerID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE issuers SET status = $3 WHERE tenant = $1 AND issuer_id = $2`,
		tenant, issuerID, IssuerRevoked)
	if err != nil {
		return fmt.Errorf("token: revoke issuer: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrIssuerNotFound
	}
	return nil
}

func (s *PostgresIssuerStore) List(ctx context.Context, tenant string) ([]*Issuer, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tenant, issuer_id, public_key, status, created_at
		 FROM issuers WHERE tenant = $1 ORDER BY created_at`,
		tenant)
	if err != nil {
		return nil, fmt.Errorf("token: list issuers: %w", err)
	}
	defer rows.Close()

	var out []*Issuer
	for rows.Next() {
		var issuer Issuer
		if err := rows.Scan(&issuer.Tenant, &issuer.IssuerID, &issuer.PublicKeyB64, &issuer.Status, &issuer.CreatedAt); err != nil {
			return nil, fmt.Errorf("token: scan issuer: %w", err)
		}
		out = append(out, &issuer)
	}
	return out, rows.Err()
}

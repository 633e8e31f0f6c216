package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// PostgresStore persists records in the interaction_records table. Chain
// linearization per (tenant, manifest_id) is enforced by a unique partial
// index on previous_record_hash: a racing insert with the same predecessor
// violates it and surfaces as ErrChainConflict for the caller to retry.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store over an open connection pool.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const recordColumns = `record_id, tenant, manifest_id, agent_id, action_type, tool,
	decision, executed, request, request_hash, reasons_json, policy_trace_json,
	risk_snapshot_json, result, result_hash, duration_ms, previous_record_hash,
	record_hash, gateway_signature, created_at`

func (s *PostgresStore) Insert(ctx context.Context, r *Record) error {
	if r.RecordID == "" {
		r.RecordID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO interaction_records (`+recordColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
		r.RecordID, r.Tenant, r.ManifestID, r.AgentID, r.ActionType, r.Tool,
		r.Decision, r.Executed, nullableJSON(r.Request), r.RequestHash, r.ReasonsJSON,
		r.PolicyTraceJSON, r.RiskSnapshotJSON, nullableJSON(r.Result), r.ResultHash,
		r.DurationMS, r.PreviousRecordHash, r.RecordHash,
		r.GatewaySignature, r.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrChainConflict
		}
		return fmt.Errorf("audit: insert: %w", err)
	}
	return nil
}

func (s *PostgresStore) Tail(ctx context.Context, tenant, manifestID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM interaction_records
		 WHERE tenant = $1 AND manifest_id = $2
		 ORDER BY created_at DESC, record_id DESC LIMIT 1`,
		tenant, manifestID)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

func (s *PostgresStore) List(ctx context.Context, tenant, manifestID string, limit int) ([]*Record, error) {
	query := `SELECT ` + recordColumns + ` FROM interaction_records
		 WHERE tenant = $1 AND manifest_id = $2
		 ORDER BY created_at ASC, record_id ASC`
	args := []interface{}{tenant, manifestID}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: list: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Get(ctx context.Context, tenant, recordID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM interaction_records
		 WHERE tenant = $1 AND record_id = $2`,
		tenant, recordID)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row scanner) (*Record, error) {
	var r Record
	var request, result []byte
	var resultHash, previousHash sql.NullString
	var durationMS sql.NullInt64
	err := row.Scan(
		&r.RecordID, &r.Tenant, &r.ManifestID, &r.AgentID, &r.ActionType, &r.Tool,
		&r.Decision, &r.Executed, &request, &r.RequestHash, &r.ReasonsJSON,
		&r.PolicyTraceJSON, &r.RiskSnapshotJSON, &result, &resultHash,
		&durationMS, &previousHash, &r.RecordHash,
		&r.GatewaySignature, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	r.Request = request
	r.Result = result
	if resultHash.Valid {
		r.ResultHash = &resultHash.String
	}
	if durationMS.Valid {
		r.DurationMS = &durationMS.Int64
	}
	if previousHash.Valid {
		r.PreviousRecordHash = &previousHash.String
	}
	return &r, nil
}

func nullableJSON(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}

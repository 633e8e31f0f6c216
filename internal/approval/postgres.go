package approval

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/uapk/gateway/internal/core"
)

// PostgresStore persists approvals in the approvals table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store over an open connection pool.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// approvalColumns is the full select list. approvalInsertColumns is the
// subset Create writes; the rest carry server-side defaults.
const approvalColumns = `tenant, approval_id, interaction_id, manifest_id, agent_id,
	action, counterparty, request_context, reason_codes, action_hash,
	status, expires_at, consumed_at, consumed_interaction_id,
	approver, approved_at, created_at`

const approvalInsertColumns = `tenant, approval_id, interaction_id, manifest_id, agent_id,
	action, counterparty, request_context, reason_codes, action_hash,
	status, expires_at, created_at`

func (s *PostgresStore) Create(ctx context.Context, a *Approval) error {
	if a.Status == "" {
		a.Status = StatusPending
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	action, err := json.Marshal(a.Action)
	if err != nil {
		return fmt.Errorf("approval: encode action: %w", err)
	}
	var counterparty []byte
	if a.Counterparty != nil {
		if counterparty, err = json.Marshal(a.Counterparty); err != nil {
			return fmt.Errorf("approval: encode counterparty: %w", err)
		}
	}
	var reqContext []byte
	if a.Context != nil {
		if reqContext, err = json.Marshal(a.Context); err != nil {
			return fmt.Errorf("approval: encode context: %w", err)
		}
	}
	reasons, err := json.Marshal(a.ReasonCodes)
	if err != nil {
		return fmt.Errorf("approval: encode reason codes: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO approvals (`+approvalInsertColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		a.Tenant, a.ApprovalID, a.InteractionID, a.ManifestID, a.AgentID,
		action, nullableBytes(counterparty), nullableBytes(reqContext), reasons, a.ActionHash,
		a.Status, a.ExpiresAt, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("approval: insert: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, tenant, approvalID string) (*Approval, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+approvalColumns+` FROM approvals
		 WHERE tenant = $1 AND approval_id = $2`,
		tenant, approvalID)
	a, err := scanApproval(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

// SetStatus resolves a pending approval. The WHERE status = 'pending' guard
// makes the transition conditional: when two operators race, one affects zero
// rows and gets ErrNotPending, so only a single resolution can mint a token.
func (s *PostgresStore) SetStatus(ctx context.Context, tenant, approvalID, status, approver string) error {
	var res sql.Result
	var err error
	if status == StatusApproved {
		res, err = s.db.ExecContext(ctx,
			`UPDATE approvals SET status = $3, approver = $4, approved_at = NOW()
			 WHERE tenant = $1 AND approval_id = $2 AND status = $5`,
			tenant, approvalID, status, approver, StatusPending)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE approvals SET status = $3
			 WHERE tenant = $1 AND approval_id = $2 AND status = $4`,
			tenant, approvalID, status, StatusPending)
	}
	if err != nil {
		return fmt.Errorf("approval: set status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists bool
		if err := s.db.QueryRowContext(ctx,
			`SELECT TRUE FROM approvals WHERE tenant = $1 AND approval_id = $2`,
			tenant, approvalID).Scan(&exists); errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return ErrNotPending
	}
	return nil
}

// Consume performs the one-shot transition. The WHERE consumed_at IS NULL
// guard makes the update conditional: a racing replayer affects zero rows
// and gets ErrAlreadyConsumed.
func (s *PostgresStore) Consume(ctx context.Context, tenant, approvalID, interactionID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE approvals
		 SET consumed_at = NOW(), consumed_interaction_id = $3
		 WHERE tenant = $1 AND approval_id = $2 AND consumed_at IS NULL`,
		tenant, approvalID, interactionID)
	if err != nil {
		return fmt.Errorf("approval: consume: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists bool
		if err := s.db.QueryRowContext(ctx,
			`SELECT TRUE FROM approvals WHERE tenant = $1 AND approval_id = $2`,
			tenant, approvalID).Scan(&exists); errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return ErrAlreadyConsumed
	}
	return nil
}

func (s *PostgresStore) ListPending(ctx context.Context, tenant string) ([]*Approval, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+approvalColumns+` FROM approvals
		 WHERE tenant = $1 AND status = $2
		 ORDER BY created_at DESC`,
		tenant, StatusPending)
	if err != nil {
		return nil, fmt.Errorf("approval: list pending: %w", err)
	}
	defer rows.Close()

	var out []*Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanApproval(row scanner) (*Approval, error) {
	var a Approval
	var action, counterparty, reqContext, reasons []byte
	var consumedAt, approvedAt sql.NullTime
	var consumedInteraction, approver sql.NullString
	err := row.Scan(
		&a.Tenant, &a.ApprovalID, &a.InteractionID, &a.ManifestID, &a.AgentID,
		&action, &counterparty, &reqContext, &reasons, &a.ActionHash,
		&a.Status, &a.ExpiresAt, &consumedAt, &consumedInteraction,
		&approver, &approvedAt, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(action, &a.Action); err != nil {
		return nil, fmt.Errorf("approval: decode action: %w", err)
	}
	if len(counterparty) > 0 {
		a.Counterparty = &core.Counterparty{}
		if err := json.Unmarshal(counterparty, a.Counterparty); err != nil {
			return nil, fmt.Errorf("approval: decode counterparty: %w", err)
		}
	}
	if len(reqContext) > 0 {
		if err := json.Unmarshal(reqContext, &a.Context); err != nil {
			return nil, fmt.Errorf("approval: decode context: %w", err)
		}
	}
	if err := json.Unmarshal(reasons, &a.ReasonCodes); err != nil {
		return nil, fmt.Errorf("approval: decode reason codes: %w", err)
	}
	if consumedAt.Valid {
		t := consumedAt.Time
		a.ConsumedAt = &t
	}
	a.ConsumedInteractionID = consumedInteraction.String
	a.Approver = approver.String
	if approvedAt.Valid {
		t := approvedAt.Time
		a.ApprovedAt = &t
	}
	return &a, nil
}

func nullableBytes(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}

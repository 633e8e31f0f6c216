package budget

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresStore persists counters in the action_counters table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store over an open connection pool.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Get(ctx context.Context, tenant, manifestID, day string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT count FROM action_counters
		 WHERE tenant = $1 AND manifest_id = $2 AND day = $3`,
		tenant, manifestID, day).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("budget: read counter: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) Increment(ctx context.Context, tenant, manifestID, day string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO action_counters (tenant, manifest_id, day, count)
		 VALUES ($1, $2, $3, 1)
		 ON CONFLICT (tenant, manifest_id, day)
		 DO UPDATE SET count = action_counters.count + 1
		 RETURNING count`,
		tenant, manifestID, day).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("budget: increment: %w", err)
	}
	return count, nil
}

// Reserve is a single round-trip conditional upsert. The WHERE clause on the
// conflict arm makes the increment a no-op once the cap is hit, in which case
// RETURNING yields no row and the reservation is denied.
func (s *PostgresStore) Reserve(ctx context.Context, tenant, manifestID, day string, cap int) (int, error) {
	if cap < 1 {
		return 0, ErrCapReached
	}
	var count int
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO action_counters (tenant, manifest_id, day, count)
		 VALUES ($1, $2, $3, 1)
		 ON CONFLICT (tenant, manifest_id, day)
		 DO UPDATE SET count = action_counters.count + 1
		 WHERE action_counters.count < $4
		 RETURNING count`,
		tenant, manifestID, day, cap).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrCapReached
	}
	if err != nil {
		return 0, fmt.Errorf("budget: reserve: %w", err)
	}
	return count, nil
}

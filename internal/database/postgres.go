// Package database opens the gateway's Postgres connection and manages the
// persisted-state schema. All keyed state is partitioned by tenant; the
// stores in the domain packages run their queries through the *sql.DB
// returned here.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq" // Postgres driver
)

// Open connects to Postgres and verifies connectivity.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("database: open: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("database: ping: %w", err)
	}

	slog.Info("Postgres connected")
	return db, nil
}

// Schema holds the logical tables and the indexes required by the stores.
// Statements are idempotent so EnsureSchema can run at every startup. It is
// exported so each store's tests can check the columns its SQL names against
// the DDL that actually creates them.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS tenants (
		tenant_id   TEXT PRIMARY KEY,
		name        TEXT NOT NULL DEFAULT '',
		status      TEXT NOT NULL DEFAULT 'active',
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS api_keys (
		key_id      TEXT PRIMARY KEY,
		tenant_id   TEXT NOT NULL,
		name        TEXT NOT NULL DEFAULT '',
		key_hash    TEXT NOT NULL,
		is_active   BOOLEAN NOT NULL DEFAULT TRUE,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS manifests (
		id          TEXT PRIMARY KEY,
		tenant      TEXT NOT NULL,
		manifest_id TEXT NOT NULL,
		status      TEXT NOT NULL,
		body        JSONB NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS manifests_lookup
		ON manifests (tenant, manifest_id, status, created_at)`,
	`CREATE TABLE IF NOT EXISTS issuers (
		tenant      TEXT NOT NULL,
		issuer_id   TEXT NOT NULL,
		public_key  TEXT NOT NULL,
		status      TEXT NOT NULL DEFAULT 'active',
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (tenant, issuer_id)
	)`,
	`CREATE TABLE IF NOT EXISTS approvals (
		approval_id             TEXT NOT NULL,
		tenant                  TEXT NOT NULL,
		interaction_id          TEXT NOT NULL DEFAULT '',
		manifest_id             TEXT NOT NULL,
		agent_id                TEXT NOT NULL,
		action                  JSONB NOT NULL,
		action_hash             TEXT NOT NULL,
		counterparty            JSONB,
		request_context         JSONB,
		reason_codes            JSONB NOT NULL,
		status                  TEXT NOT NULL DEFAULT 'pending',
		expires_at              TIMESTAMPTZ NOT NULL,
		consumed_at             TIMESTAMPTZ,
		consumed_interaction_id TEXT,
		approver                TEXT NOT NULL DEFAULT '',
		approved_at             TIMESTAMPTZ,
		created_at              TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (tenant, approval_id)
	)`,
	`CREATE TABLE IF NOT EXISTS interaction_records (
		record_id            TEXT PRIMARY KEY,
		tenant               TEXT NOT NULL,
		manifest_id          TEXT NOT NULL,
		agent_id             TEXT NOT NULL,
		action_type          TEXT NOT NULL,
		tool                 TEXT NOT NULL DEFAULT '',
		request              JSONB,
		request_hash         TEXT NOT NULL,
		decision             TEXT NOT NULL,
		executed             BOOLEAN NOT NULL DEFAULT FALSE,
		reasons_json         TEXT NOT NULL,
		policy_trace_json    TEXT NOT NULL,
		risk_snapshot_json   TEXT NOT NULL DEFAULT 'null',
		result               JSONB,
		result_hash          TEXT,
		duration_ms          BIGINT,
		previous_record_hash TEXT,
		record_hash          TEXT NOT NULL,
		gateway_signature    TEXT NOT NULL,
		created_at           TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS interaction_records_chain
		ON interaction_records (tenant, manifest_id, created_at)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS interaction_records_tail
		ON interaction_records (tenant, manifest_id, previous_record_hash)
		WHERE previous_record_hash IS NOT NULL`,
	`CREATE TABLE IF NOT EXISTS action_counters (
		tenant      TEXT NOT NULL,
		manifest_id TEXT NOT NULL,
		day         DATE NOT NULL,
		count       INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (tenant, manifest_id, day)
	)`,
}

// EnsureSchema creates missing tables and indexes.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range Schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("database: ensure schema: %w", err)
		}
	}
	return nil
}

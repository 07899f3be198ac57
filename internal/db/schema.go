package db

import (
	"context"
	"fmt"
)

// schemaStatements mirrors the teacher's EventStore.CreateTables approach
// (db/event_store.go, db/state_store.go): a flat, idempotent list of raw
// DDL executed in order at process start.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS catalog_entries (
		catalog_id BIGINT PRIMARY KEY,
		resource_type TEXT NOT NULL,
		resource_path TEXT NOT NULL,
		resource_version TEXT NOT NULL,
		source TEXT NOT NULL DEFAULT 'inline',
		resource_location TEXT,
		content_fingerprint TEXT NOT NULL,
		payload JSONB NOT NULL,
		meta JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (resource_path, resource_version)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_catalog_path ON catalog_entries (resource_path)`,
	`CREATE INDEX IF NOT EXISTS idx_catalog_type ON catalog_entries (resource_type)`,

	`CREATE TABLE IF NOT EXISTS credentials (
		credential_key TEXT PRIMARY KEY,
		credential_type TEXT NOT NULL,
		provider TEXT NOT NULL DEFAULT 'credential_store',
		payload JSONB NOT NULL,
		meta JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS executions (
		execution_id BIGINT PRIMARY KEY,
		resource_path TEXT NOT NULL,
		resource_version TEXT NOT NULL,
		parent_execution_id BIGINT,
		workload JSONB NOT NULL DEFAULT '{}',
		ctx JSONB NOT NULL DEFAULT '{}',
		step_results JSONB NOT NULL DEFAULT '{}',
		step_event_ids JSONB NOT NULL DEFAULT '{}',
		status TEXT NOT NULL DEFAULT 'pending',
		started_at TIMESTAMPTZ,
		finished_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_executions_parent ON executions (parent_execution_id)`,

	`CREATE TABLE IF NOT EXISTS events (
		event_id BIGINT PRIMARY KEY,
		execution_id BIGINT NOT NULL,
		parent_event_id BIGINT,
		event_type TEXT NOT NULL,
		node_name TEXT,
		node_instance TEXT,
		status TEXT,
		payload JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_events_execution ON events (execution_id, event_id)`,
	`CREATE INDEX IF NOT EXISTS idx_events_type ON events (event_type)`,

	`CREATE TABLE IF NOT EXISTS event_claims (
		event_id BIGINT NOT NULL,
		worker_id TEXT NOT NULL,
		claimed_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (event_id)
	)`,

	`CREATE TABLE IF NOT EXISTS queue_jobs (
		queue_id BIGINT PRIMARY KEY,
		execution_id BIGINT NOT NULL,
		catalog_id BIGINT,
		action JSONB NOT NULL,
		status TEXT NOT NULL DEFAULT 'queued',
		attempts INT NOT NULL DEFAULT 0,
		max_attempts INT NOT NULL DEFAULT 1,
		priority INT NOT NULL DEFAULT 0,
		available_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		lease_expires_at TIMESTAMPTZ,
		worker_id TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_queue_lease_candidates ON queue_jobs (status, available_at, priority DESC, queue_id)`,
	`CREATE INDEX IF NOT EXISTS idx_queue_execution ON queue_jobs (execution_id)`,

	`CREATE TABLE IF NOT EXISTS loop_states (
		execution_id BIGINT NOT NULL,
		step_name TEXT NOT NULL,
		event_id BIGINT NOT NULL,
		collection JSONB NOT NULL DEFAULT '[]',
		index INT NOT NULL DEFAULT 0,
		count INT NOT NULL DEFAULT 0,
		results JSONB NOT NULL DEFAULT '[]',
		version INT NOT NULL DEFAULT 0,
		completed BOOLEAN NOT NULL DEFAULT false,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (execution_id, step_name, event_id)
	)`,

	`CREATE TABLE IF NOT EXISTS keychain_entries (
		credential_name TEXT NOT NULL,
		execution_id BIGINT NOT NULL,
		secret_payload JSONB NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL,
		accessed_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		access_count INT NOT NULL DEFAULT 1,
		PRIMARY KEY (credential_name, execution_id)
	)`,
}

// Migrate applies every schema statement in order. Safe to call on every
// process start; every statement is idempotent (IF NOT EXISTS).
func Migrate(ctx context.Context, pg *Postgres) error {
	for i, stmt := range schemaStatements {
		if _, err := pg.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("db: migration statement %d: %w", i, err)
		}
	}
	return nil
}

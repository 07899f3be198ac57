// Package db wraps the pgx connection pool used by every Postgres-backed
// subsystem (catalog, event log, queue, loop state, keychain), grounded on
// the teacher's db/postgres_pgx.go pgxpool wrapper.
package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres wraps a pgxpool.Pool with the narrow set of operations the
// core subsystems need.
type Postgres struct {
	pool *pgxpool.Pool
}

// Open creates the pool and verifies connectivity with a ping, matching
// NewPostgresDB's behavior in the teacher.
func Open(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("db: creating pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db: ping: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Close releases all pooled connections.
func (p *Postgres) Close() {
	p.pool.Close()
}

// Pool exposes the underlying pgxpool for callers that need transactions
// or batch operations beyond this wrapper's surface.
func (p *Postgres) Pool() *pgxpool.Pool { return p.pool }

// Exec runs a statement that returns no rows.
func (p *Postgres) Exec(ctx context.Context, sql string, args ...interface{}) (pgx.CommandTag, error) {
	return p.pool.Exec(ctx, sql, args...)
}

// Query runs a statement returning rows.
func (p *Postgres) Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
	return p.pool.Query(ctx, sql, args...)
}

// QueryRow runs a statement expected to return at most one row.
func (p *Postgres) QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row {
	return p.pool.QueryRow(ctx, sql, args...)
}

// BeginTx starts a transaction, used by operations (Lease, Register) that
// must read-then-write atomically.
func (p *Postgres) BeginTx(ctx context.Context) (pgx.Tx, error) {
	return p.pool.Begin(ctx)
}

package tool

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"noetl.io/noetl/internal/noetlerr"
)

// Postgres runs a query against an arbitrary target database, using the
// step's `postgres`-typed auth alias for connection parameters (§6
// credential type `postgres`: db_host/port/name/user/password/sslmode).
// Grounded on internal/db/postgres.go's pgx wrapper, generalized from a
// single shared pool to a per-request connection since each invocation
// may target a different database entirely.
type Postgres struct{}

func NewPostgres() *Postgres { return &Postgres{} }

func (p *Postgres) Kind() string { return "postgres" }

func (p *Postgres) Run(ctx context.Context, req Request) (Outcome, error) {
	query, _ := req.Config["query"].(string)
	if query == "" {
		return Outcome{}, noetlerr.Validation("postgres: config.query is required")
	}

	auth, ok := req.Auth["default"]
	if !ok {
		for _, a := range req.Auth {
			auth = a
			ok = true
			break
		}
	}
	if !ok || auth.Type != "postgres" {
		return Outcome{}, noetlerr.Validation("postgres: a postgres-typed auth alias is required")
	}

	dsn := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		auth.Fields["user"], auth.Fields["password"], auth.Fields["db_host"],
		auth.Fields["db_port"], auth.Fields["db_name"], sslmodeOrDefault(auth.Fields["sslmode"]))

	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return Outcome{Retryable: true}, noetlerr.TransientInfra(fmt.Sprintf("postgres: connecting: %v", err), err)
	}
	defer conn.Close(ctx)

	rows, err := conn.Query(ctx, query)
	if err != nil {
		return Outcome{Retryable: true}, noetlerr.TransientInfra(fmt.Sprintf("postgres: query failed: %v", err), err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	var results []map[string]any
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return Outcome{}, noetlerr.Tool(fmt.Sprintf("postgres: scanning row: %v", err), err)
		}
		row := make(map[string]any, len(fields))
		for i, f := range fields {
			row[string(f.Name)] = values[i]
		}
		results = append(results, row)
	}
	if err := rows.Err(); err != nil {
		return Outcome{Retryable: true}, noetlerr.TransientInfra(fmt.Sprintf("postgres: reading rows: %v", err), err)
	}

	return Outcome{Result: map[string]any{"rows": results, "row_count": len(results)}}, nil
}

func sslmodeOrDefault(mode string) string {
	if mode == "" {
		return "disable"
	}
	return mode
}

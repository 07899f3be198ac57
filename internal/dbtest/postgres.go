// Package dbtest provides a Postgres testcontainer for integration tests
// across catalog, eventlog, queue, and loopstate, grounded on the
// teacher's containers/testing package style (a setup func returning a
// connection string plus a deferred Cleanup), adapted to use the
// dedicated testcontainers-go/modules/postgres helper instead of the
// teacher's generic-container-plus-wait.ForLog recipe, since the module
// already does readiness-waiting and gives a typed ConnectionString call.
package dbtest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"noetl.io/noetl/internal/db"
)

// Cleanup terminates the container. Safe to call via defer even if setup
// failed partway through.
type Cleanup func()

// StartPostgres launches an ephemeral Postgres 17 container, opens a pool
// against it, and applies the schema migration, returning a ready-to-use
// *db.Postgres. Intended for `//go:build integration` test files only.
func StartPostgres(ctx context.Context, t *testing.T) (*db.Postgres, Cleanup) {
	t.Helper()

	container, err := postgres.Run(ctx, "postgres:17",
		postgres.WithDatabase("noetl_test"),
		postgres.WithUsername("noetl"),
		postgres.WithPassword("noetl"),
		postgres.BasicWaitStrategies(),
		wait.ForListeningPort("5432/tcp").WithStartupTimeout(60*time.Second),
	)
	if err != nil {
		t.Fatalf("dbtest: starting postgres container: %v", err)
	}

	cleanup := func() {
		if err := container.Terminate(ctx); err != nil {
			fmt.Printf("dbtest: warning: failed to terminate postgres container: %v\n", err)
		}
	}

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		cleanup()
		t.Fatalf("dbtest: resolving connection string: %v", err)
	}

	pg, err := db.Open(ctx, dsn)
	if err != nil {
		cleanup()
		t.Fatalf("dbtest: opening pool: %v", err)
	}

	if err := db.Migrate(ctx, pg); err != nil {
		pg.Close()
		cleanup()
		t.Fatalf("dbtest: migrating schema: %v", err)
	}

	return pg, func() {
		pg.Close()
		cleanup()
	}
}

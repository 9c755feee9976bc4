// Package testutil starts throwaway backing stores for store tests.
package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ticketdesk/boxoffice/common/database"
	"github.com/ticketdesk/boxoffice/webhook/migrations"
)

// Postgres starts a migrated PostgreSQL container and returns a pool
// connected to it. The test is skipped under -short or when no container
// runtime is available.
func Postgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	connStr := PostgresURL(t)

	if err := database.MigrateUp(migrations.FS, migrations.Dir, connStr); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}

	pool, err := database.NewPostgresPool(context.Background(), database.PostgresConfig{URL: connStr, MaxConns: 20})
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

// PostgresURL starts an empty PostgreSQL container and returns its
// connection string. Skips like Postgres.
func PostgresURL(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}

	ctx := context.Background()
	container, err := startContainer(ctx)
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get connection string: %v", err)
	}
	return connStr
}

func startContainer(ctx context.Context) (c *postgres.PostgresContainer, err error) {
	// testcontainers panics when no Docker host can be found.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("testcontainers: %v", r)
		}
	}()
	return postgres.Run(ctx,
		"postgres:17-alpine",
		postgres.WithDatabase("boxoffice_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
}

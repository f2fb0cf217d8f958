package testutil

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/audithero/velro-backend-sub004/internal/common/config"
	"github.com/audithero/velro-backend-sub004/internal/infra/db"
	"github.com/audithero/velro-backend-sub004/internal/infra/migrations"
)

var (
	once           sync.Once
	sharedDB       *db.DB
	dbErr          error
	migrationsDone bool
	mu             sync.Mutex
)

// Stable advisory lock so only one package resets/runs migrations at a time.
const advisoryLockID int64 = 0x76_65_6C_72_6F_61_7A

func getConfig() config.DatabaseConfig {
	port, err := strconv.Atoi(envOr("AUTHZ_TEST_DB_PORT", "5432"))
	if err != nil {
		port = 5432
	}

	return config.DatabaseConfig{
		Host:            envOr("AUTHZ_TEST_DB_HOST", "localhost"),
		Port:            port,
		User:            envOr("AUTHZ_TEST_DB_USER", "postgres"),
		Password:        envOr("AUTHZ_TEST_DB_PASSWORD", "postgres"),
		Database:        os.Getenv("AUTHZ_TEST_DB"),
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: 5 * time.Minute,
		MaxConnIdleTime: 5 * time.Minute,
	}
}

// GetDB returns the shared test database, skipping the caller when
// AUTHZ_TEST_DB is unset. The snapshot tier is a materialized view, so
// these tests need a real postgres rather than a fake store.
func GetDB(t *testing.T) *db.DB {
	t.Helper()

	if os.Getenv("AUTHZ_TEST_DB") == "" {
		t.Skip("set AUTHZ_TEST_DB to run postgres-backed tests")
	}

	mu.Lock()
	defer mu.Unlock()

	once.Do(func() {
		sharedDB, dbErr = db.New(getConfig())
	})
	require.NoError(t, dbErr)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	// Serialize schema reset + migrations across packages.
	conn, err := sharedDB.Pool.Acquire(ctx)
	require.NoError(t, err)
	defer conn.Release()

	_, err = conn.Exec(ctx, "SELECT pg_advisory_lock($1)", advisoryLockID)
	require.NoError(t, err)
	defer func() { _, _ = conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", advisoryLockID) }()

	if !migrationsDone {
		resetPublicSchema(t, ctx, sharedDB)

		err = migrations.Run(ctx, sharedDB.Pool)
		require.NoError(t, err, "Failed to run migrations")
		migrationsDone = true
	}

	truncateAll(t, sharedDB)

	return sharedDB
}

func resetPublicSchema(t *testing.T, ctx context.Context, database *db.DB) {
	t.Helper()

	_, err := database.Pool.Exec(ctx, `DROP SCHEMA IF EXISTS public CASCADE`)
	require.NoError(t, err)

	_, err = database.Pool.Exec(ctx, `CREATE SCHEMA public`)
	require.NoError(t, err)

	_, _ = database.Pool.Exec(ctx, `GRANT ALL ON SCHEMA public TO postgres`)
	_, _ = database.Pool.Exec(ctx, `GRANT ALL ON SCHEMA public TO public`)
}

func truncateAll(t *testing.T, database *db.DB) {
	t.Helper()
	ctx := context.Background()

	tables := []string{
		"audit_events",
		"scope_versions",
		"generations",
		"project_shares",
		"team_memberships",
		"projects",
		"teams",
		"users",
	}

	for _, table := range tables {
		q := fmt.Sprintf("TRUNCATE TABLE %s CASCADE", table)
		if _, err := database.Pool.Exec(ctx, q); err != nil {
			t.Logf("Warning: failed to truncate table %s: %v", table, err)
		}
	}

	// Rebuild the (now empty) flattened view so rows seeded by an earlier
	// test cannot leak into this one.
	if _, err := database.Pool.Exec(ctx, `REFRESH MATERIALIZED VIEW project_access_flat`); err != nil {
		t.Logf("Warning: failed to refresh project_access_flat: %v", err)
	}
}

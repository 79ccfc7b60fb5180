package testutil

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DBIntegrationEnv gates every test that needs a live Postgres.
const DBIntegrationEnv = "RUN_DB_INTEGRATION"

// TestDSN builds the integration database URL from the POSTGRES_* variables.
func TestDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		getEnv("POSTGRES_USER", "premium"),
		getEnv("POSTGRES_PASSWORD", "premium"),
		getEnv("POSTGRES_HOST", "localhost"),
		getEnv("POSTGRES_PORT", "5432"),
		getEnv("POSTGRES_DB", "premium_test"),
		getEnv("POSTGRES_SSLMODE", "disable"),
	)
}

// SetupTestDB skips t unless DBIntegrationEnv is set or the database is
// unreachable, and closes the pool when t finishes.
func SetupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if os.Getenv(DBIntegrationEnv) == "" {
		t.Skipf("set %s=1 to run", DBIntegrationEnv)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, TestDSN())
	if err != nil {
		t.Skipf("db connection failed: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		t.Skipf("db ping failed: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

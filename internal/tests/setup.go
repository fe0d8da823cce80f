package tests

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/careline/server/internal/db"
)

// Tables is every table the service writes, in truncation order
var Tables = []string{"oauth_tokens", "oauth_clients", "scheduled_callbacks", "call_records"}

// OpenTestDB connects to DATABASE_URL and applies the embedded migrations.
// The test is skipped when DATABASE_URL is unset.
func OpenTestDB(t *testing.T) *sql.DB {
	t.Helper()

	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set; skipping integration test")
	}

	ctx := context.Background()
	database, err := db.Open(ctx, url, db.DefaultPoolOptions(), zerolog.Nop())
	require.NoError(t, err, "database open must succeed; check DATABASE_URL and that test DB exists")
	t.Cleanup(func() { database.Close() })

	require.NoError(t, db.Migrate(ctx, database), "migrations must run successfully")
	return database
}

// TruncateAll empties every table for a clean test state
func TruncateAll(ctx context.Context, database *sql.DB) error {
	for _, table := range Tables {
		if _, err := database.ExecContext(ctx, "TRUNCATE TABLE "+table+" RESTART IDENTITY CASCADE"); err != nil {
			return fmt.Errorf("truncate %s: %w", table, err)
		}
	}
	return nil
}

// Reset truncates all tables and fails the test on error
func Reset(t *testing.T, database *sql.DB) {
	t.Helper()
	require.NoError(t, TruncateAll(context.Background(), database))
}

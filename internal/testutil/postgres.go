// Package testutil provides helpers for tests that need real infrastructure.
package testutil

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/victornm/codeduel/migrations"
)

// Postgres connects to the database in TEST_POSTGRES_DSN, creates a throwaway schema with the
// migrations applied and drops it at the end of the test. The test is skipped when the variable is unset.
func Postgres(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	schema := "test_" + strings.ReplaceAll(uuid.NewString(), "-", "")

	admin, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err, "should be able to connect to postgres")
	_, err = admin.Exec(ctx, fmt.Sprintf("CREATE SCHEMA %s", schema))
	require.NoError(t, err, "should be able to create schema")

	u, err := url.Parse(dsn)
	require.NoError(t, err, "TEST_POSTGRES_DSN should be a postgres:// URL")
	q := u.Query()
	q.Set("search_path", schema)
	u.RawQuery = q.Encode()

	require.NoError(t, migrations.Up(u.String()), "should be able to apply migrations")

	db, err := pgxpool.New(ctx, u.String())
	require.NoError(t, err)

	t.Cleanup(func() {
		db.Close()
		_, _ = admin.Exec(context.Background(), fmt.Sprintf("DROP SCHEMA %s CASCADE", schema))
		admin.Close()
	})

	return db
}

package database

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMigrate_Postgres(t *testing.T) {
	if testing.Short() {
		t.Skip()
	}
	dsn := os.Getenv("CERTS_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CERTS_TEST_POSTGRES_DSN not set")
	}

	// applying twice is a no-op
	require.NoError(t, Migrate(dsn))
	require.NoError(t, Migrate(dsn))

	db, err := New(context.Background(), Config{DSN: dsn, MaxConns: 2})
	require.NoError(t, err)
	defer db.Close()

	var version int
	var dirty bool
	require.NoError(t, db.QueryRow(context.Background(),
		`SELECT version, dirty FROM schema_migrations`).Scan(&version, &dirty))
	require.Equal(t, 1, version)
	require.False(t, dirty)
}

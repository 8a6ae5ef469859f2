package postgres_test

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"marketspine/storage/postgres"
	"marketspine/storage/storagetest"
)

// TestPostgresEngineContract only runs when SPINE_TEST_POSTGRES_URL is set,
// since it needs a live PostgreSQL instance; CI without one simply skips.
func TestPostgresEngineContract(t *testing.T) {
	dsn := os.Getenv("SPINE_TEST_POSTGRES_URL")
	if dsn == "" {
		t.Skip("SPINE_TEST_POSTGRES_URL not set, skipping postgres storage contract test")
	}

	engine, err := postgres.Open(context.Background(), dsn)
	require.NoError(t, err)
	defer engine.Close()

	storagetest.Run(t, engine)
}

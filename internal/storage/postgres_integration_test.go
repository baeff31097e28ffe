//go:build integration

package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"polyglot-exec/internal/config"
	"polyglot-exec/internal/execution"
)

// Run with: DATABASE_URL=postgres://... go test -tags integration ./internal/storage/
func TestPostgresRoundTrip(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pg, err := NewPostgres(ctx, config.DatabaseConfig{DSN: dsn, MaxOpenConns: 4})
	require.NoError(t, err)
	defer pg.Close()
	require.NoError(t, pg.Healthy(ctx))

	id, err := pg.Create(ctx, newRec("it-user", "PYTHON", "print('hi')"))
	require.NoError(t, err)

	_, err = pg.Get(ctx, "not-a-uuid")
	assert.ErrorIs(t, err, ErrNotFound)

	got, err := pg.Update(ctx, id, execution.Outcome{Status: execution.StatusSuccess, Stdout: "hi\n", DurationMs: 12})
	require.NoError(t, err)
	assert.Equal(t, execution.StatusSuccess, got.Status)
	require.NotNil(t, got.ExecutedAt)
	assert.Equal(t, "print('hi')", got.Code)

	recent, err := pg.ListRecent(ctx, 5)
	require.NoError(t, err)
	require.NotEmpty(t, recent)
	assert.Equal(t, id, recent[0].ID)
}

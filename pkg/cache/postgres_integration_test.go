//go:build integration

package cache_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/illmade-knight/go-liveboard/pkg/cache"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresBackend_Integration(t *testing.T) {
	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	t.Cleanup(cancel)

	backend, err := cache.NewPostgresBackend(ctx, &cache.PostgresConfig{DSN: dsn, CompactEvery: 3}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })
	require.NoError(t, backend.Clear(ctx))

	t.Run("Set overwrites and Get returns the latest value", func(t *testing.T) {
		require.NoError(t, backend.Set(ctx, "board:LHD", []byte("first"), time.Minute))
		require.NoError(t, backend.Set(ctx, "board:LHD", []byte("second"), time.Minute))

		got, err := backend.Get(ctx, "board:LHD")
		require.NoError(t, err)
		assert.Equal(t, []byte("second"), got)
	})

	t.Run("Expired row is a miss and is not counted", func(t *testing.T) {
		require.NoError(t, backend.Set(ctx, "short", []byte("v"), time.Millisecond))
		time.Sleep(10 * time.Millisecond)

		n, err := backend.Len(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n, "Only board:LHD should be live")

		_, err = backend.Get(ctx, "short")
		assert.ErrorIs(t, err, cache.ErrMiss)
	})

	t.Run("Compact removes expired rows only", func(t *testing.T) {
		require.NoError(t, backend.Set(ctx, "stale", []byte("v"), time.Millisecond))
		time.Sleep(10 * time.Millisecond)

		removed, err := backend.Compact(ctx)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, removed, int64(1))

		_, err = backend.Get(ctx, "board:LHD")
		assert.NoError(t, err)
	})

	t.Run("Migrations are idempotent", func(t *testing.T) {
		again, err := cache.NewPostgresBackend(ctx, &cache.PostgresConfig{DSN: dsn}, zerolog.Nop())
		require.NoError(t, err)
		_ = again.Close()
	})
}

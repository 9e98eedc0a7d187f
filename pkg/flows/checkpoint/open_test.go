package checkpoint_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/flowstack/pkg/flows/checkpoint"
	"github.com/randalmurphal/flowstack/pkg/flows/config"
)

func TestOpen(t *testing.T) {
	ctx := context.Background()

	t.Run("no backend", func(t *testing.T) {
		s, err := checkpoint.Open(ctx, config.StoreConfig{})
		require.NoError(t, err)
		assert.Nil(t, s)
	})

	t.Run("memory", func(t *testing.T) {
		s, err := checkpoint.Open(ctx, config.StoreConfig{Backend: "memory"})
		require.NoError(t, err)
		defer s.Close()
		assert.IsType(t, &checkpoint.MemorySaver{}, s)
	})

	t.Run("sqlite", func(t *testing.T) {
		s, err := checkpoint.Open(ctx, config.StoreConfig{Backend: "sqlite"})
		require.NoError(t, err)
		defer s.Close()
		assert.IsType(t, &checkpoint.SQLiteSaver{}, s)
	})

	t.Run("redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		s, err := checkpoint.Open(ctx, config.StoreConfig{Backend: "redis", URL: "redis://" + mr.Addr()})
		require.NoError(t, err)
		defer s.Close()
		assert.IsType(t, &checkpoint.RedisSaver{}, s)
	})

	t.Run("postgres without dsn", func(t *testing.T) {
		_, err := checkpoint.Open(ctx, config.StoreConfig{Backend: "postgres"})
		assert.ErrorContains(t, err, "requires dsn")
	})

	t.Run("unknown", func(t *testing.T) {
		_, err := checkpoint.Open(ctx, config.StoreConfig{Backend: "etcd"})
		assert.ErrorContains(t, err, "unknown checkpoint backend")
	})

	t.Run("custom", func(t *testing.T) {
		checkpoint.RegisterBackend("custom", func(context.Context, config.StoreConfig) (checkpoint.Saver, error) {
			return checkpoint.NewMemorySaver(), nil
		})
		assert.Contains(t, checkpoint.Backends(), "custom")
		s, err := checkpoint.Open(ctx, config.StoreConfig{Backend: "custom"})
		require.NoError(t, err)
		assert.NotNil(t, s)
	})
}

package config_test

import (
	"testing"
	"time"

	"github.com/randalmurphal/flowstack/pkg/flows/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestParseRunConfig_Defaults verifies defaults for an empty config.
func TestParseRunConfig_Defaults(t *testing.T) {
	rc, err := config.ParseRunConfig(config.New(nil))
	require.NoError(t, err)

	assert.Equal(t, config.DefaultRecursionLimit, rc.RecursionLimit)
	assert.Equal(t, config.StreamValues, rc.StreamMode)
	assert.Equal(t, config.ExecutorGoroutine, rc.Executor)
	assert.Nil(t, rc.InterruptBefore)
	assert.Empty(t, rc.Checkpoint.Backend)
}

// TestParseRunConfig_AllOptions verifies every recognized option is read.
func TestParseRunConfig_AllOptions(t *testing.T) {
	rc, err := config.ParseRunConfig(config.New(map[string]any{
		"thread_id":        "t",
		"thread_ts":        "ts",
		"recursion_limit":  3,
		"interrupt_before": "*",
		"interrupt_after":  []any{"a", "b"},
		"stream_mode":      "debug",
		"debug":            true,
		"max_concurrency":  4,
		"executor":         "pool",
		"checkpoint": map[string]any{
			"backend": "redis",
			"url":     "redis://localhost:6379",
			"ttl":     "1h",
		},
	}))
	require.NoError(t, err)

	assert.Equal(t, "t", rc.ThreadID)
	assert.Equal(t, "ts", rc.ThreadTS)
	assert.Equal(t, 3, rc.RecursionLimit)
	assert.True(t, config.IsAll(rc.InterruptBefore))
	assert.Equal(t, []string{"a", "b"}, rc.InterruptAfter)
	assert.Equal(t, config.StreamDebug, rc.StreamMode)
	assert.True(t, rc.Debug)
	assert.Equal(t, 4, rc.MaxConcurrency)
	assert.Equal(t, config.ExecutorPool, rc.Executor)
	assert.Equal(t, "redis", rc.Checkpoint.Backend)
	assert.Equal(t, time.Hour, rc.Checkpoint.TTL)
}

// TestParseRunConfig_Invalid verifies all problems are reported together.
func TestParseRunConfig_Invalid(t *testing.T) {
	_, err := config.ParseRunConfig(config.New(map[string]any{
		"recursion_limit":  0,
		"stream_mode":      "bogus",
		"executor":         "threads",
		"interrupt_before": 42,
	}))
	require.Error(t, err)
	assert.ErrorContains(t, err, "recursion_limit")
	assert.ErrorContains(t, err, "stream_mode")
	assert.ErrorContains(t, err, "executor")
	assert.ErrorContains(t, err, "interrupt_before")
}

// TestIsAll verifies the wildcard is found anywhere in a selection.
func TestIsAll(t *testing.T) {
	assert.True(t, config.IsAll([]string{"*"}))
	assert.True(t, config.IsAll([]string{"a", "*"}))
	assert.False(t, config.IsAll([]string{"a", "b"}))
	assert.False(t, config.IsAll(nil))
}

// TestParseStoreConfig verifies the path alias for dsn.
func TestParseStoreConfig(t *testing.T) {
	sc := config.ParseStoreConfig(config.New(map[string]any{
		"checkpoint": map[string]any{"backend": "sqlite", "path": "/tmp/ckpt.db"},
	}))
	assert.Equal(t, config.StoreConfig{Backend: "sqlite", DSN: "/tmp/ckpt.db"}, sc)

	assert.Equal(t, config.StoreConfig{}, config.ParseStoreConfig(config.New(nil)))
}

package config

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// DefaultRecursionLimit bounds the number of supersteps of one invocation.
const DefaultRecursionLimit = 25

// All selects every node for interrupt_before / interrupt_after.
const All = "*"

// Stream modes.
const (
	StreamValues  = "values"
	StreamUpdates = "updates"
	StreamDebug   = "debug"
)

// Executors.
const (
	ExecutorGoroutine = "goroutine"
	ExecutorPool      = "pool"
)

// RunConfig is the typed form of the options recognized by an invocation.
type RunConfig struct {
	ThreadID        string
	ThreadTS        string
	RecursionLimit  int
	InterruptBefore []string
	InterruptAfter  []string
	StreamMode      string
	Debug           bool
	MaxConcurrency  int
	Executor        string
	Checkpoint      StoreConfig
}

// StoreConfig selects and configures a checkpoint backend.
type StoreConfig struct {
	// Backend is one of memory, sqlite, postgres, redis. Empty disables persistence.
	Backend string
	// DSN is the database/sql data source (postgres) or file path (sqlite).
	DSN string
	// URL is the redis URL.
	URL string
	// TTL bounds how long redis keeps checkpoint keys.
	TTL time.Duration
}

// ParseRunConfig extracts and validates the recognized options of c.
func ParseRunConfig(c Config) (RunConfig, error) {
	rc := RunConfig{
		ThreadID:       c.ThreadID(),
		ThreadTS:       c.ThreadTS(),
		RecursionLimit: c.Int(KeyRecursionLimit, DefaultRecursionLimit),
		StreamMode:     c.String(KeyStreamMode, StreamValues),
		Debug:          c.Bool(KeyDebug, false),
		MaxConcurrency: c.Int(KeyMaxConcurrency, 0),
		Executor:       c.String(KeyExecutor, ExecutorGoroutine),
	}

	var errs []error
	var err error
	if rc.InterruptBefore, err = nodeSelection(c, KeyInterruptBefore); err != nil {
		errs = append(errs, err)
	}
	if rc.InterruptAfter, err = nodeSelection(c, KeyInterruptAfter); err != nil {
		errs = append(errs, err)
	}
	if rc.RecursionLimit <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive, got %d", KeyRecursionLimit, rc.RecursionLimit))
	}
	if rc.MaxConcurrency < 0 {
		errs = append(errs, fmt.Errorf("%s must not be negative, got %d", KeyMaxConcurrency, rc.MaxConcurrency))
	}
	switch rc.StreamMode {
	case StreamValues, StreamUpdates, StreamDebug:
	default:
		errs = append(errs, fmt.Errorf("unknown %s %q", KeyStreamMode, rc.StreamMode))
	}
	switch rc.Executor {
	case ExecutorGoroutine, ExecutorPool:
	default:
		errs = append(errs, fmt.Errorf("unknown %s %q", KeyExecutor, rc.Executor))
	}

	rc.Checkpoint = ParseStoreConfig(c)

	return rc, errors.Join(errs...)
}

// ParseStoreConfig reads the checkpoint block of c.
func ParseStoreConfig(c Config) StoreConfig {
	store := c.Map(KeyCheckpoint)
	return StoreConfig{
		Backend: store.String("backend", ""),
		DSN:     store.String("dsn", store.String("path", "")),
		URL:     store.String("url", ""),
		TTL:     store.Duration("ttl", 0),
	}
}

// nodeSelection reads "*" or a list of node names.
func nodeSelection(c Config, key string) ([]string, error) {
	if !c.Has(key) {
		return nil, nil
	}
	if s := c.String(key, ""); s != "" {
		if s != All {
			return []string{s}, nil
		}
		return []string{All}, nil
	}
	if names := c.StringSlice(key, nil); names != nil {
		return names, nil
	}
	return nil, fmt.Errorf("%s must be %q or a list of node names", key, All)
}

// IsAll reports whether names include the wildcard.
func IsAll(names []string) bool {
	return slices.Contains(names, All)
}

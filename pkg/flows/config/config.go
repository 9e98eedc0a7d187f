// Package config carries invocation configuration for flows.
//
// A Config is the map of options every node receives alongside its input.
// It wraps map[string]any with typed accessors that fall back to a default
// when a key is missing or has the wrong type, so values decoded from YAML
// or JSON can be read without ceremony.
package config

import (
	"encoding/json"
	"maps"
	"time"
)

// Well-known keys.
const (
	KeyThreadID        = "thread_id"
	KeyThreadTS        = "thread_ts"
	KeyRecursionLimit  = "recursion_limit"
	KeyInterruptBefore = "interrupt_before"
	KeyInterruptAfter  = "interrupt_after"
	KeyStreamMode      = "stream_mode"
	KeyDebug           = "debug"
	KeyMaxConcurrency  = "max_concurrency"
	KeyExecutor        = "executor"
	KeyCheckpoint      = "checkpoint"
	KeyTags            = "tags"
)

// Config is an immutable view over a map of options.
// Use With or Merge to derive a modified copy.
type Config struct {
	data map[string]any
}

// New creates a Config from the given map. A nil map yields an empty Config.
// The map is copied.
func New(data map[string]any) Config {
	return Config{data: maps.Clone(orEmpty(data))}
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// With returns a copy of c with key set to value.
func (c Config) With(key string, value any) Config {
	out := maps.Clone(orEmpty(c.data))
	out[key] = value
	return Config{data: out}
}

// Without returns a copy of c without the given keys.
func (c Config) Without(keys ...string) Config {
	out := maps.Clone(orEmpty(c.data))
	for _, k := range keys {
		delete(out, k)
	}
	return Config{data: out}
}

// Merge returns a copy of c overlaid with other. Keys in other win.
func (c Config) Merge(other Config) Config {
	out := maps.Clone(orEmpty(c.data))
	maps.Copy(out, other.data)
	return Config{data: out}
}

// String returns the string value for key, or defaultVal.
func (c Config) String(key, defaultVal string) string {
	if s, ok := c.data[key].(string); ok {
		return s
	}
	return defaultVal
}

// Bool returns the boolean value for key, or defaultVal.
func (c Config) Bool(key string, defaultVal bool) bool {
	if b, ok := c.data[key].(bool); ok {
		return b
	}
	return defaultVal
}

// Int returns the integer value for key, or defaultVal.
// Floats are accepted only when they have no fractional part.
func (c Config) Int(key string, defaultVal int) int {
	switch val := c.data[key].(type) {
	case int:
		return val
	case int64:
		return int(val)
	case float64:
		if val == float64(int(val)) {
			return int(val)
		}
	case json.Number:
		if n, err := val.Int64(); err == nil {
			return int(n)
		}
	}
	return defaultVal
}

// Duration returns the duration value for key, or defaultVal.
// Strings are parsed with time.ParseDuration; numbers are seconds.
func (c Config) Duration(key string, defaultVal time.Duration) time.Duration {
	switch val := c.data[key].(type) {
	case time.Duration:
		return val
	case string:
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	case int:
		return time.Duration(val) * time.Second
	case int64:
		return time.Duration(val) * time.Second
	case float64:
		return time.Duration(val * float64(time.Second))
	}
	return defaultVal
}

// StringSlice returns the string slice for key, or defaultVal.
// A []any is accepted only when every element is a string.
func (c Config) StringSlice(key string, defaultVal []string) []string {
	switch val := c.data[key].(type) {
	case []string:
		return val
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			s, ok := item.(string)
			if !ok {
				return defaultVal
			}
			out = append(out, s)
		}
		return out
	}
	return defaultVal
}

// Map returns the nested Config for key, or an empty Config.
func (c Config) Map(key string) Config {
	switch val := c.data[key].(type) {
	case map[string]any:
		return New(val)
	case Config:
		return val
	}
	return New(nil)
}

// Any returns the raw value for key, or defaultVal.
func (c Config) Any(key string, defaultVal any) any {
	if v, ok := c.data[key]; ok {
		return v
	}
	return defaultVal
}

// Has reports whether key is set.
func (c Config) Has(key string) bool {
	_, ok := c.data[key]
	return ok
}

// Raw returns the underlying map. Callers must not modify it.
func (c Config) Raw() map[string]any {
	return orEmpty(c.data)
}

// ThreadID returns the thread identifier, or "".
func (c Config) ThreadID() string {
	return c.String(KeyThreadID, "")
}

// ThreadTS returns the pinned checkpoint id, or "".
func (c Config) ThreadTS() string {
	return c.String(KeyThreadTS, "")
}

package errors

import (
	"context"
	"math/rand/v2"
	"time"
)

// RetryConfig configures retry behavior. It is the retry policy attached to
// a node.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including the first).
	MaxAttempts int

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64

	// Jitter is the random jitter factor (0.0-1.0).
	Jitter float64

	// RetryableFunc overrides the default retryability check (IsRetryable).
	RetryableFunc func(error) bool

	// OnRetry runs before each attempt after the first.
	OnRetry func(attempt int, err error)
}

// DefaultRetry is the policy used by Node.Retry when none is given.
var DefaultRetry = RetryConfig{
	MaxAttempts:    3,
	InitialBackoff: 100 * time.Millisecond,
	MaxBackoff:     10 * time.Second,
	BackoffFactor:  2.0,
	Jitter:         0.1,
}

// NoRetry makes exactly one attempt.
var NoRetry = RetryConfig{
	MaxAttempts: 1,
}

// RetryResult contains the result of a retry operation.
type RetryResult[T any] struct {
	Value    T
	Err      error
	Attempts int
	Duration time.Duration
}

// WithRetryContext runs fn until it succeeds, returns a non-retryable error,
// exhausts MaxAttempts, or ctx is done.
//
// The error of the last attempt is returned unwrapped so callers can match
// it with errors.Is and errors.As.
func WithRetryContext[T any](ctx context.Context, cfg RetryConfig, fn func(context.Context, int) (T, error)) RetryResult[T] {
	start := time.Now()
	backoff := cfg.InitialBackoff
	attempts := max(cfg.MaxAttempts, 1)

	isRetryable := cfg.RetryableFunc
	if isRetryable == nil {
		isRetryable = IsRetryable
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return RetryResult[T]{Err: err, Attempts: attempt - 1, Duration: time.Since(start)}
		}
		if attempt > 1 && cfg.OnRetry != nil {
			cfg.OnRetry(attempt, lastErr)
		}

		result, err := fn(ctx, attempt)
		if err == nil {
			return RetryResult[T]{Value: result, Attempts: attempt, Duration: time.Since(start)}
		}
		lastErr = err

		if !isRetryable(err) || attempt == attempts {
			return RetryResult[T]{Err: err, Attempts: attempt, Duration: time.Since(start)}
		}

		select {
		case <-ctx.Done():
			return RetryResult[T]{Err: ctx.Err(), Attempts: attempt, Duration: time.Since(start)}
		case <-time.After(calculateBackoff(backoff, cfg.Jitter)):
		}

		backoff = time.Duration(float64(backoff) * max(cfg.BackoffFactor, 1))
		if cfg.MaxBackoff > 0 && backoff > cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
		}
	}

	return RetryResult[T]{Err: lastErr, Attempts: attempts, Duration: time.Since(start)}
}

// calculateBackoff returns base with jitter applied.
func calculateBackoff(base time.Duration, jitter float64) time.Duration {
	if jitter <= 0 || base <= 0 {
		return base
	}
	jitterAmount := float64(base) * jitter * (rand.Float64()*2 - 1)
	return time.Duration(float64(base) + jitterAmount)
}

// RetryOption configures a RetryConfig.
type RetryOption func(*RetryConfig)

// WithMaxAttempts sets the maximum number of attempts.
func WithMaxAttempts(n int) RetryOption {
	return func(cfg *RetryConfig) { cfg.MaxAttempts = n }
}

// WithInitialBackoff sets the initial backoff duration.
func WithInitialBackoff(d time.Duration) RetryOption {
	return func(cfg *RetryConfig) { cfg.InitialBackoff = d }
}

// WithMaxBackoff sets the maximum backoff duration.
func WithMaxBackoff(d time.Duration) RetryOption {
	return func(cfg *RetryConfig) { cfg.MaxBackoff = d }
}

// WithBackoffFactor sets the backoff multiplier.
func WithBackoffFactor(f float64) RetryOption {
	return func(cfg *RetryConfig) { cfg.BackoffFactor = f }
}

// WithJitter sets the jitter factor.
func WithJitter(j float64) RetryOption {
	return func(cfg *RetryConfig) { cfg.Jitter = j }
}

// WithRetryableFunc sets a custom retryability check.
func WithRetryableFunc(fn func(error) bool) RetryOption {
	return func(cfg *RetryConfig) { cfg.RetryableFunc = fn }
}

// NewRetryConfig creates a retry configuration from DefaultRetry.
func NewRetryConfig(opts ...RetryOption) RetryConfig {
	cfg := DefaultRetry
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

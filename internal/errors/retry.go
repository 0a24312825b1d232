package errors

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryConfig holds configuration for retry behavior. MaxRetries is the
// total attempt budget: a unit of work is executed at most MaxRetries
// times, counting the first call.
type RetryConfig struct {
	MaxRetries            int
	InitialBackoff        time.Duration
	MaxBackoff            time.Duration
	BackoffFactor         float64
	RateLimitedMultiplier float64
	Jitter                bool
}

// DefaultRetryConfig returns a sensible default configuration
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:            3,
		InitialBackoff:        1 * time.Second,
		MaxBackoff:            60 * time.Second,
		BackoffFactor:         2.0,
		RateLimitedMultiplier: 3.0,
		Jitter:                true,
	}
}

// DiscoveryRetryConfig returns configuration for channel discovery calls
func DiscoveryRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:            3,
		InitialBackoff:        2 * time.Second,
		MaxBackoff:            60 * time.Second,
		BackoffFactor:         2.0,
		RateLimitedMultiplier: 3.0,
		Jitter:                true,
	}
}

// StorageRetryConfig returns configuration for S3/MinIO operations
func StorageRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:            5,
		InitialBackoff:        500 * time.Millisecond,
		MaxBackoff:            30 * time.Second,
		BackoffFactor:         2.0,
		RateLimitedMultiplier: 2.0,
		Jitter:                true,
	}
}

// DatabaseRetryConfig returns configuration for state store writes
func DatabaseRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:            4,
		InitialBackoff:        250 * time.Millisecond,
		MaxBackoff:            5 * time.Second,
		BackoffFactor:         2.0,
		RateLimitedMultiplier: 1.0,
		Jitter:                true,
	}
}

// RetryableFunc is a function that can be retried
type RetryableFunc func(ctx context.Context) error

// Retry executes the given function until it succeeds, exhausts the
// attempt budget, or fails with a non-retryable classification.
func Retry(ctx context.Context, cfg *RetryConfig, fn RetryableFunc) error {
	_, err := RetryWithResult(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// RetryWithResult executes a function that returns a value with retry logic
func RetryWithResult[T any](ctx context.Context, cfg *RetryConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	if cfg == nil {
		cfg = DefaultRetryConfig()
	}

	var zero T
	var lastErr error

	for attempt := 1; attempt <= cfg.MaxRetries; attempt++ {
		// Check context before each attempt
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}

		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}

		lastErr = err

		if !IsRetryable(err) {
			return zero, err
		}

		// Don't wait after the last attempt
		if attempt == cfg.MaxRetries {
			break
		}

		backoff := CalculateBackoff(attempt, cfg, ClassificationOf(err))

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(backoff):
		}
	}

	return zero, lastErr
}

// CalculateBackoff returns the delay to wait after the given 1-based
// attempt number. The exponential curve is capped at MaxBackoff before
// jitter, then scaled by a uniform multiplier in [0.5, 1.5) so that a
// fleet of workers never retries in lockstep. Rate-limited failures get
// an extra multiplier before the cap.
func CalculateBackoff(attempt int, cfg *RetryConfig, class Classification) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	backoff := float64(cfg.InitialBackoff) * math.Pow(cfg.BackoffFactor, float64(attempt-1))

	if class == ClassRateLimited && cfg.RateLimitedMultiplier > 0 {
		backoff *= cfg.RateLimitedMultiplier
	}

	if backoff > float64(cfg.MaxBackoff) {
		backoff = float64(cfg.MaxBackoff)
	}

	if cfg.Jitter {
		backoff *= 0.5 + rand.Float64()
	}

	return time.Duration(backoff)
}

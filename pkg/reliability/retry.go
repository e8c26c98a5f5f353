// Package reliability provides the failure-isolation primitives used around
// external dependencies: retry with exponential backoff, a circuit breaker,
// a timed mutex, and a timeout wrapper.
package reliability

import (
	"context"
	"fmt"
	"math"
	"time"

	pkgerrors "github.com/runplane/runplane/pkg/errors"
)

// ErrMaxAttemptsExceeded indicates all retry attempts have been exhausted.
var ErrMaxAttemptsExceeded = pkgerrors.New("maximum retry attempts exceeded")

// RetryConfig configures retry behavior with exponential backoff.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts including the first (min 1).
	MaxAttempts int

	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration

	// MaxDelay caps the backoff delay.
	MaxDelay time.Duration

	// BackoffFactor is the backoff multiplier (typically 2.0 for exponential).
	BackoffFactor float64

	// ShouldRetry narrows the retryable surface beyond the default
	// classification. If nil, pkg/errors.IsRetryable is used.
	ShouldRetry func(error) bool

	// OnRetry is called before each retry with the failed attempt's error
	// and the attempt number (1-based). Useful for logging and metrics.
	OnRetry func(err error, attempt int)
}

// DefaultRetryConfig returns sensible default retry settings:
// 3 attempts, 1s base delay, 10s cap, doubling between attempts.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		BaseDelay:     time.Second,
		MaxDelay:      10 * time.Second,
		BackoffFactor: 2.0,
	}
}

// Retry executes op up to cfg.MaxAttempts times, sleeping
// min(MaxDelay, BaseDelay * BackoffFactor^attempt) between attempts.
// Errors classified as non-retryable propagate immediately.
func Retry(ctx context.Context, cfg RetryConfig, op func(ctx context.Context) error) error {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.BackoffFactor <= 0 {
		cfg.BackoffFactor = 2.0
	}
	shouldRetry := cfg.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = pkgerrors.IsRetryable
	}

	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoffDelay(cfg, attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !shouldRetry(err) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt < cfg.MaxAttempts-1 && cfg.OnRetry != nil {
			cfg.OnRetry(err, attempt+1)
		}
	}

	return fmt.Errorf("%w after %d attempts: %v", ErrMaxAttemptsExceeded, cfg.MaxAttempts, lastErr)
}

// backoffDelay computes the sleep before the given 1-based retry attempt.
func backoffDelay(cfg RetryConfig, attempt int) time.Duration {
	backoff := float64(cfg.BaseDelay) * math.Pow(cfg.BackoffFactor, float64(attempt-1))
	if backoff > float64(cfg.MaxDelay) {
		backoff = float64(cfg.MaxDelay)
	}
	return time.Duration(backoff)
}

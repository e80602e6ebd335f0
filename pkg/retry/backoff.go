// Package retry provides exponential backoff with jitter.
//
// Two shapes are offered. WithRetry runs a function until it succeeds, the
// attempts are exhausted or the function returns an error wrapped with Stop:
//
//	err := retry.WithRetry(ctx, func() error {
//		return db.Ping(ctx)
//	}, retry.DefaultBackoffConfig())
//
// Backoff tracks consecutive failures of a long-running loop, such as the
// per-account discovery loop, and yields the next delay:
//
//	b := retry.NewBackoff(cfg)
//	if err := pass(); err != nil {
//		wait = b.Next()
//	} else {
//		b.Reset()
//	}
//
// With jitter enabled the actual delay is baseDelay * (0.5 + random(0, 0.5)),
// so accounts that failed together do not retry together.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/migadu/mailarchive/logger"
)

type BackoffConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          bool
	MaxRetries      int
}

func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialInterval: 1 * time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2.0,
		Jitter:          true,
		MaxRetries:      5,
	}
}

// ExponentialBackoff returns the delay before the given attempt (1-based).
func ExponentialBackoff(config BackoffConfig) func(int) time.Duration {
	return func(attempt int) time.Duration {
		if attempt <= 0 {
			return config.InitialInterval
		}

		multiplier := config.Multiplier
		if multiplier < 1 {
			multiplier = 1
		}
		interval := float64(config.InitialInterval) * math.Pow(multiplier, float64(attempt-1))
		if config.MaxInterval > 0 && interval > float64(config.MaxInterval) {
			interval = float64(config.MaxInterval)
		}

		duration := time.Duration(interval)
		if config.Jitter && duration >= 2 {
			jitter := time.Duration(rand.Int63n(int64(duration / 2)))
			duration = duration/2 + jitter
		}
		return duration
	}
}

// Backoff counts consecutive failures. It is not safe for concurrent use;
// each loop owns its own instance.
type Backoff struct {
	delay    func(int) time.Duration
	failures int
}

func NewBackoff(config BackoffConfig) *Backoff {
	return &Backoff{delay: ExponentialBackoff(config)}
}

// Next records a failure and returns how long to wait before trying again.
func (b *Backoff) Next() time.Duration {
	b.failures++
	return b.delay(b.failures)
}

// Failures returns the number of failures since the last Reset.
func (b *Backoff) Failures() int {
	return b.failures
}

func (b *Backoff) Reset() {
	b.failures = 0
}

type RetryableFunc func() error

// WithRetry calls fn until it succeeds or MaxRetries retries have failed.
// An error wrapped with Stop ends the loop immediately and is returned
// unwrapped.
func WithRetry(ctx context.Context, fn RetryableFunc, config BackoffConfig) error {
	backoff := ExponentialBackoff(config)

	var lastErr error
	var attempts int
	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		attempts = attempt + 1
		if attempt > 0 {
			timer := time.NewTimer(backoff(attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("retry cancelled by context: %w", ctx.Err())
			case <-timer.C:
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		var stopErr StopError
		if errors.As(err, &stopErr) {
			return stopErr.Err
		}
		logger.Debug("Retryable operation failed", "attempt", attempts, "max_attempts", config.MaxRetries+1, "error", err)
	}

	return fmt.Errorf("operation failed after %d attempts: %w", attempts, lastErr)
}

// StopError wraps an error to indicate that retries should stop immediately
type StopError struct {
	Err error
}

func (s StopError) Error() string {
	return s.Err.Error()
}

func (s StopError) Unwrap() error {
	return s.Err
}

// Stop wraps an error to indicate that retries should stop immediately
func Stop(err error) error {
	return StopError{Err: err}
}

// IsStopError checks if an error is a StopError
func IsStopError(err error) bool {
	var stopErr StopError
	return errors.As(err, &stopErr)
}

// Package retry provides backoff and polling helpers.
//
// Two shapes of waiting exist in inboxguard:
//   - Exponential backoff with optional jitter for transient network
//     failures (classifier calls, IMAP dials, archive uploads).
//   - Fixed-interval polling for readiness checks (waiting for the inference
//     service to bind its port). This is BackoffConfig with Multiplier 1
//     and no jitter; see FixedInterval.
//
// # Usage
//
//	cfg := retry.BackoffConfig{
//		InitialInterval: 100 * time.Millisecond,
//		MaxInterval:     5 * time.Second,
//		Multiplier:      2.0,
//		Jitter:          true,
//		MaxRetries:      5,
//	}
//
//	err := retry.WithRetryAdvanced(ctx, func() error {
//		return client.Health(ctx)
//	}, cfg)
//
// Return retry.Stop(err) from the function to give up immediately.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/inboxguard/inboxguard/logger"
)

type BackoffConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          bool
	MaxRetries      int
}

// FixedInterval waits the same interval between every attempt.
func FixedInterval(interval time.Duration, maxRetries int) BackoffConfig {
	return BackoffConfig{
		InitialInterval: interval,
		MaxInterval:     interval,
		Multiplier:      1.0,
		Jitter:          false,
		MaxRetries:      maxRetries,
	}
}

func ExponentialBackoff(config BackoffConfig) func(int) time.Duration {
	return func(attempt int) time.Duration {
		if attempt <= 0 {
			return config.InitialInterval
		}

		interval := float64(config.InitialInterval) * math.Pow(config.Multiplier, float64(attempt-1))

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

type RetryableFunc func() error

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

// WithRetryAdvanced calls fn until it succeeds, the retries are exhausted or
// fn returns a StopError, which halts retries immediately
func WithRetryAdvanced(ctx context.Context, fn RetryableFunc, config BackoffConfig) error {
	backoff := ExponentialBackoff(config)

	var lastErr error
	var attempts int
	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		attempts = attempt + 1
		if attempt > 0 {
			delay := backoff(attempt)
			select {
			case <-ctx.Done():
				return fmt.Errorf("retry cancelled by context: %w", ctx.Err())
			case <-time.After(delay):
			}
		}

		if err := fn(); err != nil {
			lastErr = err
			if IsStopError(err) {
				var stopErr StopError
				errors.As(err, &stopErr)
				logger.Debugf("[RETRY] stop requested on attempt %d: %v", attempts, stopErr.Err)
				return stopErr.Err
			}
			logger.Debugf("[RETRY] attempt %d of %d failed: %v", attempts, config.MaxRetries+1, err)
			if attempt < config.MaxRetries {
				continue
			}
		} else {
			return nil
		}
	}

	return fmt.Errorf("operation failed after %d attempts: %w", attempts, lastErr)
}

// ErrConditionNotMet is wrapped by Poll when every attempt saw cond false.
var ErrConditionNotMet = errors.New("condition not met")

// Poll sleeps config's interval before each of config.MaxRetries checks of
// cond and returns as soon as cond holds. Unlike WithRetry the first check
// happens after the first sleep, matching a "launch, then wait" readiness loop.
func Poll(ctx context.Context, config BackoffConfig, cond func(attempt int) bool) error {
	backoff := ExponentialBackoff(config)
	for attempt := 1; attempt <= config.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return fmt.Errorf("poll cancelled by context: %w", ctx.Err())
		case <-time.After(backoff(attempt)):
		}
		if cond(attempt) {
			return nil
		}
	}
	return fmt.Errorf("%w after %d checks", ErrConditionNotMet, config.MaxRetries)
}

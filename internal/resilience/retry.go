// Package resilience adapts the teacher's retry and circuit-breaker
// patterns (resilience/retry.go, resilience/circuit_breaker.go) for the
// upstream RPC client, trimmed to the states and
// knobs spec.md §7 actually calls for.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrMaxRetriesExceeded is returned by Retry once all attempts are spent.
var ErrMaxRetriesExceeded = errors.New("resilience: maximum retries exceeded")

// ErrCircuitOpen is returned by RetryWithCircuitBreaker when the breaker is open.
var ErrCircuitOpen = errors.New("resilience: circuit breaker open")

// RetryConfig configures exponential backoff with jitter (spec §7
// "transport_error... retried with backoff").
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	JitterEnabled bool
}

// DefaultRetryConfig matches resilience/retry.go's defaults.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
		JitterEnabled: true,
	}
}

// Retry runs fn up to config.MaxAttempts times, sleeping with exponential
// backoff (plus sinusoidal jitter, as in resilience/retry.go) between tries.
func Retry(ctx context.Context, config *RetryConfig, fn func() error) error {
	if config == nil {
		config = DefaultRetryConfig()
	}

	var lastErr error
	delay := config.InitialDelay

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
		}

		if attempt == config.MaxAttempts {
			break
		}

		if attempt > 1 {
			delay = time.Duration(float64(delay) * config.BackoffFactor)
			if delay > config.MaxDelay {
				delay = config.MaxDelay
			}
		}
		if config.JitterEnabled {
			jitter := time.Duration(float64(delay) * 0.1 * math.Sin(float64(attempt)))
			delay += jitter
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return fmt.Errorf("retry: attempts (%d) exhausted, last error %v: %w", config.MaxAttempts, lastErr, ErrMaxRetriesExceeded)
}

// RetryWithCircuitBreaker short-circuits retries once cb is open.
func RetryWithCircuitBreaker(ctx context.Context, config *RetryConfig, cb *CircuitBreaker, fn func() error) error {
	return Retry(ctx, config, func() error {
		if !cb.CanExecute() {
			return ErrCircuitOpen
		}
		if err := fn(); err != nil {
			cb.RecordFailure()
			return err
		}
		cb.RecordSuccess()
		return nil
	})
}

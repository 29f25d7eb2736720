package resilience

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/gpufleet/gpufleet/core"
)

// RetryConfig configures the retry loop applied to one logical call.
type RetryConfig struct {
	// MaxAttempts is the total attempt budget including the first call.
	// Default: 3.
	MaxAttempts int

	// InitialDelay is the backoff before the second attempt; each further
	// attempt doubles it. Default: 1s.
	InitialDelay time.Duration

	// MaxDelay caps the backoff. Default: 30s.
	MaxDelay time.Duration

	// JitterEnabled adds up to 10% random jitter to each delay so
	// synchronized clients do not retry in lockstep. Default in
	// DefaultRetryConfig: true.
	JitterEnabled bool
}

// DefaultRetryConfig matches the provider client's documented schedule:
// 1s, 2s, 4s, ... capped at 30s, with jitter, 3 attempts.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  1 * time.Second,
		MaxDelay:      30 * time.Second,
		JitterEnabled: true,
	}
}

// Retry executes fn up to config.MaxAttempts times. A nil error stops the
// loop immediately; a non-retryable error (per core.IsRetryable) surfaces
// without further attempts. Between attempts Retry sleeps the exponential
// backoff, or the error's Retry-After hint when that is longer. Context
// cancellation aborts the wait.
func Retry(ctx context.Context, config *RetryConfig, fn func(ctx context.Context) error) error {
	if config == nil {
		config = DefaultRetryConfig()
	}
	maxAttempts := config.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	initial := config.InitialDelay
	if initial <= 0 {
		initial = 1 * time.Second
	}
	maxDelay := config.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !core.IsRetryable(err) {
			return err
		}
		if attempt == maxAttempts {
			break
		}

		delay := backoffDelay(initial, maxDelay, attempt)
		if ra := core.RetryAfterOf(err); ra > delay {
			delay = ra
		}
		if config.JitterEnabled {
			delay += time.Duration(rand.Int63n(int64(delay)/10 + 1))
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return fmt.Errorf("%w after %d attempts: %w", core.ErrMaxRetriesExceeded, maxAttempts, lastErr)
}

// backoffDelay returns initial * 2^(attempt-1) capped at max.
func backoffDelay(initial, max time.Duration, attempt int) time.Duration {
	delay := initial
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

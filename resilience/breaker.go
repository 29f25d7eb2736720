// Package resilience provides the three interposing layers wrapped around
// every outbound provider call: request pacing, circuit breaking, and retry
// with exponential backoff.
//
// Purpose:
//   - Pacer serializes calls to a minimum inter-request spacing so the
//     provider's rate limit is never exceeded
//   - Breaker fails fast while the provider is known to be down
//   - Retry recovers transient faults without caller involvement
//
// The breaker composes outermost: Breaker.Execute runs the retry loop, and
// each retry attempt waits on the Pacer before issuing its HTTP request. The
// breaker therefore sees one outcome per logical call, never per attempt.
package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"github.com/gpufleet/gpufleet/core"
)

// BreakerConfig configures a Breaker.
type BreakerConfig struct {
	// Name appears in logs and in CircuitOpen error operations.
	Name string

	// FailureThreshold is the number of consecutive failures that opens
	// the breaker. Default: 5.
	FailureThreshold int

	// Window resets the failure counters when no failure occurs for this
	// long while closed. Default: 60s.
	Window time.Duration

	// RecoveryTimeout is how long the breaker stays open before allowing
	// a half-open probe. Default: 30s.
	RecoveryTimeout time.Duration

	// Logger is optional.
	Logger core.Logger
}

// Breaker guards the provider client. It wraps sony/gobreaker with the
// control plane's error taxonomy: rejected calls surface as KindCircuitOpen
// so the API layer maps them to 503.
type Breaker struct {
	name   string
	cb     *gobreaker.CircuitBreaker
	logger core.Logger
}

// NewBreaker creates a Breaker in the closed state.
func NewBreaker(config BreakerConfig) *Breaker {
	if config.Name == "" {
		config.Name = "provider"
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.Window <= 0 {
		config.Window = 60 * time.Second
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = 30 * time.Second
	}

	logger := config.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("resilience")
	}

	b := &Breaker{name: config.Name, logger: logger}

	threshold := uint32(config.FailureThreshold)
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        config.Name,
		MaxRequests: 1, // single half-open probe
		Interval:    config.Window,
		Timeout:     config.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.logger.Warn("Circuit breaker state changed", map[string]interface{}{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			})
		},
	})

	return b
}

// Execute runs fn unless the breaker is open. While open, Execute returns a
// KindCircuitOpen error without invoking fn. A cancelled context also skips
// the call.
func (b *Breaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return core.NewCircuitOpenError(b.name)
	}
	return err
}

// State returns the current breaker state: "closed", "half-open", or "open".
func (b *Breaker) State() string {
	return b.cb.State().String()
}

// Counts exposes the raw gobreaker counters for the health endpoint.
func (b *Breaker) Counts() gobreaker.Counts {
	return b.cb.Counts()
}

// Compile-time interface compliance check
var _ core.CircuitBreaker = (*Breaker)(nil)

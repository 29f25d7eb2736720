// Package health implements the startup health-check engine.
//
// Purpose:
//   - Probes every exposed endpoint of an instance (http, https, tcp, udp)
//     in repeated sweeps until the aggregate verdict is healthy, the
//     configured wall clock expires, or the caller cancels
//   - Per-endpoint retries inside a sweep absorb transient refusals while
//     the workload is still binding its ports
//
// Scope:
//   - Probing and verdict aggregation only; the monitor worker owns the
//     resulting instance transitions and webhook emissions
package health

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gpufleet/gpufleet/core"
)

// udpProbePayload is what the UDP probe sends; any response within the check
// timeout counts as healthy.
var udpProbePayload = []byte("healthcheck")

// Hooks receive snapshots of the evolving health state. Both are optional.
type Hooks struct {
	// OnStart fires once before the first sweep, with every endpoint pending.
	OnStart func(state *core.HealthCheckState)
	// OnSweep fires after each completed sweep.
	OnSweep func(state *core.HealthCheckState)
}

// Engine runs health-check loops. Safe for concurrent use; each Run call is
// independent.
type Engine struct {
	httpClient *http.Client
	dialer     net.Dialer
	logger     core.Logger
	sleep      func(ctx context.Context, d time.Duration) error
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger attaches a logger.
func WithLogger(logger core.Logger) Option {
	return func(e *Engine) {
		if logger == nil {
			return
		}
		if cal, ok := logger.(core.ComponentAwareLogger); ok {
			logger = cal.WithComponent("health")
		}
		e.logger = logger
	}
}

// WithHTTPClient overrides the probe HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(e *Engine) {
		if client != nil {
			e.httpClient = client
		}
	}
}

// New creates an Engine.
func New(opts ...Option) *Engine {
	e := &Engine{
		httpClient: &http.Client{
			// Redirect targets may point at unreachable internal names;
			// the original response already proves liveness.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger: &core.NoOpLogger{},
		sleep:  sleepCtx,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// BuildEndpoints converts an instance's port mappings into pending endpoint
// checks against host. A non-zero targetPort restricts the set to that port.
func BuildEndpoints(host string, ports []core.PortMapping, targetPort int) []core.EndpointCheck {
	var out []core.EndpointCheck
	for _, pm := range ports {
		if targetPort != 0 && pm.Port != targetPort {
			continue
		}
		out = append(out, core.EndpointCheck{
			Port:   pm.Port,
			Type:   pm.Type,
			URL:    endpointURL(host, pm),
			Status: core.ProbePending,
		})
	}
	return out
}

func endpointURL(host string, pm core.PortMapping) string {
	addr := net.JoinHostPort(host, strconv.Itoa(pm.Port))
	switch pm.Type {
	case "http":
		return "http://" + addr + "/"
	case "https":
		return "https://" + addr + "/"
	default:
		return addr
	}
}

// Run probes the endpoints in sweeps until every endpoint is healthy, the
// configured maxWaitTime elapses, or ctx is cancelled. It always returns the
// final state; the error is nil only on a healthy verdict.
func (e *Engine) Run(ctx context.Context, endpoints []core.EndpointCheck, cfg core.HealthCheckConfig, hooks Hooks) (*core.HealthCheckState, error) {
	cfg.Normalize()
	started := time.Now().UTC()
	state := &core.HealthCheckState{
		Overall:   core.HealthUnhealthy,
		Config:    cfg,
		Endpoints: append([]core.EndpointCheck(nil), endpoints...),
		StartedAt: &started,
	}
	if len(state.Endpoints) == 0 {
		return state, core.NewValidationError("no endpoints to health-check", map[string]interface{}{
			"targetPort": cfg.TargetPort,
		})
	}

	if hooks.OnStart != nil {
		hooks.OnStart(state.Clone())
	}

	deadline := started.Add(time.Duration(cfg.MaxWaitTimeMs) * time.Millisecond)
	checkTimeout := time.Duration(cfg.TimeoutPerCheckMs) * time.Millisecond
	retryDelay := time.Duration(cfg.RetryDelayMs) * time.Millisecond

	for sweep := 1; ; sweep++ {
		for i := range state.Endpoints {
			e.probeWithRetries(ctx, &state.Endpoints[i], cfg.RetryAttempts, checkTimeout, retryDelay)
			if ctx.Err() != nil {
				return state, ctx.Err()
			}
		}
		state.Overall = state.Aggregate()

		e.logger.DebugWithContext(ctx, "Health-check sweep completed", map[string]interface{}{
			"sweep":   sweep,
			"overall": string(state.Overall),
		})
		if hooks.OnSweep != nil {
			hooks.OnSweep(state.Clone())
		}

		if state.Overall == core.HealthHealthy {
			done := time.Now().UTC()
			state.CompletedAt = &done
			return state, nil
		}
		if time.Now().After(deadline) {
			done := time.Now().UTC()
			state.CompletedAt = &done
			return state, &core.ControlError{
				Op:      "health.Run",
				Kind:    core.KindHealthCheckTimeout,
				Message: fmt.Sprintf("health checks did not pass within %dms", cfg.MaxWaitTimeMs),
				Err:     core.ErrTimeout,
			}
		}
		if err := e.sleep(ctx, retryDelay); err != nil {
			return state, err
		}
	}
}

// probeWithRetries probes one endpoint, retrying up to attempts extra times
// inside the sweep. The endpoint record keeps the last attempt's outcome.
func (e *Engine) probeWithRetries(ctx context.Context, ep *core.EndpointCheck, attempts int, timeout, delay time.Duration) {
	for try := 0; ; try++ {
		e.probe(ctx, ep, timeout)
		if ep.Status == core.ProbeHealthy || try >= attempts || ctx.Err() != nil {
			return
		}
		if err := e.sleep(ctx, delay); err != nil {
			return
		}
	}
}

func (e *Engine) probe(ctx context.Context, ep *core.EndpointCheck, timeout time.Duration) {
	start := time.Now()
	var err error
	switch ep.Type {
	case "http", "https":
		err = e.probeHTTP(ctx, ep.URL, timeout)
	case "udp":
		err = e.probeUDP(ctx, ep.URL, timeout)
	default: // tcp and anything unrecognized degrades to a connect check
		err = e.probeTCP(ctx, ep.URL, timeout)
	}

	now := time.Now().UTC()
	ep.LastCheckedAt = &now
	ep.ResponseTimeMs = time.Since(start).Milliseconds()
	if err != nil {
		ep.Status = core.ProbeUnhealthy
		ep.Error = err.Error()
		return
	}
	ep.Status = core.ProbeHealthy
	ep.Error = ""
}

// probeHTTP issues a GET and treats any 2xx or 3xx as healthy.
func (e *Engine) probeHTTP(ctx context.Context, url string, timeout time.Duration) error {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 400 {
		return nil
	}
	return fmt.Errorf("unexpected status %d", resp.StatusCode)
}

func (e *Engine) probeTCP(ctx context.Context, addr string, timeout time.Duration) error {
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := e.dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return err
	}
	return conn.Close()
}

// probeUDP sends a datagram and waits for any response. UDP gives no connect
// signal, so a silent peer within the timeout is unhealthy.
func (e *Engine) probeUDP(ctx context.Context, addr string, timeout time.Duration) error {
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := e.dialer.DialContext(dialCtx, "udp", addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	if _, err := conn.Write(udpProbePayload); err != nil {
		return err
	}
	buf := make([]byte, 512)
	if _, err := conn.Read(buf); err != nil {
		return fmt.Errorf("no udp response: %w", err)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

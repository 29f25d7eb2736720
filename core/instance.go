package core

import (
	"fmt"
	"regexp"
	"time"
)

// InstanceStatus is the lifecycle state of a managed instance.
type InstanceStatus string

const (
	StatusCreating       InstanceStatus = "creating"
	StatusCreated        InstanceStatus = "created"
	StatusStarting       InstanceStatus = "starting"
	StatusRunning        InstanceStatus = "running"
	StatusHealthChecking InstanceStatus = "health_checking"
	StatusReady          InstanceStatus = "ready"
	StatusStopping       InstanceStatus = "stopping"
	StatusStopped        InstanceStatus = "stopped"
	StatusTerminated     InstanceStatus = "terminated"
	StatusFailed         InstanceStatus = "failed"
	StatusExited         InstanceStatus = "exited" // provider-side spot reclaim
	StatusMigrating      InstanceStatus = "migrating"
)

// IsTerminal reports whether no further transitions are possible.
func (s InstanceStatus) IsTerminal() bool {
	return s == StatusTerminated
}

// IsLive reports whether the instance still counts against name uniqueness.
func (s InstanceStatus) IsLive() bool {
	return !s.IsTerminal()
}

// IsActive reports whether the instance is serving and eligible for
// idle-based auto-stop.
func (s InstanceStatus) IsActive() bool {
	return s == StatusRunning || s == StatusReady
}

// nameRE is the allowed shape of user-supplied instance names.
var nameRE = regexp.MustCompile(`^[A-Za-z0-9_-]{1,100}$`)

// ValidInstanceName reports whether name matches [A-Za-z0-9_-]{1,100}.
func ValidInstanceName(name string) bool {
	return nameRE.MatchString(name)
}

// PortMapping is a single exposed port with its transport kind. Provider
// templates group ports by type; the provider client flattens them into
// this shape.
type PortMapping struct {
	Port int    `json:"port"`
	Type string `json:"type"` // tcp, udp, http, https
}

// EnvVar is a single environment variable passed to the instance. The
// provider key is "key"; the internal model uses the same.
type EnvVar struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// InstanceConfig is the immutable creation-time configuration snapshot.
// Only status, timestamps, provider ID, last error, and the health-check
// block mutate after creation.
type InstanceConfig struct {
	ProductName   string        `json:"productName,omitempty"`
	GPUNum        int           `json:"gpuNum"`     // 1..8
	RootfsSizeGB  int           `json:"rootfsSize"` // 20..1000
	Region        string        `json:"region"`
	ImageURL      string        `json:"imageUrl,omitempty"`
	ImageAuthID   string        `json:"imageAuthId,omitempty"` // registry-auth credential reference
	Ports         []PortMapping `json:"ports,omitempty"`
	Envs          []EnvVar      `json:"envs,omitempty"`
	BillingMethod string        `json:"billingMethod,omitempty"` // e.g. spot, onDemand
}

// Instance is the authoritative local record for a provider-managed GPU
// workload. The state store exclusively owns these records; callers receive
// copies.
type Instance struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	ProviderID string         `json:"novitaInstanceId,omitempty"` // immutable once set
	Status     InstanceStatus `json:"status"`
	ProductID  string         `json:"productId,omitempty"`
	TemplateID string         `json:"templateId"` // canonical string form
	Config     InstanceConfig `json:"config"`

	CreatedAt     time.Time  `json:"createdAt"`
	StartedAt     *time.Time `json:"startedAt,omitempty"`
	ReadyAt       *time.Time `json:"readyAt,omitempty"`
	FailedAt      *time.Time `json:"failedAt,omitempty"`
	StoppingAt    *time.Time `json:"stoppingAt,omitempty"`
	StoppedAt     *time.Time `json:"stoppedAt,omitempty"`
	LastStoppedAt *time.Time `json:"lastStoppedAt,omitempty"`
	TerminatedAt  *time.Time `json:"terminatedAt,omitempty"`
	LastUsedAt    *time.Time `json:"lastUsedAt,omitempty"`

	WebhookURL  string            `json:"webhookUrl,omitempty"`
	LastError   string            `json:"lastError,omitempty"`
	HealthCheck *HealthCheckState `json:"healthCheck,omitempty"`
}

// Clone returns a deep copy so callers can read without holding store locks.
func (i *Instance) Clone() *Instance {
	if i == nil {
		return nil
	}
	out := *i
	out.StartedAt = cloneTime(i.StartedAt)
	out.ReadyAt = cloneTime(i.ReadyAt)
	out.FailedAt = cloneTime(i.FailedAt)
	out.StoppingAt = cloneTime(i.StoppingAt)
	out.StoppedAt = cloneTime(i.StoppedAt)
	out.LastStoppedAt = cloneTime(i.LastStoppedAt)
	out.TerminatedAt = cloneTime(i.TerminatedAt)
	out.LastUsedAt = cloneTime(i.LastUsedAt)
	out.Config.Ports = append([]PortMapping(nil), i.Config.Ports...)
	out.Config.Envs = append([]EnvVar(nil), i.Config.Envs...)
	out.HealthCheck = i.HealthCheck.Clone()
	return &out
}

// IdleSince returns the reference time for idle computation: lastUsed when
// set, otherwise the start time. Returns zero time when neither is set.
func (i *Instance) IdleSince() time.Time {
	if i.LastUsedAt != nil {
		return *i.LastUsedAt
	}
	if i.StartedAt != nil {
		return *i.StartedAt
	}
	return time.Time{}
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	out := *t
	return &out
}

// ProbeStatus is the per-endpoint health probe verdict.
type ProbeStatus string

const (
	ProbePending   ProbeStatus = "pending"
	ProbeHealthy   ProbeStatus = "healthy"
	ProbeUnhealthy ProbeStatus = "unhealthy"
)

// AggregateHealth is the overall verdict across all probed endpoints.
type AggregateHealth string

const (
	HealthHealthy   AggregateHealth = "healthy"
	HealthPartial   AggregateHealth = "partial"
	HealthUnhealthy AggregateHealth = "unhealthy"
)

// EndpointCheck is the latest probe result for a single endpoint.
type EndpointCheck struct {
	Port           int         `json:"port"`
	URL            string      `json:"url"`
	Type           string      `json:"type"` // tcp, udp, http, https
	Status         ProbeStatus `json:"status"`
	LastCheckedAt  *time.Time  `json:"lastCheckedAt,omitempty"`
	ResponseTimeMs int64       `json:"responseTimeMs,omitempty"`
	Error          string      `json:"error,omitempty"`
}

// Health-check configuration bounds. Values outside the bounds are clamped
// by Normalize rather than rejected, matching scheduler-style configuration
// handling elsewhere in the control plane.
const (
	MinCheckTimeoutMs = 1000
	MaxCheckTimeoutMs = 300000
	MaxRetryAttempts  = 10
	MinRetryDelayMs   = 100
	MaxRetryDelayMs   = 30000
	MinMaxWaitTimeMs  = 30000
	MaxMaxWaitTimeMs  = 1800000
)

// HealthCheckConfig controls a probe run for one instance.
type HealthCheckConfig struct {
	TimeoutPerCheckMs int `json:"timeoutPerCheckMs"`
	RetryAttempts     int `json:"retryAttempts"`
	RetryDelayMs      int `json:"retryDelayMs"`
	MaxWaitTimeMs     int `json:"maxWaitTimeMs"`
	TargetPort        int `json:"targetPort,omitempty"` // when set, only this port is checked
}

// DefaultHealthCheckConfig returns the stock probe configuration.
func DefaultHealthCheckConfig() HealthCheckConfig {
	return HealthCheckConfig{
		TimeoutPerCheckMs: 10000,
		RetryAttempts:     3,
		RetryDelayMs:      2000,
		MaxWaitTimeMs:     300000,
	}
}

// Normalize fills zero fields with defaults and clamps everything to the
// documented bounds.
func (c *HealthCheckConfig) Normalize() {
	def := DefaultHealthCheckConfig()
	if c.TimeoutPerCheckMs == 0 {
		c.TimeoutPerCheckMs = def.TimeoutPerCheckMs
	}
	if c.RetryDelayMs == 0 {
		c.RetryDelayMs = def.RetryDelayMs
	}
	if c.MaxWaitTimeMs == 0 {
		c.MaxWaitTimeMs = def.MaxWaitTimeMs
	}
	c.TimeoutPerCheckMs = clampInt(c.TimeoutPerCheckMs, MinCheckTimeoutMs, MaxCheckTimeoutMs)
	c.RetryAttempts = clampInt(c.RetryAttempts, 0, MaxRetryAttempts)
	c.RetryDelayMs = clampInt(c.RetryDelayMs, MinRetryDelayMs, MaxRetryDelayMs)
	c.MaxWaitTimeMs = clampInt(c.MaxWaitTimeMs, MinMaxWaitTimeMs, MaxMaxWaitTimeMs)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// HealthCheckState is the health-check block attached to an instance. It is
// exclusively mutated by the monitor worker for that instance.
type HealthCheckState struct {
	Overall     AggregateHealth   `json:"overall"`
	Config      HealthCheckConfig `json:"config"`
	Endpoints   []EndpointCheck   `json:"endpoints"`
	StartedAt   *time.Time        `json:"startedAt,omitempty"`
	CompletedAt *time.Time        `json:"completedAt,omitempty"`
}

// Clone returns a deep copy of the health-check block.
func (h *HealthCheckState) Clone() *HealthCheckState {
	if h == nil {
		return nil
	}
	out := *h
	out.Endpoints = make([]EndpointCheck, len(h.Endpoints))
	for idx, ep := range h.Endpoints {
		out.Endpoints[idx] = ep
		out.Endpoints[idx].LastCheckedAt = cloneTime(ep.LastCheckedAt)
	}
	out.StartedAt = cloneTime(h.StartedAt)
	out.CompletedAt = cloneTime(h.CompletedAt)
	return &out
}

// Aggregate computes the overall verdict from the endpoint list: healthy if
// all endpoints are healthy, partial if at least one is healthy and at least
// one is not, unhealthy otherwise.
func (h *HealthCheckState) Aggregate() AggregateHealth {
	if h == nil || len(h.Endpoints) == 0 {
		return HealthUnhealthy
	}
	healthy := 0
	for _, ep := range h.Endpoints {
		if ep.Status == ProbeHealthy {
			healthy++
		}
	}
	switch {
	case healthy == len(h.Endpoints):
		return HealthHealthy
	case healthy > 0:
		return HealthPartial
	default:
		return HealthUnhealthy
	}
}

// validateTransition reports whether moving from to next is a legal lifecycle
// step. failed is reachable from any non-terminal state; exited arrives from
// the provider side for running or ready instances; migrating only follows
// exited. The store deliberately does not enforce this on Update: provider
// truth synced back from listings may leapfrog intermediate states. The table
// documents the intended lifecycle and keeps the tests honest.
func validateTransition(from, to InstanceStatus) error {
	if from.IsTerminal() {
		return fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, from)
	}
	if to == StatusFailed {
		return nil
	}
	allowed, ok := statusTransitions[from]
	if !ok {
		return fmt.Errorf("%w: unknown status %s", ErrInvalidTransition, from)
	}
	for _, a := range allowed {
		if a == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

var statusTransitions = map[InstanceStatus][]InstanceStatus{
	StatusCreating:       {StatusCreated, StatusStarting},
	StatusCreated:        {StatusStarting},
	StatusStarting:       {StatusRunning, StatusExited},
	StatusRunning:        {StatusHealthChecking, StatusStopping, StatusExited},
	StatusHealthChecking: {StatusReady, StatusStopping, StatusExited},
	StatusReady:          {StatusStopping, StatusExited},
	StatusStopping:       {StatusStopped, StatusExited},
	StatusStopped:        {StatusStarting, StatusTerminated},
	StatusFailed:         {StatusStarting, StatusTerminated},
	StatusExited:         {StatusMigrating, StatusStarting, StatusTerminated},
	StatusMigrating:      {StatusRunning, StatusExited},
}

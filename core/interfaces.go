// Package core defines the shared kernel of the control plane: the instance
// and job data model, the closed error taxonomy, the Logger abstraction, and
// the process configuration.
//
// Purpose:
//   - Every other package depends on core; core depends on nothing internal
//   - Keeps component packages free of cyclic references (schedulers and
//     workers share types through core, not through each other)
//
// Scope:
//   - Types: Instance, Job, WebhookEvent, health-check records
//   - Errors: ControlError + sentinel errors + classification helpers
//   - Config: environment-driven configuration with functional options
package core

import "context"

// Logger is the minimal structured logging interface used across the control
// plane. Implementations must be safe for concurrent use. Components treat
// the logger as optional: a nil check or a NoOpLogger default guards every
// call site.
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})

	// Context-aware variants attach trace and correlation identifiers
	// carried by ctx to the emitted record.
	InfoWithContext(ctx context.Context, msg string, fields map[string]interface{})
	ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{})
	WarnWithContext(ctx context.Context, msg string, fields map[string]interface{})
	DebugWithContext(ctx context.Context, msg string, fields map[string]interface{})
}

// ComponentAwareLogger is an optional interface for loggers that can scope
// themselves to a named component. Components test for it and rebind:
//
//	if cal, ok := logger.(ComponentAwareLogger); ok {
//	    logger = cal.WithComponent("queue")
//	}
type ComponentAwareLogger interface {
	Logger
	WithComponent(component string) Logger
}

// NoOpLogger discards all log output. It is the default for components
// constructed without an explicit logger.
type NoOpLogger struct{}

func (l *NoOpLogger) Info(msg string, fields map[string]interface{})  {}
func (l *NoOpLogger) Error(msg string, fields map[string]interface{}) {}
func (l *NoOpLogger) Warn(msg string, fields map[string]interface{})  {}
func (l *NoOpLogger) Debug(msg string, fields map[string]interface{}) {}

func (l *NoOpLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
}
func (l *NoOpLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
}
func (l *NoOpLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
}
func (l *NoOpLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
}

// CircuitBreaker guards calls to an unreliable dependency. Execute runs fn
// unless the breaker is open, in which case it fails fast with a
// KindCircuitOpen error.
type CircuitBreaker interface {
	Execute(ctx context.Context, fn func() error) error
	State() string
}

// JobSink is the enqueue-only view of the job queue. Handlers and schedulers
// depend on this seam rather than the full queue so they cannot lease or
// complete work that belongs to the worker pool.
type JobSink interface {
	Enqueue(ctx context.Context, job *Job) error
}

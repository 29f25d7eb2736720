// Package lifecycle tracks startup operations.
//
// Purpose:
//   - One StartupOperation per instance records the phase progression of a
//     start request from acceptance through ready (or failed)
//   - A second start while a non-terminal operation exists is rejected with
//     a StartupInProgress conflict
//
// Operations live in memory only: a restart abandons them, and the stale
// job-queue sweep re-drives the underlying work.
package lifecycle

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gpufleet/gpufleet/core"
)

// Phase is the position of a startup operation in its progression.
type Phase string

const (
	PhaseStartRequested       Phase = "startRequested"
	PhaseInstanceStarting     Phase = "instanceStarting"
	PhaseInstanceRunning      Phase = "instanceRunning"
	PhaseHealthCheckStarted   Phase = "healthCheckStarted"
	PhaseHealthCheckCompleted Phase = "healthCheckCompleted"
	PhaseReady                Phase = "ready"
	PhaseFailed               Phase = "failed"
)

// phaseRank orders the forward progression. failed is reachable from any
// non-terminal phase and carries no rank.
var phaseRank = map[Phase]int{
	PhaseStartRequested:       0,
	PhaseInstanceStarting:     1,
	PhaseInstanceRunning:      2,
	PhaseHealthCheckStarted:   3,
	PhaseHealthCheckCompleted: 4,
	PhaseReady:                5,
}

// Terminal reports whether the phase ends the operation.
func (p Phase) Terminal() bool { return p == PhaseReady || p == PhaseFailed }

// Startup wall-clock bounds.
const (
	MinMaxWait     = 30 * time.Second
	MaxMaxWait     = 30 * time.Minute
	DefaultMaxWait = 10 * time.Minute
)

// Operation is one tracked startup. Callers receive copies.
type Operation struct {
	ID          string     `json:"id"`
	InstanceID  string     `json:"instanceId"`
	Phase       Phase      `json:"phase"`
	StartedAt   time.Time  `json:"startedAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	Deadline    time.Time  `json:"deadline"`
	Error       string     `json:"error,omitempty"`
}

func (o *Operation) clone() *Operation {
	out := *o
	if o.CompletedAt != nil {
		t := *o.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}

// Expired reports whether the operation outlived its wall clock.
func (o *Operation) Expired(now time.Time) bool {
	return !o.Phase.Terminal() && now.After(o.Deadline)
}

// defaultRetention is how many terminal operations Tracker keeps for
// inspection via Recent.
const defaultRetention = 100

// Tracker owns all startup operations. Safe for concurrent use.
type Tracker struct {
	mu       sync.Mutex
	active   map[string]*Operation // instance ID -> non-terminal operation
	terminal []*Operation          // newest last, bounded
	retain   int
	logger   core.Logger
	now      func() time.Time
}

// NewTracker creates a Tracker. retention <= 0 uses the default.
func NewTracker(retention int, logger core.Logger) *Tracker {
	if retention <= 0 {
		retention = defaultRetention
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("lifecycle")
	}
	return &Tracker{
		active: make(map[string]*Operation),
		retain: retention,
		logger: logger,
		now:    time.Now,
	}
}

// ClampMaxWait bounds a caller-supplied startup wall clock. Zero yields the
// default.
func ClampMaxWait(d time.Duration) time.Duration {
	if d == 0 {
		return DefaultMaxWait
	}
	if d < MinMaxWait {
		return MinMaxWait
	}
	if d > MaxMaxWait {
		return MaxMaxWait
	}
	return d
}

// Begin opens a startup operation for the instance. Returns a
// StartupInProgress conflict while a previous operation is still running.
func (t *Tracker) Begin(instanceID string, maxWait time.Duration) (*Operation, error) {
	maxWait = ClampMaxWait(maxWait)

	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.active[instanceID]; ok {
		return nil, &core.ControlError{
			Op:      "lifecycle.Begin",
			Kind:    core.KindStartupInProgress,
			ID:      instanceID,
			Message: fmt.Sprintf("startup operation %s is already in phase %s", existing.ID, existing.Phase),
			Err:     core.ErrStartupInProgress,
		}
	}

	now := t.now().UTC()
	op := &Operation{
		ID:         uuid.New().String(),
		InstanceID: instanceID,
		Phase:      PhaseStartRequested,
		StartedAt:  now,
		UpdatedAt:  now,
		Deadline:   now.Add(maxWait),
	}
	t.active[instanceID] = op
	t.logger.Info("Startup operation opened", map[string]interface{}{
		"operation_id": op.ID,
		"instance_id":  instanceID,
		"max_wait":     maxWait.String(),
	})
	return op.clone(), nil
}

// Advance moves the instance's operation to phase. Phases only move forward;
// a backward or repeated phase is rejected.
func (t *Tracker) Advance(instanceID string, phase Phase) (*Operation, error) {
	if phase == PhaseFailed {
		return t.Fail(instanceID, "")
	}
	rank, ok := phaseRank[phase]
	if !ok {
		return nil, core.NewValidationError(fmt.Sprintf("unknown startup phase %q", phase), nil)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	op, ok := t.active[instanceID]
	if !ok {
		return nil, core.NewNotFoundError("lifecycle.Advance", "startup operation", instanceID, core.ErrInstanceNotFound)
	}
	if rank <= phaseRank[op.Phase] {
		return nil, &core.ControlError{
			Op:      "lifecycle.Advance",
			Kind:    core.KindValidation,
			ID:      instanceID,
			Message: fmt.Sprintf("startup phase may not move %s -> %s", op.Phase, phase),
			Err:     core.ErrInvalidTransition,
		}
	}

	op.Phase = phase
	op.UpdatedAt = t.now().UTC()
	if phase.Terminal() {
		t.finishLocked(op)
	}
	return op.clone(), nil
}

// Fail terminates the instance's operation with an error message. Failing an
// instance without an active operation is a no-op returning NotFound.
func (t *Tracker) Fail(instanceID, message string) (*Operation, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	op, ok := t.active[instanceID]
	if !ok {
		return nil, core.NewNotFoundError("lifecycle.Fail", "startup operation", instanceID, core.ErrInstanceNotFound)
	}
	op.Phase = PhaseFailed
	op.Error = message
	op.UpdatedAt = t.now().UTC()
	t.finishLocked(op)
	return op.clone(), nil
}

// finishLocked moves op from the active map to the bounded terminal list.
func (t *Tracker) finishLocked(op *Operation) {
	done := t.now().UTC()
	op.CompletedAt = &done
	delete(t.active, op.InstanceID)
	t.terminal = append(t.terminal, op)
	if len(t.terminal) > t.retain {
		t.terminal = t.terminal[len(t.terminal)-t.retain:]
	}
	t.logger.Info("Startup operation finished", map[string]interface{}{
		"operation_id": op.ID,
		"instance_id":  op.InstanceID,
		"phase":        string(op.Phase),
		"elapsed_ms":   done.Sub(op.StartedAt).Milliseconds(),
	})
}

// Active returns the instance's running operation, if any.
func (t *Tracker) Active(instanceID string) (*Operation, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	op, ok := t.active[instanceID]
	if !ok {
		return nil, false
	}
	return op.clone(), true
}

// Recent returns retained terminal operations, newest first.
func (t *Tracker) Recent() []*Operation {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Operation, 0, len(t.terminal))
	for i := len(t.terminal) - 1; i >= 0; i-- {
		out = append(out, t.terminal[i].clone())
	}
	return out
}

// ExpireOverdue fails every active operation past its deadline and returns
// the failed copies. Called by the service's periodic housekeeping so an
// abandoned operation cannot hold the startup conflict forever.
func (t *Tracker) ExpireOverdue() []*Operation {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now().UTC()
	var out []*Operation
	for _, op := range t.active {
		if !op.Expired(now) {
			continue
		}
		op.Phase = PhaseFailed
		op.Error = fmt.Sprintf("startup did not complete within %s", op.Deadline.Sub(op.StartedAt))
		op.UpdatedAt = now
		t.finishLocked(op)
		out = append(out, op.clone())
	}
	return out
}

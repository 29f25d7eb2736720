package workers

import (
	"context"
	"fmt"
	"time"

	"github.com/gpufleet/gpufleet/core"
	"github.com/gpufleet/gpufleet/health"
	"github.com/gpufleet/gpufleet/lifecycle"
	"github.com/gpufleet/gpufleet/provider"
)

// HandleMonitorInstance watches a starting instance: poll the provider until
// it runs (or dies, or the startup clock expires), then drive the
// health-check loop to the ready or failed verdict.
func (h *Handlers) HandleMonitorInstance(ctx context.Context, job *core.Job) error {
	var payload core.MonitorInstancePayload
	if err := job.DecodePayload(&payload); err != nil {
		return err
	}
	inst, err := h.deps.Store.Get(ctx, payload.InstanceID)
	if err != nil {
		return err
	}
	switch inst.Status {
	case core.StatusReady, core.StatusStopped, core.StatusStopping, core.StatusTerminated, core.StatusFailed:
		// A concurrent operation already settled this instance.
		return nil
	}
	if inst.ProviderID == "" {
		return core.NewValidationError(
			fmt.Sprintf("instance %s has no provider ID to monitor", inst.ID), nil)
	}

	maxWait := h.deps.Startup.MaxWaitTime
	if payload.MaxWaitTimeMs > 0 {
		maxWait = time.Duration(payload.MaxWaitTimeMs) * time.Millisecond
	}
	if payload.StartedAt.IsZero() {
		payload.StartedAt = time.Now().UTC()
	}
	deadline := payload.StartedAt.Add(maxWait)

	remote, err := h.awaitRunning(ctx, inst, payload.StartedAt, deadline)
	if err != nil {
		if ctx.Err() != nil {
			return err // lease retry resumes the watch
		}
		h.settleStartupFailure(ctx, inst, payload, err)
		return nil
	}

	inst = h.markRunning(ctx, inst)
	return h.runHealthChecks(ctx, inst, remote, payload, deadline)
}

// awaitRunning polls the provider until the instance reports running. An
// exited or removed instance during startup is a permanent failure.
func (h *Handlers) awaitRunning(ctx context.Context, inst *core.Instance, startedAt, deadline time.Time) (*provider.Instance, error) {
	for {
		remote, err := h.deps.API.GetInstance(ctx, inst.ProviderID)
		switch {
		case err == nil:
			switch remote.Status {
			case "running":
				return remote, nil
			case "exited", "removed":
				return nil, &core.ControlError{
					Op:      "workers.awaitRunning",
					Kind:    core.KindInternal,
					ID:      inst.ID,
					Message: fmt.Sprintf("instance %s during startup", remote.Status),
				}
			}
		case core.IsNotFound(err):
			return nil, err
		case ctx.Err() != nil:
			return nil, ctx.Err()
		default:
			// Transient provider trouble; the deadline bounds how long we
			// keep polling through it.
			h.logger.WarnWithContext(ctx, "Startup poll failed, continuing", map[string]interface{}{
				"instance_id": inst.ID,
				"error":       err.Error(),
			})
		}

		if time.Now().After(deadline) {
			return nil, &core.ControlError{
				Op:      "workers.awaitRunning",
				Kind:    core.KindStartupTimeout,
				ID:      inst.ID,
				Message: fmt.Sprintf("Instance startup timeout after %dms", time.Since(startedAt).Milliseconds()),
				Err:     core.ErrTimeout,
			}
		}
		if err := sleepCtx(ctx, h.deps.Startup.PollInterval); err != nil {
			return nil, err
		}
	}
}

func (h *Handlers) markRunning(ctx context.Context, inst *core.Instance) *core.Instance {
	updated, err := h.deps.Store.Update(ctx, inst.ID, func(i *core.Instance) error {
		if i.Status == core.StatusRunning {
			return nil
		}
		now := time.Now().UTC()
		i.Status = core.StatusRunning
		if i.StartedAt == nil {
			i.StartedAt = &now
		}
		return nil
	})
	if err != nil {
		h.logger.ErrorWithContext(ctx, "Failed to record running status", map[string]interface{}{
			"instance_id": inst.ID,
			"error":       err.Error(),
		})
		return inst
	}
	_, _ = h.deps.Tracker.Advance(inst.ID, lifecycle.PhaseInstanceRunning)
	h.notify(ctx, updated, core.WebhookEvent{Status: core.EventRunning})
	return updated
}

func (h *Handlers) runHealthChecks(ctx context.Context, inst *core.Instance, remote *provider.Instance, payload core.MonitorInstancePayload, deadline time.Time) error {
	cfg := core.DefaultHealthCheckConfig()
	if payload.HealthCheck != nil {
		cfg = *payload.HealthCheck
	} else if remaining := time.Until(deadline); remaining > 0 {
		cfg.MaxWaitTimeMs = int(remaining / time.Millisecond)
	}
	cfg.Normalize()

	ports := remote.PortMappings
	if len(ports) == 0 {
		ports = inst.Config.Ports
	}
	endpoints := health.BuildEndpoints(remote.IP, ports, cfg.TargetPort)
	if remote.IP == "" || len(endpoints) == 0 {
		// Nothing probeable; running is the best signal available.
		h.markReady(ctx, inst, payload, nil)
		return nil
	}

	state, err := h.deps.Engine.Run(ctx, endpoints, cfg, health.Hooks{
		OnStart: func(state *core.HealthCheckState) {
			updated, uerr := h.deps.Store.Update(ctx, inst.ID, func(i *core.Instance) error {
				i.Status = core.StatusHealthChecking
				i.HealthCheck = state
				return nil
			})
			if uerr != nil {
				return
			}
			_, _ = h.deps.Tracker.Advance(inst.ID, lifecycle.PhaseHealthCheckStarted)
			h.notify(ctx, updated, core.WebhookEvent{
				Status:      core.EventHealthChecking,
				Reason:      "Health checks started",
				HealthCheck: state,
			})
		},
		OnSweep: func(state *core.HealthCheckState) {
			_, _ = h.deps.Store.Update(ctx, inst.ID, func(i *core.Instance) error {
				i.HealthCheck = state
				return nil
			})
		},
	})
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		h.settleHealthFailure(ctx, inst, payload, state, err)
		return nil
	}

	_, _ = h.deps.Tracker.Advance(inst.ID, lifecycle.PhaseHealthCheckCompleted)
	h.markReady(ctx, inst, payload, state)
	return nil
}

func (h *Handlers) markReady(ctx context.Context, inst *core.Instance, payload core.MonitorInstancePayload, state *core.HealthCheckState) {
	updated, err := h.deps.Store.Update(ctx, inst.ID, func(i *core.Instance) error {
		now := time.Now().UTC()
		i.Status = core.StatusReady
		i.ReadyAt = &now
		i.LastError = ""
		if state != nil {
			i.HealthCheck = state
		}
		return nil
	})
	if err != nil {
		h.logger.ErrorWithContext(ctx, "Failed to record ready status", map[string]interface{}{
			"instance_id": inst.ID,
			"error":       err.Error(),
		})
		return
	}
	_, _ = h.deps.Tracker.Advance(inst.ID, lifecycle.PhaseReady)

	h.logger.InfoWithContext(ctx, "Instance ready", map[string]interface{}{
		"instance_id": inst.ID,
		"elapsed_ms":  time.Since(payload.StartedAt).Milliseconds(),
	})
	h.notify(ctx, updated, core.WebhookEvent{
		Status:        core.EventReady,
		Reason:        "Instance is ready - all health checks passed",
		ElapsedTimeMs: time.Since(payload.StartedAt).Milliseconds(),
		HealthCheck:   state,
	})
}

// settleStartupFailure records a startup that never reached running.
func (h *Handlers) settleStartupFailure(ctx context.Context, inst *core.Instance, payload core.MonitorInstancePayload, cause error) {
	message := cause.Error()
	event := core.EventFailed
	if core.KindOf(cause) == core.KindStartupTimeout {
		event = core.EventTimeout
		message = fmt.Sprintf("Instance startup timeout after %dms", time.Since(payload.StartedAt).Milliseconds())
	}

	updated, err := h.deps.Store.Update(ctx, inst.ID, func(i *core.Instance) error {
		now := time.Now().UTC()
		i.Status = core.StatusFailed
		i.FailedAt = &now
		i.LastError = message
		return nil
	})
	if err != nil {
		h.logger.ErrorWithContext(ctx, "Failed to record startup failure", map[string]interface{}{
			"instance_id": inst.ID,
			"error":       err.Error(),
		})
		return
	}
	_, _ = h.deps.Tracker.Fail(inst.ID, message)
	h.notify(ctx, updated, core.WebhookEvent{
		Status:        event,
		Error:         message,
		Reason:        message,
		ElapsedTimeMs: time.Since(payload.StartedAt).Milliseconds(),
	})
}

// settleHealthFailure records a health-check verdict that never turned
// healthy, carrying the endpoint diagnostics in the webhook.
func (h *Handlers) settleHealthFailure(ctx context.Context, inst *core.Instance, payload core.MonitorInstancePayload, state *core.HealthCheckState, cause error) {
	message := cause.Error()
	event := core.EventFailed
	if core.KindOf(cause) == core.KindHealthCheckTimeout {
		event = core.EventTimeout
		message = fmt.Sprintf("Instance startup timeout after %dms", time.Since(payload.StartedAt).Milliseconds())
	}

	updated, err := h.deps.Store.Update(ctx, inst.ID, func(i *core.Instance) error {
		now := time.Now().UTC()
		i.Status = core.StatusFailed
		i.FailedAt = &now
		i.LastError = message
		if state != nil {
			i.HealthCheck = state
		}
		return nil
	})
	if err != nil {
		h.logger.ErrorWithContext(ctx, "Failed to record health-check failure", map[string]interface{}{
			"instance_id": inst.ID,
			"error":       err.Error(),
		})
		return
	}
	_, _ = h.deps.Tracker.Fail(inst.ID, message)
	h.notify(ctx, updated, core.WebhookEvent{
		Status:        event,
		Error:         message,
		Reason:        message,
		ElapsedTimeMs: time.Since(payload.StartedAt).Milliseconds(),
		HealthCheck:   state,
	})
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

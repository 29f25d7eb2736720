package workers

import (
	"context"
	"time"

	"github.com/gpufleet/gpufleet/core"
	"github.com/gpufleet/gpufleet/health"
	"github.com/gpufleet/gpufleet/lifecycle"
	"github.com/gpufleet/gpufleet/provider"
	"github.com/gpufleet/gpufleet/store"
	"github.com/gpufleet/gpufleet/webhook"
)

// AutoStopRunner is the auto-stop scan entry point the auto-stop-check
// handler delegates to.
type AutoStopRunner interface {
	RunCheck(ctx context.Context, dryRun bool, triggeredBy string) error
}

// MigrationRunner is the migration entry point for the migrate-spot and
// failed-migration-retry handlers.
type MigrationRunner interface {
	RunSweep(ctx context.Context, dryRun bool, triggeredBy string) error
	RetryOne(ctx context.Context, payload core.FailedMigrationRetryPayload) error
}

// Deps carries everything the handlers touch.
type Deps struct {
	Store      *store.Store
	API        provider.API
	Sink       core.JobSink
	Dispatcher *webhook.Dispatcher
	Engine     *health.Engine
	Tracker    *lifecycle.Tracker
	Defaults   core.InstanceDefaults
	Startup    core.StartupConfig
	AutoStop   AutoStopRunner
	Migration  MigrationRunner
	Logger     core.Logger
}

// Handlers implements the six job handlers.
type Handlers struct {
	deps   Deps
	logger core.Logger
}

// NewHandlers creates the handler set.
func NewHandlers(deps Deps) *Handlers {
	logger := deps.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("handlers")
	}
	if deps.Startup.PollInterval <= 0 {
		deps.Startup.PollInterval = 5 * time.Second
	}
	if deps.Startup.MaxWaitTime <= 0 {
		deps.Startup.MaxWaitTime = lifecycle.DefaultMaxWait
	}
	return &Handlers{deps: deps, logger: logger}
}

// RegisterAll binds every handler to its job type on the pool.
func (h *Handlers) RegisterAll(pool *Pool) {
	pool.Register(core.JobCreateInstance, h.HandleCreateInstance)
	pool.Register(core.JobMonitorInstance, h.HandleMonitorInstance)
	pool.Register(core.JobSendWebhook, h.HandleSendWebhook)
	pool.Register(core.JobAutoStopCheck, h.HandleAutoStopCheck)
	pool.Register(core.JobMigrateSpot, h.HandleMigrateSpot)
	pool.Register(core.JobFailedMigrationRetry, h.HandleFailedMigrationRetry)
}

// HandleSendWebhook delivers a queued webhook. Dispatcher retries run first;
// a returned error buys queue-level redelivery on top.
func (h *Handlers) HandleSendWebhook(ctx context.Context, job *core.Job) error {
	var payload core.SendWebhookPayload
	if err := job.DecodePayload(&payload); err != nil {
		return err
	}
	return h.deps.Dispatcher.Send(ctx, payload.URL, payload.Secret, payload.Event)
}

// HandleAutoStopCheck runs one idle-instance scan.
func (h *Handlers) HandleAutoStopCheck(ctx context.Context, job *core.Job) error {
	var payload core.AutoStopCheckPayload
	if err := job.DecodePayload(&payload); err != nil {
		return err
	}
	return h.deps.AutoStop.RunCheck(ctx, payload.DryRun, payload.TriggeredBy)
}

// HandleMigrateSpot runs one spot-reclaim migration sweep.
func (h *Handlers) HandleMigrateSpot(ctx context.Context, job *core.Job) error {
	var payload core.MigrateSpotPayload
	if err := job.DecodePayload(&payload); err != nil {
		return err
	}
	return h.deps.Migration.RunSweep(ctx, payload.DryRun, payload.TriggeredBy)
}

// HandleFailedMigrationRetry re-attempts one previously failed migration.
func (h *Handlers) HandleFailedMigrationRetry(ctx context.Context, job *core.Job) error {
	var payload core.FailedMigrationRetryPayload
	if err := job.DecodePayload(&payload); err != nil {
		return err
	}
	return h.deps.Migration.RetryOne(ctx, payload)
}

// notify delivers a webhook for the instance, falling back to a queued
// send-webhook job when direct delivery fails. Instances without a webhook
// URL are skipped.
func (h *Handlers) notify(ctx context.Context, inst *core.Instance, event core.WebhookEvent) {
	if inst == nil || inst.WebhookURL == "" {
		return
	}
	event.InstanceID = inst.ID
	if event.NovitaInstanceID == "" {
		event.NovitaInstanceID = inst.ProviderID
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	if err := h.deps.Dispatcher.Send(ctx, inst.WebhookURL, "", event); err == nil {
		return
	}
	job, err := core.NewJob(core.JobSendWebhook, core.PriorityHigh, 3, core.SendWebhookPayload{
		URL:   inst.WebhookURL,
		Event: event,
	})
	if err != nil {
		h.logger.ErrorWithContext(ctx, "Webhook could not be queued for redelivery", map[string]interface{}{
			"instance_id": inst.ID,
			"status":      event.Status,
			"error":       err.Error(),
		})
		return
	}
	if err := h.deps.Sink.Enqueue(ctx, job); err != nil {
		h.logger.ErrorWithContext(ctx, "Webhook redelivery enqueue failed", map[string]interface{}{
			"instance_id": inst.ID,
			"status":      event.Status,
			"error":       err.Error(),
		})
	}
}

// failInstance records a permanent failure on the instance and emits the
// failed webhook. Safe to call for already-failed instances.
func (h *Handlers) failInstance(ctx context.Context, instanceID, message string) {
	updated, err := h.deps.Store.Update(ctx, instanceID, func(inst *core.Instance) error {
		if inst.Status == core.StatusFailed {
			return nil
		}
		now := time.Now().UTC()
		inst.Status = core.StatusFailed
		inst.FailedAt = &now
		inst.LastError = message
		return nil
	})
	if err != nil {
		h.logger.ErrorWithContext(ctx, "Failed to mark instance failed", map[string]interface{}{
			"instance_id": instanceID,
			"error":       err.Error(),
		})
		return
	}
	if _, ferr := h.deps.Tracker.Fail(instanceID, message); ferr != nil && !core.IsNotFound(ferr) {
		h.logger.WarnWithContext(ctx, "Startup operation could not be failed", map[string]interface{}{
			"instance_id": instanceID,
			"error":       ferr.Error(),
		})
	}
	h.notify(ctx, updated, core.WebhookEvent{
		Status: core.EventFailed,
		Error:  message,
	})
}

// lastAttempt reports whether this lease consumed the job's final attempt.
func lastAttempt(job *core.Job) bool {
	return job.Attempts >= job.MaxAttempts
}

// Package autostop stops instances nobody is using.
//
// Purpose:
//   - A ticker enqueues one auto-stop-check job per interval; the check
//     scans running and ready instances and stops those idle past the
//     inactivity threshold
//   - Dry-run mode reports candidates without touching the provider, and
//     is the default for manual triggers
package autostop

import (
	"context"
	"sync"
	"time"

	"github.com/gpufleet/gpufleet/core"
	"github.com/gpufleet/gpufleet/provider"
	"github.com/gpufleet/gpufleet/store"
	"github.com/gpufleet/gpufleet/webhook"
)

// Interval bounds. Configured intervals outside these are clamped.
const (
	MinInterval = time.Minute
	MaxInterval = time.Hour
)

// Stats is the scheduler's last-run summary for the API.
type Stats struct {
	Enabled         bool       `json:"enabled"`
	DryRun          bool       `json:"dryRun"`
	ThresholdMs     int64      `json:"inactivityThresholdMs"`
	LastRunAt       *time.Time `json:"lastRunAt,omitempty"`
	LastCandidates  int        `json:"lastCandidates"`
	LastStopped     int        `json:"lastStopped"`
	TotalStopped    int64      `json:"totalStopped"`
	LastTriggeredBy string     `json:"lastTriggeredBy,omitempty"`
}

// Candidate is one idle instance found by a scan.
type Candidate struct {
	InstanceID string        `json:"instanceId"`
	Name       string        `json:"name"`
	IdleFor    time.Duration `json:"idleForMs"`
}

// Checker performs the idle scan. It implements the auto-stop-check job.
type Checker struct {
	store      *store.Store
	api        provider.API
	dispatcher *webhook.Dispatcher
	cfg        core.AutoStopConfig
	logger     core.Logger

	mu    sync.Mutex
	stats Stats
	now   func() time.Time
}

// NewChecker creates a Checker.
func NewChecker(st *store.Store, api provider.API, dispatcher *webhook.Dispatcher, cfg core.AutoStopConfig, logger core.Logger) *Checker {
	if cfg.InactivityThreshold <= 0 {
		cfg.InactivityThreshold = 20 * time.Minute
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("autostop")
	}
	return &Checker{
		store:      st,
		api:        api,
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     logger,
		stats: Stats{
			Enabled:     cfg.Enabled,
			DryRun:      cfg.DryRun,
			ThresholdMs: cfg.InactivityThreshold.Milliseconds(),
		},
		now: time.Now,
	}
}

// RunCheck scans for idle instances and stops them (or only reports them,
// when dryRun). Per-item failures are logged and the scan continues.
func (c *Checker) RunCheck(ctx context.Context, dryRun bool, triggeredBy string) error {
	now := c.now().UTC()
	candidates, err := c.findCandidates(ctx, now)
	if err != nil {
		return err
	}

	stopped := 0
	if dryRun {
		for _, cand := range candidates {
			c.logger.InfoWithContext(ctx, "Auto-stop candidate (dry run)", map[string]interface{}{
				"instance_id": cand.InstanceID,
				"name":        cand.Name,
				"idle_for":    cand.IdleFor.String(),
			})
		}
	} else {
		for _, cand := range candidates {
			if ctx.Err() != nil {
				break
			}
			if err := c.stopOne(ctx, cand); err != nil {
				c.logger.ErrorWithContext(ctx, "Auto-stop failed", map[string]interface{}{
					"instance_id": cand.InstanceID,
					"error":       err.Error(),
				})
				continue
			}
			stopped++
		}
	}

	c.mu.Lock()
	c.stats.LastRunAt = &now
	c.stats.LastCandidates = len(candidates)
	c.stats.LastStopped = stopped
	c.stats.TotalStopped += int64(stopped)
	c.stats.LastTriggeredBy = triggeredBy
	c.mu.Unlock()

	c.logger.InfoWithContext(ctx, "Auto-stop scan finished", map[string]interface{}{
		"candidates":   len(candidates),
		"stopped":      stopped,
		"dry_run":      dryRun,
		"triggered_by": triggeredBy,
	})
	return nil
}

// findCandidates returns active instances idle past the threshold.
func (c *Checker) findCandidates(ctx context.Context, now time.Time) ([]Candidate, error) {
	instances, err := c.store.List(ctx, store.Filter{
		Statuses: []core.InstanceStatus{core.StatusRunning, core.StatusReady},
	})
	if err != nil {
		return nil, err
	}

	var out []Candidate
	for _, inst := range instances {
		since := inst.IdleSince()
		if since.IsZero() {
			continue
		}
		idleFor := now.Sub(since)
		if idleFor >= c.cfg.InactivityThreshold {
			out = append(out, Candidate{InstanceID: inst.ID, Name: inst.Name, IdleFor: idleFor})
		}
	}
	return out, nil
}

// stopOne stops a single idle instance. The store's per-instance lock keeps
// this from racing a concurrent start; an instance that left the active
// states since the scan is skipped.
func (c *Checker) stopOne(ctx context.Context, cand Candidate) error {
	inst, err := c.store.Get(ctx, cand.InstanceID)
	if err != nil {
		return err
	}
	if !inst.Status.IsActive() {
		return nil
	}
	if err := c.api.StopInstance(ctx, inst.ProviderID); err != nil {
		return err
	}
	updated, err := c.store.Update(ctx, inst.ID, func(i *core.Instance) error {
		now := c.now().UTC()
		i.Status = core.StatusStopping
		i.StoppingAt = &now
		return nil
	})
	if err != nil {
		return err
	}

	if updated.WebhookURL != "" {
		event := core.WebhookEvent{
			InstanceID:       updated.ID,
			Status:           core.EventStopped,
			NovitaInstanceID: updated.ProviderID,
			Reason:           "Auto-stopped due to inactivity",
			Data: map[string]interface{}{
				"idleForMs": cand.IdleFor.Milliseconds(),
			},
		}
		if err := c.dispatcher.Send(ctx, updated.WebhookURL, "", event); err != nil {
			c.logger.WarnWithContext(ctx, "Stopped webhook delivery failed", map[string]interface{}{
				"instance_id": updated.ID,
				"error":       err.Error(),
			})
		}
	}
	return nil
}

// Stats returns a copy of the current counters.
func (c *Checker) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.stats
	if c.stats.LastRunAt != nil {
		t := *c.stats.LastRunAt
		out.LastRunAt = &t
	}
	return out
}

// Scheduler enqueues one auto-stop-check job per tick.
type Scheduler struct {
	sink   core.JobSink
	cfg    core.AutoStopConfig
	logger core.Logger
}

// NewScheduler creates a Scheduler.
func NewScheduler(sink core.JobSink, cfg core.AutoStopConfig, logger core.Logger) *Scheduler {
	if cfg.Interval < MinInterval {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.Interval > MaxInterval {
		cfg.Interval = MaxInterval
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("autostop")
	}
	return &Scheduler{sink: sink, cfg: cfg, logger: logger}
}

// Run ticks until ctx is cancelled. Disabled schedulers return immediately.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.cfg.Enabled {
		s.logger.Info("Auto-stop scheduler disabled", nil)
		return nil
	}
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.enqueueCheck(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("Failed to enqueue auto-stop check", map[string]interface{}{
					"error": err.Error(),
				})
			}
		}
	}
}

func (s *Scheduler) enqueueCheck(ctx context.Context) error {
	job, err := core.NewJob(core.JobAutoStopCheck, core.PriorityNormal, 1, core.AutoStopCheckPayload{
		DryRun:      s.cfg.DryRun,
		TriggeredBy: "scheduler",
	})
	if err != nil {
		return err
	}
	return s.sink.Enqueue(ctx, job)
}

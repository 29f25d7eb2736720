// Package migration replaces spot instances the provider has reclaimed.
//
// Purpose:
//   - A periodic sweep pages the full provider listing, finds reclaimed
//     spot instances (exited with a reclaim timestamp), and migrates up to
//     a bounded number per sweep
//   - Failures are categorized; transient categories can be re-driven
//     through failed-migration-retry jobs
//   - Every outcome lands in a bounded Redis history with aggregate stats
//     for the API
package migration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"golang.org/x/sync/errgroup"

	"github.com/gpufleet/gpufleet/core"
	"github.com/gpufleet/gpufleet/provider"
	"github.com/gpufleet/gpufleet/store"
	"github.com/gpufleet/gpufleet/webhook"
)

// Concurrency and interval bounds.
const (
	MinInterval      = time.Minute
	MaxInterval      = time.Hour
	MinConcurrent    = 1
	MaxConcurrent    = 20
	defaultHistLimit = 50
)

// Category classifies why a migration failed.
type Category string

const (
	CategoryNetwork       Category = "network"
	CategoryTimeout       Category = "timeout"
	CategoryRateLimit     Category = "rate-limit"
	CategoryAPI           Category = "api"
	CategoryScheduling    Category = "scheduling"
	CategoryMigration     Category = "migration"
	CategoryConfiguration Category = "configuration"
	CategoryEligibility   Category = "eligibility"
)

// Categorize maps a migration failure to its category and whether a retry
// can help. API failures only retry on 5xx or 429; configuration and
// eligibility failures never retry.
func Categorize(err error) (Category, bool) {
	switch core.KindOf(err) {
	case core.KindNetwork:
		return CategoryNetwork, true
	case core.KindProviderTimeout, core.KindStartupTimeout:
		return CategoryTimeout, true
	case core.KindRateLimit:
		return CategoryRateLimit, true
	case core.KindCircuitOpen:
		return CategoryAPI, true
	case core.KindProviderClient:
		var ce *core.ControlError
		if errors.As(err, &ce) {
			return CategoryAPI, ce.Status >= 500 || ce.Status == 429
		}
		return CategoryAPI, false
	case core.KindResourceConstraints:
		return CategoryScheduling, true
	case core.KindValidation:
		return CategoryConfiguration, false
	case core.KindNotFound:
		return CategoryEligibility, false
	default:
		return CategoryMigration, true
	}
}

// Record is one migration attempt in the history.
type Record struct {
	ProviderInstanceID string    `json:"novitaInstanceId"`
	NewProviderID      string    `json:"newNovitaInstanceId,omitempty"`
	InstanceID         string    `json:"instanceId,omitempty"`
	Name               string    `json:"name,omitempty"`
	Success            bool      `json:"success"`
	DryRun             bool      `json:"dryRun,omitempty"`
	Category           Category  `json:"category,omitempty"`
	Error              string    `json:"error,omitempty"`
	TriggeredBy        string    `json:"triggeredBy,omitempty"`
	StartedAt          time.Time `json:"startedAt"`
	DurationMs         int64     `json:"durationMs"`
}

// Stats is the migration summary for the API.
type Stats struct {
	Enabled       bool       `json:"enabled"`
	DryRun        bool       `json:"dryRun"`
	TotalSweeps   int64      `json:"totalSweeps"`
	TotalMigrated int64      `json:"totalMigrated"`
	TotalFailed   int64      `json:"totalFailed"`
	TotalRetries  int64      `json:"totalRetries"`
	LastSweepAt   *time.Time `json:"lastSweepAt,omitempty"`
	LastEligible  int        `json:"lastEligible"`
	LastMigrated  int        `json:"lastMigrated"`
	LastFailed    int        `json:"lastFailed"`
}

// Runner performs sweeps and single retries. It implements the migrate-spot
// and failed-migration-retry jobs.
type Runner struct {
	api        provider.API
	store      *store.Store
	sink       core.JobSink
	dispatcher *webhook.Dispatcher
	client     *redis.Client
	keys       core.KeySpace
	cfg        core.MigrationConfig
	logger     core.Logger

	mu    sync.Mutex
	stats Stats
}

// NewRunner creates a Runner.
func NewRunner(api provider.API, st *store.Store, sink core.JobSink, dispatcher *webhook.Dispatcher,
	client *redis.Client, keys core.KeySpace, cfg core.MigrationConfig, logger core.Logger) *Runner {
	if cfg.MaxConcurrent < MinConcurrent {
		cfg.MaxConcurrent = 5
	}
	if cfg.MaxConcurrent > MaxConcurrent {
		cfg.MaxConcurrent = MaxConcurrent
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistLimit
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("migration")
	}
	return &Runner{
		api:        api,
		store:      st,
		sink:       sink,
		dispatcher: dispatcher,
		client:     client,
		keys:       keys,
		cfg:        cfg,
		logger:     logger,
		stats:      Stats{Enabled: cfg.Enabled, DryRun: cfg.DryRun},
	}
}

func (r *Runner) historyKey() string { return r.keys.Key("migration", "history") }
func (r *Runner) statsKey() string { return r.keys.Key("migration", "stats") }

// RunSweep pages the provider listing and migrates up to maxConcurrent
// reclaimed spot instances, concurrently.
func (r *Runner) RunSweep(ctx context.Context, dryRun bool, triggeredBy string) error {
	instances, err := r.api.ListAllInstances(ctx)
	if err != nil {
		return fmt.Errorf("migration sweep could not list instances: %w", err)
	}

	var eligible []provider.Instance
	for _, inst := range instances {
		if inst.SpotReclaimed() {
			eligible = append(eligible, inst)
		}
	}
	batch := eligible
	if len(batch) > r.cfg.MaxConcurrent {
		batch = batch[:r.cfg.MaxConcurrent]
	}

	var (
		recMu   sync.Mutex
		records []Record
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.MaxConcurrent)
	for i := range batch {
		remote := batch[i]
		g.Go(func() error {
			rec := r.migrateOne(gctx, remote, dryRun, triggeredBy)
			recMu.Lock()
			records = append(records, rec)
			recMu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	migrated, failed := 0, 0
	for _, rec := range records {
		if rec.DryRun {
			continue
		}
		if rec.Success {
			migrated++
		} else {
			failed++
		}
		r.appendHistory(ctx, rec)
	}
	r.persistCounters(ctx, migrated, failed)

	now := time.Now().UTC()
	r.mu.Lock()
	r.stats.TotalSweeps++
	r.stats.TotalMigrated += int64(migrated)
	r.stats.TotalFailed += int64(failed)
	r.stats.LastSweepAt = &now
	r.stats.LastEligible = len(eligible)
	r.stats.LastMigrated = migrated
	r.stats.LastFailed = failed
	r.mu.Unlock()

	r.logger.InfoWithContext(ctx, "Migration sweep finished", map[string]interface{}{
		"eligible":     len(eligible),
		"attempted":    len(batch),
		"migrated":     migrated,
		"failed":       failed,
		"dry_run":      dryRun,
		"triggered_by": triggeredBy,
	})
	return nil
}

// RetryOne re-attempts a single previously failed migration, provided the
// instance is still reclaimed.
func (r *Runner) RetryOne(ctx context.Context, payload core.FailedMigrationRetryPayload) error {
	remote, err := r.api.GetInstance(ctx, payload.ProviderInstanceID)
	if err != nil {
		if core.IsNotFound(err) {
			r.logger.InfoWithContext(ctx, "Retry target no longer exists, dropping", map[string]interface{}{
				"provider_id": payload.ProviderInstanceID,
			})
			return nil
		}
		return err
	}
	if !remote.SpotReclaimed() {
		r.logger.InfoWithContext(ctx, "Retry target no longer reclaimed, dropping", map[string]interface{}{
			"provider_id": payload.ProviderInstanceID,
			"status":      remote.Status,
		})
		return nil
	}

	rec := r.migrateOne(ctx, *remote, false, "retry")
	r.appendHistory(ctx, rec)
	r.mu.Lock()
	r.stats.TotalRetries++
	if rec.Success {
		r.stats.TotalMigrated++
	} else {
		r.stats.TotalFailed++
	}
	r.mu.Unlock()
	if rec.Success {
		r.persistCounters(ctx, 1, 0)
		return nil
	}
	r.persistCounters(ctx, 0, 1)
	return fmt.Errorf("migration retry for %s failed: %s", payload.ProviderInstanceID, rec.Error)
}

// migrateOne migrates a single reclaimed instance and returns the history
// record. Local state moves exited -> migrating -> running when we hold a
// record for the instance.
func (r *Runner) migrateOne(ctx context.Context, remote provider.Instance, dryRun bool, triggeredBy string) Record {
	start := time.Now().UTC()
	rec := Record{
		ProviderInstanceID: remote.ID,
		Name:               remote.Name,
		DryRun:             dryRun,
		TriggeredBy:        triggeredBy,
		StartedAt:          start,
	}

	local, err := r.store.GetByProviderID(ctx, remote.ID)
	if err != nil && !core.IsNotFound(err) {
		rec.Category, _ = Categorize(err)
		rec.Error = err.Error()
		rec.DurationMs = time.Since(start).Milliseconds()
		return rec
	}
	if local != nil {
		rec.InstanceID = local.ID
	}

	if dryRun {
		rec.Success = true
		rec.DurationMs = time.Since(start).Milliseconds()
		r.logger.InfoWithContext(ctx, "Migration candidate (dry run)", map[string]interface{}{
			"provider_id":  remote.ID,
			"name":         remote.Name,
			"reclaimed_at": remote.SpotReclaimTime,
		})
		return rec
	}

	if local != nil {
		_, _ = r.store.Update(ctx, local.ID, func(i *core.Instance) error {
			i.Status = core.StatusMigrating
			return nil
		})
	}

	newID, err := r.api.MigrateInstance(ctx, remote.ID)
	rec.DurationMs = time.Since(start).Milliseconds()
	if err != nil {
		category, retryable := Categorize(err)
		rec.Category = category
		rec.Error = err.Error()
		r.logger.ErrorWithContext(ctx, "Migration failed", map[string]interface{}{
			"provider_id": remote.ID,
			"category":    string(category),
			"retryable":   retryable,
			"error":       err.Error(),
		})
		if local != nil {
			_, _ = r.store.Update(ctx, local.ID, func(i *core.Instance) error {
				i.Status = core.StatusExited
				i.LastError = err.Error()
				return nil
			})
		}
		if retryable && r.cfg.RetryFailed {
			r.enqueueRetry(ctx, remote.ID, rec.InstanceID, category, err)
		}
		return rec
	}

	rec.Success = true
	rec.NewProviderID = newID
	if local != nil {
		updated := r.finishLocal(ctx, local, newID)
		if updated != nil && updated.WebhookURL != "" {
			event := core.WebhookEvent{
				InstanceID:       updated.ID,
				Status:           core.EventMigrated,
				NovitaInstanceID: updated.ProviderID,
				Data: map[string]interface{}{
					"previousNovitaInstanceId": remote.ID,
				},
			}
			if werr := r.dispatcher.Send(ctx, updated.WebhookURL, "", event); werr != nil {
				r.logger.WarnWithContext(ctx, "Migrated webhook delivery failed", map[string]interface{}{
					"instance_id": updated.ID,
					"error":       werr.Error(),
				})
			}
		}
	}
	return rec
}

func (r *Runner) finishLocal(ctx context.Context, local *core.Instance, newProviderID string) *core.Instance {
	inst := local
	if newProviderID != "" && newProviderID != local.ProviderID {
		rebound, err := r.store.ReplaceProviderID(ctx, local.ID, newProviderID)
		if err != nil {
			r.logger.ErrorWithContext(ctx, "Failed to rebind migrated instance", map[string]interface{}{
				"instance_id": local.ID,
				"error":       err.Error(),
			})
			return nil
		}
		inst = rebound
	}
	updated, err := r.store.Update(ctx, inst.ID, func(i *core.Instance) error {
		now := time.Now().UTC()
		i.Status = core.StatusRunning
		i.StartedAt = &now
		i.LastError = ""
		return nil
	})
	if err != nil {
		r.logger.ErrorWithContext(ctx, "Failed to record migrated status", map[string]interface{}{
			"instance_id": inst.ID,
			"error":       err.Error(),
		})
		return inst
	}
	return updated
}

func (r *Runner) enqueueRetry(ctx context.Context, providerID, instanceID string, category Category, cause error) {
	job, err := core.NewJob(core.JobFailedMigrationRetry, core.PriorityNormal, 3, core.FailedMigrationRetryPayload{
		ProviderInstanceID: providerID,
		InstanceID:         instanceID,
		Category:           string(category),
		LastError:          cause.Error(),
	})
	if err != nil {
		return
	}
	if err := r.sink.Enqueue(ctx, job); err != nil {
		r.logger.ErrorWithContext(ctx, "Failed to enqueue migration retry", map[string]interface{}{
			"provider_id": providerID,
			"error":       err.Error(),
		})
	}
}

func (r *Runner) appendHistory(ctx context.Context, rec Record) {
	data, err := json.Marshal(rec)
	if err != nil {
		return
	}
	pipe := r.client.TxPipeline()
	pipe.LPush(ctx, r.historyKey(), data)
	pipe.LTrim(ctx, r.historyKey(), 0, int64(r.cfg.HistoryLimit-1))
	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.Warn("Failed to append migration history", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

func (r *Runner) persistCounters(ctx context.Context, migrated, failed int) {
	if migrated == 0 && failed == 0 {
		return
	}
	pipe := r.client.TxPipeline()
	if migrated > 0 {
		pipe.HIncrBy(ctx, r.statsKey(), "migrated", int64(migrated))
	}
	if failed > 0 {
		pipe.HIncrBy(ctx, r.statsKey(), "failed", int64(failed))
	}
	_, _ = pipe.Exec(ctx)
}

// History returns up to limit recent records, newest first.
func (r *Runner) History(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 || limit > r.cfg.HistoryLimit {
		limit = r.cfg.HistoryLimit
	}
	raw, err := r.client.LRange(ctx, r.historyKey(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read migration history: %w", err)
	}
	out := make([]Record, 0, len(raw))
	for _, item := range raw {
		var rec Record
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Stats returns a copy of the current counters.
func (r *Runner) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.stats
	if r.stats.LastSweepAt != nil {
		t := *r.stats.LastSweepAt
		out.LastSweepAt = &t
	}
	return out
}

// Scheduler enqueues one migrate-spot job per tick.
type Scheduler struct {
	sink   core.JobSink
	cfg    core.MigrationConfig
	logger core.Logger
}

// NewScheduler creates a Scheduler.
func NewScheduler(sink core.JobSink, cfg core.MigrationConfig, logger core.Logger) *Scheduler {
	if cfg.Interval < MinInterval {
		cfg.Interval = 15 * time.Minute
	}
	if cfg.Interval > MaxInterval {
		cfg.Interval = MaxInterval
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("migration")
	}
	return &Scheduler{sink: sink, cfg: cfg, logger: logger}
}

// Run ticks until ctx is cancelled. Disabled schedulers return immediately.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.cfg.Enabled {
		s.logger.Info("Migration scheduler disabled", nil)
		return nil
	}
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.enqueueSweep(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("Failed to enqueue migration sweep", map[string]interface{}{
					"error": err.Error(),
				})
			}
		}
	}
}

func (s *Scheduler) enqueueSweep(ctx context.Context) error {
	job, err := core.NewJob(core.JobMigrateSpot, core.PriorityNormal, 1, core.MigrateSpotPayload{
		DryRun:      s.cfg.DryRun,
		TriggeredBy: "scheduler",
	})
	if err != nil {
		return err
	}
	return s.sink.Enqueue(ctx, job)
}

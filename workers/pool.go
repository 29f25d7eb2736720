// Package workers runs the job handlers behind the durable queue.
//
// Purpose:
//   - A fixed pool of goroutines leases jobs, dispatches them by type to
//     registered handlers, and reports the outcome back to the queue
//   - Panics inside a handler fail the job instead of the process; every
//     job runs under a bounded timeout context
package workers

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gpufleet/gpufleet/core"
	"github.com/gpufleet/gpufleet/queue"
	"github.com/gpufleet/gpufleet/telemetry"
)

// Handler processes one leased job. A nil return completes the job; an error
// sends it through the queue's retry schedule.
type Handler func(ctx context.Context, job *core.Job) error

// Pool bounds. Concurrency outside these is clamped.
const (
	MinConcurrency = 1
	MaxConcurrency = 50
)

// Pool is the worker pool. Register all handlers before calling Run.
type Pool struct {
	queue       *queue.RedisQueue
	handlers    map[core.JobType]Handler
	concurrency int
	poll        time.Duration
	jobTimeout  time.Duration
	logger      core.Logger
}

// NewPool creates a Pool over the queue with the jobs configuration.
func NewPool(q *queue.RedisQueue, cfg core.JobsConfig, logger core.Logger) *Pool {
	concurrency := cfg.Concurrency
	if concurrency < MinConcurrency {
		concurrency = 5
	}
	if concurrency > MaxConcurrency {
		concurrency = MaxConcurrency
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	jobTimeout := cfg.ProcessingTimeout
	if jobTimeout <= 0 {
		jobTimeout = 5 * time.Minute
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("workers")
	}
	return &Pool{
		queue:       q,
		handlers:    make(map[core.JobType]Handler),
		concurrency: concurrency,
		poll:        poll,
		jobTimeout:  jobTimeout,
		logger:      logger,
	}
}

// Register binds a handler to a job type. Later registrations replace
// earlier ones.
func (p *Pool) Register(jobType core.JobType, h Handler) {
	p.handlers[jobType] = h
}

// Run blocks until ctx is cancelled, operating the full pool. In-flight jobs
// finish their current attempt; interrupted leases recover through the
// queue's stale-processing sweep.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.concurrency; i++ {
		workerID := fmt.Sprintf("worker-%d", i)
		g.Go(func() error {
			p.workerLoop(ctx, workerID)
			return nil
		})
	}
	return g.Wait()
}

func (p *Pool) workerLoop(ctx context.Context, workerID string) {
	for {
		if ctx.Err() != nil {
			return
		}
		job, err := p.queue.Lease(ctx, workerID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Error("Lease failed", map[string]interface{}{
				"worker_id": workerID,
				"error":     err.Error(),
			})
			p.idle(ctx)
			continue
		}
		if job == nil {
			p.idle(ctx)
			continue
		}
		p.runJob(ctx, workerID, job)
	}
}

func (p *Pool) idle(ctx context.Context) {
	timer := time.NewTimer(p.poll)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func (p *Pool) runJob(ctx context.Context, workerID string, job *core.Job) {
	handler, ok := p.handlers[job.Type]
	if !ok {
		p.report(ctx, job, fmt.Errorf("no handler registered for job type %s", job.Type))
		return
	}

	corrCtx, _ := core.EnsureCorrelationID(ctx)
	jobCtx, cancel := context.WithTimeout(corrCtx, p.jobTimeout)
	defer cancel()

	start := time.Now()
	err := p.invoke(jobCtx, handler, job)
	durationMs := time.Since(start).Milliseconds()
	outcome := "success"
	if err != nil {
		outcome = "failure"
		telemetry.RecordSpanError(jobCtx, err)
	}
	telemetry.Counter(jobCtx, "jobs.processed", "type", string(job.Type), "outcome", outcome)
	telemetry.Histogram(jobCtx, "jobs.duration_ms", float64(durationMs), "type", string(job.Type))
	p.logger.DebugWithContext(jobCtx, "Job handler finished", map[string]interface{}{
		"job_id":      job.ID,
		"job_type":    string(job.Type),
		"worker_id":   workerID,
		"duration_ms": durationMs,
		"success":     err == nil,
	})
	p.report(ctx, job, err)
}

// invoke runs the handler with panic containment.
func (p *Pool) invoke(ctx context.Context, handler Handler, job *core.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
			p.logger.Error("Job handler panicked", map[string]interface{}{
				"job_id":   job.ID,
				"job_type": string(job.Type),
				"panic":    fmt.Sprintf("%v", r),
				"stack":    string(debug.Stack()),
			})
		}
	}()
	return handler(ctx, job)
}

// report settles the job outcome. Completion and failure use a background
// deadline so a cancelled pool context still releases the lease.
func (p *Pool) report(ctx context.Context, job *core.Job, jobErr error) {
	settleCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		settleCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	var err error
	if jobErr == nil {
		err = p.queue.Complete(settleCtx, job.ID)
	} else {
		err = p.queue.Fail(settleCtx, job.ID, jobErr)
	}
	if err != nil {
		p.logger.Error("Failed to settle job outcome", map[string]interface{}{
			"job_id": job.ID,
			"error":  err.Error(),
		})
	}
}

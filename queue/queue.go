// Package queue implements the durable Redis-backed job queue.
//
// Purpose:
//   - Priority ordering with creation-time tie break, delayed retries with
//     exponential backoff, and crash recovery of interrupted work
//   - Lease atomicity: a job is never handed to two workers
//
// Storage layout under the deployment key prefix:
//
//	jobs:queue      ZSET  job IDs, score = priority band + recency
//	jobs:retry      ZSET  job IDs, score = retry-at epoch ms
//	jobs:processing HASH  job ID -> {startedAt, workerId}
//	jobs:data:<id>  serialized job record
//	jobs:completed  capped list of recent completions
//	jobs:failed     capped list of permanent failures
//	jobs:stats      aggregate counters
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/gpufleet/gpufleet/core"
)

// Score layout: priority occupies bands of priorityBand; within a band,
// earlier creation ranks higher via (epochCeilingMs - createdAtMs). The
// ceiling is far enough out (~year 2286) that the recency term never crosses
// into the next priority band, and float64 keeps millisecond resolution at
// this magnitude.
const (
	priorityBand   = 1e13
	epochCeilingMs = 1e13
)

// jobScore ranks a pending job. Higher score is leased first.
func jobScore(priority core.JobPriority, createdAt time.Time) float64 {
	return float64(priority)*priorityBand + (epochCeilingMs - float64(createdAt.UnixMilli()))
}

// leaseScript atomically pops the highest-ranked job ID and claims it in the
// processing hash, so two concurrent leasers can never receive the same job.
var leaseScript = redis.NewScript(`
local popped = redis.call('ZPOPMAX', KEYS[1])
if #popped == 0 then
  return false
end
local id = popped[1]
redis.call('HSET', KEYS[2], id, ARGV[1])
return id
`)

// Config tunes the queue. Zero values fall back to the listed defaults.
type Config struct {
	// MaxAttempts is the default attempt budget for jobs enqueued without
	// one. Default: 3.
	MaxAttempts int

	// BackoffBase and BackoffMax bound the retry delay schedule
	// base * 2^(attempts-1), plus up to 10% jitter. Defaults: 1s, 5m.
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// ProcessingTimeout is the stale threshold: processing entries older
	// than this are treated as crashed and recovered. Default: 5m.
	ProcessingTimeout time.Duration

	// CompletedCap / FailedCap bound the post-mortem lists. Default: 100.
	CompletedCap int
	FailedCap    int

	// Logger is optional.
	Logger core.Logger
}

func (c *Config) applyDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 5 * time.Minute
	}
	if c.ProcessingTimeout <= 0 {
		c.ProcessingTimeout = 5 * time.Minute
	}
	if c.CompletedCap <= 0 {
		c.CompletedCap = 100
	}
	if c.FailedCap <= 0 {
		c.FailedCap = 100
	}
}

// processingEntry is the value stored in the processing hash.
type processingEntry struct {
	StartedAt time.Time `json:"startedAt"`
	WorkerID  string    `json:"workerId,omitempty"`
}

// Stats is a point-in-time snapshot of queue depth and counters.
type Stats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Delayed    int64 `json:"delayed"`
	Enqueued   int64 `json:"enqueued"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	Retried    int64 `json:"retried"`
	Recovered  int64 `json:"recovered"`
}

// RedisQueue is the durable queue. Safe for concurrent use.
type RedisQueue struct {
	client *redis.Client
	keys   core.KeySpace
	config Config
	logger core.Logger
}

// New creates a queue on an already-connected Redis client.
func New(client *redis.Client, keys core.KeySpace, config Config) *RedisQueue {
	config.applyDefaults()
	logger := config.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("queue")
	}
	return &RedisQueue{
		client: client,
		keys:   keys,
		config: config,
		logger: logger,
	}
}

func (q *RedisQueue) queueKey() string { return q.keys.Key("jobs", "queue") }
func (q *RedisQueue) retryKey() string { return q.keys.Key("jobs", "retry") }
func (q *RedisQueue) processingKey() string { return q.keys.Key("jobs", "processing") }
func (q *RedisQueue) completedKey() string { return q.keys.Key("jobs", "completed") }
func (q *RedisQueue) failedKey() string { return q.keys.Key("jobs", "failed") }
func (q *RedisQueue) statsKey() string { return q.keys.Key("jobs", "stats") }
func (q *RedisQueue) dataKey(id string) string {
	return q.keys.Key("jobs", "data", id)
}

// Enqueue stores the job record and adds it to the pending set. Enqueueing
// an ID that is already pending, processing, or awaiting retry is a no-op.
func (q *RedisQueue) Enqueue(ctx context.Context, job *core.Job) error {
	if job == nil || job.ID == "" {
		return core.NewValidationError("job must have an ID", nil)
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = q.config.MaxAttempts
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	job.Status = core.JobPending

	queued, err := q.isQueued(ctx, job.ID)
	if err != nil {
		return err
	}
	if queued {
		q.logger.DebugWithContext(ctx, "Job already queued, skipping", map[string]interface{}{
			"job_id":   job.ID,
			"job_type": string(job.Type),
		})
		return nil
	}

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to serialize job %s: %w", job.ID, err)
	}

	pipe := q.client.TxPipeline()
	pipe.Set(ctx, q.dataKey(job.ID), data, 0)
	pipe.ZAdd(ctx, q.queueKey(), &redis.Z{
		Score:  jobScore(job.Priority, job.CreatedAt),
		Member: job.ID,
	})
	pipe.HIncrBy(ctx, q.statsKey(), "enqueued", 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to enqueue job %s: %w", job.ID, err)
	}

	q.logger.InfoWithContext(ctx, "Job enqueued", map[string]interface{}{
		"job_id":   job.ID,
		"job_type": string(job.Type),
		"priority": int(job.Priority),
	})
	return nil
}

func (q *RedisQueue) isQueued(ctx context.Context, id string) (bool, error) {
	pipe := q.client.TxPipeline()
	inQueue := pipe.ZScore(ctx, q.queueKey(), id)
	inProcessing := pipe.HExists(ctx, q.processingKey(), id)
	inRetry := pipe.ZScore(ctx, q.retryKey(), id)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return false, fmt.Errorf("failed to check queue membership for %s: %w", id, err)
	}
	if inQueue.Err() == nil || inRetry.Err() == nil {
		return true, nil
	}
	return inProcessing.Val(), nil
}

// Lease atomically claims the highest-ranked pending job for workerID.
// Returns (nil, nil) when no work is ready. The returned record has status
// processing and its attempt counter already incremented.
func (q *RedisQueue) Lease(ctx context.Context, workerID string) (*core.Job, error) {
	now := time.Now().UTC()
	entry, _ := json.Marshal(processingEntry{StartedAt: now, WorkerID: workerID})

	res, err := leaseScript.Run(ctx, q.client,
		[]string{q.queueKey(), q.processingKey()},
		string(entry),
	).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lease job: %w", err)
	}

	id, ok := res.(string)
	if !ok || id == "" {
		return nil, nil
	}

	job, err := q.GetJob(ctx, id)
	if err != nil {
		// Orphaned queue entry without a data record; drop the claim.
		q.client.HDel(ctx, q.processingKey(), id)
		return nil, err
	}

	job.Status = core.JobProcessing
	job.Attempts++
	job.ProcessedAt = &now
	if err := q.putJob(ctx, job); err != nil {
		return nil, err
	}

	q.logger.DebugWithContext(ctx, "Job leased", map[string]interface{}{
		"job_id":    job.ID,
		"job_type":  string(job.Type),
		"attempt":   job.Attempts,
		"worker_id": workerID,
	})
	return job, nil
}

// Complete releases the lease and records the job as completed.
func (q *RedisQueue) Complete(ctx context.Context, id string) error {
	job, err := q.GetJob(ctx, id)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	job.Status = core.JobCompleted
	job.CompletedAt = &now
	job.Error = ""

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to serialize job %s: %w", id, err)
	}

	pipe := q.client.TxPipeline()
	pipe.HDel(ctx, q.processingKey(), id)
	pipe.Set(ctx, q.dataKey(id), data, 0)
	pipe.LPush(ctx, q.completedKey(), id)
	pipe.LTrim(ctx, q.completedKey(), 0, int64(q.config.CompletedCap-1))
	pipe.HIncrBy(ctx, q.statsKey(), "completed", 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to complete job %s: %w", id, err)
	}

	q.logger.InfoWithContext(ctx, "Job completed", map[string]interface{}{
		"job_id":   id,
		"job_type": string(job.Type),
		"attempts": job.Attempts,
	})
	return nil
}

// Fail releases the lease and either schedules a delayed retry or, when the
// attempt budget is exhausted, marks the job permanently failed.
func (q *RedisQueue) Fail(ctx context.Context, id string, jobErr error) error {
	job, err := q.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if jobErr != nil {
		job.Error = jobErr.Error()
	}

	if job.Attempts < job.MaxAttempts {
		return q.scheduleRetry(ctx, job)
	}
	return q.failPermanently(ctx, job)
}

func (q *RedisQueue) scheduleRetry(ctx context.Context, job *core.Job) error {
	delay := retryDelay(q.config.BackoffBase, q.config.BackoffMax, job.Attempts)
	retryAt := time.Now().UTC().Add(delay)
	job.Status = core.JobPending
	job.NextRetryAt = &retryAt

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to serialize job %s: %w", job.ID, err)
	}

	pipe := q.client.TxPipeline()
	pipe.HDel(ctx, q.processingKey(), job.ID)
	pipe.Set(ctx, q.dataKey(job.ID), data, 0)
	pipe.ZAdd(ctx, q.retryKey(), &redis.Z{
		Score:  float64(retryAt.UnixMilli()),
		Member: job.ID,
	})
	pipe.HIncrBy(ctx, q.statsKey(), "retried", 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to schedule retry for job %s: %w", job.ID, err)
	}

	q.logger.WarnWithContext(ctx, "Job failed, retry scheduled", map[string]interface{}{
		"job_id":     job.ID,
		"job_type":   string(job.Type),
		"attempt":    job.Attempts,
		"retry_in":   delay.String(),
		"last_error": job.Error,
	})
	return nil
}

func (q *RedisQueue) failPermanently(ctx context.Context, job *core.Job) error {
	now := time.Now().UTC()
	job.Status = core.JobFailed
	job.CompletedAt = &now
	job.NextRetryAt = nil

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to serialize job %s: %w", job.ID, err)
	}

	pipe := q.client.TxPipeline()
	pipe.HDel(ctx, q.processingKey(), job.ID)
	pipe.Set(ctx, q.dataKey(job.ID), data, 0)
	pipe.LPush(ctx, q.failedKey(), job.ID)
	pipe.LTrim(ctx, q.failedKey(), 0, int64(q.config.FailedCap-1))
	pipe.HIncrBy(ctx, q.statsKey(), "failed", 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to fail job %s: %w", job.ID, err)
	}

	q.logger.ErrorWithContext(ctx, "Job failed permanently", map[string]interface{}{
		"job_id":     job.ID,
		"job_type":   string(job.Type),
		"attempts":   job.Attempts,
		"last_error": job.Error,
	})
	return nil
}

// Promote moves due retry entries back into the pending set and recovers
// stale processing entries left behind by a crashed worker. Run on a short
// interval and once at startup.
func (q *RedisQueue) Promote(ctx context.Context) error {
	if err := q.promoteDueRetries(ctx); err != nil {
		return err
	}
	return q.recoverStaleProcessing(ctx)
}

func (q *RedisQueue) promoteDueRetries(ctx context.Context) error {
	now := time.Now().UTC()
	ids, err := q.client.ZRangeByScore(ctx, q.retryKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to scan retry set: %w", err)
	}

	for _, id := range ids {
		job, err := q.GetJob(ctx, id)
		if err != nil {
			q.client.ZRem(ctx, q.retryKey(), id)
			continue
		}
		job.Status = core.JobPending
		job.NextRetryAt = nil
		data, err := json.Marshal(job)
		if err != nil {
			continue
		}

		pipe := q.client.TxPipeline()
		pipe.ZRem(ctx, q.retryKey(), id)
		pipe.Set(ctx, q.dataKey(id), data, 0)
		pipe.ZAdd(ctx, q.queueKey(), &redis.Z{
			Score:  jobScore(job.Priority, job.CreatedAt),
			Member: id,
		})
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to promote job %s: %w", id, err)
		}

		q.logger.DebugWithContext(ctx, "Retry promoted", map[string]interface{}{
			"job_id":  id,
			"attempt": job.Attempts,
		})
	}
	return nil
}

func (q *RedisQueue) recoverStaleProcessing(ctx context.Context) error {
	entries, err := q.client.HGetAll(ctx, q.processingKey()).Result()
	if err != nil {
		return fmt.Errorf("failed to scan processing set: %w", err)
	}

	cutoff := time.Now().UTC().Add(-q.config.ProcessingTimeout)
	for id, raw := range entries {
		var entry processingEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil || entry.StartedAt.After(cutoff) {
			continue
		}

		job, err := q.GetJob(ctx, id)
		if err != nil {
			q.client.HDel(ctx, q.processingKey(), id)
			continue
		}

		// The crashed attempt already counted at lease time.
		if job.Attempts >= job.MaxAttempts {
			job.Error = "processing timeout: worker did not complete the job"
			if err := q.failPermanently(ctx, job); err != nil {
				return err
			}
			continue
		}

		job.Status = core.JobPending
		data, err := json.Marshal(job)
		if err != nil {
			continue
		}

		pipe := q.client.TxPipeline()
		pipe.HDel(ctx, q.processingKey(), id)
		pipe.Set(ctx, q.dataKey(id), data, 0)
		pipe.ZAdd(ctx, q.queueKey(), &redis.Z{
			Score:  jobScore(job.Priority, job.CreatedAt),
			Member: id,
		})
		pipe.HIncrBy(ctx, q.statsKey(), "recovered", 1)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to recover job %s: %w", id, err)
		}

		q.logger.WarnWithContext(ctx, "Stale processing job recovered", map[string]interface{}{
			"job_id":     id,
			"started_at": entry.StartedAt.Format(time.RFC3339),
			"attempt":    job.Attempts,
		})
	}
	return nil
}

// RunPromoter runs the Promote sweep on interval until ctx is cancelled.
func (q *RedisQueue) RunPromoter(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := q.Promote(ctx); err != nil && ctx.Err() == nil {
				q.logger.Error("Promote sweep failed", map[string]interface{}{
					"error": err.Error(),
				})
			}
		}
	}
}

// GetJob loads a job record by ID.
func (q *RedisQueue) GetJob(ctx context.Context, id string) (*core.Job, error) {
	data, err := q.client.Get(ctx, q.dataKey(id)).Bytes()
	if err == redis.Nil {
		return nil, core.NewNotFoundError("queue.GetJob", "job", id, core.ErrJobNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job %s: %w", id, err)
	}
	var job core.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to decode job %s: %w", id, err)
	}
	return &job, nil
}

func (q *RedisQueue) putJob(ctx context.Context, job *core.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to serialize job %s: %w", job.ID, err)
	}
	if err := q.client.Set(ctx, q.dataKey(job.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to store job %s: %w", job.ID, err)
	}
	return nil
}

// Stats returns current depth and lifetime counters.
func (q *RedisQueue) Stats(ctx context.Context) (*Stats, error) {
	pipe := q.client.TxPipeline()
	pending := pipe.ZCard(ctx, q.queueKey())
	processing := pipe.HLen(ctx, q.processingKey())
	delayed := pipe.ZCard(ctx, q.retryKey())
	counters := pipe.HGetAll(ctx, q.statsKey())
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to read queue stats: %w", err)
	}

	stats := &Stats{
		Pending:    pending.Val(),
		Processing: processing.Val(),
		Delayed:    delayed.Val(),
	}
	for field, v := range counters.Val() {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		switch field {
		case "enqueued":
			stats.Enqueued = n
		case "completed":
			stats.Completed = n
		case "failed":
			stats.Failed = n
		case "retried":
			stats.Retried = n
		case "recovered":
			stats.Recovered = n
		}
	}
	return stats, nil
}

// retryDelay computes base * 2^(attempts-1) capped at max, plus up to 10%
// jitter.
func retryDelay(base, max time.Duration, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := base
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= max {
			delay = max
			break
		}
	}
	return delay + time.Duration(rand.Int63n(int64(delay)/10+1))
}

// Compile-time interface compliance check
var _ core.JobSink = (*RedisQueue)(nil)

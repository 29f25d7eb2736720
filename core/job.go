package core

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobType identifies which worker handler processes a job.
type JobType string

const (
	JobCreateInstance       JobType = "create-instance"
	JobMonitorInstance      JobType = "monitor-instance"
	JobSendWebhook          JobType = "send-webhook"
	JobAutoStopCheck        JobType = "auto-stop-check"
	JobMigrateSpot          JobType = "migrate-spot"
	JobFailedMigrationRetry JobType = "failed-migration-retry"
)

// JobStatus tracks a job through the durable queue.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// JobPriority orders pending work. Strictly higher priority is leased first;
// ties break by earlier creation time.
type JobPriority int

const (
	PriorityLow      JobPriority = 1
	PriorityNormal   JobPriority = 2
	PriorityHigh     JobPriority = 3
	PriorityCritical JobPriority = 4
)

// Job is a unit of durable background work. Payload is the JSON-serialized
// type-specific payload struct; Date fields round-trip through RFC 3339.
type Job struct {
	ID          string          `json:"id"`
	Type        JobType         `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Status      JobStatus       `json:"status"`
	Priority    JobPriority     `json:"priority"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"maxAttempts"`
	CreatedAt   time.Time       `json:"createdAt"`
	ProcessedAt *time.Time      `json:"processedAt,omitempty"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
	NextRetryAt *time.Time      `json:"nextRetryAt,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// NewJob builds a pending job with a fresh ID and the given payload struct.
func NewJob(jobType JobType, priority JobPriority, maxAttempts int, payload interface{}) (*Job, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize %s payload: %w", jobType, err)
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Job{
		ID:          uuid.New().String(),
		Type:        jobType,
		Payload:     data,
		Status:      JobPending,
		Priority:    priority,
		MaxAttempts: maxAttempts,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// DecodePayload unmarshals the job payload into out.
func (j *Job) DecodePayload(out interface{}) error {
	if err := json.Unmarshal(j.Payload, out); err != nil {
		return fmt.Errorf("failed to decode %s payload for job %s: %w", j.Type, j.ID, err)
	}
	return nil
}

// CreateInstancePayload drives the create-instance handler. The instance
// record already exists in the state store; the handler resolves the product
// and template, calls the provider, and hands off to monitoring.
type CreateInstancePayload struct {
	InstanceID string `json:"instanceId"`
}

// MonitorInstancePayload drives the monitor-instance handler. StartedAt
// anchors the startup deadline across worker restarts.
type MonitorInstancePayload struct {
	InstanceID    string             `json:"instanceId"`
	StartedAt     time.Time          `json:"startedAt"`
	MaxWaitTimeMs int                `json:"maxWaitTimeMs,omitempty"`
	HealthCheck   *HealthCheckConfig `json:"healthCheck,omitempty"`
	OperationID   string             `json:"operationId,omitempty"`
}

// SendWebhookPayload drives the send-webhook handler. Secret, when set,
// overrides the process-wide signing secret for this delivery only.
type SendWebhookPayload struct {
	URL    string       `json:"url"`
	Secret string       `json:"secret,omitempty"`
	Event  WebhookEvent `json:"event"`
}

// AutoStopCheckPayload drives one idle-instance scan.
type AutoStopCheckPayload struct {
	DryRun      bool   `json:"dryRun"`
	TriggeredBy string `json:"triggeredBy,omitempty"` // "scheduler" or "manual"
}

// MigrateSpotPayload drives one migration scan (no target) or the retry of a
// single reclaimed instance (target set).
type MigrateSpotPayload struct {
	DryRun      bool   `json:"dryRun"`
	TriggeredBy string `json:"triggeredBy,omitempty"`
}

// FailedMigrationRetryPayload re-attempts one failed migration.
type FailedMigrationRetryPayload struct {
	ProviderInstanceID string `json:"novitaInstanceId"`
	InstanceID         string `json:"instanceId,omitempty"`
	Category           string `json:"category"`
	LastError          string `json:"lastError,omitempty"`
}

// Webhook event kinds. The webhook payload "status" field carries one of
// these, not the raw instance status.
const (
	EventCreatingInitiated = "creating-initiated"
	EventRunning           = "running"
	EventHealthChecking    = "health_checking"
	EventReady             = "ready"
	EventFailed            = "failed"
	EventTimeout           = "timeout"
	EventStopped           = "stopped"
	EventMigrated          = "migrated"
)

// WebhookEvent is the canonical webhook payload. The dispatcher signs the
// exact JSON serialization of this struct.
type WebhookEvent struct {
	InstanceID       string                 `json:"instanceId"`
	Status           string                 `json:"status"`
	Timestamp        time.Time              `json:"timestamp"`
	NovitaInstanceID string                 `json:"novitaInstanceId,omitempty"`
	ElapsedTimeMs    int64                  `json:"elapsedTime,omitempty"`
	Data             map[string]interface{} `json:"data,omitempty"`
	Error            string                 `json:"error,omitempty"`
	HealthCheck      *HealthCheckState      `json:"healthCheck,omitempty"`
	Reason           string                 `json:"reason,omitempty"`
}

package domain

import (
	"encoding/json"
	"time"
)

// Status is a job lifecycle state as seen by subscribers and the history service.
type Status string

// Job status constants
const (
	StatusQueued       Status = "queued"
	StatusWaiting      Status = "waiting"
	StatusProcessing   Status = "processing"
	StatusProgress     Status = "progress"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusRetrying     Status = "retrying"
	StatusDeadLettered Status = "dead-lettered"
)

// IsTerminal reports whether no further transition is expected without operator action.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusDeadLettered
}

// CorrelationKeys scope events and records to a logical owner.
type CorrelationKeys struct {
	ProjectID string `json:"projectId,omitempty"`
	FileID    string `json:"fileId,omitempty"`
}

// CorrelationFromPayload extracts projectId/fileId from a JSON object payload.
// Non-object payloads yield empty keys.
func CorrelationFromPayload(payload json.RawMessage) CorrelationKeys {
	var keys CorrelationKeys
	if len(payload) == 0 {
		return keys
	}
	_ = json.Unmarshal(payload, &keys)
	return keys
}

// EnqueueOptions controls scheduling of a single job
// MaxDelay caps EnqueueOptions.Delay
const MaxDelay = 365 * 24 * time.Hour

type EnqueueOptions struct {
	Delay       time.Duration
	MaxAttempts int
}

// JobHandle is returned to enqueue callers
type JobHandle struct {
	JobID     string `json:"jobId"`
	JobName   string `json:"jobName"`
	QueueName string `json:"queueName"`
	Status    Status `json:"status"`
}

// JobUpdateEvent is the immutable snapshot broadcast for every transition.
type JobUpdateEvent struct {
	ProjectID   string     `json:"projectId,omitempty"`
	FileID      string     `json:"fileId,omitempty"`
	JobID       string     `json:"jobId"`
	JobName     string     `json:"jobName"`
	QueueName   string     `json:"queueName"`
	Status      Status     `json:"status"`
	Progress    *int       `json:"progress,omitempty"`
	Attempt     int        `json:"attempt,omitempty"`
	MaxAttempts int        `json:"maxAttempts,omitempty"`
	NextRetryAt *time.Time `json:"nextRetryAt,omitempty"`
	Message     string     `json:"message,omitempty"`
	Hints       []string   `json:"hints,omitempty"`
	Timestamp   time.Time  `json:"timestamp"`
}

// ExecutionEvent is one entry of a record's ordered event list
type ExecutionEvent struct {
	Status   Status    `json:"status"`
	Attempt  int       `json:"attempt"`
	Progress *int      `json:"progress,omitempty"`
	Message  string    `json:"message,omitempty"`
	At       time.Time `json:"at"`
}

// JobExecutionRecord is the durable per-job row kept by the history service.
type JobExecutionRecord struct {
	JobID       string           `json:"jobId"`
	JobName     string           `json:"jobName"`
	QueueName   string           `json:"queueName"`
	ProjectID   string           `json:"projectId,omitempty"`
	FileID      string           `json:"fileId,omitempty"`
	Status      Status           `json:"status"`
	Attempts    int              `json:"attempts"`
	MaxAttempts int              `json:"maxAttempts"`
	Data        json.RawMessage  `json:"data,omitempty"`
	RetryAt     *time.Time       `json:"retryAt,omitempty"`
	StartedAt   *time.Time       `json:"startedAt,omitempty"`
	CompletedAt *time.Time       `json:"completedAt,omitempty"`
	DurationMs  *int64           `json:"durationMs,omitempty"`
	LastError   *string          `json:"lastError"`
	Events      []ExecutionEvent `json:"events"`
	CreatedAt   time.Time        `json:"createdAt"`
	UpdatedAt   time.Time        `json:"updatedAt"`
}

// DeadLetterEntry is persisted verbatim in the dead-letter queue.
// JobName is mandatory: an entry without it is never replayed.
type DeadLetterEntry struct {
	JobID       string          `json:"jobId"`
	JobName     string          `json:"jobName"`
	QueueName   string          `json:"queueName"`
	Payload     json.RawMessage `json:"payload"`
	Correlation CorrelationKeys `json:"correlation"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"maxAttempts"`
	LastError   string          `json:"lastError"`
	FailedAt    time.Time       `json:"failedAt"`
}

// JobCounts is a point-in-time view of a queue's states.
type JobCounts struct {
	Waiting         int `json:"waiting"`
	WaitingChildren int `json:"-"`
	Active          int `json:"active"`
	Delayed         int `json:"delayed"`
	Failed          int `json:"failed"`
	Completed       int `json:"completed"`
	Paused          int `json:"paused"`
}

// JobSummary aggregates executions of one queue over a trailing window
type JobSummary struct {
	QueueName     string  `json:"queueName"`
	WindowMs      int64   `json:"windowMs"`
	Jobs          int     `json:"jobs"`
	Failures      int     `json:"failures"`
	AvgDurationMs float64 `json:"avgDurationMs"`
}

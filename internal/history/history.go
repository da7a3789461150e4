// Package history keeps one durable execution record per job and answers
// per-project, recent and summary queries over them.
package history

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/cuongbtq/analysis-pipeline/internal/domain"
)

const (
	defaultLimit = 20
	maxLimit     = 100
)

// Transition is one lifecycle change of a job as reported by the queue or coordinator.
type Transition struct {
	JobID       string
	JobName     string
	QueueName   string
	Correlation domain.CorrelationKeys
	Status      domain.Status
	Attempt     int
	MaxAttempts int
	Progress    *int
	Message     string
	Error       string
	Data        json.RawMessage
	RetryAt     *time.Time
	DurationMs  *int64
	At          time.Time
	// Requeue marks an operator requeue, the only queued write that reopens a
	// record which already moved past queued. At must be taken before the broker
	// releases the job.
	Requeue bool
}

// Recorder writes transitions. Both calls are idempotent per (job, status, attempt, progress).
type Recorder interface {
	RecordQueued(ctx context.Context, t Transition) error
	RecordTransition(ctx context.Context, t Transition) error
}

// Service is the full history surface used by the API
type Service interface {
	Recorder
	GetExecution(ctx context.Context, jobID string) (*domain.JobExecutionRecord, error)
	GetProjectHistory(ctx context.Context, projectID string, limit int) ([]domain.JobExecutionRecord, error)
	GetRecentExecutions(ctx context.Context, limit int) ([]domain.JobExecutionRecord, error)
	GetSummary(ctx context.Context, queue string, window time.Duration) (*domain.JobSummary, error)
}

// ClampLimit maps a requested page size into [1, 100]; zero or negative means the default.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultLimit
	case limit > maxLimit:
		return maxLimit
	default:
		return limit
	}
}

func normalizeQueued(t Transition, now func() time.Time) Transition {
	if t.Status != domain.StatusWaiting {
		t.Status = domain.StatusQueued
	}
	return normalize(t, now)
}

func normalize(t Transition, now func() time.Time) Transition {
	if t.At.IsZero() {
		t.At = now()
	}
	t.At = t.At.UTC()
	return t
}

// applyTransition folds t into rec and reports whether rec changed. A record with
// no events is treated as new. Replays of an already recorded step are ignored and
// a terminal record only moves again on requeue or on a later attempt.
func applyTransition(rec *domain.JobExecutionRecord, t Transition) bool {
	isNew := len(rec.Events) == 0
	event := domain.ExecutionEvent{
		Status:   t.Status,
		Attempt:  t.Attempt,
		Progress: t.Progress,
		Message:  t.Message,
		At:       t.At,
	}

	if isDuplicate(rec, event) {
		return false
	}

	requeue := isQueuedStatus(t.Status)
	if !isNew && rec.Status.IsTerminal() && !requeue && t.Attempt <= rec.Attempts {
		return false
	}
	if requeue && !t.Requeue && isLateQueued(rec, t, isNew) && hasQueuedEvent(rec) {
		return false
	}

	if isNew {
		rec.JobID = t.JobID
		rec.CreatedAt = t.At
		rec.Status = ""
	}
	if rec.JobName == "" {
		rec.JobName = t.JobName
	}
	if rec.QueueName == "" {
		rec.QueueName = t.QueueName
	}
	if rec.ProjectID == "" {
		rec.ProjectID = t.Correlation.ProjectID
	}
	if rec.FileID == "" {
		rec.FileID = t.Correlation.FileID
	}
	if t.MaxAttempts > 0 {
		rec.MaxAttempts = t.MaxAttempts
	}
	if len(rec.Data) == 0 && len(t.Data) > 0 {
		rec.Data = append(json.RawMessage(nil), t.Data...)
	}

	if requeue {
		applyQueued(rec, t, isNew)
	} else {
		applyAttempt(rec, t)
	}

	rec.Events = append(rec.Events, event)
	sort.SliceStable(rec.Events, func(i, j int) bool {
		return rec.Events[i].At.Before(rec.Events[j].At)
	})
	if t.At.After(rec.UpdatedAt) {
		rec.UpdatedAt = t.At
	}
	return true
}

// isDuplicate reports whether event was already recorded. Every queued event opens a
// new cycle, so a requeued job may legitimately repeat the steps of an earlier attempt.
func isDuplicate(rec *domain.JobExecutionRecord, event domain.ExecutionEvent) bool {
	if len(rec.Events) == 0 {
		return false
	}

	if isQueuedStatus(event.Status) {
		return isQueuedStatus(rec.Status)
	}

	start := 0
	for i, existing := range rec.Events {
		if isQueuedStatus(existing.Status) {
			start = i
		}
	}
	for _, existing := range rec.Events[start:] {
		if sameStep(existing, event) {
			return true
		}
	}
	return false
}

func isQueuedStatus(status domain.Status) bool {
	return status == domain.StatusQueued || status == domain.StatusWaiting
}

func sameStep(a, b domain.ExecutionEvent) bool {
	if a.Status != b.Status || a.Attempt != b.Attempt {
		return false
	}
	if a.Progress == nil || b.Progress == nil {
		return a.Progress == nil && b.Progress == nil
	}
	return *a.Progress == *b.Progress
}

// isLateQueued reports a queued write arriving after the job already moved on. A
// requeue only reopens a record that has not changed since the requeue was issued.
func isLateQueued(rec *domain.JobExecutionRecord, t Transition, isNew bool) bool {
	if isNew || isQueuedStatus(rec.Status) {
		return false
	}
	if !t.Requeue {
		return true
	}
	return rec.UpdatedAt.After(t.At)
}

func hasQueuedEvent(rec *domain.JobExecutionRecord) bool {
	for _, e := range rec.Events {
		if isQueuedStatus(e.Status) {
			return true
		}
	}
	return false
}

func applyQueued(rec *domain.JobExecutionRecord, t Transition, isNew bool) {
	// only the event is kept; the record's state is newer
	if isLateQueued(rec, t, isNew) {
		return
	}
	rec.Status = t.Status
	rec.RetryAt = nil
	rec.StartedAt = nil
	rec.CompletedAt = nil
}

func applyAttempt(rec *domain.JobExecutionRecord, t Transition) {
	previousAttempts := rec.Attempts
	rec.Status = t.Status
	if t.Attempt > rec.Attempts {
		rec.Attempts = t.Attempt
	}

	switch t.Status {
	case domain.StatusProcessing:
		if rec.StartedAt == nil || t.Attempt > previousAttempts {
			at := t.At
			rec.StartedAt = &at
		}
		rec.RetryAt = nil
		rec.CompletedAt = nil

	case domain.StatusCompleted:
		at := t.At
		rec.CompletedAt = &at
		rec.RetryAt = nil
		rec.LastError = nil
		rec.DurationMs = durationOf(rec, t)

	case domain.StatusFailed:
		setError(rec, t.Error)
		rec.DurationMs = durationOf(rec, t)

	case domain.StatusRetrying:
		setError(rec, t.Error)
		rec.RetryAt = t.RetryAt

	case domain.StatusDeadLettered:
		at := t.At
		rec.CompletedAt = &at
		rec.RetryAt = nil
		setError(rec, t.Error)
	}
}

func setError(rec *domain.JobExecutionRecord, msg string) {
	if msg == "" {
		return
	}
	rec.LastError = &msg
}

func durationOf(rec *domain.JobExecutionRecord, t Transition) *int64 {
	if t.DurationMs != nil {
		d := *t.DurationMs
		return &d
	}
	if rec.StartedAt == nil {
		return rec.DurationMs
	}
	d := max(t.At.Sub(*rec.StartedAt).Milliseconds(), 0)
	return &d
}

func isFailureStatus(status domain.Status) bool {
	return status == domain.StatusFailed || status == domain.StatusDeadLettered
}

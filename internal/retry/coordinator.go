package retry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/analysis-pipeline/internal/broker"
	"github.com/cuongbtq/analysis-pipeline/internal/domain"
	"github.com/cuongbtq/analysis-pipeline/internal/events"
	"github.com/cuongbtq/analysis-pipeline/internal/history"
	"github.com/google/uuid"
)

// Requeue sources
const (
	SourcePrimary    = "primary"
	SourceDeadLetter = "dead-letter"
	// SourceArchived is an exhausted job whose dead-letter entry was never written
	SourceArchived = "archived"
)

// Broker is the subset of the job broker the coordinator drives
type Broker interface {
	Enqueue(ctx context.Context, req broker.EnqueueRequest) (string, error)
	Retry(ctx context.Context, queue, jobID string) error
	RetryArchived(ctx context.Context, queue, jobID string) error
	Delete(ctx context.Context, queue, jobID string) error
}

// DeadLetterQueue stores exhausted jobs until an operator requeues them
type DeadLetterQueue interface {
	Add(ctx context.Context, entry domain.DeadLetterEntry) error
	Get(ctx context.Context, jobID string) (*domain.DeadLetterEntry, error)
	Remove(ctx context.Context, jobID string) error
	List(ctx context.Context, limit int) ([]domain.DeadLetterEntry, error)
}

// History is what the coordinator reads and writes in the execution history
type History interface {
	history.Recorder
	GetExecution(ctx context.Context, jobID string) (*domain.JobExecutionRecord, error)
}

// Metrics receives retry and terminal failure counts
type Metrics interface {
	IncrementJobRetry(queue, jobName string)
	IncrementJobFailure(queue, jobName string)
}

// FailedAttempt describes one failed handler invocation
type FailedAttempt struct {
	JobID       string
	JobName     string
	QueueName   string
	Payload     json.RawMessage
	Correlation domain.CorrelationKeys
	Attempt     int
	MaxAttempts int
	Err         error
	FailedAt    time.Time
}

// Decision is the outcome of OnFailure
type Decision struct {
	Retry        bool
	NextRetryAt  time.Time
	DeadLettered bool
}

// RequeueResult is returned to the administrator
type RequeueResult struct {
	JobID    string `json:"jobId"`
	Status   string `json:"status"`
	Source   string `json:"source"`
	NewJobID string `json:"newJobId,omitempty"`
}

// Coordinator applies the retry policy to failed attempts and owns the dead-letter queue.
type Coordinator struct {
	queue              string
	defaultMaxAttempts int
	policy             Policy
	broker             Broker
	deadLetters        DeadLetterQueue
	history            History
	metrics            Metrics
	emitter            *events.Emitter
	logger             *slog.Logger
	now                func() time.Time
	newID              func() string
}

// Config holds the coordinator's collaborators
type Config struct {
	Queue              string
	DefaultMaxAttempts int
	Policy             Policy
	Broker             Broker
	DeadLetters        DeadLetterQueue
	History            History
	Metrics            Metrics
	Emitter            *events.Emitter
	Logger             *slog.Logger
}

// NewCoordinator creates a coordinator for the primary queue named in cfg
func NewCoordinator(cfg Config) *Coordinator {
	if cfg.DefaultMaxAttempts < 1 {
		cfg.DefaultMaxAttempts = 1
	}
	return &Coordinator{
		queue:              cfg.Queue,
		defaultMaxAttempts: cfg.DefaultMaxAttempts,
		policy:             cfg.Policy,
		broker:             cfg.Broker,
		deadLetters:        cfg.DeadLetters,
		history:            cfg.History,
		metrics:            cfg.Metrics,
		emitter:            cfg.Emitter,
		logger:             cfg.Logger,
		now:                time.Now,
		newID:              uuid.NewString,
	}
}

// Backoff exposes the policy so the broker's retry timer uses the same delays
func (c *Coordinator) Backoff(attempt int) time.Duration {
	return c.policy.Backoff(attempt)
}

// OnFailure schedules another attempt while attempts remain and the error is not
// permanent, otherwise it moves the job to the dead-letter queue.
func (c *Coordinator) OnFailure(ctx context.Context, failed FailedAttempt) (Decision, error) {
	if failed.FailedAt.IsZero() {
		failed.FailedAt = c.now()
	}
	message := ""
	if failed.Err != nil {
		message = failed.Err.Error()
	}

	if failed.Attempt < failed.MaxAttempts && !domain.IsPermanent(failed.Err) {
		return c.scheduleRetry(ctx, failed, message), nil
	}
	return c.deadLetter(ctx, failed, message)
}

func (c *Coordinator) scheduleRetry(ctx context.Context, failed FailedAttempt, message string) Decision {
	next := failed.FailedAt.Add(c.policy.Backoff(failed.Attempt)).UTC()

	c.metrics.IncrementJobRetry(failed.QueueName, failed.JobName)

	if err := c.history.RecordTransition(ctx, history.Transition{
		JobID:       failed.JobID,
		JobName:     failed.JobName,
		QueueName:   failed.QueueName,
		Correlation: failed.Correlation,
		Status:      domain.StatusRetrying,
		Attempt:     failed.Attempt,
		MaxAttempts: failed.MaxAttempts,
		Message:     message,
		Error:       message,
		RetryAt:     &next,
	}); err != nil {
		c.logHistoryError(failed.JobID, domain.StatusRetrying, err)
	}

	c.emitter.Emit(domain.JobUpdateEvent{
		ProjectID:   failed.Correlation.ProjectID,
		FileID:      failed.Correlation.FileID,
		JobID:       failed.JobID,
		JobName:     failed.JobName,
		QueueName:   failed.QueueName,
		Status:      domain.StatusRetrying,
		Attempt:     failed.Attempt,
		MaxAttempts: failed.MaxAttempts,
		NextRetryAt: &next,
		Message:     message,
	})

	c.logger.Info("Job scheduled for retry",
		slog.String("job_id", failed.JobID),
		slog.String("job_name", failed.JobName),
		slog.Int("attempt", failed.Attempt),
		slog.Int("max_attempts", failed.MaxAttempts),
		slog.Time("next_retry_at", next),
	)

	return Decision{Retry: true, NextRetryAt: next}
}

func (c *Coordinator) deadLetter(ctx context.Context, failed FailedAttempt, message string) (Decision, error) {
	entry := domain.DeadLetterEntry{
		JobID:       failed.JobID,
		JobName:     failed.JobName,
		QueueName:   failed.QueueName,
		Payload:     failed.Payload,
		Correlation: failed.Correlation,
		Attempts:    failed.Attempt,
		MaxAttempts: failed.MaxAttempts,
		LastError:   message,
		FailedAt:    failed.FailedAt.UTC(),
	}
	if err := c.deadLetters.Add(ctx, entry); err != nil {
		c.logger.Error("Failed to dead-letter job",
			slog.String("job_id", failed.JobID),
			slog.String("job_name", failed.JobName),
			slog.String("error", err.Error()),
		)
		return Decision{}, fmt.Errorf("failed to dead-letter job %s: %w", failed.JobID, err)
	}

	c.metrics.IncrementJobFailure(failed.QueueName, failed.JobName)

	if err := c.history.RecordTransition(ctx, history.Transition{
		JobID:       failed.JobID,
		JobName:     failed.JobName,
		QueueName:   failed.QueueName,
		Correlation: failed.Correlation,
		Status:      domain.StatusDeadLettered,
		Attempt:     failed.Attempt,
		MaxAttempts: failed.MaxAttempts,
		Message:     message,
		Error:       message,
	}); err != nil {
		c.logHistoryError(failed.JobID, domain.StatusDeadLettered, err)
	}

	c.emitter.Emit(domain.JobUpdateEvent{
		ProjectID:   failed.Correlation.ProjectID,
		FileID:      failed.Correlation.FileID,
		JobID:       failed.JobID,
		JobName:     failed.JobName,
		QueueName:   failed.QueueName,
		Status:      domain.StatusDeadLettered,
		Attempt:     failed.Attempt,
		MaxAttempts: failed.MaxAttempts,
		Message:     message,
	})

	c.logger.Warn("Job dead-lettered",
		slog.String("job_id", failed.JobID),
		slog.String("job_name", failed.JobName),
		slog.Int("attempts", failed.Attempt),
		slog.Bool("permanent", domain.IsPermanent(failed.Err)),
		slog.String("error", message),
	)

	return Decision{DeadLettered: true}, nil
}

// Requeue runs a waiting job now, or replays a dead-lettered job on the primary
// queue under a new id. An archived job without a dead-letter entry runs again
// under its own id. A job unknown to both queues yields ErrJobNotFound.
func (c *Coordinator) Requeue(ctx context.Context, jobID string) (*RequeueResult, error) {
	requestedAt := c.now()
	primaryErr := c.broker.Retry(ctx, c.queue, jobID)
	if primaryErr == nil {
		c.afterPrimaryRetry(ctx, jobID, requestedAt, SourcePrimary)
		return &RequeueResult{JobID: jobID, Status: "requeued", Source: SourcePrimary}, nil
	}
	if !errors.Is(primaryErr, domain.ErrJobNotFound) && !errors.Is(primaryErr, domain.ErrJobNotRetryable) {
		return nil, fmt.Errorf("failed to retry job %s: %w", jobID, primaryErr)
	}

	entry, err := c.deadLetters.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) && errors.Is(primaryErr, domain.ErrJobNotRetryable) {
			return c.requeueArchived(ctx, jobID, requestedAt, primaryErr)
		}
		if errors.Is(err, domain.ErrJobNotFound) {
			return nil, primaryErr
		}
		return nil, err
	}

	newID, err := c.replay(ctx, entry)
	if err != nil {
		return nil, err
	}

	return &RequeueResult{JobID: jobID, Status: "requeued", Source: SourceDeadLetter, NewJobID: newID}, nil
}

func (c *Coordinator) requeueArchived(ctx context.Context, jobID string, requestedAt time.Time, primaryErr error) (*RequeueResult, error) {
	err := c.broker.RetryArchived(ctx, c.queue, jobID)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrJobNotRetryable), errors.Is(err, domain.ErrJobNotFound):
		return nil, primaryErr
	default:
		return nil, fmt.Errorf("failed to retry archived job %s: %w", jobID, err)
	}

	c.afterPrimaryRetry(ctx, jobID, requestedAt, SourceArchived)
	return &RequeueResult{JobID: jobID, Status: "requeued", Source: SourceArchived}, nil
}

func (c *Coordinator) afterPrimaryRetry(ctx context.Context, jobID string, requestedAt time.Time, source string) {
	event := domain.JobUpdateEvent{JobID: jobID, QueueName: c.queue, Status: domain.StatusQueued, Message: "requeued by operator"}
	transition := history.Transition{
		JobID:     jobID,
		QueueName: c.queue,
		Status:    domain.StatusQueued,
		Message:   event.Message,
		At:        requestedAt,
		Requeue:   true,
	}

	if rec, err := c.history.GetExecution(ctx, jobID); err == nil {
		event.JobName = rec.JobName
		event.ProjectID = rec.ProjectID
		event.FileID = rec.FileID
		event.MaxAttempts = rec.MaxAttempts
		transition.JobName = rec.JobName
		transition.MaxAttempts = rec.MaxAttempts
	}

	if err := c.history.RecordQueued(ctx, transition); err != nil {
		c.logHistoryError(jobID, domain.StatusQueued, err)
	}
	c.emitter.Emit(event)

	c.logger.Info("Job requeued on primary queue",
		slog.String("job_id", jobID),
		slog.String("queue", c.queue),
		slog.String("source", source),
	)
}

func (c *Coordinator) replay(ctx context.Context, entry *domain.DeadLetterEntry) (string, error) {
	queue := entry.QueueName
	if queue == "" {
		queue = c.queue
	}
	maxAttempts := entry.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = c.defaultMaxAttempts
	}

	newID := c.newID()
	message := "requeued from dead-letter " + entry.JobID
	event := domain.JobUpdateEvent{
		ProjectID:   entry.Correlation.ProjectID,
		FileID:      entry.Correlation.FileID,
		JobID:       newID,
		JobName:     entry.JobName,
		QueueName:   queue,
		Status:      domain.StatusQueued,
		MaxAttempts: maxAttempts,
		Message:     message,
	}
	transition := history.Transition{
		JobID:       newID,
		JobName:     entry.JobName,
		QueueName:   queue,
		Correlation: entry.Correlation,
		Status:      domain.StatusQueued,
		MaxAttempts: maxAttempts,
		Data:        entry.Payload,
		Message:     message,
		Requeue:     true,
	}

	// the new record exists before a worker can pick the job up
	if err := c.history.RecordQueued(ctx, transition); err != nil {
		c.logHistoryError(newID, domain.StatusQueued, err)
	}
	c.emitter.Emit(event)

	if _, err := c.broker.Enqueue(ctx, broker.EnqueueRequest{
		ID:          newID,
		Queue:       queue,
		Name:        entry.JobName,
		Payload:     entry.Payload,
		MaxAttempts: maxAttempts,
	}); err != nil {
		rejected := "enqueue rejected: " + err.Error()
		transition.Status = domain.StatusFailed
		transition.Requeue = false
		transition.Message = rejected
		transition.Error = rejected
		transition.At = time.Time{}
		if err := c.history.RecordTransition(ctx, transition); err != nil {
			c.logHistoryError(newID, domain.StatusFailed, err)
		}
		event.Status = domain.StatusFailed
		event.Message = rejected
		c.emitter.Emit(event)
		return "", fmt.Errorf("failed to re-enqueue dead-lettered job %s: %w", entry.JobID, err)
	}

	// a failed removal leaves a second copy that a later requeue may replay again
	if err := c.deadLetters.Remove(ctx, entry.JobID); err != nil {
		c.logger.Warn("Failed to remove dead-letter entry after requeue",
			slog.String("job_id", entry.JobID),
			slog.String("error", err.Error()),
		)
	}
	if err := c.broker.Delete(ctx, queue, entry.JobID); err != nil {
		c.logger.Warn("Failed to delete archived job after requeue",
			slog.String("job_id", entry.JobID),
			slog.String("error", err.Error()),
		)
	}

	c.logger.Info("Dead-lettered job requeued",
		slog.String("job_id", entry.JobID),
		slog.String("new_job_id", newID),
		slog.String("job_name", entry.JobName),
	)
	return newID, nil
}

// ListDeadLetters returns up to limit dead-lettered jobs
func (c *Coordinator) ListDeadLetters(ctx context.Context, limit int) ([]domain.DeadLetterEntry, error) {
	entries, err := c.deadLetters.List(ctx, history.ClampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	return entries, nil
}

func (c *Coordinator) logHistoryError(jobID string, status domain.Status, err error) {
	c.logger.Error("Failed to record job transition",
		slog.String("job_id", jobID),
		slog.String("status", string(status)),
		slog.String("error", err.Error()),
	)
}

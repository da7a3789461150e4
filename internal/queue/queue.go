// Package queue is the job queue used by producers and workers: it enqueues named
// jobs, runs registered handlers and mirrors every transition to the history,
// the metrics and the event bus.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/analysis-pipeline/internal/broker"
	"github.com/cuongbtq/analysis-pipeline/internal/domain"
	"github.com/cuongbtq/analysis-pipeline/internal/events"
	"github.com/cuongbtq/analysis-pipeline/internal/history"
	"github.com/cuongbtq/analysis-pipeline/internal/retry"
	"github.com/google/uuid"
)

// Job is what a handler receives for one attempt
type Job struct {
	ID          string
	Name        string
	QueueName   string
	Payload     json.RawMessage
	Attempt     int
	MaxAttempts int
	Correlation domain.CorrelationKeys
}

// Result is an optional completion message for subscribers
type Result struct {
	Message string
	Hints   []string
}

// Reporter lets a running handler publish progress
type Reporter interface {
	Report(ctx context.Context, percent int, message string)
}

// Handler runs one attempt of a job. A nil error completes the job; any other
// error, or a panic, fails the attempt and hands it to the retry policy.
type Handler func(ctx context.Context, job *Job, reporter Reporter) (*Result, error)

// Broker is the subset of the job broker the queue needs
type Broker interface {
	Enqueue(ctx context.Context, req broker.EnqueueRequest) (string, error)
	Counts(ctx context.Context, queue string) (domain.JobCounts, error)
	Start(queue string, handler broker.HandlerFunc) error
	Shutdown()
}

// FailureHandler decides what happens after a failed attempt
type FailureHandler interface {
	OnFailure(ctx context.Context, failed retry.FailedAttempt) (retry.Decision, error)
}

// Metrics receives queue gauges and attempt durations
type Metrics interface {
	SetWorkerReady(queue string, ready bool)
	UpdateQueueDepth(queue string, counts domain.JobCounts)
	ObserveJobDuration(queue, jobName string, status domain.Status, seconds float64)
}

// Config holds the queue's collaborators
type Config struct {
	Name               string
	DefaultMaxAttempts int
	Broker             Broker
	History            history.Recorder
	Metrics            Metrics
	Emitter            *events.Emitter
	Failures           FailureHandler
	Logger             *slog.Logger
}

// Queue is a named primary queue
type Queue struct {
	name               string
	defaultMaxAttempts int
	broker             Broker
	history            history.Recorder
	metrics            Metrics
	emitter            *events.Emitter
	failures           FailureHandler
	logger             *slog.Logger
	now                func() time.Time
	newID              func() string

	mu       sync.RWMutex
	handlers map[string]Handler
}

// New creates a queue
func New(cfg Config) *Queue {
	if cfg.DefaultMaxAttempts < 1 {
		cfg.DefaultMaxAttempts = 1
	}
	return &Queue{
		name:               cfg.Name,
		defaultMaxAttempts: cfg.DefaultMaxAttempts,
		broker:             cfg.Broker,
		history:            cfg.History,
		metrics:            cfg.Metrics,
		emitter:            cfg.Emitter,
		failures:           cfg.Failures,
		logger:             cfg.Logger,
		now:                time.Now,
		newID:              uuid.NewString,
		handlers:           make(map[string]Handler),
	}
}

// Name returns the queue name
func (q *Queue) Name() string {
	return q.name
}

// Enqueue schedules a job under a fresh id. Zero MaxAttempts means the queue
// default. Delayed jobs are announced as waiting, immediate ones as queued. A job
// the broker rejects is recorded as failed.
func (q *Queue) Enqueue(ctx context.Context, name string, payload any, opts domain.EnqueueOptions) (*domain.JobHandle, error) {
	if name == "" {
		return nil, fmt.Errorf("job name is required: %w", domain.ErrInvalidOptions)
	}
	if opts.Delay < 0 {
		return nil, fmt.Errorf("delay must not be negative: %w", domain.ErrInvalidOptions)
	}
	if opts.Delay > domain.MaxDelay {
		return nil, fmt.Errorf("delay must not exceed %s: %w", domain.MaxDelay, domain.ErrInvalidOptions)
	}
	if opts.MaxAttempts < 0 {
		return nil, fmt.Errorf("max attempts must be at least 1: %w", domain.ErrInvalidOptions)
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = q.defaultMaxAttempts
	}

	data, err := encodePayload(payload)
	if err != nil {
		return nil, err
	}

	status := domain.StatusQueued
	if opts.Delay > 0 {
		status = domain.StatusWaiting
	}
	job := &Job{
		ID:          q.newID(),
		Name:        name,
		QueueName:   q.name,
		Payload:     data,
		MaxAttempts: maxAttempts,
		Correlation: domain.CorrelationFromPayload(data),
	}
	jobID := job.ID

	// recorded before the broker sees the job so a fast worker never races the queued write
	if err := q.history.RecordQueued(ctx, history.Transition{
		JobID:       jobID,
		JobName:     name,
		QueueName:   q.name,
		Correlation: job.Correlation,
		Status:      status,
		MaxAttempts: maxAttempts,
		Data:        data,
	}); err != nil {
		q.logHistoryError(jobID, status, err)
	}

	q.emitter.Emit(domain.JobUpdateEvent{
		ProjectID:   job.Correlation.ProjectID,
		FileID:      job.Correlation.FileID,
		JobID:       jobID,
		JobName:     name,
		QueueName:   q.name,
		Status:      status,
		MaxAttempts: maxAttempts,
	})

	if _, err := q.broker.Enqueue(ctx, broker.EnqueueRequest{
		ID:          jobID,
		Queue:       q.name,
		Name:        name,
		Payload:     data,
		Delay:       opts.Delay,
		MaxAttempts: maxAttempts,
	}); err != nil {
		msg := "enqueue rejected: " + err.Error()
		q.transition(ctx, job, domain.StatusFailed, transitionDetails{message: msg, err: msg})
		return nil, err
	}

	q.logger.Info("Job enqueued",
		slog.String("job_id", jobID),
		slog.String("job_name", name),
		slog.String("queue", q.name),
		slog.Duration("delay", opts.Delay),
		slog.Int("max_attempts", maxAttempts),
	)

	return &domain.JobHandle{
		JobID:     jobID,
		JobName:   name,
		QueueName: q.name,
		Status:    status,
	}, nil
}

func encodePayload(payload any) (json.RawMessage, error) {
	if raw, ok := payload.(json.RawMessage); ok {
		if !json.Valid(raw) {
			return nil, fmt.Errorf("payload is not valid JSON: %w", domain.ErrInvalidPayload)
		}
		return raw, nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	return data, nil
}

// Process registers handler for jobs named name, replacing any previous one
func (q *Queue) Process(name string, handler Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[name] = handler
}

// GetJobCounts returns the broker's current counts and refreshes the depth gauges
func (q *Queue) GetJobCounts(ctx context.Context) (domain.JobCounts, error) {
	counts, err := q.broker.Counts(ctx, q.name)
	if err != nil {
		return domain.JobCounts{}, fmt.Errorf("failed to get job counts: %w", err)
	}
	q.metrics.UpdateQueueDepth(q.name, counts)
	return counts, nil
}

// Run consumes the queue until ctx is cancelled
func (q *Queue) Run(ctx context.Context) error {
	if err := q.broker.Start(q.name, q.execute); err != nil {
		return err
	}
	q.metrics.SetWorkerReady(q.name, true)

	<-ctx.Done()

	q.metrics.SetWorkerReady(q.name, false)
	q.broker.Shutdown()
	return nil
}

// execute runs one delivery through its handler and records the outcome. The
// returned error drives the broker: nil acks, SkipRetry archives, anything else
// schedules the broker's retry.
func (q *Queue) execute(ctx context.Context, delivery broker.Delivery) error {
	maxAttempts := max(delivery.MaxAttempts, 1)
	job := &Job{
		ID:          delivery.ID,
		Name:        delivery.Name,
		QueueName:   delivery.Queue,
		Payload:     json.RawMessage(delivery.Payload),
		Attempt:     min(max(delivery.Attempt, 1), maxAttempts),
		MaxAttempts: maxAttempts,
		Correlation: domain.CorrelationFromPayload(delivery.Payload),
	}
	if job.QueueName == "" {
		job.QueueName = q.name
	}

	q.mu.RLock()
	handler, ok := q.handlers[job.Name]
	q.mu.RUnlock()

	startedAt := q.now()
	q.transition(ctx, job, domain.StatusProcessing, transitionDetails{})

	var result *Result
	var err error
	if ok {
		result, err = q.invoke(ctx, handler, job)
	} else {
		err = domain.NewPermanentError(fmt.Errorf("%w: %s", domain.ErrNoHandler, job.Name))
	}

	elapsed := q.now().Sub(startedAt)
	durationMs := elapsed.Milliseconds()

	if err == nil {
		q.metrics.ObserveJobDuration(job.QueueName, job.Name, domain.StatusCompleted, elapsed.Seconds())

		details := transitionDetails{durationMs: &durationMs}
		if result != nil {
			details.message = result.Message
			details.hints = result.Hints
		}
		q.transition(ctx, job, domain.StatusCompleted, details)

		q.logger.Info("Job completed",
			slog.String("job_id", job.ID),
			slog.String("job_name", job.Name),
			slog.Int("attempt", job.Attempt),
			slog.Duration("duration", elapsed),
		)
		return nil
	}

	q.metrics.ObserveJobDuration(job.QueueName, job.Name, domain.StatusFailed, elapsed.Seconds())
	q.transition(ctx, job, domain.StatusFailed, transitionDetails{
		message:    err.Error(),
		err:        err.Error(),
		durationMs: &durationMs,
	})

	q.logger.Warn("Job attempt failed",
		slog.String("job_id", job.ID),
		slog.String("job_name", job.Name),
		slog.Int("attempt", job.Attempt),
		slog.Int("max_attempts", job.MaxAttempts),
		slog.String("error", err.Error()),
	)

	decision, failErr := q.failures.OnFailure(ctx, retry.FailedAttempt{
		JobID:       job.ID,
		JobName:     job.Name,
		QueueName:   job.QueueName,
		Payload:     job.Payload,
		Correlation: job.Correlation,
		Attempt:     job.Attempt,
		MaxAttempts: job.MaxAttempts,
		Err:         err,
		FailedAt:    q.now(),
	})
	if failErr != nil {
		q.logger.Error("Failed to apply retry policy",
			slog.String("job_id", job.ID),
			slog.String("error", failErr.Error()),
		)
		return err
	}
	if decision.DeadLettered {
		return broker.SkipRetry(err)
	}
	return err
}

func (q *Queue) invoke(ctx context.Context, handler Handler, job *Job) (result *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("Job handler panicked",
				slog.String("job_id", job.ID),
				slog.String("job_name", job.Name),
				slog.String("panic", fmt.Sprint(r)),
			)
			result = nil
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()

	return handler(ctx, job, &reporter{queue: q, job: job})
}

type transitionDetails struct {
	progress   *int
	message    string
	err        string
	hints      []string
	durationMs *int64
}

// transition records and broadcasts one status change of job
func (q *Queue) transition(ctx context.Context, job *Job, status domain.Status, details transitionDetails) {
	if err := q.history.RecordTransition(ctx, history.Transition{
		JobID:       job.ID,
		JobName:     job.Name,
		QueueName:   job.QueueName,
		Correlation: job.Correlation,
		Status:      status,
		Attempt:     job.Attempt,
		MaxAttempts: job.MaxAttempts,
		Progress:    details.progress,
		Message:     details.message,
		Error:       details.err,
		DurationMs:  details.durationMs,
	}); err != nil {
		q.logHistoryError(job.ID, status, err)
	}

	q.emitter.Emit(domain.JobUpdateEvent{
		ProjectID:   job.Correlation.ProjectID,
		FileID:      job.Correlation.FileID,
		JobID:       job.ID,
		JobName:     job.Name,
		QueueName:   job.QueueName,
		Status:      status,
		Progress:    details.progress,
		Attempt:     job.Attempt,
		MaxAttempts: job.MaxAttempts,
		Message:     details.message,
		Hints:       details.hints,
	})
}

func (q *Queue) logHistoryError(jobID string, status domain.Status, err error) {
	q.logger.Error("Failed to record job transition",
		slog.String("job_id", jobID),
		slog.String("status", string(status)),
		slog.String("error", err.Error()),
	)
}

type reporter struct {
	queue *Queue
	job   *Job
}

// Report emits a progress update. Percent is clamped to [0, 100].
func (r *reporter) Report(ctx context.Context, percent int, message string) {
	percent = min(max(percent, 0), 100)
	r.queue.transition(ctx, r.job, domain.StatusProgress, transitionDetails{
		progress: &percent,
		message:  message,
	})
}

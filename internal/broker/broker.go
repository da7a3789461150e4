// Package broker adapts asynq (Redis) to the job queue: scheduling, delayed
// delivery, broker-side retry timers, counts and the dead-letter store.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/cuongbtq/analysis-pipeline/internal/domain"
	"github.com/hibiken/asynq"
)

// Delivery is one attempt of a job handed to the worker
type Delivery struct {
	ID          string
	Name        string
	Queue       string
	Payload     []byte
	Attempt     int
	MaxAttempts int
}

// EnqueueRequest describes a job to schedule. An empty ID lets the broker pick one.
type EnqueueRequest struct {
	ID          string
	Queue       string
	Name        string
	Payload     []byte
	Delay       time.Duration
	MaxAttempts int
}

// HandlerFunc processes a delivery. A returned error schedules a broker retry
// unless it wraps asynq.SkipRetry (see SkipRetry).
type HandlerFunc func(ctx context.Context, delivery Delivery) error

// SkipRetry marks err so the broker archives the job instead of retrying it
func SkipRetry(err error) error {
	return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
}

// Config holds Redis and server settings
type Config struct {
	Addr            string
	Password        string
	DB              int
	Concurrency     int
	Retention       time.Duration
	TaskTimeout     time.Duration
	ShutdownTimeout time.Duration
	// RetryDelay returns the wait after the given failed attempt (1-based)
	RetryDelay func(attempt int) time.Duration
}

// Asynq is the asynq-backed broker
type Asynq struct {
	cfg       Config
	redisOpt  asynq.RedisClientOpt
	client    *asynq.Client
	inspector *asynq.Inspector
	server    *asynq.Server
	logger    *slog.Logger
}

// New creates a broker. No connection is made until the first call.
func New(cfg Config, logger *slog.Logger) *Asynq {
	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	return &Asynq{
		cfg:       cfg,
		redisOpt:  redisOpt,
		client:    asynq.NewClient(redisOpt),
		inspector: asynq.NewInspector(redisOpt),
		logger:    logger,
	}
}

// Enqueue schedules a job and returns its broker id
func (b *Asynq) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	opts := []asynq.Option{
		asynq.Queue(req.Queue),
		asynq.MaxRetry(max(req.MaxAttempts-1, 0)),
	}
	if req.ID != "" {
		opts = append(opts, asynq.TaskID(req.ID))
	}
	if req.Delay > 0 {
		opts = append(opts, asynq.ProcessIn(req.Delay))
	}
	if b.cfg.Retention > 0 {
		opts = append(opts, asynq.Retention(b.cfg.Retention))
	}
	if b.cfg.TaskTimeout > 0 {
		opts = append(opts, asynq.Timeout(b.cfg.TaskTimeout))
	}

	info, err := b.client.EnqueueContext(ctx, asynq.NewTask(req.Name, req.Payload), opts...)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue job %s: %w", req.Name, err)
	}

	b.logger.Debug("Job enqueued",
		slog.String("job_id", info.ID),
		slog.String("job_name", req.Name),
		slog.String("queue", info.Queue),
		slog.Time("process_at", info.NextProcessAt),
	)

	return info.ID, nil
}

// Counts returns the state counts of queue. A queue that has never been used reports zeros.
func (b *Asynq) Counts(ctx context.Context, queue string) (domain.JobCounts, error) {
	if err := ctx.Err(); err != nil {
		return domain.JobCounts{}, err
	}

	info, err := b.inspector.GetQueueInfo(queue)
	if err != nil {
		if errors.Is(err, asynq.ErrQueueNotFound) {
			return domain.JobCounts{}, nil
		}
		return domain.JobCounts{}, fmt.Errorf("failed to get queue info for %s: %w", queue, err)
	}

	return countsFromQueueInfo(info), nil
}

func countsFromQueueInfo(info *asynq.QueueInfo) domain.JobCounts {
	counts := domain.JobCounts{
		Waiting:         info.Pending,
		WaitingChildren: info.Aggregating,
		Active:          info.Active,
		Delayed:         info.Scheduled + info.Retry,
		Failed:          info.Archived,
		Completed:       info.Completed,
	}
	if info.Paused {
		counts.Paused = counts.Waiting
		counts.Waiting = 0
	}
	return counts
}

// Retry moves a delayed or retry-waiting job to pending so it runs now. Archived
// jobs are owned by the dead-letter queue and are not retried here.
func (b *Asynq) Retry(ctx context.Context, queue, jobID string) error {
	return b.run(ctx, queue, jobID, asynq.TaskStateScheduled, asynq.TaskStateRetry)
}

// RetryArchived runs an archived job once more. It serves jobs that exhausted
// their attempts without a dead-letter entry being written.
func (b *Asynq) RetryArchived(ctx context.Context, queue, jobID string) error {
	return b.run(ctx, queue, jobID, asynq.TaskStateArchived)
}

func (b *Asynq) run(ctx context.Context, queue, jobID string, states ...asynq.TaskState) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	info, err := b.inspector.GetTaskInfo(queue, jobID)
	if err != nil {
		return mapLookupError(err, jobID)
	}
	if !slices.Contains(states, info.State) {
		return fmt.Errorf("job %s is %s: %w", jobID, info.State, domain.ErrJobNotRetryable)
	}

	if err := b.inspector.RunTask(queue, jobID); err != nil {
		return mapLookupError(err, jobID)
	}

	b.logger.Info("Job moved back to pending",
		slog.String("job_id", jobID),
		slog.String("queue", queue),
		slog.String("previous_state", info.State.String()),
	)
	return nil
}

// Delete removes a job that is not running. Deleting a missing job is a no-op.
func (b *Asynq) Delete(ctx context.Context, queue, jobID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := b.inspector.DeleteTask(queue, jobID)
	if err != nil && !errors.Is(err, asynq.ErrTaskNotFound) && !errors.Is(err, asynq.ErrQueueNotFound) {
		return fmt.Errorf("failed to delete job %s: %w", jobID, err)
	}
	return nil
}

func mapLookupError(err error, jobID string) error {
	if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
		return fmt.Errorf("job %s: %w", jobID, domain.ErrJobNotFound)
	}
	return fmt.Errorf("failed to inspect job %s: %w", jobID, err)
}

// Start begins consuming queue with handler. It does not block.
func (b *Asynq) Start(queue string, handler HandlerFunc) error {
	if b.server != nil {
		return fmt.Errorf("broker already started")
	}

	b.server = asynq.NewServer(b.redisOpt, asynq.Config{
		Concurrency:     b.cfg.Concurrency,
		Queues:          map[string]int{queue: 1},
		RetryDelayFunc:  b.retryDelay,
		ShutdownTimeout: b.cfg.ShutdownTimeout,
		Logger:          newLogAdapter(b.logger),
		LogLevel:        asynq.InfoLevel,
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			id, _ := asynq.GetTaskID(ctx)
			b.logger.Debug("Job attempt returned error",
				slog.String("job_id", id),
				slog.String("job_name", task.Type()),
				slog.String("error", err.Error()),
			)
		}),
	})

	if err := b.server.Start(asynq.HandlerFunc(func(ctx context.Context, task *asynq.Task) error {
		return handler(ctx, deliveryFromContext(ctx, queue, task))
	})); err != nil {
		return fmt.Errorf("failed to start broker server: %w", err)
	}

	b.logger.Info("Broker server started",
		slog.String("queue", queue),
		slog.Int("concurrency", b.cfg.Concurrency),
	)
	return nil
}

func (b *Asynq) retryDelay(retried int, _ error, _ *asynq.Task) time.Duration {
	if b.cfg.RetryDelay == nil {
		return asynq.DefaultRetryDelayFunc(retried, nil, nil)
	}
	return b.cfg.RetryDelay(retried + 1)
}

func deliveryFromContext(ctx context.Context, queue string, task *asynq.Task) Delivery {
	id, _ := asynq.GetTaskID(ctx)
	retried, _ := asynq.GetRetryCount(ctx)
	maxRetry, _ := asynq.GetMaxRetry(ctx)
	if name, ok := asynq.GetQueueName(ctx); ok {
		queue = name
	}

	return Delivery{
		ID:          id,
		Name:        task.Type(),
		Queue:       queue,
		Payload:     task.Payload(),
		Attempt:     retried + 1,
		MaxAttempts: maxRetry + 1,
	}
}

// Ping checks Redis connectivity
func (b *Asynq) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := b.inspector.Queues(); err != nil {
		return fmt.Errorf("failed to reach redis: %w", err)
	}
	return nil
}

// Shutdown stops the server, waiting for active handlers up to the shutdown timeout
func (b *Asynq) Shutdown() {
	if b.server != nil {
		b.server.Shutdown()
		b.logger.Info("Broker server stopped")
	}
}

// Close releases the client connections
func (b *Asynq) Close() error {
	var errs []error
	if err := b.client.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close asynq client: %w", err))
	}
	if err := b.inspector.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close asynq inspector: %w", err))
	}
	return errors.Join(errs...)
}

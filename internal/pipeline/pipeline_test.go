package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/analysis-pipeline/internal/config"
	"github.com/cuongbtq/analysis-pipeline/internal/domain"
	"github.com/cuongbtq/analysis-pipeline/internal/events"
	"github.com/cuongbtq/analysis-pipeline/internal/queue"
	"github.com/cuongbtq/analysis-pipeline/internal/retry"
)

func testConfig(addr string) *config.Config {
	return &config.Config{
		Redis: config.RedisConfig{Addr: addr},
		Jobs: config.JobsConfig{
			Queue:              "analysis",
			DeadLetterQueue:    "analysis-dead-letter",
			DefaultMaxAttempts: 2,
			Backoff:            config.BackoffConfig{Base: 10 * time.Millisecond, Max: 50 * time.Millisecond, Multiplier: 2},
		},
		Metrics: config.MetricsConfig{CollectInterval: time.Hour},
		History: config.HistoryConfig{Backend: config.HistoryBackendMemory},
		Worker:  config.WorkerConfig{ShutdownTimeout: time.Second},
	}
}

type statusLog struct {
	mu     sync.Mutex
	events map[string][]domain.Status
}

func (s *statusLog) record(event domain.JobUpdateEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[event.JobID] = append(s.events[event.JobID], event.Status)
}

func (s *statusLog) of(jobID string) []domain.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Status(nil), s.events[jobID]...)
}

func TestNew_RejectsPostgresWithoutDatabase(t *testing.T) {
	cfg := testConfig("localhost:6379")
	cfg.History.Backend = config.HistoryBackendPostgres

	_, err := New(cfg, Deps{Logger: slog.New(slog.NewTextHandler(io.Discard, nil)), Events: events.NewBus(nil)})
	assert.Error(t, err)

	cfg.History.Backend = "cassandra"
	_, err = New(cfg, Deps{Logger: slog.New(slog.NewTextHandler(io.Discard, nil)), Events: events.NewBus(nil)})
	assert.Error(t, err)
}

func TestPipeline_DeadLetterAndRequeue(t *testing.T) {
	s := miniredis.RunT(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	bus := events.NewBus(logger)
	seen := &statusLog{events: make(map[string][]domain.Status)}
	bus.Subscribe(seen.record)

	p, err := New(testConfig(s.Addr()), Deps{Logger: logger, Events: bus, Concurrency: 2})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	var calls atomic.Int32
	p.Queue.Process("flaky", func(_ context.Context, _ *queue.Job, _ queue.Reporter) (*queue.Result, error) {
		if calls.Add(1) == 1 {
			return nil, domain.NewPermanentError(errors.New("unsupported file"))
		}
		return &queue.Result{Message: "done"}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- p.Queue.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-runErr
	})

	require.NoError(t, p.Ping(ctx))

	handle, err := p.Queue.Enqueue(ctx, "flaky", map[string]string{"projectId": "p1"}, domain.EnqueueOptions{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		rec, err := p.History.GetExecution(ctx, handle.JobID)
		return err == nil && rec.Status == domain.StatusDeadLettered
	}, 10*time.Second, 50*time.Millisecond)

	entries, err := p.DeadLetters.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "flaky", entries[0].JobName)
	assert.Equal(t, "p1", entries[0].Correlation.ProjectID)

	rec, err := p.History.GetExecution(ctx, handle.JobID)
	require.NoError(t, err)
	require.NotNil(t, rec.LastError)
	assert.Contains(t, *rec.LastError, "unsupported file")

	result, err := p.Coordinator.Requeue(ctx, handle.JobID)
	require.NoError(t, err)
	assert.Equal(t, retry.SourceDeadLetter, result.Source)
	require.NotEmpty(t, result.NewJobID)

	require.Eventually(t, func() bool {
		rec, err := p.History.GetExecution(ctx, result.NewJobID)
		return err == nil && rec.Status == domain.StatusCompleted
	}, 10*time.Second, 50*time.Millisecond)

	entries, err = p.DeadLetters.List(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, entries)

	statuses := seen.of(handle.JobID)
	require.NotEmpty(t, statuses)
	assert.Equal(t, domain.StatusQueued, statuses[0])
	assert.Contains(t, statuses, domain.StatusDeadLettered)

	assert.Zero(t, p.Collector.CollectOnce(ctx))
}

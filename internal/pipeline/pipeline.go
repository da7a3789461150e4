// Package pipeline assembles the job queue, the retry coordinator and their
// collaborators from configuration. Both services build the same pipeline and
// differ only in where events go and whether the queue is consumed.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"

	"github.com/cuongbtq/analysis-pipeline/internal/broker"
	"github.com/cuongbtq/analysis-pipeline/internal/config"
	"github.com/cuongbtq/analysis-pipeline/internal/events"
	"github.com/cuongbtq/analysis-pipeline/internal/history"
	"github.com/cuongbtq/analysis-pipeline/internal/metrics"
	"github.com/cuongbtq/analysis-pipeline/internal/queue"
	"github.com/cuongbtq/analysis-pipeline/internal/retry"
)

// Deps are the process-level resources the pipeline is built on
type Deps struct {
	Logger *slog.Logger
	// DB backs the postgres history; it may be nil with the memory backend
	DB *sqlx.DB
	// Events receives every emitted job update
	Events events.Publisher
	// Concurrency is the number of jobs the broker server runs at once
	Concurrency int
}

// Pipeline holds the wired components
type Pipeline struct {
	Broker      *broker.Asynq
	DeadLetters *broker.DeadLetters
	History     history.Service
	Metrics     *metrics.Aggregator
	Emitter     *events.Emitter
	Coordinator *retry.Coordinator
	Queue       *queue.Queue
	Collector   *metrics.Collector
}

// New wires the pipeline described by cfg
func New(cfg *config.Config, deps Deps) (*Pipeline, error) {
	store, err := newHistory(cfg.History.Backend, deps)
	if err != nil {
		return nil, err
	}

	policy := retry.Policy{
		BaseDelay:  cfg.Jobs.Backoff.Base,
		MaxDelay:   cfg.Jobs.Backoff.Max,
		Multiplier: cfg.Jobs.Backoff.Multiplier,
	}

	b := broker.New(broker.Config{
		Addr:            cfg.Redis.Addr,
		Password:        cfg.Redis.Password,
		DB:              cfg.Redis.DB,
		Concurrency:     deps.Concurrency,
		Retention:       cfg.Jobs.Retention,
		TaskTimeout:     cfg.Jobs.Timeout,
		ShutdownTimeout: cfg.Worker.ShutdownTimeout,
		RetryDelay:      policy.Backoff,
	}, deps.Logger)

	aggregator := metrics.NewAggregator(cfg.Metrics.DurationBuckets)
	emitter := events.NewEmitter(deps.Events)
	deadLetters := b.DeadLetters(cfg.Jobs.DeadLetterQueue)

	coordinator := retry.NewCoordinator(retry.Config{
		Queue:              cfg.Jobs.Queue,
		DefaultMaxAttempts: cfg.Jobs.DefaultMaxAttempts,
		Policy:             policy,
		Broker:             b,
		DeadLetters:        deadLetters,
		History:            store,
		Metrics:            aggregator,
		Emitter:            emitter,
		Logger:             deps.Logger,
	})

	q := queue.New(queue.Config{
		Name:               cfg.Jobs.Queue,
		DefaultMaxAttempts: cfg.Jobs.DefaultMaxAttempts,
		Broker:             b,
		History:            store,
		Metrics:            aggregator,
		Emitter:            emitter,
		Failures:           coordinator,
		Logger:             deps.Logger,
	})

	collector := metrics.NewCollector(aggregator, b,
		[]string{cfg.Jobs.Queue, cfg.Jobs.DeadLetterQueue},
		cfg.Metrics.CollectInterval, deps.Logger)

	return &Pipeline{
		Broker:      b,
		DeadLetters: deadLetters,
		History:     store,
		Metrics:     aggregator,
		Emitter:     emitter,
		Coordinator: coordinator,
		Queue:       q,
		Collector:   collector,
	}, nil
}

func newHistory(backend string, deps Deps) (history.Service, error) {
	switch backend {
	case config.HistoryBackendMemory:
		deps.Logger.Warn("Using in-memory job history; records are lost on restart")
		return history.NewMemoryService(), nil
	case config.HistoryBackendPostgres, "":
		if deps.DB == nil {
			return nil, fmt.Errorf("postgres history backend requires a database connection")
		}
		return history.NewPostgresService(deps.DB, deps.Logger), nil
	default:
		return nil, fmt.Errorf("unknown history backend %q", backend)
	}
}

// Ping reports whether the broker's Redis is reachable
func (p *Pipeline) Ping(ctx context.Context) error {
	return p.Broker.Ping(ctx)
}

// Close releases the broker connections
func (p *Pipeline) Close() error {
	return p.Broker.Close()
}

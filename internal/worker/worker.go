package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const defaultShutdownTimeout = 30 * time.Second

// Consumer processes jobs until ctx is cancelled
type Consumer interface {
	Run(ctx context.Context) error
}

// Task is a background loop that stops when ctx is cancelled
type Task interface {
	Run(ctx context.Context)
}

// Config holds worker configuration
type Config struct {
	Logger *slog.Logger
	Queue  Consumer
	// Tasks run alongside the queue, such as the metrics collector and the event relay
	Tasks map[string]Task
	// OpsServer serves /metrics and /health; nil disables it
	OpsServer       *http.Server
	Concurrency     int
	ShutdownTimeout time.Duration
}

// Worker runs the job queue consumer together with its supporting loops and
// the ops server, and stops them all when any one fails
type Worker struct {
	logger          *slog.Logger
	queue           Consumer
	tasks           map[string]Task
	opsServer       *http.Server
	concurrency     int
	shutdownTimeout time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	shutdownTimeout := cfg.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = defaultShutdownTimeout
	}

	return &Worker{
		logger:          cfg.Logger,
		queue:           cfg.Queue,
		tasks:           cfg.Tasks,
		opsServer:       cfg.OpsServer,
		concurrency:     cfg.Concurrency,
		shutdownTimeout: shutdownTimeout,
		done:            make(chan struct{}),
	}
}

// Start begins processing jobs and blocks until ctx is cancelled, Stop is
// called, or a component fails
func (w *Worker) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.cancel = cancel
	w.mu.Unlock()
	defer close(w.done)
	defer cancel()

	w.logger.Info("Starting worker",
		slog.Int("concurrency", w.concurrency),
		slog.Int("tasks", len(w.tasks)),
	)

	g, gctx := errgroup.WithContext(ctx)

	// tasks outlive the queue so updates from draining jobs are still relayed
	taskCtx, stopTasks := context.WithCancel(context.WithoutCancel(gctx))
	defer stopTasks()

	for name, task := range w.tasks {
		g.Go(func() error {
			w.logger.Debug("Worker task started", slog.String("task", name))
			task.Run(taskCtx)
			w.logger.Debug("Worker task stopped", slog.String("task", name))
			return nil
		})
	}

	g.Go(func() error {
		defer stopTasks()
		if err := w.queue.Run(gctx); err != nil {
			return fmt.Errorf("job queue stopped: %w", err)
		}
		return nil
	})

	if w.opsServer != nil {
		g.Go(func() error {
			w.logger.Info("Ops server listening", slog.String("addr", w.opsServer.Addr))
			if err := w.opsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("ops server failed: %w", err)
			}
			return nil
		})

		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), w.shutdownTimeout)
			defer cancel()
			if err := w.opsServer.Shutdown(shutdownCtx); err != nil {
				w.logger.Warn("Ops server shutdown incomplete", slog.Any("error", err))
			}
			return nil
		})
	}

	err := g.Wait()
	if err != nil {
		w.logger.Error("Worker stopped with error", slog.Any("error", err))
		return err
	}

	w.logger.Info("Worker context canceled, stopped")
	return nil
}

// Stop gracefully stops the worker and waits for Start to return, at most
// the shutdown timeout
func (w *Worker) Stop() {
	w.logger.Info("Stopping worker...")

	w.mu.Lock()
	cancel := w.cancel
	w.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()

	select {
	case <-w.done:
		w.logger.Info("Worker stopped")
	case <-time.After(w.shutdownTimeout):
		w.logger.Warn("Worker shutdown timeout exceeded")
	}
}

package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/cuongbtq/analysis-pipeline/internal/domain"
	"github.com/cuongbtq/analysis-pipeline/internal/retry"
	"github.com/cuongbtq/analysis-pipeline/internal/sse"
)

// JobQueue enqueues jobs and reports queue counts
type JobQueue interface {
	Name() string
	Enqueue(ctx context.Context, name string, payload any, opts domain.EnqueueOptions) (*domain.JobHandle, error)
	GetJobCounts(ctx context.Context) (domain.JobCounts, error)
}

// Requeuer is the operator surface of the retry coordinator
type Requeuer interface {
	Requeue(ctx context.Context, jobID string) (*retry.RequeueResult, error)
	ListDeadLetters(ctx context.Context, limit int) ([]domain.DeadLetterEntry, error)
}

// History answers execution history queries
type History interface {
	GetExecution(ctx context.Context, jobID string) (*domain.JobExecutionRecord, error)
	GetProjectHistory(ctx context.Context, projectID string, limit int) ([]domain.JobExecutionRecord, error)
	GetRecentExecutions(ctx context.Context, limit int) ([]domain.JobExecutionRecord, error)
	GetSummary(ctx context.Context, queue string, window time.Duration) (*domain.JobSummary, error)
}

// Streamer serves one SSE connection
type Streamer interface {
	Stream(w http.ResponseWriter, r *http.Request, scope sse.Scope)
}

// MetricsSource renders the Prometheus text exposition
type MetricsSource interface {
	Snapshot() (string, error)
}

// HealthCheck reports whether one dependency is reachable
type HealthCheck func(ctx context.Context) error

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger       *slog.Logger
	ServiceName  string
	Queue        JobQueue
	Coordinator  Requeuer
	History      History
	Stream       Streamer
	Metrics      MetricsSource
	HealthChecks map[string]HealthCheck
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger  *slog.Logger
	queue   JobQueue
	history History
	stream  Streamer
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger:  deps.Logger,
		queue:   deps.Queue,
		history: deps.History,
		stream:  deps.Stream,
	}
}

// AdminHandler handles operator requests on failed jobs
type AdminHandler struct {
	logger      *slog.Logger
	coordinator Requeuer
}

// NewAdminHandler creates a new AdminHandler instance
func NewAdminHandler(deps *Dependencies) *AdminHandler {
	return &AdminHandler{
		logger:      deps.Logger,
		coordinator: deps.Coordinator,
	}
}

// OpsHandler serves health and metrics for both services
type OpsHandler struct {
	logger      *slog.Logger
	serviceName string
	metrics     MetricsSource
	checks      map[string]HealthCheck
}

// NewOpsHandler creates a new OpsHandler instance
func NewOpsHandler(deps *Dependencies) *OpsHandler {
	return &OpsHandler{
		logger:      deps.Logger,
		serviceName: deps.ServiceName,
		metrics:     deps.Metrics,
		checks:      deps.HealthChecks,
	}
}

package retry

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/cuongbtq/analysis-pipeline/internal/broker"
	"github.com/cuongbtq/analysis-pipeline/internal/domain"
	"github.com/cuongbtq/analysis-pipeline/internal/events"
	"github.com/cuongbtq/analysis-pipeline/internal/history"
	"github.com/cuongbtq/analysis-pipeline/internal/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockBroker struct {
	mock.Mock
}

func (m *mockBroker) Enqueue(ctx context.Context, req broker.EnqueueRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

func (m *mockBroker) Retry(ctx context.Context, queue, jobID string) error {
	return m.Called(ctx, queue, jobID).Error(0)
}

func (m *mockBroker) RetryArchived(ctx context.Context, queue, jobID string) error {
	return m.Called(ctx, queue, jobID).Error(0)
}

func (m *mockBroker) Delete(ctx context.Context, queue, jobID string) error {
	return m.Called(ctx, queue, jobID).Error(0)
}

type mockDeadLetters struct {
	mock.Mock
}

func (m *mockDeadLetters) Add(ctx context.Context, entry domain.DeadLetterEntry) error {
	return m.Called(ctx, entry).Error(0)
}

func (m *mockDeadLetters) Get(ctx context.Context, jobID string) (*domain.DeadLetterEntry, error) {
	args := m.Called(ctx, jobID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.DeadLetterEntry), args.Error(1)
}

func (m *mockDeadLetters) Remove(ctx context.Context, jobID string) error {
	return m.Called(ctx, jobID).Error(0)
}

func (m *mockDeadLetters) List(ctx context.Context, limit int) ([]domain.DeadLetterEntry, error) {
	args := m.Called(ctx, limit)
	return args.Get(0).([]domain.DeadLetterEntry), args.Error(1)
}

type fixture struct {
	coordinator *Coordinator
	broker      *mockBroker
	deadLetters *mockDeadLetters
	history     *history.MemoryService
	metrics     *metrics.Aggregator
	events      []domain.JobUpdateEvent
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	f := &fixture{
		broker:      &mockBroker{},
		deadLetters: &mockDeadLetters{},
		history:     history.NewMemoryService(),
		metrics:     metrics.NewAggregator(nil),
	}

	bus := events.NewBus(logger)
	bus.Subscribe(func(e domain.JobUpdateEvent) { f.events = append(f.events, e) })

	f.coordinator = NewCoordinator(Config{
		Queue:              "analysis",
		DefaultMaxAttempts: 3,
		Policy:             Policy{BaseDelay: time.Second, MaxDelay: time.Minute, Multiplier: 2},
		Broker:             f.broker,
		DeadLetters:        f.deadLetters,
		History:            f.history,
		Metrics:            f.metrics,
		Emitter:            events.NewEmitter(bus),
		Logger:             logger,
	})
	f.coordinator.newID = func() string { return "job-2" }
	return f
}

func failedAttempt(attempt, maxAttempts int, err error) FailedAttempt {
	return FailedAttempt{
		JobID:       "job-1",
		JobName:     "semantic-insights",
		QueueName:   "analysis",
		Payload:     json.RawMessage(`{"projectId":"p1"}`),
		Correlation: domain.CorrelationKeys{ProjectID: "p1"},
		Attempt:     attempt,
		MaxAttempts: maxAttempts,
		Err:         err,
		FailedAt:    time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (f *fixture) snapshot(t *testing.T) string {
	t.Helper()
	out, err := f.metrics.Snapshot()
	require.NoError(t, err)
	return out
}

func TestPolicy_Backoff(t *testing.T) {
	p := Policy{BaseDelay: time.Second, MaxDelay: 10 * time.Second, Multiplier: 2}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{200, 10 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Backoff(tt.attempt), "attempt %d", tt.attempt)
	}

	assert.Equal(t, time.Duration(0), Policy{}.Backoff(3))
}

func TestCoordinator_OnFailure_SchedulesRetry(t *testing.T) {
	f := newFixture(t)

	decision, err := f.coordinator.OnFailure(context.Background(), failedAttempt(1, 3, errors.New("timeout")))
	require.NoError(t, err)

	assert.True(t, decision.Retry)
	assert.False(t, decision.DeadLettered)
	assert.Equal(t, time.Date(2024, 5, 1, 12, 0, 1, 0, time.UTC), decision.NextRetryAt)

	require.Len(t, f.events, 1)
	assert.Equal(t, domain.StatusRetrying, f.events[0].Status)
	require.NotNil(t, f.events[0].NextRetryAt)
	assert.Equal(t, decision.NextRetryAt, *f.events[0].NextRetryAt)
	assert.Equal(t, "p1", f.events[0].ProjectID)

	out := f.snapshot(t)
	assert.Contains(t, out, `analysis_job_retries_total{job_name="semantic-insights",queue="analysis"} 1`)
	assert.NotContains(t, out, "analysis_job_failures_total{")

	rec, err := f.history.GetExecution(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRetrying, rec.Status)
	f.deadLetters.AssertNotCalled(t, "Add", mock.Anything, mock.Anything)
}

func TestCoordinator_OnFailure_DeadLettersOnLastAttempt(t *testing.T) {
	f := newFixture(t)

	f.deadLetters.On("Add", mock.Anything, mock.MatchedBy(func(e domain.DeadLetterEntry) bool {
		return e.JobID == "job-1" &&
			e.JobName == "semantic-insights" &&
			e.QueueName == "analysis" &&
			e.Correlation.ProjectID == "p1" &&
			e.Attempts == 2 &&
			e.LastError == "boom" &&
			string(e.Payload) == `{"projectId":"p1"}`
	})).Return(nil).Once()

	decision, err := f.coordinator.OnFailure(context.Background(), failedAttempt(2, 2, errors.New("boom")))
	require.NoError(t, err)
	assert.True(t, decision.DeadLettered)
	assert.False(t, decision.Retry)

	require.Len(t, f.events, 1)
	assert.Equal(t, domain.StatusDeadLettered, f.events[0].Status)
	assert.Contains(t, f.snapshot(t), `analysis_job_failures_total{job_name="semantic-insights",queue="analysis"} 1`)

	rec, err := f.history.GetExecution(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDeadLettered, rec.Status)
	require.NotNil(t, rec.LastError)
	assert.Equal(t, "boom", *rec.LastError)
	f.deadLetters.AssertExpectations(t)
}

func TestCoordinator_OnFailure_PermanentErrorSkipsRetries(t *testing.T) {
	f := newFixture(t)
	f.deadLetters.On("Add", mock.Anything, mock.Anything).Return(nil).Once()

	decision, err := f.coordinator.OnFailure(context.Background(), failedAttempt(1, 5, domain.NewPermanentError(errors.New("bad payload"))))
	require.NoError(t, err)
	assert.True(t, decision.DeadLettered)
	assert.NotContains(t, f.snapshot(t), "analysis_job_retries_total{")
}

func TestCoordinator_OnFailure_DeadLetterStoreFailure(t *testing.T) {
	f := newFixture(t)
	f.deadLetters.On("Add", mock.Anything, mock.Anything).Return(errors.New("redis down")).Once()

	_, err := f.coordinator.OnFailure(context.Background(), failedAttempt(1, 1, errors.New("boom")))
	require.Error(t, err)
	assert.Empty(t, f.events)
	assert.NotContains(t, f.snapshot(t), "analysis_job_failures_total{")
}

func TestCoordinator_Requeue_Primary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.history.RecordQueued(ctx, history.Transition{
		JobID: "job-1", JobName: "semantic-insights", QueueName: "analysis",
		Correlation: domain.CorrelationKeys{ProjectID: "p1"}, MaxAttempts: 3,
	}))
	f.broker.On("Retry", mock.Anything, "analysis", "job-1").Return(nil).Once()

	result, err := f.coordinator.Requeue(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, &RequeueResult{JobID: "job-1", Status: "requeued", Source: SourcePrimary}, result)

	require.Len(t, f.events, 1)
	assert.Equal(t, domain.StatusQueued, f.events[0].Status)
	assert.Equal(t, "semantic-insights", f.events[0].JobName)
	assert.Equal(t, "p1", f.events[0].ProjectID)
	f.deadLetters.AssertNotCalled(t, "Get", mock.Anything, mock.Anything)
}

func TestCoordinator_Requeue_DeadLetter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	entry := &domain.DeadLetterEntry{
		JobID:       "job-1",
		JobName:     "semantic-insights",
		QueueName:   "analysis",
		Payload:     json.RawMessage(`{"projectId":"p1"}`),
		Correlation: domain.CorrelationKeys{ProjectID: "p1"},
		Attempts:    2,
		MaxAttempts: 2,
	}

	f.broker.On("Retry", mock.Anything, "analysis", "job-1").Return(domain.ErrJobNotRetryable).Once()
	f.deadLetters.On("Get", mock.Anything, "job-1").Return(entry, nil).Once()
	f.broker.On("Enqueue", mock.Anything, broker.EnqueueRequest{
		ID:          "job-2",
		Queue:       "analysis",
		Name:        "semantic-insights",
		Payload:     entry.Payload,
		MaxAttempts: 2,
	}).Return("job-2", nil).Once()
	f.deadLetters.On("Remove", mock.Anything, "job-1").Return(nil).Once()
	f.broker.On("Delete", mock.Anything, "analysis", "job-1").Return(nil).Once()

	result, err := f.coordinator.Requeue(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, &RequeueResult{JobID: "job-1", Status: "requeued", Source: SourceDeadLetter, NewJobID: "job-2"}, result)

	rec, err := f.history.GetExecution(ctx, "job-2")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQueued, rec.Status)
	assert.Equal(t, "p1", rec.ProjectID)

	require.Len(t, f.events, 1)
	assert.Equal(t, "job-2", f.events[0].JobID)
	f.broker.AssertExpectations(t)
	f.deadLetters.AssertExpectations(t)
}

func TestCoordinator_Requeue_ReplayRecordsBeforeEnqueue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	entry := &domain.DeadLetterEntry{JobID: "job-1", JobName: "semantic-insights", QueueName: "analysis", Payload: json.RawMessage(`{}`), MaxAttempts: 2}
	f.broker.On("Retry", mock.Anything, "analysis", "job-1").Return(domain.ErrJobNotRetryable).Once()
	f.deadLetters.On("Get", mock.Anything, "job-1").Return(entry, nil).Once()
	f.broker.On("Enqueue", mock.Anything, mock.MatchedBy(func(req broker.EnqueueRequest) bool {
		// the queued record is already visible when the broker receives the job
		rec, err := f.history.GetExecution(ctx, req.ID)
		return err == nil && rec.Status == domain.StatusQueued
	})).Return("", errors.New("redis down")).Once()

	_, err := f.coordinator.Requeue(ctx, "job-1")
	require.Error(t, err)

	rec, err := f.history.GetExecution(ctx, "job-2")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, rec.Status)
	require.NotNil(t, rec.LastError)
	assert.Contains(t, *rec.LastError, "redis down")

	require.Len(t, f.events, 2)
	assert.Equal(t, domain.StatusQueued, f.events[0].Status)
	assert.Equal(t, domain.StatusFailed, f.events[1].Status)
	f.deadLetters.AssertNotCalled(t, "Remove", mock.Anything, mock.Anything)
}

// the final attempt failed to write its dead-letter entry, so the broker archived the job alone
func TestCoordinator_Requeue_ArchivedWithoutDeadLetter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.coordinator.now = func() time.Time { return time.Date(2024, 5, 1, 12, 1, 0, 0, time.UTC) }

	require.NoError(t, f.history.RecordQueued(ctx, history.Transition{
		JobID: "job-1", JobName: "semantic-insights", QueueName: "analysis",
		Correlation: domain.CorrelationKeys{ProjectID: "p1"}, MaxAttempts: 1,
		At: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}))
	require.NoError(t, f.history.RecordTransition(ctx, history.Transition{
		JobID: "job-1", QueueName: "analysis", Status: domain.StatusFailed, Attempt: 1, Error: "boom",
		At: time.Date(2024, 5, 1, 12, 0, 5, 0, time.UTC),
	}))

	f.broker.On("Retry", mock.Anything, "analysis", "job-1").Return(domain.ErrJobNotRetryable).Once()
	f.deadLetters.On("Get", mock.Anything, "job-1").Return(nil, domain.ErrJobNotFound).Once()
	f.broker.On("RetryArchived", mock.Anything, "analysis", "job-1").Return(nil).Once()

	result, err := f.coordinator.Requeue(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, &RequeueResult{JobID: "job-1", Status: "requeued", Source: SourceArchived}, result)

	rec, err := f.history.GetExecution(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQueued, rec.Status)

	require.Len(t, f.events, 1)
	assert.Equal(t, domain.StatusQueued, f.events[0].Status)
	assert.Equal(t, "p1", f.events[0].ProjectID)
	f.broker.AssertNotCalled(t, "Enqueue", mock.Anything, mock.Anything)
	f.broker.AssertExpectations(t)
}

func TestCoordinator_Requeue_RunningJobIsNotRetryable(t *testing.T) {
	f := newFixture(t)

	f.broker.On("Retry", mock.Anything, "analysis", "job-1").Return(domain.ErrJobNotRetryable).Once()
	f.deadLetters.On("Get", mock.Anything, "job-1").Return(nil, domain.ErrJobNotFound).Once()
	f.broker.On("RetryArchived", mock.Anything, "analysis", "job-1").Return(domain.ErrJobNotRetryable).Once()

	_, err := f.coordinator.Requeue(context.Background(), "job-1")
	assert.ErrorIs(t, err, domain.ErrJobNotRetryable)
	assert.Empty(t, f.events)
}

func TestCoordinator_Requeue_UnknownJob(t *testing.T) {
	f := newFixture(t)

	f.broker.On("Retry", mock.Anything, "analysis", "missing").Return(domain.ErrJobNotFound).Once()
	f.deadLetters.On("Get", mock.Anything, "missing").Return(nil, domain.ErrJobNotFound).Once()

	_, err := f.coordinator.Requeue(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestCoordinator_Requeue_MalformedEntry(t *testing.T) {
	f := newFixture(t)

	f.broker.On("Retry", mock.Anything, "analysis", "job-1").Return(domain.ErrJobNotFound).Once()
	f.deadLetters.On("Get", mock.Anything, "job-1").Return(nil, domain.ErrMalformedDeadLetter).Once()

	_, err := f.coordinator.Requeue(context.Background(), "job-1")
	assert.ErrorIs(t, err, domain.ErrMalformedDeadLetter)
	f.broker.AssertNotCalled(t, "Enqueue", mock.Anything, mock.Anything)
}

func TestCoordinator_Requeue_BrokerFailure(t *testing.T) {
	f := newFixture(t)

	f.broker.On("Retry", mock.Anything, "analysis", "job-1").Return(errors.New("connection refused")).Once()

	_, err := f.coordinator.Requeue(context.Background(), "job-1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrJobNotFound)
	f.deadLetters.AssertNotCalled(t, "Get", mock.Anything, mock.Anything)
}

func TestCoordinator_ListDeadLetters(t *testing.T) {
	f := newFixture(t)
	f.deadLetters.On("List", mock.Anything, 100).Return([]domain.DeadLetterEntry{{JobID: "job-1", JobName: "semantic-insights"}}, nil).Once()

	entries, err := f.coordinator.ListDeadLetters(context.Background(), 1000)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

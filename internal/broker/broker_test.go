package broker

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/cuongbtq/analysis-pipeline/internal/domain"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBroker(t *testing.T) (*Asynq, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)

	b := New(Config{
		Addr:            s.Addr(),
		Concurrency:     2,
		ShutdownTimeout: time.Second,
		RetryDelay:      func(int) time.Duration { return 10 * time.Millisecond },
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(func() { _ = b.Close() })

	return b, s
}

func TestAsynq_EnqueueAndProcess(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	var mu sync.Mutex
	var got []Delivery
	require.NoError(t, b.Start("analysis", func(_ context.Context, d Delivery) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, d)
		return nil
	}))
	defer b.Shutdown()

	id, err := b.Enqueue(ctx, EnqueueRequest{
		Queue:       "analysis",
		Name:        "semantic-insights",
		Payload:     []byte(`{"projectId":"p1"}`),
		MaxAttempts: 3,
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 5*time.Second, 20*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, id, got[0].ID)
	assert.Equal(t, "semantic-insights", got[0].Name)
	assert.Equal(t, "analysis", got[0].Queue)
	assert.Equal(t, 1, got[0].Attempt)
	assert.Equal(t, 3, got[0].MaxAttempts)
	assert.JSONEq(t, `{"projectId":"p1"}`, string(got[0].Payload))
}

func TestAsynq_DelayedJobIsScheduled(t *testing.T) {
	b, _ := newTestBroker(t)

	id, err := b.Enqueue(context.Background(), EnqueueRequest{
		Queue:       "analysis",
		Name:        "semantic-insights",
		Payload:     []byte(`{}`),
		Delay:       time.Hour,
		MaxAttempts: 1,
	})
	require.NoError(t, err)

	info, err := b.inspector.GetTaskInfo("analysis", id)
	require.NoError(t, err)
	assert.Equal(t, asynq.TaskStateScheduled, info.State)
	assert.Equal(t, 0, info.MaxRetry)
}

func TestAsynq_RetryUnknownJob(t *testing.T) {
	b, _ := newTestBroker(t)

	err := b.Retry(context.Background(), "analysis", "missing")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestAsynq_RetryPendingJobIsRejected(t *testing.T) {
	b, _ := newTestBroker(t)

	id, err := b.Enqueue(context.Background(), EnqueueRequest{Queue: "analysis", Name: "semantic-insights", Payload: []byte(`{}`), MaxAttempts: 1})
	require.NoError(t, err)

	err = b.Retry(context.Background(), "analysis", id)
	assert.ErrorIs(t, err, domain.ErrJobNotRetryable)
}

func TestAsynq_RetryScheduledJob(t *testing.T) {
	b, _ := newTestBroker(t)

	id, err := b.Enqueue(context.Background(), EnqueueRequest{Queue: "analysis", Name: "semantic-insights", Payload: []byte(`{}`), Delay: time.Hour, MaxAttempts: 1})
	require.NoError(t, err)

	require.NoError(t, b.Retry(context.Background(), "analysis", id))

	info, err := b.inspector.GetTaskInfo("analysis", id)
	require.NoError(t, err)
	assert.Equal(t, asynq.TaskStatePending, info.State)
}

func TestAsynq_RetryArchivedJob(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	id, err := b.Enqueue(ctx, EnqueueRequest{ID: "job-archived", Queue: "analysis", Name: "semantic-insights", Payload: []byte(`{}`), Delay: time.Hour, MaxAttempts: 1})
	require.NoError(t, err)
	assert.Equal(t, "job-archived", id)

	// a pending or scheduled job is not archived
	assert.ErrorIs(t, b.RetryArchived(ctx, "analysis", id), domain.ErrJobNotRetryable)

	require.NoError(t, b.inspector.ArchiveTask("analysis", id))
	assert.ErrorIs(t, b.Retry(ctx, "analysis", id), domain.ErrJobNotRetryable)

	require.NoError(t, b.RetryArchived(ctx, "analysis", id))

	info, err := b.inspector.GetTaskInfo("analysis", id)
	require.NoError(t, err)
	assert.Equal(t, asynq.TaskStatePending, info.State)

	assert.ErrorIs(t, b.RetryArchived(ctx, "analysis", "missing"), domain.ErrJobNotFound)
}

func TestDeadLetters_Roundtrip(t *testing.T) {
	b, _ := newTestBroker(t)
	dlq := b.DeadLetters("analysis-dead-letter")
	ctx := context.Background()

	entry := domain.DeadLetterEntry{
		JobID:       "job-1",
		JobName:     "semantic-insights",
		QueueName:   "analysis",
		Payload:     json.RawMessage(`{"projectId":"p1"}`),
		Correlation: domain.CorrelationKeys{ProjectID: "p1"},
		Attempts:    3,
		MaxAttempts: 3,
		LastError:   "boom",
		FailedAt:    time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, dlq.Add(ctx, entry))
	// second add of the same job is ignored
	require.NoError(t, dlq.Add(ctx, entry))

	got, err := dlq.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, entry.JobName, got.JobName)
	assert.Equal(t, entry.Correlation, got.Correlation)
	assert.JSONEq(t, string(entry.Payload), string(got.Payload))
	assert.True(t, entry.FailedAt.Equal(got.FailedAt))

	list, err := dlq.List(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, dlq.Remove(ctx, "job-1"))
	require.NoError(t, dlq.Remove(ctx, "job-1"))

	_, err = dlq.Get(ctx, "job-1")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestDeadLetters_RejectsEntryWithoutName(t *testing.T) {
	b, _ := newTestBroker(t)

	err := b.DeadLetters("analysis-dead-letter").Add(context.Background(), domain.DeadLetterEntry{JobID: "job-1"})
	assert.ErrorIs(t, err, domain.ErrMalformedDeadLetter)
}

func TestDeadLetters_GetMalformedEntry(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	_, err := b.client.EnqueueContext(ctx,
		asynq.NewTask(deadLetterTaskType, []byte(`{"jobId":"job-2","payload":{}}`)),
		asynq.Queue("analysis-dead-letter"),
		asynq.TaskID("job-2"),
	)
	require.NoError(t, err)

	_, err = b.DeadLetters("analysis-dead-letter").Get(ctx, "job-2")
	assert.ErrorIs(t, err, domain.ErrMalformedDeadLetter)
}

func TestCountsFromQueueInfo(t *testing.T) {
	counts := countsFromQueueInfo(&asynq.QueueInfo{
		Pending:     4,
		Aggregating: 1,
		Active:      2,
		Scheduled:   3,
		Retry:       1,
		Archived:    5,
		Completed:   9,
	})
	assert.Equal(t, domain.JobCounts{Waiting: 4, WaitingChildren: 1, Active: 2, Delayed: 4, Failed: 5, Completed: 9}, counts)

	paused := countsFromQueueInfo(&asynq.QueueInfo{Pending: 6, Paused: true})
	assert.Equal(t, 0, paused.Waiting)
	assert.Equal(t, 6, paused.Paused)
}

func TestAsynq_Delete(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	id, err := b.Enqueue(ctx, EnqueueRequest{Queue: "analysis", Name: "semantic-insights", Payload: []byte(`{}`), Delay: time.Hour, MaxAttempts: 1})
	require.NoError(t, err)

	require.NoError(t, b.Delete(ctx, "analysis", id))
	require.NoError(t, b.Delete(ctx, "analysis", id))

	err = b.Retry(ctx, "analysis", id)
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

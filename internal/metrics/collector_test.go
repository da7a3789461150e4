package metrics

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/cuongbtq/analysis-pipeline/internal/domain"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

type fakeSource struct {
	counts map[string]domain.JobCounts
	errs   map[string]error
}

func (f *fakeSource) Counts(_ context.Context, queue string) (domain.JobCounts, error) {
	if err := f.errs[queue]; err != nil {
		return domain.JobCounts{}, err
	}
	return f.counts[queue], nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCollector_CollectOnce_SkipsFailingQueue(t *testing.T) {
	agg := NewAggregator(nil)
	agg.UpdateQueueDepth("dead-letter", domain.JobCounts{Waiting: 7})

	source := &fakeSource{
		counts: map[string]domain.JobCounts{"analysis": {Waiting: 3, Active: 1}},
		errs:   map[string]error{"dead-letter": errors.New("redis unavailable")},
	}
	collector := NewCollector(agg, source, []string{"analysis", "dead-letter"}, time.Second, discardLogger())

	failed := collector.CollectOnce(context.Background())

	assert.Equal(t, 1, failed)
	assert.Equal(t, 3.0, testutil.ToFloat64(agg.queueDepth.WithLabelValues("analysis", StateWaiting)))
	assert.Equal(t, 1.0, testutil.ToFloat64(agg.queueDepth.WithLabelValues("analysis", StateActive)))
	assert.Equal(t, 7.0, testutil.ToFloat64(agg.queueDepth.WithLabelValues("dead-letter", StateWaiting)))
}

func TestCollector_RunStopsOnCancel(t *testing.T) {
	agg := NewAggregator(nil)
	source := &fakeSource{counts: map[string]domain.JobCounts{"analysis": {Completed: 2}}}
	collector := NewCollector(agg, source, []string{"analysis"}, 10*time.Millisecond, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		collector.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(agg.queueDepth.WithLabelValues("analysis", StateCompleted)) == 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("collector did not stop")
	}
}

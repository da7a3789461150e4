// Package metrics aggregates queue and job metrics for the analysis pipeline and
// renders them in the Prometheus text exposition format.
package metrics

import (
	"bytes"
	"fmt"
	"math"
	"sync"

	"github.com/cuongbtq/analysis-pipeline/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

const namespace = "analysis"

// Queue depth states, in exposition order
const (
	StateWaiting   = "waiting"
	StateActive    = "active"
	StateDelayed   = "delayed"
	StateFailed    = "failed"
	StateCompleted = "completed"
	StatePaused    = "paused"
)

// DefaultDurationBuckets are the histogram boundaries, in seconds, for job attempt durations.
var DefaultDurationBuckets = []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600}

// Aggregator owns every metric family of the process. It is built once at startup and
// passed to producers (queue, coordinator, collector) and to the /metrics handler.
type Aggregator struct {
	// mu is held exclusively for multi-series updates and Reset so that Snapshot
	// never observes a half-written queue depth.
	mu       sync.RWMutex
	buckets  []float64
	registry *prometheus.Registry

	queueDepth  *prometheus.GaugeVec
	workerReady *prometheus.GaugeVec
	failures    *prometheus.CounterVec
	retries     *prometheus.CounterVec
	duration    *prometheus.HistogramVec
}

// NewAggregator creates an aggregator with the given histogram boundaries.
// Empty buckets fall back to DefaultDurationBuckets.
func NewAggregator(buckets []float64) *Aggregator {
	if len(buckets) == 0 {
		buckets = DefaultDurationBuckets
	}
	a := &Aggregator{buckets: append([]float64(nil), buckets...)}
	a.init()
	return a
}

func (a *Aggregator) init() {
	a.registry = prometheus.NewRegistry()

	a.queueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_depth",
		Help:      "Number of jobs per queue and state.",
	}, []string{"queue", "state"})

	a.workerReady = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "worker_ready",
		Help:      "Whether a worker is consuming the queue (1) or not (0).",
	}, []string{"queue"})

	a.failures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "job_failures_total",
		Help:      "Jobs that exhausted their attempts and were dead-lettered.",
	}, []string{"queue", "job_name"})

	a.retries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "job_retries_total",
		Help:      "Failed attempts that were scheduled for another attempt.",
	}, []string{"queue", "job_name"})

	a.duration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "job_duration_seconds",
		Help:      "Duration of job attempts in seconds.",
		Buckets:   a.buckets,
	}, []string{"queue", "job_name", "status"})

	a.registry.MustRegister(a.queueDepth, a.workerReady, a.failures, a.retries, a.duration)
}

// Reset drops every series. Intended for tests.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.init()
}

// SetWorkerReady sets the 0/1 readiness gauge for queue
func (a *Aggregator) SetWorkerReady(queue string, ready bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	value := 0.0
	if ready {
		value = 1
	}
	a.workerReady.WithLabelValues(queue).Set(value)
}

// UpdateQueueDepth overwrites every state gauge of queue in one step.
// Waiting-children jobs are reported as waiting.
func (a *Aggregator) UpdateQueueDepth(queue string, counts domain.JobCounts) {
	a.mu.Lock()
	defer a.mu.Unlock()

	states := map[string]int{
		StateWaiting:   counts.Waiting + counts.WaitingChildren,
		StateActive:    counts.Active,
		StateDelayed:   counts.Delayed,
		StateFailed:    counts.Failed,
		StateCompleted: counts.Completed,
		StatePaused:    counts.Paused,
	}
	for state, value := range states {
		a.queueDepth.WithLabelValues(queue, state).Set(float64(max(value, 0)))
	}
}

// ObserveJobDuration records one attempt duration. Negative or NaN inputs count as zero.
func (a *Aggregator) ObserveJobDuration(queue, jobName string, status domain.Status, seconds float64) {
	if seconds < 0 || math.IsNaN(seconds) {
		seconds = 0
	}

	a.mu.RLock()
	defer a.mu.RUnlock()
	a.duration.WithLabelValues(queue, jobName, string(status)).Observe(seconds)
}

// IncrementJobFailure counts a terminal failure
func (a *Aggregator) IncrementJobFailure(queue, jobName string) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	a.failures.WithLabelValues(queue, jobName).Inc()
}

// IncrementJobRetry counts a scheduled retry
func (a *Aggregator) IncrementJobRetry(queue, jobName string) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	a.retries.WithLabelValues(queue, jobName).Inc()
}

// Snapshot renders the current state in the Prometheus text format. Families and
// series are emitted in a stable order, so two calls without intervening updates
// return identical output.
func (a *Aggregator) Snapshot() (string, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	families, err := a.registry.Gather()
	if err != nil {
		return "", fmt.Errorf("failed to gather metrics: %w", err)
	}

	var buf bytes.Buffer
	for _, family := range families {
		if _, err := expfmt.MetricFamilyToText(&buf, family); err != nil {
			return "", fmt.Errorf("failed to encode metric family %s: %w", family.GetName(), err)
		}
	}

	return buf.String(), nil
}

package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/cuongbtq/analysis-pipeline/internal/domain"
)

// CountsSource returns the current state counts of a queue
type CountsSource interface {
	Counts(ctx context.Context, queue string) (domain.JobCounts, error)
}

// Collector periodically polls queue counts into the aggregator's depth gauges.
type Collector struct {
	aggregator *Aggregator
	source     CountsSource
	queues     []string
	interval   time.Duration
	logger     *slog.Logger
}

// NewCollector creates a collector polling each queue every interval
func NewCollector(aggregator *Aggregator, source CountsSource, queues []string, interval time.Duration, logger *slog.Logger) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		aggregator: aggregator,
		source:     source,
		queues:     queues,
		interval:   interval,
		logger:     logger,
	}
}

// Run collects once immediately and then on every tick until ctx is cancelled.
func (c *Collector) Run(ctx context.Context) {
	c.logger.Info("Starting queue depth collector",
		slog.Any("queues", c.queues),
		slog.Duration("interval", c.interval))

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.CollectOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Queue depth collector stopped")
			return
		case <-ticker.C:
			c.CollectOnce(ctx)
		}
	}
}

// CollectOnce refreshes every queue and returns the number of queues that failed.
// A failing queue keeps its previous gauge values.
func (c *Collector) CollectOnce(ctx context.Context) int {
	failed := 0
	for _, queue := range c.queues {
		counts, err := c.source.Counts(ctx, queue)
		if err != nil {
			failed++
			c.logger.Warn("Failed to collect queue depth",
				slog.String("queue", queue),
				slog.String("error", err.Error()))
			continue
		}
		c.aggregator.UpdateQueueDepth(queue, counts)
	}
	return failed
}

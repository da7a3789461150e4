package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cuongbtq/analysis-pipeline/internal/domain"
	amqp "github.com/rabbitmq/amqp091-go"
)

const relayContentType = "application/json"

// MessagePublisher sends a raw message to the events exchange
type MessagePublisher interface {
	PublishWithRetry(ctx context.Context, body []byte, contentType string) error
}

// RelayPublisher forwards events to RabbitMQ from a single goroutine, preserving
// emission order. Publish never blocks: when the buffer is full the event is dropped.
type RelayPublisher struct {
	client  MessagePublisher
	events  chan domain.JobUpdateEvent
	dropped atomic.Int64
	logger  *slog.Logger
}

// NewRelayPublisher creates a relay with the given buffer size
func NewRelayPublisher(client MessagePublisher, bufferSize int, logger *slog.Logger) *RelayPublisher {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &RelayPublisher{
		client: client,
		events: make(chan domain.JobUpdateEvent, bufferSize),
		logger: logger,
	}
}

// Publish queues event for delivery to the exchange
func (r *RelayPublisher) Publish(event domain.JobUpdateEvent) {
	select {
	case r.events <- event:
	default:
		r.dropped.Add(1)
		r.logger.Warn("Event relay buffer full, dropping job update",
			slog.String("job_id", event.JobID),
			slog.String("status", string(event.Status)),
		)
	}
}

// Dropped returns how many events were discarded because the buffer was full
func (r *RelayPublisher) Dropped() int64 {
	return r.dropped.Load()
}

// Run publishes queued events until ctx is cancelled, then flushes what is left.
func (r *RelayPublisher) Run(ctx context.Context) {
	r.logger.Info("Event relay publisher started")

	for {
		select {
		case <-ctx.Done():
			r.flush()
			r.logger.Info("Event relay publisher stopped")
			return
		case event := <-r.events:
			r.send(ctx, event)
		}
	}
}

func (r *RelayPublisher) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for {
		select {
		case event := <-r.events:
			r.send(ctx, event)
		default:
			return
		}
	}
}

func (r *RelayPublisher) send(ctx context.Context, event domain.JobUpdateEvent) {
	body, err := json.Marshal(event)
	if err != nil {
		r.logger.Error("Failed to marshal job update",
			slog.String("job_id", event.JobID),
			slog.String("error", err.Error()),
		)
		return
	}

	if err := r.client.PublishWithRetry(ctx, body, relayContentType); err != nil {
		r.logger.Error("Failed to relay job update",
			slog.String("job_id", event.JobID),
			slog.String("status", string(event.Status)),
			slog.String("error", err.Error()),
		)
	}
}

const defaultResubscribeInterval = 2 * time.Second

// DeliverySource opens a stream of relayed messages. The stream closes when the
// connection drops.
type DeliverySource interface {
	Consume(consumerTag string) (<-chan amqp.Delivery, error)
}

// RelayConsumerConfig configures a RelayConsumer
type RelayConsumerConfig struct {
	Source        DeliverySource
	ConsumerTag   string
	RetryInterval time.Duration
	// OnLost runs when the stream breaks and OnRestored once it is consumed again.
	// Updates published in between never reach this process.
	OnLost     func()
	OnRestored func()
}

// RelayConsumer reads relayed events from RabbitMQ and publishes them locally.
type RelayConsumer struct {
	publisher Publisher
	cfg       RelayConsumerConfig
	logger    *slog.Logger
	down      bool
}

// NewRelayConsumer creates a consumer that feeds publisher
func NewRelayConsumer(publisher Publisher, cfg RelayConsumerConfig, logger *slog.Logger) *RelayConsumer {
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = defaultResubscribeInterval
	}
	return &RelayConsumer{
		publisher: publisher,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run dispatches deliveries until ctx is cancelled, subscribing again whenever
// the delivery stream closes.
func (c *RelayConsumer) Run(ctx context.Context) {
	c.logger.Info("Event relay consumer started")

	for {
		deliveries, ok := c.subscribe(ctx)
		if !ok {
			c.logger.Info("Event relay consumer stopped - context canceled")
			return
		}
		c.restored()

		if !c.dispatch(ctx, deliveries) {
			c.logger.Info("Event relay consumer stopped - context canceled")
			return
		}
		c.logger.Warn("RabbitMQ delivery channel closed, resubscribing")
		c.lost()
	}
}

func (c *RelayConsumer) subscribe(ctx context.Context) (<-chan amqp.Delivery, bool) {
	for {
		deliveries, err := c.cfg.Source.Consume(c.cfg.ConsumerTag)
		if err == nil {
			return deliveries, true
		}

		c.logger.Warn("Failed to consume job updates",
			slog.String("error", err.Error()),
			slog.Duration("retry_after", c.cfg.RetryInterval),
		)
		c.lost()

		select {
		case <-ctx.Done():
			return nil, false
		case <-time.After(c.cfg.RetryInterval):
		}
	}
}

// dispatch reports false when ctx ends and true when the stream closes
func (c *RelayConsumer) dispatch(ctx context.Context, deliveries <-chan amqp.Delivery) bool {
	for {
		select {
		case <-ctx.Done():
			return false

		case delivery, ok := <-deliveries:
			if !ok {
				return true
			}
			c.handle(delivery)
		}
	}
}

func (c *RelayConsumer) lost() {
	if c.down {
		return
	}
	c.down = true
	if c.cfg.OnLost != nil {
		c.cfg.OnLost()
	}
}

func (c *RelayConsumer) restored() {
	if !c.down {
		return
	}
	c.down = false
	c.logger.Info("Event relay consumer resubscribed")
	if c.cfg.OnRestored != nil {
		c.cfg.OnRestored()
	}
}

func (c *RelayConsumer) handle(delivery amqp.Delivery) {
	var event domain.JobUpdateEvent
	if err := json.Unmarshal(delivery.Body, &event); err != nil || event.JobID == "" {
		c.logger.Error("Failed to parse relayed job update",
			slog.Any("error", err),
			slog.String("body", string(delivery.Body)),
		)
		// malformed messages are never redelivered
		if nackErr := delivery.Nack(false, false); nackErr != nil {
			c.logger.Error("Failed to NACK malformed message",
				slog.String("error", nackErr.Error()),
			)
		}
		return
	}

	c.publisher.Publish(event)

	if err := delivery.Ack(false); err != nil {
		c.logger.Error("Failed to ACK relayed job update",
			slog.String("job_id", event.JobID),
			slog.String("error", err.Error()),
		)
	}
}

package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Config holds RabbitMQ connection configuration
type Config struct {
	Host               string
	Port               int
	User               string
	Password           string
	VHost              string
	ExchangeName       string
	ExchangeType       string
	ExchangeDurable    bool
	ExchangeAutoDelete bool
	// DeclareQueue binds a queue to the exchange. Publish-only clients leave it false.
	DeclareQueue       bool
	QueueName          string
	QueueDurable       bool
	QueueAutoDelete    bool
	QueueExclusive     bool
	RoutingKey         string
	PrefetchCount      int
	RetryAttempts      int
	RetryInterval      time.Duration
	Heartbeat          time.Duration
	ConnectionTimeout  time.Duration
	PublishRetries     int
	PublishRetryDelay  time.Duration
	PublishBackoffMult float64
}

const defaultReconnectInterval = 5 * time.Second

// Client represents a RabbitMQ client. It reconnects on its own when the broker
// drops the channel; consumers call Consume again to resume.
type Client struct {
	config *Config
	logger *slog.Logger

	mu        sync.RWMutex
	conn      *amqp.Connection
	channel   *amqp.Channel
	closeChan chan *amqp.Error
	queueName string

	isConnected atomic.Bool
	closing     atomic.Bool
	done        chan struct{}
	closeOnce   sync.Once
	watching    chan struct{}
}

// NewClient creates a new RabbitMQ client
func NewClient(config *Config, logger *slog.Logger) (*Client, error) {
	client := newClient(config, logger)

	if err := client.connect(); err != nil {
		return nil, fmt.Errorf("failed to create RabbitMQ client: %w", err)
	}

	go client.watch()

	return client, nil
}

func newClient(config *Config, logger *slog.Logger) *Client {
	return &Client{
		config:   config,
		logger:   logger,
		done:     make(chan struct{}),
		watching: make(chan struct{}),
	}
}

func (c *Client) dsn() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%d%s",
		c.config.User,
		c.config.Password,
		c.config.Host,
		c.config.Port,
		c.config.VHost,
	)
}

// connect establishes connection to RabbitMQ with retry logic
func (c *Client) connect() error {
	amqpConfig := amqp.Config{
		Heartbeat: c.config.Heartbeat,
		Locale:    "en_US",
	}
	if c.config.ConnectionTimeout > 0 {
		amqpConfig.Dial = amqp.DefaultDial(c.config.ConnectionTimeout)
	}

	var (
		conn *amqp.Connection
		err  error
	)
	attempts := max(c.config.RetryAttempts, 1)
	for attempt := 1; attempt <= attempts; attempt++ {
		c.logger.Info("Connecting to RabbitMQ",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", attempts),
		)

		conn, err = amqp.DialConfig(c.dsn(), amqpConfig)
		if err == nil {
			c.logger.Info("Successfully connected to RabbitMQ")
			break
		}

		c.logger.Error("Failed to connect to RabbitMQ",
			slog.Any("error", err),
			slog.Int("attempt", attempt),
		)

		if attempt < attempts && !c.sleep(c.config.RetryInterval) {
			return fmt.Errorf("client closed while connecting")
		}
	}

	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", attempts, err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to create channel: %w", err)
	}

	queueName, err := c.setup(channel)
	if err != nil {
		channel.Close()
		conn.Close()
		return fmt.Errorf("failed to setup exchange and queue: %w", err)
	}

	// the library closes the notify channel on shutdown, so each connection gets its own
	closeChan := channel.NotifyClose(make(chan *amqp.Error, 1))

	c.mu.Lock()
	c.conn = conn
	c.channel = channel
	c.closeChan = closeChan
	c.queueName = queueName
	c.mu.Unlock()
	c.isConnected.Store(true)

	c.logger.Info("RabbitMQ client initialized",
		slog.String("exchange", c.config.ExchangeName),
		slog.String("queue", queueName),
	)

	return nil
}

// setup declares exchange, queue, and bindings and returns the queue name
func (c *Client) setup(channel *amqp.Channel) (string, error) {
	// Declare exchange
	err := channel.ExchangeDeclare(
		c.config.ExchangeName,       // name
		c.config.ExchangeType,       // type
		c.config.ExchangeDurable,    // durable
		c.config.ExchangeAutoDelete, // auto-deleted
		false,                       // internal
		false,                       // no-wait
		nil,                         // arguments
	)
	if err != nil {
		return "", fmt.Errorf("failed to declare exchange: %w", err)
	}

	if !c.config.DeclareQueue {
		return "", nil
	}

	// Declare queue; an empty name gets a server-generated one
	queue, err := channel.QueueDeclare(
		c.config.QueueName,       // name
		c.config.QueueDurable,    // durable
		c.config.QueueAutoDelete, // auto-delete
		c.config.QueueExclusive,  // exclusive
		false,                    // no-wait
		nil,                      // arguments
	)
	if err != nil {
		return "", fmt.Errorf("failed to declare queue: %w", err)
	}

	// Bind queue to exchange
	err = channel.QueueBind(
		queue.Name,            // queue name
		c.config.RoutingKey,   // routing key
		c.config.ExchangeName, // exchange
		false,                 // no-wait
		nil,                   // arguments
	)
	if err != nil {
		return "", fmt.Errorf("failed to bind queue: %w", err)
	}

	if c.config.PrefetchCount > 0 {
		if err := channel.Qos(c.config.PrefetchCount, 0, false); err != nil {
			return "", fmt.Errorf("failed to set prefetch: %w", err)
		}
	}

	return queue.Name, nil
}

// watch reconnects whenever the broker closes the channel, until Close is called
func (c *Client) watch() {
	defer close(c.watching)

	for {
		c.mu.RLock()
		closeChan := c.closeChan
		c.mu.RUnlock()

		select {
		case <-c.done:
			return
		case amqpErr, ok := <-closeChan:
			c.isConnected.Store(false)
			if c.closing.Load() {
				return
			}
			if ok && amqpErr != nil {
				c.logger.Error("RabbitMQ channel closed",
					slog.Int("code", amqpErr.Code),
					slog.String("reason", amqpErr.Reason),
				)
			}
		}

		if !c.reconnect() {
			return
		}
	}
}

// reconnect replaces the dropped connection, redeclaring exchange and queue. It
// reports false once the client is closed.
func (c *Client) reconnect() bool {
	c.mu.Lock()
	if c.conn != nil && !c.conn.IsClosed() {
		c.conn.Close()
	}
	c.mu.Unlock()

	interval := c.config.RetryInterval
	if interval <= 0 {
		interval = defaultReconnectInterval
	}

	for !c.closing.Load() {
		err := c.connect()
		if err == nil {
			if c.closing.Load() {
				c.closeConnection()
				return false
			}
			c.logger.Info("Reconnected to RabbitMQ")
			return true
		}

		c.logger.Error("Failed to reconnect to RabbitMQ",
			slog.Any("error", err),
			slog.Duration("retry_after", interval),
		)
		if !c.sleep(interval) {
			return false
		}
	}
	return false
}

// sleep waits d and reports false if the client was closed meanwhile
func (c *Client) sleep(d time.Duration) bool {
	select {
	case <-c.done:
		return false
	case <-time.After(d):
		return true
	}
}

// QueueName returns the declared queue, which may have been named by the server
func (c *Client) QueueName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.queueName
}

func (c *Client) publish(ctx context.Context, body []byte, contentType string) error {
	c.mu.RLock()
	channel := c.channel
	c.mu.RUnlock()
	if channel == nil || !c.isConnected.Load() {
		return fmt.Errorf("not connected to RabbitMQ")
	}

	return channel.PublishWithContext(
		ctx,
		c.config.ExchangeName, // exchange
		c.config.RoutingKey,   // routing key
		false,                 // mandatory
		false,                 // immediate
		amqp.Publishing{
			ContentType:  contentType,
			Body:         body,
			DeliveryMode: amqp.Transient, // events are only useful live
			Timestamp:    time.Now(),
		},
	)
}

// Consume starts consuming messages from the queue. The returned channel closes
// when the connection drops; call Consume again once the client has reconnected.
func (c *Client) Consume(consumerTag string) (<-chan amqp.Delivery, error) {
	if !c.isConnected.Load() {
		return nil, fmt.Errorf("not connected to RabbitMQ")
	}

	c.mu.RLock()
	channel, queueName := c.channel, c.queueName
	c.mu.RUnlock()
	if queueName == "" {
		return nil, fmt.Errorf("no queue declared to consume from")
	}

	messages, err := channel.Consume(
		queueName,               // queue
		consumerTag,             // consumer tag
		false,                   // auto-ack
		c.config.QueueExclusive, // exclusive
		false,                   // no-local
		false,                   // no-wait
		nil,                     // args
	)
	if err != nil {
		return nil, fmt.Errorf("failed to consume messages: %w", err)
	}

	c.logger.Info("Started consuming messages from RabbitMQ",
		slog.String("queue", queueName),
		slog.String("consumer_tag", consumerTag),
	)

	return messages, nil
}

// Close stops reconnecting and closes the RabbitMQ connection
func (c *Client) Close() error {
	c.logger.Info("Closing RabbitMQ connection")

	c.closing.Store(true)
	c.isConnected.Store(false)
	c.closeOnce.Do(func() { close(c.done) })

	if err := c.closeConnection(); err != nil {
		return err
	}

	c.logger.Info("RabbitMQ connection closed successfully")
	return nil
}

func (c *Client) closeConnection() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.channel != nil && !c.channel.IsClosed() {
		if err := c.channel.Close(); err != nil {
			c.logger.Error("Failed to close RabbitMQ channel",
				slog.Any("error", err),
			)
		}
	}

	if c.conn != nil && !c.conn.IsClosed() {
		if err := c.conn.Close(); err != nil {
			c.logger.Error("Failed to close RabbitMQ connection",
				slog.Any("error", err),
			)
			return err
		}
	}
	return nil
}

// IsConnected returns the connection status
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	return c.isConnected.Load() && conn != nil && !conn.IsClosed()
}

// PublishWithRetry publishes a message to RabbitMQ with retry logic and exponential backoff
func (c *Client) PublishWithRetry(ctx context.Context, body []byte, contentType string) error {
	if !c.isConnected.Load() {
		return fmt.Errorf("not connected to RabbitMQ")
	}

	maxRetries := c.config.PublishRetries
	if maxRetries <= 0 {
		maxRetries = 3 // default
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := c.publish(ctx, body, contentType)
		if err == nil {
			if attempt > 0 {
				c.logger.Info("Successfully published message to RabbitMQ after retry",
					slog.Int("attempt", attempt+1),
					slog.Int("body_size", len(body)),
				)
			} else {
				c.logger.Debug("Message published to RabbitMQ",
					slog.Int("body_size", len(body)),
					slog.String("content_type", contentType),
				)
			}
			return nil
		}

		lastErr = err

		if attempt < maxRetries {
			backoffDelay := c.publishBackoff(attempt)
			c.logger.Warn("Failed to publish message to RabbitMQ, retrying...",
				slog.Int("attempt", attempt+1),
				slog.Int("max_retries", maxRetries),
				slog.Duration("retry_after", backoffDelay),
				slog.Any("error", err),
			)

			select {
			case <-ctx.Done():
				return fmt.Errorf("publish cancelled: %w", ctx.Err())
			case <-time.After(backoffDelay):
			}
		}
	}

	c.logger.Error("Failed to publish message to RabbitMQ after all retries",
		slog.Int("attempts", maxRetries+1),
		slog.Any("error", lastErr),
	)
	return fmt.Errorf("failed to publish message after %d attempts: %w", maxRetries+1, lastErr)
}

// publishBackoff returns the wait after the given failed publish (0-based)
func (c *Client) publishBackoff(attempt int) time.Duration {
	baseDelay := c.config.PublishRetryDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond // default
	}

	backoffMult := c.config.PublishBackoffMult
	if backoffMult <= 0 {
		backoffMult = 2.0 // default
	}

	return time.Duration(float64(baseDelay) * math.Pow(backoffMult, float64(attempt)))
}

package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535

	// EnvPrefix prefixes every environment override, e.g. ANALYSIS_REDIS_ADDR
	EnvPrefix = "ANALYSIS"
)

// History backends
const (
	HistoryBackendPostgres = "postgres"
	HistoryBackendMemory   = "memory"
)

// Config represents the complete application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	Redis    RedisConfig    `yaml:"redis"`
	Jobs     JobsConfig     `yaml:"jobs"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Stream   StreamConfig   `yaml:"stream"`
	History  HistoryConfig  `yaml:"history"`
	Gemini   GeminiConfig   `yaml:"gemini"`
	Logging  LoggingConfig  `yaml:"logging"`
	App      AppConfig      `yaml:"app"`
	Worker   WorkerConfig   `yaml:"worker"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" split_words:"true"`
	WriteTimeout    time.Duration `yaml:"write_timeout" split_words:"true"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" split_words:"true"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" split_words:"true"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns" split_words:"true"`
	MaxIdleConns    int           `yaml:"max_idle_conns" split_words:"true"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" split_words:"true"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" split_words:"true"`
	ConnectAttempts int           `yaml:"connect_attempts" split_words:"true"`
	RetryInterval   time.Duration `yaml:"retry_interval" split_words:"true"`
	AutoMigrate     bool          `yaml:"auto_migrate" split_words:"true"`
}

// RabbitMQConfig holds the connection and topology of the job event relay
type RabbitMQConfig struct {
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Queue      QueueConfig      `yaml:"queue"`
	RoutingKey string           `yaml:"routing_key" split_words:"true"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete" split_words:"true"`
}

// QueueConfig holds RabbitMQ queue configuration. An empty name lets the
// broker generate one, which suits per-instance event queues.
type QueueConfig struct {
	Name       string `yaml:"name"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete" split_words:"true"`
	Exclusive  bool   `yaml:"exclusive"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts" split_words:"true"`
	RetryInterval     time.Duration `yaml:"retry_interval" split_words:"true"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout" split_words:"true"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts" split_words:"true"`
	RetryInterval     time.Duration `yaml:"retry_interval" split_words:"true"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier" split_words:"true"`
	BufferSize        int           `yaml:"buffer_size" split_words:"true"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount int `yaml:"prefetch_count" split_words:"true"`
}

// RedisConfig locates the asynq broker
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// JobsConfig names the primary and dead-letter queues and their retry policy
type JobsConfig struct {
	Queue              string        `yaml:"queue"`
	DeadLetterQueue    string        `yaml:"dead_letter_queue" split_words:"true"`
	DefaultMaxAttempts int           `yaml:"default_max_attempts" split_words:"true"`
	Timeout            time.Duration `yaml:"timeout"`
	Retention          time.Duration `yaml:"retention"`
	Backoff            BackoffConfig `yaml:"backoff"`
}

// BackoffConfig is the exponential retry delay between attempts
type BackoffConfig struct {
	Base       time.Duration `yaml:"base"`
	Max        time.Duration `yaml:"max"`
	Multiplier float64       `yaml:"multiplier"`
}

// MetricsConfig holds the depth collector and histogram settings
type MetricsConfig struct {
	CollectInterval time.Duration `yaml:"collect_interval" split_words:"true"`
	DurationBuckets []float64     `yaml:"duration_buckets" split_words:"true"`
}

// StreamConfig holds SSE gateway settings
type StreamConfig struct {
	Heartbeat  time.Duration `yaml:"heartbeat"`
	BufferSize int           `yaml:"buffer_size" split_words:"true"`
}

// HistoryConfig selects the execution history store
type HistoryConfig struct {
	Backend string `yaml:"backend"`
}

// GeminiConfig holds the semantic insights model settings
type GeminiConfig struct {
	APIKey string `yaml:"api_key" split_words:"true"`
	Model  string `yaml:"model"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level            string `yaml:"level"`
	Format           string `yaml:"format"`
	Output           string `yaml:"output"`
	EnableCaller     bool   `yaml:"enable_caller" split_words:"true"`
	EnableStackTrace bool   `yaml:"enable_stack_trace" split_words:"true"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	Concurrency     int           `yaml:"concurrency"`
	OpsPort         int           `yaml:"ops_port" split_words:"true"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" split_words:"true"`
}

// Load reads the configuration file, fills defaults and applies ANALYSIS_*
// environment overrides
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := envconfig.Process(EnvPrefix, &config); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	config.applyDefaults()
	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Jobs.Queue == "" {
		c.Jobs.Queue = "analysis"
	}
	if c.Jobs.DeadLetterQueue == "" {
		c.Jobs.DeadLetterQueue = c.Jobs.Queue + "-dead-letter"
	}
	if c.Jobs.DefaultMaxAttempts == 0 {
		c.Jobs.DefaultMaxAttempts = 3
	}
	if c.Jobs.Backoff.Base == 0 {
		c.Jobs.Backoff.Base = 5 * time.Second
	}
	if c.Jobs.Backoff.Max == 0 {
		c.Jobs.Backoff.Max = 5 * time.Minute
	}
	if c.Jobs.Backoff.Multiplier == 0 {
		c.Jobs.Backoff.Multiplier = 2
	}
	if c.Metrics.CollectInterval == 0 {
		c.Metrics.CollectInterval = 15 * time.Second
	}
	if c.Stream.Heartbeat == 0 {
		c.Stream.Heartbeat = 15 * time.Second
	}
	if c.Stream.BufferSize == 0 {
		c.Stream.BufferSize = 64
	}
	if c.History.Backend == "" {
		c.History.Backend = HistoryBackendPostgres
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Worker.ShutdownTimeout == 0 {
		c.Worker.ShutdownTimeout = 30 * time.Second
	}
	if c.RabbitMQ.Exchange.Type == "" {
		c.RabbitMQ.Exchange.Type = "fanout"
	}
}

// Validate checks the settings shared by both services
func (c *Config) Validate() error {
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis addr is required")
	}

	if c.Jobs.Queue == "" {
		return fmt.Errorf("jobs queue name is required")
	}

	if c.Jobs.DeadLetterQueue == c.Jobs.Queue {
		return fmt.Errorf("jobs dead_letter_queue must differ from the primary queue")
	}

	if c.Jobs.DefaultMaxAttempts < 1 {
		return fmt.Errorf("jobs default_max_attempts must be at least 1")
	}

	if c.Jobs.Backoff.Base < 0 || c.Jobs.Backoff.Max < 0 {
		return fmt.Errorf("jobs backoff delays must not be negative")
	}

	if c.Jobs.Backoff.Multiplier < 1 {
		return fmt.Errorf("jobs backoff multiplier must be at least 1")
	}

	for i := 1; i < len(c.Metrics.DurationBuckets); i++ {
		if c.Metrics.DurationBuckets[i] <= c.Metrics.DurationBuckets[i-1] {
			return fmt.Errorf("metrics duration_buckets must be strictly increasing")
		}
	}

	switch c.History.Backend {
	case HistoryBackendMemory:
	case HistoryBackendPostgres:
		if err := c.validateDatabase(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown history backend: %q", c.History.Backend)
	}

	return c.validateRabbitMQ()
}

func (c *Config) validateDatabase() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	return nil
}

func (c *Config) validateRabbitMQ() error {
	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}

	return nil
}

// ValidateAPIConfig checks the settings the api-service needs
func (c *Config) ValidateAPIConfig() error {
	if err := c.Validate(); err != nil {
		return err
	}

	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if c.Stream.Heartbeat <= 0 {
		return fmt.Errorf("stream heartbeat must be greater than 0")
	}

	return nil
}

// ValidateWorkerConfig checks the settings the worker-service needs
func (c *Config) ValidateWorkerConfig() error {
	if err := c.Validate(); err != nil {
		return err
	}

	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}

	if c.Worker.OpsPort < MinPort || c.Worker.OpsPort > MaxPort {
		return fmt.Errorf("invalid worker ops port: %d (must be between %d and %d)", c.Worker.OpsPort, MinPort, MaxPort)
	}

	if c.Worker.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown_timeout must be greater than 0")
	}

	if c.Gemini.APIKey == "" {
		return fmt.Errorf("gemini api_key is required")
	}

	return nil
}

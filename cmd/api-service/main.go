package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/cuongbtq/analysis-pipeline/internal/api/handler"
	"github.com/cuongbtq/analysis-pipeline/internal/api/router"
	"github.com/cuongbtq/analysis-pipeline/internal/config"
	"github.com/cuongbtq/analysis-pipeline/internal/events"
	"github.com/cuongbtq/analysis-pipeline/internal/pipeline"
	"github.com/cuongbtq/analysis-pipeline/internal/sse"
	"github.com/cuongbtq/analysis-pipeline/shared/logger"
	"github.com/cuongbtq/analysis-pipeline/shared/postgresql"
	"github.com/cuongbtq/analysis-pipeline/shared/rabbitmq"
)

const serviceName = "analysis-api-service"

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	// Parse command-line flags
	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	healthChecks := map[string]handler.HealthCheck{}

	// Initialize PostgreSQL client when history is durable
	var dbClient *postgresql.Client
	if cfg.History.Backend == config.HistoryBackendPostgres {
		dbClient, err = initPostgreSQL(&cfg.Database, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		defer dbClient.Close()

		if cfg.Database.AutoMigrate {
			if err := postgresql.Migrate(dbClient.GetDB().DB, appLogger.Logger); err != nil {
				return fmt.Errorf("failed to migrate database: %w", err)
			}
		}

		healthChecks["postgres"] = dbClient.HealthCheck
		appLogger.Info("Database connection established")
	}

	// Initialize RabbitMQ client; its exclusive queue receives every job update
	rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	defer rabbitClient.Close()

	healthChecks["rabbitmq"] = func(context.Context) error {
		if !rabbitClient.IsConnected() {
			return errors.New("not connected")
		}
		return nil
	}
	appLogger.Info("RabbitMQ connection established")

	// Updates emitted here go through the exchange like the worker's, so every
	// API instance sees them on its own queue exactly once
	relay := events.NewRelayPublisher(rabbitClient, cfg.RabbitMQ.Publish.BufferSize, appLogger.Logger)
	bus := events.NewBus(appLogger.Logger)

	var deps pipeline.Deps
	deps.Logger = appLogger.Logger
	deps.Events = relay
	if dbClient != nil {
		deps.DB = dbClient.GetDB()
	}

	p, err := pipeline.New(cfg, deps)
	if err != nil {
		return fmt.Errorf("failed to build job pipeline: %w", err)
	}
	defer p.Close()
	healthChecks["redis"] = p.Ping

	gateway := sse.New(bus, sse.Config{
		Heartbeat:  cfg.Stream.Heartbeat,
		BufferSize: cfg.Stream.BufferSize,
		Counts:     p.Queue,
		Logger:     appLogger.Logger,
	})

	// streams are cut while the update feed is down so clients reconnect and refetch
	consumer := events.NewRelayConsumer(bus, events.RelayConsumerConfig{
		Source:        rabbitClient,
		ConsumerTag:   serviceName + "-" + uuid.NewString(),
		RetryInterval: cfg.RabbitMQ.Connection.RetryInterval,
		OnLost:        gateway.Suspend,
		OnRestored:    gateway.Resume,
	}, appLogger.Logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go relay.Run(ctx)
	go consumer.Run(ctx)
	go p.Collector.Run(ctx)

	// Initialize router
	r := initRouter(cfg.App.Environment, &handler.Dependencies{
		Logger:       appLogger.Logger,
		ServiceName:  serviceName,
		Queue:        p.Queue,
		Coordinator:  p.Coordinator,
		History:      p.History,
		Stream:       gateway,
		Metrics:      p.Metrics,
		HealthChecks: healthChecks,
	})

	// Create HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	appLogger.Info("Starting HTTP server",
		slog.String("address", addr),
		slog.Duration("read_timeout", cfg.Server.ReadTimeout),
		slog.Duration("write_timeout", cfg.Server.WriteTimeout),
	)

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	appLogger.Info("API service is running",
		slog.String("address", addr),
	)

	// Wait for interrupt signal to gracefully shutdown the server
	select {
	case <-ctx.Done():
		appLogger.Info("Shutting down server...")
	case err := <-serverErr:
		appLogger.Error("Server failed", slog.Any("error", err))
		return err
	}

	// SSE streams never finish on their own
	gateway.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
		return err
	}

	appLogger.Info("Server shutdown complete")
	return nil
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	dbConfig := &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
		ConnectAttempts: cfg.ConnectAttempts,
		RetryInterval:   cfg.RetryInterval,
		ApplicationName: serviceName,
	}

	return postgresql.NewClient(dbConfig, logger)
}

// initRabbitMQ initializes the RabbitMQ client bound to the job events exchange
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		DeclareQueue:       true,
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		QueueAutoDelete:    cfg.Queue.AutoDelete,
		QueueExclusive:     cfg.Queue.Exclusive,
		RoutingKey:         cfg.RoutingKey,
		PrefetchCount:      cfg.Consumer.PrefetchCount,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}

// initRouter sets the gin mode for the environment and builds the routes
func initRouter(environment string, deps *handler.Dependencies) *gin.Engine {
	if environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	return router.SetupRouter(deps)
}

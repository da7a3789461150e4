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
	"github.com/joho/godotenv"

	"github.com/cuongbtq/analysis-pipeline/internal/adapter/gemini"
	"github.com/cuongbtq/analysis-pipeline/internal/analysis"
	"github.com/cuongbtq/analysis-pipeline/internal/api/handler"
	"github.com/cuongbtq/analysis-pipeline/internal/api/router"
	"github.com/cuongbtq/analysis-pipeline/internal/config"
	"github.com/cuongbtq/analysis-pipeline/internal/events"
	"github.com/cuongbtq/analysis-pipeline/internal/pipeline"
	"github.com/cuongbtq/analysis-pipeline/internal/worker"
	"github.com/cuongbtq/analysis-pipeline/shared/logger"
	"github.com/cuongbtq/analysis-pipeline/shared/postgresql"
	"github.com/cuongbtq/analysis-pipeline/shared/rabbitmq"
)

const serviceName = "analysis-worker-service"

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
	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting worker service",
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

	// Initialize RabbitMQ client; the worker only publishes job updates
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

	relay := events.NewRelayPublisher(rabbitClient, cfg.RabbitMQ.Publish.BufferSize, appLogger.Logger)

	var deps pipeline.Deps
	deps.Logger = appLogger.Logger
	deps.Events = relay
	deps.Concurrency = cfg.Worker.Concurrency
	if dbClient != nil {
		deps.DB = dbClient.GetDB()
	}

	p, err := pipeline.New(cfg, deps)
	if err != nil {
		return fmt.Errorf("failed to build job pipeline: %w", err)
	}
	defer p.Close()
	healthChecks["redis"] = p.Ping

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Register job handlers
	generator, err := gemini.NewGenerator(ctx, cfg.Gemini.APIKey, cfg.Gemini.Model)
	if err != nil {
		return fmt.Errorf("failed to initialize gemini: %w", err)
	}
	defer generator.Close()

	analysis.NewInsightsHandler(generator, appLogger.Logger).Register(p.Queue)

	opsServer := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.Worker.OpsPort),
		Handler: initOpsRouter(cfg.App.Environment, &handler.Dependencies{
			Logger:       appLogger.Logger,
			ServiceName:  serviceName,
			Metrics:      p.Metrics,
			HealthChecks: healthChecks,
		}),
		ReadTimeout: 10 * time.Second,
	}

	// Create worker instance
	workerInstance := worker.NewWorker(&worker.Config{
		Logger: appLogger.Logger,
		Queue:  p.Queue,
		Tasks: map[string]worker.Task{
			"event-relay":     relay,
			"depth-collector": p.Collector,
		},
		OpsServer:       opsServer,
		Concurrency:     cfg.Worker.Concurrency,
		ShutdownTimeout: cfg.Worker.ShutdownTimeout,
	})

	appLogger.Info("Worker service started successfully")

	if err := workerInstance.Start(ctx); err != nil {
		appLogger.Error("Worker error",
			slog.Any("error", err),
		)
		return err
	}

	appLogger.Info("Worker service shutdown complete")
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

// initRabbitMQ initializes a publish-only RabbitMQ client for the job events exchange
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
		RoutingKey:         cfg.RoutingKey,
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

// initOpsRouter builds the /metrics and /health router
func initOpsRouter(environment string, deps *handler.Dependencies) *gin.Engine {
	if environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	return router.SetupOpsRouter(deps)
}

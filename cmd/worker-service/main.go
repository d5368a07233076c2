package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/trannm/ingest-be/internal/audit"
	"github.com/trannm/ingest-be/internal/blob"
	"github.com/trannm/ingest-be/internal/config"
	"github.com/trannm/ingest-be/internal/jobs"
	jobqueue "github.com/trannm/ingest-be/internal/jobs/queue"
	jobstore "github.com/trannm/ingest-be/internal/jobs/store"
	"github.com/trannm/ingest-be/internal/pipeline"
	"github.com/trannm/ingest-be/internal/realtime"
	"github.com/trannm/ingest-be/shared/logger"
	"github.com/trannm/ingest-be/shared/postgresql"
	"github.com/trannm/ingest-be/shared/rabbitmq"
	"github.com/trannm/ingest-be/shared/redis"
)

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

	hostname, _ := os.Hostname()
	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("hostname", hostname),
	)

	// Initialize Redis client (job records and priority lanes)
	redisClient, err := redis.NewClient(&redis.Config{
		Host:         cfg.Redis.Host,
		Port:         cfg.Redis.Port,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	}, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize Redis: %w", err)
	}
	defer redisClient.Close()

	// Initialize PostgreSQL client (audit sink)
	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	if err := dbClient.EnsureAuditSchema(context.Background()); err != nil {
		return err
	}

	blobStore, err := blob.NewLocalStore(cfg.Blob.Root)
	if err != nil {
		return fmt.Errorf("failed to initialize blob store: %w", err)
	}

	// Progress leaves a worker only through the relay; without it, clients
	// must poll the status endpoint.
	var publisher jobs.Publisher = jobs.NopPublisher{}
	if cfg.RabbitMQ.Enabled {
		rabbitClient, err := rabbitmq.NewClient(&rabbitmq.Config{
			Host:          cfg.RabbitMQ.Host,
			Port:          cfg.RabbitMQ.Port,
			User:          cfg.RabbitMQ.User,
			Password:      cfg.RabbitMQ.Password,
			VHost:         cfg.RabbitMQ.VHost,
			Exchange:      cfg.RabbitMQ.Exchange,
			RetryAttempts: cfg.RabbitMQ.RetryAttempts,
			RetryInterval: cfg.RabbitMQ.RetryInterval,
			Heartbeat:     cfg.RabbitMQ.Heartbeat,
		}, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
		defer rabbitClient.Close()

		publisher = realtime.NewRelay(rabbitClient, nil, appLogger.Logger)
	} else {
		appLogger.Warn("Progress relay disabled, real-time updates will not be delivered")
	}

	store := jobstore.NewRedisStore(redisClient.GetRDB(), cfg.Jobs.Retention, appLogger.Logger)
	queue := jobqueue.NewRedisQueue(redisClient.GetRDB(), appLogger.Logger)
	auditRecorder := audit.NewPostgresRecorder(dbClient.GetDB(), appLogger.Logger)

	manager := jobs.NewManager(store, queue, publisher, auditRecorder, appLogger.Logger, jobs.ManagerConfig{
		MaxActivePerUser:  cfg.Jobs.MaxActivePerUser,
		DefaultMaxRetries: cfg.Jobs.MaxRetries,
		DefaultTimeout:    cfg.Worker.JobTimeout,
	})

	executor := jobs.NewExecutor(manager, store, queue, blobStore, pipeline.Passthrough(), appLogger.Logger, jobs.ExecutorConfig{
		WorkerID:         hostname,
		Concurrency:      cfg.Worker.Concurrency,
		BatchSize:        cfg.Worker.BatchSize,
		RetryBackoffBase: cfg.Worker.BackoffBase,
		RetryBackoffMax:  cfg.Worker.BackoffMax,
	})

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	executor.Start(ctx)

	appLogger.Info("Worker service started successfully")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	appLogger.Info("Received signal, shutting down gracefully",
		slog.String("signal", sig.String()),
	)

	// Cancel context to stop the pool
	cancel()

	// Give in-flight jobs time to reach a suspension point
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		executor.Stop()
		close(done)
	}()

	select {
	case <-done:
		appLogger.Info("Worker pool stopped gracefully")
	case <-shutdownCtx.Done():
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
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
	}

	return postgresql.NewClient(dbConfig, logger)
}

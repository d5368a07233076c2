package main

import (
	"context"
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

	"github.com/trannm/ingest-be/internal/api/handler"
	"github.com/trannm/ingest-be/internal/api/router"
	"github.com/trannm/ingest-be/internal/audit"
	"github.com/trannm/ingest-be/internal/blob"
	"github.com/trannm/ingest-be/internal/config"
	"github.com/trannm/ingest-be/internal/jobs"
	jobqueue "github.com/trannm/ingest-be/internal/jobs/queue"
	jobstore "github.com/trannm/ingest-be/internal/jobs/store"
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

	appLogger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
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

	tokens, err := realtime.NewTokenIssuer(cfg.Realtime.TokenSecret, cfg.Realtime.TokenTTL)
	if err != nil {
		return fmt.Errorf("failed to initialize token issuer: %w", err)
	}

	connManager := realtime.NewConnManager(tokens, appLogger.Logger, realtime.ConnManagerConfig{
		MaxConnsPerUser: cfg.Realtime.MaxConnsPerUser,
		RateLimit:       cfg.Realtime.RateLimit,
		RateWindow:      cfg.Realtime.RateWindow,
		IdleTimeout:     cfg.Realtime.IdleTimeout,
		SweepInterval:   cfg.Realtime.SweepInterval,
	})
	connManager.Start()
	defer connManager.Stop()

	broadcaster := realtime.NewBroadcaster(connManager, appLogger.Logger)

	// With the relay enabled, progress published by worker instances reaches
	// this instance's subscribers through the shared fanout exchange.
	var publisher jobs.Publisher = broadcaster
	var rabbitClient *rabbitmq.Client
	if cfg.RabbitMQ.Enabled {
		rabbitClient, err = rabbitmq.NewClient(&rabbitmq.Config{
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

		relay := realtime.NewRelay(rabbitClient, broadcaster, appLogger.Logger)
		if err := relay.Start(context.Background()); err != nil {
			return fmt.Errorf("failed to start progress relay: %w", err)
		}
		defer relay.Stop()
		publisher = relay
	}

	store := jobstore.NewRedisStore(redisClient.GetRDB(), cfg.Jobs.Retention, appLogger.Logger)
	queue := jobqueue.NewRedisQueue(redisClient.GetRDB(), appLogger.Logger)
	auditRecorder := audit.NewPostgresRecorder(dbClient.GetDB(), appLogger.Logger)

	manager := jobs.NewManager(store, queue, publisher, auditRecorder, appLogger.Logger, jobs.ManagerConfig{
		MaxActivePerUser:  cfg.Jobs.MaxActivePerUser,
		DefaultMaxRetries: cfg.Jobs.MaxRetries,
		DefaultTimeout:    cfg.Worker.JobTimeout,
	})

	// Initialize router
	r := initRouter(cfg.App.Environment, &handler.Dependencies{
		Logger:  appLogger.Logger,
		Manager: manager,
		Blobs:   blobStore,
		Tokens:  tokens,
		Conns:   connManager,
		HealthChecks: map[string]func() error{
			"redis": func() error {
				return redisClient.HealthCheck(context.Background())
			},
			"database": func() error {
				return dbClient.HealthCheck(context.Background())
			},
		},
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

	// Start server in goroutine
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Error("Server failed to start",
				slog.Any("error", err),
			)
			os.Exit(1)
		}
	}()

	appLogger.Info("API service is running",
		slog.String("address", addr),
	)

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
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
	}

	return postgresql.NewClient(dbConfig, logger)
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(environment string, deps *handler.Dependencies) *gin.Engine {
	// Set Gin mode based on environment
	if environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	return router.SetupRouter(deps)
}

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

	"github.com/cuongbtq/template-worker/internal/archive"
	"github.com/cuongbtq/template-worker/internal/artifact"
	"github.com/cuongbtq/template-worker/internal/build"
	"github.com/cuongbtq/template-worker/internal/config"
	"github.com/cuongbtq/template-worker/internal/metrics"
	"github.com/cuongbtq/template-worker/internal/retry"
	"github.com/cuongbtq/template-worker/internal/worker"
	"github.com/cuongbtq/template-worker/internal/worker/ops"
	"github.com/cuongbtq/template-worker/internal/worker/storage"
	"github.com/cuongbtq/template-worker/internal/workspace"
	"github.com/cuongbtq/template-worker/shared/database"
	"github.com/cuongbtq/template-worker/shared/logger"
	"github.com/cuongbtq/template-worker/shared/objectstore"
	"github.com/cuongbtq/template-worker/shared/rabbitmq"
	"github.com/cuongbtq/template-worker/shared/tracing"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
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
	defer appLogger.Close()

	workerID := fmt.Sprintf("%s-%s", cfg.App.Name, uuid.NewString()[:8])

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("worker_id", workerID),
		slog.Int("concurrency", cfg.Worker.Concurrency),
	)

	if cfg.VisibilityTooShort() {
		appLogger.Warn("Visibility timeout is shorter than the worst-case build; running jobs may be redelivered",
			slog.Duration("visibility_timeout", cfg.Worker.VisibilityTimeout),
			slog.Duration("pipeline_budget", cfg.PipelineBudget()),
		)
	}
	if cfg.ShutdownTooShort() {
		appLogger.Warn("Shutdown timeout is shorter than the worst-case build; builds still running at the deadline are killed and requeued",
			slog.Duration("shutdown_timeout", cfg.Worker.ShutdownTimeout),
			slog.Duration("pipeline_budget", cfg.PipelineBudget()),
		)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := tracing.Setup(ctx, cfg.App.Name, cfg.App.Version, tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
		StdOut:      cfg.Tracing.StdOut,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}

	// Initialize status store
	dbClient, err := initDatabase(ctx, &cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	appLogger.Info("Database connection established",
		slog.String("driver", cfg.Database.Driver),
		slog.String("pool", dbClient.Stats()),
	)

	// Initialize RabbitMQ client
	rabbitClient, err := initRabbitMQ(cfg, appLogger.Logger)
	if err != nil {
		dbClient.Close()
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}

	appLogger.Info("RabbitMQ connection established",
		slog.String("dead_letter_queue", rabbitClient.DeadLetterQueue()),
		slog.Duration("consumer_timeout", rabbitClient.ConsumerTimeout()),
	)

	// Initialize object storage
	store, err := initObjectStore(&cfg.Storage, appLogger.Logger)
	if err != nil {
		dbClient.Close()
		rabbitClient.Close()
		return fmt.Errorf("failed to initialize object storage: %w", err)
	}

	recorder := metrics.NewPrometheusRecorder(nil)
	statusStore := storage.NewStorage(dbClient.GetDB(), appLogger.Logger)
	workspaces := workspace.NewManager(cfg.Worker.WorkDir, appLogger.Logger)
	governor := worker.NewGovernor(cfg.Worker.Concurrency, recorder)

	pipeline := worker.NewPipeline(&worker.PipelineConfig{
		Logger:        appLogger.Logger,
		Workspaces:    workspaces,
		Fetcher:       archive.NewFetcher(store, cfg.Build.MaxArchiveBytes, retry.DefaultPolicy(), appLogger.Logger),
		Builder:       initExecutor(&cfg.Build, appLogger.Logger),
		Publisher:     artifact.NewPublisher(store, retry.DefaultPolicy(), appLogger.Logger),
		Reporter:      statusStore,
		DeadLetter:    rabbitClient,
		Recorder:      recorder,
		PreviewPrefix: cfg.Worker.PreviewPrefix,
		PresignTTL:    cfg.Worker.PresignTTL,
		ReportPolicy:  retry.DefaultPolicy(),
	})

	// Create worker instance
	workerInstance := worker.NewWorker(&worker.Config{
		Logger:     appLogger.Logger,
		WorkerID:   workerID,
		Source:     worker.NewRabbitSource(rabbitClient, workerID, appLogger.Logger),
		Pipeline:   pipeline,
		Governor:   governor,
		Pending:    statusStore,
		Workspaces: workspaces,
		Recorder:   recorder,
		Receive: worker.ReceiveOptions{
			MaxMessages:       cfg.Worker.MaxMessages,
			WaitTime:          cfg.Worker.WaitTime,
			VisibilityTimeout: cfg.Worker.VisibilityTimeout,
		},
		ReceiveBackoffMax: cfg.Worker.ReceiveBackoffMax,
		ListPolicy:        retry.DefaultPolicy(),
		SkipRecovery:      cfg.Worker.SkipRecovery,
	})

	// Health and metrics listener
	var opsServer *http.Server
	if cfg.Ops.Port > 0 {
		opsServer = &http.Server{
			Addr: fmt.Sprintf(":%d", cfg.Ops.Port),
			Handler: ops.SetupRouter(&ops.Dependencies{
				Logger:         appLogger.Logger,
				ServiceName:    cfg.App.Name,
				Database:       dbClient,
				Queue:          rabbitClient,
				Builds:         governor,
				MetricsHandler: recorder.Handler(),
			}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := opsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				appLogger.Error("Ops server failed",
					slog.Any("error", err),
				)
			}
		}()
		appLogger.Info("Ops server listening", slog.String("address", opsServer.Addr))
	}

	// Start worker in a goroutine
	errChan := make(chan error, 1)
	go func() {
		if err := workerInstance.Start(ctx); err != nil {
			errChan <- err
		}
	}()

	appLogger.Info("Worker service started successfully")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case runErr = <-errChan:
		appLogger.Error("Worker error",
			slog.Any("error", runErr),
		)
	}

	// Stop receiving; running builds get until the shutdown deadline
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
	defer shutdownCancel()

	if err := workerInstance.Shutdown(shutdownCtx); err != nil {
		appLogger.Warn("Worker shutdown timeout exceeded, unfinished jobs were requeued",
			slog.Any("error", err),
		)
	} else {
		appLogger.Info("Worker stopped gracefully")
	}

	// Cleanup function to close all resources
	cleanup := func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer closeCancel()

		if opsServer != nil {
			if err := opsServer.Shutdown(closeCtx); err != nil {
				appLogger.Warn("Ops server shutdown failed", slog.Any("error", err))
			}
		}
		if err := shutdownTracing(closeCtx); err != nil {
			appLogger.Warn("Tracing shutdown failed", slog.Any("error", err))
		}
		if dbClient != nil {
			dbClient.Close()
		}
		if rabbitClient != nil {
			rabbitClient.Close()
		}
	}
	cleanup()

	appLogger.Info("Worker service shutdown complete")
	return runErr
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
		NoColor:      cfg.NoColor,
	}

	return logger.New(loggerCfg)
}

// initDatabase opens the status store and creates the schema when asked to
func initDatabase(ctx context.Context, cfg *config.DatabaseConfig, logger *slog.Logger) (*database.Client, error) {
	dbConfig := &database.Config{
		Driver:          cfg.Driver,
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		Path:            cfg.Path,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}

	client, err := database.NewClient(dbConfig, logger)
	if err != nil {
		return nil, err
	}

	if cfg.AutoMigrate || cfg.Driver == database.DriverSQLite {
		if err := client.EnsureSchema(ctx); err != nil {
			client.Close()
			return nil, err
		}
	}

	return client, nil
}

// initRabbitMQ initializes the RabbitMQ client. The queue's consumer timeout
// carries the worker's visibility timeout.
func initRabbitMQ(cfg *config.Config, logger *slog.Logger) (*rabbitmq.Client, error) {
	mq := &cfg.RabbitMQ
	rabbitConfig := &rabbitmq.Config{
		Host:               mq.Host,
		Port:               mq.Port,
		User:               mq.User,
		Password:           mq.Password,
		VHost:              mq.VHost,
		ExchangeName:       mq.Exchange.Name,
		ExchangeType:       mq.Exchange.Type,
		ExchangeDurable:    mq.Exchange.Durable,
		ExchangeAutoDelete: mq.Exchange.AutoDelete,
		QueueName:          mq.Queue.Name,
		QueueDurable:       mq.Queue.Durable,
		QueueAutoDelete:    mq.Queue.AutoDelete,
		QueueExclusive:     mq.Queue.Exclusive,
		RoutingKey:         mq.RoutingKey,
		DeadLetterQueue:    mq.DeadLetterQueue,
		ConsumerTimeout:    cfg.Worker.VisibilityTimeout,
		PrefetchCount:      cfg.ConsumerPrefetch(),
		RetryAttempts:      mq.Connection.RetryAttempts,
		RetryInterval:      mq.Connection.RetryInterval,
		Heartbeat:          mq.Connection.Heartbeat,
		ConnectionTimeout:  mq.Connection.ConnectionTimeout,
		PublishRetries:     mq.Publish.RetryAttempts,
		PublishRetryDelay:  mq.Publish.RetryInterval,
		PublishBackoffMult: mq.Publish.BackoffMultiplier,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}

// initObjectStore connects to the archive and preview bucket
func initObjectStore(cfg *config.StorageConfig, logger *slog.Logger) (objectstore.Store, error) {
	return objectstore.New(&objectstore.Config{
		Backend:   cfg.Backend,
		Endpoint:  cfg.Endpoint,
		Region:    cfg.Region,
		Bucket:    cfg.Bucket,
		AccessKey: cfg.AccessKey,
		SecretKey: cfg.SecretKey,
		UseSSL:    cfg.UseSSL,
		Root:      cfg.Root,
		BaseURL:   cfg.BaseURL,
	}, logger)
}

// initExecutor wires the build runner with process-tree termination
func initExecutor(cfg *config.BuildConfig, logger *slog.Logger) *build.Executor {
	runner := build.NewRunner(build.NewProcessTerminator(), cfg.KillGrace, cfg.OutputTailBytes, logger)
	return build.NewExecutor(runner,
		build.Tools{NPM: cfg.NPM, NPX: cfg.NPX, Yarn: cfg.Yarn, PNPM: cfg.PNPM},
		build.Timeouts{Install: cfg.InstallTimeout, Build: cfg.BuildTimeout, Export: cfg.ExportTimeout},
		logger,
	)
}

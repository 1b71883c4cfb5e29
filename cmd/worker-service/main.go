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
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/latentworks/studio-be/internal/batchops"
	"github.com/latentworks/studio-be/internal/compute"
	"github.com/latentworks/studio-be/internal/config"
	"github.com/latentworks/studio-be/internal/gpu"
	"github.com/latentworks/studio-be/internal/jobstore"
	"github.com/latentworks/studio-be/internal/queue"
	"github.com/latentworks/studio-be/internal/worker"
	"github.com/latentworks/studio-be/shared/logger"
	"github.com/latentworks/studio-be/shared/postgresql"
	"github.com/latentworks/studio-be/shared/rabbitmq"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := logger.New(&logger.Config{
		Level:        cfg.Logging.Level,
		Format:       cfg.Logging.Format,
		Output:       cfg.Logging.Output,
		EnableSource: cfg.Logging.EnableCaller,
		TimeFormat:   time.RFC3339,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	dbClient, err := postgresql.NewClient(&postgresql.Config{
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		Database:        cfg.Database.Database,
		SSLMode:         cfg.Database.SSLMode,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
	}, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	rabbitClient, err := rabbitmq.NewClient(&rabbitmq.Config{
		Host:               cfg.RabbitMQ.Host,
		Port:               cfg.RabbitMQ.Port,
		User:               cfg.RabbitMQ.User,
		Password:           cfg.RabbitMQ.Password,
		VHost:              cfg.RabbitMQ.VHost,
		ExchangeName:       cfg.RabbitMQ.Exchange.Name,
		ExchangeType:       cfg.RabbitMQ.Exchange.Type,
		ExchangeDurable:    cfg.RabbitMQ.Exchange.Durable,
		Lanes:              laneBindings(cfg),
		RetryAttempts:      cfg.RabbitMQ.Connection.RetryAttempts,
		RetryInterval:      cfg.RabbitMQ.Connection.RetryInterval,
		Heartbeat:          cfg.RabbitMQ.Connection.Heartbeat,
		PublishRetries:     cfg.RabbitMQ.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.RabbitMQ.Publish.RetryInterval,
		PublishBackoffMult: cfg.RabbitMQ.Publish.BackoffMultiplier,
	}, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	defer rabbitClient.Close()

	store := jobstore.NewStore(dbClient.GetDB(), appLogger.Logger)
	publisher := queue.NewPublisher(rabbitClient, appLogger.Logger)

	orchestrator := batchops.NewOrchestrator(store, publisher, batchops.Config{
		DefaultChunkSize: cfg.Batch.DefaultChunkSize,
		MaxItems:         cfg.Batch.MaxItems,
	}, appLogger.Logger)

	// The diffusion sidecar is both the model runtime behind the GPU lock
	// and the generation/training task backend. The labeler is a separate
	// vision service.
	diffusion := compute.NewClient(cfg.Compute.DiffusionBaseURL, cfg.Compute.RequestTimeout, appLogger.Logger)
	labeler := compute.NewClient(cfg.Compute.LabelerBaseURL, cfg.Compute.RequestTimeout, appLogger.Logger)

	gpuManager := gpu.NewManager(
		compute.NewSidecarRuntime(diffusion, cfg.GPU.BaseModelPath),
		gpu.Config{
			MaxQueueDepth: cfg.GPU.MaxQueueDepth,
			MaxWait:       cfg.GPU.MaxWait,
			IdleTimeout:   cfg.GPU.IdleTimeout,
			SweepInterval: cfg.GPU.SweepInterval,
		},
		appLogger.Logger,
	)

	handlers := worker.NewRegistry(worker.HandlerDeps{
		GPU:       gpuManager,
		Generator: diffusion,
		Trainer:   diffusion,
		Scraper:   diffusion,
		Labeler:   labeler,
	})

	reaper := jobstore.NewReaper(store, orchestrator, jobstore.ReaperConfig{
		Interval:         cfg.Reaper.Interval,
		DefaultMaxRun:    cfg.Reaper.DefaultMaxRun,
		MaxRunByKind:     cfg.Reaper.MaxRunByKind,
		HeartbeatTimeout: cfg.Reaper.HeartbeatTimeout,
	}, appLogger.Logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var bg sync.WaitGroup
	bg.Add(2)
	go func() {
		defer bg.Done()
		gpuManager.Run(ctx)
	}()
	go func() {
		defer bg.Done()
		reaper.Run(ctx)
	}()

	workers := make([]*worker.Worker, 0, len(cfg.Lanes))
	for lane, laneCfg := range cfg.Lanes {
		w := worker.NewWorker(&worker.Config{
			Logger:            appLogger.Logger,
			Store:             store,
			RabbitClient:      rabbitClient,
			Handlers:          handlers,
			Notifier:          orchestrator,
			Lane:              lane,
			Queue:             laneCfg.Queue,
			Concurrency:       laneCfg.Concurrency,
			PrefetchCount:     laneCfg.PrefetchCount,
			HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		})
		workers = append(workers, w)

		bg.Add(1)
		go func(w *worker.Worker, lane string) {
			defer bg.Done()
			if err := w.Start(ctx); err != nil {
				appLogger.Error("Worker failed",
					slog.String("lane", lane),
					slog.Any("error", err),
				)
			}
		}(w, lane)
	}

	// Health and metrics endpoint for the worker process.
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, `{"status":"healthy","service":"studio-worker-service"}`)
	})
	mux.Handle("/metrics", promhttp.Handler())
	healthSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: mux,
	}
	go func() {
		if err := healthSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Error("Health server failed", slog.Any("error", err))
		}
	}()

	appLogger.Info("Worker service is running", slog.Int("lanes", len(workers)))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down worker service...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
	defer shutdownCancel()

	_ = healthSrv.Shutdown(shutdownCtx)

	// Stop accepting new deliveries, let in-flight jobs reach a terminal
	// state, then tear down background loops.
	for _, w := range workers {
		w.Stop()
	}
	cancel()

	done := make(chan struct{})
	go func() {
		bg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		appLogger.Warn("Shutdown timeout elapsed before background loops stopped")
	}

	appLogger.Info("Worker service shutdown complete")
	return nil
}

func laneBindings(cfg *config.Config) []rabbitmq.LaneBinding {
	bindings := make([]rabbitmq.LaneBinding, 0, len(cfg.Lanes))
	for lane, laneCfg := range cfg.Lanes {
		bindings = append(bindings, rabbitmq.LaneBinding{
			Queue:      laneCfg.Queue,
			RoutingKey: queue.RoutingKeyForLane(lane),
		})
	}
	return bindings
}

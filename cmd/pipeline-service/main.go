// pipeline-service runs CI pipelines for source-control events received over
// HTTP, GitHub webhooks and an optional AMQP trigger queue.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"pipelines/internal/api"
	"pipelines/internal/config"
	"pipelines/internal/dispatcher"
	"pipelines/internal/engine"
	"pipelines/internal/executor"
	"pipelines/internal/health"
	"pipelines/internal/mq"
	"pipelines/internal/observability"
	"pipelines/internal/pipeline"
	"pipelines/internal/run"
	"pipelines/internal/store"
	"pipelines/internal/workflow"
	"syscall"
	"time"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := serve(); err != nil {
		slog.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func serve() error {
	ctx := context.Background()

	// Load configuration
	svcCfg := config.LoadServiceConfig()
	dispatcherCfg := dispatcher.LoadConfigFromEnv()
	slog.SetDefault(observability.NewLogger(os.Stdout, svcCfg.LogLevel, svcCfg.LogFormat))

	wf, err := loadWorkflow(svcCfg.WorkflowFile)
	if err != nil {
		return err
	}
	slog.Info("Workflow loaded", "workflow", wf.Name, "jobs", len(wf.Jobs))

	// Setup metrics
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	// Create callback dispatcher
	eventDispatcher := dispatcher.NewQueue(dispatcherCfg, metrics)

	exec, err := newExecutor(ctx, svcCfg)
	if err != nil {
		return err
	}
	defer exec.Close()

	runStore, closeStore, err := newStore(ctx, svcCfg)
	if err != nil {
		return err
	}
	defer closeStore()

	eng := engine.New(exec, engine.Options{
		MaxParallel: svcCfg.MaxParallel,
		Workspaces: &executor.Workspaces{
			SourceDir: svcCfg.SourceDir,
			BaseDir:   svcCfg.WorkspaceDir,
			Secrets:   svcCfg.Secrets(),
		},
	})

	runs := run.NewService(run.Config{
		Planner:     pipeline.NewPlanner(wf),
		Engine:      eng,
		Store:       runStore,
		Dispatcher:  eventDispatcher,
		Metrics:     metrics,
		CallbackURL: svcCfg.CallbackURL,
		CallbackKey: svcCfg.CallbackKey,
	})

	healthChecker := health.NewChecker().
		Require("executor", exec).
		Require("store", runStore)

	// Start the trigger queue consumer
	consumerCtx, stopConsumer := context.WithCancel(ctx)
	defer stopConsumer()
	consumerDone := make(chan struct{})
	if svcCfg.AMQPURL != "" {
		conn, err := mq.Dial(svcCfg.AMQPURL)
		if err != nil {
			return err
		}
		defer conn.Close()

		consumer := mq.NewConsumer(conn, runs, mq.ConsumerConfig{
			Queue:    svcCfg.AMQPQueue,
			Prefetch: svcCfg.AMQPPrefetch,
		})
		healthChecker.Optional("amqp", consumer)

		go func() {
			defer close(consumerDone)
			if err := consumer.Run(consumerCtx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("Consumer stopped", "error", err)
			}
		}()
	} else {
		close(consumerDone)
		slog.Info("Trigger queue disabled - no AMQP_URL configured")
	}

	// Create API router
	router := api.NewRouter(api.RouterConfig{
		Runs:          runs,
		Metrics:       metrics,
		HealthChecker: healthChecker,
		APIKey:        svcCfg.APIKey,
		WebhookSecret: svcCfg.WebhookSecret,
	})

	if svcCfg.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no API_KEY_FILE configured")
	}
	if svcCfg.WebhookSecret == "" {
		slog.Warn("Webhook signature verification disabled - no WEBHOOK_SECRET_FILE configured")
	}

	// Create API server
	apiServer := &http.Server{
		Addr:         ":" + svcCfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Create metrics server
	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + svcCfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)

	go func() {
		slog.Info("Starting API server", "port", svcCfg.Port)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	go func() {
		slog.Info("Starting metrics server", "port", svcCfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// shutdown closes both servers gracefully
	shutdown := func(timeout time.Duration) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server shutdown error", "error", err)
		}
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server failed to start", "error", err)
		shutdown(5 * time.Second)
		return err
	}

	// Phase 1: Mark service as unhealthy for load balancer draining
	healthChecker.SetShuttingDown()

	if svcCfg.ShutdownDrainWait > 0 {
		slog.Info("Waiting for traffic to drain", "duration", svcCfg.ShutdownDrainWait)
		time.Sleep(svcCfg.ShutdownDrainWait)
	}

	// Phase 2: Stop taking new triggers
	slog.Info("Starting graceful shutdown")
	stopConsumer()
	<-consumerDone
	shutdown(25 * time.Second)

	// Phase 3: Cancel in-flight runs so they record a final state
	if active := runs.Active(); active > 0 {
		slog.Info("Cancelling active runs", "count", active)
	}
	runsCtx, runsCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer runsCancel()
	if err := runs.Shutdown(runsCtx); err != nil {
		slog.Warn("Run shutdown error", "error", err)
	}

	// Phase 4: Drain callback dispatcher
	slog.Info("Draining callback dispatcher")
	dispatcherCtx, dispatcherCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer dispatcherCancel()
	if err := eventDispatcher.Close(dispatcherCtx); err != nil {
		slog.Warn("Dispatcher shutdown error", "error", err)
	}

	stats := eventDispatcher.Stats()
	slog.Info("Dispatcher stats",
		"delivered", stats.Delivered,
		"failed", stats.Failed,
		"dropped", stats.Dropped,
	)

	slog.Info("Shutdown complete")
	return nil
}

func loadWorkflow(path string) (*workflow.Workflow, error) {
	if path == "" {
		return workflow.Default(), nil
	}
	return workflow.Load(path)
}

func newExecutor(ctx context.Context, cfg *config.ServiceConfig) (executor.Executor, error) {
	switch cfg.Executor {
	case config.ExecutorShell:
		slog.Info("Using shell executor")
		return executor.NewShell(), nil
	case config.ExecutorDocker:
		d, err := executor.NewDocker(ctx, executor.DockerConfig{
			ExtraHosts:  cfg.DockerExtraHosts,
			NetworkMode: cfg.DockerNetwork,
		})
		if err != nil {
			return nil, err
		}
		slog.Info("Connected to Docker daemon")
		return d, nil
	default:
		return nil, fmt.Errorf("unknown EXECUTOR %q (want %s or %s)", cfg.Executor, config.ExecutorShell, config.ExecutorDocker)
	}
}

func newStore(ctx context.Context, cfg *config.ServiceConfig) (run.Store, func(), error) {
	switch cfg.Store {
	case config.StoreMemory:
		slog.Info("Using in-memory run store")
		return store.NewMemory(), func() {}, nil
	case config.StorePostgres:
		pool, err := store.NewPool(ctx, cfg.DBURL)
		if err != nil {
			return nil, nil, err
		}
		pg, err := store.NewPostgres(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		slog.Info("Connected to PostgreSQL")
		return pg, pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown STORE %q (want %s or %s)", cfg.Store, config.StoreMemory, config.StorePostgres)
	}
}

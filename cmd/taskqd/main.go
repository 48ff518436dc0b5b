package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"taskqd/internal/api"
	"taskqd/internal/config"
	"taskqd/internal/logging"
	"taskqd/internal/manager"
	"taskqd/internal/metrics"
	"taskqd/internal/shutdown"
	"taskqd/internal/store"
	"taskqd/internal/tracing"
	"taskqd/internal/webhook"
)

func main() {
	// Load configuration
	cfg, err := config.Load("config.yaml")
	if err != nil {
		slog.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}

	// Initialize logger
	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat, "taskqd")
	slog.SetDefault(logger)

	// Initialize shutdown manager
	shutdownManager := shutdown.NewManager(cfg.ShutdownTimeout)

	// Initialize tracing
	stopTracing, err := tracing.InitTracer(context.Background(), tracing.TracerConfig{
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: "taskqd",
		Environment: "production",
		Enabled:     cfg.Tracing.Enabled,
	})
	if err != nil {
		slog.Error("failed to initialize tracing", "err", err)
		os.Exit(1)
	}
	shutdownManager.Add(stopTracing)

	// Connect to the store
	st, err := store.New(context.Background(), store.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		slog.Error("failed to connect to redis", "err", err)
		os.Exit(1)
	}

	// Wire the engine
	dispatcher := webhook.NewDispatcher(cfg.WebhookRetryAttempts, cfg.WebhookTimeoutMS, logger)
	mgr := manager.New(st, dispatcher, manager.Defaults{
		Concurrency:  cfg.DefaultConcurrency,
		StalledAfter: cfg.StalledAfter,
	}, logger)

	// Start servers
	apiErrChan := make(chan error, 1)
	apiServer := api.StartServer(cfg.APIPort, &api.Dependencies{
		Manager:  mgr,
		Logger:   logger,
		APIToken: cfg.APIToken,
	}, apiErrChan)

	metricsErrChan := make(chan error, 1)
	metricsServer := metrics.StartServer(cfg.MetricsPort, metricsErrChan)

	// Shutdown order: close the HTTP surface, stop the workers, then
	// disconnect the store.
	shutdownManager.Add(func(ctx context.Context) error {
		slog.Info("closing store connection")
		return st.Close()
	})
	shutdownManager.Add(func(ctx context.Context) error {
		slog.Info("stopping all workers")
		return mgr.StopAllWorkers()
	})
	shutdownManager.Add(func(ctx context.Context) error {
		slog.Info("shutting down metrics server")
		return metricsServer.Shutdown(ctx)
	})
	shutdownManager.Add(func(ctx context.Context) error {
		slog.Info("shutting down api server")
		return apiServer.Shutdown(ctx)
	})

	go func() {
		select {
		case err := <-apiErrChan:
			if err != nil && err != http.ErrServerClosed {
				slog.Error("api server error", "err", err)
			}
		case err := <-metricsErrChan:
			if err != nil && err != http.ErrServerClosed {
				slog.Error("metrics server error", "err", err)
			}
		}
	}()

	slog.Info("taskqd started", "api_port", cfg.APIPort, "metrics_port", cfg.MetricsPort)
	shutdownManager.Wait()
}

// cloudproc-service is the HTTP API server for submitting and tracking jobs.
package main

import (
	"cloudproc/internal/api"
	"cloudproc/internal/config"
	"cloudproc/internal/engine"
	"cloudproc/internal/notify"
	"cloudproc/internal/observability"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("Failed to load .env file", "error", err)
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	engine.SetupLogging(cfg, os.Stdout)

	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	// Completion callbacks for calls run by in-process workers
	notifier := notify.New(notify.LoadConfigFromEnv(), metrics)

	stack, err := engine.Assemble(ctx, cfg, engine.StackOptions{Metrics: metrics, Notifier: notifier})
	if err != nil {
		return err
	}
	healthChecker := stack.Health

	router := api.NewRouter(api.RouterConfig{
		JobService:    stack.Jobs,
		Metrics:       metrics,
		HealthChecker: healthChecker,
		APIKey:        cfg.Service.APIKey,
	})

	if cfg.Service.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no API_KEY configured")
	}

	apiServer := &http.Server{
		Addr:         ":" + cfg.Service.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + cfg.Service.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)

	go func() {
		slog.Info("Starting API server", "port", cfg.Service.Port)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	go func() {
		slog.Info("Starting metrics server", "port", cfg.Service.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

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

	// Phase 1: fail readiness so load balancers stop routing here
	healthChecker.SetShuttingDown()

	if cfg.Service.ShutdownDrainWait > 0 {
		slog.Info("Waiting for traffic to drain", "duration", cfg.Service.ShutdownDrainWait)
		time.Sleep(cfg.Service.ShutdownDrainWait)
	}

	// Phase 2: stop accepting requests, finish in-flight ones
	slog.Info("Starting graceful shutdown")
	shutdown(25 * time.Second)

	// Phase 3: let in-process workers finish queued calls
	slog.Info("Stopping compute backend", "backend", stack.Backend.Name())
	closeCtx, closeCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer closeCancel()
	if err := stack.Close(closeCtx); err != nil {
		slog.Warn("Compute backend shutdown error", "error", err)
	}

	// Phase 4: flush completion callbacks
	slog.Info("Draining notifier")
	notifyCtx, notifyCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer notifyCancel()
	if err := notifier.Close(notifyCtx); err != nil {
		slog.Warn("Notifier shutdown error", "error", err)
	}

	stats := notifier.Stats()
	slog.Info("Notifier stats",
		"delivered", stats.Delivered,
		"failed", stats.Failed,
		"dropped", stats.Dropped,
	)

	slog.Info("Shutdown complete")
	return nil
}

// cloudproc-worker consumes call payloads from a Redis queue for one
// runtime. Run one or more next to a service configured with the redis
// compute backend.
package main

import (
	"cloudproc/internal/compute"
	"cloudproc/internal/compute/redisqueue"
	"cloudproc/internal/config"
	"cloudproc/internal/engine"
	"cloudproc/internal/function/builtin"
	"cloudproc/internal/handler"
	"cloudproc/internal/notify"
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("Worker failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("Failed to load .env file", "error", err)
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	engine.SetupLogging(cfg, os.Stdout)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		slog.Info("Received shutdown signal", "signal", sig)
		cancel()
	}()

	eng, err := engine.Open(ctx, cfg, nil)
	if err != nil {
		return err
	}

	client := redisqueue.NewClient(cfg.Redis)
	defer client.Close()
	if err := client.Ping(ctx).Err(); err != nil {
		return err
	}

	notifier := notify.New(notify.LoadConfigFromEnv(), nil)

	name, _ := os.Hostname()
	worker := redisqueue.NewWorker(client, redisqueue.WorkerConfig{
		Runtime:     cfg.Compute.Runtime,
		QueuePrefix: cfg.Redis.QueuePrefix,
		Concurrency: cfg.Compute.Workers,
		PopTimeout:  cfg.Redis.PopTimeout,
		Name:        name,
		Deps: handler.Deps{
			Tracker:   eng.Tracker,
			Functions: builtin.Registry(),
			Notifier:  notifier,
		},
	})
	if err := worker.Advertise(ctx, compute.LocalRuntimeMeta(cfg.Compute.Runtime, redisqueue.Name)); err != nil {
		return err
	}

	if err := worker.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer closeCancel()
	if err := notifier.Close(closeCtx); err != nil {
		slog.Warn("Notifier shutdown error", "error", err)
	}
	slog.Info("Worker stopped", "processed", worker.Processed(), "delivered", notifier.Stats().Delivered)
	return nil
}

package redisqueue

import (
	"cloudproc/internal/compute"
	"cloudproc/internal/handler"
	"cloudproc/internal/tracker"
	"cloudproc/pkg/backoff"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// WorkerConfig configures a queue consumer.
type WorkerConfig struct {
	Runtime     string
	QueuePrefix string
	Concurrency int
	PopTimeout  time.Duration
	Deps        handler.Deps
	Name        string
}

// Worker pops payloads for one runtime and runs them with the handler.
type Worker struct {
	client    Client
	cfg       WorkerConfig
	logger    *slog.Logger
	processed atomic.Int64
	errors    atomic.Int64
}

// NewWorker creates a consumer over client.
func NewWorker(client Client, cfg WorkerConfig) *Worker {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.PopTimeout <= 0 {
		cfg.PopTimeout = 5 * time.Second
	}
	if cfg.QueuePrefix == "" {
		cfg.QueuePrefix = "cloudproc:queue:"
	}
	if cfg.Name == "" {
		cfg.Name = "redis"
	}
	return &Worker{
		client: client,
		cfg:    cfg,
		logger: slog.With("component", "redisworker", "runtime", cfg.Runtime),
	}
}

// Advertise publishes the runtime metadata producers wait for in
// CreateRuntime.
func (w *Worker) Advertise(ctx context.Context, meta *tracker.RuntimeMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal runtime meta: %w", err)
	}
	return w.client.HSet(ctx, RuntimesKey, w.cfg.Runtime, data).Err()
}

// Processed returns the number of payloads handled so far.
func (w *Worker) Processed() int64 { return w.processed.Load() }

// Serve runs Concurrency consumers until ctx is done. Calls in progress when
// ctx ends run to completion.
func (w *Worker) Serve(ctx context.Context) error {
	key := QueueKey(w.cfg.QueuePrefix, w.cfg.Runtime)
	w.logger.Info("Worker serving", "queue", key, "concurrency", w.cfg.Concurrency)

	var wg sync.WaitGroup
	wg.Add(w.cfg.Concurrency)
	for i := range w.cfg.Concurrency {
		go func() {
			defer wg.Done()
			w.consume(ctx, key, fmt.Sprintf("%s-%d", w.cfg.Name, i))
		}()
	}
	wg.Wait()

	w.logger.Info("Worker stopped", "processed", w.processed.Load(), "errors", w.errors.Load())
	return nil
}

func (w *Worker) consume(ctx context.Context, key, name string) {
	attempt := 0
	for ctx.Err() == nil {
		result, err := w.client.BRPop(ctx, w.cfg.PopTimeout, key).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			w.errors.Add(1)
			attempt++
			w.logger.Warn("Error reading from queue", "error", err, "attempt", attempt)
			_ = backoff.Sleep(ctx, backoff.Exponential(attempt, nil))
			continue
		}
		attempt = 0

		// result[0] is the queue key, result[1] the payload.
		p, err := compute.DecodePayload([]byte(result[1]))
		if err != nil {
			w.errors.Add(1)
			w.logger.Warn("Dropping malformed payload", "error", err)
			continue
		}

		deps := w.cfg.Deps
		deps.Worker = name
		if _, err := handler.Run(context.WithoutCancel(ctx), deps, p); err != nil {
			w.errors.Add(1)
			w.logger.Error("Failed to record call", "call", p.ID().String(), "error", err)
		}
		w.processed.Add(1)
	}
}

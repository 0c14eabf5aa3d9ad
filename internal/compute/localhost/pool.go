// Package localhost runs calls on a pool of in-process workers.
package localhost

import (
	"cloudproc/internal/apperrors"
	"cloudproc/internal/compute"
	"cloudproc/internal/config"
	"cloudproc/internal/handler"
	"cloudproc/internal/tracker"
	"cloudproc/pkg/backoff"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Name is the backend name.
const Name = "localhost"

// ErrPoolClosed is returned by Invoke after Shutdown.
var ErrPoolClosed = fmt.Errorf("worker pool is shut down: %w", apperrors.ErrUnavailable)

// WorkerState is the lifecycle state of one worker.
type WorkerState int32

const (
	Idle WorkerState = iota
	Running
	Stopped
)

func (s WorkerState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	}
	return "unknown"
}

// Config configures a Pool.
type Config struct {
	Workers  int
	Executor Executor
	Tracker  *tracker.Tracker
	Metrics  compute.MetricsRecorder // optional
	Poll     *backoff.Config
}

// Stats is a point-in-time snapshot of pool counters.
type Stats struct {
	Workers    int   `json:"workers"`
	QueueDepth int   `json:"queue_depth"`
	Busy       int64 `json:"busy"`
	Queued     int64 `json:"queued"`
	Processed  int64 `json:"processed"`
	Failed     int64 `json:"failed"`
}

// Pool is a fixed set of workers draining an unbounded FIFO queue. It
// implements compute.Backend.
type Pool struct {
	cfg     Config
	queue   *queue
	states  []atomic.Int32
	alive   atomic.Bool
	wg      sync.WaitGroup
	stopMu  sync.RWMutex
	logger  *slog.Logger
	metrics compute.MetricsRecorder

	busy      atomic.Int64
	queued    atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
}

// NewPool starts cfg.Workers workers.
func NewPool(cfg Config) (*Pool, error) {
	if cfg.Workers < 1 {
		return nil, apperrors.Validation("workers", "at least one worker is required")
	}
	if cfg.Executor == nil {
		return nil, apperrors.Validation("executor", "executor is required")
	}
	if cfg.Tracker == nil {
		return nil, apperrors.Validation("tracker", "tracker is required")
	}

	p := &Pool{
		cfg:     cfg,
		queue:   newQueue(),
		states:  make([]atomic.Int32, cfg.Workers),
		logger:  slog.With("component", "localhost"),
		metrics: cfg.Metrics,
	}
	p.alive.Store(true)

	p.wg.Add(cfg.Workers)
	for i := range cfg.Workers {
		go p.worker(i)
	}
	p.logger.Info("Worker pool started", "workers", cfg.Workers)
	return p, nil
}

// Open is the registry factory for the localhost backend.
func Open(_ context.Context, cfg *config.Config, deps compute.Deps) (compute.Backend, error) {
	var exec Executor
	switch cfg.Compute.Executor {
	case config.ExecutorProcess:
		exec = &ProcessExecutor{
			RunnerPath: cfg.Compute.RunnerPath,
			Tracker:    deps.Tracker,
			Verbose:    cfg.Compute.Verbose,
		}
	default:
		exec = &ThreadExecutor{Deps: handler.Deps{
			Tracker:   deps.Tracker,
			Functions: deps.Functions,
			Notifier:  deps.Notifier,
		}}
	}
	return NewPool(Config{
		Workers:  cfg.Compute.Workers,
		Executor: exec,
		Tracker:  deps.Tracker,
		Metrics:  deps.Metrics,
		Poll: &backoff.Config{
			Initial: cfg.Executor.PollInitial,
			Max:     cfg.Executor.PollMax,
		},
	})
}

func (p *Pool) Name() string { return Name }

// Invoke stamps p with a fresh activation id and queues it.
func (p *Pool) Invoke(ctx context.Context, _ string, _ int, payload *compute.Payload) (string, error) {
	p.stopMu.RLock()
	if !p.alive.Load() {
		p.stopMu.RUnlock()
		p.recordInvocation(ctx, ErrPoolClosed)
		return "", ErrPoolClosed
	}
	payload.ActivationID = activationID()
	p.queue.push(task{kind: taskRun, payload: payload})
	p.stopMu.RUnlock()
	p.queued.Add(1)
	p.recordInvocation(ctx, nil)
	if p.metrics != nil {
		p.metrics.SetQueueDepth(ctx, Name, p.queue.len())
	}
	return payload.ActivationID, nil
}

func (p *Pool) InvokeAndWait(ctx context.Context, runtimeName string, memoryMB int, payload *compute.Payload, timeout time.Duration) (*tracker.CallStatus, error) {
	return compute.InvokeAndWait(ctx, p, p.cfg.Tracker, runtimeName, memoryMB, payload, timeout, p.cfg.Poll)
}

// CreateRuntime reports the metadata of the running binary; workers share
// its code so there is nothing to deploy.
func (p *Pool) CreateRuntime(_ context.Context, runtimeName string, _ int, _ time.Duration) (*tracker.RuntimeMeta, error) {
	return compute.LocalRuntimeMeta(runtimeName, Name), nil
}

func (p *Pool) BuildRuntime(context.Context, string, string) error { return nil }

func (p *Pool) DeleteRuntime(context.Context, string, int) error { return nil }

func (p *Pool) DeleteAllRuntimes(context.Context) error { return nil }

func (p *Pool) ListRuntimes(context.Context, string) ([]compute.RuntimeInfo, error) {
	return []compute.RuntimeInfo{}, nil
}

func (p *Pool) RuntimeKey(runtimeName string, _ int) string {
	return Name + "/" + strings.ReplaceAll(runtimeName, "/", "_")
}

// Ready fails once the pool is shut down.
func (p *Pool) Ready(context.Context) error {
	if !p.alive.Load() {
		return ErrPoolClosed
	}
	return nil
}

// Close shuts the pool down.
func (p *Pool) Close(ctx context.Context) error { return p.Shutdown(ctx) }

// Shutdown stops accepting payloads, lets the workers drain everything
// already queued, and waits for them to exit or ctx to end.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.stopMu.Lock()
	if p.alive.Swap(false) {
		p.logger.Info("Worker pool shutting down", "queued", p.queue.len())
		for range p.cfg.Workers {
			p.queue.push(task{kind: taskStop})
		}
	}
	p.stopMu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("Worker pool stopped", "processed", p.processed.Load(), "failed", p.failed.Load())
		return nil
	case <-ctx.Done():
		p.logger.Warn("Worker pool shutdown timed out", "remaining", p.queue.len())
		return ctx.Err()
	}
}

// WorkerStates returns the current state of every worker.
func (p *Pool) WorkerStates() []WorkerState {
	states := make([]WorkerState, len(p.states))
	for i := range p.states {
		states[i] = WorkerState(p.states[i].Load())
	}
	return states
}

// Stats returns current pool counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Workers:    p.cfg.Workers,
		QueueDepth: p.queue.len(),
		Busy:       p.busy.Load(),
		Queued:     p.queued.Load(),
		Processed:  p.processed.Load(),
		Failed:     p.failed.Load(),
	}
}

func (p *Pool) worker(i int) {
	defer p.wg.Done()
	name := fmt.Sprintf("%s-%d", Name, i)

	for {
		t := p.queue.pop()
		if t.kind == taskStop {
			p.states[i].Store(int32(Stopped))
			return
		}
		p.states[i].Store(int32(Running))
		p.busy.Add(1)
		p.adjustBusy(1)
		p.run(name, t.payload)
		p.adjustBusy(-1)
		p.busy.Add(-1)
		p.states[i].Store(int32(Idle))
	}
}

// run executes one payload. Executor errors and panics are logged and
// counted; they never stop the worker.
func (p *Pool) run(worker string, payload *compute.Payload) {
	ctx := context.Background()
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			p.failed.Add(1)
			p.logger.Error("Executor panicked", "worker", worker, "call", payload.ID().String(), "panic", r)
			if err := handler.RecordWorkerFailure(ctx, p.cfg.Tracker, payload, worker, fmt.Errorf("panic: %v", r)); err != nil {
				p.logger.Warn("Failed to record worker failure", "call", payload.ID().String(), "error", err)
			}
		}
	}()

	status, err := p.cfg.Executor.Execute(ctx, worker, payload)
	p.processed.Add(1)
	switch {
	case err != nil:
		p.failed.Add(1)
		p.logger.Error("Executor failed", "worker", worker, "call", payload.ID().String(), "error", err)
	case status != nil && !status.Success:
		p.failed.Add(1)
	}

	if p.metrics != nil {
		success := err == nil && status != nil && status.Success
		p.metrics.RecordCallCompleted(ctx, Name, payload.Function, success, time.Since(start).Seconds())
		p.metrics.SetQueueDepth(ctx, Name, p.queue.len())
	}
}

func (p *Pool) recordInvocation(ctx context.Context, err error) {
	if p.metrics != nil {
		p.metrics.RecordInvocation(ctx, Name, err)
	}
}

func (p *Pool) adjustBusy(delta int) {
	if p.metrics != nil {
		p.metrics.AdjustBusyWorkers(context.Background(), Name, delta)
	}
}

// activationID returns 12 hex characters.
func activationID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

var (
	_ compute.Backend = (*Pool)(nil)
	_ compute.Readier = (*Pool)(nil)
	_ compute.Closer  = (*Pool)(nil)
)

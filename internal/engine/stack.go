package engine

import (
	"cloudproc/internal/cloudobject"
	"cloudproc/internal/compute"
	"cloudproc/internal/compute/backends"
	"cloudproc/internal/config"
	"cloudproc/internal/executor"
	"cloudproc/internal/function/builtin"
	"cloudproc/internal/health"
	"cloudproc/internal/job"
	"cloudproc/internal/observability"
	"context"
	"log/slog"
)

// StackOptions are the optional collaborators of a Stack.
type StackOptions struct {
	Metrics  *observability.Metrics
	Notifier compute.Notifier
}

// Stack is the full job service: storage, compute backend, executor and
// the job service over them.
type Stack struct {
	*Engine
	Backend  compute.Backend
	Executor *executor.Executor
	Jobs     *job.Service
	Health   *health.Checker
}

// Assemble opens storage and the configured compute backend and wires the
// job service over them.
func Assemble(ctx context.Context, cfg *config.Config, opts StackOptions) (*Stack, error) {
	deps := compute.Deps{Functions: builtin.Registry(), Notifier: opts.Notifier}
	var eng *Engine
	var err error
	if opts.Metrics != nil {
		deps.Metrics = opts.Metrics
		eng, err = Open(ctx, cfg, opts.Metrics)
	} else {
		eng, err = Open(ctx, cfg, nil)
	}
	if err != nil {
		return nil, err
	}
	deps.Tracker = eng.Tracker

	backend, err := backends.Registry().Open(ctx, cfg, deps)
	if err != nil {
		return nil, err
	}
	slog.Info("Compute backend ready", "backend", backend.Name(), "runtime", cfg.Compute.Runtime)

	objects := cloudobject.New(eng.Store, cloudobject.Config{
		Backend: cfg.Storage.Backend,
		Bucket:  cfg.Storage.Bucket,
	})
	exec, err := executor.New(backend, eng.Tracker, objects, executor.ConfigFrom(cfg))
	if err != nil {
		return nil, err
	}

	checks := []health.Dependency{{Name: "storage", Checker: health.CheckFunc(eng.Ping)}}
	if r, ok := backend.(compute.Readier); ok {
		checks = append(checks, health.Dependency{Name: "compute", Checker: r})
	}

	return &Stack{
		Engine:   eng,
		Backend:  backend,
		Executor: exec,
		Jobs:     job.NewService(exec, eng.Tracker, backend),
		Health:   health.NewChecker(checks...),
	}, nil
}

// Close stops the compute backend when it holds resources.
func (s *Stack) Close(ctx context.Context) error {
	if c, ok := s.Backend.(compute.Closer); ok {
		return c.Close(ctx)
	}
	return nil
}

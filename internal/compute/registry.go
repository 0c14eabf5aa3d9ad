package compute

import (
	"cloudproc/internal/apperrors"
	"cloudproc/internal/config"
	"cloudproc/internal/function"
	"cloudproc/internal/tracker"
	"context"
	"fmt"
	"sort"
	"sync"
)

// MetricsRecorder records compute metrics. Implementations must be safe for
// concurrent use.
type MetricsRecorder interface {
	RecordInvocation(ctx context.Context, backend string, err error)
	RecordCallCompleted(ctx context.Context, backend, function string, success bool, duration float64)
	SetQueueDepth(ctx context.Context, backend string, depth int)
	AdjustBusyWorkers(ctx context.Context, backend string, delta int)
}

// Notifier announces completed calls. It matches handler.Notifier.
type Notifier interface {
	NotifyCallDone(ctx context.Context, callbackURL string, status *tracker.CallStatus) error
}

// Deps are the shared components a backend is built with.
type Deps struct {
	Tracker   *tracker.Tracker
	Functions *function.Registry
	Metrics   MetricsRecorder // optional
	Notifier  Notifier        // optional; used by in-process workers
}

// Factory builds a backend from configuration.
type Factory func(ctx context.Context, cfg *config.Config, deps Deps) (Backend, error)

// Registry maps backend names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory. Registering the same name twice panics.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; exists {
		panic(fmt.Sprintf("compute: backend %q registered twice", name))
	}
	r.factories[name] = f
}

// Open builds the backend named by cfg.Compute.Backend.
func (r *Registry) Open(ctx context.Context, cfg *config.Config, deps Deps) (Backend, error) {
	r.mu.RLock()
	f, ok := r.factories[cfg.Compute.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, apperrors.Validation("compute.backend",
			fmt.Sprintf("unknown compute backend %q (available: %v)", cfg.Compute.Backend, r.Names()))
	}
	return f(ctx, cfg, deps)
}

// Names returns the registered backend names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

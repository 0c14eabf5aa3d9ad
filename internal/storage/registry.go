package storage

import (
	"cloudproc/internal/apperrors"
	"cloudproc/internal/config"
	"context"
	"fmt"
	"sort"
	"sync"
)

// Factory builds an object store from configuration.
type Factory func(ctx context.Context, cfg *config.Config) (ObjectStore, error)

// Registry maps backend names to factories. Backends are resolved once at
// startup and the resulting store is passed explicitly to its users.
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
		panic(fmt.Sprintf("storage: backend %q registered twice", name))
	}
	r.factories[name] = f
}

// Open builds the store named by cfg.Storage.Backend.
func (r *Registry) Open(ctx context.Context, cfg *config.Config) (ObjectStore, error) {
	r.mu.RLock()
	f, ok := r.factories[cfg.Storage.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, apperrors.Validation("storage.backend",
			fmt.Sprintf("unknown storage backend %q (available: %v)", cfg.Storage.Backend, r.Names()))
	}
	return f(ctx, cfg)
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

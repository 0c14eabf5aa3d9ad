// Package function maps call names to Go functions that workers can run.
//
// Every process that executes calls (the service, runners, queue workers)
// must register the same names so a payload resolves identically wherever
// it lands.
package function

import (
	"cloudproc/internal/apperrors"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Func runs one call. args is the JSON-encoded argument value; the result is
// JSON-encoded by the caller.
type Func func(ctx context.Context, args json.RawMessage) (any, error)

// Registry is a concurrency-safe name → Func map.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]Func)}
}

// Register adds fn under name. Registering a name twice panics.
func (r *Registry) Register(name string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.funcs[name]; exists {
		panic(fmt.Sprintf("function: %q registered twice", name))
	}
	r.funcs[name] = fn
}

// Lookup returns the function registered under name.
func (r *Registry) Lookup(name string) (Func, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[name]
	if !ok {
		return nil, apperrors.NotFound("function", name)
	}
	return fn, nil
}

// Names returns the registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Typed adapts a function with concrete argument and result types.
func Typed[A, R any](fn func(ctx context.Context, args A) (R, error)) Func {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		var args A
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, apperrors.Validation("args", fmt.Sprintf("cannot decode arguments: %v", err))
			}
		}
		return fn(ctx, args)
	}
}

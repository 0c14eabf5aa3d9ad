// Package health provides health check functionality for liveness and readiness probes.
package health

import (
	"context"
	"sort"
	"sync"
	"time"
)

// ReadinessChecker is implemented by dependencies that can report whether
// they are ready to serve: compute backends and object stores.
type ReadinessChecker interface {
	Ready(ctx context.Context) error
}

// CheckFunc adapts a function to ReadinessChecker.
type CheckFunc func(ctx context.Context) error

// Ready calls f.
func (f CheckFunc) Ready(ctx context.Context) error { return f(ctx) }

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// CheckResult contains the result of a health check.
type CheckResult struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// Response is the health check response.
type Response struct {
	Status Status                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// Dependency is a named readiness check.
type Dependency struct {
	Name    string
	Checker ReadinessChecker
	// Optional dependencies degrade readiness instead of failing it.
	Optional bool
}

// Checker performs health checks on dependencies.
type Checker struct {
	deps     []Dependency
	timeout  time.Duration
	cacheTTL time.Duration

	mu           sync.RWMutex
	lastCheck    time.Time
	cachedReady  *Response
	shuttingDown bool
}

// NewChecker creates a health checker over deps.
func NewChecker(deps ...Dependency) *Checker {
	return &Checker{
		deps:     deps,
		timeout:  5 * time.Second,
		cacheTTL: time.Second,
	}
}

// Liveness returns true if the service is alive.
// It does not depend on external services.
func (c *Checker) Liveness(ctx context.Context) *Response {
	return &Response{
		Status: StatusHealthy,
	}
}

// Readiness checks every dependency. Results are cached briefly so probes
// do not hammer the store or the backend.
func (c *Checker) Readiness(ctx context.Context) *Response {
	c.mu.RLock()
	if c.shuttingDown {
		c.mu.RUnlock()
		return &Response{
			Status: StatusUnhealthy,
			Checks: map[string]CheckResult{
				"shutdown": {Status: StatusUnhealthy, Message: "service is shutting down"},
			},
		}
	}
	if c.cachedReady != nil && time.Since(c.lastCheck) < c.cacheTTL {
		cached := c.cachedReady
		c.mu.RUnlock()
		return cached
	}
	c.mu.RUnlock()

	response := &Response{Status: StatusHealthy, Checks: make(map[string]CheckResult)}
	if len(c.deps) == 0 {
		response.Status = StatusUnhealthy
		response.Checks["dependencies"] = CheckResult{Status: StatusUnhealthy, Message: "no dependencies configured"}
	}

	results := make([]CheckResult, len(c.deps))
	var wg sync.WaitGroup
	for i, dep := range c.deps {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = c.check(ctx, dep)
		}()
	}
	wg.Wait()

	for i, dep := range c.deps {
		result := results[i]
		response.Checks[dep.Name] = result
		if result.Status == StatusHealthy {
			continue
		}
		if dep.Optional {
			if response.Status == StatusHealthy {
				response.Status = StatusDegraded
			}
			continue
		}
		response.Status = StatusUnhealthy
	}

	c.mu.Lock()
	c.cachedReady = response
	c.lastCheck = time.Now()
	c.mu.Unlock()

	return response
}

func (c *Checker) check(ctx context.Context, dep Dependency) CheckResult {
	if dep.Checker == nil {
		return CheckResult{
			Status:  StatusUnhealthy,
			Message: dep.Name + " not configured",
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := dep.Checker.Ready(ctx); err != nil {
		return CheckResult{
			Status:  StatusUnhealthy,
			Message: err.Error(),
		}
	}
	return CheckResult{Status: StatusHealthy}
}

// Names returns the dependency names, sorted.
func (c *Checker) Names() []string {
	names := make([]string, len(c.deps))
	for i, d := range c.deps {
		names[i] = d.Name
	}
	sort.Strings(names)
	return names
}

// IsHealthy returns true if the overall status is healthy.
func (r *Response) IsHealthy() bool {
	return r.Status == StatusHealthy
}

// IsServing reports whether the service can take traffic: healthy or
// degraded by an optional dependency.
func (r *Response) IsServing() bool {
	return r.Status == StatusHealthy || r.Status == StatusDegraded
}

// SetShuttingDown marks the service as shutting down.
// Readiness then reports unhealthy so load balancers stop sending traffic.
func (c *Checker) SetShuttingDown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shuttingDown = true
	c.cachedReady = nil
}

// Package process selects how a logical process is realized: as a call
// dispatched to the cloud through an executor, or as a goroutine running a
// registered function in this process.
package process

import (
	"cloudproc/internal/apperrors"
	"cloudproc/internal/function"
	"fmt"
	"sync"
	"sync/atomic"
)

// Start methods. fork, spawn and forkserver are accepted for familiarity and
// resolve to the cloud context.
const (
	MethodFork       = "fork"
	MethodSpawn      = "spawn"
	MethodForkserver = "forkserver"
	MethodCloud      = "cloud"
	MethodThread     = "thread"
)

// Context creates processes and pools with one strategy.
type Context struct {
	name     string
	strategy strategy
	seq      atomic.Int64
}

// Name returns the context's start method.
func (c *Context) Name() string { return c.name }

// Process returns an unstarted process running fn with args.
func (c *Context) Process(fn string, args ...any) *Process {
	return &Process{
		context: c,
		fn:      fn,
		args:    args,
		name:    fmt.Sprintf("Process-%d", c.seq.Add(1)),
	}
}

// Pool returns a pool submitting through this context. processes is
// informational for the cloud context, where every submission is its own
// call.
func (c *Context) Pool(processes int) *Pool {
	return newPool(c, processes)
}

// Options configures a DefaultContext.
type Options struct {
	// Submitter enables the cloud start methods.
	Submitter Submitter
	// Functions enables the thread start method.
	Functions *function.Registry
	// Default is the method bound when none was set. Defaults to cloud.
	Default string
}

// DefaultContext is the context processes use unless one is requested
// explicitly. Its start method can be bound once; rebinding needs force.
type DefaultContext struct {
	mu       sync.Mutex
	contexts map[string]*Context
	methods  []string
	fallback *Context
	actual   *Context
}

// NewDefaultContext builds the available contexts.
func NewDefaultContext(opts Options) (*DefaultContext, error) {
	d := &DefaultContext{contexts: make(map[string]*Context)}
	if opts.Submitter != nil {
		cloud := &Context{name: MethodCloud, strategy: &cloudStrategy{submitter: opts.Submitter}}
		for _, m := range []string{MethodFork, MethodSpawn, MethodForkserver, MethodCloud} {
			d.contexts[m] = cloud
			d.methods = append(d.methods, m)
		}
	}
	if opts.Functions != nil {
		d.contexts[MethodThread] = &Context{name: MethodThread, strategy: &threadStrategy{functions: opts.Functions, seq: new(atomic.Int64)}}
		d.methods = append(d.methods, MethodThread)
	}
	if len(d.contexts) == 0 {
		return nil, apperrors.Validation("process", "a submitter or a function registry is required")
	}

	def := opts.Default
	if def == "" {
		def = MethodCloud
		if opts.Submitter == nil {
			def = MethodThread
		}
	}
	fallback, ok := d.contexts[def]
	if !ok {
		return nil, apperrors.UnknownStartMethod(def)
	}
	d.fallback = fallback
	return d, nil
}

// GetContext returns the context for method. An empty method returns the
// bound context, binding the default first if nothing is bound.
func (d *DefaultContext) GetContext(method string) (*Context, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.getContextLocked(method)
}

func (d *DefaultContext) getContextLocked(method string) (*Context, error) {
	if method == "" {
		if d.actual == nil {
			d.actual = d.fallback
		}
		return d.actual, nil
	}
	c, ok := d.contexts[method]
	if !ok {
		return nil, apperrors.UnknownStartMethod(method)
	}
	return c, nil
}

// SetStartMethod binds the default context to method. It fails with
// apperrors.ErrContextAlreadyBound when a method is already bound unless
// force is set. An empty method with force unbinds.
func (d *DefaultContext) SetStartMethod(method string, force bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.actual != nil && !force {
		return apperrors.ContextAlreadyBound(d.actual.name)
	}
	if method == "" && force {
		d.actual = nil
		return nil
	}
	c, err := d.getContextLocked(method)
	if err != nil {
		return err
	}
	d.actual = c
	return nil
}

// StartMethod returns the bound start method. With nothing bound it returns
// "" if allowNone is set, and otherwise binds the default.
func (d *DefaultContext) StartMethod(allowNone bool) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.actual == nil {
		if allowNone {
			return ""
		}
		d.actual = d.fallback
	}
	return d.actual.name
}

// AllStartMethods lists the methods GetContext accepts.
func (d *DefaultContext) AllStartMethods() []string {
	return append([]string(nil), d.methods...)
}

// Reset unbinds the start method.
func (d *DefaultContext) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.actual = nil
}

// Process creates a process in the bound context.
func (d *DefaultContext) Process(fn string, args ...any) *Process {
	c, _ := d.GetContext("")
	return c.Process(fn, args...)
}

// Pool creates a pool in the bound context.
func (d *DefaultContext) Pool(processes int) *Pool {
	c, _ := d.GetContext("")
	return c.Pool(processes)
}

package process

import (
	"cloudproc/internal/apperrors"
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Pool submits work through its context. In the cloud context every
// submission becomes an executor call and Map becomes one map job; in the
// thread context at most processes functions run at once.
type Pool struct {
	strategy  strategy
	processes int

	mu      sync.Mutex
	closed  bool
	handles []handle
}

func newPool(c *Context, processes int) *Pool {
	if processes <= 0 {
		processes = 1
	}
	s := c.strategy
	if ts, ok := s.(*threadStrategy); ok {
		s = ts.bounded(processes)
	}
	return &Pool{strategy: s, processes: processes}
}

// Processes returns the pool size.
func (p *Pool) Processes() int { return p.processes }

func (p *Pool) submit(ctx context.Context, fn string, iterdata []any, single bool) (*AsyncResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, apperrors.Validation("pool", "pool not running")
	}

	r := &AsyncResult{strategy: p.strategy, single: single}
	switch {
	case single:
		h, err := p.strategy.start(ctx, fn, iterdata[0])
		if err != nil {
			return nil, err
		}
		r.handles = []handle{h}
	case len(iterdata) > 0:
		hs, err := p.strategy.startMany(ctx, fn, iterdata)
		p.handles = append(p.handles, hs...)
		if err != nil {
			return nil, err
		}
		r.handles = hs
		return r, nil
	}
	p.handles = append(p.handles, r.handles...)
	return r, nil
}

// ApplyAsync runs fn(args...) once.
func (p *Pool) ApplyAsync(ctx context.Context, fn string, args ...any) (*AsyncResult, error) {
	return p.submit(ctx, fn, []any{packArgs(args)}, true)
}

// Apply runs fn(args...) once and waits for its value.
func (p *Pool) Apply(ctx context.Context, fn string, args ...any) (json.RawMessage, error) {
	r, err := p.ApplyAsync(ctx, fn, args...)
	if err != nil {
		return nil, err
	}
	return r.Get(ctx, 0)
}

// MapAsync runs fn once per element of iterable.
func (p *Pool) MapAsync(ctx context.Context, fn string, iterable []any) (*AsyncResult, error) {
	return p.submit(ctx, fn, iterable, false)
}

// Map runs fn once per element of iterable and returns the values in
// order.
func (p *Pool) Map(ctx context.Context, fn string, iterable []any) ([]json.RawMessage, error) {
	r, err := p.MapAsync(ctx, fn, iterable)
	if err != nil {
		return nil, err
	}
	return r.Values(ctx, 0)
}

// Starmap is Map where each element is the argument list of one call.
func (p *Pool) Starmap(ctx context.Context, fn string, iterable [][]any) ([]json.RawMessage, error) {
	packed := make([]any, len(iterable))
	for i, args := range iterable {
		packed[i] = packArgs(args)
	}
	return p.Map(ctx, fn, packed)
}

// Close stops accepting work. Submitted work keeps running.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}

// Terminate closes the pool and stops what can be stopped.
func (p *Pool) Terminate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for _, h := range p.handles {
		h.terminate()
	}
}

// Join waits for all submitted work. The pool must be closed first.
func (p *Pool) Join(ctx context.Context, timeout time.Duration) error {
	p.mu.Lock()
	if !p.closed {
		p.mu.Unlock()
		return apperrors.Validation("pool", "pool is still running")
	}
	hs := append([]handle(nil), p.handles...)
	p.mu.Unlock()

	if len(hs) == 0 {
		return nil
	}
	return p.strategy.waitAll(ctx, hs, timeout)
}

// AsyncResult is the pending value of an asynchronous submission.
type AsyncResult struct {
	strategy strategy
	handles  []handle
	single   bool
}

// Wait blocks until the result is ready or timeout expires.
func (r *AsyncResult) Wait(ctx context.Context, timeout time.Duration) error {
	if len(r.handles) == 0 {
		return nil
	}
	return r.strategy.waitAll(ctx, r.handles, timeout)
}

// Ready reports whether every call has finished.
func (r *AsyncResult) Ready(ctx context.Context) (bool, error) {
	for _, h := range r.handles {
		done, err := h.done(ctx)
		if err != nil || !done {
			return false, err
		}
	}
	return true, nil
}

// Successful reports whether every call succeeded. It fails with a
// validation error while the result is not ready.
func (r *AsyncResult) Successful(ctx context.Context) (bool, error) {
	ready, err := r.Ready(ctx)
	if err != nil {
		return false, err
	}
	if !ready {
		return false, apperrors.Validation("result", "result is not ready")
	}
	for _, h := range r.handles {
		if _, err := h.result(ctx); err != nil {
			if failed(err) {
				return false, nil
			}
			return false, err
		}
	}
	return true, nil
}

// Values waits and returns one value per call, in submission order. The
// first failed call's error is returned.
func (r *AsyncResult) Values(ctx context.Context, timeout time.Duration) ([]json.RawMessage, error) {
	if err := r.Wait(ctx, timeout); err != nil {
		return nil, err
	}
	out := make([]json.RawMessage, len(r.handles))
	for i, h := range r.handles {
		v, err := h.result(ctx)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Get waits and returns the value: the single value for Apply, a JSON list
// for Map.
func (r *AsyncResult) Get(ctx context.Context, timeout time.Duration) (json.RawMessage, error) {
	values, err := r.Values(ctx, timeout)
	if err != nil {
		return nil, err
	}
	if r.single {
		return values[0], nil
	}
	return json.Marshal(values)
}

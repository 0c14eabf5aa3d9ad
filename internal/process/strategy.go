package process

import (
	"cloudproc/internal/apperrors"
	"cloudproc/internal/executor"
	"cloudproc/internal/function"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Submitter dispatches calls to the cloud. *executor.Executor implements it.
type Submitter interface {
	CallAsync(ctx context.Context, fn string, args any) (*executor.Future, error)
	Map(ctx context.Context, fn string, iterdata []any) ([]*executor.Future, error)
	Wait(ctx context.Context, futures []*executor.Future, opts executor.WaitOptions) (done, pending []*executor.Future, err error)
}

// handle is one started unit of work.
type handle interface {
	pid() string
	done(ctx context.Context) (bool, error)
	// result is valid once done reports true.
	result(ctx context.Context) (json.RawMessage, error)
	terminate()
}

// strategy realizes processes for a context.
type strategy interface {
	start(ctx context.Context, fn string, args any) (handle, error)
	startMany(ctx context.Context, fn string, iterdata []any) ([]handle, error)
	// waitAll blocks until every handle is done. Expiry returns an error
	// matching apperrors.ErrTimeout.
	waitAll(ctx context.Context, hs []handle, timeout time.Duration) error
}

// cloudStrategy turns every process into an executor call.
type cloudStrategy struct {
	submitter Submitter
}

type cloudHandle struct {
	future *executor.Future
}

func (h *cloudHandle) pid() string { return h.future.ID.CallID }

func (h *cloudHandle) done(ctx context.Context) (bool, error) { return h.future.Done(ctx) }

func (h *cloudHandle) result(ctx context.Context) (json.RawMessage, error) {
	return h.future.Result(ctx, 0)
}

// terminate is a no-op: dispatched calls cannot be cancelled.
func (h *cloudHandle) terminate() {}

func (s *cloudStrategy) start(ctx context.Context, fn string, args any) (handle, error) {
	f, err := s.submitter.CallAsync(ctx, fn, args)
	if err != nil {
		return nil, err
	}
	return &cloudHandle{future: f}, nil
}

func (s *cloudStrategy) startMany(ctx context.Context, fn string, iterdata []any) ([]handle, error) {
	futures, err := s.submitter.Map(ctx, fn, iterdata)
	if err != nil {
		return nil, err
	}
	hs := make([]handle, len(futures))
	for i, f := range futures {
		hs[i] = &cloudHandle{future: f}
	}
	return hs, nil
}

func (s *cloudStrategy) waitAll(ctx context.Context, hs []handle, timeout time.Duration) error {
	futures := make([]*executor.Future, 0, len(hs))
	for _, h := range hs {
		futures = append(futures, h.(*cloudHandle).future)
	}
	_, _, err := s.submitter.Wait(ctx, futures, executor.WaitOptions{ReturnWhen: executor.AllCompleted, Timeout: timeout})
	return err
}

// threadStrategy runs registered functions in goroutines of this process.
type threadStrategy struct {
	functions *function.Registry
	seq       *atomic.Int64
	// limit bounds concurrently running functions when set.
	limit chan struct{}
}

// bounded returns a strategy sharing s's functions and ids that runs at most
// n functions at once.
func (s *threadStrategy) bounded(n int) *threadStrategy {
	return &threadStrategy{functions: s.functions, seq: s.seq, limit: make(chan struct{}, n)}
}

// FunctionError wraps a failure of a function run by the thread strategy.
type FunctionError struct {
	Function string
	Err      error
}

func (e *FunctionError) Error() string { return fmt.Sprintf("%s: %v", e.Function, e.Err) }

func (e *FunctionError) Unwrap() error { return e.Err }

type threadHandle struct {
	id     string
	ch     chan struct{}
	cancel context.CancelFunc

	mu  sync.Mutex
	out json.RawMessage
	err error
}

func (h *threadHandle) pid() string { return h.id }

func (h *threadHandle) done(context.Context) (bool, error) {
	select {
	case <-h.ch:
		return true, nil
	default:
		return false, nil
	}
}

func (h *threadHandle) result(context.Context) (json.RawMessage, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.out, h.err
}

func (h *threadHandle) terminate() { h.cancel() }

func (s *threadStrategy) start(_ context.Context, fn string, args any) (handle, error) {
	f, err := s.functions.Lookup(fn)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, apperrors.Validation("args", "cannot encode arguments: "+err.Error())
	}

	// The goroutine outlives the caller's context, like a spawned process.
	runCtx, cancel := context.WithCancel(context.Background())
	h := &threadHandle{
		id:     fmt.Sprintf("thread-%d", s.seq.Add(1)),
		ch:     make(chan struct{}),
		cancel: cancel,
	}
	go func() {
		defer close(h.ch)
		defer cancel()
		if s.limit != nil {
			select {
			case s.limit <- struct{}{}:
				defer func() { <-s.limit }()
			case <-runCtx.Done():
				h.mu.Lock()
				h.err = &FunctionError{Function: fn, Err: runCtx.Err()}
				h.mu.Unlock()
				return
			}
		}
		out, err := runFunc(runCtx, f, raw)
		h.mu.Lock()
		h.out = out
		if err != nil {
			h.err = &FunctionError{Function: fn, Err: err}
		}
		h.mu.Unlock()
	}()
	return h, nil
}

func runFunc(ctx context.Context, f function.Func, raw json.RawMessage) (out json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	v, err := f(ctx, raw)
	if err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

func (s *threadStrategy) startMany(ctx context.Context, fn string, iterdata []any) ([]handle, error) {
	if len(iterdata) == 0 {
		return nil, apperrors.Validation("iterdata", "iterdata is empty")
	}
	hs := make([]handle, 0, len(iterdata))
	for _, args := range iterdata {
		h, err := s.start(ctx, fn, args)
		if err != nil {
			return hs, err
		}
		hs = append(hs, h)
	}
	return hs, nil
}

func (s *threadStrategy) waitAll(ctx context.Context, hs []handle, timeout time.Duration) error {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	for _, h := range hs {
		select {
		case <-h.(*threadHandle).ch:
		case <-expired:
			return apperrors.Timeout("wait", timeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// failed reports whether err is a failure of the work itself rather than of
// waiting for it.
func failed(err error) bool {
	var callErr *executor.CallError
	var fnErr *FunctionError
	return errors.As(err, &callErr) || errors.As(err, &fnErr)
}

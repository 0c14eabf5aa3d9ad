package process

import (
	"cloudproc/internal/apperrors"
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Process is one logical process. Its identity is the call it runs.
type Process struct {
	context *Context
	fn      string
	args    []any
	name    string

	mu       sync.Mutex
	h        handle
	finished bool
	exitCode int
	err      error
	output   json.RawMessage
}

// Name returns the process name.
func (p *Process) Name() string { return p.name }

// PID returns the id of the started work: the call id for cloud processes.
// It is empty before Start.
func (p *Process) PID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.h == nil {
		return ""
	}
	return p.h.pid()
}

// packArgs maps positional arguments to a single function argument: none is
// null, one is passed as is, more become a list.
func packArgs(args []any) any {
	switch len(args) {
	case 0:
		return nil
	case 1:
		return args[0]
	default:
		return args
	}
}

// Start launches the process.
func (p *Process) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.h != nil {
		return apperrors.Validation("process", "process already started")
	}
	h, err := p.context.strategy.start(ctx, p.fn, packArgs(p.args))
	if err != nil {
		return err
	}
	p.h = h
	return nil
}

// Join waits for the process to finish. A zero timeout waits until ctx is
// done. On expiry it returns an error matching apperrors.ErrTimeout and the
// process keeps running.
func (p *Process) Join(ctx context.Context, timeout time.Duration) error {
	h, err := p.started()
	if err != nil {
		return err
	}
	if err := p.context.strategy.waitAll(ctx, []handle{h}, timeout); err != nil {
		return err
	}
	return p.collect(ctx)
}

// IsAlive reports whether the process was started and has not finished.
func (p *Process) IsAlive(ctx context.Context) (bool, error) {
	p.mu.Lock()
	h, finished := p.h, p.finished
	p.mu.Unlock()
	if h == nil || finished {
		return false, nil
	}
	done, err := h.done(ctx)
	if err != nil {
		return false, err
	}
	if done {
		return false, p.collect(ctx)
	}
	return true, nil
}

// ExitCode returns 0 for a process that succeeded and 1 for one that
// failed. ok is false until the process has been observed finished.
func (p *Process) ExitCode() (code int, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode, p.finished
}

// Err returns the failure of a finished process.
func (p *Process) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Output returns the value a finished process returned.
func (p *Process) Output() json.RawMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.output
}

// Terminate requests the process to stop. Cloud calls cannot be cancelled
// and keep running.
func (p *Process) Terminate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.h != nil && !p.finished {
		p.h.terminate()
	}
}

func (p *Process) started() (handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.h == nil {
		return nil, apperrors.Validation("process", "can only join a started process")
	}
	return p.h, nil
}

// collect records the outcome of a finished process.
func (p *Process) collect(ctx context.Context) error {
	p.mu.Lock()
	if p.finished {
		p.mu.Unlock()
		return nil
	}
	h := p.h
	p.mu.Unlock()

	out, err := h.result(ctx)
	if err != nil && !failed(err) {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.finished = true
	p.output = out
	p.err = err
	if err != nil {
		p.exitCode = 1
	}
	return nil
}

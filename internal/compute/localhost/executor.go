package localhost

import (
	"bytes"
	"cloudproc/internal/compute"
	"cloudproc/internal/handler"
	"cloudproc/internal/tracker"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Executor runs one payload on behalf of a worker.
type Executor interface {
	Execute(ctx context.Context, worker string, p *compute.Payload) (*tracker.CallStatus, error)
}

// ThreadExecutor runs the handler inside the worker goroutine.
type ThreadExecutor struct {
	Deps handler.Deps
}

func (e *ThreadExecutor) Execute(ctx context.Context, worker string, p *compute.Payload) (*tracker.CallStatus, error) {
	deps := e.Deps
	deps.Worker = worker
	return handler.Run(ctx, deps, p)
}

// ProcessExecutor runs each payload in a child runner process. The payload
// is written to the child's stdin.
type ProcessExecutor struct {
	RunnerPath string
	Tracker    *tracker.Tracker
	// Verbose forwards the child's stdout; otherwise it is discarded.
	Verbose bool
	Env     []string
	// Grace is how long a runner may outlive the payload timeout before it
	// is killed. Defaults to defaultRunnerGrace.
	Grace time.Duration
}

const (
	stderrTail         = 2048
	defaultRunnerGrace = 5 * time.Second
)

func (e *ProcessExecutor) Execute(ctx context.Context, worker string, p *compute.Payload) (*tracker.CallStatus, error) {
	body, err := p.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	runCtx := ctx
	if p.Timeout > 0 {
		grace := e.Grace
		if grace <= 0 {
			grace = defaultRunnerGrace
		}
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, p.Timeout+grace)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, e.RunnerPath, "-stdin")
	cmd.WaitDelay = time.Second
	cmd.Stdin = bytes.NewReader(body)
	cmd.Stdout = io.Discard
	if e.Verbose {
		cmd.Stdout = os.Stdout
	}
	var stderr tailBuffer
	cmd.Stderr = &stderr
	cmd.Env = append(os.Environ(), e.Env...)
	cmd.Env = append(cmd.Env, "CLOUDPROC_WORKER="+worker)
	for k, v := range p.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	runErr := cmd.Run()

	status, err := e.Tracker.GetCallStatus(ctx, p.ID())
	if err != nil {
		return nil, fmt.Errorf("read status after runner exit: %w", err)
	}
	if status != nil {
		return status, nil
	}

	// The runner exited without recording a status.
	kind := handler.ExcWorker
	cause := runErr
	if cause == nil {
		cause = fmt.Errorf("runner exited without writing a status")
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		kind = handler.ExcTimeout
		cause = fmt.Errorf("runner killed after exceeding timeout of %s: %w", p.Timeout, cause)
	}
	if tail := strings.TrimSpace(stderr.String()); tail != "" {
		cause = fmt.Errorf("%w: %s", cause, tail)
	}
	slog.With("component", "localhost").Warn("Runner process failed",
		"worker", worker, "call", p.ID().String(), "error", cause)
	if err := handler.RecordFailure(ctx, e.Tracker, p, worker, kind, cause); err != nil {
		return nil, err
	}
	return e.Tracker.GetCallStatus(ctx, p.ID())
}

// tailBuffer keeps the last stderrTail bytes written to it.
type tailBuffer struct {
	buf []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	if len(b.buf) > stderrTail {
		b.buf = b.buf[len(b.buf)-stderrTail:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string { return string(b.buf) }

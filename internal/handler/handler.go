// Package handler runs one call payload inside a worker: it marks the call
// started, resolves and invokes the function, and records the result.
package handler

import (
	"cloudproc/internal/apperrors"
	"cloudproc/internal/compute"
	"cloudproc/internal/function"
	"cloudproc/internal/tracker"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"time"
)

// Failure kinds reported in CallStatus.ExcType.
const (
	ExcError           = "error"
	ExcPanic           = "panic"
	ExcTimeout         = "timeout"
	ExcUnknownFunction = "unknown_function"
	ExcArguments       = "arguments"
	ExcOutput          = "output"
	ExcWorker          = "worker"
)

// Notifier announces completed calls. Delivery is best-effort.
type Notifier interface {
	NotifyCallDone(ctx context.Context, callbackURL string, status *tracker.CallStatus) error
}

// Deps are the components a worker runs payloads with.
type Deps struct {
	Tracker   *tracker.Tracker
	Functions *function.Registry
	Notifier  Notifier // optional
	Worker    string   // worker name recorded in the status
}

type failure struct {
	kind string
	err  error
}

func (f *failure) Error() string { return f.err.Error() }

// Run executes p and records its status. Function failures, panics and
// timeouts are captured in the returned status; the error result is reserved
// for failures to record that status.
func Run(ctx context.Context, deps Deps, p *compute.Payload) (*tracker.CallStatus, error) {
	logger := slog.With("component", "handler", "executorId", p.ExecutorID,
		"jobId", p.JobID, "callId", p.CallID, "function", p.Function)
	start := time.Now().UTC()
	id := p.ID()

	if err := deps.Tracker.MarkCallStarted(ctx, id, p.ActivationID); err != nil {
		logger.Warn("Failed to write init marker", "error", err)
	}

	output, runErr := execute(ctx, deps, p)

	host, _ := os.Hostname()
	end := time.Now().UTC()
	status := &tracker.CallStatus{
		ExecutorID:      p.ExecutorID,
		JobID:           p.JobID,
		CallID:          p.CallID,
		ActivationID:    p.ActivationID,
		Function:        p.Function,
		Success:         runErr == nil,
		StartTime:       start,
		EndTime:         end,
		DurationSeconds: end.Sub(start).Seconds(),
		Host:            host,
		Worker:          deps.Worker,
	}
	if runErr != nil {
		status.Exception = runErr.Error()
		status.ExcType = ExcError
		var f *failure
		if errors.As(runErr, &f) {
			status.ExcType = f.kind
		}
		logger.Info("Call failed", "excType", status.ExcType, "error", runErr)
	} else {
		logger.Debug("Call succeeded", "duration", status.DurationSeconds)
	}

	if err := deps.Tracker.RecordCallDone(ctx, status, output); err != nil {
		if errors.Is(err, apperrors.ErrConflict) {
			logger.Warn("Call already completed elsewhere, result discarded")
			return status, nil
		}
		return status, fmt.Errorf("record call %s: %w", id, err)
	}

	if deps.Notifier != nil && p.CallbackURL != "" {
		if err := deps.Notifier.NotifyCallDone(ctx, p.CallbackURL, status); err != nil {
			logger.Warn("Failed to queue completion notification", "error", err)
		}
	}
	return status, nil
}

// RecordWorkerFailure records a failed status for a payload whose worker
// died before reporting. It is a no-op if a status already exists.
func RecordWorkerFailure(ctx context.Context, t *tracker.Tracker, p *compute.Payload, worker string, cause error) error {
	return RecordFailure(ctx, t, p, worker, ExcWorker, cause)
}

// RecordFailure records a failed status of the given kind on behalf of a
// payload that could not report for itself. It is a no-op if a status
// already exists.
func RecordFailure(ctx context.Context, t *tracker.Tracker, p *compute.Payload, worker, kind string, cause error) error {
	now := time.Now().UTC()
	status := &tracker.CallStatus{
		ExecutorID:   p.ExecutorID,
		JobID:        p.JobID,
		CallID:       p.CallID,
		ActivationID: p.ActivationID,
		Function:     p.Function,
		Success:      false,
		Exception:    cause.Error(),
		ExcType:      kind,
		StartTime:    now,
		EndTime:      now,
		Worker:       worker,
	}
	err := t.RecordCallDone(ctx, status, nil)
	if errors.Is(err, apperrors.ErrConflict) {
		return nil
	}
	return err
}

// execute returns the JSON-encoded result.
func execute(ctx context.Context, deps Deps, p *compute.Payload) ([]byte, error) {
	fn, err := deps.Functions.Lookup(p.Function)
	if err != nil {
		return nil, &failure{kind: ExcUnknownFunction, err: err}
	}

	args, err := loadArgs(ctx, deps.Tracker, p)
	if err != nil {
		return nil, &failure{kind: ExcArguments, err: err}
	}

	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	result, err := invoke(ctx, fn, args)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && p.Timeout > 0 {
			return nil, &failure{kind: ExcTimeout, err: fmt.Errorf("call exceeded timeout of %s: %w", p.Timeout, err)}
		}
		return nil, err
	}

	output, err := json.Marshal(result)
	if err != nil {
		return nil, &failure{kind: ExcOutput, err: fmt.Errorf("cannot encode result: %w", err)}
	}
	return output, nil
}

// invoke runs fn in its own goroutine so that a function ignoring ctx cannot
// hold the worker past its deadline. On expiry the goroutine is abandoned and
// its result dropped.
func invoke(ctx context.Context, fn function.Func, args json.RawMessage) (any, error) {
	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: &failure{kind: ExcPanic, err: fmt.Errorf("panic: %v\n%s", r, debug.Stack())}}
			}
		}()
		result, err := fn(ctx, args)
		done <- outcome{result: result, err: err}
	}()

	select {
	case o := <-done:
		return o.result, o.err
	case <-ctx.Done():
		select {
		case o := <-done:
			return o.result, o.err
		default:
		}
		return nil, ctx.Err()
	}
}

func loadArgs(ctx context.Context, t *tracker.Tracker, p *compute.Payload) (json.RawMessage, error) {
	if p.Data == nil {
		return p.Args, nil
	}
	if p.Data.Object.Backend != p.Storage.Backend {
		return nil, apperrors.InvalidBackend(p.Storage.Backend, []string{p.Data.Object.Backend})
	}
	data, err := t.Store().Get(ctx, p.Data.Object.Bucket, p.Data.Object.Key, p.Data.Range)
	if err != nil {
		return nil, fmt.Errorf("read arguments from %s: %w", p.Data.Object, err)
	}
	return data, nil
}

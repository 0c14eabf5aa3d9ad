package executor

import (
	"cloudproc/internal/compute"
	"cloudproc/internal/tracker"
	"cloudproc/pkg/backoff"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Future is a submitted call.
type Future struct {
	ID           tracker.CallID
	ActivationID string
	Function     string

	tracker *tracker.Tracker
	poll    *backoff.Config

	mu     sync.Mutex
	status *tracker.CallStatus
}

// CallError reports a call that ran and failed.
type CallError struct {
	Status *tracker.CallStatus
}

func (e *CallError) Error() string {
	return fmt.Sprintf("call %s (%s) failed: %s: %s", e.Status.ID(), e.Status.Function, e.Status.ExcType, e.Status.Exception)
}

// Status returns the call's status marker, or nil while it has not finished.
// A finished status is cached.
func (f *Future) Status(ctx context.Context) (*tracker.CallStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status != nil {
		return f.status, nil
	}
	s, err := f.tracker.GetCallStatus(ctx, f.ID)
	if err != nil {
		return nil, err
	}
	f.status = s
	return s, nil
}

// Done reports whether the call has a status marker.
func (f *Future) Done(ctx context.Context) (bool, error) {
	s, err := f.Status(ctx)
	return s != nil, err
}

func (f *Future) finished() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status != nil
}

func (f *Future) setStatus(s *tracker.CallStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status == nil {
		f.status = s
	}
}

// Result waits up to timeout for the call and returns its output. A zero
// timeout waits until ctx is done. Expiry returns an error matching
// apperrors.ErrTimeout; a failed call returns *CallError.
func (f *Future) Result(ctx context.Context, timeout time.Duration) (json.RawMessage, error) {
	s, err := f.Status(ctx)
	if err != nil {
		return nil, err
	}
	if s == nil {
		s, err = compute.WaitForCall(ctx, f.tracker, f.ID, timeout, f.poll)
		if err != nil {
			return nil, err
		}
		f.setStatus(s)
	}
	if !s.Success {
		return nil, &CallError{Status: s}
	}
	out, err := f.tracker.GetCallOutput(ctx, f.ID)
	if err != nil {
		return nil, err
	}
	if out == nil {
		return json.RawMessage("null"), nil
	}
	return out, nil
}

package compute

import (
	"cloudproc/internal/apperrors"
	"cloudproc/internal/tracker"
	"cloudproc/pkg/backoff"
	"context"
	"errors"
	"time"
)

// DefaultPoll is the status polling schedule used when none is configured.
var DefaultPoll = backoff.Config{Initial: 50 * time.Millisecond, Max: 2 * time.Second}

// WaitForCall polls the call's status marker until it appears. A zero
// timeout waits until ctx is done. On expiry it returns an error matching
// apperrors.ErrTimeout; the call itself is not cancelled.
func WaitForCall(ctx context.Context, t *tracker.Tracker, id tracker.CallID, timeout time.Duration, poll *backoff.Config) (*tracker.CallStatus, error) {
	if poll == nil {
		poll = &DefaultPoll
	}
	var status *tracker.CallStatus
	err := backoff.Poll(ctx, poll, timeout, func(ctx context.Context) (bool, error) {
		s, err := t.GetCallStatus(ctx, id)
		if err != nil {
			return false, err
		}
		status = s
		return s != nil, nil
	})
	if errors.Is(err, backoff.ErrDeadline) {
		return nil, apperrors.Timeout("wait for call "+id.String(), timeout)
	}
	if err != nil {
		return nil, err
	}
	return status, nil
}

// InvokeAndWait is the shared InvokeAndWait implementation for backends
// whose workers report through the tracker.
func InvokeAndWait(ctx context.Context, b Backend, t *tracker.Tracker, runtimeName string, memoryMB int, p *Payload, timeout time.Duration, poll *backoff.Config) (*tracker.CallStatus, error) {
	if _, err := b.Invoke(ctx, runtimeName, memoryMB, p); err != nil {
		return nil, err
	}
	return WaitForCall(ctx, t, p.ID(), timeout, poll)
}

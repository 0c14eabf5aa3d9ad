package executor

import (
	"cloudproc/internal/apperrors"
	"cloudproc/internal/tracker"
	"cloudproc/pkg/backoff"
	"context"
	"errors"
	"time"
)

// ReturnWhen selects when Wait returns.
type ReturnWhen int

const (
	// AllCompleted waits for every future.
	AllCompleted ReturnWhen = iota
	// AnyCompleted returns once at least one future is done.
	AnyCompleted
	// Always checks once and returns.
	Always
)

// WaitOptions configures Wait.
type WaitOptions struct {
	ReturnWhen ReturnWhen
	Timeout    time.Duration // zero waits until ctx is done
}

// Wait polls job status until the ReturnWhen condition holds. It returns the
// futures partitioned into done and pending. If the timeout expires first
// the partition is returned with an error matching apperrors.ErrTimeout;
// the calls keep running.
func (e *Executor) Wait(ctx context.Context, futures []*Future, opts WaitOptions) (done, pending []*Future, err error) {
	check := func(ctx context.Context) (bool, error) {
		done, pending, err = e.partition(ctx, futures)
		if err != nil {
			return false, err
		}
		switch opts.ReturnWhen {
		case Always:
			return true, nil
		case AnyCompleted:
			return len(done) > 0 || len(pending) == 0, nil
		default:
			return len(pending) == 0, nil
		}
	}

	err = backoff.Poll(ctx, e.cfg.Poll, opts.Timeout, check)
	if errors.Is(err, backoff.ErrDeadline) {
		return done, pending, apperrors.Timeout("wait", opts.Timeout)
	}
	return done, pending, err
}

// partition lists each job once and splits futures by status marker.
func (e *Executor) partition(ctx context.Context, futures []*Future) (done, pending []*Future, err error) {
	type jobKey struct{ executor, job string }
	finished := make(map[jobKey]tracker.CallSet)

	for _, f := range futures {
		if f.finished() {
			done = append(done, f)
			continue
		}
		k := jobKey{f.ID.ExecutorID, f.ID.JobID}
		set, ok := finished[k]
		if !ok {
			_, doneSet, err := e.tracker.GetJobStatus(ctx, k.executor, k.job)
			if err != nil {
				return nil, nil, err
			}
			set = doneSet
			finished[k] = set
		}
		if set.Has(f.ID.CallID) {
			done = append(done, f)
		} else {
			pending = append(pending, f)
		}
	}
	return done, pending, nil
}

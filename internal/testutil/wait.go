// Package testutil provides testing utilities for polling, waiting and
// building in-memory fixtures.
package testutil

import (
	"cloudproc/pkg/backoff"
	"context"
	"sync/atomic"
	"testing"
	"time"
)

// WaitOptions configures WaitFor. Polling starts at Interval and backs off
// to MaxInterval.
type WaitOptions struct {
	Timeout     time.Duration
	Interval    time.Duration
	MaxInterval time.Duration
}

// WaitOption is a functional option for WaitFor.
type WaitOption func(*WaitOptions)

// WithTimeout sets the maximum wait time (default: 10s).
func WithTimeout(d time.Duration) WaitOption {
	return func(o *WaitOptions) { o.Timeout = d }
}

// WithInterval polls at a fixed interval instead of backing off.
func WithInterval(d time.Duration) WaitOption {
	return func(o *WaitOptions) {
		o.Interval = d
		o.MaxInterval = d
	}
}

func defaultOptions() WaitOptions {
	return WaitOptions{
		Timeout:     10 * time.Second,
		Interval:    2 * time.Millisecond,
		MaxInterval: 50 * time.Millisecond,
	}
}

func resolve(opts []WaitOption) WaitOptions {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WaitFor polls until condition returns true or the timeout is reached. It
// reports whether the condition was met.
func WaitFor(tb testing.TB, condition func() bool, opts ...WaitOption) bool {
	tb.Helper()
	o := resolve(opts)
	err := backoff.Poll(context.Background(), &backoff.Config{Initial: o.Interval, Max: o.MaxInterval}, o.Timeout,
		func(context.Context) (bool, error) { return condition(), nil })
	return err == nil
}

// WaitForCount polls until counter reaches target.
func WaitForCount(tb testing.TB, counter *atomic.Int64, target int64, opts ...WaitOption) bool {
	tb.Helper()
	return WaitFor(tb, func() bool { return counter.Load() >= target }, opts...)
}

// MustWaitFor is WaitFor that fails the test on timeout.
func MustWaitFor(tb testing.TB, condition func() bool, opts ...WaitOption) {
	tb.Helper()
	if !WaitFor(tb, condition, opts...) {
		tb.Fatal("timed out waiting for condition")
	}
}

// Eventually polls fn until it returns nil and fails the test with the last
// error on timeout.
func Eventually(tb testing.TB, fn func() error, opts ...WaitOption) {
	tb.Helper()
	var last error
	if !WaitFor(tb, func() bool { last = fn(); return last == nil }, opts...) {
		tb.Fatalf("timed out: %v", last)
	}
}

// Context returns a context cancelled at test cleanup or after the wait
// timeout, whichever comes first.
func Context(tb testing.TB, opts ...WaitOption) context.Context {
	tb.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), resolve(opts).Timeout)
	tb.Cleanup(cancel)
	return ctx
}

// Package backoff provides exponential backoff calculation and polling.
package backoff

import (
	"context"
	"errors"
	"math"
	"time"
)

// ErrDeadline is returned by Poll when its timeout expires before the
// condition holds.
var ErrDeadline = errors.New("poll deadline exceeded")

// Config for exponential backoff. Zero values use defaults.
type Config struct {
	Initial    time.Duration // default: 100ms
	Max        time.Duration // default: 5s
	Multiplier float64       // default: 2
}

// Exponential calculates exponential backoff for a given attempt.
// Attempt 1 returns initial, attempt 2 returns initial*multiplier, etc.
func Exponential(attempt int, cfg *Config) time.Duration {
	initial := 100 * time.Millisecond
	maxBackoff := 5 * time.Second
	multiplier := 2.0
	if cfg != nil {
		if cfg.Initial > 0 {
			initial = cfg.Initial
		}
		if cfg.Max > 0 {
			maxBackoff = cfg.Max
		}
		if cfg.Multiplier > 1 {
			multiplier = cfg.Multiplier
		}
	}

	if attempt < 1 {
		return initial
	}
	backoff := float64(initial) * math.Pow(multiplier, float64(attempt-1))
	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}
	return time.Duration(backoff)
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Poll calls cond until it reports true, returns an error, or the timeout
// expires, sleeping with exponential backoff between attempts. A timeout of
// zero polls until ctx is done. Expiry returns ErrDeadline; cancellation of
// ctx returns ctx.Err().
func Poll(ctx context.Context, cfg *Config, timeout time.Duration, cond func(context.Context) (bool, error)) error {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for attempt := 1; ; attempt++ {
		done, err := cond(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		wait := Exponential(attempt, cfg)
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return ErrDeadline
			}
			wait = min(wait, remaining)
		}
		if err := Sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// Package builtin provides the functions every cloudproc binary registers.
package builtin

import (
	"cloudproc/internal/function"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Register adds the built-in functions to r.
func Register(r *function.Registry) {
	r.Register("echo", Echo)
	r.Register("sum", function.Typed(Sum))
	r.Register("square", function.Typed(Square))
	r.Register("sleep", function.Typed(Sleep))
	r.Register("fail", function.Typed(Fail))
	r.Register("wordcount", function.Typed(WordCount))
}

// Registry returns a fresh registry holding the built-ins.
func Registry() *function.Registry {
	r := function.NewRegistry()
	Register(r)
	return r
}

// Echo returns its arguments unchanged.
func Echo(_ context.Context, args json.RawMessage) (any, error) {
	if len(args) == 0 {
		return nil, nil
	}
	return args, nil
}

// Sum adds a list of numbers.
func Sum(_ context.Context, xs []float64) (float64, error) {
	var total float64
	for _, x := range xs {
		total += x
	}
	return total, nil
}

// Square returns x*x.
func Square(_ context.Context, x float64) (float64, error) {
	return x * x, nil
}

// SleepArgs configures Sleep.
type SleepArgs struct {
	Millis int             `json:"millis"`
	Value  json.RawMessage `json:"value,omitempty"`
}

// Sleep waits and then returns Value. It honors cancellation.
func Sleep(ctx context.Context, args SleepArgs) (json.RawMessage, error) {
	select {
	case <-time.After(time.Duration(args.Millis) * time.Millisecond):
		return args.Value, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Fail always returns an error with the given message.
func Fail(_ context.Context, message string) (any, error) {
	if message == "" {
		message = "function failed"
	}
	return nil, errors.New(message)
}

// WordCount counts whitespace-separated words.
func WordCount(_ context.Context, text string) (map[string]int, error) {
	counts := make(map[string]int)
	for _, w := range strings.Fields(text) {
		counts[strings.ToLower(w)]++
	}
	return counts, nil
}

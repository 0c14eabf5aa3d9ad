// Package job exposes job submission and inspection over an executor, the
// status tracker and a compute backend.
package job

import (
	"cloudproc/internal/executor"
	"context"
	"encoding/json"
)

// Submitter dispatches calls on behalf of the service. *executor.Executor
// implements it.
//
// # State Management
//
// The object store is the source of truth for job state: a job is the set
// of its calls' init and status markers. The service keeps nothing in
// memory, so restarts and multiple instances see the same jobs.
type Submitter interface {
	// ID is the executor id jobs submitted here are filed under.
	ID() string

	CallAsync(ctx context.Context, fn string, args any) (*executor.Future, error)
	Map(ctx context.Context, fn string, iterdata []any) ([]*executor.Future, error)
}

// rawArgs adapts request arguments to the submitter, which encodes them
// again; json.RawMessage passes through unchanged.
func rawArgs(args []json.RawMessage) []any {
	out := make([]any, len(args))
	for i, a := range args {
		out[i] = a
	}
	return out
}

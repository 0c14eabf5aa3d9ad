// Package compute defines the contract between the engine and the
// providers that execute calls.
package compute

import (
	"cloudproc/internal/apperrors"
	"cloudproc/internal/cloudobject"
	"cloudproc/internal/storage"
	"cloudproc/internal/tracker"
	"context"
	"encoding/json"
	"time"
)

// Backend executes payloads and manages the runtimes they run in.
type Backend interface {
	// Name returns the backend name used in configuration and runtime keys.
	Name() string

	// Invoke schedules a payload and returns its activation id without
	// waiting for it to run.
	Invoke(ctx context.Context, runtimeName string, memoryMB int, p *Payload) (string, error)

	// InvokeAndWait schedules a payload and blocks until its status marker
	// appears or timeout expires. On expiry it returns apperrors.ErrTimeout
	// and the call keeps running.
	InvokeAndWait(ctx context.Context, runtimeName string, memoryMB int, p *Payload, timeout time.Duration) (*tracker.CallStatus, error)

	// CreateRuntime prepares a runtime and returns its metadata.
	CreateRuntime(ctx context.Context, runtimeName string, memoryMB int, timeout time.Duration) (*tracker.RuntimeMeta, error)

	// BuildRuntime builds a runtime image from a definition file.
	BuildRuntime(ctx context.Context, runtimeName, definitionFile string) error

	DeleteRuntime(ctx context.Context, runtimeName string, memoryMB int) error
	DeleteAllRuntimes(ctx context.Context) error
	ListRuntimes(ctx context.Context, runtimeName string) ([]RuntimeInfo, error)

	// RuntimeKey names a (runtime, memory) deployment; runtime metadata is
	// stored under it.
	RuntimeKey(runtimeName string, memoryMB int) string
}

// Readier is implemented by backends that can report readiness.
type Readier interface {
	Ready(ctx context.Context) error
}

// Closer is implemented by backends holding resources.
type Closer interface {
	Close(ctx context.Context) error
}

// RuntimeInfo describes a deployed runtime.
type RuntimeInfo struct {
	Name     string `json:"name"`
	MemoryMB int    `json:"memory_mb,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// StorageRef tells a worker which store holds the job state.
type StorageRef struct {
	Backend string `json:"backend"`
	Bucket  string `json:"bucket"`
}

// DataRef points at a call's arguments inside a cloud object.
type DataRef struct {
	Object cloudobject.CloudObject `json:"object"`
	Range  *storage.ByteRange      `json:"range,omitempty"`
}

// Payload is everything a worker needs to run one call.
type Payload struct {
	ExecutorID   string            `json:"executor_id"`
	JobID        string            `json:"job_id"`
	CallID       string            `json:"call_id"`
	ActivationID string            `json:"activation_id,omitempty"`
	Function     string            `json:"function"`
	Args         json.RawMessage   `json:"args,omitempty"`
	Data         *DataRef          `json:"data,omitempty"`
	Storage      StorageRef        `json:"storage"`
	Runtime      string            `json:"runtime,omitempty"`
	CallbackURL  string            `json:"callback_url,omitempty"`
	Timeout      time.Duration     `json:"timeout,omitempty"`
	Env          map[string]string `json:"env,omitempty"`
}

// ID returns the call the payload runs.
func (p *Payload) ID() tracker.CallID {
	return tracker.CallID{ExecutorID: p.ExecutorID, JobID: p.JobID, CallID: p.CallID}
}

// Validate checks the fields every worker relies on.
func (p *Payload) Validate() error {
	switch {
	case p.ExecutorID == "":
		return apperrors.Validation("executor_id", "executor id is required")
	case p.JobID == "":
		return apperrors.Validation("job_id", "job id is required")
	case p.CallID == "":
		return apperrors.Validation("call_id", "call id is required")
	case p.Function == "":
		return apperrors.Validation("function", "function name is required")
	case p.Storage.Backend == "" || p.Storage.Bucket == "":
		return apperrors.Validation("storage", "storage backend and bucket are required")
	case p.Args != nil && p.Data != nil:
		return apperrors.Validation("args", "payload carries both inline args and a data reference")
	}
	return nil
}

// Encode serializes the payload for transport.
func (p *Payload) Encode() ([]byte, error) {
	return json.Marshal(p)
}

// DecodePayload parses and validates a payload.
func DecodePayload(data []byte) (*Payload, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, apperrors.Validation("payload", "invalid payload: "+err.Error())
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

package job

import (
	"cloudproc/internal/compute"
	"cloudproc/internal/tracker"
	"encoding/json"
)

// Request submits a function. Args makes a single call; Iterdata makes a
// map job with one call per element. Exactly one must be set.
type Request struct {
	Function string            `json:"function"`
	Args     json.RawMessage   `json:"args,omitempty"`
	Iterdata []json.RawMessage `json:"iterdata,omitempty"`
}

// Response is returned when a job is accepted.
type Response struct {
	ExecutorID string   `json:"executorId"`
	JobID      string   `json:"jobId"`
	Calls      []string `json:"calls"`
	Status     string   `json:"status"` // "accepted"
}

// Status is a job's progress as seen in the object store. Pending calls are
// those listed in the job manifest that no worker has picked up yet.
type Status struct {
	ExecutorID string   `json:"executorId"`
	JobID      string   `json:"jobId"`
	State      string   `json:"status"`
	Done       []string `json:"done"`
	Running    []string `json:"running"`
	Pending    []string `json:"pending"`
}

// CallResponse is a call's state and, once finished, its status marker.
type CallResponse struct {
	ExecutorID string              `json:"executorId"`
	JobID      string              `json:"jobId"`
	CallID     string              `json:"callId"`
	State      string              `json:"status"`
	Status     *tracker.CallStatus `json:"result,omitempty"`
}

// RuntimeRequest creates a runtime.
type RuntimeRequest struct {
	Name           string `json:"name"`
	MemoryMB       int    `json:"memoryMb"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
}

// RuntimeResponse describes a created runtime.
type RuntimeResponse struct {
	Key  string               `json:"key"`
	Meta *tracker.RuntimeMeta `json:"meta"`
}

// RuntimeListResponse lists deployed runtimes.
type RuntimeListResponse struct {
	Runtimes []compute.RuntimeInfo `json:"runtimes"`
}

// State constants
const (
	StateAccepted  = "accepted"
	StatePending   = "pending"
	StateRunning   = "running"
	StateCompleted = "completed"
	StateSucceeded = "succeeded"
	StateFailed    = "failed"
)

package tracker

import (
	"sort"
	"time"
)

// StatusTypeEnd marks a terminal status body.
const StatusTypeEnd = "__end__"

// CallStatus is the body of a call's status marker.
type CallStatus struct {
	ExecutorID      string    `json:"executor_id"`
	JobID           string    `json:"job_id"`
	CallID          string    `json:"call_id"`
	ActivationID    string    `json:"activation_id"`
	Function        string    `json:"function"`
	Success         bool      `json:"success"`
	Exception       string    `json:"exception,omitempty"`
	ExcType         string    `json:"exc_type,omitempty"`
	HasOutput       bool      `json:"has_output"`
	StartTime       time.Time `json:"start_time"`
	EndTime         time.Time `json:"end_time"`
	DurationSeconds float64   `json:"duration_seconds"`
	Host            string    `json:"host,omitempty"`
	Worker          string    `json:"worker,omitempty"`
	Type            string    `json:"type"`
}

// ID returns the call the status belongs to.
func (s *CallStatus) ID() CallID {
	return CallID{ExecutorID: s.ExecutorID, JobID: s.JobID, CallID: s.CallID}
}

// InitMarker is the body of a call's init marker.
type InitMarker struct {
	ActivationID string    `json:"activation_id"`
	StartTime    time.Time `json:"start_time"`
	Host         string    `json:"host,omitempty"`
}

// CallSet is a set of call ids.
type CallSet map[string]struct{}

// Has reports membership.
func (s CallSet) Has(callID string) bool {
	_, ok := s[callID]
	return ok
}

// Sorted returns the members in ascending order.
func (s CallSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Minus returns the members of s not in other.
func (s CallSet) Minus(other CallSet) CallSet {
	out := make(CallSet, len(s))
	for id := range s {
		if !other.Has(id) {
			out[id] = struct{}{}
		}
	}
	return out
}

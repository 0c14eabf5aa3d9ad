// Package notify delivers call-completion events to callback URLs as
// CloudEvents 1.0 over HTTP.
package notify

import (
	"cloudproc/internal/tracker"
	"time"

	"github.com/google/uuid"
)

// EventTypeCallDone is the CloudEvent type for completed calls.
const EventTypeCallDone = "io.cloudproc.call.done"

// CloudEvent is a CloudEvents 1.0 structured-mode event.
type CloudEvent struct {
	SpecVersion     string         `json:"specversion"`
	Type            string         `json:"type"`
	Source          string         `json:"source"`
	Subject         string         `json:"subject"`
	ID              string         `json:"id"`
	Time            time.Time      `json:"time"`
	DataContentType string         `json:"datacontenttype"`
	Data            map[string]any `json:"data"`
}

// NewCallDoneEvent builds the event announcing a completed call.
func NewCallDoneEvent(source string, status *tracker.CallStatus) *CloudEvent {
	data := map[string]any{
		"executorId":      status.ExecutorID,
		"jobId":           status.JobID,
		"callId":          status.CallID,
		"activationId":    status.ActivationID,
		"function":        status.Function,
		"success":         status.Success,
		"durationSeconds": status.DurationSeconds,
	}
	if !status.Success {
		data["exception"] = status.Exception
		data["excType"] = status.ExcType
	}
	return &CloudEvent{
		SpecVersion:     "1.0",
		Type:            EventTypeCallDone,
		Source:          source,
		Subject:         status.ID().String(),
		ID:              uuid.NewString(),
		Time:            time.Now().UTC(),
		DataContentType: "application/json",
		Data:            data,
	}
}

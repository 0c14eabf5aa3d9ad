package tracker

import (
	"cloudproc/internal/apperrors"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// JobManifest records what was submitted for a job, so that calls still
// queued can be told apart from calls that never existed.
type JobManifest struct {
	ExecutorID string    `json:"executor_id"`
	JobID      string    `json:"job_id"`
	Function   string    `json:"function"`
	Calls      []string  `json:"calls"`
	Submitted  time.Time `json:"submitted"`
}

// PutJobManifest stores m under the job's prefix. CleanJob removes it with
// the markers.
func (t *Tracker) PutJobManifest(ctx context.Context, m *JobManifest) error {
	data, err := json.Marshal(m)
	if err != nil {
		return apperrors.Internal("tracker.encodeManifest", err)
	}
	if err := t.store.Put(ctx, t.bucket, ManifestKey(m.ExecutorID, m.JobID), data); err != nil {
		return fmt.Errorf("write manifest for %s/%s: %w", m.ExecutorID, m.JobID, err)
	}
	return nil
}

// GetJobManifest returns the job's manifest, or nil when none was written.
func (t *Tracker) GetJobManifest(ctx context.Context, executorID, jobID string) (*JobManifest, error) {
	data, err := t.store.Get(ctx, t.bucket, ManifestKey(executorID, jobID), nil)
	if err != nil {
		if errors.Is(err, apperrors.ErrNoSuchKey) {
			return nil, nil
		}
		return nil, fmt.Errorf("read manifest for %s/%s: %w", executorID, jobID, err)
	}
	var m JobManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, apperrors.Internal("tracker.decodeManifest", err)
	}
	return &m, nil
}

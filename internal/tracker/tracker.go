// Package tracker implements the job/call status protocol over an object
// store: init, status and output markers per call, and cached runtime
// metadata.
package tracker

import (
	"cloudproc/internal/apperrors"
	"cloudproc/internal/storage"
	"cloudproc/internal/version"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// MetricsRecorder records tracker metrics. Implementations must be safe for
// concurrent use.
type MetricsRecorder interface {
	RecordMetaCacheLookup(ctx context.Context, hit bool)
}

// Config configures a Tracker.
type Config struct {
	Bucket        string
	EngineVersion string // defaults to version.Version
	CacheSize     int    // runtime metadata entries kept in memory
	CacheDir      string // optional on-disk runtime metadata cache
	Metrics       MetricsRecorder
}

// Tracker reads and writes job state in one bucket of an object store.
type Tracker struct {
	store   storage.ObjectStore
	bucket  string
	version string
	metrics MetricsRecorder
	logger  *slog.Logger

	metaCache *lru.Cache[string, *RuntimeMeta]
	cacheDir  string
	group     singleflight.Group

	// metaGen counts writes and deletes per runtime key; a read only caches
	// its result when no write or delete happened while it ran.
	metaMu  sync.Mutex
	metaGen map[string]uint64
}

// New creates a tracker.
func New(store storage.ObjectStore, cfg Config) (*Tracker, error) {
	if cfg.Bucket == "" {
		return nil, apperrors.Validation("bucket", "tracker bucket is required")
	}
	if cfg.EngineVersion == "" {
		cfg.EngineVersion = version.Version
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 1024
	}
	cache, err := lru.New[string, *RuntimeMeta](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create runtime metadata cache: %w", err)
	}
	return &Tracker{
		store:     store,
		bucket:    cfg.Bucket,
		version:   cfg.EngineVersion,
		metrics:   cfg.Metrics,
		logger:    slog.With("component", "tracker"),
		metaCache: cache,
		cacheDir:  cfg.CacheDir,
		metaGen:   make(map[string]uint64),
	}, nil
}

// Store returns the underlying object store.
func (t *Tracker) Store() storage.ObjectStore { return t.store }

// Bucket returns the bucket job state is kept in.
func (t *Tracker) Bucket() string { return t.bucket }

// MarkCallStarted writes the init marker for a call.
func (t *Tracker) MarkCallStarted(ctx context.Context, id CallID, activationID string) error {
	host, _ := os.Hostname()
	body, err := json.Marshal(InitMarker{
		ActivationID: activationID,
		StartTime:    time.Now().UTC(),
		Host:         host,
	})
	if err != nil {
		return apperrors.Internal("tracker.marshalInit", err)
	}
	if err := t.store.Put(ctx, t.bucket, InitKey(id), body); err != nil {
		return fmt.Errorf("write init marker for %s: %w", id, err)
	}
	return nil
}

// RecordCallDone writes the output (when non-nil) and then the status marker.
// A call completes at most once: when a status marker already exists the
// call returns an error matching apperrors.ErrConflict.
//
// Both objects are created with storage.PutIfAbsent. The output write claims
// the call, so a second writer with output stops before touching the status.
// A writer that claimed the output but loses the status race to a writer
// without output removes its own output again, so the stored output always
// belongs to the stored status.
func (t *Tracker) RecordCallDone(ctx context.Context, status *CallStatus, output []byte) error {
	id := status.ID()
	statusKey := StatusKey(id)
	conflict := func() error {
		return apperrors.Conflict("call", id.String(), fmt.Sprintf("call %s already has a status", id))
	}

	exists, err := storage.Exists(ctx, t.store, t.bucket, statusKey)
	if err != nil {
		return fmt.Errorf("check status marker for %s: %w", id, err)
	}
	if exists {
		return conflict()
	}

	status.Type = StatusTypeEnd
	status.HasOutput = output != nil
	body, err := json.Marshal(status)
	if err != nil {
		return apperrors.Internal("tracker.marshalStatus", err)
	}

	if output != nil {
		if err := storage.PutIfAbsent(ctx, t.store, t.bucket, OutputKey(id), output); err != nil {
			if errors.Is(err, apperrors.ErrConflict) {
				return conflict()
			}
			return fmt.Errorf("write output for %s: %w", id, err)
		}
	}
	if err := storage.PutIfAbsent(ctx, t.store, t.bucket, statusKey, body); err != nil {
		if output != nil {
			if derr := t.store.Delete(ctx, t.bucket, OutputKey(id)); derr != nil {
				t.logger.Warn("Failed to remove orphaned output", "call", id.String(), "error", derr)
			}
		}
		if errors.Is(err, apperrors.ErrConflict) {
			return conflict()
		}
		return fmt.Errorf("write status for %s: %w", id, err)
	}
	return nil
}

// GetJobStatus lists a job's markers and returns the call ids with an init
// marker and those with a status marker. The sets may overlap; callers that
// need "still running" compute running.Minus(done).
func (t *Tracker) GetJobStatus(ctx context.Context, executorID, jobID string) (running, done CallSet, err error) {
	prefix := JobPrefix(executorID, jobID)
	objs, err := t.store.List(ctx, t.bucket, prefix)
	if err != nil {
		return nil, nil, fmt.Errorf("list job %s/%s: %w", executorID, jobID, err)
	}

	running, done = CallSet{}, CallSet{}
	for _, obj := range objs {
		callID, marker, ok := parseMarker(prefix, obj.Key)
		if !ok {
			continue
		}
		switch marker {
		case initSuffix:
			running[callID] = struct{}{}
		case statusSuffix:
			done[callID] = struct{}{}
		}
	}
	return running, done, nil
}

// GetCallStatus returns the decoded status marker, or nil when the call has
// not completed yet.
func (t *Tracker) GetCallStatus(ctx context.Context, id CallID) (*CallStatus, error) {
	data, err := t.store.Get(ctx, t.bucket, StatusKey(id), nil)
	if err != nil {
		if errors.Is(err, apperrors.ErrNoSuchKey) {
			return nil, nil
		}
		return nil, fmt.Errorf("read status for %s: %w", id, err)
	}
	var status CallStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, apperrors.Internal("tracker.decodeStatus", err)
	}
	return &status, nil
}

// GetCallOutput returns the output bytes, or nil when none were written.
func (t *Tracker) GetCallOutput(ctx context.Context, id CallID) ([]byte, error) {
	data, err := t.store.Get(ctx, t.bucket, OutputKey(id), nil)
	if err != nil {
		if errors.Is(err, apperrors.ErrNoSuchKey) {
			return nil, nil
		}
		return nil, fmt.Errorf("read output for %s: %w", id, err)
	}
	return data, nil
}

// CleanJob deletes every key of a job, best-effort.
func (t *Tracker) CleanJob(ctx context.Context, executorID, jobID string) error {
	objs, err := t.store.List(ctx, t.bucket, JobPrefix(executorID, jobID))
	if err != nil {
		return fmt.Errorf("list job %s/%s: %w", executorID, jobID, err)
	}
	if len(objs) == 0 {
		return nil
	}
	keys := make([]string, 0, len(objs))
	for _, o := range objs {
		keys = append(keys, o.Key)
	}
	if err := t.store.DeleteMany(ctx, t.bucket, keys); err != nil {
		t.logger.Warn("Job cleanup incomplete", "executorId", executorID, "jobId", jobID, "error", err)
	}
	return nil
}

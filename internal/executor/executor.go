// Package executor is the client side of the engine: it turns function
// calls into payloads, submits them to a compute backend and tracks their
// completion through the object store.
package executor

import (
	"bytes"
	"cloudproc/internal/apperrors"
	"cloudproc/internal/cloudobject"
	"cloudproc/internal/compute"
	"cloudproc/internal/config"
	"cloudproc/internal/storage"
	"cloudproc/internal/tracker"
	"cloudproc/pkg/backoff"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Job id prefixes.
const (
	asyncPrefix = "A"
	mapPrefix   = "M"
)

// Config configures an Executor.
type Config struct {
	Runtime           string
	RuntimeMemory     int
	Storage           compute.StorageRef
	AutoCreateRuntime bool
	CreateTimeout     time.Duration
	CallTimeout       time.Duration // per-call limit carried in the payload; zero means none
	CallbackURL       string
	Poll              *backoff.Config
}

// ConfigFrom derives executor settings from the service configuration.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		Runtime:           cfg.Compute.Runtime,
		RuntimeMemory:     cfg.Compute.RuntimeMemory,
		Storage:           compute.StorageRef{Backend: cfg.Storage.Backend, Bucket: cfg.Storage.Bucket},
		AutoCreateRuntime: cfg.Executor.AutoCreateRuntime,
		CallTimeout:       cfg.Executor.CallTimeout,
		CallbackURL:       cfg.Executor.CallbackURL,
		Poll: &backoff.Config{
			Initial: cfg.Executor.PollInitial,
			Max:     cfg.Executor.PollMax,
		},
	}
}

// Executor submits calls for one client session.
type Executor struct {
	id      string
	backend compute.Backend
	tracker *tracker.Tracker
	objects *cloudobject.Client
	cfg     Config
	logger  *slog.Logger

	runtimeMu    sync.Mutex
	runtimeReady bool

	mu      sync.Mutex
	jobs    int
	futures []*Future
}

// New creates an executor with a fresh session id.
func New(backend compute.Backend, t *tracker.Tracker, objects *cloudobject.Client, cfg Config) (*Executor, error) {
	if backend == nil || t == nil || objects == nil {
		return nil, apperrors.Validation("executor", "backend, tracker and object client are required")
	}
	if cfg.Runtime == "" {
		return nil, apperrors.Validation("runtime", "runtime name is required")
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = objects.Backend()
	}
	if cfg.Storage.Bucket == "" {
		cfg.Storage.Bucket = t.Bucket()
	}
	if cfg.Poll == nil {
		cfg.Poll = &compute.DefaultPoll
	}

	id := strings.ToLower(ulid.Make().String())
	return &Executor{
		id:      id,
		backend: backend,
		tracker: t,
		objects: objects,
		cfg:     cfg,
		logger:  slog.With("component", "executor", "executorId", id),
	}, nil
}

// ID returns the session's executor id.
func (e *Executor) ID() string { return e.id }

// Files returns the shared file view of the session's object store.
func (e *Executor) Files() *cloudobject.Files { return e.objects.Files() }

// Futures returns every future created by this executor, oldest first.
func (e *Executor) Futures() []*Future {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Future(nil), e.futures...)
}

func (e *Executor) nextJobID(prefix string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := fmt.Sprintf("%s%03d", prefix, e.jobs)
	e.jobs++
	return id
}

// CallAsync runs fn(args) as a single-call job.
func (e *Executor) CallAsync(ctx context.Context, fn string, args any) (*Future, error) {
	if fn == "" {
		return nil, apperrors.Validation("function", "function name is required")
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, apperrors.Validation("args", "cannot encode arguments: "+err.Error())
	}
	if err := e.ensureRuntime(ctx); err != nil {
		return nil, err
	}

	jobID := e.nextJobID(asyncPrefix)
	p := e.payload(jobID, 0, fn)
	p.Args = raw
	if err := e.putManifest(ctx, jobID, fn, 1); err != nil {
		return nil, err
	}
	f, err := e.invoke(ctx, p)
	if err != nil {
		return nil, err
	}
	e.logger.Info("Call submitted", "jobId", jobID, "function", fn)
	return f, nil
}

// Map runs fn once per element of iterdata as one job. The encoded
// arguments are stored in a single object and each call reads its own byte
// range of it.
func (e *Executor) Map(ctx context.Context, fn string, iterdata []any) ([]*Future, error) {
	if fn == "" {
		return nil, apperrors.Validation("function", "function name is required")
	}
	if len(iterdata) == 0 {
		return nil, apperrors.Validation("iterdata", "iterdata is empty")
	}

	var agg bytes.Buffer
	ranges := make([]storage.ByteRange, len(iterdata))
	for i, arg := range iterdata {
		raw, err := json.Marshal(arg)
		if err != nil {
			return nil, apperrors.Validation("iterdata", fmt.Sprintf("cannot encode element %d: %v", i, err))
		}
		first := int64(agg.Len())
		agg.Write(raw)
		ranges[i] = storage.ByteRange{First: first, Last: int64(agg.Len()) - 1}
	}

	if err := e.ensureRuntime(ctx); err != nil {
		return nil, err
	}

	jobID := e.nextJobID(mapPrefix)
	obj, err := e.objects.Put(ctx, agg.Bytes(), cloudobject.PutOptions{
		Bucket: e.cfg.Storage.Bucket,
		Key:    tracker.AggDataKey(e.id, jobID),
	})
	if err != nil {
		return nil, fmt.Errorf("store map data: %w", err)
	}
	if err := e.putManifest(ctx, jobID, fn, len(iterdata)); err != nil {
		return nil, err
	}

	futures := make([]*Future, 0, len(iterdata))
	for i := range iterdata {
		p := e.payload(jobID, i, fn)
		rng := ranges[i]
		p.Data = &compute.DataRef{Object: obj, Range: &rng}
		f, err := e.invoke(ctx, p)
		if err != nil {
			return futures, err
		}
		futures = append(futures, f)
	}
	e.logger.Info("Map submitted", "jobId", jobID, "function", fn, "calls", len(futures))
	return futures, nil
}

// MapReduce maps mapFn over iterdata, waits for every map call, then runs
// reduceFn with the list of map results as its argument.
func (e *Executor) MapReduce(ctx context.Context, mapFn string, iterdata []any, reduceFn string, timeout time.Duration) (*Future, error) {
	if reduceFn == "" {
		return nil, apperrors.Validation("function", "reduce function name is required")
	}
	futures, err := e.Map(ctx, mapFn, iterdata)
	if err != nil {
		return nil, err
	}
	results, err := e.GetResult(ctx, futures, timeout)
	if err != nil {
		return nil, err
	}
	return e.CallAsync(ctx, reduceFn, results)
}

// GetResult waits for every future and returns their outputs in order. The
// first failed call is returned as a *CallError.
func (e *Executor) GetResult(ctx context.Context, futures []*Future, timeout time.Duration) ([]json.RawMessage, error) {
	if _, _, err := e.Wait(ctx, futures, WaitOptions{ReturnWhen: AllCompleted, Timeout: timeout}); err != nil {
		return nil, err
	}
	results := make([]json.RawMessage, len(futures))
	for i, f := range futures {
		out, err := f.Result(ctx, 0)
		if err != nil {
			return nil, err
		}
		results[i] = out
	}
	return results, nil
}

// CleanJob removes every object of one job.
func (e *Executor) CleanJob(ctx context.Context, jobID string) error {
	return e.tracker.CleanJob(ctx, e.id, jobID)
}

// Clean removes the objects of every job this executor submitted.
func (e *Executor) Clean(ctx context.Context) error {
	seen := make(map[string]struct{})
	var errs []error
	for _, f := range e.Futures() {
		if _, ok := seen[f.ID.JobID]; ok {
			continue
		}
		seen[f.ID.JobID] = struct{}{}
		if err := e.CleanJob(ctx, f.ID.JobID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *Executor) payload(jobID string, call int, fn string) *compute.Payload {
	return &compute.Payload{
		ExecutorID:  e.id,
		JobID:       jobID,
		CallID:      fmt.Sprintf("%05d", call),
		Function:    fn,
		Storage:     e.cfg.Storage,
		Runtime:     e.cfg.Runtime,
		CallbackURL: e.cfg.CallbackURL,
		Timeout:     e.cfg.CallTimeout,
	}
}

// putManifest records the calls of a job before any of them is invoked.
func (e *Executor) putManifest(ctx context.Context, jobID, fn string, calls int) error {
	m := &tracker.JobManifest{
		ExecutorID: e.id,
		JobID:      jobID,
		Function:   fn,
		Calls:      make([]string, calls),
		Submitted:  time.Now().UTC(),
	}
	for i := range m.Calls {
		m.Calls[i] = fmt.Sprintf("%05d", i)
	}
	return e.tracker.PutJobManifest(ctx, m)
}

func (e *Executor) invoke(ctx context.Context, p *compute.Payload) (*Future, error) {
	act, err := e.backend.Invoke(ctx, e.cfg.Runtime, e.cfg.RuntimeMemory, p)
	if err != nil {
		return nil, fmt.Errorf("invoke %s: %w", p.ID(), err)
	}
	f := &Future{
		ID:           p.ID(),
		ActivationID: act,
		Function:     p.Function,
		tracker:      e.tracker,
		poll:         e.cfg.Poll,
	}
	e.mu.Lock()
	e.futures = append(e.futures, f)
	e.mu.Unlock()
	return f, nil
}

// ensureRuntime resolves the runtime metadata once per executor, creating
// the runtime when it is missing and auto-creation is enabled.
func (e *Executor) ensureRuntime(ctx context.Context) error {
	e.runtimeMu.Lock()
	defer e.runtimeMu.Unlock()
	if e.runtimeReady {
		return nil
	}

	key := e.backend.RuntimeKey(e.cfg.Runtime, e.cfg.RuntimeMemory)
	_, err := e.tracker.GetRuntimeMeta(ctx, key)
	switch {
	case err == nil:
	case errors.Is(err, apperrors.ErrRuntimeNotInstalled) && e.cfg.AutoCreateRuntime:
		e.logger.Info("Creating runtime", "runtime", e.cfg.Runtime, "memoryMb", e.cfg.RuntimeMemory)
		meta, err := e.backend.CreateRuntime(ctx, e.cfg.Runtime, e.cfg.RuntimeMemory, e.cfg.CreateTimeout)
		if err != nil {
			return fmt.Errorf("create runtime %s: %w", e.cfg.Runtime, err)
		}
		if err := e.tracker.PutRuntimeMeta(ctx, key, meta); err != nil {
			return fmt.Errorf("store runtime metadata: %w", err)
		}
	default:
		return err
	}
	e.runtimeReady = true
	return nil
}

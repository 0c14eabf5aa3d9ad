package job

import (
	"cloudproc/internal/apperrors"
	"cloudproc/internal/compute"
	"cloudproc/internal/tracker"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"time"
)

// Validation limits
const (
	maxIDLength        = 128
	maxIterdata        = 10000
	maxMemory          = 65536 // MB (64GB)
	maxTimeoutSecs     = 86400 // 24 hours
	defaultMemory      = 256
	defaultTimeoutSecs = 600
)

// idPattern allows alphanumeric, hyphens, and underscores. Every id that
// becomes part of an object key must match it.
var idPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]*$`)

// functionPattern matches registered function names.
var functionPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_.-]*$`)

// runtimePattern allows image references such as ghcr.io/org/img:1.2.
var runtimePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_./:@-]*$`)

// Service submits and inspects jobs.
//
// The Service is stateless: job state lives in the object store and the
// compute backend. Several instances may serve the same bucket.
type Service struct {
	submitter Submitter
	tracker   *tracker.Tracker
	backend   compute.Backend
	logger    *slog.Logger
}

// NewService creates a job service.
func NewService(submitter Submitter, t *tracker.Tracker, backend compute.Backend) *Service {
	return &Service{
		submitter: submitter,
		tracker:   t,
		backend:   backend,
		logger:    slog.With("component", "job"),
	}
}

// Create validates and submits a job.
func (s *Service) Create(ctx context.Context, req *Request) (*Response, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	resp := &Response{ExecutorID: s.submitter.ID(), Status: StateAccepted}
	if req.Iterdata != nil {
		futures, err := s.submitter.Map(ctx, req.Function, rawArgs(req.Iterdata))
		if err != nil {
			return nil, err
		}
		for _, f := range futures {
			resp.JobID = f.ID.JobID
			resp.Calls = append(resp.Calls, f.ID.CallID)
		}
	} else {
		f, err := s.submitter.CallAsync(ctx, req.Function, req.Args)
		if err != nil {
			return nil, err
		}
		resp.JobID = f.ID.JobID
		resp.Calls = []string{f.ID.CallID}
	}

	s.logger.Info("Job created", "executorId", resp.ExecutorID, "jobId", resp.JobID, "function", req.Function, "calls", len(resp.Calls))
	return resp, nil
}

// Get returns a job's progress.
func (s *Service) Get(ctx context.Context, executorID, jobID string) (*Status, error) {
	if err := validateJobRef(executorID, jobID); err != nil {
		return nil, err
	}
	manifest, err := s.tracker.GetJobManifest(ctx, executorID, jobID)
	if err != nil {
		return nil, err
	}
	started, done, err := s.tracker.GetJobStatus(ctx, executorID, jobID)
	if err != nil {
		return nil, err
	}
	if manifest == nil && len(started) == 0 && len(done) == 0 {
		return nil, apperrors.NotFound("job", executorID+"/"+jobID)
	}

	status := &Status{
		ExecutorID: executorID,
		JobID:      jobID,
		Done:       done.Sorted(),
		Running:    started.Minus(done).Sorted(),
		Pending:    []string{},
	}
	if manifest != nil {
		for _, c := range manifest.Calls {
			if !done.Has(c) && !started.Has(c) {
				status.Pending = append(status.Pending, c)
			}
		}
	}
	switch {
	case len(status.Running) > 0:
		status.State = StateRunning
	case len(status.Pending) > 0:
		status.State = StatePending
	default:
		status.State = StateCompleted
	}
	return status, nil
}

// GetCall returns one call's state.
func (s *Service) GetCall(ctx context.Context, id tracker.CallID) (*CallResponse, error) {
	if err := validateCallRef(id); err != nil {
		return nil, err
	}
	st, err := s.tracker.GetCallStatus(ctx, id)
	if err != nil {
		return nil, err
	}
	resp := &CallResponse{ExecutorID: id.ExecutorID, JobID: id.JobID, CallID: id.CallID, Status: st}
	if st != nil {
		resp.State = StateSucceeded
		if !st.Success {
			resp.State = StateFailed
		}
		return resp, nil
	}

	started, _, err := s.tracker.GetJobStatus(ctx, id.ExecutorID, id.JobID)
	if err != nil {
		return nil, err
	}
	if started.Has(id.CallID) {
		resp.State = StateRunning
		return resp, nil
	}
	manifest, err := s.tracker.GetJobManifest(ctx, id.ExecutorID, id.JobID)
	if err != nil {
		return nil, err
	}
	if manifest == nil || !slices.Contains(manifest.Calls, id.CallID) {
		return nil, apperrors.NotFound("call", id.String())
	}
	resp.State = StatePending
	return resp, nil
}

// Output returns a finished call's encoded result. A call that has not
// finished is a conflict; a failed call returns its exception.
func (s *Service) Output(ctx context.Context, id tracker.CallID) ([]byte, error) {
	call, err := s.GetCall(ctx, id)
	if err != nil {
		return nil, err
	}
	switch call.State {
	case StateSucceeded:
	case StateFailed:
		return nil, apperrors.Conflict("call", id.String(), fmt.Sprintf("call failed: %s: %s", call.Status.ExcType, call.Status.Exception))
	default:
		return nil, apperrors.Conflict("call", id.String(), "call "+id.String()+" has not finished")
	}
	out, err := s.tracker.GetCallOutput(ctx, id)
	if err != nil {
		return nil, err
	}
	if out == nil {
		return []byte("null"), nil
	}
	return out, nil
}

// Delete removes every object of a job. Deleting a missing job is not an
// error.
func (s *Service) Delete(ctx context.Context, executorID, jobID string) error {
	if err := validateJobRef(executorID, jobID); err != nil {
		return err
	}
	if err := s.tracker.CleanJob(ctx, executorID, jobID); err != nil {
		s.logger.Error("Job deletion failed", "executorId", executorID, "jobId", jobID, "error", err)
		return err
	}
	s.logger.Info("Job deleted", "executorId", executorID, "jobId", jobID)
	return nil
}

// ListRuntimes lists the backend's runtimes, optionally filtered by name.
func (s *Service) ListRuntimes(ctx context.Context, name string) (*RuntimeListResponse, error) {
	runtimes, err := s.backend.ListRuntimes(ctx, name)
	if err != nil {
		return nil, err
	}
	if runtimes == nil {
		runtimes = []compute.RuntimeInfo{}
	}
	return &RuntimeListResponse{Runtimes: runtimes}, nil
}

// CreateRuntime deploys a runtime and stores its metadata.
func (s *Service) CreateRuntime(ctx context.Context, req *RuntimeRequest) (*RuntimeResponse, error) {
	applyRuntimeDefaults(req)
	if err := validateRuntime(req.Name, req.MemoryMB); err != nil {
		return nil, err
	}
	if req.TimeoutSeconds > maxTimeoutSecs {
		return nil, apperrors.Validation("timeoutSeconds", fmt.Sprintf("timeout exceeds maximum of %d seconds", maxTimeoutSecs))
	}

	meta, err := s.backend.CreateRuntime(ctx, req.Name, req.MemoryMB, time.Duration(req.TimeoutSeconds)*time.Second)
	if err != nil {
		return nil, err
	}
	key := s.backend.RuntimeKey(req.Name, req.MemoryMB)
	if err := s.tracker.PutRuntimeMeta(ctx, key, meta); err != nil {
		return nil, err
	}
	s.logger.Info("Runtime created", "runtime", req.Name, "memoryMb", req.MemoryMB, "key", key)
	return &RuntimeResponse{Key: key, Meta: meta}, nil
}

// DeleteRuntime removes a runtime and its metadata.
func (s *Service) DeleteRuntime(ctx context.Context, name string, memoryMB int) error {
	if memoryMB <= 0 {
		memoryMB = defaultMemory
	}
	if err := validateRuntime(name, memoryMB); err != nil {
		return err
	}
	var errs []error
	if err := s.backend.DeleteRuntime(ctx, name, memoryMB); err != nil {
		errs = append(errs, err)
	}
	if err := s.tracker.DeleteRuntimeMeta(ctx, s.backend.RuntimeKey(name, memoryMB)); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	s.logger.Info("Runtime deleted", "runtime", name, "memoryMb", memoryMB)
	return nil
}

func applyRuntimeDefaults(req *RuntimeRequest) {
	if req.MemoryMB <= 0 {
		req.MemoryMB = defaultMemory
	}
	if req.TimeoutSeconds <= 0 {
		req.TimeoutSeconds = defaultTimeoutSecs
	}
}

// validateRequest validates a job request. It does not modify it.
func validateRequest(req *Request) error {
	if req.Function == "" {
		return apperrors.Validation("function", "function is required")
	}
	if len(req.Function) > maxIDLength || !functionPattern.MatchString(req.Function) {
		return apperrors.Validation("function", "function name is invalid")
	}
	if req.Iterdata != nil {
		if len(req.Args) > 0 {
			return apperrors.Validation("args", "args and iterdata are mutually exclusive")
		}
		if len(req.Iterdata) == 0 {
			return apperrors.Validation("iterdata", "iterdata is empty")
		}
		if len(req.Iterdata) > maxIterdata {
			return apperrors.Validation("iterdata", fmt.Sprintf("iterdata exceeds maximum of %d elements", maxIterdata))
		}
	}
	return nil
}

func validateRuntime(name string, memoryMB int) error {
	if name == "" {
		return apperrors.Validation("name", "runtime name is required")
	}
	if len(name) > maxIDLength || !runtimePattern.MatchString(name) {
		return apperrors.Validation("name", "runtime name is invalid")
	}
	if memoryMB > maxMemory {
		return apperrors.Validation("memoryMb", fmt.Sprintf("memory exceeds maximum of %d MB", maxMemory))
	}
	return nil
}

func validateJobRef(executorID, jobID string) error {
	if !validID(executorID) {
		return apperrors.Validation("executorId", "executorId is invalid")
	}
	if !validID(jobID) {
		return apperrors.Validation("jobId", "jobId is invalid")
	}
	return nil
}

func validateCallRef(id tracker.CallID) error {
	if err := validateJobRef(id.ExecutorID, id.JobID); err != nil {
		return err
	}
	if !validID(id.CallID) {
		return apperrors.Validation("callId", "callId is invalid")
	}
	return nil
}

func validID(v string) bool {
	return v != "" && len(v) <= maxIDLength && idPattern.MatchString(v)
}

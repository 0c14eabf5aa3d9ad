package job

import (
	"cloudproc/internal/apperrors"
	"cloudproc/internal/cloudobject"
	"cloudproc/internal/compute/localhost"
	"cloudproc/internal/executor"
	"cloudproc/internal/function/builtin"
	"cloudproc/internal/handler"
	"cloudproc/internal/storage/memory"
	"cloudproc/internal/testutil"
	"cloudproc/internal/tracker"
	"cloudproc/pkg/backoff"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

type fixture struct {
	svc     *Service
	exec    *executor.Executor
	tracker *tracker.Tracker
}

func newFixture(t *testing.T, workers int) *fixture {
	t.Helper()
	tr, store := testutil.NewMemoryTracker(t)
	pool, err := localhost.NewPool(localhost.Config{
		Workers:  workers,
		Executor: &localhost.ThreadExecutor{Deps: handler.Deps{Tracker: tr, Functions: builtin.Registry()}},
		Tracker:  tr,
	})
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = pool.Shutdown(ctx)
	})
	objects := cloudobject.New(store, cloudobject.Config{Backend: memory.Name, Bucket: testutil.Bucket, SessionPrefix: "session"})
	exec, err := executor.New(pool, tr, objects, executor.Config{
		Runtime:           "default",
		AutoCreateRuntime: true,
		Poll:              &backoff.Config{Initial: time.Millisecond, Max: 10 * time.Millisecond},
	})
	if err != nil {
		t.Fatalf("executor.New failed: %v", err)
	}
	return &fixture{svc: NewService(exec, tr, pool), exec: exec, tracker: tr}
}

func (f *fixture) waitForState(t *testing.T, executorID, jobID, state string) *Status {
	t.Helper()
	var status *Status
	ok := testutil.WaitFor(t, func() bool {
		s, err := f.svc.Get(context.Background(), executorID, jobID)
		if err != nil {
			t.Logf("Get: %v", err)
			return false
		}
		status = s
		return s.State == state
	}, testutil.Short)
	if !ok {
		t.Fatalf("timed out waiting for job %s to be %s, last %+v", jobID, state, status)
	}
	return status
}

func TestValidateRequest(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		req    *Request
		errMsg string
	}{
		{"empty function", &Request{}, "function is required"},
		{"bad function", &Request{Function: "../etc"}, "function name is invalid"},
		{"args and iterdata", &Request{Function: "echo", Args: json.RawMessage(`1`), Iterdata: []json.RawMessage{json.RawMessage(`1`)}}, "mutually exclusive"},
		{"empty iterdata", &Request{Function: "echo", Iterdata: []json.RawMessage{}}, "iterdata is empty"},
		{"single call", &Request{Function: "echo", Args: json.RawMessage(`"x"`)}, ""},
		{"no args", &Request{Function: "builtin.echo"}, ""},
		{"map", &Request{Function: "square", Iterdata: []json.RawMessage{json.RawMessage(`1`)}}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := validateRequest(tt.req)
			if tt.errMsg == "" {
				if err != nil {
					t.Errorf("Expected no error, got %v", err)
				}
				return
			}
			if !errors.Is(err, apperrors.ErrValidation) {
				t.Fatalf("Expected validation error, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("Expected error containing %q, got %q", tt.errMsg, err.Error())
			}
		})
	}
}

func TestValidateRefs(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		id      tracker.CallID
		wantErr bool
	}{
		{"valid", tracker.CallID{ExecutorID: "01hx", JobID: "A000", CallID: "00000"}, false},
		{"traversal executor", tracker.CallID{ExecutorID: "..", JobID: "A000", CallID: "00000"}, true},
		{"slash in job", tracker.CallID{ExecutorID: "e", JobID: "A0/x", CallID: "00000"}, true},
		{"empty call", tracker.CallID{ExecutorID: "e", JobID: "A000"}, true},
		{"too long", tracker.CallID{ExecutorID: strings.Repeat("e", maxIDLength+1), JobID: "A000", CallID: "0"}, true},
	}
	for _, tt := range tests {
		err := validateCallRef(tt.id)
		if (err != nil) != tt.wantErr {
			t.Errorf("%s: validateCallRef() error = %v, wantErr %v", tt.name, err, tt.wantErr)
		}
	}
}

func TestCreateAndInspectMapJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 2)
	ctx := context.Background()

	resp, err := f.svc.Create(ctx, &Request{
		Function: "square",
		Iterdata: []json.RawMessage{json.RawMessage(`2`), json.RawMessage(`3`), json.RawMessage(`4`)},
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if resp.ExecutorID != f.exec.ID() || resp.JobID != "M000" || resp.Status != StateAccepted {
		t.Errorf("unexpected response %+v", resp)
	}
	if strings.Join(resp.Calls, ",") != "00000,00001,00002" {
		t.Errorf("unexpected calls %v", resp.Calls)
	}

	status := f.waitForState(t, resp.ExecutorID, resp.JobID, StateCompleted)
	if len(status.Done) != 3 || len(status.Running) != 0 {
		t.Errorf("unexpected status %+v", status)
	}

	id := tracker.CallID{ExecutorID: resp.ExecutorID, JobID: resp.JobID, CallID: "00001"}
	call, err := f.svc.GetCall(ctx, id)
	if err != nil {
		t.Fatalf("GetCall failed: %v", err)
	}
	if call.State != StateSucceeded || call.Status == nil || call.Status.Function != "square" {
		t.Errorf("unexpected call %+v", call)
	}
	out, err := f.svc.Output(ctx, id)
	if err != nil {
		t.Fatalf("Output failed: %v", err)
	}
	if string(out) != "9" {
		t.Errorf("Output() = %s, want 9", out)
	}
}

func TestCreateSingleCall(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 1)
	ctx := context.Background()

	resp, err := f.svc.Create(ctx, &Request{Function: "sum", Args: json.RawMessage(`[1,2,3]`)})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if resp.JobID != "A000" || len(resp.Calls) != 1 {
		t.Fatalf("unexpected response %+v", resp)
	}
	f.waitForState(t, resp.ExecutorID, resp.JobID, StateCompleted)
	out, err := f.svc.Output(ctx, tracker.CallID{ExecutorID: resp.ExecutorID, JobID: resp.JobID, CallID: resp.Calls[0]})
	if err != nil {
		t.Fatalf("Output failed: %v", err)
	}
	if string(out) != "6" {
		t.Errorf("Output() = %s, want 6", out)
	}
}

func TestPendingAndRunningCalls(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 1)
	ctx := context.Background()

	resp, err := f.svc.Create(ctx, &Request{
		Function: "sleep",
		Iterdata: []json.RawMessage{json.RawMessage(`{"millis":300}`), json.RawMessage(`{"millis":1}`)},
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	status := f.waitForState(t, resp.ExecutorID, resp.JobID, StateRunning)
	if strings.Join(status.Running, ",") != "00000" {
		t.Errorf("Expected the first call running, got %+v", status)
	}
	if strings.Join(status.Pending, ",") != "00001" {
		t.Errorf("Expected the second call pending, got %+v", status)
	}
	second := tracker.CallID{ExecutorID: resp.ExecutorID, JobID: resp.JobID, CallID: "00001"}
	call, err := f.svc.GetCall(ctx, second)
	if err != nil {
		t.Fatalf("GetCall failed: %v", err)
	}
	if call.State != StatePending {
		t.Errorf("Expected queued call to be pending, got %s", call.State)
	}
	if _, err := f.svc.Output(ctx, second); !errors.Is(err, apperrors.ErrConflict) {
		t.Errorf("Expected conflict for unfinished call, got %v", err)
	}

	f.waitForState(t, resp.ExecutorID, resp.JobID, StateCompleted)
}

func TestFailedCallOutput(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 1)
	ctx := context.Background()

	resp, err := f.svc.Create(ctx, &Request{Function: "fail", Args: json.RawMessage(`"kaput"`)})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	f.waitForState(t, resp.ExecutorID, resp.JobID, StateCompleted)

	id := tracker.CallID{ExecutorID: resp.ExecutorID, JobID: resp.JobID, CallID: "00000"}
	call, err := f.svc.GetCall(ctx, id)
	if err != nil {
		t.Fatalf("GetCall failed: %v", err)
	}
	if call.State != StateFailed {
		t.Errorf("Expected failed, got %s", call.State)
	}
	_, err = f.svc.Output(ctx, id)
	if !errors.Is(err, apperrors.ErrConflict) || !strings.Contains(err.Error(), "kaput") {
		t.Errorf("Expected conflict naming the exception, got %v", err)
	}
}

func TestUnknownJobAndCall(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 1)
	ctx := context.Background()

	if _, err := f.svc.Get(ctx, "nobody", "A000"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("Expected not found, got %v", err)
	}
	if _, err := f.svc.GetCall(ctx, tracker.CallID{ExecutorID: "nobody", JobID: "A000", CallID: "00000"}); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("Expected not found, got %v", err)
	}
	if _, err := f.svc.Get(ctx, "..", "A000"); !errors.Is(err, apperrors.ErrValidation) {
		t.Errorf("Expected validation error, got %v", err)
	}
}

func TestDeleteJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 1)
	ctx := context.Background()

	resp, err := f.svc.Create(ctx, &Request{Function: "echo", Args: json.RawMessage(`"hi"`)})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	f.waitForState(t, resp.ExecutorID, resp.JobID, StateCompleted)

	if err := f.svc.Delete(ctx, resp.ExecutorID, resp.JobID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := f.svc.Get(ctx, resp.ExecutorID, resp.JobID); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("Expected deleted job to be gone, got %v", err)
	}
	if err := f.svc.Delete(ctx, resp.ExecutorID, resp.JobID); err != nil {
		t.Errorf("Expected idempotent delete, got %v", err)
	}
}

func TestRuntimes(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 1)
	ctx := context.Background()

	created, err := f.svc.CreateRuntime(ctx, &RuntimeRequest{Name: "python3"})
	if err != nil {
		t.Fatalf("CreateRuntime failed: %v", err)
	}
	if created.Key != "localhost/python3" || created.Meta == nil {
		t.Errorf("unexpected runtime %+v", created)
	}
	meta, err := f.tracker.GetRuntimeMeta(ctx, created.Key)
	if err != nil || meta.Runtime != created.Meta.Runtime {
		t.Errorf("Expected stored metadata, got %+v, %v", meta, err)
	}

	list, err := f.svc.ListRuntimes(ctx, "")
	if err != nil {
		t.Fatalf("ListRuntimes failed: %v", err)
	}
	if list.Runtimes == nil {
		t.Error("Expected an empty list, not nil")
	}

	if err := f.svc.DeleteRuntime(ctx, "python3", 0); err != nil {
		t.Fatalf("DeleteRuntime failed: %v", err)
	}
	if _, err := f.tracker.GetRuntimeMeta(ctx, created.Key); !errors.Is(err, apperrors.ErrRuntimeNotInstalled) {
		t.Errorf("Expected RuntimeNotInstalled after delete, got %v", err)
	}

	if _, err := f.svc.CreateRuntime(ctx, &RuntimeRequest{Name: "img", MemoryMB: maxMemory + 1}); !errors.Is(err, apperrors.ErrValidation) {
		t.Errorf("Expected validation error, got %v", err)
	}
	if _, err := f.svc.CreateRuntime(ctx, &RuntimeRequest{}); !errors.Is(err, apperrors.ErrValidation) {
		t.Errorf("Expected validation error, got %v", err)
	}
}

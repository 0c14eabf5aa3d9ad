package localhost

import (
	"cloudproc/internal/apperrors"
	"cloudproc/internal/compute"
	"cloudproc/internal/config"
	"cloudproc/internal/function/builtin"
	"cloudproc/internal/handler"
	"cloudproc/internal/testutil"
	"cloudproc/internal/tracker"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"
)

func newPayload(callID int, fn, args string) *compute.Payload {
	p := &compute.Payload{
		ExecutorID: "exec",
		JobID:      "A000",
		CallID:     fmt.Sprintf("%05d", callID),
		Function:   fn,
		Storage:    compute.StorageRef{Backend: "memory", Bucket: testutil.Bucket},
	}
	if args != "" {
		p.Args = []byte(args)
	}
	return p
}

// recordingExecutor records the order payloads run in.
type recordingExecutor struct {
	mu    sync.Mutex
	order []string
	delay time.Duration
	panic func(*compute.Payload) bool
}

func (e *recordingExecutor) Execute(_ context.Context, _ string, p *compute.Payload) (*tracker.CallStatus, error) {
	if e.panic != nil && e.panic(p) {
		panic("executor exploded")
	}
	time.Sleep(e.delay)
	e.mu.Lock()
	e.order = append(e.order, p.CallID)
	e.mu.Unlock()
	return &tracker.CallStatus{CallID: p.CallID, Success: true}, nil
}

func (e *recordingExecutor) seen() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.order...)
}

func shutdown(t *testing.T, p *Pool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
}

func TestNewPoolValidation(t *testing.T) {
	t.Parallel()
	tr, _ := testutil.NewMemoryTracker(t)
	tests := []struct {
		name string
		cfg  Config
	}{
		{"no workers", Config{Workers: 0, Executor: &recordingExecutor{}, Tracker: tr}},
		{"no executor", Config{Workers: 1, Tracker: tr}},
		{"no tracker", Config{Workers: 1, Executor: &recordingExecutor{}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := NewPool(tt.cfg); !errors.Is(err, apperrors.ErrValidation) {
				t.Errorf("Expected validation error, got %v", err)
			}
		})
	}
}

func TestPoolRunsCalls(t *testing.T) {
	t.Parallel()
	tr, _ := testutil.NewMemoryTracker(t)
	pool, err := NewPool(Config{
		Workers:  3,
		Executor: &ThreadExecutor{Deps: handler.Deps{Tracker: tr, Functions: builtin.Registry()}},
		Tracker:  tr,
	})
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}
	defer shutdown(t, pool)

	ctx := context.Background()
	for i := range 5 {
		if _, err := pool.Invoke(ctx, "default", 0, newPayload(i, "square", fmt.Sprint(i))); err != nil {
			t.Fatalf("Invoke failed: %v", err)
		}
	}
	for i := range 5 {
		id := tracker.CallID{ExecutorID: "exec", JobID: "A000", CallID: fmt.Sprintf("%05d", i)}
		status := testutil.MustWaitForStatus(t, tr, id)
		if !status.Success {
			t.Errorf("Call %s failed: %s", id, status.Exception)
		}
		if status.Worker == "" {
			t.Errorf("Expected worker name in status of %s", id)
		}
		out, err := tr.GetCallOutput(ctx, id)
		if err != nil {
			t.Fatalf("GetCallOutput failed: %v", err)
		}
		if want := fmt.Sprint(i * i); string(out) != want {
			t.Errorf("Call %s output = %s, want %s", id, out, want)
		}
	}
}

func TestInvokeAndWait(t *testing.T) {
	t.Parallel()
	tr, _ := testutil.NewMemoryTracker(t)
	pool, err := NewPool(Config{
		Workers:  1,
		Executor: &ThreadExecutor{Deps: handler.Deps{Tracker: tr, Functions: builtin.Registry()}},
		Tracker:  tr,
	})
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}
	defer shutdown(t, pool)

	status, err := pool.InvokeAndWait(context.Background(), "default", 0, newPayload(0, "sum", "[1,2,3]"), 5*time.Second)
	if err != nil {
		t.Fatalf("InvokeAndWait failed: %v", err)
	}
	if !status.Success || status.ActivationID == "" {
		t.Errorf("Unexpected status: %+v", status)
	}
}

func TestPoolSingleWorkerIsFIFO(t *testing.T) {
	t.Parallel()
	tr, _ := testutil.NewMemoryTracker(t)
	exec := &recordingExecutor{}
	pool, err := NewPool(Config{Workers: 1, Executor: exec, Tracker: tr})
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}

	var want []string
	for i := 1; i <= 10; i++ {
		p := newPayload(i, "echo", "null")
		want = append(want, p.CallID)
		if _, err := pool.Invoke(context.Background(), "default", 0, p); err != nil {
			t.Fatalf("Invoke failed: %v", err)
		}
	}
	shutdown(t, pool)

	got := exec.seen()
	if len(got) != len(want) {
		t.Fatalf("Expected %d runs, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Run %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestShutdownDrainsQueueAndStopsWorkers(t *testing.T) {
	t.Parallel()
	tr, _ := testutil.NewMemoryTracker(t)
	exec := &recordingExecutor{delay: 5 * time.Millisecond}
	pool, err := NewPool(Config{Workers: 3, Executor: exec, Tracker: tr})
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}

	for i := range 12 {
		if _, err := pool.Invoke(context.Background(), "default", 0, newPayload(i, "echo", "null")); err != nil {
			t.Fatalf("Invoke failed: %v", err)
		}
	}
	shutdown(t, pool)

	if n := len(exec.seen()); n != 12 {
		t.Errorf("Expected all 12 queued payloads to run, got %d", n)
	}
	for i, s := range pool.WorkerStates() {
		if s != Stopped {
			t.Errorf("Worker %d state = %s, want stopped", i, s)
		}
	}
	if _, err := pool.Invoke(context.Background(), "default", 0, newPayload(99, "echo", "null")); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("Expected ErrPoolClosed after shutdown, got %v", err)
	}
	if err := pool.Ready(context.Background()); !errors.Is(err, apperrors.ErrUnavailable) {
		t.Errorf("Expected unavailable after shutdown, got %v", err)
	}
	// A second shutdown is a no-op.
	shutdown(t, pool)

	stats := pool.Stats()
	if stats.Processed != 12 || stats.Queued != 12 || stats.QueueDepth != 0 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
}

func TestShutdownLeavesStatusForEveryDrainedCall(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tr, _ := testutil.NewMemoryTracker(t)
	exec := &ThreadExecutor{Deps: handler.Deps{Tracker: tr, Functions: builtin.Registry()}}
	pool, err := NewPool(Config{Workers: 3, Executor: exec, Tracker: tr})
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}

	const calls = 15
	ids := make([]tracker.CallID, 0, calls)
	for i := range calls {
		p := newPayload(i, "sleep", `{"millis": 3}`)
		if _, err := pool.Invoke(ctx, "default", 0, p); err != nil {
			t.Fatalf("Invoke failed: %v", err)
		}
		ids = append(ids, p.ID())
	}
	shutdown(t, pool)

	for i, s := range pool.WorkerStates() {
		if s != Stopped {
			t.Errorf("Worker %d state = %s, want stopped", i, s)
		}
	}
	for _, id := range ids {
		status, err := tr.GetCallStatus(ctx, id)
		if err != nil {
			t.Fatalf("GetCallStatus %s failed: %v", id, err)
		}
		if status == nil {
			t.Errorf("Expected a status marker for %s after shutdown", id)
			continue
		}
		if !status.Success {
			t.Errorf("Expected %s to succeed, got %+v", id, status)
		}
	}
}

func TestWorkersStartIdle(t *testing.T) {
	t.Parallel()
	tr, _ := testutil.NewMemoryTracker(t)
	pool, err := NewPool(Config{Workers: 2, Executor: &recordingExecutor{}, Tracker: tr})
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}
	defer shutdown(t, pool)

	for i, s := range pool.WorkerStates() {
		if s != Idle {
			t.Errorf("Worker %d state = %s, want idle", i, s)
		}
	}
}

func TestPoolSurvivesExecutorPanics(t *testing.T) {
	t.Parallel()
	tr, _ := testutil.NewMemoryTracker(t)
	exec := &recordingExecutor{panic: func(p *compute.Payload) bool { return p.Function == "boom" }}
	pool, err := NewPool(Config{Workers: 1, Executor: exec, Tracker: tr})
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}

	ctx := context.Background()
	if _, err := pool.Invoke(ctx, "default", 0, newPayload(0, "boom", "null")); err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if _, err := pool.Invoke(ctx, "default", 0, newPayload(1, "echo", "null")); err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	shutdown(t, pool)

	status, err := tr.GetCallStatus(ctx, tracker.CallID{ExecutorID: "exec", JobID: "A000", CallID: "00000"})
	if err != nil || status == nil {
		t.Fatalf("Expected a failure status for the panicking call, got %v, %v", status, err)
	}
	if status.Success || status.ExcType != handler.ExcWorker {
		t.Errorf("Unexpected status: %+v", status)
	}
	if got := exec.seen(); len(got) != 1 || got[0] != "00001" {
		t.Errorf("Expected the second call to run after the panic, got %v", got)
	}
	if failed := pool.Stats().Failed; failed != 1 {
		t.Errorf("Expected 1 failure, got %d", failed)
	}
}

func TestProcessExecutorRecordsMissingRunner(t *testing.T) {
	t.Parallel()
	tr, _ := testutil.NewMemoryTracker(t)
	exec := &ProcessExecutor{RunnerPath: "/nonexistent/cloudproc-runner", Tracker: tr}

	status, err := exec.Execute(context.Background(), "w0", newPayload(0, "echo", "1"))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if status == nil || status.Success || status.ExcType != handler.ExcWorker {
		t.Errorf("Expected a worker failure status, got %+v", status)
	}
}

func TestProcessExecutorKillsRunnerPastTimeout(t *testing.T) {
	t.Parallel()
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}
	runner := filepath.Join(t.TempDir(), "runner.sh")
	if err := os.WriteFile(runner, []byte("#!/bin/sh\nexec sleep 30\n"), 0o755); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	tr, _ := testutil.NewMemoryTracker(t)
	exec := &ProcessExecutor{RunnerPath: runner, Tracker: tr, Grace: 50 * time.Millisecond}
	p := newPayload(0, "echo", "1")
	p.Timeout = 50 * time.Millisecond

	start := time.Now()
	status, err := exec.Execute(context.Background(), "w0", p)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("Expected the runner to be killed, took %v", elapsed)
	}
	if status == nil || status.Success || status.ExcType != handler.ExcTimeout {
		t.Errorf("Expected a timeout status, got %+v", status)
	}
}

func TestTailBufferKeepsEnd(t *testing.T) {
	t.Parallel()
	var b tailBuffer
	for range stderrTail {
		_, _ = b.Write([]byte("a"))
	}
	_, _ = b.Write([]byte("END"))
	s := b.String()
	if len(s) != stderrTail || s[len(s)-3:] != "END" {
		t.Errorf("Unexpected tail: len=%d suffix=%q", len(s), s[len(s)-3:])
	}
}

func TestActivationID(t *testing.T) {
	t.Parallel()
	seen := make(map[string]bool)
	for range 100 {
		id := activationID()
		if len(id) != 12 {
			t.Fatalf("Expected 12 chars, got %q", id)
		}
		if _, err := hex.DecodeString(id); err != nil {
			t.Fatalf("Expected hex, got %q", id)
		}
		if seen[id] {
			t.Fatalf("Duplicate activation id %q", id)
		}
		seen[id] = true
	}
}

func TestRuntimeOps(t *testing.T) {
	t.Parallel()
	tr, _ := testutil.NewMemoryTracker(t)
	pool, err := NewPool(Config{Workers: 1, Executor: &recordingExecutor{}, Tracker: tr})
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}
	defer shutdown(t, pool)
	ctx := context.Background()

	if key := pool.RuntimeKey("default", 256); key != "localhost/default" {
		t.Errorf("RuntimeKey = %q", key)
	}
	meta, err := pool.CreateRuntime(ctx, "default", 256, time.Minute)
	if err != nil {
		t.Fatalf("CreateRuntime failed: %v", err)
	}
	if meta.Backend != Name || meta.GoVersion == "" {
		t.Errorf("Unexpected meta: %+v", meta)
	}
	if rts, err := pool.ListRuntimes(ctx, ""); err != nil || len(rts) != 0 {
		t.Errorf("ListRuntimes = %v, %v", rts, err)
	}
	if err := pool.DeleteAllRuntimes(ctx); err != nil {
		t.Errorf("DeleteAllRuntimes failed: %v", err)
	}
}

func TestOpenSelectsExecutor(t *testing.T) {
	t.Parallel()
	tr, _ := testutil.NewMemoryTracker(t)
	deps := compute.Deps{Tracker: tr, Functions: builtin.Registry()}

	for _, tt := range []struct {
		executor string
		check    func(Executor) bool
	}{
		{config.ExecutorThread, func(e Executor) bool { _, ok := e.(*ThreadExecutor); return ok }},
		{config.ExecutorProcess, func(e Executor) bool { _, ok := e.(*ProcessExecutor); return ok }},
	} {
		cfg := config.Default()
		cfg.Compute.Workers = 1
		cfg.Compute.Executor = tt.executor
		b, err := Open(context.Background(), cfg, deps)
		if err != nil {
			t.Fatalf("Open failed: %v", err)
		}
		pool := b.(*Pool)
		if !tt.check(pool.cfg.Executor) {
			t.Errorf("Executor %q built %T", tt.executor, pool.cfg.Executor)
		}
		shutdown(t, pool)
	}
}

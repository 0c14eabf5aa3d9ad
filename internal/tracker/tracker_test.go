package tracker

import (
	"cloudproc/internal/apperrors"
	"cloudproc/internal/storage"
	"cloudproc/internal/storage/memory"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

const testBucket = "test-bucket"

func newTestTracker(t *testing.T, store storage.ObjectStore) *Tracker {
	t.Helper()
	tr, err := New(store, Config{Bucket: testBucket, EngineVersion: "test"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return tr
}

// countingStore counts Get calls on the runtime prefix.
type countingStore struct {
	*memory.Store
	metaGets atomic.Int64
}

func (c *countingStore) Get(ctx context.Context, bucket, key string, rng *storage.ByteRange) ([]byte, error) {
	if len(key) >= len(RuntimesPrefix) && key[:len(RuntimesPrefix)] == RuntimesPrefix {
		c.metaGets.Add(1)
	}
	return c.Store.Get(ctx, bucket, key, rng)
}

func TestNewRequiresBucket(t *testing.T) {
	t.Parallel()
	_, err := New(memory.New(), Config{})
	if !errors.Is(err, apperrors.ErrValidation) {
		t.Errorf("Expected validation error, got %v", err)
	}
}

func TestKeyLayout(t *testing.T) {
	t.Parallel()
	id := CallID{ExecutorID: "e1", JobID: "M000", CallID: "00003"}
	tests := []struct {
		got, want string
	}{
		{InitKey(id), "cloudproc.jobs/e1/M000/00003/init"},
		{StatusKey(id), "cloudproc.jobs/e1/M000/00003/status"},
		{OutputKey(id), "cloudproc.jobs/e1/M000/00003/output"},
		{JobPrefix("e1", "M000"), "cloudproc.jobs/e1/M000/"},
		{AggDataKey("e1", "M000"), "cloudproc.jobs/e1/M000/aggdata.json"},
		{RuntimeMetaKey("0.4.0", "localhost/default"), "cloudproc.runtimes/0.4.0/localhost/default.meta.json"},
		{TempKey("e1", "cloudobject_ab12"), "cloudproc.temp/e1/cloudobject_ab12"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("Expected %q, got %q", tt.want, tt.got)
		}
	}
}

func TestRecordCallDoneWriteOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tr := newTestTracker(t, memory.New())
	id := CallID{ExecutorID: "e1", JobID: "A000", CallID: "00000"}

	first := &CallStatus{ExecutorID: "e1", JobID: "A000", CallID: "00000", Success: true}
	if err := tr.RecordCallDone(ctx, first, []byte(`"first"`)); err != nil {
		t.Fatalf("First RecordCallDone failed: %v", err)
	}

	second := &CallStatus{ExecutorID: "e1", JobID: "A000", CallID: "00000", Success: false, Exception: "boom"}
	err := tr.RecordCallDone(ctx, second, []byte(`"second"`))
	if !errors.Is(err, apperrors.ErrConflict) {
		t.Fatalf("Expected ErrConflict, got %v", err)
	}

	status, err := tr.GetCallStatus(ctx, id)
	if err != nil {
		t.Fatalf("GetCallStatus failed: %v", err)
	}
	if status == nil || !status.Success || status.Exception != "" {
		t.Errorf("Expected original status preserved, got %+v", status)
	}
	if status.Type != StatusTypeEnd {
		t.Errorf("Expected type %q, got %q", StatusTypeEnd, status.Type)
	}
	output, err := tr.GetCallOutput(ctx, id)
	if err != nil {
		t.Fatalf("GetCallOutput failed: %v", err)
	}
	if string(output) != `"first"` {
		t.Errorf("Expected original output preserved, got %s", output)
	}
}

func TestRecordCallDoneConcurrent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tr := newTestTracker(t, memory.New())

	const writers = 8
	var wg sync.WaitGroup
	var ok atomic.Int64
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			st := &CallStatus{ExecutorID: "e1", JobID: "A000", CallID: "00000", Success: true}
			if err := tr.RecordCallDone(ctx, st, nil); err == nil {
				ok.Add(1)
			} else if !errors.Is(err, apperrors.ErrConflict) {
				t.Errorf("Unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if ok.Load() != 1 {
		t.Errorf("Expected exactly one successful completion, got %d", ok.Load())
	}
}

// slowListStore widens the window between the existence check and the
// writes that follow it.
type slowListStore struct {
	*memory.Store
}

func (s slowListStore) List(ctx context.Context, bucket, prefix string) ([]storage.ObjectInfo, error) {
	objs, err := s.Store.List(ctx, bucket, prefix)
	time.Sleep(5 * time.Millisecond)
	return objs, err
}

func TestRecordCallDoneOutputMatchesStatus(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tr := newTestTracker(t, slowListStore{Store: memory.New()})

	for round := 0; round < 20; round++ {
		id := CallID{ExecutorID: "e1", JobID: "A000", CallID: fmt.Sprintf("%05d", round)}
		var wg sync.WaitGroup
		var ok atomic.Int64
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				st := &CallStatus{ExecutorID: id.ExecutorID, JobID: id.JobID, CallID: id.CallID, Success: true, Worker: fmt.Sprint(i)}
				var output []byte
				// Writer 3 fails without output.
				if i != 3 {
					output = []byte(fmt.Sprintf("%q", fmt.Sprint(i)))
				}
				err := tr.RecordCallDone(ctx, st, output)
				switch {
				case err == nil:
					ok.Add(1)
				case !errors.Is(err, apperrors.ErrConflict):
					t.Errorf("Unexpected error: %v", err)
				}
			}(i)
		}
		wg.Wait()

		if ok.Load() != 1 {
			t.Fatalf("Round %d: expected exactly one successful completion, got %d", round, ok.Load())
		}
		status, err := tr.GetCallStatus(ctx, id)
		if err != nil || status == nil {
			t.Fatalf("Round %d: GetCallStatus failed: %v", round, err)
		}
		output, err := tr.GetCallOutput(ctx, id)
		if err != nil {
			t.Fatalf("Round %d: GetCallOutput failed: %v", round, err)
		}
		if !status.HasOutput {
			if output != nil {
				t.Errorf("Round %d: expected no output for worker %s, got %s", round, status.Worker, output)
			}
			continue
		}
		if want := fmt.Sprintf("%q", status.Worker); string(output) != want {
			t.Errorf("Round %d: expected output %s of worker %s, got %s", round, want, status.Worker, output)
		}
	}
}

func TestGetJobStatusSets(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.New()
	tr := newTestTracker(t, store)

	a := CallID{ExecutorID: "e1", JobID: "M001", CallID: "a"}
	if err := tr.MarkCallStarted(ctx, a, "act-a"); err != nil {
		t.Fatalf("MarkCallStarted failed: %v", err)
	}
	if err := tr.RecordCallDone(ctx, &CallStatus{ExecutorID: "e1", JobID: "M001", CallID: "b", Success: true}, nil); err != nil {
		t.Fatalf("RecordCallDone failed: %v", err)
	}
	// Noise: another job and the aggregated data object.
	_ = store.Put(ctx, testBucket, InitKey(CallID{ExecutorID: "e1", JobID: "M0010", CallID: "x"}), nil)
	_ = store.Put(ctx, testBucket, AggDataKey("e1", "M001"), []byte("[]"))

	running, done, err := tr.GetJobStatus(ctx, "e1", "M001")
	if err != nil {
		t.Fatalf("GetJobStatus failed: %v", err)
	}
	if len(running) != 1 || !running.Has("a") {
		t.Errorf("Expected running={a}, got %v", running.Sorted())
	}
	if len(done) != 1 || !done.Has("b") {
		t.Errorf("Expected done={b}, got %v", done.Sorted())
	}
	if running.Has("c") || done.Has("c") {
		t.Error("Expected c in neither set")
	}
}

func TestGetJobStatusSetsOverlap(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tr := newTestTracker(t, memory.New())

	id := CallID{ExecutorID: "e1", JobID: "A000", CallID: "00000"}
	if err := tr.MarkCallStarted(ctx, id, "act"); err != nil {
		t.Fatalf("MarkCallStarted failed: %v", err)
	}
	running, done, _ := tr.GetJobStatus(ctx, "e1", "A000")
	if !running.Has("00000") || done.Has("00000") {
		t.Errorf("Expected call running and not done, got running=%v done=%v", running.Sorted(), done.Sorted())
	}

	if err := tr.RecordCallDone(ctx, &CallStatus{ExecutorID: "e1", JobID: "A000", CallID: "00000"}, nil); err != nil {
		t.Fatalf("RecordCallDone failed: %v", err)
	}
	running, done, _ = tr.GetJobStatus(ctx, "e1", "A000")
	if !running.Has("00000") || !done.Has("00000") {
		t.Errorf("Expected call in both sets, got running=%v done=%v", running.Sorted(), done.Sorted())
	}
	if n := len(running.Minus(done)); n != 0 {
		t.Errorf("Expected nothing still running, got %d", n)
	}
}

func TestAbsentStatusAndOutput(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tr := newTestTracker(t, memory.New())
	id := CallID{ExecutorID: "e1", JobID: "A000", CallID: "00000"}

	status, err := tr.GetCallStatus(ctx, id)
	if err != nil || status != nil {
		t.Errorf("Expected (nil, nil), got (%v, %v)", status, err)
	}
	output, err := tr.GetCallOutput(ctx, id)
	if err != nil || output != nil {
		t.Errorf("Expected (nil, nil), got (%v, %v)", output, err)
	}

	if err := tr.RecordCallDone(ctx, &CallStatus{ExecutorID: "e1", JobID: "A000", CallID: "00000"}, nil); err != nil {
		t.Fatalf("RecordCallDone failed: %v", err)
	}
	status, _ = tr.GetCallStatus(ctx, id)
	if status == nil || status.HasOutput {
		t.Errorf("Expected status without output, got %+v", status)
	}
	output, _ = tr.GetCallOutput(ctx, id)
	if output != nil {
		t.Errorf("Expected no output, got %s", output)
	}
}

func TestInitMarkerBody(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.New()
	tr := newTestTracker(t, store)
	id := CallID{ExecutorID: "e1", JobID: "A000", CallID: "00000"}

	if err := tr.MarkCallStarted(ctx, id, "abc123def456"); err != nil {
		t.Fatalf("MarkCallStarted failed: %v", err)
	}
	data, err := store.Get(ctx, testBucket, InitKey(id), nil)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	var marker InitMarker
	if err := json.Unmarshal(data, &marker); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if marker.ActivationID != "abc123def456" || marker.StartTime.IsZero() {
		t.Errorf("Unexpected init marker: %+v", marker)
	}
}

func TestCleanJob(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.New()
	tr := newTestTracker(t, store)

	for _, call := range []string{"00000", "00001"} {
		id := CallID{ExecutorID: "e1", JobID: "M000", CallID: call}
		_ = tr.MarkCallStarted(ctx, id, "act")
		_ = tr.RecordCallDone(ctx, &CallStatus{ExecutorID: "e1", JobID: "M000", CallID: call}, []byte("1"))
	}
	_ = tr.MarkCallStarted(ctx, CallID{ExecutorID: "e1", JobID: "M001", CallID: "00000"}, "act")

	if err := tr.CleanJob(ctx, "e1", "M000"); err != nil {
		t.Fatalf("CleanJob failed: %v", err)
	}
	if n := store.Len(testBucket); n != 1 {
		t.Errorf("Expected only the other job's marker to remain, got %d objects", n)
	}
	if err := tr.CleanJob(ctx, "e1", "M000"); err != nil {
		t.Errorf("Second CleanJob failed: %v", err)
	}
}

func TestParseMarker(t *testing.T) {
	t.Parallel()
	prefix := "cloudproc.jobs/e/j/"
	tests := []struct {
		key          string
		call, marker string
		ok           bool
	}{
		{"cloudproc.jobs/e/j/00001/init", "00001", "init", true},
		{"cloudproc.jobs/e/j/00001/status", "00001", "status", true},
		{"cloudproc.jobs/e/j/aggdata.json", "", "", false},
		{"cloudproc.jobs/e/j/00001/deep/init", "", "", false},
		{"cloudproc.jobs/e/k/00001/init", "", "", false},
	}
	for _, tt := range tests {
		call, marker, ok := parseMarker(prefix, tt.key)
		if ok != tt.ok || call != tt.call || marker != tt.marker {
			t.Errorf("parseMarker(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tt.key, call, marker, ok, tt.call, tt.marker, tt.ok)
		}
	}
}

func TestJobManifest(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tr := newTestTracker(t, memory.New())

	got, err := tr.GetJobManifest(ctx, "exec", "M000")
	if err != nil || got != nil {
		t.Fatalf("Expected no manifest, got %v, %v", got, err)
	}

	m := &JobManifest{ExecutorID: "exec", JobID: "M000", Function: "square", Calls: []string{"00000", "00001"}}
	if err := tr.PutJobManifest(ctx, m); err != nil {
		t.Fatalf("PutJobManifest failed: %v", err)
	}
	got, err = tr.GetJobManifest(ctx, "exec", "M000")
	if err != nil {
		t.Fatalf("GetJobManifest failed: %v", err)
	}
	if got.Function != "square" || len(got.Calls) != 2 {
		t.Errorf("unexpected manifest %+v", got)
	}

	// The manifest is not a call marker.
	running, done, err := tr.GetJobStatus(ctx, "exec", "M000")
	if err != nil || len(running) != 0 || len(done) != 0 {
		t.Errorf("Expected empty sets, got %v %v %v", running, done, err)
	}

	if err := tr.CleanJob(ctx, "exec", "M000"); err != nil {
		t.Fatalf("CleanJob failed: %v", err)
	}
	if got, _ := tr.GetJobManifest(ctx, "exec", "M000"); got != nil {
		t.Error("Expected CleanJob to remove the manifest")
	}
}

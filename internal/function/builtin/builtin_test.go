package builtin

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func call(t *testing.T, name, args string) (any, error) {
	t.Helper()
	fn, err := Registry().Lookup(name)
	if err != nil {
		t.Fatalf("Lookup %s failed: %v", name, err)
	}
	return fn(context.Background(), json.RawMessage(args))
}

func TestBuiltins(t *testing.T) {
	t.Parallel()

	if got, err := call(t, "sum", `[1,2,3.5]`); err != nil || got != 6.5 {
		t.Errorf("sum: expected 6.5, got %v (%v)", got, err)
	}
	if got, err := call(t, "square", `7`); err != nil || got != 49.0 {
		t.Errorf("square: expected 49, got %v (%v)", got, err)
	}
	if _, err := call(t, "fail", `"kaboom"`); err == nil || err.Error() != "kaboom" {
		t.Errorf("fail: expected 'kaboom', got %v", err)
	}
	got, err := call(t, "wordcount", `"a b A c"`)
	if err != nil {
		t.Fatalf("wordcount failed: %v", err)
	}
	counts := got.(map[string]int)
	if counts["a"] != 2 || counts["b"] != 1 || counts["c"] != 1 {
		t.Errorf("wordcount: unexpected counts %v", counts)
	}
	got, err = call(t, "echo", `{"k":1}`)
	if err != nil || string(got.(json.RawMessage)) != `{"k":1}` {
		t.Errorf("echo: unexpected result %v (%v)", got, err)
	}
}

func TestSleepHonorsCancellation(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	start := time.Now()
	if _, err := Sleep(ctx, SleepArgs{Millis: 60_000}); err == nil {
		t.Error("Expected cancellation error")
	}
	if time.Since(start) > time.Second {
		t.Error("Sleep did not stop on cancellation")
	}
}

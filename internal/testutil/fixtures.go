package testutil

import (
	"cloudproc/internal/storage/memory"
	"cloudproc/internal/tracker"
	"context"
	"testing"
	"time"
)

// Bucket is the bucket used by in-memory fixtures.
const Bucket = "cloudproc-test"

// NewMemoryTracker returns a tracker over a fresh in-memory store.
func NewMemoryTracker(tb testing.TB) (*tracker.Tracker, *memory.Store) {
	tb.Helper()
	store := memory.New()
	tr, err := tracker.New(store, tracker.Config{Bucket: Bucket, EngineVersion: "test"})
	if err != nil {
		tb.Fatalf("tracker.New failed: %v", err)
	}
	return tr, store
}

// MustWaitForStatus polls until the call has a status marker and returns it.
func MustWaitForStatus(tb testing.TB, tr *tracker.Tracker, id tracker.CallID, opts ...WaitOption) *tracker.CallStatus {
	tb.Helper()
	var status *tracker.CallStatus
	ok := WaitFor(tb, func() bool {
		s, err := tr.GetCallStatus(context.Background(), id)
		if err != nil {
			tb.Logf("GetCallStatus %s: %v", id, err)
			return false
		}
		status = s
		return s != nil
	}, opts...)
	if !ok {
		tb.Fatalf("timed out waiting for status of %s", id)
	}
	return status
}

// Short is a wait timeout for conditions expected to hold almost at once.
var Short = WithTimeout(2 * time.Second)

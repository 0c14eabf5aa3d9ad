// Package storagetest holds the behavioral test suite every ObjectStore
// backend must pass.
package storagetest

import (
	"cloudproc/internal/apperrors"
	"cloudproc/internal/storage"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
)

// Bucket is the bucket the suite writes to.
const Bucket = "contract"

// Run executes the suite. newStore must return an empty store on every call.
func Run(t *testing.T, newStore func(t *testing.T) storage.ObjectStore) {
	t.Helper()
	ctx := context.Background()

	t.Run("PutGetRoundTrip", func(t *testing.T) {
		s := newStore(t)
		if err := s.Put(ctx, Bucket, "a/b/c.txt", []byte("hello")); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		got, err := s.Get(ctx, Bucket, "a/b/c.txt", nil)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if string(got) != "hello" {
			t.Errorf("Expected 'hello', got %q", got)
		}
	})

	t.Run("PutOverwrites", func(t *testing.T) {
		s := newStore(t)
		mustPut(t, s, "k", "one")
		mustPut(t, s, "k", "two")
		got, err := s.Get(ctx, Bucket, "k", nil)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if string(got) != "two" {
			t.Errorf("Expected 'two', got %q", got)
		}
	})

	t.Run("GetMissingKey", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(ctx, Bucket, "missing", nil)
		if !errors.Is(err, apperrors.ErrNoSuchKey) {
			t.Errorf("Expected ErrNoSuchKey, got %v", err)
		}
		if !errors.Is(err, apperrors.ErrNotFound) {
			t.Errorf("Expected ErrNoSuchKey to match ErrNotFound, got %v", err)
		}
	})

	t.Run("RangeRead", func(t *testing.T) {
		s := newStore(t)
		mustPut(t, s, "digits", "0123456789")

		tests := []struct {
			first, last int64
			want        string
		}{
			{2, 5, "2345"},
			{0, 0, "0"},
			{9, 9, "9"},
			{0, 9, "0123456789"},
			{7, 100, "789"},
		}
		for _, tt := range tests {
			got, err := s.Get(ctx, Bucket, "digits", &storage.ByteRange{First: tt.first, Last: tt.last})
			if err != nil {
				t.Errorf("Get [%d,%d] failed: %v", tt.first, tt.last, err)
				continue
			}
			if string(got) != tt.want {
				t.Errorf("Get [%d,%d]: expected %q, got %q", tt.first, tt.last, tt.want, got)
			}
		}
	})

	t.Run("InvalidRange", func(t *testing.T) {
		s := newStore(t)
		mustPut(t, s, "digits", "0123456789")

		for _, rng := range []storage.ByteRange{{First: 5, Last: 2}, {First: -1, Last: 3}, {First: 10, Last: 12}} {
			_, err := s.Get(ctx, Bucket, "digits", &rng)
			if !errors.Is(err, apperrors.ErrInvalidRange) {
				t.Errorf("Range %+v: expected ErrInvalidRange, got %v", rng, err)
			}
		}
	})

	t.Run("DeleteIsIdempotent", func(t *testing.T) {
		s := newStore(t)
		mustPut(t, s, "x/y", "data")
		if err := s.Delete(ctx, Bucket, "x/y"); err != nil {
			t.Fatalf("First delete failed: %v", err)
		}
		if err := s.Delete(ctx, Bucket, "x/y"); err != nil {
			t.Errorf("Second delete failed: %v", err)
		}
		if err := s.Delete(ctx, Bucket, "never/existed"); err != nil {
			t.Errorf("Delete of missing key failed: %v", err)
		}
		if _, err := s.Get(ctx, Bucket, "x/y", nil); !errors.Is(err, apperrors.ErrNoSuchKey) {
			t.Errorf("Expected ErrNoSuchKey after delete, got %v", err)
		}
	})

	t.Run("DeleteManyIgnoresMissing", func(t *testing.T) {
		s := newStore(t)
		mustPut(t, s, "d/1", "a")
		mustPut(t, s, "d/2", "b")
		mustPut(t, s, "keep", "c")
		if err := s.DeleteMany(ctx, Bucket, []string{"d/1", "d/missing", "d/2"}); err != nil {
			t.Fatalf("DeleteMany failed: %v", err)
		}
		keys := listKeys(t, s, "")
		if len(keys) != 1 || keys[0] != "keep" {
			t.Errorf("Expected only 'keep' to remain, got %v", keys)
		}
	})

	t.Run("ListByPrefix", func(t *testing.T) {
		s := newStore(t)
		mustPut(t, s, "jobs/e1/A000/00000/init", "")
		mustPut(t, s, "jobs/e1/A000/00000/status", "{}")
		mustPut(t, s, "jobs/e1/A000/00001/init", "")
		mustPut(t, s, "jobs/e1/A0001/00000/init", "")
		mustPut(t, s, "jobs/e2/A000/00000/init", "")

		keys := listKeys(t, s, "jobs/e1/A000/")
		want := []string{"jobs/e1/A000/00000/init", "jobs/e1/A000/00000/status", "jobs/e1/A000/00001/init"}
		if fmt.Sprint(keys) != fmt.Sprint(want) {
			t.Errorf("Expected %v, got %v", want, keys)
		}

		// A prefix that is not a directory boundary still matches by string.
		keys = listKeys(t, s, "jobs/e1/A00")
		if len(keys) != 4 {
			t.Errorf("Expected 4 keys for partial prefix, got %v", keys)
		}

		if keys := listKeys(t, s, "nothing/here/"); len(keys) != 0 {
			t.Errorf("Expected no keys, got %v", keys)
		}
	})

	t.Run("ListReportsSize", func(t *testing.T) {
		s := newStore(t)
		mustPut(t, s, "sized", "12345")
		objs, err := s.List(ctx, Bucket, "sized")
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(objs) != 1 || objs[0].Size != 5 {
			t.Errorf("Expected one object of size 5, got %+v", objs)
		}
	})

	t.Run("PutIfAbsent", func(t *testing.T) {
		s := newStore(t)
		if err := storage.PutIfAbsent(ctx, s, Bucket, "once", []byte("first")); err != nil {
			t.Fatalf("First PutIfAbsent failed: %v", err)
		}
		err := storage.PutIfAbsent(ctx, s, Bucket, "once", []byte("second"))
		if !errors.Is(err, apperrors.ErrConflict) {
			t.Errorf("Expected ErrConflict, got %v", err)
		}
		got, _ := s.Get(ctx, Bucket, "once", nil)
		if string(got) != "first" {
			t.Errorf("Expected original content preserved, got %q", got)
		}
	})

	t.Run("ConcurrentPutIfAbsent", func(t *testing.T) {
		s := newStore(t)
		if _, ok := s.(storage.Creator); !ok {
			t.Skip("store has no atomic create")
		}
		const writers = 16
		var wg sync.WaitGroup
		var mu sync.Mutex
		wins := 0
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				if err := storage.PutIfAbsent(ctx, s, Bucket, "race", []byte(fmt.Sprint(i))); err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}(i)
		}
		wg.Wait()
		if wins != 1 {
			t.Errorf("Expected exactly one winner, got %d", wins)
		}
	})
}

func mustPut(t *testing.T, s storage.ObjectStore, key, data string) {
	t.Helper()
	if err := s.Put(context.Background(), Bucket, key, []byte(data)); err != nil {
		t.Fatalf("Put %s failed: %v", key, err)
	}
}

func listKeys(t *testing.T, s storage.ObjectStore, prefix string) []string {
	t.Helper()
	objs, err := s.List(context.Background(), Bucket, prefix)
	if err != nil {
		t.Fatalf("List %q failed: %v", prefix, err)
	}
	keys := make([]string, 0, len(objs))
	for _, o := range objs {
		keys = append(keys, o.Key)
	}
	sort.Strings(keys)
	return keys
}

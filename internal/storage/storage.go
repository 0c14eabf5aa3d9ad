// Package storage defines the object store contract shared by every backend.
//
// Keys are flat within a bucket and use "/" as a separator; there are no
// directory entities. Callers treat the store as eventually consistent.
package storage

import (
	"cloudproc/internal/apperrors"
	"context"
)

// ObjectStore is a flat key/value byte store partitioned into buckets.
type ObjectStore interface {
	// Put creates or overwrites an object.
	Put(ctx context.Context, bucket, key string, data []byte) error

	// Get returns the object bytes, or the inclusive byte range rng when non-nil.
	// Returns apperrors.ErrNoSuchKey when the key is absent and
	// apperrors.ErrInvalidRange when rng cannot be satisfied.
	Get(ctx context.Context, bucket, key string, rng *ByteRange) ([]byte, error)

	// Delete removes an object. Deleting a missing key succeeds.
	Delete(ctx context.Context, bucket, key string) error

	// DeleteMany removes keys best-effort. It never stops at the first
	// failure; per-key errors are joined in the result.
	DeleteMany(ctx context.Context, bucket string, keys []string) error

	// List returns the objects whose key starts with prefix.
	List(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error)
}

// Creator is implemented by stores that can create an object only if it does
// not exist yet, atomically.
type Creator interface {
	// PutIfAbsent returns an error matching apperrors.ErrConflict when the
	// key already exists.
	PutIfAbsent(ctx context.Context, bucket, key string, data []byte) error
}

// Pinger is implemented by stores that can check connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ObjectInfo describes a listed object.
type ObjectInfo struct {
	Key  string `json:"key"`
	Size int64  `json:"size"`
}

// ByteRange is an inclusive byte range [First, Last].
type ByteRange struct {
	First int64 `json:"first"`
	Last  int64 `json:"last"`
}

// Len returns the number of bytes covered by the range.
func (r ByteRange) Len() int64 {
	return r.Last - r.First + 1
}

// Resolve clamps rng against an object of the given size and returns the
// half-open [start, end) slice bounds. A nil rng selects the whole object.
// Last beyond the end of the object is truncated.
func Resolve(bucket, key string, rng *ByteRange, size int64) (start, end int64, err error) {
	if rng == nil {
		return 0, size, nil
	}
	if rng.First < 0 || rng.Last < rng.First || rng.First >= size {
		return 0, 0, apperrors.InvalidRange(bucket, key, rng.First, rng.Last, size)
	}
	end = rng.Last + 1
	if end > size {
		end = size
	}
	return rng.First, end, nil
}

// PutIfAbsent creates key only if it does not exist. Stores implementing
// Creator do it atomically, and every built-in backend does. For any other
// store it is a read followed by a write, so two racing writers may both
// succeed.
func PutIfAbsent(ctx context.Context, store ObjectStore, bucket, key string, data []byte) error {
	if c, ok := store.(Creator); ok {
		return c.PutIfAbsent(ctx, bucket, key, data)
	}
	exists, err := Exists(ctx, store, bucket, key)
	if err != nil {
		return err
	}
	if exists {
		return apperrors.Conflict("object", key, "object "+bucket+"/"+key+" already exists")
	}
	return store.Put(ctx, bucket, key, data)
}

// Exists reports whether key is present.
func Exists(ctx context.Context, store ObjectStore, bucket, key string) (bool, error) {
	objs, err := store.List(ctx, bucket, key)
	if err != nil {
		return false, err
	}
	for _, o := range objs {
		if o.Key == key {
			return true, nil
		}
	}
	return false, nil
}

package tracker

import (
	"cloudproc/internal/apperrors"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// RuntimeMeta describes an installed runtime.
type RuntimeMeta struct {
	Runtime     string            `json:"runtime"`
	Backend     string            `json:"backend"`
	GoVersion   string            `json:"go_version"`
	OS          string            `json:"os,omitempty"`
	Arch        string            `json:"arch,omitempty"`
	Preinstalls []Module          `json:"preinstalls"`
	Extra       map[string]string `json:"extra,omitempty"`
}

// Module is a package available inside a runtime.
type Module struct {
	Path    string `json:"path"`
	Version string `json:"version,omitempty"`
}

// GetRuntimeMeta returns the metadata stored under runtimeKey. Lookups go
// through the in-memory cache, then the disk cache, then the store; a store
// hit populates both caches. Concurrent misses for one key share a single
// store read. Entries are never expired, only removed by DeleteRuntimeMeta.
func (t *Tracker) GetRuntimeMeta(ctx context.Context, runtimeKey string) (*RuntimeMeta, error) {
	if meta, ok := t.metaCache.Get(runtimeKey); ok {
		t.recordLookup(ctx, true)
		return meta, nil
	}
	t.recordLookup(ctx, false)

	// The flight outlives any single caller, so it must not inherit one
	// caller's cancellation.
	flightCtx := context.WithoutCancel(ctx)
	v, err, _ := t.group.Do(runtimeKey, func() (any, error) {
		if meta, ok := t.metaCache.Get(runtimeKey); ok {
			return meta, nil
		}
		gen := t.metaGeneration(runtimeKey)
		if meta, ok := t.readDiskCache(runtimeKey); ok {
			t.cacheMeta(runtimeKey, gen, meta, nil)
			return meta, nil
		}

		data, err := t.store.Get(flightCtx, t.bucket, RuntimeMetaKey(t.version, runtimeKey), nil)
		if err != nil {
			if errors.Is(err, apperrors.ErrNoSuchKey) {
				return nil, apperrors.RuntimeNotInstalled(runtimeKey)
			}
			return nil, fmt.Errorf("read runtime metadata %s: %w", runtimeKey, err)
		}
		var meta RuntimeMeta
		if err := json.Unmarshal(data, &meta); err != nil {
			return nil, apperrors.Internal("tracker.decodeRuntimeMeta", err)
		}
		t.cacheMeta(runtimeKey, gen, &meta, data)
		return &meta, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*RuntimeMeta), nil
}

// PutRuntimeMeta stores metadata and refreshes the caches.
func (t *Tracker) PutRuntimeMeta(ctx context.Context, runtimeKey string, meta *RuntimeMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return apperrors.Internal("tracker.marshalRuntimeMeta", err)
	}
	if err := t.store.Put(ctx, t.bucket, RuntimeMetaKey(t.version, runtimeKey), data); err != nil {
		return fmt.Errorf("write runtime metadata %s: %w", runtimeKey, err)
	}
	t.metaMu.Lock()
	t.metaGen[runtimeKey]++
	t.metaCache.Add(runtimeKey, meta)
	t.writeDiskCache(runtimeKey, data)
	t.metaMu.Unlock()
	return nil
}

// DeleteRuntimeMeta removes metadata from the store and both caches.
// Missing entries are not an error.
// A read already in flight for the key still returns its result to its
// callers but no longer populates the caches.
func (t *Tracker) DeleteRuntimeMeta(ctx context.Context, runtimeKey string) error {
	err := t.store.Delete(ctx, t.bucket, RuntimeMetaKey(t.version, runtimeKey))

	t.metaMu.Lock()
	t.metaGen[runtimeKey]++
	t.metaCache.Remove(runtimeKey)
	if p := t.diskCachePath(runtimeKey); p != "" {
		if rerr := os.Remove(p); rerr != nil && !errors.Is(rerr, fs.ErrNotExist) {
			t.logger.Warn("Failed to remove cached runtime metadata", "runtime", runtimeKey, "error", rerr)
		}
	}
	t.metaMu.Unlock()
	t.group.Forget(runtimeKey)

	if err != nil {
		return fmt.Errorf("delete runtime metadata %s: %w", runtimeKey, err)
	}
	return nil
}

func (t *Tracker) metaGeneration(runtimeKey string) uint64 {
	t.metaMu.Lock()
	defer t.metaMu.Unlock()
	return t.metaGen[runtimeKey]
}

// cacheMeta populates the caches unless the key was written or deleted
// since gen was read. data is written to the disk cache when non-nil.
func (t *Tracker) cacheMeta(runtimeKey string, gen uint64, meta *RuntimeMeta, data []byte) {
	t.metaMu.Lock()
	defer t.metaMu.Unlock()
	if t.metaGen[runtimeKey] != gen {
		return
	}
	t.metaCache.Add(runtimeKey, meta)
	if data != nil {
		t.writeDiskCache(runtimeKey, data)
	}
}

func (t *Tracker) recordLookup(ctx context.Context, hit bool) {
	if t.metrics != nil {
		t.metrics.RecordMetaCacheLookup(ctx, hit)
	}
}

func (t *Tracker) diskCachePath(runtimeKey string) string {
	if t.cacheDir == "" {
		return ""
	}
	return filepath.Join(t.cacheDir, filepath.FromSlash(RuntimeMetaKey(t.version, runtimeKey)))
}

func (t *Tracker) readDiskCache(runtimeKey string) (*RuntimeMeta, bool) {
	p := t.diskCachePath(runtimeKey)
	if p == "" {
		return nil, false
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, false
	}
	var meta RuntimeMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		t.logger.Warn("Ignoring corrupt cached runtime metadata", "path", p, "error", err)
		return nil, false
	}
	return &meta, true
}

func (t *Tracker) writeDiskCache(runtimeKey string, data []byte) {
	p := t.diskCachePath(runtimeKey)
	if p == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.logger.Warn("Failed to create metadata cache dir", "path", p, "error", err)
		return
	}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		t.logger.Warn("Failed to cache runtime metadata", "path", p, "error", err)
	}
}

// Package memory provides an in-process object store.
package memory

import (
	"cloudproc/internal/apperrors"
	"cloudproc/internal/storage"
	"context"
	"sort"
	"strings"
	"sync"
)

// Name is the backend name used in configuration.
const Name = "memory"

// Store keeps objects in a map guarded by a mutex.
type Store struct {
	mu      sync.RWMutex
	buckets map[string]map[string][]byte
}

// New creates an empty store.
func New() *Store {
	return &Store{buckets: make(map[string]map[string][]byte)}
}

var (
	_ storage.ObjectStore = (*Store)(nil)
	_ storage.Creator     = (*Store)(nil)
	_ storage.Pinger      = (*Store)(nil)
)

func (s *Store) Put(_ context.Context, bucket, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(bucket, key, data)
	return nil
}

func (s *Store) PutIfAbsent(_ context.Context, bucket, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.buckets[bucket][key]; exists {
		return apperrors.Conflict("object", key, "object "+bucket+"/"+key+" already exists")
	}
	s.put(bucket, key, data)
	return nil
}

func (s *Store) put(bucket, key string, data []byte) {
	b, ok := s.buckets[bucket]
	if !ok {
		b = make(map[string][]byte)
		s.buckets[bucket] = b
	}
	b[key] = append([]byte(nil), data...)
}

func (s *Store) Get(_ context.Context, bucket, key string, rng *storage.ByteRange) ([]byte, error) {
	s.mu.RLock()
	data, ok := s.buckets[bucket][key]
	s.mu.RUnlock()
	if !ok {
		return nil, apperrors.NoSuchKey(bucket, key)
	}
	start, end, err := storage.Resolve(bucket, key, rng, int64(len(data)))
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), data[start:end]...), nil
}

func (s *Store) Delete(_ context.Context, bucket, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.buckets[bucket], key)
	return nil
}

func (s *Store) DeleteMany(_ context.Context, bucket string, keys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		delete(s.buckets[bucket], key)
	}
	return nil
}

// List returns matching objects in lexical key order.
func (s *Store) List(_ context.Context, bucket, prefix string) ([]storage.ObjectInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []storage.ObjectInfo
	for key, data := range s.buckets[bucket] {
		if strings.HasPrefix(key, prefix) {
			out = append(out, storage.ObjectInfo{Key: key, Size: int64(len(data))})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *Store) Ping(context.Context) error { return nil }

// Len returns the number of objects in bucket.
func (s *Store) Len(bucket string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.buckets[bucket])
}

package storagetest

import (
	"cloudproc/internal/storage"
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"
)

// prefixed maps the suite's bucket onto a unique key prefix inside one real
// bucket, so the suite can run against a shared remote store.
type prefixed struct {
	inner  storage.ObjectStore
	bucket string
	prefix string
}

// Isolated returns a view of store in which every bucket is a fresh prefix
// of bucket. Keys written through it are removed at test cleanup.
func Isolated(t *testing.T, store storage.ObjectStore, bucket string) storage.ObjectStore {
	t.Helper()
	p := &prefixed{inner: store, bucket: bucket, prefix: "storagetest/" + uuid.NewString() + "/"}
	t.Cleanup(func() {
		ctx := context.Background()
		objs, err := store.List(ctx, bucket, p.prefix)
		if err != nil {
			t.Logf("cleanup list: %v", err)
			return
		}
		keys := make([]string, len(objs))
		for i, o := range objs {
			keys[i] = o.Key
		}
		if err := store.DeleteMany(ctx, bucket, keys); err != nil {
			t.Logf("cleanup delete: %v", err)
		}
	})
	return p
}

func (p *prefixed) key(bucket, key string) string { return p.prefix + bucket + "/" + key }

func (p *prefixed) Put(ctx context.Context, bucket, key string, data []byte) error {
	return p.inner.Put(ctx, p.bucket, p.key(bucket, key), data)
}

// PutIfAbsent keeps the inner store's atomicity, if it has any.
func (p *prefixed) PutIfAbsent(ctx context.Context, bucket, key string, data []byte) error {
	return storage.PutIfAbsent(ctx, p.inner, p.bucket, p.key(bucket, key), data)
}

func (p *prefixed) Get(ctx context.Context, bucket, key string, rng *storage.ByteRange) ([]byte, error) {
	return p.inner.Get(ctx, p.bucket, p.key(bucket, key), rng)
}

func (p *prefixed) Delete(ctx context.Context, bucket, key string) error {
	return p.inner.Delete(ctx, p.bucket, p.key(bucket, key))
}

func (p *prefixed) DeleteMany(ctx context.Context, bucket string, keys []string) error {
	mapped := make([]string, len(keys))
	for i, k := range keys {
		mapped[i] = p.key(bucket, k)
	}
	return p.inner.DeleteMany(ctx, p.bucket, mapped)
}

func (p *prefixed) List(ctx context.Context, bucket, prefix string) ([]storage.ObjectInfo, error) {
	root := p.key(bucket, "")
	objs, err := p.inner.List(ctx, p.bucket, root+prefix)
	if err != nil {
		return nil, err
	}
	for i := range objs {
		objs[i].Key = strings.TrimPrefix(objs[i].Key, root)
	}
	return objs, nil
}

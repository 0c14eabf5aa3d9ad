// Package cloudobject stores opaque blobs in the active object store and
// hands out portable references to them.
package cloudobject

import (
	"cloudproc/internal/apperrors"
	"cloudproc/internal/storage"
	"cloudproc/internal/tracker"
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// CloudObject references a blob in a specific storage backend.
// Two references are equal when all three fields are equal.
type CloudObject struct {
	Backend string `json:"backend"`
	Bucket  string `json:"bucket"`
	Key     string `json:"key"`
}

func (o CloudObject) String() string {
	return o.Backend + "://" + o.Bucket + "/" + o.Key
}

// Config configures a Client.
type Config struct {
	Backend       string // name of the active storage backend
	Bucket        string // default bucket
	SessionPrefix string // temp area for generated keys, usually the executor id
}

// PutOptions overrides where an object is written.
type PutOptions struct {
	Bucket string
	Key    string
}

// Client creates, reads and deletes cloud objects in one store.
type Client struct {
	store  storage.ObjectStore
	cfg    Config
	logger *slog.Logger

	mu   sync.Mutex
	used map[string]struct{} // generated keys in this session
}

// New creates a client.
func New(store storage.ObjectStore, cfg Config) *Client {
	return &Client{
		store:  store,
		cfg:    cfg,
		logger: slog.With("component", "cloudobject", "backend", cfg.Backend),
		used:   make(map[string]struct{}),
	}
}

// Backend returns the active backend name.
func (c *Client) Backend() string { return c.cfg.Backend }

// Put writes data and returns its reference. Without an explicit key a
// unique one is generated in the session's temp area.
func (c *Client) Put(ctx context.Context, data []byte, opts PutOptions) (CloudObject, error) {
	bucket := opts.Bucket
	if bucket == "" {
		bucket = c.cfg.Bucket
	}
	key := opts.Key
	if key == "" {
		key = c.nextKey()
	}
	if err := c.store.Put(ctx, bucket, key, data); err != nil {
		return CloudObject{}, fmt.Errorf("put cloud object: %w", err)
	}
	return CloudObject{Backend: c.cfg.Backend, Bucket: bucket, Key: key}, nil
}

func (c *Client) nextKey() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		key := tracker.TempKey(c.cfg.SessionPrefix, "cloudobject_"+shortID())
		if _, taken := c.used[key]; !taken {
			c.used[key] = struct{}{}
			return key
		}
	}
}

func shortID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:4]
}

// Get reads an object, or the inclusive byte range rng of it.
func (c *Client) Get(ctx context.Context, obj CloudObject, rng *storage.ByteRange) ([]byte, error) {
	if obj.Backend != c.cfg.Backend {
		return nil, apperrors.InvalidBackend(c.cfg.Backend, []string{obj.Backend})
	}
	return c.store.Get(ctx, obj.Bucket, obj.Key, rng)
}

// Delete removes an object. Deleting a missing object succeeds.
func (c *Client) Delete(ctx context.Context, obj CloudObject) error {
	if obj.Backend != c.cfg.Backend {
		return apperrors.InvalidBackend(c.cfg.Backend, []string{obj.Backend})
	}
	return c.store.Delete(ctx, obj.Bucket, obj.Key)
}

// DeleteMany removes objects grouped by backend and bucket. Every group is
// checked before anything is deleted: if any object belongs to another
// backend the whole batch is rejected with apperrors.ErrInvalidBackend.
// Per-key delete failures are logged and otherwise ignored.
func (c *Client) DeleteMany(ctx context.Context, objs []CloudObject) error {
	groups := make(map[string]map[string][]string) // backend -> bucket -> keys
	for _, o := range objs {
		buckets, ok := groups[o.Backend]
		if !ok {
			buckets = make(map[string][]string)
			groups[o.Backend] = buckets
		}
		buckets[o.Bucket] = append(buckets[o.Bucket], o.Key)
	}

	var foreign []string
	for backend := range groups {
		if backend != c.cfg.Backend {
			foreign = append(foreign, backend)
		}
	}
	if len(foreign) > 0 {
		sort.Strings(foreign)
		return apperrors.InvalidBackend(c.cfg.Backend, foreign)
	}

	for bucket, keys := range groups[c.cfg.Backend] {
		if err := c.store.DeleteMany(ctx, bucket, keys); err != nil {
			c.logger.Warn("Some cloud objects were not deleted", "bucket", bucket, "keys", len(keys), "error", err)
		}
	}
	return nil
}

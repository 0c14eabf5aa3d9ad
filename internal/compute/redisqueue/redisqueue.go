// Package redisqueue dispatches calls through redis lists to standalone
// workers. Producers LPUSH payloads onto a per-runtime queue and workers
// BRPOP them, so the oldest payload is served first.
package redisqueue

import (
	"cloudproc/internal/apperrors"
	"cloudproc/internal/compute"
	"cloudproc/internal/config"
	"cloudproc/internal/tracker"
	"cloudproc/pkg/backoff"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Name is the backend name.
const Name = "redis"

// RuntimesKey is the hash where workers advertise their runtime metadata,
// keyed by runtime name.
const RuntimesKey = "cloudproc:runtimes"

const defaultCreateTimeout = 30 * time.Second

// Client is the subset of the redis API used by producers and workers.
// *redis.Client satisfies it.
type Client interface {
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	BRPop(ctx context.Context, timeout time.Duration, keys ...string) *redis.StringSliceCmd
	LLen(ctx context.Context, key string) *redis.IntCmd
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	HGet(ctx context.Context, key, field string) *redis.StringCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	HDel(ctx context.Context, key string, fields ...string) *redis.IntCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

// NewClient builds a redis client from configuration.
func NewClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// QueueKey is the list a runtime's payloads are pushed to.
func QueueKey(prefix, runtimeName string) string {
	return prefix + runtimeName
}

// Config configures the producer side.
type Config struct {
	QueuePrefix string
	Tracker     *tracker.Tracker
	Metrics     compute.MetricsRecorder // optional
	Poll        *backoff.Config
}

// Backend implements compute.Backend by pushing payloads onto redis.
type Backend struct {
	client  Client
	cfg     Config
	logger  *slog.Logger
	metrics compute.MetricsRecorder
}

// New creates a producer over client.
func New(client Client, cfg Config) (*Backend, error) {
	if cfg.Tracker == nil {
		return nil, apperrors.Validation("tracker", "tracker is required")
	}
	if cfg.QueuePrefix == "" {
		cfg.QueuePrefix = "cloudproc:queue:"
	}
	return &Backend{
		client:  client,
		cfg:     cfg,
		logger:  slog.With("component", "redisqueue"),
		metrics: cfg.Metrics,
	}, nil
}

// Open is the registry factory for the redis backend.
func Open(ctx context.Context, cfg *config.Config, deps compute.Deps) (compute.Backend, error) {
	client := NewClient(cfg.Redis)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, apperrors.Unavailable("redis.ping", err)
	}
	return New(client, Config{
		QueuePrefix: cfg.Redis.QueuePrefix,
		Tracker:     deps.Tracker,
		Metrics:     deps.Metrics,
		Poll: &backoff.Config{
			Initial: cfg.Executor.PollInitial,
			Max:     cfg.Executor.PollMax,
		},
	})
}

func (b *Backend) Name() string { return Name }

func (b *Backend) Invoke(ctx context.Context, runtimeName string, _ int, p *compute.Payload) (string, error) {
	p.ActivationID = strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	body, err := p.Encode()
	if err != nil {
		return "", apperrors.Internal("redis.encodePayload", err)
	}

	key := QueueKey(b.cfg.QueuePrefix, runtimeName)
	err = b.client.LPush(ctx, key, body).Err()
	if b.metrics != nil {
		b.metrics.RecordInvocation(ctx, Name, err)
	}
	if err != nil {
		return "", apperrors.Unavailable("redis.lpush", err)
	}

	if b.metrics != nil {
		if depth, err := b.client.LLen(ctx, key).Result(); err == nil {
			b.metrics.SetQueueDepth(ctx, Name, int(depth))
		}
	}
	return p.ActivationID, nil
}

func (b *Backend) InvokeAndWait(ctx context.Context, runtimeName string, memoryMB int, p *compute.Payload, timeout time.Duration) (*tracker.CallStatus, error) {
	return compute.InvokeAndWait(ctx, b, b.cfg.Tracker, runtimeName, memoryMB, p, timeout, b.cfg.Poll)
}

// CreateRuntime waits for a worker serving runtimeName to advertise itself.
func (b *Backend) CreateRuntime(ctx context.Context, runtimeName string, _ int, timeout time.Duration) (*tracker.RuntimeMeta, error) {
	if timeout <= 0 {
		timeout = defaultCreateTimeout
	}
	var meta *tracker.RuntimeMeta
	err := backoff.Poll(ctx, b.cfg.Poll, timeout, func(ctx context.Context) (bool, error) {
		raw, err := b.client.HGet(ctx, RuntimesKey, runtimeName).Result()
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		if err != nil {
			return false, apperrors.Unavailable("redis.hget", err)
		}
		var m tracker.RuntimeMeta
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			return false, apperrors.Internal("redis.runtimeMeta", err)
		}
		meta = &m
		return true, nil
	})
	if errors.Is(err, backoff.ErrDeadline) {
		return nil, apperrors.Timeout("wait for a worker serving "+runtimeName, timeout)
	}
	if err != nil {
		return nil, err
	}
	return meta, nil
}

// BuildRuntime is not supported: workers are separate deployments.
func (b *Backend) BuildRuntime(_ context.Context, runtimeName, _ string) error {
	return apperrors.Validation("runtime", fmt.Sprintf("redis backend cannot build %q; deploy a cloudproc-worker for it", runtimeName))
}

// DeleteRuntime forgets the runtime and drops its pending payloads.
func (b *Backend) DeleteRuntime(ctx context.Context, runtimeName string, _ int) error {
	if err := b.client.HDel(ctx, RuntimesKey, runtimeName).Err(); err != nil {
		return apperrors.Unavailable("redis.hdel", err)
	}
	if err := b.client.Del(ctx, QueueKey(b.cfg.QueuePrefix, runtimeName)).Err(); err != nil {
		return apperrors.Unavailable("redis.del", err)
	}
	return nil
}

func (b *Backend) DeleteAllRuntimes(ctx context.Context) error {
	runtimes, err := b.client.HGetAll(ctx, RuntimesKey).Result()
	if err != nil {
		return apperrors.Unavailable("redis.hgetall", err)
	}
	keys := []string{RuntimesKey}
	for name := range runtimes {
		keys = append(keys, QueueKey(b.cfg.QueuePrefix, name))
	}
	if err := b.client.Del(ctx, keys...).Err(); err != nil {
		return apperrors.Unavailable("redis.del", err)
	}
	return nil
}

// ListRuntimes reports advertised runtimes with their queue depth.
func (b *Backend) ListRuntimes(ctx context.Context, runtimeName string) ([]compute.RuntimeInfo, error) {
	runtimes, err := b.client.HGetAll(ctx, RuntimesKey).Result()
	if err != nil {
		return nil, apperrors.Unavailable("redis.hgetall", err)
	}
	infos := make([]compute.RuntimeInfo, 0, len(runtimes))
	for name := range runtimes {
		if runtimeName != "" && name != runtimeName {
			continue
		}
		depth, err := b.client.LLen(ctx, QueueKey(b.cfg.QueuePrefix, name)).Result()
		if err != nil {
			return nil, apperrors.Unavailable("redis.llen", err)
		}
		infos = append(infos, compute.RuntimeInfo{Name: name, Detail: fmt.Sprintf("%d queued", depth)})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

func (b *Backend) RuntimeKey(runtimeName string, _ int) string {
	return Name + "/" + strings.ReplaceAll(runtimeName, "/", "_")
}

func (b *Backend) Ready(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return apperrors.Unavailable("redis.ping", err)
	}
	return nil
}

func (b *Backend) Close(context.Context) error {
	return b.client.Close()
}

var (
	_ compute.Backend = (*Backend)(nil)
	_ compute.Readier = (*Backend)(nil)
	_ compute.Closer  = (*Backend)(nil)
	_ Client          = (*redis.Client)(nil)
)

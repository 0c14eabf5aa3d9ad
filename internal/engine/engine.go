// Package engine assembles the components every cloudproc binary shares:
// logging, the object store and the status tracker.
package engine

import (
	"cloudproc/internal/config"
	"cloudproc/internal/storage"
	"cloudproc/internal/storage/backends"
	"cloudproc/internal/tracker"
	"context"
	"fmt"
	"io"
	"log/slog"
)

// SetupLogging installs a JSON slog handler at the configured level as the
// default logger.
func SetupLogging(cfg *config.Config, w io.Writer) {
	slog.SetDefault(slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: cfg.SlogLevel()})))
}

// Engine is an opened object store and the tracker over it.
type Engine struct {
	Config  *config.Config
	Store   storage.ObjectStore
	Tracker *tracker.Tracker
}

// Open connects to the configured object store and builds the tracker.
// metrics may be nil.
func Open(ctx context.Context, cfg *config.Config, metrics tracker.MetricsRecorder) (*Engine, error) {
	store, err := backends.Registry().Open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open %s storage: %w", cfg.Storage.Backend, err)
	}
	tcfg := tracker.Config{
		Bucket:    cfg.Storage.Bucket,
		CacheSize: cfg.Storage.MetaCacheSize,
		CacheDir:  cfg.Storage.MetaCacheDir,
	}
	if metrics != nil {
		tcfg.Metrics = metrics
	}
	t, err := tracker.New(store, tcfg)
	if err != nil {
		return nil, err
	}
	slog.Info("Storage ready", "backend", cfg.Storage.Backend, "bucket", cfg.Storage.Bucket)
	return &Engine{Config: cfg, Store: store, Tracker: t}, nil
}

// Ping checks the store when it supports it.
func (e *Engine) Ping(ctx context.Context) error {
	if p, ok := e.Store.(storage.Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

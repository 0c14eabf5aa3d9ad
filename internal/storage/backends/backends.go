// Package backends registers every built-in object store.
package backends

import (
	"cloudproc/internal/config"
	"cloudproc/internal/storage"
	"cloudproc/internal/storage/localfs"
	"cloudproc/internal/storage/memory"
	"cloudproc/internal/storage/miniostore"
	"cloudproc/internal/storage/s3store"
	"context"
)

// Registry returns a registry holding the built-in backends.
func Registry() *storage.Registry {
	r := storage.NewRegistry()
	r.Register(memory.Name, func(context.Context, *config.Config) (storage.ObjectStore, error) {
		return memory.New(), nil
	})
	r.Register(localfs.Name, func(_ context.Context, cfg *config.Config) (storage.ObjectStore, error) {
		return localfs.New(cfg.Localhost.Root)
	})
	r.Register(miniostore.Name, miniostore.Open)
	r.Register(s3store.Name, s3store.Open)
	return r
}

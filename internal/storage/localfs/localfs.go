// Package localfs provides an object store on the local filesystem.
//
// Objects live at <root>/<bucket>/<key>. Parent directories are created on
// write and empty ones are pruned on delete, so the tree never holds
// directories without objects.
package localfs

import (
	"cloudproc/internal/apperrors"
	"cloudproc/internal/storage"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Name is the backend name used in configuration.
const Name = "localhost"

const tmpDir = ".tmp"

// Store is a filesystem-backed object store.
type Store struct {
	root   string
	logger *slog.Logger
}

var (
	_ storage.ObjectStore = (*Store)(nil)
	_ storage.Creator     = (*Store)(nil)
	_ storage.Pinger      = (*Store)(nil)
)

// New creates a store rooted at root, creating the directory if needed.
func New(root string) (*Store, error) {
	if root == "" {
		return nil, apperrors.Validation("localhost.root", "storage root is required")
	}
	if err := os.MkdirAll(filepath.Join(root, tmpDir), 0o755); err != nil {
		return nil, apperrors.Internal("localfs.mkdirRoot", err)
	}
	return &Store{
		root:   root,
		logger: slog.With("component", "localfs"),
	}, nil
}

// Root returns the store's root directory.
func (s *Store) Root() string { return s.root }

func (s *Store) path(bucket, key string) (string, error) {
	if bucket == "" || strings.HasPrefix(bucket, ".") || strings.ContainsAny(bucket, `/\`) {
		return "", apperrors.Validation("bucket", fmt.Sprintf("invalid bucket name %q", bucket))
	}
	if key == "" || strings.HasPrefix(key, "/") {
		return "", apperrors.Validation("key", fmt.Sprintf("invalid key %q", key))
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." || part == "." {
			return "", apperrors.Validation("key", fmt.Sprintf("invalid key %q", key))
		}
	}
	return filepath.Join(s.root, bucket, filepath.FromSlash(key)), nil
}

// writeTemp stores data in a temporary file on the same filesystem.
func (s *Store) writeTemp(data []byte) (string, error) {
	f, err := os.CreateTemp(filepath.Join(s.root, tmpDir), "obj-*")
	if err != nil {
		return "", err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

// place moves tmp to dst with op (rename or link), recreating the parent
// directory once if a concurrent delete pruned it.
func place(tmp, dst string, op func(string, string) error) error {
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		if err = os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return err
		}
		if err = op(tmp, dst); err == nil || !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return err
}

func (s *Store) Put(_ context.Context, bucket, key string, data []byte) error {
	dst, err := s.path(bucket, key)
	if err != nil {
		return err
	}
	tmp, err := s.writeTemp(data)
	if err != nil {
		return apperrors.Internal("localfs.put", err)
	}
	if err := place(tmp, dst, os.Rename); err != nil {
		os.Remove(tmp)
		return apperrors.Internal("localfs.put", err)
	}
	return nil
}

// PutIfAbsent hard-links a fully written temp file into place; the link
// fails atomically when the key exists.
func (s *Store) PutIfAbsent(_ context.Context, bucket, key string, data []byte) error {
	dst, err := s.path(bucket, key)
	if err != nil {
		return err
	}
	tmp, err := s.writeTemp(data)
	if err != nil {
		return apperrors.Internal("localfs.putIfAbsent", err)
	}
	defer os.Remove(tmp)

	if err := place(tmp, dst, os.Link); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return apperrors.Conflict("object", key, "object "+bucket+"/"+key+" already exists")
		}
		return apperrors.Internal("localfs.putIfAbsent", err)
	}
	return nil
}

func (s *Store) Get(_ context.Context, bucket, key string, rng *storage.ByteRange) ([]byte, error) {
	p, err := s.path(bucket, key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, apperrors.NoSuchKey(bucket, key)
		}
		return nil, apperrors.Internal("localfs.get", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, apperrors.Internal("localfs.get", err)
	}
	if info.IsDir() {
		return nil, apperrors.NoSuchKey(bucket, key)
	}
	start, end, err := storage.Resolve(bucket, key, rng, info.Size())
	if err != nil {
		return nil, err
	}
	buf := make([]byte, end-start)
	if _, err := f.ReadAt(buf, start); err != nil && !errors.Is(err, io.EOF) {
		return nil, apperrors.Internal("localfs.get", err)
	}
	return buf, nil
}

func (s *Store) Delete(_ context.Context, bucket, key string) error {
	p, err := s.path(bucket, key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return apperrors.Internal("localfs.delete", err)
	}
	s.prune(filepath.Dir(p), filepath.Join(s.root, bucket))
	return nil
}

// prune removes empty directories from dir up to, but not including, stop.
func (s *Store) prune(dir, stop string) {
	for dir != stop && strings.HasPrefix(dir, stop) {
		if err := os.Remove(dir); err != nil {
			return // not empty, or already gone
		}
		dir = filepath.Dir(dir)
	}
}

func (s *Store) DeleteMany(ctx context.Context, bucket string, keys []string) error {
	var errs []error
	for _, key := range keys {
		if err := s.Delete(ctx, bucket, key); err != nil {
			s.logger.Warn("Failed to delete object", "bucket", bucket, "key", key, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// List walks the deepest directory implied by prefix, in lexical order.
func (s *Store) List(_ context.Context, bucket, prefix string) ([]storage.ObjectInfo, error) {
	bucketDir := filepath.Join(s.root, bucket)
	start := bucketDir
	if i := strings.LastIndex(prefix, "/"); i >= 0 {
		start = filepath.Join(bucketDir, filepath.FromSlash(prefix[:i]))
	}

	var out []storage.ObjectInfo
	err := filepath.WalkDir(start, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(bucketDir, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		out = append(out, storage.ObjectInfo{Key: key, Size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, apperrors.Internal("localfs.list", err)
	}
	return out, nil
}

// Ping checks that the root is still a writable directory.
func (s *Store) Ping(context.Context) error {
	info, err := os.Stat(s.root)
	if err != nil {
		return apperrors.Unavailable("localfs.ping", err)
	}
	if !info.IsDir() {
		return apperrors.Unavailable("localfs.ping", fmt.Errorf("%s is not a directory", s.root))
	}
	return nil
}

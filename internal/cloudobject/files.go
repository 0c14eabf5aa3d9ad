package cloudobject

import (
	"bytes"
	"cloudproc/internal/apperrors"
	"cloudproc/internal/tracker"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync"
)

// Files is a file-like view of the temp area of the default bucket, shared
// by every process that uses the same store. Names are relative to the temp
// prefix and use "/" as a separator.
type Files struct {
	c *Client
}

// Files returns the file view of the client's store.
func (c *Client) Files() *Files { return &Files{c: c} }

func (f *Files) object(name string) (CloudObject, error) {
	if err := validName(name); err != nil {
		return CloudObject{}, err
	}
	return CloudObject{
		Backend: f.c.cfg.Backend,
		Bucket:  f.c.cfg.Bucket,
		Key:     tracker.TempPrefix + "/" + name,
	}, nil
}

func validName(name string) error {
	if name == "" || strings.HasPrefix(name, "/") || strings.HasSuffix(name, "/") {
		return apperrors.Validation("name", fmt.Sprintf("invalid file name %q", name))
	}
	for _, seg := range strings.Split(name, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return apperrors.Validation("name", fmt.Sprintf("invalid file name %q", name))
		}
	}
	return nil
}

// Open reads the whole file. A missing file matches apperrors.ErrNoSuchKey.
func (f *Files) Open(ctx context.Context, name string) (io.ReadSeeker, error) {
	obj, err := f.object(name)
	if err != nil {
		return nil, err
	}
	data, err := f.c.Get(ctx, obj, nil)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	return bytes.NewReader(data), nil
}

// Create returns a writer whose content is stored when it is closed.
// Nothing is written if Close is never called.
func (f *Files) Create(ctx context.Context, name string) (io.WriteCloser, error) {
	obj, err := f.object(name)
	if err != nil {
		return nil, err
	}
	return &fileWriter{ctx: ctx, files: f, obj: obj}, nil
}

// ListDir returns the entries directly under dir, sorted. Entries that
// contain further files end with "/". An empty dir lists the top level.
func (f *Files) ListDir(ctx context.Context, dir string) ([]string, error) {
	prefix := tracker.TempPrefix + "/"
	if dir = strings.Trim(dir, "/"); dir != "" {
		if err := validName(dir); err != nil {
			return nil, err
		}
		prefix += dir + "/"
	}
	objs, err := f.c.store.List(ctx, f.c.cfg.Bucket, prefix)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", path.Join("/", dir), err)
	}

	seen := make(map[string]struct{})
	names := []string{}
	for _, o := range objs {
		rest := strings.TrimPrefix(o.Key, prefix)
		if rest == "" {
			continue
		}
		name := rest
		if first, _, nested := strings.Cut(rest, "/"); nested {
			name = first + "/"
		}
		if _, dup := seen[name]; !dup {
			seen[name] = struct{}{}
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// Remove deletes a file. Removing a missing file succeeds.
func (f *Files) Remove(ctx context.Context, name string) error {
	obj, err := f.object(name)
	if err != nil {
		return err
	}
	return f.c.Delete(ctx, obj)
}

var errWriterClosed = errors.New("cloudobject: file already closed")

type fileWriter struct {
	ctx   context.Context
	files *Files
	obj   CloudObject

	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
}

func (w *fileWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, errWriterClosed
	}
	return w.buf.Write(p)
}

func (w *fileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return errWriterClosed
	}
	w.closed = true
	_, err := w.files.c.Put(w.ctx, w.buf.Bytes(), PutOptions{Bucket: w.obj.Bucket, Key: w.obj.Key})
	return err
}

package docker

import (
	"context"
	"fmt"
	"sync"
)

// fakeEngine records calls and serves canned containers.
type fakeEngine struct {
	mu         sync.Mutex
	started    []containerSpec
	containers map[string]*containerInfo
	removed    []string
	images     []string
	removedImg []string
	stdout     []byte
	exitCode   int
	startErr   error
	pingErr    error
	closed     bool
	next       int
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{containers: make(map[string]*containerInfo)}
}

func (f *fakeEngine) Ping(context.Context) error { return f.pingErr }

func (f *fakeEngine) EnsureImage(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.images = append(f.images, ref)
	return nil
}

func (f *fakeEngine) Start(_ context.Context, spec containerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return "", f.startErr
	}
	f.next++
	id := fmt.Sprintf("container%04d", f.next)
	f.started = append(f.started, spec)
	f.containers[id] = &containerInfo{ID: id, Labels: spec.Labels, State: "running"}
	return id, nil
}

func (f *fakeEngine) Wait(context.Context, string) (int, error) { return f.exitCode, nil }

func (f *fakeEngine) Stdout(context.Context, string) ([]byte, error) { return f.stdout, nil }

func (f *fakeEngine) List(_ context.Context, labels map[string]string) ([]containerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []containerInfo
	for _, c := range f.containers {
		match := true
		for k, v := range labels {
			if c.Labels[k] != v {
				match = false
				break
			}
		}
		if match {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (f *fakeEngine) Remove(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.containers, id)
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeEngine) RemoveImage(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removedImg = append(f.removedImg, ref)
	return nil
}

func (f *fakeEngine) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// exit marks a container as exited with code.
func (f *fakeEngine) exit(id string, code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.containers[id]
	c.State = "exited"
	c.ExitCode = code
}

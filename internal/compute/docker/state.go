package docker

import (
	"cloudproc/internal/apperrors"
	"cloudproc/internal/tracker"
	"sync"
	"time"
)

// activation is one call container started by this backend.
type activation struct {
	containerID string
	call        tracker.CallID
	started     time.Time
}

// stateRepo tracks in-flight activations with thread-safe access.
type stateRepo struct {
	mu          sync.RWMutex
	activations map[string]*activation
}

func newStateRepo() *stateRepo {
	return &stateRepo{activations: make(map[string]*activation)}
}

// reserve claims an activation id. The slot holds nil until commit.
func (r *stateRepo) reserve(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.activations[id]; exists {
		return apperrors.Conflict("activation", id, "activation already exists")
	}
	r.activations[id] = nil
	return nil
}

func (r *stateRepo) commit(id string, a *activation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activations[id] = a
}

// release removes an activation. Returns the state if it existed.
func (r *stateRepo) release(id string) (*activation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, exists := r.activations[id]
	if exists {
		delete(r.activations, id)
	}
	return a, exists
}

// get returns (nil, true) for a reserved but uncommitted id.
func (r *stateRepo) get(id string) (*activation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, exists := r.activations[id]
	return a, exists
}

func (r *stateRepo) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.activations)
}

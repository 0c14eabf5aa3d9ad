package localhost

import (
	"cloudproc/internal/compute"
	"sync"
)

type taskKind int

const (
	taskRun taskKind = iota
	taskStop
)

type task struct {
	kind    taskKind
	payload *compute.Payload
}

// queue is an unbounded FIFO. pop blocks until an item is available.
type queue struct {
	mu    sync.Mutex
	cond  *sync.Cond
	items []task
}

func newQueue() *queue {
	q := &queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *queue) push(t task) {
	q.mu.Lock()
	q.items = append(q.items, t)
	q.mu.Unlock()
	q.cond.Signal()
}

func (q *queue) pop() task {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 {
		q.cond.Wait()
	}
	t := q.items[0]
	q.items[0] = task{}
	q.items = q.items[1:]
	if len(q.items) == 0 {
		q.items = nil
	}
	return t
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

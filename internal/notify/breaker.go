package notify

import (
	"sync"
	"time"
)

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case breakerOpen:
		return "open"
	case breakerHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// hostBreaker stops deliveries to a callback host after threshold
// consecutive failures. After cooldown one probe is let through; its outcome
// closes or reopens the breaker.
type hostBreaker struct {
	mu          sync.Mutex
	state       breakerState
	failures    int
	lastFailure time.Time
	probing     bool
	threshold   int
	cooldown    time.Duration
}

func (b *hostBreaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerOpen:
		if time.Since(b.lastFailure) < b.cooldown {
			return false
		}
		b.state = breakerHalfOpen
		b.probing = true
		return true
	case breakerHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	default:
		return true
	}
}

func (b *hostBreaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.probing = false
	if err == nil {
		b.failures = 0
		b.state = breakerClosed
		return
	}
	b.failures++
	b.lastFailure = time.Now()
	if b.state == breakerHalfOpen || b.failures >= b.threshold {
		b.state = breakerOpen
	}
}

func (b *hostBreaker) current() breakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// breakers holds one hostBreaker per callback host, created on first use.
type breakers struct {
	mu        sync.Mutex
	byHost    map[string]*hostBreaker
	threshold int
	cooldown  time.Duration
}

func newBreakers(threshold int, cooldown time.Duration) *breakers {
	return &breakers{byHost: make(map[string]*hostBreaker), threshold: threshold, cooldown: cooldown}
}

func (r *breakers) get(host string) *hostBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.byHost[host]
	if !ok {
		b = &hostBreaker{threshold: r.threshold, cooldown: r.cooldown}
		r.byHost[host] = b
	}
	return b
}

func (r *breakers) open() int {
	r.mu.Lock()
	all := make([]*hostBreaker, 0, len(r.byHost))
	for _, b := range r.byHost {
		all = append(all, b)
	}
	r.mu.Unlock()

	n := 0
	for _, b := range all {
		if b.current() != breakerClosed {
			n++
		}
	}
	return n
}

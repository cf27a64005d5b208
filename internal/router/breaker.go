package router

import (
	"sync"
	"time"
)

// breakerState tracks the per-target circuit.
type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case breakerClosed:
		return "CLOSED"
	case breakerOpen:
		return "OPEN"
	case breakerHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// breakerOpenFor is how long a tripped target stays open before a probe
// is admitted.
const breakerOpenFor = 5 * time.Second

// targetBreaker trips when a delivery exhausts every transport tier to a
// target. It stays open for breakerOpenFor, then admits a single probe;
// the probe's outcome closes or re-opens the circuit. Generations guard
// against results from before a state change (stale probes must not flip
// a circuit that already moved on).
type targetBreaker struct {
	onChange func(open bool)

	mu         sync.Mutex
	state      breakerState
	generation uint64
	openedAt   time.Time
	probing    bool
}

func newTargetBreaker(onChange func(open bool)) *targetBreaker {
	return &targetBreaker{onChange: onChange}
}

// Allow reports whether a delivery attempt may proceed. When denied, the
// second return is how long the caller should wait before retrying.
func (b *targetBreaker) Allow(now time.Time) (gen uint64, ok bool, retryAfter time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerClosed:
		return b.generation, true, 0
	case breakerOpen:
		if remaining := b.openedAt.Add(breakerOpenFor).Sub(now); remaining > 0 {
			return b.generation, false, remaining
		}
		b.setStateLocked(breakerHalfOpen)
		b.probing = true
		return b.generation, true, 0
	default: // half-open
		if b.probing {
			return b.generation, false, breakerOpenFor / 10
		}
		b.probing = true
		return b.generation, true, 0
	}
}

// Record reports the outcome of an attempt admitted under gen.
func (b *targetBreaker) Record(gen uint64, success bool, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if gen != b.generation {
		return
	}

	if success {
		if b.state != breakerClosed {
			b.setStateLocked(breakerClosed)
		}
		return
	}

	b.openedAt = now
	b.probing = false
	if b.state != breakerOpen {
		b.setStateLocked(breakerOpen)
	}
}

// Open reports whether the circuit currently refuses traffic, and for
// how much longer.
func (b *targetBreaker) Open(now time.Time) (bool, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != breakerOpen {
		return false, 0
	}
	remaining := b.openedAt.Add(breakerOpenFor).Sub(now)
	if remaining <= 0 {
		return false, 0
	}
	return true, remaining
}

func (b *targetBreaker) setStateLocked(state breakerState) {
	if b.state == state {
		return
	}
	b.state = state
	b.generation++
	b.probing = false
	if b.onChange != nil {
		b.onChange(state == breakerOpen)
	}
}

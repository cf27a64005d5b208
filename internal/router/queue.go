package router

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/planmesh/core/internal/protocol"
)

const numClasses = 5

// Per-class queue bounds, indexed by priority ordinal. Interactive classes
// stay short so blocked senders learn about congestion quickly; batch is
// deep because overflow spills to the durable tier anyway.
var defaultClassBounds = [numClasses]int{64, 128, 256, 256, 512}

// blockBudget is how long a critical or high producer may wait for space
// before the enqueue fails.
const blockBudget = time.Millisecond

var (
	errQueueFull   = errors.New("class queue full")
	errSpill       = errors.New("spill to durable tier")
	errQueueClosed = errors.New("queue closed")
)

// pending is one message waiting for delivery to a target.
type pending struct {
	frame    *protocol.Frame
	pattern  protocol.Pattern
	class    protocol.Priority // effective class; aging may raise it
	deadline time.Time
	enqueued time.Time

	// attempts counts delivery attempts on this target.
	attempts int

	// notify, when set, receives the terminal outcome exactly once.
	notify func(err error)
}

func (p *pending) finish(err error) {
	if p.notify != nil {
		p.notify(err)
		p.notify = nil
	}
}

// targetQueue holds the five bounded FIFO class queues for one target.
// Enqueue order within a class is delivery order; nothing is ordered
// across classes.
type targetQueue struct {
	target string

	mu      sync.Mutex
	classes [numClasses][]*pending
	bounds  [numClasses]int
	closed  bool

	// freed pulses when a dequeue makes room, waking blocked producers.
	freed chan struct{}
	// ready pulses when a message arrives, waking the pump.
	ready chan struct{}
}

func newTargetQueue(target string, bounds [numClasses]int) *targetQueue {
	for i, b := range bounds {
		if b <= 0 {
			bounds[i] = defaultClassBounds[i]
		}
	}
	return &targetQueue{
		target: target,
		bounds: bounds,
		freed:  make(chan struct{}, 1),
		ready:  make(chan struct{}, 1),
	}
}

func pulse(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// offer places p in its class queue. When the class is full the class
// policy applies: critical/high wait up to blockBudget for space, batch
// reports errSpill so the caller can divert to the durable tier, and
// everything else fails fast.
func (q *targetQueue) offer(ctx context.Context, p *pending) error {
	var waitUntil time.Time

	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return errQueueClosed
		}
		cls := int(p.class)
		if len(q.classes[cls]) < q.bounds[cls] {
			q.classes[cls] = append(q.classes[cls], p)
			q.mu.Unlock()
			pulse(q.ready)
			return nil
		}
		q.mu.Unlock()

		switch p.class {
		case protocol.PriorityCritical, protocol.PriorityHigh:
			now := time.Now()
			if waitUntil.IsZero() {
				waitUntil = now.Add(blockBudget)
			}
			remaining := waitUntil.Sub(now)
			if remaining <= 0 {
				return errQueueFull
			}
			timer := time.NewTimer(remaining)
			select {
			case <-q.freed:
				timer.Stop()
			case <-timer.C:
				return errQueueFull
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
		case protocol.PriorityBatch:
			return errSpill
		default:
			return errQueueFull
		}
	}
}

// tryOffer enqueues without blocking or spilling. Fan-out patterns use
// it so one slow recipient never stalls the rest of the set.
func (q *targetQueue) tryOffer(p *pending) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return errQueueClosed
	}
	cls := int(p.class)
	if len(q.classes[cls]) >= q.bounds[cls] {
		return errQueueFull
	}
	q.classes[cls] = append(q.classes[cls], p)
	pulse(q.ready)
	return nil
}

// next pops the head of the strongest non-empty class.
func (q *targetQueue) next() *pending {
	q.mu.Lock()
	defer q.mu.Unlock()
	for cls := 0; cls < numClasses; cls++ {
		if len(q.classes[cls]) == 0 {
			continue
		}
		p := q.classes[cls][0]
		q.classes[cls][0] = nil
		q.classes[cls] = q.classes[cls][1:]
		pulse(q.freed)
		return p
	}
	return nil
}

// sweep removes expired messages and promotes aged ones one class. A
// message older than half its deadline budget rises a single class per
// sweep, so a starved batch message climbs gradually instead of jumping
// straight to critical.
func (q *targetQueue) sweep(now time.Time) (promoted int, expired []*pending) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for cls := 0; cls < numClasses; cls++ {
		kept := q.classes[cls][:0]
		for _, p := range q.classes[cls] {
			if now.After(p.deadline) {
				expired = append(expired, p)
				continue
			}
			kept = append(kept, p)
		}
		for i := len(kept); i < len(q.classes[cls]); i++ {
			q.classes[cls][i] = nil
		}
		q.classes[cls] = kept
	}

	// Strongest class first: a message promoted into cls-1 was appended
	// after that class was processed, so it moves at most once.
	for cls := 1; cls < numClasses; cls++ {
		kept := q.classes[cls][:0]
		for _, p := range q.classes[cls] {
			budget := p.deadline.Sub(p.enqueued)
			aged := now.Sub(p.enqueued) > budget/2
			if aged && len(q.classes[cls-1]) < q.bounds[cls-1] {
				p.class = protocol.Priority(cls - 1)
				q.classes[cls-1] = append(q.classes[cls-1], p)
				promoted++
				continue
			}
			kept = append(kept, p)
		}
		for i := len(kept); i < len(q.classes[cls]); i++ {
			q.classes[cls][i] = nil
		}
		q.classes[cls] = kept
	}

	if len(expired) > 0 {
		pulse(q.freed)
	}
	return promoted, expired
}

// depth returns the total queued count.
func (q *targetQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for cls := 0; cls < numClasses; cls++ {
		n += len(q.classes[cls])
	}
	return n
}

// classDepths snapshots the per-class counts for the queue gauges.
func (q *targetQueue) classDepths() [numClasses]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	var d [numClasses]int
	for cls := 0; cls < numClasses; cls++ {
		d[cls] = len(q.classes[cls])
	}
	return d
}

// close marks the queue closed and returns everything still waiting.
func (q *targetQueue) close() []*pending {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	var orphans []*pending
	for cls := 0; cls < numClasses; cls++ {
		orphans = append(orphans, q.classes[cls]...)
		q.classes[cls] = nil
	}
	return orphans
}

// Package events carries the append-only security event stream: an
// in-process bus for live subscribers plus sinks for the persistent store
// and optional durable fan-out.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Event types emitted by the core
const (
	TypeTokenIssued      = "token_issued"
	TypeAuthFailure      = "auth_failure"
	TypePermissionDenied = "permission_denied"
	TypeRateLimited      = "rate_limited"
	TypeRegister         = "agent_registered"
	TypeDeregister       = "agent_deregistered"
	TypeEviction         = "agent_evicted"
	TypeHMACFailure      = "hmac_failure"
	TypeDiscoveryMiss    = "discovery_miss"
	TypeSubscriberDrop   = "subscriber_dropped"
	TypeStoreUnavailable = "store_unavailable"
	TypeStoreRecovered   = "store_recovered"
	TypePlanSubmitted    = "plan_submitted"
	TypePlanCompleted    = "plan_completed"
	TypePlanFailed       = "plan_failed"
	TypeShutdown         = "shutdown"
)

// Event severities
const (
	SeverityInfo    = "info"
	SeverityWarning = "warning"
	SeverityError   = "error"
)

// Emitter is the interface components publish security events through.
// Both the in-memory Bus and the Pub/Sub-backed DurableBus satisfy it.
type Emitter interface {
	Emit(eventType, severity, agent string, details map[string]interface{})
}

// Event is one entry of the security_events stream.
type Event struct {
	ID       string                 `json:"id"`
	Time     time.Time              `json:"time"`
	Type     string                 `json:"type"`
	Severity string                 `json:"severity"`
	Agent    string                 `json:"agent,omitempty"`
	Details  map[string]interface{} `json:"details,omitempty"`
}

// NewEvent creates a timestamped event.
func NewEvent(eventType, severity, agent string, details map[string]interface{}) *Event {
	return &Event{
		ID:       fmt.Sprintf("ev-%d", time.Now().UnixNano()),
		Time:     time.Now().UTC(),
		Type:     eventType,
		Severity: severity,
		Agent:    agent,
		Details:  details,
	}
}

// JSON serializes the event
func (e *Event) JSON() ([]byte, error) {
	return json.Marshal(e)
}

// Bus is an in-process pub/sub stream of security events.
// Slow subscribers are skipped, never blocked on.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]chan *Event // event type -> channels
	allSubs     []chan *Event
	logger      *slog.Logger
	bufferSize  int
}

// NewBus creates an event bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subscribers: make(map[string][]chan *Event),
		allSubs:     make([]chan *Event, 0),
		logger:      logger.With("component", "events"),
		bufferSize:  100,
	}
}

// Subscribe creates a channel receiving events of the given types.
// Pass no types to receive all events.
func (b *Bus) Subscribe(eventTypes ...string) chan *Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *Event, b.bufferSize)

	if len(eventTypes) == 0 {
		b.allSubs = append(b.allSubs, ch)
	} else {
		for _, et := range eventTypes {
			b.subscribers[et] = append(b.subscribers[et], ch)
		}
	}

	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (b *Bus) Unsubscribe(ch chan *Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for et, subs := range b.subscribers {
		filtered := make([]chan *Event, 0, len(subs))
		for _, s := range subs {
			if s != ch {
				filtered = append(filtered, s)
			}
		}
		b.subscribers[et] = filtered
	}

	filtered := make([]chan *Event, 0, len(b.allSubs))
	for _, s := range b.allSubs {
		if s != ch {
			filtered = append(filtered, s)
		}
	}
	b.allSubs = filtered

	close(ch)
}

// Publish sends an event to all matching subscribers.
func (b *Bus) Publish(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers[event.Type] {
		select {
		case ch <- event:
		default:
			// Channel full, skip
		}
	}

	for _, ch := range b.allSubs {
		select {
		case ch <- event:
		default:
		}
	}
}

// Emit creates and publishes an event.
func (b *Bus) Emit(eventType, severity, agent string, details map[string]interface{}) {
	b.Publish(NewEvent(eventType, severity, agent, details))
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := len(b.allSubs)
	for _, subs := range b.subscribers {
		count += len(subs)
	}
	return count
}

// AppendFunc persists one event; the store adapter provides it.
type AppendFunc func(ctx context.Context, event *Event) error

// RunSink drains a subscription into fn until ctx is cancelled. Append
// failures are logged and dropped; the audit stream must never block the
// fabric.
func RunSink(ctx context.Context, bus *Bus, fn AppendFunc) {
	ch := bus.Subscribe()
	defer bus.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := fn(ctx, ev); err != nil {
				bus.logger.Warn("Failed to persist security event",
					"type", ev.Type, "error", err)
			}
		}
	}
}

var _ Emitter = (*Bus)(nil)

package router

import (
	"sort"
	"sync"
	"time"

	"github.com/planmesh/core/internal/protocol"
)

// ============================================================================
// REQUEST-RESPONSE CORRELATION
// ============================================================================

// waiter is one outstanding request. Local waiters (Request callers)
// receive the response on ch; remote waiters get it enqueued back to
// their agent.
type waiter struct {
	source   string
	deadline time.Time
	ch       chan *protocol.Frame
	errCh    chan error
}

type correlationTable struct {
	mu      sync.Mutex
	waiters map[protocol.MessageID]*waiter
}

func newCorrelationTable() *correlationTable {
	return &correlationTable{waiters: make(map[protocol.MessageID]*waiter)}
}

// register records an outstanding request. Local callers pass buffered
// channels; agent-originated requests pass nil and get responses routed
// back through their queue.
func (t *correlationTable) register(id protocol.MessageID, source string, deadline time.Time, ch chan *protocol.Frame, errCh chan error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.waiters[id]; exists {
		return false
	}
	t.waiters[id] = &waiter{source: source, deadline: deadline, ch: ch, errCh: errCh}
	return true
}

// take claims the waiter for a response, removing it. Returns nil when
// the request is unknown or already answered.
func (t *correlationTable) take(id protocol.MessageID) *waiter {
	t.mu.Lock()
	defer t.mu.Unlock()
	w := t.waiters[id]
	delete(t.waiters, id)
	return w
}

// cancel removes a waiter without completing it.
func (t *correlationTable) cancel(id protocol.MessageID) {
	t.mu.Lock()
	delete(t.waiters, id)
	t.mu.Unlock()
}

// expire removes and returns waiters whose deadline has passed.
func (t *correlationTable) expire(now time.Time) []*waiter {
	t.mu.Lock()
	defer t.mu.Unlock()
	var dead []*waiter
	for id, w := range t.waiters {
		if now.After(w.deadline) {
			dead = append(dead, w)
			delete(t.waiters, id)
		}
	}
	return dead
}

func (t *correlationTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.waiters)
}

// ============================================================================
// TOPICS AND WORK GROUPS
// ============================================================================

// subscription joins an agent to a named channel. The message pattern
// decides the delivery shape: publish fans out to every member,
// work-queue hands each item to exactly one.
type subscription struct {
	ID    string
	Topic string
	Agent string

	// overflows counts consecutive full-queue drops; crossing the high
	// watermark evicts the subscription.
	overflows int
}

type topicTable struct {
	mu      sync.Mutex
	byTopic map[string]map[string]*subscription // topic -> sub id -> sub
	byID    map[string]*subscription
	cursors map[string]int // round-robin tie cursor per topic
}

func newTopicTable() *topicTable {
	return &topicTable{
		byTopic: make(map[string]map[string]*subscription),
		byID:    make(map[string]*subscription),
		cursors: make(map[string]int),
	}
}

func (t *topicTable) subscribe(agent, topic string) *subscription {
	t.mu.Lock()
	defer t.mu.Unlock()

	// One subscription per (agent, topic); re-subscribing returns the
	// existing id with its overflow count cleared.
	for _, sub := range t.byTopic[topic] {
		if sub.Agent == agent {
			sub.overflows = 0
			return sub
		}
	}

	sub := &subscription{
		ID:    protocol.NewMessageID().String(),
		Topic: topic,
		Agent: agent,
	}
	if t.byTopic[topic] == nil {
		t.byTopic[topic] = make(map[string]*subscription)
	}
	t.byTopic[topic][sub.ID] = sub
	t.byID[sub.ID] = sub
	return sub
}

func (t *topicTable) unsubscribe(id string) *subscription {
	t.mu.Lock()
	defer t.mu.Unlock()
	sub := t.byID[id]
	if sub == nil {
		return nil
	}
	delete(t.byID, id)
	delete(t.byTopic[sub.Topic], id)
	if len(t.byTopic[sub.Topic]) == 0 {
		delete(t.byTopic, sub.Topic)
		delete(t.cursors, sub.Topic)
	}
	return sub
}

// members snapshots the subscriptions of one topic in stable id order.
func (t *topicTable) members(topic string) []*subscription {
	t.mu.Lock()
	defer t.mu.Unlock()
	subs := make([]*subscription, 0, len(t.byTopic[topic]))
	for _, sub := range t.byTopic[topic] {
		subs = append(subs, sub)
	}
	sortSubs(subs)
	return subs
}

// dropAgent removes every subscription held by an agent.
func (t *topicTable) dropAgent(agent string) []*subscription {
	t.mu.Lock()
	defer t.mu.Unlock()
	var dropped []*subscription
	for id, sub := range t.byID {
		if sub.Agent != agent {
			continue
		}
		dropped = append(dropped, sub)
		delete(t.byID, id)
		delete(t.byTopic[sub.Topic], id)
		if len(t.byTopic[sub.Topic]) == 0 {
			delete(t.byTopic, sub.Topic)
			delete(t.cursors, sub.Topic)
		}
	}
	return dropped
}

// drop removes a specific subscription if it still exists.
func (t *topicTable) drop(sub *subscription) bool {
	return t.unsubscribe(sub.ID) != nil
}

// nextCursor advances the round-robin tie breaker for a topic.
func (t *topicTable) nextCursor(topic string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := t.cursors[topic]
	t.cursors[topic] = c + 1
	return c
}

// bumpOverflow counts a full-queue drop and returns the consecutive
// overflow total for this subscription.
func (t *topicTable) bumpOverflow(sub *subscription) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	sub.overflows++
	return sub.overflows
}

// clearOverflow resets the drop streak after a successful delivery.
func (t *topicTable) clearOverflow(sub *subscription) {
	t.mu.Lock()
	sub.overflows = 0
	t.mu.Unlock()
}

func sortSubs(subs []*subscription) {
	sort.Slice(subs, func(i, j int) bool { return subs[i].ID < subs[j].ID })
}

// ============================================================================
// WORK-QUEUE IN-FLIGHT TRACKING
// ============================================================================

// workItem is one work-queue message claimed by a member and awaiting
// its ack.
type workItem struct {
	frame      *protocol.Frame
	group      string
	member     string
	deadline   time.Time
	deliveries int
	notify     func(err error)
}

type workTable struct {
	mu       sync.Mutex
	inflight map[protocol.MessageID]*workItem
	loads    map[string]int // member -> unacked items
}

func newWorkTable() *workTable {
	return &workTable{
		inflight: make(map[protocol.MessageID]*workItem),
		loads:    make(map[string]int),
	}
}

// claim records a delivery of item to member and bumps the member's load.
func (w *workTable) claim(item *workItem, member string, deadline time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	item.member = member
	item.deadline = deadline
	item.deliveries++
	w.inflight[item.frame.Header.MessageID] = item
	w.loads[member]++
}

// load reports the member's unacked item count.
func (w *workTable) load(member string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.loads[member]
}

// ack completes an item. The acking agent must be the member the item
// was delivered to; stale acks after a redelivery are ignored.
func (w *workTable) ack(member string, id protocol.MessageID) *workItem {
	w.mu.Lock()
	defer w.mu.Unlock()
	item := w.inflight[id]
	if item == nil || item.member != member {
		return nil
	}
	delete(w.inflight, id)
	w.decLocked(member)
	return item
}

// release detaches an item from its member without completing it, for
// redelivery.
func (w *workTable) release(id protocol.MessageID) *workItem {
	w.mu.Lock()
	defer w.mu.Unlock()
	item := w.inflight[id]
	if item == nil {
		return nil
	}
	delete(w.inflight, id)
	w.decLocked(item.member)
	return item
}

// expire releases every item whose ack deadline has passed.
func (w *workTable) expire(now time.Time) []*workItem {
	w.mu.Lock()
	defer w.mu.Unlock()
	var late []*workItem
	for id, item := range w.inflight {
		if now.After(item.deadline) {
			late = append(late, item)
			delete(w.inflight, id)
			w.decLocked(item.member)
		}
	}
	return late
}

// releaseMember releases every item claimed by a departing member.
func (w *workTable) releaseMember(member string) []*workItem {
	w.mu.Lock()
	defer w.mu.Unlock()
	var orphans []*workItem
	for id, item := range w.inflight {
		if item.member != member {
			continue
		}
		orphans = append(orphans, item)
		delete(w.inflight, id)
	}
	delete(w.loads, member)
	return orphans
}

func (w *workTable) decLocked(member string) {
	if w.loads[member] > 1 {
		w.loads[member]--
	} else {
		delete(w.loads, member)
	}
}

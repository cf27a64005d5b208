// Package router moves frames between attached agents over a set of
// transport lanes. Each bound agent gets priority class queues, a
// per-target delivery pump, and a circuit breaker; exchange patterns
// (request-response, publish, work-queue, broadcast, multicast) decide
// how a frame picks its recipients.
package router

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/planmesh/core/internal/events"
	"github.com/planmesh/core/internal/fault"
	"github.com/planmesh/core/internal/metrics"
	"github.com/planmesh/core/internal/protocol"
	"github.com/planmesh/core/internal/registry"
)

// ============================================================================
// CONFIGURATION
// ============================================================================

// Config wires the router's collaborators and tuning knobs. Zero values
// fall back to defaults suitable for a single-host deployment.
type Config struct {
	// DefaultDeadline applies to messages submitted without one.
	DefaultDeadline time.Duration

	// MaxRetries bounds transport retries and work-queue redeliveries.
	MaxRetries int

	// RingBytes sizes each agent's tier-1 shared-memory segment.
	RingBytes int

	// HighWatermark is the consecutive-overflow count after which a slow
	// subscriber is dropped from its topic.
	HighWatermark int

	// AgingInterval paces the per-target sweep that promotes starved
	// messages and expires dead ones.
	AgingInterval time.Duration

	// JanitorInterval paces retry dispatch, correlation expiry, and
	// work-queue ack timeouts.
	JanitorInterval time.Duration

	// DataDir holds ring segments, mapped queues, and spool directories.
	DataDir string

	// ClassBounds overrides the per-priority queue bounds when non-zero.
	ClassBounds [numClasses]int

	Registry *registry.Registry
	Bus      events.Emitter
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// target is the router-side state for one bound agent.
type target struct {
	name    string
	queue   *targetQueue
	lanes   *laneSet
	breaker *targetBreaker

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// halt stops the delivery pump and waits for it to exit.
func (tgt *target) halt() {
	tgt.stopOnce.Do(func() { close(tgt.stop) })
	<-tgt.done
}

// scheduledRetry is a failed delivery waiting out its backoff.
type scheduledRetry struct {
	target string
	item   *pending
	dueAt  time.Time
}

// Router owns every bound target and the pattern tables shared across
// them.
type Router struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.RWMutex
	targets  map[string]*target
	draining bool

	correlations *correlationTable
	topics       *topicTable
	work         *workTable

	retryMu sync.Mutex
	retries []*scheduledRetry
}

// New builds a router. Metrics and Logger are optional; missing ones are
// replaced with throwaways so tests can construct routers bare.
func New(cfg Config) *Router {
	if cfg.DefaultDeadline <= 0 {
		cfg.DefaultDeadline = 5 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.RingBytes <= 0 {
		cfg.RingBytes = 4 << 20
	}
	if cfg.HighWatermark <= 0 {
		cfg.HighWatermark = 8
	}
	if cfg.AgingInterval <= 0 {
		cfg.AgingInterval = 100 * time.Millisecond
	}
	if cfg.JanitorInterval <= 0 {
		cfg.JanitorInterval = 10 * time.Millisecond
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "/tmp/core"
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewMetrics(prometheus.NewRegistry())
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Router{
		cfg:          cfg,
		logger:       cfg.Logger.With("component", "router"),
		targets:      make(map[string]*target),
		correlations: newCorrelationTable(),
		topics:       newTopicTable(),
		work:         newWorkTable(),
	}
}

// ============================================================================
// BINDING
// ============================================================================

// BindOptions carries the per-agent delivery settings established at
// registration.
type BindOptions struct {
	// FrameKey signs frames handed to this agent. Empty means the agent
	// attaches over a trusted in-process path.
	FrameKey []byte

	// PreferredTier caps how strong a lane this agent can use.
	PreferredTier protocol.Tier
}

// Bind attaches an agent to the fabric: queues, lanes, breaker, and a
// delivery pump. Rebinding an already-bound agent refreshes its key and
// tier without disturbing queued traffic.
func (r *Router) Bind(name string, opts BindOptions) error {
	r.mu.Lock()
	if r.draining {
		r.mu.Unlock()
		return fault.New(fault.CodeConflict, "core is draining, not accepting binds")
	}
	if existing := r.targets[name]; existing != nil {
		r.mu.Unlock()
		existing.lanes.setFrameKey(opts.FrameKey)
		if opts.PreferredTier == protocol.TierSharedMemory {
			if err := existing.lanes.openRing(r.cfg.RingBytes); err != nil {
				r.logger.Warn("Ring open failed on rebind, staying on stream lanes", "agent", name, "error", err)
			}
		}
		return nil
	}

	tgt := &target{
		name:  name,
		queue: newTargetQueue(name, r.cfg.ClassBounds),
		lanes: newLaneSet(name, r.cfg.DataDir),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	tgt.breaker = newTargetBreaker(func(open bool) {
		r.cfg.Metrics.SetBreakerOpen(name, open)
	})
	tgt.lanes.setFrameKey(opts.FrameKey)
	r.targets[name] = tgt
	r.mu.Unlock()

	if opts.PreferredTier == protocol.TierSharedMemory {
		if err := tgt.lanes.openRing(r.cfg.RingBytes); err != nil {
			// Degrade to the stream lanes rather than refusing the bind.
			r.logger.Warn("Ring open failed, agent degraded to stream lanes", "agent", name, "error", err)
		}
	}

	go r.pump(tgt)
	r.logger.Debug("Agent bound", "agent", name, "tier", opts.PreferredTier.String())
	return nil
}

// Unbind detaches an agent. Queued messages fail with NO_TARGET, its
// subscriptions are dropped, and unacked work items go back for
// redelivery to surviving group members.
func (r *Router) Unbind(name string) {
	r.mu.Lock()
	tgt := r.targets[name]
	delete(r.targets, name)
	r.mu.Unlock()
	if tgt == nil {
		return
	}

	tgt.halt()

	orphans := tgt.queue.close()
	for _, p := range orphans {
		r.finishItem(p, "none", fault.New(fault.CodeNoTarget, "agent %s departed", name))
	}
	tgt.lanes.close()
	r.topics.dropAgent(name)
	for _, item := range r.work.releaseMember(name) {
		r.requeueWork(item)
	}

	for cls := 0; cls < numClasses; cls++ {
		r.cfg.Metrics.SetQueueDepth(name, protocol.Priority(cls).String(), 0)
	}
	r.logger.Debug("Agent unbound", "agent", name, "orphaned", len(orphans))
}

// Bound reports whether an agent is currently attached.
func (r *Router) Bound(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.targets[name] != nil
}

// RingPath reports where an agent's tier-1 segment lives, or "" when the
// agent has no ring.
func (r *Router) RingPath(name string) string {
	tgt := r.target(name)
	if tgt == nil {
		return ""
	}
	tgt.lanes.mu.Lock()
	hasRing := tgt.lanes.ring != nil
	tgt.lanes.mu.Unlock()
	if !hasRing {
		return ""
	}
	return tgt.lanes.RingPath()
}

// SetConnTier records which conn class currently serves an agent, so
// tier-2 delivery is refused when only a TCP conn is attached.
func (r *Router) SetConnTier(name string, tier protocol.Tier) {
	if tgt := r.target(name); tgt != nil {
		tgt.lanes.setConnTier(tier)
	}
}

// QueueDepth reports the total queued count for an agent.
func (r *Router) QueueDepth(name string) int {
	tgt := r.target(name)
	if tgt == nil {
		return 0
	}
	return tgt.queue.depth()
}

// Saturation reports how full the admission queues are across all bound
// agents, from 0 idle to 1 when every class is at its bound. The planner
// samples this to shrink its dispatch window under load.
func (r *Router) Saturation() float64 {
	targets := r.boundTargets()
	if len(targets) == 0 {
		return 0
	}
	perTarget := 0
	for i, b := range r.cfg.ClassBounds {
		if b <= 0 {
			b = defaultClassBounds[i]
		}
		perTarget += b
	}
	if perTarget == 0 {
		return 0
	}
	queued := 0
	for _, tgt := range targets {
		queued += tgt.queue.depth()
	}
	s := float64(queued) / float64(perTarget*len(targets))
	if s > 1 {
		s = 1
	}
	return s
}

// SubscriptionOwner reports which agent holds a subscription.
func (r *Router) SubscriptionOwner(id string) (string, bool) {
	r.topics.mu.Lock()
	defer r.topics.mu.Unlock()
	sub, ok := r.topics.byID[id]
	if !ok {
		return "", false
	}
	return sub.Agent, true
}

func (r *Router) target(name string) *target {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.targets[name]
}

func (r *Router) boundTargets() []*target {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*target, 0, len(r.targets))
	for _, t := range r.targets {
		out = append(out, t)
	}
	return out
}

// lookupTarget resolves a recipient or reports NO_TARGET, emitting a
// discovery-miss audit event attributed to the sender.
func (r *Router) lookupTarget(name, source string) (*target, error) {
	tgt := r.target(name)
	if tgt == nil {
		r.emit(events.TypeDiscoveryMiss, events.SeverityInfo, source, map[string]interface{}{"target": name})
		r.cfg.Metrics.RecordRejection("no_target")
		return nil, fault.New(fault.CodeNoTarget, "unknown target %q", name)
	}
	return tgt, nil
}

// ============================================================================
// SEND
// ============================================================================

// SendRequest is one admission into the fabric.
type SendRequest struct {
	// Source is the authenticated sender; it must match the frame's
	// source field. Empty skips the check for runtime-internal sends.
	Source string

	Frame *protocol.Frame

	// Targets enumerates multicast recipients. Other patterns ignore it.
	Targets []string

	// Deadline caps how long the fabric may hold the message. Zero means
	// now plus the configured default.
	Deadline time.Time

	// SenderKey verifies the frame's integrity tag when it carries one.
	// Nil skips verification for trusted in-process senders.
	SenderKey []byte

	// Notify, when set, observes the terminal outcome of the message:
	// nil on delivery (or ack, for work-queue), the fault otherwise.
	Notify func(err error)
}

// Send admits one frame. The returned error covers admission and
// synchronous routing failures; delivery faults after admission reach
// the caller only through Notify or a correlation waiter.
func (r *Router) Send(ctx context.Context, req SendRequest) error {
	f := req.Frame
	if f == nil || f.Header == nil {
		r.cfg.Metrics.RecordRejection("invalid_message")
		return fault.New(fault.CodeInvalidMessage, "missing frame")
	}
	if err := f.Header.Validate(); err != nil {
		r.cfg.Metrics.RecordRejection("invalid_message")
		return fault.Wrap(fault.CodeInvalidMessage, err)
	}
	if req.Source != "" && f.SourceName() != req.Source {
		r.cfg.Metrics.RecordRejection("invalid_message")
		return fault.New(fault.CodeInvalidMessage, "frame source %q does not match session agent %q", f.SourceName(), req.Source)
	}

	now := time.Now()
	deadline := req.Deadline
	if deadline.IsZero() {
		deadline = now.Add(r.cfg.DefaultDeadline)
	}
	if !deadline.After(now) {
		r.cfg.Metrics.RecordRejection("deadline_exceeded")
		return fault.New(fault.CodeDeadlineExceeded, "message deadline is not in the future")
	}

	if f.Header.HasFlag(protocol.FlagHMACPresent) && len(req.SenderKey) > 0 {
		if !protocol.VerifyFrame(f, req.SenderKey) {
			r.emit(events.TypeHMACFailure, events.SeverityWarning, f.SourceName(), map[string]interface{}{
				"message_id": f.Header.MessageID.String(),
				"target":     f.TargetName(),
			})
			r.cfg.Metrics.RecordRejection("hmac_failure")
			return fault.New(fault.CodeHMACFailure, "frame integrity check failed")
		}
	}

	r.mu.RLock()
	draining := r.draining
	r.mu.RUnlock()
	if draining {
		return fault.New(fault.CodeConflict, "core is draining, not accepting messages")
	}

	switch f.Header.Pattern {
	case protocol.PatternRequestResponse:
		if !f.Header.CorrelationID.IsZero() {
			return r.routeResponse(ctx, f, deadline)
		}
		return r.routeRequest(ctx, req, f, deadline)
	case protocol.PatternPublish:
		return r.routePublish(f, deadline)
	case protocol.PatternWorkQueue:
		return r.routeWork(ctx, f, deadline, req.Notify)
	case protocol.PatternBroadcast:
		return r.routeBroadcast(f, deadline)
	case protocol.PatternMulticast:
		return r.routeMulticast(req, f, deadline)
	default:
		r.cfg.Metrics.RecordRejection("invalid_message")
		return fault.New(fault.CodeInvalidMessage, "unknown pattern %d", f.Header.Pattern)
	}
}

// routeRequest delivers a fresh request and arms its correlation waiter.
func (r *Router) routeRequest(ctx context.Context, req SendRequest, f *protocol.Frame, deadline time.Time) error {
	source := f.SourceName()
	tgt, err := r.lookupTarget(f.TargetName(), source)
	if err != nil {
		return err
	}

	// A local Request caller pre-registers its waiter; agent-originated
	// requests get a remote waiter so the response routes back to them.
	id := f.Header.MessageID
	r.correlations.register(id, source, deadline, nil, nil)

	item := &pending{
		frame:    f,
		pattern:  f.Header.Pattern,
		class:    f.Header.Priority,
		deadline: deadline,
		enqueued: time.Now(),
		notify: func(err error) {
			if err != nil {
				if w := r.correlations.take(id); w != nil {
					failWaiter(w, err)
				}
			}
			if req.Notify != nil {
				req.Notify(err)
			}
		},
	}
	if err := r.enqueue(ctx, tgt, item); err != nil {
		r.correlations.cancel(id)
		return err
	}
	return nil
}

// routeResponse matches a response to its waiter. Responses that arrive
// after the waiter expired are dropped silently and counted.
func (r *Router) routeResponse(ctx context.Context, f *protocol.Frame, deadline time.Time) error {
	w := r.correlations.take(f.Header.CorrelationID)
	if w == nil || time.Now().After(w.deadline) {
		r.cfg.Metrics.LateResponses.Inc()
		r.logger.Debug("Late response dropped",
			"correlation_id", f.Header.CorrelationID.String(),
			"source", f.SourceName())
		return nil
	}

	if w.ch != nil {
		select {
		case w.ch <- f:
		default:
		}
		return nil
	}

	tgt, err := r.lookupTarget(w.source, f.SourceName())
	if err != nil {
		return err
	}
	item := &pending{
		frame:    retarget(f, w.source),
		pattern:  f.Header.Pattern,
		class:    f.Header.Priority,
		deadline: deadline,
		enqueued: time.Now(),
	}
	return r.enqueue(ctx, tgt, item)
}

// routePublish fans a frame out to every topic subscriber. Publishing to
// an empty topic succeeds as a no-op; slow subscribers accumulate
// overflow strikes and are evicted at the high watermark.
func (r *Router) routePublish(f *protocol.Frame, deadline time.Time) error {
	topic := f.TargetName()
	now := time.Now()
	for _, sub := range r.topics.members(topic) {
		tgt := r.target(sub.Agent)
		if tgt == nil {
			r.topics.drop(sub)
			continue
		}
		item := &pending{
			frame:    retarget(f, sub.Agent),
			pattern:  f.Header.Pattern,
			class:    f.Header.Priority,
			deadline: deadline,
			enqueued: now,
		}
		if err := tgt.queue.tryOffer(item); err != nil {
			r.cfg.Metrics.RecordRouted("none", item.pattern.String(), item.class.String(), "dropped", 0)
			if r.topics.bumpOverflow(sub) >= r.cfg.HighWatermark && r.topics.drop(sub) {
				r.emit(events.TypeSubscriberDrop, events.SeverityWarning, sub.Agent, map[string]interface{}{
					"topic":     topic,
					"overflows": r.cfg.HighWatermark,
				})
				r.logger.Warn("Slow subscriber dropped from topic", "agent", sub.Agent, "topic", topic)
			}
			continue
		}
		r.topics.clearOverflow(sub)
		r.updateDepthGauges(tgt)
	}
	return nil
}

// routeWork admits a work item and dispatches it to the least-loaded
// live group member.
func (r *Router) routeWork(ctx context.Context, f *protocol.Frame, deadline time.Time, notify func(error)) error {
	item := &workItem{
		frame:    f,
		group:    f.TargetName(),
		deadline: deadline,
		notify:   notify,
	}
	return r.dispatchWork(ctx, item, f.SourceName())
}

// dispatchWork claims the item for one member and enqueues the delivery
// copy. Ties on load break round-robin so equally idle members share
// the stream.
func (r *Router) dispatchWork(ctx context.Context, item *workItem, source string) error {
	var live []*subscription
	for _, sub := range r.topics.members(item.group) {
		if tgt := r.target(sub.Agent); tgt != nil {
			if open, _ := tgt.breaker.Open(time.Now()); open {
				continue
			}
			live = append(live, sub)
		}
	}
	if len(live) == 0 {
		r.emit(events.TypeDiscoveryMiss, events.SeverityInfo, source, map[string]interface{}{"group": item.group})
		r.cfg.Metrics.RecordRejection("no_target")
		return fault.New(fault.CodeNoTarget, "no live members in group %q", item.group)
	}

	minLoad := -1
	var tied []string
	for _, sub := range live {
		load := r.work.load(sub.Agent)
		switch {
		case minLoad < 0 || load < minLoad:
			minLoad = load
			tied = tied[:0]
			tied = append(tied, sub.Agent)
		case load == minLoad:
			tied = append(tied, sub.Agent)
		}
	}
	member := tied[r.topics.nextCursor(item.group)%len(tied)]
	tgt := r.target(member)
	if tgt == nil {
		return fault.New(fault.CodeNoTarget, "member %q departed during dispatch", member)
	}

	r.work.claim(item, member, item.deadline)

	cp := retarget(item.frame, member)
	cp.Header.SetFlag(protocol.FlagRequiresAck)
	p := &pending{
		frame:    cp,
		pattern:  item.frame.Header.Pattern,
		class:    item.frame.Header.Priority,
		deadline: item.deadline,
		enqueued: time.Now(),
		notify: func(err error) {
			if err != nil {
				r.workDeliveryFailed(item)
			}
		},
	}
	if err := r.enqueue(ctx, tgt, p); err != nil {
		r.work.release(item.frame.Header.MessageID)
		return err
	}
	return nil
}

// workDeliveryFailed puts a work item back in rotation after its
// delivery copy failed terminally on the claimed member.
func (r *Router) workDeliveryFailed(item *workItem) {
	if r.work.release(item.frame.Header.MessageID) == nil {
		return
	}
	r.requeueWork(item)
}

// requeueWork redelivers an unacked work item with a fresh backoff
// deadline, or fails it once the delivery budget is spent.
func (r *Router) requeueWork(item *workItem) {
	if item.deliveries > r.cfg.MaxRetries {
		r.cfg.Metrics.RecordRouted("none", item.frame.Header.Pattern.String(), item.frame.Header.Priority.String(), "failed", 0)
		r.logger.Warn("Work item failed, delivery budget spent",
			"message_id", item.frame.Header.MessageID.String(),
			"group", item.group,
			"deliveries", item.deliveries)
		if item.notify != nil {
			item.notify(fault.New(fault.CodeDeadlineExceeded, "work item unacked after %d deliveries", item.deliveries))
			item.notify = nil
		}
		return
	}
	item.deadline = time.Now().Add(backoff(item.deliveries - 1))
	r.cfg.Metrics.RecordRetry(item.frame.Header.Pattern.String())
	if err := r.dispatchWork(context.Background(), item, item.frame.SourceName()); err != nil {
		r.cfg.Metrics.RecordRouted("none", item.frame.Header.Pattern.String(), item.frame.Header.Priority.String(), "failed", 0)
		if item.notify != nil {
			item.notify(err)
			item.notify = nil
		}
	}
}

// routeBroadcast copies a frame to every bound agent except the sender.
// Delivery is best effort; full queues drop.
func (r *Router) routeBroadcast(f *protocol.Frame, deadline time.Time) error {
	source := f.SourceName()
	now := time.Now()
	for _, tgt := range r.boundTargets() {
		if tgt.name == source {
			continue
		}
		r.offerBestEffort(tgt, f, deadline, now)
	}
	return nil
}

// routeMulticast copies a frame to an enumerated recipient set. Every
// name must be bound up front; delivery after that is best effort.
func (r *Router) routeMulticast(req SendRequest, f *protocol.Frame, deadline time.Time) error {
	names := req.Targets
	if len(names) == 0 {
		if t := f.TargetName(); t != "" && !protocol.IsBroadcastTarget(f.Header.Target) {
			names = []string{t}
		}
	}
	if len(names) == 0 {
		r.cfg.Metrics.RecordRejection("invalid_message")
		return fault.New(fault.CodeInvalidMessage, "multicast requires at least one target")
	}

	source := f.SourceName()
	targets := make([]*target, len(names))
	for i, name := range names {
		tgt, err := r.lookupTarget(name, source)
		if err != nil {
			return err
		}
		targets[i] = tgt
	}

	now := time.Now()
	for _, tgt := range targets {
		r.offerBestEffort(tgt, f, deadline, now)
	}
	return nil
}

func (r *Router) offerBestEffort(tgt *target, f *protocol.Frame, deadline, now time.Time) {
	item := &pending{
		frame:    retarget(f, tgt.name),
		pattern:  f.Header.Pattern,
		class:    f.Header.Priority,
		deadline: deadline,
		enqueued: now,
	}
	if err := tgt.queue.tryOffer(item); err != nil {
		r.cfg.Metrics.RecordRouted("none", item.pattern.String(), item.class.String(), "dropped", 0)
		r.logger.Debug("Fan-out drop", "target", tgt.name, "error", err)
		return
	}
	r.updateDepthGauges(tgt)
}

// ============================================================================
// ENQUEUE
// ============================================================================

// enqueue applies admission control for point-to-point delivery: breaker
// fail-fast, class queue policy, and the batch spill to the durable tier.
func (r *Router) enqueue(ctx context.Context, tgt *target, item *pending) error {
	if open, remaining := tgt.breaker.Open(time.Now()); open {
		r.cfg.Metrics.RecordRejection("transport_failed")
		return fault.New(fault.CodeTransportFailed, "circuit open for %s", tgt.name).AsRetryable(remaining)
	}

	err := tgt.queue.offer(ctx, item)
	switch {
	case err == nil:
		r.updateDepthGauges(tgt)
		return nil

	case errors.Is(err, errSpill):
		if derr := tgt.lanes.deliver(protocol.TierMappedQueue, item.frame); derr != nil {
			if derr = tgt.lanes.deliver(protocol.TierFile, item.frame); derr != nil {
				r.cfg.Metrics.RecordRejection("queue_full")
				return fault.Wrap(fault.CodeQueueFull, derr)
			}
		}
		r.cfg.Metrics.Spills.Inc()
		r.cfg.Metrics.RecordRouted(protocol.TierMappedQueue.String(), item.pattern.String(), item.class.String(), "delivered", time.Since(item.enqueued).Seconds())
		item.finish(nil)
		return nil

	case errors.Is(err, errQueueFull):
		r.cfg.Metrics.RecordRejection("queue_full")
		return fault.New(fault.CodeQueueFull, "queue full for %s", tgt.name).AsRetryable(blockBudget)

	case errors.Is(err, errQueueClosed):
		return fault.New(fault.CodeNoTarget, "agent %s departed", tgt.name)

	default:
		return err
	}
}

// ============================================================================
// AGENT-FACING OPERATIONS
// ============================================================================

// Recv blocks until a frame is available on the agent's live lane. It
// returns io.EOF once the agent unbinds and its mailbox is drained.
func (r *Router) Recv(ctx context.Context, name string) (*protocol.Frame, error) {
	tgt := r.target(name)
	if tgt == nil {
		return nil, fault.New(fault.CodeNotFound, "agent %q not attached", name)
	}
	// Drain before reporting EOF so unbind does not eat delivered frames.
	select {
	case f := <-tgt.lanes.mailbox:
		return f, nil
	default:
	}
	select {
	case f := <-tgt.lanes.mailbox:
		return f, nil
	case <-tgt.lanes.closedCh:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Request sends a request frame and blocks for its response, the
// deadline, or ctx. The frame must carry the request-response pattern
// and no correlation id.
func (r *Router) Request(ctx context.Context, req SendRequest) (*protocol.Frame, error) {
	f := req.Frame
	if f == nil || f.Header == nil {
		return nil, fault.New(fault.CodeInvalidMessage, "missing frame")
	}
	if f.Header.Pattern != protocol.PatternRequestResponse || !f.Header.CorrelationID.IsZero() {
		return nil, fault.New(fault.CodeInvalidMessage, "not a fresh request frame")
	}

	deadline := req.Deadline
	if deadline.IsZero() {
		deadline = time.Now().Add(r.cfg.DefaultDeadline)
		req.Deadline = deadline
	}

	id := f.Header.MessageID
	ch := make(chan *protocol.Frame, 1)
	errCh := make(chan error, 1)
	if !r.correlations.register(id, f.SourceName(), deadline, ch, errCh) {
		return nil, fault.New(fault.CodeConflict, "message id %s already in flight", id.String())
	}

	if err := r.Send(ctx, req); err != nil {
		r.correlations.cancel(id)
		return nil, err
	}

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case resp := <-ch:
		return resp, nil
	case err := <-errCh:
		return nil, err
	case <-timer.C:
		r.correlations.cancel(id)
		return nil, fault.New(fault.CodeDeadlineExceeded, "no response within deadline")
	case <-ctx.Done():
		r.correlations.cancel(id)
		return nil, ctx.Err()
	}
}

// Ack completes a work item previously delivered to agent. Unknown or
// stale acks (after a redelivery claimed the item elsewhere) report
// false.
func (r *Router) Ack(agent string, id protocol.MessageID) bool {
	item := r.work.ack(agent, id)
	if item == nil {
		return false
	}
	if item.notify != nil {
		item.notify(nil)
		item.notify = nil
	}
	r.logger.Debug("Work item acked", "agent", agent, "message_id", id.String())
	return true
}

// Subscribe joins a bound agent to a topic and returns the subscription
// id. Subscribing twice to the same topic is idempotent.
func (r *Router) Subscribe(agent, topic string) (string, error) {
	topic = strings.TrimSpace(topic)
	if _, err := protocol.EncodeName(topic); err != nil {
		return "", fault.Wrap(fault.CodeInvalidMessage, err)
	}
	if r.target(agent) == nil {
		return "", fault.New(fault.CodeNotFound, "agent %q not attached", agent)
	}
	sub := r.topics.subscribe(agent, topic)
	return sub.ID, nil
}

// Unsubscribe removes a subscription by id.
func (r *Router) Unsubscribe(id string) error {
	if r.topics.unsubscribe(id) == nil {
		return fault.New(fault.CodeNotFound, "unknown subscription %s", id)
	}
	return nil
}

// Subscriptions lists the topics an agent is joined to.
func (r *Router) Subscriptions(agent string) []string {
	var topics []string
	seen := make(map[string]bool)
	r.topics.mu.Lock()
	for _, sub := range r.topics.byID {
		if sub.Agent == agent && !seen[sub.Topic] {
			seen[sub.Topic] = true
			topics = append(topics, sub.Topic)
		}
	}
	r.topics.mu.Unlock()
	sort.Strings(topics)
	return topics
}

// ============================================================================
// HELPERS
// ============================================================================

func (r *Router) emit(eventType, severity, agent string, details map[string]interface{}) {
	if r.cfg.Bus == nil {
		return
	}
	r.cfg.Bus.Emit(eventType, severity, agent, details)
}

func (r *Router) updateDepthGauges(tgt *target) {
	depths := tgt.queue.classDepths()
	for cls, d := range depths {
		r.cfg.Metrics.SetQueueDepth(tgt.name, protocol.Priority(cls).String(), d)
	}
}

// finishItem records the terminal outcome of a pending delivery and
// fires its callback.
func (r *Router) finishItem(item *pending, tier string, err error) {
	outcome := "failed"
	if fault.IsCode(err, fault.CodeDeadlineExceeded) {
		outcome = "expired"
	}
	r.cfg.Metrics.RecordRouted(tier, item.pattern.String(), item.class.String(), outcome, 0)
	item.finish(err)
}

func failWaiter(w *waiter, err error) {
	if w.errCh == nil {
		return
	}
	select {
	case w.errCh <- err:
	default:
	}
}

// retarget clones a frame addressed to one recipient. Payload bytes are
// shared; the header is copied so per-recipient fields diverge safely.
func retarget(f *protocol.Frame, name string) *protocol.Frame {
	hdr := *f.Header
	if encoded, err := protocol.EncodeName(name); err == nil {
		hdr.Target = encoded
	}
	return &protocol.Frame{Header: &hdr, Payload: f.Payload}
}

package router

import (
	"context"
	"errors"
	"time"

	"github.com/planmesh/core/internal/fault"
	"github.com/planmesh/core/internal/protocol"
)

// drainBatch caps how many durable frames one sweep tick migrates to the
// live lanes, so a deep backlog cannot starve fresh traffic.
const drainBatch = 32

// ============================================================================
// PER-TARGET PUMP
// ============================================================================

// pump is the delivery goroutine for one bound target. It drains the
// class queues strongest-first, walks the tier ladder per frame, ages
// and expires queued messages, and migrates spilled frames back to the
// live lanes.
func (r *Router) pump(tgt *target) {
	defer close(tgt.done)
	ticker := time.NewTicker(r.cfg.AgingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-tgt.stop:
			return
		case <-tgt.queue.ready:
			r.drainTarget(tgt)
		case now := <-ticker.C:
			r.sweepTarget(tgt, now)
			r.drainDurable(tgt)
			r.drainTarget(tgt)
		}
	}
}

func (r *Router) drainTarget(tgt *target) {
	for {
		select {
		case <-tgt.stop:
			return
		default:
		}
		item := tgt.queue.next()
		if item == nil {
			r.updateDepthGauges(tgt)
			return
		}
		r.deliverItem(tgt, item)
	}
}

// deliverItem walks the tier ladder for one message: start at the
// effective tier, degrade one step per unavailable lane, and count each
// downgrade. Running out of tiers trips the breaker and hands the item
// to the retry policy.
func (r *Router) deliverItem(tgt *target, item *pending) {
	now := time.Now()
	if now.After(item.deadline) {
		r.finishItem(item, "none", fault.New(fault.CodeDeadlineExceeded, "deadline passed in queue for %s", tgt.name))
		return
	}

	gen, ok, retryAfter := tgt.breaker.Allow(now)
	if !ok {
		r.retryOrFail(tgt, item,
			fault.New(fault.CodeTransportFailed, "circuit open for %s", tgt.name).AsRetryable(retryAfter))
		return
	}

	tier := r.effectiveTier(item, tgt)
	for {
		err := tgt.lanes.deliver(tier, item.frame)
		if err == nil {
			tgt.breaker.Record(gen, true, time.Now())
			r.cfg.Metrics.RecordRouted(tier.String(), item.pattern.String(), item.class.String(), "delivered", time.Since(item.enqueued).Seconds())
			item.finish(nil)
			return
		}
		if tier >= protocol.TierFile {
			tgt.breaker.Record(gen, false, time.Now())
			r.logger.Warn("All tiers failed", "target", tgt.name, "message_id", item.frame.Header.MessageID.String())
			r.retryOrFail(tgt, item, fault.New(fault.CodeTransportFailed, "all transport tiers failed for %s", tgt.name))
			return
		}
		next := tier + 1
		r.cfg.Metrics.RecordDowngrade(tier.String(), next.String())
		if !errors.Is(err, errLaneUnavailable) {
			r.logger.Warn("Tier delivery failed", "target", tgt.name, "tier", tier.String(), "error", err)
		}
		tier = next
	}
}

// effectiveTier picks the strongest lane everyone involved supports:
// the weakest of the sender's preference, the recipient's preference,
// and the cap the priority class allows.
func (r *Router) effectiveTier(item *pending, tgt *target) protocol.Tier {
	tier := item.class.MaxTier()
	if r.cfg.Registry == nil {
		return tier
	}
	if rec, ok := r.cfg.Registry.Get(tgt.name); ok && rec.PreferredTier > tier {
		tier = rec.PreferredTier
	}
	if rec, ok := r.cfg.Registry.Get(item.frame.SourceName()); ok && rec.PreferredTier > tier {
		tier = rec.PreferredTier
	}
	return tier
}

// retryOrFail schedules a backoff retry for retryable patterns with
// budget left, otherwise finishes the item with the transport fault.
func (r *Router) retryOrFail(tgt *target, item *pending, cause *fault.Error) {
	if retryable(item.pattern) && item.attempts < r.cfg.MaxRetries {
		item.attempts++
		delay := backoff(item.attempts - 1)
		// The retry owns a fresh patience window: attempt time plus one
		// more backoff before it expires in queue.
		item.deadline = time.Now().Add(2 * delay)
		r.cfg.Metrics.RecordRetry(item.pattern.String())
		r.schedule(tgt.name, item, time.Now().Add(delay))
		return
	}
	r.finishItem(item, "none", cause)
}

// sweepTarget expires dead queue entries and promotes aged ones.
func (r *Router) sweepTarget(tgt *target, now time.Time) {
	promoted, expired := tgt.queue.sweep(now)
	for i := 0; i < promoted; i++ {
		r.cfg.Metrics.Promotions.Inc()
	}
	for _, p := range expired {
		r.finishItem(p, "none", fault.New(fault.CodeDeadlineExceeded, "deadline passed in queue for %s", tgt.name))
	}
	if promoted > 0 || len(expired) > 0 {
		r.updateDepthGauges(tgt)
	}
}

// drainDurable migrates spilled frames from the durable tiers onto the
// live lanes. When no live lane has room the frame goes back to the
// mapped queue and the drain yields until the next tick.
func (r *Router) drainDurable(tgt *target) {
	for i := 0; i < drainBatch; i++ {
		f, err := tgt.lanes.popDurable()
		if err != nil {
			r.logger.Warn("Durable drain failed", "target", tgt.name, "error", err)
			return
		}
		if f == nil {
			return
		}
		if tgt.lanes.deliver(protocol.TierSharedMemory, f) == nil {
			continue
		}
		if tgt.lanes.deliver(protocol.TierStream, f) == nil {
			continue
		}
		if err := tgt.lanes.deliver(protocol.TierMappedQueue, f); err != nil {
			r.logger.Error("Durable requeue failed, frame dropped", "target", tgt.name, "error", err)
			r.cfg.Metrics.RecordRouted("none", f.Header.Pattern.String(), f.Header.Priority.String(), "dropped", 0)
		}
		return
	}
}

// ============================================================================
// RETRY SCHEDULING AND JANITOR
// ============================================================================

func (r *Router) schedule(target string, item *pending, due time.Time) {
	r.retryMu.Lock()
	r.retries = append(r.retries, &scheduledRetry{target: target, item: item, dueAt: due})
	r.retryMu.Unlock()
}

// dispatchDueRetries re-offers every scheduled retry whose backoff has
// elapsed.
func (r *Router) dispatchDueRetries(now time.Time) {
	r.retryMu.Lock()
	var due []*scheduledRetry
	still := r.retries[:0]
	for _, s := range r.retries {
		if now.Before(s.dueAt) {
			still = append(still, s)
		} else {
			due = append(due, s)
		}
	}
	for i := len(still); i < len(r.retries); i++ {
		r.retries[i] = nil
	}
	r.retries = still
	r.retryMu.Unlock()

	for _, s := range due {
		tgt := r.target(s.target)
		if tgt == nil {
			r.finishItem(s.item, "none", fault.New(fault.CodeNoTarget, "agent %s departed", s.target))
			continue
		}
		if err := tgt.queue.tryOffer(s.item); err != nil {
			r.finishItem(s.item, "none", fault.New(fault.CodeQueueFull, "queue full on retry for %s", s.target))
		}
	}
}

// expireCorrelations times out waiters whose deadline passed without a
// response.
func (r *Router) expireCorrelations(now time.Time) {
	for _, w := range r.correlations.expire(now) {
		failWaiter(w, fault.New(fault.CodeDeadlineExceeded, "no response within deadline"))
	}
}

// redeliverExpiredWork requeues work items whose ack deadline passed.
func (r *Router) redeliverExpiredWork(now time.Time) {
	for _, item := range r.work.expire(now) {
		r.logger.Debug("Work ack timeout, requeueing",
			"message_id", item.frame.Header.MessageID.String(),
			"member", item.member,
			"deliveries", item.deliveries)
		r.requeueWork(item)
	}
}

// Run is the janitor loop: scheduled retries, correlation expiry, and
// work-queue ack timeouts. It returns when ctx is cancelled.
func (r *Router) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.JanitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.dispatchDueRetries(now)
			r.expireCorrelations(now)
			r.redeliverExpiredWork(now)
		}
	}
}

// ============================================================================
// SHUTDOWN
// ============================================================================

// Drain stops admitting new messages. Queued traffic keeps flowing.
func (r *Router) Drain() {
	r.mu.Lock()
	r.draining = true
	r.mu.Unlock()
}

// Shutdown drains the fabric: admission stops, queues empty out (or ctx
// expires), then every target is unbound.
func (r *Router) Shutdown(ctx context.Context) error {
	r.Drain()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
drain:
	for {
		queued := 0
		for _, tgt := range r.boundTargets() {
			queued += tgt.queue.depth()
		}
		if queued == 0 {
			break
		}
		select {
		case <-ctx.Done():
			break drain
		case <-ticker.C:
		}
	}

	for _, tgt := range r.boundTargets() {
		r.Unbind(tgt.name)
	}
	return ctx.Err()
}

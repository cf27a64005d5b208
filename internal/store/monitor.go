package store

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/planmesh/core/internal/events"
	"github.com/planmesh/core/internal/metrics"
)

// Monitor tracks adapter health and drives degraded mode: while the store
// is unavailable, new registrations are refused, in-memory operation
// continues, and a store_unavailable event fires every 30 seconds until a
// probe succeeds.
type Monitor struct {
	store   Store
	bus     events.Emitter
	logger  *slog.Logger
	retryIn time.Duration

	mu       sync.RWMutex
	degraded bool
	lastErr  error
}

// NewMonitor creates a health monitor over the given adapter.
func NewMonitor(s Store, bus events.Emitter, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		store:   s,
		bus:     bus,
		logger:  logger.With("component", "store.monitor"),
		retryIn: 30 * time.Second,
	}
}

// Observe records the outcome of a store operation. Logical errors
// (not-found, conflict) do not affect health.
func (m *Monitor) Observe(err error) {
	if err == nil {
		m.mu.Lock()
		if m.degraded {
			m.degraded = false
			m.lastErr = nil
			m.mu.Unlock()
			m.logger.Info("Store recovered")
			if m.bus != nil {
				m.bus.Emit(events.TypeStoreRecovered, events.SeverityInfo, "", nil)
			}
			return
		}
		m.mu.Unlock()
		return
	}

	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) {
		return
	}

	m.mu.Lock()
	first := !m.degraded
	m.degraded = true
	m.lastErr = err
	m.mu.Unlock()

	if first {
		m.logger.Error("Store unavailable, entering degraded mode", "error", err)
		if m.bus != nil {
			m.bus.Emit(events.TypeStoreUnavailable, events.SeverityError, "",
				map[string]interface{}{"error": err.Error()})
		}
	}
}

// Healthy reports whether the adapter is currently usable.
func (m *Monitor) Healthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return !m.degraded
}

// Run probes the adapter while degraded, re-emitting store_unavailable on
// each failed probe, until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.retryIn)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.Healthy() {
				continue
			}
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := m.store.Ping(pingCtx)
			cancel()
			if err != nil {
				m.logger.Warn("Store still unavailable", "error", err)
				if m.bus != nil {
					m.bus.Emit(events.TypeStoreUnavailable, events.SeverityError, "",
						map[string]interface{}{"error": err.Error()})
				}
				continue
			}
			m.Observe(nil)
		}
	}
}

// instrumented wraps a Store, reporting every operation to the monitor and
// the metrics registry.
type instrumented struct {
	inner   Store
	monitor *Monitor
	metrics *metrics.Metrics
}

// NewInstrumented wraps the adapter with health observation and metrics.
func NewInstrumented(s Store, monitor *Monitor, m *metrics.Metrics) Store {
	return &instrumented{inner: s, monitor: monitor, metrics: m}
}

func (w *instrumented) observe(op string, start time.Time, err error) {
	if w.monitor != nil {
		w.monitor.Observe(err)
	}
	if w.metrics != nil {
		w.metrics.RecordStoreOp(op, time.Since(start).Seconds(), err)
	}
}

func (w *instrumented) PutAgent(ctx context.Context, agent *Agent) error {
	start := time.Now()
	err := w.inner.PutAgent(ctx, agent)
	w.observe("put_agent", start, err)
	return err
}

func (w *instrumented) GetAgent(ctx context.Context, name string) (*Agent, error) {
	start := time.Now()
	agent, err := w.inner.GetAgent(ctx, name)
	w.observe("get_agent", start, err)
	return agent, err
}

func (w *instrumented) ListAgents(ctx context.Context, roleID int) ([]*Agent, error) {
	start := time.Now()
	agents, err := w.inner.ListAgents(ctx, roleID)
	w.observe("list_agents", start, err)
	return agents, err
}

func (w *instrumented) DeleteAgent(ctx context.Context, name string) error {
	start := time.Now()
	err := w.inner.DeleteAgent(ctx, name)
	w.observe("delete_agent", start, err)
	return err
}

func (w *instrumented) PutSession(ctx context.Context, session *Session) error {
	start := time.Now()
	err := w.inner.PutSession(ctx, session)
	w.observe("put_session", start, err)
	return err
}

func (w *instrumented) GetSession(ctx context.Context, tokenID string) (*Session, error) {
	start := time.Now()
	session, err := w.inner.GetSession(ctx, tokenID)
	w.observe("get_session", start, err)
	return session, err
}

func (w *instrumented) RevokeSession(ctx context.Context, tokenID string) error {
	start := time.Now()
	err := w.inner.RevokeSession(ctx, tokenID)
	w.observe("revoke_session", start, err)
	return err
}

func (w *instrumented) EnsureRole(ctx context.Context, role *Role) error {
	start := time.Now()
	err := w.inner.EnsureRole(ctx, role)
	w.observe("ensure_role", start, err)
	return err
}

func (w *instrumented) GetRole(ctx context.Context, name string) (*Role, error) {
	start := time.Now()
	role, err := w.inner.GetRole(ctx, name)
	w.observe("get_role", start, err)
	return role, err
}

func (w *instrumented) AppendEvent(ctx context.Context, event *events.Event) error {
	start := time.Now()
	err := w.inner.AppendEvent(ctx, event)
	w.observe("append_event", start, err)
	return err
}

func (w *instrumented) ListEvents(ctx context.Context, limit int) ([]*events.Event, error) {
	start := time.Now()
	evs, err := w.inner.ListEvents(ctx, limit)
	w.observe("list_events", start, err)
	return evs, err
}

func (w *instrumented) BulkAppendCheckpoints(ctx context.Context, checkpoints []*Checkpoint) error {
	start := time.Now()
	err := w.inner.BulkAppendCheckpoints(ctx, checkpoints)
	w.observe("bulk_append_checkpoints", start, err)
	return err
}

func (w *instrumented) GetCheckpoints(ctx context.Context, planID string) ([]*Checkpoint, error) {
	start := time.Now()
	cps, err := w.inner.GetCheckpoints(ctx, planID)
	w.observe("get_checkpoints", start, err)
	return cps, err
}

func (w *instrumented) InTransaction(ctx context.Context, fn func(tx Store) error) error {
	start := time.Now()
	err := w.inner.InTransaction(ctx, fn)
	w.observe("in_transaction", start, err)
	return err
}

func (w *instrumented) Ping(ctx context.Context) error {
	return w.inner.Ping(ctx)
}

func (w *instrumented) Close() error {
	return w.inner.Close()
}

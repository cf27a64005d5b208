// Package registry tracks every agent known to the core: identity, role,
// capabilities, preferred transport tier, lifecycle status, and heartbeat
// freshness. A sweeper marks silent agents blocked and eventually evicts
// them.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/planmesh/core/internal/events"
	"github.com/planmesh/core/internal/fault"
	"github.com/planmesh/core/internal/metrics"
	"github.com/planmesh/core/internal/protocol"
	"github.com/planmesh/core/internal/store"
)

// ============================================================================
// AGENT LIFECYCLE
// ============================================================================

// Status is the lifecycle state of a registered agent.
type Status uint8

const (
	StatusRegistering Status = iota
	StatusIdle
	StatusRunning
	StatusBlocked
	StatusFailed
	StatusCompleted
)

func (s Status) String() string {
	switch s {
	case StatusRegistering:
		return "registering"
	case StatusIdle:
		return "idle"
	case StatusRunning:
		return "running"
	case StatusBlocked:
		return "blocked"
	case StatusFailed:
		return "failed"
	case StatusCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// available reports whether the agent can accept new work.
func (s Status) available() bool {
	return s == StatusIdle || s == StatusRunning
}

// AgentRecord is one registry entry. Callers always receive copies.
type AgentRecord struct {
	Name          string
	UUID          string
	RoleID        int
	Capabilities  []string
	PreferredTier protocol.Tier
	Status        Status
	RegisteredAt  time.Time
	LastHeartbeat time.Time
	Inflight      int
}

// HeartbeatAge is the time since the agent last reported in.
func (a *AgentRecord) HeartbeatAge(now time.Time) time.Duration {
	return now.Sub(a.LastHeartbeat)
}

func (a *AgentRecord) clone() *AgentRecord {
	cp := *a
	cp.Capabilities = append([]string(nil), a.Capabilities...)
	return &cp
}

// RegisterRequest carries the fields an agent supplies at registration.
type RegisterRequest struct {
	Name          string
	UUID          string
	RoleID        int
	Capabilities  []string
	PreferredTier protocol.Tier
}

// ============================================================================
// REGISTRY
// ============================================================================

const (
	DefaultMaxAgents = 1024

	defaultBlockAfter    = 30 * time.Second
	defaultEvictAfter    = 120 * time.Second
	defaultSweepInterval = 5 * time.Second
)

// Config wires the registry's collaborators and bounds.
type Config struct {
	MaxAgents     int
	BlockAfter    time.Duration
	EvictAfter    time.Duration
	SweepInterval time.Duration

	Store   store.Store
	Monitor *store.Monitor
	Bus     events.Emitter
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Registry is the agent table. One RWMutex guards the table and both
// indexes; reads on the routing hot path take the read lock only.
type Registry struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.RWMutex
	agents   map[string]*AgentRecord
	byCap    map[string][]string // capability -> agent names
	byRole   map[int][]string    // role id -> agent names
	counts   map[Status]int
	onEvict  []func(name string)
	draining bool
}

// New creates an empty registry.
func New(cfg Config) *Registry {
	if cfg.MaxAgents <= 0 {
		cfg.MaxAgents = DefaultMaxAgents
	}
	if cfg.BlockAfter <= 0 {
		cfg.BlockAfter = defaultBlockAfter
	}
	if cfg.EvictAfter <= 0 {
		cfg.EvictAfter = defaultEvictAfter
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		cfg:    cfg,
		logger: logger.With("component", "registry"),
		agents: make(map[string]*AgentRecord),
		byCap:  make(map[string][]string),
		byRole: make(map[int][]string),
		counts: make(map[Status]int),
	}
}

// OnEvict registers a hook called after an agent is evicted or deregistered,
// outside the registry lock.
func (r *Registry) OnEvict(fn func(name string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onEvict = append(r.onEvict, fn)
}

// SetDraining stops new registrations during shutdown.
func (r *Registry) SetDraining(draining bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.draining = draining
}

// Register adds an agent or refreshes an existing registration. The same
// name re-registering with the same UUID is idempotent; a different UUID is
// a conflict. While the store is degraded, unknown names are refused.
func (r *Registry) Register(ctx context.Context, req RegisterRequest) (*AgentRecord, error) {
	encoded, err := protocol.EncodeName(req.Name)
	if err != nil {
		return nil, fault.New(fault.CodeInvalidMessage, "invalid agent name: %v", err)
	}
	name := protocol.DecodeName(encoded)
	if req.UUID == "" {
		return nil, fault.New(fault.CodeInvalidMessage, "agent uuid required")
	}
	tier := req.PreferredTier
	if tier == 0 {
		tier = protocol.TierKernelRing
	}
	if !tier.Valid() {
		return nil, fault.New(fault.CodeInvalidMessage, "invalid preferred tier %d", tier)
	}

	r.mu.Lock()
	if r.draining {
		r.mu.Unlock()
		return nil, fault.New(fault.CodeConflict, "core is draining")
	}

	existing, known := r.agents[name]
	if known && existing.UUID != req.UUID {
		r.mu.Unlock()
		r.emit(events.TypeAuthFailure, events.SeverityWarning, name, map[string]interface{}{
			"reason": "name already registered to another identity",
		})
		return nil, fault.New(fault.CodeConflict, "agent name %q already registered", name)
	}

	if !known {
		if r.cfg.Monitor != nil && !r.cfg.Monitor.Healthy() {
			r.mu.Unlock()
			return nil, fault.New(fault.CodeStoreUnavailable,
				"store degraded, new registrations refused").AsRetryable(30 * time.Second)
		}
		if len(r.agents) >= r.cfg.MaxAgents {
			r.mu.Unlock()
			return nil, fault.New(fault.CodeRegistryFull,
				"registry at capacity (%d agents)", r.cfg.MaxAgents)
		}
	}

	now := time.Now()
	record := &AgentRecord{
		Name:          name,
		UUID:          req.UUID,
		RoleID:        req.RoleID,
		Capabilities:  append([]string(nil), req.Capabilities...),
		PreferredTier: tier,
		Status:        StatusRegistering,
		RegisteredAt:  now,
		LastHeartbeat: now,
	}
	if known {
		record.RegisteredAt = existing.RegisteredAt
		record.Inflight = existing.Inflight
		r.unindexLocked(existing)
		r.counts[existing.Status]--
	}
	r.agents[name] = record
	r.indexLocked(record)
	r.counts[StatusRegistering]++
	r.pushGaugesLocked()
	r.mu.Unlock()

	if r.cfg.Store != nil {
		err := r.cfg.Store.PutAgent(ctx, &store.Agent{
			Name:      name,
			UUID:      req.UUID,
			RoleID:    req.RoleID,
			CreatedAt: record.RegisteredAt,
		})
		if err != nil {
			// Roll the new entry back so a degraded store never admits
			// agents it cannot persist.
			if !known {
				r.mu.Lock()
				if current, ok := r.agents[name]; ok && current.UUID == req.UUID {
					r.unindexLocked(current)
					r.counts[current.Status]--
					delete(r.agents, name)
					r.pushGaugesLocked()
				}
				r.mu.Unlock()
				return nil, fault.Wrap(fault.CodeStoreUnavailable, err).AsRetryable(30 * time.Second)
			}
			r.logger.Warn("Agent re-registration not persisted", "agent", name, "error", err)
		}
	}

	verb := "registered"
	if known {
		verb = "re-registered"
	}
	r.logger.Info("Agent "+verb, "agent", name, "role_id", req.RoleID,
		"capabilities", record.Capabilities, "tier", record.PreferredTier.String())
	r.emit(events.TypeRegister, events.SeverityInfo, name, map[string]interface{}{
		"uuid":    req.UUID,
		"role_id": req.RoleID,
	})

	return record.clone(), nil
}

// MarkReady moves a registering agent to idle. Attach surfaces call this
// once the agent's receive path is live.
func (r *Registry) MarkReady(name string) error {
	return r.SetStatus(name, StatusIdle)
}

// Deregister removes an agent gracefully.
func (r *Registry) Deregister(ctx context.Context, name string) error {
	r.mu.Lock()
	record, ok := r.agents[name]
	if !ok {
		r.mu.Unlock()
		return fault.New(fault.CodeNotFound, "agent %q not registered", name)
	}
	r.removeLocked(record)
	hooks := append([]func(string){}, r.onEvict...)
	r.mu.Unlock()

	if r.cfg.Store != nil {
		if err := r.cfg.Store.DeleteAgent(ctx, name); err != nil && !errors.Is(err, store.ErrNotFound) {
			r.logger.Warn("Agent removal not persisted", "agent", name, "error", err)
		}
	}

	r.logger.Info("Agent deregistered", "agent", name)
	r.emit(events.TypeDeregister, events.SeverityInfo, name, nil)
	for _, fn := range hooks {
		fn(name)
	}
	return nil
}

// Heartbeat refreshes an agent's liveness. A blocked agent that reports in
// again returns to idle.
func (r *Registry) Heartbeat(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.agents[name]
	if !ok {
		return fault.New(fault.CodeNotFound, "agent %q not registered", name)
	}
	record.LastHeartbeat = time.Now()
	if record.Status == StatusBlocked {
		r.transitionLocked(record, StatusIdle)
		r.logger.Info("Agent recovered", "agent", name)
	}
	return nil
}

// SetStatus moves an agent to the given lifecycle status.
func (r *Registry) SetStatus(name string, status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.agents[name]
	if !ok {
		return fault.New(fault.CodeNotFound, "agent %q not registered", name)
	}
	r.transitionLocked(record, status)
	return nil
}

// Get returns a copy of the agent's record.
func (r *Registry) Get(name string) (*AgentRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	record, ok := r.agents[name]
	if !ok {
		return nil, false
	}
	return record.clone(), true
}

// List returns copies of every record, sorted by name.
func (r *Registry) List() []*AgentRecord {
	r.mu.RLock()
	out := make([]*AgentRecord, 0, len(r.agents))
	for _, record := range r.agents {
		out = append(out, record.clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Count returns the number of registered agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// Names returns every registered agent name. Used by broadcast fan-out.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.agents))
	for name := range r.agents {
		out = append(out, name)
	}
	return out
}

// FindByCapability returns available agents advertising the capability,
// least-loaded first and freshest heartbeat breaking ties. The planner
// assigns tasks in this order.
func (r *Registry) FindByCapability(capability string) []*AgentRecord {
	r.mu.RLock()
	names := r.byCap[capability]
	out := make([]*AgentRecord, 0, len(names))
	for _, name := range names {
		record, ok := r.agents[name]
		if ok && record.Status.available() {
			out = append(out, record.clone())
		}
	}
	r.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Inflight != out[j].Inflight {
			return out[i].Inflight < out[j].Inflight
		}
		return out[i].LastHeartbeat.After(out[j].LastHeartbeat)
	})
	return out
}

// FindByRole returns available agents holding the role.
func (r *Registry) FindByRole(roleID int) []*AgentRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := r.byRole[roleID]
	out := make([]*AgentRecord, 0, len(names))
	for _, name := range names {
		record, ok := r.agents[name]
		if ok && record.Status.available() {
			out = append(out, record.clone())
		}
	}
	return out
}

// IncInflight bumps the agent's dispatched-task counter.
func (r *Registry) IncInflight(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if record, ok := r.agents[name]; ok {
		record.Inflight++
	}
}

// DecInflight drops the agent's dispatched-task counter.
func (r *Registry) DecInflight(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if record, ok := r.agents[name]; ok && record.Inflight > 0 {
		record.Inflight--
	}
}

// ============================================================================
// SWEEPER
// ============================================================================

// Run sweeps the table until ctx is cancelled: agents silent past the block
// threshold are marked blocked, and past the evict threshold removed.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(context.Background())
		}
	}
}

// Sweep applies heartbeat thresholds once. Exposed for tests and for the
// shutdown path.
func (r *Registry) Sweep(ctx context.Context) {
	now := time.Now()

	r.mu.Lock()
	var evicted []*AgentRecord
	for _, record := range r.agents {
		age := record.HeartbeatAge(now)
		switch {
		case age > r.cfg.EvictAfter:
			evicted = append(evicted, record)
		case age > r.cfg.BlockAfter && record.Status.available():
			r.transitionLocked(record, StatusBlocked)
			r.logger.Warn("Agent blocked, heartbeat overdue",
				"agent", record.Name, "age", age.Round(time.Second))
		}
	}
	for _, record := range evicted {
		r.removeLocked(record)
	}
	hooks := append([]func(string){}, r.onEvict...)
	r.mu.Unlock()

	for _, record := range evicted {
		if r.cfg.Store != nil {
			if err := r.cfg.Store.DeleteAgent(ctx, record.Name); err != nil && !errors.Is(err, store.ErrNotFound) {
				r.logger.Warn("Eviction not persisted", "agent", record.Name, "error", err)
			}
		}
		if r.cfg.Metrics != nil {
			r.cfg.Metrics.Evictions.Inc()
		}
		r.logger.Warn("Agent evicted", "agent", record.Name,
			"last_heartbeat", record.LastHeartbeat.Format(time.RFC3339))
		r.emit(events.TypeEviction, events.SeverityWarning, record.Name, map[string]interface{}{
			"last_heartbeat": record.LastHeartbeat.Format(time.RFC3339),
		})
		for _, fn := range hooks {
			fn(record.Name)
		}
	}
}

// ============================================================================
// INTERNAL
// ============================================================================

// transitionLocked moves a record between statuses, keeping counts current.
func (r *Registry) transitionLocked(record *AgentRecord, status Status) {
	if record.Status == status {
		return
	}
	r.counts[record.Status]--
	record.Status = status
	r.counts[status]++
	r.pushGaugesLocked()
}

// removeLocked drops the record from the table and both indexes.
func (r *Registry) removeLocked(record *AgentRecord) {
	delete(r.agents, record.Name)
	r.unindexLocked(record)
	r.counts[record.Status]--
	r.pushGaugesLocked()
}

func (r *Registry) indexLocked(record *AgentRecord) {
	for _, capability := range record.Capabilities {
		r.byCap[capability] = append(r.byCap[capability], record.Name)
	}
	r.byRole[record.RoleID] = append(r.byRole[record.RoleID], record.Name)
}

func (r *Registry) unindexLocked(record *AgentRecord) {
	for _, capability := range record.Capabilities {
		r.byCap[capability] = removeName(r.byCap[capability], record.Name)
		if len(r.byCap[capability]) == 0 {
			delete(r.byCap, capability)
		}
	}
	r.byRole[record.RoleID] = removeName(r.byRole[record.RoleID], record.Name)
	if len(r.byRole[record.RoleID]) == 0 {
		delete(r.byRole, record.RoleID)
	}
}

func removeName(names []string, name string) []string {
	for i, n := range names {
		if n == name {
			return append(names[:i], names[i+1:]...)
		}
	}
	return names
}

func (r *Registry) pushGaugesLocked() {
	if r.cfg.Metrics == nil {
		return
	}
	for _, status := range []Status{
		StatusRegistering, StatusIdle, StatusRunning,
		StatusBlocked, StatusFailed, StatusCompleted,
	} {
		r.cfg.Metrics.SetAgentCount(status.String(), r.counts[status])
	}
}

func (r *Registry) emit(eventType, severity, agent string, details map[string]interface{}) {
	if r.cfg.Bus != nil {
		r.cfg.Bus.Emit(eventType, severity, agent, details)
	}
}

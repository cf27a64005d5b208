package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/planmesh/core/internal/events"
	"github.com/planmesh/core/internal/fault"
	"github.com/planmesh/core/internal/metrics"
	"github.com/planmesh/core/internal/protocol"
	"github.com/planmesh/core/internal/registry"
	"github.com/planmesh/core/internal/store"
)

// ============================================================================
// HOOKS AND CONFIGURATION
// ============================================================================

// TaskCall is one dispatched task invocation.
type TaskCall struct {
	PlanID   string
	TaskID   string
	Action   string
	Agent    string
	Priority protocol.Priority
	Inputs   json.RawMessage
	Deadline time.Time
}

// Dispatcher delivers a task to an agent and returns its result payload.
// The fabric-backed implementation sends a request-response frame; tests
// substitute their own.
type Dispatcher interface {
	Dispatch(ctx context.Context, call TaskCall) ([]byte, error)
}

// AgentDirectory is the registry view the planner schedules against.
type AgentDirectory interface {
	Get(name string) (*registry.AgentRecord, bool)
	FindByCapability(capability string) []*registry.AgentRecord
	Count() int
	IncInflight(name string)
	DecInflight(name string)
}

// CapacityView reports how much concurrent dispatch the fabric can absorb.
type CapacityView struct {
	MaxParallel       int
	BackpressureLevel float64 // 0 idle .. 1 saturated
}

// CapacityFunc samples fabric capacity before each wave.
type CapacityFunc func() CapacityView

// ThermalLevel is the host thermal reading the scheduler throttles on.
type ThermalLevel int

const (
	ThermalNormal ThermalLevel = iota
	ThermalHot
	ThermalCritical
)

// ThermalFunc samples the host thermal level.
type ThermalFunc func() ThermalLevel

const (
	defaultTaskDeadline = 30 * time.Second
	defaultMaxPlans     = 256
	defaultMaxParallel  = 8
	defaultMaxAttempts  = 3
	defaultRetryBackoff = 250 * time.Millisecond

	// replanThreshold is the failed fraction of outstanding work that
	// triggers a relayering.
	replanThreshold = 0.3

	thermalPollInterval = 100 * time.Millisecond
)

// Config wires the planner's collaborators.
type Config struct {
	TaskDeadline time.Duration
	MaxPlans     int

	Capacity   CapacityFunc
	Thermal    ThermalFunc
	Directory  AgentDirectory
	Dispatcher Dispatcher

	// Store persists checkpoints; nil disables resume support.
	Store store.Store

	Bus     events.Emitter
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// ============================================================================
// PLAN STATE
// ============================================================================

// Plan states.
type PlanState string

const (
	PlanPending   PlanState = "pending"
	PlanRunning   PlanState = "running"
	PlanCompleted PlanState = "completed"
	PlanPartial   PlanState = "partial"
	PlanFailed    PlanState = "failed"
	PlanCancelled PlanState = "cancelled"
)

func (s PlanState) terminal() bool {
	switch s {
	case PlanCompleted, PlanPartial, PlanFailed, PlanCancelled:
		return true
	default:
		return false
	}
}

// plan is the live execution state of one submitted plan.
type plan struct {
	id      string
	name    string
	spec    PlanSpec
	graph   *taskGraph
	state   PlanState
	created time.Time
	updated time.Time
	replans int

	// capacityReplanned latches the MinAgents trigger until the fleet
	// recovers, so a sustained shortage replans once, not every wave.
	capacityReplanned bool
	failedAtReplan    int

	cancel context.CancelFunc
	done   chan struct{}
}

// TaskStatus is the externally visible state of one task.
type TaskStatus struct {
	ID       string    `json:"id"`
	State    TaskState `json:"state"`
	Agent    string    `json:"agent,omitempty"`
	Attempts int       `json:"attempts,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// PlanStatus is the externally visible state of one plan.
type PlanStatus struct {
	ID        string       `json:"id"`
	Name      string       `json:"name,omitempty"`
	State     PlanState    `json:"state"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
	Waves     int          `json:"waves"`
	Replans   int          `json:"replans,omitempty"`
	Tasks     []TaskStatus `json:"tasks"`
}

// Planner layers plans into waves and drives their execution.
type Planner struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.RWMutex
	plans    map[string]*plan
	order    []string
	draining bool

	wg sync.WaitGroup
}

// New creates a planner. Directory and Dispatcher are required.
func New(cfg Config) *Planner {
	if cfg.TaskDeadline <= 0 {
		cfg.TaskDeadline = defaultTaskDeadline
	}
	if cfg.MaxPlans <= 0 {
		cfg.MaxPlans = defaultMaxPlans
	}
	if cfg.Capacity == nil {
		cfg.Capacity = func() CapacityView {
			return CapacityView{MaxParallel: defaultMaxParallel}
		}
	}
	if cfg.Thermal == nil {
		cfg.Thermal = func() ThermalLevel { return ThermalNormal }
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewMetrics(prometheus.NewRegistry())
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Planner{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "planner"),
		plans:  make(map[string]*plan),
	}
}

// ============================================================================
// SUBMISSION
// ============================================================================

// Submit validates a plan, layers it, and starts executing it. It returns
// the assigned plan id immediately; execution is asynchronous.
func (p *Planner) Submit(ctx context.Context, spec PlanSpec) (string, error) {
	graph, err := buildGraph(spec)
	if err != nil {
		p.cfg.Metrics.RecordPlan("rejected")
		return "", err
	}
	if err := p.validateTargets(graph); err != nil {
		p.cfg.Metrics.RecordPlan("rejected")
		return "", err
	}
	id := protocol.NewMessageID().String()
	if err := p.admit(id, spec, graph, false); err != nil {
		return "", err
	}
	return id, nil
}

// Resume rebuilds a previously checkpointed plan under its original id.
// Tasks whose stored checkpoint matches the resubmitted action and inputs
// are restored as completed; everything else runs again.
func (p *Planner) Resume(ctx context.Context, planID string, spec PlanSpec) (string, error) {
	if p.cfg.Store == nil {
		return "", fault.New(fault.CodeStoreUnavailable, "resume requires a persistent store")
	}
	if planID == "" {
		return "", fault.New(fault.CodePlanInvalid, "resume requires a plan id")
	}
	graph, err := buildGraph(spec)
	if err != nil {
		p.cfg.Metrics.RecordPlan("rejected")
		return "", err
	}
	if err := p.validateTargets(graph); err != nil {
		p.cfg.Metrics.RecordPlan("rejected")
		return "", err
	}

	checkpoints, err := p.cfg.Store.GetCheckpoints(ctx, planID)
	if err != nil {
		return "", fault.Wrap(fault.CodeStoreUnavailable, err)
	}
	stored := make(map[string]string, len(checkpoints))
	for _, cp := range checkpoints {
		stored[cp.TaskID] = cp.ResultHash
	}

	restored := 0
	for _, n := range graph.nodes {
		hash, ok := stored[n.id]
		if !ok {
			continue
		}
		if !matchesFingerprint(hash, taskFingerprint(n.action, n.inputs)) {
			continue // action or inputs changed, run it again
		}
		n.state = TaskCompleted
		n.resultHash = hash
		restored++
	}
	if restored > 0 {
		if err := graph.relayer(); err != nil {
			return "", err
		}
	}

	if err := p.admit(planID, spec, graph, true); err != nil {
		return "", err
	}
	p.logger.Info("Plan resumed", "plan_id", planID, "restored", restored,
		"remaining", len(graph.nodes)-restored)
	return planID, nil
}

// validateTargets checks every task can be satisfied by the current fleet.
func (p *Planner) validateTargets(g *taskGraph) error {
	for _, n := range g.nodes {
		if n.agent != "" {
			if _, ok := p.cfg.Directory.Get(n.agent); !ok {
				return fault.New(fault.CodePlanInvalid, "task %q names unknown agent %q", n.id, n.agent)
			}
			continue
		}
		if len(p.cfg.Directory.FindByCapability(n.capability)) == 0 {
			return fault.New(fault.CodePlanInvalid, "task %q: no agent provides capability %q", n.id, n.capability)
		}
	}
	return nil
}

// admit registers the plan and starts its run goroutine.
func (p *Planner) admit(id string, spec PlanSpec, graph *taskGraph, resumed bool) error {
	p.mu.Lock()
	if p.draining {
		p.mu.Unlock()
		return fault.New(fault.CodeConflict, "core is draining")
	}
	if existing, ok := p.plans[id]; ok && !existing.state.terminal() {
		p.mu.Unlock()
		return fault.New(fault.CodeConflict, "plan %s is still running", id)
	}
	if len(p.plans) >= p.cfg.MaxPlans && !p.evictTerminalLocked() {
		p.mu.Unlock()
		return fault.New(fault.CodeQueueFull, "plan limit %d reached", p.cfg.MaxPlans)
	}

	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now().UTC()
	pl := &plan{
		id:      id,
		name:    spec.Name,
		spec:    spec,
		graph:   graph,
		state:   PlanPending,
		created: now,
		updated: now,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	if _, ok := p.plans[id]; !ok {
		p.order = append(p.order, id)
	}
	p.plans[id] = pl
	p.wg.Add(1)
	p.mu.Unlock()

	status := "submitted"
	if resumed {
		status = "resumed"
	}
	p.cfg.Metrics.RecordPlan(status)
	p.emit(events.TypePlanSubmitted, events.SeverityInfo, map[string]interface{}{
		"plan_id": id,
		"name":    spec.Name,
		"tasks":   len(graph.nodes),
		"waves":   len(graph.waves),
		"resumed": resumed,
	})
	go p.run(ctx, pl)
	return nil
}

// evictTerminalLocked drops the oldest finished plan to make room.
func (p *Planner) evictTerminalLocked() bool {
	for i, id := range p.order {
		pl, ok := p.plans[id]
		if !ok || !pl.state.terminal() {
			continue
		}
		delete(p.plans, id)
		p.order = append(p.order[:i], p.order[i+1:]...)
		p.logger.Debug("Evicted finished plan", "plan_id", id, "state", string(pl.state))
		return true
	}
	return false
}

// ============================================================================
// INSPECTION AND CONTROL
// ============================================================================

// Status returns a snapshot of one plan.
func (p *Planner) Status(planID string) (*PlanStatus, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pl, ok := p.plans[planID]
	if !ok {
		return nil, fault.New(fault.CodeNotFound, "plan %s not found", planID)
	}
	return p.snapshotLocked(pl), nil
}

// ListPlans returns snapshots of all known plans in submission order.
func (p *Planner) ListPlans() []*PlanStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*PlanStatus, 0, len(p.order))
	for _, id := range p.order {
		if pl, ok := p.plans[id]; ok {
			out = append(out, p.snapshotLocked(pl))
		}
	}
	return out
}

func (p *Planner) snapshotLocked(pl *plan) *PlanStatus {
	st := &PlanStatus{
		ID:        pl.id,
		Name:      pl.name,
		State:     pl.state,
		CreatedAt: pl.created,
		UpdatedAt: pl.updated,
		Waves:     len(pl.graph.waves),
		Replans:   pl.replans,
		Tasks:     make([]TaskStatus, 0, len(pl.graph.nodes)),
	}
	for _, n := range pl.graph.nodes {
		st.Tasks = append(st.Tasks, TaskStatus{
			ID:       n.id,
			State:    n.state,
			Agent:    n.assignedTo,
			Attempts: n.attempts,
			Error:    n.errText,
		})
	}
	return st
}

// Cancel stops a running plan. Cancelling a finished plan is a no-op.
func (p *Planner) Cancel(planID string) error {
	p.mu.RLock()
	pl, ok := p.plans[planID]
	p.mu.RUnlock()
	if !ok {
		return fault.New(fault.CodeNotFound, "plan %s not found", planID)
	}
	if pl.state.terminal() {
		return nil
	}
	pl.cancel()
	return nil
}

// Drain stops accepting new plans; running plans finish normally.
func (p *Planner) Drain() {
	p.mu.Lock()
	p.draining = true
	p.mu.Unlock()
}

// Shutdown cancels every running plan and waits for their run loops.
func (p *Planner) Shutdown(ctx context.Context) error {
	p.Drain()
	p.mu.RLock()
	for _, pl := range p.plans {
		if !pl.state.terminal() {
			pl.cancel()
		}
	}
	p.mu.RUnlock()

	finished := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until the plan's run loop exits. Test helper and CLI hook.
func (p *Planner) Wait(planID string) error {
	p.mu.RLock()
	pl, ok := p.plans[planID]
	p.mu.RUnlock()
	if !ok {
		return fault.New(fault.CodeNotFound, "plan %s not found", planID)
	}
	<-pl.done
	return nil
}

// ============================================================================
// EXECUTION
// ============================================================================

func (p *Planner) run(ctx context.Context, pl *plan) {
	defer p.wg.Done()
	defer close(pl.done)

	p.setPlanState(pl, PlanRunning)
	p.logger.Info("Plan started", "plan_id", pl.id, "name", pl.name,
		"tasks", len(pl.graph.nodes), "waves", len(pl.graph.waves))

	waveIdx := 0
	for waveIdx < p.waveCount(pl) {
		if ctx.Err() != nil {
			p.finalizeCancelled(pl)
			return
		}

		runnable := p.runnableWave(pl, waveIdx)
		if len(runnable) == 0 {
			waveIdx++
			continue
		}

		level := p.cfg.Thermal()
		if level == ThermalCritical {
			runnable = p.deferNonCritical(pl, runnable)
			if len(runnable) == 0 {
				if !p.waitThermalClear(ctx) {
					p.finalizeCancelled(pl)
					return
				}
				p.revertDeferred(pl)
				continue
			}
		}

		par := p.waveParallelism(level, len(runnable))
		p.cfg.Metrics.WaveParallelism.Observe(float64(par))
		p.dispatchWave(ctx, pl, runnable, par)

		if ctx.Err() != nil {
			p.finalizeCancelled(pl)
			return
		}

		// Tasks parked while the host was too hot rejoin this wave once
		// the thermal level clears.
		if p.hasDeferred(pl) {
			if !p.waitThermalClear(ctx) {
				p.finalizeCancelled(pl)
				return
			}
			p.revertDeferred(pl)
			continue
		}

		if err := p.flushCheckpoints(ctx, pl.id, p.completedOf(pl, runnable)); err != nil {
			p.logger.Warn("Checkpoint flush failed", "plan_id", pl.id, "error", err)
		}

		if failed := p.failedOf(pl, runnable); len(failed) > 0 {
			if pl.spec.Policy.Mode == PolicyFailFast || pl.spec.Policy.Mode == "" {
				p.finalizeFailed(pl, failed[0])
				return
			}
			p.cascadeSkips(pl, failed)
		}

		if p.shouldReplan(pl) {
			p.replan(pl)
			waveIdx = 0
			continue
		}
		waveIdx++
	}

	p.finalize(pl)
}

// runnableWave returns the wave's tasks that are pending with all
// dependencies completed.
func (p *Planner) runnableWave(pl *plan, waveIdx int) []int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if waveIdx >= len(pl.graph.waves) {
		return nil
	}
	var out []int
	for _, i := range pl.graph.waves[waveIdx] {
		if pl.graph.nodes[i].state == TaskPending && pl.graph.depsCompleted(i) {
			out = append(out, i)
		}
	}
	return out
}

func (p *Planner) waveCount(pl *plan) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(pl.graph.waves)
}

// waveParallelism sizes the wave's dispatch window from fabric capacity,
// fleet size, and the thermal level.
func (p *Planner) waveParallelism(level ThermalLevel, waveSize int) int {
	if level == ThermalCritical {
		return 1
	}
	view := p.cfg.Capacity()
	limit := view.MaxParallel
	if limit <= 0 {
		limit = defaultMaxParallel
	}
	if n := p.cfg.Directory.Count(); n > 0 && n < limit {
		limit = n
	}
	bp := view.BackpressureLevel
	if bp < 0 {
		bp = 0
	}
	if bp > 1 {
		bp = 1
	}
	par := int(float64(limit) * (1 - bp))
	if level == ThermalHot {
		par /= 2
	}
	if par < 1 {
		par = 1
	}
	if par > waveSize {
		par = waveSize
	}
	return par
}

// dispatchWave runs the wave's tasks with at most par in flight.
func (p *Planner) dispatchWave(ctx context.Context, pl *plan, runnable []int, par int) {
	sem := make(chan struct{}, par)
	var wg sync.WaitGroup
	for _, i := range runnable {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return
		}
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			defer func() { <-sem }()
			p.runTask(ctx, pl, idx)
		}(i)
	}
	wg.Wait()
}

// runTask dispatches one task, retrying per the plan's policy.
func (p *Planner) runTask(ctx context.Context, pl *plan, idx int) {
	n := pl.graph.nodes[idx]
	maxAttempts := 1
	backoff := pl.spec.Policy.Backoff
	if pl.spec.Policy.Mode == PolicyRetry {
		maxAttempts = pl.spec.Policy.MaxAttempts
		if maxAttempts <= 0 {
			maxAttempts = defaultMaxAttempts
		}
	}
	if backoff <= 0 {
		backoff = defaultRetryBackoff
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		agent, err := p.resolveAgent(n)
		if err != nil {
			lastErr = err
		} else {
			p.mu.Lock()
			n.state = TaskRunning
			n.assignedTo = agent
			n.attempts = attempt
			pl.updated = time.Now().UTC()
			p.mu.Unlock()

			call := TaskCall{
				PlanID:   pl.id,
				TaskID:   n.id,
				Action:   n.action,
				Agent:    agent,
				Priority: n.priority,
				Inputs:   n.inputs,
				Deadline: time.Now().Add(p.cfg.TaskDeadline),
			}
			p.cfg.Directory.IncInflight(agent)
			result, derr := p.cfg.Dispatcher.Dispatch(ctx, call)
			p.cfg.Directory.DecInflight(agent)
			if derr == nil {
				p.mu.Lock()
				n.state = TaskCompleted
				n.errText = ""
				n.resultHash = checkpointHash(taskFingerprint(n.action, n.inputs), result)
				pl.updated = time.Now().UTC()
				p.mu.Unlock()
				p.cfg.Metrics.RecordTask("completed")
				return
			}
			lastErr = derr
		}

		if ctx.Err() != nil {
			p.setTaskCancelled(pl, n)
			return
		}
		if attempt < maxAttempts {
			p.cfg.Metrics.RecordTask("retried")
			p.logger.Debug("Task attempt failed, retrying", "plan_id", pl.id,
				"task", n.id, "attempt", attempt, "error", lastErr)
			select {
			case <-time.After(backoff << (attempt - 1)):
			case <-ctx.Done():
				p.setTaskCancelled(pl, n)
				return
			}
		}
	}
	p.setTaskFailed(pl, n, lastErr)
	p.logger.Warn("Task failed", "plan_id", pl.id, "task", n.id,
		"attempts", maxAttempts, "error", lastErr)
}

func (p *Planner) setTaskFailed(pl *plan, n *taskNode, err error) {
	p.mu.Lock()
	n.state = TaskFailed
	if err != nil {
		n.errText = err.Error()
	}
	pl.updated = time.Now().UTC()
	p.mu.Unlock()
	p.cfg.Metrics.RecordTask("failed")
}

func (p *Planner) setTaskCancelled(pl *plan, n *taskNode) {
	p.mu.Lock()
	n.state = TaskCancelled
	n.errText = string(fault.CodePlanCancelled)
	pl.updated = time.Now().UTC()
	p.mu.Unlock()
	p.cfg.Metrics.RecordTask("cancelled")
}

// resolveAgent picks the task's target: its explicit agent, or the least
// loaded provider of its capability.
func (p *Planner) resolveAgent(n *taskNode) (string, error) {
	if n.agent != "" {
		if _, ok := p.cfg.Directory.Get(n.agent); !ok {
			return "", fault.New(fault.CodeNoTarget, "agent %q is not registered", n.agent)
		}
		return n.agent, nil
	}
	providers := p.cfg.Directory.FindByCapability(n.capability)
	if len(providers) == 0 {
		return "", fault.New(fault.CodeNoTarget, "no agent provides capability %q", n.capability)
	}
	return providers[0].Name, nil
}

// ============================================================================
// THERMAL GATING
// ============================================================================

// deferNonCritical parks every non-critical task in the slice and returns
// the critical ones.
func (p *Planner) deferNonCritical(pl *plan, runnable []int) []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	var critical []int
	for _, i := range runnable {
		n := pl.graph.nodes[i]
		if n.priority == protocol.PriorityCritical {
			critical = append(critical, i)
			continue
		}
		n.state = TaskDeferred
		n.errText = string(fault.CodeThermalDeferred)
		p.cfg.Metrics.RecordTask("deferred")
	}
	if len(critical) < len(runnable) {
		pl.updated = time.Now().UTC()
		p.logger.Warn("Thermal critical, deferring non-critical tasks",
			"plan_id", pl.id, "deferred", len(runnable)-len(critical))
	}
	return critical
}

func (p *Planner) hasDeferred(pl *plan) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, n := range pl.graph.nodes {
		if n.state == TaskDeferred {
			return true
		}
	}
	return false
}

func (p *Planner) revertDeferred(pl *plan) {
	p.mu.Lock()
	defer p.mu.Unlock()
	reverted := 0
	for _, n := range pl.graph.nodes {
		if n.state == TaskDeferred {
			n.state = TaskPending
			n.errText = ""
			reverted++
		}
	}
	if reverted > 0 {
		pl.updated = time.Now().UTC()
		p.logger.Info("Thermal cleared, resuming deferred tasks",
			"plan_id", pl.id, "reverted", reverted)
	}
}

// waitThermalClear polls until the level drops below critical. Returns
// false if the plan was cancelled while waiting.
func (p *Planner) waitThermalClear(ctx context.Context) bool {
	ticker := time.NewTicker(thermalPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if p.cfg.Thermal() != ThermalCritical {
				return true
			}
		}
	}
}

// ============================================================================
// FAILURE HANDLING AND REPLANNING
// ============================================================================

func (p *Planner) completedOf(pl *plan, idxs []int) []*taskNode {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []*taskNode
	for _, i := range idxs {
		if n := pl.graph.nodes[i]; n.state == TaskCompleted {
			out = append(out, n)
		}
	}
	return out
}

func (p *Planner) failedOf(pl *plan, idxs []int) []int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []int
	for _, i := range idxs {
		if pl.graph.nodes[i].state == TaskFailed {
			out = append(out, i)
		}
	}
	return out
}

// cascadeSkips marks the dependents of failed tasks skipped so unrelated
// branches keep running.
func (p *Planner) cascadeSkips(pl *plan, failed []int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := 0
	for _, i := range failed {
		reason := fmt.Sprintf("dependency %q failed", pl.graph.nodes[i].id)
		total += pl.graph.skipDependents(i, reason)
	}
	for k := 0; k < total; k++ {
		p.cfg.Metrics.RecordTask("skipped")
	}
	if total > 0 {
		pl.updated = time.Now().UTC()
		p.logger.Info("Skipped dependents of failed tasks",
			"plan_id", pl.id, "failed", len(failed), "skipped", total)
	}
}

// shouldReplan fires when failures pass the threshold fraction of
// outstanding work, or the fleet shrinks below the plan's floor.
func (p *Planner) shouldReplan(pl *plan) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	c := pl.graph.counts()
	failed := c[TaskFailed]
	remaining := c[TaskPending] + c[TaskRunning] + c[TaskDeferred]
	if remaining == 0 {
		return false
	}
	if failed > pl.failedAtReplan &&
		float64(failed)/float64(failed+remaining) >= replanThreshold {
		pl.failedAtReplan = failed
		return true
	}

	if pl.spec.MinAgents > 0 {
		if p.cfg.Directory.Count() < pl.spec.MinAgents {
			if !pl.capacityReplanned {
				pl.capacityReplanned = true
				return true
			}
		} else {
			pl.capacityReplanned = false
		}
	}
	return false
}

// replan re-layers the remaining work. Pending tasks stranded behind a
// failed dependency are skipped first so the new layering never schedules
// them.
func (p *Planner) replan(pl *plan) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, n := range pl.graph.nodes {
		if n.state.terminal() {
			continue
		}
		for _, d := range n.deps {
			dep := pl.graph.nodes[d]
			if dep.state.terminal() && dep.state != TaskCompleted {
				n.state = TaskSkipped
				n.errText = fmt.Sprintf("dependency %q did not complete", dep.id)
				p.cfg.Metrics.RecordTask("skipped")
				break
			}
		}
	}

	if err := pl.graph.relayer(); err != nil {
		// The graph was acyclic at submission, so relayering cannot
		// introduce a cycle; log and keep the old layering if it somehow
		// does.
		p.logger.Error("Replan failed", "plan_id", pl.id, "error", err)
		return
	}
	pl.replans++
	pl.updated = time.Now().UTC()
	p.cfg.Metrics.RecordPlan("replanned")
	p.logger.Info("Plan relayered", "plan_id", pl.id,
		"replans", pl.replans, "waves", len(pl.graph.waves))
}

// ============================================================================
// COMPLETION
// ============================================================================

func (p *Planner) setPlanState(pl *plan, state PlanState) {
	p.mu.Lock()
	pl.state = state
	pl.updated = time.Now().UTC()
	p.mu.Unlock()
}

// finalize closes out a plan that ran to the end of its waves.
func (p *Planner) finalize(pl *plan) {
	p.mu.Lock()
	c := pl.graph.counts()
	state := PlanCompleted
	if c[TaskFailed] > 0 || c[TaskSkipped] > 0 || c[TaskCancelled] > 0 {
		state = PlanPartial
	}
	pl.state = state
	pl.updated = time.Now().UTC()
	p.mu.Unlock()

	p.cfg.Metrics.RecordPlan(string(state))
	p.emit(events.TypePlanCompleted, events.SeverityInfo, map[string]interface{}{
		"plan_id":   pl.id,
		"state":     string(state),
		"completed": c[TaskCompleted],
		"failed":    c[TaskFailed],
		"skipped":   c[TaskSkipped],
	})
	p.logger.Info("Plan finished", "plan_id", pl.id, "state", string(state),
		"completed", c[TaskCompleted], "failed", c[TaskFailed], "skipped", c[TaskSkipped])
}

// finalizeFailed closes out a fail-fast plan: every task not yet terminal
// is cancelled.
func (p *Planner) finalizeFailed(pl *plan, failedIdx int) {
	p.mu.Lock()
	failedTask := pl.graph.nodes[failedIdx]
	cancelled := 0
	for _, n := range pl.graph.nodes {
		if !n.state.terminal() {
			n.state = TaskCancelled
			n.errText = fmt.Sprintf("plan failed at task %q", failedTask.id)
			cancelled++
		}
	}
	pl.state = PlanFailed
	pl.updated = time.Now().UTC()
	p.mu.Unlock()

	for k := 0; k < cancelled; k++ {
		p.cfg.Metrics.RecordTask("cancelled")
	}
	p.cfg.Metrics.RecordPlan("failed")
	p.emit(events.TypePlanFailed, events.SeverityWarning, map[string]interface{}{
		"plan_id":     pl.id,
		"failed_task": failedTask.id,
		"error":       failedTask.errText,
	})
	p.logger.Warn("Plan failed", "plan_id", pl.id,
		"task", failedTask.id, "error", failedTask.errText)
}

// finalizeCancelled closes out a cancelled plan.
func (p *Planner) finalizeCancelled(pl *plan) {
	p.mu.Lock()
	cancelled := 0
	for _, n := range pl.graph.nodes {
		if !n.state.terminal() {
			n.state = TaskCancelled
			n.errText = string(fault.CodePlanCancelled)
			cancelled++
		}
	}
	pl.state = PlanCancelled
	pl.updated = time.Now().UTC()
	p.mu.Unlock()

	for k := 0; k < cancelled; k++ {
		p.cfg.Metrics.RecordTask("cancelled")
	}
	p.cfg.Metrics.RecordPlan("cancelled")
	p.emit(events.TypePlanFailed, events.SeverityInfo, map[string]interface{}{
		"plan_id": pl.id,
		"state":   string(PlanCancelled),
	})
	p.logger.Info("Plan cancelled", "plan_id", pl.id)
}

func (p *Planner) emit(eventType, severity string, details map[string]interface{}) {
	if p.cfg.Bus != nil {
		p.cfg.Bus.Emit(eventType, severity, "", details)
	}
}

package planner

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/planmesh/core/internal/events"
	"github.com/planmesh/core/internal/fault"
	"github.com/planmesh/core/internal/metrics"
	"github.com/planmesh/core/internal/registry"
	"github.com/planmesh/core/internal/store"
)

// ============================================================================
// STUBS
// ============================================================================

type stubDirectory struct {
	mu      sync.Mutex
	records map[string]*registry.AgentRecord
}

func newStubDirectory() *stubDirectory {
	return &stubDirectory{records: make(map[string]*registry.AgentRecord)}
}

func (d *stubDirectory) add(name string, caps ...string) *stubDirectory {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.records[name] = &registry.AgentRecord{Name: name, Capabilities: caps}
	return d
}

func (d *stubDirectory) remove(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.records, name)
}

func (d *stubDirectory) Get(name string) (*registry.AgentRecord, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.records[name]
	return rec, ok
}

func (d *stubDirectory) FindByCapability(capability string) []*registry.AgentRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*registry.AgentRecord
	for _, rec := range d.records {
		for _, c := range rec.Capabilities {
			if c == capability {
				out = append(out, rec)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Inflight != out[j].Inflight {
			return out[i].Inflight < out[j].Inflight
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func (d *stubDirectory) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.records)
}

func (d *stubDirectory) IncInflight(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if rec, ok := d.records[name]; ok {
		rec.Inflight++
	}
}

func (d *stubDirectory) DecInflight(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if rec, ok := d.records[name]; ok && rec.Inflight > 0 {
		rec.Inflight--
	}
}

type stubDispatcher struct {
	mu            sync.Mutex
	calls         []TaskCall
	inflight      int
	maxConcurrent int
	fn            func(ctx context.Context, call TaskCall) ([]byte, error)
}

func (s *stubDispatcher) Dispatch(ctx context.Context, call TaskCall) ([]byte, error) {
	s.mu.Lock()
	s.calls = append(s.calls, call)
	s.inflight++
	if s.inflight > s.maxConcurrent {
		s.maxConcurrent = s.inflight
	}
	fn := s.fn
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.inflight--
		s.mu.Unlock()
	}()
	if fn != nil {
		return fn(ctx, call)
	}
	return []byte(`{"ok":true}`), nil
}

func (s *stubDispatcher) callIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for _, c := range s.calls {
		ids = append(ids, c.TaskID)
	}
	return ids
}

func (s *stubDispatcher) peak() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxConcurrent
}

type capturedEvent struct {
	Type    string
	Details map[string]interface{}
}

type captureEmitter struct {
	mu     sync.Mutex
	events []capturedEvent
}

func (c *captureEmitter) Emit(eventType, severity, agent string, details map[string]interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, capturedEvent{Type: eventType, Details: details})
}

func (c *captureEmitter) has(eventType string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ev := range c.events {
		if ev.Type == eventType {
			return true
		}
	}
	return false
}

func newTestPlanner(t *testing.T, dir *stubDirectory, disp *stubDispatcher, mutate func(*Config)) *Planner {
	t.Helper()
	cfg := Config{
		TaskDeadline: time.Second,
		Directory:    dir,
		Dispatcher:   disp,
		Metrics:      metrics.NewMetrics(prometheus.NewRegistry()),
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return New(cfg)
}

func taskStatus(t *testing.T, st *PlanStatus, id string) TaskStatus {
	t.Helper()
	for _, ts := range st.Tasks {
		if ts.ID == id {
			return ts
		}
	}
	t.Fatalf("task %q not in status", id)
	return TaskStatus{}
}

func indexOf(ids []string, id string) int {
	for i, v := range ids {
		if v == id {
			return i
		}
	}
	return -1
}

// ============================================================================
// SUBMISSION AND EXECUTION
// ============================================================================

func TestSubmitRunsPlanToCompletion(t *testing.T) {
	dir := newStubDirectory().add("w1")
	disp := &stubDispatcher{}
	bus := &captureEmitter{}
	p := newTestPlanner(t, dir, disp, func(c *Config) { c.Bus = bus })

	id, err := p.Submit(context.Background(), PlanSpec{Name: "diamond", Tasks: []TaskSpec{
		task("a", "w1"),
		task("b", "w1", "a"),
		task("c", "w1", "a"),
		task("d", "w1", "b", "c"),
	}})
	require.NoError(t, err)
	require.NotEmpty(t, id)
	require.NoError(t, p.Wait(id))

	st, err := p.Status(id)
	require.NoError(t, err)
	assert.Equal(t, PlanCompleted, st.State)
	assert.Equal(t, "diamond", st.Name)
	for _, name := range []string{"a", "b", "c", "d"} {
		ts := taskStatus(t, st, name)
		assert.Equal(t, TaskCompleted, ts.State)
		assert.Equal(t, "w1", ts.Agent)
		assert.Equal(t, 1, ts.Attempts)
	}

	ids := disp.callIDs()
	require.Len(t, ids, 4)
	assert.Less(t, indexOf(ids, "a"), indexOf(ids, "b"))
	assert.Less(t, indexOf(ids, "a"), indexOf(ids, "c"))
	assert.Equal(t, "d", ids[3])

	assert.True(t, bus.has(events.TypePlanSubmitted))
	assert.True(t, bus.has(events.TypePlanCompleted))
}

func TestSubmitRejectsCycle(t *testing.T) {
	p := newTestPlanner(t, newStubDirectory().add("w1"), &stubDispatcher{}, nil)
	_, err := p.Submit(context.Background(), PlanSpec{Tasks: []TaskSpec{
		task("a", "w1", "b"),
		task("b", "w1", "a"),
	}})
	require.Error(t, err)
	assert.Equal(t, fault.CodePlanInvalid, fault.CodeOf(err))
}

func TestSubmitRejectsUnknownAgent(t *testing.T) {
	p := newTestPlanner(t, newStubDirectory().add("w1"), &stubDispatcher{}, nil)
	_, err := p.Submit(context.Background(), PlanSpec{Tasks: []TaskSpec{task("a", "ghost")}})
	require.Error(t, err)
	assert.Equal(t, fault.CodePlanInvalid, fault.CodeOf(err))
}

func TestSubmitRejectsUnservedCapability(t *testing.T) {
	p := newTestPlanner(t, newStubDirectory().add("w1", "summarize"), &stubDispatcher{}, nil)
	_, err := p.Submit(context.Background(), PlanSpec{Tasks: []TaskSpec{
		{ID: "a", Action: "run", Capability: "transcode"},
	}})
	require.Error(t, err)
	assert.Equal(t, fault.CodePlanInvalid, fault.CodeOf(err))
}

func TestSubmitWhileDrainingRejected(t *testing.T) {
	p := newTestPlanner(t, newStubDirectory().add("w1"), &stubDispatcher{}, nil)
	p.Drain()
	_, err := p.Submit(context.Background(), PlanSpec{Tasks: []TaskSpec{task("a", "w1")}})
	require.Error(t, err)
	assert.Equal(t, fault.CodeConflict, fault.CodeOf(err))
}

func TestCapabilityRoutesToLeastLoadedProvider(t *testing.T) {
	dir := newStubDirectory().add("busy", "summarize").add("idle", "summarize")
	dir.IncInflight("busy")
	dir.IncInflight("busy")
	disp := &stubDispatcher{}
	p := newTestPlanner(t, dir, disp, nil)

	id, err := p.Submit(context.Background(), PlanSpec{Tasks: []TaskSpec{
		{ID: "a", Action: "run", Capability: "summarize"},
	}})
	require.NoError(t, err)
	require.NoError(t, p.Wait(id))

	require.Len(t, disp.calls, 1)
	assert.Equal(t, "idle", disp.calls[0].Agent)
}

// ============================================================================
// FAILURE POLICIES
// ============================================================================

func TestFailFastCancelsDownstream(t *testing.T) {
	dir := newStubDirectory().add("w1")
	disp := &stubDispatcher{fn: func(ctx context.Context, call TaskCall) ([]byte, error) {
		if call.TaskID == "b" {
			return nil, errors.New("model exploded")
		}
		return []byte("ok"), nil
	}}
	bus := &captureEmitter{}
	p := newTestPlanner(t, dir, disp, func(c *Config) { c.Bus = bus })

	id, err := p.Submit(context.Background(), PlanSpec{Tasks: []TaskSpec{
		task("a", "w1"),
		task("b", "w1", "a"),
		task("c", "w1", "b"),
	}})
	require.NoError(t, err)
	require.NoError(t, p.Wait(id))

	st, err := p.Status(id)
	require.NoError(t, err)
	assert.Equal(t, PlanFailed, st.State)
	assert.Equal(t, TaskCompleted, taskStatus(t, st, "a").State)
	assert.Equal(t, TaskFailed, taskStatus(t, st, "b").State)
	assert.Equal(t, TaskCancelled, taskStatus(t, st, "c").State)
	assert.NotContains(t, disp.callIDs(), "c")
	assert.True(t, bus.has(events.TypePlanFailed))
}

func TestSkipPolicyYieldsPartialPlan(t *testing.T) {
	dir := newStubDirectory().add("w1")
	disp := &stubDispatcher{fn: func(ctx context.Context, call TaskCall) ([]byte, error) {
		if call.TaskID == "parse" {
			return nil, errors.New("malformed input")
		}
		return []byte("ok"), nil
	}}
	p := newTestPlanner(t, dir, disp, nil)

	id, err := p.Submit(context.Background(), PlanSpec{
		Policy: FailurePolicy{Mode: PolicySkip},
		Tasks: []TaskSpec{
			task("fetch", "w1"),
			task("parse", "w1", "fetch"),
			task("summarize", "w1", "fetch"),
			task("render", "w1", "parse"),
		},
	})
	require.NoError(t, err)
	require.NoError(t, p.Wait(id))

	st, err := p.Status(id)
	require.NoError(t, err)
	assert.Equal(t, PlanPartial, st.State)
	assert.Equal(t, TaskCompleted, taskStatus(t, st, "fetch").State)
	assert.Equal(t, TaskFailed, taskStatus(t, st, "parse").State)
	assert.Equal(t, TaskCompleted, taskStatus(t, st, "summarize").State)

	render := taskStatus(t, st, "render")
	assert.Equal(t, TaskSkipped, render.State)
	assert.Contains(t, render.Error, `dependency "parse" failed`)
	assert.NotContains(t, disp.callIDs(), "render")
}

func TestRetryPolicyEventuallySucceeds(t *testing.T) {
	var attempts atomic.Int32
	dir := newStubDirectory().add("w1")
	disp := &stubDispatcher{fn: func(ctx context.Context, call TaskCall) ([]byte, error) {
		if attempts.Add(1) < 3 {
			return nil, errors.New("transient")
		}
		return []byte("ok"), nil
	}}
	p := newTestPlanner(t, dir, disp, nil)

	id, err := p.Submit(context.Background(), PlanSpec{
		Policy: FailurePolicy{Mode: PolicyRetry, MaxAttempts: 3, Backoff: time.Millisecond},
		Tasks:  []TaskSpec{task("a", "w1")},
	})
	require.NoError(t, err)
	require.NoError(t, p.Wait(id))

	st, err := p.Status(id)
	require.NoError(t, err)
	assert.Equal(t, PlanCompleted, st.State)
	assert.Equal(t, 3, taskStatus(t, st, "a").Attempts)
}

func TestRetryExhaustedSkipsDependents(t *testing.T) {
	dir := newStubDirectory().add("w1")
	disp := &stubDispatcher{fn: func(ctx context.Context, call TaskCall) ([]byte, error) {
		return nil, errors.New("still broken")
	}}
	p := newTestPlanner(t, dir, disp, nil)

	id, err := p.Submit(context.Background(), PlanSpec{
		Policy: FailurePolicy{Mode: PolicyRetry, MaxAttempts: 2, Backoff: time.Millisecond},
		Tasks: []TaskSpec{
			task("a", "w1"),
			task("b", "w1", "a"),
		},
	})
	require.NoError(t, err)
	require.NoError(t, p.Wait(id))

	st, err := p.Status(id)
	require.NoError(t, err)
	assert.Equal(t, PlanPartial, st.State)
	a := taskStatus(t, st, "a")
	assert.Equal(t, TaskFailed, a.State)
	assert.Equal(t, 2, a.Attempts)
	assert.Equal(t, TaskSkipped, taskStatus(t, st, "b").State)
}

// ============================================================================
// THERMAL AND CAPACITY GATING
// ============================================================================

func TestThermalCriticalGatesNonCriticalTasks(t *testing.T) {
	var level atomic.Int32
	level.Store(int32(ThermalCritical))

	dir := newStubDirectory().add("w1")
	disp := &stubDispatcher{}
	p := newTestPlanner(t, dir, disp, func(c *Config) {
		c.Thermal = func() ThermalLevel { return ThermalLevel(level.Load()) }
	})

	id, err := p.Submit(context.Background(), PlanSpec{Tasks: []TaskSpec{
		{ID: "urgent", Action: "run", Agent: "w1", Priority: "critical"},
		{ID: "routine", Action: "run", Agent: "w1"},
	}})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st, err := p.Status(id)
		if err != nil {
			return false
		}
		return taskStatus(t, st, "urgent").State == TaskCompleted &&
			taskStatus(t, st, "routine").State == TaskDeferred
	}, 2*time.Second, 10*time.Millisecond)

	st, err := p.Status(id)
	require.NoError(t, err)
	assert.Equal(t, string(fault.CodeThermalDeferred), taskStatus(t, st, "routine").Error)

	level.Store(int32(ThermalNormal))
	require.NoError(t, p.Wait(id))

	st, err = p.Status(id)
	require.NoError(t, err)
	assert.Equal(t, PlanCompleted, st.State)
	assert.Equal(t, TaskCompleted, taskStatus(t, st, "routine").State)

	ids := disp.callIDs()
	require.Len(t, ids, 2)
	assert.Equal(t, "urgent", ids[0])
	assert.Equal(t, "routine", ids[1])
}

func TestBackpressureNarrowsDispatchWindow(t *testing.T) {
	dir := newStubDirectory().add("w1").add("w2").add("w3").add("w4")
	disp := &stubDispatcher{fn: func(ctx context.Context, call TaskCall) ([]byte, error) {
		time.Sleep(30 * time.Millisecond)
		return []byte("ok"), nil
	}}
	p := newTestPlanner(t, dir, disp, func(c *Config) {
		c.Capacity = func() CapacityView {
			return CapacityView{MaxParallel: 4, BackpressureLevel: 0.5}
		}
	})

	id, err := p.Submit(context.Background(), PlanSpec{Tasks: []TaskSpec{
		task("a", "w1"), task("b", "w2"), task("c", "w3"), task("d", "w4"),
	}})
	require.NoError(t, err)
	require.NoError(t, p.Wait(id))

	st, err := p.Status(id)
	require.NoError(t, err)
	assert.Equal(t, PlanCompleted, st.State)
	assert.LessOrEqual(t, disp.peak(), 2)
}

// ============================================================================
// CANCELLATION
// ============================================================================

func TestCancelStopsRunningPlan(t *testing.T) {
	dir := newStubDirectory().add("w1")
	disp := &stubDispatcher{fn: func(ctx context.Context, call TaskCall) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	p := newTestPlanner(t, dir, disp, nil)

	id, err := p.Submit(context.Background(), PlanSpec{Tasks: []TaskSpec{
		task("hold", "w1"),
		task("after", "w1", "hold"),
	}})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(disp.callIDs()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, p.Cancel(id))
	require.NoError(t, p.Wait(id))

	st, err := p.Status(id)
	require.NoError(t, err)
	assert.Equal(t, PlanCancelled, st.State)
	assert.Equal(t, TaskCancelled, taskStatus(t, st, "hold").State)
	assert.Equal(t, TaskCancelled, taskStatus(t, st, "after").State)
}

func TestCancelFinishedPlanIsNoop(t *testing.T) {
	p := newTestPlanner(t, newStubDirectory().add("w1"), &stubDispatcher{}, nil)
	id, err := p.Submit(context.Background(), PlanSpec{Tasks: []TaskSpec{task("a", "w1")}})
	require.NoError(t, err)
	require.NoError(t, p.Wait(id))

	require.NoError(t, p.Cancel(id))
	st, err := p.Status(id)
	require.NoError(t, err)
	assert.Equal(t, PlanCompleted, st.State)
}

func TestCancelUnknownPlan(t *testing.T) {
	p := newTestPlanner(t, newStubDirectory().add("w1"), &stubDispatcher{}, nil)
	err := p.Cancel("01ARZ3NDEKTSV4RRFFQ69G5FAV")
	require.Error(t, err)
	assert.Equal(t, fault.CodeNotFound, fault.CodeOf(err))
}

// ============================================================================
// RESUME
// ============================================================================

func TestResumeRestoresCheckpointedTasks(t *testing.T) {
	st := store.NewMemoryStore()
	dir := newStubDirectory().add("w1")
	spec := PlanSpec{Tasks: []TaskSpec{
		task("a", "w1"),
		task("b", "w1", "a"),
	}}

	first := newTestPlanner(t, dir, &stubDispatcher{}, func(c *Config) { c.Store = st })
	id, err := first.Submit(context.Background(), spec)
	require.NoError(t, err)
	require.NoError(t, first.Wait(id))

	checkpoints, err := st.GetCheckpoints(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, checkpoints, 2)

	replay := &stubDispatcher{}
	second := newTestPlanner(t, dir, replay, func(c *Config) { c.Store = st })
	resumedID, err := second.Resume(context.Background(), id, spec)
	require.NoError(t, err)
	assert.Equal(t, id, resumedID)
	require.NoError(t, second.Wait(id))

	status, err := second.Status(id)
	require.NoError(t, err)
	assert.Equal(t, PlanCompleted, status.State)
	assert.Empty(t, replay.callIDs())
}

func TestResumeRerunsTaskWithChangedInputs(t *testing.T) {
	st := store.NewMemoryStore()
	dir := newStubDirectory().add("w1")
	spec := PlanSpec{Tasks: []TaskSpec{
		task("a", "w1"),
		task("b", "w1", "a"),
	}}

	first := newTestPlanner(t, dir, &stubDispatcher{}, func(c *Config) { c.Store = st })
	id, err := first.Submit(context.Background(), spec)
	require.NoError(t, err)
	require.NoError(t, first.Wait(id))

	changed := PlanSpec{Tasks: []TaskSpec{
		task("a", "w1"),
		{ID: "b", Action: "run", Agent: "w1", DependsOn: []string{"a"},
			Inputs: json.RawMessage(`{"revision":2}`)},
	}}
	replay := &stubDispatcher{}
	second := newTestPlanner(t, dir, replay, func(c *Config) { c.Store = st })
	_, err = second.Resume(context.Background(), id, changed)
	require.NoError(t, err)
	require.NoError(t, second.Wait(id))

	assert.Equal(t, []string{"b"}, replay.callIDs())
	status, err := second.Status(id)
	require.NoError(t, err)
	assert.Equal(t, PlanCompleted, status.State)
}

func TestResumeRequiresStore(t *testing.T) {
	p := newTestPlanner(t, newStubDirectory().add("w1"), &stubDispatcher{}, nil)
	_, err := p.Resume(context.Background(), "some-plan", PlanSpec{Tasks: []TaskSpec{task("a", "w1")}})
	require.Error(t, err)
	assert.Equal(t, fault.CodeStoreUnavailable, fault.CodeOf(err))
}

// ============================================================================
// REPLANNING AND CAPACITY
// ============================================================================

func TestFleetShrinkTriggersReplan(t *testing.T) {
	dir := newStubDirectory().add("w1", "summarize").add("w2", "summarize")
	disp := &stubDispatcher{fn: func(ctx context.Context, call TaskCall) ([]byte, error) {
		if call.TaskID == "t1" {
			dir.remove("w2")
		}
		return []byte("ok"), nil
	}}
	p := newTestPlanner(t, dir, disp, nil)

	id, err := p.Submit(context.Background(), PlanSpec{
		MinAgents: 2,
		Tasks: []TaskSpec{
			{ID: "t1", Action: "run", Capability: "summarize"},
			{ID: "t2", Action: "run", Capability: "summarize", DependsOn: []string{"t1"}},
		},
	})
	require.NoError(t, err)
	require.NoError(t, p.Wait(id))

	st, err := p.Status(id)
	require.NoError(t, err)
	assert.Equal(t, PlanCompleted, st.State)
	assert.Equal(t, 1, st.Replans)
	assert.Equal(t, TaskCompleted, taskStatus(t, st, "t2").State)
}

func TestPlanLimitEvictsOldestFinished(t *testing.T) {
	dir := newStubDirectory().add("w1")
	p := newTestPlanner(t, dir, &stubDispatcher{}, func(c *Config) { c.MaxPlans = 1 })

	first, err := p.Submit(context.Background(), PlanSpec{Tasks: []TaskSpec{task("a", "w1")}})
	require.NoError(t, err)
	require.NoError(t, p.Wait(first))

	second, err := p.Submit(context.Background(), PlanSpec{Tasks: []TaskSpec{task("a", "w1")}})
	require.NoError(t, err)
	require.NoError(t, p.Wait(second))

	_, err = p.Status(first)
	require.Error(t, err)
	assert.Equal(t, fault.CodeNotFound, fault.CodeOf(err))
}

func TestPlanLimitRejectsWhenNothingFinished(t *testing.T) {
	dir := newStubDirectory().add("w1")
	disp := &stubDispatcher{fn: func(ctx context.Context, call TaskCall) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	p := newTestPlanner(t, dir, disp, func(c *Config) { c.MaxPlans = 1 })

	first, err := p.Submit(context.Background(), PlanSpec{Tasks: []TaskSpec{task("a", "w1")}})
	require.NoError(t, err)

	_, err = p.Submit(context.Background(), PlanSpec{Tasks: []TaskSpec{task("a", "w1")}})
	require.Error(t, err)
	assert.Equal(t, fault.CodeQueueFull, fault.CodeOf(err))

	require.NoError(t, p.Cancel(first))
	require.NoError(t, p.Wait(first))
}

func TestListPlansInSubmissionOrder(t *testing.T) {
	p := newTestPlanner(t, newStubDirectory().add("w1"), &stubDispatcher{}, nil)

	first, err := p.Submit(context.Background(), PlanSpec{Name: "one", Tasks: []TaskSpec{task("a", "w1")}})
	require.NoError(t, err)
	require.NoError(t, p.Wait(first))
	second, err := p.Submit(context.Background(), PlanSpec{Name: "two", Tasks: []TaskSpec{task("a", "w1")}})
	require.NoError(t, err)
	require.NoError(t, p.Wait(second))

	plans := p.ListPlans()
	require.Len(t, plans, 2)
	assert.Equal(t, first, plans[0].ID)
	assert.Equal(t, second, plans[1].ID)
}

func TestShutdownCancelsRunningPlans(t *testing.T) {
	dir := newStubDirectory().add("w1")
	disp := &stubDispatcher{fn: func(ctx context.Context, call TaskCall) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	p := newTestPlanner(t, dir, disp, nil)

	id, err := p.Submit(context.Background(), PlanSpec{Tasks: []TaskSpec{task("a", "w1")}})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(disp.callIDs()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))

	st, err := p.Status(id)
	require.NoError(t, err)
	assert.Equal(t, PlanCancelled, st.State)

	_, err = p.Submit(context.Background(), PlanSpec{Tasks: []TaskSpec{task("a", "w1")}})
	assert.Equal(t, fault.CodeConflict, fault.CodeOf(err))
}

package registry

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/planmesh/core/internal/events"
	"github.com/planmesh/core/internal/fault"
	"github.com/planmesh/core/internal/protocol"
	"github.com/planmesh/core/internal/store"
)

type captureBus struct {
	mu     sync.Mutex
	events []string
}

func (c *captureBus) Emit(eventType, severity, agent string, details map[string]interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, eventType)
}

func (c *captureBus) has(eventType string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.events {
		if e == eventType {
			return true
		}
	}
	return false
}

func request(name string, caps ...string) RegisterRequest {
	return RegisterRequest{
		Name:         name,
		UUID:         "uuid-" + name,
		RoleID:       2,
		Capabilities: caps,
	}
}

func TestRegisterAndLookup(t *testing.T) {
	bus := &captureBus{}
	r := New(Config{Store: store.NewMemoryStore(), Bus: bus})
	ctx := context.Background()

	record, err := r.Register(ctx, request("Planner-01", "plan", "review"))
	require.NoError(t, err)
	assert.Equal(t, "planner-01", record.Name, "names canonicalize to lower case")
	assert.Equal(t, StatusRegistering, record.Status)
	assert.Equal(t, protocol.TierKernelRing, record.PreferredTier)
	assert.True(t, bus.has(events.TypeRegister))

	got, ok := r.Get("planner-01")
	require.True(t, ok)
	assert.Equal(t, record.UUID, got.UUID)

	_, ok = r.Get("nobody")
	assert.False(t, ok)
}

func TestRegisterValidation(t *testing.T) {
	r := New(Config{})
	ctx := context.Background()

	_, err := r.Register(ctx, RegisterRequest{Name: "", UUID: "u"})
	assert.True(t, fault.IsCode(err, fault.CodeInvalidMessage))

	_, err = r.Register(ctx, RegisterRequest{Name: "way-too-long-agent-name", UUID: "u"})
	assert.True(t, fault.IsCode(err, fault.CodeInvalidMessage))

	_, err = r.Register(ctx, RegisterRequest{Name: "ok", UUID: ""})
	assert.True(t, fault.IsCode(err, fault.CodeInvalidMessage))

	_, err = r.Register(ctx, RegisterRequest{Name: "ok", UUID: "u", PreferredTier: 9})
	assert.True(t, fault.IsCode(err, fault.CodeInvalidMessage))
}

func TestRegisterConflictAndIdempotency(t *testing.T) {
	r := New(Config{})
	ctx := context.Background()

	_, err := r.Register(ctx, RegisterRequest{Name: "worker", UUID: "uuid-1", Capabilities: []string{"a"}})
	require.NoError(t, err)

	// Same identity refreshes the registration.
	record, err := r.Register(ctx, RegisterRequest{Name: "worker", UUID: "uuid-1", Capabilities: []string{"b"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, record.Capabilities)
	assert.Equal(t, 1, r.Count())

	// A different identity claiming the name is rejected.
	_, err = r.Register(ctx, RegisterRequest{Name: "worker", UUID: "uuid-2"})
	require.Error(t, err)
	assert.True(t, fault.IsCode(err, fault.CodeConflict))
}

func TestRegistryFull(t *testing.T) {
	r := New(Config{MaxAgents: 2})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := r.Register(ctx, request(fmt.Sprintf("agent-%d", i)))
		require.NoError(t, err)
	}

	_, err := r.Register(ctx, request("agent-2"))
	require.Error(t, err)
	assert.True(t, fault.IsCode(err, fault.CodeRegistryFull))

	// Re-registering an existing agent is still allowed at capacity.
	_, err = r.Register(ctx, request("agent-0"))
	assert.NoError(t, err)
}

func TestDegradedStoreRefusesNewRegistrations(t *testing.T) {
	backing := store.NewMemoryStore()
	monitor := store.NewMonitor(backing, nil, nil)
	r := New(Config{Store: backing, Monitor: monitor})
	ctx := context.Background()

	_, err := r.Register(ctx, request("early"))
	require.NoError(t, err)

	monitor.Observe(fmt.Errorf("connection refused"))
	require.False(t, monitor.Healthy())

	_, err = r.Register(ctx, request("late"))
	require.Error(t, err)
	assert.True(t, fault.IsCode(err, fault.CodeStoreUnavailable))
	assert.True(t, fault.IsRetryable(err))

	// Existing agents keep working in memory.
	_, err = r.Register(ctx, request("early"))
	assert.NoError(t, err)
	assert.NoError(t, r.Heartbeat("early"))
}

func TestStatusTransitions(t *testing.T) {
	r := New(Config{})
	ctx := context.Background()

	_, err := r.Register(ctx, request("worker"))
	require.NoError(t, err)

	require.NoError(t, r.MarkReady("worker"))
	got, _ := r.Get("worker")
	assert.Equal(t, StatusIdle, got.Status)

	require.NoError(t, r.SetStatus("worker", StatusRunning))
	got, _ = r.Get("worker")
	assert.Equal(t, StatusRunning, got.Status)

	err = r.SetStatus("ghost", StatusIdle)
	assert.True(t, fault.IsCode(err, fault.CodeNotFound))
}

func TestSweeperBlocksAndEvicts(t *testing.T) {
	bus := &captureBus{}
	var evictedMu sync.Mutex
	var evicted []string

	r := New(Config{
		Bus:        bus,
		BlockAfter: 30 * time.Millisecond,
		EvictAfter: 90 * time.Millisecond,
	})
	r.OnEvict(func(name string) {
		evictedMu.Lock()
		evicted = append(evicted, name)
		evictedMu.Unlock()
	})
	ctx := context.Background()

	_, err := r.Register(ctx, request("worker"))
	require.NoError(t, err)
	require.NoError(t, r.MarkReady("worker"))

	// Past the block threshold the agent is marked blocked.
	time.Sleep(50 * time.Millisecond)
	r.Sweep(ctx)
	got, ok := r.Get("worker")
	require.True(t, ok)
	assert.Equal(t, StatusBlocked, got.Status)

	// A heartbeat recovers it.
	require.NoError(t, r.Heartbeat("worker"))
	got, _ = r.Get("worker")
	assert.Equal(t, StatusIdle, got.Status)

	// Past the evict threshold it is removed and the hook fires.
	time.Sleep(100 * time.Millisecond)
	r.Sweep(ctx)
	_, ok = r.Get("worker")
	assert.False(t, ok)
	assert.True(t, bus.has(events.TypeEviction))
	evictedMu.Lock()
	assert.Equal(t, []string{"worker"}, evicted)
	evictedMu.Unlock()
}

func TestFindByCapabilityOrdering(t *testing.T) {
	r := New(Config{})
	ctx := context.Background()

	for _, name := range []string{"busy", "fresh", "stale"} {
		_, err := r.Register(ctx, request(name, "compile"))
		require.NoError(t, err)
		require.NoError(t, r.MarkReady(name))
	}

	// busy carries inflight work; stale has the oldest heartbeat.
	r.IncInflight("busy")
	r.IncInflight("busy")
	r.mu.Lock()
	r.agents["stale"].LastHeartbeat = time.Now().Add(-10 * time.Second)
	r.mu.Unlock()
	require.NoError(t, r.Heartbeat("fresh"))

	got := r.FindByCapability("compile")
	require.Len(t, got, 3)
	assert.Equal(t, "fresh", got[0].Name, "least loaded, freshest heartbeat first")
	assert.Equal(t, "stale", got[1].Name)
	assert.Equal(t, "busy", got[2].Name, "loaded agents sort last")

	// Blocked agents drop out of selection.
	require.NoError(t, r.SetStatus("fresh", StatusBlocked))
	got = r.FindByCapability("compile")
	require.Len(t, got, 2)

	assert.Empty(t, r.FindByCapability("paint"))
}

func TestDeregisterCleansIndexes(t *testing.T) {
	bus := &captureBus{}
	r := New(Config{Bus: bus})
	ctx := context.Background()

	_, err := r.Register(ctx, request("worker", "compile"))
	require.NoError(t, err)
	require.NoError(t, r.MarkReady("worker"))

	require.NoError(t, r.Deregister(ctx, "worker"))
	assert.Equal(t, 0, r.Count())
	assert.Empty(t, r.FindByCapability("compile"))
	assert.True(t, bus.has(events.TypeDeregister))

	err = r.Deregister(ctx, "worker")
	assert.True(t, fault.IsCode(err, fault.CodeNotFound))
}

func TestInflightAccounting(t *testing.T) {
	r := New(Config{})
	ctx := context.Background()

	_, err := r.Register(ctx, request("worker"))
	require.NoError(t, err)

	r.IncInflight("worker")
	r.IncInflight("worker")
	r.DecInflight("worker")
	got, _ := r.Get("worker")
	assert.Equal(t, 1, got.Inflight)

	// Never goes negative.
	r.DecInflight("worker")
	r.DecInflight("worker")
	got, _ = r.Get("worker")
	assert.Equal(t, 0, got.Inflight)
}

func TestDrainingRefusesRegistrations(t *testing.T) {
	r := New(Config{})
	ctx := context.Background()

	r.SetDraining(true)
	_, err := r.Register(ctx, request("worker"))
	require.Error(t, err)
	assert.True(t, fault.IsCode(err, fault.CodeConflict))

	r.SetDraining(false)
	_, err = r.Register(ctx, request("worker"))
	assert.NoError(t, err)
}

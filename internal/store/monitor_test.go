package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/planmesh/core/internal/events"
)

type recordingEmitter struct {
	mu    sync.Mutex
	types []string
}

func (r *recordingEmitter) Emit(eventType, severity, agent string, details map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types = append(r.types, eventType)
}

func (r *recordingEmitter) emitted() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.types))
	copy(out, r.types)
	return out
}

func TestMonitorDegradedTransitions(t *testing.T) {
	emitter := &recordingEmitter{}
	monitor := NewMonitor(NewMemoryStore(), emitter, slog.Default())

	require.True(t, monitor.Healthy())

	// Logical errors never degrade the store.
	monitor.Observe(ErrNotFound)
	monitor.Observe(ErrConflict)
	assert.True(t, monitor.Healthy())
	assert.Empty(t, emitter.emitted())

	// An availability error flips to degraded and emits once.
	monitor.Observe(fmt.Errorf("dial tcp: connection refused"))
	assert.False(t, monitor.Healthy())
	monitor.Observe(fmt.Errorf("dial tcp: connection refused"))
	assert.Equal(t, []string{events.TypeStoreUnavailable}, emitter.emitted())

	// A successful operation recovers and announces it.
	monitor.Observe(nil)
	assert.True(t, monitor.Healthy())
	assert.Equal(t, []string{events.TypeStoreUnavailable, events.TypeStoreRecovered}, emitter.emitted())
}

func TestMonitorProbeRecovers(t *testing.T) {
	emitter := &recordingEmitter{}
	monitor := NewMonitor(NewMemoryStore(), emitter, slog.Default())
	monitor.retryIn = 10 * time.Millisecond

	monitor.Observe(fmt.Errorf("store offline"))
	require.False(t, monitor.Healthy())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go monitor.Run(ctx)

	require.Eventually(t, monitor.Healthy, time.Second, 5*time.Millisecond,
		"probe against a healthy adapter should clear degraded mode")
}

func TestInstrumentedReportsToMonitor(t *testing.T) {
	emitter := &recordingEmitter{}
	monitor := NewMonitor(NewMemoryStore(), emitter, slog.Default())
	wrapped := NewInstrumented(NewMemoryStore(), monitor, nil)

	ctx := context.Background()
	require.NoError(t, wrapped.PutAgent(ctx, &Agent{
		Name:      "probe-01",
		UUID:      "00000000-0000-4000-8000-000000000001",
		RoleID:    1,
		CreatedAt: time.Now(),
	}))
	assert.True(t, monitor.Healthy())

	// Not-found flows through without degrading health.
	_, err := wrapped.GetAgent(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
	assert.True(t, monitor.Healthy())
}

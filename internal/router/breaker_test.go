package router

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakerOpensOnFailure(t *testing.T) {
	b := newTargetBreaker(nil)
	now := time.Now()

	gen, ok, _ := b.Allow(now)
	require.True(t, ok)

	b.Record(gen, false, now)

	open, remaining := b.Open(now)
	assert.True(t, open)
	assert.Greater(t, remaining, 4*time.Second)

	_, ok, retryAfter := b.Allow(now.Add(time.Second))
	assert.False(t, ok)
	assert.Greater(t, retryAfter, time.Duration(0))
}

func TestBreakerAdmitsSingleProbeAfterCooldown(t *testing.T) {
	b := newTargetBreaker(nil)
	now := time.Now()

	gen, _, _ := b.Allow(now)
	b.Record(gen, false, now)

	later := now.Add(breakerOpenFor + time.Millisecond)
	probeGen, ok, _ := b.Allow(later)
	require.True(t, ok, "first attempt after cooldown should probe")

	_, ok, _ = b.Allow(later)
	assert.False(t, ok, "second attempt must wait for the probe result")

	b.Record(probeGen, true, later)
	_, ok, _ = b.Allow(later)
	assert.True(t, ok, "successful probe closes the circuit")

	open, _ := b.Open(later)
	assert.False(t, open)
}

func TestBreakerReopensOnProbeFailure(t *testing.T) {
	b := newTargetBreaker(nil)
	now := time.Now()

	gen, _, _ := b.Allow(now)
	b.Record(gen, false, now)

	later := now.Add(breakerOpenFor + time.Millisecond)
	probeGen, ok, _ := b.Allow(later)
	require.True(t, ok)

	b.Record(probeGen, false, later)

	open, remaining := b.Open(later)
	assert.True(t, open)
	assert.Greater(t, remaining, 4*time.Second)
}

func TestBreakerIgnoresStaleResults(t *testing.T) {
	b := newTargetBreaker(nil)
	now := time.Now()

	gen, _, _ := b.Allow(now)
	b.Record(gen, false, now)

	// A success from before the trip must not close the circuit.
	b.Record(gen, true, now)

	open, _ := b.Open(now)
	assert.True(t, open)
}

func TestBreakerNotifiesOnTransition(t *testing.T) {
	var states []bool
	b := newTargetBreaker(func(open bool) { states = append(states, open) })
	now := time.Now()

	gen, _, _ := b.Allow(now)
	b.Record(gen, false, now)

	later := now.Add(breakerOpenFor + time.Millisecond)
	probeGen, _, _ := b.Allow(later)
	b.Record(probeGen, true, later)

	// open -> half-open -> closed
	require.Equal(t, []bool{true, false, false}, states)
}

package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFailureLimiterThreshold(t *testing.T) {
	l := NewFailureLimiter()

	for i := 1; i < maxAuthFailures; i++ {
		locked := l.RecordFailure("agent-a")
		assert.False(t, locked, "failure %d should not lock", i)
	}

	locked := l.RecordFailure("agent-a")
	assert.True(t, locked, "crossing the threshold locks the identity")

	blocked, remaining := l.Blocked("agent-a")
	assert.True(t, blocked)
	assert.Greater(t, remaining, time.Duration(0))
	assert.LessOrEqual(t, remaining, lockoutDuration)

	// Other identities are unaffected.
	blocked, _ = l.Blocked("agent-b")
	assert.False(t, blocked)
}

func TestFailureLimiterReset(t *testing.T) {
	l := NewFailureLimiter()

	for i := 0; i < maxAuthFailures-1; i++ {
		l.RecordFailure("agent-a")
	}
	l.Reset("agent-a")

	// Counter starts over after a successful authentication.
	assert.False(t, l.RecordFailure("agent-a"))
	blocked, _ := l.Blocked("agent-a")
	assert.False(t, blocked)
}

func TestFailureLimiterWindowExpiry(t *testing.T) {
	l := NewFailureLimiter()

	l.RecordFailure("agent-a")
	e := l.entries["agent-a"]
	require.NotNil(t, e)

	// Age the window past its bound; the next failure starts a new window.
	e.WindowStart = time.Now().Add(-2 * failureWindow)
	assert.False(t, l.RecordFailure("agent-a"))
	assert.Equal(t, 1, l.entries["agent-a"].Count)
}

func TestFailureLimiterLockoutExpiry(t *testing.T) {
	l := NewFailureLimiter()

	for i := 0; i < maxAuthFailures; i++ {
		l.RecordFailure("agent-a")
	}
	blocked, _ := l.Blocked("agent-a")
	require.True(t, blocked)

	// Age the lockout out; the identity is usable again.
	l.entries["agent-a"].LockedAt = time.Now().Add(-2 * lockoutDuration)
	blocked, _ = l.Blocked("agent-a")
	assert.False(t, blocked)
}

func TestFailureLimiterCleanup(t *testing.T) {
	l := NewFailureLimiter()

	l.RecordFailure("stale")
	l.entries["stale"].WindowStart = time.Now().Add(-2 * failureWindow)
	l.RecordFailure("fresh")

	l.Cleanup()

	assert.NotContains(t, l.entries, "stale")
	assert.Contains(t, l.entries, "fresh")
}

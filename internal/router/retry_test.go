package router

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/planmesh/core/internal/protocol"
)

func TestBackoffDoublesWithJitter(t *testing.T) {
	for n, ideal := range []time.Duration{
		50 * time.Millisecond,
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		1600 * time.Millisecond,
	} {
		for i := 0; i < 50; i++ {
			d := backoff(n)
			lo := time.Duration(float64(ideal) * 0.8)
			hi := time.Duration(float64(ideal) * 1.2)
			assert.GreaterOrEqual(t, d, lo, "attempt %d", n)
			assert.LessOrEqual(t, d, hi, "attempt %d", n)
		}
	}
}

func TestBackoffCapped(t *testing.T) {
	for i := 0; i < 100; i++ {
		assert.LessOrEqual(t, backoff(20), retryCap)
	}
}

func TestBackoffNegativeAttemptUsesBase(t *testing.T) {
	d := backoff(-1)
	assert.GreaterOrEqual(t, d, 40*time.Millisecond)
	assert.LessOrEqual(t, d, 60*time.Millisecond)
}

func TestRetryablePatterns(t *testing.T) {
	assert.True(t, retryable(protocol.PatternRequestResponse))
	assert.True(t, retryable(protocol.PatternWorkQueue))
	assert.False(t, retryable(protocol.PatternPublish))
	assert.False(t, retryable(protocol.PatternBroadcast))
	assert.False(t, retryable(protocol.PatternMulticast))
}

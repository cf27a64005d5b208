package router

import (
	"math/rand"
	"time"

	"github.com/planmesh/core/internal/protocol"
)

const (
	// Redelivery bounds shared by the work-queue and request-response
	// retry paths.
	defaultMaxRetries = 3

	retryBase   = 50 * time.Millisecond
	retryCap    = 2 * time.Second
	retryJitter = 0.2
)

// backoff returns the wait before retry n (0-based): 50ms doubled per
// attempt with ±20% jitter, capped at 2s.
func backoff(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	d := retryBase
	for i := 0; i < n && d < retryCap; i++ {
		d *= 2
	}
	if d > retryCap {
		d = retryCap
	}
	jittered := time.Duration(float64(d) * (1 + retryJitter*(2*rand.Float64()-1)))
	if jittered > retryCap {
		jittered = retryCap
	}
	if jittered <= 0 {
		jittered = retryBase
	}
	return jittered
}

// retryable reports whether the pattern participates in router-driven
// redelivery. Publish, broadcast, and multicast are fire-and-forget.
func retryable(p protocol.Pattern) bool {
	return p == protocol.PatternRequestResponse || p == protocol.PatternWorkQueue
}

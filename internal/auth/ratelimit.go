package auth

import (
	"sync"
	"time"
)

const (
	maxAuthFailures = 10
	failureWindow   = time.Minute
	lockoutDuration = 5 * time.Minute
)

type failureEntry struct {
	Count       int
	WindowStart time.Time
	LockedAt    time.Time // non-zero while locked out
}

// FailureLimiter tracks failed authentication attempts per claimed identity.
// Crossing the threshold inside the window locks the identity out.
type FailureLimiter struct {
	mu      sync.Mutex
	entries map[string]*failureEntry
}

// NewFailureLimiter creates an empty limiter.
func NewFailureLimiter() *FailureLimiter {
	return &FailureLimiter{
		entries: make(map[string]*failureEntry),
	}
}

// Blocked reports whether the identity is locked out, and for how much
// longer.
func (l *FailureLimiter) Blocked(identity string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[identity]
	if !ok || e.LockedAt.IsZero() {
		return false, 0
	}

	remaining := time.Until(e.LockedAt.Add(lockoutDuration))
	if remaining <= 0 {
		delete(l.entries, identity)
		return false, 0
	}
	return true, remaining
}

// RecordFailure counts a failed attempt. Returns true when this failure
// triggers the lockout.
func (l *FailureLimiter) RecordFailure(identity string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	e, ok := l.entries[identity]
	if !ok {
		l.entries[identity] = &failureEntry{Count: 1, WindowStart: now}
		return false
	}

	if !e.LockedAt.IsZero() {
		return false
	}

	// Window expired, start over.
	if now.Sub(e.WindowStart) > failureWindow {
		e.Count = 1
		e.WindowStart = now
		return false
	}

	e.Count++
	if e.Count >= maxAuthFailures {
		e.LockedAt = now
		return true
	}
	return false
}

// Reset clears failure state after a successful authentication.
func (l *FailureLimiter) Reset(identity string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, identity)
}

// Cleanup drops expired windows and lockouts. Call periodically.
func (l *FailureLimiter) Cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	for identity, e := range l.entries {
		if !e.LockedAt.IsZero() {
			if now.After(e.LockedAt.Add(lockoutDuration)) {
				delete(l.entries, identity)
			}
			continue
		}
		if now.Sub(e.WindowStart) > failureWindow {
			delete(l.entries, identity)
		}
	}
}

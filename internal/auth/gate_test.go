package auth

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/planmesh/core/internal/events"
	"github.com/planmesh/core/internal/fault"
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

func newTestGate(t *testing.T, ttl time.Duration) (*Gate, *captureBus) {
	t.Helper()
	keys, err := NewEphemeralKeyring()
	require.NoError(t, err)

	bus := &captureBus{}
	gate := NewGate(GateConfig{
		Keys:       keys,
		Store:      store.NewMemoryStore(),
		Bus:        bus,
		SessionTTL: ttl,
	})
	require.NoError(t, gate.EnsureBuiltinRoles(context.Background()))
	return gate, bus
}

func TestIssueAndAuthenticate(t *testing.T) {
	gate, bus := newTestGate(t, time.Hour)
	ctx := context.Background()

	token, issued, err := gate.Issue(ctx, "planner-01", RoleOperator)
	require.NoError(t, err)
	require.NotEmpty(t, token)
	assert.Len(t, issued.FrameKey, 32)
	assert.True(t, bus.has(events.TypeTokenIssued))

	principal, err := gate.Authenticate(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "planner-01", principal.AgentName)
	assert.Equal(t, RoleOperator, principal.Role)
	assert.Equal(t, RoleOperatorID, principal.RoleID)
	assert.Equal(t, issued.TokenID, principal.TokenID)
	assert.Equal(t, issued.FrameKey, principal.FrameKey)
}

func TestAuthenticateSurvivesRestart(t *testing.T) {
	keys, err := NewEphemeralKeyring()
	require.NoError(t, err)
	backing := store.NewMemoryStore()
	ctx := context.Background()

	first := NewGate(GateConfig{Keys: keys, Store: backing, SessionTTL: time.Hour})
	require.NoError(t, first.EnsureBuiltinRoles(ctx))
	token, _, err := first.Issue(ctx, "planner-01", RoleUser)
	require.NoError(t, err)

	// A fresh gate over the same keys and store accepts the token from a
	// cold cache.
	second := NewGate(GateConfig{Keys: keys, Store: backing, SessionTTL: time.Hour})
	principal, err := second.Authenticate(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "planner-01", principal.AgentName)
	assert.Equal(t, userMask, principal.Bitmask)
}

func TestAuthenticateRejectsGarbage(t *testing.T) {
	gate, bus := newTestGate(t, time.Hour)

	_, err := gate.Authenticate(context.Background(), "not-a-token")
	require.Error(t, err)
	assert.True(t, fault.IsCode(err, fault.CodeInvalidToken))
	assert.True(t, bus.has(events.TypeAuthFailure))
}

func TestAuthenticateRejectsForeignSignature(t *testing.T) {
	gate, _ := newTestGate(t, time.Hour)

	// Token signed by a keyring this gate has never seen.
	otherKeys, err := NewEphemeralKeyring()
	require.NoError(t, err)
	claims := sessionClaims{
		Role: RoleAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   "intruder",
			ID:        "jti-forged",
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	forged := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	forged.Header["kid"] = otherKeys.ActiveKeyID()
	signed, err := forged.SignedString(otherKeys.Signer())
	require.NoError(t, err)

	_, err = gate.Authenticate(context.Background(), signed)
	require.Error(t, err)
	assert.True(t, fault.IsCode(err, fault.CodeInvalidToken))
}

func TestAuthenticateRejectsExpired(t *testing.T) {
	gate, _ := newTestGate(t, 10*time.Millisecond)
	ctx := context.Background()

	token, _, err := gate.Issue(ctx, "planner-01", RoleUser)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)

	_, err = gate.Authenticate(ctx, token)
	require.Error(t, err)
	assert.True(t, fault.IsCode(err, fault.CodeInvalidToken))
}

func TestRevocation(t *testing.T) {
	gate, _ := newTestGate(t, time.Hour)
	ctx := context.Background()

	token, principal, err := gate.Issue(ctx, "planner-01", RoleUser)
	require.NoError(t, err)

	require.NoError(t, gate.Revoke(ctx, principal.TokenID))

	_, err = gate.Authenticate(ctx, token)
	require.Error(t, err)
	assert.True(t, fault.IsCode(err, fault.CodeInvalidToken))

	// Revoking again is a no-op.
	require.NoError(t, gate.Revoke(ctx, principal.TokenID))
}

func TestRevokeAllForAgent(t *testing.T) {
	gate, _ := newTestGate(t, time.Hour)
	ctx := context.Background()

	_, _, err := gate.Issue(ctx, "worker-01", RoleUser)
	require.NoError(t, err)
	tokenB, _, err := gate.Issue(ctx, "worker-01", RoleUser)
	require.NoError(t, err)
	tokenOther, _, err := gate.Issue(ctx, "worker-02", RoleUser)
	require.NoError(t, err)

	revoked := gate.RevokeAllForAgent(ctx, "worker-01")
	assert.Equal(t, 2, revoked)

	_, err = gate.Authenticate(ctx, tokenB)
	require.Error(t, err)

	_, err = gate.Authenticate(ctx, tokenOther)
	require.NoError(t, err, "other agents keep their sessions")
}

func TestApplyRemoteRevocation(t *testing.T) {
	gate, _ := newTestGate(t, time.Hour)
	ctx := context.Background()

	_, principal, err := gate.Issue(ctx, "planner-01", RoleUser)
	require.NoError(t, err)
	require.Equal(t, 1, gate.SessionCount())

	gate.ApplyRemoteRevocation(principal.TokenID)
	assert.Equal(t, 0, gate.SessionCount())
}

func TestAuthorize(t *testing.T) {
	gate, bus := newTestGate(t, time.Hour)
	ctx := context.Background()

	_, observer, err := gate.Issue(ctx, "watcher-01", RoleObserver)
	require.NoError(t, err)
	_, admin, err := gate.Issue(ctx, "root-01", RoleAdmin)
	require.NoError(t, err)

	require.NoError(t, gate.Authorize(observer, PermSubscribe))

	err = gate.Authorize(observer, PermSend)
	require.Error(t, err)
	assert.True(t, fault.IsCode(err, fault.CodeUnauthorized))
	assert.True(t, bus.has(events.TypePermissionDenied))

	for _, perm := range []Permission{
		PermRegister, PermSend, PermBroadcast, PermSubscribe,
		PermPlanSubmit, PermPlanCancel, PermIssue, PermAdmin,
	} {
		assert.NoError(t, gate.Authorize(admin, perm), "admin should hold %s", perm)
	}

	err = gate.Authorize(nil, PermSend)
	require.Error(t, err)
	assert.True(t, fault.IsCode(err, fault.CodeInvalidToken))
}

func TestFailureLockout(t *testing.T) {
	gate, bus := newTestGate(t, time.Hour)
	ctx := context.Background()

	// Forged tokens claiming the same identity so failures attribute to it.
	otherKeys, err := NewEphemeralKeyring()
	require.NoError(t, err)
	forge := func() string {
		claims := sessionClaims{
			Role: RoleUser,
			RegisteredClaims: jwt.RegisteredClaims{
				Issuer:    tokenIssuer,
				Subject:   "mallory",
				ID:        fmt.Sprintf("jti-%d", time.Now().UnixNano()),
				IssuedAt:  jwt.NewNumericDate(time.Now()),
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
		}
		token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
		token.Header["kid"] = otherKeys.ActiveKeyID()
		signed, err := token.SignedString(otherKeys.Signer())
		require.NoError(t, err)
		return signed
	}

	for i := 0; i < maxAuthFailures; i++ {
		_, err := gate.Authenticate(ctx, forge())
		require.Error(t, err)
		assert.True(t, fault.IsCode(err, fault.CodeInvalidToken))
	}

	// The threshold is crossed, the identity is locked out.
	_, err = gate.Authenticate(ctx, forge())
	require.Error(t, err)
	assert.True(t, fault.IsCode(err, fault.CodeRateLimited))
	assert.True(t, fault.IsRetryable(err))
	assert.True(t, bus.has(events.TypeRateLimited))
}

func TestKeyRotationGrace(t *testing.T) {
	gate, _ := newTestGate(t, time.Hour)
	ctx := context.Background()

	token, _, err := gate.Issue(ctx, "planner-01", RoleUser)
	require.NoError(t, err)

	require.NoError(t, gate.keys.Rotate())

	// Old token still verifies against the rotated-out key.
	_, err = gate.Authenticate(ctx, token)
	require.NoError(t, err)

	// New tokens sign with the new key.
	fresh, _, err := gate.Issue(ctx, "planner-02", RoleUser)
	require.NoError(t, err)
	_, err = gate.Authenticate(ctx, fresh)
	require.NoError(t, err)
}

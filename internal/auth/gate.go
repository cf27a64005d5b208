// Package auth implements the session gate: JWT issuance and validation,
// role-based permission masks, failed-attempt lockout, and session
// revocation fan-out across cores.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/planmesh/core/internal/events"
	"github.com/planmesh/core/internal/fault"
	"github.com/planmesh/core/internal/metrics"
	"github.com/planmesh/core/internal/store"
)

const tokenIssuer = "core"

// Principal is an authenticated session: the agent identity, its effective
// permission mask, and the frame HMAC key derived for this session.
type Principal struct {
	AgentName string
	Role      string
	RoleID    int
	Bitmask   uint64
	TokenID   string
	ExpiresAt time.Time
	FrameKey  []byte
}

// sessionClaims is the JWT payload. The registered claims carry identity
// (sub), session ID (jti), and expiry; the role travels as a private claim.
type sessionClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// GateConfig configures the auth gate.
type GateConfig struct {
	Keys       *Keyring
	Store      store.Store
	Bus        events.Emitter
	Metrics    *metrics.Metrics
	SessionTTL time.Duration
	Logger     *slog.Logger
}

// Gate issues and validates sessions. Validated principals are cached by
// token ID so the hot path never touches the store.
type Gate struct {
	keys       *Keyring
	store      store.Store
	bus        events.Emitter
	metrics    *metrics.Metrics
	logger     *slog.Logger
	limiter    *FailureLimiter
	sessionTTL time.Duration

	mu       sync.RWMutex
	sessions map[string]*Principal
	revoker  Revoker
}

// NewGate creates the gate. Call SetRevoker to join a multi-core revocation
// channel; without one, revocations stay local.
func NewGate(cfg GateConfig) *Gate {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ttl := cfg.SessionTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Gate{
		keys:       cfg.Keys,
		store:      cfg.Store,
		bus:        cfg.Bus,
		metrics:    cfg.Metrics,
		logger:     logger.With("component", "auth.gate"),
		limiter:    NewFailureLimiter(),
		sessionTTL: ttl,
		sessions:   make(map[string]*Principal),
		revoker:    NewNoopRevoker(),
	}
}

// SetRevoker installs the cross-core revocation fan-out.
func (g *Gate) SetRevoker(r Revoker) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if r != nil {
		g.revoker = r
	}
}

// EnsureBuiltinRoles writes the four builtin roles to the store so role IDs
// resolve identically across restarts and backends.
func (g *Gate) EnsureBuiltinRoles(ctx context.Context) error {
	for _, r := range BuiltinRoles() {
		err := g.store.EnsureRole(ctx, &store.Role{ID: r.ID, Name: r.Name, Bitmask: r.Bitmask})
		if err != nil {
			return fmt.Errorf("ensure role %s: %w", r.Name, err)
		}
	}
	return nil
}

// Issue mints a session token for the agent with the given role and the
// configured TTL. The session is persisted before the token is returned,
// so a core restart never orphans a live token.
func (g *Gate) Issue(ctx context.Context, agentName, roleName string) (string, *Principal, error) {
	return g.IssueTTL(ctx, agentName, roleName, g.sessionTTL)
}

// IssueTTL mints a session with an explicit lifetime. Non-positive TTLs
// fall back to the configured default.
func (g *Gate) IssueTTL(ctx context.Context, agentName, roleName string, ttl time.Duration) (string, *Principal, error) {
	if agentName == "" {
		return "", nil, fault.New(fault.CodeInvalidToken, "agent name required")
	}
	if ttl <= 0 {
		ttl = g.sessionTTL
	}

	role, err := g.resolveRole(ctx, roleName)
	if err != nil {
		return "", nil, err
	}

	now := time.Now()
	expiresAt := now.Add(ttl)
	tokenID := uuid.NewString()

	claims := sessionClaims{
		Role: role.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   agentName,
			ID:        tokenID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	token.Header["kid"] = g.keys.ActiveKeyID()
	signed, err := token.SignedString(g.keys.Signer())
	if err != nil {
		return "", nil, fmt.Errorf("sign token: %w", err)
	}

	if err := g.store.PutSession(ctx, &store.Session{
		TokenID:   tokenID,
		AgentName: agentName,
		ExpiresAt: expiresAt,
	}); err != nil {
		return "", nil, fault.Wrap(fault.CodeStoreUnavailable, err).AsRetryable(time.Second)
	}

	frameKey, err := g.keys.SessionKey(tokenID)
	if err != nil {
		return "", nil, err
	}

	principal := &Principal{
		AgentName: agentName,
		Role:      role.Name,
		RoleID:    role.ID,
		Bitmask:   role.Bitmask,
		TokenID:   tokenID,
		ExpiresAt: expiresAt,
		FrameKey:  frameKey,
	}

	g.mu.Lock()
	g.sessions[tokenID] = principal
	g.setSessionGaugeLocked()
	g.mu.Unlock()

	g.emit(events.TypeTokenIssued, events.SeverityInfo, agentName, map[string]interface{}{
		"token_id": tokenID,
		"role":     role.Name,
		"expires":  expiresAt.Format(time.RFC3339),
	})
	g.record("issued")
	g.logger.Info("Session issued", "agent", agentName, "role", role.Name, "token_id", tokenID)

	return signed, principal, nil
}

// Authenticate validates a token and returns its principal. Failures count
// toward the per-identity lockout.
func (g *Gate) Authenticate(ctx context.Context, tokenString string) (*Principal, error) {
	claimed := claimedSubject(tokenString)

	if blocked, remaining := g.limiter.Blocked(claimed); blocked {
		g.emit(events.TypeRateLimited, events.SeverityWarning, claimed, map[string]interface{}{
			"remaining_s": int(remaining.Seconds()),
		})
		g.record("rate_limited")
		return nil, fault.New(fault.CodeRateLimited, "too many failed attempts for %q", claimed).
			AsRetryable(remaining)
	}

	token, err := jwt.ParseWithClaims(tokenString, &sessionClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		kid, _ := t.Header["kid"].(string)
		return g.keys.VerificationKey(kid)
	}, jwt.WithIssuer(tokenIssuer), jwt.WithExpirationRequired())
	if err != nil {
		outcome := "invalid"
		if errors.Is(err, jwt.ErrTokenExpired) {
			outcome = "expired"
		}
		return nil, g.fail(claimed, outcome, "%s", err.Error())
	}

	claims, ok := token.Claims.(*sessionClaims)
	if !ok || claims.ID == "" || claims.Subject == "" {
		return nil, g.fail(claimed, "invalid", "token missing jti or subject")
	}

	g.mu.RLock()
	principal, cached := g.sessions[claims.ID]
	g.mu.RUnlock()
	if cached {
		g.limiter.Reset(claims.Subject)
		g.record("ok")
		return principal, nil
	}

	// Not cached: issued by a peer core or before a restart. Rebuild from
	// the store.
	session, err := g.store.GetSession(ctx, claims.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, g.fail(claims.Subject, "invalid", "unknown session")
		}
		g.record("error")
		return nil, fault.Wrap(fault.CodeStoreUnavailable, err).AsRetryable(time.Second)
	}
	if session.Revoked {
		return nil, g.fail(claims.Subject, "revoked", "session revoked")
	}
	if session.ExpiresAt.Before(time.Now()) {
		return nil, g.fail(claims.Subject, "expired", "session expired")
	}
	if session.AgentName != claims.Subject {
		return nil, g.fail(claims.Subject, "invalid", "subject does not match session")
	}

	role, err := g.resolveRole(ctx, claims.Role)
	if err != nil {
		return nil, g.fail(claims.Subject, "invalid", "unknown role %q", claims.Role)
	}

	frameKey, err := g.keys.SessionKey(claims.ID)
	if err != nil {
		return nil, err
	}

	principal = &Principal{
		AgentName: claims.Subject,
		Role:      role.Name,
		RoleID:    role.ID,
		Bitmask:   role.Bitmask,
		TokenID:   claims.ID,
		ExpiresAt: session.ExpiresAt,
		FrameKey:  frameKey,
	}

	g.mu.Lock()
	g.sessions[claims.ID] = principal
	g.setSessionGaugeLocked()
	g.mu.Unlock()

	g.limiter.Reset(claims.Subject)
	g.record("ok")
	return principal, nil
}

// Authorize checks one permission bit against the principal's mask.
func (g *Gate) Authorize(principal *Principal, perm Permission) error {
	if principal == nil {
		return fault.New(fault.CodeInvalidToken, "no session")
	}
	if !Allowed(principal.Bitmask, perm) {
		g.emit(events.TypePermissionDenied, events.SeverityWarning, principal.AgentName,
			map[string]interface{}{
				"permission": perm.String(),
				"role":       principal.Role,
			})
		return fault.New(fault.CodeUnauthorized, "agent %q role %s lacks %s",
			principal.AgentName, principal.Role, perm)
	}
	return nil
}

// Revoke invalidates a session locally, in the store, and on every peer
// core. Revoking an unknown token is a no-op.
func (g *Gate) Revoke(ctx context.Context, tokenID string) error {
	if err := g.store.RevokeSession(ctx, tokenID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fault.Wrap(fault.CodeStoreUnavailable, err).AsRetryable(time.Second)
	}

	g.mu.Lock()
	delete(g.sessions, tokenID)
	g.setSessionGaugeLocked()
	revoker := g.revoker
	g.mu.Unlock()

	g.logger.Info("Session revoked", "token_id", tokenID)
	return revoker.Broadcast(ctx, tokenID)
}

// RevokeAllForAgent kills every cached session belonging to the agent.
// Called on eviction so a stale agent cannot keep talking.
func (g *Gate) RevokeAllForAgent(ctx context.Context, agentName string) int {
	g.mu.Lock()
	var tokenIDs []string
	for tokenID, p := range g.sessions {
		if p.AgentName == agentName {
			tokenIDs = append(tokenIDs, tokenID)
			delete(g.sessions, tokenID)
		}
	}
	g.setSessionGaugeLocked()
	revoker := g.revoker
	g.mu.Unlock()

	for _, tokenID := range tokenIDs {
		if err := g.store.RevokeSession(ctx, tokenID); err != nil && !errors.Is(err, store.ErrNotFound) {
			g.logger.Warn("Store revocation failed", "token_id", tokenID, "error", err)
		}
		revoker.Broadcast(ctx, tokenID)
	}
	return len(tokenIDs)
}

// ApplyRemoteRevocation drops a session revoked by a peer core. It never
// re-broadcasts.
func (g *Gate) ApplyRemoteRevocation(tokenID string) {
	g.mu.Lock()
	_, present := g.sessions[tokenID]
	delete(g.sessions, tokenID)
	g.setSessionGaugeLocked()
	g.mu.Unlock()

	if present {
		g.logger.Info("Session revoked by peer", "token_id", tokenID)
	}
}

// SessionActive reports whether a session is still in the live cache.
// Revocation and the expiry sweep both remove it, so callers that
// authenticated once at attach can re-check cheaply per operation.
func (g *Gate) SessionActive(tokenID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	p, ok := g.sessions[tokenID]
	return ok && time.Now().Before(p.ExpiresAt)
}

// SessionCount returns the number of cached sessions.
func (g *Gate) SessionCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.sessions)
}

// Run sweeps expired sessions and stale lockout entries until ctx is
// cancelled.
func (g *Gate) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.sweep()
			g.limiter.Cleanup()
		}
	}
}

func (g *Gate) sweep() {
	now := time.Now()
	g.mu.Lock()
	defer g.mu.Unlock()
	for tokenID, p := range g.sessions {
		if now.After(p.ExpiresAt) {
			delete(g.sessions, tokenID)
		}
	}
	g.setSessionGaugeLocked()
}

// resolveRole looks a role up among the builtins first, then the store.
func (g *Gate) resolveRole(ctx context.Context, roleName string) (Role, error) {
	if role, ok := LookupRole(roleName); ok {
		return role, nil
	}
	stored, err := g.store.GetRole(ctx, roleName)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Role{}, fault.New(fault.CodeInvalidToken, "unknown role %q", roleName)
		}
		return Role{}, fault.Wrap(fault.CodeStoreUnavailable, err).AsRetryable(time.Second)
	}
	return Role{ID: stored.ID, Name: stored.Name, Bitmask: stored.Bitmask}, nil
}

// fail records a failed attempt, emits the audit event, and returns the
// INVALID_TOKEN fault. Crossing the failure threshold emits rate_limited.
func (g *Gate) fail(identity, outcome, format string, args ...interface{}) error {
	reason := fmt.Sprintf(format, args...)

	g.record(outcome)
	g.emit(events.TypeAuthFailure, events.SeverityWarning, identity, map[string]interface{}{
		"reason": reason,
	})
	if g.limiter.RecordFailure(identity) {
		g.emit(events.TypeRateLimited, events.SeverityWarning, identity, map[string]interface{}{
			"lockout_s": int(lockoutDuration.Seconds()),
		})
		g.logger.Warn("Identity locked out", "agent", identity)
	}

	return fault.New(fault.CodeInvalidToken, "%s", reason)
}

func (g *Gate) setSessionGaugeLocked() {
	if g.metrics != nil {
		g.metrics.SessionsActive.Set(float64(len(g.sessions)))
	}
}

func (g *Gate) emit(eventType, severity, agent string, details map[string]interface{}) {
	if g.bus != nil {
		g.bus.Emit(eventType, severity, agent, details)
	}
}

func (g *Gate) record(outcome string) {
	if g.metrics != nil {
		g.metrics.RecordAuth(outcome)
	}
}

// claimedSubject extracts the unverified subject so failures can be
// attributed for lockout before signature verification.
func claimedSubject(tokenString string) string {
	var claims sessionClaims
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, &claims); err != nil {
		return "unknown"
	}
	if claims.Subject == "" {
		return "unknown"
	}
	return claims.Subject
}

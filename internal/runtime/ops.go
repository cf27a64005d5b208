package runtime

import (
	"context"

	"github.com/planmesh/core/internal/auth"
	"github.com/planmesh/core/internal/fault"
	"github.com/planmesh/core/internal/planner"
	"github.com/planmesh/core/internal/protocol"
	"github.com/planmesh/core/internal/registry"
	"github.com/planmesh/core/internal/router"
)

// The operation surface shared by the gateway and the admin API. Every
// method takes the principal the caller authenticated as; permission
// checks happen here so both transports enforce the same policy.

// Authenticate resolves a session token to its principal.
func (c *Core) Authenticate(ctx context.Context, token string) (*auth.Principal, error) {
	return c.gate.Authenticate(ctx, token)
}

// sessionGuard rejects operations from revoked or expired sessions.
// Transports authenticate once at attach; this check keeps revocation
// effective on every operation after that.
func (c *Core) sessionGuard(p *auth.Principal) error {
	if p == nil {
		return fault.New(fault.CodeInvalidToken, "no session")
	}
	if !c.gate.SessionActive(p.TokenID) {
		return fault.New(fault.CodeInvalidToken, "session for %q is no longer active", p.AgentName)
	}
	return nil
}

// IssueSession mints a session for another agent. Callers need the issue
// permission; the admin API bypasses this via the gate directly.
func (c *Core) IssueSession(ctx context.Context, p *auth.Principal, agentName, role string) (string, *auth.Principal, error) {
	if err := c.sessionGuard(p); err != nil {
		return "", nil, err
	}
	if err := c.gate.Authorize(p, auth.PermIssue); err != nil {
		return "", nil, err
	}
	return c.gate.Issue(ctx, agentName, role)
}

// RegisterAgent admits the session's agent into the fleet and binds its
// fabric target. A session registers only the agent it was issued for.
func (c *Core) RegisterAgent(ctx context.Context, p *auth.Principal, req registry.RegisterRequest) (*registry.AgentRecord, error) {
	if err := c.sessionGuard(p); err != nil {
		return nil, err
	}
	if err := c.gate.Authorize(p, auth.PermRegister); err != nil {
		return nil, err
	}
	if req.Name != p.AgentName {
		return nil, fault.New(fault.CodeUnauthorized, "session was issued for %q, not %q", p.AgentName, req.Name)
	}
	if req.Name == ReservedName {
		return nil, fault.New(fault.CodeConflict, "agent name %q is reserved", ReservedName)
	}
	req.RoleID = p.RoleID

	rec, err := c.agents.Register(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := c.fabric.Bind(req.Name, router.BindOptions{
		FrameKey:      p.FrameKey,
		PreferredTier: req.PreferredTier,
	}); err != nil {
		c.agents.Deregister(ctx, req.Name)
		return nil, err
	}
	if err := c.agents.MarkReady(req.Name); err != nil {
		return nil, err
	}
	return rec, nil
}

// DeregisterAgent removes an agent. Sessions remove their own agent;
// removing another's requires admin. The eviction hook tears down the
// fabric binding and revokes the agent's sessions.
func (c *Core) DeregisterAgent(ctx context.Context, p *auth.Principal, name string) error {
	if err := c.sessionGuard(p); err != nil {
		return err
	}
	if name != p.AgentName {
		if err := c.gate.Authorize(p, auth.PermAdmin); err != nil {
			return err
		}
	}
	return c.agents.Deregister(ctx, name)
}

// Heartbeat refreshes the session agent's liveness.
func (c *Core) Heartbeat(p *auth.Principal) error {
	if err := c.sessionGuard(p); err != nil {
		return err
	}
	return c.agents.Heartbeat(p.AgentName)
}

// SendFrame admits one frame from the session's agent. Fan-out patterns
// require the broadcast permission; everything else needs send. The
// frame's integrity tag, when present, is checked against the session key.
func (c *Core) SendFrame(ctx context.Context, p *auth.Principal, frame *protocol.Frame, targets []string, notify func(error)) error {
	if err := c.sessionGuard(p); err != nil {
		return err
	}
	if frame == nil || frame.Header == nil {
		return fault.New(fault.CodeInvalidMessage, "missing frame")
	}
	perm := auth.PermSend
	switch frame.Header.Pattern {
	case protocol.PatternBroadcast, protocol.PatternMulticast:
		perm = auth.PermBroadcast
	}
	if err := c.gate.Authorize(p, perm); err != nil {
		return err
	}
	return c.fabric.Send(ctx, router.SendRequest{
		Source:    p.AgentName,
		Frame:     frame,
		Targets:   targets,
		SenderKey: p.FrameKey,
		Notify:    notify,
	})
}

// RecvFrame blocks on the session agent's mailbox until a frame, ctx
// cancellation, or fabric shutdown.
func (c *Core) RecvFrame(ctx context.Context, p *auth.Principal) (*protocol.Frame, error) {
	if err := c.sessionGuard(p); err != nil {
		return nil, err
	}
	return c.fabric.Recv(ctx, p.AgentName)
}

// AckFrame acknowledges a work-queue delivery to the session's agent.
func (c *Core) AckFrame(p *auth.Principal, id protocol.MessageID) bool {
	if c.sessionGuard(p) != nil {
		return false
	}
	return c.fabric.Ack(p.AgentName, id)
}

// SubscribeTopic adds the session's agent to a topic.
func (c *Core) SubscribeTopic(p *auth.Principal, topic string) (string, error) {
	if err := c.sessionGuard(p); err != nil {
		return "", err
	}
	if err := c.gate.Authorize(p, auth.PermSubscribe); err != nil {
		return "", err
	}
	return c.fabric.Subscribe(p.AgentName, topic)
}

// UnsubscribeTopic cancels a subscription. Only the owning agent, or an
// admin, may cancel it.
func (c *Core) UnsubscribeTopic(p *auth.Principal, id string) error {
	if err := c.sessionGuard(p); err != nil {
		return err
	}
	if err := c.gate.Authorize(p, auth.PermSubscribe); err != nil {
		return err
	}
	if owner, ok := c.fabric.SubscriptionOwner(id); ok && owner != p.AgentName {
		if err := c.gate.Authorize(p, auth.PermAdmin); err != nil {
			return err
		}
	}
	return c.fabric.Unsubscribe(id)
}

// SubmitPlan validates and launches a task graph.
func (c *Core) SubmitPlan(ctx context.Context, p *auth.Principal, spec planner.PlanSpec) (string, error) {
	if err := c.sessionGuard(p); err != nil {
		return "", err
	}
	if err := c.gate.Authorize(p, auth.PermPlanSubmit); err != nil {
		return "", err
	}
	return c.plans.Submit(ctx, spec)
}

// ResumePlan relaunches a plan from its checkpoints.
func (c *Core) ResumePlan(ctx context.Context, p *auth.Principal, planID string, spec planner.PlanSpec) (string, error) {
	if err := c.sessionGuard(p); err != nil {
		return "", err
	}
	if err := c.gate.Authorize(p, auth.PermPlanSubmit); err != nil {
		return "", err
	}
	return c.plans.Resume(ctx, planID, spec)
}

// PlanStatus reports one plan.
func (c *Core) PlanStatus(p *auth.Principal, planID string) (*planner.PlanStatus, error) {
	if err := c.sessionGuard(p); err != nil {
		return nil, err
	}
	if err := c.gate.Authorize(p, auth.PermPlanSubmit); err != nil {
		return nil, err
	}
	return c.plans.Status(planID)
}

// CancelPlan stops a running plan.
func (c *Core) CancelPlan(p *auth.Principal, planID string) error {
	if err := c.sessionGuard(p); err != nil {
		return err
	}
	if err := c.gate.Authorize(p, auth.PermPlanCancel); err != nil {
		return err
	}
	return c.plans.Cancel(planID)
}

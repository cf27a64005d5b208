package gateway

import (
	"encoding/hex"
	"encoding/json"

	"github.com/planmesh/core/internal/fault"
	"github.com/planmesh/core/internal/planner"
	"github.com/planmesh/core/internal/protocol"
	"github.com/planmesh/core/internal/registry"
	"github.com/planmesh/core/internal/runtime"
)

// Control operations ride request-response frames addressed to the
// reserved core target.
const (
	OpContentType     = "application/x-core-op+json"
	ResultContentType = "application/x-core-result+json"
)

// opRequest is the payload of a control frame.
type opRequest struct {
	Op   string          `json:"op"`
	Args json.RawMessage `json:"args,omitempty"`
}

type registerArgs struct {
	Token         string   `json:"token"`
	Name          string   `json:"name"`
	UUID          string   `json:"uuid,omitempty"`
	Capabilities  []string `json:"capabilities,omitempty"`
	PreferredTier int      `json:"preferred_tier,omitempty"`
}

type registerResult struct {
	Name     string `json:"name"`
	Role     string `json:"role"`
	Tier     string `json:"tier"`
	RingPath string `json:"ring_path,omitempty"`
	FrameKey string `json:"frame_key,omitempty"`
}

func isControlFrame(f *protocol.Frame) bool {
	return f.Header != nil &&
		f.TargetName() == runtime.ReservedName &&
		protocol.DecodeContentType(f.Header.ContentType) == OpContentType
}

// handleOp dispatches one control frame and returns the marshaled result.
func (s *session) handleOp(f *protocol.Frame) ([]byte, error) {
	var req opRequest
	if err := json.Unmarshal(f.Payload, &req); err != nil {
		return nil, fault.Wrap(fault.CodeInvalidMessage, err)
	}

	if req.Op == "register" {
		return s.opRegister(req.Args)
	}

	p := s.getPrincipal()
	if p == nil {
		return nil, fault.New(fault.CodeInvalidToken, "register before any other operation")
	}

	core := s.gw.core
	switch req.Op {
	case "deregister":
		var args struct {
			Name string `json:"name,omitempty"`
		}
		if err := unmarshalArgs(req.Args, &args); err != nil {
			return nil, err
		}
		if args.Name == "" {
			args.Name = p.AgentName
		}
		if err := core.DeregisterAgent(s.ctx, p, args.Name); err != nil {
			return nil, err
		}
		return marshalResult(map[string]bool{"deregistered": true})

	case "heartbeat":
		if err := core.Heartbeat(p); err != nil {
			return nil, err
		}
		return marshalResult(map[string]bool{"ok": true})

	case "subscribe":
		var args struct {
			Topic string `json:"topic"`
		}
		if err := unmarshalArgs(req.Args, &args); err != nil {
			return nil, err
		}
		id, err := core.SubscribeTopic(p, args.Topic)
		if err != nil {
			return nil, err
		}
		return marshalResult(map[string]string{"subscription_id": id})

	case "unsubscribe":
		var args struct {
			SubscriptionID string `json:"subscription_id"`
		}
		if err := unmarshalArgs(req.Args, &args); err != nil {
			return nil, err
		}
		if err := core.UnsubscribeTopic(p, args.SubscriptionID); err != nil {
			return nil, err
		}
		return marshalResult(map[string]bool{"unsubscribed": true})

	case "ack":
		var args struct {
			MessageID string `json:"message_id"`
		}
		if err := unmarshalArgs(req.Args, &args); err != nil {
			return nil, err
		}
		id, err := protocol.ParseMessageID(args.MessageID)
		if err != nil {
			return nil, fault.Wrap(fault.CodeInvalidMessage, err)
		}
		return marshalResult(map[string]bool{"acked": core.AckFrame(p, id)})

	case "plan_submit":
		var spec planner.PlanSpec
		if err := unmarshalArgs(req.Args, &spec); err != nil {
			return nil, err
		}
		id, err := core.SubmitPlan(s.ctx, p, spec)
		if err != nil {
			return nil, err
		}
		return marshalResult(map[string]string{"plan_id": id})

	case "plan_status":
		var args struct {
			PlanID string `json:"plan_id"`
		}
		if err := unmarshalArgs(req.Args, &args); err != nil {
			return nil, err
		}
		st, err := core.PlanStatus(p, args.PlanID)
		if err != nil {
			return nil, err
		}
		return marshalResult(st)

	case "plan_cancel":
		var args struct {
			PlanID string `json:"plan_id"`
		}
		if err := unmarshalArgs(req.Args, &args); err != nil {
			return nil, err
		}
		if err := core.CancelPlan(p, args.PlanID); err != nil {
			return nil, err
		}
		return marshalResult(map[string]bool{"cancelled": true})

	case "plan_resume":
		var args struct {
			PlanID string           `json:"plan_id"`
			Plan   planner.PlanSpec `json:"plan"`
		}
		if err := unmarshalArgs(req.Args, &args); err != nil {
			return nil, err
		}
		id, err := core.ResumePlan(s.ctx, p, args.PlanID, args.Plan)
		if err != nil {
			return nil, err
		}
		return marshalResult(map[string]string{"plan_id": id})

	default:
		return nil, fault.New(fault.CodeInvalidMessage, "unknown operation %q", req.Op)
	}
}

// opRegister authenticates the supplied token and joins the fleet. A
// second register on a live session refreshes the binding.
func (s *session) opRegister(raw json.RawMessage) ([]byte, error) {
	var args registerArgs
	if err := unmarshalArgs(raw, &args); err != nil {
		return nil, err
	}

	core := s.gw.core
	p, err := core.Authenticate(s.ctx, args.Token)
	if err != nil {
		return nil, err
	}

	tier := clampTier(protocol.Tier(args.PreferredTier), s.tier)
	rec, err := core.RegisterAgent(s.ctx, p, registry.RegisterRequest{
		Name:          args.Name,
		UUID:          args.UUID,
		Capabilities:  args.Capabilities,
		PreferredTier: tier,
	})
	if err != nil {
		return nil, err
	}

	core.Fabric().SetConnTier(rec.Name, s.tier)
	s.setPrincipal(p)

	// The session frame key goes back to the agent that authenticated;
	// it cannot derive the key itself because the seed never leaves the
	// broker.
	return marshalResult(registerResult{
		Name:     rec.Name,
		Role:     p.Role,
		Tier:     rec.PreferredTier.String(),
		RingPath: core.Fabric().RingPath(rec.Name),
		FrameKey: hex.EncodeToString(p.FrameKey),
	})
}

// clampTier keeps an agent from claiming a stronger lane than its
// carrier proves. The one exception: a unix-attached agent shares the
// host, so it may claim the shared-memory ring.
func clampTier(requested, carrier protocol.Tier) protocol.Tier {
	if requested < protocol.TierSharedMemory || requested > protocol.TierFile {
		return carrier
	}
	if requested >= carrier {
		return requested
	}
	if requested == protocol.TierSharedMemory && carrier == protocol.TierKernelRing {
		return requested
	}
	return carrier
}

func unmarshalArgs(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fault.Wrap(fault.CodeInvalidMessage, err)
	}
	return nil
}

func marshalResult(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fault.Wrap(fault.CodeInvalidMessage, err)
	}
	return data, nil
}

// buildReply frames an op response: the result payload on success, the
// error envelope otherwise, correlated to the request.
func buildReply(req *protocol.Frame, result []byte, err error) *protocol.Frame {
	payload := result
	contentType := ResultContentType
	if err != nil {
		code := fault.CodeOf(err)
		if code == "" {
			code = fault.CodeTransportFailed
		}
		payload, _ = json.Marshal(runtime.ErrorEnvelope{Error: runtime.ErrorBody{
			Code:    string(code),
			Message: err.Error(),
		}})
		contentType = runtime.ErrorContentType
	}

	resp := protocol.NewFrame(protocol.PatternRequestResponse, req.Header.Priority, payload)
	resp.Header.CorrelationID = req.Header.MessageID
	if src, encErr := protocol.EncodeName(runtime.ReservedName); encErr == nil {
		resp.Header.Source = src
	}
	resp.Header.Target = req.Header.Source
	resp.Header.ContentType = protocol.EncodeContentType(contentType)
	return resp
}

package agent

import (
	"log/slog"
	"time"
)

// Exchange patterns, as they appear in Message.Pattern.
const (
	// PatternRequest expects exactly one correlated reply.
	PatternRequest = "request_response"

	// PatternPublish fans the frame out to every topic subscriber.
	PatternPublish = "publish"

	// PatternWork hands the frame to exactly one member of a
	// capability group.
	PatternWork = "work_queue"

	// PatternBroadcast reaches every registered agent except the sender.
	PatternBroadcast = "broadcast"

	// PatternMulticast reaches every provider of a capability.
	PatternMulticast = "multicast"
)

// Priority classes, strongest first.
const (
	PriorityCritical = "critical"
	PriorityHigh     = "high"
	PriorityNormal   = "normal"
	PriorityLow      = "low"
	PriorityBatch    = "batch"
)

// Config holds everything needed to attach an agent to a core.
type Config struct {
	// URL is the attach endpoint. Three carriers are understood:
	//
	//	ws://host:8420/v1/attach   websocket (wss:// for TLS)
	//	unix:///run/core.sock      unix stream socket, same host
	//	tcp://host:9420            raw TCP stream
	URL string

	// Token is a session token issued by an operator
	// (POST /v1/sessions or `core` CLI).
	Token string

	// Name is the fleet name to register under. Required, at most 16
	// printable ASCII characters, case-insensitive.
	Name string

	// UUID pins the agent identity across re-registrations. Optional;
	// the core assigns one when empty.
	UUID string

	// Capabilities advertises what this agent can do. Capability names
	// drive work-queue and multicast routing.
	Capabilities []string

	// PreferredTier asks for a delivery lane (1 shm .. 5 file). The
	// core clamps it to what the carrier can prove; zero means "let
	// the core decide".
	PreferredTier int

	// TLS configures wss:// and tcp:// carriers. Nil uses the defaults.
	TLS *TLSConfig

	// DialTimeout bounds the connect plus register handshake
	// (default 10s).
	DialTimeout time.Duration

	// OpTimeout bounds a single control operation round trip
	// (default 30s).
	OpTimeout time.Duration

	// InboxDepth is the buffered capacity of the delivery channel
	// (default 64). When the inbox is full the read loop blocks, which
	// pushes backpressure onto the core's per-agent queue.
	InboxDepth int

	// Logger receives connection-level diagnostics. Nil discards them.
	Logger *slog.Logger
}

// Message is one delivered frame, decoded for the application.
type Message struct {
	// ID is the frame's ULID message ID.
	ID string

	// CorrelationID links a reply to its request; empty when absent.
	CorrelationID string

	// Source is the sending agent's name.
	Source string

	// Pattern is the exchange pattern the sender used.
	Pattern string

	// Priority is the frame's priority class.
	Priority string

	// ContentType tags the payload encoding.
	ContentType string

	// Payload is the frame body.
	Payload []byte

	// RequiresAck marks an at-least-once delivery. Call Ack once the
	// work is done or the core redelivers it to another provider.
	RequiresAck bool

	// Verified reports whether the frame carried an integrity tag that
	// checked out against the session key. Unsigned frames are false.
	Verified bool

	// SentAt is the sender-side timestamp from the frame header.
	SentAt time.Time
}

// Registration is the core's answer to a successful register.
type Registration struct {
	// Name is the canonical (lowercased) fleet name.
	Name string `json:"name"`

	// Role is the session's role as resolved from the token.
	Role string `json:"role"`

	// Tier is the granted delivery lane.
	Tier string `json:"tier"`

	// RingPath is the shared-memory ring file, set when the shm tier
	// was granted.
	RingPath string `json:"ring_path,omitempty"`

	// FrameKey is the per-session integrity key, hex encoded. The
	// client uses it to sign outgoing frames and verify deliveries.
	FrameKey string `json:"frame_key,omitempty"`
}

// TaskSpec is one node of a plan DAG.
type TaskSpec struct {
	// ID names the task inside its plan.
	ID string `json:"id"`

	// Action is the verb the executing agent receives.
	Action string `json:"action"`

	// Agent pins the task to one agent by name. Leave empty to select
	// by capability instead.
	Agent string `json:"agent,omitempty"`

	// Capability selects the least-loaded provider at dispatch time.
	Capability string `json:"capability,omitempty"`

	// Inputs is the task payload handed to the agent.
	Inputs map[string]interface{} `json:"inputs,omitempty"`

	// DependsOn lists task IDs that must complete first.
	DependsOn []string `json:"depends_on,omitempty"`

	// Priority is the dispatch priority class ("critical".."low",
	// default "normal").
	Priority string `json:"priority,omitempty"`
}

// PlanSpec is a full plan submission.
type PlanSpec struct {
	// Name labels the plan in status output and events.
	Name string `json:"name,omitempty"`

	// Tasks is the DAG. Dependencies must form no cycle.
	Tasks []TaskSpec `json:"tasks"`

	// Policy selects failure handling: "fail_fast" (default),
	// "continue", or "replan".
	Policy string `json:"policy,omitempty"`

	// MinAgents gates admission until at least this many agents are
	// registered.
	MinAgents int `json:"min_agents,omitempty"`
}

// TaskStatus is the planner's view of one task.
type TaskStatus struct {
	ID       string `json:"id"`
	State    string `json:"state"`
	Agent    string `json:"agent,omitempty"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error,omitempty"`
}

// PlanStatus is the planner's view of one plan.
type PlanStatus struct {
	ID        string       `json:"id"`
	Name      string       `json:"name,omitempty"`
	State     string       `json:"state"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
	Waves     int          `json:"waves"`
	Replans   int          `json:"replans"`
	Tasks     []TaskStatus `json:"tasks"`
}

// TLSConfig carries the client-side TLS material for wss:// and tcp://.
type TLSConfig struct {
	// CAFile is a PEM bundle to verify the core's certificate.
	CAFile string

	// CertFile and KeyFile present a client certificate when the core
	// requires mutual TLS.
	CertFile string
	KeyFile  string

	// ServerName overrides SNI/verification when dialing by IP.
	ServerName string

	// InsecureSkipVerify disables certificate verification. Test use
	// only.
	InsecureSkipVerify bool
}

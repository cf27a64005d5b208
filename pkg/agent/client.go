// Package agent is the fleet client SDK. Embed it in a worker process to
// attach to a core, exchange frames with other agents, and drive plans.
//
// Quick start:
//
//	client, err := agent.Dial(ctx, agent.Config{
//	    URL:          "ws://localhost:8420/v1/attach",
//	    Token:        os.Getenv("CORE_TOKEN"),
//	    Name:         "builder-01",
//	    Capabilities: []string{"compile"},
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	for {
//	    msg, err := client.Recv(ctx)
//	    if err != nil {
//	        return
//	    }
//	    client.Respond(ctx, msg, []byte(`{"ok":true}`))
//	}
//
// The same client attaches over a unix socket (unix:///run/core.sock) or
// raw TCP (tcp://host:9420) without code changes; only the URL differs.
package agent

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/planmesh/core/internal/protocol"
)

const (
	defaultDialTimeout = 10 * time.Second
	defaultOpTimeout   = 30 * time.Second
	defaultInboxDepth  = 64
	writeWait          = 10 * time.Second
	heartbeatEvery     = 10 * time.Second

	// Wire contract with the gateway: control operations ride frames
	// addressed to the reserved core target under these content types.
	reservedTarget     = "core"
	opContentType      = "application/x-core-op+json"
	resultContentType  = "application/x-core-result+json"
	errorContentType   = "application/x-core-error+json"
	defaultContentType = "application/json"
)

// ErrClosed is returned once the client has detached.
var ErrClosed = errors.New("agent: client closed")

// Error is a failure reported by the core, carrying its stable code.
type Error struct {
	// Code is one of the core's stable error codes, e.g. RATE_LIMITED,
	// NO_TARGET, QUEUE_FULL, INVALID_TOKEN.
	Code string

	// Message is the human-readable detail.
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("core: %s: %s", e.Code, e.Message)
}

// IsCode reports whether err is a core error with the given code.
func IsCode(err error, code string) bool {
	var ce *Error
	return errors.As(err, &ce) && ce.Code == code
}

// ============================================================================
// CARRIERS
// ============================================================================

// carrier moves whole frames over one of the three supported transports.
// Writes are serialized internally; reads belong to the demux loop alone.
type carrier interface {
	readFrame() (*protocol.Frame, error)
	writeFrame(f *protocol.Frame) error
	setReadDeadline(t time.Time) error
	close() error
}

type wsCarrier struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsCarrier) readFrame() (*protocol.Frame, error) {
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		f := &protocol.Frame{}
		if err := f.Unmarshal(data); err != nil {
			return nil, err
		}
		return f, nil
	}
}

func (c *wsCarrier) writeFrame(f *protocol.Frame) error {
	data, err := f.Marshal()
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (c *wsCarrier) setReadDeadline(t time.Time) error { return c.conn.SetReadDeadline(t) }
func (c *wsCarrier) close() error                      { return c.conn.Close() }

type streamCarrier struct {
	conn net.Conn
	mu   sync.Mutex
}

func (c *streamCarrier) readFrame() (*protocol.Frame, error) {
	return protocol.ReadFrame(c.conn)
}

func (c *streamCarrier) writeFrame(f *protocol.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return protocol.WriteFrame(c.conn, f)
}

func (c *streamCarrier) setReadDeadline(t time.Time) error { return c.conn.SetReadDeadline(t) }
func (c *streamCarrier) close() error                      { return c.conn.Close() }

// ============================================================================
// CLIENT
// ============================================================================

// Client is one attached agent session. It is safe for concurrent use;
// a single background loop demultiplexes deliveries and op replies.
type Client struct {
	cfg      Config
	conn     carrier
	logger   *slog.Logger
	reg      Registration
	name     string
	frameKey []byte

	inbox chan *Message

	mu      sync.Mutex
	waiters map[protocol.MessageID]chan *protocol.Frame
	err     error

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Dial connects to a core, registers, and starts the session loops. The
// returned client is live: deliveries begin queueing immediately.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("agent: URL required")
	}
	if cfg.Name == "" {
		return nil, errors.New("agent: Name required")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = defaultOpTimeout
	}
	if cfg.InboxDepth <= 0 {
		cfg.InboxDepth = defaultInboxDepth
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	conn, err := dialCarrier(ctx, cfg)
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:     cfg,
		conn:    conn,
		logger:  logger.With("agent", cfg.Name),
		inbox:   make(chan *Message, cfg.InboxDepth),
		waiters: make(map[protocol.MessageID]chan *protocol.Frame),
		done:    make(chan struct{}),
	}

	if err := c.register(); err != nil {
		conn.close()
		return nil, err
	}

	c.wg.Add(2)
	go c.readLoop()
	go c.heartbeatLoop()
	return c, nil
}

func dialCarrier(ctx context.Context, cfg Config) (carrier, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("agent: parse URL: %w", err)
	}

	tlsConf, err := buildTLS(cfg.TLS)
	if err != nil {
		return nil, err
	}

	switch u.Scheme {
	case "ws", "wss":
		dialer := websocket.Dialer{
			HandshakeTimeout: cfg.DialTimeout,
			TLSClientConfig:  tlsConf,
		}
		conn, _, err := dialer.DialContext(ctx, cfg.URL, nil)
		if err != nil {
			return nil, fmt.Errorf("agent: websocket dial %s: %w", cfg.URL, err)
		}
		conn.SetReadLimit(protocol.HeaderSize + protocol.MaxPayloadLen)
		return &wsCarrier{conn: conn}, nil

	case "unix":
		d := net.Dialer{Timeout: cfg.DialTimeout}
		conn, err := d.DialContext(ctx, "unix", u.Path)
		if err != nil {
			return nil, fmt.Errorf("agent: unix dial %s: %w", u.Path, err)
		}
		return &streamCarrier{conn: conn}, nil

	case "tcp":
		if tlsConf != nil {
			d := tls.Dialer{
				NetDialer: &net.Dialer{Timeout: cfg.DialTimeout},
				Config:    tlsConf,
			}
			conn, err := d.DialContext(ctx, "tcp", u.Host)
			if err != nil {
				return nil, fmt.Errorf("agent: tls dial %s: %w", u.Host, err)
			}
			return &streamCarrier{conn: conn}, nil
		}
		d := net.Dialer{Timeout: cfg.DialTimeout}
		conn, err := d.DialContext(ctx, "tcp", u.Host)
		if err != nil {
			return nil, fmt.Errorf("agent: tcp dial %s: %w", u.Host, err)
		}
		return &streamCarrier{conn: conn}, nil

	default:
		return nil, fmt.Errorf("agent: unsupported scheme %q (want ws, wss, unix, or tcp)", u.Scheme)
	}
}

func buildTLS(cfg *TLSConfig) (*tls.Config, error) {
	if cfg == nil {
		return nil, nil
	}
	out := &tls.Config{
		ServerName:         cfg.ServerName,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}
	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("agent: read CA bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("agent: no certificates in %s", cfg.CAFile)
		}
		out.RootCAs = pool
	}
	if cfg.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("agent: load client keypair: %w", err)
		}
		out.Certificates = []tls.Certificate{cert}
	}
	return out, nil
}

// register performs the mandatory first exchange on a fresh conn. It
// runs before the demux loop exists, so it reads the reply inline.
func (c *Client) register() error {
	req, err := c.opFrame("register", registerArgs{
		Token:         c.cfg.Token,
		Name:          c.cfg.Name,
		UUID:          c.cfg.UUID,
		Capabilities:  c.cfg.Capabilities,
		PreferredTier: c.cfg.PreferredTier,
	})
	if err != nil {
		return err
	}
	if err := c.conn.writeFrame(req); err != nil {
		return fmt.Errorf("agent: register write: %w", err)
	}

	c.conn.setReadDeadline(time.Now().Add(c.cfg.DialTimeout))
	resp, err := c.conn.readFrame()
	if err != nil {
		return fmt.Errorf("agent: register read: %w", err)
	}
	c.conn.setReadDeadline(time.Time{})

	var reg Registration
	if err := decodeOpResult(resp, &reg); err != nil {
		return err
	}
	key, err := hex.DecodeString(reg.FrameKey)
	if err != nil {
		return fmt.Errorf("agent: malformed frame key: %w", err)
	}

	c.reg = reg
	c.name = reg.Name
	c.frameKey = key
	c.logger = c.logger.With("tier", reg.Tier)
	c.logger.Debug("Registered", "role", reg.Role)
	return nil
}

// Registration returns the core's register answer: canonical name,
// role, granted tier, and ring path when one was assigned.
func (c *Client) Registration() Registration { return c.reg }

// Name returns the canonical registered name.
func (c *Client) Name() string { return c.name }

// Close detaches from the core. In-flight Recv and Request calls return
// ErrClosed.
func (c *Client) Close() error {
	c.fail(ErrClosed)
	c.wg.Wait()
	return nil
}

// Err reports why the session ended, nil while it is live.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if errors.Is(c.err, ErrClosed) {
		return nil
	}
	return c.err
}

// Done is closed when the session ends for any reason.
func (c *Client) Done() <-chan struct{} { return c.done }

// fail records the terminal error once and tears the session down.
func (c *Client) fail(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		for id, ch := range c.waiters {
			close(ch)
			delete(c.waiters, id)
		}
		c.mu.Unlock()
		close(c.done)
		c.conn.close()
	})
}

// ============================================================================
// SESSION LOOPS
// ============================================================================

// readLoop owns the conn's read side: frames answering a pending request
// wake their waiter, everything else lands in the inbox.
func (c *Client) readLoop() {
	defer c.wg.Done()
	for {
		f, err := c.conn.readFrame()
		if err != nil {
			c.fail(fmt.Errorf("agent: connection lost: %w", err))
			close(c.inbox)
			return
		}

		if !f.Header.CorrelationID.IsZero() {
			c.mu.Lock()
			ch, ok := c.waiters[f.Header.CorrelationID]
			if ok {
				delete(c.waiters, f.Header.CorrelationID)
			}
			c.mu.Unlock()
			if ok {
				ch <- f
				continue
			}
			// A late reply past its waiter's deadline: deliver it as a
			// plain message so nothing silently disappears.
		}

		select {
		case c.inbox <- c.toMessage(f):
		case <-c.done:
			close(c.inbox)
			return
		}
	}
}

// heartbeatLoop keeps the registry from blocking the agent on carriers
// without transport-level liveness.
func (c *Client) heartbeatLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(heartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.OpTimeout)
			err := c.op(ctx, "heartbeat", nil, nil)
			cancel()
			if err != nil && !errors.Is(err, ErrClosed) {
				c.logger.Debug("Heartbeat failed", "error", err)
			}
		case <-c.done:
			return
		}
	}
}

// ============================================================================
// MESSAGING
// ============================================================================

// SendOption adjusts one outgoing frame.
type SendOption func(*sendOpts)

type sendOpts struct {
	priority    protocol.Priority
	contentType string
}

// WithPriority sets the frame's priority class ("critical" .. "batch").
// Unknown names fall back to normal.
func WithPriority(class string) SendOption {
	return func(o *sendOpts) {
		p, err := protocol.ParsePriority(class)
		if err == nil {
			o.priority = p
		}
	}
}

// WithContentType tags the payload encoding (default application/json).
func WithContentType(ct string) SendOption {
	return func(o *sendOpts) { o.contentType = ct }
}

// Request sends a frame to one agent and blocks for the correlated
// reply. The reply's deadline is ctx's deadline, or the op timeout.
func (c *Client) Request(ctx context.Context, target string, payload []byte, opts ...SendOption) (*Message, error) {
	f, err := c.dataFrame(protocol.PatternRequestResponse, target, payload, opts)
	if err != nil {
		return nil, err
	}
	resp, err := c.roundTrip(ctx, f)
	if err != nil {
		return nil, err
	}
	msg := c.toMessage(resp)
	if msg.ContentType == errorContentType {
		return nil, decodeErrorPayload(resp.Payload)
	}
	return msg, nil
}

// Respond answers a received request. The reply correlates to req's
// message ID and routes back to its source.
func (c *Client) Respond(ctx context.Context, req *Message, payload []byte, opts ...SendOption) error {
	if req == nil || req.Source == "" {
		return errors.New("agent: nothing to respond to")
	}
	corr, err := protocol.ParseMessageID(req.ID)
	if err != nil {
		return fmt.Errorf("agent: bad request ID: %w", err)
	}
	f, err := c.dataFrame(protocol.PatternRequestResponse, req.Source, payload, opts)
	if err != nil {
		return err
	}
	f.Header.CorrelationID = corr
	c.seal(f)
	return c.write(f)
}

// Publish fans the payload out to every subscriber of a topic. Slow
// subscribers miss it; delivery is at-most-once.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte, opts ...SendOption) error {
	f, err := c.dataFrame(protocol.PatternPublish, topic, payload, opts)
	if err != nil {
		return err
	}
	return c.write(f)
}

// Enqueue hands the payload to exactly one provider of a capability,
// least-loaded first.
func (c *Client) Enqueue(ctx context.Context, capability string, payload []byte, opts ...SendOption) error {
	f, err := c.dataFrame(protocol.PatternWorkQueue, capability, payload, opts)
	if err != nil {
		return err
	}
	return c.write(f)
}

// Broadcast reaches every registered agent except the sender. Requires
// the operator role.
func (c *Client) Broadcast(ctx context.Context, payload []byte, opts ...SendOption) error {
	f, err := c.dataFrame(protocol.PatternBroadcast, "", payload, opts)
	if err != nil {
		return err
	}
	f.Header.Target = protocol.BroadcastTarget()
	c.seal(f)
	return c.write(f)
}

// Multicast reaches every provider of a capability. Requires the
// operator role.
func (c *Client) Multicast(ctx context.Context, capability string, payload []byte, opts ...SendOption) error {
	f, err := c.dataFrame(protocol.PatternMulticast, capability, payload, opts)
	if err != nil {
		return err
	}
	return c.write(f)
}

// Recv blocks until a delivery, ctx cancellation, or session end.
func (c *Client) Recv(ctx context.Context) (*Message, error) {
	select {
	case msg, ok := <-c.inbox:
		if !ok {
			return nil, c.terminalErr()
		}
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		// Drain anything already queued before reporting the end.
		select {
		case msg, ok := <-c.inbox:
			if ok {
				return msg, nil
			}
		default:
		}
		return nil, c.terminalErr()
	}
}

// Ack completes a work-queue delivery so the core stops redelivering
// it. Only messages with RequiresAck set need one.
func (c *Client) Ack(ctx context.Context, msg *Message) error {
	var out struct {
		Acked bool `json:"acked"`
	}
	return c.op(ctx, "ack", map[string]string{"message_id": msg.ID}, &out)
}

// ============================================================================
// CONTROL OPERATIONS
// ============================================================================

// Subscribe adds this agent to a topic and returns the subscription ID.
func (c *Client) Subscribe(ctx context.Context, topic string) (string, error) {
	var out struct {
		SubscriptionID string `json:"subscription_id"`
	}
	if err := c.op(ctx, "subscribe", map[string]string{"topic": topic}, &out); err != nil {
		return "", err
	}
	return out.SubscriptionID, nil
}

// Unsubscribe removes a subscription by ID.
func (c *Client) Unsubscribe(ctx context.Context, subscriptionID string) error {
	return c.op(ctx, "unsubscribe", map[string]string{"subscription_id": subscriptionID}, nil)
}

// Heartbeat reports liveness explicitly. Dial starts an automatic
// heartbeat loop; calling this as well is harmless.
func (c *Client) Heartbeat(ctx context.Context) error {
	return c.op(ctx, "heartbeat", nil, nil)
}

// Deregister leaves the fleet. The core unbinds the mailbox and then
// tears the session down, which can race the confirmation; losing the
// conn after the request was sent still counts as departed.
func (c *Client) Deregister(ctx context.Context) error {
	err := c.op(ctx, "deregister", nil, nil)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return err
	default:
		var ce *Error
		if errors.As(err, &ce) {
			return err
		}
		return nil
	}
}

// SubmitPlan hands a task DAG to the planner and returns its plan ID.
// Requires the user role or above.
func (c *Client) SubmitPlan(ctx context.Context, spec PlanSpec) (string, error) {
	var out struct {
		PlanID string `json:"plan_id"`
	}
	if err := c.op(ctx, "plan_submit", spec, &out); err != nil {
		return "", err
	}
	return out.PlanID, nil
}

// PlanStatus fetches the planner's view of one plan.
func (c *Client) PlanStatus(ctx context.Context, planID string) (*PlanStatus, error) {
	var out PlanStatus
	if err := c.op(ctx, "plan_status", map[string]string{"plan_id": planID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CancelPlan stops a running plan. Running tasks finish; pending tasks
// are skipped.
func (c *Client) CancelPlan(ctx context.Context, planID string) error {
	return c.op(ctx, "plan_cancel", map[string]string{"plan_id": planID}, nil)
}

// ResumePlan re-submits a partial plan, keeping completed task results.
func (c *Client) ResumePlan(ctx context.Context, planID string, spec PlanSpec) (string, error) {
	var out struct {
		PlanID string `json:"plan_id"`
	}
	args := struct {
		PlanID string   `json:"plan_id"`
		Plan   PlanSpec `json:"plan"`
	}{planID, spec}
	if err := c.op(ctx, "plan_resume", args, &out); err != nil {
		return "", err
	}
	return out.PlanID, nil
}

// ============================================================================
// INTERNAL
// ============================================================================

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

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// op runs one control round trip and decodes the result into out.
func (c *Client) op(ctx context.Context, op string, args interface{}, out interface{}) error {
	f, err := c.opFrame(op, args)
	if err != nil {
		return err
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.OpTimeout)
		defer cancel()
	}
	resp, err := c.roundTrip(ctx, f)
	if err != nil {
		return err
	}
	return decodeOpResult(resp, out)
}

func (c *Client) opFrame(op string, args interface{}) (*protocol.Frame, error) {
	req := opRequest{Op: op}
	if args != nil {
		raw, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("agent: marshal %s args: %w", op, err)
		}
		req.Args = raw
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("agent: marshal %s: %w", op, err)
	}

	f := protocol.NewFrame(protocol.PatternRequestResponse, protocol.PriorityHigh, payload)
	src, err := protocol.EncodeName(c.sourceName())
	if err != nil {
		return nil, fmt.Errorf("agent: bad name: %w", err)
	}
	tgt, _ := protocol.EncodeName(reservedTarget)
	f.Header.Source = src
	f.Header.Target = tgt
	f.Header.ContentType = protocol.EncodeContentType(opContentType)
	c.seal(f)
	return f, nil
}

func (c *Client) dataFrame(pattern protocol.Pattern, target string, payload []byte, opts []SendOption) (*protocol.Frame, error) {
	o := sendOpts{priority: protocol.PriorityNormal, contentType: defaultContentType}
	for _, fn := range opts {
		fn(&o)
	}

	f := protocol.NewFrame(pattern, o.priority, payload)
	src, err := protocol.EncodeName(c.sourceName())
	if err != nil {
		return nil, fmt.Errorf("agent: bad name: %w", err)
	}
	f.Header.Source = src
	if target != "" {
		tgt, err := protocol.EncodeName(target)
		if err != nil {
			return nil, fmt.Errorf("agent: bad target: %w", err)
		}
		f.Header.Target = tgt
	}
	f.Header.ContentType = protocol.EncodeContentType(o.contentType)
	c.seal(f)
	return f, nil
}

// sourceName prefers the canonical registered name; before register it
// falls back to the configured one.
func (c *Client) sourceName() string {
	if c.name != "" {
		return c.name
	}
	return c.cfg.Name
}

// seal signs the frame with the session key. Before register there is
// no key and the frame travels untagged.
func (c *Client) seal(f *protocol.Frame) {
	if len(c.frameKey) > 0 {
		protocol.SignFrame(f, c.frameKey)
	}
}

func (c *Client) write(f *protocol.Frame) error {
	select {
	case <-c.done:
		return c.terminalErr()
	default:
	}
	if err := c.conn.writeFrame(f); err != nil {
		c.fail(fmt.Errorf("agent: connection lost: %w", err))
		return c.terminalErr()
	}
	return nil
}

// roundTrip writes a frame and blocks for the frame correlated to it.
func (c *Client) roundTrip(ctx context.Context, f *protocol.Frame) (*protocol.Frame, error) {
	id := f.Header.MessageID
	ch := make(chan *protocol.Frame, 1)

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, err
	}
	c.waiters[id] = ch
	c.mu.Unlock()

	if err := c.write(f); err != nil {
		c.dropWaiter(id)
		return nil, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, c.terminalErr()
		}
		return resp, nil
	case <-ctx.Done():
		c.dropWaiter(id)
		return nil, ctx.Err()
	case <-c.done:
		return nil, c.terminalErr()
	}
}

func (c *Client) dropWaiter(id protocol.MessageID) {
	c.mu.Lock()
	delete(c.waiters, id)
	c.mu.Unlock()
}

func (c *Client) terminalErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	return ErrClosed
}

func (c *Client) toMessage(f *protocol.Frame) *Message {
	verified := false
	if f.Header.HasFlag(protocol.FlagHMACPresent) && len(c.frameKey) > 0 {
		verified = protocol.VerifyFrame(f, c.frameKey)
	}
	corr := ""
	if !f.Header.CorrelationID.IsZero() {
		corr = f.Header.CorrelationID.String()
	}
	return &Message{
		ID:            f.Header.MessageID.String(),
		CorrelationID: corr,
		Source:        f.SourceName(),
		Pattern:       patternName(f.Header.Pattern),
		Priority:      priorityName(f.Header.Priority),
		ContentType:   protocol.DecodeContentType(f.Header.ContentType),
		Payload:       f.Payload,
		RequiresAck:   f.Header.HasFlag(protocol.FlagRequiresAck),
		Verified:      verified,
		SentAt:        time.Unix(0, int64(f.Header.Timestamp)),
	}
}

// decodeOpResult maps an op reply to its result or its fault.
func decodeOpResult(f *protocol.Frame, out interface{}) error {
	ct := protocol.DecodeContentType(f.Header.ContentType)
	switch ct {
	case errorContentType:
		return decodeErrorPayload(f.Payload)
	case resultContentType:
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(f.Payload, out); err != nil {
			return fmt.Errorf("agent: decode op result: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("agent: unexpected reply content type %q", ct)
	}
}

func decodeErrorPayload(payload []byte) error {
	var env errorEnvelope
	if err := json.Unmarshal(payload, &env); err != nil || env.Error.Code == "" {
		return &Error{Code: "UNKNOWN", Message: string(payload)}
	}
	return &Error{Code: env.Error.Code, Message: env.Error.Message}
}

func patternName(p protocol.Pattern) string {
	switch p {
	case protocol.PatternRequestResponse:
		return PatternRequest
	case protocol.PatternPublish:
		return PatternPublish
	case protocol.PatternWorkQueue:
		return PatternWork
	case protocol.PatternBroadcast:
		return PatternBroadcast
	case protocol.PatternMulticast:
		return PatternMulticast
	default:
		return fmt.Sprintf("unknown(%d)", uint16(p))
	}
}

func priorityName(p protocol.Priority) string {
	switch p {
	case protocol.PriorityCritical:
		return PriorityCritical
	case protocol.PriorityHigh:
		return PriorityHigh
	case protocol.PriorityNormal:
		return PriorityNormal
	case protocol.PriorityLow:
		return PriorityLow
	case protocol.PriorityBatch:
		return PriorityBatch
	default:
		return fmt.Sprintf("unknown(%d)", uint16(p))
	}
}

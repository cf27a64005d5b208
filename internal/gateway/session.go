package gateway

import (
	"bufio"
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/planmesh/core/internal/auth"
	"github.com/planmesh/core/internal/fault"
	"github.com/planmesh/core/internal/protocol"
)

const (
	// writeWait bounds a single frame or ping write.
	writeWait = 10 * time.Second

	// pongWait is how long a websocket session may go silent before the
	// read side gives up; pingPeriod keeps pongs coming well inside it.
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second

	// handshakeWait bounds the gap between attach and the register frame.
	handshakeWait = 10 * time.Second

	sendDepth     = 64
	maxFrameBytes = protocol.HeaderSize + protocol.MaxPayloadLen
)

// ============================================================================
// CARRIERS
// ============================================================================

// frameConn is one attached carrier: websocket, unix stream, or TCP
// stream. Reads and writes move whole fabric frames.
type frameConn interface {
	ReadFrame() (*protocol.Frame, error)
	WriteFrame(f *protocol.Frame) error

	// Ping probes carrier liveness. Carriers without a probe no-op.
	Ping() error

	// OnPong installs the liveness callback and reports whether the
	// carrier supports pong-based liveness at all.
	OnPong(fn func()) bool

	SetReadDeadline(t time.Time) error
	Close() error
}

// wsConn adapts a websocket conn. Binary messages carry frames.
type wsConn struct {
	conn *websocket.Conn
}

func newWSConn(c *websocket.Conn) *wsConn {
	c.SetReadLimit(maxFrameBytes)
	return &wsConn{conn: c}
}

func (w *wsConn) ReadFrame() (*protocol.Frame, error) {
	for {
		mt, data, err := w.conn.ReadMessage()
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

func (w *wsConn) WriteFrame(f *protocol.Frame) error {
	data, err := f.Marshal()
	if err != nil {
		return err
	}
	w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return w.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (w *wsConn) Ping() error {
	w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return w.conn.WriteMessage(websocket.PingMessage, nil)
}

func (w *wsConn) OnPong(fn func()) bool {
	w.conn.SetPongHandler(func(string) error {
		w.conn.SetReadDeadline(time.Now().Add(pongWait))
		fn()
		return nil
	})
	return true
}

func (w *wsConn) SetReadDeadline(t time.Time) error { return w.conn.SetReadDeadline(t) }
func (w *wsConn) Close() error                      { return w.conn.Close() }

// streamConn adapts a raw stream conn carrying back-to-back wire frames.
type streamConn struct {
	conn net.Conn
	r    *bufio.Reader
}

func newStreamConn(c net.Conn) *streamConn {
	return &streamConn{conn: c, r: bufio.NewReaderSize(c, 64<<10)}
}

func (s *streamConn) ReadFrame() (*protocol.Frame, error) {
	return protocol.ReadFrame(s.r)
}

func (s *streamConn) WriteFrame(f *protocol.Frame) error {
	data, err := f.Marshal()
	if err != nil {
		return err
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_, err = s.conn.Write(data)
	return err
}

func (s *streamConn) Ping() error                       { return nil }
func (s *streamConn) OnPong(func()) bool                { return false }
func (s *streamConn) SetReadDeadline(t time.Time) error { return s.conn.SetReadDeadline(t) }
func (s *streamConn) Close() error                      { return s.conn.Close() }

// ============================================================================
// SESSION
// ============================================================================

// session is one attached agent conn across its whole life: register
// handshake, then a read loop (inbound frames and control ops), a recv
// loop pulling the agent's mailbox, and a write pump that owns the conn's
// write side.
type session struct {
	gw     *Gateway
	conn   frameConn
	tier   protocol.Tier
	remote string
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	send   chan *protocol.Frame

	mu        sync.Mutex
	principal *auth.Principal

	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newSession(gw *Gateway, conn frameConn, tier protocol.Tier, remote string) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		gw:     gw,
		conn:   conn,
		tier:   tier,
		remote: remote,
		logger: gw.logger.With("remote", remote, "tier", tier.String()),
		ctx:    ctx,
		cancel: cancel,
		send:   make(chan *protocol.Frame, sendDepth),
	}
}

func (s *session) setPrincipal(p *auth.Principal) {
	s.mu.Lock()
	s.principal = p
	s.mu.Unlock()
}

func (s *session) getPrincipal() *auth.Principal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.principal
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.conn.Close()
	})
}

// run drives the session to completion. It returns once the conn is torn
// down and both pumps have exited.
func (s *session) run() {
	defer s.close()
	defer s.wg.Wait()

	if !s.handshake() {
		return
	}

	p := s.getPrincipal()
	s.logger = s.logger.With("agent", p.AgentName)
	s.logger.Info("Agent attached")

	if s.conn.OnPong(func() { s.gw.core.Heartbeat(s.getPrincipal()) }) {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
	} else {
		s.conn.SetReadDeadline(time.Time{})
	}

	s.wg.Add(2)
	go s.writePump()
	go s.recvLoop()

	s.readLoop()
	s.logger.Info("Agent detached")
}

// handshake requires the first frame to be a successful register op.
func (s *session) handshake() bool {
	s.conn.SetReadDeadline(time.Now().Add(handshakeWait))
	f, err := s.conn.ReadFrame()
	if err != nil {
		s.logger.Debug("Attach aborted before register", "error", err)
		return false
	}
	if !isControlFrame(f) {
		s.replyDirect(f, nil, fault.New(fault.CodeUnauthorized, "first frame must be a register operation"))
		return false
	}
	result, err := s.handleOp(f)
	s.replyDirect(f, result, err)
	if err != nil {
		s.logger.Debug("Register handshake failed", "error", err)
		return false
	}
	return s.getPrincipal() != nil
}

// readLoop owns the conn's read side: control ops are answered locally,
// data frames enter the fabric.
func (s *session) readLoop() {
	for {
		f, err := s.conn.ReadFrame()
		if err != nil {
			return
		}

		if isControlFrame(f) {
			result, err := s.handleOp(f)
			s.reply(f, result, err)
			continue
		}

		if err := s.gw.core.SendFrame(s.ctx, s.getPrincipal(), f, s.multicastTargets(f), nil); err != nil {
			if fault.IsCode(err, fault.CodeInvalidToken) {
				// Revoked mid-flight: drop the conn, no farewell.
				return
			}
			s.reply(f, nil, err)
		}
	}
}

// multicastTargets expands a multicast frame whose target names a
// capability group into the group's current providers. Unknown names
// pass through and route as a single agent target.
func (s *session) multicastTargets(f *protocol.Frame) []string {
	if f.Header == nil || f.Header.Pattern != protocol.PatternMulticast {
		return nil
	}
	recs := s.gw.core.Agents().FindByCapability(f.TargetName())
	if len(recs) == 0 {
		return nil
	}
	names := make([]string, len(recs))
	for i, rec := range recs {
		names[i] = rec.Name
	}
	return names
}

// recvLoop pulls the agent's mailbox onto the conn. It ends when the
// mailbox closes (unbind), the session context ends, or the session
// loses its standing.
func (s *session) recvLoop() {
	defer s.wg.Done()
	defer s.close()
	for {
		f, err := s.gw.core.RecvFrame(s.ctx, s.getPrincipal())
		if err != nil {
			return
		}
		select {
		case s.send <- f:
		case <-s.ctx.Done():
			return
		}
	}
}

// writePump owns the conn's write side: outbound frames, op replies, and
// carrier pings all leave through here.
func (s *session) writePump() {
	defer s.wg.Done()
	defer s.close()
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case f := <-s.send:
			if err := s.conn.WriteFrame(f); err != nil {
				return
			}
		case <-ticker.C:
			if err := s.conn.Ping(); err != nil {
				return
			}
		case <-s.ctx.Done():
			return
		}
	}
}

// reply queues an op response on the write pump.
func (s *session) reply(req *protocol.Frame, result []byte, err error) {
	resp := buildReply(req, result, err)
	select {
	case s.send <- resp:
	case <-s.ctx.Done():
	}
}

// replyDirect writes an op response inline, for the handshake phase
// before the write pump exists.
func (s *session) replyDirect(req *protocol.Frame, result []byte, err error) {
	s.conn.WriteFrame(buildReply(req, result, err))
}

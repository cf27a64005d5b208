// Package gateway is the agent attach surface: a websocket endpoint plus
// the unix and TCP stream listeners, all feeding one session loop. The
// wire contract is identical on every carrier: binary messages (or the
// raw stream) carry fabric frames, control operations ride frames
// addressed to the reserved core target, and the first frame on any conn
// must be a successful register.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/planmesh/core/internal/protocol"
	"github.com/planmesh/core/internal/runtime"
	"github.com/planmesh/core/internal/transport"
)

// Config wires the gateway to the core.
type Config struct {
	Core   *runtime.Core
	Logger *slog.Logger
}

// Gateway accepts agent connections and runs their sessions.
type Gateway struct {
	core     *runtime.Core
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[*session]struct{}
	closed   bool
}

// New creates a gateway.
func New(cfg Config) *Gateway {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		core:   cfg.Core,
		logger: logger.With("component", "gateway"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Agents are not browsers; origin policy does not apply.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		sessions: make(map[*session]struct{}),
	}
}

// HandleAttach upgrades an HTTP request to a websocket agent session.
// Websocket rides TCP, so these sessions attach at the stream tier.
func (g *Gateway) HandleAttach(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("Websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	go g.runSession(newWSConn(conn), protocol.TierStream, r.RemoteAddr)
}

// ServeListener accepts stream conns until the listener closes or ctx
// ends. The unix listener attaches sessions at the kernel-ring tier,
// TCP at the stream tier.
func (g *Gateway) ServeListener(ctx context.Context, ln net.Listener, tier protocol.Tier) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go g.runSession(newStreamConn(conn), tier, remoteLabel(conn))
	}
}

// remoteLabel names the peer for session logs. Unix peers are identified
// by process credentials; everything else by address.
func remoteLabel(conn net.Conn) string {
	if pid, uid, ok := transport.PeerCred(conn); ok {
		return fmt.Sprintf("unix:pid=%d,uid=%d", pid, uid)
	}
	return conn.RemoteAddr().String()
}

func (g *Gateway) runSession(conn frameConn, tier protocol.Tier, remote string) {
	s := newSession(g, conn, tier, remote)

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		conn.Close()
		return
	}
	g.sessions[s] = struct{}{}
	g.mu.Unlock()

	s.run()

	g.mu.Lock()
	delete(g.sessions, s)
	g.mu.Unlock()
}

// SessionCount reports live attached conns.
func (g *Gateway) SessionCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sessions)
}

// Close terminates every live session. Listeners are closed by their
// ServeListener contexts.
func (g *Gateway) Close() {
	g.mu.Lock()
	g.closed = true
	open := make([]*session, 0, len(g.sessions))
	for s := range g.sessions {
		open = append(open, s)
	}
	g.mu.Unlock()

	for _, s := range open {
		s.close()
	}
}

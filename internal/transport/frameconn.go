package transport

import (
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/planmesh/core/internal/protocol"
)

const (
	defaultDialTimeout  = 3 * time.Second
	defaultWriteTimeout = 10 * time.Second
)

// FrameConn carries length-framed protocol frames over a stream connection.
// It is used for both the unix socket (tier 2) and TCP (tier 3) paths.
type FrameConn struct {
	conn         net.Conn
	readTimeout  time.Duration
	writeTimeout time.Duration
}

// NewFrameConn wraps an accepted or dialed connection.
func NewFrameConn(conn net.Conn) *FrameConn {
	return &FrameConn{
		conn:         conn,
		writeTimeout: defaultWriteTimeout,
	}
}

// SetReadTimeout bounds each ReadFrame call. Zero blocks forever.
func (c *FrameConn) SetReadTimeout(d time.Duration) { c.readTimeout = d }

// SetWriteTimeout bounds each WriteFrame call. Zero blocks forever.
func (c *FrameConn) SetWriteTimeout(d time.Duration) { c.writeTimeout = d }

// ReadFrame reads and validates one frame.
func (c *FrameConn) ReadFrame() (*protocol.Frame, error) {
	if c.readTimeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
			return nil, err
		}
	}
	return protocol.ReadFrame(c.conn)
}

// WriteFrame writes one frame.
func (c *FrameConn) WriteFrame(f *protocol.Frame) error {
	if c.writeTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return err
		}
	}
	return protocol.WriteFrame(c.conn, f)
}

// RemoteAddr reports the peer address.
func (c *FrameConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// Close closes the underlying connection.
func (c *FrameConn) Close() error { return c.conn.Close() }

// DialUnix connects to the core's unix socket.
func DialUnix(path string, timeout time.Duration) (*FrameConn, error) {
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	conn, err := net.DialTimeout("unix", path, timeout)
	if err != nil {
		return nil, fmt.Errorf("dial unix %s: %w", path, err)
	}
	return NewFrameConn(conn), nil
}

// DialTCP connects to the core's TCP listener, negotiating TLS when a
// config is supplied.
func DialTCP(addr string, tlsConf *tls.Config, timeout time.Duration) (*FrameConn, error) {
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	dialer := &net.Dialer{Timeout: timeout}
	var (
		conn net.Conn
		err  error
	)
	if tlsConf != nil {
		conn, err = tls.DialWithDialer(dialer, "tcp", addr, tlsConf)
	} else {
		conn, err = dialer.Dial("tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("dial tcp %s: %w", addr, err)
	}
	return NewFrameConn(conn), nil
}

package gossip

import (
	"net"
	"time"

	"github.com/cuemby/taskmesh/pkg/transport"
)

// wireNetConn adapts a *transport.Conn's message-oriented Send/Recv into
// the byte-stream net.Conn memberlist's stream protocol expects. Each
// Write is one Brotli-compressed envelope; each Read drains one decoded
// envelope across as many calls as the caller's buffer requires, so
// message boundaries never get merged even though memberlist's own codec
// treats the connection as a plain byte stream.
type wireNetConn struct {
	conn       *transport.Conn
	localAddr  net.Addr
	remoteAddr net.Addr
	pending    []byte
}

func newWireNetConn(conn *transport.Conn, local, remote net.Addr) *wireNetConn {
	return &wireNetConn{conn: conn, localAddr: local, remoteAddr: remote}
}

func (c *wireNetConn) Read(b []byte) (int, error) {
	if len(c.pending) == 0 {
		var chunk []byte
		if err := c.conn.Recv(&chunk); err != nil {
			return 0, err
		}
		c.pending = chunk
	}
	n := copy(b, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

func (c *wireNetConn) Write(b []byte) (int, error) {
	cp := append([]byte(nil), b...)
	if err := c.conn.Send(cp); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (c *wireNetConn) Close() error                     { return c.conn.Close() }
func (c *wireNetConn) LocalAddr() net.Addr               { return c.localAddr }
func (c *wireNetConn) RemoteAddr() net.Addr              { return c.remoteAddr }
func (c *wireNetConn) SetDeadline(t time.Time) error     { return c.conn.SetDeadline(t) }
func (c *wireNetConn) SetReadDeadline(t time.Time) error { return c.conn.SetReadDeadline(t) }
func (c *wireNetConn) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}

// Package backend is a reference streaming chat server. It speaks the same
// JSON frame protocol as the client and streams replies produced by a
// Responder.
package backend

import (
	"context"
	"net"
	"sync"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Conn abstracts one accepted client connection.
type Conn interface {
	// Read reads a single text frame.
	// Returns wsutil.ClosedError when the peer closes the connection.
	Read(ctx context.Context) ([]byte, error)

	// Write sends a single text frame.
	Write(ctx context.Context, data []byte) error

	// Close closes the connection.
	Close() error

	// RemoteAddr returns the remote address for logging.
	RemoteAddr() string
}

// WSConn adapts an upgraded gobwas connection to Conn.
type WSConn struct {
	conn       net.Conn
	remoteAddr string
	writeMu    sync.Mutex
	closeOnce  sync.Once
}

// NewConn wraps an upgraded connection with the specified remote address.
func NewConn(conn net.Conn, addr string) *WSConn {
	if addr == "" {
		addr = conn.RemoteAddr().String()
	}
	return &WSConn{conn: conn, remoteAddr: addr}
}

// Read implements Conn. Control frames are handled internally.
func (c *WSConn) Read(ctx context.Context) ([]byte, error) {
	if dl, ok := ctx.Deadline(); ok {
		_ = c.conn.SetReadDeadline(dl)
	}
	data, _, err := wsutil.ReadClientData(c.conn)
	return data, err
}

// Write implements Conn.
func (c *WSConn) Write(ctx context.Context, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if dl, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(dl)
	}
	return wsutil.WriteServerText(c.conn, data)
}

// Close implements Conn. It sends a normal close frame before closing.
func (c *WSConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		body := ws.NewCloseFrameBody(ws.StatusNormalClosure, "")
		_ = wsutil.WriteServerMessage(c.conn, ws.OpClose, body)
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

// RemoteAddr implements Conn.
func (c *WSConn) RemoteAddr() string {
	return c.remoteAddr
}

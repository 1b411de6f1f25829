// Package transport frames sync-protocol messages over WebSocket for both
// legs of the proxy: accepting the client connection and dialing the
// upstream server.
package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 5 * time.Second
)

// Conn is one framed full-duplex message stream. Reads and writes are safe
// for one reader plus one writer goroutine, the way the session pumps use it.
type Conn struct {
	conn net.Conn
	// state distinguishes which side of the WebSocket handshake we are, which
	// decides frame masking on read and write.
	state ws.State

	writeMu sync.Mutex
	closed  sync.Once
}

// Accept upgrades an incoming TCP connection to WebSocket; the router is the
// server on the client leg.
func Accept(conn net.Conn) (*Conn, error) {
	if _, err := ws.Upgrade(conn); err != nil {
		return nil, fmt.Errorf("websocket upgrade failed: %w", err)
	}
	return &Conn{conn: conn, state: ws.StateServerSide}, nil
}

// Dial opens the outbound upstream leg; the router is the client there.
func Dial(ctx context.Context, url string) (*Conn, error) {
	conn, br, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to dial upstream %s: %w", url, err)
	}
	if br != nil {
		// The handshake read past the response; keep the buffered bytes in
		// front of the connection.
		conn = &bufferedConn{Conn: conn, buffered: br}
	}
	return &Conn{conn: conn, state: ws.StateClientSide}, nil
}

// bufferedConn drains handshake-buffered bytes before reading the socket.
type bufferedConn struct {
	net.Conn
	buffered io.Reader
}

func (b *bufferedConn) Read(p []byte) (int, error) {
	if b.buffered != nil {
		n, err := b.buffered.Read(p)
		if n > 0 {
			return n, nil
		}
		b.buffered = nil
		if err != nil && err != io.EOF {
			return 0, err
		}
	}
	return b.Conn.Read(p)
}

// ReadMessage blocks for the next text or binary frame, transparently answering
// WebSocket-level pings. It returns io.EOF on a clean close.
func (c *Conn) ReadMessage() ([]byte, error) {
	for {
		data, op, err := wsutil.ReadData(c.conn, c.state)
		if err != nil {
			if _, isClosed := err.(wsutil.ClosedError); isClosed {
				return nil, io.EOF
			}
			return nil, err
		}
		switch op {
		case ws.OpText, ws.OpBinary:
			return data, nil
		}
		// Control frames are handled inside ReadData; anything else is
		// skipped.
	}
}

// WriteMessage sends one text frame.
func (c *Conn) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return wsutil.WriteMessage(c.conn, c.state, ws.OpText, data)
}

// Close shuts the underlying connection down; safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closed.Do(func() {
		err = c.conn.Close()
	})
	return err
}

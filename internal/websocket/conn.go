package websocket

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/luciancaetano/relaysession"
)

const (
	writeWait      = 10 * time.Second
	sendBufferSize = 256
	maxMessageSize = 10 * 1024 * 1024
)

var _ relaysession.Transport = (*Conn)(nil)

// Conn is the server side of one relay connection. Writes go through a
// buffered channel drained by a single write pump.
type Conn struct {
	conn       *websocket.Conn
	remoteAddr string
	ctx        context.Context
	cancel     context.CancelFunc
	sendCh     chan []byte
	mu         sync.RWMutex
	closed     bool
}

// NewConn wraps an upgraded connection and starts its write pump.
func NewConn(conn *websocket.Conn, remoteAddr string) *Conn {
	ctx, cancel := context.WithCancel(context.Background())

	c := &Conn{
		conn:       conn,
		remoteAddr: remoteAddr,
		ctx:        ctx,
		cancel:     cancel,
		sendCh:     make(chan []byte, sendBufferSize),
	}

	go c.writePump()

	return c
}

// RemoteAddr returns the client's remote network address
func (c *Conn) RemoteAddr() string {
	return c.remoteAddr
}

// Context returns the connection's lifecycle context
func (c *Conn) Context() context.Context {
	return c.ctx
}

// Send queues data for the write pump. It blocks while the buffer is full
// until ctx is done.
func (c *Conn) Send(ctx context.Context, data []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return relaysession.ErrConnectionClosed
	}

	// The read lock is held while sending so Close cannot close sendCh under us.
	select {
	case c.sendCh <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return relaysession.ErrConnectionClosed
	}
}

// Ping writes a ping control frame.
func (c *Conn) Ping(ctx context.Context) error {
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	return c.conn.WriteControl(websocket.PingMessage, nil, deadline)
}

// Close closes the connection with a close code and optional reason
func (c *Conn) Close(code int, reason string) error {
	// Unblock senders waiting on a full buffer before taking the write lock.
	c.cancel()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	message := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(time.Second))

	close(c.sendCh)
	return c.conn.Close()
}

// IsAlive returns true if the connection is still open
func (c *Conn) IsAlive() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.closed
}

// writePump pumps messages from the send channel to the websocket connection
func (c *Conn) writePump() {
	defer c.conn.Close()

	for {
		select {
		case message, ok := <-c.sendCh:
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

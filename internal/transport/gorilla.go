// Package transport provides relaysession.Dialer implementations for the
// client state machine.
//
// Every transport runs one read goroutine per connection, which delivers
// TransportEvents in the order the frames arrived and finishes with exactly
// one OnClose.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/luciancaetano/relaysession"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 10 * 1024 * 1024
)

// GorillaDialer dials relays with gorilla/websocket.
type GorillaDialer struct {
	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer
	// Header is sent with the handshake request.
	Header http.Header
	// ReadLimit caps inbound frames. Default 10MB.
	ReadLimit int64
	Logger    *slog.Logger
}

var _ relaysession.Dialer = (*GorillaDialer)(nil)

func (d *GorillaDialer) Dial(ctx context.Context, url string, events relaysession.TransportEvents) (relaysession.Transport, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, url, d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("handshake status %d: %w", resp.StatusCode, err)
		}
		return nil, err
	}

	limit := d.ReadLimit
	if limit <= 0 {
		limit = maxMessageSize
	}
	return newGorillaConn(conn, events, limit, loggerOr(d.Logger)), nil
}

// gorillaConn serializes data writes with a mutex. Control frames go through
// WriteControl, which gorilla allows concurrently with everything else.
type gorillaConn struct {
	conn   *websocket.Conn
	events relaysession.TransportEvents
	logger *slog.Logger

	mu          sync.Mutex
	closed      bool
	closeCode   int
	closeReason string
}

func newGorillaConn(conn *websocket.Conn, events relaysession.TransportEvents, limit int64, logger *slog.Logger) *gorillaConn {
	c := &gorillaConn{conn: conn, events: events, logger: logger}

	conn.SetReadLimit(limit)
	conn.SetPingHandler(func(appData string) error {
		events.Ping()
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	conn.SetPongHandler(func(string) error {
		events.Pong()
		return nil
	})

	go c.readLoop()
	return c
}

func (c *gorillaConn) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.finish(err)
			return
		}
		c.events.Message(data)
	}
}

func (c *gorillaConn) finish(err error) {
	c.mu.Lock()
	local := c.closed
	c.closed = true
	code, reason := c.closeCode, c.closeReason
	c.mu.Unlock()
	_ = c.conn.Close()

	var ce *websocket.CloseError
	switch {
	case errors.As(err, &ce):
		code, reason = ce.Code, ce.Text
	case !local:
		c.logger.Debug("transport: read failed", "error", err)
		c.events.Error(err)
		code, reason = websocket.CloseAbnormalClosure, ""
	}
	c.events.Closed(code, reason)
}

func (c *gorillaConn) Send(ctx context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return relaysession.ErrConnectionClosed
	}
	_ = c.conn.SetWriteDeadline(deadline(ctx))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *gorillaConn) Ping(ctx context.Context) error {
	return c.conn.WriteControl(websocket.PingMessage, nil, deadline(ctx))
}

// Close sends a close frame and closes the socket without waiting for the
// peer's echo. The read loop then reports OnClose with code and reason.
func (c *gorillaConn) Close(code int, reason string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.closeCode, c.closeReason = code, reason
	c.mu.Unlock()

	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return c.conn.Close()
}

// deadline returns the ctx deadline, capped at writeWait from now.
func deadline(ctx context.Context) time.Time {
	d := time.Now().Add(writeWait)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(d) {
		return ctxDeadline
	}
	return d
}

func loggerOr(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return logger
}

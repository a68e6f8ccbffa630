package transport

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/coder/websocket"

	"github.com/luciancaetano/relaysession"
)

// CoderDialer dials relays with coder/websocket.
//
// coder/websocket answers inbound pings itself, so OnPing never fires. Ping
// blocks until the pong arrives and then reports OnPong in line with the
// frames read so far.
type CoderDialer struct {
	// Options are passed to websocket.Dial as is.
	Options *websocket.DialOptions
	// ReadLimit caps inbound frames. Default 10MB.
	ReadLimit int64
	Logger    *slog.Logger
}

var _ relaysession.Dialer = (*CoderDialer)(nil)

func (d *CoderDialer) Dial(ctx context.Context, url string, events relaysession.TransportEvents) (relaysession.Transport, error) {
	conn, _, err := websocket.Dial(ctx, url, d.Options)
	if err != nil {
		return nil, err
	}

	limit := d.ReadLimit
	if limit <= 0 {
		limit = maxMessageSize
	}
	conn.SetReadLimit(limit)

	readCtx, cancel := context.WithCancel(context.Background())
	c := &coderConn{
		conn:   conn,
		events: events,
		logger: loggerOr(d.Logger),
		cancel: cancel,
	}
	go c.readLoop(readCtx)
	return c, nil
}

type coderConn struct {
	conn   *websocket.Conn
	events relaysession.TransportEvents
	logger *slog.Logger
	cancel context.CancelFunc

	mu          sync.Mutex
	closed      bool
	closeCode   int
	closeReason string

	// Events are delivered one at a time in post order. ended is set once
	// OnClose is queued; later posts are dropped.
	evMu    sync.Mutex
	pending []func()
	running bool
	ended   bool
}

func (c *coderConn) post(fn func(), last bool) {
	c.evMu.Lock()
	if c.ended {
		c.evMu.Unlock()
		return
	}
	c.ended = last
	c.pending = append(c.pending, fn)
	if c.running {
		c.evMu.Unlock()
		return
	}
	c.running = true
	c.evMu.Unlock()

	go c.deliver()
}

func (c *coderConn) deliver() {
	for {
		c.evMu.Lock()
		if len(c.pending) == 0 {
			c.running = false
			c.evMu.Unlock()
			return
		}
		fn := c.pending[0]
		c.pending[0] = nil
		c.pending = c.pending[1:]
		c.evMu.Unlock()

		fn()
	}
}

func (c *coderConn) readLoop(ctx context.Context) {
	defer c.cancel()
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			c.finish(err)
			return
		}
		c.post(func() { c.events.Message(data) }, false)
	}
}

func (c *coderConn) finish(err error) {
	c.mu.Lock()
	local := c.closed
	c.closed = true
	code, reason := c.closeCode, c.closeReason
	c.mu.Unlock()

	var ce websocket.CloseError
	reportErr := false
	switch {
	case errors.As(err, &ce):
		code, reason = int(ce.Code), ce.Reason
	case !local:
		c.logger.Debug("transport: read failed", "error", err)
		reportErr = true
		code, reason = int(websocket.StatusAbnormalClosure), ""
	}
	c.post(func() {
		if reportErr {
			c.events.Error(err)
		}
		c.events.Closed(code, reason)
	}, true)
}

func (c *coderConn) Send(ctx context.Context, data []byte) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return relaysession.ErrConnectionClosed
	}

	ctx, cancel := context.WithDeadline(ctx, deadline(ctx))
	defer cancel()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *coderConn) Ping(ctx context.Context) error {
	ctx, cancel := context.WithDeadline(ctx, deadline(ctx))
	defer cancel()
	if err := c.conn.Ping(ctx); err != nil {
		return err
	}
	c.post(c.events.Pong, false)
	return nil
}

// Close runs the close handshake. The read loop reports OnClose.
func (c *coderConn) Close(code int, reason string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.closeCode, c.closeReason = code, reason
	c.mu.Unlock()

	return c.conn.Close(websocket.StatusCode(code), reason)
}

// Package session implements the client side of a relay connection: a state
// machine that dials, keeps the socket alive with heartbeats, reconnects on
// loss and buffers outbound messages while the socket cannot take them.
//
//	DISCONNECTED --Connect--> CONNECTING --opened--> CONNECTED
//	CONNECTING --error/timeout--> RECONNECTING | FAILED
//	CONNECTED --closed/heartbeat timeout--> RECONNECTING | FAILED
//	RECONNECTING --delay elapsed--> CONNECTING
//	any --Disconnect--> DISCONNECTED
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/luciancaetano/relaysession"
	"github.com/luciancaetano/relaysession/internal/protocol"
	"github.com/luciancaetano/relaysession/internal/queue"
)

// State is the connection state. The Machine is its only writer.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateReconnecting:
		return "RECONNECTING"
	case StateFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

var errNoPong = errors.New("no pong within heartbeat interval")

// Config defines the client connection behaviour.
type Config struct {
	// URL of the relay. Required.
	URL string
	// HeartbeatInterval between transport pings. Default 30s; negative disables heartbeats.
	HeartbeatInterval time.Duration
	// ConnectionTimeout bounds every dial and every direct write. Default 5s.
	ConnectionTimeout time.Duration
	// MaxReconnectAttempts before giving up in FAILED. Zero fails on the first loss.
	MaxReconnectAttempts int
	// ReconnectDelay is the wait before each reconnect when Backoff is nil. Default 1s.
	ReconnectDelay time.Duration
	// MaxReconnectDelay caps whatever Backoff returns. Default 30s.
	MaxReconnectDelay time.Duration
	// Backoff computes the delay for reconnect attempt n (1-based). Optional.
	Backoff queue.BackoffFunc
	// Queue configures the outbound buffer.
	Queue queue.Config
}

// DefaultConfig returns the default configuration for url.
func DefaultConfig(url string) Config {
	return Config{
		URL:                  url,
		HeartbeatInterval:    30 * time.Second,
		ConnectionTimeout:    5 * time.Second,
		MaxReconnectAttempts: 5,
		ReconnectDelay:       time.Second,
		MaxReconnectDelay:    30 * time.Second,
		Queue:                queue.DefaultConfig(),
	}
}

func (c *Config) init() {
	d := DefaultConfig(c.URL)
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = d.ConnectionTimeout
	}
	if c.MaxReconnectAttempts < 0 {
		c.MaxReconnectAttempts = 0
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = d.ReconnectDelay
	}
	if c.MaxReconnectDelay <= 0 {
		c.MaxReconnectDelay = d.MaxReconnectDelay
	}
	if c.MaxReconnectDelay < c.ReconnectDelay {
		c.MaxReconnectDelay = c.ReconnectDelay
	}
	if c.Backoff == nil {
		c.Backoff = queue.ConstantBackoff(c.ReconnectDelay)
	}
}

// Option configures a Machine.
type Option func(*Machine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Machine) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithStateHandler is called for every state transition, in order.
func WithStateHandler(fn func(from, to State)) Option {
	return func(m *Machine) { m.onState = fn }
}

// WithMessageHandler receives inbound frames of the current connection.
func WithMessageHandler(fn func(data []byte)) Option {
	return func(m *Machine) { m.onMessage = fn }
}

// WithErrorHandler receives connection errors. They are informational: the
// machine already recovers from them.
func WithErrorHandler(fn func(err error)) Option {
	return func(m *Machine) { m.onError = fn }
}

// Machine owns one transport and one outbound queue.
type Machine struct {
	cfg       Config
	dialer    relaysession.Dialer
	logger    *slog.Logger
	queue     *queue.Queue
	notify    *notifier
	onState   func(from, to State)
	onMessage func(data []byte)
	onError   func(err error)

	mu             sync.Mutex
	state          State
	attempts       int
	epoch          uint64 // identifies the current attempt; events of older epochs are ignored
	transport      relaysession.Transport
	pongPending    bool
	dialCancel     context.CancelFunc
	dialTimer      *time.Timer
	reconnectTimer *time.Timer
	stopHeartbeat  context.CancelFunc
	closed         bool
}

// New builds a disconnected machine. Call Connect to start dialing.
func New(cfg Config, dialer relaysession.Dialer, opts ...Option) (*Machine, error) {
	if cfg.URL == "" {
		return nil, relaysession.ErrNoURL
	}
	if dialer == nil {
		return nil, relaysession.ErrNilDialer
	}
	cfg.init()

	m := &Machine{
		cfg:    cfg,
		dialer: dialer,
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("url", cfg.URL)
	m.notify = &notifier{logger: m.logger}
	m.queue = queue.New(m.flush, cfg.Queue, queue.WithLogger(m.logger))
	m.queue.Pause()
	return m, nil
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// QueueLen returns the number of messages waiting for the connection.
func (m *Machine) QueueLen() int {
	return m.queue.Len()
}

// Connect starts dialing. It is a no-op while CONNECTING or CONNECTED and
// resets the attempt counter otherwise, which makes it the way out of FAILED.
// It never blocks on the network.
func (m *Machine) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return relaysession.ErrConnectionClosed
	}
	if m.state == StateConnecting || m.state == StateConnected {
		return nil
	}
	stopTimer(&m.reconnectTimer)
	m.attempts = 0
	m.dialLocked()
	return nil
}

// Disconnect cancels pending timers, closes the transport and moves to
// DISCONNECTED from any state. Buffered messages stay queued.
func (m *Machine) Disconnect() {
	m.mu.Lock()
	m.epoch++
	m.cancelDialLocked()
	stopTimer(&m.reconnectTimer)
	t := m.teardownLocked()
	m.attempts = 0
	m.setStateLocked(StateDisconnected)
	m.mu.Unlock()

	if t != nil {
		_ = t.Close(relaysession.CloseNormal, "client disconnect")
	}
}

// Close disconnects and discards the queue. The machine cannot be reused.
func (m *Machine) Close() {
	m.Disconnect()

	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.queue.Close()
}

// Send classifies data by its type tag and sends it.
func (m *Machine) Send(data []byte) error {
	typeTag, err := protocol.TypeTag(data)
	if err != nil {
		return err
	}
	return m.SendWithPriority(data, Classify(typeTag))
}

// SendWithPriority writes data directly when CONNECTED with an empty backlog
// and falls back to the queue otherwise, or when the direct write fails.
// The only error surfaced is the queue refusing the message.
func (m *Machine) SendWithPriority(data []byte, priority queue.Priority) error {
	typeTag, _ := protocol.TypeTag(data)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return relaysession.ErrConnectionClosed
	}
	t := m.transport
	direct := m.state == StateConnected && t != nil && m.queue.Len() == 0 && !m.queue.Busy()
	m.mu.Unlock()

	if direct {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ConnectionTimeout)
		err := t.Send(ctx, data)
		cancel()
		if err == nil {
			return nil
		}
		m.logger.Debug("session: direct send failed, queueing", "type", typeTag, "error", err)
		m.reportError(&relaysession.ConnectionError{Op: "send", URL: m.cfg.URL, Err: err})
	}
	return m.queue.Enqueue(typeTag, data, priority)
}

// Classify maps a type tag to its queue priority.
func Classify(typeTag string) queue.Priority {
	switch typeTag {
	case relaysession.TypeAuth, relaysession.TypeClose:
		return queue.PriorityHigh
	case relaysession.TypeEvent, relaysession.TypeReq, relaysession.TypeCount:
		return queue.PriorityNormal
	default:
		return queue.PriorityLow
	}
}

// flush is the queue's send callback.
func (m *Machine) flush(ctx context.Context, msg queue.Message) error {
	m.mu.Lock()
	t := m.transport
	connected := m.state == StateConnected
	m.mu.Unlock()

	if !connected || t == nil {
		return relaysession.ErrNotConnected
	}
	sendCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectionTimeout)
	defer cancel()
	return t.Send(sendCtx, msg.Payload)
}

func (m *Machine) dialLocked() {
	m.epoch++
	epoch := m.epoch
	m.setStateLocked(StateConnecting)

	ctx, cancel := context.WithCancel(context.Background())
	m.dialCancel = cancel
	m.dialTimer = time.AfterFunc(m.cfg.ConnectionTimeout, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if epoch != m.epoch || m.state != StateConnecting {
			return
		}
		m.failAttemptLocked(fmt.Errorf("connection timeout after %s: %w", m.cfg.ConnectionTimeout, context.DeadlineExceeded))
	})

	m.logger.Debug("session: dialing", "attempt", m.attempts)
	go m.dial(ctx, epoch)
}

func (m *Machine) dial(ctx context.Context, epoch uint64) {
	t, err := m.dialer.Dial(ctx, m.cfg.URL, m.events(epoch))

	m.mu.Lock()
	if epoch != m.epoch || m.state != StateConnecting {
		m.mu.Unlock()
		if t != nil {
			_ = t.Close(relaysession.CloseNormal, "superseded")
		}
		return
	}
	if err != nil {
		m.failAttemptLocked(err)
		m.mu.Unlock()
		return
	}

	m.cancelDialLocked()
	m.transport = t
	m.attempts = 0
	m.setStateLocked(StateConnected)
	m.startHeartbeatLocked(epoch, t)
	m.queue.Resume()
	m.mu.Unlock()
}

// failAttemptLocked ends a CONNECTING attempt.
func (m *Machine) failAttemptLocked(err error) {
	m.cancelDialLocked()
	m.reportErrorLocked(&relaysession.ConnectionError{Op: "dial", URL: m.cfg.URL, Err: err})
	m.scheduleReconnectLocked()
}

// scheduleReconnectLocked moves to RECONNECTING with a timer, or to FAILED
// once the attempts are used up.
func (m *Machine) scheduleReconnectLocked() {
	m.epoch++
	if m.attempts >= m.cfg.MaxReconnectAttempts {
		m.logger.Warn("session: giving up", "attempts", m.attempts)
		m.setStateLocked(StateFailed)
		return
	}

	m.attempts++
	delay := min(m.cfg.Backoff(m.attempts), m.cfg.MaxReconnectDelay)
	epoch := m.epoch
	m.setStateLocked(StateReconnecting)
	m.logger.Info("session: reconnect scheduled", "attempt", m.attempts, "delay", delay)

	m.reconnectTimer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if epoch != m.epoch || m.state != StateReconnecting || m.closed {
			return
		}
		m.reconnectTimer = nil
		m.dialLocked()
	})
}

// teardownLocked detaches the current transport and returns it for closing.
func (m *Machine) teardownLocked() relaysession.Transport {
	if m.stopHeartbeat != nil {
		m.stopHeartbeat()
		m.stopHeartbeat = nil
	}
	m.queue.Pause()
	t := m.transport
	m.transport = nil
	m.pongPending = false
	return t
}

func (m *Machine) cancelDialLocked() {
	stopTimer(&m.dialTimer)
	if m.dialCancel != nil {
		m.dialCancel()
		m.dialCancel = nil
	}
}

// connectionLostLocked handles the loss of a CONNECTED transport.
func (m *Machine) connectionLostLocked(err error) relaysession.Transport {
	t := m.teardownLocked()
	m.reportErrorLocked(err)
	m.scheduleReconnectLocked()
	return t
}

func (m *Machine) events(epoch uint64) relaysession.TransportEvents {
	return relaysession.TransportEvents{
		OnMessage: func(data []byte) {
			m.mu.Lock()
			current := epoch == m.epoch
			m.mu.Unlock()
			if current && m.onMessage != nil {
				m.onMessage(data)
			}
		},
		OnPong: func() {
			m.mu.Lock()
			if epoch == m.epoch {
				m.pongPending = false
			}
			m.mu.Unlock()
		},
		OnError: func(err error) {
			m.logger.Debug("session: transport error", "error", err)
		},
		OnClose: func(code int, reason string) {
			m.mu.Lock()
			defer m.mu.Unlock()
			if epoch != m.epoch {
				return
			}
			err := fmt.Errorf("closed by peer: code=%d reason=%q", code, reason)
			switch m.state {
			case StateConnecting:
				m.failAttemptLocked(err)
			case StateConnected:
				m.logger.Info("session: connection closed", "code", code, "reason", reason)
				m.connectionLostLocked(&relaysession.ConnectionError{Op: "read", URL: m.cfg.URL, Err: err})
			}
		},
	}
}

func (m *Machine) startHeartbeatLocked(epoch uint64, t relaysession.Transport) {
	if m.cfg.HeartbeatInterval <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.stopHeartbeat = cancel
	m.pongPending = false
	go m.heartbeat(ctx, epoch, t)
}

// heartbeat pings every interval. A tick that finds the previous ping
// unanswered counts as a dead connection.
func (m *Machine) heartbeat(ctx context.Context, epoch uint64, t relaysession.Transport) {
	interval := m.cfg.HeartbeatInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		m.mu.Lock()
		if epoch != m.epoch || m.state != StateConnected {
			m.mu.Unlock()
			return
		}
		if m.pongPending {
			m.logger.Warn("session: heartbeat timeout", "interval", interval)
			dead := m.connectionLostLocked(&relaysession.ConnectionError{Op: "heartbeat", URL: m.cfg.URL, Err: errNoPong})
			m.mu.Unlock()
			if dead != nil {
				_ = dead.Close(relaysession.CloseGoingAway, "heartbeat timeout")
			}
			return
		}
		m.pongPending = true
		m.mu.Unlock()

		pingCtx, cancel := context.WithTimeout(ctx, interval)
		if err := t.Ping(pingCtx); err != nil {
			m.logger.Debug("session: ping failed", "error", err)
		}
		cancel()
	}
}

func (m *Machine) setStateLocked(to State) {
	from := m.state
	if from == to {
		return
	}
	m.state = to
	m.logger.Info("session: state change", "from", from.String(), "to", to.String())
	if m.onState != nil {
		fn := m.onState
		m.notify.post(func() { fn(from, to) })
	}
}

func (m *Machine) reportErrorLocked(err error) {
	m.logger.Warn("session: connection error", "error", err)
	if m.onError != nil {
		fn := m.onError
		m.notify.post(func() { fn(err) })
	}
}

func (m *Machine) reportError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reportErrorLocked(err)
}

func stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

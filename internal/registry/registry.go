// Package registry tracks the server side of relay connections: which sockets
// are open, which of them authenticated, and which subscriptions they hold.
//
// Every inbound frame goes through HandleMessage, which decodes it, applies
// the rate limiter, enforces authentication and keeps the subscription sets
// current before handing the envelope to the application.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/luciancaetano/relaysession"
	"github.com/luciancaetano/relaysession/internal/protocol"
)

const defaultWriteTimeout = 10 * time.Second

// Limiter is the rate limiting verdict the registry needs.
// *ratelimit.Limiter satisfies it.
type Limiter interface {
	ShouldLimit(clientID, typeTag string) bool
}

// Handlers are the application callbacks. Nil fields are no-ops.
type Handlers struct {
	// OnConnection runs after the socket is registered. An error rejects the socket.
	OnConnection func(ctx context.Context, s *Socket) error
	// OnMessage receives EVENT, REQ, CLOSE and COUNT envelopes from authenticated sockets.
	OnMessage func(ctx context.Context, s *Socket, env protocol.Envelope) error
	// OnError receives handler failures and panics.
	OnError func(err error, s *Socket)
	// OnClose runs once per socket when it leaves the registry.
	OnClose func(s *Socket)
}

// Config defines the registry behaviour.
type Config struct {
	// MaxConnections caps open sockets. Zero means unlimited.
	MaxConnections int `mapstructure:"max_connections"`
	// SendChallenge sends ["AUTH", challenge] to every new socket.
	SendChallenge bool `mapstructure:"send_challenge"`
	// HeartbeatInterval between sweeps in RunHeartbeat. Zero or negative disables them.
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

// Stats is a point-in-time view of the registry.
type Stats struct {
	Connections   int
	Authenticated int
	Subscriptions int
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithClock replaces time.Now for connect timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithClientID sets how a socket maps to its rate limiting key. The default
// is the host part of the remote address, so a reconnecting client keeps its
// window and any block.
func WithClientID(fn func(*Socket) string) Option {
	return func(r *Registry) {
		if fn != nil {
			r.clientID = fn
		}
	}
}

// WithWriteTimeout bounds every write to a single socket, broadcasts included.
func WithWriteTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.writeTimeout = d
		}
	}
}

// Registry is safe for concurrent use.
type Registry struct {
	cfg          Config
	limiter      Limiter
	handlers     Handlers
	logger       *slog.Logger
	now          func() time.Time
	clientID     func(*Socket) string
	writeTimeout time.Duration

	mu      sync.RWMutex
	sockets map[string]*Socket
}

// New creates a registry. limiter may be nil to disable rate limiting.
func New(cfg Config, limiter Limiter, handlers Handlers, opts ...Option) *Registry {
	r := &Registry{
		cfg:      cfg,
		limiter:  limiter,
		handlers: handlers,
		logger:       slog.New(slog.DiscardHandler),
		now:          time.Now,
		clientID:     RemoteHost,
		writeTimeout: defaultWriteTimeout,
		sockets:      make(map[string]*Socket),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AddConnection registers t as a new socket. It returns
// relaysession.ErrTooManyConnections when the registry is full, and the
// OnConnection error when the application rejects the socket; in both cases
// nothing stays registered.
func (r *Registry) AddConnection(ctx context.Context, t relaysession.Transport, remoteAddr string) (*Socket, error) {
	s := newSocket(uuid.NewString(), t, remoteAddr, r.now())
	if r.cfg.SendChallenge {
		s.challenge = uuid.NewString()
	}
	s.clientID = r.clientID(s)

	r.mu.Lock()
	if r.cfg.MaxConnections > 0 && len(r.sockets) >= r.cfg.MaxConnections {
		n := len(r.sockets)
		r.mu.Unlock()
		r.logger.Warn("registry: connection refused", "remote_addr", remoteAddr, "connections", n)
		return nil, relaysession.ErrTooManyConnections
	}
	r.sockets[s.id] = s
	r.mu.Unlock()

	r.logger.Info("registry: socket connected", "socket_id", s.id, "remote_addr", remoteAddr, "client_id", s.clientID)

	if s.challenge != "" {
		if data, err := protocol.Encode(relaysession.TypeAuth, s.challenge); err == nil {
			r.send(ctx, s, data)
		}
	}

	if r.handlers.OnConnection != nil {
		err := safeCall(func() error { return r.handlers.OnConnection(ctx, s) })
		if err != nil {
			r.reportError(fmt.Errorf("connection handler: %w", err), s)
			r.RemoveConnection(s)
			return nil, err
		}
	}
	return s, nil
}

// RemoveConnection unregisters s. Calling it again for the same socket is a no-op.
func (r *Registry) RemoveConnection(s *Socket) {
	r.mu.Lock()
	cur, ok := r.sockets[s.id]
	if ok && cur == s {
		delete(r.sockets, s.id)
	}
	r.mu.Unlock()
	if !ok || cur != s {
		return
	}

	r.logger.Info("registry: socket removed", "socket_id", s.id,
		"authenticated", s.Authenticated(), "duration", r.now().Sub(s.connectedAt))

	if r.handlers.OnClose != nil {
		err := safeCall(func() error {
			r.handlers.OnClose(s)
			return nil
		})
		if err != nil {
			r.reportError(fmt.Errorf("close handler: %w", err), s)
		}
	}
}

// HandleMessage runs one inbound frame through the pipeline. Rejections are
// answered with a NOTICE and never close the socket.
func (r *Registry) HandleMessage(ctx context.Context, s *Socket, raw []byte) {
	env, err := protocol.Decode(raw)
	if err != nil {
		r.logger.Debug("registry: dropping malformed message", "socket_id", s.id, "error", err)
		r.notice(ctx, s, relaysession.NoticeInvalid+reason(err))
		return
	}

	if r.limiter != nil && r.limiter.ShouldLimit(s.clientID, env.Type) {
		r.logger.Warn("registry: rate limited", "socket_id", s.id, "client_id", s.clientID, "type", env.Type)
		r.notice(ctx, s, relaysession.NoticeRateLimited+"slow down")
		return
	}

	if env.Type != relaysession.TypeAuth && !s.Authenticated() {
		r.logger.Warn("registry: message dropped", "socket_id", s.id, "type", env.Type, "error", relaysession.ErrUnauthenticated)
		r.notice(ctx, s, relaysession.NoticeAuthRequired+"send AUTH first")
		return
	}

	switch env.Type {
	case relaysession.TypeAuth:
		r.authenticate(ctx, s, env)
	case relaysession.TypeReq, relaysession.TypeClose, relaysession.TypeCount:
		id, err := protocol.SubscriptionID(env)
		if err != nil {
			r.logger.Debug("registry: bad subscription message", "socket_id", s.id, "error", err)
			r.notice(ctx, s, relaysession.NoticeInvalid+reason(err))
			return
		}
		switch env.Type {
		case relaysession.TypeReq:
			s.subscribe(id)
		case relaysession.TypeClose:
			s.unsubscribe(id)
		}
		r.dispatch(ctx, s, env)
	case relaysession.TypeEvent:
		if len(env.Args) == 0 {
			r.notice(ctx, s, relaysession.NoticeInvalid+"EVENT requires an event object")
			return
		}
		r.dispatch(ctx, s, env)
	case relaysession.TypePing:
		if data, err := protocol.Encode(relaysession.TypePong); err == nil {
			r.send(ctx, s, data)
		}
	default:
		r.logger.Debug("registry: dropping unsupported message", "socket_id", s.id, "type", env.Type)
		r.notice(ctx, s, relaysession.NoticeUnsupported+env.Type)
	}
}

func (r *Registry) authenticate(ctx context.Context, s *Socket, env protocol.Envelope) {
	ev, err := protocol.ParseAuth(env)
	if err != nil {
		r.logger.Warn("registry: invalid AUTH", "socket_id", s.id, "error", err)
		r.notice(ctx, s, relaysession.NoticeInvalid+reason(err))
		return
	}
	if s.challenge != "" {
		if got, _ := ev.Tag("challenge"); got != s.challenge {
			r.logger.Warn("registry: AUTH challenge mismatch", "socket_id", s.id, "pubkey", ev.PubKey)
			r.reply(ctx, s, ev.ID, false, relaysession.NoticeAuthRequired+"challenge mismatch")
			return
		}
	}

	s.authenticate(ev.PubKey)
	r.logger.Info("registry: socket authenticated", "socket_id", s.id, "pubkey", ev.PubKey)
	r.reply(ctx, s, ev.ID, true, "")
}

func (r *Registry) dispatch(ctx context.Context, s *Socket, env protocol.Envelope) {
	if r.handlers.OnMessage == nil {
		return
	}
	if err := safeCall(func() error { return r.handlers.OnMessage(ctx, s, env) }); err != nil {
		r.reportError(fmt.Errorf("message handler (%s): %w", env.Type, err), s)
	}
}

// Broadcast sends data to every open socket and returns how many accepted it.
func (r *Registry) Broadcast(ctx context.Context, data []byte) int {
	return r.broadcast(ctx, data, func(*Socket) bool { return true })
}

// BroadcastToAuthenticated sends data to authenticated sockets.
func (r *Registry) BroadcastToAuthenticated(ctx context.Context, data []byte) int {
	return r.broadcast(ctx, data, (*Socket).Authenticated)
}

// BroadcastToSubscription sends data to authenticated sockets holding subscriptionID.
func (r *Registry) BroadcastToSubscription(ctx context.Context, subscriptionID string, data []byte) int {
	return r.broadcast(ctx, data, func(s *Socket) bool {
		return s.Authenticated() && s.HasSubscription(subscriptionID)
	})
}

// broadcast iterates a snapshot, so sockets may come and go meanwhile. Each
// send is bounded by the write timeout; a failing or stalled socket is logged
// and skipped.
func (r *Registry) broadcast(ctx context.Context, data []byte, match func(*Socket) bool) int {
	delivered := 0
	for _, s := range r.snapshot() {
		if ctx.Err() != nil {
			break
		}
		if !match(s) {
			continue
		}
		err := safeCall(func() error {
			sendCtx, cancel := context.WithTimeout(ctx, r.writeTimeout)
			defer cancel()
			return s.Send(sendCtx, data)
		})
		if err != nil {
			r.logger.Warn("registry: broadcast send failed", "socket_id", s.id, "error", err)
			continue
		}
		delivered++
	}
	return delivered
}

// Sweep closes and removes sockets that showed no sign of life since the
// previous sweep, then pings the rest. It returns the number removed.
func (r *Registry) Sweep(ctx context.Context) int {
	removed := 0
	for _, s := range r.snapshot() {
		if !s.swapAlive(false) {
			r.logger.Info("registry: heartbeat timeout", "socket_id", s.id)
			_ = s.Close(relaysession.CloseGoingAway, "heartbeat timeout")
			r.RemoveConnection(s)
			removed++
			continue
		}
		if err := s.transport.Ping(ctx); err != nil {
			r.logger.Debug("registry: ping failed", "socket_id", s.id, "error", err)
		}
	}
	return removed
}

// RunHeartbeat sweeps every HeartbeatInterval until ctx is done.
func (r *Registry) RunHeartbeat(ctx context.Context) {
	if r.cfg.HeartbeatInterval <= 0 {
		return
	}
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweepCtx, cancel := context.WithTimeout(ctx, r.cfg.HeartbeatInterval)
			r.Sweep(sweepCtx)
			cancel()
		}
	}
}

// Get returns a socket by id.
func (r *Registry) Get(id string) (*Socket, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sockets[id]
	return s, ok
}

// Len returns the number of open sockets.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sockets)
}

// Full reports whether AddConnection would refuse a new socket.
func (r *Registry) Full() bool {
	if r.cfg.MaxConnections <= 0 {
		return false
	}
	return r.Len() >= r.cfg.MaxConnections
}

func (r *Registry) Stats() Stats {
	var st Stats
	for _, s := range r.snapshot() {
		st.Connections++
		if s.Authenticated() {
			st.Authenticated++
		}
		st.Subscriptions += s.subscriptionCount()
	}
	return st
}

// CloseAll closes every socket's transport and removes it.
func (r *Registry) CloseAll(code int, reason string) {
	for _, s := range r.snapshot() {
		_ = s.Close(code, reason)
		r.RemoveConnection(s)
	}
}

// Sockets returns a snapshot of the open sockets.
func (r *Registry) Sockets() []*Socket {
	return r.snapshot()
}

func (r *Registry) snapshot() []*Socket {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Socket, 0, len(r.sockets))
	for _, s := range r.sockets {
		out = append(out, s)
	}
	return out
}

func (r *Registry) notice(ctx context.Context, s *Socket, msg string) {
	r.send(ctx, s, protocol.Notice(msg))
}

// reply sends a NIP-01 ["OK", id, accepted, message].
func (r *Registry) reply(ctx context.Context, s *Socket, eventID string, accepted bool, msg string) {
	data, err := protocol.Encode(relaysession.TypeOK, eventID, accepted, msg)
	if err != nil {
		return
	}
	r.send(ctx, s, data)
}

func (r *Registry) send(ctx context.Context, s *Socket, data []byte) {
	sendCtx, cancel := context.WithTimeout(ctx, r.writeTimeout)
	defer cancel()
	if err := s.Send(sendCtx, data); err != nil {
		r.logger.Debug("registry: send failed", "socket_id", s.id, "error", err)
	}
}

func (r *Registry) reportError(err error, s *Socket) {
	r.logger.Error("registry: handler error", "socket_id", s.id, "error", err)
	if r.handlers.OnError == nil {
		return
	}
	_ = safeCall(func() error {
		r.handlers.OnError(err, s)
		return nil
	})
}

// RemoteHost returns the host part of the socket's remote address, or the
// socket id when the address is empty.
func RemoteHost(s *Socket) string {
	if s.remoteAddr == "" {
		return s.id
	}
	if host, _, err := net.SplitHostPort(s.remoteAddr); err == nil {
		return host
	}
	return s.remoteAddr
}

// reason strips the error prefix for NOTICE text.
func reason(err error) string {
	var perr *relaysession.ProtocolError
	if errors.As(err, &perr) {
		return perr.Reason
	}
	return err.Error()
}

// safeCall runs fn and turns a panic into an error.
func safeCall(fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return fn()
}

// Package websocket serves the relay endpoint: it upgrades HTTP requests,
// registers each connection with the registry and feeds it every inbound frame.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/relaysession"
	"github.com/luciancaetano/relaysession/internal/registry"
)

// CheckOriginFn is a function that validates the origin of a WebSocket connection request.
// It receives the HTTP request and returns true if the origin is allowed, false otherwise.
type CheckOriginFn = func(r *http.Request) bool

type ServerConfig struct {
	// Addr is the listen address, e.g. ":7447".
	Addr string `mapstructure:"addr"`
	// Path of the WebSocket endpoint. Default "/".
	Path string `mapstructure:"path"`
	// ReadTimeout is how long a connection may stay silent, pongs included. Default 60s.
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	// UpgradeRateLimit throttles new connections across all clients.
	UpgradeRateLimit *UpgradeRateLimit `mapstructure:"upgrade_rate_limit"`
	// CheckOrigin defaults to gorilla's same-origin check.
	CheckOrigin CheckOriginFn `mapstructure:"-"`
	// Registry configures connection caps, challenges and the heartbeat sweep.
	Registry registry.Config `mapstructure:"registry"`
}

// UpgradeRateLimit is a token bucket over WebSocket upgrades.
type UpgradeRateLimit struct {
	// PerSecond is the sustained upgrade rate.
	PerSecond rate.Limit `mapstructure:"per_second"`
	// Burst is the token bucket capacity.
	Burst int `mapstructure:"burst"`
	// Enabled determines if throttling is active.
	Enabled bool `mapstructure:"enabled"`
}

// DefaultUpgradeRateLimit allows 100 upgrades per second with a burst of 200.
func DefaultUpgradeRateLimit() *UpgradeRateLimit {
	return &UpgradeRateLimit{
		PerSecond: 100,
		Burst:     200,
		Enabled:   true,
	}
}

// NoUpgradeRateLimit disables upgrade throttling.
func NoUpgradeRateLimit() *UpgradeRateLimit {
	return &UpgradeRateLimit{
		Enabled: false,
	}
}

// DefaultServerConfig returns the default server configuration for addr.
func DefaultServerConfig(addr string) *ServerConfig {
	return &ServerConfig{
		Addr:             addr,
		Path:             "/",
		ReadTimeout:      60 * time.Second,
		UpgradeRateLimit: DefaultUpgradeRateLimit(),
		Registry: registry.Config{
			HeartbeatInterval: 30 * time.Second,
		},
	}
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger shared by the server and its registry.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClientID sets the key sockets are rate limited under. The default is
// the remote host; relays behind a proxy can read a forwarded header instead.
func WithClientID(fn func(*registry.Socket) string) Option {
	return func(s *Server) {
		s.clientID = fn
	}
}

var _ relaysession.RelayServer = (*Server)(nil)

// Server implements relaysession.RelayServer
type Server struct {
	addr        string
	readTimeout time.Duration
	server      *http.Server
	router      chi.Router
	registry    *registry.Registry
	upgrades    *rate.Limiter
	logger      *slog.Logger
	clientID    func(*registry.Socket) string

	mu       sync.Mutex
	running  bool
	stopBeat context.CancelFunc
	upgrader websocket.Upgrader
}

// New creates a relay server. limiter may be nil to disable per-client rate
// limiting; handlers receive the traffic that passes the registry's checks.
func New(cfg *ServerConfig, limiter registry.Limiter, handlers registry.Handlers, opts ...Option) *Server {
	if cfg == nil {
		cfg = DefaultServerConfig(":7447")
	}
	d := DefaultServerConfig(cfg.Addr)
	if cfg.Path == "" {
		cfg.Path = d.Path
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = d.ReadTimeout
	}
	if cfg.UpgradeRateLimit == nil {
		cfg.UpgradeRateLimit = d.UpgradeRateLimit
	}

	s := &Server{
		addr:        cfg.Addr,
		readTimeout: cfg.ReadTimeout,
		logger:      slog.New(slog.DiscardHandler),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     cfg.CheckOrigin,
		},
	}
	for _, opt := range opts {
		opt(s)
	}

	if cfg.UpgradeRateLimit.Enabled {
		s.upgrades = rate.NewLimiter(cfg.UpgradeRateLimit.PerSecond, cfg.UpgradeRateLimit.Burst)
	}
	s.registry = registry.New(cfg.Registry, limiter, handlers,
		registry.WithLogger(s.logger),
		registry.WithClientID(s.clientID),
	)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealth)
	r.HandleFunc(cfg.Path, s.handleWebSocket)
	s.router = r

	return s
}

// Handler returns the router serving the relay endpoint and /healthz.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Registry returns the connection registry.
func (s *Server) Registry() *registry.Registry {
	return s.registry
}

// Start starts the relay server
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return relaysession.ErrServerAlreadyRunning
	}
	s.running = true
	beatCtx, cancel := context.WithCancel(context.Background())
	s.stopBeat = cancel
	s.server = &http.Server{
		Addr:    s.addr,
		Handler: s.router,
	}
	srv := s.server
	s.mu.Unlock()

	errChan := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Check for immediate startup errors with a small timeout
	select {
	case err := <-errChan:
		cancel()
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("listen %s: %w", s.addr, err)
	case <-ctx.Done():
		stopCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		return s.Stop(stopCtx)
	case <-time.After(100 * time.Millisecond):
	}

	go s.registry.RunHeartbeat(beatCtx)
	s.logger.Info("relay listening", "addr", s.addr)
	return nil
}

// Stop closes every socket and shuts the HTTP server down
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.stopBeat()
	srv := s.server
	s.mu.Unlock()

	s.registry.CloseAll(relaysession.CloseGoingAway, "server shutting down")

	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

// Broadcast sends data to every open socket
func (s *Server) Broadcast(ctx context.Context, data []byte) int {
	return s.registry.Broadcast(ctx, data)
}

// BroadcastToAuthenticated sends data to authenticated sockets
func (s *Server) BroadcastToAuthenticated(ctx context.Context, data []byte) int {
	return s.registry.BroadcastToAuthenticated(ctx, data)
}

// BroadcastToSubscription sends data to authenticated sockets holding subscriptionID
func (s *Server) BroadcastToSubscription(ctx context.Context, subscriptionID string, data []byte) int {
	return s.registry.BroadcastToSubscription(ctx, subscriptionID, data)
}

// handleWebSocket handles incoming WebSocket connections
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.upgrades != nil && !s.upgrades.Allow() {
		s.logger.Warn("upgrade throttled", "remote_addr", r.RemoteAddr)
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}
	if s.registry.Full() {
		http.Error(w, "relay is full", http.StatusServiceUnavailable)
		return
	}

	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error.
		s.logger.Debug("upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	conn := NewConn(wsConn, r.RemoteAddr)
	sock, err := s.registry.AddConnection(conn.Context(), conn, r.RemoteAddr)
	if err != nil {
		code := relaysession.ClosePolicyViolation
		if errors.Is(err, relaysession.ErrTooManyConnections) {
			code = relaysession.CloseTryAgainLater
		}
		_ = conn.Close(code, err.Error())
		return
	}

	go s.handleClient(conn, sock)
}

// handleClient reads frames from one connection until it fails
func (s *Server) handleClient(conn *Conn, sock *registry.Socket) {
	defer func() {
		s.registry.RemoveConnection(sock)
		_ = conn.Close(relaysession.CloseNormal, "")
	}()

	ws := conn.conn
	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(s.readTimeout))

	// A pong proves liveness to the heartbeat sweep and extends the read deadline.
	ws.SetPongHandler(func(string) error {
		sock.MarkAlive()
		return ws.SetReadDeadline(time.Now().Add(s.readTimeout))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Warn("unexpected close", "socket_id", sock.ID(), "error", err)
			}
			return
		}

		_ = ws.SetReadDeadline(time.Now().Add(s.readTimeout))
		sock.MarkAlive()
		s.registry.HandleMessage(conn.Context(), sock, data)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.registry.Stats()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":        "ok",
		"connections":   st.Connections,
		"authenticated": st.Authenticated,
		"subscriptions": st.Subscriptions,
	})
}

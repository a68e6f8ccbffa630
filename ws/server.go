package ws

import (
	"log/slog"
	"net/http"

	"github.com/luciancaetano/relaysession/internal/protocol"
	"github.com/luciancaetano/relaysession/internal/ratelimit"
	"github.com/luciancaetano/relaysession/internal/registry"
	"github.com/luciancaetano/relaysession/internal/websocket"
)

type ServerConfig = *websocket.ServerConfig
type UpgradeRateLimit = websocket.UpgradeRateLimit
type CheckOriginFn = websocket.CheckOriginFn
type Server = websocket.Server

type Handlers = registry.Handlers
type Socket = registry.Socket
type Envelope = protocol.Envelope
type RegistryConfig = registry.Config

type Limiter = ratelimit.Limiter
type LimiterConfig = ratelimit.Config
type Policy = ratelimit.Policy

// NewServer creates a relay server.
//
// Parameters:
//   - cfg: Server configuration. Use NewServerConfig for defaults.
//   - limiter: Per-client rate limiter, or nil to accept everything. Use NewLimiter.
//   - handlers: Application callbacks. Nil fields are no-ops.
//   - logger: Structured logger, or nil to discard logs.
//
// Example:
//
//	limiter, _ := ws.NewLimiter(ws.DefaultLimiterConfig(), logger)
//	server := ws.NewServer(ws.NewServerConfig(":7447"), limiter, ws.Handlers{
//	    OnMessage: func(ctx context.Context, s *ws.Socket, env ws.Envelope) error {
//	        log.Printf("%s from %s", env.Type, s.Identity())
//	        return nil
//	    },
//	}, logger)
//	server.Start(ctx)
func NewServer(cfg ServerConfig, limiter *Limiter, handlers Handlers, logger *slog.Logger) *Server {
	var l registry.Limiter
	if limiter != nil {
		l = limiter
	}
	return websocket.New(cfg, l, handlers, websocket.WithLogger(logger))
}

// NewServerConfig returns the default server configuration listening on addr.
func NewServerConfig(addr string) ServerConfig {
	return websocket.DefaultServerConfig(addr)
}

// AllOrigins returns a checkOrigin function that allows all origins
func AllOrigins() CheckOriginFn {
	return func(r *http.Request) bool {
		return true
	}
}

// DefaultUpgradeRateLimit returns the default upgrade throttle
func DefaultUpgradeRateLimit() *UpgradeRateLimit {
	return websocket.DefaultUpgradeRateLimit()
}

// NoUpgradeRateLimit returns a configuration with upgrade throttling disabled
func NoUpgradeRateLimit() *UpgradeRateLimit {
	return websocket.NoUpgradeRateLimit()
}

// NewLimiter builds a per-client rate limiter.
func NewLimiter(cfg LimiterConfig, logger *slog.Logger) (*Limiter, error) {
	return ratelimit.New(cfg, ratelimit.WithLogger(logger))
}

// DefaultLimiterConfig returns the default EVENT, REQ and AUTH policies.
func DefaultLimiterConfig() LimiterConfig {
	return ratelimit.DefaultConfig()
}

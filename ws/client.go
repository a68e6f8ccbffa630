package ws

import (
	"log/slog"

	"github.com/luciancaetano/relaysession"
	"github.com/luciancaetano/relaysession/internal/queue"
	"github.com/luciancaetano/relaysession/internal/session"
	"github.com/luciancaetano/relaysession/internal/transport"
)

type Client = session.Machine
type ClientConfig = session.Config
type ClientOption = session.Option
type State = session.State
type Priority = queue.Priority
type QueueConfig = queue.Config
type BreakerConfig = transport.BreakerConfig

const (
	StateDisconnected = session.StateDisconnected
	StateConnecting   = session.StateConnecting
	StateConnected    = session.StateConnected
	StateReconnecting = session.StateReconnecting
	StateFailed       = session.StateFailed

	PriorityHigh   = queue.PriorityHigh
	PriorityNormal = queue.PriorityNormal
	PriorityLow    = queue.PriorityLow
)

var (
	WithLogger         = session.WithLogger
	WithStateHandler   = session.WithStateHandler
	WithMessageHandler = session.WithMessageHandler
	WithErrorHandler   = session.WithErrorHandler
)

// NewClient creates a disconnected client for url using gorilla/websocket.
// Call Connect to start dialing.
//
// Example:
//
//	client, _ := ws.NewClient(ws.NewClientConfig("wss://relay.example"),
//	    ws.WithMessageHandler(func(data []byte) { log.Printf("%s", data) }))
//	client.Connect()
//	client.Send([]byte(`["REQ","feed",{"kinds":[1]}]`))
func NewClient(cfg ClientConfig, opts ...ClientOption) (*Client, error) {
	return NewClientWithDialer(cfg, &transport.GorillaDialer{}, opts...)
}

// NewClientWithDialer creates a client that opens connections with dialer.
func NewClientWithDialer(cfg ClientConfig, dialer relaysession.Dialer, opts ...ClientOption) (*Client, error) {
	return session.New(cfg, dialer, opts...)
}

// NewClientConfig returns the default client configuration for url.
func NewClientConfig(url string) ClientConfig {
	return session.DefaultConfig(url)
}

// GorillaDialer returns a dialer backed by gorilla/websocket.
func GorillaDialer(logger *slog.Logger) relaysession.Dialer {
	return &transport.GorillaDialer{Logger: logger}
}

// CoderDialer returns a dialer backed by coder/websocket.
func CoderDialer(logger *slog.Logger) relaysession.Dialer {
	return &transport.CoderDialer{Logger: logger}
}

// WithCircuitBreaker wraps dialer so repeated dial failures fail fast.
func WithCircuitBreaker(dialer relaysession.Dialer, cfg BreakerConfig, logger *slog.Logger) relaysession.Dialer {
	return transport.NewBreakerDialer(dialer, cfg, logger)
}

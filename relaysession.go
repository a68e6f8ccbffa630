package relaysession

import (
	"context"
	"net/http"
	"time"
)

// Transport is a single live socket, the handle the session layer sends through.
//
// Implementations must allow Send, Ping and Close to be called concurrently.
// Inbound traffic is not pulled from a Transport: it is pushed to the
// [TransportEvents] given to the [Dialer] that opened it.
//
// Example usage:
//
//	t, err := dialer.Dial(ctx, "wss://relay.example.com", relaysession.TransportEvents{
//	    OnMessage: func(data []byte) { log.Printf("got %s", data) },
//	})
//	if err != nil {
//	    return err
//	}
//	t.Send(ctx, []byte(`["REQ","sub1",{}]`))
type Transport interface {
	// Send writes one text frame.
	//
	// Returns an error if the socket is closed or the write fails. A failed
	// Send does not close the transport by itself.
	Send(ctx context.Context, data []byte) error

	// Ping writes a transport-level ping frame. The matching pong is reported
	// through TransportEvents.OnPong.
	Ping(ctx context.Context) error

	// Close closes the socket with a WebSocket close code and reason.
	//
	// Common close codes:
	//   - 1000: Normal closure
	//   - 1001: Endpoint going away
	//   - 1008: Policy violation
	//
	// Close is idempotent.
	Close(code int, reason string) error
}

// TransportEvents receives the inbound events of one [Transport].
//
// A transport invokes at most one callback per event occurrence, in occurrence
// order and one at a time. Nil callbacks are skipped.
type TransportEvents struct {
	// OnMessage is called for every inbound data frame.
	OnMessage func(data []byte)

	// OnPing is called when the peer pings us. The transport answers the ping itself.
	OnPing func()

	// OnPong is called when the peer answers one of our pings.
	OnPong func()

	// OnClose is called exactly once, when the read side of the socket ends,
	// whether the peer closed it, the network failed or Close was called locally.
	OnClose func(code int, reason string)

	// OnError is called for read errors that are not a clean close frame,
	// right before OnClose.
	OnError func(err error)
}

// Message invokes OnMessage when set.
func (e TransportEvents) Message(data []byte) {
	if e.OnMessage != nil {
		e.OnMessage(data)
	}
}

// Ping invokes OnPing when set.
func (e TransportEvents) Ping() {
	if e.OnPing != nil {
		e.OnPing()
	}
}

// Pong invokes OnPong when set.
func (e TransportEvents) Pong() {
	if e.OnPong != nil {
		e.OnPong()
	}
}

// Closed invokes OnClose when set.
func (e TransportEvents) Closed(code int, reason string) {
	if e.OnClose != nil {
		e.OnClose(code, reason)
	}
}

// Error invokes OnError when set.
func (e TransportEvents) Error(err error) {
	if e.OnError != nil {
		e.OnError(err)
	}
}

// Dialer opens client-side transports.
//
// Dial must honour ctx: the session layer bounds every attempt with its
// connection timeout and treats an expired context as a failed attempt.
type Dialer interface {
	Dial(ctx context.Context, url string, events TransportEvents) (Transport, error)
}

// DialerFunc adapts a function to the [Dialer] interface.
type DialerFunc func(ctx context.Context, url string, events TransportEvents) (Transport, error)

// Dial implements [Dialer].
func (f DialerFunc) Dial(ctx context.Context, url string, events TransportEvents) (Transport, error) {
	return f(ctx, url, events)
}

// Socket is a server-side connection as seen by relay handlers.
//
// Each socket has a unique identifier, an authentication state driven by
// NIP-42 AUTH messages and a set of active subscription ids.
type Socket interface {
	// ID returns the unique identifier generated when the socket connected.
	ID() string

	// RemoteAddr returns the peer address, typically "IP:port".
	RemoteAddr() string

	// ConnectedAt returns the time the socket was registered.
	ConnectedAt() time.Time

	// Authenticated reports whether an AUTH message was accepted on this socket.
	Authenticated() bool

	// Identity returns the public key recorded by the accepted AUTH message,
	// or "" before authentication.
	Identity() string

	// Subscriptions returns a snapshot of the active subscription ids.
	Subscriptions() []string

	// HasSubscription reports whether the socket holds the subscription id.
	HasSubscription(id string) bool

	// Send writes raw bytes to the socket.
	Send(ctx context.Context, data []byte) error

	// Close closes the socket with a close code and reason.
	Close(code int, reason string) error
}

// RelayServer defines the server side of the session layer.
//
// Example usage:
//
//	server := ws.NewServer(ws.NewServerConfig(":7447"), limiter, ws.Handlers{
//	    OnMessage: func(ctx context.Context, s *ws.Socket, env ws.Envelope) error {
//	        return nil
//	    },
//	}, logger)
//	server.Start(ctx)
type RelayServer interface {
	// Start starts listening for connections.
	//
	// Returns an error if the server is already running or if there's a problem
	// binding to the network address.
	Start(ctx context.Context) error

	// Stop closes all sockets and shuts the HTTP server down.
	Stop(ctx context.Context) error

	// Handler returns the HTTP handler serving the relay endpoint, for
	// embedding the relay in an existing HTTP server.
	Handler() http.Handler

	// Broadcast sends data to every open socket and returns the number of
	// sockets that accepted it.
	Broadcast(ctx context.Context, data []byte) int

	// BroadcastToAuthenticated sends data to authenticated sockets only.
	BroadcastToAuthenticated(ctx context.Context, data []byte) int

	// BroadcastToSubscription sends data to authenticated sockets holding
	// the subscription id.
	BroadcastToSubscription(ctx context.Context, subscriptionID string, data []byte) int
}

// Package relaysession provides the connection/session layer between Nostr
// clients and relays over WebSocket.
//
// The root package holds the shared contracts: [Transport] and [Dialer] for
// the client side, [Socket] and [RelayServer] for the relay side, the envelope
// type tags and the error types. Implementations live in internal packages
// and are re-exported through the ws package.
//
// # Client
//
// A client is a state machine over one relay URL:
//
//	DISCONNECTED -> CONNECTING -> CONNECTED -> RECONNECTING -> ... -> FAILED
//
// Outbound frames go through a priority queue (AUTH and CLOSE first, REQ and
// EVENT next, everything else last) that is paused while the client is not
// CONNECTED and retries the head frame with backoff. A missing pong within
// one heartbeat interval tears the connection down and schedules a reconnect.
//
//	client, _ := ws.NewClient(ws.NewClientConfig("wss://relay.example"),
//	    ws.WithMessageHandler(func(data []byte) { log.Printf("%s", data) }))
//	client.Connect()
//	client.Send([]byte(`["REQ","feed",{"kinds":[1]}]`))
//
// # Relay
//
// The relay side accepts sockets, optionally sends a NIP-42 challenge, and
// runs every inbound frame through decode, per-client rate limiting and the
// authentication gate before it reaches the application's OnMessage handler.
// Rejections are answered with a NOTICE and never close the socket.
//
//	limiter, _ := ws.NewLimiter(ws.DefaultLimiterConfig(), logger)
//	server := ws.NewServer(ws.NewServerConfig(":7447"), limiter, ws.Handlers{
//	    OnMessage: func(ctx context.Context, s *ws.Socket, env ws.Envelope) error {
//	        return nil
//	    },
//	}, logger)
//	server.Start(ctx)
//
// # Wire format
//
// Every frame is a JSON array whose first element is the type tag:
//
//	["EVENT", {...}]   ["REQ", "sub", {...}]   ["CLOSE", "sub"]
//	["AUTH", {...}]    ["OK", id, true, ""]    ["NOTICE", "invalid: ..."]
//
// Signatures are not verified by this package.
package relaysession

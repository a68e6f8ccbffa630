package ws_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/luciancaetano/relaysession"
	"github.com/luciancaetano/relaysession/internal/protocol"
	"github.com/luciancaetano/relaysession/ws"
)

func authFrame(t *testing.T) []byte {
	t.Helper()
	data, err := protocol.Encode(relaysession.TypeAuth, protocol.AuthEvent{
		ID:        strings.Repeat("ab", 32),
		PubKey:    strings.Repeat("02", 32),
		CreatedAt: time.Now().Unix(),
		Kind:      relaysession.AuthEventKind,
		Sig:       strings.Repeat("cd", 64),
	})
	if err != nil {
		t.Fatalf("encode AUTH: %v", err)
	}
	return data
}

// TestClientServerRoundTrip subscribes through the facade and receives a broadcast.
func TestClientServerRoundTrip(t *testing.T) {
	t.Parallel()

	limiter, err := ws.NewLimiter(ws.DefaultLimiterConfig(), nil)
	if err != nil {
		t.Fatalf("NewLimiter: %v", err)
	}

	subscribed := make(chan string, 1)
	cfg := ws.NewServerConfig("")
	cfg.CheckOrigin = ws.AllOrigins()
	cfg.Registry.SendChallenge = false
	server := ws.NewServer(cfg, limiter, ws.Handlers{
		OnMessage: func(ctx context.Context, s *ws.Socket, env ws.Envelope) error {
			if env.Type == relaysession.TypeReq {
				id, _ := env.String(0)
				subscribed <- id
			}
			return nil
		},
	}, nil)
	srv := httptest.NewServer(server.Handler())
	defer srv.Close()

	received := make(chan string, 8)
	client, err := ws.NewClient(ws.NewClientConfig("ws"+strings.TrimPrefix(srv.URL, "http")),
		ws.WithMessageHandler(func(data []byte) { received <- string(data) }))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer client.Close()

	if err := client.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := client.Send(authFrame(t)); err != nil {
		t.Fatalf("Send AUTH: %v", err)
	}
	if err := client.Send([]byte(`["REQ","feed",{}]`)); err != nil {
		t.Fatalf("Send REQ: %v", err)
	}

	select {
	case id := <-subscribed:
		if id != "feed" {
			t.Fatalf("subscription id = %q, want feed", id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("REQ never reached the server")
	}

	if n := server.BroadcastToSubscription(context.Background(), "feed", []byte(`["EOSE","feed"]`)); n != 1 {
		t.Fatalf("broadcast delivered to %d sockets, want 1", n)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case msg := <-received:
			if msg == `["EOSE","feed"]` {
				if st := client.State(); st != ws.StateConnected {
					t.Errorf("state = %s, want CONNECTED", st)
				}
				return
			}
		case <-deadline:
			t.Fatal("broadcast never reached the client")
		}
	}
}

package websocket

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"

	"github.com/luciancaetano/relaysession"
	"github.com/luciancaetano/relaysession/internal/protocol"
	"github.com/luciancaetano/relaysession/internal/registry"
)

// TestStressSubscribersFanOut connects many subscribers and checks every one
// receives every published event.
func TestStressSubscribersFanOut(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping stress test in short mode")
	}

	const numClients = 500
	const numEvents = 20

	cfg := DefaultServerConfig("")
	cfg.UpgradeRateLimit = NoUpgradeRateLimit()
	cfg.Registry.SendChallenge = false
	cfg.Registry.MaxConnections = numClients

	subscribed := make(chan struct{}, numClients)
	server := New(cfg, nil, registry.Handlers{
		OnMessage: func(ctx context.Context, s *registry.Socket, env protocol.Envelope) error {
			if env.Type == relaysession.TypeReq {
				subscribed <- struct{}{}
			}
			return nil
		},
	})
	srv := httptest.NewServer(server.Handler())
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	auth, err := protocol.Encode(relaysession.TypeAuth, protocol.AuthEvent{
		ID:     strings.Repeat("ab", 32),
		PubKey: strings.Repeat("01", 32),
		Kind:   relaysession.AuthEventKind,
		Sig:    strings.Repeat("cd", 64),
	})
	if err != nil {
		t.Fatalf("encode AUTH: %v", err)
	}

	var (
		connected int64
		failed    int64
		received  int64
		wg        sync.WaitGroup
	)

	startTime := time.Now()
	conns := make([]*gorilla.Conn, 0, numClients)
	var connsMu sync.Mutex

	for i := 0; i < numClients; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, _, err := gorilla.DefaultDialer.Dial(url, nil)
			if err != nil {
				atomic.AddInt64(&failed, 1)
				return
			}
			if err := conn.WriteMessage(gorilla.TextMessage, auth); err != nil {
				atomic.AddInt64(&failed, 1)
				conn.Close()
				return
			}
			if err := conn.WriteMessage(gorilla.TextMessage, []byte(`["REQ","feed",{}]`)); err != nil {
				atomic.AddInt64(&failed, 1)
				conn.Close()
				return
			}
			atomic.AddInt64(&connected, 1)
			connsMu.Lock()
			conns = append(conns, conn)
			connsMu.Unlock()
		}()
	}
	wg.Wait()
	defer func() {
		for _, c := range conns {
			c.Close()
		}
	}()

	if failed > 0 {
		t.Fatalf("%d of %d connections failed", failed, numClients)
	}
	for i := 0; i < numClients; i++ {
		select {
		case <-subscribed:
		case <-time.After(30 * time.Second):
			t.Fatalf("only %d of %d subscriptions registered", i, numClients)
		}
	}

	for _, conn := range conns {
		wg.Add(1)
		go func(conn *gorilla.Conn) {
			defer wg.Done()
			if err := conn.SetReadDeadline(time.Now().Add(30 * time.Second)); err != nil {
				return
			}
			for n := 0; n < numEvents; {
				_, data, err := conn.ReadMessage()
				if err != nil {
					return
				}
				// Skip the AUTH acknowledgement.
				if strings.HasPrefix(string(data), `["EVENT"`) {
					atomic.AddInt64(&received, 1)
					n++
				}
			}
		}(conn)
	}

	event := []byte(`["EVENT","feed",{"kind":1,"content":"stress"}]`)
	for i := 0; i < numEvents; i++ {
		if n := server.BroadcastToSubscription(context.Background(), "feed", event); n != numClients {
			t.Errorf("broadcast %d reached %d sockets, want %d", i, n, numClients)
		}
	}
	wg.Wait()

	elapsed := time.Since(startTime)
	t.Logf("clients=%d connected=%d events=%d received=%d elapsed=%s",
		numClients, connected, numEvents, received, elapsed)

	if want := int64(numClients * numEvents); received != want {
		t.Fatalf("received %d events, want %d", received, want)
	}
}

package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/luciancaetano/relaysession"
)

var _ relaysession.Socket = (*Socket)(nil)

// Socket is a registered server-side connection with its authentication and
// subscription state.
type Socket struct {
	id          string
	remoteAddr  string
	connectedAt time.Time
	challenge   string
	clientID    string
	transport   relaysession.Transport

	mu            sync.RWMutex
	authenticated bool
	identity      string
	subscriptions map[string]struct{}
	alive         bool
}

func newSocket(id string, t relaysession.Transport, remoteAddr string, now time.Time) *Socket {
	return &Socket{
		id:            id,
		remoteAddr:    remoteAddr,
		connectedAt:   now,
		transport:     t,
		subscriptions: make(map[string]struct{}),
		alive:         true,
	}
}

// ID returns a unique identifier for the socket
func (s *Socket) ID() string {
	return s.id
}

// RemoteAddr returns the peer network address
func (s *Socket) RemoteAddr() string {
	return s.remoteAddr
}

// ConnectedAt returns the registration time
func (s *Socket) ConnectedAt() time.Time {
	return s.connectedAt
}

// ClientID returns the key the rate limiter tracks this socket under.
func (s *Socket) ClientID() string {
	return s.clientID
}

// Challenge returns the NIP-42 challenge sent on connect, or "".
func (s *Socket) Challenge() string {
	return s.challenge
}

func (s *Socket) Authenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.authenticated
}

func (s *Socket) Identity() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity
}

// Subscriptions returns the active subscription ids, sorted.
func (s *Socket) Subscriptions() []string {
	s.mu.RLock()
	ids := make([]string, 0, len(s.subscriptions))
	for id := range s.subscriptions {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

func (s *Socket) HasSubscription(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.subscriptions[id]
	return ok
}

// Send writes data to the underlying transport
func (s *Socket) Send(ctx context.Context, data []byte) error {
	return s.transport.Send(ctx, data)
}

// Close closes the underlying transport. The registry entry is removed by
// RemoveConnection once the transport reports the close.
func (s *Socket) Close(code int, reason string) error {
	return s.transport.Close(code, reason)
}

// MarkAlive records a pong (or any other sign of life) since the last sweep.
func (s *Socket) MarkAlive() {
	s.mu.Lock()
	s.alive = true
	s.mu.Unlock()
}

// swapAlive sets alive to v and returns the previous value.
func (s *Socket) swapAlive(v bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.alive
	s.alive = v
	return prev
}

func (s *Socket) authenticate(identity string) {
	s.mu.Lock()
	s.authenticated = true
	s.identity = identity
	s.mu.Unlock()
}

func (s *Socket) subscribe(id string) {
	s.mu.Lock()
	s.subscriptions[id] = struct{}{}
	s.mu.Unlock()
}

func (s *Socket) unsubscribe(id string) {
	s.mu.Lock()
	delete(s.subscriptions, id)
	s.mu.Unlock()
}

func (s *Socket) subscriptionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subscriptions)
}

// Package ratelimit implements a per-client, per-message-type sliding window
// limiter with penalty blocking.
//
// A client that reaches the request ceiling of a window is blocked for the
// policy's BlockDuration; while blocked, every message of every type is
// limited. Client state lives in a size-bounded LRU and idle clients are
// pruned, so memory stays bounded no matter how many ids pass through.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/luciancaetano/relaysession"
)

// Unlimited is reported by RemainingRequests for type tags without a policy.
const Unlimited = -1

var ErrBadPolicy = errors.New("ratelimit: invalid policy")

// Policy is the sliding window for one message type.
type Policy struct {
	// Window is the trailing interval requests are counted over.
	Window time.Duration `mapstructure:"window"`
	// MaxRequests allowed inside Window.
	MaxRequests int `mapstructure:"max_requests"`
	// BlockDuration is the penalty once MaxRequests is reached.
	BlockDuration time.Duration `mapstructure:"block_duration"`
}

func (p Policy) validate() error {
	if p.Window <= 0 || p.MaxRequests <= 0 || p.BlockDuration < 0 {
		return fmt.Errorf("%w: window=%s max_requests=%d block=%s", ErrBadPolicy, p.Window, p.MaxRequests, p.BlockDuration)
	}
	return nil
}

// DefaultPolicies returns the relay defaults for EVENT, REQ and AUTH.
func DefaultPolicies() map[string]Policy {
	return map[string]Policy{
		relaysession.TypeEvent: {Window: time.Minute, MaxRequests: 60, BlockDuration: 5 * time.Minute},
		relaysession.TypeReq:   {Window: time.Minute, MaxRequests: 30, BlockDuration: 5 * time.Minute},
		relaysession.TypeAuth:  {Window: 5 * time.Minute, MaxRequests: 10, BlockDuration: 15 * time.Minute},
	}
}

// Config defines the limiter policies and memory bounds.
type Config struct {
	// Policies maps a type tag to its window.
	Policies map[string]Policy
	// Default applies to type tags missing from Policies. Nil leaves them unlimited.
	Default *Policy
	// MaxClients caps the tracked clients; the least recently seen is evicted. Default 10000.
	MaxClients int
	// IdleTTL is how long an unblocked client may stay silent before Prune forgets it. Default 30m.
	IdleTTL time.Duration
}

// DefaultConfig returns the default limiter configuration.
func DefaultConfig() Config {
	return Config{
		Policies:   DefaultPolicies(),
		MaxClients: 10000,
		IdleTTL:    30 * time.Minute,
	}
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// WithLogger sets the logger used for block and eviction events.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) {
		if logger != nil {
			l.logger = logger
		}
	}
}

type clientState struct {
	requests     map[string][]time.Time
	blockedUntil time.Time
	lastSeen     time.Time
}

// Limiter is safe for concurrent use. Every decision runs under one mutex so
// check-and-record is atomic per call.
type Limiter struct {
	cfg    Config
	now    func() time.Time
	logger *slog.Logger

	mu      sync.Mutex
	clients *lru.Cache[string, *clientState]
}

// New validates cfg and builds a limiter.
func New(cfg Config, opts ...Option) (*Limiter, error) {
	d := DefaultConfig()
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = d.MaxClients
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = d.IdleTTL
	}
	for tag, p := range cfg.Policies {
		if err := p.validate(); err != nil {
			return nil, fmt.Errorf("policy %s: %w", tag, err)
		}
	}
	if cfg.Default != nil {
		if err := cfg.Default.validate(); err != nil {
			return nil, fmt.Errorf("default policy: %w", err)
		}
	}

	l := &Limiter{
		cfg:    cfg,
		now:    time.Now,
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(l)
	}

	clients, err := lru.NewWithEvict[string, *clientState](cfg.MaxClients, func(id string, st *clientState) {
		l.logger.Debug("ratelimit: evicting client state", "client_id", id)
	})
	if err != nil {
		return nil, err
	}
	l.clients = clients
	return l, nil
}

func (l *Limiter) policy(typeTag string) (Policy, bool) {
	if p, ok := l.cfg.Policies[typeTag]; ok {
		return p, true
	}
	if l.cfg.Default != nil {
		return *l.cfg.Default, true
	}
	return Policy{}, false
}

// ShouldLimit records one message of typeTag from clientID and reports
// whether it must be rejected.
func (l *Limiter) ShouldLimit(clientID, typeTag string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	p, limited := l.policy(typeTag)

	st, ok := l.clients.Get(clientID)
	if !ok {
		if !limited {
			return false
		}
		st = &clientState{requests: make(map[string][]time.Time)}
		l.clients.Add(clientID, st)
	}
	st.lastSeen = now

	if now.Before(st.blockedUntil) {
		return true
	}
	if !limited {
		return false
	}

	valid := prune(st.requests[typeTag], now.Add(-p.Window))
	if len(valid) >= p.MaxRequests {
		st.requests[typeTag] = valid
		st.blockedUntil = now.Add(p.BlockDuration)
		l.logger.Warn("ratelimit: client blocked",
			"client_id", clientID, "type", typeTag, "count", len(valid), "until", st.blockedUntil)
		return true
	}
	st.requests[typeTag] = append(valid, now)
	return false
}

// RecordRequest counts one message without deciding, e.g. to pre-seed a
// client from a replay.
func (l *Limiter) RecordRequest(clientID, typeTag string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	st, ok := l.clients.Get(clientID)
	if !ok {
		st = &clientState{requests: make(map[string][]time.Time)}
		l.clients.Add(clientID, st)
	}
	st.lastSeen = now

	if p, ok := l.policy(typeTag); ok {
		st.requests[typeTag] = append(prune(st.requests[typeTag], now.Add(-p.Window)), now)
		return
	}
	st.requests[typeTag] = append(st.requests[typeTag], now)
}

// RemainingRequests reports how many more messages of typeTag fit in the
// current window. It never changes the block state.
func (l *Limiter) RemainingRequests(clientID, typeTag string) int {
	p, ok := l.policy(typeTag)
	if !ok {
		return Unlimited
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.clients.Peek(clientID)
	if !ok {
		return p.MaxRequests
	}
	valid := prune(st.requests[typeTag], l.now().Add(-p.Window))
	st.requests[typeTag] = valid
	return max(0, p.MaxRequests-len(valid))
}

// BlockedUntil returns the end of the client's current block, if any.
func (l *Limiter) BlockedUntil(clientID string) (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.clients.Peek(clientID)
	if !ok || !l.now().Before(st.blockedUntil) {
		return time.Time{}, false
	}
	return st.blockedUntil, true
}

// Reset forgets everything about clientID.
func (l *Limiter) Reset(clientID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.clients.Remove(clientID)
}

// Len returns the number of tracked clients.
func (l *Limiter) Len() int {
	return l.clients.Len()
}

// Prune forgets clients idle for longer than IdleTTL whose block has expired,
// and trims the windows of the others. It returns the number of clients removed.
func (l *Limiter) Prune() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for _, id := range l.clients.Keys() {
		st, ok := l.clients.Peek(id)
		if !ok {
			continue
		}
		if now.Sub(st.lastSeen) > l.cfg.IdleTTL && !now.Before(st.blockedUntil) {
			l.clients.Remove(id)
			removed++
			continue
		}
		for typeTag, ts := range st.requests {
			p, ok := l.policy(typeTag)
			if !ok {
				delete(st.requests, typeTag)
				continue
			}
			if valid := prune(ts, now.Add(-p.Window)); len(valid) == 0 {
				delete(st.requests, typeTag)
			} else {
				st.requests[typeTag] = valid
			}
		}
	}
	return removed
}

// Run prunes every interval until ctx is done.
func (l *Limiter) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := l.Prune(); n > 0 {
				l.logger.Debug("ratelimit: pruned idle clients", "removed", n, "remaining", l.Len())
			}
		}
	}
}

// prune drops timestamps at or before cutoff. ts is ordered, so the kept
// suffix is returned without copying.
func prune(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	return ts[i:]
}

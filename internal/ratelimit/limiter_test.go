package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luciancaetano/relaysession"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(1700000000, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(t *testing.T, cfg Config) (*Limiter, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	l, err := New(cfg, WithClock(clock.Now))
	require.NoError(t, err)
	return l, clock
}

func TestDefaultPolicies(t *testing.T) {
	t.Parallel()

	p := DefaultPolicies()
	assert.Equal(t, Policy{Window: time.Minute, MaxRequests: 60, BlockDuration: 5 * time.Minute}, p[relaysession.TypeEvent])
	assert.Equal(t, Policy{Window: time.Minute, MaxRequests: 30, BlockDuration: 5 * time.Minute}, p[relaysession.TypeReq])
	assert.Equal(t, Policy{Window: 5 * time.Minute, MaxRequests: 10, BlockDuration: 15 * time.Minute}, p[relaysession.TypeAuth])
}

// The first MaxRequests calls pass, the next one blocks for BlockDuration.
func TestShouldLimitBlocksAtCeiling(t *testing.T) {
	t.Parallel()

	for tag, p := range DefaultPolicies() {
		t.Run(tag, func(t *testing.T) {
			t.Parallel()

			l, clock := newTestLimiter(t, DefaultConfig())

			for i := 0; i < p.MaxRequests; i++ {
				require.False(t, l.ShouldLimit("c1", tag), "call %d", i+1)
			}
			require.True(t, l.ShouldLimit("c1", tag))

			until, blocked := l.BlockedUntil("c1")
			require.True(t, blocked)
			assert.Equal(t, clock.Now().Add(p.BlockDuration), until)

			// Other clients are unaffected.
			assert.False(t, l.ShouldLimit("c2", tag))
		})
	}
}

func TestShouldLimitBlockCoversAllTypes(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Policies = map[string]Policy{
		relaysession.TypeEvent: {Window: time.Minute, MaxRequests: 1, BlockDuration: time.Minute},
	}
	l, _ := newTestLimiter(t, cfg)

	require.False(t, l.ShouldLimit("c1", relaysession.TypeEvent))
	require.True(t, l.ShouldLimit("c1", relaysession.TypeEvent))

	assert.True(t, l.ShouldLimit("c1", relaysession.TypeClose), "blocked clients are limited on every type")
	assert.False(t, l.ShouldLimit("c2", relaysession.TypeClose))
}

// Once the block and the window are over, the client is allowed again.
func TestShouldLimitBlockExpires(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Policies = map[string]Policy{
		relaysession.TypeEvent: {Window: time.Minute, MaxRequests: 3, BlockDuration: 5 * time.Minute},
	}
	l, clock := newTestLimiter(t, cfg)

	for i := 0; i < 3; i++ {
		require.False(t, l.ShouldLimit("c1", relaysession.TypeEvent))
	}
	require.True(t, l.ShouldLimit("c1", relaysession.TypeEvent))

	clock.Advance(4 * time.Minute)
	assert.True(t, l.ShouldLimit("c1", relaysession.TypeEvent), "still blocked")

	clock.Advance(time.Minute)
	assert.False(t, l.ShouldLimit("c1", relaysession.TypeEvent))
	_, blocked := l.BlockedUntil("c1")
	assert.False(t, blocked)
}

// Old timestamps slide out of the window.
func TestShouldLimitSlidingWindow(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Policies = map[string]Policy{
		relaysession.TypeReq: {Window: 10 * time.Second, MaxRequests: 2, BlockDuration: time.Minute},
	}
	l, clock := newTestLimiter(t, cfg)

	require.False(t, l.ShouldLimit("c1", relaysession.TypeReq)) // t=0
	clock.Advance(6 * time.Second)
	require.False(t, l.ShouldLimit("c1", relaysession.TypeReq)) // t=6
	clock.Advance(5 * time.Second)
	// t=11: the t=0 request left the window.
	require.False(t, l.ShouldLimit("c1", relaysession.TypeReq))
	assert.Equal(t, 0, l.RemainingRequests("c1", relaysession.TypeReq))
}

func TestUnlimitedTypes(t *testing.T) {
	t.Parallel()

	l, _ := newTestLimiter(t, DefaultConfig())

	for i := 0; i < 1000; i++ {
		require.False(t, l.ShouldLimit("c1", relaysession.TypeClose))
	}
	assert.Equal(t, Unlimited, l.RemainingRequests("c1", relaysession.TypeClose))
	assert.Zero(t, l.Len(), "unlimited traffic does not allocate client state")
}

func TestDefaultPolicyApplies(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Default = &Policy{Window: time.Minute, MaxRequests: 2, BlockDuration: time.Minute}
	l, _ := newTestLimiter(t, cfg)

	require.False(t, l.ShouldLimit("c1", relaysession.TypeCount))
	require.False(t, l.ShouldLimit("c1", relaysession.TypeCount))
	assert.True(t, l.ShouldLimit("c1", relaysession.TypeCount))
}

func TestRemainingRequests(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Policies = map[string]Policy{
		relaysession.TypeEvent: {Window: time.Minute, MaxRequests: 3, BlockDuration: time.Minute},
	}
	l, _ := newTestLimiter(t, cfg)

	assert.Equal(t, 3, l.RemainingRequests("c1", relaysession.TypeEvent))
	l.ShouldLimit("c1", relaysession.TypeEvent)
	assert.Equal(t, 2, l.RemainingRequests("c1", relaysession.TypeEvent))
	l.RecordRequest("c1", relaysession.TypeEvent)
	l.RecordRequest("c1", relaysession.TypeEvent)
	l.RecordRequest("c1", relaysession.TypeEvent)
	assert.Equal(t, 0, l.RemainingRequests("c1", relaysession.TypeEvent))

	_, blocked := l.BlockedUntil("c1")
	assert.False(t, blocked, "RecordRequest and RemainingRequests never block")
	assert.True(t, l.ShouldLimit("c1", relaysession.TypeEvent))
}

func TestReset(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Policies = map[string]Policy{
		relaysession.TypeEvent: {Window: time.Minute, MaxRequests: 1, BlockDuration: time.Hour},
	}
	l, _ := newTestLimiter(t, cfg)

	l.ShouldLimit("c1", relaysession.TypeEvent)
	require.True(t, l.ShouldLimit("c1", relaysession.TypeEvent))

	l.Reset("c1")
	assert.False(t, l.ShouldLimit("c1", relaysession.TypeEvent))
}

func TestPruneEvictsIdleClients(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.IdleTTL = 10 * time.Minute
	cfg.Policies = map[string]Policy{
		relaysession.TypeEvent: {Window: time.Minute, MaxRequests: 1, BlockDuration: time.Hour},
	}
	l, clock := newTestLimiter(t, cfg)

	l.ShouldLimit("idle", relaysession.TypeEvent)
	l.ShouldLimit("blocked", relaysession.TypeEvent)
	l.ShouldLimit("blocked", relaysession.TypeEvent)
	require.Equal(t, 2, l.Len())

	clock.Advance(11 * time.Minute)
	l.ShouldLimit("active", relaysession.TypeEvent)

	assert.Equal(t, 1, l.Prune())
	assert.Equal(t, 2, l.Len())
	_, blocked := l.BlockedUntil("blocked")
	assert.True(t, blocked, "blocked clients survive pruning")
}

func TestMaxClientsBound(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.MaxClients = 5
	l, _ := newTestLimiter(t, cfg)

	for i := 0; i < 20; i++ {
		l.ShouldLimit(fmt.Sprintf("c%d", i), relaysession.TypeEvent)
	}
	assert.Equal(t, 5, l.Len())
}

func TestNewRejectsBadPolicy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "zero window", cfg: Config{Policies: map[string]Policy{"EVENT": {MaxRequests: 1}}}},
		{name: "zero max", cfg: Config{Policies: map[string]Policy{"EVENT": {Window: time.Second}}}},
		{name: "bad default", cfg: Config{Default: &Policy{Window: -1, MaxRequests: 1}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := New(tt.cfg)
			assert.ErrorIs(t, err, ErrBadPolicy)
		})
	}
}

// Concurrent callers never let more than MaxRequests through.
func TestShouldLimitConcurrent(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Policies = map[string]Policy{
		relaysession.TypeEvent: {Window: time.Hour, MaxRequests: 100, BlockDuration: time.Hour},
	}
	l, _ := newTestLimiter(t, cfg)

	var allowed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if !l.ShouldLimit("c1", relaysession.TypeEvent) {
					allowed.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(100), allowed.Load())
}

func TestRunStopsWithContext(t *testing.T) {
	t.Parallel()

	l, _ := newTestLimiter(t, DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx, time.Millisecond)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

// BenchmarkShouldLimit benchmarks the hot path
func BenchmarkShouldLimit(b *testing.B) {
	l, err := New(DefaultConfig())
	if err != nil {
		b.Fatal(err)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		l.ShouldLimit("client", relaysession.TypeEvent)
	}
}

package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luciancaetano/relaysession"
)

// recorder is a SendFunc that records delivered payloads and can be told to fail.
type recorder struct {
	mu        sync.Mutex
	delivered []string
	attempts  map[string]int
	failFor   map[string]int // payload -> number of failing attempts; -1 fails forever
}

func newRecorder() *recorder {
	return &recorder{attempts: map[string]int{}, failFor: map[string]int{}}
}

func (r *recorder) send(ctx context.Context, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := string(msg.Payload)
	r.attempts[p]++
	if n, ok := r.failFor[p]; ok && (n < 0 || r.attempts[p] <= n) {
		return errors.New("boom")
	}
	r.delivered = append(r.delivered, p)
	return nil
}

func (r *recorder) got() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.delivered...)
}

func (r *recorder) attemptsFor(p string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts[p]
}

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

func fastConfig() Config {
	return Config{MaxSize: 100, MaxRetries: 3, RetryDelay: time.Millisecond, StaleTimeout: time.Minute}
}

func waitIdle(t *testing.T, q *Queue) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, q.WaitIdle(ctx))
}

// Delivery follows priority first, FIFO second.
func TestQueuePriorityOrder(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		input  []Priority
		labels []string
		want   []string
	}{
		{
			name:   "low high normal",
			input:  []Priority{PriorityLow, PriorityHigh, PriorityNormal},
			labels: []string{"a", "b", "c"},
			want:   []string{"b", "c", "a"},
		},
		{
			name:   "fifo within equal priority",
			input:  []Priority{PriorityNormal, PriorityNormal, PriorityNormal},
			labels: []string{"1", "2", "3"},
			want:   []string{"1", "2", "3"},
		},
		{
			name:   "mixed",
			input:  []Priority{PriorityNormal, PriorityLow, PriorityHigh, PriorityNormal, PriorityHigh},
			labels: []string{"n1", "l1", "h1", "n2", "h2"},
			want:   []string{"h1", "h2", "n1", "n2", "l1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			rec := newRecorder()
			q := New(rec.send, fastConfig())
			defer q.Close()

			q.Pause()
			for i, p := range tt.input {
				require.NoError(t, q.Enqueue("EVENT", []byte(tt.labels[i]), p))
			}

			snap := q.Snapshot()
			require.Len(t, snap, len(tt.want))
			for i := 1; i < len(snap); i++ {
				assert.LessOrEqual(t, snap[i-1].Priority, snap[i].Priority)
			}

			q.Resume()
			require.Eventually(t, func() bool { return len(rec.got()) == len(tt.want) }, 2*time.Second, time.Millisecond)
			assert.Equal(t, tt.want, rec.got())
		})
	}
}

// A message failing more than MaxRetries times is dropped and never delivered.
func TestQueueDropsAfterMaxRetries(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	rec.failFor["x"] = -1

	var dropped []DropReason
	var mu sync.Mutex
	cfg := fastConfig()
	cfg.MaxRetries = 2
	q := New(rec.send, cfg, WithDropHandler(func(msg Message, reason DropReason) {
		mu.Lock()
		dropped = append(dropped, reason)
		mu.Unlock()
	}))
	defer q.Close()

	q.Pause()
	require.NoError(t, q.Enqueue("EVENT", []byte("x"), PriorityNormal))
	require.NoError(t, q.Enqueue("EVENT", []byte("y"), PriorityNormal))
	require.Equal(t, 2, q.Len())
	q.Resume()

	require.Eventually(t, func() bool { return q.Len() == 0 }, 2*time.Second, time.Millisecond)
	waitIdle(t, q)

	assert.Equal(t, 3, rec.attemptsFor("x"), "one attempt plus MaxRetries retries")
	assert.Equal(t, []string{"y"}, rec.got())
	mu.Lock()
	assert.Equal(t, []DropReason{DropRetriesExhausted}, dropped)
	mu.Unlock()
}

// A failing head blocks later messages until it succeeds.
func TestQueueRetriesHeadBeforeProceeding(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	rec.failFor["a"] = 2

	q := New(rec.send, fastConfig())
	defer q.Close()

	q.Pause()
	require.NoError(t, q.Enqueue("EVENT", []byte("a"), PriorityNormal))
	require.NoError(t, q.Enqueue("EVENT", []byte("b"), PriorityNormal))
	require.NoError(t, q.Enqueue("EVENT", []byte("c"), PriorityLow))
	q.Resume()

	require.Eventually(t, func() bool { return len(rec.got()) == 3 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, []string{"a", "b", "c"}, rec.got())
	assert.Equal(t, 3, rec.attemptsFor("a"))
}

func TestQueueFull(t *testing.T) {
	t.Parallel()

	cfg := fastConfig()
	cfg.MaxSize = 2
	q := New(newRecorder().send, cfg)
	defer q.Close()

	q.Pause()
	require.NoError(t, q.Enqueue("EVENT", []byte("1"), PriorityNormal))
	require.NoError(t, q.Enqueue("EVENT", []byte("2"), PriorityNormal))

	err := q.Enqueue("EVENT", []byte("3"), PriorityHigh)
	var full *relaysession.QueueFullError
	require.ErrorAs(t, err, &full)
	assert.Equal(t, 2, full.Size)
	assert.Equal(t, 2, full.MaxSize)
	assert.Equal(t, 2, q.Len())
}

func TestQueueEvictsStaleMessages(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	rec := newRecorder()

	var mu sync.Mutex
	var stale []string
	q := New(rec.send, fastConfig(), WithClock(clock.Now), WithDropHandler(func(msg Message, reason DropReason) {
		if reason == DropStale {
			mu.Lock()
			stale = append(stale, string(msg.Payload))
			mu.Unlock()
		}
	}))
	defer q.Close()

	q.Pause()
	require.NoError(t, q.Enqueue("EVENT", []byte("old"), PriorityNormal))
	clock.Advance(2 * time.Minute)
	require.NoError(t, q.Enqueue("EVENT", []byte("fresh"), PriorityNormal))
	q.Resume()

	require.Eventually(t, func() bool { return len(rec.got()) == 1 }, 2*time.Second, time.Millisecond)
	waitIdle(t, q)

	assert.Equal(t, []string{"fresh"}, rec.got())
	assert.Zero(t, rec.attemptsFor("old"))
	mu.Lock()
	assert.Equal(t, []string{"old"}, stale)
	mu.Unlock()
}

func TestQueueClear(t *testing.T) {
	t.Parallel()

	var cleared atomic.Int32
	rec := newRecorder()
	q := New(rec.send, fastConfig(), WithDropHandler(func(msg Message, reason DropReason) {
		if reason == DropCleared {
			cleared.Add(1)
		}
	}))
	defer q.Close()

	q.Pause()
	for _, p := range []string{"1", "2", "3"} {
		require.NoError(t, q.Enqueue("EVENT", []byte(p), PriorityNormal))
	}
	q.Clear()

	assert.Zero(t, q.Len())
	assert.Equal(t, int32(3), cleared.Load())

	q.Resume()
	waitIdle(t, q)
	assert.Empty(t, rec.got())
}

// Clear while the head is waiting for a retry abandons it.
func TestQueueClearDuringRetry(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	rec.failFor["stuck"] = -1

	cfg := fastConfig()
	cfg.RetryDelay = time.Hour
	cfg.MaxRetries = 100
	q := New(rec.send, cfg)
	defer q.Close()

	require.NoError(t, q.Enqueue("EVENT", []byte("stuck"), PriorityNormal))
	require.Eventually(t, func() bool { return rec.attemptsFor("stuck") == 1 }, 2*time.Second, time.Millisecond)

	q.Clear()
	waitIdle(t, q)
	assert.False(t, q.Busy())
	assert.Equal(t, 1, rec.attemptsFor("stuck"))
}

// The drain never runs two sends at once.
func TestQueueSerialDrain(t *testing.T) {
	t.Parallel()

	var inFlight, maxInFlight atomic.Int32
	var delivered atomic.Int32
	send := func(ctx context.Context, msg Message) error {
		n := inFlight.Add(1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(100 * time.Microsecond)
		inFlight.Add(-1)
		delivered.Add(1)
		return nil
	}

	q := New(send, fastConfig())
	defer q.Close()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				_ = q.Enqueue("EVENT", []byte("m"), Priority(j%3))
			}
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool { return delivered.Load() == 50 }, 5*time.Second, time.Millisecond)
	assert.Equal(t, int32(1), maxInFlight.Load())
}

func TestQueueClosed(t *testing.T) {
	t.Parallel()

	q := New(newRecorder().send, fastConfig())
	q.Pause()
	require.NoError(t, q.Enqueue("EVENT", []byte("1"), PriorityNormal))

	q.Close()
	q.Close()

	assert.Zero(t, q.Len())
	assert.ErrorIs(t, q.Enqueue("EVENT", []byte("2"), PriorityNormal), relaysession.ErrQueueClosed)
}

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	assert.Equal(t, 1000, cfg.MaxSize)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, time.Second, cfg.RetryDelay)
	assert.Equal(t, 5*time.Minute, cfg.StaleTimeout)

	// Zero values fall back to defaults, except MaxRetries where zero means "no retries".
	var zero Config
	zero.init()
	assert.Equal(t, 1000, zero.MaxSize)
	assert.Equal(t, 0, zero.MaxRetries)
	assert.Equal(t, 5*time.Minute, zero.StaleTimeout)
	require.NotNil(t, zero.Backoff)
	assert.Equal(t, time.Second, zero.Backoff(3))
}

func TestExponentialBackoff(t *testing.T) {
	t.Parallel()

	b := ExponentialBackoff(100*time.Millisecond, time.Second)

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, time.Second},
		{60, time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, b(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestQueuePauseWhileIdleKeepsRetryDelay(t *testing.T) {
	t.Parallel()

	var (
		mu       sync.Mutex
		attempts []time.Time
	)
	send := func(ctx context.Context, msg Message) error {
		mu.Lock()
		defer mu.Unlock()
		attempts = append(attempts, time.Now())
		if len(attempts) == 1 {
			return errors.New("boom")
		}
		return nil
	}
	cfg := fastConfig()
	cfg.RetryDelay = 100 * time.Millisecond
	q := New(send, cfg)
	defer q.Close()

	// Nothing is sleeping here, so neither call may leave a wake-up behind.
	q.Pause()
	q.Clear()
	q.Resume()

	require.NoError(t, q.Enqueue(relaysession.TypeEvent, []byte("e"), PriorityNormal))
	waitIdle(t, q)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, attempts, 2)
	assert.GreaterOrEqual(t, attempts[1].Sub(attempts[0]), 90*time.Millisecond)
}

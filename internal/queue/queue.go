// Package queue buffers outbound messages between "the application wants to
// send" and "the socket can accept it now".
//
// Messages are kept ordered by priority, then by enqueue time. A single drain
// goroutine hands the head to the send callback; while the head fails and is
// retried every later message waits behind it, so the wire order always
// matches the queue order.
package queue

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/luciancaetano/relaysession"
)

// Priority orders messages; lower values are served first.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityNormal
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// DropReason tells why a message left the queue without being sent.
type DropReason int

const (
	DropRetriesExhausted DropReason = iota
	DropStale
	DropCleared
	DropClosed
)

func (r DropReason) String() string {
	switch r {
	case DropRetriesExhausted:
		return "retries exhausted"
	case DropStale:
		return "stale"
	case DropCleared:
		return "cleared"
	case DropClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Message is a queued outbound message. The queue owns it; callers only ever
// see copies.
type Message struct {
	ID         string
	TypeTag    string
	Payload    []byte
	Priority   Priority
	EnqueuedAt time.Time
	RetryCount int
}

// SendFunc delivers one message. A non-nil error schedules a retry of the
// same message.
type SendFunc func(ctx context.Context, msg Message) error

// Config defines the queue limits.
type Config struct {
	// MaxSize caps the number of buffered messages. Default 1000.
	MaxSize int
	// MaxRetries is the number of retries after the first failed attempt
	// before a message is dropped. Default 3.
	MaxRetries int
	// RetryDelay is the constant wait between attempts when Backoff is nil. Default 1s.
	RetryDelay time.Duration
	// StaleTimeout drops messages older than this without sending them.
	// Default 5m; negative disables stale eviction.
	StaleTimeout time.Duration
	// Backoff overrides RetryDelay with a per-attempt curve. Optional.
	Backoff BackoffFunc
}

// DefaultConfig returns the default queue configuration.
func DefaultConfig() Config {
	return Config{
		MaxSize:      1000,
		MaxRetries:   3,
		RetryDelay:   time.Second,
		StaleTimeout: 5 * time.Minute,
	}
}

func (c *Config) init() {
	d := DefaultConfig()
	if c.MaxSize <= 0 {
		c.MaxSize = d.MaxSize
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = d.RetryDelay
	}
	if c.StaleTimeout == 0 {
		c.StaleTimeout = d.StaleTimeout
	}
	if c.Backoff == nil {
		c.Backoff = ConstantBackoff(c.RetryDelay)
	}
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the logger used for drop and retry events.
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) {
		if logger != nil {
			q.logger = logger
		}
	}
}

// WithClock replaces time.Now for enqueue stamps and stale checks.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

// WithDropHandler registers a callback for every message removed unsent.
// It runs outside the queue lock.
func WithDropHandler(fn func(msg Message, reason DropReason)) Option {
	return func(q *Queue) {
		q.onDrop = fn
	}
}

// Queue is a bounded priority queue with a serial, retrying drain.
type Queue struct {
	cfg    Config
	send   SendFunc
	logger *slog.Logger
	now    func() time.Time
	onDrop func(Message, DropReason)

	ctx    context.Context
	cancel context.CancelFunc
	wake   chan struct{}

	mu         sync.Mutex
	items      []*Message
	processing bool
	sleeping   bool
	paused     bool
	closed     bool
	idle       chan struct{}
}

// New creates a queue that drains through send.
func New(send SendFunc, cfg Config, opts ...Option) *Queue {
	cfg.init()
	ctx, cancel := context.WithCancel(context.Background())

	idle := make(chan struct{})
	close(idle)

	q := &Queue{
		cfg:    cfg,
		send:   send,
		logger: slog.New(slog.DiscardHandler),
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
		wake:   make(chan struct{}, 1),
		idle:   idle,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue inserts a message at its priority position and starts a drain if
// none is running. It never blocks on the send callback.
func (q *Queue) Enqueue(typeTag string, payload []byte, priority Priority) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return relaysession.ErrQueueClosed
	}
	if len(q.items) >= q.cfg.MaxSize {
		return &relaysession.QueueFullError{Size: len(q.items), MaxSize: q.cfg.MaxSize}
	}

	msg := &Message{
		ID:         uuid.NewString(),
		TypeTag:    typeTag,
		Payload:    payload,
		Priority:   priority,
		EnqueuedAt: q.now(),
	}

	// First index with a strictly lower priority keeps FIFO among equals.
	i := sort.Search(len(q.items), func(i int) bool { return q.items[i].Priority > priority })
	q.items = append(q.items, nil)
	copy(q.items[i+1:], q.items[i:])
	q.items[i] = msg

	q.startLocked()
	return nil
}

// Len returns the number of buffered messages, including one in flight.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Busy reports whether a drain is running.
func (q *Queue) Busy() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.processing
}

// Snapshot returns copies of the buffered messages in delivery order.
func (q *Queue) Snapshot() []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Message, len(q.items))
	for i, m := range q.items {
		out[i] = *m
	}
	return out
}

// Clear discards every buffered message at once. A send already in flight
// completes, but its result no longer affects the queue.
func (q *Queue) Clear() {
	q.mu.Lock()
	dropped := q.takeAllLocked()
	q.wakeLocked()
	q.mu.Unlock()

	q.report(dropped, DropCleared)
}

// Pause stops draining after the current attempt. Enqueue keeps buffering.
func (q *Queue) Pause() {
	q.mu.Lock()
	q.paused = true
	q.wakeLocked()
	q.mu.Unlock()
}

// Resume restarts draining.
func (q *Queue) Resume() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = false
	q.startLocked()
}

// Close discards buffered messages and rejects further enqueues.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	dropped := q.takeAllLocked()
	q.wakeLocked()
	q.mu.Unlock()

	q.cancel()
	q.report(dropped, DropClosed)
}

// WaitIdle blocks until no drain is running or ctx is done.
func (q *Queue) WaitIdle(ctx context.Context) error {
	q.mu.Lock()
	idle := q.idle
	q.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) startLocked() {
	if q.processing || q.paused || q.closed || len(q.items) == 0 {
		return
	}
	q.processing = true
	q.idle = make(chan struct{})
	go q.drain()
}

func (q *Queue) stopLocked() {
	q.processing = false
	close(q.idle)
}

// drain is the only sender. It holds on to the head it picked until that
// message is delivered, dropped or removed by Clear.
func (q *Queue) drain() {
	var current *Message
	for {
		q.mu.Lock()
		stale := q.evictStaleLocked()
		if current != nil && q.indexLocked(current) < 0 {
			current = nil
		}
		if q.closed || q.paused || len(q.items) == 0 {
			q.stopLocked()
			q.mu.Unlock()
			q.report(stale, DropStale)
			return
		}
		if current == nil {
			current = q.items[0]
		}
		msg := *current
		q.mu.Unlock()
		q.report(stale, DropStale)

		err := q.send(q.ctx, msg)

		q.mu.Lock()
		if q.indexLocked(current) < 0 {
			current = nil
			q.mu.Unlock()
			continue
		}
		if err == nil {
			q.removeLocked(current)
			current = nil
			q.mu.Unlock()
			continue
		}

		current.RetryCount++
		if current.RetryCount > q.cfg.MaxRetries {
			q.removeLocked(current)
			dropped := *current
			current = nil
			q.mu.Unlock()
			q.logger.Warn("queue: dropping message after retries",
				"id", dropped.ID, "type", dropped.TypeTag, "retries", dropped.RetryCount-1, "error", err)
			q.report([]Message{dropped}, DropRetriesExhausted)
			continue
		}
		if q.paused || q.closed {
			q.mu.Unlock()
			continue
		}
		delay := q.cfg.Backoff(current.RetryCount)
		retry := current.RetryCount
		q.sleeping = true
		q.mu.Unlock()

		q.logger.Debug("queue: send failed, retrying",
			"id", msg.ID, "type", msg.TypeTag, "retry", retry, "delay", delay, "error", err)
		q.sleep(delay)

		q.mu.Lock()
		q.sleeping = false
		// A wake-up that raced with the timer must not cut the next delay short.
		select {
		case <-q.wake:
		default:
		}
		q.mu.Unlock()
	}
}

// sleep waits for d, or less when the queue is paused, cleared or closed.
func (q *Queue) sleep(d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-q.wake:
	case <-q.ctx.Done():
	}
}

// wakeLocked interrupts a retry delay in progress. Outside one it does nothing.
func (q *Queue) wakeLocked() {
	if !q.sleeping {
		return
	}
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) evictStaleLocked() []Message {
	if q.cfg.StaleTimeout < 0 || len(q.items) == 0 {
		return nil
	}
	now := q.now()
	var stale []Message
	kept := q.items[:0]
	for _, m := range q.items {
		if now.Sub(m.EnqueuedAt) > q.cfg.StaleTimeout {
			stale = append(stale, *m)
			continue
		}
		kept = append(kept, m)
	}
	for i := len(kept); i < len(q.items); i++ {
		q.items[i] = nil
	}
	q.items = kept
	return stale
}

func (q *Queue) takeAllLocked() []Message {
	out := make([]Message, len(q.items))
	for i, m := range q.items {
		out[i] = *m
	}
	q.items = nil
	return out
}

func (q *Queue) indexLocked(m *Message) int {
	for i, it := range q.items {
		if it == m {
			return i
		}
	}
	return -1
}

func (q *Queue) removeLocked(m *Message) {
	i := q.indexLocked(m)
	if i < 0 {
		return
	}
	copy(q.items[i:], q.items[i+1:])
	q.items[len(q.items)-1] = nil
	q.items = q.items[:len(q.items)-1]
}

func (q *Queue) report(msgs []Message, reason DropReason) {
	for _, m := range msgs {
		if reason == DropStale {
			q.logger.Warn("queue: evicting stale message",
				"id", m.ID, "type", m.TypeTag, "age", q.now().Sub(m.EnqueuedAt))
		}
		if q.onDrop != nil {
			q.onDrop(m, reason)
		}
	}
}

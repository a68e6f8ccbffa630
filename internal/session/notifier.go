package session

import (
	"log/slog"
	"sync"
)

// notifier runs callbacks one at a time in the order they were posted,
// on a goroutine that exists only while callbacks are pending. Callers
// never block on handler code and never run it under their own locks.
type notifier struct {
	logger *slog.Logger

	mu      sync.Mutex
	pending []func()
	running bool
}

func (n *notifier) post(fn func()) {
	n.mu.Lock()
	n.pending = append(n.pending, fn)
	if n.running {
		n.mu.Unlock()
		return
	}
	n.running = true
	n.mu.Unlock()

	go n.run()
}

func (n *notifier) run() {
	for {
		n.mu.Lock()
		if len(n.pending) == 0 {
			n.running = false
			n.mu.Unlock()
			return
		}
		fn := n.pending[0]
		n.pending[0] = nil
		n.pending = n.pending[1:]
		n.mu.Unlock()

		n.call(fn)
	}
}

func (n *notifier) call(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("session: handler panicked", "panic", r)
		}
	}()
	fn()
}

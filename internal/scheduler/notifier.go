package scheduler

import "sync"

// notifier is the per-queue notification primitive. Broadcast wakes every
// goroutine currently waiting on the channel returned by wait; the
// close-and-replace scheme means a signal is never lost between a worker's
// iterations, only coalesced.
type notifier struct {
	mu sync.Mutex
	ch chan struct{}
}

func newNotifier() *notifier {
	return &notifier{ch: make(chan struct{})}
}

// wait returns a channel that is closed on the next Broadcast. Callers
// select on it together with their poll timeout and context.
func (n *notifier) wait() <-chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.ch
}

// Broadcast wakes all current waiters.
func (n *notifier) Broadcast() {
	n.mu.Lock()
	defer n.mu.Unlock()
	close(n.ch)
	n.ch = make(chan struct{})
}

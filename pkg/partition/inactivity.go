package partition

import (
	"context"
	"sync"
	"time"
)

// InactivityWaiter detects a quiet window on the local version topic so a
// follower partition knows when it is safe to flip to leader: a broadcast
// Cond signaled on every observed record, with a waiter that only returns
// once the quiet window has elapsed uninterrupted.
type InactivityWaiter struct {
	mu       sync.Mutex
	c        *sync.Cond
	lastSeen time.Time
}

// NewInactivityWaiter returns a waiter with no activity observed yet.
func NewInactivityWaiter() *InactivityWaiter {
	w := &InactivityWaiter{}
	w.c = sync.NewCond(&w.mu)
	return w
}

// Touch records that a record was just consumed on the local version
// topic, resetting the quiet window and waking any waiter so it can
// re-check its deadline.
func (w *InactivityWaiter) Touch(now time.Time) {
	w.mu.Lock()
	w.lastSeen = now
	w.mu.Unlock()
	w.c.Broadcast()
}

// WaitQuiet blocks until no Touch has been observed for at least quiet, or
// ctx is cancelled (returning false). A zero-value lastSeen (no record
// ever consumed) counts as quiet immediately, matching a brand-new
// partition with no backlog to drain.
func (w *InactivityWaiter) WaitQuiet(ctx context.Context, quiet time.Duration) bool {
	done := make(chan struct{})
	quit := false

	go func() {
		defer close(done)
		w.mu.Lock()
		defer w.mu.Unlock()
		for !quit {
			if time.Since(w.lastSeen) >= quiet {
				return
			}
			remaining := quiet - time.Since(w.lastSeen)
			timer := time.AfterFunc(remaining, w.c.Broadcast)
			w.c.Wait()
			timer.Stop()
		}
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		w.mu.Lock()
		quit = true
		w.mu.Unlock()
		w.c.Broadcast()
		<-done
		return false
	}
}

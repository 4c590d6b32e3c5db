// Package viewfanout fans a resolved record out to zero or more
// registered derived-view streams, returning a handle that resolves once
// every view has acknowledged. The local version-topic produce must not be
// issued until that handle is awaited.
package viewfanout

import (
	"context"
	"sync"
	"sync/atomic"
)

// Update is everything a view writer needs to derive its own write from a
// resolved record.
type Update struct {
	Key             []byte
	NewValue        []byte // nil for a tombstone
	NewIsTombstone  bool
	OldValue        []byte
	NewSchemaID     int32
	OldSchemaID     int32
	NewRMDTimestamp uint64
}

// Writer is one registered derived-view stream. Write must eventually call
// done exactly once; Fanout does not itself retry or time out a Writer —
// each writer owns its own request lifecycle and reports back solely via
// the callback.
type Writer interface {
	Write(ctx context.Context, u Update, done func(error))
}

// Handle resolves once every Writer invoked for one Dispatch call has
// acknowledged. Cancelling the context supplied to Dispatch does not by
// itself resolve the handle; the context is only passed on to the writers.
type Handle struct {
	done chan struct{}
	err  atomic.Value // holds an errBox with the first error; empty when every write succeeded
}

type errBox struct{ err error }

// Wait blocks until every fanned-out write has acknowledged, returning the
// first non-nil error observed (if any). Safe to call multiple times and
// from multiple goroutines.
func (h *Handle) Wait() error {
	<-h.done
	if v, ok := h.err.Load().(errBox); ok {
		return v.err
	}
	return nil
}

// Done reports whether every view write has already acknowledged, without
// blocking — useful for a caller that wants to poll before committing to a
// blocking Wait.
func (h *Handle) Done() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Fanout holds the registered view writers for one store-version.
type Fanout struct {
	writers []Writer
}

// New returns a Fanout over the given writers. A nil or empty slice is
// valid: Dispatch then returns an already-resolved Handle.
func New(writers ...Writer) *Fanout {
	return &Fanout{writers: writers}
}

// Dispatch writes u to every registered view concurrently and returns a
// Handle that resolves once all have acknowledged. View writes for
// distinct partitions may interleave; within one Dispatch call, Fanout
// makes no ordering guarantee across writers (they are independent
// streams), only that all must complete before the handle resolves.
func (f *Fanout) Dispatch(ctx context.Context, u Update) *Handle {
	h := &Handle{done: make(chan struct{})}
	if len(f.writers) == 0 {
		close(h.done)
		return h
	}

	var wg sync.WaitGroup
	var errOnce sync.Once
	var firstErr error
	wg.Add(len(f.writers))
	for _, w := range f.writers {
		w := w
		w.Write(ctx, u, func(err error) {
			defer wg.Done()
			if err != nil {
				errOnce.Do(func() { firstErr = err })
			}
		})
	}

	go func() {
		wg.Wait()
		if firstErr != nil {
			h.err.Store(errBox{err: firstErr})
		}
		close(h.done)
	}()
	return h
}

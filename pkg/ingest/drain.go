package ingest

import (
	"context"
	"sync"

	"github.com/streamstore/aaingest/pkg/viewfanout"
)

// produceJob is one pending send to the local version topic: it must wait
// for its view-fanout handle before the send is issued, and the queue must
// issue sends for one partition strictly in the order jobs were enqueued.
type produceJob struct {
	fanout *viewfanout.Handle
	send   func()
}

// ProduceQueue serializes one partition's sends to the local version
// topic, keeping produce order identical to the order merge decisions were
// applied. It also tracks in-flight produce acknowledgements so a topic
// switch can drain pending sends before unsubscribing.
type ProduceQueue struct {
	jobs    chan produceJob
	pending sync.WaitGroup

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewProduceQueue starts the queue's background sender goroutine.
func NewProduceQueue(bufferSize int) *ProduceQueue {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	q := &ProduceQueue{
		jobs:   make(chan produceJob, bufferSize),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *ProduceQueue) run() {
	defer close(q.doneCh)
	for {
		select {
		case <-q.stopCh:
			return
		case job := <-q.jobs:
			job.fanout.Wait()
			job.send()
		}
	}
}

// Enqueue appends a produce job behind every job already queued for this
// partition. send is invoked once fanout resolves; send itself is expected
// to call the producer's Put/Delete with a callback that in turn calls
// Ack when the broker acknowledges the produce, keeping Drain accurate.
// Enqueue blocks if the queue's buffer is full, backpressuring the
// consumer poll loop.
func (q *ProduceQueue) Enqueue(fanout *viewfanout.Handle, send func()) {
	q.pending.Add(1)
	q.jobs <- produceJob{fanout: fanout, send: send}
}

// Ack must be called exactly once by every send closure passed to Enqueue,
// once the broker has acknowledged (or permanently failed) that produce.
func (q *ProduceQueue) Ack() {
	q.pending.Done()
}

// Drain blocks until every enqueued produce has been acknowledged via Ack,
// or ctx is cancelled. Used before a topic switch unsubscribes a
// partition.
func (q *ProduceQueue) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		q.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the queue's sender goroutine. It does not wait for pending
// acknowledgements; callers should Drain first if that matters.
func (q *ProduceQueue) Close() {
	q.stopOnce.Do(func() { close(q.stopCh) })
	<-q.doneCh
}

// Package repair implements the remote ingestion repair service: a queue
// of retryable rewind-resubscribe tasks for partitions whose remote broker
// was unreachable during a topic switch, drained by a background worker
// with jittered exponential backoff.
package repair

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/streamstore/aaingest/pkg/logger"
	"github.com/streamstore/aaingest/pkg/metrics"
)

// TaskHandle is the narrow slice of an ingestion task the repair service
// needs once it has resolved a rewind offset: resubscribe the partition
// and bring its checkpointed upstream offset in line. Defined here rather
// than imported from pkg/ingest so the task and the service can reference
// each other through a weak handle without an import cycle.
type TaskHandle interface {
	Subscribe(topic string, partition int32, offset int64) error
	SyncUpstreamOffset(partition int32, regionURL string, offset int64)
}

// Handle is a weak reference to a TaskHandle: the repair service holds
// Handles, never the task directly, so that invalidating one (on task
// shutdown) turns every pending repair item referencing it into a no-op.
type Handle struct {
	mu     sync.Mutex
	target TaskHandle
}

// NewHandle wraps t in a weak Handle.
func NewHandle(t TaskHandle) *Handle {
	return &Handle{target: t}
}

// Invalidate detaches the handle from its task. Safe to call more than
// once and concurrently with get.
func (h *Handle) Invalidate() {
	h.mu.Lock()
	h.target = nil
	h.mu.Unlock()
}

func (h *Handle) get() TaskHandle {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.target
}

// OffsetResolver is the narrow broker-client surface the repair service
// needs.
type OffsetResolver interface {
	OffsetsForTimes(ctx context.Context, topic string, partition int32, ts int64) (int64, error)
}

type item struct {
	handle    *Handle
	topic     string
	partition int32
	regionURL string
	rewindTS  int64
	attempts  int
}

// Service runs the background repair worker.
type Service struct {
	client      OffsetResolver
	log         logger.Logger
	metrics     *metrics.Metrics
	maxAttempts int
	baseBackoff time.Duration
	maxBackoff  time.Duration

	mu    sync.Mutex
	rng   *rand.Rand
	items chan item
}

// Opt configures a Service.
type Opt func(*Service)

func WithMaxAttempts(n int) Opt           { return func(s *Service) { s.maxAttempts = n } }
func WithBaseBackoff(d time.Duration) Opt { return func(s *Service) { s.baseBackoff = d } }
func WithMaxBackoff(d time.Duration) Opt  { return func(s *Service) { s.maxBackoff = d } }
func WithLogger(l logger.Logger) Opt      { return func(s *Service) { s.log = l } }
func WithMetrics(m *metrics.Metrics) Opt  { return func(s *Service) { s.metrics = m } }

// New returns a Service with a bounded queue, draining via Run.
func New(client OffsetResolver, queueSize int, opts ...Opt) *Service {
	if queueSize <= 0 {
		queueSize = 256
	}
	s := &Service{
		client:      client,
		log:         logger.Nop{},
		maxAttempts: 8,
		baseBackoff: 200 * time.Millisecond,
		maxBackoff:  30 * time.Second,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		items:       make(chan item, queueSize),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enqueue registers a repair task for (topic, partition, regionURL) to
// rewind to rewindStartTS. If the queue is full this drops the item and
// logs, rather than blocking the caller's ingestion loop.
func (s *Service) Enqueue(h *Handle, topic string, partition int32, regionURL string, rewindStartTS int64) {
	it := item{handle: h, topic: topic, partition: partition, regionURL: regionURL, rewindTS: rewindStartTS}
	select {
	case s.items <- it:
	default:
		s.log.Log(logger.LevelError, "repair queue full, dropping item",
			"topic", topic, "partition", partition, "region", regionURL)
	}
}

// Run drains the queue until ctx is cancelled. Intended to be started once
// per Service in its own goroutine.
func (s *Service) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case it := <-s.items:
			s.process(ctx, it)
		}
	}
}

func (s *Service) process(ctx context.Context, it item) {
	h := it.handle.get()
	if h == nil {
		// Task was shut down; this repair item is now a no-op.
		return
	}

	offset, err := s.client.OffsetsForTimes(ctx, it.topic, it.partition, it.rewindTS)
	if err != nil {
		it.attempts++
		if s.metrics != nil {
			s.metrics.ObserveRepairAttempt(it.regionURL, "retry")
		}
		if it.attempts >= s.maxAttempts {
			s.log.Log(logger.LevelError, "repair attempts exhausted, escalating to health alarm",
				"topic", it.topic, "partition", it.partition, "region", it.regionURL, "attempts", it.attempts)
			if s.metrics != nil {
				s.metrics.ObserveRepairAttempt(it.regionURL, "escalated")
			}
			return
		}
		s.sleepBackoff(ctx, it.attempts)
		select {
		case s.items <- it:
		default:
			s.log.Log(logger.LevelError, "repair queue full on requeue, dropping item",
				"topic", it.topic, "partition", it.partition, "region", it.regionURL)
		}
		return
	}

	if h2 := it.handle.get(); h2 != nil {
		if err := h2.Subscribe(it.topic, it.partition, offset); err != nil {
			s.log.Log(logger.LevelError, "repair subscribe failed", "err", err)
			return
		}
		h2.SyncUpstreamOffset(it.partition, it.regionURL, offset)
	}
	if s.metrics != nil {
		s.metrics.ObserveRepairAttempt(it.regionURL, "succeeded")
	}
}

// sleepBackoff waits an exponentially-growing, jittered duration indexed by
// attempts, capped at maxBackoff, or returns early if ctx is cancelled.
func (s *Service) sleepBackoff(ctx context.Context, attempts int) {
	d := s.backoffFor(attempts)
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (s *Service) backoffFor(attempts int) time.Duration {
	backoff := s.baseBackoff
	for i := 1; i < attempts && backoff < s.maxBackoff; i++ {
		backoff *= 2
	}
	if backoff > s.maxBackoff {
		backoff = s.maxBackoff
	}
	s.mu.Lock()
	jitter := 0.5 + s.rng.Float64()*0.5
	s.mu.Unlock()
	return time.Duration(float64(backoff) * jitter)
}

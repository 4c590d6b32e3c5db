package repair

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeResolver struct {
	failTimes int32
	calls     int32
	offset    int64
}

func (f *fakeResolver) OffsetsForTimes(ctx context.Context, topic string, partition int32, ts int64) (int64, error) {
	n := atomic.AddInt32(&f.calls, 1)
	if n <= f.failTimes {
		return 0, errors.New("broker unreachable")
	}
	return f.offset, nil
}

type fakeTaskHandle struct {
	subscribedTopic     string
	subscribedPartition int32
	subscribedOffset    int64
	syncedPartition     int32
	syncedRegion        string
	syncedOffset        int64
	subscribeErr        error
}

func (h *fakeTaskHandle) Subscribe(topic string, partition int32, offset int64) error {
	h.subscribedTopic, h.subscribedPartition, h.subscribedOffset = topic, partition, offset
	return h.subscribeErr
}

func (h *fakeTaskHandle) SyncUpstreamOffset(partition int32, regionURL string, offset int64) {
	h.syncedPartition, h.syncedRegion, h.syncedOffset = partition, regionURL, offset
}

func TestRepairSucceedsFirstTry(t *testing.T) {
	resolver := &fakeResolver{offset: 42}
	task := &fakeTaskHandle{}
	h := NewHandle(task)

	s := New(resolver, 8, WithBaseBackoff(time.Millisecond), WithMaxBackoff(2*time.Millisecond))
	s.Enqueue(h, "rt-region-1", 0, "region-1", 1000)

	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	defer cancel()

	require.Eventually(t, func() bool { return task.subscribedOffset == 42 }, time.Second, time.Millisecond)
	require.Equal(t, "rt-region-1", task.subscribedTopic)
	require.Equal(t, "region-1", task.syncedRegion)
	require.Equal(t, int64(42), task.syncedOffset)
}

func TestRepairRetriesThenSucceeds(t *testing.T) {
	resolver := &fakeResolver{failTimes: 2, offset: 7}
	task := &fakeTaskHandle{}
	h := NewHandle(task)

	s := New(resolver, 8, WithBaseBackoff(time.Millisecond), WithMaxBackoff(2*time.Millisecond), WithMaxAttempts(5))
	s.Enqueue(h, "rt-region-2", 1, "region-2", 500)

	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	defer cancel()

	require.Eventually(t, func() bool { return task.subscribedOffset == 7 }, time.Second, time.Millisecond)
}

func TestRepairInvalidatedHandleBecomesNoop(t *testing.T) {
	resolver := &fakeResolver{offset: 1}
	task := &fakeTaskHandle{}
	h := NewHandle(task)
	h.Invalidate()

	s := New(resolver, 8, WithBaseBackoff(time.Millisecond))
	s.Enqueue(h, "rt-region-3", 0, "region-3", 0)

	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	defer cancel()

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, int64(0), task.subscribedOffset)
	require.Equal(t, "", task.subscribedTopic)
}

func TestRepairEscalatesAfterMaxAttempts(t *testing.T) {
	resolver := &fakeResolver{failTimes: 100}
	task := &fakeTaskHandle{}
	h := NewHandle(task)

	s := New(resolver, 8, WithBaseBackoff(time.Millisecond), WithMaxBackoff(time.Millisecond), WithMaxAttempts(3))
	s.Enqueue(h, "rt-region-4", 0, "region-4", 0)

	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	defer cancel()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&resolver.calls) >= 3 }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	require.Equal(t, "", task.subscribedTopic)
}

package partition

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWaitQuietReturnsImmediatelyWithNoActivity(t *testing.T) {
	w := NewInactivityWaiter()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.True(t, w.WaitQuiet(ctx, 10*time.Millisecond))
}

func TestWaitQuietWaitsOutRecentActivity(t *testing.T) {
	w := NewInactivityWaiter()
	w.Touch(time.Now())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	start := time.Now()
	require.True(t, w.WaitQuiet(ctx, 30*time.Millisecond))
	require.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
}

func TestWaitQuietCancelledByContext(t *testing.T) {
	w := NewInactivityWaiter()
	w.Touch(time.Now())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	require.False(t, w.WaitQuiet(ctx, time.Hour))
}

func TestTouchResetsWindowRepeatedly(t *testing.T) {
	w := NewInactivityWaiter()
	done := make(chan struct{})
	go func() {
		for i := 0; i < 3; i++ {
			time.Sleep(10 * time.Millisecond)
			w.Touch(time.Now())
		}
		close(done)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	<-done
	require.True(t, w.WaitQuiet(ctx, 5*time.Millisecond))
}

package viewfanout

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	delay   time.Duration
	err     error
	invoked int32
}

func (w *fakeWriter) Write(ctx context.Context, u Update, done func(error)) {
	atomic.AddInt32(&w.invoked, 1)
	go func() {
		if w.delay > 0 {
			time.Sleep(w.delay)
		}
		done(w.err)
	}()
}

func TestDispatchNoWritersResolvesImmediately(t *testing.T) {
	f := New()
	h := f.Dispatch(context.Background(), Update{Key: []byte("k")})
	require.True(t, h.Done())
	require.NoError(t, h.Wait())
}

func TestDispatchWaitsForAllWriters(t *testing.T) {
	w1 := &fakeWriter{delay: 5 * time.Millisecond}
	w2 := &fakeWriter{delay: 15 * time.Millisecond}
	f := New(w1, w2)

	h := f.Dispatch(context.Background(), Update{Key: []byte("k")})
	require.False(t, h.Done())
	require.NoError(t, h.Wait())
	require.True(t, h.Done())
	require.EqualValues(t, 1, w1.invoked)
	require.EqualValues(t, 1, w2.invoked)
}

func TestDispatchReturnsFirstError(t *testing.T) {
	boom := errors.New("view write failed")
	w1 := &fakeWriter{err: boom}
	w2 := &fakeWriter{}
	f := New(w1, w2)

	h := f.Dispatch(context.Background(), Update{Key: []byte("k")})
	require.ErrorIs(t, h.Wait(), boom)
}

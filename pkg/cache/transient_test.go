package cache

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/streamstore/aaingest/pkg/rmd"
)

func TestGetMissThenPutThenGetHit(t *testing.T) {
	c := New()
	_, ok := c.Get([]byte("k"))
	require.False(t, ok)

	rec := &TransientRecord{Value: []byte("v1"), SchemaID: 1, RMD: rmd.Zero(1, false, 2)}
	c.Put([]byte("k"), rec, 100)

	got, ok := c.Get([]byte("k"))
	require.True(t, ok)
	require.Equal(t, []byte("v1"), got.Value)
	require.Equal(t, int64(100), got.ProducedPosition)
}

// Entries become evictable only once their produced position has been
// acknowledged.
func TestEvictUpTo(t *testing.T) {
	c := New()
	c.Put([]byte("a"), &TransientRecord{Value: []byte("va")}, 10)
	c.Put([]byte("b"), &TransientRecord{Value: []byte("vb")}, 20)
	c.Put([]byte("c"), &TransientRecord{Value: []byte("vc")}, 30)
	require.Equal(t, 3, c.Len())

	c.EvictUpTo(15)
	require.Equal(t, 2, c.Len())
	_, ok := c.Get([]byte("a"))
	require.False(t, ok)
	_, ok = c.Get([]byte("b"))
	require.True(t, ok)

	c.EvictUpTo(30)
	require.Equal(t, 0, c.Len())
}

// TestEvictUpToIgnoresSupersededEntry covers the lazy-deletion path: a key
// re-Put at a later position must not be evicted by a stale heap entry for
// its earlier position.
func TestEvictUpToIgnoresSupersededEntry(t *testing.T) {
	c := New()
	c.Put([]byte("k"), &TransientRecord{Value: []byte("v1")}, 10)
	c.Put([]byte("k"), &TransientRecord{Value: []byte("v2")}, 50)

	c.EvictUpTo(10)
	rec, ok := c.Get([]byte("k"))
	require.True(t, ok)
	require.Equal(t, []byte("v2"), rec.Value)

	c.EvictUpTo(50)
	_, ok = c.Get([]byte("k"))
	require.False(t, ok)
}

func TestEvictUpToEmptyCacheIsNoop(t *testing.T) {
	c := New()
	require.NotPanics(t, func() { c.EvictUpTo(100) })
	require.Equal(t, 0, c.Len())
}

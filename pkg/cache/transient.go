// Package cache implements the per-partition transient record cache: a
// map from key to the just-applied (value, RMD) pair, required because the
// local version-topic produce is asynchronous — a second record for the
// same key inside the same poll batch must resolve against this cache, not
// against possibly-stale storage.
package cache

import (
	"container/heap"
	"sync"

	"github.com/streamstore/aaingest/pkg/chunk"
	"github.com/streamstore/aaingest/pkg/rmd"
)

// TransientRecord is the cached state for one key.
type TransientRecord struct {
	Value            []byte // nil for a tombstone
	ValueOffset      int64
	ValueLen         int64
	SchemaID         int32
	RMD              rmd.RMD
	ValueManifest    *chunk.Manifest
	RMDManifest      *chunk.Manifest
	ProducedPosition int64
}

// Cache is a single partition's transient record cache. Get/Put are only
// ever called under the corresponding key lock; the cache's own mutex
// exists to protect the eviction index against produce-acknowledgement
// callbacks running on a different goroutine than the ingest loop.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*TransientRecord
	index   positionIndex // secondary index for eviction, by produced position
}

// New returns an empty Cache for one partition.
func New() *Cache {
	return &Cache{entries: make(map[string]*TransientRecord)}
}

// Get returns the cached record for key. A hit is authoritative: callers
// must use it instead of the storage engine for the current resolution. A
// miss means the storage engine is authoritative.
func (c *Cache) Get(key []byte) (*TransientRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.entries[string(key)]
	return rec, ok
}

// Put inserts or overwrites the cached record for key, associating it with
// producedPosition (the pending local version-topic offset this record
// will produce to). Callers insert before enqueueing the produce, so a
// concurrent resolution for the same key always sees the applied state.
func (c *Cache) Put(key []byte, rec *TransientRecord, producedPosition int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec.ProducedPosition = producedPosition
	k := string(key)
	c.entries[k] = rec
	heap.Push(&c.index, positionEntry{position: producedPosition, key: k})
}

// EvictUpTo removes every entry whose produced position is <= position,
// i.e. every record already acknowledged by the local version topic.
// Entries re-Put at a later position are not evicted even if an earlier
// heap entry for the same key is popped first: the lazy-deletion check
// below compares against the entry's current recorded position.
func (c *Cache) EvictUpTo(position int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.index.Len() > 0 && c.index[0].position <= position {
		pe := heap.Pop(&c.index).(positionEntry)
		if rec, ok := c.entries[pe.key]; ok && rec.ProducedPosition == pe.position {
			delete(c.entries, pe.key)
		}
	}
}

// Len reports the number of live entries, for tests and stats snapshots.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

type positionEntry struct {
	position int64
	key      string
}

// positionIndex is a container/heap min-heap ordered by produced position,
// backing EvictUpTo without a full map scan. Stale entries (superseded by
// a later Put for the same key) are filtered lazily on pop rather than
// removed eagerly.
type positionIndex []positionEntry

func (p positionIndex) Len() int           { return len(p) }
func (p positionIndex) Less(i, j int) bool { return p[i].position < p[j].position }
func (p positionIndex) Swap(i, j int)      { p[i], p[j] = p[j], p[i] }
func (p *positionIndex) Push(x interface{}) {
	*p = append(*p, x.(positionEntry))
}
func (p *positionIndex) Pop() interface{} {
	old := *p
	n := len(old)
	item := old[n-1]
	*p = old[:n-1]
	return item
}

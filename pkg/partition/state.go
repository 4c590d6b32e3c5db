// Package partition implements per-partition consumption state: mutable
// fields owned by a single ingestion-task thread, with lock-free atomic
// snapshots for stats readers.
package partition

import (
	"sync"
	"sync/atomic"

	expmaps "golang.org/x/exp/maps"

	"github.com/streamstore/aaingest/pkg/cache"
)

// Role is the leader/follower role of a partition's consumption.
type Role int

const (
	RoleFollower Role = iota
	RoleLeader
)

func (r Role) String() string {
	if r == RoleLeader {
		return "leader"
	}
	return "follower"
}

// OffsetUnknown is the sentinel for "not yet known".
const OffsetUnknown int64 = -1

// RewindDecidedByServer is the TopicSwitch.RewindStartTimestamp sentinel
// meaning the rewind start must be computed from the buffer replay policy
// rather than taken from the control message.
const RewindDecidedByServer int64 = -1

// TopicSwitch is the control message instructing a partition's leader to
// switch its source topic, with one source broker URL per region and a
// rewind timestamp.
type TopicSwitch struct {
	SourceTopic          string
	SourceBrokers        []string
	RewindStartTimestamp int64
}

// Snapshot is an immutable point-in-time view of a State, safe to read
// without synchronization.
type Snapshot struct {
	PartitionID             int32
	Role                    Role
	SourceTopic             string
	TopicSwitch             *TopicSwitch
	PerRegionUpstreamOffset map[string]int64
	PerRegionConsumedOffset map[string]int64
	LocalVTOffset           int64
	EOPReceived             bool
	DeferredWrite           bool

	// ConsumeRemotely is set on leader promotion when the partition's
	// current topic switch names source brokers outside the local region.
	ConsumeRemotely bool
}

func (s Snapshot) clone() Snapshot {
	out := s
	out.PerRegionUpstreamOffset = expmaps.Clone(s.PerRegionUpstreamOffset)
	out.PerRegionConsumedOffset = expmaps.Clone(s.PerRegionConsumedOffset)
	return out
}

// State is one partition's consumption state. Mutation methods are only
// ever called by the owning ingestion-task thread for this partition;
// Snapshot is safe from any goroutine.
type State struct {
	mu    sync.Mutex // serializes owner mutations against each other
	v     atomic.Value
	Cache *cache.Cache // transient record cache, one instance per partition
}

// New creates partition state for partitionID, starting as a follower with
// no known offsets.
func New(partitionID int32) *State {
	s := &State{Cache: cache.New()}
	s.v.Store(Snapshot{
		PartitionID:             partitionID,
		Role:                    RoleFollower,
		PerRegionUpstreamOffset: map[string]int64{},
		PerRegionConsumedOffset: map[string]int64{},
		LocalVTOffset:           OffsetUnknown,
	})
	return s
}

// Snapshot returns the current immutable state, safe for concurrent
// stats-reader access without the owner's mutex.
func (s *State) Snapshot() Snapshot {
	return s.v.Load().(Snapshot).clone()
}

// mutate runs fn against a private copy of the current snapshot under the
// owner mutex, then publishes the result atomically.
func (s *State) mutate(fn func(*Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.v.Load().(Snapshot).clone()
	fn(&cur)
	s.v.Store(cur)
}

// LeaderOffset returns the checkpointed upstream offset for region, or
// OffsetUnknown if none has been recorded yet.
func (s *State) LeaderOffset(region string) int64 {
	snap := s.v.Load().(Snapshot)
	if off, ok := snap.PerRegionUpstreamOffset[region]; ok {
		return off
	}
	return OffsetUnknown
}

// UpdateLatestProcessedUpstreamRTOffset records the upstream real-time
// offset most recently processed for region. The recorded offset never
// regresses for a region between checkpoints.
func (s *State) UpdateLatestProcessedUpstreamRTOffset(region string, offset int64) {
	s.mutate(func(snap *Snapshot) {
		if cur, ok := snap.PerRegionUpstreamOffset[region]; ok && offset < cur {
			return
		}
		snap.PerRegionUpstreamOffset[region] = offset
	})
}

// UpdateLeaderConsumedUpstreamRTOffset records the offset this leader has
// fully consumed (persisted + produced) for region, distinct from the
// latest-processed offset above the way a buffered position differs from
// an acknowledged one.
func (s *State) UpdateLeaderConsumedUpstreamRTOffset(region string, offset int64) {
	s.mutate(func(snap *Snapshot) {
		if cur, ok := snap.PerRegionConsumedOffset[region]; ok && offset < cur {
			return
		}
		snap.PerRegionConsumedOffset[region] = offset
	})
}

// SetRole transitions the partition's leader/follower role.
func (s *State) SetRole(r Role) {
	s.mutate(func(snap *Snapshot) { snap.Role = r })
}

// SetConsumeRemotely records whether, after leader promotion, this
// partition must consume one or more remote-region source brokers.
func (s *State) SetConsumeRemotely(v bool) {
	s.mutate(func(snap *Snapshot) { snap.ConsumeRemotely = v })
}

// SetSourceTopic records the topic this partition currently consumes from.
func (s *State) SetSourceTopic(topic string) {
	s.mutate(func(snap *Snapshot) { snap.SourceTopic = topic })
}

// ApplyTopicSwitch persists a TopicSwitch control message to state, ahead
// of any subscribe/unsubscribe action the caller performs.
func (s *State) ApplyTopicSwitch(ts *TopicSwitch) {
	s.mutate(func(snap *Snapshot) { snap.TopicSwitch = ts })
}

// SetEOPReceived marks that an end-of-push control message has arrived.
func (s *State) SetEOPReceived(v bool) {
	s.mutate(func(snap *Snapshot) { snap.EOPReceived = v })
}

// SetDeferredWrite toggles the deferred-write flag: bootstrap-phase writes
// held back until end-of-push.
func (s *State) SetDeferredWrite(v bool) {
	s.mutate(func(snap *Snapshot) { snap.DeferredWrite = v })
}

// SetLocalVTOffset records the most recent local version-topic offset this
// partition has observed, either consumed (follower) or assigned to a
// pending produce (leader).
func (s *State) SetLocalVTOffset(offset int64) {
	s.mutate(func(snap *Snapshot) { snap.LocalVTOffset = offset })
}

// SetTransientRecord inserts rec into the partition's transient cache, so
// callers driving the partition state machine need not reach into Cache
// directly.
func (s *State) SetTransientRecord(key []byte, rec *cache.TransientRecord, producedPosition int64) {
	s.Cache.Put(key, rec, producedPosition)
}

// GetTransientRecord looks key up in the partition's transient cache.
func (s *State) GetTransientRecord(key []byte) (*cache.TransientRecord, bool) {
	return s.Cache.Get(key)
}

// EvictUpTo drops transient entries whose produced position has been
// acknowledged by the local version topic.
func (s *State) EvictUpTo(position int64) {
	s.Cache.EvictUpTo(position)
}

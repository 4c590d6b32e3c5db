// Package ingest implements the active/active ingestion task: the
// per-store-version poll → resolve → persist → produce loop that ties
// together the key-lock pool, transient cache, conflict resolver, chunk
// adapter, view fanout, and repair service.
package ingest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/streamstore/aaingest/pkg/aaerr"
	"github.com/streamstore/aaingest/pkg/cache"
	"github.com/streamstore/aaingest/pkg/chunk"
	"github.com/streamstore/aaingest/pkg/collab"
	"github.com/streamstore/aaingest/pkg/config"
	"github.com/streamstore/aaingest/pkg/keylock"
	"github.com/streamstore/aaingest/pkg/logger"
	"github.com/streamstore/aaingest/pkg/merge"
	"github.com/streamstore/aaingest/pkg/metrics"
	"github.com/streamstore/aaingest/pkg/partition"
	"github.com/streamstore/aaingest/pkg/repair"
	"github.com/streamstore/aaingest/pkg/rmd"
	"github.com/streamstore/aaingest/pkg/viewfanout"
)

// Stats is an atomic, lock-free snapshot of task-wide counters, for the
// control plane or tests to poll without contending with the hot path.
type Stats struct {
	Applied  int64
	Ignored  int64
	Poisoned int64
}

// TaskConfig bundles every collaborator the task is driven by.
type TaskConfig struct {
	StoreVersion string
	Config       config.Config
	RegionCount  int
	// RegionURLs maps region ids to broker URLs. Injected read-only at
	// construction; never a process-wide singleton.
	RegionURLs map[uint16]string

	Engine   collab.Engine
	Broker   collab.BrokerClient
	Producer collab.Producer

	Resolver *merge.Resolver
	Fanout   *viewfanout.Fanout
	Repair   *repair.Service

	Metrics *metrics.Metrics
	Log     logger.Logger

	// HaltOnPoison, when true, returns a fatal error from ProcessRecord on
	// a poisoned record instead of logging and continuing.
	HaltOnPoison bool

	ProduceQueueSize int

	// LeaderPromotionQuietWindow is how long the local version topic must
	// be quiet before a follower may flip to leader. Defaults to 5s when
	// zero.
	LeaderPromotionQuietWindow time.Duration

	// LocalBrokerURL identifies this deployment's own region, used to
	// decide whether a topic switch's source brokers are remote. Empty
	// means "treat every source broker as remote", the conservative
	// default for a single-local-region deployment.
	LocalBrokerURL string
}

// Task drives ingestion for one store-version across N partitions.
type Task struct {
	cfg TaskConfig

	chunkAdapter *chunk.Adapter
	locks        *keylock.Pool
	codecs       *CodecRegistry

	repairHandle *repair.Handle

	partsMu sync.Mutex
	parts   map[int32]*partition.State
	queues  map[int32]*ProduceQueue
	waiters map[int32]*partition.InactivityWaiter

	closed atomic.Bool
	stats  atomic.Value // Stats
}

// NewTask constructs a Task. keyLockPoolSize should come from
// keylock.Size(partitionCount, leaderConsumerPoolSlots, regionCount, parallelism).
func NewTask(cfg TaskConfig, keyLockPoolSize int) *Task {
	if cfg.Log == nil {
		cfg.Log = logger.Nop{}
	}
	if cfg.RegionURLs == nil {
		cfg.RegionURLs = map[uint16]string{}
	}
	if cfg.LeaderPromotionQuietWindow <= 0 {
		cfg.LeaderPromotionQuietWindow = 5 * time.Second
	}
	t := &Task{
		cfg:          cfg,
		chunkAdapter: chunk.NewAdapter(cfg.Engine),
		locks:        keylock.New(keyLockPoolSize),
		codecs:       NewCodecRegistry(),
		parts:        map[int32]*partition.State{},
		queues:       map[int32]*ProduceQueue{},
		waiters:      map[int32]*partition.InactivityWaiter{},
	}
	if cfg.Repair != nil {
		t.repairHandle = repair.NewHandle(t)
	}
	t.stats.Store(Stats{})
	return t
}

// Stats returns the current counters.
func (t *Task) Stats() Stats { return t.stats.Load().(Stats) }

// RepairHandle returns the weak handle the repair service should use to
// reach this task, or nil when no repair service was configured. The
// handle is invalidated on Close, turning pending repair items into
// no-ops.
func (t *Task) RepairHandle() *repair.Handle { return t.repairHandle }

func (t *Task) bumpStat(fn func(*Stats)) {
	cur := t.Stats()
	fn(&cur)
	t.stats.Store(cur)
}

// PartitionState returns (creating if necessary) the consumption state for
// partitionID.
func (t *Task) PartitionState(partitionID int32) *partition.State {
	t.partsMu.Lock()
	defer t.partsMu.Unlock()
	s, ok := t.parts[partitionID]
	if !ok {
		s = partition.New(partitionID)
		t.parts[partitionID] = s
	}
	return s
}

func (t *Task) queueFor(partitionID int32) *ProduceQueue {
	t.partsMu.Lock()
	defer t.partsMu.Unlock()
	q, ok := t.queues[partitionID]
	if !ok {
		size := t.cfg.ProduceQueueSize
		q = NewProduceQueue(size)
		t.queues[partitionID] = q
	}
	return q
}

// waiterFor returns (creating if necessary) the InactivityWaiter tracking
// local version-topic quiet windows for partitionID.
func (t *Task) waiterFor(partitionID int32) *partition.InactivityWaiter {
	t.partsMu.Lock()
	defer t.partsMu.Unlock()
	w, ok := t.waiters[partitionID]
	if !ok {
		w = partition.NewInactivityWaiter()
		t.waiters[partitionID] = w
	}
	return w
}

func (t *Task) regionURL(id uint16) string {
	if u, ok := t.cfg.RegionURLs[id]; ok {
		return u
	}
	return fmt.Sprintf("region-%d", id)
}

// Subscribe implements repair.TaskHandle, letting the repair service drive
// this task back to a healthy subscription without either package
// importing the other.
func (t *Task) Subscribe(topic string, partitionID int32, offset int64) error {
	if t.closed.Load() {
		return nil
	}
	return t.cfg.Broker.Subscribe(topic, partitionID, offset)
}

// SyncUpstreamOffset implements repair.TaskHandle: once a repair item has
// resolved a rewind offset and resubscribed, the checkpointed upstream
// offset for that region is brought in line with it.
func (t *Task) SyncUpstreamOffset(partitionID int32, regionURL string, offset int64) {
	if t.closed.Load() {
		return
	}
	t.PartitionState(partitionID).UpdateLatestProcessedUpstreamRTOffset(regionURL, offset)
}

// ProcessRecord runs one record through the ingestion loop: version-topic
// records are written through as already-resolved state; real-time records
// are resolved under the key lock against the transient cache or storage,
// and an applied result is cached, fanned out to view writers, and
// enqueued for the local version-topic produce.
func (t *Task) ProcessRecord(ctx context.Context, rec collab.Record) (err error) {
	state := t.PartitionState(rec.Partition)

	// A partition that errors fatally after catching up is lagging again
	// until the control plane intervenes; flip the readiness gauge.
	defer func() {
		if err != nil && aaerr.Classify(err) == aaerr.ClassFatalPartition {
			t.cfg.Metrics.SetReadyToServeLag(rec.Partition, true)
		}
	}()

	if !rec.IsRealTime {
		return t.writeThrough(ctx, state, rec)
	}

	writeTS := uint64(rec.EffectiveTimestamp())
	if int64(writeTS) < 0 {
		writeTS = 0
	}

	handle := t.locks.Acquire(rec.Key)
	defer t.locks.Release(handle)

	old, oldRMD, loadErr := t.loadOld(state, rec.Partition, rec.Key)
	if loadErr != nil {
		return loadErr
	}

	op := opFromRecord(rec)

	result, resolveErr := t.cfg.Resolver.Resolve(old, oldRMD, op, writeTS, rec.SourceRegionID, uint64(rec.SourceOffset), t.cfg.RegionCount)
	if resolveErr != nil {
		return t.handlePoisoned(rec.Key, resolveErr)
	}
	if !result.Applied {
		t.cfg.Metrics.ObserveIgnored()
		t.bumpStat(func(s *Stats) { s.Ignored++ })
		return nil
	}

	// The new metadata must dominate whatever was there before; a
	// regression here means the resolver or its inputs are corrupt.
	prior := rmd.Zero(result.NewValueSchemaID, result.NewRMD.FieldLevel, t.cfg.RegionCount)
	if oldRMD != nil {
		prior = *oldRMD
	}
	if monoErr := rmd.CheckMonotonic(result.NewRMD, prior); monoErr != nil {
		return fmt.Errorf("%w: key %x", monoErr, rec.Key)
	}

	t.cfg.Metrics.ObserveApplied()
	t.bumpStat(func(s *Stats) { s.Applied++ })

	newValue := result.NewValue
	if !result.NewIsTombstone {
		if codec := t.storeCompressionCodec(); codec != CompressionNone {
			compressed, err := t.codecs.Compress(codec, newValue)
			if err == nil {
				newValue = compressed
			} else {
				t.cfg.Log.Log(logger.LevelWarn, "recompress failed, producing uncompressed", "err", err)
			}
		}
	}

	rmdBytes := rmd.Encode(result.NewValueSchemaID, result.NewRMD)

	snap := state.Snapshot()
	pendingOffset := snap.LocalVTOffset + 1

	// The cache must reflect the applied result before the produce is
	// enqueued, so the next record for this key in the same batch
	// resolves against it rather than stale storage.
	state.SetTransientRecord(rec.Key, &cache.TransientRecord{
		Value:    newValue,
		SchemaID: result.NewValueSchemaID,
		RMD:      result.NewRMD,
	}, pendingOffset)
	state.SetLocalVTOffset(pendingOffset)
	state.UpdateLatestProcessedUpstreamRTOffset(t.regionURL(rec.SourceRegionID), rec.SourceOffset)

	var oldValue []byte
	if old.Present {
		oldValue = old.Value
	}
	fanoutStart := time.Now()
	fanoutHandle := t.cfg.Fanout.Dispatch(ctx, viewfanout.Update{
		Key:             rec.Key,
		NewValue:        newValue,
		NewIsTombstone:  result.NewIsTombstone,
		OldValue:        oldValue,
		NewSchemaID:     result.NewValueSchemaID,
		OldSchemaID:     old.SchemaID,
		NewRMDTimestamp: result.NewRMD.Timestamp,
	})

	queue := t.queueFor(rec.Partition)
	key := append([]byte(nil), rec.Key...)
	sourceRegion := t.regionURL(rec.SourceRegionID)
	sourceOffset := rec.SourceOffset
	value := newValue
	schemaID := result.NewValueSchemaID
	isTombstone := result.NewIsTombstone
	meta := collab.PutMetadata{RMDSchemaID: result.NewValueSchemaID, RMDBytes: rmdBytes}

	queue.Enqueue(fanoutHandle, func() {
		t.cfg.Metrics.ObserveViewFanoutWait(time.Since(fanoutStart))
		cb := func(err error) {
			queue.Ack()
			if err != nil {
				t.cfg.Log.Log(logger.LevelError, "local VT produce failed", "key", key, "err", err)
				return
			}
			// Once the local VT has acknowledged this position, storage
			// holds the same state and the transient entry is obsolete;
			// the source offset is now fully consumed, not just processed.
			state.UpdateLeaderConsumedUpstreamRTOffset(sourceRegion, sourceOffset)
			state.EvictUpTo(pendingOffset)
		}
		if isTombstone {
			_ = t.cfg.Producer.Delete(ctx, key, cb, collab.LeaderMetadata{}, int64(writeTS), meta, nil, nil)
		} else {
			_ = t.cfg.Producer.Put(ctx, key, value, schemaID, cb, collab.LeaderMetadata{}, int64(writeTS), meta, nil, nil)
		}
	})

	return nil
}

// handlePoisoned records a poisoned record and either halts or continues
// per configuration; non-poisoned resolver errors propagate as-is.
func (t *Task) handlePoisoned(key []byte, err error) error {
	if aaerr.Classify(err) != aaerr.ClassPoisoned {
		return err
	}
	t.cfg.Metrics.ObservePoisoned()
	t.bumpStat(func(s *Stats) { s.Poisoned++ })
	poisoned := &aaerr.PoisonedRecord{Key: key, Err: err}
	if t.cfg.HaltOnPoison {
		return poisoned
	}
	t.cfg.Log.Log(logger.LevelWarn, "poisoned record, partition continues", "key", key, "err", err)
	return nil
}

// writeThrough persists a version-topic record without conflict
// resolution: it already represents resolved state. This is also where
// durable persistence actually lands for an applied merge decision — the
// leader produces the winning (value, RMD) pair to the local version
// topic, then consumes it back through this path, which stores value and
// metadata together; the hot critical section in ProcessRecord only has
// to keep the transient cache coherent until that produce round-trips.
func (t *Task) writeThrough(ctx context.Context, state *partition.State, rec collab.Record) error {
	switch {
	case rec.Value == nil:
		if err := t.chunkAdapter.Delete(rec.Partition, rec.Key, rec.RMDBytes); err != nil {
			return err
		}
	case len(rec.RMDBytes) > 0:
		stored := chunk.EncodeValueRecord(rec.SchemaID, rec.Value)
		if err := t.chunkAdapter.PutValueAndRMD(rec.Partition, rec.Key, stored, rec.RMDBytes); err != nil {
			return err
		}
	default:
		stored := chunk.EncodeValueRecord(rec.SchemaID, rec.Value)
		if err := t.cfg.Engine.Put(rec.Partition, rec.Key, stored); err != nil {
			return fmt.Errorf("%w: write-through put: %v", aaerr.ErrStorageFailure, err)
		}
	}
	state.SetLocalVTOffset(rec.Offset)
	t.waiterFor(rec.Partition).Touch(time.Now())
	return nil
}

// loadOld fetches the state the resolver compares against: the transient
// cache if it holds the key, otherwise value and metadata from storage.
// The metadata is read even when the value is absent — a tombstone keeps
// its metadata so stale writes arriving after a delete still lose.
func (t *Task) loadOld(state *partition.State, partitionID int32, key []byte) (merge.Old, *rmd.RMD, error) {
	if cached, ok := state.GetTransientRecord(key); ok {
		t.cfg.Metrics.ObserveCacheHit()
		old := merge.Old{Present: cached.Value != nil, Value: cached.Value, SchemaID: cached.SchemaID}
		r := cached.RMD
		return old, &r, nil
	}
	t.cfg.Metrics.ObserveCacheMiss()

	var old merge.Old
	value, schemaID, _, ok, err := t.chunkAdapter.GetValue(partitionID, key)
	if err != nil {
		return merge.Old{}, nil, err
	}
	if ok {
		old = merge.Old{Present: true, Value: value, SchemaID: schemaID}
	}

	rmdBytes, _, ok, err := t.chunkAdapter.GetRMD(partitionID, key)
	if err != nil {
		return merge.Old{}, nil, err
	}
	var oldRMD *rmd.RMD
	if ok {
		_, r, err := rmd.Decode(rmdBytes)
		if err != nil {
			return merge.Old{}, nil, err
		}
		oldRMD = &r
	}
	return old, oldRMD, nil
}

func (t *Task) storeCompressionCodec() CompressionCodec {
	vs, err := t.cfg.Engine.GetVersionState()
	if err != nil || vs == nil {
		return CompressionNone
	}
	return CompressionCodec(vs.CompressionCodec)
}

// opFromRecord builds the merge.Op for a real-time record, routing a
// partial update through the resolver's Update branch when the record is
// marked as one. Decoding the write-compute and value field schemas
// themselves is the injected field codec's job; this only forwards the
// bytes and schema ids the record already carries.
func opFromRecord(rec collab.Record) merge.Op {
	switch {
	case rec.IsUpdate:
		return merge.Op{
			Kind:           merge.OpUpdate,
			WriteCompute:   rec.WriteCompute,
			ValueSchemaID:  rec.ValueSchemaID,
			UpdateSchemaID: rec.UpdateSchemaID,
		}
	case rec.Value == nil:
		return merge.Op{Kind: merge.OpDelete, SchemaID: rec.SchemaID}
	default:
		return merge.Op{Kind: merge.OpPut, Value: rec.Value, SchemaID: rec.SchemaID}
	}
}

// PromoteIfQuiet blocks until the local version topic has been quiet for
// quietWindow (or ctx is cancelled, returning false), then flips the
// partition to leader. If its current topic switch names a source broker
// other than cfg.LocalBrokerURL, consume-remotely is set and the task
// resubscribes each remote region at its checkpointed upstream offset;
// regions with no checkpoint are left for the ordinary topic-switch path
// to pick up. Clears the partition's readiness-lag gauge on success.
func (t *Task) PromoteIfQuiet(ctx context.Context, partitionID int32, quietWindow time.Duration) bool {
	if quietWindow <= 0 {
		quietWindow = t.cfg.LeaderPromotionQuietWindow
	}
	if !t.waiterFor(partitionID).WaitQuiet(ctx, quietWindow) {
		return false
	}

	state := t.PartitionState(partitionID)
	state.SetRole(partition.RoleLeader)

	snap := state.Snapshot()
	remote := t.remoteSourceBrokers(snap.TopicSwitch)
	state.SetConsumeRemotely(len(remote) > 0)
	for _, region := range remote {
		offset := state.LeaderOffset(region)
		if offset < 0 {
			continue
		}
		if err := t.cfg.Broker.Subscribe(snap.TopicSwitch.SourceTopic, partitionID, offset); err != nil {
			t.cfg.Log.Log(logger.LevelError, "leader promotion: resubscribe failed", "region", region, "err", err)
		}
	}

	t.cfg.Metrics.SetReadyToServeLag(partitionID, false)
	return true
}

// remoteSourceBrokers returns the subset of ts's source brokers that are
// not this deployment's own region.
func (t *Task) remoteSourceBrokers(ts *partition.TopicSwitch) []string {
	if ts == nil {
		return nil
	}
	var remote []string
	for _, broker := range ts.SourceBrokers {
		if broker != t.cfg.LocalBrokerURL {
			remote = append(remote, broker)
		}
	}
	return remote
}

// Close gracefully drains every partition's produce queue before
// returning, then invalidates the repair handle so any pending repair
// items for this task become no-ops.
func (t *Task) Close(ctx context.Context) error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	t.partsMu.Lock()
	queues := make([]*ProduceQueue, 0, len(t.queues))
	for _, q := range t.queues {
		queues = append(queues, q)
	}
	t.partsMu.Unlock()

	var firstErr error
	for _, q := range queues {
		if err := q.Drain(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		q.Close()
	}
	if t.repairHandle != nil {
		t.repairHandle.Invalidate()
	}
	return firstErr
}

package ingest

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/streamstore/aaingest/pkg/collab"
)

// memEngine is an in-memory collab.Engine test double.
type memEngine struct {
	mu      sync.Mutex
	values  map[string][]byte
	rmds    map[string][]byte
	version *collab.VersionState
}

func newMemEngine() *memEngine {
	return &memEngine{values: map[string][]byte{}, rmds: map[string][]byte{}}
}

func ek(partition int32, key []byte) string {
	return strconv.Itoa(int(partition)) + "|" + string(key)
}

func (e *memEngine) Put(partition int32, key, value []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.values[ek(partition, key)] = append([]byte(nil), value...)
	return nil
}

func (e *memEngine) PutWithRMD(partition int32, key, value, rmdPrefixed []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.values[ek(partition, key)] = append([]byte(nil), value...)
	e.rmds[ek(partition, key)] = append([]byte(nil), rmdPrefixed...)
	return nil
}

func (e *memEngine) PutRMD(partition int32, key, rmdPrefixed []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rmds[ek(partition, key)] = append([]byte(nil), rmdPrefixed...)
	return nil
}

func (e *memEngine) Delete(partition int32, key []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.values, ek(partition, key))
	return nil
}

func (e *memEngine) DeleteWithRMD(partition int32, key, rmdPrefixed []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.values, ek(partition, key))
	e.rmds[ek(partition, key)] = append([]byte(nil), rmdPrefixed...)
	return nil
}

func (e *memEngine) Get(partition int32, key []byte) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.values[ek(partition, key)], nil
}

func (e *memEngine) GetRMD(partition int32, key []byte) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rmds[ek(partition, key)], nil
}

func (e *memEngine) GetVersionState() (*collab.VersionState, error) {
	return e.version, nil
}

// fakeProducer is a collab.Producer test double that invokes callbacks
// synchronously (as if the broker ack arrived immediately) and records
// every call in arrival order, for FIFO-ordering assertions.
type fakeProducer struct {
	mu      sync.Mutex
	applied []string
}

func (p *fakeProducer) Put(ctx context.Context, key, value []byte, schemaID int32, callback func(error), leaderMetadata collab.LeaderMetadata, logicalTS int64, putMeta collab.PutMetadata, oldValueManifest, oldRMDManifest *collab.ManifestRef) error {
	p.mu.Lock()
	p.applied = append(p.applied, "put:"+string(key)+":"+string(value))
	p.mu.Unlock()
	callback(nil)
	return nil
}

func (p *fakeProducer) Delete(ctx context.Context, key []byte, callback func(error), leaderMetadata collab.LeaderMetadata, logicalTS int64, putMeta collab.PutMetadata, oldValueManifest, oldRMDManifest *collab.ManifestRef) error {
	p.mu.Lock()
	p.applied = append(p.applied, "delete:"+string(key))
	p.mu.Unlock()
	callback(nil)
	return nil
}

func (p *fakeProducer) calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.applied...)
}

// fakeBroker is a collab.BrokerClient test double for topic-switch tests.
// offsetsForTimesQueue lets a test script one canned (offset, error) result
// per call to OffsetsForTimes, consumed in the order ExecuteTopicSwitch
// resolves its source regions; once exhausted, calls fall back to
// offsetForTime with a nil error.
type fakeBroker struct {
	mu                   sync.Mutex
	subs                 []string
	unsubs               []string
	offsetForTime        int64
	offsetsForTimesQueue []offsetResponse
	offsetsForTimesCalls int
}

type offsetResponse struct {
	offset int64
	err    error
}

func (b *fakeBroker) Subscribe(topic string, partition int32, offset int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, topic)
	return nil
}

func (b *fakeBroker) Unsubscribe(topic string, partition int32) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unsubs = append(b.unsubs, topic)
	return nil
}

func (b *fakeBroker) Poll(ctx context.Context, timeout time.Duration) ([]collab.Record, error) {
	return nil, nil
}

func (b *fakeBroker) OffsetsForTimes(ctx context.Context, topic string, partition int32, ts int64) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.offsetsForTimesCalls < len(b.offsetsForTimesQueue) {
		r := b.offsetsForTimesQueue[b.offsetsForTimesCalls]
		b.offsetsForTimesCalls++
		return r.offset, r.err
	}
	b.offsetsForTimesCalls++
	return b.offsetForTime, nil
}

func (b *fakeBroker) EndOffset(ctx context.Context, topic string, partition int32) (int64, error) {
	return 0, nil
}

package chunk

import (
	"encoding/binary"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/streamstore/aaingest/pkg/aaerr"
)

// memStorage is a trivial in-memory Storage for tests.
type memStorage struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemStorage() *memStorage { return &memStorage{data: map[string][]byte{}} }

func (m *memStorage) k(partition int32, key []byte) string {
	b := make([]byte, 4, 4+len(key))
	binary.BigEndian.PutUint32(b, uint32(partition))
	return string(append(b, key...))
}

func (m *memStorage) Get(partition int32, key []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data[m.k(partition, key)], nil
}

func (m *memStorage) Put(partition int32, key []byte, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[m.k(partition, key)] = append([]byte(nil), value...)
	return nil
}

func (m *memStorage) Delete(partition int32, key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, m.k(partition, key))
	return nil
}

func withSchemaPrefix(schemaID int32, body []byte) []byte {
	out := make([]byte, 4, 4+len(body))
	binary.BigEndian.PutUint32(out, uint32(schemaID))
	return append(out, body...)
}

// Splitting a large value into chunks and reassembling it via the Adapter
// returns exactly the original bytes, and deleting the logical key removes
// every chunk.
func TestChunkRoundTrip(t *testing.T) {
	storage := newMemStorage()
	a := NewAdapter(storage)

	payload := make([]byte, 5*1024*1024)
	for i := range payload {
		payload[i] = byte(i)
	}
	chunkSize := 1024 * 1024
	chunks := Split(payload, chunkSize)
	require.Len(t, chunks, 5)

	key := []byte("bigkey")
	chunkKeys := make([][]byte, len(chunks))
	for i, c := range chunks {
		ck := DeriveChunkKey(key, i)
		chunkKeys[i] = ck
		require.NoError(t, storage.Put(0, ck, c))
	}
	manifest := NewManifest(7, chunkKeys, payload)
	record, err := EncodeManifestRecord(manifest)
	require.NoError(t, err)
	require.NoError(t, storage.Put(0, key, record))

	got, schemaID, gotManifest, ok, err := a.GetValue(0, key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int32(7), schemaID)
	require.NotNil(t, gotManifest)
	require.Equal(t, payload, got)

	require.NoError(t, a.Delete(0, key, nil))
	for _, ck := range chunkKeys {
		v, err := storage.Get(0, ck)
		require.NoError(t, err)
		require.Nil(t, v)
	}
	v, err := storage.Get(0, key)
	require.NoError(t, err)
	require.Nil(t, v)
}

func TestChunkMissing(t *testing.T) {
	storage := newMemStorage()
	a := NewAdapter(storage)

	payload := []byte("hello world")
	chunks := Split(payload, 4)
	key := []byte("k")
	chunkKeys := make([][]byte, len(chunks))
	for i, c := range chunks {
		ck := DeriveChunkKey(key, i)
		chunkKeys[i] = ck
		if i == 1 {
			continue // simulate a missing chunk
		}
		require.NoError(t, storage.Put(0, ck, c))
	}
	manifest := NewManifest(1, chunkKeys, payload)
	record, err := EncodeManifestRecord(manifest)
	require.NoError(t, err)
	require.NoError(t, storage.Put(0, key, record))

	_, _, _, _, err = a.GetValue(0, key)
	require.ErrorIs(t, err, aaerr.ErrChunkMissing)
}

func TestPutValueAndRMDThenGet(t *testing.T) {
	storage := newMemStorage()
	a := NewAdapter(storage)

	key := []byte("k")
	value := withSchemaPrefix(3, []byte("value-bytes"))
	require.NoError(t, a.PutValueAndRMD(0, key, value, []byte("rmd-bytes")))

	got, schemaID, manifest, ok, err := a.GetValue(0, key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Nil(t, manifest)
	require.Equal(t, int32(3), schemaID)
	require.Equal(t, []byte("value-bytes"), got)

	rmdBytes, rmdManifest, ok, err := a.GetRMD(0, key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Nil(t, rmdManifest)
	require.Equal(t, []byte("rmd-bytes"), rmdBytes)
}

func TestGetValueMissing(t *testing.T) {
	a := NewAdapter(newMemStorage())
	_, _, _, ok, err := a.GetValue(0, []byte("nope"))
	require.NoError(t, err)
	require.False(t, ok)
}

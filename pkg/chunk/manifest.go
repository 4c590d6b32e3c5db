package chunk

import "golang.org/x/crypto/blake2b"

// ReservedManifestSchemaID marks a stored record as a chunked-value
// manifest rather than a literal value.
const ReservedManifestSchemaID int32 = -1

// Manifest is the on-disk representation of a value or replication-metadata
// payload that exceeded the wire size limit and was split into chunks.
type Manifest struct {
	SchemaID  int32
	ChunkKeys [][]byte
	TotalSize int64
	Checksum  []byte // blake2b-256 of the reassembled payload
}

// NewManifest builds a Manifest for payload already split into chunks
// stored under chunkKeys, computing its checksum.
func NewManifest(schemaID int32, chunkKeys [][]byte, payload []byte) Manifest {
	sum := blake2b.Sum256(payload)
	return Manifest{
		SchemaID:  schemaID,
		ChunkKeys: chunkKeys,
		TotalSize: int64(len(payload)),
		Checksum:  sum[:],
	}
}

// Verify reports whether payload matches the manifest's recorded checksum
// and size, guarding against a torn or corrupt chunk reassembly.
func (m Manifest) Verify(payload []byte) bool {
	if int64(len(payload)) != m.TotalSize {
		return false
	}
	sum := blake2b.Sum256(payload)
	return string(sum[:]) == string(m.Checksum)
}

// DeriveChunkKey computes the deterministic key for chunk index i of the
// logical key: the logical key, a separator unlikely to collide with
// application key bytes, and the varint chunk index.
func DeriveChunkKey(logicalKey []byte, index int) []byte {
	out := make([]byte, 0, len(logicalKey)+1+10)
	out = append(out, logicalKey...)
	out = append(out, 0x00, '_', 'c', 'h', 'u', 'n', 'k', '_')
	out = appendUvarint(out, uint64(index))
	return out
}

func appendUvarint(buf []byte, v uint64) []byte {
	for v >= 0x80 {
		buf = append(buf, byte(v)|0x80)
		v >>= 7
	}
	return append(buf, byte(v))
}

// Split divides payload into chunks of at most chunkSize bytes each,
// returning the chunk payloads in order. The caller is responsible for
// storing each chunk under DeriveChunkKey(logicalKey, i) and persisting
// the resulting Manifest; the Adapter only reads what the producer side
// already split.
func Split(payload []byte, chunkSize int) [][]byte {
	if chunkSize <= 0 {
		chunkSize = len(payload)
		if chunkSize == 0 {
			chunkSize = 1
		}
	}
	if len(payload) == 0 {
		return nil
	}
	n := (len(payload) + chunkSize - 1) / chunkSize
	chunks := make([][]byte, 0, n)
	for off := 0; off < len(payload); off += chunkSize {
		end := off + chunkSize
		if end > len(payload) {
			end = len(payload)
		}
		chunks = append(chunks, payload[off:end])
	}
	return chunks
}

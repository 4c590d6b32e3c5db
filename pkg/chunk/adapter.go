// Package chunk reassembles chunked values and replication metadata from
// storage via manifests, hiding chunk boundaries from callers. Values are
// stored schema-id-prefixed; a record whose prefix is
// ReservedManifestSchemaID is a manifest describing where the real payload
// lives.
package chunk

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"

	"github.com/streamstore/aaingest/pkg/aaerr"
)

// Storage is the narrow raw byte-oriented collaborator the adapter needs
// from the persistent KV store; it intentionally exposes nothing beyond
// get/put/delete so the chunking concern stays independent of the richer
// engine interface in pkg/collab, which any concrete engine satisfies
// structurally.
type Storage interface {
	Get(partition int32, key []byte) ([]byte, error)
	Put(partition int32, key []byte, value []byte) error
	Delete(partition int32, key []byte) error
}

// Adapter reads and writes logical records over Storage, transparently
// reassembling any record that was stored as a manifest plus chunks.
type Adapter struct {
	storage Storage
}

// NewAdapter wraps storage with manifest-aware get/put/delete.
func NewAdapter(storage Storage) *Adapter {
	return &Adapter{storage: storage}
}

// GetValue returns the value bytes, the schema id tagging them, and the
// manifest that described them if the value was chunked (nil otherwise).
// ok is false when the key has no value.
func (a *Adapter) GetValue(partition int32, key []byte) (value []byte, schemaID int32, manifest *Manifest, ok bool, err error) {
	raw, err := a.storage.Get(partition, key)
	if err != nil {
		return nil, 0, nil, false, fmt.Errorf("%w: get value: %v", aaerr.ErrStorageFailure, err)
	}
	if raw == nil {
		return nil, 0, nil, false, nil
	}

	schemaID, body := splitSchemaPrefix(raw)
	if schemaID != ReservedManifestSchemaID {
		return body, schemaID, nil, true, nil
	}

	m, err := decodeManifest(body)
	if err != nil {
		return nil, 0, nil, false, err
	}
	reassembled, err := a.reassemble(partition, m)
	if err != nil {
		return nil, 0, nil, false, err
	}
	return reassembled, m.SchemaID, &m, true, nil
}

// GetRMD returns the stored replication-metadata bytes (still
// schema-prefixed per pkg/rmd's wire format) and the manifest that
// described them if chunked.
func (a *Adapter) GetRMD(partition int32, key []byte) (rmdBytes []byte, manifest *Manifest, ok bool, err error) {
	raw, err := a.storage.Get(partition, rmdKey(key))
	if err != nil {
		return nil, nil, false, fmt.Errorf("%w: get rmd: %v", aaerr.ErrStorageFailure, err)
	}
	if raw == nil {
		return nil, nil, false, nil
	}

	schemaID, body := splitSchemaPrefix(raw)
	if schemaID != ReservedManifestSchemaID {
		return raw, nil, true, nil
	}

	m, err := decodeManifest(body)
	if err != nil {
		return nil, nil, false, err
	}
	reassembled, err := a.reassemble(partition, m)
	if err != nil {
		return nil, nil, false, err
	}
	return reassembled, &m, true, nil
}

// PutValueAndRMD persists value and rmdBytes together under key. Both
// writes happen back to back with no intervening failure point that could
// leave one observable without the other; a failure on either is surfaced
// before the caller acknowledges the record.
func (a *Adapter) PutValueAndRMD(partition int32, key, value, rmdBytes []byte) error {
	if err := a.storage.Put(partition, key, value); err != nil {
		return fmt.Errorf("%w: put value: %v", aaerr.ErrStorageFailure, err)
	}
	if err := a.storage.Put(partition, rmdKey(key), rmdBytes); err != nil {
		return fmt.Errorf("%w: put rmd: %v", aaerr.ErrStorageFailure, err)
	}
	return nil
}

// PutRMDOnly persists rmdBytes without touching the value (used for
// metadata-only catch-up records).
func (a *Adapter) PutRMDOnly(partition int32, key, rmdBytes []byte) error {
	if err := a.storage.Put(partition, rmdKey(key), rmdBytes); err != nil {
		return fmt.Errorf("%w: put rmd: %v", aaerr.ErrStorageFailure, err)
	}
	return nil
}

// Delete removes the logical key's value and, when rmdBytes is nil, its
// replication metadata; a non-nil rmdBytes is persisted as the tombstone's
// metadata instead. If the value was a chunked manifest, every referenced
// chunk key is removed too.
func (a *Adapter) Delete(partition int32, key []byte, rmdBytes []byte) error {
	raw, err := a.storage.Get(partition, key)
	if err != nil {
		return fmt.Errorf("%w: get for delete: %v", aaerr.ErrStorageFailure, err)
	}
	if raw != nil {
		schemaID, body := splitSchemaPrefix(raw)
		if schemaID == ReservedManifestSchemaID {
			m, err := decodeManifest(body)
			if err != nil {
				return err
			}
			for _, ck := range m.ChunkKeys {
				if err := a.storage.Delete(partition, ck); err != nil {
					return fmt.Errorf("%w: delete chunk: %v", aaerr.ErrStorageFailure, err)
				}
			}
		}
	}
	if err := a.storage.Delete(partition, key); err != nil {
		return fmt.Errorf("%w: delete value: %v", aaerr.ErrStorageFailure, err)
	}
	if rmdBytes == nil {
		if err := a.storage.Delete(partition, rmdKey(key)); err != nil {
			return fmt.Errorf("%w: delete rmd: %v", aaerr.ErrStorageFailure, err)
		}
		return nil
	}
	if err := a.storage.Put(partition, rmdKey(key), rmdBytes); err != nil {
		return fmt.Errorf("%w: put tombstone rmd: %v", aaerr.ErrStorageFailure, err)
	}
	return nil
}

// reassemble issues one sub-read per chunk key and concatenates the
// results, verifying the checksum matches before handing the payload back.
func (a *Adapter) reassemble(partition int32, m Manifest) ([]byte, error) {
	out := make([]byte, 0, m.TotalSize)
	for _, ck := range m.ChunkKeys {
		part, err := a.storage.Get(partition, ck)
		if err != nil {
			return nil, fmt.Errorf("%w: read chunk: %v", aaerr.ErrStorageFailure, err)
		}
		if len(part) == 0 {
			return nil, fmt.Errorf("%w: chunk key %x returned empty", aaerr.ErrChunkMissing, ck)
		}
		out = append(out, part...)
	}
	if !m.Verify(out) {
		return nil, fmt.Errorf("%w: checksum mismatch after reassembly", aaerr.ErrChunkMissing)
	}
	return out, nil
}

func rmdKey(key []byte) []byte {
	out := make([]byte, 0, len(key)+5)
	out = append(out, key...)
	return append(out, 0x00, 'r', 'm', 'd')
}

func splitSchemaPrefix(raw []byte) (schemaID int32, body []byte) {
	if len(raw) < 4 {
		return 0, raw
	}
	schemaID = int32(binary.BigEndian.Uint32(raw))
	return schemaID, raw[4:]
}

func decodeManifest(body []byte) (Manifest, error) {
	var m Manifest
	if err := gob.NewDecoder(bytes.NewReader(body)).Decode(&m); err != nil {
		return Manifest{}, fmt.Errorf("%w: decode manifest: %v", aaerr.ErrMalformedRmd, err)
	}
	return m, nil
}

// EncodeValueRecord prefixes body with its schema id, producing the byte
// layout GetValue expects to read back from storage.
func EncodeValueRecord(schemaID int32, body []byte) []byte {
	out := make([]byte, 4, 4+len(body))
	binary.BigEndian.PutUint32(out, uint32(schemaID))
	return append(out, body...)
}

// EncodeManifestRecord is the inverse of the manifest-detection path in
// GetValue/GetRMD/Delete: it prefixes ReservedManifestSchemaID and encodes
// m so the producer side can store it as the logical record.
func EncodeManifestRecord(m Manifest) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(m); err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	return EncodeValueRecord(ReservedManifestSchemaID, buf.Bytes()), nil
}

package rmd

import (
	"encoding/binary"
	"fmt"

	"github.com/streamstore/aaingest/pkg/aaerr"
)

// RMDSchemaResolver maps a value schema id to the replication-metadata
// schema id that selects its layout. This is an injected, narrow
// collaborator — the schema registry itself lives outside this module.
type RMDSchemaResolver interface {
	RMDSchemaID(valueSchemaID int32) (rmdSchemaID int32, fieldLevel bool, err error)
}

// Encode serializes schemaID and rmd into the on-disk layout:
//
//	[4 bytes be: value_schema_id][RMD payload]
//
// The codec never inspects chunk boundaries; chunking is the concern of
// pkg/chunk, layered above this wire format.
func Encode(valueSchemaID int32, r RMD) []byte {
	body := encodeBody(r)
	out := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(out[0:4], uint32(valueSchemaID))
	copy(out[4:], body)
	return out
}

func encodeBody(r RMD) []byte {
	size := 1 + 4 + 8*len(r.OffsetVector)
	if r.FieldLevel {
		size += 4
		for name := range r.FieldTimestamps {
			size += 2 + len(name) + 8
		}
	} else {
		size += 8
	}
	buf := make([]byte, size)
	off := 0

	if r.FieldLevel {
		buf[off] = 1
	} else {
		buf[off] = 0
	}
	off++

	binary.BigEndian.PutUint32(buf[off:], uint32(len(r.OffsetVector)))
	off += 4
	for _, v := range r.OffsetVector {
		binary.BigEndian.PutUint64(buf[off:], v)
		off += 8
	}

	if r.FieldLevel {
		binary.BigEndian.PutUint32(buf[off:], uint32(len(r.FieldTimestamps)))
		off += 4
		for name, ts := range r.FieldTimestamps {
			binary.BigEndian.PutUint16(buf[off:], uint16(len(name)))
			off += 2
			off += copy(buf[off:], name)
			binary.BigEndian.PutUint64(buf[off:], ts)
			off += 8
		}
	} else {
		binary.BigEndian.PutUint64(buf[off:], r.Timestamp)
		off += 8
	}
	return buf[:off]
}

// Decode parses the wire layout produced by Encode. It returns
// aaerr.ErrMalformedRmd (fatal to the store-version) on truncation.
func Decode(b []byte) (valueSchemaID int32, r RMD, err error) {
	if len(b) < 4 {
		return 0, RMD{}, fmt.Errorf("%w: short header (%d bytes)", aaerr.ErrMalformedRmd, len(b))
	}
	valueSchemaID = int32(binary.BigEndian.Uint32(b[0:4]))
	r, err = decodeBody(b[4:])
	if err != nil {
		return 0, RMD{}, err
	}
	r.SchemaID = valueSchemaID
	return valueSchemaID, r, nil
}

func decodeBody(b []byte) (RMD, error) {
	if len(b) < 1+4 {
		return RMD{}, fmt.Errorf("%w: short body (%d bytes)", aaerr.ErrMalformedRmd, len(b))
	}
	fieldLevel := b[0] == 1
	off := 1

	nRegions := int(binary.BigEndian.Uint32(b[off:]))
	off += 4
	if off+nRegions*8 > len(b) {
		return RMD{}, fmt.Errorf("%w: truncated offset vector", aaerr.ErrMalformedRmd)
	}
	vec := make([]uint64, nRegions)
	for i := 0; i < nRegions; i++ {
		vec[i] = binary.BigEndian.Uint64(b[off:])
		off += 8
	}

	r := RMD{FieldLevel: fieldLevel, OffsetVector: vec}

	if fieldLevel {
		if off+4 > len(b) {
			return RMD{}, fmt.Errorf("%w: truncated field count", aaerr.ErrMalformedRmd)
		}
		n := int(binary.BigEndian.Uint32(b[off:]))
		off += 4
		fields := make(map[string]uint64, n)
		for i := 0; i < n; i++ {
			if off+2 > len(b) {
				return RMD{}, fmt.Errorf("%w: truncated field name length", aaerr.ErrMalformedRmd)
			}
			nameLen := int(binary.BigEndian.Uint16(b[off:]))
			off += 2
			if off+nameLen+8 > len(b) {
				return RMD{}, fmt.Errorf("%w: truncated field entry", aaerr.ErrMalformedRmd)
			}
			name := string(b[off : off+nameLen])
			off += nameLen
			fields[name] = binary.BigEndian.Uint64(b[off:])
			off += 8
		}
		r.FieldTimestamps = fields
	} else {
		if off+8 > len(b) {
			return RMD{}, fmt.Errorf("%w: truncated timestamp", aaerr.ErrMalformedRmd)
		}
		r.Timestamp = binary.BigEndian.Uint64(b[off:])
		off += 8
	}

	return r, nil
}

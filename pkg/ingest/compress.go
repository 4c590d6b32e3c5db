package ingest

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// CompressionCodec selects the wire compression applied to a value before
// it is produced to the local version topic, read from the store-version's
// VersionState.CompressionCodec.
type CompressionCodec string

const (
	CompressionNone CompressionCodec = "NO_OP"
	CompressionGzip CompressionCodec = "GZIP"
	CompressionZSTD CompressionCodec = "ZSTD"
	CompressionLZ4  CompressionCodec = "LZ4"
)

// Compressor recompresses a value. Implementations must be safe for
// concurrent use since a single store-version's Task may recompress
// records from multiple partitions concurrently.
type Compressor interface {
	Compress(value []byte) ([]byte, error)
}

type noopCompressor struct{}

func (noopCompressor) Compress(value []byte) ([]byte, error) { return value, nil }

type zstdCompressor struct{}

func (zstdCompressor) Compress(value []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("ingest: init zstd encoder: %w", err)
	}
	defer enc.Close()
	return enc.EncodeAll(value, make([]byte, 0, len(value))), nil
}

type gzipCompressor struct{}

func (gzipCompressor) Compress(value []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(value); err != nil {
		return nil, fmt.Errorf("ingest: gzip compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("ingest: gzip close: %w", err)
	}
	return buf.Bytes(), nil
}

type lz4Compressor struct{}

func (lz4Compressor) Compress(value []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(value); err != nil {
		return nil, fmt.Errorf("ingest: lz4 compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("ingest: lz4 close: %w", err)
	}
	return buf.Bytes(), nil
}

// CodecRegistry resolves a CompressionCodec name to a Compressor.
type CodecRegistry struct {
	codecs map[CompressionCodec]Compressor
}

// NewCodecRegistry returns a registry pre-populated with every codec the
// engine understands.
func NewCodecRegistry() *CodecRegistry {
	return &CodecRegistry{codecs: map[CompressionCodec]Compressor{
		CompressionNone: noopCompressor{},
		CompressionGzip: gzipCompressor{},
		CompressionZSTD: zstdCompressor{},
		CompressionLZ4:  lz4Compressor{},
	}}
}

// Compress recompresses value under codec. An unrecognized or empty codec
// name is treated the same as NO_OP: value itself is returned unchanged,
// not copied.
func (r *CodecRegistry) Compress(codec CompressionCodec, value []byte) ([]byte, error) {
	c, ok := r.codecs[codec]
	if !ok {
		c = noopCompressor{}
	}
	return c.Compress(value)
}

// decompressLZ4 exists for tests; the engine itself only compresses, the
// serving read path decompresses elsewhere.
func decompressLZ4(compressed []byte) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(compressed))
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("ingest: lz4 decompress: %w", err)
	}
	return out, nil
}

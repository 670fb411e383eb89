// Package blob persists matrix columns as individually encoded files.
//
// Codecs keep per-instance scratch buffers and are owned by one Store.
package blob

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// ErrCorrupt is returned when a persisted column cannot be decoded.
var ErrCorrupt = errors.New("blob: corrupt column data")

// Codec converts a column of float64 values to and from its on-disk bytes.
type Codec interface {
	Name() string
	// Encode appends the encoded form of src to dst.
	Encode(dst []byte, src []float64) ([]byte, error)
	// Decode fills dst, whose length must match the encoded column length.
	Decode(dst []float64, src []byte) error
	// Positional reports whether value i lives at byte offset 8*i, which
	// allows partial reads and writes without rewriting the whole column.
	Positional() bool
	Close()
}

// NewCodec returns a codec by its configuration name: "raw", "zstd" or "lz4".
func NewCodec(name string) (Codec, error) {
	switch name {
	case "", "raw":
		return rawCodec{}, nil
	case "zstd":
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		dec, err := zstd.NewReader(nil)
		if err != nil {
			enc.Close()
			return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
		}
		return &zstdCodec{enc: enc, dec: dec}, nil
	case "lz4":
		return lz4Codec{}, nil
	default:
		return nil, fmt.Errorf("unknown column codec: %q", name)
	}
}

func putFloats(dst []byte, src []float64) []byte {
	off := len(dst)
	dst = append(dst, make([]byte, len(src)*8)...)
	for i, v := range src {
		binary.LittleEndian.PutUint64(dst[off+i*8:], math.Float64bits(v))
	}
	return dst
}

func getFloats(dst []float64, src []byte) error {
	if len(src) != len(dst)*8 {
		return fmt.Errorf("%w: got %d bytes, expected %d", ErrCorrupt, len(src), len(dst)*8)
	}
	for i := range dst {
		dst[i] = math.Float64frombits(binary.LittleEndian.Uint64(src[i*8:]))
	}
	return nil
}

type rawCodec struct{}

func (rawCodec) Name() string     { return "raw" }
func (rawCodec) Positional() bool { return true }
func (rawCodec) Close()           {}

func (rawCodec) Encode(dst []byte, src []float64) ([]byte, error) {
	return putFloats(dst, src), nil
}

func (rawCodec) Decode(dst []float64, src []byte) error {
	return getFloats(dst, src)
}

type zstdCodec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
	raw []byte
}

func (c *zstdCodec) Name() string     { return "zstd" }
func (c *zstdCodec) Positional() bool { return false }

func (c *zstdCodec) Encode(dst []byte, src []float64) ([]byte, error) {
	c.raw = putFloats(c.raw[:0], src)
	return c.enc.EncodeAll(c.raw, dst), nil
}

func (c *zstdCodec) Decode(dst []float64, src []byte) error {
	raw, err := c.dec.DecodeAll(src, c.raw[:0])
	if err != nil {
		return fmt.Errorf("zstd decompress failed: %w", err)
	}
	c.raw = raw
	return getFloats(dst, raw)
}

func (c *zstdCodec) Close() {
	c.enc.Close()
	c.dec.Close()
}

// lz4 frames: one flag byte (0 stored, 1 compressed), uint32 raw length, payload.
type lz4Codec struct{}

const (
	lz4Stored     = 0
	lz4Compressed = 1
)

func (lz4Codec) Name() string     { return "lz4" }
func (lz4Codec) Positional() bool { return false }
func (lz4Codec) Close()           {}

func (lz4Codec) Encode(dst []byte, src []float64) ([]byte, error) {
	raw := putFloats(nil, src)
	header := make([]byte, 5)
	binary.LittleEndian.PutUint32(header[1:], uint32(len(raw)))

	compressed := make([]byte, lz4.CompressBlockBound(len(raw)))
	n, err := lz4.CompressBlock(raw, compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress failed: %w", err)
	}
	if n == 0 || n >= len(raw) {
		header[0] = lz4Stored
		return append(append(dst, header...), raw...), nil
	}
	header[0] = lz4Compressed
	return append(append(dst, header...), compressed[:n]...), nil
}

func (lz4Codec) Decode(dst []float64, src []byte) error {
	if len(src) < 5 {
		return fmt.Errorf("%w: lz4 frame too short", ErrCorrupt)
	}
	rawLen := int(binary.LittleEndian.Uint32(src[1:5]))
	payload := src[5:]
	switch src[0] {
	case lz4Stored:
		return getFloats(dst, payload)
	case lz4Compressed:
		raw := make([]byte, rawLen)
		n, err := lz4.UncompressBlock(payload, raw)
		if err != nil {
			return fmt.Errorf("lz4 decompress failed: %w", err)
		}
		return getFloats(dst, raw[:n])
	default:
		return fmt.Errorf("%w: unknown lz4 frame flag %d", ErrCorrupt, src[0])
	}
}

// Package intensity reads raw per-array probe intensities indexed by layout
// location.
package intensity

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// ErrFormat is returned for malformed intensity files.
var ErrFormat = errors.New("intensity: malformed file")

const (
	rmafMagic   = "RMAF"
	rmafVersion = 1
	// rmafHeaderSize is magic + version + count.
	rmafHeaderSize = 12
)

// ReadText parses a text intensity file for a rows×cols grid. Each data line
// is either a single value, taken in location order, or "x y value". Blank
// lines and lines starting with '#' are ignored. Every location must be given.
func ReadText(r io.Reader, rows, cols int) ([]float64, error) {
	n := rows * cols
	out := make([]float64, n)
	seen := make([]bool, n)
	count := 0
	next := 0

	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		var (
			loc int
			raw string
		)
		switch len(fields) {
		case 1:
			loc, raw = next, fields[0]
			next++
		case 3:
			x, errX := strconv.Atoi(fields[0])
			y, errY := strconv.Atoi(fields[1])
			if errX != nil || errY != nil || x < 0 || x >= cols || y < 0 || y >= rows {
				return nil, fmt.Errorf("%w: line %d: bad coordinates %q %q", ErrFormat, lineNo, fields[0], fields[1])
			}
			loc, raw = y*cols+x, fields[2]
		default:
			return nil, fmt.Errorf("%w: line %d: expected 1 or 3 fields, got %d", ErrFormat, lineNo, len(fields))
		}
		if loc >= n {
			return nil, fmt.Errorf("%w: more than %d values", ErrFormat, n)
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrFormat, lineNo, err)
		}
		if !seen[loc] {
			seen[loc] = true
			count++
		}
		out[loc] = v
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if count != n {
		return nil, fmt.Errorf("%w: %d of %d locations present", ErrFormat, count, n)
	}
	return out, nil
}

// WriteRMAF writes values as an RMAF file: "RMAF", version and count as
// little-endian uint32, then zstd-compressed little-endian float32 values.
func WriteRMAF(w io.Writer, values []float64) error {
	raw := make([]byte, len(values)*4)
	for i, v := range values {
		binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(float32(v)))
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	defer enc.Close()

	hdr := make([]byte, rmafHeaderSize)
	copy(hdr, rmafMagic)
	binary.LittleEndian.PutUint32(hdr[4:], rmafVersion)
	binary.LittleEndian.PutUint32(hdr[8:], uint32(len(values)))
	if _, err := w.Write(enc.EncodeAll(raw, hdr)); err != nil {
		return fmt.Errorf("failed to write RMAF data: %w", err)
	}
	return nil
}

// ReadRMAFHeader returns the value count of an RMAF stream.
func ReadRMAFHeader(r io.Reader) (int, error) {
	hdr := make([]byte, rmafHeaderSize)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return 0, fmt.Errorf("%w: short header: %v", ErrFormat, err)
	}
	if string(hdr[:4]) != rmafMagic {
		return 0, fmt.Errorf("%w: bad magic %q", ErrFormat, hdr[:4])
	}
	if v := binary.LittleEndian.Uint32(hdr[4:]); v != rmafVersion {
		return 0, fmt.Errorf("%w: unsupported version %d", ErrFormat, v)
	}
	return int(binary.LittleEndian.Uint32(hdr[8:])), nil
}

// ReadRMAF decodes a whole RMAF file with dec.
func ReadRMAF(data []byte, dec *zstd.Decoder) ([]float64, error) {
	n, err := ReadRMAFHeader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	raw, err := dec.DecodeAll(data[rmafHeaderSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: zstd decompress failed: %v", ErrFormat, err)
	}
	if len(raw) != n*4 {
		return nil, fmt.Errorf("%w: payload has %d bytes, expected %d", ErrFormat, len(raw), n*4)
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:])))
	}
	return out, nil
}

// IsRMAF reports whether data starts with the RMAF magic.
func IsRMAF(data []byte) bool {
	return len(data) >= 4 && string(data[:4]) == rmafMagic
}

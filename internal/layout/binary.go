package layout

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// Binary layout files start with the magic "CDF" or "RMECDF" followed by a
// little-endian uint32 version, the grid size and the probeset count:
//
//	magic | version u32 | rows u32 | cols u32 | nsets u32
//
// Each probeset then stores its name and probe count, then the PM locations
// and, for versions 1 and 2, the MM locations (all int32):
//
//	v1: name len u8  | name | n u32 | pm[n] | mm[n]
//	v2: name len u16 | name | n u32 | pm[n] | mm[n]
//	v3: name len u16 | name | n u32 | pm[n]
const (
	legacyMagic  = "CDF"
	currentMagic = "RMECDF"

	minBinaryVersion = 1
	maxBinaryVersion = 3
)

// ReadBinary parses a binary layout.
func ReadBinary(r io.Reader, designID string) (*Map, error) {
	br := bufio.NewReader(r)

	head := make([]byte, 3)
	if _, err := io.ReadFull(br, head); err != nil {
		return nil, fmt.Errorf("%w: missing magic: %v", ErrFormat, err)
	}
	switch string(head) {
	case legacyMagic:
	case currentMagic[:3]:
		rest := make([]byte, 3)
		if _, err := io.ReadFull(br, rest); err != nil || string(rest) != currentMagic[3:] {
			return nil, fmt.Errorf("%w: bad magic", ErrFormat)
		}
	default:
		return nil, fmt.Errorf("%w: bad magic %q", ErrFormat, head)
	}

	var hdr struct {
		Version uint32
		Rows    uint32
		Cols    uint32
		NSets   uint32
	}
	if err := binary.Read(br, binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("%w: short header: %v", ErrFormat, err)
	}
	if hdr.Version < minBinaryVersion || hdr.Version > maxBinaryVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrFormat, hdr.Version)
	}

	if hdr.Rows == 0 || hdr.Cols == 0 {
		return nil, fmt.Errorf("%w: invalid grid %dx%d", ErrFormat, hdr.Rows, hdr.Cols)
	}
	// Counts come from the file; slices grow only as data is actually read.
	locations := uint64(hdr.Rows) * uint64(hdr.Cols)
	m := &Map{
		DesignID: designID,
		Rows:     int(hdr.Rows),
		Cols:     int(hdr.Cols),
	}
	for i := uint32(0); i < hdr.NSets; i++ {
		ps, err := readBinaryProbeset(br, hdr.Version, locations)
		if err != nil {
			return nil, fmt.Errorf("probeset %d: %w", i, err)
		}
		m.Probesets = append(m.Probesets, ps)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func readBinaryProbeset(r io.Reader, version uint32, locations uint64) (Probeset, error) {
	var nameLen int
	if version == 1 {
		var n uint8
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return Probeset{}, fmt.Errorf("%w: name length: %v", ErrFormat, err)
		}
		nameLen = int(n)
	} else {
		var n uint16
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return Probeset{}, fmt.Errorf("%w: name length: %v", ErrFormat, err)
		}
		nameLen = int(n)
	}
	name := make([]byte, nameLen)
	if _, err := io.ReadFull(r, name); err != nil {
		return Probeset{}, fmt.Errorf("%w: name: %v", ErrFormat, err)
	}

	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return Probeset{}, fmt.Errorf("%w: probe count: %v", ErrFormat, err)
	}
	if uint64(count) > locations {
		return Probeset{}, fmt.Errorf("%w: %d probes on a grid of %d locations", ErrFormat, count, locations)
	}
	pm, err := readLocations(r, count)
	if err != nil {
		return Probeset{}, err
	}
	ps := Probeset{Name: string(name), Rows: pm}
	if version < 3 {
		if ps.MM, err = readLocations(r, count); err != nil {
			return Probeset{}, err
		}
	}
	return ps, nil
}

// locationChunk bounds each read of probe locations.
const locationChunk = 4096

func readLocations(r io.Reader, n uint32) ([]int, error) {
	out := make([]int, 0, min(n, locationChunk))
	raw := make([]int32, min(n, locationChunk))
	for left := n; left > 0; {
		chunk := raw[:min(left, locationChunk)]
		if err := binary.Read(r, binary.LittleEndian, chunk); err != nil {
			return nil, fmt.Errorf("%w: probe locations: %v", ErrFormat, err)
		}
		for _, v := range chunk {
			out = append(out, int(v))
		}
		left -= uint32(len(chunk))
	}
	return out, nil
}

// WriteBinary encodes m in the given binary layout version.
func WriteBinary(w io.Writer, m *Map, version int) error {
	if version < minBinaryVersion || version > maxBinaryVersion {
		return fmt.Errorf("unsupported layout version %d", version)
	}
	bw := bufio.NewWriter(w)
	magic := currentMagic
	if version < 3 {
		magic = legacyMagic
	}
	if _, err := bw.WriteString(magic); err != nil {
		return err
	}
	hdr := []uint32{uint32(version), uint32(m.Rows), uint32(m.Cols), uint32(len(m.Probesets))}
	if err := binary.Write(bw, binary.LittleEndian, hdr); err != nil {
		return err
	}
	for _, ps := range m.Probesets {
		if err := writeBinaryProbeset(bw, ps, version); err != nil {
			return fmt.Errorf("probeset %q: %w", ps.Name, err)
		}
	}
	return bw.Flush()
}

func writeBinaryProbeset(w io.Writer, ps Probeset, version int) error {
	if version == 1 {
		if len(ps.Name) > 0xff {
			return fmt.Errorf("name longer than 255 bytes")
		}
		if err := binary.Write(w, binary.LittleEndian, uint8(len(ps.Name))); err != nil {
			return err
		}
	} else {
		if len(ps.Name) > 0xffff {
			return fmt.Errorf("name longer than 65535 bytes")
		}
		if err := binary.Write(w, binary.LittleEndian, uint16(len(ps.Name))); err != nil {
			return err
		}
	}
	if _, err := io.WriteString(w, ps.Name); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(ps.Rows))); err != nil {
		return err
	}
	if err := writeLocations(w, ps.Rows); err != nil {
		return err
	}
	if version < 3 {
		mm := ps.MM
		if len(mm) != len(ps.Rows) {
			mm = make([]int, len(ps.Rows))
		}
		return writeLocations(w, mm)
	}
	return nil
}

func writeLocations(w io.Writer, locs []int) error {
	raw := make([]int32, len(locs))
	for i, v := range locs {
		raw[i] = int32(v)
	}
	return binary.Write(w, binary.LittleEndian, raw)
}

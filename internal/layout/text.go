package layout

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ReadCoordinates parses a CLF-style coordinate file. Header lines carry
// "#%rows=N" and "#%cols=N"; data lines are "probe_id<TAB>x<TAB>y".
// It returns the grid size and each probe's location index.
func ReadCoordinates(r io.Reader) (rows, cols int, locs map[string]int, err error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)

	type coord struct{ x, y int }
	coords := make(map[string]coord)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "#") {
			key, val, ok := strings.Cut(strings.TrimPrefix(line, "#%"), "=")
			if !ok {
				continue
			}
			switch strings.TrimSpace(key) {
			case "rows":
				rows, err = strconv.Atoi(strings.TrimSpace(val))
			case "cols":
				cols, err = strconv.Atoi(strings.TrimSpace(val))
			}
			if err != nil {
				return 0, 0, nil, fmt.Errorf("%w: line %d: %v", ErrFormat, lineNo, err)
			}
			continue
		}

		fields := strings.Fields(line)
		if len(fields) != 3 {
			return 0, 0, nil, fmt.Errorf("%w: line %d: expected 3 fields, got %d", ErrFormat, lineNo, len(fields))
		}
		x, errX := strconv.Atoi(fields[1])
		y, errY := strconv.Atoi(fields[2])
		if errX != nil || errY != nil {
			return 0, 0, nil, fmt.Errorf("%w: line %d: bad coordinates", ErrFormat, lineNo)
		}
		coords[fields[0]] = coord{x, y}
	}
	if err := sc.Err(); err != nil {
		return 0, 0, nil, err
	}
	if rows <= 0 || cols <= 0 {
		return 0, 0, nil, fmt.Errorf("%w: missing #%%rows/#%%cols header", ErrFormat)
	}

	locs = make(map[string]int, len(coords))
	for id, c := range coords {
		if c.x < 0 || c.x >= cols || c.y < 0 || c.y >= rows {
			return 0, 0, nil, fmt.Errorf("%w: probe %s at (%d,%d) outside %dx%d grid", ErrFormat, id, c.x, c.y, cols, rows)
		}
		locs[id] = c.y*cols + c.x
	}
	return rows, cols, locs, nil
}

// ProbesetProbes is one line of a PGF-style probeset file.
type ProbesetProbes struct {
	Name     string
	ProbeIDs []string
}

// ReadProbesets parses "probeset_id<TAB>probe_id,probe_id,..." lines.
// A probeset with an empty probe list is kept so callers can report it.
func ReadProbesets(r io.Reader) ([]ProbesetProbes, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)

	var out []ProbesetProbes
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name, list, _ := strings.Cut(line, "\t")
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, fmt.Errorf("%w: line %d: empty probeset id", ErrFormat, lineNo)
		}
		out = append(out, ProbesetProbes{Name: name, ProbeIDs: splitList(list)})
	}
	return out, sc.Err()
}

// BuildTextMap joins a coordinate file and a probeset file into a Map.
func BuildTextMap(designID string, coords, probesets io.Reader) (*Map, error) {
	rows, cols, locs, err := ReadCoordinates(coords)
	if err != nil {
		return nil, fmt.Errorf("failed to read coordinates: %w", err)
	}
	sets, err := ReadProbesets(probesets)
	if err != nil {
		return nil, fmt.Errorf("failed to read probesets: %w", err)
	}

	m := &Map{DesignID: designID, Rows: rows, Cols: cols, Probesets: make([]Probeset, 0, len(sets))}
	for _, s := range sets {
		ps := Probeset{Name: s.Name, Rows: make([]int, 0, len(s.ProbeIDs))}
		for _, id := range s.ProbeIDs {
			loc, ok := locs[id]
			if !ok {
				return nil, fmt.Errorf("%w: probeset %s references unknown probe %s", ErrFormat, s.Name, id)
			}
			ps.Rows = append(ps.Rows, loc)
		}
		m.Probesets = append(m.Probesets, ps)
	}
	return m, nil
}

func splitList(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	parts := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' || r == '\t' })
	return parts
}

package layout

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ReadAllowList parses one probeset id per line.
func ReadAllowList(r io.Reader) ([]string, error) {
	sc := bufio.NewScanner(r)
	var ids []string
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ids = append(ids, strings.Fields(line)[0])
	}
	return ids, sc.Err()
}

// Allow returns a copy of m that keeps only the listed probesets, in layout
// order. Unknown ids are reported as a mismatch.
func Allow(m *Map, ids []string) (*Map, error) {
	idx := m.Index()
	keep := make(map[string]bool, len(ids))
	for _, id := range ids {
		if _, ok := idx[id]; !ok {
			return nil, fmt.Errorf("%w: allow-list names unknown probeset %q", ErrMismatch, id)
		}
		keep[id] = true
	}

	out := &Map{DesignID: m.DesignID, Rows: m.Rows, Cols: m.Cols}
	for _, ps := range m.Probesets {
		if keep[ps.Name] {
			out.Probesets = append(out.Probesets, ps)
		}
	}
	return out, nil
}

// MetaProbeset aggregates several probesets into one output row.
type MetaProbeset struct {
	Name    string
	Members []string
	// Expected is the declared probe count, or -1 when not declared.
	Expected int
}

// ReadMetaProbesets parses "meta_id<TAB>[count<TAB>]member,member,..." lines.
func ReadMetaProbesets(r io.Reader) ([]MetaProbeset, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)

	var out []MetaProbeset
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, "\t")
		meta := MetaProbeset{Name: strings.TrimSpace(fields[0]), Expected: -1}
		switch len(fields) {
		case 2:
			meta.Members = splitList(fields[1])
		case 3:
			n, err := strconv.Atoi(strings.TrimSpace(fields[1]))
			if err != nil {
				return nil, fmt.Errorf("%w: line %d: bad probe count %q", ErrFormat, lineNo, fields[1])
			}
			meta.Expected = n
			meta.Members = splitList(fields[2])
		default:
			return nil, fmt.Errorf("%w: line %d: expected 2 or 3 fields, got %d", ErrFormat, lineNo, len(fields))
		}
		if meta.Name == "" || len(meta.Members) == 0 {
			return nil, fmt.Errorf("%w: line %d: empty meta-probeset", ErrFormat, lineNo)
		}
		out = append(out, meta)
	}
	return out, sc.Err()
}

// Group builds a Map with one probeset per meta-probeset whose rows are the
// concatenated rows of its members, in member order.
func Group(m *Map, metas []MetaProbeset) (*Map, error) {
	idx := m.Index()
	out := &Map{DesignID: m.DesignID, Rows: m.Rows, Cols: m.Cols, Probesets: make([]Probeset, 0, len(metas))}
	for _, meta := range metas {
		ps := Probeset{Name: meta.Name}
		for _, member := range meta.Members {
			i, ok := idx[member]
			if !ok {
				return nil, fmt.Errorf("%w: meta-probeset %q names unknown probeset %q", ErrMismatch, meta.Name, member)
			}
			ps.Rows = append(ps.Rows, m.Probesets[i].Rows...)
		}
		if meta.Expected >= 0 && meta.Expected != len(ps.Rows) {
			return nil, fmt.Errorf("%w: meta-probeset %q declares %d probes, layout has %d",
				ErrMismatch, meta.Name, meta.Expected, len(ps.Rows))
		}
		out.Probesets = append(out.Probesets, ps)
	}
	return out, nil
}

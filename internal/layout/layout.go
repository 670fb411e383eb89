// Package layout maps array probes to probesets.
//
// A Map is read-only once built: each probeset lists the source locations
// (indices into a raw intensity vector) of its perfect-match probes in order.
package layout

import (
	"errors"
	"fmt"
)

var (
	// ErrFormat is returned for malformed layout files.
	ErrFormat = errors.New("layout: malformed file")
	// ErrMismatch is returned when a grouping file disagrees with the layout.
	ErrMismatch = errors.New("layout: grouping does not match layout")
)

// Probeset is one named group of probes.
type Probeset struct {
	Name string
	// Rows are perfect-match probe locations, in probe order.
	Rows []int
	// MM holds mismatch locations when the source format carries them.
	MM []int
}

// Map is the probeset layout of one array design.
type Map struct {
	DesignID  string
	Rows      int
	Cols      int
	Probesets []Probeset
}

// NumLocations returns the length of a raw intensity vector for this design.
func (m *Map) NumLocations() int {
	return m.Rows * m.Cols
}

// NumProbes returns the total number of perfect-match probes.
func (m *Map) NumProbes() int {
	n := 0
	for _, ps := range m.Probesets {
		n += len(ps.Rows)
	}
	return n
}

// Validate checks that every probe location lies on the grid.
func (m *Map) Validate() error {
	if m.Rows <= 0 || m.Cols <= 0 {
		return fmt.Errorf("%w: invalid grid %dx%d", ErrFormat, m.Rows, m.Cols)
	}
	n := m.NumLocations()
	for _, ps := range m.Probesets {
		for _, loc := range ps.Rows {
			if loc < 0 || loc >= n {
				return fmt.Errorf("%w: probeset %q location %d outside grid of %d", ErrFormat, ps.Name, loc, n)
			}
		}
	}
	return nil
}

// Location converts grid coordinates to a location index.
func (m *Map) Location(x, y int) int {
	return y*m.Cols + x
}

// Index returns probeset positions by name.
func (m *Map) Index() map[string]int {
	idx := make(map[string]int, len(m.Probesets))
	for i, ps := range m.Probesets {
		idx[ps.Name] = i
	}
	return idx
}

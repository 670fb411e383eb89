// Package summarize condenses each probeset's probe-level intensities into one
// log2 expression value per array, walking the matrix row by row.
package summarize

import (
	"errors"
	"fmt"
	"math"

	"github.com/soma-tiles/rma/internal/expr"
)

var (
	// ErrEmptyProbeset is returned for a probeset with no probes.
	ErrEmptyProbeset = errors.New("summarize: probeset has no probes")
	// ErrRowMismatch is returned when probeset sizes do not add up to the
	// matrix row count.
	ErrRowMismatch = errors.New("summarize: probe counts do not match matrix rows")
	// ErrNonPositive is returned for an intensity that has no logarithm.
	ErrNonPositive = errors.New("summarize: non-positive intensity")
)

// Estimator fits one probeset. y holds log2 intensities, probes×arrays; est
// and se have one slot per array. se is nil when the caller wants no
// standard errors.
type Estimator interface {
	Name() string
	HasSE() bool
	Estimate(y [][]float64, est, se []float64) error
}

// Rows is the cell access the summarizer needs; it is read in row order.
type Rows interface {
	Rows() int
	Cols() int
	Get(row, col int) (float64, error)
}

// Group is one probeset's name and probe count. Groups occupy consecutive
// matrix rows in order.
type Group struct {
	Name  string
	Count int
}

// ProgressFunc is called after each probeset.
type ProgressFunc func(done, total int)

// New returns the estimator for a configuration name: "median_polish" or
// "plm".
func New(name string, huberK float64, method VarianceMethod) (Estimator, error) {
	switch name {
	case "", "median_polish":
		return NewMedianPolish(), nil
	case "plm":
		return NewPLM(huberK, method), nil
	}
	return nil, fmt.Errorf("unknown summarizer: %q", name)
}

// Summarize fits every group with est and fills table, whose rows follow
// groups. Each group's rows start where the previous group's ended.
func Summarize(m Rows, groups []Group, est Estimator, table *expr.Table, progress ProgressFunc) error {
	total := 0
	for _, g := range groups {
		if g.Count <= 0 {
			return fmt.Errorf("%w: %s", ErrEmptyProbeset, g.Name)
		}
		total += g.Count
	}
	if total != m.Rows() {
		return fmt.Errorf("%w: groups cover %d rows, matrix has %d", ErrRowMismatch, total, m.Rows())
	}
	if len(table.Values) != len(groups) {
		return fmt.Errorf("%w: table has %d rows for %d probesets", ErrRowMismatch, len(table.Values), len(groups))
	}

	nc := m.Cols()
	var backing []float64
	var y [][]float64
	row := 0
	for gi, g := range groups {
		backing = grow(backing, g.Count*nc)
		y = y[:0]
		for i := 0; i < g.Count; i++ {
			y = append(y, backing[i*nc:(i+1)*nc])
			for j := 0; j < nc; j++ {
				v, err := m.Get(row+i, j)
				if err != nil {
					return fmt.Errorf("failed to read probeset %s: %w", g.Name, err)
				}
				if !(v > 0) {
					return fmt.Errorf("%w: %v at probeset %s array %d", ErrNonPositive, v, g.Name, j)
				}
				y[i][j] = math.Log2(v)
			}
		}

		var se []float64
		if table.SE != nil {
			se = table.SE[gi]
		}
		if err := est.Estimate(y, table.Values[gi], se); err != nil {
			return fmt.Errorf("failed to summarize probeset %s: %w", g.Name, err)
		}
		row += g.Count
		if progress != nil {
			progress(gi+1, len(groups))
		}
	}
	return nil
}

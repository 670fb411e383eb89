// Package normalize implements quantile normalization over a column-addressable
// matrix, one column in memory at a time.
package normalize

import (
	"fmt"
	"sort"
)

// Columns is the column access the normalizer needs.
type Columns interface {
	Rows() int
	Cols() int
	GetFullColumn(col int, dst []float64) error
	SetFullColumn(col int, src []float64) error
}

// ProgressFunc is called after each column of each pass.
type ProgressFunc func(done, total int)

type entry struct {
	val float64
	row int
}

// Quantile makes every column's empirical distribution equal to the mean of
// the sorted columns. Ties within a column share their mid-rank. It returns the
// target distribution.
func Quantile(m Columns, progress ProgressFunc) ([]float64, error) {
	rows, cols := m.Rows(), m.Cols()
	if cols == 0 {
		return nil, nil
	}
	total := 2 * cols

	col := make([]float64, rows)
	target := make([]float64, rows)
	for c := 0; c < cols; c++ {
		if err := m.GetFullColumn(c, col); err != nil {
			return nil, fmt.Errorf("failed to read column %d: %w", c, err)
		}
		sort.Float64s(col)
		for i, v := range col {
			target[i] += v
		}
		if progress != nil {
			progress(c+1, total)
		}
	}
	for i := range target {
		target[i] /= float64(cols)
	}

	pairs := make([]entry, rows)
	ranks := make([]float64, rows)
	for c := 0; c < cols; c++ {
		if err := m.GetFullColumn(c, col); err != nil {
			return nil, fmt.Errorf("failed to read column %d: %w", c, err)
		}
		for i, v := range col {
			pairs[i] = entry{val: v, row: i}
		}
		sort.Slice(pairs, func(i, j int) bool {
			return pairs[i].val < pairs[j].val
		})
		midRanks(pairs, ranks)

		for i, p := range pairs {
			col[p.row] = fromRank(target, ranks[i])
		}
		if err := m.SetFullColumn(c, col); err != nil {
			return nil, fmt.Errorf("failed to write column %d: %w", c, err)
		}
		if progress != nil {
			progress(cols+c+1, total)
		}
	}
	return target, nil
}

// midRanks fills ranks with 1-based ranks of sorted pairs; a run of equal
// values gets the mean of its positions.
func midRanks(pairs []entry, ranks []float64) {
	n := len(pairs)
	i := 0
	for i < n {
		j := i
		for j < n && pairs[j].val == pairs[i].val {
			j++
		}
		avgRank := float64(i+j+1) / 2.0
		for k := i; k < j; k++ {
			ranks[k] = avgRank
		}
		i = j
	}
}

// fromRank maps a 1-based, possibly half-integer rank onto target.
func fromRank(target []float64, r float64) float64 {
	fl := int(r)
	if r-float64(fl) > 0.4 {
		return (target[fl-1] + target[fl]) / 2
	}
	return target[fl-1]
}

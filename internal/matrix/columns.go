package matrix

import (
	"fmt"
	"sort"

	"github.com/soma-tiles/rma/internal/numeric"
)

// SetReadOnly toggles write rejection. Entering read-only flushes every cache
// first, so evictions no longer need to write back.
func (m *Matrix) SetReadOnly(ro bool) error {
	if err := m.live(); err != nil {
		return err
	}
	if ro && !m.readOnly {
		if err := m.Flush(); err != nil {
			return err
		}
	}
	m.readOnly = ro
	return nil
}

// Flush writes every pending change to storage without changing what is cached.
func (m *Matrix) Flush() error {
	if err := m.live(); err != nil {
		return err
	}
	m.resolveClash()
	if err := m.flushWindow(); err != nil {
		return err
	}
	return m.flushColumns()
}

// ResizeColumnCache changes the column-cache capacity. Growing loads further
// columns in ascending column order; shrinking evicts by policy.
func (m *Matrix) ResizeColumnCache(n int) error {
	if err := m.live(); err != nil {
		return err
	}
	if n <= 0 {
		return fmt.Errorf("%w: column cache capacity %d", ErrInvalidArgument, n)
	}
	m.resolveClash()

	for len(m.slots) > n {
		i := m.victim()
		if err := m.evict(m.slots[i]); err != nil {
			return err
		}
		m.slots = append(m.slots[:i], m.slots[i+1:]...)
		m.release(int64(m.rows) * 8)
	}
	m.reindex()
	grow := n > m.maxCols
	m.maxCols = n
	if !grow {
		return nil
	}

	for col := 0; col < m.cols && len(m.slots) < n; col++ {
		if _, ok := m.index[col]; ok {
			continue
		}
		if _, err := m.admit(col); err != nil {
			return err
		}
	}
	return nil
}

// GetFullColumn copies column col into dst, which must hold Rows values.
func (m *Matrix) GetFullColumn(col int, dst []float64) error {
	if err := m.live(); err != nil {
		return err
	}
	if err := m.checkColumn(col, len(dst)); err != nil {
		return err
	}
	s, err := m.fetch(col)
	if err != nil {
		return err
	}
	copy(dst, s.data)
	if m.win.data != nil {
		copy(dst[m.win.start:], m.win.data[col])
	}
	return nil
}

// SetFullColumn replaces column col with src, which must hold Rows values.
func (m *Matrix) SetFullColumn(col int, src []float64) error {
	if err := m.writable(); err != nil {
		return err
	}
	if err := m.checkColumn(col, len(src)); err != nil {
		return err
	}
	s, err := m.fetch(col)
	if err != nil {
		return err
	}
	if m.clash.pending && m.clash.col == col {
		m.clash = clash{}
	}
	copy(s.data, src)
	s.dirty = true
	if m.win.data != nil {
		copy(m.win.data[col], src[m.win.start:m.win.start+m.win.n])
	}
	return nil
}

// FiveNumberSummary returns Tukey's five-number summary of column col.
func (m *Matrix) FiveNumberSummary(col int) ([5]float64, error) {
	if len(m.scratch) != m.rows {
		m.scratch = make([]float64, m.rows)
	}
	if err := m.GetFullColumn(col, m.scratch); err != nil {
		return [5]float64{}, err
	}
	sort.Float64s(m.scratch)
	return numeric.FiveNum(m.scratch), nil
}

func (m *Matrix) checkColumn(col, n int) error {
	if col < 0 || col >= m.cols {
		return fmt.Errorf("%w: column %d outside %d columns", ErrInvalidArgument, col, m.cols)
	}
	if n != m.rows {
		return fmt.Errorf("%w: column buffer has %d values, expected %d", ErrInvalidArgument, n, m.rows)
	}
	return nil
}

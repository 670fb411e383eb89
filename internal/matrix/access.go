package matrix

import "fmt"

// Get returns the value at (row, col).
func (m *Matrix) Get(row, col int) (float64, error) {
	if err := m.live(); err != nil {
		return 0, err
	}
	if err := m.check(row, col); err != nil {
		return 0, err
	}
	if m.mode == RowMode {
		if err := m.ensureRow(row, col); err != nil {
			return 0, err
		}
		return m.win.data[col][row-m.win.start], nil
	}
	s, err := m.fetch(col)
	if err != nil {
		return 0, err
	}
	return s.data[row], nil
}

// Set stores v at (row, col).
func (m *Matrix) Set(row, col int, v float64) error {
	if err := m.writable(); err != nil {
		return err
	}
	if err := m.check(row, col); err != nil {
		return err
	}
	if m.mode == RowMode {
		if err := m.ensureRow(row, col); err != nil {
			return err
		}
		m.win.data[col][row-m.win.start] = v
		m.win.dirty[col] = true
		if _, cached := m.index[col]; cached {
			m.resolveClash()
			m.clash = clash{pending: true, row: row, col: col}
			m.stats.Clashes++
		}
		return nil
	}
	s, err := m.fetch(col)
	if err != nil {
		return err
	}
	s.data[row] = v
	s.dirty = true
	return nil
}

// GetIndex returns the value at linear index col*rows+row.
func (m *Matrix) GetIndex(i int) (float64, error) {
	if i < 0 {
		return 0, fmt.Errorf("%w: index %d", ErrInvalidArgument, i)
	}
	return m.Get(i%m.rows, i/m.rows)
}

// SetIndex stores v at linear index col*rows+row.
func (m *Matrix) SetIndex(i int, v float64) error {
	if i < 0 {
		return fmt.Errorf("%w: index %d", ErrInvalidArgument, i)
	}
	return m.Set(i%m.rows, i/m.rows, v)
}

// fetch returns the slot holding col, loading it on a miss.
func (m *Matrix) fetch(col int) (*slot, error) {
	m.seq++
	if m.hot >= 0 && m.hot < len(m.slots) && m.slots[m.hot].col == col {
		s := m.slots[m.hot]
		s.used = m.seq
		m.stats.Hits++
		return s, nil
	}
	if i, ok := m.index[col]; ok {
		s := m.slots[i]
		s.used = m.seq
		m.hot = i
		m.stats.Hits++
		return s, nil
	}
	m.stats.Misses++
	i, err := m.admit(col)
	if err != nil {
		return nil, err
	}
	m.hot = i
	return m.slots[i], nil
}

// admit loads col into a free slot, or into the policy's victim slot when the
// cache is full, and returns the slot index.
func (m *Matrix) admit(col int) (int, error) {
	m.resolveClash()

	var (
		i int
		s *slot
	)
	if len(m.slots) < m.maxCols {
		if err := m.reserve(m.rows); err != nil {
			return 0, err
		}
		s = &slot{data: make([]float64, m.rows)}
		m.slots = append(m.slots, s)
		i = len(m.slots) - 1
	} else {
		i = m.victim()
		s = m.slots[i]
		if err := m.evict(s); err != nil {
			return 0, err
		}
	}

	if err := m.load(col, s.data); err != nil {
		// The slot stays allocated but holds no column.
		s.col = -1
		return 0, err
	}
	m.seq++
	s.col = col
	s.dirty = false
	s.admitted = m.seq
	s.used = m.seq
	m.index[col] = i
	return i, nil
}

// load reads col from storage into dst and overlays any newer window values.
func (m *Matrix) load(col int, dst []float64) error {
	if err := m.store.ReadColumn(col, dst); err != nil {
		return err
	}
	m.stats.Loads++
	if m.win.data != nil {
		copy(dst[m.win.start:m.win.start+m.win.n], m.win.data[col])
	}
	return nil
}

// evict writes a dirty slot back (unless read-only) and unmaps its column.
func (m *Matrix) evict(s *slot) error {
	if s.col < 0 {
		return nil
	}
	if s.dirty && !m.readOnly {
		if err := m.store.WriteColumn(s.col, s.data); err != nil {
			return err
		}
		m.stats.Flushes++
	}
	delete(m.index, s.col)
	s.col = -1
	s.dirty = false
	m.stats.Evictions++
	return nil
}

func (m *Matrix) victim() int {
	// Slots that failed to load hold no column and are reused first.
	for i, s := range m.slots {
		if s.col < 0 {
			return i
		}
	}
	m.infos = m.infos[:0]
	for _, s := range m.slots {
		m.infos = append(m.infos, SlotInfo{Column: s.col, Admitted: s.admitted, LastUsed: s.used})
	}
	return m.policy.Victim(m.infos)
}

// flushColumns writes every dirty slot back to storage.
func (m *Matrix) flushColumns() error {
	for _, s := range m.slots {
		if s.col < 0 || !s.dirty {
			continue
		}
		if err := m.store.WriteColumn(s.col, s.data); err != nil {
			return err
		}
		m.stats.Flushes++
		s.dirty = false
	}
	return nil
}

// reindex rebuilds the column→slot map after slots were removed.
func (m *Matrix) reindex() {
	clear(m.index)
	for i, s := range m.slots {
		if s.col >= 0 {
			m.index[s.col] = i
		}
	}
	m.hot = -1
}

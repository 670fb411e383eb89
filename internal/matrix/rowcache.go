package matrix

// window mirrors rows [start, start+n) of every column.
type window struct {
	start int
	n     int
	data  [][]float64
	dirty []bool
}

func (w *window) contains(row int) bool {
	return w.data != nil && row >= w.start && row < w.start+w.n
}

// clash is the single cell written in the row window whose column-cache copy
// is stale.
type clash struct {
	pending  bool
	row, col int
}

// EnterRowMode allocates the row window and loads it at row 0.
func (m *Matrix) EnterRowMode() error {
	if err := m.live(); err != nil {
		return err
	}
	if m.mode == RowMode {
		return nil
	}
	if err := m.allocWindow(); err != nil {
		return err
	}
	m.mode = RowMode
	return m.loadWindow(0)
}

// EnterColumnMode resolves any pending clash, flushes the window and
// releases it.
func (m *Matrix) EnterColumnMode() error {
	if err := m.live(); err != nil {
		return err
	}
	if m.mode == ColumnMode {
		return nil
	}
	m.resolveClash()
	if err := m.flushWindow(); err != nil {
		return err
	}
	m.freeWindow()
	m.mode = ColumnMode
	return nil
}

// ResizeRowCache changes the window capacity. In row mode the window is
// flushed, reallocated and reloaded at its current start, clamped.
func (m *Matrix) ResizeRowCache(n int) error {
	if err := m.live(); err != nil {
		return err
	}
	if n <= 0 {
		return ErrInvalidArgument
	}
	if m.mode == ColumnMode {
		m.maxRows = n
		return nil
	}

	m.resolveClash()
	if err := m.flushWindow(); err != nil {
		return err
	}
	start := m.win.start
	m.freeWindow()
	prev := m.maxRows
	m.maxRows = n
	if err := m.allocWindow(); err != nil {
		// Restore the previous window so the matrix stays usable.
		m.maxRows = prev
		if rerr := m.allocWindow(); rerr != nil {
			return rerr
		}
		if rerr := m.loadWindow(start); rerr != nil {
			return rerr
		}
		return err
	}
	return m.loadWindow(start)
}

func (m *Matrix) allocWindow() error {
	n := min(m.maxRows, m.rows)
	if err := m.reserve(n * m.cols); err != nil {
		return err
	}
	m.win = window{
		n:     n,
		data:  make([][]float64, m.cols),
		dirty: make([]bool, m.cols),
	}
	for c := range m.win.data {
		m.win.data[c] = make([]float64, n)
	}
	return nil
}

func (m *Matrix) freeWindow() {
	if m.win.data == nil {
		return
	}
	m.release(int64(m.win.n*len(m.win.data)) * 8)
	m.win = window{}
}

// ensureRow makes row resident in the window. Moving the window also admits
// col to the column cache.
func (m *Matrix) ensureRow(row, col int) error {
	if m.win.contains(row) {
		return nil
	}
	m.resolveClash()
	if err := m.flushWindow(); err != nil {
		return err
	}
	if _, ok := m.index[col]; !ok {
		m.stats.Misses++
		i, err := m.admit(col)
		if err != nil {
			return err
		}
		m.hot = i
	}
	return m.loadWindow(row)
}

// loadWindow fills the window from row start, clamped so it fits the matrix.
// Column-cached values take precedence over storage.
func (m *Matrix) loadWindow(start int) error {
	n := m.win.n
	if start+n > m.rows {
		start = m.rows - n
	}
	if start < 0 {
		start = 0
	}
	for c, dst := range m.win.data {
		if i, ok := m.index[c]; ok {
			copy(dst, m.slots[i].data[start:start+n])
			continue
		}
		if err := m.store.ReadRange(c, start, dst); err != nil {
			return err
		}
	}
	m.win.start = start
	clear(m.win.dirty)
	m.stats.WindowMoves++
	return nil
}

// flushWindow writes dirty window columns to their column-cache slot or, when
// not cached, to storage.
func (m *Matrix) flushWindow() error {
	w := &m.win
	for c, dirty := range w.dirty {
		if !dirty {
			continue
		}
		if i, ok := m.index[c]; ok {
			s := m.slots[i]
			copy(s.data[w.start:w.start+w.n], w.data[c])
			s.dirty = true
		} else {
			if err := m.store.WriteRange(c, w.start, w.data[c]); err != nil {
				return err
			}
			m.stats.Flushes++
		}
		w.dirty[c] = false
	}
	return nil
}

// resolveClash copies the pending window value into its column-cache slot.
func (m *Matrix) resolveClash() {
	if !m.clash.pending {
		return
	}
	cl := m.clash
	m.clash = clash{}
	i, ok := m.index[cl.col]
	if !ok || !m.win.contains(cl.row) {
		return
	}
	s := m.slots[i]
	v := m.win.data[cl.col][cl.row-m.win.start]
	if s.data[cl.row] != v {
		s.data[cl.row] = v
		s.dirty = true
	}
}

// Package matrix implements a disk-backed float64 matrix with two caches: a
// column cache holding whole columns and, in row mode, a window of contiguous
// rows across every column.
//
// The row window is authoritative for the cells it holds. A row-mode write to
// a column that is also column-cached leaves exactly one cell out of sync (a
// pending clash); the clash is resolved before another one is recorded and
// before any eviction, load or window move.
//
// A Matrix is owned by one goroutine.
package matrix

import (
	"errors"
	"fmt"

	"golang.org/x/sync/semaphore"

	"github.com/soma-tiles/rma/internal/blob"
)

var (
	// ErrInvalidArgument reports a bad dimension, capacity or cell address.
	ErrInvalidArgument = errors.New("matrix: invalid argument")
	// ErrResourceLimit reports that a cache allocation exceeds the memory budget.
	ErrResourceLimit = errors.New("matrix: memory budget exceeded")
	// ErrReadOnly reports a write while the matrix is read-only.
	ErrReadOnly = errors.New("matrix: read-only")
	// ErrClosed reports use after Close.
	ErrClosed = errors.New("matrix: closed")
)

// Mode is the current access pattern.
type Mode int

const (
	ColumnMode Mode = iota
	RowMode
)

func (m Mode) String() string {
	if m == RowMode {
		return "row"
	}
	return "column"
}

type options struct {
	codec  blob.Codec
	cache  blob.Cache
	policy EvictionPolicy
	budget *semaphore.Weighted
}

// Option configures a Matrix.
type Option func(*options)

// WithCodec sets the column blob codec. The matrix takes ownership.
func WithCodec(c blob.Codec) Option { return func(o *options) { o.codec = c } }

// WithBlobCache sets a shared cache of encoded column blobs.
func WithBlobCache(c blob.Cache) Option { return func(o *options) { o.cache = c } }

// WithPolicy sets the column-cache eviction policy. FIFO is the default.
func WithPolicy(p EvictionPolicy) Option { return func(o *options) { o.policy = p } }

// WithBudget charges every cache allocation, in bytes, against b. A budget may
// be shared by several matrices.
func WithBudget(b *semaphore.Weighted) Option { return func(o *options) { o.budget = b } }

// WithMemoryLimit gives the matrix a private budget of limit bytes.
func WithMemoryLimit(limit int64) Option {
	return func(o *options) {
		if limit > 0 {
			o.budget = semaphore.NewWeighted(limit)
		}
	}
}

type slot struct {
	col      int
	data     []float64
	dirty    bool
	admitted uint64
	used     uint64
}

// Matrix is a rows×cols matrix persisted as one blob per column.
type Matrix struct {
	rows    int
	cols    int
	maxCols int
	maxRows int

	store  *blob.Store
	policy EvictionPolicy
	budget *semaphore.Weighted
	held   int64

	slots []*slot
	index map[int]int
	hot   int
	seq   uint64
	infos []SlotInfo

	mode     Mode
	readOnly bool
	win      window
	clash    clash
	scratch  []float64

	stats  Stats
	closed bool
}

// New creates an empty matrix with the given row count, column-cache capacity
// and row-window capacity. Column blobs live in a private directory under dir
// (the system temp directory when empty) that Close removes.
func New(rows, maxCols, maxRows int, dir string, opts ...Option) (*Matrix, error) {
	if rows <= 0 || maxCols <= 0 || maxRows <= 0 {
		return nil, fmt.Errorf("%w: rows=%d max_cols=%d max_rows=%d", ErrInvalidArgument, rows, maxCols, maxRows)
	}
	o := options{policy: FIFO}
	for _, opt := range opts {
		opt(&o)
	}

	store, err := blob.NewStore(dir, rows, o.codec, o.cache)
	if err != nil {
		if o.codec != nil {
			o.codec.Close()
		}
		return nil, err
	}

	return &Matrix{
		rows:    rows,
		maxCols: maxCols,
		maxRows: maxRows,
		store:   store,
		policy:  o.policy,
		budget:  o.budget,
		index:   make(map[int]int, maxCols),
		hot:     -1,
	}, nil
}

// Rows returns the row count.
func (m *Matrix) Rows() int { return m.rows }

// Cols returns the number of appended columns.
func (m *Matrix) Cols() int { return m.cols }

// Mode returns the current access pattern.
func (m *Matrix) Mode() Mode { return m.mode }

// ReadOnly reports whether writes are rejected.
func (m *Matrix) ReadOnly() bool { return m.readOnly }

// ColumnCapacity returns the column-cache capacity.
func (m *Matrix) ColumnCapacity() int { return m.maxCols }

// RowCapacity returns the configured row-window capacity.
func (m *Matrix) RowCapacity() int { return m.maxRows }

// Dir returns the directory holding the column blobs.
func (m *Matrix) Dir() string { return m.store.Dir() }

// Stats returns a snapshot of cache activity counters.
func (m *Matrix) Stats() Stats { return m.stats }

// CachedColumns returns the column-cached columns in slot order.
func (m *Matrix) CachedColumns() []int {
	out := make([]int, len(m.slots))
	for i, s := range m.slots {
		out[i] = s.col
	}
	return out
}

// AppendColumn adds one zero-filled column. It is only valid in column mode.
func (m *Matrix) AppendColumn() error {
	if err := m.writable(); err != nil {
		return err
	}
	if m.mode != ColumnMode {
		return fmt.Errorf("%w: cannot append a column in row mode", ErrInvalidArgument)
	}
	if err := m.store.Create(m.cols); err != nil {
		return fmt.Errorf("failed to append column: %w", err)
	}
	m.cols++
	return nil
}

// Close releases cache memory and removes every column blob. Close is
// idempotent.
func (m *Matrix) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	m.slots = nil
	m.index = nil
	m.win = window{}
	m.release(m.held)
	return m.store.Remove(m.cols)
}

func (m *Matrix) live() error {
	if m.closed {
		return ErrClosed
	}
	return nil
}

func (m *Matrix) writable() error {
	if m.closed {
		return ErrClosed
	}
	if m.readOnly {
		return ErrReadOnly
	}
	return nil
}

func (m *Matrix) reserve(values int) error {
	if m.budget == nil {
		return nil
	}
	n := int64(values) * 8
	if !m.budget.TryAcquire(n) {
		return fmt.Errorf("%w: %d bytes requested", ErrResourceLimit, n)
	}
	m.held += n
	return nil
}

func (m *Matrix) release(bytes int64) {
	if m.budget == nil || bytes <= 0 {
		return
	}
	m.budget.Release(bytes)
	m.held -= bytes
}

func (m *Matrix) check(row, col int) error {
	if row < 0 || row >= m.rows || col < 0 || col >= m.cols {
		return fmt.Errorf("%w: cell (%d,%d) outside %dx%d", ErrInvalidArgument, row, col, m.rows, m.cols)
	}
	return nil
}

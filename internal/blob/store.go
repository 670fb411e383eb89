package blob

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// Cache is an optional second-level cache of encoded column bytes.
// Implementations may drop entries at any time.
type Cache interface {
	GetBlob(key string) ([]byte, bool)
	SetBlob(key string, data []byte) error
	DeleteBlob(key string)
}

// Store keeps one file per column under a private temporary directory.
// A Store is owned by a single matrix and is not safe for concurrent use.
type Store struct {
	dir   string
	rows  int
	codec Codec
	cache Cache

	enc     []byte
	scratch []float64
}

// NewStore creates a private directory under parent (os.TempDir when empty)
// for columns of the given length.
func NewStore(parent string, rows int, codec Codec, cache Cache) (*Store, error) {
	if rows <= 0 {
		return nil, fmt.Errorf("invalid column length: %d", rows)
	}
	if codec == nil {
		codec = rawCodec{}
	}
	if parent != "" {
		if err := os.MkdirAll(parent, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create storage location: %w", err)
		}
	}
	dir, err := os.MkdirTemp(parent, "rma-matrix-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create column directory: %w", err)
	}
	return &Store{dir: dir, rows: rows, codec: codec, cache: cache}, nil
}

// Dir returns the directory holding the column files.
func (s *Store) Dir() string { return s.dir }

// Codec returns the codec used for column files.
func (s *Store) Codec() Codec { return s.codec }

func (s *Store) path(col int) string {
	return filepath.Join(s.dir, "col_"+strconv.Itoa(col)+".bin")
}

func (s *Store) key(col int) string {
	return s.dir + "#" + strconv.Itoa(col)
}

// Create writes a zero-filled column.
func (s *Store) Create(col int) error {
	if s.codec.Positional() {
		f, err := os.OpenFile(s.path(col), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err != nil {
			return fmt.Errorf("failed to create column %d: %w", col, err)
		}
		if err := f.Truncate(int64(s.rows) * 8); err != nil {
			f.Close()
			return fmt.Errorf("failed to size column %d: %w", col, err)
		}
		return f.Close()
	}
	return s.WriteColumn(col, s.zeroScratch())
}

func (s *Store) zeroScratch() []float64 {
	buf := s.fullScratch()
	clear(buf)
	return buf
}

func (s *Store) fullScratch() []float64 {
	if len(s.scratch) != s.rows {
		s.scratch = make([]float64, s.rows)
	}
	return s.scratch
}

// ReadColumn decodes the whole column into dst.
func (s *Store) ReadColumn(col int, dst []float64) error {
	if len(dst) != s.rows {
		return fmt.Errorf("column buffer has %d values, expected %d", len(dst), s.rows)
	}
	if s.cache != nil {
		if data, ok := s.cache.GetBlob(s.key(col)); ok {
			if err := s.codec.Decode(dst, data); err == nil {
				return nil
			}
			s.cache.DeleteBlob(s.key(col))
		}
	}
	data, err := os.ReadFile(s.path(col))
	if err != nil {
		return fmt.Errorf("failed to read column %d: %w", col, err)
	}
	if err := s.codec.Decode(dst, data); err != nil {
		return fmt.Errorf("failed to decode column %d: %w", col, err)
	}
	if s.cache != nil {
		_ = s.cache.SetBlob(s.key(col), data)
	}
	return nil
}

// WriteColumn replaces the whole column.
func (s *Store) WriteColumn(col int, src []float64) error {
	if len(src) != s.rows {
		return fmt.Errorf("column buffer has %d values, expected %d", len(src), s.rows)
	}
	data, err := s.codec.Encode(s.enc[:0], src)
	if err != nil {
		return fmt.Errorf("failed to encode column %d: %w", col, err)
	}
	s.enc = data
	if err := os.WriteFile(s.path(col), data, 0o600); err != nil {
		return fmt.Errorf("failed to write column %d: %w", col, err)
	}
	if s.cache != nil {
		if err := s.cache.SetBlob(s.key(col), data); err != nil {
			s.cache.DeleteBlob(s.key(col))
		}
	}
	return nil
}

// ReadRange reads len(dst) values of a column starting at row start.
func (s *Store) ReadRange(col, start int, dst []float64) error {
	if start < 0 || start+len(dst) > s.rows {
		return fmt.Errorf("row range [%d,%d) out of bounds for %d rows", start, start+len(dst), s.rows)
	}
	if len(dst) == 0 {
		return nil
	}
	if !s.codec.Positional() {
		full := s.fullScratch()
		if err := s.ReadColumn(col, full); err != nil {
			return err
		}
		copy(dst, full[start:])
		return nil
	}

	f, err := os.Open(s.path(col))
	if err != nil {
		return fmt.Errorf("failed to open column %d: %w", col, err)
	}
	defer f.Close()

	buf := make([]byte, len(dst)*8)
	if _, err := f.ReadAt(buf, int64(start)*8); err != nil {
		return fmt.Errorf("failed to read column %d rows [%d,%d): %w", col, start, start+len(dst), err)
	}
	return getFloats(dst, buf)
}

// WriteRange writes src into a column starting at row start.
func (s *Store) WriteRange(col, start int, src []float64) error {
	if start < 0 || start+len(src) > s.rows {
		return fmt.Errorf("row range [%d,%d) out of bounds for %d rows", start, start+len(src), s.rows)
	}
	if len(src) == 0 {
		return nil
	}
	if !s.codec.Positional() {
		full := s.fullScratch()
		if err := s.ReadColumn(col, full); err != nil {
			return err
		}
		copy(full[start:], src)
		return s.WriteColumn(col, full)
	}

	f, err := os.OpenFile(s.path(col), os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("failed to open column %d: %w", col, err)
	}
	if _, err := f.WriteAt(putFloats(nil, src), int64(start)*8); err != nil {
		f.Close()
		return fmt.Errorf("failed to write column %d rows [%d,%d): %w", col, start, start+len(src), err)
	}
	if s.cache != nil {
		s.cache.DeleteBlob(s.key(col))
	}
	return f.Close()
}

// Remove deletes every column file and the directory itself.
func (s *Store) Remove(cols int) error {
	if s.cache != nil {
		for col := 0; col < cols; col++ {
			s.cache.DeleteBlob(s.key(col))
		}
	}
	s.codec.Close()
	if err := os.RemoveAll(s.dir); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove column directory: %w", err)
	}
	return nil
}

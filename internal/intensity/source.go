package intensity

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/sync/errgroup"
)

// Source yields one intensity vector per array, indexed by layout location.
type Source interface {
	Len() int
	Name(i int) string
	Read(i int) ([]float64, error)
}

// FileSource reads arrays from text or RMAF files.
type FileSource struct {
	paths []string
	names []string
	rows  int
	cols  int
	dec   *zstd.Decoder
}

// NewFileSource creates a source for files laid out on a rows×cols grid.
// Array names are the file base names without extension.
func NewFileSource(paths []string, rows, cols int) (*FileSource, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("no intensity files")
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	names := make([]string, len(paths))
	for i, p := range paths {
		base := filepath.Base(p)
		names[i] = strings.TrimSuffix(base, filepath.Ext(base))
	}
	return &FileSource{paths: paths, names: names, rows: rows, cols: cols, dec: dec}, nil
}

func (s *FileSource) Len() int { return len(s.paths) }

func (s *FileSource) Name(i int) string { return s.names[i] }

// Read loads array i.
func (s *FileSource) Read(i int) ([]float64, error) {
	data, err := os.ReadFile(s.paths[i])
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", s.paths[i], err)
	}
	var values []float64
	if IsRMAF(data) {
		values, err = ReadRMAF(data, s.dec)
	} else {
		values, err = ReadText(bytes.NewReader(data), s.rows, s.cols)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.paths[i], err)
	}
	if len(values) != s.rows*s.cols {
		return nil, fmt.Errorf("%s: %w: %d values for a %dx%d grid", s.paths[i], ErrFormat, len(values), s.rows, s.cols)
	}
	return values, nil
}

// Validate checks every file concurrently, at most limit at a time, without
// keeping the decoded values.
func (s *FileSource) Validate(ctx context.Context, limit int) error {
	g, ctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i := range s.paths {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return s.validate(i)
		})
	}
	return g.Wait()
}

func (s *FileSource) validate(i int) error {
	path := s.paths[i]
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	magic := make([]byte, 4)
	n, _ := f.Read(magic)
	if IsRMAF(magic[:n]) {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return err
		}
		count, err := ReadRMAFHeader(f)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		if count != s.rows*s.cols {
			return fmt.Errorf("%s: %w: %d values for a %dx%d grid", path, ErrFormat, count, s.rows, s.cols)
		}
		return nil
	}
	_, err = s.Read(i)
	return err
}

// Close releases the decoder.
func (s *FileSource) Close() {
	s.dec.Close()
}

// MemorySource serves arrays held in memory.
type MemorySource struct {
	names []string
	data  [][]float64
}

// NewMemorySource creates a source over data, one slice per array.
func NewMemorySource(names []string, data [][]float64) *MemorySource {
	return &MemorySource{names: names, data: data}
}

func (s *MemorySource) Len() int { return len(s.data) }

func (s *MemorySource) Name(i int) string { return s.names[i] }

// Read returns array i. The slice is shared with the source.
func (s *MemorySource) Read(i int) ([]float64, error) { return s.data[i], nil }

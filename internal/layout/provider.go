package layout

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotFound is returned when no layout files exist for a design.
var ErrNotFound = errors.New("layout: design not found")

// Cache stores parsed layouts by key.
type Cache interface {
	GetLayout(key string) (*Map, bool)
	SetLayout(key string, m *Map)
}

// Filters select or regroup probesets after a layout is loaded.
// Paths are resolved against the provider directory when relative.
type Filters struct {
	AllowList     string
	MetaProbesets string
}

// Provider loads layouts from a directory holding either "<design>.cdfbin"
// or the pair "<design>.clf" + "<design>.pgf".
type Provider struct {
	dir   string
	cache Cache
}

// NewProvider creates a provider. cache may be nil.
func NewProvider(dir string, cache Cache) *Provider {
	return &Provider{dir: dir, cache: cache}
}

// Files returns the files Load reads for designID and f: the binary layout
// when present, otherwise the text pair, then the filter files.
func (p *Provider) Files(designID string, f Filters) []string {
	files := []string{filepath.Join(p.dir, designID+".cdfbin")}
	if _, err := os.Stat(files[0]); err != nil {
		files = []string{filepath.Join(p.dir, designID+".clf"), filepath.Join(p.dir, designID+".pgf")}
	}
	if f.AllowList != "" {
		files = append(files, p.resolve(f.AllowList))
	}
	if f.MetaProbesets != "" {
		files = append(files, p.resolve(f.MetaProbesets))
	}
	return files
}

// Load returns the layout for designID with filters applied. Cached layouts
// are keyed on the size and modification time of their files, so a replaced
// file is read again.
func (p *Provider) Load(designID string, f Filters) (*Map, error) {
	key := designID + "|" + f.AllowList + "|" + f.MetaProbesets + "|" + fileStamp(p.Files(designID, f))
	if p.cache != nil {
		if m, ok := p.cache.GetLayout(key); ok {
			return m, nil
		}
	}

	m, err := p.loadDesign(designID)
	if err != nil {
		return nil, err
	}

	if f.AllowList != "" {
		file, err := os.Open(p.resolve(f.AllowList))
		if err != nil {
			return nil, fmt.Errorf("failed to open allow-list: %w", err)
		}
		ids, err := ReadAllowList(file)
		file.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read allow-list: %w", err)
		}
		if m, err = Allow(m, ids); err != nil {
			return nil, err
		}
	}
	if f.MetaProbesets != "" {
		file, err := os.Open(p.resolve(f.MetaProbesets))
		if err != nil {
			return nil, fmt.Errorf("failed to open meta-probeset file: %w", err)
		}
		metas, err := ReadMetaProbesets(file)
		file.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read meta-probeset file: %w", err)
		}
		if m, err = Group(m, metas); err != nil {
			return nil, err
		}
	}

	if p.cache != nil {
		p.cache.SetLayout(key, m)
	}
	return m, nil
}

func (p *Provider) loadDesign(designID string) (*Map, error) {
	binPath := filepath.Join(p.dir, designID+".cdfbin")
	if f, err := os.Open(binPath); err == nil {
		defer f.Close()
		m, err := ReadBinary(f, designID)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", binPath, err)
		}
		return m, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to open %s: %w", binPath, err)
	}

	clfPath := filepath.Join(p.dir, designID+".clf")
	pgfPath := filepath.Join(p.dir, designID+".pgf")
	clf, err := os.Open(clfPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, designID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", clfPath, err)
	}
	defer clf.Close()
	pgf, err := os.Open(pgfPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", pgfPath, err)
	}
	defer pgf.Close()

	m, err := BuildTextMap(designID, clf, pgf)
	if err != nil {
		return nil, fmt.Errorf("design %s: %w", designID, err)
	}
	return m, nil
}

func (p *Provider) resolve(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(p.dir, path)
}

func fileStamp(paths []string) string {
	var sb strings.Builder
	for _, path := range paths {
		if info, err := os.Stat(path); err == nil {
			fmt.Fprintf(&sb, "%d:%d;", info.Size(), info.ModTime().UnixNano())
		} else {
			sb.WriteString("-;")
		}
	}
	return sb.String()
}

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoad_FullConfig(t *testing.T) {
	content := `
matrix:
  max_cols: 8
  max_rows: 1000
  codec: zstd
  eviction: lru
  memory_limit_mb: 256
pipeline:
  normalize: false
  summarizer: median_polish
  variance_method: huber2
store:
  sqlite_path: "/tmp/runs.sqlite"
  max_concurrent: 2
  reuse: false
batches:
  - name: liver
    design: HG-U133A
    arrays: ["a1.txt", "a2.txt"]
    allow_list: keep.txt
  - design: HG-U133A
    arrays: ["b1.rmaf"]
`
	cfg := loadFromString(t, content)

	if cfg.Matrix.MaxCols != 8 || cfg.Matrix.MaxRows != 1000 {
		t.Errorf("unexpected matrix capacities: %+v", cfg.Matrix)
	}
	if cfg.Matrix.Codec != "zstd" || cfg.Matrix.Eviction != "lru" {
		t.Errorf("unexpected matrix codec/eviction: %+v", cfg.Matrix)
	}
	if cfg.Pipeline.NormalizeEnabled() {
		t.Errorf("expected normalization disabled")
	}
	if !cfg.Pipeline.BackgroundEnabled() {
		t.Errorf("expected background correction enabled by default")
	}
	if cfg.Pipeline.Summarizer != "median_polish" {
		t.Errorf("unexpected summarizer: %s", cfg.Pipeline.Summarizer)
	}
	if cfg.Store.ReuseEnabled() {
		t.Errorf("expected run reuse disabled")
	}
	if !DefaultConfig().Store.ReuseEnabled() {
		t.Errorf("expected run reuse enabled by default")
	}
	if len(cfg.Batches) != 2 {
		t.Fatalf("expected 2 batches, got %d", len(cfg.Batches))
	}
	if cfg.Batches[1].Name != "batch2" {
		t.Errorf("expected generated batch name 'batch2', got %q", cfg.Batches[1].Name)
	}
	b, ok := cfg.Batch("liver")
	if !ok || b.AllowList != "keep.txt" {
		t.Errorf("expected liver batch with allow-list, got %+v (ok=%v)", b, ok)
	}
}

func TestLoad_DefaultsApplied(t *testing.T) {
	content := `
matrix:
  max_rows: 500
`
	cfg := loadFromString(t, content)
	defaults := DefaultConfig()

	if cfg.Matrix.MaxRows != 500 {
		t.Errorf("expected max_rows 500, got %d", cfg.Matrix.MaxRows)
	}
	if cfg.Matrix.MaxCols != defaults.Matrix.MaxCols {
		t.Errorf("expected default max_cols %d, got %d", defaults.Matrix.MaxCols, cfg.Matrix.MaxCols)
	}
	if cfg.Pipeline.Summarizer != "plm" || cfg.Pipeline.VarianceMethod != "wls" {
		t.Errorf("unexpected pipeline defaults: %+v", cfg.Pipeline)
	}
	if cfg.Pipeline.DensityPoints != 16384 {
		t.Errorf("expected 16384 density points, got %d", cfg.Pipeline.DensityPoints)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("expected log level info, got %q", cfg.Log.Level)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Matrix.Codec != "raw" {
		t.Errorf("expected default codec raw, got %q", cfg.Matrix.Codec)
	}
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string]string{
		"codec":    "matrix:\n  codec: snappy\n",
		"eviction": "matrix:\n  eviction: random\n",
		"negative": "matrix:\n  max_cols: -1\n",
		"variance": "pipeline:\n  variance_method: huber9\n",
		"batch":    "batches:\n  - name: a\n    arrays: [x]\n",
		"dup":      "batches:\n  - {name: a, design: d, arrays: [x]}\n  - {name: a, design: d, arrays: [y]}\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(content), 0644); err != nil {
				t.Fatalf("failed to write temp config: %v", err)
			}
			if _, err := Load(path); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestLoad_MalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("matrix: [unclosed"), 0644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "yaml") {
		t.Fatalf("expected yaml error, got %v", err)
	}
}

func loadFromString(t *testing.T, content string) *Config {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	return cfg
}

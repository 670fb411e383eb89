// Package config handles configuration loading for the RMA engine.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config represents the engine configuration.
type Config struct {
	Matrix   MatrixConfig   `yaml:"matrix"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Cache    CacheConfig    `yaml:"cache"`
	Layout   LayoutConfig   `yaml:"layout"`
	Store    StoreConfig    `yaml:"store"`
	Log      LogConfig      `yaml:"log"`
	Output   OutputConfig   `yaml:"output"`
	Batches  []BatchConfig  `yaml:"batches"`
}

// MatrixConfig contains disk-backed matrix settings.
type MatrixConfig struct {
	MaxCols       int    `yaml:"max_cols"`
	MaxRows       int    `yaml:"max_rows"`
	TempDir       string `yaml:"temp_dir"`
	Codec         string `yaml:"codec"`
	Eviction      string `yaml:"eviction"`
	MemoryLimitMB int    `yaml:"memory_limit_mb"`
}

// PipelineConfig selects the processing steps.
type PipelineConfig struct {
	Normalize      *bool   `yaml:"normalize"`
	Background     *bool   `yaml:"background"`
	Summarizer     string  `yaml:"summarizer"`
	VarianceMethod string  `yaml:"variance_method"`
	HuberK         float64 `yaml:"huber_k"`
	MaxIterations  int     `yaml:"max_iterations"`
	DensityPoints  int     `yaml:"density_points"`
}

// NormalizeEnabled reports whether quantile normalization runs.
func (p PipelineConfig) NormalizeEnabled() bool { return p.Normalize == nil || *p.Normalize }

// BackgroundEnabled reports whether background correction runs.
func (p PipelineConfig) BackgroundEnabled() bool { return p.Background == nil || *p.Background }

// CacheConfig contains caching settings.
type CacheConfig struct {
	BlobCacheMB     int `yaml:"blob_cache_mb"`
	LayoutCacheSize int `yaml:"layout_cache_size"`
}

// LayoutConfig locates array design files.
type LayoutConfig struct {
	Dir string `yaml:"dir"`
}

// StoreConfig contains run store settings.
type StoreConfig struct {
	SQLitePath    string `yaml:"sqlite_path"`
	RetentionDays int    `yaml:"retention_days"`
	MaxConcurrent int    `yaml:"max_concurrent"`
	// Reuse returns a completed run with identical parameters and inputs
	// instead of recomputing it.
	Reuse *bool `yaml:"reuse"`
}

// ReuseEnabled reports whether completed runs are reused.
func (s StoreConfig) ReuseEnabled() bool { return s.Reuse == nil || *s.Reuse }

// LogConfig contains logging settings.
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	Compress   bool   `yaml:"compress"`
}

// OutputConfig contains result output settings.
type OutputConfig struct {
	Dir         string `yaml:"dir"`
	RenderQC    bool   `yaml:"render_qc"`
	MetricsFile string `yaml:"metrics_file"`
}

// BatchConfig describes one set of arrays processed together.
type BatchConfig struct {
	Name          string   `yaml:"name"`
	Design        string   `yaml:"design"`
	Arrays        []string `yaml:"arrays"`
	AllowList     string   `yaml:"allow_list"`
	MetaProbesets string   `yaml:"meta_probesets"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Return default config if file doesn't exist
		return DefaultConfig(), nil
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Apply defaults for missing values
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Matrix: MatrixConfig{
			MaxCols:  4,
			MaxRows:  4096,
			Codec:    "raw",
			Eviction: "fifo",
		},
		Pipeline: PipelineConfig{
			Summarizer:     "plm",
			VarianceMethod: "wls",
			HuberK:         1.345,
			MaxIterations:  20,
			DensityPoints:  16384,
		},
		Cache: CacheConfig{
			BlobCacheMB:     64,
			LayoutCacheSize: 8,
		},
		Layout: LayoutConfig{
			Dir: "./data/layouts",
		},
		Store: StoreConfig{
			SQLitePath:    "./data/rma_runs.sqlite",
			RetentionDays: 30,
			MaxConcurrent: 1,
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 5,
		},
		Output: OutputConfig{
			Dir: "./out",
		},
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Matrix.MaxCols == 0 {
		cfg.Matrix.MaxCols = defaults.Matrix.MaxCols
	}
	if cfg.Matrix.MaxRows == 0 {
		cfg.Matrix.MaxRows = defaults.Matrix.MaxRows
	}
	if cfg.Matrix.Codec == "" {
		cfg.Matrix.Codec = defaults.Matrix.Codec
	}
	if cfg.Matrix.Eviction == "" {
		cfg.Matrix.Eviction = defaults.Matrix.Eviction
	}
	if cfg.Pipeline.Summarizer == "" {
		cfg.Pipeline.Summarizer = defaults.Pipeline.Summarizer
	}
	if cfg.Pipeline.VarianceMethod == "" {
		cfg.Pipeline.VarianceMethod = defaults.Pipeline.VarianceMethod
	}
	if cfg.Pipeline.HuberK == 0 {
		cfg.Pipeline.HuberK = defaults.Pipeline.HuberK
	}
	if cfg.Pipeline.MaxIterations == 0 {
		cfg.Pipeline.MaxIterations = defaults.Pipeline.MaxIterations
	}
	if cfg.Pipeline.DensityPoints == 0 {
		cfg.Pipeline.DensityPoints = defaults.Pipeline.DensityPoints
	}
	if cfg.Cache.LayoutCacheSize == 0 {
		cfg.Cache.LayoutCacheSize = defaults.Cache.LayoutCacheSize
	}
	if cfg.Layout.Dir == "" {
		cfg.Layout.Dir = defaults.Layout.Dir
	}
	if cfg.Store.SQLitePath == "" {
		cfg.Store.SQLitePath = defaults.Store.SQLitePath
	}
	if cfg.Store.RetentionDays == 0 {
		cfg.Store.RetentionDays = defaults.Store.RetentionDays
	}
	if cfg.Store.MaxConcurrent == 0 {
		cfg.Store.MaxConcurrent = defaults.Store.MaxConcurrent
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = defaults.Log.Level
	}
	if cfg.Log.MaxSizeMB == 0 {
		cfg.Log.MaxSizeMB = defaults.Log.MaxSizeMB
	}
	if cfg.Log.MaxBackups == 0 {
		cfg.Log.MaxBackups = defaults.Log.MaxBackups
	}
	if cfg.Output.Dir == "" {
		cfg.Output.Dir = defaults.Output.Dir
	}
	for i := range cfg.Batches {
		if cfg.Batches[i].Name == "" {
			cfg.Batches[i].Name = fmt.Sprintf("batch%d", i+1)
		}
	}
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	if c.Matrix.MaxCols < 1 {
		return fmt.Errorf("matrix.max_cols must be at least 1, got %d", c.Matrix.MaxCols)
	}
	if c.Matrix.MaxRows < 1 {
		return fmt.Errorf("matrix.max_rows must be at least 1, got %d", c.Matrix.MaxRows)
	}
	if c.Matrix.MemoryLimitMB < 0 {
		return fmt.Errorf("matrix.memory_limit_mb must not be negative")
	}
	switch c.Matrix.Codec {
	case "raw", "zstd", "lz4":
	default:
		return fmt.Errorf("matrix.codec must be raw, zstd or lz4, got %q", c.Matrix.Codec)
	}
	switch c.Matrix.Eviction {
	case "fifo", "lru":
	default:
		return fmt.Errorf("matrix.eviction must be fifo or lru, got %q", c.Matrix.Eviction)
	}
	switch c.Pipeline.Summarizer {
	case "median_polish", "plm":
	default:
		return fmt.Errorf("pipeline.summarizer must be median_polish or plm, got %q", c.Pipeline.Summarizer)
	}
	switch c.Pipeline.VarianceMethod {
	case "huber1", "huber2", "huber3", "wls":
	default:
		return fmt.Errorf("pipeline.variance_method must be huber1, huber2, huber3 or wls, got %q", c.Pipeline.VarianceMethod)
	}
	if c.Pipeline.HuberK <= 0 {
		return fmt.Errorf("pipeline.huber_k must be positive")
	}
	if c.Pipeline.DensityPoints < 2 {
		return fmt.Errorf("pipeline.density_points must be at least 2")
	}
	if c.Store.MaxConcurrent < 1 {
		return fmt.Errorf("store.max_concurrent must be at least 1")
	}
	seen := make(map[string]bool, len(c.Batches))
	for _, b := range c.Batches {
		if seen[b.Name] {
			return fmt.Errorf("duplicate batch name %q", b.Name)
		}
		seen[b.Name] = true
		if b.Design == "" {
			return fmt.Errorf("batch %q: design is required", b.Name)
		}
		if len(b.Arrays) == 0 {
			return fmt.Errorf("batch %q: no arrays", b.Name)
		}
	}
	return nil
}

// Batch returns the named batch.
func (c *Config) Batch(name string) (BatchConfig, bool) {
	for _, b := range c.Batches {
		if b.Name == name {
			return b, true
		}
	}
	return BatchConfig{}, false
}

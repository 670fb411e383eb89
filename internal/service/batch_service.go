// Package service connects configured batches to the pipeline, the run store
// and the output directory.
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/soma-tiles/rma/internal/blob"
	"github.com/soma-tiles/rma/internal/config"
	"github.com/soma-tiles/rma/internal/expr"
	"github.com/soma-tiles/rma/internal/intensity"
	"github.com/soma-tiles/rma/internal/layout"
	"github.com/soma-tiles/rma/internal/logging"
	"github.com/soma-tiles/rma/internal/pipeline"
	"github.com/soma-tiles/rma/internal/render"
	"github.com/soma-tiles/rma/internal/runner"
	"github.com/soma-tiles/rma/internal/store"
)

// validateParallelism bounds concurrent input-file checks per batch.
const validateParallelism = 4

// Metrics receives batch-level measurements.
type Metrics interface {
	pipeline.Observer
	ObserveProbesets(n int)
}

// BatchServiceConfig contains batch service configuration.
type BatchServiceConfig struct {
	Config    *config.Config
	Layouts   *layout.Provider
	BlobCache blob.Cache
	Renderer  *render.BoxplotRenderer
	Metrics   Metrics
	Logger    logrus.FieldLogger
}

// BatchService executes runs and exports their results.
type BatchService struct {
	cfg       *config.Config
	layouts   *layout.Provider
	blobCache blob.Cache
	renderer  *render.BoxplotRenderer
	metrics   Metrics
	log       logrus.FieldLogger
	budget    *semaphore.Weighted
}

// NewBatchService creates a batch service. All batches share one memory
// budget when the matrix memory limit is set.
func NewBatchService(cfg BatchServiceConfig) *BatchService {
	s := &BatchService{
		cfg:       cfg.Config,
		layouts:   cfg.Layouts,
		blobCache: cfg.BlobCache,
		renderer:  cfg.Renderer,
		metrics:   cfg.Metrics,
		log:       cfg.Logger,
	}
	if s.log == nil {
		s.log = logging.Discard()
	}
	if mb := cfg.Config.Matrix.MemoryLimitMB; mb > 0 {
		s.budget = semaphore.NewWeighted(int64(mb) << 20)
	}
	return s
}

// Params returns the run parameters of a configured batch. Inputs
// fingerprints the current layout and array files.
func (s *BatchService) Params(b config.BatchConfig) store.RunParams {
	p := s.cfg.Pipeline
	files := s.layouts.Files(b.Design, layout.Filters{AllowList: b.AllowList, MetaProbesets: b.MetaProbesets})
	return store.RunParams{
		Batch:          b.Name,
		Design:         b.Design,
		Arrays:         b.Arrays,
		AllowList:      b.AllowList,
		MetaProbesets:  b.MetaProbesets,
		Normalize:      p.NormalizeEnabled(),
		Background:     p.BackgroundEnabled(),
		Summarizer:     p.Summarizer,
		VarianceMethod: p.VarianceMethod,
		HuberK:         p.HuberK,
		MaxIterations:  p.MaxIterations,
		DensityPoints:  p.DensityPoints,
		Inputs:         fingerprint(append(files, b.Arrays...)),
	}
}

// fingerprint hashes the path, size and modification time of every file.
// Missing files are recorded as such.
func fingerprint(paths []string) string {
	h := sha256.New()
	for _, path := range paths {
		if info, err := os.Stat(path); err == nil {
			fmt.Fprintf(h, "%s\t%d\t%d\n", path, info.Size(), info.ModTime().UnixNano())
		} else {
			fmt.Fprintf(h, "%s\tmissing\n", path)
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Execute runs the pipeline for a stored run. It is the runner's executor.
func (s *BatchService) Execute(ctx context.Context, run *store.Run, progress runner.ProgressFunc) (*expr.Table, error) {
	p := run.Params
	log := s.log.WithFields(logging.BatchFields(run.ID, p.Batch, p.Design, len(p.Arrays)))

	lm, err := s.layouts.Load(p.Design, layout.Filters{AllowList: p.AllowList, MetaProbesets: p.MetaProbesets})
	if err != nil {
		return nil, fmt.Errorf("failed to load layout: %w", err)
	}

	src, err := intensity.NewFileSource(p.Arrays, lm.Rows, lm.Cols)
	if err != nil {
		return nil, err
	}
	defer src.Close()
	if err := src.Validate(ctx, validateParallelism); err != nil {
		return nil, fmt.Errorf("failed to validate arrays: %w", err)
	}

	m := s.cfg.Matrix
	opts := pipeline.Options{
		MaxCols:        m.MaxCols,
		MaxRows:        m.MaxRows,
		TempDir:        m.TempDir,
		Codec:          m.Codec,
		Eviction:       m.Eviction,
		Budget:         s.budget,
		BlobCache:      s.blobCache,
		Normalize:      p.Normalize,
		Background:     p.Background,
		Summarizer:     p.Summarizer,
		VarianceMethod: p.VarianceMethod,
		HuberK:         p.HuberK,
		MaxIterations:  p.MaxIterations,
		DensityPoints:  p.DensityPoints,
	}
	if progress != nil {
		opts.Progress = pipeline.ProgressFunc(progress)
	}
	if s.metrics != nil {
		opts.Observer = s.metrics
	}

	batch, err := pipeline.NewBatch(p.Batch, lm, src, opts, log)
	if err != nil {
		return nil, err
	}
	defer batch.Close()

	res, err := batch.Run(ctx)
	if err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.ObserveProbesets(len(res.Table.Probesets))
	}
	if s.cfg.Output.RenderQC && s.renderer != nil {
		if err := s.renderQC(p.Batch, batch.Arrays(), res); err != nil {
			log.WithError(err).Warn("failed to render QC plots")
		}
	}
	return res.Table, nil
}

func (s *BatchService) renderQC(batch string, arrays []string, res *pipeline.Result) error {
	for _, plot := range []struct {
		suffix    string
		summaries [][5]float64
	}{
		{"raw", res.Raw},
		{"processed", res.Processed},
	} {
		data, err := s.renderer.Render(batch+" "+plot.suffix, arrays, plot.summaries)
		if err != nil {
			return err
		}
		if err := s.writeOutput(batch+"_"+plot.suffix+"_qc.png", data); err != nil {
			return err
		}
	}
	return nil
}

// Export writes a run's expression table, and its SE table when present, as
// TSV files named after the batch.
func (s *BatchService) Export(run *store.Run, table *expr.Table) ([]string, error) {
	if err := os.MkdirAll(s.cfg.Output.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	paths := []string{s.outputPath(run.Batch + "_expression.tsv")}
	if err := writeTSV(paths[0], table.WriteTSV); err != nil {
		return nil, err
	}
	if table.HasSE() {
		sePath := s.outputPath(run.Batch + "_se.tsv")
		if err := writeTSV(sePath, table.WriteSETSV); err != nil {
			return nil, err
		}
		paths = append(paths, sePath)
	}
	return paths, nil
}

func (s *BatchService) outputPath(name string) string {
	return filepath.Join(s.cfg.Output.Dir, name)
}

func (s *BatchService) writeOutput(name string, data []byte) error {
	if err := os.MkdirAll(s.cfg.Output.Dir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	return os.WriteFile(s.outputPath(name), data, 0644)
}

func writeTSV(path string, write func(w io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := write(f); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return f.Close()
}

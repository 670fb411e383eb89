// Package pipeline builds the disk-backed probe matrix for a batch of arrays
// and runs normalization, background correction and summarization over it.
package pipeline

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/soma-tiles/rma/internal/blob"
	"github.com/soma-tiles/rma/internal/intensity"
	"github.com/soma-tiles/rma/internal/layout"
	"github.com/soma-tiles/rma/internal/logging"
	"github.com/soma-tiles/rma/internal/matrix"
	"github.com/soma-tiles/rma/internal/summarize"
)

// Phase names reported to progress callbacks, logs and metrics.
const (
	PhaseLoad       = "load"
	PhaseNormalize  = "normalize"
	PhaseBackground = "background"
	PhaseSummarize  = "summarize"
)

var (
	// ErrNoProbes is returned when no probeset in the layout has probes.
	ErrNoProbes = errors.New("pipeline: layout has no probes")
	// ErrIntensityMismatch is returned when an array does not cover the layout grid.
	ErrIntensityMismatch = errors.New("pipeline: intensity vector does not match layout")
)

// ProgressFunc receives progress within a phase.
type ProgressFunc func(phase string, done, total int)

// Observer receives per-phase timings and matrix cache activity.
type Observer interface {
	ObservePhase(phase string, elapsed time.Duration, delta matrix.Stats)
}

// Options configure a batch.
type Options struct {
	MaxCols  int
	MaxRows  int
	TempDir  string
	Codec    string
	Eviction string

	// Budget, when set, bounds the cache memory of the batch matrix.
	Budget    *semaphore.Weighted
	BlobCache blob.Cache

	Normalize      bool
	Background     bool
	Summarizer     string
	VarianceMethod string
	HuberK         float64
	MaxIterations  int
	DensityPoints  int

	Progress ProgressFunc
	Observer Observer
}

// Batch owns the probe matrix of one set of arrays. It is not safe for
// concurrent use.
type Batch struct {
	name   string
	lm     *layout.Map
	arrays []string
	groups []summarize.Group
	mx     *matrix.Matrix
	opts   Options
	log    logrus.FieldLogger
}

// NewBatch materializes the probe matrix: one row per probe, grouped by
// probeset in layout order, one column per array. Probesets without probes
// are dropped with a warning.
func NewBatch(name string, lm *layout.Map, src intensity.Source, opts Options, log logrus.FieldLogger) (*Batch, error) {
	if log == nil {
		log = logging.Discard()
	}
	if src.Len() == 0 {
		return nil, fmt.Errorf("batch %s: no arrays", name)
	}

	groups := make([]summarize.Group, 0, len(lm.Probesets))
	probesets := make([]layout.Probeset, 0, len(lm.Probesets))
	rows := 0
	for _, ps := range lm.Probesets {
		if len(ps.Rows) == 0 {
			log.WithField("probeset", ps.Name).Warn("dropping probeset without probes")
			continue
		}
		groups = append(groups, summarize.Group{Name: ps.Name, Count: len(ps.Rows)})
		probesets = append(probesets, ps)
		rows += len(ps.Rows)
	}
	if rows == 0 {
		return nil, ErrNoProbes
	}

	mx, err := newMatrix(rows, opts)
	if err != nil {
		return nil, err
	}
	b := &Batch{
		name:   name,
		lm:     lm,
		groups: groups,
		mx:     mx,
		opts:   opts,
		log:    log,
	}

	err = b.phase(PhaseLoad, func() error {
		col := make([]float64, rows)
		for i := 0; i < src.Len(); i++ {
			values, err := src.Read(i)
			if err != nil {
				return err
			}
			if len(values) != lm.NumLocations() {
				return fmt.Errorf("%w: array %s has %d values, layout %s has %d locations",
					ErrIntensityMismatch, src.Name(i), len(values), lm.DesignID, lm.NumLocations())
			}
			r := 0
			for _, ps := range probesets {
				for _, loc := range ps.Rows {
					col[r] = values[loc]
					r++
				}
			}
			if err := mx.AppendColumn(); err != nil {
				return err
			}
			if err := mx.SetFullColumn(i, col); err != nil {
				return err
			}
			b.arrays = append(b.arrays, src.Name(i))
			b.report(PhaseLoad, i+1, src.Len())
		}
		return nil
	})
	if err != nil {
		mx.Close()
		return nil, err
	}
	return b, nil
}

func newMatrix(rows int, opts Options) (*matrix.Matrix, error) {
	codec, err := blob.NewCodec(opts.Codec)
	if err != nil {
		return nil, err
	}
	policy, ok := matrix.PolicyByName(opts.Eviction)
	if !ok {
		codec.Close()
		return nil, fmt.Errorf("%w: unknown eviction policy %q", matrix.ErrInvalidArgument, opts.Eviction)
	}
	mopts := []matrix.Option{matrix.WithCodec(codec), matrix.WithPolicy(policy)}
	if opts.Budget != nil {
		mopts = append(mopts, matrix.WithBudget(opts.Budget))
	}
	if opts.BlobCache != nil {
		mopts = append(mopts, matrix.WithBlobCache(opts.BlobCache))
	}
	maxCols, maxRows := opts.MaxCols, opts.MaxRows
	if maxCols <= 0 {
		maxCols = 1
	}
	if maxRows <= 0 {
		maxRows = 1
	}
	return matrix.New(rows, maxCols, maxRows, opts.TempDir, mopts...)
}

// Name returns the batch name.
func (b *Batch) Name() string { return b.name }

// Arrays returns the array names in column order.
func (b *Batch) Arrays() []string { return b.arrays }

// Groups returns the probe-row assignment: probeset names and probe counts in
// row order.
func (b *Batch) Groups() []summarize.Group { return b.groups }

// Matrix exposes the underlying matrix.
func (b *Batch) Matrix() *matrix.Matrix { return b.mx }

// ColumnSummaries returns the five-number summary of every array.
func (b *Batch) ColumnSummaries() ([][5]float64, error) {
	if err := b.mx.EnterColumnMode(); err != nil {
		return nil, err
	}
	out := make([][5]float64, b.mx.Cols())
	for c := range out {
		s, err := b.mx.FiveNumberSummary(c)
		if err != nil {
			return nil, fmt.Errorf("failed to summarize array %s: %w", b.arrays[c], err)
		}
		out[c] = s
	}
	return out, nil
}

// Close removes the batch matrix.
func (b *Batch) Close() error {
	return b.mx.Close()
}

func (b *Batch) report(phase string, done, total int) {
	if b.opts.Progress != nil {
		b.opts.Progress(phase, done, total)
	}
}

// phase runs fn and logs its duration and cache activity.
func (b *Batch) phase(name string, fn func() error) error {
	start := time.Now()
	before := b.mx.Stats()
	err := fn()
	elapsed := time.Since(start)
	delta := b.mx.Stats().Sub(before)

	entry := b.log.WithFields(logging.PhaseFields(name, elapsed.Milliseconds(), delta.Loads, delta.Flushes, delta.WindowMoves))
	if err != nil {
		entry.WithError(err).Error("phase failed")
		return err
	}
	entry.Info("phase complete")
	if b.opts.Observer != nil {
		b.opts.Observer.ObservePhase(name, elapsed, delta)
	}
	return nil
}

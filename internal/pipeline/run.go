package pipeline

import (
	"context"
	"fmt"

	"github.com/soma-tiles/rma/internal/background"
	"github.com/soma-tiles/rma/internal/expr"
	"github.com/soma-tiles/rma/internal/normalize"
	"github.com/soma-tiles/rma/internal/summarize"
)

// Result is the output of a full batch run.
type Result struct {
	Table      *expr.Table
	Target     []float64
	Background []background.Params
	// Raw and Processed are per-array five-number summaries before
	// normalization and after background correction.
	Raw       [][5]float64
	Processed [][5]float64
}

// Normalize quantile-normalizes the batch in place and returns the target
// distribution.
func (b *Batch) Normalize() ([]float64, error) {
	var target []float64
	err := b.phase(PhaseNormalize, func() error {
		if err := b.columnPhase(); err != nil {
			return err
		}
		var err error
		target, err = normalize.Quantile(b.mx, b.progress(PhaseNormalize))
		return err
	})
	return target, err
}

// BackgroundAdjust applies the RMA convolution background correction to every
// array in place.
func (b *Batch) BackgroundAdjust() ([]background.Params, error) {
	var params []background.Params
	err := b.phase(PhaseBackground, func() error {
		if err := b.columnPhase(); err != nil {
			return err
		}
		var err error
		params, err = background.NewCorrector(b.opts.DensityPoints).Correct(b.mx, b.progress(PhaseBackground))
		return err
	})
	return params, err
}

// SummarizeMedianPolish summarizes every probeset with median polish.
func (b *Batch) SummarizeMedianPolish() (*expr.Table, error) {
	mp := summarize.NewMedianPolish()
	if b.opts.MaxIterations > 0 {
		mp.MaxIterations = b.opts.MaxIterations
	}
	return b.summarize(mp)
}

// SummarizePLM summarizes every probeset with the robust probe-level model
// and reports standard errors.
func (b *Batch) SummarizePLM() (*expr.Table, error) {
	method, err := summarize.ParseVarianceMethod(b.opts.VarianceMethod)
	if err != nil {
		return nil, err
	}
	plm := summarize.NewPLM(b.opts.HuberK, method)
	if b.opts.MaxIterations > 0 {
		plm.MaxIterations = b.opts.MaxIterations
	}
	return b.summarize(plm)
}

// Summarize runs the configured summarizer.
func (b *Batch) Summarize() (*expr.Table, error) {
	switch b.opts.Summarizer {
	case "", "median_polish":
		return b.SummarizeMedianPolish()
	case "plm":
		return b.SummarizePLM()
	}
	return nil, fmt.Errorf("unknown summarizer: %q", b.opts.Summarizer)
}

// summarize walks the matrix in row mode. The matrix is read-only for the
// duration of the phase.
func (b *Batch) summarize(est summarize.Estimator) (*expr.Table, error) {
	names := make([]string, len(b.groups))
	for i, g := range b.groups {
		names[i] = g.Name
	}
	table := expr.NewTable(names, b.arrays, est.HasSE())

	err := b.phase(PhaseSummarize, func() error {
		if err := b.mx.EnterRowMode(); err != nil {
			return err
		}
		if err := b.mx.SetReadOnly(true); err != nil {
			return err
		}
		serr := summarize.Summarize(b.mx, b.groups, est, table, b.progress(PhaseSummarize))
		if err := b.mx.SetReadOnly(false); err != nil && serr == nil {
			serr = err
		}
		return serr
	})
	if err != nil {
		return nil, err
	}
	return table, nil
}

// columnPhase puts the matrix in writable column mode.
func (b *Batch) columnPhase() error {
	if err := b.mx.SetReadOnly(false); err != nil {
		return err
	}
	return b.mx.EnterColumnMode()
}

func (b *Batch) progress(phase string) func(done, total int) {
	return func(done, total int) { b.report(phase, done, total) }
}

// Run executes the enabled phases: normalization, background correction and
// summarization. ctx is checked between phases.
func (b *Batch) Run(ctx context.Context) (*Result, error) {
	res := &Result{}
	var err error

	if res.Raw, err = b.ColumnSummaries(); err != nil {
		return nil, err
	}
	if b.opts.Normalize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if res.Target, err = b.Normalize(); err != nil {
			return nil, err
		}
	}
	if b.opts.Background {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if res.Background, err = b.BackgroundAdjust(); err != nil {
			return nil, err
		}
	}
	if res.Processed, err = b.ColumnSummaries(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if res.Table, err = b.Summarize(); err != nil {
		return nil, err
	}
	return res, nil
}

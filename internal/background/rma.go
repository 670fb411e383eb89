// Package background implements RMA convolution background correction: each
// array is modelled as exponential signal plus normal background, and every
// intensity is replaced by its expected signal.
package background

import (
	"fmt"
	"math"

	"github.com/soma-tiles/rma/internal/numeric"
)

// Params are the fitted background parameters of one array.
type Params struct {
	Mu    float64
	Sigma float64
	Alpha float64
}

// Columns is the column access the corrector needs.
type Columns interface {
	Rows() int
	Cols() int
	GetFullColumn(col int, dst []float64) error
	SetFullColumn(col int, src []float64) error
}

// ProgressFunc is called after each corrected column.
type ProgressFunc func(done, total int)

// Corrector fits and applies the background model. It reuses its density
// estimator and buffers and is not safe for concurrent use.
type Corrector struct {
	kde  *numeric.KDE
	part []float64
}

// NewCorrector creates a corrector whose density estimates use points grid
// locations.
func NewCorrector(points int) *Corrector {
	return &Corrector{kde: numeric.NewKDE(points)}
}

// Fit estimates mu, sigma and alpha for one array's intensities.
func (c *Corrector) Fit(values []float64) (Params, error) {
	mu, err := c.kde.Mode(values)
	if err != nil {
		return Params{}, fmt.Errorf("failed to estimate background mode: %w", err)
	}

	c.part = c.part[:0]
	for _, v := range values {
		if v < mu {
			c.part = append(c.part, v)
		}
	}
	if len(c.part) > 0 {
		if mu, err = c.kde.Mode(c.part); err != nil {
			return Params{}, fmt.Errorf("failed to refine background mode: %w", err)
		}
	}

	var ss float64
	n := 0
	for _, v := range values {
		if v < mu {
			d := v - mu
			ss += d * d
			n++
		}
	}
	sigma := 0.0
	if n > 1 {
		sigma = math.Sqrt(ss/float64(n-1)) * math.Sqrt2
	}

	c.part = c.part[:0]
	for _, v := range values {
		if v > mu {
			c.part = append(c.part, v-mu)
		}
	}
	alpha := 0.0
	if len(c.part) > 0 {
		mode, err := c.kde.Mode(c.part)
		if err != nil {
			return Params{}, fmt.Errorf("failed to estimate signal mode: %w", err)
		}
		if mode > 0 {
			alpha = 1 / mode
		}
	}
	if math.IsInf(alpha, 0) || math.IsNaN(alpha) {
		alpha = 0
	}
	return Params{Mu: mu, Sigma: sigma, Alpha: alpha}, nil
}

// MinSignal is the smallest adjusted intensity. The expected signal is
// positive, and later phases take its logarithm.
const MinSignal = 1e-6

// Adjust returns the expected signal of intensity x under p. A zero sigma,
// fitted when fewer than two values lie below mu, uses the limit a but keeps
// values at or below the background at MinSignal.
func Adjust(x float64, p Params) float64 {
	a := x - p.Mu - p.Alpha*p.Sigma*p.Sigma
	if p.Sigma <= 0 {
		return math.Max(a, MinSignal)
	}
	t := a / p.Sigma
	v := a + p.Sigma*millsRatio(t)
	if !(v > 0) {
		return MinSignal
	}
	return v
}

// millsRatio returns phi(t)/Phi(t).
func millsRatio(t float64) float64 {
	cdf := 0.5 * math.Erfc(-t/math.Sqrt2)
	if cdf > 1e-300 {
		pdf := math.Exp(-0.5*t*t) / math.Sqrt(2*math.Pi)
		return pdf / cdf
	}
	// Lower-tail asymptote; t is large and negative here.
	t2 := t * t
	return -t / (1 - 1/t2 + 3/(t2*t2))
}

// AdjustColumn fits p on values and replaces every value with Adjust(v, p).
func (c *Corrector) AdjustColumn(values []float64) (Params, error) {
	p, err := c.Fit(values)
	if err != nil {
		return Params{}, err
	}
	for i, v := range values {
		values[i] = Adjust(v, p)
	}
	return p, nil
}

// Correct background-corrects every column of m in place and returns the
// fitted parameters per column.
func (c *Corrector) Correct(m Columns, progress ProgressFunc) ([]Params, error) {
	cols := m.Cols()
	params := make([]Params, cols)
	buf := make([]float64, m.Rows())
	for col := 0; col < cols; col++ {
		if err := m.GetFullColumn(col, buf); err != nil {
			return nil, fmt.Errorf("failed to read column %d: %w", col, err)
		}
		p, err := c.AdjustColumn(buf)
		if err != nil {
			return nil, fmt.Errorf("column %d: %w", col, err)
		}
		if err := m.SetFullColumn(col, buf); err != nil {
			return nil, fmt.Errorf("failed to write column %d: %w", col, err)
		}
		params[col] = p
		if progress != nil {
			progress(col+1, cols)
		}
	}
	return params, nil
}

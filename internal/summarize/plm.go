package summarize

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/soma-tiles/rma/internal/expr"
	"github.com/soma-tiles/rma/internal/numeric"
)

const (
	// DefaultMaxProbes is the largest probeset fitted robustly; larger ones
	// are median polished.
	DefaultMaxProbes = 100
	// LargeProbesetSE is reported for median-polished large probesets.
	LargeProbesetSE = 1.0

	irlsTolerance = 1e-4
	minScale      = 1e-10
)

// PLM fits y_ij = c_j + p_i with sum(p_i) = 0 by iteratively reweighted least
// squares with Huber weights, and reports the array effects c_j with standard
// errors.
type PLM struct {
	K             float64
	MaxIterations int
	MaxProbes     int
	Variance      VarianceMethod

	polish *MedianPolish

	w, resid, old, abs []float64
	chips, probes      []float64
	sinv               *mat.Dense
	bmat               *mat.Dense
	a                  []float64
}

// NewPLM returns a robust fit with Huber constant k (DefaultHuberK when not
// positive) and the given variance method.
func NewPLM(k float64, method VarianceMethod) *PLM {
	if k <= 0 {
		k = numeric.DefaultHuberK
	}
	return &PLM{
		K:             k,
		MaxIterations: 20,
		MaxProbes:     DefaultMaxProbes,
		Variance:      method,
		polish:        NewMedianPolish(),
	}
}

func (p *PLM) Name() string { return "plm" }

// HasSE is true: every estimate carries a standard error.
func (p *PLM) HasSE() bool { return true }

// Estimate writes one estimate and one standard error per array.
func (p *PLM) Estimate(y [][]float64, est, se []float64) error {
	nr := len(y)
	if nr == 0 {
		return ErrEmptyProbeset
	}
	nc := len(y[0])

	switch {
	case nr == 1:
		copy(est, y[0])
		fill(se, expr.Undefined)
		return nil
	case nr > p.MaxProbes:
		if err := p.polish.Estimate(y, est, nil); err != nil {
			return err
		}
		fill(se, LargeProbesetSE)
		return nil
	}

	n := nr * nc
	p.w = grow(p.w, n)
	p.resid = grow(p.resid, n)
	p.old = grow(p.old, n)
	p.abs = grow(p.abs, n)
	for i := range p.w {
		p.w[i] = 1
	}

	if err := p.fit(y); err != nil {
		return err
	}
	for iter := 0; iter < p.MaxIterations; iter++ {
		scale := p.scale()
		if scale < minScale {
			break
		}
		copy(p.old, p.resid)
		for i, r := range p.resid {
			p.w[i] = numeric.HuberWeight(r/scale, p.K)
		}
		if err := p.fit(y); err != nil {
			return err
		}
		if irlsDelta(p.old, p.resid) < irlsTolerance {
			break
		}
	}

	copy(est, p.chips)
	if se != nil {
		if err := p.standardErrors(nr, nc, se); err != nil {
			return err
		}
	}
	return nil
}

// fit solves the weighted normal equations for the current weights and
// updates chips, probes and resid. The probe block is reduced with its Schur
// complement S = D - BᵀA⁻¹B, where A is the diagonal array block.
func (p *PLM) fit(y [][]float64) error {
	nr, nc := len(y), len(y[0])
	w := p.w

	p.a = grow(p.a, nc)
	bc := make([]float64, nc)
	for j := 0; j < nc; j++ {
		var sw, swy float64
		for i := 0; i < nr; i++ {
			wij := w[i*nc+j]
			sw += wij
			swy += wij * y[i][j]
		}
		p.a[j] = sw
		bc[j] = swy
	}

	q := nr - 1
	last := q * nc
	B := mat.NewDense(nc, q, nil)
	bs := mat.NewDense(nc, q, nil)
	d := mat.NewSymDense(q, nil)
	bp := mat.NewVecDense(q, nil)

	lastSum := 0.0
	for j := 0; j < nc; j++ {
		lastSum += w[last+j]
	}
	for k := 0; k < q; k++ {
		rowSum, rhs := 0.0, 0.0
		for j := 0; j < nc; j++ {
			wk, wl := w[k*nc+j], w[last+j]
			rowSum += wk
			rhs += wk*y[k][j] - wl*y[q][j]
			B.Set(j, k, wk-wl)
			bs.Set(j, k, (wk-wl)/math.Sqrt(p.a[j]))
		}
		bp.SetVec(k, rhs)
		for l := k; l < q; l++ {
			v := lastSum
			if l == k {
				v += rowSum
			}
			d.SetSym(k, l, v)
		}
	}

	var s mat.SymDense
	s.SymRankK(d, -1, bs.T())
	sinv, _, err := numeric.InverseSymmetric(&s)
	if err != nil {
		return fmt.Errorf("failed to invert probe block: %w", err)
	}

	ainvbc := mat.NewVecDense(nc, nil)
	for j := 0; j < nc; j++ {
		ainvbc.SetVec(j, bc[j]/p.a[j])
	}
	var btab, rhs mat.VecDense
	btab.MulVec(B.T(), ainvbc)
	rhs.SubVec(bp, &btab)

	var pk mat.VecDense
	pk.MulVec(sinv, &rhs)

	var bpk mat.VecDense
	bpk.MulVec(B, &pk)

	p.chips = grow(p.chips, nc)
	p.probes = grow(p.probes, nr)
	for j := 0; j < nc; j++ {
		p.chips[j] = (bc[j] - bpk.AtVec(j)) / p.a[j]
	}
	sum := 0.0
	for k := 0; k < q; k++ {
		p.probes[k] = pk.AtVec(k)
		sum += p.probes[k]
	}
	p.probes[q] = -sum

	for i := 0; i < nr; i++ {
		for j := 0; j < nc; j++ {
			p.resid[i*nc+j] = y[i][j] - p.chips[j] - p.probes[i]
		}
	}
	p.sinv = sinv
	p.bmat = B
	return nil
}

// scale is the normalized median absolute residual.
func (p *PLM) scale() float64 {
	for i, r := range p.resid {
		p.abs[i] = math.Abs(r)
	}
	return numeric.MedianInPlace(p.abs) / 0.6745
}

// irlsDelta is the relative change between successive residual vectors.
func irlsDelta(old, cur []float64) float64 {
	var num, den float64
	for i := range old {
		d := old[i] - cur[i]
		num += d * d
		den += old[i] * old[i]
	}
	return math.Sqrt(num / math.Max(1e-20, den))
}

func fill(dst []float64, v float64) {
	for i := range dst {
		dst[i] = v
	}
}

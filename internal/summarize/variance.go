package summarize

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/soma-tiles/rma/internal/expr"
	"github.com/soma-tiles/rma/internal/numeric"
)

// VarianceMethod selects the asymptotic variance estimator for PLM standard
// errors.
type VarianceMethod int

const (
	// HuberVariance1 is κ²·Σψ²/(n-p)/m̄'² · s²·(XᵀX)⁻¹.
	HuberVariance1 VarianceMethod = iota + 1
	// HuberVariance2 is κ·Σψ²/(n-p)/m̄' · s²·W⁻¹ with W = Xᵀdiag(ψ')X.
	HuberVariance2
	// HuberVariance3 is Σψ²/(n-p)/κ · s²·W⁻¹(XᵀX)W⁻¹.
	HuberVariance3
	// WLSVariance is the ordinary weighted least squares estimator
	// Σwr²/(n-p) · (XᵀWX)⁻¹.
	WLSVariance
)

func (v VarianceMethod) String() string {
	switch v {
	case HuberVariance1:
		return "huber1"
	case HuberVariance2:
		return "huber2"
	case HuberVariance3:
		return "huber3"
	case WLSVariance:
		return "wls"
	}
	return fmt.Sprintf("VarianceMethod(%d)", int(v))
}

// ParseVarianceMethod maps a configuration name to a method. The empty name
// selects WLSVariance.
func ParseVarianceMethod(s string) (VarianceMethod, error) {
	switch s {
	case "", "wls":
		return WLSVariance, nil
	case "huber1":
		return HuberVariance1, nil
	case "huber2":
		return HuberVariance2, nil
	case "huber3":
		return HuberVariance3, nil
	}
	return 0, fmt.Errorf("unknown variance method: %q", s)
}

// standardErrors fills se for the array effects of the last fit.
func (p *PLM) standardErrors(nr, nc int, se []float64) error {
	n := nr * nc
	np := nc + nr - 1
	df := n - np
	if df <= 0 {
		fill(se, expr.Undefined)
		return nil
	}

	switch p.Variance {
	case HuberVariance1, HuberVariance2, HuberVariance3:
		ok, err := p.huberSE(nr, nc, df, se)
		if err != nil || ok {
			return err
		}
		// Degenerate scale or no residual inside the Huber bound.
	}

	rss := 0.0
	for i, r := range p.resid {
		rss += p.w[i] * r * r
	}
	rmse := math.Sqrt(rss / float64(df))

	q := nr - 1
	for j := 0; j < nc; j++ {
		b := mat.NewVecDense(q, p.bmat.RawRowView(j))
		quad := mat.Inner(b, p.sinv, b)
		inv := 1/p.a[j] + quad/(p.a[j]*p.a[j])
		se[j] = rmse * math.Sqrt(inv)
	}
	return nil
}

func (p *PLM) huberSE(nr, nc, df int, se []float64) (bool, error) {
	scale := p.scale()
	if scale < minScale {
		return false, nil
	}
	n := float64(nr * nc)
	np := float64(nc + nr - 1)

	deriv := p.old
	var sumPsi2, sumD float64
	for i, r := range p.resid {
		u := r / scale
		psi := numeric.HuberPsi(u, p.K)
		sumPsi2 += psi * psi
		deriv[i] = numeric.HuberDerivative(u, p.K)
		sumD += deriv[i]
	}
	m := sumD / n
	if m == 0 {
		return false, nil
	}
	vs := 0.0
	for _, d := range deriv {
		vs += (d - m) * (d - m)
	}
	vs /= n
	kappa := 1 + np*vs/(n*m*m)
	qv := sumPsi2 / float64(df)
	s2 := scale * scale

	if p.Variance == HuberVariance1 {
		// With unit weights the array block of (XᵀX)⁻¹ is I/nr.
		v := kappa * kappa * qv / (m * m) * s2 / float64(nr)
		fill(se, math.Sqrt(v))
		return true, nil
	}

	winv, _, err := numeric.InverseSymmetric(normalMatrix(deriv, nr, nc))
	if err != nil {
		return false, fmt.Errorf("failed to invert weighted design: %w", err)
	}
	if p.Variance == HuberVariance2 {
		c := kappa * qv / m * s2
		for j := 0; j < nc; j++ {
			se[j] = math.Sqrt(c * winv.At(j, j))
		}
		return true, nil
	}

	ones := make([]float64, nr*nc)
	fill(ones, 1)
	var tmp, sandwich mat.Dense
	tmp.Mul(winv, normalMatrix(ones, nr, nc))
	sandwich.Mul(&tmp, winv)
	c := qv / kappa * s2
	for j := 0; j < nc; j++ {
		se[j] = math.Sqrt(c * sandwich.At(j, j))
	}
	return true, nil
}

// normalMatrix assembles XᵀWX for weights w (row-major probes×arrays), with
// array effects first and the first nr-1 probe effects after.
func normalMatrix(w []float64, nr, nc int) *mat.SymDense {
	q := nr - 1
	last := q * nc
	x := mat.NewSymDense(nc+q, nil)
	lastSum := 0.0
	for j := 0; j < nc; j++ {
		lastSum += w[last+j]
	}
	for j := 0; j < nc; j++ {
		a := 0.0
		for i := 0; i < nr; i++ {
			a += w[i*nc+j]
		}
		x.SetSym(j, j, a)
		for k := 0; k < q; k++ {
			x.SetSym(j, nc+k, w[k*nc+j]-w[last+j])
		}
	}
	for k := 0; k < q; k++ {
		rowSum := 0.0
		for j := 0; j < nc; j++ {
			rowSum += w[k*nc+j]
		}
		for l := k; l < q; l++ {
			v := lastSum
			if l == k {
				v += rowSum
			}
			x.SetSym(nc+k, nc+l, v)
		}
	}
	return x
}

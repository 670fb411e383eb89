package numeric

import (
	"errors"
	"math"
	"math/cmplx"
	"sort"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/stat"
)

// DefaultDensityPoints is the grid size of the density estimate.
const DefaultDensityPoints = 16384

// ErrNoData is returned when a density is requested for no values.
var ErrNoData = errors.New("numeric: no data")

// KDE is an Epanechnikov kernel density estimator over a fixed grid, using the
// nrd0 rule-of-thumb bandwidth and linear binning with FFT convolution. A KDE
// reuses its buffers and is not safe for concurrent use.
type KDE struct {
	n   int
	fft *fourier.FFT

	sorted []float64
	bins   []float64
	kern   []float64
	yc     []complex128
	kc     []complex128
	conv   []float64
	x      []float64
	y      []float64
}

// NewKDE creates an estimator evaluating the density at points grid locations.
func NewKDE(points int) *KDE {
	if points < 2 {
		points = DefaultDensityPoints
	}
	return &KDE{
		n:    points,
		fft:  fourier.NewFFT(2 * points),
		bins: make([]float64, 2*points),
		kern: make([]float64, 2*points),
		conv: make([]float64, 2*points),
		x:    make([]float64, points),
		y:    make([]float64, points),
	}
}

// Points returns the grid size.
func (k *KDE) Points() int { return k.n }

// Estimate computes the density of values. The returned grid and density
// slices are owned by k and overwritten by the next call.
func (k *KDE) Estimate(values []float64) (x, y []float64, err error) {
	if len(values) == 0 {
		return nil, nil, ErrNoData
	}
	k.sorted = append(k.sorted[:0], values...)
	sort.Float64s(k.sorted)
	xs := k.sorted
	n := k.n

	bw := BandwidthNRD0(xs)
	const cut = 3
	from := xs[0] - cut*bw
	to := xs[len(xs)-1] + cut*bw
	lo := from - 4*bw
	up := to + 4*bw

	// Linear binning of unit total mass onto n points over [lo, up].
	clear(k.bins)
	w := 1 / float64(len(xs))
	delta := (up - lo) / float64(n-1)
	for _, v := range xs {
		pos := (v - lo) / delta
		ix := int(math.Floor(pos))
		fx := pos - float64(ix)
		switch {
		case ix >= 0 && ix <= n-2:
			k.bins[ix] += w * (1 - fx)
			k.bins[ix+1] += w * fx
		case ix == -1:
			k.bins[0] += w * fx
		case ix == n-1:
			k.bins[ix] += w * (1 - fx)
		}
	}

	// Kernel on the wrapped ordinate grid.
	step := 2 * (up - lo) / float64(2*n-1)
	for i := 0; i <= n; i++ {
		k.kern[i] = float64(i) * step
	}
	for j := 0; j < n-1; j++ {
		k.kern[n+1+j] = -k.kern[n-1-j]
	}
	a := bw * math.Sqrt(5)
	for i, d := range k.kern {
		ad := math.Abs(d)
		if ad < a {
			k.kern[i] = 0.75 * (1 - (ad/a)*(ad/a)) / a
		} else {
			k.kern[i] = 0
		}
	}

	k.yc = k.fft.Coefficients(k.yc, k.bins)
	k.kc = k.fft.Coefficients(k.kc, k.kern)
	for i := range k.yc {
		k.yc[i] *= cmplx.Conj(k.kc[i])
	}
	k.conv = k.fft.Sequence(k.conv, k.yc)
	scale := 1 / float64(2*n)
	for i := 0; i < n; i++ {
		k.conv[i] = math.Max(0, k.conv[i]*scale)
	}

	// Interpolate from the binning grid onto [from, to].
	outStep := (to - from) / float64(n-1)
	for i := 0; i < n; i++ {
		xi := from + float64(i)*outStep
		k.x[i] = xi
		pos := (xi - lo) / delta
		j := int(math.Floor(pos))
		switch {
		case j < 0:
			k.y[i] = k.conv[0]
		case j >= n-1:
			k.y[i] = k.conv[n-1]
		default:
			f := pos - float64(j)
			k.y[i] = k.conv[j]*(1-f) + k.conv[j+1]*f
		}
	}
	return k.x, k.y, nil
}

// Mode returns the grid location of maximum estimated density. A single value
// is its own mode.
func (k *KDE) Mode(values []float64) (float64, error) {
	switch len(values) {
	case 0:
		return 0, ErrNoData
	case 1:
		return values[0], nil
	}
	x, y, err := k.Estimate(values)
	if err != nil {
		return 0, err
	}
	best := 0
	for i := 1; i < len(y); i++ {
		if y[i] > y[best] {
			best = i
		}
	}
	return x[best], nil
}

// BandwidthNRD0 returns Silverman's rule-of-thumb bandwidth
// 0.9·min(sd, IQR/1.34)·n^-1/5 for sorted ascending data.
func BandwidthNRD0(sorted []float64) float64 {
	n := len(sorted)
	if n < 2 {
		if n == 1 && sorted[0] != 0 {
			return 0.9 * math.Abs(sorted[0])
		}
		return 0.9
	}
	hi := stat.StdDev(sorted, nil)
	iqr := Quantile(sorted, 0.75) - Quantile(sorted, 0.25)
	lo := math.Min(hi, iqr/1.34)
	if !(lo > 0) {
		lo = hi
		if !(lo > 0) {
			lo = math.Abs(sorted[0])
			if !(lo > 0) {
				lo = 1
			}
		}
	}
	return 0.9 * lo * math.Pow(float64(n), -0.2)
}

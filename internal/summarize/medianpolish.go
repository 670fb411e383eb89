package summarize

import (
	"math"

	"github.com/soma-tiles/rma/internal/numeric"
)

// MedianPolish fits y_ij = t + r_i + c_j by alternating row and column median
// sweeps and reports t + c_j per array.
type MedianPolish struct {
	MaxIterations int
	Epsilon       float64

	z    []float64
	r    []float64
	c    []float64
	work []float64
}

// NewMedianPolish returns a median polish with the usual limits of 10 sweeps
// and 0.01 relative change.
func NewMedianPolish() *MedianPolish {
	return &MedianPolish{MaxIterations: 10, Epsilon: 0.01}
}

func (mp *MedianPolish) Name() string { return "median_polish" }

// HasSE is false: median polish produces no standard errors.
func (mp *MedianPolish) HasSE() bool { return false }

// Estimate writes one estimate per array into est. se is ignored.
func (mp *MedianPolish) Estimate(y [][]float64, est, se []float64) error {
	nr := len(y)
	if nr == 0 {
		return ErrEmptyProbeset
	}
	nc := len(y[0])

	mp.z = grow(mp.z, nr*nc)
	for i, row := range y {
		copy(mp.z[i*nc:(i+1)*nc], row)
	}
	mp.r = grow(mp.r, nr)
	mp.c = grow(mp.c, nc)
	clear(mp.r)
	clear(mp.c)
	z, r, c := mp.z, mp.r, mp.c

	t := 0.0
	oldsum := 0.0
	for iter := 0; iter < mp.MaxIterations; iter++ {
		for i := 0; i < nr; i++ {
			d := mp.median(z[i*nc : (i+1)*nc])
			for j := 0; j < nc; j++ {
				z[i*nc+j] -= d
			}
			r[i] += d
		}
		delta := mp.median(c)
		for j := range c {
			c[j] -= delta
		}
		t += delta

		for j := 0; j < nc; j++ {
			mp.work = mp.work[:0]
			for i := 0; i < nr; i++ {
				mp.work = append(mp.work, z[i*nc+j])
			}
			d := numeric.MedianInPlace(mp.work)
			for i := 0; i < nr; i++ {
				z[i*nc+j] -= d
			}
			c[j] += d
		}
		delta = mp.median(r)
		for i := range r {
			r[i] -= delta
		}
		t += delta

		newsum := 0.0
		for _, v := range z {
			newsum += math.Abs(v)
		}
		if newsum == 0 || math.Abs(1-oldsum/newsum) < mp.Epsilon {
			break
		}
		oldsum = newsum
	}

	for j := 0; j < nc; j++ {
		est[j] = t + c[j]
	}
	return nil
}

// median returns the median of x without reordering it.
func (mp *MedianPolish) median(x []float64) float64 {
	mp.work = append(mp.work[:0], x...)
	return numeric.MedianInPlace(mp.work)
}

func grow(buf []float64, n int) []float64 {
	if cap(buf) < n {
		return make([]float64, n)
	}
	return buf[:n]
}

package numeric

import (
	"math"
	"sort"
)

// Median returns the median of x, averaging the two middle values for an even
// count. x is not modified. The median of no values is NaN.
func Median(x []float64) float64 {
	buf := make([]float64, len(x))
	copy(buf, x)
	return MedianInPlace(buf)
}

// MedianInPlace is Median but sorts x.
func MedianInPlace(x []float64) float64 {
	n := len(x)
	if n == 0 {
		return math.NaN()
	}
	sort.Float64s(x)
	if n%2 == 1 {
		return x[n/2]
	}
	return (x[n/2-1] + x[n/2]) / 2
}

// Quantile returns the p-quantile of sorted ascending data using linear
// interpolation between order statistics (x[(n-1)p]).
func Quantile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return math.NaN()
	}
	h := float64(n-1) * p
	lo := math.Floor(h)
	i := int(lo)
	if i >= n-1 {
		return sorted[n-1]
	}
	return sorted[i] + (h-lo)*(sorted[i+1]-sorted[i])
}

// FiveNum returns Tukey's five-number summary (minimum, lower hinge, median,
// upper hinge, maximum) of sorted ascending data.
func FiveNum(sorted []float64) [5]float64 {
	n := len(sorted)
	if n == 0 {
		nan := math.NaN()
		return [5]float64{nan, nan, nan, nan, nan}
	}
	n4 := math.Floor(float64(n+3)/2) / 2
	d := [5]float64{1, n4, float64(n+1) / 2, float64(n+1) - n4, float64(n)}
	var out [5]float64
	for i, di := range d {
		lo := int(math.Floor(di)) - 1
		hi := int(math.Ceil(di)) - 1
		out[i] = (sorted[lo] + sorted[hi]) / 2
	}
	return out
}

package summarize

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soma-tiles/rma/internal/expr"
)

func additive(chips, probes []float64, noise float64, rng *rand.Rand) [][]float64 {
	y := make([][]float64, len(probes))
	for i, p := range probes {
		y[i] = make([]float64, len(chips))
		for j, c := range chips {
			y[i][j] = c + p
			if rng != nil {
				y[i][j] += noise * rng.NormFloat64()
			}
		}
	}
	return y
}

func TestMedianPolish_Exact(t *testing.T) {
	est := make([]float64, 3)
	require.NoError(t, NewMedianPolish().Estimate([][]float64{{1, 2, 3}, {3, 4, 5}}, est, nil))
	assert.InDeltaSlice(t, []float64{2, 3, 4}, est, 1e-12)
}

func TestMedianPolish_DoesNotModifyInput(t *testing.T) {
	y := [][]float64{{1, 9, 3}, {4, 2, 8}, {7, 5, 6}}
	est := make([]float64, 3)
	require.NoError(t, NewMedianPolish().Estimate(y, est, nil))
	assert.Equal(t, [][]float64{{1, 9, 3}, {4, 2, 8}, {7, 5, 6}}, y)
}

func TestPLM_ExactAdditiveModel(t *testing.T) {
	y := additive([]float64{7, 8, 9}, []float64{1, -0.5, -0.5}, 0, nil)
	est := make([]float64, 3)
	se := make([]float64, 3)

	require.NoError(t, NewPLM(0, WLSVariance).Estimate(y, est, se))
	assert.InDeltaSlice(t, []float64{7, 8, 9}, est, 1e-9)
	assert.InDeltaSlice(t, []float64{0, 0, 0}, se, 1e-9)
}

func TestPLM_SingleProbe(t *testing.T) {
	est := make([]float64, 2)
	se := make([]float64, 2)
	require.NoError(t, NewPLM(0, WLSVariance).Estimate([][]float64{{4, 5}}, est, se))
	assert.Equal(t, []float64{4, 5}, est)
	for _, v := range se {
		assert.True(t, expr.IsUndefined(v))
	}
}

func TestPLM_LargeProbesetFallsBackToMedianPolish(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	probes := make([]float64, DefaultMaxProbes+1)
	for i := range probes {
		probes[i] = rng.NormFloat64()
	}
	y := additive([]float64{6, 7}, probes, 0.1, rng)

	est := make([]float64, 2)
	se := make([]float64, 2)
	require.NoError(t, NewPLM(0, WLSVariance).Estimate(y, est, se))

	want := make([]float64, 2)
	require.NoError(t, NewMedianPolish().Estimate(y, want, nil))
	assert.Equal(t, want, est)
	assert.Equal(t, []float64{LargeProbesetSE, LargeProbesetSE}, se)
}

func TestPLM_ResistsOutlier(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	chips := []float64{8, 9, 10, 11}
	y := additive(chips, []float64{0.5, -0.2, 0.1, -0.3, -0.1}, 0.05, rng)
	y[0][2] += 8

	est := make([]float64, 4)
	se := make([]float64, 4)
	require.NoError(t, NewPLM(0, WLSVariance).Estimate(y, est, se))
	for j, c := range chips {
		assert.InDelta(t, c, est[j], 0.3, "array %d", j)
	}
}

func TestPLM_VarianceMethods(t *testing.T) {
	rng := rand.New(rand.NewSource(8))
	y := additive([]float64{5, 6, 7, 8, 9}, []float64{0.3, -0.1, 0.2, -0.4, 0.0, 0.1}, 0.2, rng)

	for _, method := range []VarianceMethod{HuberVariance1, HuberVariance2, HuberVariance3, WLSVariance} {
		t.Run(method.String(), func(t *testing.T) {
			est := make([]float64, 5)
			se := make([]float64, 5)
			require.NoError(t, NewPLM(0, method).Estimate(y, est, se))
			for j, v := range se {
				assert.False(t, math.IsNaN(v) || math.IsInf(v, 0), "array %d", j)
				assert.Greater(t, v, 0.0, "array %d", j)
				assert.Less(t, v, 1.0, "array %d", j)
			}
		})
	}

	_, err := ParseVarianceMethod("bogus")
	require.Error(t, err)
	m, err := ParseVarianceMethod("")
	require.NoError(t, err)
	assert.Equal(t, WLSVariance, m)
}

// memRows is a row-major in-memory matrix.
type memRows [][]float64

func (m memRows) Rows() int { return len(m) }
func (m memRows) Cols() int { return len(m[0]) }
func (m memRows) Get(row, col int) (float64, error) {
	return m[row][col], nil
}

func TestSummarize_RowAccounting(t *testing.T) {
	m := memRows{
		{2, 4}, {2, 4},
		{8, 16},
		{1, 1}, {2, 2}, {4, 4},
	}
	groups := []Group{{"a", 2}, {"b", 1}, {"c", 3}}
	table := expr.NewTable([]string{"a", "b", "c"}, []string{"x", "y"}, true)

	var done []int
	err := Summarize(m, groups, NewPLM(0, WLSVariance), table, func(d, total int) {
		assert.Equal(t, 3, total)
		done = append(done, d)
	})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, done)

	assert.InDeltaSlice(t, []float64{1, 2}, table.Values[0], 1e-9)
	assert.InDeltaSlice(t, []float64{3, 4}, table.Values[1], 1e-9)
	assert.True(t, expr.IsUndefined(table.SE[1][0]))
	assert.InDeltaSlice(t, []float64{1, 1}, table.Values[2], 1e-9)

	err = Summarize(m, []Group{{"a", 2}, {"b", 1}}, NewMedianPolish(), table, nil)
	require.ErrorIs(t, err, ErrRowMismatch)
	err = Summarize(m, []Group{{"a", 6}, {"b", 0}}, NewMedianPolish(), table, nil)
	require.ErrorIs(t, err, ErrEmptyProbeset)
}

func TestSummarize_RejectsNonPositive(t *testing.T) {
	m := memRows{{1, 0}}
	table := expr.NewTable([]string{"a"}, []string{"x", "y"}, false)
	err := Summarize(m, []Group{{"a", 1}}, NewMedianPolish(), table, nil)
	require.ErrorIs(t, err, ErrNonPositive)
}

func TestNew(t *testing.T) {
	est, err := New("plm", 0, WLSVariance)
	require.NoError(t, err)
	assert.Equal(t, "plm", est.Name())
	assert.True(t, est.HasSE())

	est, err = New("", 0, WLSVariance)
	require.NoError(t, err)
	assert.False(t, est.HasSE())

	_, err = New("mean", 0, WLSVariance)
	require.Error(t, err)
}

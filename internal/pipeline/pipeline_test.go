package pipeline

import (
	"context"
	"math"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soma-tiles/rma/internal/intensity"
	"github.com/soma-tiles/rma/internal/layout"
	"github.com/soma-tiles/rma/internal/matrix"
	"github.com/soma-tiles/rma/internal/summarize"
)

// toyLayout builds a rows×cols design whose probesets take consecutive
// locations of the given sizes.
func toyLayout(rows, cols int, sizes ...int) *layout.Map {
	lm := &layout.Map{DesignID: "toy", Rows: rows, Cols: cols}
	loc := 0
	for i, n := range sizes {
		ps := layout.Probeset{Name: "ps" + string(rune('A'+i))}
		for j := 0; j < n; j++ {
			ps.Rows = append(ps.Rows, loc)
			loc++
		}
		lm.Probesets = append(lm.Probesets, ps)
	}
	return lm
}

func randomSource(rng *rand.Rand, arrays, locations int) *intensity.MemorySource {
	names := make([]string, arrays)
	data := make([][]float64, arrays)
	for a := range data {
		names[a] = "array" + string(rune('0'+a))
		data[a] = make([]float64, locations)
		for i := range data[a] {
			data[a][i] = 50 + 20*rng.NormFloat64()
			if i%2 == 0 {
				data[a][i] += rng.ExpFloat64() * 400
			}
			if data[a][i] < 1 {
				data[a][i] = 1
			}
		}
	}
	return intensity.NewMemorySource(names, data)
}

func baseOptions(t *testing.T) Options {
	return Options{
		MaxCols:       2,
		MaxRows:       7,
		TempDir:       t.TempDir(),
		Codec:         "raw",
		Eviction:      "fifo",
		Normalize:     true,
		Background:    true,
		Summarizer:    "plm",
		DensityPoints: 512,
	}
}

type recorder struct {
	phases []string
}

func (r *recorder) ObservePhase(phase string, _ time.Duration, _ matrix.Stats) {
	r.phases = append(r.phases, phase)
}

func TestNewBatch_GroupsAndDropsEmpty(t *testing.T) {
	lm := toyLayout(2, 5, 3, 0, 4)
	src := randomSource(rand.New(rand.NewSource(1)), 2, lm.NumLocations())

	b, err := NewBatch("toy", lm, src, baseOptions(t), nil)
	require.NoError(t, err)
	defer b.Close()

	assert.Equal(t, []summarize.Group{{Name: "psA", Count: 3}, {Name: "psC", Count: 4}}, b.Groups())
	assert.Equal(t, []string{"array0", "array1"}, b.Arrays())
	assert.Equal(t, 7, b.Matrix().Rows())
	assert.Equal(t, 2, b.Matrix().Cols())

	// Rows follow layout order: psC's first probe is location 3.
	v, err := b.Matrix().Get(3, 1)
	require.NoError(t, err)
	raw, _ := src.Read(1)
	assert.Equal(t, raw[3], v)
}

func TestNewBatch_Errors(t *testing.T) {
	lm := toyLayout(2, 2, 0, 0)
	src := randomSource(rand.New(rand.NewSource(1)), 1, 4)
	_, err := NewBatch("empty", lm, src, baseOptions(t), nil)
	assert.ErrorIs(t, err, ErrNoProbes)

	lm = toyLayout(2, 3, 2, 2)
	short := intensity.NewMemorySource([]string{"a"}, [][]float64{{1, 2, 3}})
	_, err = NewBatch("short", lm, short, baseOptions(t), nil)
	assert.ErrorIs(t, err, ErrIntensityMismatch)

	opts := baseOptions(t)
	opts.Eviction = "random"
	_, err = NewBatch("policy", lm, randomSource(rand.New(rand.NewSource(1)), 1, 6), opts, nil)
	assert.ErrorIs(t, err, matrix.ErrInvalidArgument)
}

func TestRun_MedianPolishMatchesInMemory(t *testing.T) {
	lm := toyLayout(4, 5, 4, 6, 1, 5)
	src := randomSource(rand.New(rand.NewSource(7)), 3, lm.NumLocations())

	opts := baseOptions(t)
	opts.Normalize = false
	opts.Background = false
	opts.Summarizer = "median_polish"
	b, err := NewBatch("toy", lm, src, opts, nil)
	require.NoError(t, err)
	defer b.Close()

	res, err := b.Run(context.Background())
	require.NoError(t, err)
	require.False(t, res.Table.HasSE())

	mp := summarize.NewMedianPolish()
	for p, ps := range lm.Probesets {
		y := make([][]float64, len(ps.Rows))
		for i, loc := range ps.Rows {
			y[i] = make([]float64, src.Len())
			for a := 0; a < src.Len(); a++ {
				raw, _ := src.Read(a)
				y[i][a] = math.Log2(raw[loc])
			}
		}
		want := make([]float64, src.Len())
		require.NoError(t, mp.Estimate(y, want, nil))
		assert.InDeltaSlice(t, want, res.Table.Values[p], 1e-12, ps.Name)
	}
}

func TestRun_CacheGeometryDoesNotChangeResults(t *testing.T) {
	lm := toyLayout(6, 10, 5, 8, 3, 12, 2, 7, 1, 9)
	data := randomSource(rand.New(rand.NewSource(42)), 5, lm.NumLocations())

	run := func(opts Options) *Result {
		b, err := NewBatch("toy", lm, data, opts, nil)
		require.NoError(t, err)
		defer b.Close()
		res, err := b.Run(context.Background())
		require.NoError(t, err)
		return res
	}

	big := baseOptions(t)
	big.MaxCols = 10
	big.MaxRows = 1000
	want := run(big)

	for _, tc := range []struct {
		codec, eviction string
		cols, rows      int
	}{
		{"raw", "fifo", 1, 1},
		{"zstd", "lru", 2, 5},
		{"lz4", "fifo", 3, 13},
	} {
		opts := baseOptions(t)
		opts.Codec, opts.Eviction = tc.codec, tc.eviction
		opts.MaxCols, opts.MaxRows = tc.cols, tc.rows
		got := run(opts)

		assert.InDeltaSlice(t, want.Target, got.Target, 1e-12)
		for i := range want.Table.Values {
			assert.InDeltaSlice(t, want.Table.Values[i], got.Table.Values[i], 1e-9)
			for j, se := range want.Table.SE[i] {
				if math.IsNaN(se) {
					assert.True(t, math.IsNaN(got.Table.SE[i][j]))
				} else {
					assert.InDelta(t, se, got.Table.SE[i][j], 1e-9)
				}
			}
		}
	}
}

func TestRun_ObserverAndProgress(t *testing.T) {
	lm := toyLayout(3, 4, 4, 4, 4)
	src := randomSource(rand.New(rand.NewSource(3)), 2, lm.NumLocations())

	rec := &recorder{}
	last := map[string][2]int{}
	opts := baseOptions(t)
	opts.Observer = rec
	opts.Progress = func(phase string, done, total int) { last[phase] = [2]int{done, total} }

	b, err := NewBatch("toy", lm, src, opts, nil)
	require.NoError(t, err)
	defer b.Close()
	res, err := b.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{PhaseLoad, PhaseNormalize, PhaseBackground, PhaseSummarize}, rec.phases)
	assert.Equal(t, [2]int{2, 2}, last[PhaseLoad])
	assert.Equal(t, [2]int{4, 4}, last[PhaseNormalize])
	assert.Equal(t, [2]int{3, 3}, last[PhaseSummarize])
	assert.Len(t, res.Background, 2)
	assert.Len(t, res.Raw, 2)
	assert.Len(t, res.Processed, 2)
	assert.False(t, b.Matrix().ReadOnly())
}

func TestRun_Cancelled(t *testing.T) {
	lm := toyLayout(2, 4, 4, 4)
	src := randomSource(rand.New(rand.NewSource(5)), 2, lm.NumLocations())
	b, err := NewBatch("toy", lm, src, baseOptions(t), nil)
	require.NoError(t, err)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = b.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSummarize_UnknownMethod(t *testing.T) {
	lm := toyLayout(2, 4, 4, 4)
	src := randomSource(rand.New(rand.NewSource(5)), 1, lm.NumLocations())
	opts := baseOptions(t)
	opts.Summarizer = "mean"
	b, err := NewBatch("toy", lm, src, opts, nil)
	require.NoError(t, err)
	defer b.Close()

	_, err = b.Summarize()
	assert.Error(t, err)
}

func TestRun_SmallLognormalBatches(t *testing.T) {
	lm := toyLayout(1, 11, 5, 6)
	opts := baseOptions(t)
	opts.DensityPoints = 0

	for seed := int64(0); seed < 200; seed++ {
		rng := rand.New(rand.NewSource(seed))
		data := make([][]float64, 2)
		for a := range data {
			data[a] = make([]float64, lm.NumLocations())
			for i := range data[a] {
				data[a][i] = math.Exp(6 + 1.5*rng.NormFloat64())
			}
		}
		src := intensity.NewMemorySource([]string{"a0", "a1"}, data)

		b, err := NewBatch("lognormal", lm, src, opts, nil)
		require.NoError(t, err)
		res, err := b.Run(context.Background())
		b.Close()
		require.NoError(t, err, "seed %d", seed)
		for p, row := range res.Table.Values {
			for a, v := range row {
				require.False(t, math.IsNaN(v) || math.IsInf(v, 0), "seed %d probeset %d array %d", seed, p, a)
			}
		}
	}
}

func TestRun_ErrorTextNamesPhaseOnce(t *testing.T) {
	lm := toyLayout(2, 2, 2, 2)
	src := intensity.NewMemorySource([]string{"a"}, [][]float64{{4, 0, 8, 16}})
	opts := baseOptions(t)
	opts.Normalize = false
	opts.Background = false
	opts.Summarizer = "median_polish"

	b, err := NewBatch("zero", lm, src, opts, nil)
	require.NoError(t, err)
	defer b.Close()

	_, err = b.Run(context.Background())
	require.ErrorIs(t, err, summarize.ErrNonPositive)
	assert.Equal(t, 1, strings.Count(err.Error(), "summarize:"), err.Error())
}

// Package render draws per-array QC boxplots using fogleman/gg.
package render

import (
	"bytes"
	"errors"
	"fmt"
	"image/color"
	"image/png"
	"math"
	"sync"

	"github.com/fogleman/gg"

	"github.com/soma-tiles/rma/pkg/colormap"
)

// ErrNoData is returned when there is nothing to plot.
var ErrNoData = errors.New("render: no summaries to plot")

const (
	marginLeft   = 48.0
	marginRight  = 12.0
	marginTop    = 24.0
	marginBottom = 28.0
)

// Config contains renderer configuration.
type Config struct {
	Width    int
	Height   int
	Colormap string
}

// BoxplotRenderer renders five-number summaries as boxplots, one box per
// array, on a log2 axis when every value is positive.
type BoxplotRenderer struct {
	config      Config
	cmap        colormap.Colormap
	contextPool sync.Pool
	bufferPool  sync.Pool
}

// NewBoxplotRenderer creates a renderer. Unknown colormaps fall back to the
// categorical palette.
func NewBoxplotRenderer(cfg Config) *BoxplotRenderer {
	if cfg.Width <= 0 {
		cfg.Width = 800
	}
	if cfg.Height <= 0 {
		cfg.Height = 400
	}
	cmap, ok := colormap.ByName(cfg.Colormap)
	if !ok {
		cmap = colormap.Categorical
	}
	return &BoxplotRenderer{
		config: cfg,
		cmap:   cmap,
		contextPool: sync.Pool{
			New: func() interface{} {
				return gg.NewContext(cfg.Width, cfg.Height)
			},
		},
		bufferPool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 32*1024))
			},
		},
	}
}

// axis maps data values to pixel rows.
type axis struct {
	log    bool
	lo, hi float64
	top    float64
	height float64
}

func newAxis(summaries [][5]float64, top, height float64) axis {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, s := range summaries {
		lo = math.Min(lo, s[0])
		hi = math.Max(hi, s[4])
	}
	a := axis{log: lo > 0, top: top, height: height}
	if a.log {
		lo, hi = math.Log2(lo), math.Log2(hi)
	}
	if hi == lo {
		lo, hi = lo-0.5, hi+0.5
	}
	a.lo, a.hi = lo, hi
	return a
}

func (a axis) y(v float64) float64 {
	if a.log {
		v = math.Log2(v)
	}
	return a.top + (a.hi-v)/(a.hi-a.lo)*a.height
}

// boxRect returns the box of array i out of n: x, width, and the pixel rows
// of the first and third quartiles.
func (r *BoxplotRenderer) boxRect(i, n int, s [5]float64, a axis) (x, w, yq1, yq3 float64) {
	slot := (float64(r.config.Width) - marginLeft - marginRight) / float64(n)
	w = slot * 0.6
	x = marginLeft + float64(i)*slot + (slot-w)/2
	return x, w, a.y(s[1]), a.y(s[3])
}

// Render draws one boxplot per summary. labels name the arrays and may be
// nil.
func (r *BoxplotRenderer) Render(title string, labels []string, summaries [][5]float64) ([]byte, error) {
	n := len(summaries)
	if n == 0 {
		return nil, ErrNoData
	}
	if labels != nil && len(labels) != n {
		return nil, fmt.Errorf("render: %d labels for %d summaries", len(labels), n)
	}

	dc := r.contextPool.Get().(*gg.Context)
	defer r.contextPool.Put(dc)

	dc.SetColor(color.White)
	dc.Clear()

	plotH := float64(r.config.Height) - marginTop - marginBottom
	a := newAxis(summaries, marginTop, plotH)
	colors := colormap.Sample(r.cmap, n)

	// Frame and title.
	dc.SetColor(color.Black)
	dc.SetLineWidth(1)
	dc.DrawRectangle(marginLeft, marginTop, float64(r.config.Width)-marginLeft-marginRight, plotH)
	dc.Stroke()
	dc.DrawStringAnchored(title, float64(r.config.Width)/2, marginTop/2, 0.5, 0.5)
	r.drawTicks(dc, a)

	for i, s := range summaries {
		x, w, yq1, yq3 := r.boxRect(i, n, s, a)
		mid := x + w/2

		dc.SetColor(color.Black)
		dc.DrawLine(mid, a.y(s[0]), mid, yq1)
		dc.DrawLine(mid, yq3, mid, a.y(s[4]))
		dc.DrawLine(x+w/4, a.y(s[0]), x+3*w/4, a.y(s[0]))
		dc.DrawLine(x+w/4, a.y(s[4]), x+3*w/4, a.y(s[4]))
		dc.Stroke()

		dc.SetColor(colors[i])
		dc.DrawRectangle(x, yq3, w, yq1-yq3)
		dc.Fill()

		dc.SetColor(color.Black)
		dc.SetLineWidth(2)
		dc.DrawLine(x, a.y(s[2]), x+w, a.y(s[2]))
		dc.Stroke()
		dc.SetLineWidth(1)

		if labels != nil {
			dc.DrawStringAnchored(labels[i], mid, float64(r.config.Height)-marginBottom/2, 0.5, 0.5)
		}
	}

	return r.encodeContext(dc)
}

func (r *BoxplotRenderer) drawTicks(dc *gg.Context, a axis) {
	const ticks = 4
	for k := 0; k <= ticks; k++ {
		v := a.lo + (a.hi-a.lo)*float64(k)/ticks
		y := a.top + (a.hi-v)/(a.hi-a.lo)*a.height
		dc.DrawLine(marginLeft-4, y, marginLeft, y)
		dc.Stroke()
		dc.DrawStringAnchored(fmt.Sprintf("%.1f", v), marginLeft-6, y, 1, 0.5)
	}
}

func (r *BoxplotRenderer) encodeContext(dc *gg.Context) ([]byte, error) {
	buf := r.bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		r.bufferPool.Put(buf)
	}()

	encoder := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := encoder.Encode(buf, dc.Image()); err != nil {
		return nil, err
	}

	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result, nil
}

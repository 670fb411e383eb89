// Package colormap provides color schemes for QC plots.
package colormap

import (
	"image/color"
)

// Colormap maps normalized values [0, 1] or indexes to colors.
type Colormap interface {
	At(t float64) color.Color
	AtIndex(i int) color.Color
}

// LinearColormap interpolates linearly between evenly spaced stops.
type LinearColormap struct {
	colors []color.RGBA
}

// At returns the color at position t (0-1).
func (c LinearColormap) At(t float64) color.Color {
	if t <= 0 {
		return c.colors[0]
	}
	if t >= 1 {
		return c.colors[len(c.colors)-1]
	}
	idx := t * float64(len(c.colors)-1)
	lower := int(idx)
	return interpolate(c.colors[lower], c.colors[lower+1], idx-float64(lower))
}

// AtIndex returns stop i, wrapping around.
func (c LinearColormap) AtIndex(i int) color.Color {
	return c.colors[i%len(c.colors)]
}

func interpolate(c1, c2 color.RGBA, t float64) color.RGBA {
	mix := func(a, b uint8) uint8 { return uint8(float64(a) + t*(float64(b)-float64(a))) }
	return color.RGBA{R: mix(c1.R, c2.R), G: mix(c1.G, c2.G), B: mix(c1.B, c2.B), A: 255}
}

// CategoricalColormap provides distinct colors for series such as arrays.
type CategoricalColormap struct {
	colors []color.RGBA
}

// At returns the color bucket containing t.
func (c CategoricalColormap) At(t float64) color.Color {
	idx := int(t * float64(len(c.colors)))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(c.colors) {
		idx = len(c.colors) - 1
	}
	return c.colors[idx]
}

// AtIndex returns color i, wrapping around.
func (c CategoricalColormap) AtIndex(i int) color.Color {
	return c.colors[i%len(c.colors)]
}

// Sample returns n colors for n series. Categorical maps cycle through their
// palette; continuous maps are sampled evenly from end to end.
func Sample(c Colormap, n int) []color.Color {
	out := make([]color.Color, n)
	if _, ok := c.(CategoricalColormap); ok || n == 1 {
		for i := range out {
			out[i] = c.AtIndex(i)
		}
		return out
	}
	for i := range out {
		out[i] = c.At(float64(i) / float64(n-1))
	}
	return out
}

// ByName returns a named colormap.
func ByName(name string) (Colormap, bool) {
	switch name {
	case "viridis":
		return Viridis, true
	case "plasma":
		return Plasma, true
	case "", "categorical":
		return Categorical, true
	}
	return nil, false
}

// Viridis colormap (matplotlib viridis)
var Viridis = LinearColormap{
	colors: []color.RGBA{
		{68, 1, 84, 255},
		{72, 35, 116, 255},
		{64, 67, 135, 255},
		{52, 94, 141, 255},
		{41, 120, 142, 255},
		{32, 144, 140, 255},
		{34, 167, 132, 255},
		{68, 190, 112, 255},
		{121, 209, 81, 255},
		{189, 222, 38, 255},
		{253, 231, 37, 255},
	},
}

// Plasma colormap
var Plasma = LinearColormap{
	colors: []color.RGBA{
		{13, 8, 135, 255},
		{75, 3, 161, 255},
		{125, 3, 168, 255},
		{168, 34, 150, 255},
		{203, 70, 121, 255},
		{229, 107, 93, 255},
		{248, 148, 65, 255},
		{253, 195, 40, 255},
		{240, 249, 33, 255},
	},
}

// Categorical colormap with 10 distinct colors
var Categorical = CategoricalColormap{
	colors: []color.RGBA{
		{31, 119, 180, 255},
		{255, 127, 14, 255},
		{44, 160, 44, 255},
		{214, 39, 40, 255},
		{148, 103, 189, 255},
		{140, 86, 75, 255},
		{227, 119, 194, 255},
		{127, 127, 127, 255},
		{188, 189, 34, 255},
		{23, 190, 207, 255},
	},
}

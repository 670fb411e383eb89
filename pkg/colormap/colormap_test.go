package colormap

import (
	"image/color"
	"testing"
)

func TestViridisEndpoints(t *testing.T) {
	t.Parallel()

	c0, ok := Viridis.At(0).(color.RGBA)
	if !ok {
		t.Fatalf("expected color.RGBA at t=0")
	}
	if c0 != (color.RGBA{R: 68, G: 1, B: 84, A: 255}) {
		t.Fatalf("unexpected Viridis.At(0): %#v", c0)
	}

	c1 := Viridis.At(1).(color.RGBA)
	if c1 != (color.RGBA{R: 253, G: 231, B: 37, A: 255}) {
		t.Fatalf("unexpected Viridis.At(1): %#v", c1)
	}
}

func TestSample(t *testing.T) {
	t.Parallel()

	cats := Sample(Categorical, 12)
	if cats[0] != cats[10] || cats[0] == cats[1] {
		t.Fatalf("categorical sample should cycle: %v", cats)
	}

	ramp := Sample(Viridis, 3)
	if ramp[0] != Viridis.At(0) || ramp[2] != Viridis.At(1) {
		t.Fatalf("continuous sample should span the map: %v", ramp)
	}
	if len(Sample(Plasma, 1)) != 1 {
		t.Fatalf("expected a single color")
	}
}

func TestByName(t *testing.T) {
	t.Parallel()

	if _, ok := ByName("viridis"); !ok {
		t.Fatalf("viridis should exist")
	}
	c, ok := ByName("")
	if _, isCat := c.(CategoricalColormap); !ok || !isCat {
		t.Fatalf("empty name should select categorical")
	}
	if _, ok := ByName("jet"); ok {
		t.Fatalf("unknown colormap should not resolve")
	}
}

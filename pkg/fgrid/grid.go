package fgrid

import (
	"fmt"
	"math"
)

// A Grid is a 2D grid of float64 pixel values, stored row-major.
// It is the working representation for every image in the shift
// pipeline; CCD counts go in, everything downstream stays float64.
type Grid struct {
	stride int
	values []float64
}

func New(w, h int) Grid {
	return Grid{
		stride: w,
		values: make([]float64, w*h),
	}
}

// NewFromValues wraps an existing row-major value slice. The slice is
// owned by the grid afterwards.
func NewFromValues(w, h int, values []float64) (Grid, error) {
	if w <= 0 || h <= 0 {
		return Grid{}, fmt.Errorf("fgrid: bad dimensions %dx%d", w, h)
	}
	if len(values) != w*h {
		return Grid{}, fmt.Errorf("fgrid: %dx%d grid needs %d values, got %d", w, h, w*h, len(values))
	}
	return Grid{stride: w, values: values}, nil
}

func (g *Grid)NewFromThis() Grid          { return New(g.Dx(), g.Dy()) }
func (g *Grid)Set(x, y int, v float64)    { g.values[g.stride*y+x] = v }
func (g *Grid)Get(x, y int) float64       { return g.values[g.stride*y+x] }
func (g *Grid)Dx() int                    { return g.stride }
func (g *Grid)Dy() int {
	if g.stride == 0 {
		return 0
	}
	return len(g.values) / g.stride
}
func (g *Grid)IsEmpty() bool              { return g.stride == 0 || len(g.values) == 0 }

func (g1 *Grid)Copy() Grid {
	g2 := Grid{stride: g1.stride, values: make([]float64, len(g1.values))}
	copy(g2.values, g1.values)
	return g2
}

// Crop returns a copy of the half-open sub-region [x0,x1) x [y0,y1).
func (g *Grid)Crop(x0, y0, x1, y1 int) (Grid, error) {
	if x0 < 0 || y0 < 0 || x1 > g.Dx() || y1 > g.Dy() || x0 >= x1 || y0 >= y1 {
		return Grid{}, fmt.Errorf("fgrid: crop [%d:%d,%d:%d] outside %dx%d grid", x0, x1, y0, y1, g.Dx(), g.Dy())
	}
	out := New(x1-x0, y1-y0)
	for y := y0; y < y1; y++ {
		copy(out.values[(y-y0)*out.stride:(y-y0+1)*out.stride], g.values[y*g.stride+x0:y*g.stride+x1])
	}
	return out, nil
}

// Scale multiplies every value in place, e.g. by 1/texp to turn
// counts into counts per second.
func (g *Grid)Scale(k float64) {
	for i := range g.values {
		g.values[i] *= k
	}
}

// Sub subtracts g2 from g in place. Both grids must be the same shape.
func (g *Grid)Sub(g2 Grid) error {
	if g.Dx() != g2.Dx() || g.Dy() != g2.Dy() {
		return fmt.Errorf("fgrid: subtract %dx%d grid from %dx%d grid", g2.Dx(), g2.Dy(), g.Dx(), g.Dy())
	}
	for i := range g.values {
		g.values[i] -= g2.values[i]
	}
	return nil
}

func (g *Grid)MinMax() (float64, float64) {
	min := math.MaxFloat64
	max := -1.0 * min

	for i := 0; i < len(g.values); i++ {
		if g.values[i] > max { max = g.values[i] }
		if g.values[i] < min { min = g.values[i] }
	}
	return min, max
}

func (g *Grid)Stats() string {
	min, max := g.MinMax()
	return fmt.Sprintf("fg[%dx%d, vals{%f,%f}]", g.Dx(), g.Dy(), min, max)
}

// Package skybg estimates a smooth sky background for a CCD frame.
//
// The frame is split into an N x N grid of tiles, each tile reduced
// to its median pixel value (stars are sparse, so the median sees
// sky), and the coarse grid is interpolated back out to the full
// frame size. Subtracting the result before cross-correlating stops
// sky gradients (moon, twilight) from dragging the correlation peak
// around.
package skybg

import (
	"errors"
	"fmt"
	"sort"

	"donuts/pkg/fgrid"
)

var ErrInvalidTileCount = errors.New("skybg: invalid tile count")

// EstimateMap returns a background map with exactly the same shape
// as g. Tile pixel sizes are floor-divided from the grid dimensions
// by ntiles; the last row/column of tiles absorbs any remainder, so
// non-divisible frame shapes are fine.
func EstimateMap(g fgrid.Grid, ntiles int) (fgrid.Grid, error) {
	w, h := g.Dx(), g.Dy()
	if ntiles <= 0 || ntiles > w || ntiles > h {
		return fgrid.Grid{}, fmt.Errorf("%w: %d tiles for %dx%d grid", ErrInvalidTileCount, ntiles, w, h)
	}

	coarse := fgrid.New(ntiles, ntiles)
	xCenters := make([]float64, ntiles)
	yCenters := make([]float64, ntiles)

	tw := w / ntiles
	th := h / ntiles
	scratch := make([]float64, 0, (tw+w%ntiles)*(th+h%ntiles))

	for ty := 0; ty < ntiles; ty++ {
		y0 := ty * th
		y1 := y0 + th
		if ty == ntiles-1 { y1 = h } // last tile row is ragged
		yCenters[ty] = float64(y0+y1-1) / 2.0

		for tx := 0; tx < ntiles; tx++ {
			x0 := tx * tw
			x1 := x0 + tw
			if tx == ntiles-1 { x1 = w }
			if ty == 0 {
				xCenters[tx] = float64(x0+x1-1) / 2.0
			}

			scratch = scratch[:0]
			for y := y0; y < y1; y++ {
				for x := x0; x < x1; x++ {
					scratch = append(scratch, g.Get(x, y))
				}
			}
			coarse.Set(tx, ty, median(scratch))
		}
	}

	return upsample(coarse, xCenters, yCenters, g.NewFromThis()), nil
}

// median averages the two middle samples for even counts, matching
// the numpy convention. Mutates vals by sorting it.
func median(vals []float64) float64 {
	sort.Float64s(vals)
	n := len(vals)
	if n%2 == 1 {
		return vals[n/2]
	}
	return (vals[n/2-1] + vals[n/2]) / 2.0
}

// upsample stretches the coarse tile-median grid back out to fill
// out, using separable quadratic interpolation through the three
// nearest tile centers on each axis. With fewer than 3 tiles there is
// no quadratic to fit: N==1 gives a constant map, N==2 a linear one.
func upsample(coarse fgrid.Grid, xCenters, yCenters []float64, out fgrid.Grid) fgrid.Grid {
	w, h := out.Dx(), out.Dy()
	xSt := stencils(xCenters, w)
	ySt := stencils(yCenters, h)

	for y := 0; y < h; y++ {
		sy := ySt[y]
		for x := 0; x < w; x++ {
			sx := xSt[x]
			v := 0.0
			for j, wy := range sy.weights {
				if wy == 0 { continue }
				row := 0.0
				for i, wx := range sx.weights {
					if wx == 0 { continue }
					row += wx * coarse.Get(sx.first+i, sy.first+j)
				}
				v += wy * row
			}
			out.Set(x, y, v)
		}
	}
	return out
}

type stencil struct {
	first   int
	weights [3]float64
}

// stencils precomputes, for each output pixel along one axis, the
// first coarse index and the Lagrange weights of the interpolation.
// Weights always sum to 1, so a constant coarse grid upsamples to
// the same constant.
func stencils(centers []float64, n int) []stencil {
	out := make([]stencil, n)
	nc := len(centers)

	for p := 0; p < n; p++ {
		x := float64(p)

		switch nc {
		case 1:
			out[p] = stencil{first: 0, weights: [3]float64{1, 0, 0}}

		case 2:
			// linear, extrapolating smoothly past the end centers
			t := (x - centers[0]) / (centers[1] - centers[0])
			out[p] = stencil{first: 0, weights: [3]float64{1 - t, t, 0}}

		default:
			k := nearestCenter(centers, x)
			if k < 1 { k = 1 }
			if k > nc-2 { k = nc - 2 }
			c0, c1, c2 := centers[k-1], centers[k], centers[k+1]
			out[p] = stencil{
				first: k - 1,
				weights: [3]float64{
					(x - c1) * (x - c2) / ((c0 - c1) * (c0 - c2)),
					(x - c0) * (x - c2) / ((c1 - c0) * (c1 - c2)),
					(x - c0) * (x - c1) / ((c2 - c0) * (c2 - c1)),
				},
			}
		}
	}
	return out
}

func nearestCenter(centers []float64, x float64) int {
	k := sort.SearchFloat64s(centers, x)
	if k == 0 {
		return 0
	}
	if k == len(centers) {
		return len(centers) - 1
	}
	if x-centers[k-1] <= centers[k]-x {
		return k - 1
	}
	return k
}

package fgrid

import (
	"fmt"
	"image"
	"image/color"

	"github.com/fogleman/gg"
	colorful "github.com/lucasb-eyer/go-colorful"
)

// RenderPNG saves a false-color render of the grid, for eyeballing
// background maps and the like. Values are scaled to the range found
// in the grid, then mapped blue (low) -> red (high).
func (g *Grid)RenderPNG(title, filename string) error {
	if g.IsEmpty() {
		return fmt.Errorf("fgrid: render empty grid to %s", filename)
	}

	min, max := g.MinMax()
	span := max - min
	if span == 0 {
		span = 1.0 // flat grid, render as all-low
	}

	img := image.NewRGBA(image.Rectangle{Max: image.Point{g.Dx(), g.Dy()}})
	for y := 0; y < g.Dy(); y++ {
		for x := 0; x < g.Dx(); x++ {
			t := (g.Get(x, y) - min) / span
			r, gr, b := colorful.Hsv(240.0*(1.0-t), 0.9, 0.2+0.8*t).RGB255()
			img.Set(x, y, color.RGBA{r, gr, b, 0xFF})
		}
	}

	dc := gg.NewContextForImage(img)
	dc.SetRGB(1, 1, 1)
	dc.DrawString(title, 10, 20)
	return dc.SavePNG(filename)
}

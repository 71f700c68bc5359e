package donuts

import (
	"fmt"
	"log"
	"strings"
)

// Summary describes the geometry the engine settled on, in the same
// shape the old survey scripts printed it.
func (d *Donuts)Summary() string {
	g := d.geom
	var b strings.Builder

	fmt.Fprintf(&b, "Data Summary:\n")
	fmt.Fprintf(&b, "\tIlluminated array size: %d x %d pixels\n", g.RawW, g.RawH)
	fmt.Fprintf(&b, "\tExcluding a border of %d pixels\n", d.cfg.Border)
	fmt.Fprintf(&b, "\tMeasuring shifts from central %d x %d pixels\n", g.WorkW, g.WorkH)
	if d.cfg.SubtractSky {
		fmt.Fprintf(&b, "Background Subtraction Summary:\n")
		fmt.Fprintf(&b, "\tUsing %d x %d grid of tiles\n", d.cfg.NTiles, d.cfg.NTiles)
		fmt.Fprintf(&b, "\tEach %d x %d pixels\n", g.TileW, g.TileH)
	}
	return b.String()
}

func (d *Donuts)PrintSummary() {
	log.Printf("%s", d.Summary())
}

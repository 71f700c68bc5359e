// Package fits loads CCD frames from FITS containers, the one file
// format the shift pipeline consumes. Everything downstream works on
// the float64 grid and the exposure scalar; the container details
// stop here.
package fits

import (
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/astrogo/fitsio"

	"donuts/pkg/fgrid"
)

// A Frame is a single CCD exposure: the pixel array plus the
// exposure duration pulled from the header.
type Frame struct {
	Path     string
	Pixels   fgrid.Grid
	Exposure float64 // seconds
}

// Load reads the image HDU at index ext and the named exposure-time
// header card. A missing exposure card is not fatal: the original
// survey tooling assumed 1.0s and logged a warning, and so do we.
func Load(path string, ext int, exposureKey string) (*Frame, error) {
	r, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("fits: open %s: %w", path, err)
	}
	defer r.Close()

	f, err := fitsio.Open(r)
	if err != nil {
		return nil, fmt.Errorf("fits: parse %s: %w", path, err)
	}
	defer f.Close()

	if ext < 0 || ext >= len(f.HDUs()) {
		return nil, fmt.Errorf("fits: %s has no HDU %d (%d present)", path, ext, len(f.HDUs()))
	}

	img, ok := f.HDU(ext).(fitsio.Image)
	if !ok {
		return nil, fmt.Errorf("fits: HDU %d of %s is not an image", ext, path)
	}

	grid, err := readPixels(img)
	if err != nil {
		return nil, fmt.Errorf("fits: read %s: %w", path, err)
	}

	return &Frame{
		Path:     path,
		Pixels:   grid,
		Exposure: exposureTime(img.Header(), exposureKey, path),
	}, nil
}

// readPixels pulls the raw pixel data out of an image HDU and
// converts it to a float64 grid, applying BZERO/BSCALE when present.
func readPixels(img fitsio.Image) (fgrid.Grid, error) {
	hdr := img.Header()
	axes := hdr.Axes()
	if len(axes) != 2 {
		return fgrid.Grid{}, fmt.Errorf("want a 2D image, got %d axes", len(axes))
	}
	w, h := axes[0], axes[1]
	if w <= 0 || h <= 0 {
		return fgrid.Grid{}, fmt.Errorf("bad image dimensions %dx%d", w, h)
	}

	vals := make([]float64, w*h)

	// fitsio resizes the destination slice with reflect.SetLen, so it
	// must be allocated to the pixel count up front
	switch bitpix := hdr.Bitpix(); bitpix {
	case 8:
		raw := make([]int8, w*h)
		if err := img.Read(&raw); err != nil {
			return fgrid.Grid{}, err
		}
		for i, v := range raw { vals[i] = float64(v) }
	case 16:
		raw := make([]int16, w*h)
		if err := img.Read(&raw); err != nil {
			return fgrid.Grid{}, err
		}
		for i, v := range raw { vals[i] = float64(v) }
	case 32:
		raw := make([]int32, w*h)
		if err := img.Read(&raw); err != nil {
			return fgrid.Grid{}, err
		}
		for i, v := range raw { vals[i] = float64(v) }
	case 64:
		raw := make([]int64, w*h)
		if err := img.Read(&raw); err != nil {
			return fgrid.Grid{}, err
		}
		for i, v := range raw { vals[i] = float64(v) }
	case -32:
		raw := make([]float32, w*h)
		if err := img.Read(&raw); err != nil {
			return fgrid.Grid{}, err
		}
		for i, v := range raw { vals[i] = float64(v) }
	case -64:
		if err := img.Read(&vals); err != nil {
			return fgrid.Grid{}, err
		}
	default:
		return fgrid.Grid{}, fmt.Errorf("unsupported bitpix %d", bitpix)
	}

	if len(vals) != w*h {
		return fgrid.Grid{}, fmt.Errorf("got %d pixels for a %dx%d image", len(vals), w, h)
	}

	// integer CCD data usually carries an unsigned-int offset in
	// BZERO; floats normally have neither card
	bzero, haveZero := cardFloat(hdr.Get("BZERO"))
	bscale, haveScale := cardFloat(hdr.Get("BSCALE"))
	if haveZero || haveScale {
		if !haveScale { bscale = 1.0 }
		for i := range vals {
			vals[i] = bzero + bscale*vals[i]
		}
	}

	grid, err := fgrid.NewFromValues(w, h, vals)
	if err != nil {
		return fgrid.Grid{}, err
	}
	return grid, nil
}

func exposureTime(hdr *fitsio.Header, key, path string) float64 {
	texp, ok := cardFloat(hdr.Get(key))
	if !ok {
		log.Printf("fits: %s: no usable exposure card %q, assuming 1.0s\n", path, key)
		return 1.0
	}
	return texp
}

func cardFloat(c *fitsio.Card) (float64, bool) {
	if c == nil {
		return 0, false
	}
	switch v := c.Value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

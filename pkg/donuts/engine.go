// Package donuts measures the sub-pixel translation between a
// reference CCD frame and later check frames of the same star field,
// for telescope autoguiding and frame co-registration.
//
// A Donuts engine is built once from a reference frame. Each check
// frame is pushed through the identical preparation pipeline (border
// crop, optional sky subtraction, optional exposure normalisation),
// collapsed to its two axis projections, and cross-correlated
// against the reference projections to give a (dx, dy) shift.
package donuts

import (
	"errors"
	"fmt"
	"log"

	"donuts/pkg/fgrid"
	"donuts/pkg/fits"
	"donuts/pkg/skybg"
	"donuts/pkg/xcorr"
)

var (
	ErrInvalidConfiguration = errors.New("donuts: invalid configuration")
	ErrImageTooSmall        = errors.New("donuts: frame too small for requested geometry")
	ErrDimensionMismatch    = errors.New("donuts: check frame dimensions differ from reference")
)

// Normal CCDs have dimensions divisible by 16. Detectors that don't
// (NITES is 1030x1057) get their working area rounded down to the
// nearest multiple, so tile and border geometry stays clean.
const ccdBlockSize = 16

// A Shift is the translation, in pixels, that recenters a check
// frame onto the reference frame. Positive values mean the check
// frame content sits at lower indices than the reference's.
type Shift struct {
	X, Y float64
}

// Geometry records how frame pixels map to the working area that
// shifts are measured from.
type Geometry struct {
	FrameW, FrameH int // as read from the file
	RawW, RawH     int // illuminated area, prescan/overscan stripped
	DimW, DimH     int // rounded down to a ccdBlockSize multiple
	WorkW, WorkH   int // after excluding the border
	TileW, TileH   int // background tile size
}

// A Donuts engine holds the immutable reference state. One engine
// may be shared across goroutines measuring different check frames:
// every per-call intermediate lives on the call stack.
type Donuts struct {
	cfg     Config
	geom    Geometry
	refPath string
	texp    float64 // reference exposure, used to normalise all frames

	refXProj []float64
	refYProj []float64
}

// New builds an engine from an already-loaded reference frame.
func New(ref *fits.Frame, cfg Config) (*Donuts, error) {
	if err := cfg.check(); err != nil {
		return nil, err
	}

	geom, err := newGeometry(ref.Pixels.Dx(), ref.Pixels.Dy(), cfg)
	if err != nil {
		return nil, err
	}

	texp := ref.Exposure
	if cfg.Normalise && texp <= 0 {
		log.Printf("donuts: %s: exposure %.3fs unusable, normalising by 1.0s\n", ref.Path, texp)
		texp = 1.0
	}

	xproj, yproj, err := prepareFrame(ref.Pixels, cfg, geom, texp)
	if err != nil {
		return nil, err
	}

	return &Donuts{
		cfg:      cfg,
		geom:     geom,
		refPath:  ref.Path,
		texp:     texp,
		refXProj: xproj,
		refYProj: yproj,
	}, nil
}

// NewFromFile loads the reference frame per the config and builds
// the engine from it.
func NewFromFile(path string, cfg Config) (*Donuts, error) {
	ref, err := fits.Load(path, cfg.ImageExt, cfg.ExposureKey)
	if err != nil {
		return nil, err
	}
	return New(ref, cfg)
}

// MeasureFrame measures the shift of one check frame against the
// reference. The frame must have the same dimensions the reference
// had; everything else is call-local, so concurrent calls are fine.
func (d *Donuts)MeasureFrame(chk *fits.Frame) (Shift, error) {
	if chk.Pixels.Dx() != d.geom.FrameW || chk.Pixels.Dy() != d.geom.FrameH {
		return Shift{}, fmt.Errorf("%w: %dx%d vs %dx%d", ErrDimensionMismatch,
			chk.Pixels.Dx(), chk.Pixels.Dy(), d.geom.FrameW, d.geom.FrameH)
	}

	xproj, yproj, err := prepareFrame(chk.Pixels, d.cfg, d.geom, d.texp)
	if err != nil {
		return Shift{}, err
	}

	dx, err := xcorr.MeasureOffset(d.refXProj, xproj)
	if err != nil {
		return Shift{}, fmt.Errorf("measure x shift of %s: %w", chk.Path, err)
	}
	dy, err := xcorr.MeasureOffset(d.refYProj, yproj)
	if err != nil {
		return Shift{}, fmt.Errorf("measure y shift of %s: %w", chk.Path, err)
	}

	return Shift{X: dx, Y: dy}, nil
}

// MeasureShift loads a check frame from disk and measures its shift.
func (d *Donuts)MeasureShift(path string) (Shift, error) {
	chk, err := fits.Load(path, d.cfg.ImageExt, d.cfg.ExposureKey)
	if err != nil {
		return Shift{}, err
	}
	return d.MeasureFrame(chk)
}

func (d *Donuts)Geometry() Geometry { return d.geom }
func (d *Donuts)Reference() string  { return d.refPath }

// newGeometry derives the working area for the given frame size and
// config. The same geometry is reused verbatim for check frames,
// which is what makes projection lengths match by construction.
func newGeometry(frameW, frameH int, cfg Config) (Geometry, error) {
	g := Geometry{FrameW: frameW, FrameH: frameH}

	g.RawW = frameW - cfg.PrescanWidth - cfg.OverscanWidth
	g.RawH = frameH
	if g.RawW <= 0 {
		return g, fmt.Errorf("%w: prescan+overscan %d consumes the %d-wide frame",
			ErrInvalidConfiguration, cfg.PrescanWidth+cfg.OverscanWidth, frameW)
	}

	g.DimW, g.DimH = g.RawW, g.RawH
	if g.RawW%ccdBlockSize != 0 || g.RawH%ccdBlockSize != 0 {
		g.DimW = (g.RawW / ccdBlockSize) * ccdBlockSize
		g.DimH = (g.RawH / ccdBlockSize) * ccdBlockSize
	}

	g.WorkW = g.DimW - 2*cfg.Border
	g.WorkH = g.DimH - 2*cfg.Border
	if g.WorkW <= 0 || g.WorkH <= 0 {
		return g, fmt.Errorf("%w: border %d on a %dx%d working area",
			ErrImageTooSmall, cfg.Border, g.DimW, g.DimH)
	}

	if cfg.NTiles > g.WorkW || cfg.NTiles > g.WorkH {
		return g, fmt.Errorf("%w: %d tiles across a %dx%d working area",
			ErrInvalidConfiguration, cfg.NTiles, g.WorkW, g.WorkH)
	}
	g.TileW = g.WorkW / cfg.NTiles
	g.TileH = g.WorkH / cfg.NTiles

	return g, nil
}

// RenderBackground writes a false-color PNG of the sky background
// map the engine would subtract from the named frame. Handy for
// checking the tile grid is tracking sky structure, not stars.
func (d *Donuts)RenderBackground(framePath, pngPath string) error {
	frame, err := fits.Load(framePath, d.cfg.ImageExt, d.cfg.ExposureKey)
	if err != nil {
		return err
	}
	return d.renderBackground(frame, pngPath)
}

func (d *Donuts)renderBackground(frame *fits.Frame, pngPath string) error {
	if frame.Pixels.Dx() != d.geom.FrameW || frame.Pixels.Dy() != d.geom.FrameH {
		return fmt.Errorf("%w: %dx%d vs %dx%d", ErrDimensionMismatch,
			frame.Pixels.Dx(), frame.Pixels.Dy(), d.geom.FrameW, d.geom.FrameH)
	}

	work, err := workingArea(frame.Pixels, d.cfg, d.geom)
	if err != nil {
		return err
	}
	bkg, err := skybg.EstimateMap(work, d.cfg.NTiles)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}
	return bkg.RenderPNG(fmt.Sprintf("sky background: %s", frame.Path), pngPath)
}

// workingArea crops a raw frame down to the region shifts are
// measured from: prescan and overscan columns stripped, then the
// border excluded.
func workingArea(pixels fgrid.Grid, cfg Config, geom Geometry) (fgrid.Grid, error) {
	stripped, err := pixels.Crop(cfg.PrescanWidth, 0, cfg.PrescanWidth+geom.RawW, geom.RawH)
	if err != nil {
		return fgrid.Grid{}, err
	}
	return stripped.Crop(cfg.Border, cfg.Border, geom.DimW-cfg.Border, geom.DimH-cfg.Border)
}

// prepareFrame runs the shared preparation pipeline: crop to the
// working area, optionally remove the sky background map, optionally
// normalise by exposure, then collapse to the two axis projections.
// Pure function of its arguments; it never touches engine state.
func prepareFrame(pixels fgrid.Grid, cfg Config, geom Geometry, texp float64) ([]float64, []float64, error) {
	work, err := workingArea(pixels, cfg, geom)
	if err != nil {
		return nil, nil, err
	}

	if cfg.SubtractSky {
		bkg, err := skybg.EstimateMap(work, cfg.NTiles)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
		}
		if err := work.Sub(bkg); err != nil {
			return nil, nil, err
		}
	}
	if cfg.Normalise {
		work.Scale(1.0 / texp)
	}

	return xcorr.Project(work)
}

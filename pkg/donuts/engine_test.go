package donuts

import (
	"errors"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"donuts/pkg/fgrid"
	"donuts/pkg/fits"
	"donuts/pkg/xcorr"
)

// testConfig keeps the frames small: an 8 pixel border and a 4x4
// tile grid on a 128x128 frame leaves a 112x112 working area with
// 28x28 tiles.
func testConfig() Config {
	cfg := NewConfig()
	cfg.Border = 8
	cfg.NTiles = 4
	return cfg
}

type star struct {
	x, y, amp float64
}

// testStars scatters a dozen stars well inside the working area, so
// shifts of a few pixels never push any of them over the border.
func testStars() []star {
	r := rand.New(rand.NewSource(7))
	stars := make([]star, 12)
	for i := range stars {
		stars[i] = star{
			x:   28.0 + r.Float64()*72.0,
			y:   28.0 + r.Float64()*72.0,
			amp: 800.0 + r.Float64()*2500.0,
		}
	}
	return stars
}

// starFrame evaluates a synthetic star field sampled at (x+dx, y+dy):
// the frame content sits dx,dy below the reference indices, exactly
// what a telescope drift of (-dx, -dy) produces. The sky gradient
// stays put, as real sky does.
func starFrame(w, h int, dx, dy float64, stars []star) *fits.Frame {
	const sigma = 2.2
	g := fgrid.New(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			fx := float64(x) + dx
			fy := float64(y) + dy
			v := 100.0 + 0.05*float64(x) + 0.03*float64(y)
			for _, s := range stars {
				d2 := (fx-s.x)*(fx-s.x) + (fy-s.y)*(fy-s.y)
				v += s.amp * math.Exp(-d2/(2*sigma*sigma))
			}
			g.Set(x, y, v)
		}
	}
	return &fits.Frame{Path: "synthetic", Pixels: g, Exposure: 30.0}
}

func flatFrame(w, h int, level float64) *fits.Frame {
	g := fgrid.New(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			g.Set(x, y, level)
		}
	}
	return &fits.Frame{Path: "flat", Pixels: g, Exposure: 30.0}
}

func TestZeroShiftIdentity(t *testing.T) {
	stars := testStars()
	ref := starFrame(128, 128, 0, 0, stars)

	d, err := New(ref, testConfig())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	shift, err := d.MeasureFrame(ref)
	if err != nil {
		t.Fatalf("MeasureFrame failed: %v", err)
	}
	if math.Abs(shift.X) > 1e-6 || math.Abs(shift.Y) > 1e-6 {
		t.Errorf("self shift: got (%g, %g), want (0, 0)", shift.X, shift.Y)
	}
}

func TestIntegerShiftAntisymmetry(t *testing.T) {
	stars := testStars()
	frameA := starFrame(128, 128, 0, 0, stars)
	frameB := starFrame(128, 128, 3, -2, stars)

	engineA, err := New(frameA, testConfig())
	if err != nil {
		t.Fatalf("New(A) failed: %v", err)
	}
	engineB, err := New(frameB, testConfig())
	if err != nil {
		t.Fatalf("New(B) failed: %v", err)
	}

	fwd, err := engineA.MeasureFrame(frameB)
	if err != nil {
		t.Fatalf("measure B against A: %v", err)
	}
	rev, err := engineB.MeasureFrame(frameA)
	if err != nil {
		t.Fatalf("measure A against B: %v", err)
	}

	if math.Abs(fwd.X-3) > 0.1 || math.Abs(fwd.Y+2) > 0.1 {
		t.Errorf("forward shift: got (%.3f, %.3f), want (3, -2)", fwd.X, fwd.Y)
	}
	if math.Abs(rev.X+3) > 0.1 || math.Abs(rev.Y-2) > 0.1 {
		t.Errorf("reverse shift: got (%.3f, %.3f), want (-3, 2)", rev.X, rev.Y)
	}
}

// The acceptance scenario from the survey data: one reference, three
// sequential check frames drifting by fractions of a pixel. Real
// frames can't ship with the repo, so the same expected shifts are
// produced synthetically.
func TestSubPixelScenario(t *testing.T) {
	stars := testStars()
	ref := starFrame(128, 128, 0, 0, stars)

	d, err := New(ref, testConfig())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	tests := []struct {
		name   string
		dx, dy float64
	}{
		{"first frame", 0.00, 0.00},
		{"small drift", -0.73, 2.29},
		{"larger drift", -2.25, 2.62},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chk := starFrame(128, 128, tt.dx, tt.dy, stars)
			shift, err := d.MeasureFrame(chk)
			if err != nil {
				t.Fatalf("MeasureFrame failed: %v", err)
			}
			if math.Abs(shift.X-tt.dx) > 0.1 || math.Abs(shift.Y-tt.dy) > 0.1 {
				t.Errorf("shift: got (%.3f, %.3f), want (%.2f, %.2f)", shift.X, shift.Y, tt.dx, tt.dy)
			}
		})
	}
}

func TestFlatFramesRejected(t *testing.T) {
	stars := testStars()

	// flat reference: construction succeeds (nothing is correlated
	// yet), the measurement is what must fail
	d, err := New(flatFrame(128, 128, 50), testConfig())
	if err != nil {
		t.Fatalf("New on flat frame failed: %v", err)
	}
	if _, err := d.MeasureFrame(starFrame(128, 128, 0, 0, stars)); !errors.Is(err, xcorr.ErrDegenerateSignal) {
		t.Errorf("flat reference: got %v, want ErrDegenerateSignal", err)
	}

	d, err = New(starFrame(128, 128, 0, 0, stars), testConfig())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, err := d.MeasureFrame(flatFrame(128, 128, 50)); !errors.Is(err, xcorr.ErrDegenerateSignal) {
		t.Errorf("flat check: got %v, want ErrDegenerateSignal", err)
	}
}

func TestDimensionMismatch(t *testing.T) {
	stars := testStars()
	d, err := New(starFrame(128, 128, 0, 0, stars), testConfig())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if _, err := d.MeasureFrame(starFrame(120, 128, 0, 0, stars)); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("narrow check frame: got %v, want ErrDimensionMismatch", err)
	}
	if _, err := d.MeasureFrame(starFrame(128, 144, 0, 0, stars)); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("tall check frame: got %v, want ErrDimensionMismatch", err)
	}
}

// Detectors whose dimensions don't divide by 16 get the working area
// rounded down to the nearest multiple before cropping.
func TestOddDetectorGeometry(t *testing.T) {
	stars := testStars()
	ref := starFrame(130, 135, 0, 0, stars)

	d, err := New(ref, testConfig())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	g := d.Geometry()
	if g.DimW != 128 || g.DimH != 128 {
		t.Errorf("block-rounded dims: got %dx%d, want 128x128", g.DimW, g.DimH)
	}
	if g.WorkW != 112 || g.WorkH != 112 {
		t.Errorf("working dims: got %dx%d, want 112x112", g.WorkW, g.WorkH)
	}

	chk := starFrame(130, 135, 2, 1, stars)
	shift, err := d.MeasureFrame(chk)
	if err != nil {
		t.Fatalf("MeasureFrame failed: %v", err)
	}
	if math.Abs(shift.X-2) > 0.1 || math.Abs(shift.Y-1) > 0.1 {
		t.Errorf("shift: got (%.3f, %.3f), want (2, 1)", shift.X, shift.Y)
	}
}

// Prescan/overscan columns carry no sky signal and must be stripped
// before any geometry is derived.
func TestPrescanOverscan(t *testing.T) {
	stars := testStars()
	for i := range stars {
		stars[i].x += 20 // keep stars inside the illuminated area
	}
	cfg := testConfig()
	cfg.PrescanWidth = 20
	cfg.OverscanWidth = 12

	build := func(dx, dy float64) *fits.Frame {
		frame := starFrame(160, 128, dx, dy, stars)
		for y := 0; y < 128; y++ {
			for x := 0; x < 160; x++ {
				if x < 20 || x >= 148 {
					frame.Pixels.Set(x, y, 55.0) // bias level, never moves
				}
			}
		}
		return frame
	}

	d, err := New(build(0, 0), cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if g := d.Geometry(); g.RawW != 128 || g.RawH != 128 {
		t.Errorf("illuminated dims: got %dx%d, want 128x128", g.RawW, g.RawH)
	}

	shift, err := d.MeasureFrame(build(-2, 3))
	if err != nil {
		t.Fatalf("MeasureFrame failed: %v", err)
	}
	if math.Abs(shift.X+2) > 0.1 || math.Abs(shift.Y-3) > 0.1 {
		t.Errorf("shift: got (%.3f, %.3f), want (-2, 3)", shift.X, shift.Y)
	}
}

func TestConstructionErrors(t *testing.T) {
	stars := testStars()

	tests := []struct {
		name    string
		frame   *fits.Frame
		mutate  func(*Config)
		wantErr error
	}{
		{
			"border eats the frame",
			flatFrame(48, 48, 10),
			func(c *Config) { c.Border = 32 },
			ErrImageTooSmall,
		},
		{
			"too many tiles for working area",
			starFrame(128, 128, 0, 0, stars),
			func(c *Config) { c.NTiles = 200 },
			ErrInvalidConfiguration,
		},
		{
			"negative border",
			starFrame(128, 128, 0, 0, stars),
			func(c *Config) { c.Border = -1 },
			ErrInvalidConfiguration,
		},
		{
			"zero tiles",
			starFrame(128, 128, 0, 0, stars),
			func(c *Config) { c.NTiles = 0 },
			ErrInvalidConfiguration,
		},
		{
			"prescan wider than frame",
			starFrame(128, 128, 0, 0, stars),
			func(c *Config) { c.PrescanWidth = 128 },
			ErrInvalidConfiguration,
		},
		{
			"empty exposure key",
			starFrame(128, 128, 0, 0, stars),
			func(c *Config) { c.ExposureKey = "" },
			ErrInvalidConfiguration,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			if _, err := New(tt.frame, cfg); !errors.Is(err, tt.wantErr) {
				t.Errorf("got %v, want %v", err, tt.wantErr)
			}
		})
	}
}

// One engine, many goroutines: per-call state is stack-local, so
// concurrent measurements against the same reference must agree
// with serial ones.
func TestConcurrentMeasurements(t *testing.T) {
	stars := testStars()
	d, err := New(starFrame(128, 128, 0, 0, stars), testConfig())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	shifts := []struct{ dx, dy float64 }{
		{0, 0}, {1, 0}, {0, -1}, {2, 2}, {-1.5, 0.5}, {0.25, -2.75},
	}
	frames := make([]*fits.Frame, len(shifts))
	for i, s := range shifts {
		frames[i] = starFrame(128, 128, s.dx, s.dy, stars)
	}

	var wg sync.WaitGroup
	results := make([]Shift, len(frames))
	errs := make([]error, len(frames))
	for i := range frames {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = d.MeasureFrame(frames[i])
		}(i)
	}
	wg.Wait()

	for i, s := range shifts {
		if errs[i] != nil {
			t.Fatalf("frame %d: %v", i, errs[i])
		}
		if math.Abs(results[i].X-s.dx) > 0.1 || math.Abs(results[i].Y-s.dy) > 0.1 {
			t.Errorf("frame %d: got (%.3f, %.3f), want (%.2f, %.2f)", i, results[i].X, results[i].Y, s.dx, s.dy)
		}
	}
}

func TestRenderBackground(t *testing.T) {
	stars := testStars()
	ref := starFrame(128, 128, 0, 0, stars)
	d, err := New(ref, testConfig())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	pngPath := filepath.Join(t.TempDir(), "bkg.png")
	if err := d.renderBackground(ref, pngPath); err != nil {
		t.Fatalf("renderBackground failed: %v", err)
	}
	info, err := os.Stat(pngPath)
	if err != nil {
		t.Fatalf("stat rendered png: %v", err)
	}
	if info.Size() == 0 {
		t.Error("rendered png is empty")
	}

	wrong := starFrame(120, 128, 0, 0, stars)
	if err := d.renderBackground(wrong, pngPath); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("mismatched frame: got %v, want ErrDimensionMismatch", err)
	}
}

func TestSummary(t *testing.T) {
	stars := testStars()
	d, err := New(starFrame(128, 128, 0, 0, stars), testConfig())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	s := d.Summary()
	for _, want := range []string{
		"Illuminated array size: 128 x 128 pixels",
		"Excluding a border of 8 pixels",
		"Measuring shifts from central 112 x 112 pixels",
		"Using 4 x 4 grid of tiles",
		"Each 28 x 28 pixels",
	} {
		if !strings.Contains(s, want) {
			t.Errorf("summary missing %q in:\n%s", want, s)
		}
	}

	cfg := testConfig()
	cfg.SubtractSky = false
	d, err = New(starFrame(128, 128, 0, 0, stars), cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if strings.Contains(d.Summary(), "Background Subtraction") {
		t.Error("summary mentions background subtraction when it is disabled")
	}
}

// Package xcorr measures the 1D offset between two intensity
// profiles by circular cross-correlation in the Fourier domain,
// refined to sub-pixel resolution with a local quadratic fit.
package xcorr

import (
	"errors"
	"fmt"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/stat"

	"donuts/pkg/fgrid"
)

var (
	ErrLengthMismatch   = errors.New("xcorr: projection lengths differ")
	ErrTooShort         = errors.New("xcorr: projection too short")
	ErrDegenerateSignal = errors.New("xcorr: flat projection, correlation peak is meaningless")
	ErrSingularFit      = errors.New("xcorr: quadratic fit is singular")
)

// Project collapses a 2D grid into its two axis profiles: xproj[i]
// is the sum of column i, yproj[j] the sum of row j.
func Project(g fgrid.Grid) (xproj, yproj []float64, err error) {
	if g.IsEmpty() {
		return nil, nil, fmt.Errorf("xcorr: project empty grid")
	}

	xproj = make([]float64, g.Dx())
	yproj = make([]float64, g.Dy())
	for y := 0; y < g.Dy(); y++ {
		for x := 0; x < g.Dx(); x++ {
			v := g.Get(x, y)
			xproj[x] += v
			yproj[y] += v
		}
	}
	return xproj, yproj, nil
}

// Correlate computes the circular cross-correlation of two
// equal-length profiles and returns it along with the index of its
// maximum. When the check profile samples the reference at an offset
// of +s, so chk[i] = ref[i+s], the peak lands at index (L-s) mod L;
// Refine folds that back into the signed offset +s.
//
// Ties for the maximum are broken by the first occurrence in
// ascending index order, so the result is deterministic even for
// pathological symmetric inputs.
func Correlate(ref, chk []float64) ([]float64, int, error) {
	L := len(ref)
	if len(chk) != L {
		return nil, 0, fmt.Errorf("%w: %d vs %d", ErrLengthMismatch, L, len(chk))
	}
	if L < 3 {
		return nil, 0, fmt.Errorf("%w: %d samples", ErrTooShort, L)
	}
	if flat(ref) || flat(chk) {
		return nil, 0, ErrDegenerateSignal
	}

	fft := fourier.NewFFT(L)
	fRef := fft.Coefficients(nil, ref)
	fChk := fft.Coefficients(nil, chk)
	for i := range fRef {
		fRef[i] = cmplx.Conj(fRef[i]) * fChk[i]
	}

	// gonum transforms are unnormalized: a Coefficients/Sequence
	// round trip multiplies by L
	corr := fft.Sequence(nil, fRef)
	for i := range corr {
		corr[i] /= float64(L)
	}

	return corr, peakIndex(corr), nil
}

// MeasureOffset runs the full correlate-and-refine chain for one
// axis, returning the sub-pixel shift of chk relative to ref.
func MeasureOffset(ref, chk []float64) (float64, error) {
	corr, peak, err := Correlate(ref, chk)
	if err != nil {
		return 0, err
	}
	return Refine(corr, peak)
}

func peakIndex(corr []float64) int {
	peak := 0
	for i, v := range corr {
		if v > corr[peak] {
			peak = i
		}
	}
	return peak
}

// flat reports whether a profile has (numerically) zero variance.
// The threshold scales with the mean so that the float noise left
// over from summing a constant image never counts as signal.
func flat(p []float64) bool {
	mean, variance := stat.MeanVariance(p, nil)
	return variance <= 1e-12*(1.0+mean*mean)
}

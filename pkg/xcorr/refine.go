package xcorr

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Refine converts an integer correlation peak index into a sub-pixel
// shift by fitting a quadratic through the three samples around the
// peak (wrapping circularly at the ends) and taking the parabola's
// vertex at -b/2a.
//
// The four cases share one sign convention: the returned value is
// the shift that recenters the check profile onto the reference, so
// a peak just past index 0 and a peak just short of index L wrap to
// small offsets of opposite sign rather than jumping by L.
func Refine(corr []float64, p int) (float64, error) {
	L := len(corr)
	if L < 3 {
		return 0, fmt.Errorf("%w: %d samples", ErrTooShort, L)
	}
	if p < 0 || p >= L {
		return 0, fmt.Errorf("xcorr: peak index %d outside correlation of length %d", p, L)
	}

	half := float64(L) / 2.0

	switch {
	case p != 0 && float64(p) <= half:
		a, b, err := fitQuadratic(
			[3]float64{float64(p - 1), float64(p), float64(p + 1)},
			[3]float64{corr[p-1], corr[p], corr[p+1]})
		if err != nil {
			return 0, err
		}
		return b / (2 * a), nil

	case float64(p) > half && p != L-1:
		a, b, err := fitQuadratic(
			[3]float64{float64(p - 1), float64(p), float64(p + 1)},
			[3]float64{corr[p-1], corr[p], corr[p+1]})
		if err != nil {
			return 0, err
		}
		// offsets past the midpoint are really small negative
		// shifts, so wrap the vertex into the negative tail
		return float64(L) + b/(2*a), nil

	case p == L-1:
		a, b, err := fitQuadratic(
			[3]float64{-1, 0, 1},
			[3]float64{corr[L-2], corr[L-1], corr[0]})
		if err != nil {
			return 0, err
		}
		return 1 + b/(2*a), nil

	default: // p == 0
		// coordinates run backwards here, which flips the sign of
		// the fitted slope to keep the convention of the L-1 case
		a, b, err := fitQuadratic(
			[3]float64{1, 0, -1},
			[3]float64{corr[L-1], corr[0], corr[1]})
		if err != nil {
			return 0, err
		}
		return -b / (2 * a), nil
	}
}

// fitQuadratic solves the exact degree-2 polynomial a*x^2 + b*x + c
// through three (x, y) pairs, via the 3x3 Vandermonde system. Fails
// with ErrSingularFit when the points are collinear (a ~ 0), so
// callers never divide by zero at the vertex.
func fitQuadratic(xs, ys [3]float64) (a, b float64, err error) {
	v := mat.NewDense(3, 3, []float64{
		xs[0] * xs[0], xs[0], 1,
		xs[1] * xs[1], xs[1], 1,
		xs[2] * xs[2], xs[2], 1,
	})
	rhs := mat.NewVecDense(3, []float64{ys[0], ys[1], ys[2]})

	var coeffs mat.VecDense
	if err := coeffs.SolveVec(v, rhs); err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrSingularFit, err)
	}

	a = coeffs.AtVec(0)
	b = coeffs.AtVec(1)

	aTol := 1e-12 * (1.0 + math.Max(math.Abs(ys[0]), math.Max(math.Abs(ys[1]), math.Abs(ys[2]))))
	if math.Abs(a) <= aTol {
		return 0, 0, fmt.Errorf("%w: collinear samples around peak", ErrSingularFit)
	}
	return a, b, nil
}

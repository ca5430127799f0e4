// Package mct implements the inverse multi-component transforms of
// JPEG 2000 Part 1 and the final sample conditioning.
//
// Two transforms exist:
// - RCT (reversible component transform), integer, paired with the 5/3 wavelet
// - ICT (irreversible component transform), floating point, paired with 9/7
package mct

import "math"

// InverseRCT applies the inverse reversible component transform in place.
func InverseRCT(y, u, v []int32) {
	n := min(len(y), len(u), len(v))
	for i := 0; i < n; i++ {
		g := y[i] - ((u[i] + v[i]) >> 2)
		r := v[i] + g
		b := u[i] + g

		y[i] = r
		u[i] = g
		v[i] = b
	}
}

// InverseICT applies the inverse irreversible component transform in place.
func InverseICT(y, cb, cr []float32) {
	n := min(len(y), len(cb), len(cr))
	for i := 0; i < n; i++ {
		r := y[i] + 1.402*cr[i]
		g := y[i] - 0.34413*cb[i] - 0.71414*cr[i]
		b := y[i] + 1.772*cb[i]

		y[i] = r
		cb[i] = g
		cr[i] = b
	}
}

// Applies reports whether the component transform runs: it needs at least
// three components, the COD flag, and identical sampling on the first three.
func Applies(flag uint8, numComponents int, sameSampling bool) bool {
	return flag != 0 && numComponents >= 3 && sameSampling
}

// Range returns the valid sample range for a precision.
func Range(precision int, signed bool) (lo, hi int32) {
	if signed {
		return -(1 << (precision - 1)), (1 << (precision - 1)) - 1
	}
	return 0, (1 << precision) - 1
}

// ClampInt32 clamps an int32 value to the given range.
func ClampInt32(v, lo, hi int32) int32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ShiftClamp applies the inverse DC level shift to unsigned data and clamps
// every sample to the component's precision.
func ShiftClamp(data []int32, precision int, signed bool) {
	var shift int32
	if !signed {
		shift = 1 << (precision - 1)
	}
	lo, hi := Range(precision, signed)
	for i := range data {
		data[i] = ClampInt32(data[i]+shift, lo, hi)
	}
}

// RoundShiftClamp rounds irreversible samples to the nearest integer, then
// shifts and clamps them like ShiftClamp, writing into dst.
func RoundShiftClamp(src []float32, dst []int32, precision int, signed bool) {
	var shift float64
	if !signed {
		shift = float64(int32(1) << (precision - 1))
	}
	lo, hi := Range(precision, signed)
	for i, v := range src {
		f := math.Round(float64(v)) + shift
		switch {
		case f < float64(lo):
			dst[i] = lo
		case f > float64(hi):
			dst[i] = hi
		default:
			dst[i] = int32(f)
		}
	}
}

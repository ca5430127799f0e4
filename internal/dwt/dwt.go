// Package dwt implements the inverse Discrete Wavelet Transform for JPEG 2000.
//
// JPEG 2000 uses two wavelet filters:
// - 5-3 reversible (lossless): integer arithmetic
// - 9-7 irreversible (lossy): floating-point arithmetic
//
// Both are lifting-based. Lines carry coefficients interleaved at their
// absolute positions: low-pass samples sit at even positions, high-pass
// samples at odd ones, so a line starting at an odd position begins with a
// high-pass sample. Symmetric extension is applied at both ends of a line.
package dwt

import "github.com/phenopolis/grok/internal/tcd"

// Filter is a one-dimensional synthesis filter.
type Filter[T tcd.Sample] interface {
	// Pad is the support half-width of the filter in samples.
	Pad() int
	// Inverse reconstructs line in place. line[i] holds the coefficient at
	// absolute position x0+i.
	Inverse(line []T, x0 int)
}

// 9-7 filter coefficients (from ITU-T Rec. T.800)
const (
	alpha97 = -1.586134342059924 // Step 1
	beta97  = -0.052980118572961 // Step 2
	gamma97 = 0.882911075530934  // Step 3
	delta97 = 0.443506852043971  // Step 4
	k97     = 1.230174104914001  // Scaling factor
	k97Inv  = 0.812893066115961  // 1/k
)

// left and right return the neighbours of i in a line of n >= 2 samples,
// mirrored at the ends.
func left(i int) int {
	if i == 0 {
		return 1
	}
	return i - 1
}

func right(i, n int) int {
	if i == n-1 {
		return n - 2
	}
	return i + 1
}

// Reversible53 is the 5-3 reversible filter.
type Reversible53 struct{}

func (Reversible53) Pad() int { return 1 }

// Inverse performs the inverse 5-3 lifting steps.
func (Reversible53) Inverse(line []int32, x0 int) {
	n := len(line)
	switch n {
	case 0:
		return
	case 1:
		// a lone high-pass sample carries twice the signal
		if x0&1 != 0 {
			line[0] >>= 1
		}
		return
	}
	even := x0 & 1

	// Step 1: Undo low-pass update
	// X(2n) = Y(2n) - floor((Y(2n-1) + Y(2n+1) + 2) / 4)
	for i := even; i < n; i += 2 {
		line[i] -= (line[left(i)] + line[right(i, n)] + 2) >> 2
	}
	// Step 2: Undo high-pass update
	// X(2n+1) = Y(2n+1) + floor((X(2n) + X(2n+2)) / 2)
	for i := 1 - even; i < n; i += 2 {
		line[i] += (line[left(i)] + line[right(i, n)]) >> 1
	}
}

// Irreversible97 is the 9-7 irreversible filter.
type Irreversible97 struct{}

func (Irreversible97) Pad() int { return 2 }

// Inverse performs the inverse 9-7 lifting steps.
func (Irreversible97) Inverse(line []float32, x0 int) {
	n := len(line)
	switch n {
	case 0:
		return
	case 1:
		if x0&1 != 0 {
			line[0] /= 2
		}
		return
	}
	even := x0 & 1
	odd := 1 - even

	// Undo scaling
	for i := even; i < n; i += 2 {
		line[i] *= k97
	}
	for i := odd; i < n; i += 2 {
		line[i] *= k97Inv
	}

	lift97(line, even, delta97)
	lift97(line, odd, gamma97)
	lift97(line, even, beta97)
	lift97(line, odd, alpha97)
}

// lift97 undoes one lifting step on the samples starting at index start.
func lift97(line []float32, start int, c float32) {
	n := len(line)
	for i := start; i < n; i += 2 {
		line[i] -= c * (line[left(i)] + line[right(i, n)])
	}
}

// interleave fills line with the coefficients for absolute positions
// x0..x0+len(line): position 2k takes low[k-lowX0], 2k+1 takes
// high[k-highX0]. Missing coefficients read as zero.
func interleave[T tcd.Sample](line []T, x0 int, low []T, lowX0 int, high []T, highX0 int) {
	for i := range line {
		p := x0 + i
		src, k := low, p>>1-lowX0
		if p&1 != 0 {
			src, k = high, p>>1-highX0
		}
		var v T
		if k >= 0 && k < len(src) {
			v = src[k]
		}
		line[i] = v
	}
}

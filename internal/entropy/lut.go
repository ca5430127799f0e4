package entropy

import "github.com/phenopolis/grok/internal/geom"

// Significant neighbour bits.
const (
	nW uint8 = 1 << iota
	nE
	nN
	nS
	nNW
	nNE
	nSW
	nSE
)

// zcLUT maps a band orientation and a neighbour mask to the zero coding
// context (Table D.1).
var zcLUT [4][256]uint8

// scLUT maps the clamped horizontal and vertical sign contributions, offset
// by one, to the sign coding context and the sign prediction (Table D.3).
var scLUT = [3][3]struct{ ctx, xor uint8 }{
	{{4, 1}, {3, 1}, {2, 1}}, // h = -1
	{{1, 1}, {0, 0}, {1, 0}}, // h = 0
	{{2, 0}, {3, 0}, {4, 0}}, // h = 1
}

func init() {
	for o := geom.LL; o <= geom.HH; o++ {
		for m := 0; m < 256; m++ {
			zcLUT[o][m] = zeroContext(o, uint8(m))
		}
	}
}

func zeroContext(o geom.Orientation, m uint8) uint8 {
	count := func(bits ...uint8) int {
		n := 0
		for _, b := range bits {
			if m&b != 0 {
				n++
			}
		}
		return n
	}
	h := count(nW, nE)
	v := count(nN, nS)
	d := count(nNW, nNE, nSW, nSE)

	switch o {
	case geom.HH:
		hv := h + v
		switch {
		case d >= 3:
			return 8
		case d == 2 && hv >= 1:
			return 7
		case d == 2:
			return 6
		case d == 1 && hv >= 2:
			return 5
		case d == 1 && hv == 1:
			return 4
		case d == 1:
			return 3
		case hv >= 2:
			return 2
		default:
			return uint8(hv)
		}
	case geom.HL:
		h, v = v, h
	}

	switch {
	case h == 2:
		return 8
	case h == 1 && v >= 1:
		return 7
	case h == 1 && d >= 1:
		return 6
	case h == 1:
		return 5
	case v == 2:
		return 4
	case v == 1:
		return 3
	case d >= 2:
		return 2
	default:
		return uint8(d)
	}
}

package geom

// Orientation identifies one of the four wavelet sub-bands.
type Orientation uint8

const (
	LL Orientation = iota
	HL
	LH
	HH
)

func (o Orientation) String() string {
	switch o {
	case LL:
		return "LL"
	case HL:
		return "HL"
	case LH:
		return "LH"
	case HH:
		return "HH"
	default:
		return "Unknown"
	}
}

// HighX reports whether the band is high-pass horizontally.
func (o Orientation) HighX() bool { return o&1 != 0 }

// HighY reports whether the band is high-pass vertically.
func (o Orientation) HighY() bool { return o&2 != 0 }

// BandWindow projects a canvas window of a tile-component onto the band of
// the given orientation after numDecomps decompositions (equation B-15).
// numDecomps == 0 is the identity.
func BandWindow(numDecomps uint, o Orientation, w Rect) Rect {
	if numDecomps == 0 {
		return w
	}
	half := 1 << (numDecomps - 1)
	x0Shift := 0
	if o.HighX() {
		x0Shift = half
	}
	y0Shift := 0
	if o.HighY() {
		y0Shift = half
	}
	project := func(c, shift int) int {
		if c <= shift {
			return 0
		}
		return CeilDivPow2(c-shift, numDecomps)
	}
	return Rect{
		X0: project(w.X0, x0Shift),
		Y0: project(w.Y0, y0Shift),
		X1: project(w.X1, x0Shift),
		Y1: project(w.Y1, y0Shift),
	}
}

// PaddedBandWindow returns the band window that must be decoded so that
// synthesis reproduces w exactly. The window is grown by padding samples at
// the level just above the band before the final projection, then clipped
// to the tile-component.
func PaddedBandWindow(numDecomps uint, o Orientation, w, tile Rect, padding int) Rect {
	if numDecomps == 0 {
		return w.Grow(padding).Intersect(tile)
	}
	oneLessWindow := w
	oneLessTile := tile
	if numDecomps > 1 {
		oneLessWindow = BandWindow(numDecomps-1, LL, w)
		oneLessTile = BandWindow(numDecomps-1, LL, tile)
	}
	grown := oneLessWindow.Grow(2 * padding).Intersect(oneLessTile)
	return BandWindow(1, o, grown)
}

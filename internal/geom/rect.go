// Package geom provides the integer rectangle arithmetic shared by the
// tile, band and strip layers.
package geom

import "fmt"

// Rect is the half-open region [X0,X1) x [Y0,Y1).
type Rect struct {
	X0, Y0, X1, Y1 int
}

// R is shorthand for Rect{x0, y0, x1, y1}.
func R(x0, y0, x1, y1 int) Rect {
	return Rect{X0: x0, Y0: y0, X1: x1, Y1: y1}
}

func (r Rect) Width() int {
	if r.X1 < r.X0 {
		return 0
	}
	return r.X1 - r.X0
}

func (r Rect) Height() int {
	if r.Y1 < r.Y0 {
		return 0
	}
	return r.Y1 - r.Y0
}

// Area returns width*height as a 64-bit value.
func (r Rect) Area() uint64 {
	return uint64(r.Width()) * uint64(r.Height())
}

// Empty reports whether r contains no samples.
func (r Rect) Empty() bool {
	return r.X0 >= r.X1 || r.Y0 >= r.Y1
}

// Valid reports whether x0<=x1 and y0<=y1.
func (r Rect) Valid() bool {
	return r.X0 <= r.X1 && r.Y0 <= r.Y1
}

// Intersect returns the largest rectangle contained in both r and o. A
// disjoint pair yields a zero-size rectangle anchored inside r.
func (r Rect) Intersect(o Rect) Rect {
	out := Rect{
		X0: max(r.X0, o.X0),
		Y0: max(r.Y0, o.Y0),
		X1: min(r.X1, o.X1),
		Y1: min(r.Y1, o.Y1),
	}
	if out.X1 < out.X0 {
		out.X1 = out.X0
	}
	if out.Y1 < out.Y0 {
		out.Y1 = out.Y0
	}
	return out
}

// Union returns the smallest rectangle containing r and o.
func (r Rect) Union(o Rect) Rect {
	if r.Empty() {
		return o
	}
	if o.Empty() {
		return r
	}
	return Rect{
		X0: min(r.X0, o.X0),
		Y0: min(r.Y0, o.Y0),
		X1: max(r.X1, o.X1),
		Y1: max(r.Y1, o.Y1),
	}
}

// Overlaps reports whether r and o share at least one sample.
func (r Rect) Overlaps(o Rect) bool {
	return !r.Intersect(o).Empty()
}

// Contains reports whether o lies entirely within r.
func (r Rect) Contains(o Rect) bool {
	return o.X0 >= r.X0 && o.Y0 >= r.Y0 && o.X1 <= r.X1 && o.Y1 <= r.Y1
}

// Grow expands r by n on every side. The origin saturates at zero since
// canvas coordinates are never negative.
func (r Rect) Grow(n int) Rect {
	return r.GrowXY(n, n)
}

// GrowXY expands r by nx horizontally and ny vertically.
func (r Rect) GrowXY(nx, ny int) Rect {
	return Rect{
		X0: max(0, r.X0-nx),
		Y0: max(0, r.Y0-ny),
		X1: r.X1 + nx,
		Y1: r.Y1 + ny,
	}
}

// Pan translates r by (dx, dy).
func (r Rect) Pan(dx, dy int) Rect {
	return Rect{X0: r.X0 + dx, Y0: r.Y0 + dy, X1: r.X1 + dx, Y1: r.Y1 + dy}
}

// ReduceCeil maps r to resolution level n below its own, rounding each
// coordinate up.
func (r Rect) ReduceCeil(n uint) Rect {
	return Rect{
		X0: CeilDivPow2(r.X0, n),
		Y0: CeilDivPow2(r.Y0, n),
		X1: CeilDivPow2(r.X1, n),
		Y1: CeilDivPow2(r.Y1, n),
	}
}

// Scale divides each coordinate by (dx, dy), rounding up. Used to map
// canvas rectangles onto subsampled component grids.
func (r Rect) Scale(dx, dy int) Rect {
	return Rect{
		X0: CeilDiv(r.X0, dx),
		Y0: CeilDiv(r.Y0, dy),
		X1: CeilDiv(r.X1, dx),
		Y1: CeilDiv(r.Y1, dy),
	}
}

func (r Rect) String() string {
	return fmt.Sprintf("(%d,%d)-(%d,%d)", r.X0, r.Y0, r.X1, r.Y1)
}

// CeilDivPow2 returns ceil(a / 2^n) for non-negative a.
func CeilDivPow2(a int, n uint) int {
	return (a + (1 << n) - 1) >> n
}

// FloorDivPow2 returns floor(a / 2^n).
func FloorDivPow2(a int, n uint) int {
	return a >> n
}

// CeilDiv returns ceil(a / b) for non-negative a and positive b.
func CeilDiv(a, b int) int {
	return (a + b - 1) / b
}

package tcd

import (
	"github.com/pkg/errors"

	"github.com/phenopolis/grok/internal/geom"
)

// Sample is the coefficient type of a window: int32 for the reversible
// path, float32 for the irreversible one.
type Sample interface {
	~int32 | ~float32
}

type store[T Sample] struct {
	data     []T
	released bool
}

// Window is a rectangle of samples addressed in its own coordinate system
// (band, resolution or split coordinates). An owner window holds a store;
// a view window shares its owner's store at an offset and with the
// owner's stride.
type Window[T Sample] struct {
	rect   geom.Rect
	st     *store[T]
	offset int
	stride int
	owner  bool
}

func newOwner[T Sample](rect geom.Rect) *Window[T] {
	return &Window[T]{rect: rect, stride: rect.Width(), owner: true}
}

// view returns a window over owner's store starting at the given sample
// offset.
func (w *Window[T]) view(rect geom.Rect, offset int) *Window[T] {
	return &Window[T]{rect: rect, st: w.store(), offset: offset, stride: w.stride}
}

func (w *Window[T]) store() *store[T] {
	if w.st == nil {
		w.st = &store[T]{}
	}
	return w.st
}

// Rect returns the bounds of the window in its coordinate system.
func (w *Window[T]) Rect() geom.Rect { return w.rect }

// Stride returns the distance between rows in samples.
func (w *Window[T]) Stride() int { return w.stride }

// IsOwner reports whether the window owns its store.
func (w *Window[T]) IsOwner() bool { return w.owner }

// Allocated reports whether the window has live storage.
func (w *Window[T]) Allocated() bool {
	return w.st != nil && !w.st.released && w.st.data != nil
}

func (w *Window[T]) alloc(limit uint64) error {
	if !w.owner {
		return errors.New("tcd: alloc on a view")
	}
	st := w.store()
	if st.data != nil && !st.released {
		return nil
	}
	area := uint64(w.stride) * uint64(w.rect.Height())
	if limit > 0 && area > limit {
		return errors.Wrapf(ErrOutOfMemory, "window %s needs %d samples, limit %d", w.rect, area, limit)
	}
	if area == 0 {
		area = 1
	}
	st.data = make([]T, area)
	st.released = false
	return nil
}

func (w *Window[T]) attach(data []T, stride int) {
	st := w.store()
	st.data = data
	st.released = false
	w.stride = stride
}

func (w *Window[T]) release() {
	if w.owner && w.st != nil {
		w.st.data = nil
		w.st.released = true
	}
}

// Data returns the samples starting at the window origin. Row y of the
// window begins at index (y-Rect().Y0)*Stride().
func (w *Window[T]) Data() ([]T, error) {
	if w.st == nil || w.st.data == nil {
		if w.st != nil && w.st.released {
			return nil, ErrStaleView
		}
		return nil, errors.Errorf("tcd: window %s not allocated", w.rect)
	}
	if w.offset > len(w.st.data) {
		return w.st.data[len(w.st.data):], nil
	}
	return w.st.data[w.offset:], nil
}

// Row returns row y (window coordinates) as a slice of Rect().Width()
// samples. Rows outside the window yield nil.
func (w *Window[T]) Row(y int) ([]T, error) {
	data, err := w.Data()
	if err != nil {
		return nil, err
	}
	if y < w.rect.Y0 || y >= w.rect.Y1 {
		return nil, nil
	}
	start := (y - w.rect.Y0) * w.stride
	return data[start : start+w.rect.Width()], nil
}

// At returns the sample at (x, y) in window coordinates, or zero when the
// point lies outside the window.
func (w *Window[T]) At(x, y int) T {
	if x < w.rect.X0 || x >= w.rect.X1 || y < w.rect.Y0 || y >= w.rect.Y1 {
		return 0
	}
	data, err := w.Data()
	if err != nil {
		return 0
	}
	return data[(y-w.rect.Y0)*w.stride+x-w.rect.X0]
}

// Set stores v at (x, y) in window coordinates. Points outside the window
// are ignored.
func (w *Window[T]) Set(x, y int, v T) error {
	if x < w.rect.X0 || x >= w.rect.X1 || y < w.rect.Y0 || y >= w.rect.Y1 {
		return nil
	}
	data, err := w.Data()
	if err != nil {
		return err
	}
	data[(y-w.rect.Y0)*w.stride+x-w.rect.X0] = v
	return nil
}

// copyIn copies a width x height block from src into the window with its
// top-left corner at (x, y) relative to the window origin, clipping to the
// window.
func (w *Window[T]) copyIn(x, y int, src []T, srcStride, width, height int) error {
	data, err := w.Data()
	if err != nil {
		return err
	}
	dst := geom.R(x, y, x+width, y+height).Intersect(geom.R(0, 0, w.rect.Width(), w.rect.Height()))
	if dst.Empty() {
		return nil
	}
	for row := dst.Y0; row < dst.Y1; row++ {
		s := (row-y)*srcStride + dst.X0 - x
		d := row*w.stride + dst.X0
		copy(data[d:d+dst.Width()], src[s:s+dst.Width()])
	}
	return nil
}

package tcd

import (
	"github.com/pkg/errors"

	"github.com/phenopolis/grok/internal/geom"
)

// Split selects one of the two intermediate windows between the
// horizontal and vertical synthesis passes.
type Split int

const (
	// SplitL holds rows that are low-pass vertically (LL and HL input).
	SplitL Split = iota
	// SplitH holds rows that are high-pass vertically (LH and HH input).
	SplitH
)

// WindowBufferOptions configures a WindowBuffer.
type WindowBufferOptions struct {
	// Compress selects buffer-relative coordinates and whole-tile layout.
	Compress bool
	// WholeTile aliases every window into one top-level allocation.
	WholeTile bool
	// Window is the requested region on the unreduced tile-component grid.
	// An empty window selects the whole tile-component.
	Window geom.Rect
	// NumResolutions is the number of resolutions coded in the tile.
	NumResolutions int
	// NumResolutionsToDecompress is how many of them are reconstructed.
	// Zero means all of them.
	NumResolutionsToDecompress int
	// FilterPad is the support half-width of the synthesis filter: 1 for
	// the reversible 5/3 filter, 2 for the 9/7 filter.
	FilterPad int
	// MaxSamples bounds the total number of samples Alloc may reserve.
	// Zero means no bound.
	MaxSamples uint64
}

// ResWindowBuffer holds the windows of one resolution.
type ResWindowBuffer[T Sample] struct {
	level     int
	resRect   geom.Rect
	bandRects [4]geom.Rect
	padded    [4]geom.Rect

	res   *Window[T]
	bands [4]*Window[T]
	split [2]*Window[T]
}

// Level returns the resolution index, 0 being the lowest.
func (rb *ResWindowBuffer[T]) Level() int { return rb.level }

// ResRect returns the full bounds of the resolution.
func (rb *ResWindowBuffer[T]) ResRect() geom.Rect { return rb.resRect }

// BandRect returns the full bounds of a band. For r>0 the LL entry is the
// lower resolution.
func (rb *ResWindowBuffer[T]) BandRect(o geom.Orientation) geom.Rect { return rb.bandRects[o] }

// WindowBuffer is the hierarchy of windows one tile-component needs to
// reconstruct a region at a resolution.
type WindowBuffer[T Sample] struct {
	opts      WindowBufferOptions
	tileComp  geom.Rect
	window    geom.Rect
	bounds    geom.Rect
	wholeTile bool
	res       []*ResWindowBuffer[T]
	top       *Window[T]
	allocated bool
}

// NewWindowBuffer builds the window records for tileComp, lowest
// resolution first. No memory is reserved until Alloc.
func NewWindowBuffer[T Sample](tileComp geom.Rect, opts WindowBufferOptions) (*WindowBuffer[T], error) {
	if tileComp.Empty() {
		return nil, errors.Errorf("tcd: empty tile-component %s", tileComp)
	}
	n := opts.NumResolutions
	if n < 1 || n > 33 {
		return nil, errors.Errorf("tcd: invalid number of resolutions %d", n)
	}
	if opts.NumResolutionsToDecompress == 0 {
		opts.NumResolutionsToDecompress = n
	}
	if opts.NumResolutionsToDecompress < 1 || opts.NumResolutionsToDecompress > n {
		return nil, errors.Errorf("tcd: cannot decompress %d of %d resolutions",
			opts.NumResolutionsToDecompress, n)
	}
	if opts.FilterPad < 0 {
		return nil, errors.Errorf("tcd: negative filter pad %d", opts.FilterPad)
	}

	b := &WindowBuffer[T]{
		opts:      opts,
		tileComp:  tileComp,
		wholeTile: opts.Compress || opts.WholeTile,
	}
	b.window = tileComp
	if !opts.Window.Empty() {
		b.window = opts.Window.Intersect(tileComp)
		if b.window.Empty() {
			return nil, errors.Errorf("tcd: window %s misses tile-component %s", opts.Window, tileComp)
		}
	}

	top := opts.NumResolutionsToDecompress - 1
	for r := 0; r <= top; r++ {
		rb := &ResWindowBuffer[T]{
			level:   r,
			resRect: tileComp.ReduceCeil(uint(n - 1 - r)),
		}
		if r == 0 {
			rb.bandRects[geom.LL] = rb.resRect
		} else {
			for o := geom.LL; o <= geom.HH; o++ {
				rb.bandRects[o] = geom.BandWindow(uint(n-r), o, tileComp)
			}
		}
		b.res = append(b.res, rb)
	}

	if b.wholeTile {
		b.buildWholeTile(b.res[top].resRect.Width())
	} else {
		b.buildWindowed(2 * opts.FilterPad)
	}
	b.bounds = b.window.ReduceCeil(uint(n - 1 - top)).Intersect(b.res[top].resRect)
	return b, nil
}

// buildWholeTile lays every window over one top-level buffer. Lower
// resolutions sit at the origin, HL is shifted right by the lower width,
// LH down by the lower height and HH by both.
func (b *WindowBuffer[T]) buildWholeTile(stride int) {
	topRes := b.res[len(b.res)-1]
	b.top = newOwner[T](topRes.resRect)
	b.top.stride = stride
	for _, rb := range b.res {
		rb.padded = rb.bandRects
		if rb == topRes {
			rb.res = b.top
		} else {
			rb.res = b.top.view(rb.resRect, 0)
		}
	}
	for r, rb := range b.res {
		if r == 0 {
			rb.bands[geom.LL] = rb.res
			continue
		}
		lower := b.res[r-1].resRect
		lw, lh := lower.Width(), lower.Height()
		rb.bands[geom.LL] = b.res[r-1].res
		rb.bands[geom.HL] = b.top.view(rb.bandRects[geom.HL], lw)
		rb.bands[geom.LH] = b.top.view(rb.bandRects[geom.LH], lh*stride)
		rb.bands[geom.HH] = b.top.view(rb.bandRects[geom.HH], lh*stride+lw)
		rb.split[SplitL] = b.top.view(geom.R(rb.resRect.X0, lower.Y0, rb.resRect.X1, lower.Y1), 0)
		rb.split[SplitH] = b.top.view(geom.R(rb.resRect.X0, rb.bandRects[geom.LH].Y0,
			rb.resRect.X1, rb.bandRects[geom.LH].Y1), lh*stride)
	}
}

// buildWindowed gives every window its own store. Band windows are padded
// by the filter support so synthesis is exact over the requested window.
func (b *WindowBuffer[T]) buildWindowed(padding int) {
	n := b.opts.NumResolutions
	for r, rb := range b.res {
		if r == 0 {
			rb.padded[geom.LL] = geom.PaddedBandWindow(uint(n-1), geom.LL, b.window, b.tileComp, padding)
			rb.res = newOwner[T](rb.padded[geom.LL])
			rb.bands[geom.LL] = rb.res
			continue
		}
		for o := geom.LL; o <= geom.HH; o++ {
			rb.padded[o] = geom.PaddedBandWindow(uint(n-r), o, b.window, b.tileComp, padding)
		}
		ll, hl, lh := rb.padded[geom.LL], rb.padded[geom.HL], rb.padded[geom.LH]
		resWin := geom.Rect{
			X0: min(2*ll.X0, 2*hl.X0+1),
			Y0: min(2*ll.Y0, 2*lh.Y0+1),
			X1: max(2*ll.X1, 2*hl.X1+1),
			Y1: max(2*ll.Y1, 2*lh.Y1+1),
		}.Intersect(rb.resRect)
		rb.res = newOwner[T](resWin)
		rb.bands[geom.LL] = b.res[r-1].res
		for o := geom.HL; o <= geom.HH; o++ {
			rb.bands[o] = newOwner[T](rb.padded[o])
		}
		rb.split[SplitL] = newOwner[T](geom.R(resWin.X0, ll.Y0, resWin.X1, ll.Y1))
		rb.split[SplitH] = newOwner[T](geom.R(resWin.X0, lh.Y0, resWin.X1, lh.Y1))
	}
	b.top = b.res[len(b.res)-1].res
}

func (b *WindowBuffer[T]) owners() []*Window[T] {
	if b.wholeTile {
		return []*Window[T]{b.top}
	}
	var out []*Window[T]
	for r, rb := range b.res {
		out = append(out, rb.res)
		if r == 0 {
			continue
		}
		out = append(out, rb.bands[geom.HL], rb.bands[geom.LH], rb.bands[geom.HH],
			rb.split[SplitL], rb.split[SplitH])
	}
	return out
}

// Alloc reserves storage for every owner window. It is a no-op once it
// has succeeded. On failure nothing stays allocated.
func (b *WindowBuffer[T]) Alloc() error {
	if b.allocated {
		return nil
	}
	var used uint64
	for _, w := range b.owners() {
		limit := uint64(0)
		if b.opts.MaxSamples > 0 {
			if used >= b.opts.MaxSamples {
				b.Release()
				return errors.Wrapf(ErrOutOfMemory, "window %s", w.rect)
			}
			limit = b.opts.MaxSamples - used
		}
		if err := w.alloc(limit); err != nil {
			b.Release()
			return err
		}
		used += uint64(w.stride) * uint64(w.rect.Height())
	}
	b.allocated = true
	return nil
}

// Release frees every owner. Views handed out earlier report ErrStaleView
// from then on.
func (b *WindowBuffer[T]) Release() {
	for _, w := range b.owners() {
		w.release()
	}
	b.allocated = false
}

// Attach replaces the top-level storage with an externally owned buffer.
// Only whole-tile buffers can attach; all views are rebuilt for stride.
func (b *WindowBuffer[T]) Attach(data []T, stride int) error {
	if !b.wholeTile {
		return errors.New("tcd: attach requires whole-tile mode")
	}
	topRect := b.res[len(b.res)-1].resRect
	if stride < topRect.Width() || len(data) < stride*(topRect.Height()-1)+topRect.Width() {
		return errors.Errorf("tcd: buffer of %d samples with stride %d cannot hold %s",
			len(data), stride, topRect)
	}
	b.Release()
	b.buildWholeTile(stride)
	b.top.attach(data, stride)
	b.allocated = true
	return nil
}

// Transfer hands the top-level buffer to the caller. The buffer and its
// views are no longer usable through b afterwards.
func (b *WindowBuffer[T]) Transfer() ([]T, int, error) {
	data, err := b.top.Data()
	if err != nil {
		return nil, 0, err
	}
	stride := b.top.stride
	b.Release()
	return data, stride, nil
}

// WholeTile reports whether windows alias one top-level buffer.
func (b *WindowBuffer[T]) WholeTile() bool { return b.wholeTile }

// usesBufferCoordinates reports whether code-blocks are addressed relative
// to the top-level buffer rather than to their band.
func (b *WindowBuffer[T]) usesBufferCoordinates() bool {
	return b.opts.Compress || b.wholeTile
}

// NumResolutions returns the number of reconstructed resolutions.
func (b *WindowBuffer[T]) NumResolutions() int { return len(b.res) }

// Resolution returns the window record of resolution r.
func (b *WindowBuffer[T]) Resolution(r int) *ResWindowBuffer[T] { return b.res[r] }

// Bounds returns the requested region at the reconstructed resolution.
func (b *WindowBuffer[T]) Bounds() geom.Rect { return b.bounds }

// UnreducedBounds returns the requested region on the full-resolution
// tile-component grid.
func (b *WindowBuffer[T]) UnreducedBounds() geom.Rect { return b.window }

// TileComponent returns the unreduced tile-component bounds.
func (b *WindowBuffer[T]) TileComponent() geom.Rect { return b.tileComp }

// ToRelativeCoordinates maps a band-space code-block origin of resolution
// r into the frame its samples are written in.
func (b *WindowBuffer[T]) ToRelativeCoordinates(r int, o geom.Orientation, x, y int) (int, int) {
	rb := b.res[r]
	band := rb.bandRects[o]
	x -= band.X0
	y -= band.Y0
	if b.usesBufferCoordinates() && r > 0 {
		lower := b.res[r-1].resRect
		if o.HighX() {
			x += lower.Width()
		}
		if o.HighY() {
			y += lower.Height()
		}
	}
	return x, y
}

// BandWindowPadded returns the window code-blocks of band o at resolution r
// contribute to. For r>0 the LL entry is the lower resolution window.
func (b *WindowBuffer[T]) BandWindowPadded(r int, o geom.Orientation) *Window[T] {
	return b.res[r].bands[o]
}

// PaddedBandWindow returns the band-space region of band o at resolution r
// that must be decoded. Whole-tile buffers need the whole band.
func (b *WindowBuffer[T]) PaddedBandWindow(r int, o geom.Orientation) geom.Rect {
	return b.res[r].padded[o]
}

// ResWindow returns the reconstruction window of resolution r.
func (b *WindowBuffer[T]) ResWindow(r int) *Window[T] { return b.res[r].res }

// HighestResWindow returns the window of the highest reconstructed
// resolution.
func (b *WindowBuffer[T]) HighestResWindow() *Window[T] { return b.top }

// SplitWindow returns an intermediate window of resolution r>0.
func (b *WindowBuffer[T]) SplitWindow(r int, s Split) *Window[T] { return b.res[r].split[s] }

// CodeBlockDestWindow returns the window WriteCodeBlock writes into for
// band o of resolution r.
func (b *WindowBuffer[T]) CodeBlockDestWindow(r int, o geom.Orientation) *Window[T] {
	if b.usesBufferCoordinates() {
		return b.top
	}
	return b.res[r].bands[o]
}

// WriteCodeBlock copies decoded samples of the code-block cb (band
// coordinates) into its destination, clipped to what the destination
// covers.
func (b *WindowBuffer[T]) WriteCodeBlock(r int, o geom.Orientation, cb geom.Rect, src []T, srcStride int) error {
	rx, ry := b.ToRelativeCoordinates(r, o, cb.X0, cb.Y0)
	target := geom.R(rx, ry, rx+cb.Width(), ry+cb.Height())
	dest := b.CodeBlockDestWindow(r, o)
	band := b.res[r].bandRects[o]

	var allowed geom.Rect
	var originX, originY int
	if b.usesBufferCoordinates() {
		bx, by := b.ToRelativeCoordinates(r, o, band.X0, band.Y0)
		allowed = geom.R(bx, by, bx+band.Width(), by+band.Height())
	} else {
		allowed = dest.Rect().Pan(-band.X0, -band.Y0)
		originX, originY = allowed.X0, allowed.Y0
	}
	clip := target.Intersect(allowed)
	if clip.Empty() {
		return nil
	}
	off := (clip.Y0-ry)*srcStride + clip.X0 - rx
	return dest.copyIn(clip.X0-originX, clip.Y0-originY, src[off:], srcStride, clip.Width(), clip.Height())
}

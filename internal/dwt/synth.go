package dwt

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/phenopolis/grok/internal/geom"
	"github.com/phenopolis/grok/internal/tcd"
)

// Synthesizer reconstructs the resolutions of one tile-component inside its
// window buffer. Resolution r is rebuilt by the two horizontal passes, which
// may run concurrently, followed by the vertical pass. Resolution r-1 must
// be complete before r starts.
type Synthesizer[T tcd.Sample] struct {
	buf    *tcd.WindowBuffer[T]
	filter Filter[T]

	// Scratch lines
	lines sync.Pool
}

// NewSynthesizer returns a synthesizer over buf.
func NewSynthesizer[T tcd.Sample](buf *tcd.WindowBuffer[T], filter Filter[T]) *Synthesizer[T] {
	s := &Synthesizer[T]{buf: buf, filter: filter}
	s.lines.New = func() any {
		line := make([]T, 0, 256)
		return &line
	}
	return s
}

// getLine returns a scratch line of n samples from the pool.
func (s *Synthesizer[T]) getLine(n int) *[]T {
	lp := s.lines.Get().(*[]T)
	if cap(*lp) < n {
		*lp = make([]T, n)
	}
	*lp = (*lp)[:n]
	return lp
}

func (s *Synthesizer[T]) checkLevel(r int) error {
	if r < 1 || r >= s.buf.NumResolutions() {
		return errors.Errorf("dwt: resolution %d out of range [1,%d)", r, s.buf.NumResolutions())
	}
	return nil
}

// HorizontalL synthesizes the rows of resolution r that are low-pass
// vertically, from the lower resolution and the HL band.
func (s *Synthesizer[T]) HorizontalL(r int) error {
	return s.horizontal(r, tcd.SplitL, geom.LL, geom.HL)
}

// HorizontalH synthesizes the rows of resolution r that are high-pass
// vertically, from the LH and HH bands.
func (s *Synthesizer[T]) HorizontalH(r int) error {
	return s.horizontal(r, tcd.SplitH, geom.LH, geom.HH)
}

func (s *Synthesizer[T]) horizontal(r int, split tcd.Split, lo, hi geom.Orientation) error {
	if err := s.checkLevel(r); err != nil {
		return err
	}
	dst := s.buf.SplitWindow(r, split)
	low := s.buf.BandWindowPadded(r, lo)
	high := s.buf.BandWindowPadded(r, hi)
	dr := dst.Rect()
	if dr.Empty() {
		return nil
	}

	lp := s.getLine(dr.Width())
	defer s.lines.Put(lp)
	line := *lp
	for y := dr.Y0; y < dr.Y1; y++ {
		lowRow, err := low.Row(y)
		if err != nil {
			return errors.Wrapf(err, "resolution %d %s row %d", r, lo, y)
		}
		highRow, err := high.Row(y)
		if err != nil {
			return errors.Wrapf(err, "resolution %d %s row %d", r, hi, y)
		}
		interleave(line, dr.X0, lowRow, low.Rect().X0, highRow, high.Rect().X0)
		s.filter.Inverse(line, dr.X0)

		// rows may alias the band rows read above
		out, err := dst.Row(y)
		if err != nil {
			return errors.Wrapf(err, "resolution %d split row %d", r, y)
		}
		copy(out, line)
	}
	return nil
}

// column copies column x of w into col, zero where w has no sample.
func column[T tcd.Sample](col []T, w *tcd.Window[T], data []T, x int) {
	rect := w.Rect()
	if x < rect.X0 || x >= rect.X1 {
		clear(col)
		return
	}
	for i := range col {
		y := rect.Y0 + i
		if y >= rect.Y1 {
			clear(col[i:])
			return
		}
		col[i] = data[i*w.Stride()+x-rect.X0]
	}
}

// Vertical synthesizes the columns of resolution r from its two split
// windows into the resolution window.
func (s *Synthesizer[T]) Vertical(r int) error {
	if err := s.checkLevel(r); err != nil {
		return err
	}
	dst := s.buf.ResWindow(r)
	lowWin := s.buf.SplitWindow(r, tcd.SplitL)
	highWin := s.buf.SplitWindow(r, tcd.SplitH)
	dr := dst.Rect()
	if dr.Empty() {
		return nil
	}

	out, err := dst.Data()
	if err != nil {
		return errors.Wrapf(err, "resolution %d", r)
	}
	lowData, err := lowWin.Data()
	if err != nil {
		return errors.Wrapf(err, "resolution %d split L", r)
	}
	highData, err := highWin.Data()
	if err != nil {
		return errors.Wrapf(err, "resolution %d split H", r)
	}

	lr, hr := lowWin.Rect(), highWin.Rect()
	lp := s.getLine(dr.Height())
	defer s.lines.Put(lp)
	lowp := s.getLine(lr.Height())
	defer s.lines.Put(lowp)
	highp := s.getLine(hr.Height())
	defer s.lines.Put(highp)

	line, lowCol, highCol := *lp, *lowp, *highp
	stride := dst.Stride()
	for x := dr.X0; x < dr.X1; x++ {
		column(lowCol, lowWin, lowData, x)
		column(highCol, highWin, highData, x)
		interleave(line, dr.Y0, lowCol, lr.Y0, highCol, hr.Y0)
		s.filter.Inverse(line, dr.Y0)
		for i, v := range line {
			out[i*stride+x-dr.X0] = v
		}
	}
	return nil
}

// Resolution runs every pass of resolution r in order.
func (s *Synthesizer[T]) Resolution(r int) error {
	if err := s.HorizontalL(r); err != nil {
		return err
	}
	if err := s.HorizontalH(r); err != nil {
		return err
	}
	return s.Vertical(r)
}

// Run reconstructs every resolution above the lowest.
func (s *Synthesizer[T]) Run() error {
	for r := 1; r < s.buf.NumResolutions(); r++ {
		if err := s.Resolution(r); err != nil {
			return err
		}
	}
	return nil
}

// CopyOut copies the requested region (Bounds of the window buffer) from
// the highest resolution window into dst, row by row with dstStride.
func CopyOut[T tcd.Sample](buf *tcd.WindowBuffer[T], dst []T, dstStride int) error {
	bounds := buf.Bounds()
	top := buf.HighestResWindow()
	if !top.Rect().Contains(bounds) {
		return errors.Errorf("dwt: bounds %s outside reconstructed window %s", bounds, top.Rect())
	}
	if dstStride < bounds.Width() || len(dst) < dstStride*(bounds.Height()-1)+bounds.Width() {
		return errors.Errorf("dwt: destination of %d samples with stride %d cannot hold %s",
			len(dst), dstStride, bounds)
	}
	for y := bounds.Y0; y < bounds.Y1; y++ {
		row, err := top.Row(y)
		if err != nil {
			return err
		}
		off := bounds.X0 - top.Rect().X0
		copy(dst[(y-bounds.Y0)*dstStride:], row[off:off+bounds.Width()])
	}
	return nil
}

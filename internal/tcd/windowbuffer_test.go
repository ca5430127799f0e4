package tcd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phenopolis/grok/internal/geom"
)

func newWholeTile(t *testing.T, tileComp geom.Rect, numRes int) *WindowBuffer[int32] {
	t.Helper()
	b, err := NewWindowBuffer[int32](tileComp, WindowBufferOptions{
		WholeTile:      true,
		NumResolutions: numRes,
		FilterPad:      1,
	})
	require.NoError(t, err)
	require.NoError(t, b.Alloc())
	return b
}

func TestWholeTileAliasing(t *testing.T) {
	tileComp := geom.R(3, 5, 16, 16)
	b := newWholeTile(t, tileComp, 3)
	top := b.HighestResWindow()
	require.True(t, top.IsOwner())
	data, err := top.Data()
	require.NoError(t, err)

	marker := func(x, y int) int32 { return int32(y*1000 + x) }
	topRect := top.Rect()
	for y := 0; y < topRect.Height(); y++ {
		for x := 0; x < topRect.Width(); x++ {
			data[y*top.Stride()+x] = marker(x, y)
		}
	}

	for r := 1; r < b.NumResolutions(); r++ {
		rb := b.Resolution(r)
		lower := b.Resolution(r - 1).ResRect()
		coverage := make(map[[2]int]int)
		for o := geom.LL; o <= geom.HH; o++ {
			band := rb.BandRect(o)
			view := b.BandWindowPadded(r, o)
			assert.Equal(t, band, view.Rect(), "r=%d %s", r, o)
			if o != geom.LL {
				assert.False(t, view.IsOwner())
			}
			for y := band.Y0; y < band.Y1; y++ {
				for x := band.X0; x < band.X1; x++ {
					rx, ry := b.ToRelativeCoordinates(r, o, x, y)
					require.Equal(t, marker(rx, ry), view.At(x, y), "r=%d %s (%d,%d)", r, o, x, y)
					coverage[[2]int{rx, ry}]++
				}
			}
		}
		res := rb.ResRect()
		assert.Len(t, coverage, res.Width()*res.Height(), "bands tile resolution %d", r)
		for k, n := range coverage {
			assert.Equal(t, 1, n, "overlap at %v", k)
			assert.True(t, k[0] < res.Width() && k[1] < res.Height(), "gap or spill at %v", k)
		}

		splitL := b.SplitWindow(r, SplitL)
		splitH := b.SplitWindow(r, SplitH)
		for x := res.X0; x < res.X1; x++ {
			assert.Equal(t, marker(x-res.X0, 0), splitL.At(x, lower.Y0))
			lh := rb.BandRect(geom.LH)
			assert.Equal(t, marker(x-res.X0, lower.Height()), splitH.At(x, lh.Y0))
		}
	}

	low := b.ResWindow(0)
	r0 := low.Rect()
	assert.Equal(t, marker(1, 1), low.At(r0.X0+1, r0.Y0+1))
}

func TestAllocIdempotent(t *testing.T) {
	b := newWholeTile(t, geom.R(0, 0, 9, 7), 2)
	d1, err := b.HighestResWindow().Data()
	require.NoError(t, err)
	require.NoError(t, b.Alloc())
	d2, err := b.HighestResWindow().Data()
	require.NoError(t, err)
	assert.Same(t, &d1[0], &d2[0])
}

func TestReleaseInvalidatesViews(t *testing.T) {
	b := newWholeTile(t, geom.R(0, 0, 9, 7), 2)
	view := b.BandWindowPadded(1, geom.HH)
	_, err := view.Data()
	require.NoError(t, err)

	b.Release()
	_, err = view.Data()
	assert.ErrorIs(t, err, ErrStaleView)
	_, err = view.Row(view.Rect().Y0)
	assert.ErrorIs(t, err, ErrStaleView)
	assert.Equal(t, int32(0), view.At(view.Rect().X0, view.Rect().Y0))
}

func TestAllocOutOfMemory(t *testing.T) {
	b, err := NewWindowBuffer[float32](geom.R(0, 0, 64, 64), WindowBufferOptions{
		Window:         geom.R(24, 24, 40, 40),
		NumResolutions: 3,
		FilterPad:      1,
		MaxSamples:     200,
	})
	require.NoError(t, err)
	err = b.Alloc()
	require.ErrorIs(t, err, ErrOutOfMemory)
	assert.False(t, b.ResWindow(0).Allocated(), "failed alloc leaves nothing attached")

	b.opts.MaxSamples = 0
	require.NoError(t, b.Alloc())
	assert.True(t, b.ResWindow(0).Allocated())
}

func TestWindowedGeometry(t *testing.T) {
	tile := geom.R(0, 0, 64, 64)
	b, err := NewWindowBuffer[int32](tile, WindowBufferOptions{
		Window:         geom.R(24, 24, 40, 40),
		NumResolutions: 3,
		FilterPad:      1,
	})
	require.NoError(t, err)
	require.False(t, b.WholeTile())

	assert.Equal(t, geom.R(4, 4, 12, 12), b.ResWindow(0).Rect())
	assert.Equal(t, geom.R(8, 8, 25, 25), b.ResWindow(1).Rect())
	assert.Equal(t, geom.R(20, 20, 45, 45), b.ResWindow(2).Rect())
	assert.Equal(t, geom.R(10, 10, 22, 22), b.PaddedBandWindow(2, geom.HL))
	assert.Equal(t, geom.R(10, 10, 22, 22), b.PaddedBandWindow(2, geom.LL))
	assert.Equal(t, geom.R(4, 4, 12, 12), b.PaddedBandWindow(1, geom.HH))
	assert.Equal(t, geom.R(20, 10, 45, 22), b.SplitWindow(2, SplitL).Rect())
	assert.Equal(t, geom.R(20, 10, 45, 22), b.SplitWindow(2, SplitH).Rect())
	assert.Same(t, b.ResWindow(1), b.BandWindowPadded(2, geom.LL))
	assert.Equal(t, geom.R(24, 24, 40, 40), b.Bounds())

	reduced, err := NewWindowBuffer[int32](tile, WindowBufferOptions{
		Window:                     geom.R(24, 24, 40, 40),
		NumResolutions:             3,
		NumResolutionsToDecompress: 2,
		FilterPad:                  1,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, reduced.NumResolutions())
	assert.Equal(t, geom.R(12, 12, 20, 20), reduced.Bounds())
	assert.Equal(t, geom.R(24, 24, 40, 40), reduced.UnreducedBounds())
}

func TestNewWindowBufferErrors(t *testing.T) {
	tile := geom.R(0, 0, 32, 32)
	_, err := NewWindowBuffer[int32](tile, WindowBufferOptions{NumResolutions: 0})
	assert.Error(t, err)
	_, err = NewWindowBuffer[int32](tile, WindowBufferOptions{NumResolutions: 2, NumResolutionsToDecompress: 3})
	assert.Error(t, err)
	_, err = NewWindowBuffer[int32](tile, WindowBufferOptions{NumResolutions: 2, Window: geom.R(40, 40, 50, 50)})
	assert.Error(t, err)
	_, err = NewWindowBuffer[int32](geom.Rect{}, WindowBufferOptions{NumResolutions: 1})
	assert.Error(t, err)
}

func TestToRelativeCoordinates(t *testing.T) {
	tile := geom.R(0, 0, 64, 64)
	windowed, err := NewWindowBuffer[int32](tile, WindowBufferOptions{
		Window: geom.R(24, 24, 40, 40), NumResolutions: 3, FilterPad: 1,
	})
	require.NoError(t, err)
	whole := newWholeTile(t, tile, 3)
	compress, err := NewWindowBuffer[int32](tile, WindowBufferOptions{Compress: true, NumResolutions: 3})
	require.NoError(t, err)

	tests := []struct {
		o         geom.Orientation
		wantBandX int
		wantBandY int
		wantBufX  int
		wantBufY  int
	}{
		{geom.HL, 20, 12, 52, 12},
		{geom.LH, 20, 12, 20, 44},
		{geom.HH, 20, 12, 52, 44},
	}
	for _, tt := range tests {
		x, y := windowed.ToRelativeCoordinates(2, tt.o, 20, 12)
		assert.Equal(t, [2]int{tt.wantBandX, tt.wantBandY}, [2]int{x, y}, "band-relative %s", tt.o)
		x, y = whole.ToRelativeCoordinates(2, tt.o, 20, 12)
		assert.Equal(t, [2]int{tt.wantBufX, tt.wantBufY}, [2]int{x, y}, "buffer-relative %s", tt.o)
		x, y = compress.ToRelativeCoordinates(2, tt.o, 20, 12)
		assert.Equal(t, [2]int{tt.wantBufX, tt.wantBufY}, [2]int{x, y}, "compress %s", tt.o)
	}
	x, y := whole.ToRelativeCoordinates(0, geom.LL, 3, 4)
	assert.Equal(t, [2]int{3, 4}, [2]int{x, y})
}

func TestWriteCodeBlock(t *testing.T) {
	src := make([]int32, 16)
	for i := range src {
		src[i] = int32(i + 1)
	}
	cb := geom.R(8, 8, 12, 12)

	t.Run("windowed clips to padded band", func(t *testing.T) {
		b, err := NewWindowBuffer[int32](geom.R(0, 0, 64, 64), WindowBufferOptions{
			Window: geom.R(24, 24, 40, 40), NumResolutions: 3, FilterPad: 1,
		})
		require.NoError(t, err)
		require.NoError(t, b.Alloc())
		require.NoError(t, b.WriteCodeBlock(2, geom.HL, cb, src, 4))
		w := b.BandWindowPadded(2, geom.HL)
		assert.Equal(t, int32(11), w.At(10, 10))
		assert.Equal(t, int32(16), w.At(11, 11))
		assert.Equal(t, int32(0), w.At(12, 12))
	})

	t.Run("whole tile lands in band view", func(t *testing.T) {
		b := newWholeTile(t, geom.R(0, 0, 64, 64), 3)
		require.NoError(t, b.WriteCodeBlock(2, geom.HH, cb, src, 4))
		w := b.BandWindowPadded(2, geom.HH)
		assert.Equal(t, int32(1), w.At(8, 8))
		assert.Equal(t, int32(16), w.At(11, 11))
		top := b.HighestResWindow()
		assert.Equal(t, int32(1), top.At(32+8, 32+8))
	})
}

func TestAttachTransfer(t *testing.T) {
	tile := geom.R(0, 0, 13, 9)
	b, err := NewWindowBuffer[int32](tile, WindowBufferOptions{WholeTile: true, NumResolutions: 2})
	require.NoError(t, err)

	ext := make([]int32, 20*9)
	require.NoError(t, b.Attach(ext, 20))
	hl := b.BandWindowPadded(1, geom.HL)
	require.NoError(t, hl.Set(hl.Rect().X0, hl.Rect().Y0+1, 42))
	assert.Equal(t, int32(42), ext[1*20+7], "HL starts after the 7 columns of resolution 0")

	data, stride, err := b.Transfer()
	require.NoError(t, err)
	assert.Equal(t, 20, stride)
	assert.Same(t, &ext[0], &data[0])
	_, err = hl.Data()
	assert.ErrorIs(t, err, ErrStaleView)

	assert.Error(t, b.Attach(make([]int32, 10), 20), "buffer too small")
	windowed, err := NewWindowBuffer[int32](geom.R(0, 0, 64, 64), WindowBufferOptions{
		Window: geom.R(0, 0, 8, 8), NumResolutions: 2,
	})
	require.NoError(t, err)
	assert.Error(t, windowed.Attach(ext, 20))
}

package grok

import (
	"bytes"
	"context"
	"encoding/binary"
	"image"
	"image/color"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/tiff"

	"github.com/phenopolis/grok/internal/box"
	"github.com/phenopolis/grok/internal/codestream"
	"github.com/phenopolis/grok/internal/entropy"
	"github.com/phenopolis/grok/internal/geom"
	"github.com/phenopolis/grok/internal/strip"
	"github.com/phenopolis/grok/internal/tcd"
	"github.com/phenopolis/grok/internal/tcd/tcdtest"
)

// rawDecoder stands in for the entropy decoder: a code-block carries one
// int8 per sample, or a single int8 filling the whole block.
type rawDecoder struct{}

func (rawDecoder) DecodeBlock(cb *CodeBlock, dst []int32) error {
	data := cb.Data()
	switch len(data) {
	case 1:
		for i := range dst {
			dst[i] = int32(int8(data[0]))
		}
	case len(dst):
		for i, b := range data {
			dst[i] = int32(int8(b))
		}
	default:
		return errors.Errorf("raw block of %d bytes for %d samples", len(data), len(dst))
	}
	return nil
}

// gradient is the test pattern, even and within [10,108].
func gradient(x, y int) int { return 2*((7*x+13*y)%50) + 10 }

func rawBlock(rect geom.Rect, f func(x, y int) int) []byte {
	out := make([]byte, 0, rect.Area())
	for y := rect.Y0; y < rect.Y1; y++ {
		for x := rect.X0; x < rect.X1; x++ {
			out = append(out, byte(int8(f(x, y))))
		}
	}
	return out
}

func testHeader(w, h, tw, th uint32, comps int, bitDepth, decomps uint8) *codestream.Header {
	hdr := &codestream.Header{
		ImageWidth:    w,
		ImageHeight:   h,
		TileWidth:     tw,
		TileHeight:    th,
		NumComponents: uint16(comps),
		CodingStyle: codestream.CodingStyleDefault{
			ProgressionOrder:  codestream.LRCP,
			NumLayers:         1,
			NumDecompositions: decomps,
			WaveletTransform:  1,
		},
		Quantization: codestream.QuantizationDefault{NumGuardBits: 2},
	}
	for c := 0; c < comps; c++ {
		hdr.ComponentInfo = append(hdr.ComponentInfo,
			codestream.ComponentInfo{BitDepth: bitDepth, SubsamplingX: 1, SubsamplingY: 1})
	}
	hdr.CalculateDerivedValues()
	return hdr
}

// blockFunc returns the payload of a code-block, or nil to leave it out.
type blockFunc func(c, r int, o geom.Orientation, rect geom.Rect) []byte

// codedFunc returns a code-block's contribution and its zero bit-planes.
type codedFunc func(c, r int, band *tcd.Band, rect geom.Rect) (tcdtest.Block, int)

type encodeOptions struct {
	skipTiles map[int]bool
	plt       bool
	// coded replaces the block function when set.
	coded codedFunc
}

// encode writes a single-layer codestream for h. Without opts.coded every
// included code-block carries one coding pass.
func encode(t testing.TB, h *codestream.Header, block blockFunc, opts encodeOptions) []byte {
	t.Helper()
	out := codestream.AppendMainHeader(nil, h)
	for idx := 0; idx < h.NumTiles(); idx++ {
		if opts.skipTiles[idx] {
			continue
		}
		tile, err := tcd.NewTile(h, idx)
		require.NoError(t, err)
		var data []byte
		var lengths []uint32
		for _, prog := range h.Progressions() {
			pi, err := tcd.NewPacketIterator(tile, prog, nil)
			require.NoError(t, err)
			for pkt, ok := pi.Next(); ok; pkt, ok = pi.Next() {
				prc := tile.Components[pkt.Component].Resolutions[pkt.Resolution].Precinct(pkt.Precinct)
				first := make([][]int, len(prc.Bands))
				zbp := make([][]int, len(prc.Bands))
				blocks := make([][]tcdtest.Block, len(prc.Bands))
				for b, pb := range prc.Bands {
					for _, cb := range pb.CodeBlocks {
						var blk tcdtest.Block
						zb := 0
						if opts.coded != nil {
							blk, zb = opts.coded(pkt.Component, pkt.Resolution, pb.Band, cb.Rect)
						} else if payload := block(pkt.Component, pkt.Resolution, pb.Band.Orientation, cb.Rect); payload != nil {
							blk = tcdtest.Block{Passes: 1, Data: payload}
						}
						fl := -1
						if blk.Passes > 0 {
							fl = 0
						}
						first[b] = append(first[b], fl)
						zbp[b] = append(zbp[b], zb)
						blocks[b] = append(blocks[b], blk)
					}
				}
				w := tcdtest.NewPrecinctWriter(prc, first, zbp)
				packet := w.WritePacket(pkt.Layer, blocks)
				data = append(data, packet...)
				lengths = append(lengths, uint32(len(packet)))
			}
		}
		var extra []byte
		if opts.plt {
			extra, err = codestream.AppendPLT(nil, 0, lengths)
			require.NoError(t, err)
		}
		out = codestream.AppendTilePart(out, uint16(idx), 0, 1, extra, data)
	}
	return codestream.AppendEOC(out)
}

// gradientBlocks codes every level-0 sample as value(x,y) - shift.
func gradientBlocks(shift int) blockFunc {
	return func(c, r int, o geom.Orientation, rect geom.Rect) []byte {
		return rawBlock(rect, func(x, y int) int { return gradient(x, y) - shift })
	}
}

type memorySink struct {
	mu     sync.Mutex
	out    Output
	pix    []byte
	strips []int
}

func newMemorySink(o Output) *memorySink {
	return &memorySink{out: o, pix: make([]byte, o.Rect.Dy()*o.layout().RowBytes())}
}

func (s *memorySink) Serialize(b Strip) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.out.layout().RowBytes()
	if len(b.Data) != b.Rect.Height()*row {
		return errors.Errorf("strip %d: %d bytes for %d rows", b.Index, len(b.Data), b.Rect.Height())
	}
	copy(s.pix[(b.Rect.Y0-s.out.Rect.Min.Y)*row:], b.Data)
	s.strips = append(s.strips, b.Index)
	return nil
}

// at returns sample c of output pixel (x, y) in output coordinates.
func (s *memorySink) at(x, y, c int) int {
	o := s.out
	off := (y-o.Rect.Min.Y)*o.layout().RowBytes() + ((x-o.Rect.Min.X)*o.NumComponents+c)*o.BytesPerSample
	if o.BytesPerSample == 1 {
		if o.Signed {
			return int(int8(s.pix[off]))
		}
		return int(s.pix[off])
	}
	v := binary.LittleEndian.Uint16(s.pix[off:])
	if o.Signed {
		return int(int16(v))
	}
	return int(v)
}

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.BlockDecoder = rawDecoder{}
	cfg.Logger = discard
	cfg.TileWorkers = 2
	return cfg
}

func decode(t *testing.T, stream []byte, cfg *Config) (*memorySink, Result) {
	t.Helper()
	d, err := NewDecoder(bytes.NewReader(stream))
	require.NoError(t, err)
	out, err := d.Output(cfg)
	require.NoError(t, err)
	s := newMemorySink(out)
	res, err := d.Decompress(context.Background(), s, cfg)
	require.NoError(t, err)
	return s, res
}

func TestDecompressGradient(t *testing.T) {
	for _, plt := range []bool{false, true} {
		h := testHeader(10, 7, 5, 3, 1, 7, 0)
		stream := encode(t, h, gradientBlocks(128), encodeOptions{plt: plt})

		s, res := decode(t, stream, testConfig())
		assert.Equal(t, image.Rect(0, 0, 10, 7), res.Output.Rect)
		assert.Equal(t, 6, res.Tiles)
		assert.Equal(t, 6, res.Packets)
		assert.Equal(t, 3, res.Strips)
		assert.Equal(t, []int{0, 1, 2}, s.strips)
		for y := 0; y < 7; y++ {
			for x := 0; x < 10; x++ {
				require.Equal(t, gradient(x, y), s.at(x, y, 0), "(%d,%d) plt=%v", x, y, plt)
			}
		}
	}
}

// t1Blocks codes every level-0 sample as f(c, x, y) with the tier-1
// encoder.
func t1Blocks(t testing.TB, style uint8, f func(c, x, y int) int) codedFunc {
	return func(c, r int, band *tcd.Band, rect geom.Rect) (tcdtest.Block, int) {
		samples := make([]int32, 0, rect.Area())
		for y := rect.Y0; y < rect.Y1; y++ {
			for x := rect.X0; x < rect.X1; x++ {
				samples = append(samples, int32(f(c, x, y)))
			}
		}
		data, planes, passes, err := entropy.Encode(samples, rect.Width(), rect.Height(), band.Orientation, style)
		require.NoError(t, err)
		require.LessOrEqual(t, planes, band.NumBPS)
		return tcdtest.Block{Passes: passes, Data: data}, band.NumBPS - planes
	}
}

func TestDecompressT1(t *testing.T) {
	styles := []uint8{0, entropy.StyleReset | entropy.StyleVSC | entropy.StyleSegSym}
	for _, style := range styles {
		h := testHeader(10, 7, 5, 3, 3, 7, 0)
		h.CodingStyle.CodeBlockStyle = style
		stream := encode(t, h, nil, encodeOptions{coded: t1Blocks(t, style, func(c, x, y int) int {
			return gradient(x, y) + 40*c - 128
		})})

		cfg := DefaultConfig()
		cfg.Logger = discard
		s, res := decode(t, stream, cfg)
		assert.Equal(t, 6, res.Tiles)
		for y := 0; y < 7; y++ {
			for x := 0; x < 10; x++ {
				for c := 0; c < 3; c++ {
					require.Equal(t, gradient(x, y)+40*c, s.at(x, y, c), "(%d,%d,%d) style %#x", x, y, c, style)
				}
			}
		}
	}
}

func TestDecompressUnsupportedBlockStyle(t *testing.T) {
	h := testHeader(8, 8, 8, 8, 1, 7, 0)
	h.CodingStyle.CodeBlockStyle = entropy.StyleBypass
	stream := encode(t, h, gradientBlocks(128), encodeOptions{})

	cfg := DefaultConfig()
	cfg.Logger = discard
	d, err := NewDecoder(bytes.NewReader(stream))
	require.NoError(t, err)
	out, err := d.Output(cfg)
	require.NoError(t, err)
	_, err = d.Decompress(context.Background(), newMemorySink(out), cfg)
	assert.ErrorIs(t, err, entropy.ErrUnsupported)
}

func TestDecompressWindow(t *testing.T) {
	h := testHeader(10, 7, 5, 3, 1, 7, 0)
	stream := encode(t, h, gradientBlocks(128), encodeOptions{})

	cfg := testConfig()
	cfg.DecodeArea = &image.Rectangle{Min: image.Pt(3, 2), Max: image.Pt(9, 6)}
	s, res := decode(t, stream, cfg)
	require.Equal(t, image.Rect(3, 2, 9, 6), res.Output.Rect)
	assert.Equal(t, 4, res.Tiles)
	assert.Equal(t, 2, res.Strips)
	for y := 2; y < 6; y++ {
		for x := 3; x < 9; x++ {
			require.Equal(t, gradient(x, y), s.at(x, y, 0), "(%d,%d)", x, y)
		}
	}
}

func TestDecompressReduce(t *testing.T) {
	const value = 200
	h := testHeader(16, 16, 8, 8, 1, 7, 2)
	constant := func(c, r int, o geom.Orientation, rect geom.Rect) []byte {
		if r > 0 {
			return nil
		}
		return []byte{byte(int8(value - 128))}
	}
	stream := encode(t, h, constant, encodeOptions{})

	tests := []struct {
		name   string
		reduce int
		area   *image.Rectangle
		want   image.Rectangle
	}{
		{"full", 0, nil, image.Rect(0, 0, 16, 16)},
		{"half", 1, nil, image.Rect(0, 0, 8, 8)},
		{"quarter", 2, nil, image.Rect(0, 0, 4, 4)},
		{"window", 0, &image.Rectangle{Min: image.Pt(3, 5), Max: image.Pt(13, 11)}, image.Rect(3, 5, 13, 11)},
		{"window half", 1, &image.Rectangle{Min: image.Pt(3, 5), Max: image.Pt(13, 11)}, image.Rect(2, 3, 7, 6)},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.ReduceResolution = tt.reduce
			cfg.DecodeArea = tt.area
			s, res := decode(t, stream, cfg)
			require.Equal(t, tt.want, res.Output.Rect)
			for y := tt.want.Min.Y; y < tt.want.Max.Y; y++ {
				for x := tt.want.Min.X; x < tt.want.Max.X; x++ {
					require.Equal(t, value, s.at(x, y, 0), "(%d,%d)", x, y)
				}
			}
		})
	}
}

func TestDecompressRCT(t *testing.T) {
	rgb := func(x, y, c int) int { return 100 + 3*x + 5*y + 17*c + (x*y*c)%11 }
	h := testHeader(6, 4, 3, 2, 3, 7, 0)
	h.CodingStyle.MultipleComponentXf = 1
	forward := func(x, y, c int) int {
		r, g, b := rgb(x, y, 0)-128, rgb(x, y, 1)-128, rgb(x, y, 2)-128
		switch c {
		case 0:
			return (r + 2*g + b) >> 2
		case 1:
			return b - g
		default:
			return r - g
		}
	}
	blocks := func(c, r int, o geom.Orientation, rect geom.Rect) []byte {
		return rawBlock(rect, func(x, y int) int { return forward(x, y, c) })
	}
	s, res := decode(t, encode(t, h, blocks, encodeOptions{}), testConfig())
	require.Equal(t, 3, res.Output.NumComponents)
	for y := 0; y < 4; y++ {
		for x := 0; x < 6; x++ {
			for c := 0; c < 3; c++ {
				require.Equal(t, rgb(x, y, c), s.at(x, y, c), "(%d,%d) c%d", x, y, c)
			}
		}
	}
}

func TestDecompressIrreversible(t *testing.T) {
	h := testHeader(10, 7, 5, 3, 1, 7, 0)
	h.CodingStyle.WaveletTransform = 0
	h.Quantization = codestream.QuantizationDefault{
		QuantizationStyle: codestream.QuantizationScalarExpounded,
		NumGuardBits:      2,
		// delta = 2^(8-7)
		StepSizes: []codestream.StepSize{{Exponent: 7}},
	}
	blocks := func(c, r int, o geom.Orientation, rect geom.Rect) []byte {
		return rawBlock(rect, func(x, y int) int { return (gradient(x, y) - 128) / 2 })
	}
	s, _ := decode(t, encode(t, h, blocks, encodeOptions{}), testConfig())
	for y := 0; y < 7; y++ {
		for x := 0; x < 10; x++ {
			require.Equal(t, gradient(x, y), s.at(x, y, 0), "(%d,%d)", x, y)
		}
	}
}

func TestDecompressSigned16(t *testing.T) {
	h := testHeader(10, 7, 5, 3, 1, 0x80|11, 0)
	s, res := decode(t, encode(t, h, gradientBlocks(60), encodeOptions{}), testConfig())
	require.Equal(t, 2, res.Output.BytesPerSample)
	require.True(t, res.Output.Signed)
	for y := 0; y < 7; y++ {
		for x := 0; x < 10; x++ {
			require.Equal(t, gradient(x, y)-60, s.at(x, y, 0), "(%d,%d)", x, y)
		}
	}
}

func TestDecompressMissingTile(t *testing.T) {
	h := testHeader(10, 7, 5, 3, 1, 7, 0)
	stream := encode(t, h, gradientBlocks(128), encodeOptions{skipTiles: map[int]bool{3: true}})
	s, res := decode(t, stream, testConfig())
	assert.Equal(t, 1, res.MissingTiles)
	assert.Equal(t, 6, res.Tiles)
	for y := 0; y < 7; y++ {
		for x := 0; x < 10; x++ {
			want := gradient(x, y)
			if x >= 5 && y >= 3 && y < 6 {
				want = 128
			}
			require.Equal(t, want, s.at(x, y, 0), "(%d,%d)", x, y)
		}
	}
}

func TestDecompressJP2(t *testing.T) {
	h := testHeader(10, 7, 5, 3, 1, 7, 0)
	cs := encode(t, h, gradientBlocks(128), encodeOptions{})
	ihdr := &box.ImageHeaderBox{Height: 7, Width: 10, NumComponents: 1, BitsPerComponent: 7, CompressionType: 7}
	file := box.AppendJP2(nil, ihdr, box.CSGray, cs)

	d, err := NewDecoder(bytes.NewReader(file))
	require.NoError(t, err)
	m := d.Metadata()
	assert.Equal(t, FormatJP2, m.Format)
	assert.Equal(t, ColorSpaceGray, m.ColorSpace)
	assert.Equal(t, 10, m.Width)
	assert.Equal(t, []int{8}, m.BitsPerComponent)
	assert.True(t, m.Reversible)
	assert.Equal(t, 2, m.NumTilesX)

	digest := NewDigestSink()
	_, err = d.Decompress(context.Background(), digest, testConfig())
	require.NoError(t, err)

	raw := NewDigestSink()
	_, err = Decompress(context.Background(), bytes.NewReader(cs), raw, testConfig())
	require.NoError(t, err)
	assert.Equal(t, raw.Sum(), digest.Sum())
	assert.Equal(t, 7, digest.Rows())
}

type seekBuffer struct {
	data []byte
	pos  int
}

func (b *seekBuffer) Write(p []byte) (int, error) {
	if need := b.pos + len(p); need > len(b.data) {
		b.data = append(b.data, make([]byte, need-len(b.data))...)
	}
	copy(b.data[b.pos:], p)
	b.pos += len(p)
	return len(p), nil
}

func (b *seekBuffer) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		b.pos = int(offset)
	case io.SeekEnd:
		b.pos = len(b.data) + int(offset)
	default:
		b.pos += int(offset)
	}
	return int64(b.pos), nil
}

func TestDecompressTIFF(t *testing.T) {
	h := testHeader(10, 7, 5, 3, 1, 7, 0)
	d, err := NewDecoder(bytes.NewReader(encode(t, h, gradientBlocks(128), encodeOptions{})))
	require.NoError(t, err)
	cfg := testConfig()
	cfg.Workers = 3
	out, err := d.Output(cfg)
	require.NoError(t, err)

	var file seekBuffer
	tif, err := NewTIFFSink(&file, out, 4)
	require.NoError(t, err)
	res, err := d.Decompress(context.Background(), tif, cfg)
	require.NoError(t, err)
	require.NoError(t, tif.Close())
	// strips go back to the pool as the sink copies them
	assert.LessOrEqual(t, res.StripAllocations, 3)

	img, err := tiff.Decode(bytes.NewReader(file.data))
	require.NoError(t, err)
	for y := 0; y < 7; y++ {
		for x := 0; x < 10; x++ {
			assert.Equal(t, color.Gray{Y: uint8(gradient(x, y))}, img.At(x, y))
		}
	}
}

func TestDecompressZstd(t *testing.T) {
	h := testHeader(10, 7, 5, 3, 1, 7, 0)
	var spool bytes.Buffer
	z, err := NewZstdSink(&spool)
	require.NoError(t, err)
	res, err := Decompress(context.Background(), bytes.NewReader(encode(t, h, gradientBlocks(128), encodeOptions{})), z, testConfig())
	require.NoError(t, err)
	require.NoError(t, z.Close())
	assert.Len(t, z.Frames(), res.Strips)
}

func TestDecompressErrors(t *testing.T) {
	h := testHeader(10, 7, 5, 3, 1, 7, 0)
	stream := encode(t, h, gradientBlocks(128), encodeOptions{})
	d, err := NewDecoder(bytes.NewReader(stream))
	require.NoError(t, err)
	ctx := context.Background()

	cfg := testConfig()
	cfg.BlockDecoder = nil
	_, err = d.Decompress(ctx, &memorySink{}, cfg)
	assert.Error(t, err)

	cfg = testConfig()
	cfg.ReduceResolution = 1
	_, err = d.Decompress(ctx, &memorySink{}, cfg)
	assert.Error(t, err, "reduce beyond the coded resolutions")

	cfg = testConfig()
	cfg.DecodeArea = &image.Rectangle{Min: image.Pt(20, 20), Max: image.Pt(30, 30)}
	_, err = d.Output(cfg)
	assert.Error(t, err, "area outside the image")

	cfg = testConfig()
	cfg.BlockDecoder = BlockDecoderFunc(func(*CodeBlock, []int32) error { return errors.New("bad block") })
	out, err := d.Output(cfg)
	require.NoError(t, err)
	_, err = d.Decompress(ctx, newMemorySink(out), cfg)
	assert.ErrorContains(t, err, "bad block")

	cfg = testConfig()
	cfg.MaxStripBytes = 10
	_, err = d.Decompress(ctx, newMemorySink(out), cfg)
	assert.ErrorIs(t, err, strip.ErrOutOfMemory)

	sub := testHeader(10, 7, 5, 3, 2, 7, 0)
	sub.ComponentInfo[1].SubsamplingX = 2
	d, err = NewDecoder(bytes.NewReader(encode(t, sub, gradientBlocks(128), encodeOptions{})))
	require.NoError(t, err)
	_, err = d.Output(testConfig())
	assert.ErrorIs(t, err, ErrUnsupported)

	_, err = NewDecoder(bytes.NewReader([]byte{0x00, 0x00, 0x00, 0x0C, 'j', 'P', ' ', ' ', 0, 0, 0, 0}))
	assert.ErrorIs(t, err, box.ErrNotJP2)
	_, err = NewDecoder(bytes.NewReader(nil))
	assert.Error(t, err)
}

func TestDecompressTileFailureIsolated(t *testing.T) {
	h := testHeader(10, 7, 5, 3, 1, 7, 0)
	d, err := NewDecoder(bytes.NewReader(encode(t, h, gradientBlocks(128), encodeOptions{})))
	require.NoError(t, err)

	// with one worker tiles run in order, so only tile 0 sees the failure
	var failed atomic.Bool
	cfg := testConfig()
	cfg.Workers = 1
	cfg.BlockDecoder = BlockDecoderFunc(func(cb *CodeBlock, dst []int32) error {
		if failed.CompareAndSwap(false, true) {
			return errors.New("bad block")
		}
		return rawDecoder{}.DecodeBlock(cb, dst)
	})
	out, err := d.Output(cfg)
	require.NoError(t, err)

	res, err := d.Decompress(context.Background(), newMemorySink(out), cfg)
	require.Error(t, err)
	assert.ErrorContains(t, err, "tile 0")
	assert.ErrorContains(t, err, "bad block")
	assert.NotErrorIs(t, err, context.Canceled)
	assert.Equal(t, 5, res.Tiles, "the other tiles still decode")
}

func TestDecompressCancelled(t *testing.T) {
	h := testHeader(10, 7, 5, 3, 1, 7, 0)
	d, err := NewDecoder(bytes.NewReader(encode(t, h, gradientBlocks(128), encodeOptions{})))
	require.NoError(t, err)
	out, err := d.Output(testConfig())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = d.Decompress(ctx, newMemorySink(out), testConfig())
	assert.ErrorIs(t, err, context.Canceled)
}

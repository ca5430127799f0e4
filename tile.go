package grok

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/pkg/errors"

	"github.com/phenopolis/grok/internal/dwt"
	"github.com/phenopolis/grok/internal/flow"
	"github.com/phenopolis/grok/internal/mct"
	"github.com/phenopolis/grok/internal/sched"
	"github.com/phenopolis/grok/internal/strip"
	"github.com/phenopolis/grok/internal/tcd"
)

// tileStats is what one tile contributes to Result.
type tileStats struct {
	packets, skipped   int
	missing, truncated bool
}

func (d *Decoder) decodeTile(ctx context.Context, p *plan, cfg *Config, index int, cache *strip.Cache) (tileStats, error) {
	if d.cs.Header.CodingStyle.IsReversible() {
		return runTile[int32](ctx, d, p, cfg, index, cache, dwt.Reversible53{})
	}
	return runTile[float32](ctx, d, p, cfg, index, cache, dwt.Irreversible97{})
}

// runTile runs packet decoding, the per-component decode graphs, the
// inverse component transform and packing for one tile, then hands the
// tile to the strip cache.
func runTile[T tcd.Sample](ctx context.Context, d *Decoder, p *plan, cfg *Config, index int,
	cache *strip.Cache, filter dwt.Filter[T]) (tileStats, error) {
	var st tileStats
	if err := ctx.Err(); err != nil {
		return st, err
	}
	h := d.cs.Header
	log := cfg.logger().With(slog.Int("tile", index))

	tile, err := tcd.NewTile(h, index)
	if err != nil {
		return st, err
	}
	area := tile.Rect.Intersect(p.area)
	bounds := p.project(area)
	if bounds.Empty() {
		// the tile is in the grid but contributes no output pixel
		return st, cache.IngestTile(strip.Tile{CanvasY0: tile.Rect.Y0})
	}

	comps := make([]*component[T], len(tile.Components))
	windows := make([]tcd.BandWindows, len(comps))
	for c, tc := range tile.Components {
		window := area.Scale(tc.Dx, tc.Dy)
		buf, err := tcd.NewWindowBuffer[T](tc.Rect, tcd.WindowBufferOptions{
			WholeTile:                  window == tc.Rect,
			Window:                     window,
			NumResolutions:             tc.NumResolutions(),
			NumResolutionsToDecompress: p.numRes,
			FilterPad:                  filter.Pad(),
			MaxSamples:                 cfg.MaxTileSamples,
		})
		if err != nil {
			return st, errors.Wrapf(err, "component %d", c)
		}
		comps[c] = &component[T]{tc: tc, buf: buf}
		windows[c] = buf
	}

	if ct := d.cs.Tiles[index]; ct == nil {
		log.Warn("tile missing from codestream")
		st.missing = true
	} else {
		t2 := tcd.NewT2Decompressor(h)
		t2.NumLayers = cfg.QualityLayers
		t2.NumResolutions = p.numRes
		t2.Windows = windows
		t2.Logger = log
		if len(ct.Lengths) > 0 {
			t2.Lengths = tcd.NewPacketLengthCache(ct.Lengths)
		}
		if len(ct.Progressions) > 0 {
			t2.Progressions = ct.Progressions
		}
		res, err := t2.Decompress(tile, ct.Data)
		if err != nil {
			return st, err
		}
		st.packets, st.skipped = res.Decoded, res.Skipped
		st.truncated = res.Stop != nil
	}

	graph := flow.NewGraph(fmt.Sprintf("tile-%d", index))
	for _, comp := range comps {
		if err := comp.buf.Alloc(); err != nil {
			return st, errors.Wrapf(err, "component %d", comp.tc.Index)
		}
		defer comp.buf.Release()
		cf := comp.flow(cfg.BlockDecoder, h.CodingStyle.CodeBlockStyle, filter)
		graph.Compose(cf.Graph().Name(), cf.Graph())
	}
	if err := (&flow.Executor{Workers: cfg.TileWorkers}).Run(ctx, graph); err != nil {
		return st, err
	}

	planes := make([][]T, len(comps))
	for c, comp := range comps {
		planes[c] = comp.plane
	}
	samples := reconstruct(planes, tile, h.CodingStyle.MultipleComponentXf)
	if cfg.ConvertToRGB && !p.signed {
		if convert := colorConversionFor(d.jp2); convert != nil {
			convert(samples, tile.Components[0].Precision)
		}
	}
	stride := bounds.Width() * len(samples) * p.bytesPerSample
	return st, cache.IngestTile(strip.Tile{
		CanvasY0: tile.Rect.Y0,
		Rect:     bounds,
		Data:     pack(samples, p.bytesPerSample),
		Stride:   stride,
	})
}

// component is the decode state of one tile-component.
type component[T tcd.Sample] struct {
	tc    *tcd.TileComponent
	buf   *tcd.WindowBuffer[T]
	plane []T
}

// flow builds the component's decode graph: one task per code-block that
// received data and lies inside the window, the wavelet passes and the
// final copy into plane.
func (c *component[T]) flow(dec BlockDecoder, style uint8, filter dwt.Filter[T]) *sched.ComponentFlow {
	cf := sched.NewComponentFlow(c.tc.Index, c.buf.NumResolutions())
	for r := 0; r < c.buf.NumResolutions(); r++ {
		for _, prc := range c.tc.Resolutions[r].Precincts() {
			for _, pb := range prc.Bands {
				o := pb.Band.Orientation
				for i, cb := range pb.CodeBlocks {
					if len(cb.Segments) == 0 {
						continue
					}
					if !c.buf.WholeTile() && !cb.Rect.Overlaps(c.buf.PaddedBandWindow(r, o)) {
						continue
					}
					blk := &CodeBlock{
						Component:     c.tc.Index,
						Resolution:    r,
						Orientation:   o,
						Rect:          cb.Rect,
						NumBPS:        pb.Band.NumBPS,
						ZeroBitPlanes: cb.ZeroBitPlanes,
						NumPasses:     cb.NumPasses,
						Segments:      cb.Segments,
						Style:         style,
					}
					step := pb.Band.StepSize
					name := fmt.Sprintf("c%d-r%d-p%d-%s-%d", c.tc.Index, r, prc.Index, o, i)
					cf.AddBlock(r, name, func(context.Context) error {
						return c.decodeBlock(dec, blk, step)
					})
				}
			}
		}
	}
	cf.AttachSynthesis(dwt.NewSynthesizer(c.buf, filter))
	cf.AttachFinalCopy(func(context.Context) error {
		b := c.buf.Bounds()
		c.plane = make([]T, b.Area())
		return dwt.CopyOut(c.buf, c.plane, b.Width())
	})
	return cf
}

func (c *component[T]) decodeBlock(dec BlockDecoder, cb *CodeBlock, step float32) error {
	coeffs := make([]int32, cb.Rect.Area())
	if err := dec.DecodeBlock(cb, coeffs); err != nil {
		return errors.Wrapf(err, "component %d code-block %s", cb.Component, cb.Rect)
	}
	samples := dequantize[T](coeffs, step)
	return c.buf.WriteCodeBlock(cb.Resolution, cb.Orientation, cb.Rect, samples, cb.Rect.Width())
}

// dequantize converts decoded indices to coefficients: unchanged for the
// reversible path, scaled by the band step for the irreversible one.
func dequantize[T tcd.Sample](src []int32, step float32) []T {
	out := make([]T, len(src))
	switch o := any(out).(type) {
	case []int32:
		copy(o, src)
	case []float32:
		for i, v := range src {
			o[i] = float32(v) * step
		}
	}
	return out
}

// reconstruct applies the inverse component transform, the DC level shift
// and the precision clamp.
func reconstruct[T tcd.Sample](planes [][]T, tile *tcd.Tile, mctFlag uint8) [][]int32 {
	out := make([][]int32, len(planes))
	apply := mct.Applies(mctFlag, len(planes), true)
	switch ps := any(planes).(type) {
	case [][]int32:
		if apply {
			mct.InverseRCT(ps[0], ps[1], ps[2])
		}
		for c, plane := range ps {
			tc := tile.Components[c]
			mct.ShiftClamp(plane, tc.Precision, tc.Signed)
			out[c] = plane
		}
	case [][]float32:
		if apply {
			mct.InverseICT(ps[0], ps[1], ps[2])
		}
		for c, plane := range ps {
			tc := tile.Components[c]
			out[c] = make([]int32, len(plane))
			mct.RoundShiftClamp(plane, out[c], tc.Precision, tc.Signed)
		}
	}
	return out
}

// pack interleaves the component planes into little-endian samples.
func pack(planes [][]int32, bytesPerSample int) []byte {
	n := len(planes[0])
	out := make([]byte, n*len(planes)*bytesPerSample)
	off := 0
	for i := 0; i < n; i++ {
		for _, plane := range planes {
			if bytesPerSample == 1 {
				out[off] = byte(plane[i])
			} else {
				binary.LittleEndian.PutUint16(out[off:], uint16(plane[i]))
			}
			off += bytesPerSample
		}
	}
	return out
}


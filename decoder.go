package grok

import (
	"bufio"
	"bytes"
	"context"
	stderrors "errors"
	"image"
	"io"
	"log/slog"
	"runtime"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/phenopolis/grok/internal/box"
	"github.com/phenopolis/grok/internal/codestream"
	"github.com/phenopolis/grok/internal/geom"
	"github.com/phenopolis/grok/internal/strip"
)

// Decoder holds a parsed JPEG 2000 stream.
type Decoder struct {
	format Format
	jp2    *box.JP2Header
	cs     *codestream.Codestream
}

// NewDecoder reads a JP2 file or raw J2K codestream from r.
func NewDecoder(r io.Reader) (*Decoder, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(2)
	if err != nil {
		return nil, errors.Wrap(err, "reading format")
	}

	d := &Decoder{format: FormatJ2K}
	var src io.Reader = br
	if soc := codestream.SOC.Bytes(); magic[0] != soc[0] || magic[1] != soc[1] {
		f, err := box.ReadJP2(br)
		if err != nil {
			return nil, errors.Wrap(err, "reading format")
		}
		d.format = FormatJP2
		d.jp2 = f.Header
		src = bytes.NewReader(f.Codestream)
	}

	if d.cs, err = codestream.Read(src); err != nil {
		return nil, errors.Wrap(err, "parsing codestream")
	}
	if d.jp2 != nil && d.jp2.ImageHeader.NumComponents != d.cs.Header.NumComponents {
		return nil, errors.Errorf("JP2 header declares %d components, codestream %d",
			d.jp2.ImageHeader.NumComponents, d.cs.Header.NumComponents)
	}
	return d, nil
}

// Metadata returns the image metadata.
func (d *Decoder) Metadata() *Metadata {
	h := d.cs.Header
	m := &Metadata{
		Format:           d.format,
		Width:            int(h.ImageWidth - h.ImageXOffset),
		Height:           int(h.ImageHeight - h.ImageYOffset),
		NumComponents:    int(h.NumComponents),
		BitsPerComponent: make([]int, h.NumComponents),
		Signed:           make([]bool, h.NumComponents),
		ColorSpace:       ColorSpaceUnspecified,
		NumResolutions:   h.CodingStyle.NumResolutions(),
		NumQualityLayers: int(h.CodingStyle.NumLayers),
		Reversible:       h.CodingStyle.IsReversible(),
		TileWidth:        int(h.TileWidth),
		TileHeight:       int(h.TileHeight),
		NumTilesX:        int(h.NumTilesX),
		NumTilesY:        int(h.NumTilesY),
	}
	for i, c := range h.ComponentInfo {
		m.BitsPerComponent[i] = c.Precision()
		m.Signed[i] = c.IsSigned()
	}
	if d.jp2 != nil && d.jp2.ColorSpec != nil && d.jp2.ColorSpec.Method == 1 {
		switch d.jp2.ColorSpec.EnumeratedColorspace {
		case box.CSSRGB:
			m.ColorSpace = ColorSpaceSRGB
		case box.CSGray:
			m.ColorSpace = ColorSpaceGray
		case box.CSsYCC, box.CSYCbCr:
			m.ColorSpace = ColorSpaceSYCC
		case box.CSCMYK:
			m.ColorSpace = ColorSpaceCMYK
		case box.CSCMY:
			m.ColorSpace = ColorSpaceCMY
		case box.CSYCbCr2, box.CSYCbCr3:
			m.ColorSpace = ColorSpaceYCbCr601
		case box.CSYPbPr1125, box.CSYPbPr1250:
			m.ColorSpace = ColorSpaceYPbPr
		case box.CSeYCC:
			m.ColorSpace = ColorSpaceEYCC
		default:
			m.ColorSpace = ColorSpaceUnknown
		}
	}
	return m
}

// plan is the geometry of one decode.
type plan struct {
	// area is the decoded region on the canvas.
	area   geom.Rect
	reduce uint
	// numRes is the number of resolutions reconstructed.
	numRes int
	dx, dy int
	// out is the output region on the reduced component grid.
	out geom.Rect
	// tile columns and rows [tx0,tx1) x [ty0,ty1) that produce output
	tx0, ty0, tx1, ty1 int
	// canvasY0 is the top canvas row of tile row ty0 within area.
	canvasY0       int
	bytesPerSample int
	signed         bool
	numComponents  int
}

func (d *Decoder) plan(cfg *Config) (*plan, error) {
	h := d.cs.Header
	first := h.ComponentInfo[0]
	p := &plan{
		dx:            int(first.SubsamplingX),
		dy:            int(first.SubsamplingY),
		signed:        first.IsSigned(),
		numComponents: int(h.NumComponents),
	}
	maxPrec := 0
	for c, ci := range h.ComponentInfo {
		if ci.SubsamplingX != first.SubsamplingX || ci.SubsamplingY != first.SubsamplingY {
			return nil, errors.Wrapf(ErrUnsupported, "component %d subsampling %dx%d differs from component 0",
				c, ci.SubsamplingX, ci.SubsamplingY)
		}
		maxPrec = max(maxPrec, ci.Precision())
	}
	switch {
	case maxPrec <= 8:
		p.bytesPerSample = 1
	case maxPrec <= 16:
		p.bytesPerSample = 2
	default:
		return nil, errors.Wrapf(ErrUnsupported, "%d-bit samples", maxPrec)
	}

	n := h.CodingStyle.NumResolutions()
	if cfg.ReduceResolution < 0 || cfg.ReduceResolution >= n {
		return nil, errors.Errorf("cannot reduce %d of %d resolutions", cfg.ReduceResolution, n)
	}
	p.reduce = uint(cfg.ReduceResolution)
	p.numRes = n - cfg.ReduceResolution

	img := h.ImageRect()
	p.area = img
	if a := cfg.DecodeArea; a != nil {
		p.area = geom.R(img.X0+a.Min.X, img.Y0+a.Min.Y, img.X0+a.Max.X, img.Y0+a.Max.Y).Intersect(img)
	}
	p.out = p.project(p.area)
	if p.out.Empty() {
		return nil, errors.Errorf("decode area %s is empty at reduction %d", p.area, p.reduce)
	}

	tw, th := int(h.TileWidth), int(h.TileHeight)
	if th < p.dy<<p.reduce && h.NumTilesY > 1 {
		return nil, errors.Wrapf(ErrUnsupported, "tile height %d below the reduction factor", th)
	}
	gx, gy := int(h.TileXOffset), int(h.TileYOffset)
	p.tx0 = (p.area.X0 - gx) / tw
	p.tx1 = geom.CeilDiv(p.area.X1-gx, tw)
	p.ty0 = (p.area.Y0 - gy) / th
	p.ty1 = geom.CeilDiv(p.area.Y1-gy, th)
	// rows clipped to nothing at the edges produce no strip
	for p.ty0 < p.ty1 && p.project(p.rowRect(h, p.ty0)).Empty() {
		p.ty0++
	}
	for p.ty1 > p.ty0 && p.project(p.rowRect(h, p.ty1-1)).Empty() {
		p.ty1--
	}
	p.canvasY0 = p.rowRect(h, p.ty0).Y0
	return p, nil
}

// project maps a canvas rectangle onto the reduced component grid.
func (p *plan) project(r geom.Rect) geom.Rect {
	return r.Scale(p.dx, p.dy).ReduceCeil(p.reduce)
}

// rowRect returns the part of the decode area covered by tile row ty.
func (p *plan) rowRect(h *codestream.Header, ty int) geom.Rect {
	y0 := int(h.TileYOffset) + ty*int(h.TileHeight)
	return geom.R(p.area.X0, y0, p.area.X1, y0+int(h.TileHeight)).Intersect(p.area)
}

func (p *plan) output() Output {
	return Output{
		Rect:           image.Rect(p.out.X0, p.out.Y0, p.out.X1, p.out.Y1),
		NumComponents:  p.numComponents,
		BytesPerSample: p.bytesPerSample,
		Signed:         p.signed,
	}
}

// Output returns the shape of the pixels Decompress produces for cfg.
func (d *Decoder) Output(cfg *Config) (Output, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	p, err := d.plan(cfg)
	if err != nil {
		return Output{}, err
	}
	return p.output(), nil
}

// Decompress decodes the configured region and writes it to sink in strips.
// Tiles decode concurrently. A tile that fails does not stop the others;
// their errors are joined once every tile has run. Cancelling ctx stops
// the tiles that have not started.
func (d *Decoder) Decompress(ctx context.Context, sink Sink, cfg *Config) (Result, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.BlockDecoder == nil {
		return Result{}, errors.New("no block decoder configured")
	}
	p, err := d.plan(cfg)
	if err != nil {
		return Result{}, err
	}
	h := d.cs.Header
	log := cfg.logger()

	cache, err := strip.NewCache(strip.Config{
		Image:          p.out,
		CanvasY0:       p.canvasY0,
		TileGridY0:     int(h.TileYOffset),
		TileHeight:     int(h.TileHeight),
		Dy:             p.dy,
		Reduce:         p.reduce,
		TilesPerStrip:  p.tx1 - p.tx0,
		NumComponents:  p.numComponents,
		BytesPerSample: p.bytesPerSample,
		MaxPoolBytes:   cfg.MaxStripBytes,
	}, sink, log)
	if err != nil {
		return Result{}, err
	}

	res := Result{Output: p.output()}
	var (
		mu       sync.Mutex
		tileErrs []error
	)
	// a failed tile does not cancel its siblings; only ctx does
	var g errgroup.Group
	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	g.SetLimit(workers)
	for ty := p.ty0; ty < p.ty1; ty++ {
		for tx := p.tx0; tx < p.tx1; tx++ {
			index := ty*int(h.NumTilesX) + tx
			g.Go(func() error {
				st, err := d.decodeTile(ctx, p, cfg, index, cache)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					log.Error("tile failed", slog.Int("tile", index), slog.Any("error", err))
					tileErrs = append(tileErrs, errors.Wrapf(err, "tile %d", index))
					return nil
				}
				res.add(st)
				return nil
			})
		}
	}
	_ = g.Wait()
	if len(tileErrs) > 0 {
		return res, stderrors.Join(tileErrs...)
	}
	if err := cache.Close(); err != nil {
		return res, err
	}
	res.Strips = cache.NumStrips()
	res.StripAllocations = cache.Allocations()
	log.Debug("decoded image",
		slog.String("region", p.out.String()),
		slog.Int("tiles", res.Tiles),
		slog.Int("strips", res.Strips))
	return res, nil
}

func (r *Result) add(st tileStats) {
	r.Tiles++
	r.Packets += st.packets
	r.SkippedPackets += st.skipped
	if st.missing {
		r.MissingTiles++
	}
	if st.truncated {
		r.TruncatedTiles++
	}
}

// Decompress reads a stream from r and decodes it to sink.
func Decompress(ctx context.Context, r io.Reader, sink Sink, cfg *Config) (Result, error) {
	d, err := NewDecoder(r)
	if err != nil {
		return Result{}, err
	}
	return d.Decompress(ctx, sink, cfg)
}

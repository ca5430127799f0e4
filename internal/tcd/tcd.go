// Package tcd implements the tile-level decode structures for JPEG 2000:
// tile geometry, the window buffers reconstruction writes into, and
// Tier-2 packet decoding.
package tcd

import (
	"github.com/pkg/errors"

	"github.com/phenopolis/grok/internal/codestream"
	"github.com/phenopolis/grok/internal/geom"
)

// Tile represents a single tile in the image.
type Tile struct {
	// Tile index
	Index int

	// Tile bounds on the canvas
	Rect geom.Rect

	// Number of quality layers coded in the tile
	NumLayers int

	Components []*TileComponent
}

// TileComponent represents a single component within a tile.
type TileComponent struct {
	// Component index
	Index int

	// Bounds on the component grid
	Rect geom.Rect

	// Subsampling factors
	Dx, Dy int

	Precision int
	Signed    bool

	// Resolution levels, lowest first
	Resolutions []*Resolution
}

// NumResolutions returns the number of resolutions coded.
func (tc *TileComponent) NumResolutions() int {
	return len(tc.Resolutions)
}

// Resolution represents a resolution level within a tile-component.
type Resolution struct {
	// Resolution level (0 = lowest)
	Level int

	// Bounds at this resolution
	Rect geom.Rect

	// LL at level 0, HL, LH and HH above
	Bands []*Band

	// Precinct partition exponents (PPx, PPy)
	PrecinctExpX, PrecinctExpY uint

	// Precinct grid dimensions
	PrecinctsX, PrecinctsY int

	tlx, tly  int // precinct grid origin in precinct units
	precincts []*Precinct
}

// Band represents a subband within a resolution level.
type Band struct {
	Orientation geom.Orientation

	// Band bounds in band coordinates
	Rect geom.Rect

	// Index in resolution order, as used by QCD step sizes
	Index int

	// Maximum number of magnitude bit-planes (Mb)
	NumBPS int

	// Quantization step size; 1 for reversible coding
	StepSize float32

	precExpX, precExpY uint
	cbExpX, cbExpY     uint
}

// Precinct groups the code-blocks of one precinct across the bands of a
// resolution.
type Precinct struct {
	Index int
	Bands []*PrecinctBand
}

// PrecinctBand is the part of a precinct inside one band.
type PrecinctBand struct {
	Band *Band

	// Bounds in band coordinates
	Rect geom.Rect

	CodeBlocksX, CodeBlocksY int
	CodeBlocks               []*CodeBlock

	// Tag trees for inclusion and zero bit-planes
	Inclusion *TagTree
	IMSB      *TagTree
}

// CodeBlock represents a code-block for entropy decoding.
type CodeBlock struct {
	// Bounds in band coordinates
	Rect geom.Rect

	// Included in an earlier layer
	Included bool

	// Number of zero bit-planes
	ZeroBitPlanes int

	// Magnitude bit-planes actually coded
	NumBPS int

	// Lblock state of the length signalling
	LenBits int

	// Coding passes received so far
	NumPasses int

	// Contributions, one per layer that included the block
	Segments []Segment
}

// Segment is the contribution of one layer to a code-block.
type Segment struct {
	Layer  int
	Passes int
	Data   []byte
}

// Data returns all received code-block bytes in layer order.
func (cb *CodeBlock) Data() []byte {
	if len(cb.Segments) == 1 {
		return cb.Segments[0].Data
	}
	n := 0
	for _, s := range cb.Segments {
		n += len(s.Data)
	}
	out := make([]byte, 0, n)
	for _, s := range cb.Segments {
		out = append(out, s.Data...)
	}
	return out
}

// NewTile builds the geometry of tile index for every component. Precinct
// and code-block structures are created lazily.
func NewTile(h *codestream.Header, index int) (*Tile, error) {
	if index < 0 || index >= h.NumTiles() {
		return nil, errors.Errorf("tcd: tile index %d out of range [0,%d)", index, h.NumTiles())
	}
	t := &Tile{
		Index:      index,
		Rect:       h.TileRect(index),
		NumLayers:  int(h.CodingStyle.NumLayers),
		Components: make([]*TileComponent, h.NumComponents),
	}
	cs := h.CodingStyle
	n := cs.NumResolutions()
	for c := range t.Components {
		info := h.ComponentInfo[c]
		tc := &TileComponent{
			Index:       c,
			Rect:        h.TileComponentRect(index, c),
			Dx:          int(info.SubsamplingX),
			Dy:          int(info.SubsamplingY),
			Precision:   info.Precision(),
			Signed:      info.IsSigned(),
			Resolutions: make([]*Resolution, n),
		}
		for r := 0; r < n; r++ {
			tc.Resolutions[r] = newResolution(h, tc, r)
		}
		t.Components[c] = tc
	}
	return t, nil
}

func newResolution(h *codestream.Header, tc *TileComponent, r int) *Resolution {
	cs := h.CodingStyle
	n := cs.NumResolutions()
	ps := cs.Precinct(r)
	res := &Resolution{
		Level:        r,
		Rect:         tc.Rect.ReduceCeil(uint(n - 1 - r)),
		PrecinctExpX: uint(ps.WidthExp),
		PrecinctExpY: uint(ps.HeightExp),
	}
	if r > 0 {
		res.PrecinctExpX = max(res.PrecinctExpX, 1)
		res.PrecinctExpY = max(res.PrecinctExpY, 1)
	}
	if !res.Rect.Empty() {
		res.tlx = geom.FloorDivPow2(res.Rect.X0, res.PrecinctExpX)
		res.tly = geom.FloorDivPow2(res.Rect.Y0, res.PrecinctExpY)
		res.PrecinctsX = geom.CeilDivPow2(res.Rect.X1, res.PrecinctExpX) - res.tlx
		res.PrecinctsY = geom.CeilDivPow2(res.Rect.Y1, res.PrecinctExpY) - res.tly
	}
	res.precincts = make([]*Precinct, res.PrecinctsX*res.PrecinctsY)

	orients := []geom.Orientation{geom.HL, geom.LH, geom.HH}
	if r == 0 {
		orients = []geom.Orientation{geom.LL}
	}
	for _, o := range orients {
		res.Bands = append(res.Bands, newBand(h, tc, res, o))
	}
	return res
}

func newBand(h *codestream.Header, tc *TileComponent, res *Resolution, o geom.Orientation) *Band {
	cs := h.CodingStyle
	n := cs.NumResolutions()
	r := res.Level
	b := &Band{Orientation: o, StepSize: 1}

	level := n - r
	if r == 0 {
		level = n - 1
		b.Rect = res.Rect
	} else {
		b.Index = 3*(r-1) + int(o)
		b.Rect = geom.BandWindow(uint(level), o, tc.Rect)
	}

	gain := 0
	switch o {
	case geom.HL, geom.LH:
		gain = 1
	case geom.HH:
		gain = 2
	}
	exp := tc.Precision + gain
	if len(h.Quantization.StepSizes) > 0 {
		step := h.Quantization.BandStep(b.Index, level, int(cs.NumDecompositions))
		exp = int(step.Exponent)
		if !cs.IsReversible() {
			b.StepSize = float32(step.Delta(tc.Precision + gain))
		}
	}
	b.NumBPS = h.Quantization.GuardBits() + exp - 1

	b.precExpX, b.precExpY = res.PrecinctExpX, res.PrecinctExpY
	if r > 0 {
		b.precExpX--
		b.precExpY--
	}
	b.cbExpX = min(uint(cs.CodeBlockWidthExp)+2, b.precExpX)
	b.cbExpY = min(uint(cs.CodeBlockHeightExp)+2, b.precExpY)
	return b
}

// NumPrecincts returns the number of precincts in the resolution.
func (r *Resolution) NumPrecincts() int {
	return r.PrecinctsX * r.PrecinctsY
}

// PrecinctBandRect returns the bounds of precinct i inside band b in band
// coordinates without creating the precinct.
func (r *Resolution) PrecinctBandRect(i int, b *Band) geom.Rect {
	px := r.tlx + i%r.PrecinctsX
	py := r.tly + i/r.PrecinctsX
	x0 := px << b.precExpX
	y0 := py << b.precExpY
	return geom.R(x0, y0, x0+1<<b.precExpX, y0+1<<b.precExpY).Intersect(b.Rect)
}

// PrecinctCreated reports whether precinct i has been materialised.
func (r *Resolution) PrecinctCreated(i int) bool {
	return r.precincts[i] != nil
}

// Precinct returns precinct i, creating its code-blocks and tag trees on
// first use.
func (r *Resolution) Precinct(i int) *Precinct {
	if p := r.precincts[i]; p != nil {
		return p
	}
	p := &Precinct{Index: i}
	for _, b := range r.Bands {
		pb := &PrecinctBand{Band: b, Rect: r.PrecinctBandRect(i, b)}
		if !pb.Rect.Empty() {
			cx0 := geom.FloorDivPow2(pb.Rect.X0, b.cbExpX)
			cy0 := geom.FloorDivPow2(pb.Rect.Y0, b.cbExpY)
			pb.CodeBlocksX = geom.CeilDivPow2(pb.Rect.X1, b.cbExpX) - cx0
			pb.CodeBlocksY = geom.CeilDivPow2(pb.Rect.Y1, b.cbExpY) - cy0
			pb.CodeBlocks = make([]*CodeBlock, 0, pb.CodeBlocksX*pb.CodeBlocksY)
			for y := 0; y < pb.CodeBlocksY; y++ {
				for x := 0; x < pb.CodeBlocksX; x++ {
					bx := (cx0 + x) << b.cbExpX
					by := (cy0 + y) << b.cbExpY
					rect := geom.R(bx, by, bx+1<<b.cbExpX, by+1<<b.cbExpY).Intersect(pb.Rect)
					pb.CodeBlocks = append(pb.CodeBlocks, &CodeBlock{Rect: rect, LenBits: 3})
				}
			}
			pb.Inclusion = NewTagTree(pb.CodeBlocksX, pb.CodeBlocksY)
			pb.IMSB = NewTagTree(pb.CodeBlocksX, pb.CodeBlocksY)
		}
		p.Bands = append(p.Bands, pb)
	}
	r.precincts[i] = p
	return p
}

// Precincts returns the precincts created so far, in index order.
func (r *Resolution) Precincts() []*Precinct {
	out := make([]*Precinct, 0, len(r.precincts))
	for _, p := range r.precincts {
		if p != nil {
			out = append(out, p)
		}
	}
	return out
}

package codestream

import (
	"math"

	"github.com/pkg/errors"

	"github.com/phenopolis/grok/internal/geom"
)

// Header carries the main header parameters needed to decode tiles.
type Header struct {
	// SIZ marker data
	ImageWidth    uint32
	ImageHeight   uint32
	ImageXOffset  uint32
	ImageYOffset  uint32
	TileWidth     uint32
	TileHeight    uint32
	TileXOffset   uint32
	TileYOffset   uint32
	NumComponents uint16
	ComponentInfo []ComponentInfo

	// Derived values
	NumTilesX uint32
	NumTilesY uint32

	// COD marker data (default coding style)
	CodingStyle CodingStyleDefault

	// QCD marker data (default quantization)
	Quantization QuantizationDefault

	ProgressionOrderChanges []ProgressionOrderChange
}

// ComponentInfo holds per-component size information from the SIZ marker.
type ComponentInfo struct {
	// Bit depth of the component (Ssiz).
	// If bit 7 is set, the component is signed.
	BitDepth uint8

	// Horizontal subsampling factor (XRsiz).
	SubsamplingX uint8

	// Vertical subsampling factor (YRsiz).
	SubsamplingY uint8
}

// Precision returns the bit precision (1-38).
func (c ComponentInfo) Precision() int {
	return int(c.BitDepth&0x7F) + 1
}

// IsSigned returns true if the component values are signed.
func (c ComponentInfo) IsSigned() bool {
	return c.BitDepth&0x80 != 0
}

// CodingStyleDefault holds data from the COD marker.
type CodingStyleDefault struct {
	// Scod: Coding style flags
	CodingStyle uint8

	// SGcod: Style for progressions
	ProgressionOrder    ProgressionOrder
	NumLayers           uint16
	MultipleComponentXf uint8

	// SPcod: Coding parameters
	NumDecompositions  uint8
	CodeBlockWidthExp  uint8
	CodeBlockHeightExp uint8
	CodeBlockStyle     uint8
	WaveletTransform   uint8

	// Precinct sizes, lowest resolution first. Empty means 2^15 everywhere.
	PrecinctSizes []PrecinctSize
}

// CodeBlockWidth returns the nominal code block width.
func (c CodingStyleDefault) CodeBlockWidth() int {
	return 1 << (c.CodeBlockWidthExp + 2)
}

// CodeBlockHeight returns the nominal code block height.
func (c CodingStyleDefault) CodeBlockHeight() int {
	return 1 << (c.CodeBlockHeightExp + 2)
}

// NumResolutions returns the number of resolution levels.
func (c CodingStyleDefault) NumResolutions() int {
	return int(c.NumDecompositions) + 1
}

// IsReversible returns true if the 5-3 reversible wavelet is used.
func (c CodingStyleDefault) IsReversible() bool {
	return c.WaveletTransform == 1
}

// Precinct returns the precinct exponents for resolution r.
func (c CodingStyleDefault) Precinct(r int) PrecinctSize {
	if c.CodingStyle&CodingStylePrecincts == 0 || len(c.PrecinctSizes) == 0 {
		return PrecinctSize{WidthExp: 15, HeightExp: 15}
	}
	if r >= len(c.PrecinctSizes) {
		return c.PrecinctSizes[len(c.PrecinctSizes)-1]
	}
	return c.PrecinctSizes[r]
}

// UsesSOP reports whether packets may start with an SOP marker segment.
func (c CodingStyleDefault) UsesSOP() bool {
	return c.CodingStyle&CodingStyleSOP != 0
}

// UsesEPH reports whether packet headers end with an EPH marker.
func (c CodingStyleDefault) UsesEPH() bool {
	return c.CodingStyle&CodingStyleEPH != 0
}

// PrecinctSize holds the precinct dimensions for a resolution level.
type PrecinctSize struct {
	WidthExp  uint8 // PPx: width exponent
	HeightExp uint8 // PPy: height exponent
}

// Width returns the precinct width.
func (p PrecinctSize) Width() int {
	return 1 << p.WidthExp
}

// Height returns the precinct height.
func (p PrecinctSize) Height() int {
	return 1 << p.HeightExp
}

// QuantizationDefault holds data from the QCD marker.
type QuantizationDefault struct {
	// Sqcd: Quantization style and guard bits
	QuantizationStyle uint8
	NumGuardBits      uint8

	// SPqcd: one entry per sub-band in resolution order (LL, then HL, LH,
	// HH per level), or a single entry for scalar derived.
	StepSizes []StepSize
}

// Quantization style values.
const (
	QuantizationNone            uint8 = 0x00
	QuantizationScalarDerived   uint8 = 0x01
	QuantizationScalarExpounded uint8 = 0x02
)

// GuardBits returns the number of guard bits.
func (q QuantizationDefault) GuardBits() int {
	return int(q.NumGuardBits)
}

// StepSize represents a quantization step size.
type StepSize struct {
	Mantissa uint16 // 11-bit mantissa
	Exponent uint8  // 5-bit exponent
}

// Delta returns the quantization step for a sub-band of nominal dynamic
// range rb bits (equation E-3).
func (s StepSize) Delta(rb int) float64 {
	return (1 + float64(s.Mantissa)/2048) * math.Ldexp(1, rb-int(s.Exponent))
}

// BandStep returns the step size for the band with the given index in
// resolution order (0 is the lowest LL). level is the decomposition level
// of the band and numDecomps the total number of levels. Scalar derived
// quantization scales the single signalled exponent (equation E-5).
func (q QuantizationDefault) BandStep(index, level, numDecomps int) StepSize {
	if len(q.StepSizes) == 0 {
		return StepSize{}
	}
	if q.QuantizationStyle == QuantizationScalarDerived {
		base := q.StepSizes[0]
		exp := int(base.Exponent) - numDecomps + level
		if exp < 0 {
			exp = 0
		}
		return StepSize{Mantissa: base.Mantissa, Exponent: uint8(exp)}
	}
	if index >= len(q.StepSizes) {
		return q.StepSizes[len(q.StepSizes)-1]
	}
	return q.StepSizes[index]
}

// ProgressionOrderChange holds one entry of a POC marker.
type ProgressionOrderChange struct {
	ResolutionStart  uint8
	ComponentStart   uint16
	LayerEnd         uint16
	ResolutionEnd    uint8
	ComponentEnd     uint16
	ProgressionOrder ProgressionOrder
}

// Validate checks the header for consistency.
func (h *Header) Validate() error {
	if h.ImageWidth <= h.ImageXOffset || h.ImageHeight <= h.ImageYOffset {
		return errors.Errorf("invalid image dimensions: %dx%d at (%d,%d)",
			h.ImageWidth, h.ImageHeight, h.ImageXOffset, h.ImageYOffset)
	}

	if h.TileWidth == 0 || h.TileHeight == 0 {
		return errors.Errorf("invalid tile dimensions: %dx%d", h.TileWidth, h.TileHeight)
	}

	if h.TileXOffset > h.ImageXOffset || h.TileYOffset > h.ImageYOffset ||
		h.TileXOffset+h.TileWidth <= h.ImageXOffset || h.TileYOffset+h.TileHeight <= h.ImageYOffset {
		return errors.Errorf("tile origin (%d,%d) does not cover image origin (%d,%d)",
			h.TileXOffset, h.TileYOffset, h.ImageXOffset, h.ImageYOffset)
	}

	if h.NumComponents == 0 || h.NumComponents > 16384 {
		return errors.Errorf("invalid number of components: %d", h.NumComponents)
	}

	if len(h.ComponentInfo) != int(h.NumComponents) {
		return errors.Errorf("component info mismatch: expected %d, got %d",
			h.NumComponents, len(h.ComponentInfo))
	}

	for i, comp := range h.ComponentInfo {
		if comp.SubsamplingX == 0 || comp.SubsamplingY == 0 {
			return errors.Errorf("component %d: invalid subsampling: %dx%d",
				i, comp.SubsamplingX, comp.SubsamplingY)
		}
		prec := comp.Precision()
		if prec < 1 || prec > 38 {
			return errors.Errorf("component %d: invalid precision: %d", i, prec)
		}
	}

	if h.CodingStyle.NumDecompositions > 32 {
		return errors.Errorf("invalid number of decompositions: %d", h.CodingStyle.NumDecompositions)
	}
	if h.CodingStyle.CodeBlockWidthExp+h.CodingStyle.CodeBlockHeightExp > 8 {
		return errors.Errorf("invalid code-block size: %dx%d",
			h.CodingStyle.CodeBlockWidth(), h.CodingStyle.CodeBlockHeight())
	}
	if h.CodingStyle.NumLayers == 0 {
		return errors.New("number of layers must be positive")
	}

	return nil
}

// CalculateDerivedValues computes values derived from the main header.
func (h *Header) CalculateDerivedValues() {
	if h.TileWidth > 0 {
		h.NumTilesX = (h.ImageWidth - h.TileXOffset + h.TileWidth - 1) / h.TileWidth
	}
	if h.TileHeight > 0 {
		h.NumTilesY = (h.ImageHeight - h.TileYOffset + h.TileHeight - 1) / h.TileHeight
	}
}

// ImageRect returns the image area on the reference grid.
func (h *Header) ImageRect() geom.Rect {
	return geom.R(int(h.ImageXOffset), int(h.ImageYOffset), int(h.ImageWidth), int(h.ImageHeight))
}

// NumTiles returns the number of tiles in the image.
func (h *Header) NumTiles() int {
	return int(h.NumTilesX * h.NumTilesY)
}

// TileRect returns the canvas area of tile index i, clipped to the image.
func (h *Header) TileRect(i int) geom.Rect {
	p := i % int(h.NumTilesX)
	q := i / int(h.NumTilesX)
	x0 := int(h.TileXOffset) + p*int(h.TileWidth)
	y0 := int(h.TileYOffset) + q*int(h.TileHeight)
	return geom.R(x0, y0, x0+int(h.TileWidth), y0+int(h.TileHeight)).Intersect(h.ImageRect())
}

// TileComponentRect returns the area of component c in tile i on the
// component's own grid.
func (h *Header) TileComponentRect(i, c int) geom.Rect {
	ci := h.ComponentInfo[c]
	return h.TileRect(i).Scale(int(ci.SubsamplingX), int(ci.SubsamplingY))
}

// Progressions returns the progression volumes for a tile: one per POC
// entry, or the whole tile in the COD order when no POC is present.
func (h *Header) Progressions() []ProgressionOrderChange {
	if len(h.ProgressionOrderChanges) > 0 {
		return h.ProgressionOrderChanges
	}
	return []ProgressionOrderChange{{
		ResolutionStart:  0,
		ComponentStart:   0,
		LayerEnd:         h.CodingStyle.NumLayers,
		ResolutionEnd:    uint8(h.CodingStyle.NumResolutions()),
		ComponentEnd:     h.NumComponents,
		ProgressionOrder: h.CodingStyle.ProgressionOrder,
	}}
}

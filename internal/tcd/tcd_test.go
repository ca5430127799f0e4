package tcd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phenopolis/grok/internal/codestream"
	"github.com/phenopolis/grok/internal/geom"
)

// testHeader returns a single-tile, single-component 8-bit header.
func testHeader(size uint32, decomps uint8, precincts []codestream.PrecinctSize) *codestream.Header {
	h := &codestream.Header{
		ImageWidth:    size,
		ImageHeight:   size,
		TileWidth:     size,
		TileHeight:    size,
		NumComponents: 1,
		ComponentInfo: []codestream.ComponentInfo{{BitDepth: 7, SubsamplingX: 1, SubsamplingY: 1}},
		CodingStyle: codestream.CodingStyleDefault{
			ProgressionOrder:   codestream.LRCP,
			NumLayers:          1,
			NumDecompositions:  decomps,
			CodeBlockWidthExp:  2,
			CodeBlockHeightExp: 2,
			WaveletTransform:   1,
			PrecinctSizes:      precincts,
		},
		Quantization: codestream.QuantizationDefault{NumGuardBits: 2},
	}
	if len(precincts) > 0 {
		h.CodingStyle.CodingStyle |= codestream.CodingStylePrecincts
	}
	h.CalculateDerivedValues()
	return h
}

func TestNewTileGeometry(t *testing.T) {
	h := testHeader(64, 2, nil)
	require.NoError(t, h.Validate())

	tile, err := NewTile(h, 0)
	require.NoError(t, err)
	assert.Equal(t, geom.R(0, 0, 64, 64), tile.Rect)
	assert.Equal(t, 1, tile.NumLayers)
	require.Len(t, tile.Components, 1)

	tc := tile.Components[0]
	require.Equal(t, 3, tc.NumResolutions())
	assert.Equal(t, 8, tc.Precision)
	assert.False(t, tc.Signed)

	wantRes := []geom.Rect{geom.R(0, 0, 16, 16), geom.R(0, 0, 32, 32), geom.R(0, 0, 64, 64)}
	for r, res := range tc.Resolutions {
		assert.Equal(t, r, res.Level)
		assert.Equal(t, wantRes[r], res.Rect)
		assert.Equal(t, 1, res.NumPrecincts(), "default precincts span the tile")
	}

	r0 := tc.Resolutions[0]
	require.Len(t, r0.Bands, 1)
	assert.Equal(t, geom.LL, r0.Bands[0].Orientation)
	assert.Equal(t, 0, r0.Bands[0].Index)
	assert.Equal(t, 2+8-1, r0.Bands[0].NumBPS)

	r2 := tc.Resolutions[2]
	require.Len(t, r2.Bands, 3)
	for i, o := range []geom.Orientation{geom.HL, geom.LH, geom.HH} {
		b := r2.Bands[i]
		assert.Equal(t, o, b.Orientation)
		assert.Equal(t, 4+i, b.Index)
		assert.Equal(t, geom.R(0, 0, 32, 32), b.Rect)
		assert.Equal(t, float32(1), b.StepSize)
	}
	assert.Equal(t, 2+9-1, r2.Bands[0].NumBPS)
	assert.Equal(t, 2+10-1, r2.Bands[2].NumBPS)

	_, err = NewTile(h, 1)
	assert.Error(t, err)
}

func TestPrecinctCreation(t *testing.T) {
	h := testHeader(16, 1, []codestream.PrecinctSize{{WidthExp: 3, HeightExp: 3}, {WidthExp: 3, HeightExp: 3}})
	tile, err := NewTile(h, 0)
	require.NoError(t, err)
	tc := tile.Components[0]

	r0 := tc.Resolutions[0]
	assert.Equal(t, 1, r0.NumPrecincts())
	r1 := tc.Resolutions[1]
	assert.Equal(t, 2, r1.PrecinctsX)
	assert.Equal(t, 2, r1.PrecinctsY)

	hl := r1.Bands[0]
	assert.Equal(t, geom.R(4, 0, 8, 4), r1.PrecinctBandRect(1, hl))
	assert.Equal(t, geom.R(4, 4, 8, 8), r1.PrecinctBandRect(3, hl))
	assert.False(t, r1.PrecinctCreated(1))
	assert.Empty(t, r1.Precincts())

	p := r1.Precinct(1)
	assert.True(t, r1.PrecinctCreated(1))
	assert.Same(t, p, r1.Precinct(1))
	require.Len(t, p.Bands, 3)
	for _, pb := range p.Bands {
		assert.Equal(t, 1, pb.CodeBlocksX)
		assert.Equal(t, 1, pb.CodeBlocksY)
		require.Len(t, pb.CodeBlocks, 1)
		assert.Equal(t, geom.R(4, 0, 8, 4), pb.CodeBlocks[0].Rect)
		assert.NotNil(t, pb.Inclusion)
		assert.NotNil(t, pb.IMSB)
	}
	assert.Len(t, r1.Precincts(), 1)

	p0 := r0.Precinct(0)
	require.Len(t, p0.Bands, 1)
	// code-blocks are capped at the precinct size
	assert.Equal(t, 1, p0.Bands[0].CodeBlocksX)
	assert.Equal(t, geom.R(0, 0, 8, 8), p0.Bands[0].CodeBlocks[0].Rect)
}

func TestCodeBlockData(t *testing.T) {
	cb := &CodeBlock{}
	assert.Empty(t, cb.Data())
	cb.Segments = []Segment{{Layer: 0, Passes: 1, Data: []byte{1, 2}}}
	assert.Equal(t, []byte{1, 2}, cb.Data())
	cb.Segments = append(cb.Segments, Segment{Layer: 1, Passes: 2, Data: []byte{3}})
	assert.Equal(t, []byte{1, 2, 3}, cb.Data())
}

func TestIrreversibleStepSize(t *testing.T) {
	h := testHeader(32, 1, nil)
	h.CodingStyle.WaveletTransform = 0
	h.Quantization.QuantizationStyle = codestream.QuantizationScalarExpounded
	h.Quantization.StepSizes = []codestream.StepSize{
		{Mantissa: 0, Exponent: 8},
		{Mantissa: 1024, Exponent: 9},
		{Mantissa: 0, Exponent: 9},
		{Mantissa: 0, Exponent: 10},
	}
	tile, err := NewTile(h, 0)
	require.NoError(t, err)
	hl := tile.Components[0].Resolutions[1].Bands[0]
	assert.Equal(t, 2+9-1, hl.NumBPS)
	// (1 + 1024/2048) * 2^(9-9)
	assert.InDelta(t, 1.5, hl.StepSize, 1e-6)
}

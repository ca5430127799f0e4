// Package grok decodes regions of tiled JPEG 2000 images and streams the
// result to a sink one strip at a time, so that memory stays bounded by a
// few rows of tiles rather than the whole image.
//
// Basic usage:
//
//	d, err := grok.NewDecoder(file)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	cfg := grok.DefaultConfig()
//	out, _ := d.Output(cfg)
//	tif, _ := grok.NewTIFFSink(dst, out, 64)
//	if _, err := d.Decompress(ctx, tif, cfg); err != nil {
//	    log.Fatal(err)
//	}
//	err = tif.Close()
//
// Entropy decoding of code-blocks goes through Config.BlockDecoder, which
// defaults to the built-in T1Decoder.
package grok

import (
	"image"
	"log/slog"

	"github.com/phenopolis/grok/internal/codestream"
	"github.com/phenopolis/grok/internal/geom"
	"github.com/phenopolis/grok/internal/strip"
	"github.com/phenopolis/grok/internal/tcd"
)

// Format constants for JPEG 2000 file formats.
const (
	// FormatJ2K is the raw codestream format (no file wrapper).
	FormatJ2K Format = iota
	// FormatJP2 is the JP2 file format with metadata boxes.
	FormatJP2
)

// Format represents a JPEG 2000 file format.
type Format int

// String returns the string representation of the format.
func (f Format) String() string {
	switch f {
	case FormatJ2K:
		return "J2K"
	case FormatJP2:
		return "JP2"
	default:
		return "Unknown"
	}
}

// ColorSpace is the colour space signalled by a JP2 colr box.
type ColorSpace int

const (
	// ColorSpaceUnknown is an enumerated value the decoder does not know.
	ColorSpaceUnknown ColorSpace = iota - 1
	// ColorSpaceUnspecified is reported for raw codestreams and ICC profiles.
	ColorSpaceUnspecified
	ColorSpaceSRGB
	ColorSpaceGray
	ColorSpaceSYCC
	ColorSpaceCMYK
	ColorSpaceCMY
	// ColorSpaceYCbCr601 covers the BT.601 YCbCr(2) and YCbCr(3) spaces.
	ColorSpaceYCbCr601
	ColorSpaceYPbPr
	ColorSpaceEYCC
)

// ErrUnsupported is returned for streams using features the decoder does
// not implement.
var ErrUnsupported = codestream.ErrUnsupported

// Strip is a finished band of output rows handed to a Sink.
type Strip = strip.Buf

// Sink consumes strips in top-to-bottom order. A sink that keeps strip data
// after Serialize returns implements ReclaimRegistrar.
type Sink = strip.Sink

// ReclaimRegistrar is implemented by sinks that return strips asynchronously.
type ReclaimRegistrar = strip.ReclaimRegistrar

// CodeBlock is the input of one entropy decoding call.
type CodeBlock struct {
	Component   int
	Resolution  int
	Orientation geom.Orientation
	// Rect is the code-block area in band coordinates.
	Rect geom.Rect
	// NumBPS is the number of magnitude bit-planes of the band (Mb).
	NumBPS int
	// ZeroBitPlanes is the number of missing most significant bit-planes.
	ZeroBitPlanes int
	// NumPasses is the number of coding passes received.
	NumPasses int
	// Segments holds the received bytes per quality layer.
	Segments []tcd.Segment
	// Style is the code-block style byte of the COD segment.
	Style uint8
}

// Data returns the received code-block bytes in layer order.
func (cb *CodeBlock) Data() []byte {
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

// BlockDecoder entropy decodes one code-block into dst, which holds
// Rect.Width()*Rect.Height() samples in row order. Decoded values are
// signed quantization indices. DecodeBlock is called concurrently.
type BlockDecoder interface {
	DecodeBlock(cb *CodeBlock, dst []int32) error
}

// BlockDecoderFunc adapts a function to BlockDecoder.
type BlockDecoderFunc func(cb *CodeBlock, dst []int32) error

// DecodeBlock calls f.
func (f BlockDecoderFunc) DecodeBlock(cb *CodeBlock, dst []int32) error { return f(cb, dst) }

// Config holds the decoding configuration.
type Config struct {
	// DecodeArea specifies a region to decode relative to the image origin
	// (nil for full image).
	DecodeArea *image.Rectangle

	// ReduceResolution specifies the number of resolution levels to skip.
	// 0 means full resolution, 1 means half resolution, etc.
	ReduceResolution int

	// QualityLayers specifies the number of quality layers to decode.
	// 0 means all layers.
	QualityLayers int

	// Workers bounds the number of tiles decoded at once. 0 means
	// GOMAXPROCS.
	Workers int

	// TileWorkers bounds the goroutines running one tile's task graph.
	// 0 means GOMAXPROCS.
	TileWorkers int

	// MaxTileSamples bounds the coefficient memory of one tile-component.
	MaxTileSamples uint64

	// MaxStripBytes bounds the memory held by assembled strips.
	MaxStripBytes uint64

	// ConvertToRGB converts JP2 images in a YCbCr or CMY colour space to
	// sRGB after the inverse component transform.
	ConvertToRGB bool

	// BlockDecoder decodes code-blocks. DefaultConfig sets T1Decoder.
	BlockDecoder BlockDecoder

	Logger *slog.Logger
}

// DefaultConfig returns the default decoding configuration.
func DefaultConfig() *Config {
	return &Config{BlockDecoder: T1Decoder{}, Logger: slog.Default()}
}

func (c *Config) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

// Metadata contains image metadata read from the headers.
type Metadata struct {
	// Format is the detected file format.
	Format Format

	// Width is the image width in pixels.
	Width int

	// Height is the image height in pixels.
	Height int

	// NumComponents is the number of color components.
	NumComponents int

	// BitsPerComponent is the bit depth for each component.
	BitsPerComponent []int

	// Signed indicates whether each component uses signed values.
	Signed []bool

	// ColorSpace is the detected color space.
	ColorSpace ColorSpace

	// NumResolutions is the number of resolution levels.
	NumResolutions int

	// NumQualityLayers is the number of quality layers.
	NumQualityLayers int

	// Reversible is set for the 5/3 wavelet.
	Reversible bool

	// TileWidth is the tile width.
	TileWidth int

	// TileHeight is the tile height.
	TileHeight int

	// NumTilesX is the number of tiles horizontally.
	NumTilesX int

	// NumTilesY is the number of tiles vertically.
	NumTilesY int
}

// Output describes the pixels a decode with a given Config produces.
type Output struct {
	// Rect is the output region on the reduced component grid.
	Rect image.Rectangle
	// NumComponents samples per pixel, interleaved.
	NumComponents int
	// BytesPerSample is 1 up to 8-bit precision, 2 up to 16-bit, stored
	// little-endian.
	BytesPerSample int
	// Signed samples are stored in two's complement.
	Signed bool
}

// Result summarises a decode.
type Result struct {
	Output Output
	// Tiles is the number of tiles decoded.
	Tiles int
	// MissingTiles counts tiles absent from the stream, rendered without
	// coefficients.
	MissingTiles int
	// TruncatedTiles counts tiles whose packet decoding stopped early.
	TruncatedTiles int
	// Packets counts decoded packets; SkippedPackets those passed over.
	Packets        int
	SkippedPackets int
	// Strips is the number of strips written to the sink.
	Strips int
	// StripAllocations counts strip buffers allocated by the pool.
	StripAllocations int
}

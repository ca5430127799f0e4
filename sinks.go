package grok

import (
	"io"

	"github.com/klauspost/compress/zstd"

	"github.com/phenopolis/grok/internal/sink"
)

func (o Output) layout() sink.Layout {
	return sink.Layout{
		Width:          o.Rect.Dx(),
		Height:         o.Rect.Dy(),
		NumComponents:  o.NumComponents,
		BytesPerSample: o.BytesPerSample,
		Signed:         o.Signed,
	}
}

// NewTIFFSink returns a sink writing a deflate compressed TIFF of the given
// output with rowsPerStrip rows per TIFF strip. Close must be called after
// Decompress returns.
func NewTIFFSink(w io.WriteSeeker, o Output, rowsPerStrip int) (*sink.TIFF, error) {
	return sink.NewTIFF(w, o.layout(), rowsPerStrip)
}

// NewZstdSink returns a sink writing every strip as one zstd frame.
func NewZstdSink(w io.Writer, opts ...zstd.EOption) (*sink.Zstd, error) {
	return sink.NewZstd(w, opts...)
}

// NewDigestSink returns a sink hashing the decoded pixels.
func NewDigestSink() *sink.Digest {
	return sink.NewDigest()
}

// Package sink holds consumers of assembled strips: a TIFF writer, a zstd
// spool and a digest.
package sink

import (
	"github.com/pkg/errors"

	"github.com/phenopolis/grok/internal/strip"
)

// Layout describes the packed pixels a sink receives.
type Layout struct {
	Width, Height  int
	NumComponents  int
	BytesPerSample int
	Signed         bool
}

// RowBytes returns the size of one packed row.
func (l Layout) RowBytes() int {
	return l.Width * l.NumComponents * l.BytesPerSample
}

func (l Layout) validate() error {
	switch {
	case l.Width <= 0 || l.Height <= 0:
		return errors.Errorf("sink: invalid size %dx%d", l.Width, l.Height)
	case l.NumComponents <= 0:
		return errors.Errorf("sink: invalid component count %d", l.NumComponents)
	case l.BytesPerSample != 1 && l.BytesPerSample != 2:
		return errors.Errorf("sink: unsupported sample size %d", l.BytesPerSample)
	}
	return nil
}

func (l Layout) check(b strip.Buf) error {
	if want := b.Rect.Height() * l.RowBytes(); len(b.Data) != want {
		return errors.Errorf("sink: strip %d holds %d bytes, want %d", b.Index, len(b.Data), want)
	}
	return nil
}

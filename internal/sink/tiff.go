package sink

import (
	"bytes"
	"encoding/binary"
	"io"
	"sync"

	"github.com/klauspost/compress/zlib"
	"github.com/pkg/errors"

	"github.com/phenopolis/grok/internal/strip"
)

// TIFF tags and values written by the TIFF sink.
const (
	tagImageWidth      = 256
	tagImageLength     = 257
	tagBitsPerSample   = 258
	tagCompression     = 259
	tagPhotometric     = 262
	tagStripOffsets    = 273
	tagSamplesPerPixel = 277
	tagRowsPerStrip    = 278
	tagStripByteCounts = 279
	tagPlanarConfig    = 284
	tagExtraSamples    = 338
	tagSampleFormat    = 339

	typeShort = 3
	typeLong  = 4

	compressionDeflate = 8
)

// TIFF writes strips as a little-endian baseline TIFF with deflate
// compressed strips of a fixed height.
type TIFF struct {
	w            io.WriteSeeker
	layout       Layout
	rowsPerStrip int
	reclaim      func(strip.Buf) error

	mu      sync.Mutex
	pending []byte
	rows    int
	pos     int64
	offsets []uint32
	counts  []uint32
	buf     bytes.Buffer
	zw      *zlib.Writer
	closed  bool
}

// NewTIFF writes the file header to w and returns a sink for an image of
// the given layout.
func NewTIFF(w io.WriteSeeker, l Layout, rowsPerStrip int) (*TIFF, error) {
	if err := l.validate(); err != nil {
		return nil, err
	}
	if rowsPerStrip <= 0 {
		return nil, errors.Errorf("sink: invalid rows per strip %d", rowsPerStrip)
	}
	header := []byte{'I', 'I', 42, 0, 0, 0, 0, 0}
	if _, err := w.Write(header); err != nil {
		return nil, errors.Wrap(err, "write TIFF header")
	}
	t := &TIFF{w: w, layout: l, rowsPerStrip: rowsPerStrip, pos: int64(len(header))}
	t.zw = zlib.NewWriter(&t.buf)
	return t, nil
}

// RegisterReclaim implements strip.ReclaimRegistrar.
func (t *TIFF) RegisterReclaim(fn func(strip.Buf) error) { t.reclaim = fn }

// Serialize appends the rows of b. Strip data is copied, so b is handed
// back for reuse before Serialize returns.
func (t *TIFF) Serialize(b strip.Buf) error {
	if err := t.layout.check(b); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.New("sink: TIFF already closed")
	}
	if t.rows+b.Rect.Height() > t.layout.Height {
		return errors.Errorf("sink: strip %d overflows the image height %d", b.Index, t.layout.Height)
	}
	t.pending = append(t.pending, b.Data...)
	t.rows += b.Rect.Height()
	if t.reclaim != nil {
		if err := t.reclaim(b); err != nil {
			return err
		}
	}

	n := t.rowsPerStrip * t.layout.RowBytes()
	for len(t.pending) >= n {
		if err := t.writeStrip(t.pending[:n]); err != nil {
			return err
		}
		t.pending = t.pending[:copy(t.pending, t.pending[n:])]
	}
	return nil
}

func (t *TIFF) writeStrip(rows []byte) error {
	t.buf.Reset()
	t.zw.Reset(&t.buf)
	if _, err := t.zw.Write(rows); err != nil {
		return errors.Wrap(err, "deflate strip")
	}
	if err := t.zw.Close(); err != nil {
		return errors.Wrap(err, "deflate strip")
	}
	if _, err := t.w.Write(t.buf.Bytes()); err != nil {
		return errors.Wrap(err, "write strip")
	}
	t.offsets = append(t.offsets, uint32(t.pos))
	t.counts = append(t.counts, uint32(t.buf.Len()))
	t.pos += int64(t.buf.Len())
	return nil
}

type ifdEntry struct {
	tag, typ uint16
	values   []uint32
}

func (e ifdEntry) encode() []byte {
	var out []byte
	for _, v := range e.values {
		if e.typ == typeShort {
			out = binary.LittleEndian.AppendUint16(out, uint16(v))
		} else {
			out = binary.LittleEndian.AppendUint32(out, v)
		}
	}
	return out
}

// Close flushes the last strip and writes the image file directory.
func (t *TIFF) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if t.rows != t.layout.Height {
		return errors.Errorf("sink: TIFF got %d of %d rows", t.rows, t.layout.Height)
	}
	if len(t.pending) > 0 {
		if err := t.writeStrip(t.pending); err != nil {
			return err
		}
		t.pending = nil
	}

	l := t.layout
	spp := uint32(l.NumComponents)
	repeat := func(v uint32) []uint32 {
		out := make([]uint32, spp)
		for i := range out {
			out[i] = v
		}
		return out
	}
	photometric := uint32(1)
	if spp >= 3 {
		photometric = 2
	}
	entries := []ifdEntry{
		{tagImageWidth, typeLong, []uint32{uint32(l.Width)}},
		{tagImageLength, typeLong, []uint32{uint32(l.Height)}},
		{tagBitsPerSample, typeShort, repeat(uint32(8 * l.BytesPerSample))},
		{tagCompression, typeShort, []uint32{compressionDeflate}},
		{tagPhotometric, typeShort, []uint32{photometric}},
		{tagStripOffsets, typeLong, t.offsets},
		{tagSamplesPerPixel, typeShort, []uint32{spp}},
		{tagRowsPerStrip, typeLong, []uint32{uint32(t.rowsPerStrip)}},
		{tagStripByteCounts, typeLong, t.counts},
		{tagPlanarConfig, typeShort, []uint32{1}},
	}
	switch {
	case spp == 2 || spp == 4:
		entries = append(entries, ifdEntry{tagExtraSamples, typeShort, []uint32{2}})
	case spp > 4:
		entries = append(entries, ifdEntry{tagExtraSamples, typeShort, make([]uint32, spp-3)})
	}
	if l.Signed {
		entries = append(entries, ifdEntry{tagSampleFormat, typeShort, repeat(2)})
	}

	if t.pos%2 == 1 {
		if _, err := t.w.Write([]byte{0}); err != nil {
			return errors.Wrap(err, "write IFD")
		}
		t.pos++
	}
	ifdStart := t.pos
	extra := ifdStart + int64(2+12*len(entries)+4)
	ifd := binary.LittleEndian.AppendUint16(nil, uint16(len(entries)))
	var tail []byte
	for _, e := range entries {
		ifd = binary.LittleEndian.AppendUint16(ifd, e.tag)
		ifd = binary.LittleEndian.AppendUint16(ifd, e.typ)
		ifd = binary.LittleEndian.AppendUint32(ifd, uint32(len(e.values)))
		data := e.encode()
		if len(data) <= 4 {
			ifd = append(ifd, data...)
			ifd = append(ifd, make([]byte, 4-len(data))...)
			continue
		}
		ifd = binary.LittleEndian.AppendUint32(ifd, uint32(extra+int64(len(tail))))
		tail = append(tail, data...)
	}
	ifd = binary.LittleEndian.AppendUint32(ifd, 0)
	if _, err := t.w.Write(append(ifd, tail...)); err != nil {
		return errors.Wrap(err, "write IFD")
	}

	if _, err := t.w.Seek(4, io.SeekStart); err != nil {
		return errors.Wrap(err, "seek to IFD offset")
	}
	if _, err := t.w.Write(binary.LittleEndian.AppendUint32(nil, uint32(ifdStart))); err != nil {
		return errors.Wrap(err, "write IFD offset")
	}
	_, err := t.w.Seek(0, io.SeekEnd)
	return errors.Wrap(err, "seek to end")
}

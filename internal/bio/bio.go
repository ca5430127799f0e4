// Package bio provides bit-level I/O for JPEG 2000 packet headers.
package bio

import (
	"io"

	"github.com/pkg/errors"
)

// Reader reads bits MSB first from an in-memory packet header. A byte that
// follows 0xFF carries only seven bits; its most significant bit is the
// stuffed zero and is skipped.
type Reader struct {
	data []byte
	pos  int  // next unread byte
	buf  byte // current byte
	cnt  uint8
}

// NewReader creates a bit reader over data.
func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

// ReadBit reads a single bit. Running out of bytes yields
// io.ErrUnexpectedEOF.
func (r *Reader) ReadBit() (uint32, error) {
	if r.cnt == 0 {
		if r.pos >= len(r.data) {
			return 0, io.ErrUnexpectedEOF
		}
		if r.pos > 0 && r.data[r.pos-1] == 0xFF {
			r.cnt = 7
		} else {
			r.cnt = 8
		}
		r.buf = r.data[r.pos]
		r.pos++
	}
	r.cnt--
	return uint32(r.buf>>r.cnt) & 1, nil
}

// ReadBits reads n bits (0-32) and returns them right-aligned.
func (r *Reader) ReadBits(n uint) (uint32, error) {
	var v uint32
	for i := uint(0); i < n; i++ {
		bit, err := r.ReadBit()
		if err != nil {
			return 0, err
		}
		v = v<<1 | bit
	}
	return v, nil
}

// Align discards the rest of the current byte. When the last byte read was
// 0xFF the following stuffing byte is consumed as well.
func (r *Reader) Align() error {
	r.cnt = 0
	if r.pos > 0 && r.data[r.pos-1] == 0xFF {
		if r.pos >= len(r.data) {
			return io.ErrUnexpectedEOF
		}
		r.pos++
	}
	return nil
}

// Pos returns the number of bytes consumed so far, counting a partially
// read byte as consumed.
func (r *Reader) Pos() int {
	return r.pos
}

// Writer accumulates bits MSB first with the same stuffing rule as Reader.
type Writer struct {
	out []byte
	buf byte
	cnt uint8
}

// NewWriter creates an empty bit writer.
func NewWriter() *Writer {
	return &Writer{}
}

func (w *Writer) capacity() uint8 {
	if n := len(w.out); n > 0 && w.out[n-1] == 0xFF {
		return 7
	}
	return 8
}

// WriteBit writes the low bit of bit.
func (w *Writer) WriteBit(bit uint32) {
	w.buf = w.buf<<1 | byte(bit&1)
	w.cnt++
	if w.cnt == w.capacity() {
		w.emit()
	}
}

// WriteBits writes the low n bits of v, most significant first.
func (w *Writer) WriteBits(v uint32, n uint) {
	for i := n; i > 0; i-- {
		w.WriteBit(v >> (i - 1))
	}
}

func (w *Writer) emit() {
	w.out = append(w.out, w.buf)
	w.buf = 0
	w.cnt = 0
}

// Flush pads the current byte with zeros. If the final byte is 0xFF a zero
// byte is appended so that a reader's Align lands after the header.
func (w *Writer) Flush() {
	if w.cnt > 0 {
		w.buf <<= w.capacity() - w.cnt
		w.emit()
	}
	if n := len(w.out); n > 0 && w.out[n-1] == 0xFF {
		w.out = append(w.out, 0)
	}
}

// Bytes returns the bytes written so far. Call Flush first to include a
// partial byte.
func (w *Writer) Bytes() []byte {
	return w.out
}

// ReadVarLen decodes one 7-bit-per-byte length as used by PLT and PLM
// segments. Every byte except the last has bit 7 set. It returns the value
// and the number of bytes consumed.
func ReadVarLen(data []byte) (uint32, int, error) {
	var v uint32
	for i, b := range data {
		if i == 5 {
			return 0, 0, errors.New("bio: variable length value exceeds 32 bits")
		}
		v = v<<7 | uint32(b&0x7F)
		if b&0x80 == 0 {
			return v, i + 1, nil
		}
	}
	return 0, 0, io.ErrUnexpectedEOF
}

// AppendVarLen appends the 7-bit-per-byte encoding of v to dst.
func AppendVarLen(dst []byte, v uint32) []byte {
	var tmp [5]byte
	n := 0
	for {
		tmp[4-n] = byte(v & 0x7F)
		if n > 0 {
			tmp[4-n] |= 0x80
		}
		v >>= 7
		n++
		if v == 0 {
			break
		}
	}
	return append(dst, tmp[5-n:]...)
}

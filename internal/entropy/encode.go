package entropy

import (
	"github.com/pkg/errors"

	"github.com/phenopolis/grok/internal/geom"
)

// MQEncoder is the arithmetic encoder of Annex C.2. The decoder never needs
// it; it produces codewords for fixtures and round-trip tests.
type MQEncoder struct {
	a, c uint32
	ct   uint32
	// buf[0] is the byte preceding the codeword, which absorbs carries.
	buf []byte
	bp  int
	ctx [numCtxts]uint8
}

// NewMQEncoder returns an encoder with every context in its initial state.
func NewMQEncoder() *MQEncoder {
	e := &MQEncoder{a: 0x8000, ct: 12, buf: make([]byte, 1, 256)}
	e.ResetContexts()
	return e
}

// ResetContexts restores the initial context states.
func (e *MQEncoder) ResetContexts() {
	clear(e.ctx[:])
	e.ctx[ctxZC] = 2 * 4
	e.ctx[ctxRL] = 2 * 3
	e.ctx[ctxUni] = 2 * 46
}

// Encode codes bit in context cx.
func (e *MQEncoder) Encode(cx, bit int) {
	st := e.ctx[cx]
	qe := mqQe[st]
	e.a -= qe
	if uint8(bit) == st&1 {
		if e.a&0x8000 != 0 {
			e.c += qe
			return
		}
		if e.a < qe {
			e.a = qe
		} else {
			e.c += qe
		}
		e.ctx[cx] = mqNMPS[st]
	} else {
		if e.a < qe {
			e.c += qe
		} else {
			e.a = qe
		}
		e.ctx[cx] = mqNLPS[st]
	}
	for e.a&0x8000 == 0 {
		e.a <<= 1
		e.c <<= 1
		e.ct--
		if e.ct == 0 {
			e.byteOut()
		}
	}
}

func (e *MQEncoder) put(v byte) {
	e.bp++
	if e.bp == len(e.buf) {
		e.buf = append(e.buf, 0)
	}
	e.buf[e.bp] = v
}

func (e *MQEncoder) byteOut() {
	if e.buf[e.bp] != 0xFF && e.c&0x8000000 != 0 {
		e.buf[e.bp]++
		e.c &= 0x7FFFFFF
	}
	if e.buf[e.bp] == 0xFF {
		e.put(byte(e.c >> 20))
		e.c &= 0xFFFFF
		e.ct = 7
		return
	}
	e.put(byte(e.c >> 19))
	e.c &= 0x7FFFF
	e.ct = 8
}

// Flush terminates the codeword (C.2.9) and returns it.
func (e *MQEncoder) Flush() []byte {
	t := e.c + e.a
	e.c |= 0xFFFF
	if e.c >= t {
		e.c -= 0x8000
	}
	e.c <<= e.ct
	e.byteOut()
	e.c <<= e.ct
	e.byteOut()

	end := e.bp + 1
	if e.buf[end-1] == 0xFF {
		end--
	}
	if end <= 1 {
		return nil
	}
	return append([]byte(nil), e.buf[1:end]...)
}

// Encode codes the w x h samples in every pass down to bit-plane 0. It
// returns the codeword with the number of bit-planes and passes it holds.
// Only the context reset, vertically causal and segmentation symbol styles
// are accepted.
func Encode(samples []int32, w, h int, o geom.Orientation, style uint8) ([]byte, int, int, error) {
	if style&^(StyleReset|StyleVSC|StyleSegSym|StylePTerm) != 0 {
		return nil, 0, 0, errors.Wrapf(ErrUnsupported, "encoding style %#x", style)
	}
	if len(samples) != w*h {
		return nil, 0, 0, errors.Errorf("entropy: %d samples for a %dx%d block", len(samples), w, h)
	}
	var peak uint32
	for _, v := range samples {
		peak = max(peak, abs(v))
	}
	planes := 0
	for peak>>planes != 0 {
		planes++
	}
	if planes == 0 {
		return nil, 0, 0, nil
	}
	if planes > MaxBitPlanes {
		return nil, 0, 0, errors.Wrapf(ErrCorrupt, "%d bit-planes", planes)
	}

	enc := &encoder{mq: NewMQEncoder()}
	t := &enc.T1
	t.reset(w, h)
	t.zc = &zcLUT[o]
	t.vsc = style&StyleVSC != 0
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := t.index(x, y)
			t.mag[i] = abs(samples[y*w+x])
			if samples[y*w+x] < 0 {
				t.flags[i] |= fNeg
			}
		}
	}

	passes := 0
	for bp := planes - 1; bp >= 0; bp-- {
		if bp < planes-1 {
			enc.significancePass(bp, style)
			enc.refinementPass(bp, style)
			passes += 2
		}
		enc.cleanupPass(bp, style)
		passes++
	}
	return enc.mq.Flush(), planes, passes, nil
}

func abs(v int32) uint32 {
	if v < 0 {
		return uint32(-v)
	}
	return uint32(v)
}

// encoder mirrors the decoding passes. Its T1 holds the true magnitudes and
// signs up front; fSig marks what the decoder has learned so far.
type encoder struct {
	T1
	mq *MQEncoder
}

func (e *encoder) endPass(style uint8) {
	if style&StyleReset != 0 {
		e.mq.ResetContexts()
	}
}

func (e *encoder) bit(i, bp int) int { return int(e.mag[i]>>bp) & 1 }

func (e *encoder) significant(i, y int) {
	cx, xor := e.signContext(i, y)
	neg := 0
	if e.flags[i]&fNeg != 0 {
		neg = 1
	}
	e.mq.Encode(cx, neg^xor)
	e.flags[i] |= fSig
}

func (e *encoder) significancePass(bp int, style uint8) {
	for y0 := 0; y0 < e.h; y0 += 4 {
		for x := 0; x < e.w; x++ {
			for y := y0; y < min(y0+4, e.h); y++ {
				i := e.index(x, y)
				if e.flags[i]&fSig != 0 {
					continue
				}
				nb := e.neighbours(i, y)
				if nb == 0 {
					continue
				}
				b := e.bit(i, bp)
				e.mq.Encode(ctxZC+int(e.zc[nb]), b)
				if b != 0 {
					e.significant(i, y)
				}
				e.flags[i] |= fVisit
			}
		}
	}
	e.endPass(style)
}

func (e *encoder) refinementPass(bp int, style uint8) {
	for y0 := 0; y0 < e.h; y0 += 4 {
		for x := 0; x < e.w; x++ {
			for y := y0; y < min(y0+4, e.h); y++ {
				i := e.index(x, y)
				f := e.flags[i]
				if f&fSig == 0 || f&fVisit != 0 {
					continue
				}
				cx := ctxMR
				switch {
				case f&fRefined != 0:
					cx += 2
				case e.neighbours(i, y) != 0:
					cx++
				}
				e.mq.Encode(cx, e.bit(i, bp))
				e.flags[i] |= fRefined
			}
		}
	}
	e.endPass(style)
}

func (e *encoder) cleanupPass(bp int, style uint8) {
	for y0 := 0; y0 < e.h; y0 += 4 {
		for x := 0; x < e.w; x++ {
			y := y0
			if e.runEligible(x, y0) {
				r := 0
				for r < 4 && e.bit(e.index(x, y0+r), bp) == 0 {
					r++
				}
				if r == 4 {
					e.mq.Encode(ctxRL, 0)
					continue
				}
				e.mq.Encode(ctxRL, 1)
				e.mq.Encode(ctxUni, r>>1)
				e.mq.Encode(ctxUni, r&1)
				y += r
				e.significant(e.index(x, y), y)
				y++
			}
			for ; y < min(y0+4, e.h); y++ {
				i := e.index(x, y)
				if e.flags[i]&(fSig|fVisit) != 0 {
					continue
				}
				b := e.bit(i, bp)
				e.mq.Encode(ctxZC+int(e.zc[e.neighbours(i, y)]), b)
				if b != 0 {
					e.significant(i, y)
				}
			}
		}
	}
	for i := range e.flags {
		e.flags[i] &^= fVisit
	}
	if style&StyleSegSym != 0 {
		for _, b := range []int{1, 0, 1, 0} {
			e.mq.Encode(ctxUni, b)
		}
	}
	e.endPass(style)
}

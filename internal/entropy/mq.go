// Package entropy decodes JPEG 2000 code-blocks: the MQ arithmetic decoder
// and the EBCOT tier-1 coding passes of Annex C and D.
package entropy

// MQ probability states (Table C.2). Index 2*s+mps selects state s with the
// given most probable symbol, so the MPS of an index is its low bit.
var (
	mqQe   [94]uint32
	mqNMPS [94]uint8
	mqNLPS [94]uint8
)

func init() {
	qe := [47]uint32{
		0x5601, 0x3401, 0x1801, 0x0AC1, 0x0521, 0x0221, 0x5601, 0x5401,
		0x4801, 0x3801, 0x3001, 0x2401, 0x1C01, 0x1601, 0x5601, 0x5401,
		0x5101, 0x4801, 0x3801, 0x3401, 0x3001, 0x2801, 0x2401, 0x2201,
		0x1C01, 0x1801, 0x1601, 0x1401, 0x1201, 0x1101, 0x0AC1, 0x09C1,
		0x08A1, 0x0521, 0x0441, 0x02A1, 0x0221, 0x0141, 0x0111, 0x0085,
		0x0049, 0x0025, 0x0015, 0x0009, 0x0005, 0x0001, 0x5601,
	}
	nmps := [47]uint8{
		1, 2, 3, 4, 5, 38, 7, 8, 9, 10, 11, 12, 13, 29, 15, 16,
		17, 18, 19, 20, 21, 22, 23, 24, 25, 26, 27, 28, 29, 30, 31, 32,
		33, 34, 35, 36, 37, 38, 39, 40, 41, 42, 43, 44, 45, 45, 46,
	}
	nlps := [47]uint8{
		1, 6, 9, 12, 29, 33, 6, 14, 14, 14, 17, 18, 20, 21, 14, 14,
		15, 16, 17, 18, 19, 19, 20, 21, 22, 23, 24, 25, 26, 27, 28, 29,
		30, 31, 32, 33, 34, 35, 36, 37, 38, 39, 40, 41, 42, 43, 46,
	}
	switchMPS := [47]bool{0: true, 6: true, 14: true}

	for s := 0; s < 47; s++ {
		for mps := 0; mps < 2; mps++ {
			i := 2*s + mps
			mqQe[i] = qe[s]
			mqNMPS[i] = 2*nmps[s] + uint8(mps)
			lps := mps
			if switchMPS[s] {
				lps = 1 - mps
			}
			mqNLPS[i] = 2*nlps[s] + uint8(lps)
		}
	}
}

// Context labels of the tier-1 coder.
const (
	ctxZC    = 0  // zero coding, 9 contexts
	ctxSC    = 9  // sign coding, 5 contexts
	ctxMR    = 14 // magnitude refinement, 3 contexts
	ctxRL    = 17
	ctxUni   = 18
	numCtxts = 19
)

// MQDecoder is the arithmetic decoder of Annex C.3.
type MQDecoder struct {
	a, c uint32
	ct   uint32
	data []byte
	bp   int
	ctx  [numCtxts]uint8
}

// Init starts decoding data (INITDEC) and resets every context.
func (d *MQDecoder) Init(data []byte) {
	d.data = data
	d.bp = 0
	if len(data) == 0 {
		d.c = 0xFF << 16
	} else {
		d.c = uint32(data[0]) << 16
	}
	d.ct = 0
	d.byteIn()
	d.c <<= 7
	d.ct -= 7
	d.a = 0x8000
	d.ResetContexts()
}

// ResetContexts restores the initial states of Table D.7.
func (d *MQDecoder) ResetContexts() {
	for i := range d.ctx {
		d.ctx[i] = 0
	}
	d.ctx[ctxZC] = 2 * 4
	d.ctx[ctxRL] = 2 * 3
	d.ctx[ctxUni] = 2 * 46
}

// byteIn reads the next byte. Past the end of data, and at a marker, it
// feeds 1 bits.
func (d *MQDecoder) byteIn() {
	if d.bp >= len(d.data) {
		d.c += 0xFF00
		d.ct = 8
		return
	}
	next := byte(0xFF)
	if d.bp+1 < len(d.data) {
		next = d.data[d.bp+1]
	}
	if d.data[d.bp] == 0xFF {
		if next > 0x8F {
			d.c += 0xFF00
			d.ct = 8
			return
		}
		d.bp++
		d.c += uint32(next) << 9
		d.ct = 7
		return
	}
	d.bp++
	d.c += uint32(next) << 8
	d.ct = 8
}

// Decode returns the next decision in context cx.
func (d *MQDecoder) Decode(cx int) int {
	st := d.ctx[cx]
	qe := mqQe[st]
	mps := int(st & 1)
	d.a -= qe

	if d.c>>16 < qe {
		var bit int
		if d.a < qe {
			bit = mps
			d.ctx[cx] = mqNMPS[st]
		} else {
			bit = 1 - mps
			d.ctx[cx] = mqNLPS[st]
		}
		d.a = qe
		d.renorm()
		return bit
	}

	d.c -= qe << 16
	if d.a&0x8000 != 0 {
		return mps
	}
	var bit int
	if d.a < qe {
		bit = 1 - mps
		d.ctx[cx] = mqNLPS[st]
	} else {
		bit = mps
		d.ctx[cx] = mqNMPS[st]
	}
	d.renorm()
	return bit
}

func (d *MQDecoder) renorm() {
	for d.a&0x8000 == 0 {
		if d.ct == 0 {
			d.byteIn()
		}
		d.a <<= 1
		d.c <<= 1
		d.ct--
	}
}

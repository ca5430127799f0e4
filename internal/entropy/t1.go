package entropy

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/phenopolis/grok/internal/geom"
)

// Code-block style flags of the COD and COC segments (Table A.19).
const (
	StyleBypass  = 0x01
	StyleReset   = 0x02
	StyleTermAll = 0x04
	StyleVSC     = 0x08
	StylePTerm   = 0x10
	StyleSegSym  = 0x20
	StyleHT      = 0x40
)

// MaxBitPlanes is the largest number of magnitude bit-planes a block may
// carry.
const MaxBitPlanes = 30

var (
	// ErrUnsupported is returned for code-block styles the decoder does not
	// implement.
	ErrUnsupported = errors.New("entropy: unsupported code-block style")
	// ErrCorrupt is returned for block parameters no encoder produces.
	ErrCorrupt = errors.New("entropy: corrupt code-block")
)

// Block describes one code-block to decode.
type Block struct {
	Width, Height int
	Orientation   geom.Orientation
	// BitPlanes is the number of coded magnitude bit-planes, the band's Mb
	// less the block's zero bit-planes.
	BitPlanes int
	// Passes is the number of coding passes received.
	Passes int
	Style  uint8
	// Data is the concatenated codeword of all received passes.
	Data []byte
}

// Sample flags.
const (
	fSig uint8 = 1 << iota
	fNeg
	fVisit
	fRefined
)

// T1 holds the state of the tier-1 decoder for one code-block at a time.
// Flags and magnitudes live on a grid with a one-sample border so that
// neighbour lookups need no bounds checks.
type T1 struct {
	w, h, stride int
	flags        []uint8
	// mag holds magnitudes with one fractional bit.
	mag []uint32
	mq  MQDecoder
	zc  *[256]uint8
	vsc bool
}

var t1Pool = sync.Pool{
	New: func() any { return new(T1) },
}

// GetT1 returns a decoder from the pool.
func GetT1() *T1 { return t1Pool.Get().(*T1) }

// PutT1 returns t to the pool.
func PutT1(t *T1) { t1Pool.Put(t) }

func (t *T1) reset(w, h int) {
	t.w, t.h, t.stride = w, h, w+2
	n := (w + 2) * (h + 2)
	if cap(t.flags) < n {
		t.flags = make([]uint8, n)
		t.mag = make([]uint32, n)
		return
	}
	t.flags = t.flags[:n]
	t.mag = t.mag[:n]
	clear(t.flags)
	clear(t.mag)
}

// Decode decodes b into dst, which holds Width*Height samples in row order.
// Samples whose lower bit-planes were not received are reconstructed at
// the middle of their uncertainty interval.
func (t *T1) Decode(b *Block, dst []int32) error {
	switch {
	case b.Style&StyleHT != 0:
		return errors.Wrap(ErrUnsupported, "high throughput block")
	case b.Style&StyleBypass != 0:
		return errors.Wrap(ErrUnsupported, "selective arithmetic coding bypass")
	case b.Style&StyleTermAll != 0:
		return errors.Wrap(ErrUnsupported, "termination on each coding pass")
	}
	if b.Width <= 0 || b.Height <= 0 || len(dst) != b.Width*b.Height {
		return errors.Errorf("entropy: %d samples for a %dx%d block", len(dst), b.Width, b.Height)
	}
	if b.BitPlanes > MaxBitPlanes {
		return errors.Wrapf(ErrCorrupt, "%d bit-planes", b.BitPlanes)
	}
	if b.Orientation > geom.HH {
		return errors.Wrapf(ErrCorrupt, "orientation %d", b.Orientation)
	}
	clear(dst)
	if b.BitPlanes <= 0 || b.Passes <= 0 {
		return nil
	}

	t.reset(b.Width, b.Height)
	t.zc = &zcLUT[b.Orientation]
	t.vsc = b.Style&StyleVSC != 0
	t.mq.Init(b.Data)

	bp := b.BitPlanes - 1
	pass := 2
	for n := 0; n < b.Passes && bp >= 0; n++ {
		switch pass {
		case 0:
			t.significancePass(bp)
		case 1:
			t.refinementPass(bp)
		case 2:
			t.cleanupPass(bp)
			if b.Style&StyleSegSym != 0 {
				// the segmentation symbol 1010 is only a consistency check
				for i := 0; i < 4; i++ {
					t.mq.Decode(ctxUni)
				}
			}
		}
		if b.Style&StyleReset != 0 {
			t.mq.ResetContexts()
		}
		if pass++; pass == 3 {
			pass = 0
			bp--
		}
	}

	for y := 0; y < t.h; y++ {
		row := dst[y*t.w : (y+1)*t.w]
		i := t.index(0, y)
		for x := range row {
			v := int32(t.mag[i+x] >> 1)
			if t.flags[i+x]&fNeg != 0 {
				v = -v
			}
			row[x] = v
		}
	}
	return nil
}

func (t *T1) index(x, y int) int { return (y+1)*t.stride + x + 1 }

// causal reports whether the row below y is hidden by vertically causal
// context formation.
func (t *T1) causal(y int) bool { return t.vsc && y&3 == 3 }

// neighbours returns the mask of significant neighbours of sample i.
func (t *T1) neighbours(i, y int) uint8 {
	f, s := t.flags, t.stride
	var m uint8
	if f[i-1]&fSig != 0 {
		m |= nW
	}
	if f[i+1]&fSig != 0 {
		m |= nE
	}
	if f[i-s]&fSig != 0 {
		m |= nN
	}
	if f[i-s-1]&fSig != 0 {
		m |= nNW
	}
	if f[i-s+1]&fSig != 0 {
		m |= nNE
	}
	if t.causal(y) {
		return m
	}
	if f[i+s]&fSig != 0 {
		m |= nS
	}
	if f[i+s-1]&fSig != 0 {
		m |= nSW
	}
	if f[i+s+1]&fSig != 0 {
		m |= nSE
	}
	return m
}

func (t *T1) contribution(i int) int {
	switch f := t.flags[i]; {
	case f&fSig == 0:
		return 0
	case f&fNeg != 0:
		return -1
	default:
		return 1
	}
}

func clampUnit(v int) int { return max(-1, min(1, v)) }

// signContext returns the sign coding context of sample i and its sign
// prediction.
func (t *T1) signContext(i, y int) (int, int) {
	h := t.contribution(i-1) + t.contribution(i+1)
	v := t.contribution(i - t.stride)
	if !t.causal(y) {
		v += t.contribution(i + t.stride)
	}
	e := scLUT[clampUnit(h)+1][clampUnit(v)+1]
	return ctxSC + int(e.ctx), int(e.xor)
}

// significant decodes the sign of sample i, which just became significant
// in bit-plane bp.
func (t *T1) significant(i, y, bp int) {
	cx, xor := t.signContext(i, y)
	t.flags[i] |= fSig
	if t.mq.Decode(cx)^xor != 0 {
		t.flags[i] |= fNeg
	}
	t.mag[i] = 3 << bp
}

func (t *T1) significancePass(bp int) {
	for y0 := 0; y0 < t.h; y0 += 4 {
		for x := 0; x < t.w; x++ {
			for y := y0; y < min(y0+4, t.h); y++ {
				i := t.index(x, y)
				if t.flags[i]&fSig != 0 {
					continue
				}
				nb := t.neighbours(i, y)
				if nb == 0 {
					continue
				}
				if t.mq.Decode(ctxZC+int(t.zc[nb])) != 0 {
					t.significant(i, y, bp)
				}
				t.flags[i] |= fVisit
			}
		}
	}
}

func (t *T1) refinementPass(bp int) {
	for y0 := 0; y0 < t.h; y0 += 4 {
		for x := 0; x < t.w; x++ {
			for y := y0; y < min(y0+4, t.h); y++ {
				i := t.index(x, y)
				f := t.flags[i]
				if f&fSig == 0 || f&fVisit != 0 {
					continue
				}
				cx := ctxMR
				switch {
				case f&fRefined != 0:
					cx += 2
				case t.neighbours(i, y) != 0:
					cx++
				}
				if t.mq.Decode(cx) != 0 {
					t.mag[i] += 1 << bp
				} else {
					t.mag[i] -= 1 << bp
				}
				t.flags[i] |= fRefined
			}
		}
	}
}

// runEligible reports whether the stripe column at (x, y0) is coded in run
// mode: four rows, none significant or visited, no significant neighbour.
func (t *T1) runEligible(x, y0 int) bool {
	if y0+4 > t.h {
		return false
	}
	for y := y0; y < y0+4; y++ {
		i := t.index(x, y)
		if t.flags[i]&(fSig|fVisit) != 0 || t.neighbours(i, y) != 0 {
			return false
		}
	}
	return true
}

func (t *T1) cleanupPass(bp int) {
	for y0 := 0; y0 < t.h; y0 += 4 {
		for x := 0; x < t.w; x++ {
			y := y0
			if t.runEligible(x, y0) {
				if t.mq.Decode(ctxRL) == 0 {
					continue
				}
				r := t.mq.Decode(ctxUni) << 1
				r |= t.mq.Decode(ctxUni)
				y += r
				t.significant(t.index(x, y), y, bp)
				y++
			}
			for ; y < min(y0+4, t.h); y++ {
				i := t.index(x, y)
				if t.flags[i]&(fSig|fVisit) != 0 {
					continue
				}
				if t.mq.Decode(ctxZC+int(t.zc[t.neighbours(i, y)])) != 0 {
					t.significant(i, y, bp)
				}
			}
		}
	}
	for i := range t.flags {
		t.flags[i] &^= fVisit
	}
}

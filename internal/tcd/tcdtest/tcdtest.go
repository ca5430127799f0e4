// Package tcdtest writes standard packets for tests of the tile decoder.
package tcdtest

import (
	"math/bits"

	"github.com/phenopolis/grok/internal/bio"
	"github.com/phenopolis/grok/internal/tcd"
)

// Block is one code-block's contribution to one packet. Zero Passes means
// the block is not included.
type Block struct {
	Passes int
	Data   []byte
}

type blockState struct {
	firstLayer int
	zbp        int
	included   bool
	lenBits    int
}

type bandState struct {
	incl, imsb *tcd.TagTree
	blocks     []blockState
}

// PrecinctWriter encodes the packets of one precinct layer by layer.
type PrecinctWriter struct {
	SOP, EPH bool
	bands    []bandState
	seq      uint16
}

// NewPrecinctWriter prepares a writer for p. firstLayer and zbp give, per
// band and code-block, the layer of first inclusion (negative for never)
// and the number of zero bit-planes.
func NewPrecinctWriter(p *tcd.Precinct, firstLayer, zbp [][]int) *PrecinctWriter {
	w := &PrecinctWriter{}
	for b, pb := range p.Bands {
		bs := bandState{
			incl: tcd.NewTagTree(pb.CodeBlocksX, pb.CodeBlocksY),
			imsb: tcd.NewTagTree(pb.CodeBlocksX, pb.CodeBlocksY),
		}
		for i := range pb.CodeBlocks {
			st := blockState{firstLayer: firstLayer[b][i], zbp: zbp[b][i], lenBits: 3}
			if st.firstLayer >= 0 {
				bs.incl.SetValue(i, st.firstLayer)
			}
			bs.imsb.SetValue(i, st.zbp)
			bs.blocks = append(bs.blocks, st)
		}
		w.bands = append(w.bands, bs)
	}
	return w
}

// WritePacket returns the packet for layer with the given contributions,
// indexed by band and code-block.
func (w *PrecinctWriter) WritePacket(layer int, blocks [][]Block) []byte {
	var out []byte
	if w.SOP {
		out = append(out, 0xFF, 0x91, 0x00, 0x04, byte(w.seq>>8), byte(w.seq))
	}
	w.seq++

	present := false
	for _, band := range blocks {
		for _, b := range band {
			if b.Passes > 0 {
				present = true
			}
		}
	}

	bw := bio.NewWriter()
	var body []byte
	if !present {
		bw.WriteBit(0)
	} else {
		bw.WriteBit(1)
		for bi := range w.bands {
			bs := &w.bands[bi]
			for i := range bs.blocks {
				st := &bs.blocks[i]
				blk := blocks[bi][i]
				if !st.included {
					bs.incl.Encode(bw, i, layer+1)
				} else if blk.Passes > 0 {
					bw.WriteBit(1)
				} else {
					bw.WriteBit(0)
				}
				if blk.Passes == 0 {
					continue
				}
				if !st.included {
					bs.imsb.Encode(bw, i, 999)
					st.included = true
				}
				writeNumPasses(bw, blk.Passes)
				extra := bits.Len(uint(blk.Passes)) - 1
				need := max(st.lenBits, bits.Len(uint(len(blk.Data)))-extra)
				for ; st.lenBits < need; st.lenBits++ {
					bw.WriteBit(1)
				}
				bw.WriteBit(0)
				bw.WriteBits(uint32(len(blk.Data)), uint(st.lenBits+extra))
				body = append(body, blk.Data...)
			}
		}
	}
	bw.Flush()
	out = append(out, bw.Bytes()...)
	if w.EPH {
		out = append(out, 0xFF, 0x92)
	}
	return append(out, body...)
}

// writeNumPasses encodes the number of coding passes (Table B.4).
func writeNumPasses(w *bio.Writer, n int) {
	switch {
	case n == 1:
		w.WriteBit(0)
	case n == 2:
		w.WriteBits(0b10, 2)
	case n <= 5:
		w.WriteBits(0b11, 2)
		w.WriteBits(uint32(n-3), 2)
	case n <= 36:
		w.WriteBits(0b1111, 4)
		w.WriteBits(uint32(n-6), 5)
	default:
		w.WriteBits(0b1111, 4)
		w.WriteBits(31, 5)
		w.WriteBits(uint32(n-37), 7)
	}
}

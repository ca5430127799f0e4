package tcd

import (
	"io"
	"math/bits"

	"github.com/pkg/errors"

	"github.com/phenopolis/grok/internal/bio"
	"github.com/phenopolis/grok/internal/codestream"
)

// maxPasses bounds the coding passes of one code-block: 3 per bit-plane
// less the two that the most significant plane lacks, for 74 planes.
const maxPasses = 3*74 - 2

// contribution is one code-block's share of a packet.
type contribution struct {
	cb     *CodeBlock
	passes int
	length int
}

// packetHeader is the decoded header of one packet.
type packetHeader struct {
	headerBytes   int
	dataBytes     int
	contributions []contribution
}

func truncated(err error) error {
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return errors.Wrap(ErrTruncated, "packet header")
	}
	return err
}

// readPacketHeader decodes the header of precinct p at layer from the
// start of data. length is the declared packet length, or -1 when unknown.
// Code-block inclusion state is updated as a side effect.
func readPacketHeader(data []byte, p *Precinct, layer int, sop, eph bool, length int) (packetHeader, error) {
	var h packetHeader
	pos := 0
	if sop && len(data) >= 2 && data[0] == 0xFF && data[1] == 0x91 {
		if len(data) < 6 {
			return h, errors.Wrap(ErrTruncated, "SOP marker segment")
		}
		pos = 6
	}

	r := bio.NewReader(data[pos:])
	present, err := r.ReadBit()
	if err != nil {
		return h, truncated(err)
	}
	if present == 1 {
		for _, pb := range p.Bands {
			for i, cb := range pb.CodeBlocks {
				c, err := readCodeBlockHeader(r, pb, i, cb, layer)
				if err != nil {
					return h, err
				}
				if c.passes > 0 {
					h.contributions = append(h.contributions, c)
					h.dataBytes += c.length
				}
			}
		}
	}
	if err := r.Align(); err != nil {
		return h, truncated(err)
	}
	pos += r.Pos()

	if eph {
		if len(data) < pos+2 {
			return h, errors.Wrap(ErrTruncated, "EPH marker")
		}
		if data[pos] != 0xFF || data[pos+1] != 0x92 {
			return h, errors.Wrapf(ErrCorrupt, "expected %s at offset %d", codestream.EPH, pos)
		}
		pos += 2
	}
	h.headerBytes = pos
	if length >= 0 && pos > length {
		return h, errors.Wrapf(ErrCorrupt, "header of %d bytes exceeds packet length %d", pos, length)
	}
	return h, nil
}

func readCodeBlockHeader(r *bio.Reader, pb *PrecinctBand, leaf int, cb *CodeBlock, layer int) (contribution, error) {
	c := contribution{cb: cb}

	var included bool
	if !cb.Included {
		in, err := pb.Inclusion.Decode(r, leaf, layer+1)
		if err != nil {
			return c, truncated(err)
		}
		included = in
	} else {
		bit, err := r.ReadBit()
		if err != nil {
			return c, truncated(err)
		}
		included = bit == 1
	}
	if !included {
		return c, nil
	}

	if !cb.Included {
		k := 1
		for {
			known, err := pb.IMSB.Decode(r, leaf, k)
			if err != nil {
				return c, truncated(err)
			}
			if known {
				break
			}
			k++
			if k > pb.Band.NumBPS+1 {
				return c, errors.Wrapf(ErrCorrupt, "zero bit-planes exceed band maximum %d", pb.Band.NumBPS)
			}
		}
		cb.ZeroBitPlanes = k - 1
		cb.NumBPS = pb.Band.NumBPS - cb.ZeroBitPlanes
		cb.LenBits = 3
		cb.Included = true
	}

	passes, err := decodeNumPasses(r)
	if err != nil {
		return c, truncated(err)
	}
	if cb.NumPasses+passes > maxPasses {
		return c, errors.Wrapf(ErrCorrupt, "%d coding passes", cb.NumPasses+passes)
	}

	for {
		bit, err := r.ReadBit()
		if err != nil {
			return c, truncated(err)
		}
		if bit == 0 {
			break
		}
		cb.LenBits++
		if cb.LenBits > 32 {
			return c, errors.Wrap(ErrCorrupt, "Lblock overflow")
		}
	}

	n := cb.LenBits + bits.Len(uint(passes)) - 1
	if n > 31 {
		return c, errors.Wrapf(ErrCorrupt, "%d length bits", n)
	}
	length, err := r.ReadBits(uint(n))
	if err != nil {
		return c, truncated(err)
	}
	c.passes = passes
	c.length = int(length)
	return c, nil
}

// decodeNumPasses decodes the number of coding passes (Table B.4).
func decodeNumPasses(r *bio.Reader) (int, error) {
	bit, err := r.ReadBit()
	if err != nil {
		return 0, err
	}
	if bit == 0 {
		return 1, nil
	}

	bit, err = r.ReadBit()
	if err != nil {
		return 0, err
	}
	if bit == 0 {
		return 2, nil
	}

	val, err := r.ReadBits(2)
	if err != nil {
		return 0, err
	}
	if val < 3 {
		return int(val) + 3, nil
	}

	val, err = r.ReadBits(5)
	if err != nil {
		return 0, err
	}
	if val < 31 {
		return int(val) + 6, nil
	}

	val, err = r.ReadBits(7)
	if err != nil {
		return 0, err
	}
	return int(val) + 37, nil
}

// commit stores the packet body that follows the header into the
// code-blocks. It returns the number of body bytes consumed, which is
// short of dataBytes when body runs out.
func (h *packetHeader) commit(body []byte, layer int) int {
	read := 0
	for _, c := range h.contributions {
		n := min(c.length, len(body)-read)
		seg := Segment{Layer: layer, Passes: c.passes}
		if n > 0 {
			seg.Data = body[read : read+n]
		}
		c.cb.Segments = append(c.cb.Segments, seg)
		c.cb.NumPasses += c.passes
		read += max(n, 0)
	}
	return read
}

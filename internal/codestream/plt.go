package codestream

import (
	"encoding/binary"
	"sort"

	"github.com/pkg/errors"

	"github.com/phenopolis/grok/internal/bio"
)

// PacketLengths accumulates the PLT segments of one tile. Segments may
// arrive in any order; Lengths returns them ordered by their Zplt index.
type PacketLengths struct {
	segments map[uint8][]uint32
}

// AddPLT decodes a PLT segment body (everything after Lplt).
func (p *PacketLengths) AddPLT(body []byte) error {
	if len(body) < 1 {
		return errors.Errorf("%s: empty segment", PLT)
	}
	index := body[0]
	if p.segments == nil {
		p.segments = make(map[uint8][]uint32)
	}
	if _, dup := p.segments[index]; dup {
		return errors.Errorf("%s: duplicate index %d", PLT, index)
	}
	lengths, err := readLengths(body[1:])
	if err != nil {
		return errors.Wrapf(err, "%s index %d", PLT, index)
	}
	p.segments[index] = lengths
	return nil
}

// Lengths returns every packet length in stream order.
func (p *PacketLengths) Lengths() []uint32 {
	keys := make([]int, 0, len(p.segments))
	for k := range p.segments {
		keys = append(keys, int(k))
	}
	sort.Ints(keys)
	var out []uint32
	for _, k := range keys {
		out = append(out, p.segments[uint8(k)]...)
	}
	return out
}

// Len returns the number of lengths collected.
func (p *PacketLengths) Len() int {
	n := 0
	for _, s := range p.segments {
		n += len(s)
	}
	return n
}

func readLengths(data []byte) ([]uint32, error) {
	var out []uint32
	for len(data) > 0 {
		v, n, err := bio.ReadVarLen(data)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
		data = data[n:]
	}
	return out, nil
}

// ParsePLM decodes a PLM segment body (everything after Lplm) into one
// slice of packet lengths per tile-part.
func ParsePLM(body []byte) ([][]uint32, error) {
	if len(body) < 1 {
		return nil, errors.Errorf("%s: empty segment", PLM)
	}
	data := body[1:]
	var parts [][]uint32
	for len(data) > 0 {
		n := int(data[0])
		data = data[1:]
		if n > len(data) {
			return nil, errors.Errorf("%s: tile-part needs %d bytes, %d left", PLM, n, len(data))
		}
		lengths, err := readLengths(data[:n])
		if err != nil {
			return nil, errors.Wrapf(err, "%s tile-part %d", PLM, len(parts))
		}
		parts = append(parts, lengths)
		data = data[n:]
	}
	return parts, nil
}

// AppendPLT appends a complete PLT marker segment carrying lengths.
func AppendPLT(dst []byte, index uint8, lengths []uint32) ([]byte, error) {
	body := []byte{index}
	for _, l := range lengths {
		body = bio.AppendVarLen(body, l)
	}
	if len(body)+2 > 0xFFFF {
		return dst, errors.Errorf("%s: segment too long (%d bytes)", PLT, len(body)+2)
	}
	m := PLT.Bytes()
	dst = append(dst, m[0], m[1])
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(body)+2))
	return append(dst, body...), nil
}

// ParsePOC decodes a POC segment body (everything after Lpoc).
func ParsePOC(body []byte, numComponents int) ([]ProgressionOrderChange, error) {
	wide := numComponents >= 257
	entrySize := 7
	if wide {
		entrySize = 9
	}
	if len(body) == 0 || len(body)%entrySize != 0 {
		return nil, errors.Errorf("%s: body length %d is not a multiple of %d", POC, len(body), entrySize)
	}
	readComp := func(b []byte) (uint16, []byte) {
		if wide {
			return binary.BigEndian.Uint16(b), b[2:]
		}
		return uint16(b[0]), b[1:]
	}
	entries := make([]ProgressionOrderChange, 0, len(body)/entrySize)
	for len(body) > 0 {
		var poc ProgressionOrderChange
		poc.ResolutionStart = body[0]
		poc.ComponentStart, body = readComp(body[1:])
		poc.LayerEnd = binary.BigEndian.Uint16(body)
		poc.ResolutionEnd = body[2]
		poc.ComponentEnd, body = readComp(body[3:])
		poc.ProgressionOrder = ProgressionOrder(body[0])
		body = body[1:]
		if !poc.ProgressionOrder.Valid() {
			poc.ProgressionOrder = ProgressionUnknown
		}
		if wide && poc.ComponentEnd == 0 {
			poc.ComponentEnd = 16384
		} else if !wide && poc.ComponentEnd == 0 {
			poc.ComponentEnd = 256
		}
		entries = append(entries, poc)
	}
	return entries, nil
}

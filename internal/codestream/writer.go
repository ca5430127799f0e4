package codestream

import "encoding/binary"

func appendSegment(dst []byte, m Marker, body []byte) []byte {
	b := m.Bytes()
	dst = append(dst, b[0], b[1])
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(body)+2))
	return append(dst, body...)
}

// AppendMainHeader appends SOC and the SIZ, COD, QCD and POC segments
// describing h.
func AppendMainHeader(dst []byte, h *Header) []byte {
	soc := SOC.Bytes()
	dst = append(dst, soc[0], soc[1])

	be := binary.BigEndian
	siz := make([]byte, 0, 36+3*len(h.ComponentInfo))
	siz = be.AppendUint16(siz, 0)
	for _, v := range []uint32{
		h.ImageWidth, h.ImageHeight, h.ImageXOffset, h.ImageYOffset,
		h.TileWidth, h.TileHeight, h.TileXOffset, h.TileYOffset,
	} {
		siz = be.AppendUint32(siz, v)
	}
	siz = be.AppendUint16(siz, h.NumComponents)
	for _, c := range h.ComponentInfo {
		siz = append(siz, c.BitDepth, c.SubsamplingX, c.SubsamplingY)
	}
	dst = appendSegment(dst, SIZ, siz)

	c := h.CodingStyle
	cod := []byte{c.CodingStyle, byte(c.ProgressionOrder)}
	cod = be.AppendUint16(cod, c.NumLayers)
	cod = append(cod, c.MultipleComponentXf, c.NumDecompositions,
		c.CodeBlockWidthExp, c.CodeBlockHeightExp, c.CodeBlockStyle, c.WaveletTransform)
	if c.CodingStyle&CodingStylePrecincts != 0 {
		for r := 0; r < c.NumResolutions(); r++ {
			p := c.Precinct(r)
			cod = append(cod, p.WidthExp|p.HeightExp<<4)
		}
	}
	dst = appendSegment(dst, COD, cod)

	q := h.Quantization
	qcd := []byte{q.QuantizationStyle | q.NumGuardBits<<5}
	for _, s := range q.StepSizes {
		if q.QuantizationStyle == QuantizationNone {
			qcd = append(qcd, s.Exponent<<3)
			continue
		}
		qcd = be.AppendUint16(qcd, uint16(s.Exponent)<<11|s.Mantissa&0x07FF)
	}
	dst = appendSegment(dst, QCD, qcd)

	if len(h.ProgressionOrderChanges) > 0 {
		var poc []byte
		for _, e := range h.ProgressionOrderChanges {
			poc = append(poc, e.ResolutionStart, byte(e.ComponentStart))
			poc = be.AppendUint16(poc, e.LayerEnd)
			poc = append(poc, e.ResolutionEnd, byte(e.ComponentEnd), byte(e.ProgressionOrder))
		}
		dst = appendSegment(dst, POC, poc)
	}
	return dst
}

// AppendTilePart appends an SOT segment, the already encoded tile-part
// header segments in extra, SOD and data.
func AppendTilePart(dst []byte, tile uint16, part, numParts uint8, extra, data []byte) []byte {
	psot := uint32(12 + len(extra) + 2 + len(data))
	sot := binary.BigEndian.AppendUint16(nil, tile)
	sot = binary.BigEndian.AppendUint32(sot, psot)
	sot = append(sot, part, numParts)
	dst = appendSegment(dst, SOT, sot)
	dst = append(dst, extra...)
	sod := SOD.Bytes()
	dst = append(dst, sod[0], sod[1])
	return append(dst, data...)
}

// AppendEOC appends the end of codestream marker.
func AppendEOC(dst []byte) []byte {
	b := EOC.Bytes()
	return append(dst, b[0], b[1])
}

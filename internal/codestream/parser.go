package codestream

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// ErrUnsupported is returned for marker segments the decoder does not
// implement.
var ErrUnsupported = errors.New("codestream: unsupported marker segment")

// TilePart is one tile-part as read from the stream.
type TilePart struct {
	TileIndex uint16
	PartIndex uint8
	NumParts  uint8
	// PLT holds the bodies of the tile-part's PLT segments.
	PLT [][]byte
	// Progressions is set when the tile-part header carries a POC segment.
	Progressions []ProgressionOrderChange
	Data         []byte
}

// Parser reads a codestream marker by marker.
type Parser struct {
	r       io.Reader
	buf     [4]byte
	n       int64
	header  *Header
	plm     [][]uint32
	sotSeen bool
	done    bool
}

// NewParser creates a new codestream parser.
func NewParser(r io.Reader) *Parser {
	return &Parser{r: r, header: &Header{}}
}

func (p *Parser) readFull(b []byte) error {
	n, err := io.ReadFull(p.r, b)
	p.n += int64(n)
	if errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return err
}

func (p *Parser) readMarker() (Marker, error) {
	v, err := p.readUint16()
	return Marker(v), err
}

func (p *Parser) readUint16() (uint16, error) {
	if err := p.readFull(p.buf[:2]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(p.buf[:2]), nil
}

// readSegment reads the body of the marker segment that follows.
func (p *Parser) readSegment(m Marker) ([]byte, error) {
	length, err := p.readUint16()
	if err != nil {
		return nil, errors.Wrapf(err, "%s length", m)
	}
	if length < 2 {
		return nil, errors.Errorf("%s: invalid segment length %d", m, length)
	}
	body := make([]byte, length-2)
	if err := p.readFull(body); err != nil {
		return nil, errors.Wrapf(err, "%s body", m)
	}
	return body, nil
}

// ReadHeader reads the main header up to the first SOT marker.
func (p *Parser) ReadHeader() (*Header, error) {
	m, err := p.readMarker()
	if err != nil {
		return nil, errors.Wrap(err, "read SOC")
	}
	if m != SOC {
		return nil, errors.Errorf("expected %s, got 0x%04X", SOC, uint16(m))
	}
	m, err = p.readMarker()
	if err != nil {
		return nil, errors.Wrap(err, "read SIZ")
	}
	if m != SIZ {
		return nil, errors.Errorf("expected %s, got 0x%04X", SIZ, uint16(m))
	}
	body, err := p.readSegment(SIZ)
	if err != nil {
		return nil, err
	}
	if err := parseSIZ(p.header, body); err != nil {
		return nil, err
	}

	var sawCOD, sawQCD bool
	for {
		m, err := p.readMarker()
		if err != nil {
			return nil, errors.Wrap(err, "read main header marker")
		}
		if m == SOT {
			p.sotSeen = true
			break
		}
		switch m {
		case PPM, COC, QCC, RGN:
			return nil, errors.Wrapf(ErrUnsupported, "%s in main header", m)
		}
		body, err := p.readSegment(m)
		if err != nil {
			return nil, err
		}
		switch m {
		case COD:
			err = parseCOD(&p.header.CodingStyle, body)
			sawCOD = true
		case QCD:
			err = parseQCD(&p.header.Quantization, body)
			sawQCD = true
		case POC:
			var pocs []ProgressionOrderChange
			pocs, err = ParsePOC(body, int(p.header.NumComponents))
			p.header.ProgressionOrderChanges = append(p.header.ProgressionOrderChanges, pocs...)
		case PLM:
			var parts [][]uint32
			parts, err = ParsePLM(body)
			p.plm = append(p.plm, parts...)
		}
		if err != nil {
			return nil, err
		}
	}
	if !sawCOD || !sawQCD {
		return nil, errors.New("main header lacks COD or QCD")
	}
	p.header.CalculateDerivedValues()
	if err := p.header.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid header")
	}
	return p.header, nil
}

// ReadTilePart reads the next tile-part. It returns io.EOF after EOC.
func (p *Parser) ReadTilePart() (*TilePart, error) {
	if p.done {
		return nil, io.EOF
	}
	if !p.sotSeen {
		m, err := p.readMarker()
		if err != nil {
			return nil, errors.Wrap(err, "read SOT")
		}
		if m == EOC {
			p.done = true
			return nil, io.EOF
		}
		if m != SOT {
			return nil, errors.Errorf("expected %s, got 0x%04X", SOT, uint16(m))
		}
	}
	p.sotSeen = false
	start := p.n - 2

	body, err := p.readSegment(SOT)
	if err != nil {
		return nil, err
	}
	if len(body) != 8 {
		return nil, errors.Errorf("%s: invalid segment length %d", SOT, len(body)+2)
	}
	tp := &TilePart{
		TileIndex: binary.BigEndian.Uint16(body),
		PartIndex: body[6],
		NumParts:  body[7],
	}
	psot := int64(binary.BigEndian.Uint32(body[2:]))
	if int(tp.TileIndex) >= p.header.NumTiles() {
		return nil, errors.Errorf("%s: tile index %d out of range", SOT, tp.TileIndex)
	}

	for {
		m, err := p.readMarker()
		if err != nil {
			return nil, errors.Wrapf(err, "tile %d header", tp.TileIndex)
		}
		if m == SOD {
			break
		}
		switch m {
		case PPT, COD, COC, QCD, QCC, RGN:
			return nil, errors.Wrapf(ErrUnsupported, "%s in tile-part header", m)
		}
		seg, err := p.readSegment(m)
		if err != nil {
			return nil, err
		}
		switch m {
		case PLT:
			tp.PLT = append(tp.PLT, seg)
		case POC:
			pocs, err := ParsePOC(seg, int(p.header.NumComponents))
			if err != nil {
				return nil, err
			}
			tp.Progressions = append(tp.Progressions, pocs...)
		}
	}

	if psot == 0 {
		rest, err := io.ReadAll(p.r)
		if err != nil {
			return nil, errors.Wrapf(err, "tile %d data", tp.TileIndex)
		}
		p.n += int64(len(rest))
		eoc := EOC.Bytes()
		tp.Data = bytes.TrimSuffix(rest, eoc[:])
		p.done = true
		return tp, nil
	}
	n := psot - (p.n - start)
	if n < 0 {
		return nil, errors.Errorf("%s: length %d shorter than tile-part header", SOT, psot)
	}
	tp.Data = make([]byte, n)
	if err := p.readFull(tp.Data); err != nil {
		return nil, errors.Wrapf(err, "tile %d data", tp.TileIndex)
	}
	return tp, nil
}

func parseSIZ(h *Header, body []byte) error {
	if len(body) < 36 {
		return errors.Errorf("%s: segment too short", SIZ)
	}
	be := binary.BigEndian
	h.ImageWidth = be.Uint32(body[2:])
	h.ImageHeight = be.Uint32(body[6:])
	h.ImageXOffset = be.Uint32(body[10:])
	h.ImageYOffset = be.Uint32(body[14:])
	h.TileWidth = be.Uint32(body[18:])
	h.TileHeight = be.Uint32(body[22:])
	h.TileXOffset = be.Uint32(body[26:])
	h.TileYOffset = be.Uint32(body[30:])
	h.NumComponents = be.Uint16(body[34:])
	if want := 36 + 3*int(h.NumComponents); len(body) != want {
		return errors.Errorf("%s length mismatch: expected %d, got %d", SIZ, want+2, len(body)+2)
	}
	h.ComponentInfo = make([]ComponentInfo, h.NumComponents)
	for i := range h.ComponentInfo {
		c := body[36+3*i:]
		h.ComponentInfo[i] = ComponentInfo{BitDepth: c[0], SubsamplingX: c[1], SubsamplingY: c[2]}
	}
	return nil
}

func parseCOD(cod *CodingStyleDefault, body []byte) error {
	if len(body) < 10 {
		return errors.Errorf("%s: segment too short", COD)
	}
	cod.CodingStyle = body[0]
	cod.ProgressionOrder = ProgressionOrder(body[1])
	if !cod.ProgressionOrder.Valid() {
		cod.ProgressionOrder = ProgressionUnknown
	}
	cod.NumLayers = binary.BigEndian.Uint16(body[2:])
	cod.MultipleComponentXf = body[4]
	cod.NumDecompositions = body[5]
	cod.CodeBlockWidthExp = body[6]
	cod.CodeBlockHeightExp = body[7]
	cod.CodeBlockStyle = body[8]
	cod.WaveletTransform = body[9]
	cod.PrecinctSizes = nil
	if cod.CodingStyle&CodingStylePrecincts != 0 {
		pp := body[10:]
		if len(pp) != int(cod.NumDecompositions)+1 {
			return errors.Errorf("%s: %d precinct sizes for %d resolutions", COD, len(pp), cod.NumDecompositions+1)
		}
		for _, b := range pp {
			cod.PrecinctSizes = append(cod.PrecinctSizes, PrecinctSize{WidthExp: b & 0x0F, HeightExp: b >> 4})
		}
	}
	return nil
}

func parseQCD(q *QuantizationDefault, body []byte) error {
	if len(body) < 1 {
		return errors.Errorf("%s: segment too short", QCD)
	}
	q.QuantizationStyle = body[0] & 0x1F
	q.NumGuardBits = body[0] >> 5
	q.StepSizes = nil
	rest := body[1:]
	switch q.QuantizationStyle {
	case QuantizationNone:
		for _, b := range rest {
			q.StepSizes = append(q.StepSizes, StepSize{Exponent: b >> 3})
		}
	case QuantizationScalarDerived, QuantizationScalarExpounded:
		if len(rest) < 2 || len(rest)%2 != 0 {
			return errors.Errorf("%s: %d step size bytes", QCD, len(rest))
		}
		for ; len(rest) >= 2; rest = rest[2:] {
			v := binary.BigEndian.Uint16(rest)
			q.StepSizes = append(q.StepSizes, StepSize{Mantissa: v & 0x07FF, Exponent: uint8(v >> 11)})
		}
	default:
		return errors.Errorf("%s: unknown quantization style %d", QCD, q.QuantizationStyle)
	}
	return nil
}

// Tile gathers the tile-parts of one tile.
type Tile struct {
	Index int
	Data  []byte
	// Lengths holds the tile's packet lengths from PLT or PLM segments, or
	// nil when the stream carries none.
	Lengths      []uint32
	Progressions []ProgressionOrderChange
	parts        int
}

// Codestream is a fully read codestream.
type Codestream struct {
	Header *Header
	// Tiles is indexed by tile number; tiles absent from the stream are nil.
	Tiles []*Tile
}

// Read parses a complete codestream, concatenating the tile-parts of each
// tile in stream order.
func Read(r io.Reader) (*Codestream, error) {
	p := NewParser(r)
	h, err := p.ReadHeader()
	if err != nil {
		return nil, err
	}
	cs := &Codestream{Header: h, Tiles: make([]*Tile, h.NumTiles())}
	plt := make(map[int]*PacketLengths)
	for part := 0; ; part++ {
		tp, err := p.ReadTilePart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		t := cs.Tiles[tp.TileIndex]
		if t == nil {
			t = &Tile{Index: int(tp.TileIndex)}
			cs.Tiles[tp.TileIndex] = t
		}
		if int(tp.PartIndex) != t.parts {
			return nil, errors.Errorf("tile %d: tile-part %d out of order", t.Index, tp.PartIndex)
		}
		t.parts++
		t.Data = append(t.Data, tp.Data...)
		t.Progressions = append(t.Progressions, tp.Progressions...)
		for _, seg := range tp.PLT {
			pl := plt[t.Index]
			if pl == nil {
				pl = &PacketLengths{}
				plt[t.Index] = pl
			}
			if err := pl.AddPLT(seg); err != nil {
				return nil, errors.Wrapf(err, "tile %d", t.Index)
			}
		}
		if part < len(p.plm) {
			t.Lengths = append(t.Lengths, p.plm[part]...)
		}
	}
	for i, pl := range plt {
		cs.Tiles[i].Lengths = pl.Lengths()
	}
	return cs, nil
}

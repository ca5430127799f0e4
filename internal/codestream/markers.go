// Package codestream reads the main header and tile-parts of a JPEG 2000
// codestream and holds the parameters the tile decoder consumes.
package codestream

// Marker codes, ISO/IEC 15444-1 Annex A.
const (
	SOC Marker = 0xFF4F // Start of codestream
	SOT Marker = 0xFF90 // Start of tile-part
	SOD Marker = 0xFF93 // Start of data
	EOC Marker = 0xFFD9 // End of codestream

	SIZ Marker = 0xFF51 // Image and tile size
	COD Marker = 0xFF52 // Coding style default
	COC Marker = 0xFF53 // Coding style component
	TLM Marker = 0xFF55 // Tile-part lengths
	QCD Marker = 0xFF5C // Quantization default
	QCC Marker = 0xFF5D // Quantization component
	RGN Marker = 0xFF5E // Region of interest
	POC Marker = 0xFF5F // Progression order change
	CRG Marker = 0xFF63 // Component registration
	COM Marker = 0xFF64 // Comment

	PLM Marker = 0xFF57 // Packet length, main header
	PLT Marker = 0xFF58 // Packet length, tile-part header
	PPM Marker = 0xFF60 // Packed packet headers, main header
	PPT Marker = 0xFF61 // Packed packet headers, tile-part header

	SOP Marker = 0xFF91 // Start of packet
	EPH Marker = 0xFF92 // End of packet header
)

// Marker represents a JPEG 2000 marker code.
type Marker uint16

func (m Marker) String() string {
	switch m {
	case SOC:
		return "SOC"
	case SOT:
		return "SOT"
	case SOD:
		return "SOD"
	case EOC:
		return "EOC"
	case SIZ:
		return "SIZ"
	case COD:
		return "COD"
	case COC:
		return "COC"
	case TLM:
		return "TLM"
	case QCD:
		return "QCD"
	case QCC:
		return "QCC"
	case RGN:
		return "RGN"
	case CRG:
		return "CRG"
	case COM:
		return "COM"
	case POC:
		return "POC"
	case PLM:
		return "PLM"
	case PLT:
		return "PLT"
	case PPM:
		return "PPM"
	case PPT:
		return "PPT"
	case SOP:
		return "SOP"
	case EPH:
		return "EPH"
	default:
		return "UNKNOWN"
	}
}

// Bytes returns the big-endian encoding of the marker.
func (m Marker) Bytes() [2]byte {
	return [2]byte{byte(m >> 8), byte(m)}
}

// Coding style flags (Scod).
const (
	// CodingStylePrecincts indicates custom precinct sizes are used.
	CodingStylePrecincts uint8 = 0x01
	// CodingStyleSOP indicates SOP markers may precede packets.
	CodingStyleSOP uint8 = 0x02
	// CodingStyleEPH indicates EPH markers terminate packet headers.
	CodingStyleEPH uint8 = 0x04
)

// ProgressionOrder defines the order in which packets appear in a tile.
type ProgressionOrder uint8

const (
	// LRCP is Layer-Resolution-Component-Position order.
	LRCP ProgressionOrder = iota
	// RLCP is Resolution-Layer-Component-Position order.
	RLCP
	// RPCL is Resolution-Position-Component-Layer order.
	RPCL
	// PCRL is Position-Component-Resolution-Layer order.
	PCRL
	// CPRL is Component-Position-Resolution-Layer order.
	CPRL
	// ProgressionUnknown marks an unrecognised order value.
	ProgressionUnknown ProgressionOrder = 0xFF
)

// Valid reports whether p is one of the five defined orders.
func (p ProgressionOrder) Valid() bool {
	return p <= CPRL
}

func (p ProgressionOrder) String() string {
	switch p {
	case LRCP:
		return "LRCP"
	case RLCP:
		return "RLCP"
	case RPCL:
		return "RPCL"
	case PCRL:
		return "PCRL"
	case CPRL:
		return "CPRL"
	default:
		return "Unknown"
	}
}

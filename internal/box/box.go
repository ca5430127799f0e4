// Package box reads the JP2 file format wrapper around a codestream.
//
// JP2 files consist of a sequence of boxes, where each box has:
// - 4-byte length (1 for extended length, 0 for "to the end of the file")
// - 4-byte type code
// - Optional 8-byte extended length
// - Box contents
package box

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// Box type codes
const (
	TypeJP2Signature   Type = 0x6A502020 // "jP  " - JP2 signature box
	TypeFileType       Type = 0x66747970 // "ftyp" - File type box
	TypeJP2Header      Type = 0x6A703268 // "jp2h" - JP2 header super-box
	TypeImageHeader    Type = 0x69686472 // "ihdr" - Image header box
	TypeBitsPerComp    Type = 0x62706363 // "bpcc" - Bits per component box
	TypeColorSpec      Type = 0x636F6C72 // "colr" - Color specification box
	TypeContCodestream Type = 0x6A703263 // "jp2c" - Contiguous codestream box

	// BrandJP2 is the "jp2 " brand of the file type box.
	BrandJP2 Type = 0x6A703220
)

// Signature is the content of the JP2 signature box.
var Signature = []byte{0x0D, 0x0A, 0x87, 0x0A}

// ErrNotJP2 is returned when a stream does not start with a JP2 signature.
var ErrNotJP2 = errors.New("box: not a JP2 file")

// maxBoxSize bounds the contents read into memory for one box.
const maxBoxSize = 1 << 30

// Type represents a 4-byte box type code.
type Type uint32

func (t Type) String() string {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(t))
	return string(b[:])
}

// Box is one box with its contents read into memory.
type Box struct {
	Type     Type
	Contents []byte
}

// Reader reads JP2 boxes from a stream.
type Reader struct {
	r      io.Reader
	offset int64
}

// NewReader creates a new box reader.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// Offset returns the current stream offset.
func (r *Reader) Offset() int64 { return r.offset }

// ReadBox reads the next box. It returns io.EOF at a clean end of stream.
func (r *Reader) ReadBox() (*Box, error) {
	var header [16]byte
	n, err := io.ReadFull(r.r, header[:8])
	if err != nil {
		if errors.Is(err, io.EOF) && n == 0 {
			return nil, io.EOF
		}
		return nil, errors.Wrap(err, "reading box header")
	}
	r.offset += 8

	length := uint64(binary.BigEndian.Uint32(header[0:4]))
	b := &Box{Type: Type(binary.BigEndian.Uint32(header[4:8]))}
	headerLen := uint64(8)

	switch length {
	case 0:
		// the box runs to the end of the stream
		b.Contents, err = io.ReadAll(io.LimitReader(r.r, maxBoxSize+1))
		if err != nil {
			return nil, errors.Wrapf(err, "reading %s contents", b.Type)
		}
		if len(b.Contents) > maxBoxSize {
			return nil, errors.Errorf("box %s too large", b.Type)
		}
		r.offset += int64(len(b.Contents))
		return b, nil
	case 1:
		if _, err := io.ReadFull(r.r, header[8:16]); err != nil {
			return nil, errors.Wrap(err, "reading extended length")
		}
		length = binary.BigEndian.Uint64(header[8:16])
		headerLen = 16
		r.offset += 8
	}

	if length < headerLen {
		return nil, errors.Errorf("invalid box length: %d", length)
	}
	contentLen := length - headerLen
	if contentLen > maxBoxSize {
		return nil, errors.Errorf("box too large: %d bytes", contentLen)
	}
	b.Contents = make([]byte, contentLen)
	if _, err := io.ReadFull(r.r, b.Contents); err != nil {
		return nil, errors.Wrapf(err, "reading %s contents", b.Type)
	}
	r.offset += int64(contentLen)
	return b, nil
}

// ImageHeaderBox represents the image header box.
type ImageHeaderBox struct {
	Height            uint32
	Width             uint32
	NumComponents     uint16
	BitsPerComponent  uint8 // Ssiz style value, 0xFF when a bpcc box follows
	CompressionType   uint8 // Always 7 for JP2
	UnknownColorspace uint8
	IPR               uint8
}

// Parse parses the image header box contents.
func (b *ImageHeaderBox) Parse(data []byte) error {
	if len(data) < 14 {
		return errors.New("image header box too short")
	}
	b.Height = binary.BigEndian.Uint32(data[0:4])
	b.Width = binary.BigEndian.Uint32(data[4:8])
	b.NumComponents = binary.BigEndian.Uint16(data[8:10])
	b.BitsPerComponent = data[10]
	b.CompressionType = data[11]
	b.UnknownColorspace = data[12]
	b.IPR = data[13]
	return nil
}

// Bytes returns the box contents.
func (b *ImageHeaderBox) Bytes() []byte {
	data := make([]byte, 14)
	binary.BigEndian.PutUint32(data[0:4], b.Height)
	binary.BigEndian.PutUint32(data[4:8], b.Width)
	binary.BigEndian.PutUint16(data[8:10], b.NumComponents)
	data[10] = b.BitsPerComponent
	data[11] = b.CompressionType
	data[12] = b.UnknownColorspace
	data[13] = b.IPR
	return data
}

// Enumerated colorspace values used by the decoder (ISO/IEC 15444-1 Annex M).
const (
	CSYCbCr     = 1  // YCbCr(1)
	CSYCbCr2    = 3  // YCbCr(2), BT.601 625 lines
	CSYCbCr3    = 4  // YCbCr(3), BT.601 525 lines
	CSCMY       = 11 // CMY
	CSCMYK      = 12 // CMYK
	CSSRGB      = 16 // sRGB
	CSGray      = 17 // Grayscale
	CSsYCC      = 18 // sYCC
	CSYPbPr1125 = 22 // YPbPr(1125/60)
	CSYPbPr1250 = 23 // YPbPr(1250/50)
	CSeYCC      = 24 // e-sYCC
)

// ColorSpecBox represents color specification.
type ColorSpecBox struct {
	Method               uint8
	Precedence           uint8
	Approximation        uint8
	EnumeratedColorspace uint32
	ICCProfile           []byte
}

// Parse parses the color specification box.
func (b *ColorSpecBox) Parse(data []byte) error {
	if len(data) < 3 {
		return errors.New("color specification box too short")
	}
	b.Method = data[0]
	b.Precedence = data[1]
	b.Approximation = data[2]

	switch b.Method {
	case 1:
		if len(data) < 7 {
			return errors.New("color specification box too short for enumerated colorspace")
		}
		b.EnumeratedColorspace = binary.BigEndian.Uint32(data[3:7])
	case 2, 3:
		b.ICCProfile = data[3:]
	}
	return nil
}

// Bytes returns the box contents.
func (b *ColorSpecBox) Bytes() []byte {
	data := []byte{b.Method, b.Precedence, b.Approximation}
	if b.Method == 1 {
		return binary.BigEndian.AppendUint32(data, b.EnumeratedColorspace)
	}
	return append(data, b.ICCProfile...)
}

// JP2Header holds the parts of the jp2h super-box the decoder uses.
type JP2Header struct {
	ImageHeader *ImageHeaderBox
	// BitsPerComponent is set from a bpcc box.
	BitsPerComponent []uint8
	ColorSpec        *ColorSpecBox
}

// ParseJP2Header parses the contents of a JP2 header super-box.
func ParseJP2Header(data []byte) (*JP2Header, error) {
	h := &JP2Header{}
	r := NewReader(bytes.NewReader(data))
	for {
		b, err := r.ReadBox()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		switch b.Type {
		case TypeImageHeader:
			h.ImageHeader = &ImageHeaderBox{}
			if err := h.ImageHeader.Parse(b.Contents); err != nil {
				return nil, err
			}
		case TypeBitsPerComp:
			h.BitsPerComponent = append([]uint8(nil), b.Contents...)
		case TypeColorSpec:
			// only the first colr box is used
			if h.ColorSpec != nil {
				continue
			}
			h.ColorSpec = &ColorSpecBox{}
			if err := h.ColorSpec.Parse(b.Contents); err != nil {
				return nil, err
			}
		}
	}
	if h.ImageHeader == nil {
		return nil, errors.New("JP2 header lacks an image header box")
	}
	return h, nil
}

// File is a JP2 file with its codestream located.
type File struct {
	Header     *JP2Header
	Codestream []byte
}

// ReadJP2 reads boxes up to and including the first contiguous codestream.
func ReadJP2(r io.Reader) (*File, error) {
	br := NewReader(r)
	sig, err := br.ReadBox()
	if err != nil {
		return nil, errors.Wrap(err, "reading signature")
	}
	if sig.Type != TypeJP2Signature || !bytes.Equal(sig.Contents, Signature) {
		return nil, errors.WithStack(ErrNotJP2)
	}

	f := &File{}
	for {
		b, err := br.ReadBox()
		if errors.Is(err, io.EOF) {
			return nil, errors.New("no codestream found in JP2 file")
		}
		if err != nil {
			return nil, err
		}
		switch b.Type {
		case TypeFileType:
			if len(b.Contents) < 8 {
				return nil, errors.New("file type box too short")
			}
		case TypeJP2Header:
			if f.Header, err = ParseJP2Header(b.Contents); err != nil {
				return nil, errors.Wrap(err, "jp2h")
			}
		case TypeContCodestream:
			if f.Header == nil {
				return nil, errors.New("codestream box before JP2 header")
			}
			f.Codestream = b.Contents
			return f, nil
		}
	}
}

// AppendBox appends a box with the given contents.
func AppendBox(dst []byte, t Type, contents []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(8+len(contents)))
	dst = binary.BigEndian.AppendUint32(dst, uint32(t))
	return append(dst, contents...)
}

// AppendJP2 appends a minimal JP2 file: signature, file type, a header with
// ihdr and an enumerated colr box, and the codestream.
func AppendJP2(dst []byte, ihdr *ImageHeaderBox, colorspace uint32, codestream []byte) []byte {
	dst = AppendBox(dst, TypeJP2Signature, Signature)
	ftyp := binary.BigEndian.AppendUint32(nil, uint32(BrandJP2))
	ftyp = binary.BigEndian.AppendUint32(ftyp, 0)
	ftyp = binary.BigEndian.AppendUint32(ftyp, uint32(BrandJP2))
	dst = AppendBox(dst, TypeFileType, ftyp)

	colr := &ColorSpecBox{Method: 1, EnumeratedColorspace: colorspace}
	jp2h := AppendBox(nil, TypeImageHeader, ihdr.Bytes())
	jp2h = AppendBox(jp2h, TypeColorSpec, colr.Bytes())
	dst = AppendBox(dst, TypeJP2Header, jp2h)
	return AppendBox(dst, TypeContCodestream, codestream)
}

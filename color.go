package grok

import "github.com/phenopolis/grok/internal/box"

// colorConversion converts unsigned component planes to sRGB in place.
type colorConversion func(planes [][]int32, precision int)

// yccMatrix holds the inverse coefficients of a YCbCr style transform.
type yccMatrix struct {
	crR, cbG, crG, cbB float64
}

var (
	// ITU-R BT.709, used by sYCC, e-sYCC and HD YPbPr
	bt709 = yccMatrix{crR: 1.5748, cbG: 0.1873, crG: 0.4681, cbB: 1.8556}
	// ITU-R BT.601
	bt601 = yccMatrix{crR: 1.402, cbG: 0.344136, crG: 0.714136, cbB: 1.772}
)

func (m yccMatrix) convert(planes [][]int32, precision int) {
	if len(planes) < 3 {
		return
	}
	maxVal := float64(int32(1)<<precision - 1)
	half := float64(int32(1) << (precision - 1))
	for i := range planes[0] {
		y := float64(planes[0][i])
		cb := float64(planes[1][i]) - half
		cr := float64(planes[2][i]) - half
		planes[0][i] = clampRound(y+m.crR*cr, maxVal)
		planes[1][i] = clampRound(y-m.cbG*cb-m.crG*cr, maxVal)
		planes[2][i] = clampRound(y+m.cbB*cb, maxVal)
	}
}

// convertCMY inverts the subtractive primaries: R = 1-C, G = 1-M, B = 1-Y.
func convertCMY(planes [][]int32, precision int) {
	if len(planes) < 3 {
		return
	}
	maxVal := int32(1)<<precision - 1
	for _, plane := range planes[:3] {
		for i, v := range plane {
			plane[i] = maxVal - v
		}
	}
}

func clampRound(v, maxVal float64) int32 {
	if v < 0 {
		return 0
	}
	if v > maxVal {
		return int32(maxVal)
	}
	return int32(v + 0.5)
}

// colorConversionFor returns the conversion to sRGB for an enumerated JP2
// colour space, or nil when none applies. Conversions that change the
// number of components are not offered.
func colorConversionFor(jp2 *box.JP2Header) colorConversion {
	if jp2 == nil || jp2.ColorSpec == nil || jp2.ColorSpec.Method != 1 {
		return nil
	}
	switch jp2.ColorSpec.EnumeratedColorspace {
	case box.CSsYCC, box.CSYCbCr, box.CSYPbPr1125, box.CSYPbPr1250, box.CSeYCC:
		return bt709.convert
	case box.CSYCbCr2, box.CSYCbCr3:
		return bt601.convert
	case box.CSCMY:
		return convertCMY
	default:
		return nil
	}
}

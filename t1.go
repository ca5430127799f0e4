package grok

import "github.com/phenopolis/grok/internal/entropy"

// T1Decoder is the built-in BlockDecoder: EBCOT tier-1 decoding with the MQ
// arithmetic decoder. It supports the context reset, vertically causal and
// segmentation symbol code-block styles; blocks using arithmetic coding
// bypass, per-pass termination or high throughput coding fail with an
// error.
type T1Decoder struct{}

// DecodeBlock implements BlockDecoder.
func (T1Decoder) DecodeBlock(cb *CodeBlock, dst []int32) error {
	t := entropy.GetT1()
	defer entropy.PutT1(t)
	return t.Decode(&entropy.Block{
		Width:       cb.Rect.Width(),
		Height:      cb.Rect.Height(),
		Orientation: cb.Orientation,
		BitPlanes:   cb.NumBPS - cb.ZeroBitPlanes,
		Passes:      cb.NumPasses,
		Style:       cb.Style,
		Data:        cb.Data(),
	}, dst)
}

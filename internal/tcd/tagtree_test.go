package tcd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phenopolis/grok/internal/bio"
)

func TestTagTreeRoundTrip(t *testing.T) {
	values := []int{
		3, 1, 4, 1, 5,
		9, 2, 6, 5, 3,
		5, 8, 9, 7, 0,
	}
	const w, h = 5, 3

	enc := NewTagTree(w, h)
	for i, v := range values {
		enc.SetValue(i, v)
	}
	bw := bio.NewWriter()
	for threshold := 1; threshold <= 10; threshold++ {
		for i := range values {
			enc.Encode(bw, i, threshold)
		}
	}
	bw.Flush()

	dec := NewTagTree(w, h)
	r := bio.NewReader(bw.Bytes())
	for threshold := 1; threshold <= 10; threshold++ {
		for i, v := range values {
			below, err := dec.Decode(r, i, threshold)
			require.NoError(t, err)
			assert.Equal(t, v < threshold, below, "leaf %d threshold %d", i, threshold)
		}
	}
	for i, v := range values {
		assert.Equal(t, v, dec.Value(i))
	}
}

func TestTagTreeSingleLeaf(t *testing.T) {
	enc := NewTagTree(1, 1)
	enc.SetValue(0, 2)
	bw := bio.NewWriter()
	enc.Encode(bw, 0, 999)
	bw.Flush()
	// two zeros then a one
	assert.Equal(t, []byte{0b00100000}, bw.Bytes())

	dec := NewTagTree(1, 1)
	r := bio.NewReader(bw.Bytes())
	k := 1
	for {
		known, err := dec.Decode(r, 0, k)
		require.NoError(t, err)
		if known {
			break
		}
		k++
	}
	assert.Equal(t, 3, k)
}

func TestTagTreeDecodeTruncated(t *testing.T) {
	dec := NewTagTree(2, 2)
	_, err := dec.Decode(bio.NewReader(nil), 0, 1)
	assert.Error(t, err)
}

func TestTagTreeReset(t *testing.T) {
	tt := NewTagTree(2, 1)
	tt.SetValue(0, 1)
	assert.Equal(t, 1, tt.Value(0))
	tt.Reset()
	assert.Equal(t, tagInfinity, tt.Value(0))
}

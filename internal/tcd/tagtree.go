package tcd

import "github.com/phenopolis/grok/internal/bio"

const tagInfinity = 1 << 30

// TagTree codes a two-dimensional array of non-negative integers
// incrementally against rising thresholds (B.10.2).
type TagTree struct {
	width  int
	height int
	nodes  []tagNode
}

type tagNode struct {
	parent int // -1 at the root
	value  int
	low    int
	known  bool
}

// NewTagTree creates a tag tree with width x height leaves.
func NewTagTree(width, height int) *TagTree {
	t := &TagTree{width: width, height: height}
	if width <= 0 || height <= 0 {
		return t
	}

	// level sizes, leaves first
	var ws, hs []int
	w, h := width, height
	for {
		ws = append(ws, w)
		hs = append(hs, h)
		if w == 1 && h == 1 {
			break
		}
		w = (w + 1) / 2
		h = (h + 1) / 2
	}

	total := 0
	starts := make([]int, len(ws))
	for i := range ws {
		starts[i] = total
		total += ws[i] * hs[i]
	}
	t.nodes = make([]tagNode, total)
	for i := range ws {
		for y := 0; y < hs[i]; y++ {
			for x := 0; x < ws[i]; x++ {
				n := &t.nodes[starts[i]+y*ws[i]+x]
				n.parent = -1
				if i+1 < len(ws) {
					n.parent = starts[i+1] + (y/2)*ws[i+1] + x/2
				}
			}
		}
	}
	t.Reset()
	return t
}

// Reset forgets all coded state and values.
func (t *TagTree) Reset() {
	for i := range t.nodes {
		t.nodes[i].value = tagInfinity
		t.nodes[i].low = 0
		t.nodes[i].known = false
	}
}

// SetValue assigns a leaf value for encoding and propagates the minimum
// towards the root.
func (t *TagTree) SetValue(leaf, value int) {
	for n := leaf; n >= 0 && t.nodes[n].value > value; n = t.nodes[n].parent {
		t.nodes[n].value = value
	}
}

// Value returns the decoded value of a leaf, or a large sentinel if it is
// not known yet.
func (t *TagTree) Value(leaf int) int {
	return t.nodes[leaf].value
}

func (t *TagTree) path(leaf int, stk []int) []int {
	stk = stk[:0]
	for n := leaf; n >= 0; n = t.nodes[n].parent {
		stk = append(stk, n)
	}
	return stk
}

// Decode reads bits until it is known whether the leaf value is below
// threshold, and reports whether it is.
func (t *TagTree) Decode(r *bio.Reader, leaf, threshold int) (bool, error) {
	var buf [32]int
	stk := t.path(leaf, buf[:0])
	low := 0
	for i := len(stk) - 1; i >= 0; i-- {
		n := &t.nodes[stk[i]]
		if low > n.low {
			n.low = low
		} else {
			low = n.low
		}
		for low < threshold && low < n.value {
			bit, err := r.ReadBit()
			if err != nil {
				return false, err
			}
			if bit == 1 {
				n.value = low
			} else {
				low++
			}
		}
		n.low = low
	}
	return t.nodes[leaf].value < threshold, nil
}

// Encode writes the bits telling a decoder whether the leaf value is below
// threshold.
func (t *TagTree) Encode(w *bio.Writer, leaf, threshold int) {
	var buf [32]int
	stk := t.path(leaf, buf[:0])
	low := 0
	for i := len(stk) - 1; i >= 0; i-- {
		n := &t.nodes[stk[i]]
		if low > n.low {
			n.low = low
		} else {
			low = n.low
		}
		for low < threshold {
			if low >= n.value {
				if !n.known {
					w.WriteBit(1)
					n.known = true
				}
				break
			}
			w.WriteBit(0)
			low++
		}
		n.low = low
	}
}

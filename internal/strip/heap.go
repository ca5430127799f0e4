package strip

import "container/heap"

// bufHeap is a min-heap of finished strips ordered by index.
type bufHeap []Buf

func (h bufHeap) Len() int           { return len(h) }
func (h bufHeap) Less(i, j int) bool { return h[i].Index < h[j].Index }
func (h bufHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *bufHeap) Push(x any) { *h = append(*h, x.(Buf)) }

func (h *bufHeap) Pop() any {
	old := *h
	n := len(old)
	b := old[n-1]
	old[n-1] = Buf{}
	*h = old[:n-1]
	return b
}

// reorder releases buffers in strictly ascending index order, holding back
// any that arrive early.
type reorder struct {
	h    bufHeap
	next int
}

func (r *reorder) push(b Buf) {
	heap.Push(&r.h, b)
}

// ready pops every buffer that continues the sequence.
func (r *reorder) ready() []Buf {
	var out []Buf
	for r.h.Len() > 0 && r.h[0].Index == r.next {
		out = append(out, heap.Pop(&r.h).(Buf))
		r.next++
	}
	return out
}

// drain pops every held buffer, in order.
func (r *reorder) drain() []Buf {
	var out []Buf
	for r.h.Len() > 0 {
		out = append(out, heap.Pop(&r.h).(Buf))
	}
	return out
}

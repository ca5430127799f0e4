package strip

import (
	"github.com/pkg/errors"
)

// Pool recycles strip buffers. Get is first-fit by capacity. A Pool is not
// safe for concurrent use; the Cache guards it with its mutex.
type Pool struct {
	free []([]byte)

	// MaxBytes bounds the bytes the pool may allocate; zero means no bound.
	MaxBytes uint64

	allocated   uint64
	allocations int
}

func key(b []byte) *byte {
	return &b[:cap(b)][0]
}

// Get returns a buffer of length n, reusing the first pooled buffer whose
// capacity is large enough.
func (p *Pool) Get(n int) ([]byte, error) {
	for i, b := range p.free {
		if cap(b) >= n {
			p.free = append(p.free[:i], p.free[i+1:]...)
			b = b[:n]
			clear(b)
			return b, nil
		}
	}
	size := max(n, 1)
	if p.MaxBytes > 0 && p.allocated+uint64(size) > p.MaxBytes {
		return nil, errors.Wrapf(ErrOutOfMemory, "%d bytes requested, %d of %d in use", size, p.allocated, p.MaxBytes)
	}
	p.allocated += uint64(size)
	p.allocations++
	return make([]byte, n, size), nil
}

// Put returns b to the pool. Returning a buffer that is already pooled
// reports ErrDoubleReturn.
func (p *Pool) Put(b []byte) error {
	if cap(b) == 0 {
		return errors.New("strip: returned buffer has no storage")
	}
	k := key(b)
	for _, f := range p.free {
		if key(f) == k {
			return errors.WithStack(ErrDoubleReturn)
		}
	}
	p.free = append(p.free, b)
	return nil
}

// Allocations returns how many buffers the pool has allocated.
func (p *Pool) Allocations() int { return p.allocations }

// Len returns the number of pooled buffers.
func (p *Pool) Len() int { return len(p.free) }

package tcd

// PacketLengthIndex supplies declared packet lengths in the order the
// progression iterators produce packets.
type PacketLengthIndex interface {
	// Enabled reports whether the index holds any lengths.
	Enabled() bool
	// Next returns the next declared length, or false once exhausted.
	Next() (uint32, bool)
	// Rewind restarts at the first length.
	Rewind()
}

// PacketLengthCache is a PacketLengthIndex over lengths read from PLT or
// PLM segments.
type PacketLengthCache struct {
	lengths []uint32
	next    int
}

// NewPacketLengthCache wraps lengths in stream order.
func NewPacketLengthCache(lengths []uint32) *PacketLengthCache {
	return &PacketLengthCache{lengths: lengths}
}

func (c *PacketLengthCache) Enabled() bool {
	return c != nil && len(c.lengths) > 0
}

func (c *PacketLengthCache) Next() (uint32, bool) {
	if c.next >= len(c.lengths) {
		return 0, false
	}
	l := c.lengths[c.next]
	c.next++
	return l, true
}

func (c *PacketLengthCache) Rewind() {
	c.next = 0
}

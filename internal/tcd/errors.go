package tcd

import "github.com/pkg/errors"

var (
	// ErrTruncated is returned when a packet needs more bytes than the tile
	// holds. Decoding of the tile stops but keeps what was decoded.
	ErrTruncated = errors.New("tcd: truncated packet")
	// ErrCorrupt is returned for a packet header that cannot be valid.
	ErrCorrupt = errors.New("tcd: corrupt packet")
	// ErrUnknownProgression is returned for an undefined progression order.
	ErrUnknownProgression = errors.New("tcd: unknown progression order")
	// ErrNoPacketsDecoded is returned when a tile yields no packets at all.
	ErrNoPacketsDecoded = errors.New("tcd: no packets decoded")
	// ErrOutOfMemory is returned when a window allocation is refused.
	ErrOutOfMemory = errors.New("tcd: out of memory")
	// ErrStaleView is returned when a view outlives its owner's storage.
	ErrStaleView = errors.New("tcd: window view outlived its owner")
)

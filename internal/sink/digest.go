package sink

import (
	"hash"

	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2b"

	"github.com/phenopolis/grok/internal/strip"
)

// Digest hashes strips with BLAKE2b-256 and fails if they arrive out of
// order. It keeps no reference to strip data.
type Digest struct {
	h      hash.Hash
	strips [][blake2b.Size256]byte
	rows   int
}

// NewDigest returns an empty digest.
func NewDigest() *Digest {
	h, err := blake2b.New256(nil)
	if err != nil {
		// only fails for oversized keys
		panic(err)
	}
	return &Digest{h: h}
}

func (d *Digest) Serialize(b strip.Buf) error {
	if b.Index != len(d.strips) {
		return errors.Errorf("sink: strip %d arrived, want %d", b.Index, len(d.strips))
	}
	d.h.Write(b.Data)
	d.strips = append(d.strips, blake2b.Sum256(b.Data))
	d.rows += b.Rect.Height()
	return nil
}

// Sum returns the digest of every strip in order.
func (d *Digest) Sum() []byte { return d.h.Sum(nil) }

// Strips returns the per-strip digests.
func (d *Digest) Strips() [][blake2b.Size256]byte { return d.strips }

// Rows returns the number of rows hashed.
func (d *Digest) Rows() int { return d.rows }

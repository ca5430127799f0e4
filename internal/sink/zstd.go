package sink

import (
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"

	"github.com/phenopolis/grok/internal/strip"
)

// ErrClosed is returned by Serialize once the spool is closed.
var ErrClosed = errors.New("sink: zstd spool closed")

// Frame locates one compressed strip in a zstd spool.
type Frame struct {
	Index  int
	Offset int64
	Size   int
}

// Zstd compresses each strip into its own zstd frame on a background
// goroutine. When a reclaim callback is registered, strips are handed back
// from that goroutine once compressed; otherwise Serialize compresses
// synchronously.
type Zstd struct {
	w       io.Writer
	enc     *zstd.Encoder
	reclaim func(strip.Buf) error

	queue chan strip.Buf
	done  chan struct{}
	once  sync.Once

	// state guards closed and the queue against Close.
	state  sync.RWMutex
	closed bool

	mu     sync.Mutex
	err    error
	pos    int64
	frames []Frame
	dst    []byte
}

// NewZstd returns a spool writing frames to w. Extra encoder options are
// applied after the defaults.
func NewZstd(w io.Writer, opts ...zstd.EOption) (*Zstd, error) {
	opts = append([]zstd.EOption{
		zstd.WithEncoderConcurrency(1),
		zstd.WithEncoderLevel(zstd.SpeedDefault),
		zstd.WithLowerEncoderMem(true),
	}, opts...)
	enc, err := zstd.NewWriter(nil, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "create zstd encoder")
	}
	return &Zstd{
		w:     w,
		enc:   enc,
		queue: make(chan strip.Buf, 4),
		done:  make(chan struct{}),
	}, nil
}

// RegisterReclaim implements strip.ReclaimRegistrar and starts the
// background encoder.
func (z *Zstd) RegisterReclaim(fn func(strip.Buf) error) {
	z.reclaim = fn
	z.once.Do(func() { go z.run() })
}

func (z *Zstd) run() {
	defer close(z.done)
	for b := range z.queue {
		if err := z.encode(b); err != nil {
			z.fail(err)
		}
		if err := z.reclaim(b); err != nil {
			z.fail(err)
		}
	}
}

func (z *Zstd) fail(err error) {
	z.mu.Lock()
	defer z.mu.Unlock()
	if z.err == nil {
		z.err = err
	}
}

func (z *Zstd) encode(b strip.Buf) error {
	z.mu.Lock()
	defer z.mu.Unlock()
	if z.err != nil {
		return nil
	}
	z.dst = z.enc.EncodeAll(b.Data, z.dst[:0])
	if _, err := z.w.Write(z.dst); err != nil {
		return errors.Wrapf(err, "write strip %d", b.Index)
	}
	z.frames = append(z.frames, Frame{Index: b.Index, Offset: z.pos, Size: len(z.dst)})
	z.pos += int64(len(z.dst))
	return nil
}

// Serialize queues b for compression. Errors from earlier strips are
// reported on the next call.
func (z *Zstd) Serialize(b strip.Buf) error {
	z.state.RLock()
	defer z.state.RUnlock()
	if z.closed {
		return errors.WithStack(ErrClosed)
	}
	z.mu.Lock()
	err := z.err
	z.mu.Unlock()
	if err != nil {
		return err
	}
	if z.reclaim == nil {
		if err := z.encode(b); err != nil {
			z.fail(err)
			return err
		}
		return nil
	}
	z.queue <- b
	return nil
}

// Close waits for queued strips and releases the encoder. Later calls
// return the same error.
func (z *Zstd) Close() error {
	z.state.Lock()
	if !z.closed {
		z.closed = true
		if z.reclaim != nil {
			close(z.queue)
			<-z.done
		}
		if err := z.enc.Close(); err != nil {
			z.fail(errors.Wrap(err, "close zstd encoder"))
		}
	}
	z.state.Unlock()
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.err
}

// Frames returns the frame table in write order.
func (z *Zstd) Frames() []Frame {
	z.mu.Lock()
	defer z.mu.Unlock()
	return append([]Frame(nil), z.frames...)
}

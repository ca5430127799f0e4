// Package strip assembles decoded tiles into full-width image strips and
// hands them to a sink in top-to-bottom order.
//
// A strip is one row of tiles. Tiles finish in any order and from any
// goroutine; each strip is serialized once, after all of its tiles have been
// composited, and never before the strips above it.
package strip

import (
	"log/slog"
	"sync"

	"github.com/pkg/errors"

	"github.com/phenopolis/grok/internal/geom"
)

var (
	// ErrOutOfMemory is returned when the pool may not allocate another buffer.
	ErrOutOfMemory = errors.New("strip: out of memory")
	// ErrDoubleReturn is returned when a buffer is given back to the pool twice.
	ErrDoubleReturn = errors.New("strip: buffer returned twice")
	// ErrIncomplete is returned by Close when strips were never finished.
	ErrIncomplete = errors.New("strip: image incomplete")
)

// Buf is a finished strip.
type Buf struct {
	// Index counts strips from the top of the output image.
	Index int
	// Rect is the output region covered by the strip.
	Rect geom.Rect
	// Data holds Rect.Height() packed rows of interleaved samples.
	Data []byte
}

// Sink consumes finished strips in ascending index order.
type Sink interface {
	Serialize(b Buf) error
}

// ReclaimRegistrar is implemented by sinks that hold on to strip data past
// Serialize. The sink calls the registered function once it is done with a
// buffer, which hands the buffer back to the pool.
type ReclaimRegistrar interface {
	RegisterReclaim(fn func(Buf) error)
}

// Config describes the output image and its tile grid.
type Config struct {
	// Image is the output region on the reduced grid.
	Image geom.Rect
	// CanvasY0 is the top of the decoded region on the full resolution canvas.
	CanvasY0 int
	// TileGridY0 and TileHeight locate tile rows on the full resolution canvas.
	TileGridY0 int
	TileHeight int
	// Dy is the vertical subsampling of the components; zero means 1.
	Dy int
	// Reduce is the number of discarded resolution levels.
	Reduce uint
	// TilesPerStrip is the number of tile columns covering Image.
	TilesPerStrip  int
	NumComponents  int
	BytesPerSample int
	// MaxPoolBytes bounds strip buffer memory; zero means no bound.
	MaxPoolBytes uint64
}

// PixelBytes returns the size of one interleaved pixel.
func (c Config) PixelBytes() int { return c.NumComponents * c.BytesPerSample }

// PackedRowBytes returns the size of one output row.
func (c Config) PackedRowBytes() int { return c.Image.Width() * c.PixelBytes() }

func (c Config) validate() error {
	switch {
	case c.Image.Empty():
		return errors.Errorf("strip: empty image %v", c.Image)
	case c.TileHeight <= 0:
		return errors.Errorf("strip: invalid tile height %d", c.TileHeight)
	case c.TilesPerStrip <= 0:
		return errors.Errorf("strip: invalid tiles per strip %d", c.TilesPerStrip)
	case c.NumComponents <= 0:
		return errors.Errorf("strip: invalid component count %d", c.NumComponents)
	case c.BytesPerSample != 1 && c.BytesPerSample != 2:
		return errors.Errorf("strip: unsupported sample size %d", c.BytesPerSample)
	case c.CanvasY0 < c.TileGridY0:
		return errors.Errorf("strip: canvas origin %d above tile grid %d", c.CanvasY0, c.TileGridY0)
	}
	return nil
}

// Tile is one decoded tile, already packed.
type Tile struct {
	// CanvasY0 is the tile's top row on the full resolution canvas.
	CanvasY0 int
	// Rect is the region of the output image the tile covers.
	Rect geom.Rect
	// Data holds Rect.Height() rows of Stride bytes.
	Data   []byte
	Stride int
}

type stripState struct {
	rect    geom.Rect
	started int
	done    int
	buf     []byte
}

// Cache collects tiles into strips.
type Cache struct {
	cfg      Config
	sink     Sink
	log      *slog.Logger
	reclaims bool
	firstRow int

	// mu guards the strip states, the pool and the reorder heap.
	mu     sync.Mutex
	strips []stripState
	pool   Pool
	order  reorder
	// err is the first sink failure; once set no strip is serialized.
	err error

	// serializeMu keeps sink calls in heap pop order.
	serializeMu sync.Mutex
}

// NewCache returns a cache writing to sink. When sink implements
// ReclaimRegistrar the cache registers ReturnBufferToPool with it; otherwise
// buffers go back to the pool as soon as Serialize returns.
func NewCache(cfg Config, sink Sink, log *slog.Logger) (*Cache, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if sink == nil {
		return nil, errors.New("strip: nil sink")
	}
	if log == nil {
		log = slog.Default()
	}
	c := &Cache{
		cfg:      cfg,
		sink:     sink,
		log:      log,
		firstRow: (cfg.CanvasY0 - cfg.TileGridY0) / cfg.TileHeight,
		pool:     Pool{MaxBytes: cfg.MaxPoolBytes},
	}
	for i := 0; ; i++ {
		r := c.stripRect(i)
		if r.Empty() {
			break
		}
		c.strips = append(c.strips, stripState{rect: r})
	}
	if rr, ok := sink.(ReclaimRegistrar); ok {
		rr.RegisterReclaim(c.ReturnBufferToPool)
		c.reclaims = true
	}
	return c, nil
}

// boundary maps a canvas row onto the reduced component grid.
func (c *Cache) boundary(y int) int {
	return geom.CeilDivPow2(geom.CeilDiv(y, max(c.cfg.Dy, 1)), c.cfg.Reduce)
}

func (c *Cache) stripRect(i int) geom.Rect {
	row := c.firstRow + i
	y0 := c.boundary(c.cfg.TileGridY0 + row*c.cfg.TileHeight)
	y1 := c.boundary(c.cfg.TileGridY0 + (row+1)*c.cfg.TileHeight)
	return geom.R(c.cfg.Image.X0, max(y0, c.cfg.Image.Y0), c.cfg.Image.X1, min(y1, c.cfg.Image.Y1))
}

// NumStrips returns the number of strips in the image.
func (c *Cache) NumStrips() int { return len(c.strips) }

// StripRect returns the output region of strip i.
func (c *Cache) StripRect(i int) geom.Rect { return c.strips[i].rect }

// StripIndex maps a tile's top canvas row to its strip.
func (c *Cache) StripIndex(canvasY0 int) int {
	return (canvasY0-c.cfg.TileGridY0)/c.cfg.TileHeight - c.firstRow
}

// IngestTile composites t into its strip. The call that completes a strip
// serializes it, together with any later strips that were waiting on it.
func (c *Cache) IngestTile(t Tile) error {
	idx := c.StripIndex(t.CanvasY0)
	if idx < 0 || idx >= len(c.strips) {
		return errors.Errorf("strip: tile at canvas row %d is outside the image", t.CanvasY0)
	}

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return err
	}
	s := &c.strips[idx]
	if s.started == c.cfg.TilesPerStrip {
		c.mu.Unlock()
		return errors.Errorf("strip: strip %d already has %d tiles", idx, c.cfg.TilesPerStrip)
	}
	s.started++
	if s.buf == nil {
		buf, err := c.pool.Get(c.cfg.PackedRowBytes() * s.rect.Height())
		if err != nil {
			s.started--
			c.mu.Unlock()
			return errors.Wrapf(err, "strip %d", idx)
		}
		s.buf = buf
	}
	buf, rect := s.buf, s.rect
	c.mu.Unlock()

	c.composite(buf, rect, t)

	c.mu.Lock()
	s.done++
	complete := s.done == c.cfg.TilesPerStrip
	c.mu.Unlock()
	if !complete {
		return nil
	}
	return c.finish(idx)
}

func (c *Cache) composite(buf []byte, rect geom.Rect, t Tile) {
	r := t.Rect.Intersect(rect)
	if r.Empty() {
		return
	}
	pb := c.cfg.PixelBytes()
	rowBytes := c.cfg.PackedRowBytes()
	n := r.Width() * pb
	for y := r.Y0; y < r.Y1; y++ {
		src := (y-t.Rect.Y0)*t.Stride + (r.X0-t.Rect.X0)*pb
		dst := (y-rect.Y0)*rowBytes + (r.X0-rect.X0)*pb
		copy(buf[dst:dst+n], t.Data[src:src+n])
	}
}

func (c *Cache) finish(idx int) error {
	c.serializeMu.Lock()
	defer c.serializeMu.Unlock()

	c.mu.Lock()
	s := &c.strips[idx]
	buf := s.buf
	s.buf = nil
	if c.err != nil {
		c.release(buf)
		err := c.err
		c.mu.Unlock()
		return err
	}
	c.order.push(Buf{Index: idx, Rect: s.rect, Data: buf})
	ready := c.order.ready()
	c.mu.Unlock()

	for i, b := range ready {
		c.log.Debug("serializing strip", "index", b.Index, "rows", b.Rect.Height())
		if err := c.sink.Serialize(b); err != nil {
			return c.fail(errors.Wrapf(err, "serialize strip %d", b.Index), ready[i:])
		}
		if !c.reclaims {
			if err := c.ReturnBufferToPool(b); err != nil {
				return c.fail(err, ready[i+1:])
			}
		}
	}
	return nil
}

// fail records err as the cache's error and takes back the buffers that
// will never reach the sink: the unwritten rest of a ready run and every
// strip still waiting in the reorder heap.
func (c *Cache) fail(err error, unwritten []Buf) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
	for _, b := range unwritten {
		c.release(b.Data)
	}
	for _, b := range c.order.drain() {
		c.release(b.Data)
	}
	c.log.Error("strip sink failed", "error", err)
	return err
}

// release pools buf. Called with mu held.
func (c *Cache) release(buf []byte) {
	if buf == nil {
		return
	}
	if err := c.pool.Put(buf); err != nil {
		c.log.Warn("strip buffer not pooled", "error", err)
	}
}

// ReturnBufferToPool hands a serialized strip's storage back for reuse.
func (c *Cache) ReturnBufferToPool(b Buf) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pool.Put(b.Data)
}

// Allocations returns how many strip buffers have been allocated.
func (c *Cache) Allocations() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pool.Allocations()
}

// Pooled returns the number of buffers waiting in the pool.
func (c *Cache) Pooled() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pool.Len()
}

// Close reports whether every strip reached the sink. After a sink failure
// it returns that failure.
func (c *Cache) Close() error {
	c.serializeMu.Lock()
	defer c.serializeMu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	if c.order.next != len(c.strips) {
		return errors.Wrapf(ErrIncomplete, "%d of %d strips written", c.order.next, len(c.strips))
	}
	return nil
}

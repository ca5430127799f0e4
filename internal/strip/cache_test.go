package strip

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/phenopolis/grok/internal/geom"
)

type recordingSink struct {
	mu      sync.Mutex
	indices []int
	rows    map[int][]byte
}

func (s *recordingSink) Serialize(b Buf) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.indices = append(s.indices, b.Index)
	if s.rows == nil {
		s.rows = map[int][]byte{}
	}
	s.rows[b.Index] = append([]byte(nil), b.Data...)
	return nil
}

type holdingSink struct {
	recordingSink
	reclaim func(Buf) error
	held    []Buf
}

func (s *holdingSink) RegisterReclaim(fn func(Buf) error) { s.reclaim = fn }

func (s *holdingSink) Serialize(b Buf) error {
	s.held = append(s.held, b)
	return s.recordingSink.Serialize(b)
}

type failingSink struct {
	recordingSink
	fail int
	err  error
}

func (s *failingSink) Serialize(b Buf) error {
	if b.Index == s.fail {
		return s.err
	}
	return s.recordingSink.Serialize(b)
}

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// grid is a 10x7 image of 5x3 tiles with one byte per pixel.
func gridConfig() Config {
	return Config{
		Image:          geom.R(0, 0, 10, 7),
		TileHeight:     3,
		TilesPerStrip:  2,
		NumComponents:  1,
		BytesPerSample: 1,
	}
}

func gridTiles() []Tile {
	var tiles []Tile
	for ty := 0; ty < 3; ty++ {
		for tx := 0; tx < 2; tx++ {
			r := geom.R(tx*5, ty*3, tx*5+5, min(ty*3+3, 7))
			data := make([]byte, r.Area())
			for i := range data {
				data[i] = byte(10*ty + tx + 1)
			}
			tiles = append(tiles, Tile{CanvasY0: r.Y0, Rect: r, Data: data, Stride: 5})
		}
	}
	return tiles
}

func expectedStrip(ty, rows int) []byte {
	var out []byte
	for y := 0; y < rows; y++ {
		for x := 0; x < 10; x++ {
			out = append(out, byte(10*ty+x/5+1))
		}
	}
	return out
}

func TestStripGeometry(t *testing.T) {
	c, err := NewCache(gridConfig(), &recordingSink{}, discard)
	require.NoError(t, err)
	require.Equal(t, 3, c.NumStrips())
	assert.Equal(t, geom.R(0, 0, 10, 3), c.StripRect(0))
	assert.Equal(t, geom.R(0, 6, 10, 7), c.StripRect(2))
	assert.Equal(t, 10, gridConfig().PackedRowBytes())
}

func TestStripIndexOffsetGrid(t *testing.T) {
	cfg := Config{
		Image:          geom.R(0, 5, 8, 40),
		CanvasY0:       5,
		TileHeight:     16,
		TilesPerStrip:  1,
		NumComponents:  3,
		BytesPerSample: 2,
	}
	c, err := NewCache(cfg, &recordingSink{}, discard)
	require.NoError(t, err)
	require.Equal(t, 3, c.NumStrips())
	assert.Equal(t, 0, c.StripIndex(5))
	assert.Equal(t, 1, c.StripIndex(16))
	assert.Equal(t, 2, c.StripIndex(32))
	assert.Equal(t, geom.R(0, 5, 8, 16), c.StripRect(0))

	cfg.Image = geom.R(0, 3, 4, 20)
	cfg.Reduce = 1
	c, err = NewCache(cfg, &recordingSink{}, discard)
	require.NoError(t, err)
	require.Equal(t, 3, c.NumStrips())
	assert.Equal(t, geom.R(0, 3, 4, 8), c.StripRect(0))
	assert.Equal(t, geom.R(0, 8, 4, 16), c.StripRect(1))
	assert.Equal(t, geom.R(0, 16, 4, 20), c.StripRect(2))
	assert.Equal(t, 24, cfg.PackedRowBytes())

	// vertical subsampling by 3 on top of the reduction
	cfg.Image = geom.R(0, 1, 2, 7)
	cfg.Dy = 3
	c, err = NewCache(cfg, &recordingSink{}, discard)
	require.NoError(t, err)
	require.Equal(t, 3, c.NumStrips())
	assert.Equal(t, geom.R(0, 1, 2, 3), c.StripRect(0))
	assert.Equal(t, geom.R(0, 3, 2, 6), c.StripRect(1))
	assert.Equal(t, geom.R(0, 6, 2, 7), c.StripRect(2))
}

func TestIngestReverseOrder(t *testing.T) {
	sink := &recordingSink{}
	c, err := NewCache(gridConfig(), sink, discard)
	require.NoError(t, err)

	tiles := gridTiles()
	for i := len(tiles) - 1; i >= 0; i-- {
		require.NoError(t, c.IngestTile(tiles[i]))
		if i > 1 {
			assert.Empty(t, sink.indices, "nothing may be written before strip 0")
		}
	}
	assert.Equal(t, []int{0, 1, 2}, sink.indices)
	assert.Equal(t, expectedStrip(0, 3), sink.rows[0])
	assert.Equal(t, expectedStrip(1, 3), sink.rows[1])
	assert.Equal(t, expectedStrip(2, 1), sink.rows[2])
	require.NoError(t, c.Close())
}

func TestIngestConcurrent(t *testing.T) {
	for seed := int64(0); seed < 8; seed++ {
		sink := &recordingSink{}
		c, err := NewCache(gridConfig(), sink, discard)
		require.NoError(t, err)

		tiles := gridTiles()
		rand.New(rand.NewSource(seed)).Shuffle(len(tiles), func(i, j int) { tiles[i], tiles[j] = tiles[j], tiles[i] })
		g, _ := errgroup.WithContext(context.Background())
		for _, tile := range tiles {
			tile := tile
			g.Go(func() error { return c.IngestTile(tile) })
		}
		require.NoError(t, g.Wait())
		require.Equal(t, []int{0, 1, 2}, sink.indices, "seed %d", seed)
		assert.Equal(t, expectedStrip(1, 3), sink.rows[1])
		require.NoError(t, c.Close())
	}
}

func TestPoolReuse(t *testing.T) {
	sink := &recordingSink{}
	c, err := NewCache(gridConfig(), sink, discard)
	require.NoError(t, err)
	for _, tile := range gridTiles() {
		require.NoError(t, c.IngestTile(tile))
	}
	assert.Equal(t, 1, c.Allocations())
	assert.Equal(t, expectedStrip(2, 1), sink.rows[2])
}

func TestReclaimRegistrar(t *testing.T) {
	sink := &holdingSink{}
	c, err := NewCache(gridConfig(), sink, discard)
	require.NoError(t, err)
	require.NotNil(t, sink.reclaim)

	tiles := gridTiles()
	for _, tile := range tiles[:4] {
		require.NoError(t, c.IngestTile(tile))
	}
	// the sink still holds strip 0, so strip 1 needed its own buffer
	assert.Equal(t, 2, c.Allocations())

	require.NoError(t, sink.reclaim(sink.held[0]))
	require.ErrorIs(t, sink.reclaim(sink.held[0]), ErrDoubleReturn)

	for _, tile := range tiles[4:] {
		require.NoError(t, c.IngestTile(tile))
	}
	assert.Equal(t, 2, c.Allocations())
	assert.Equal(t, []int{0, 1, 2}, sink.indices)
}

func TestIngestErrors(t *testing.T) {
	c, err := NewCache(gridConfig(), &recordingSink{}, discard)
	require.NoError(t, err)
	tiles := gridTiles()

	assert.Error(t, c.IngestTile(Tile{CanvasY0: 9}))
	require.NoError(t, c.IngestTile(tiles[0]))
	require.NoError(t, c.IngestTile(tiles[1]))
	assert.Error(t, c.IngestTile(tiles[1]), "strip 0 is already complete")
	assert.ErrorIs(t, c.Close(), ErrIncomplete)
}

func TestSinkFailureIsSticky(t *testing.T) {
	sink := &failingSink{fail: 1, err: errors.New("disk full")}
	c, err := NewCache(gridConfig(), sink, discard)
	require.NoError(t, err)

	tiles := gridTiles()
	// strips 2 and 1 wait in the heap until strip 0 releases all three
	for _, i := range []int{4, 5, 2, 3, 0} {
		require.NoError(t, c.IngestTile(tiles[i]))
	}
	err = c.IngestTile(tiles[1])
	require.ErrorIs(t, err, sink.err)

	assert.Equal(t, []int{0}, sink.indices, "nothing after the failed strip reaches the sink")
	assert.Equal(t, 3, c.Allocations())
	assert.Equal(t, 3, c.Pooled(), "unwritten strips go back to the pool")

	assert.ErrorIs(t, c.IngestTile(tiles[0]), sink.err)
	assert.ErrorIs(t, c.Close(), sink.err)
	assert.Equal(t, []int{0}, sink.indices)
}

func TestPoolLimit(t *testing.T) {
	cfg := gridConfig()
	cfg.MaxPoolBytes = 40
	sink := &holdingSink{}
	c, err := NewCache(cfg, sink, discard)
	require.NoError(t, err)
	tiles := gridTiles()
	require.NoError(t, c.IngestTile(tiles[0]))
	require.NoError(t, c.IngestTile(tiles[1]))
	assert.ErrorIs(t, c.IngestTile(tiles[2]), ErrOutOfMemory)
}

func TestNewCacheErrors(t *testing.T) {
	for name, mutate := range map[string]func(*Config){
		"empty image":   func(c *Config) { c.Image = geom.Rect{} },
		"tile height":   func(c *Config) { c.TileHeight = 0 },
		"tiles":         func(c *Config) { c.TilesPerStrip = 0 },
		"components":    func(c *Config) { c.NumComponents = 0 },
		"sample size":   func(c *Config) { c.BytesPerSample = 4 },
		"canvas origin": func(c *Config) { c.TileGridY0 = 2 },
	} {
		name, mutate := name, mutate
		t.Run(name, func(t *testing.T) {
			cfg := gridConfig()
			mutate(&cfg)
			_, err := NewCache(cfg, &recordingSink{}, discard)
			assert.Error(t, err)
		})
	}
	_, err := NewCache(gridConfig(), nil, discard)
	assert.Error(t, err)
}

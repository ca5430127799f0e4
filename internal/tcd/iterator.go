package tcd

import (
	"github.com/pkg/errors"

	"github.com/phenopolis/grok/internal/codestream"
	"github.com/phenopolis/grok/internal/geom"
)

// Packet identifies one packet of a tile.
type Packet struct {
	Layer      int
	Resolution int
	Component  int
	Precinct   int
}

// Visited records packets already produced so that overlapping
// progression volumes yield each packet once.
type Visited map[Packet]struct{}

// PacketIterator iterates over the packets of one progression volume in
// progression order.
type PacketIterator struct {
	tile    *Tile
	prog    codestream.ProgressionOrderChange
	visited Visited
	packets []Packet
	pos     int
}

// NewPacketIterator enumerates the packets of prog. Packets already in
// visited are left out and the new ones are added to it; visited may be
// nil.
func NewPacketIterator(t *Tile, prog codestream.ProgressionOrderChange, visited Visited) (*PacketIterator, error) {
	if !prog.ProgressionOrder.Valid() {
		return nil, errors.Wrapf(ErrUnknownProgression, "order %d", uint8(prog.ProgressionOrder))
	}
	if visited == nil {
		visited = make(Visited)
	}
	pi := &PacketIterator{tile: t, prog: prog, visited: visited}
	switch prog.ProgressionOrder {
	case codestream.LRCP:
		pi.lrcp()
	case codestream.RLCP:
		pi.rlcp()
	case codestream.RPCL:
		pi.rpcl()
	case codestream.PCRL:
		pi.pcrl()
	case codestream.CPRL:
		pi.cprl()
	}
	return pi, nil
}

// Next returns the next packet. It returns false when all packets have
// been visited.
func (pi *PacketIterator) Next() (Packet, bool) {
	if pi.pos >= len(pi.packets) {
		return Packet{}, false
	}
	p := pi.packets[pi.pos]
	pi.pos++
	return p, true
}

// Reset restarts the iteration at the first packet.
func (pi *PacketIterator) Reset() {
	pi.pos = 0
}

// Len returns the number of packets in the volume.
func (pi *PacketIterator) Len() int {
	return len(pi.packets)
}

func (pi *PacketIterator) layers() int {
	return min(int(pi.prog.LayerEnd), pi.tile.NumLayers)
}

func (pi *PacketIterator) comps() (int, int) {
	return int(pi.prog.ComponentStart), min(int(pi.prog.ComponentEnd), len(pi.tile.Components))
}

func (pi *PacketIterator) resolutions() (int, int) {
	end := 0
	for _, tc := range pi.tile.Components {
		end = max(end, tc.NumResolutions())
	}
	return int(pi.prog.ResolutionStart), min(int(pi.prog.ResolutionEnd), end)
}

func (pi *PacketIterator) emit(l, r, c, p int) {
	tc := pi.tile.Components[c]
	if r >= tc.NumResolutions() || p < 0 || p >= tc.Resolutions[r].NumPrecincts() {
		return
	}
	pkt := Packet{Layer: l, Resolution: r, Component: c, Precinct: p}
	if _, ok := pi.visited[pkt]; ok {
		return
	}
	pi.visited[pkt] = struct{}{}
	pi.packets = append(pi.packets, pkt)
}

func (pi *PacketIterator) precincts(r, c int) int {
	tc := pi.tile.Components[c]
	if r >= tc.NumResolutions() {
		return 0
	}
	return tc.Resolutions[r].NumPrecincts()
}

func (pi *PacketIterator) lrcp() {
	cs, ce := pi.comps()
	rs, re := pi.resolutions()
	for l := 0; l < pi.layers(); l++ {
		for r := rs; r < re; r++ {
			for c := cs; c < ce; c++ {
				for p := 0; p < pi.precincts(r, c); p++ {
					pi.emit(l, r, c, p)
				}
			}
		}
	}
}

func (pi *PacketIterator) rlcp() {
	cs, ce := pi.comps()
	rs, re := pi.resolutions()
	for r := rs; r < re; r++ {
		for l := 0; l < pi.layers(); l++ {
			for c := cs; c < ce; c++ {
				for p := 0; p < pi.precincts(r, c); p++ {
					pi.emit(l, r, c, p)
				}
			}
		}
	}
}

// step returns the precinct spacing of (r, c) on the canvas.
func (pi *PacketIterator) step(r, c int) (int, int) {
	tc := pi.tile.Components[c]
	res := tc.Resolutions[r]
	level := uint(tc.NumResolutions() - 1 - r)
	return tc.Dx << (res.PrecinctExpX + level), tc.Dy << (res.PrecinctExpY + level)
}

// minStep returns the smallest precinct spacing over the given components
// and resolutions.
func (pi *PacketIterator) minStep(cs, ce, rs, re int) (int, int) {
	sx, sy := 1<<30, 1<<30
	for c := cs; c < ce; c++ {
		for r := rs; r < min(re, pi.tile.Components[c].NumResolutions()); r++ {
			x, y := pi.step(r, c)
			sx = min(sx, x)
			sy = min(sy, y)
		}
	}
	return sx, sy
}

// precinctAt returns the precinct of (r, c) that starts at canvas position
// (x, y), or -1 when no precinct starts there (B.12.1.3).
func (pi *PacketIterator) precinctAt(r, c, x, y int) int {
	tc := pi.tile.Components[c]
	if r >= tc.NumResolutions() {
		return -1
	}
	res := tc.Resolutions[r]
	if res.NumPrecincts() == 0 || res.Rect.Empty() {
		return -1
	}
	t := pi.tile.Rect
	level := uint(tc.NumResolutions() - 1 - r)
	rpx := res.PrecinctExpX + level
	rpy := res.PrecinctExpY + level
	alignedY := y%(tc.Dy<<rpy) == 0 || (y == t.Y0 && (res.Rect.Y0<<level)%(1<<rpy) != 0)
	alignedX := x%(tc.Dx<<rpx) == 0 || (x == t.X0 && (res.Rect.X0<<level)%(1<<rpx) != 0)
	if !alignedX || !alignedY {
		return -1
	}
	px := geom.FloorDivPow2(geom.CeilDiv(x, tc.Dx<<level), res.PrecinctExpX) - geom.FloorDivPow2(res.Rect.X0, res.PrecinctExpX)
	py := geom.FloorDivPow2(geom.CeilDiv(y, tc.Dy<<level), res.PrecinctExpY) - geom.FloorDivPow2(res.Rect.Y0, res.PrecinctExpY)
	if px < 0 || px >= res.PrecinctsX || py < 0 || py >= res.PrecinctsY {
		return -1
	}
	return py*res.PrecinctsX + px
}

// posStep advances p to the next multiple of step.
func posStep(p, step int) int {
	return step - p%step
}

func (pi *PacketIterator) rpcl() {
	cs, ce := pi.comps()
	rs, re := pi.resolutions()
	t := pi.tile.Rect
	for r := rs; r < re; r++ {
		sx, sy := pi.minStep(cs, ce, r, r+1)
		if sx == 1<<30 {
			continue
		}
		for y := t.Y0; y < t.Y1; y += posStep(y, sy) {
			for x := t.X0; x < t.X1; x += posStep(x, sx) {
				for c := cs; c < ce; c++ {
					p := pi.precinctAt(r, c, x, y)
					if p < 0 {
						continue
					}
					for l := 0; l < pi.layers(); l++ {
						pi.emit(l, r, c, p)
					}
				}
			}
		}
	}
}

func (pi *PacketIterator) pcrl() {
	cs, ce := pi.comps()
	rs, re := pi.resolutions()
	t := pi.tile.Rect
	sx, sy := pi.minStep(cs, ce, rs, re)
	if sx == 1<<30 {
		return
	}
	for y := t.Y0; y < t.Y1; y += posStep(y, sy) {
		for x := t.X0; x < t.X1; x += posStep(x, sx) {
			for c := cs; c < ce; c++ {
				for r := rs; r < re; r++ {
					p := pi.precinctAt(r, c, x, y)
					if p < 0 {
						continue
					}
					for l := 0; l < pi.layers(); l++ {
						pi.emit(l, r, c, p)
					}
				}
			}
		}
	}
}

func (pi *PacketIterator) cprl() {
	cs, ce := pi.comps()
	rs, re := pi.resolutions()
	t := pi.tile.Rect
	for c := cs; c < ce; c++ {
		sx, sy := pi.minStep(c, c+1, rs, re)
		if sx == 1<<30 {
			continue
		}
		for y := t.Y0; y < t.Y1; y += posStep(y, sy) {
			for x := t.X0; x < t.X1; x += posStep(x, sx) {
				for r := rs; r < re; r++ {
					p := pi.precinctAt(r, c, x, y)
					if p < 0 {
						continue
					}
					for l := 0; l < pi.layers(); l++ {
						pi.emit(l, r, c, p)
					}
				}
			}
		}
	}
}

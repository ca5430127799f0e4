package tcd

import (
	"log/slog"

	"github.com/pkg/errors"

	"github.com/phenopolis/grok/internal/codestream"
	"github.com/phenopolis/grok/internal/geom"
)

// BandWindows reports the band regions a tile-component needs, so that
// packets of precincts outside them can be skipped.
type BandWindows interface {
	WholeTile() bool
	NumResolutions() int
	PaddedBandWindow(r int, o geom.Orientation) geom.Rect
}

// Result summarises one tile's packet decoding.
type Result struct {
	// Decoded counts packets whose header and body were read.
	Decoded int
	// Skipped counts packets passed over, including corrupt packets
	// skipped by their declared length.
	Skipped int
	// Processed counts every packet the iterators produced up to the stop.
	Processed int
	// Consumed is the final cursor offset into the tile data.
	Consumed int
	// Stop is ErrTruncated when decoding ended before the last packet.
	Stop error
}

// T2Decompressor decodes the packets of a tile (Tier-2).
type T2Decompressor struct {
	// NumLayers limits the decoded quality layers; 0 decodes all.
	NumLayers int
	// NumResolutions limits the decoded resolutions; 0 decodes all.
	NumResolutions int
	// Windows holds one entry per component; nil entries never skip.
	Windows []BandWindows
	// Lengths is the optional side index of packet lengths.
	Lengths PacketLengthIndex
	// SOP and EPH mirror the coding style flags.
	SOP, EPH bool
	// Progressions lists the progression volumes in stream order.
	Progressions []codestream.ProgressionOrderChange

	Logger *slog.Logger
}

// NewT2Decompressor returns a decompressor configured from the main header.
func NewT2Decompressor(h *codestream.Header) *T2Decompressor {
	return &T2Decompressor{
		SOP:          h.CodingStyle.UsesSOP(),
		EPH:          h.CodingStyle.UsesEPH(),
		Progressions: h.Progressions(),
		Logger:       slog.Default(),
	}
}

func (d *T2Decompressor) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

// wanted reports whether packet pkt falls inside the requested layers,
// resolutions and windows.
func (d *T2Decompressor) wanted(t *Tile, pkt Packet) bool {
	if d.NumLayers > 0 && pkt.Layer >= d.NumLayers {
		return false
	}
	if d.NumResolutions > 0 && pkt.Resolution >= d.NumResolutions {
		return false
	}
	if pkt.Component >= len(d.Windows) || d.Windows[pkt.Component] == nil {
		return true
	}
	w := d.Windows[pkt.Component]
	if w.WholeTile() {
		return true
	}
	if pkt.Resolution >= w.NumResolutions() {
		return false
	}
	res := t.Components[pkt.Component].Resolutions[pkt.Resolution]
	for _, b := range res.Bands {
		if res.PrecinctBandRect(pkt.Precinct, b).Overlaps(w.PaddedBandWindow(pkt.Resolution, b.Orientation)) {
			return true
		}
	}
	return false
}

// Decompress decodes the packets of tile t from data. Truncated or corrupt
// streams end early and are reported through Result.Stop. The returned
// error is non-nil when the tile is unusable.
func (d *T2Decompressor) Decompress(t *Tile, data []byte) (Result, error) {
	var res Result
	log := d.logger().With(slog.Int("tile", t.Index))
	useIndex := d.Lengths != nil && d.Lengths.Enabled()
	if useIndex {
		d.Lengths.Rewind()
	}

	visited := make(Visited)
	cursor := 0
progressions:
	for _, prog := range d.Progressions {
		pi, err := NewPacketIterator(t, prog, visited)
		if err != nil {
			return res, err
		}
		for pkt, ok := pi.Next(); ok; pkt, ok = pi.Next() {
			res.Processed++
			length := -1
			if useIndex {
				if l, ok := d.Lengths.Next(); ok {
					length = int(l)
				}
			}
			remaining := len(data) - cursor
			if remaining <= 0 {
				log.Warn("tile truncated", slog.Int("packet", res.Processed-1))
				res.Stop = errors.Wrap(ErrTruncated, "no bytes left")
				break progressions
			}

			skip := !d.wanted(t, pkt)
			if skip && length >= 0 {
				cursor += length
				res.Skipped++
				continue
			}

			prc := t.Components[pkt.Component].Resolutions[pkt.Resolution].Precinct(pkt.Precinct)
			hdr, err := readPacketHeader(data[cursor:], prc, pkt.Layer, d.SOP, d.EPH, length)
			if err != nil {
				attrs := []any{
					slog.Int("layer", pkt.Layer),
					slog.Int("resolution", pkt.Resolution),
					slog.Int("component", pkt.Component),
					slog.Int("precinct", pkt.Precinct),
					slog.Any("err", err),
				}
				switch {
				case errors.Is(err, ErrCorrupt) && length >= 0:
					log.Warn("skipping corrupt packet", append(attrs, slog.Int("length", length))...)
					cursor += length
					res.Skipped++
					continue
				case errors.Is(err, ErrCorrupt):
					log.Error("corrupt packet without length index", attrs...)
					res.Stop = errors.Wrap(ErrTruncated, err.Error())
				default:
					log.Warn("truncated packet", attrs...)
					res.Stop = err
				}
				break progressions
			}

			if skip {
				if length >= 0 {
					cursor += length
				} else {
					cursor += hdr.headerBytes + hdr.dataBytes
				}
				res.Skipped++
				continue
			}
			body := data[cursor+hdr.headerBytes:]
			if length >= 0 {
				// the declared length bounds the body even when the header
				// signals more
				body = body[:min(length-hdr.headerBytes, len(body))]
			}
			read := hdr.commit(body, pkt.Layer)
			if read < hdr.dataBytes {
				log.Warn("packet body truncated", slog.Int("want", hdr.dataBytes), slog.Int("got", read))
			}
			if length >= 0 {
				cursor += length
			} else {
				cursor += hdr.headerBytes + read
			}
			res.Decoded++
		}
	}

	res.Consumed = min(cursor, len(data))
	if res.Decoded == 0 {
		log.Warn("no packets decoded", slog.Int("processed", res.Processed))
		return res, errors.WithStack(ErrNoPacketsDecoded)
	}
	return res, nil
}

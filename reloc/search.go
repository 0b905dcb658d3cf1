package reloc

import (
	"github.com/bootforge/relocator/memutils"
	"github.com/bootforge/relocator/memutils/radix"
	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slog"
)

type direction uint8

const (
	fromLow direction = iota
	fromHigh
)

// searchRequest describes one placement search over the window [min, max)
type searchRequest struct {
	min   uint64
	max   uint64
	align uint64
	size  uint64
	dir   direction

	// checkCollisions treats the targets of committed chunks as unusable
	checkCollisions bool
	// avoidTransient treats firmware boot services memory as unusable
	avoidTransient bool
}

// search finds a window for req and commits it: the returned chunk's source range has been
// carved out of the heap and firmware. A nil chunk with a nil error means nothing fits, in which
// case nothing was changed.
func (r *Relocator) search(req searchRequest) (*Chunk, error) {
	memutils.DebugCheckPow2(req.align, "search alignment")

	if req.max > r.maxAddress {
		req.max = r.maxAddress
	}
	if req.size == 0 || req.max <= req.min || req.max-req.min < req.size {
		return nil, nil
	}

	capacity, err := r.countEvents(req)
	if err != nil {
		return nil, err
	}

	buffer := eventBuffer{events: make([]event, 0, capacity)}
	scratch := make([]event, capacity)

	guard := r.heap.Detach()
	defer guard.Reattach()

	err = r.collectEvents(guard, req, &buffer)
	if err != nil {
		return nil, err
	}

	events := buffer.events
	radix.SortRanked(events, scratch, eventRank, eventPos)

	pos, found := sweep(events, req)
	if !found {
		return nil, nil
	}

	guard.Reattach()
	r.logger.Debug("    Relocator::search FOUND", slog.String("Source", hex(pos)), slog.Uint64("Size", req.size))
	return r.commit(events, pos, req.size), nil
}

func usable(counts *[eventKindCount]int) bool {
	if counts[eventBlocked] > 0 || counts[eventCollision] > 0 {
		return false
	}

	return counts[eventRegionHead] > 0 || counts[eventInterior] > 0 ||
		counts[eventAvailable] > 0 || counts[eventLeftover] > 0
}

// sweep walks the sorted events and returns the lowest (fromLow) or highest (fromHigh) aligned
// position inside the window where size bytes are usable. All events at one position are applied
// before the position is judged, so touching extents form one gap.
func sweep(events []event, req searchRequest) (uint64, bool) {
	var counts [eventKindCount]int
	var gapStart, best uint64
	inGap, found := false, false

	for i := 0; i < len(events); {
		pos := events[i].pos
		for ; i < len(events) && events[i].pos == pos; i++ {
			if events[i].start {
				counts[events[i].kind]++
			} else {
				counts[events[i].kind]--
			}
		}

		now := usable(&counts)
		if now && !inGap {
			gapStart = pos
		} else if !now && inGap {
			candidate, ok := fit(gapStart, pos, req)
			if ok {
				best, found = candidate, true
				if req.dir == fromLow {
					return best, true
				}
			}
		}
		inGap = now
	}

	return best, found
}

// fit places req inside the gap [gapStart, gapEnd)
func fit(gapStart, gapEnd uint64, req searchRequest) (uint64, bool) {
	lo, hi := gapStart, gapEnd
	if lo < req.min {
		lo = req.min
	}
	if hi > req.max {
		hi = req.max
	}
	if hi <= lo || hi-lo < req.size {
		return 0, false
	}

	if req.dir == fromHigh {
		candidate := memutils.AlignDown(hi-req.size, req.align)
		return candidate, candidate >= lo
	}

	candidate := memutils.AlignUp(lo, req.align)
	if candidate < lo || candidate > hi-req.size {
		return 0, false
	}
	return candidate, true
}

// piece is the part of one extent that a committed chunk covers
type piece struct {
	start uint64
	end   uint64
	event *event
}

// commit turns the extents covering [pos, pos+size) into subchunks, left to right. Firmware
// quanta are reserved before anything else is touched. Any failure here contradicts what the
// sweep just verified and is a bug.
func (r *Relocator) commit(events []event, pos, size uint64) *Chunk {
	end := pos + size
	cursor := pos
	var pieces []piece

	for i := range events {
		ev := &events[i]
		if !ev.start || !ev.kind.source() || ev.end <= cursor {
			continue
		}
		if ev.pos >= end {
			break
		}
		if ev.pos > cursor {
			panic(errors.AssertionFailedf("placement [%#x, %#x) has no extent covering %#x", pos, end, cursor))
		}

		pieceEnd := ev.end
		if pieceEnd > end {
			pieceEnd = end
		}
		pieces = append(pieces, piece{start: cursor, end: pieceEnd, event: ev})

		cursor = pieceEnd
		if cursor == end {
			break
		}
	}

	if cursor != end {
		panic(errors.AssertionFailedf("placement [%#x, %#x) is only covered up to %#x", pos, end, cursor))
	}

	for _, p := range pieces {
		if p.event.kind != eventAvailable {
			continue
		}
		if err := r.reservations.Reserve(p.start, p.end); err != nil {
			panic(errors.NewAssertionErrorWithWrappedErrf(err, "firmware refused verified range [%#x, %#x)", p.start, p.end))
		}
	}

	chunk := &Chunk{
		source:    pos,
		target:    pos,
		size:      size,
		subchunks: make([]Subchunk, 0, len(pieces)),
	}

	for _, p := range pieces {
		s := span{start: p.start, end: p.end}

		switch p.event.kind {
		case eventRegionHead:
			carve := r.heap.CarveRegionHead(p.event.region, p.start, p.end-p.start)
			chunk.subchunks = append(chunk.subchunks, &RegionHeadSubchunk{span: s, Carve: carve})
		case eventInterior:
			carve := r.heap.CarveInterior(p.event.block, p.start, p.end-p.start)
			chunk.subchunks = append(chunk.subchunks, &InteriorSubchunk{span: s, Carve: carve})
		case eventAvailable:
			chunk.subchunks = append(chunk.subchunks, &FirmwareSubchunk{span: s})
		case eventLeftover:
			if err := r.reservations.Claim(p.start, p.end); err != nil {
				panic(errors.NewAssertionErrorWithWrappedErrf(err, "leftover refused verified range [%#x, %#x)", p.start, p.end))
			}
			chunk.subchunks = append(chunk.subchunks, &LeftoverSubchunk{span: s})
		}
	}

	return chunk
}

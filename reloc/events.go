package reloc

import (
	"github.com/bootforge/relocator/memutils"
	"github.com/bootforge/relocator/memutils/firmware"
	"github.com/bootforge/relocator/memutils/heap"
	"github.com/cockroachdb/errors"
)

type eventKind uint8

const (
	// eventRegionHead spans the part of a region that CarveRegionHead may take
	eventRegionHead eventKind = iota
	// eventInterior spans a free block that does not start a region
	eventInterior
	// eventAvailable spans usable firmware memory, shrunk to whole quanta
	eventAvailable
	// eventLeftover spans a free run inside a partly used firmware quantum
	eventLeftover
	// eventBlocked spans firmware memory that must never hold a placement
	eventBlocked
	// eventCollision spans the target of a committed chunk
	eventCollision

	eventKindCount
)

var eventKindMapping = map[eventKind]string{
	eventRegionHead: "RegionHead",
	eventInterior:   "Interior",
	eventAvailable:  "Available",
	eventLeftover:   "Leftover",
	eventBlocked:    "Blocked",
	eventCollision:  "Collision",
}

func (k eventKind) String() string {
	str, ok := eventKindMapping[k]
	if !ok {
		return "unknown"
	}
	return str
}

// source reports whether memory of this kind can become part of a chunk's source
func (k eventKind) source() bool {
	return k <= eventLeftover
}

// event marks one boundary of an extent. Start events carry the extent's end so the commit
// walk can clip pieces without pairing events up again.
type event struct {
	pos    uint64
	end    uint64
	kind   eventKind
	start  bool
	region heap.RegionIndex
	block  heap.BlockIndex
}

func eventRank(e *event) uint8 {
	if e.start {
		return 0
	}
	return 1
}

func eventPos(e *event) uint64 {
	return e.pos
}

// eventBuffer is a fixed capacity event list. Appending past its capacity means the counting
// pass and the collecting pass disagree.
type eventBuffer struct {
	events []event
}

func (b *eventBuffer) addExtent(start, end uint64, kind eventKind, region heap.RegionIndex, block heap.BlockIndex) {
	if end <= start {
		return
	}

	if len(b.events)+2 > cap(b.events) {
		panic(errors.AssertionFailedf("event buffer of %d entries overflowed adding a %s extent at %#x",
			cap(b.events), kind, start))
	}

	b.events = append(b.events,
		event{pos: start, end: end, kind: kind, start: true, region: region, block: block},
		event{pos: end, kind: kind, region: region, block: block},
	)
}

// firmwareExtent classifies a firmware map entry for one search. It returns false when the entry
// contributes no event.
func (r *Relocator) firmwareExtent(entry firmware.Entry, avoidTransient bool) (uint64, uint64, eventKind, bool) {
	if entry.Type.BlocksPlacement(avoidTransient) {
		return entry.Base, entry.End(), eventBlocked, true
	}

	if r.reservations == nil || !entry.Type.Usable(avoidTransient) {
		return 0, 0, 0, false
	}

	quantum := r.reservations.QuantumSize()
	start := memutils.AlignUp(entry.Base, quantum)
	end := memutils.AlignDown(entry.End(), quantum)
	if start < entry.Base || end <= start {
		return 0, 0, 0, false
	}
	return start, end, eventAvailable, true
}

// countEvents returns an upper bound of the number of events collectEvents produces for a
// request. It runs while the heap is still attached and allocates nothing.
func (r *Relocator) countEvents(req searchRequest) (int, error) {
	extents := r.heap.CountFreeBlocks()

	if r.memoryMap != nil {
		err := r.memoryMap.VisitMemoryMap(func(entry firmware.Entry) bool {
			if _, _, _, ok := r.firmwareExtent(entry, req.avoidTransient); ok {
				extents++
			}
			return true
		})
		if err != nil {
			return 0, errors.Wrap(err, "counting firmware memory map entries")
		}
	}

	if req.checkCollisions {
		extents += len(r.chunks)
	}

	if r.reservations != nil {
		extents += r.reservations.CountLeftoverRuns()
	}

	return 2 * extents, nil
}

// collectEvents fills the buffer from every source of extents. It runs while the heap is
// detached: nothing reachable from here may call into the general allocator.
func (r *Relocator) collectEvents(guard *heap.Detached, req searchRequest, buffer *eventBuffer) error {
	guard.VisitRegions(func(region heap.RegionInfo) bool {
		guard.VisitFreeBlocks(region.Index, func(block heap.BlockInfo) bool {
			if block.Index == region.HeadBlock && region.HeadLimit > region.Base {
				buffer.addExtent(region.Base, region.HeadLimit, eventRegionHead, region.Index, block.Index)
			} else {
				buffer.addExtent(block.Addr, block.End, eventInterior, region.Index, block.Index)
			}
			return true
		})
		return true
	})

	if r.memoryMap != nil {
		err := r.memoryMap.VisitMemoryMap(func(entry firmware.Entry) bool {
			start, end, kind, ok := r.firmwareExtent(entry, req.avoidTransient)
			if ok {
				buffer.addExtent(start, end, kind, heap.NoRegion, heap.NoBlock)
			}
			return true
		})
		if err != nil {
			return errors.Wrap(err, "reading firmware memory map")
		}
	}

	if req.checkCollisions {
		for _, chunk := range r.chunks {
			buffer.addExtent(chunk.target, chunk.target+chunk.size, eventCollision, heap.NoRegion, heap.NoBlock)
		}
	}

	if r.reservations != nil {
		r.reservations.VisitLeftovers(func(leftover *firmware.Leftover) bool {
			leftover.VisitFreeRuns(func(start, end uint64) bool {
				buffer.addExtent(start, end, eventLeftover, heap.NoRegion, heap.NoBlock)
				return true
			})
			return true
		})
	}

	return nil
}

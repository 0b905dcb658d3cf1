package heap

import (
	"fmt"

	"github.com/bootforge/relocator/memutils"
	"github.com/bootforge/relocator/memutils/radix"
	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

func (h *Heap) regionList() RegionIndex {
	if h.detached != nil {
		return h.detached.base
	}
	return h.base
}

// liveBlocks returns every live block of region r, free and allocated, sorted by address
func (h *Heap) liveBlocks(r RegionIndex) []BlockIndex {
	var blocks []BlockIndex
	for i := range h.blocks {
		if h.blocks[i].live && h.blocks[i].region == r {
			blocks = append(blocks, BlockIndex(i))
		}
	}

	scratch := make([]BlockIndex, len(blocks))
	radix.Sort(blocks, scratch, func(b *BlockIndex) uint64 {
		return h.blocks[*b].addr
	})
	return blocks
}

// Validate checks the heap's internal consistency: regions are sorted and disjoint, every free
// list is sorted and coalesced, and no two blocks overlap.
func (h *Heap) Validate() error {
	var prevEnd uint64
	regionCount := 0

	for r := h.regionList(); r != NoRegion; r = h.regions[r].next {
		reg := &h.regions[r]
		regionCount++

		if !reg.live {
			return errors.Newf("region %d is linked but not live", r)
		}
		if reg.base%Unit != 0 || reg.end%Unit != 0 || reg.end < reg.usableStart()+Unit {
			return errors.Newf("region [%#x, %#x) is malformed", reg.base, reg.end)
		}
		if regionCount > 1 && reg.base < prevEnd {
			return errors.Newf("region [%#x, %#x) is out of order", reg.base, reg.end)
		}
		prevEnd = reg.end

		var lastFree BlockIndex = NoBlock
		var err error
		h.walkFree(r, func(b BlockIndex) bool {
			blk := &h.blocks[b]
			switch {
			case blk.units == 0:
				err = errors.Newf("free block %#x is empty", blk.addr)
			case blk.addr < reg.usableStart() || blk.end() > reg.end:
				err = errors.Newf("free block [%#x, %#x) is outside region [%#x, %#x)", blk.addr, blk.end(), reg.base, reg.end)
			case lastFree != NoBlock && h.blocks[lastFree].end() > blk.addr:
				err = errors.Newf("free list of region %#x is not sorted at %#x", reg.base, blk.addr)
			case lastFree != NoBlock && h.blocks[lastFree].end() == blk.addr:
				err = errors.Newf("free blocks at %#x and %#x were not coalesced", h.blocks[lastFree].addr, blk.addr)
			}
			lastFree = b
			return err == nil
		})
		if err != nil {
			return err
		}

		var lastEnd uint64
		for i, b := range h.liveBlocks(r) {
			blk := &h.blocks[b]
			if i > 0 && blk.addr < lastEnd {
				return errors.Newf("block %#x overlaps its predecessor in region %#x", blk.addr, reg.base)
			}
			if blk.addr < reg.usableStart() || blk.end() > reg.end {
				return errors.Newf("block [%#x, %#x) is outside region [%#x, %#x)", blk.addr, blk.end(), reg.base, reg.end)
			}
			lastEnd = blk.end()
		}
	}

	var err error
	h.allocated.Iter(func(header uint64, b BlockIndex) bool {
		blk := &h.blocks[b]
		if !blk.live || blk.addr != header || blk.magic != MagicAlloc {
			err = errors.Newf("allocation at %#x does not match block %d", header, b)
			return true
		}
		return false
	})

	return err
}

// FreeBytes returns the number of bytes held by free blocks
func (h *Heap) FreeBytes() uint64 {
	var free uint64
	for r := h.regionList(); r != NoRegion; r = h.regions[r].next {
		h.walkFree(r, func(b BlockIndex) bool {
			free += h.blocks[b].units * Unit
			return true
		})
	}
	return free
}

func (h *Heap) AddStatistics(stats *memutils.Statistics) {
	for r := h.regionList(); r != NoRegion; r = h.regions[r].next {
		stats.RegionCount++
		stats.RegionBytes += h.regions[r].end - h.regions[r].base
	}

	stats.FreeBytes += h.FreeBytes()

	h.allocated.Iter(func(_ uint64, b BlockIndex) bool {
		stats.AllocationCount++
		stats.AllocationBytes += h.blocks[b].units * Unit
		return false
	})
}

func (h *Heap) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	for r := h.regionList(); r != NoRegion; r = h.regions[r].next {
		stats.RegionCount++
		stats.RegionBytes += h.regions[r].end - h.regions[r].base

		h.walkFree(r, func(b BlockIndex) bool {
			stats.AddUnusedRange(h.blocks[b].units * Unit)
			return true
		})
	}

	h.allocated.Iter(func(_ uint64, b BlockIndex) bool {
		stats.AddAllocation(h.blocks[b].units * Unit)
		return false
	})
}

// PrintDetailedMap writes every region and its blocks as a json object keyed by region base
func (h *Heap) PrintDetailedMap(writer *jwriter.Writer) {
	objState := writer.Object()
	defer objState.End()

	for r := h.regionList(); r != NoRegion; r = h.regions[r].next {
		reg := &h.regions[r]
		regionObj := objState.Name(fmt.Sprintf("%#x", reg.base)).Object()

		regionObj.Name("End").String(fmt.Sprintf("%#x", reg.end))
		regionObj.Name("TotalBytes").Int(int(reg.end - reg.base))

		blockArray := regionObj.Name("Blocks").Array()
		for _, b := range h.liveBlocks(r) {
			blk := &h.blocks[b]

			obj := blockArray.Object()
			obj.Name("Address").String(fmt.Sprintf("%#x", blk.addr))
			obj.Name("Type").String(blk.magic.String())
			obj.Name("Size").Int(int(blk.units * Unit))
			obj.End()
		}
		blockArray.End()

		regionObj.End()
	}
}

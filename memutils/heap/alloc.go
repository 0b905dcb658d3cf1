package heap

import (
	"github.com/bootforge/relocator/memutils"
	"github.com/cockroachdb/errors"
)

// AddRegion hands the range [base, base+size) to the heap. The range is merged into any region
// that ends exactly at base or starts exactly at base+size, otherwise it becomes a new region
// whose first RegionHeaderSize bytes hold the region header.
func (h *Heap) AddRegion(base, size uint64) error {
	h.mustBeAttached("AddRegion")

	if base%Unit != 0 {
		return errors.Newf("region base %#x is not aligned to %d bytes", base, Unit)
	}

	end, err := memutils.CheckRange(base, size)
	if err != nil {
		return err
	}
	end = memutils.AlignDown(end, Unit)

	if end <= base || end-base < RegionHeaderSize+Unit {
		return errors.Newf("region at %#x of %d bytes cannot hold a region header and a block", base, size)
	}

	for r := h.base; r != NoRegion; r = h.regions[r].next {
		if memutils.RangesOverlap(base, end, h.regions[r].base, h.regions[r].end) {
			return errors.Newf("region [%#x, %#x) overlaps existing region [%#x, %#x)",
				base, end, h.regions[r].base, h.regions[r].end)
		}
	}

	h.addRange(base, end)
	memutils.DebugValidate(h)
	return nil
}

// addRange gives [start, end) back to the heap, merging it with touching regions. A range that
// touches no region and is too small to carry its own header is dropped.
func (h *Heap) addRange(start, end uint64) {
	above := h.regionStartingAt(end)
	below := h.regionEndingAt(start)

	if above != NoRegion {
		// The header of the region above moves down to start, the bytes between the new and the
		// old header become free
		oldUsable := h.regions[above].usableStart()
		h.regions[above].base = start
		h.releaseRange(above, start+RegionHeaderSize, oldUsable)

		if below != NoRegion {
			h.mergeRegions(below, above)
		}
		return
	}

	if below != NoRegion {
		h.regions[below].end = end
		h.releaseRange(below, start, end)
		return
	}

	if end-start < RegionHeaderSize+Unit {
		return
	}

	r := h.newRegion(start, end)
	h.releaseRange(r, start+RegionHeaderSize, end)
}

// mergeRegions folds upper into lower, which ends exactly where upper starts. The upper region's
// header becomes an ordinary free block of the lower region.
func (h *Heap) mergeRegions(lower, upper RegionIndex) {
	if h.regions[lower].end != h.regions[upper].base {
		panic(errors.AssertionFailedf("regions %#x and %#x do not touch", h.regions[lower].base, h.regions[upper].base))
	}

	for i := range h.blocks {
		if h.blocks[i].live && h.blocks[i].region == upper {
			h.blocks[i].region = lower
		}
	}

	first := h.regions[upper].first
	if first != NoBlock {
		cur := first
		for steps := 0; ; steps++ {
			if steps > len(h.blocks) {
				panic(errors.AssertionFailedf("free list of region %#x does not close", h.regions[upper].base))
			}

			next := h.blocks[cur].next
			h.linkFree(lower, cur)
			if next == first {
				break
			}
			cur = next
		}
	}

	upperBase := h.regions[upper].base
	h.regions[lower].end = h.regions[upper].end
	h.dropRegion(upper)
	h.releaseRange(lower, upperBase, upperBase+RegionHeaderSize)
}

// Alloc returns the address of size bytes aligned to align. The first free block, in region
// order, that can hold the request gives up its tail.
func (h *Heap) Alloc(size, align uint64) (uint64, error) {
	h.mustBeAttached("Alloc")

	if size == 0 {
		return 0, errors.New("cannot allocate zero bytes")
	}
	if err := memutils.CheckPow2(align, "align"); err != nil {
		return 0, err
	}
	if align < Unit {
		align = Unit
	}

	units := memutils.AlignUp(size, Unit)/Unit + 1
	dataBytes := (units - 1) * Unit

	for r := h.base; r != NoRegion; r = h.regions[r].next {
		found := NoBlock
		var header uint64

		h.walkFree(r, func(cur BlockIndex) bool {
			end := h.blocks[cur].end()
			if end < dataBytes {
				return true
			}

			data := memutils.AlignDown(end-dataBytes, align)
			if data < Unit || data-Unit < h.blocks[cur].addr {
				return true
			}

			found = cur
			header = data - Unit
			return false
		})

		if found != NoBlock {
			h.allocAt(r, found, header, units)
			memutils.DebugValidate(h)
			return header + Unit, nil
		}
	}

	return 0, errors.Wrapf(OutOfMemoryError, "allocating %d bytes aligned to %d", size, align)
}

func (h *Heap) allocAt(r RegionIndex, b BlockIndex, header, units uint64) {
	blockStart := h.blocks[b].addr
	blockEnd := h.blocks[b].end()
	allocEnd := header + units*Unit

	if header > blockStart {
		h.blocks[b].units = (header - blockStart) / Unit
	} else {
		h.unlinkFree(r, b)
		h.dropBlock(b)
	}

	if allocEnd < blockEnd {
		tail := h.newBlock(allocEnd, (blockEnd-allocEnd)/Unit, MagicFree, r)
		h.linkFree(r, tail)
	}

	allocated := h.newBlock(header, units, MagicAlloc, r)
	h.allocated.Put(header, allocated)
}

// Free returns memory obtained from Alloc to its region and coalesces it with its neighbours
func (h *Heap) Free(addr uint64) error {
	h.mustBeAttached("Free")

	if addr < Unit {
		return errors.Newf("address %#x was not returned by Alloc", addr)
	}

	header := addr - Unit
	b, ok := h.allocated.Get(header)
	if !ok {
		return errors.Newf("address %#x was not returned by Alloc", addr)
	}

	if h.blocks[b].magic != MagicAlloc {
		panic(errors.AssertionFailedf("allocated block %#x is tagged %s", header, h.blocks[b].magic))
	}

	h.allocated.Delete(header)
	r := h.blocks[b].region
	h.linkFree(r, b)
	h.coalesce(r, b)

	memutils.DebugValidate(h)
	return nil
}

package heap

import "github.com/cockroachdb/errors"

// walkFree visits the free blocks of a region in address order, starting from the lowest. The walk
// panics if the circular list does not close within the number of blocks the arena holds.
func (h *Heap) walkFree(r RegionIndex, visit func(b BlockIndex) bool) {
	first := h.regions[r].first
	if first == NoBlock {
		return
	}

	cur := first
	for steps := 0; ; steps++ {
		if steps > len(h.blocks) {
			panic(errors.AssertionFailedf("free list of region %#x does not close", h.regions[r].base))
		}

		blk := &h.blocks[cur]
		if !blk.live || blk.magic != MagicFree || blk.region != r {
			panic(errors.AssertionFailedf("free list of region %#x holds block %#x tagged %s", h.regions[r].base, blk.addr, blk.magic))
		}

		next := blk.next
		if !visit(cur) {
			return
		}

		cur = next
		if cur == first {
			return
		}
	}
}

func (h *Heap) predecessor(r RegionIndex, b BlockIndex) BlockIndex {
	prev := NoBlock
	h.walkFree(r, func(cur BlockIndex) bool {
		if h.blocks[cur].next == b {
			prev = cur
			return false
		}
		return true
	})

	if prev == NoBlock {
		panic(errors.AssertionFailedf("block %#x is not in the free list of region %#x", h.blocks[b].addr, h.regions[r].base))
	}
	return prev
}

// linkFree inserts a block into its region's free list at its address-ordered position. It does
// not coalesce.
func (h *Heap) linkFree(r RegionIndex, b BlockIndex) {
	h.blocks[b].magic = MagicFree
	h.blocks[b].region = r

	first := h.regions[r].first
	if first == NoBlock {
		h.blocks[b].next = b
		h.regions[r].first = b
		return
	}

	addr := h.blocks[b].addr
	prev := NoBlock
	h.walkFree(r, func(cur BlockIndex) bool {
		if h.blocks[cur].addr < addr {
			prev = cur
			return true
		}
		return false
	})

	if prev == NoBlock {
		// New lowest block: the tail of the ring must point at it
		tail := h.predecessor(r, first)
		h.blocks[b].next = first
		h.blocks[tail].next = b
		h.regions[r].first = b
		return
	}

	h.blocks[b].next = h.blocks[prev].next
	h.blocks[prev].next = b
}

func (h *Heap) unlinkFree(r RegionIndex, b BlockIndex) {
	next := h.blocks[b].next
	if next == b {
		if h.regions[r].first != b {
			panic(errors.AssertionFailedf("single free block %#x is not the first block of region %#x", h.blocks[b].addr, h.regions[r].base))
		}
		h.regions[r].first = NoBlock
	} else {
		prev := h.predecessor(r, b)
		h.blocks[prev].next = next
		if h.regions[r].first == b {
			h.regions[r].first = next
		}
	}

	h.blocks[b].next = NoBlock
}

// coalesce merges a linked free block with its free neighbours when they touch. It returns the
// index of the block that now covers the merged range.
func (h *Heap) coalesce(r RegionIndex, b BlockIndex) BlockIndex {
	next := h.blocks[b].next
	if next != b && h.blocks[next].addr == h.blocks[b].end() {
		h.blocks[b].units += h.blocks[next].units
		h.blocks[b].next = h.blocks[next].next
		h.dropBlock(next)
	}

	prev := h.predecessor(r, b)
	if prev != b && h.blocks[prev].end() == h.blocks[b].addr {
		h.blocks[prev].units += h.blocks[b].units
		h.blocks[prev].next = h.blocks[b].next
		h.dropBlock(b)
		b = prev
	}

	return b
}

// releaseRange hands a unit-aligned range back to a region's free list
func (h *Heap) releaseRange(r RegionIndex, start, end uint64) {
	if start%Unit != 0 || end%Unit != 0 || end <= start {
		panic(errors.AssertionFailedf("released range [%#x, %#x) is not a positive number of units", start, end))
	}

	b := h.newBlock(start, (end-start)/Unit, MagicFree, r)
	h.linkFree(r, b)
	h.coalesce(r, b)
}

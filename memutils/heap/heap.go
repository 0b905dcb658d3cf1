// Package heap models the boot loader's general purpose allocator: a list of memory regions,
// each owning a circular free list of unit-sized blocks tagged with magic values. Besides the
// usual Alloc/Free surface it exposes the introspection and carving primitives the relocator
// uses to claim pieces of free memory for chunk sources, and to give them back.
//
// Regions and blocks are stored in index-addressed arenas. Moving a region header is an
// update of the region's base, never a change of its identity.
package heap

import (
	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
)

const (
	// UnitLog2 is log2 of Unit
	UnitLog2 = 5
	// Unit is the granularity of every block in the heap. Block sizes are expressed in units and the
	// first unit of every block is its header.
	Unit uint64 = 1 << UnitLog2
	// RegionHeaderSize is the number of bytes at the start of every region that hold the region's
	// own bookkeeping
	RegionHeaderSize uint64 = 2 * Unit
)

// OutOfMemoryError is returned from Alloc when no free block can satisfy a request
var OutOfMemoryError = errors.New("heap is out of memory")

// Magic tags every block header as free or allocated
type Magic uint32

const (
	MagicFree  Magic = 0x2d3c2808
	MagicAlloc Magic = 0x6db08fa4
)

var magicMapping = map[Magic]string{
	MagicFree:  "Free",
	MagicAlloc: "Alloc",
}

func (m Magic) String() string {
	str, ok := magicMapping[m]
	if !ok {
		return "Corrupt"
	}
	return str
}

// RegionIndex identifies a region in the heap's region arena
type RegionIndex int32

// BlockIndex identifies a block in the heap's block arena
type BlockIndex int32

const (
	NoRegion RegionIndex = -1
	NoBlock  BlockIndex  = -1
)

type region struct {
	base  uint64
	end   uint64
	first BlockIndex
	next  RegionIndex
	live  bool
}

func (r *region) usableStart() uint64 {
	return r.base + RegionHeaderSize
}

type block struct {
	addr   uint64
	units  uint64
	magic  Magic
	next   BlockIndex
	region RegionIndex
	live   bool
}

func (b *block) end() uint64 {
	return b.addr + b.units*Unit
}

// Heap is the general allocator's state. The zero value is not usable, call New.
type Heap struct {
	regions     []region
	blocks      []block
	spareBlocks []BlockIndex
	spareRegion []RegionIndex

	// base is the head of the region list, sorted by address. It is the pointer that Detach
	// takes away from the allocator.
	base      RegionIndex
	allocated *swiss.Map[uint64, BlockIndex]
	detached  *Detached
}

// New creates an empty heap. Memory is added to it with AddRegion.
func New() *Heap {
	return &Heap{
		base:      NoRegion,
		allocated: swiss.NewMap[uint64, BlockIndex](42),
	}
}

func (h *Heap) mustBeAttached(operation string) {
	if h.detached != nil {
		panic(errors.AssertionFailedf("heap %s was called while the region list is detached", errors.Safe(operation)))
	}
}

func (h *Heap) newBlock(addr, units uint64, magic Magic, r RegionIndex) BlockIndex {
	b := block{
		addr:   addr,
		units:  units,
		magic:  magic,
		next:   NoBlock,
		region: r,
		live:   true,
	}

	if len(h.spareBlocks) > 0 {
		index := h.spareBlocks[len(h.spareBlocks)-1]
		h.spareBlocks = h.spareBlocks[:len(h.spareBlocks)-1]
		h.blocks[index] = b
		return index
	}

	h.blocks = append(h.blocks, b)
	return BlockIndex(len(h.blocks) - 1)
}

func (h *Heap) dropBlock(b BlockIndex) {
	h.blocks[b] = block{next: NoBlock, region: NoRegion}
	h.spareBlocks = append(h.spareBlocks, b)
}

func (h *Heap) newRegion(base, end uint64) RegionIndex {
	r := region{
		base:  base,
		end:   end,
		first: NoBlock,
		next:  NoRegion,
		live:  true,
	}

	var index RegionIndex
	if len(h.spareRegion) > 0 {
		index = h.spareRegion[len(h.spareRegion)-1]
		h.spareRegion = h.spareRegion[:len(h.spareRegion)-1]
		h.regions[index] = r
	} else {
		h.regions = append(h.regions, r)
		index = RegionIndex(len(h.regions) - 1)
	}

	// Keep the region list sorted by address
	prev := NoRegion
	for cur := h.base; cur != NoRegion && h.regions[cur].base < base; cur = h.regions[cur].next {
		prev = cur
	}

	if prev == NoRegion {
		h.regions[index].next = h.base
		h.base = index
	} else {
		h.regions[index].next = h.regions[prev].next
		h.regions[prev].next = index
	}

	return index
}

func (h *Heap) dropRegion(r RegionIndex) {
	if h.base == r {
		h.base = h.regions[r].next
	} else {
		cur := h.base
		for cur != NoRegion && h.regions[cur].next != r {
			cur = h.regions[cur].next
		}
		if cur == NoRegion {
			panic(errors.AssertionFailedf("region %d is not in the region list", r))
		}
		h.regions[cur].next = h.regions[r].next
	}

	h.regions[r] = region{first: NoBlock, next: NoRegion}
	h.spareRegion = append(h.spareRegion, r)
}

func (h *Heap) regionStartingAt(addr uint64) RegionIndex {
	for r := h.base; r != NoRegion; r = h.regions[r].next {
		if h.regions[r].base == addr {
			return r
		}
	}
	return NoRegion
}

func (h *Heap) regionEndingAt(addr uint64) RegionIndex {
	for r := h.base; r != NoRegion; r = h.regions[r].next {
		if h.regions[r].end == addr {
			return r
		}
	}
	return NoRegion
}

func (h *Heap) regionContaining(start, end uint64) RegionIndex {
	for r := h.base; r != NoRegion; r = h.regions[r].next {
		if h.regions[r].usableStart() <= start && end <= h.regions[r].end {
			return r
		}
	}
	return NoRegion
}

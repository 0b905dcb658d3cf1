package heap

import (
	"github.com/bootforge/relocator/memutils"
	"github.com/cockroachdb/errors"
)

// RegionInfo describes one region as seen by a walk over the heap
type RegionInfo struct {
	Index RegionIndex
	Base  uint64
	End   uint64

	// HeadBlock is the region's lowest free block if it starts right after the region header,
	// NoBlock otherwise
	HeadBlock BlockIndex
	// HeadLimit is the exclusive upper bound of what CarveRegionHead may take from this region.
	// It equals Base when the region has no head block large enough to be carved.
	HeadLimit uint64
}

// BlockInfo describes one free block
type BlockInfo struct {
	Index  BlockIndex
	Region RegionIndex
	Addr   uint64
	End    uint64
}

func (h *Heap) regionInfo(r RegionIndex) RegionInfo {
	reg := &h.regions[r]
	info := RegionInfo{
		Index:     r,
		Base:      reg.base,
		End:       reg.end,
		HeadBlock: NoBlock,
		HeadLimit: reg.base,
	}

	if reg.first != NoBlock && h.blocks[reg.first].addr == reg.usableStart() {
		info.HeadBlock = reg.first
		headEnd := h.blocks[reg.first].end()
		if headEnd-RegionHeaderSize-Unit > reg.base {
			info.HeadLimit = headEnd - RegionHeaderSize - Unit
		}
	}

	return info
}

func (h *Heap) visitRegions(base RegionIndex, visit func(info RegionInfo) bool) {
	for r := base; r != NoRegion; r = h.regions[r].next {
		if !visit(h.regionInfo(r)) {
			return
		}
	}
}

func (h *Heap) visitFreeBlocks(r RegionIndex, visit func(info BlockInfo) bool) {
	h.walkFree(r, func(b BlockIndex) bool {
		return visit(BlockInfo{
			Index:  b,
			Region: r,
			Addr:   h.blocks[b].addr,
			End:    h.blocks[b].end(),
		})
	})
}

func (h *Heap) countFreeBlocks(base RegionIndex) int {
	count := 0
	for r := base; r != NoRegion; r = h.regions[r].next {
		h.walkFree(r, func(BlockIndex) bool {
			count++
			return true
		})
	}
	return count
}

// VisitRegions walks the heap's regions in address order
func (h *Heap) VisitRegions(visit func(info RegionInfo) bool) {
	h.mustBeAttached("VisitRegions")
	h.visitRegions(h.base, visit)
}

// CountFreeBlocks returns the number of free blocks across all regions
func (h *Heap) CountFreeBlocks() int {
	h.mustBeAttached("CountFreeBlocks")
	return h.countFreeBlocks(h.base)
}

// Detached owns the heap's region list while a placement search walks it. Until Reattach is
// called, every call into the general allocator panics.
type Detached struct {
	heap *Heap
	base RegionIndex
}

// Detach takes the region list away from the allocator and hands it to the returned guard.
// Callers defer Reattach.
func (h *Heap) Detach() *Detached {
	if h.detached != nil {
		panic(errors.AssertionFailedf("heap is already detached"))
	}

	d := &Detached{heap: h, base: h.base}
	h.base = NoRegion
	h.detached = d
	return d
}

// Reattach gives the region list back to the allocator. Calling it more than once is harmless.
func (d *Detached) Reattach() {
	if d.heap.detached != d {
		return
	}

	d.heap.base = d.base
	d.heap.detached = nil
}

func (d *Detached) mustBeDetached() {
	if d.heap.detached != d {
		panic(errors.AssertionFailedf("heap guard used after Reattach"))
	}
}

func (d *Detached) VisitRegions(visit func(info RegionInfo) bool) {
	d.mustBeDetached()
	d.heap.visitRegions(d.base, visit)
}

// VisitFreeBlocks walks the free list of one region from its lowest block
func (d *Detached) VisitFreeBlocks(r RegionIndex, visit func(info BlockInfo) bool) {
	d.mustBeDetached()
	d.heap.visitFreeBlocks(r, visit)
}

func (d *Detached) CountFreeBlocks() int {
	d.mustBeDetached()
	return d.heap.countFreeBlocks(d.base)
}

// RegionHeadCarve records a carve from the start of a region. The region header moved from
// OrigBase to NewBase.
type RegionHeadCarve struct {
	Region   RegionIndex
	OrigBase uint64
	NewBase  uint64
}

// InteriorCarve records the bytes removed from the middle of a free block
type InteriorCarve struct {
	Start uint64
	End   uint64
}

// CarveRegionHead removes [base, alignUp(pos+size)) from the start of region r. The region
// header moves up to just past the removed bytes and the head block shrinks by the same amount.
// Bytes between the old base and pos are taken along and come back with ReleaseRegionHead.
func (h *Heap) CarveRegionHead(r RegionIndex, pos, size uint64) RegionHeadCarve {
	h.mustBeAttached("CarveRegionHead")

	if r < 0 || int(r) >= len(h.regions) || !h.regions[r].live {
		panic(errors.AssertionFailedf("region %d does not exist", r))
	}

	info := h.regionInfo(r)
	if info.HeadBlock == NoBlock {
		panic(errors.AssertionFailedf("region %#x has no free block after its header", info.Base))
	}
	if size == 0 || pos < info.Base || pos+size > info.HeadLimit {
		panic(errors.AssertionFailedf("region head carve [%#x, %#x) is outside [%#x, %#x)",
			pos, pos+size, info.Base, info.HeadLimit))
	}

	head := info.HeadBlock
	headEnd := h.blocks[head].end()
	newBase := memutils.AlignUp(pos+size, Unit)

	h.regions[r].base = newBase
	h.blocks[head].addr = newBase + RegionHeaderSize
	h.blocks[head].units = (headEnd - h.blocks[head].addr) / Unit

	return RegionHeadCarve{
		Region:   r,
		OrigBase: info.Base,
		NewBase:  newBase,
	}
}

// CarveInterior removes [pos, pos+size) from free block b. What remains in front of pos is kept
// as a free block when it holds at least one unit, and so is what remains past the carve.
func (h *Heap) CarveInterior(b BlockIndex, pos, size uint64) InteriorCarve {
	h.mustBeAttached("CarveInterior")

	if b < 0 || int(b) >= len(h.blocks) || !h.blocks[b].live || h.blocks[b].magic != MagicFree {
		panic(errors.AssertionFailedf("block %d is not a free block", b))
	}

	r := h.blocks[b].region
	start := h.blocks[b].addr
	end := h.blocks[b].end()
	if size == 0 || pos < start || pos+size > end {
		panic(errors.AssertionFailedf("interior carve [%#x, %#x) is outside free block [%#x, %#x)",
			pos, pos+size, start, end))
	}

	backStart := memutils.AlignUp(pos+size, Unit)
	if backStart < end {
		back := h.newBlock(backStart, (end-backStart)/Unit, MagicFree, r)
		h.linkFree(r, back)
	}

	if pos-start >= Unit {
		h.blocks[b].units = (pos - start) / Unit
	} else {
		h.unlinkFree(r, b)
		h.dropBlock(b)
	}

	return InteriorCarve{Start: pos, End: pos + size}
}

// ReleaseRegionHead gives back the bytes taken by CarveRegionHead
func (h *Heap) ReleaseRegionHead(carve RegionHeadCarve) {
	h.mustBeAttached("ReleaseRegionHead")

	if carve.NewBase <= carve.OrigBase {
		panic(errors.AssertionFailedf("region head carve [%#x, %#x) is empty", carve.OrigBase, carve.NewBase))
	}

	h.addRange(carve.OrigBase, carve.NewBase)
	memutils.DebugValidate(h)
}

// ReleaseInterior gives back the bytes taken by CarveInterior, widened to unit boundaries
func (h *Heap) ReleaseInterior(carve InteriorCarve) {
	h.mustBeAttached("ReleaseInterior")

	start := memutils.AlignDown(carve.Start, Unit)
	end := memutils.AlignUp(carve.End, Unit)

	r := h.regionContaining(start, end)
	if r == NoRegion {
		panic(errors.AssertionFailedf("released range [%#x, %#x) is not inside any region", start, end))
	}

	h.releaseRange(r, start, end)
	memutils.DebugValidate(h)
}

package reloc

import (
	"github.com/bootforge/relocator/memutils/heap"
)

// Chunk is one committed placement. Its bytes are assembled at Source and end up at Target
// once the relocation program runs.
type Chunk struct {
	source    uint64
	target    uint64
	size      uint64
	post      bool
	subchunks []Subchunk
}

func (c *Chunk) Source() uint64 { return c.source }
func (c *Chunk) Target() uint64 { return c.target }
func (c *Chunk) Size() uint64   { return c.size }

// IsPost reports whether the chunk's source was placed at the high end of memory as a fallback
func (c *Chunk) IsPost() bool { return c.post }

// Subchunks lists how the chunk's source range was carved, in address order
func (c *Chunk) Subchunks() []Subchunk { return c.subchunks }

// Moves reports whether the relocation program has to copy this chunk
func (c *Chunk) Moves() bool { return c.source != c.target }

// Subchunk records how one piece of a chunk's source was taken from memory. The concrete types
// are RegionHeadSubchunk, InteriorSubchunk, FirmwareSubchunk and LeftoverSubchunk.
type Subchunk interface {
	Start() uint64
	End() uint64
	Kind() string

	isSubchunk()
}

type span struct {
	start uint64
	end   uint64
}

func (s span) Start() uint64 { return s.start }
func (s span) End() uint64   { return s.end }

// RegionHeadSubchunk was carved from the start of a heap region
type RegionHeadSubchunk struct {
	span
	Carve heap.RegionHeadCarve
}

// InteriorSubchunk was carved from a free block inside a heap region
type InteriorSubchunk struct {
	span
	Carve heap.InteriorCarve
}

// FirmwareSubchunk was reserved from the firmware in whole quanta
type FirmwareSubchunk struct {
	span
}

// LeftoverSubchunk was claimed from a partly used firmware quantum
type LeftoverSubchunk struct {
	span
}

func (*RegionHeadSubchunk) Kind() string { return "RegionHead" }
func (*InteriorSubchunk) Kind() string   { return "Interior" }
func (*FirmwareSubchunk) Kind() string   { return "Firmware" }
func (*LeftoverSubchunk) Kind() string   { return "Leftover" }

func (*RegionHeadSubchunk) isSubchunk() {}
func (*InteriorSubchunk) isSubchunk()   {}
func (*FirmwareSubchunk) isSubchunk()   {}
func (*LeftoverSubchunk) isSubchunk()   {}

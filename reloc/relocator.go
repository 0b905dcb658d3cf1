// Package reloc places the pieces of a boot payload in physical memory and builds the program
// that moves them to their final addresses right before control is handed to the kernel.
//
// Callers reserve windows with AllocChunkAt and AllocChunkInRange, assemble their data at each
// chunk's source through MapChunk, then call Prepare once and run the returned program.
package reloc

import (
	"fmt"
	"math"

	"github.com/bootforge/relocator/memutils"
	"github.com/bootforge/relocator/memutils/firmware"
	"github.com/bootforge/relocator/memutils/heap"
	"github.com/bootforge/relocator/reloc/arch"
	"github.com/bootforge/relocator/reloc/internal/utils"
	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"golang.org/x/exp/slog"
)

const (
	// LegacyLowMemoryLimit bounds the legacy low memory area. Exact requests below it that cannot
	// be satisfied in place get their source from the top of memory instead, because kernels
	// loaded through the legacy boot protocol expect their real-mode parts below this address
	// even when the loader's heap covers it.
	LegacyLowMemoryLimit uint64 = 0x100000

	// DefaultMaxAddress is the exclusive upper bound of placements when CreateOptions.MaxAddress
	// is zero
	DefaultMaxAddress uint64 = math.MaxUint64
)

// CreateOptions contains optional settings when creating a relocator. It is valid to leave all
// fields blank.
type CreateOptions struct {
	// Flags indicates specific relocator behaviors to activate or deactivate
	Flags CreateFlags
	// MaxAddress is the exclusive upper bound of every placement
	MaxAddress uint64

	// MemoryMap lets the search avoid firmware-reserved memory and lets AllocChunkInRange
	// choose targets outside the heap. Without it chunks can only be placed in place.
	MemoryMap firmware.MemoryMap
	// Reservations lets the search place chunk sources in firmware memory outside the heap. It
	// requires MemoryMap and may be shared between relocators.
	Reservations *firmware.Reservations
	// Memory is the physical address space MapChunk exposes
	Memory memutils.PhysicalMemory
}

// Relocator is the placement context of one boot attempt. It borrows the loader's heap for its
// whole lifetime and gives everything back on Unload.
type Relocator struct {
	logger *slog.Logger
	mutex  utils.OptionalMutex

	heap         *heap.Heap
	generator    arch.CodeGenerator
	memoryMap    firmware.MemoryMap
	reservations *firmware.Reservations
	memory       memutils.PhysicalMemory
	flags        CreateFlags
	maxAddress   uint64

	chunks             []*Chunk
	postChunks         uint64
	highestAddr        uint64
	highestNonPostAddr uint64
	relocatorsSize     uint64

	prepared bool
	unloaded bool
}

// New creates a relocator over a heap
//
// logger - Receives debug output for every placement decision
//
// h - The loader's heap. The relocator carves chunk sources out of it.
//
// generator - Supplies the copy and jump units of the relocation program
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(logger *slog.Logger, h *heap.Heap, generator arch.CodeGenerator, options CreateOptions) (*Relocator, error) {
	if logger == nil {
		return nil, errors.New("logger may not be nil")
	}
	if h == nil {
		return nil, errors.New("heap may not be nil")
	}
	if generator == nil {
		return nil, errors.New("code generator may not be nil")
	}
	if err := memutils.CheckPow2(generator.Alignment(), "code generator alignment"); err != nil {
		return nil, err
	}
	if generator.BackwardUnitSize() == 0 || generator.ForwardUnitSize() == 0 || generator.JumpUnitSize() == 0 {
		return nil, errors.New("code generator units may not be empty")
	}
	if options.Reservations != nil && options.MemoryMap == nil {
		return nil, errors.New("CreateOptions.Reservations was provided without CreateOptions.MemoryMap")
	}

	maxAddress := options.MaxAddress
	if maxAddress == 0 {
		maxAddress = DefaultMaxAddress
	}

	logger.Debug("Relocator::New",
		slog.String("Flags", options.Flags.String()),
		slog.String("MaxAddress", hex(maxAddress)),
		slog.Bool("MemoryMap", options.MemoryMap != nil),
		slog.Bool("Reservations", options.Reservations != nil),
	)

	return &Relocator{
		logger: logger,
		mutex: utils.OptionalMutex{
			UseMutex: options.Flags&CreateExternallySynchronized == 0,
		},

		heap:         h,
		generator:    generator,
		memoryMap:    options.MemoryMap,
		reservations: options.Reservations,
		memory:       options.Memory,
		flags:        options.Flags,
		maxAddress:   maxAddress,

		postChunks:     maxAddress,
		relocatorsSize: generator.JumpUnitSize(),
	}, nil
}

func hex(value uint64) string {
	return fmt.Sprintf("%#x", value)
}

func (r *Relocator) checkUsable() error {
	if r.unloaded {
		return errors.New("relocator was unloaded")
	}
	if r.prepared {
		return errors.New("relocator was already prepared")
	}
	return nil
}

// Chunks returns the committed chunks in the order they were allocated
func (r *Relocator) Chunks() []*Chunk {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	chunks := make([]*Chunk, len(r.chunks))
	copy(chunks, r.chunks)
	return chunks
}

// RelocatorsSize returns the size in bytes of the program Prepare would build right now
func (r *Relocator) RelocatorsSize() uint64 {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	return r.relocatorsSize
}

// Mapping is a window over physical memory at a chunk's source. Offsets are relative to the
// start of the chunk.
type Mapping struct {
	memory memutils.PhysicalMemory
	base   uint64
	size   uint64
}

func (m *Mapping) Size() uint64 { return m.size }

func (m *Mapping) checkRange(off int64, length int) error {
	if off < 0 || uint64(off) > m.size || uint64(length) > m.size-uint64(off) {
		return errors.Newf("[%d, %d) is outside the %d byte chunk", off, off+int64(length), m.size)
	}
	return nil
}

func (m *Mapping) ReadAt(p []byte, off int64) (int, error) {
	if err := m.checkRange(off, len(p)); err != nil {
		return 0, err
	}
	return m.memory.ReadAt(p, int64(m.base)+off)
}

func (m *Mapping) WriteAt(p []byte, off int64) (int, error) {
	if err := m.checkRange(off, len(p)); err != nil {
		return 0, err
	}
	return m.memory.WriteAt(p, int64(m.base)+off)
}

// MapChunk returns the window through which a caller assembles a chunk's data before the
// relocation program moves it to its target
func (r *Relocator) MapChunk(chunk *Chunk) (*Mapping, error) {
	if r.memory == nil {
		return nil, errors.New("relocator was created without CreateOptions.Memory")
	}
	if chunk == nil {
		return nil, errors.New("chunk may not be nil")
	}

	return &Mapping{
		memory: r.memory,
		base:   chunk.source,
		size:   chunk.size,
	}, nil
}

// PrintDetailedMap writes the relocator's accounting and every chunk with its subchunks as a
// json object
func (r *Relocator) PrintDetailedMap(writer *jwriter.Writer) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	objState := writer.Object()
	defer objState.End()

	objState.Name("PostChunks").String(hex(r.postChunks))
	objState.Name("HighestAddr").String(hex(r.highestAddr))
	objState.Name("HighestNonPostAddr").String(hex(r.highestNonPostAddr))
	objState.Name("RelocatorsSize").Int(int(r.relocatorsSize))

	chunkArray := objState.Name("Chunks").Array()
	defer chunkArray.End()

	for _, chunk := range r.chunks {
		chunkObj := chunkArray.Object()
		chunkObj.Name("Source").String(hex(chunk.source))
		chunkObj.Name("Target").String(hex(chunk.target))
		chunkObj.Name("Size").Int(int(chunk.size))
		chunkObj.Name("Post").Bool(chunk.post)

		subchunkArray := chunkObj.Name("Subchunks").Array()
		for _, sub := range chunk.subchunks {
			subObj := subchunkArray.Object()
			subObj.Name("Type").String(sub.Kind())
			subObj.Name("Start").String(hex(sub.Start()))
			subObj.Name("End").String(hex(sub.End()))
			subObj.End()
		}
		subchunkArray.End()

		chunkObj.End()
	}
}

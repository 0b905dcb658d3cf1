package reloc

import (
	"github.com/bootforge/relocator/memutils/radix"
	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slog"
)

// Program is the relocation program built by Prepare. The caller copies Code to Address, which
// Chunk reserves, and runs it there. It moves every chunk to its target and jumps to the entry
// address.
type Program struct {
	Address uint64
	Code    []byte
	Chunk   *Chunk
}

// Prepare reserves a window for the relocation program and builds it. Chunks are copied in
// source order. A chunk whose source is below its target is copied from its high end down, a
// chunk whose source is above its target from its low end up. Chunks that do not move only have
// their caches synchronized. The relocator cannot allocate after Prepare.
func (r *Relocator) Prepare(entry uint64) (Program, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.logger.Debug("Relocator::Prepare", slog.String("Entry", hex(entry)), slog.Uint64("RelocatorsSize", r.relocatorsSize))

	if err := r.checkUsable(); err != nil {
		return Program{}, err
	}

	size := r.relocatorsSize
	programChunk, err := r.search(searchRequest{
		min:             0,
		max:             r.maxAddress,
		align:           r.generator.Alignment(),
		size:            size,
		dir:             fromLow,
		checkCollisions: true,
	})
	if err != nil {
		return Program{}, err
	}
	if programChunk == nil {
		return Program{}, errors.Wrapf(OutOfMemoryError, "no window for a %d byte relocation program", size)
	}
	r.record(programChunk)

	sorted := make([]*Chunk, len(r.chunks))
	copy(sorted, r.chunks)
	scratch := make([]*Chunk, len(sorted))
	radix.Sort(sorted, scratch, func(chunk **Chunk) uint64 {
		return (*chunk).source
	})

	code := make([]byte, size)
	offset := uint64(0)
	emit := func(unitSize uint64) []byte {
		if offset+unitSize > size {
			panic(errors.AssertionFailedf("relocation program overflows its %d bytes at offset %d", size, offset))
		}
		unit := code[offset : offset+unitSize]
		offset += unitSize
		return unit
	}

	for _, chunk := range sorted {
		if chunk == programChunk {
			continue
		}

		switch {
		case chunk.source < chunk.target:
			r.generator.PatchBackward(emit(r.generator.BackwardUnitSize()), chunk.source, chunk.target, chunk.size)
		case chunk.source > chunk.target:
			r.generator.PatchForward(emit(r.generator.ForwardUnitSize()), chunk.source, chunk.target, chunk.size)
		default:
			r.generator.SyncCaches(chunk.source, chunk.size)
		}
	}

	r.generator.PatchJump(emit(r.generator.JumpUnitSize()), entry)

	if offset != size {
		panic(errors.AssertionFailedf("relocation program is %d bytes but %d were accounted", offset, size))
	}

	r.prepared = true
	r.logger.Debug("  Relocator::Prepare built program", slog.String("Address", hex(programChunk.source)), slog.Int("Chunks", len(sorted)))

	return Program{
		Address: programChunk.source,
		Code:    code,
		Chunk:   programChunk,
	}, nil
}

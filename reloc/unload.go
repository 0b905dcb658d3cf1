package reloc

import (
	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slog"
)

func (r *Relocator) releaseSubchunk(sub Subchunk) error {
	switch s := sub.(type) {
	case *RegionHeadSubchunk:
		r.heap.ReleaseRegionHead(s.Carve)
	case *InteriorSubchunk:
		r.heap.ReleaseInterior(s.Carve)
	case *FirmwareSubchunk:
		return r.reservations.Release(s.start, s.end)
	case *LeftoverSubchunk:
		return r.reservations.Return(s.start, s.end)
	default:
		panic(errors.AssertionFailedf("unknown subchunk type %T", sub))
	}
	return nil
}

// releaseChunk gives a chunk's source back to the heap and firmware and drops it from the ledger
func (r *Relocator) releaseChunk(chunk *Chunk) error {
	var result error
	for _, sub := range chunk.subchunks {
		result = errors.CombineErrors(result, r.releaseSubchunk(sub))
	}
	chunk.subchunks = nil

	for i, other := range r.chunks {
		if other == chunk {
			r.chunks = append(r.chunks[:i], r.chunks[i+1:]...)
			break
		}
	}

	switch {
	case chunk.source < chunk.target:
		r.relocatorsSize -= r.generator.BackwardUnitSize()
	case chunk.source > chunk.target:
		r.relocatorsSize -= r.generator.ForwardUnitSize()
	}

	return result
}

// Unload releases every chunk in the order it was allocated. The relocator cannot be used
// afterwards.
func (r *Relocator) Unload() error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.logger.Debug("Relocator::Unload", slog.Int("Chunks", len(r.chunks)))

	if r.unloaded {
		return errors.New("relocator was already unloaded")
	}

	var result error
	for _, chunk := range r.chunks {
		for _, sub := range chunk.subchunks {
			result = errors.CombineErrors(result, r.releaseSubchunk(sub))
		}
		chunk.subchunks = nil
	}

	r.chunks = nil
	r.unloaded = true

	if result != nil {
		r.logger.Error("errors releasing chunks", slog.Any("error", result))
	}
	return result
}

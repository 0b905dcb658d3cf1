package reloc

import (
	"github.com/bootforge/relocator/memutils"
	"github.com/bootforge/relocator/memutils/firmware"
	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slog"
)

func (r *Relocator) overlapsTarget(start, end uint64) *Chunk {
	for _, chunk := range r.chunks {
		if memutils.RangesOverlap(start, end, chunk.target, chunk.target+chunk.size) {
			return chunk
		}
	}
	return nil
}

func (r *Relocator) overlapsSource(start, end uint64) *Chunk {
	for _, chunk := range r.chunks {
		if memutils.RangesOverlap(start, end, chunk.source, chunk.source+chunk.size) {
			return chunk
		}
	}
	return nil
}

// record adds a committed chunk to the ledger and updates the accounting
func (r *Relocator) record(chunk *Chunk) {
	r.chunks = append(r.chunks, chunk)

	top := chunk.source + chunk.size
	if targetEnd := chunk.target + chunk.size; targetEnd > top {
		top = targetEnd
	}

	if top > r.highestAddr {
		r.highestAddr = top
	}
	if !chunk.post && top > r.highestNonPostAddr {
		r.highestNonPostAddr = top
	}
	if chunk.post && chunk.source < r.postChunks {
		r.postChunks = chunk.source
	}

	switch {
	case chunk.source < chunk.target:
		r.relocatorsSize += r.generator.BackwardUnitSize()
	case chunk.source > chunk.target:
		r.relocatorsSize += r.generator.ForwardUnitSize()
	}
}

// AllocChunkAt reserves size bytes that must end up at target. The chunk's source is target
// itself when that memory is free. Otherwise, for targets below LegacyLowMemoryLimit, the source
// is placed at the top of memory as a post allocation.
func (r *Relocator) AllocChunkAt(target, size uint64) (*Chunk, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.logger.Debug("Relocator::AllocChunkAt", slog.String("Target", hex(target)), slog.Uint64("Size", size))

	if err := r.checkUsable(); err != nil {
		return nil, err
	}
	if size == 0 {
		return nil, errors.New("cannot allocate an empty chunk")
	}

	end, err := memutils.CheckRange(target, size)
	if err != nil {
		return nil, err
	}
	if end > r.maxAddress {
		return nil, errors.Wrapf(OutOfMemoryError, "target [%#x, %#x) is above the maximum address %#x", target, end, r.maxAddress)
	}

	if other := r.overlapsTarget(target, end); other != nil {
		return nil, errors.Wrapf(OverlapError, "target [%#x, %#x) overlaps the chunk targeting [%#x, %#x)",
			target, end, other.target, other.target+other.size)
	}

	chunk, err := r.search(searchRequest{
		min:   target,
		max:   end,
		align: 1,
		size:  size,
		dir:   fromLow,
	})
	if err != nil {
		return nil, err
	}

	// A moved target must not overwrite a source the program has yet to copy
	if chunk == nil && target < LegacyLowMemoryLimit && r.flags&CreateDisableLowMemoryFallback == 0 &&
		r.overlapsSource(target, end) == nil {
		r.logger.Debug("  Relocator::AllocChunkAt falling back to a post allocation",
			slog.String("Min", hex(r.highestNonPostAddr)))

		chunk, err = r.search(searchRequest{
			min:             r.highestNonPostAddr,
			max:             r.maxAddress,
			align:           1,
			size:            size,
			dir:             fromHigh,
			checkCollisions: true,
		})
		if err != nil {
			return nil, err
		}
		if chunk != nil {
			chunk.post = true
		}
	}

	if chunk == nil {
		r.logger.Debug("  Relocator::AllocChunkAt FAILED")
		return nil, errors.Wrapf(OutOfMemoryError, "placing %#x bytes at %#x", size, target)
	}

	chunk.target = target
	r.record(chunk)
	return chunk, nil
}

// AllocChunkInRange reserves size bytes whose target is aligned to align and lies in
// [min, max). Placements in place are tried first. Otherwise the target is chosen from usable
// firmware memory and the source is searched separately, so the relocation program moves it.
func (r *Relocator) AllocChunkInRange(min, max, size, align uint64, preference Preference, avoidFirmwareTransient bool) (*Chunk, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.logger.Debug("Relocator::AllocChunkInRange",
		slog.String("Min", hex(min)),
		slog.String("Max", hex(max)),
		slog.Uint64("Size", size),
		slog.Uint64("Align", align),
		slog.String("Preference", preference.String()),
		slog.Bool("AvoidFirmwareTransient", avoidFirmwareTransient),
	)

	if err := r.checkUsable(); err != nil {
		return nil, err
	}
	if size == 0 {
		return nil, errors.New("cannot allocate an empty chunk")
	}
	if err := memutils.CheckPow2(align, "align"); err != nil {
		return nil, err
	}
	if max > r.maxAddress {
		max = r.maxAddress
	}
	if max <= min || max-min < size {
		return nil, errors.Wrapf(OutOfMemoryError, "window [%#x, %#x) cannot hold %#x bytes", min, max, size)
	}

	dir := fromLow
	if preference == PreferenceHigh {
		dir = fromHigh
	}

	chunk, err := r.search(searchRequest{
		min:             min,
		max:             max,
		align:           align,
		size:            size,
		dir:             dir,
		checkCollisions: true,
		avoidTransient:  avoidFirmwareTransient,
	})
	if err != nil {
		return nil, err
	}
	if chunk != nil {
		r.record(chunk)
		return chunk, nil
	}

	target, ok, err := r.pickTarget(min, max, size, align, preference, avoidFirmwareTransient)
	if err != nil {
		return nil, err
	}
	if !ok {
		r.logger.Debug("  Relocator::AllocChunkInRange FAILED: no target")
		return nil, errors.Wrapf(OutOfMemoryError, "no target for %#x bytes in [%#x, %#x)", size, min, max)
	}

	sourceMin, sourceMax := r.adjustLimits(target, size)
	r.logger.Debug("  Relocator::AllocChunkInRange moving chunk",
		slog.String("Target", hex(target)),
		slog.String("SourceMin", hex(sourceMin)),
		slog.String("SourceMax", hex(sourceMax)),
	)

	chunk, err = r.search(searchRequest{
		min:             sourceMin,
		max:             sourceMax,
		align:           align,
		size:            size,
		dir:             fromLow,
		checkCollisions: true,
		avoidTransient:  avoidFirmwareTransient,
	})
	if err != nil {
		return nil, err
	}

	if chunk == nil && preference == PreferenceLow {
		r.logger.Debug("  Relocator::AllocChunkInRange falling back to a post allocation")

		chunk, err = r.search(searchRequest{
			min:             r.highestNonPostAddr,
			max:             r.maxAddress,
			align:           align,
			size:            size,
			dir:             fromHigh,
			checkCollisions: true,
			avoidTransient:  avoidFirmwareTransient,
		})
		if err != nil {
			return nil, err
		}
		if chunk != nil {
			chunk.post = true
		}
	}

	if chunk == nil {
		r.logger.Debug("  Relocator::AllocChunkInRange FAILED: no source")
		return nil, errors.Wrapf(OutOfMemoryError, "no source for %#x bytes targeting %#x", size, target)
	}

	chunk.target = target
	r.record(chunk)
	return chunk, nil
}

// adjustLimits narrows the source window for a chunk targeting target so that the sources of
// non-post chunks keep the order of their targets
func (r *Relocator) adjustLimits(target, size uint64) (uint64, uint64) {
	sourceMin, sourceMax := uint64(0), r.postChunks

	for _, chunk := range r.chunks {
		if chunk.post {
			continue
		}

		if chunk.target < target && chunk.source+chunk.size > sourceMin {
			sourceMin = chunk.source + chunk.size
		}
		if chunk.target > target && chunk.source < sourceMax {
			sourceMax = chunk.source
		}
	}

	return sourceMin, sourceMax
}

// busy reports the committed range, target or source, that overlaps [start, end) and lies
// furthest in the scan direction
func (r *Relocator) busy(start, end uint64, dir direction) (uint64, uint64, bool) {
	var busyStart, busyEnd uint64
	found := false

	check := func(rangeStart, rangeEnd uint64) {
		if !memutils.RangesOverlap(start, end, rangeStart, rangeEnd) {
			return
		}
		if !found || (dir == fromLow && rangeEnd > busyEnd) || (dir == fromHigh && rangeStart < busyStart) {
			busyStart, busyEnd = rangeStart, rangeEnd
		}
		found = true
	}

	for _, chunk := range r.chunks {
		check(chunk.target, chunk.target+chunk.size)
		check(chunk.source, chunk.source+chunk.size)
	}

	return busyStart, busyEnd, found
}

// fitTarget places an aligned target of size bytes in [lo, hi) clear of every committed range
func (r *Relocator) fitTarget(lo, hi, size, align uint64, dir direction) (uint64, bool) {
	if hi <= lo || hi-lo < size {
		return 0, false
	}

	if dir == fromHigh {
		candidate := memutils.AlignDown(hi-size, align)
		for candidate >= lo {
			busyStart, _, found := r.busy(candidate, candidate+size, fromHigh)
			if !found {
				return candidate, true
			}
			if busyStart < size {
				return 0, false
			}
			candidate = memutils.AlignDown(busyStart-size, align)
		}
		return 0, false
	}

	candidate := memutils.AlignUp(lo, align)
	for candidate >= lo && candidate <= hi-size {
		_, busyEnd, found := r.busy(candidate, candidate+size, fromLow)
		if !found {
			return candidate, true
		}
		candidate = memutils.AlignUp(busyEnd, align)
	}
	return 0, false
}

// pickTarget chooses a target for a chunk that has to be moved, from the firmware memory map
// ranges that may hold targets. It changes nothing.
func (r *Relocator) pickTarget(min, max, size, align uint64, preference Preference, avoidTransient bool) (uint64, bool, error) {
	if r.memoryMap == nil {
		return 0, false, nil
	}

	dir := fromLow
	if preference == PreferenceHigh {
		dir = fromHigh
	}

	var best uint64
	found := false
	err := r.memoryMap.VisitMemoryMap(func(entry firmware.Entry) bool {
		if !entry.Type.HoldsTargets(avoidTransient) {
			return true
		}

		lo, hi := entry.Base, entry.End()
		if lo < min {
			lo = min
		}
		if hi > max {
			hi = max
		}

		candidate, ok := r.fitTarget(lo, hi, size, align, dir)
		if !ok {
			return true
		}

		if !found || (dir == fromHigh && candidate > best) || (dir == fromLow && candidate < best) {
			best, found = candidate, true
		}
		return true
	})
	if err != nil {
		return 0, false, errors.Wrap(err, "reading firmware memory map")
	}

	return best, found, nil
}

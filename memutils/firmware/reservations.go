package firmware

import (
	"github.com/bits-and-blooms/bitset"
	"github.com/bootforge/relocator/memutils"
	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
)

// Leftover is a firmware quantum that is allocated from the firmware but only partly used by
// chunks. Its bitmap has one bit per byte, set while the byte is free.
type Leftover struct {
	base uint64
	free *bitset.BitSet
}

func newLeftover(base, quantum uint64) *Leftover {
	return &Leftover{
		base: base,
		free: bitset.New(uint(quantum)),
	}
}

func (l *Leftover) Base() uint64 { return l.base }

func (l *Leftover) FreeBytes() uint64 { return uint64(l.free.Count()) }

func (l *Leftover) setRange(start, end uint64, free bool) {
	for addr := start; addr < end; addr++ {
		l.free.SetTo(uint(addr-l.base), free)
	}
}

func (l *Leftover) allFree(start, end uint64) bool {
	for addr := start; addr < end; addr++ {
		if !l.free.Test(uint(addr - l.base)) {
			return false
		}
	}
	return true
}

func (l *Leftover) anyFree(start, end uint64) bool {
	for addr := start; addr < end; addr++ {
		if l.free.Test(uint(addr - l.base)) {
			return true
		}
	}
	return false
}

// VisitFreeRuns calls visit with every maximal run [start, end) of free bytes, as physical
// addresses, in address order
func (l *Leftover) VisitFreeRuns(visit func(start, end uint64) bool) {
	length := l.free.Len()
	i := uint(0)
	for i < length {
		start, ok := l.free.NextSet(i)
		if !ok || start >= length {
			return
		}

		end, ok := l.free.NextClear(start)
		if !ok || end > length {
			end = length
		}

		if !visit(l.base+uint64(start), l.base+uint64(end)) {
			return
		}
		i = end
	}
}

// CountFreeRuns returns the number of runs VisitFreeRuns would report
func (l *Leftover) CountFreeRuns() int {
	count := 0
	l.VisitFreeRuns(func(start, end uint64) bool {
		count++
		return true
	})
	return count
}

// Reservations tracks the firmware quanta taken for chunks and the leftovers they produced.
// A single ledger is meant to be shared by every relocator of a loader.
type Reservations struct {
	pages     PageAllocator
	quantum   uint64
	leftovers *swiss.Map[uint64, *Leftover]
}

func NewReservations(pages PageAllocator) (*Reservations, error) {
	quantum := pages.QuantumSize()
	if err := memutils.CheckPow2(quantum, "firmware quantum size"); err != nil {
		return nil, err
	}

	return &Reservations{
		pages:     pages,
		quantum:   quantum,
		leftovers: swiss.NewMap[uint64, *Leftover](16),
	}, nil
}

func (r *Reservations) QuantumSize() uint64 { return r.quantum }

func (r *Reservations) LeftoverCount() int { return r.leftovers.Count() }

// Leftover returns the leftover for the quantum containing addr, if there is one
func (r *Reservations) Leftover(addr uint64) (*Leftover, bool) {
	return r.leftovers.Get(memutils.AlignDown(addr, r.quantum))
}

func (r *Reservations) VisitLeftovers(visit func(leftover *Leftover) bool) {
	r.leftovers.Iter(func(_ uint64, leftover *Leftover) bool {
		return !visit(leftover)
	})
}

// CountLeftoverRuns returns the number of free runs across all leftovers
func (r *Reservations) CountLeftoverRuns() int {
	count := 0
	r.leftovers.Iter(func(_ uint64, leftover *Leftover) bool {
		count += leftover.CountFreeRuns()
		return false
	})
	return count
}

// Reserve allocates the quanta covering [start, end) from the firmware. The bytes of the first
// and last quantum that fall outside [start, end) become leftovers. On failure nothing changes.
func (r *Reservations) Reserve(start, end uint64) error {
	if end <= start {
		return errors.Newf("firmware reservation [%#x, %#x) is empty", start, end)
	}

	first := memutils.AlignDown(start, r.quantum)
	last := memutils.AlignUp(end, r.quantum) - r.quantum

	for q := first; ; q += r.quantum {
		if r.leftovers.Has(q) {
			return errors.Newf("quantum at %#x is already a leftover", q)
		}
		if q == last {
			break
		}
	}

	err := r.pages.AllocatePagesAt(first, (last-first)/r.quantum+1)
	if err != nil {
		return errors.Wrapf(err, "reserving [%#x, %#x)", start, end)
	}

	if start > first {
		leftover := newLeftover(first, r.quantum)
		leftover.setRange(first, start, true)
		r.leftovers.Put(first, leftover)
	}

	if end < last+r.quantum {
		leftover, ok := r.leftovers.Get(last)
		if !ok {
			leftover = newLeftover(last, r.quantum)
			r.leftovers.Put(last, leftover)
		}
		leftover.setRange(end, last+r.quantum, true)
	}

	return nil
}

// Release gives back a range reserved with Reserve. Quanta that are shared with other chunks
// through a leftover stay allocated until their last byte is released.
func (r *Reservations) Release(start, end uint64) error {
	if end <= start {
		return errors.Newf("firmware release [%#x, %#x) is empty", start, end)
	}

	var result error
	first := memutils.AlignDown(start, r.quantum)
	for q := first; q < end; q += r.quantum {
		pieceStart, pieceEnd := q, q+r.quantum
		if pieceStart < start {
			pieceStart = start
		}
		if pieceEnd > end {
			pieceEnd = end
		}

		leftover, ok := r.leftovers.Get(q)
		if ok {
			result = errors.CombineErrors(result, r.returnBytes(leftover, pieceStart, pieceEnd))
			continue
		}

		result = errors.CombineErrors(result, r.pages.FreePages(q, 1))
	}

	return result
}

// Claim marks [start, end) of an existing leftover as used. The range must lie inside a single
// quantum and be entirely free.
func (r *Reservations) Claim(start, end uint64) error {
	leftover, err := r.leftoverFor(start, end)
	if err != nil {
		return err
	}

	if !leftover.allFree(start, end) {
		return errors.Newf("leftover bytes [%#x, %#x) are already in use", start, end)
	}

	leftover.setRange(start, end, false)
	return nil
}

// Return gives back bytes taken with Claim. A leftover whose bytes are all free again is handed
// back to the firmware.
func (r *Reservations) Return(start, end uint64) error {
	leftover, err := r.leftoverFor(start, end)
	if err != nil {
		return err
	}

	return r.returnBytes(leftover, start, end)
}

func (r *Reservations) leftoverFor(start, end uint64) (*Leftover, error) {
	if end <= start {
		return nil, errors.Newf("leftover range [%#x, %#x) is empty", start, end)
	}

	base := memutils.AlignDown(start, r.quantum)
	if end > base+r.quantum {
		return nil, errors.Newf("leftover range [%#x, %#x) spans more than one quantum", start, end)
	}

	leftover, ok := r.leftovers.Get(base)
	if !ok {
		return nil, errors.Newf("no leftover at %#x", base)
	}
	return leftover, nil
}

func (r *Reservations) returnBytes(leftover *Leftover, start, end uint64) error {
	if leftover.anyFree(start, end) {
		return errors.Newf("leftover bytes [%#x, %#x) are already free", start, end)
	}

	leftover.setRange(start, end, true)
	if leftover.FreeBytes() < r.quantum {
		return nil
	}

	r.leftovers.Delete(leftover.base)
	return r.pages.FreePages(leftover.base, 1)
}

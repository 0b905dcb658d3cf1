package firmware

import (
	"github.com/bootforge/relocator/memutils"
	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"golang.org/x/exp/slices"
)

const DefaultQuantumSize uint64 = 4096

type SimulatedOptions struct {
	// QuantumSize is the firmware page size. Zero selects DefaultQuantumSize.
	QuantumSize uint64
}

// Simulated is an in-memory firmware that implements both MemoryMap and PageAllocator. Pages
// allocated through it are reported as MemoryLoaderData by VisitMemoryMap, the way real firmware
// reports memory handed to the loader.
type Simulated struct {
	entries   []Entry
	quantum   uint64
	allocated *swiss.Map[uint64, struct{}]
}

var _ MemoryMap = &Simulated{}
var _ PageAllocator = &Simulated{}

// NewSimulated builds a firmware from a memory map. Entries may be given in any order but must
// not overlap.
func NewSimulated(entries []Entry, options SimulatedOptions) (*Simulated, error) {
	quantum := options.QuantumSize
	if quantum == 0 {
		quantum = DefaultQuantumSize
	}
	if err := memutils.CheckPow2(quantum, "firmware quantum size"); err != nil {
		return nil, err
	}

	sorted := slices.Clone(entries)
	slices.SortFunc(sorted, func(a, b Entry) bool {
		return a.Base < b.Base
	})

	for i, entry := range sorted {
		if _, err := memutils.CheckRange(entry.Base, entry.Size); err != nil {
			return nil, errors.Wrapf(err, "firmware entry %d", i)
		}
		if entry.Size == 0 {
			return nil, errors.Newf("firmware entry at %#x is empty", entry.Base)
		}
		if i > 0 && sorted[i-1].End() > entry.Base {
			return nil, errors.Newf("firmware entries at %#x and %#x overlap", sorted[i-1].Base, entry.Base)
		}
	}

	return &Simulated{
		entries:   sorted,
		quantum:   quantum,
		allocated: swiss.NewMap[uint64, struct{}](42),
	}, nil
}

func (s *Simulated) QuantumSize() uint64 { return s.quantum }

// AllocatedQuanta returns the number of quanta currently handed out
func (s *Simulated) AllocatedQuanta() int { return s.allocated.Count() }

func (s *Simulated) entryFor(addr uint64) (Entry, bool) {
	index, found := slices.BinarySearchFunc(s.entries, addr, func(entry Entry, target uint64) int {
		switch {
		case entry.End() <= target:
			return -1
		case entry.Base > target:
			return 1
		default:
			return 0
		}
	})
	if !found {
		return Entry{}, false
	}
	return s.entries[index], true
}

func (s *Simulated) checkQuanta(addr, count uint64) error {
	if addr%s.quantum != 0 {
		return errors.Newf("address %#x is not aligned to the firmware quantum %#x", addr, s.quantum)
	}
	if count == 0 {
		return errors.New("cannot operate on zero quanta")
	}
	if _, err := memutils.CheckRange(addr, count*s.quantum); err != nil {
		return err
	}
	return nil
}

// AllocatePagesAt reserves count quanta at addr. Every quantum must lie in usable memory and must
// not be allocated already; on failure nothing is reserved.
func (s *Simulated) AllocatePagesAt(addr uint64, count uint64) error {
	if err := s.checkQuanta(addr, count); err != nil {
		return err
	}

	for i := uint64(0); i < count; i++ {
		page := addr + i*s.quantum
		entry, ok := s.entryFor(page)
		if !ok || !entry.Type.Usable(false) || entry.End() < page+s.quantum {
			return errors.Newf("firmware cannot allocate the quantum at %#x", page)
		}
		if s.allocated.Has(page) {
			return errors.Newf("quantum at %#x is already allocated", page)
		}
	}

	for i := uint64(0); i < count; i++ {
		s.allocated.Put(addr+i*s.quantum, struct{}{})
	}
	return nil
}

// FreePages releases count quanta at addr, all of which must be allocated
func (s *Simulated) FreePages(addr uint64, count uint64) error {
	if err := s.checkQuanta(addr, count); err != nil {
		return err
	}

	for i := uint64(0); i < count; i++ {
		if !s.allocated.Has(addr + i*s.quantum) {
			return errors.Newf("quantum at %#x is not allocated", addr+i*s.quantum)
		}
	}

	for i := uint64(0); i < count; i++ {
		s.allocated.Delete(addr + i*s.quantum)
	}
	return nil
}

// VisitMemoryMap reports the map in address order, splitting entries around allocated quanta
func (s *Simulated) VisitMemoryMap(visit func(entry Entry) bool) error {
	pages := make([]uint64, 0, s.allocated.Count())
	s.allocated.Iter(func(page uint64, _ struct{}) bool {
		pages = append(pages, page)
		return false
	})
	slices.Sort(pages)

	next := 0
	for _, entry := range s.entries {
		pos := entry.Base
		for next < len(pages) && pages[next] < entry.End() {
			runStart := pages[next]
			runEnd := runStart + s.quantum
			next++
			for next < len(pages) && pages[next] == runEnd && runEnd < entry.End() {
				runEnd += s.quantum
				next++
			}

			if runStart > pos && !visit(Entry{Base: pos, Size: runStart - pos, Type: entry.Type}) {
				return nil
			}
			if !visit(Entry{Base: runStart, Size: runEnd - runStart, Type: MemoryLoaderData}) {
				return nil
			}
			pos = runEnd
		}

		if pos < entry.End() && !visit(Entry{Base: pos, Size: entry.End() - pos, Type: entry.Type}) {
			return nil
		}
	}

	return nil
}

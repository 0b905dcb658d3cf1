// Package physmem simulates a physical address space for hosted use of the relocator. Only
// pages that were written are backed by host memory; everything else reads as zero.
package physmem

import (
	"io"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
)

const (
	PageSize = 4096
	pageMask = PageSize - 1
)

type page [PageSize]byte

// Sparse is a byte-addressable physical address space backed by pages allocated on first write.
// Offsets passed to ReadAt and WriteAt are physical addresses.
type Sparse struct {
	limit uint64
	pages *swiss.Map[uint64, *page]
}

var _ io.ReaderAt = &Sparse{}
var _ io.WriterAt = &Sparse{}

// NewSparse creates an address space covering [0, limit)
func NewSparse(limit uint64) *Sparse {
	return &Sparse{
		limit: limit,
		pages: swiss.NewMap[uint64, *page](64),
	}
}

// Limit returns the exclusive upper bound of the address space
func (s *Sparse) Limit() uint64 { return s.limit }

// PageCount returns the number of pages that are backed by host memory
func (s *Sparse) PageCount() int { return s.pages.Count() }

func (s *Sparse) checkRange(off int64, length int) (uint64, error) {
	if off < 0 {
		return 0, errors.Newf("negative physical address %d", off)
	}

	addr := uint64(off)
	if addr > s.limit || uint64(length) > s.limit-addr {
		return 0, errors.Wrapf(io.ErrUnexpectedEOF, "[%#x, %#x) is beyond the end of physical memory %#x", addr, addr+uint64(length), s.limit)
	}
	return addr, nil
}

func (s *Sparse) ReadAt(p []byte, off int64) (int, error) {
	addr, err := s.checkRange(off, len(p))
	if err != nil {
		return 0, err
	}

	read := 0
	for read < len(p) {
		pageBase := (addr + uint64(read)) &^ pageMask
		pageOffset := int((addr + uint64(read)) & pageMask)
		count := len(p) - read
		if count > PageSize-pageOffset {
			count = PageSize - pageOffset
		}

		backing, ok := s.pages.Get(pageBase)
		if ok {
			copy(p[read:read+count], backing[pageOffset:])
		} else {
			for i := read; i < read+count; i++ {
				p[i] = 0
			}
		}
		read += count
	}

	return read, nil
}

func (s *Sparse) WriteAt(p []byte, off int64) (int, error) {
	addr, err := s.checkRange(off, len(p))
	if err != nil {
		return 0, err
	}

	written := 0
	for written < len(p) {
		pageBase := (addr + uint64(written)) &^ pageMask
		pageOffset := int((addr + uint64(written)) & pageMask)
		count := len(p) - written
		if count > PageSize-pageOffset {
			count = PageSize - pageOffset
		}

		backing, ok := s.pages.Get(pageBase)
		if !ok {
			backing = &page{}
			s.pages.Put(pageBase, backing)
		}
		copy(backing[pageOffset:], p[written:written+count])
		written += count
	}

	return written, nil
}

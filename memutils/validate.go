package memutils

import "io"

// Validatable is anything with a full consistency check, such as a heap
type Validatable interface {
	Validate() error
}

// PhysicalMemory is a byte-addressable view of the physical address space. Offsets passed to
// ReadAt and WriteAt are physical addresses. Chunk mappings and the relocation program
// simulator operate through this interface.
type PhysicalMemory interface {
	io.ReaderAt
	io.WriterAt
}

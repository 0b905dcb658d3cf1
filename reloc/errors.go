package reloc

import "github.com/cockroachdb/errors"

var (
	// OverlapError is returned when an exact placement request overlaps the target of a chunk
	// that was already committed
	OverlapError = errors.New("target overlaps a committed chunk")
	// OutOfMemoryError is returned when no placement satisfies a request
	OutOfMemoryError = errors.New("no memory satisfies the placement request")
)

package memutils

import (
	cerrors "github.com/cockroachdb/errors"
	"golang.org/x/exp/constraints"
)

// CheckPow2 returns a wrapped PowerOfTwoError if number is not a power of two. Zero is rejected as well,
// since no alignment or granularity in this module may be zero.
func CheckPow2[T constraints.Unsigned](number T, name string) error {
	if number == 0 || number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

// AlignUp rounds value up to the next multiple of alignment, which must be a power of two
func AlignUp[T constraints.Unsigned](value T, alignment T) T {
	return (value + alignment - 1) & ^(alignment - 1)
}

// AlignDown rounds value down to the previous multiple of alignment, which must be a power of two
func AlignDown[T constraints.Unsigned](value T, alignment T) T {
	return value & ^(alignment - 1)
}

// CheckRange verifies that [addr, addr+size) does not wrap around the top of the address space
// and returns the exclusive end of the range.
func CheckRange(addr, size uint64) (uint64, error) {
	end := addr + size
	if end < addr {
		return 0, cerrors.Wrapf(AddressOverflowError, "range at %#x of size %#x", addr, size)
	}
	return end, nil
}

// RangesOverlap returns true if [firstStart, firstEnd) and [secondStart, secondEnd) share at least one byte
func RangesOverlap(firstStart, firstEnd, secondStart, secondEnd uint64) bool {
	return firstStart < secondEnd && secondStart < firstEnd
}

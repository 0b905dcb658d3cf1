// Package radix implements least-significant-digit radix sorting over 64-bit keys. The sort
// never recurses and never allocates: callers supply a scratch slice of the same length as the
// data, and digit counters live on the stack. This makes it usable while the only heap in the
// system is unavailable.
package radix

import (
	"fmt"
)

const (
	digitBits  = 8
	digitCount = 1 << digitBits
	digitMask  = digitCount - 1
	keyDigits  = 64 / digitBits
)

// Sort stably orders items by key, ascending. scratch must be at least as long as items; its
// contents on return are unspecified.
func Sort[T any](items, scratch []T, key func(item *T) uint64) {
	SortRanked(items, scratch, nil, key)
}

// SortRanked stably orders items by key, and items with equal keys by rank, ascending. rank may
// be nil, in which case all items share a rank. The rank pass is run first so that the eight
// address digit passes (lowest digit first, highest digit last) preserve it.
func SortRanked[T any](items, scratch []T, rank func(item *T) uint8, key func(item *T) uint64) {
	if len(scratch) < len(items) {
		panic(fmt.Sprintf("radix scratch holds %d items but %d must be sorted", len(scratch), len(items)))
	}
	if len(items) < 2 {
		return
	}

	src := items
	dst := scratch[:len(items)]

	if rank != nil {
		countingPass(src, dst, func(item *T) int { return int(rank(item)) })
		src, dst = dst, src
	}

	for digit := 0; digit < keyDigits; digit++ {
		shift := uint(digit * digitBits)
		countingPass(src, dst, func(item *T) int {
			return int((key(item) >> shift) & digitMask)
		})
		src, dst = dst, src
	}

	// An odd number of passes leaves the result in scratch
	if &src[0] != &items[0] {
		copy(items, src)
	}
}

func countingPass[T any](src, dst []T, digit func(item *T) int) {
	var counts [digitCount]int
	for i := range src {
		counts[digit(&src[i])]++
	}

	offset := 0
	for i := 0; i < digitCount; i++ {
		count := counts[i]
		counts[i] = offset
		offset += count
	}

	for i := range src {
		d := digit(&src[i])
		dst[counts[d]] = src[i]
		counts[d]++
	}
}

package radix_test

import (
	"math"
	"math/rand"
	"sort"
	"testing"

	"github.com/bootforge/relocator/memutils/radix"
	"github.com/stretchr/testify/require"
)

type item struct {
	key  uint64
	rank uint8
	seq  int
}

func itemKey(i *item) uint64 { return i.key }
func itemRank(i *item) uint8 { return i.rank }

func TestSortMatchesStableSort(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	items := make([]item, 500)
	for i := range items {
		key := rng.Uint64()
		if i%7 == 0 {
			// Plenty of duplicate keys to check stability
			key = uint64(i % 3)
		}
		items[i] = item{key: key, seq: i}
	}

	expected := make([]item, len(items))
	copy(expected, items)
	sort.SliceStable(expected, func(i, j int) bool { return expected[i].key < expected[j].key })

	scratch := make([]item, len(items))
	radix.Sort(items, scratch, itemKey)

	require.Equal(t, expected, items)
}

func TestSortRankedPutsLowerRankFirst(t *testing.T) {
	items := []item{
		{key: 0x2000, rank: 1, seq: 0},
		{key: 0x1000, rank: 1, seq: 1},
		{key: 0x2000, rank: 0, seq: 2},
		{key: math.MaxUint64, rank: 0, seq: 3},
		{key: 0x1000, rank: 0, seq: 4},
		{key: 0x2000, rank: 0, seq: 5},
	}
	scratch := make([]item, len(items))

	radix.SortRanked(items, scratch, itemRank, itemKey)

	var order []int
	for _, i := range items {
		order = append(order, i.seq)
	}
	require.Equal(t, []int{4, 1, 2, 5, 0, 3}, order)
}

func TestSortSmallInputs(t *testing.T) {
	radix.Sort[item](nil, nil, itemKey)

	single := []item{{key: 5}}
	radix.Sort(single, make([]item, 1), itemKey)
	require.Equal(t, uint64(5), single[0].key)
}

func TestSortPanicsOnShortScratch(t *testing.T) {
	items := []item{{key: 2}, {key: 1}}
	require.Panics(t, func() {
		radix.Sort(items, make([]item, 1), itemKey)
	})
}

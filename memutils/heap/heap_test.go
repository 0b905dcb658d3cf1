package heap_test

import (
	"testing"

	"github.com/bootforge/relocator/memutils"
	"github.com/bootforge/relocator/memutils/heap"
	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/stretchr/testify/require"
)

func detailedMap(h *heap.Heap) string {
	w := jwriter.NewWriter()
	h.PrintDetailedMap(&w)
	return string(w.Bytes())
}

func regionCount(h *heap.Heap) int {
	var stats memutils.Statistics
	h.AddStatistics(&stats)
	return stats.RegionCount
}

func requireBug(t *testing.T, f func()) {
	defer func() {
		r := recover()
		require.NotNil(t, r, "expected a panic")
		err, ok := r.(error)
		require.True(t, ok)
		require.True(t, errors.IsAssertionFailure(err), "unexpected panic: %v", err)
	}()
	f()
}

func TestAddRegion(t *testing.T) {
	h := heap.New()
	require.NoError(t, h.AddRegion(0x10000, 0x1000))

	require.Equal(t, uint64(0x1000-heap.RegionHeaderSize), h.FreeBytes())
	require.Equal(t, 1, h.CountFreeBlocks())
	require.Equal(t, 1, regionCount(h))
	require.NoError(t, h.Validate())
}

func TestAddRegionRejectsBadRanges(t *testing.T) {
	h := heap.New()
	require.NoError(t, h.AddRegion(0x10000, 0x1000))

	require.Error(t, h.AddRegion(0x20010, 0x1000))
	require.Error(t, h.AddRegion(0x20000, heap.RegionHeaderSize))
	require.Error(t, h.AddRegion(0x10800, 0x1000))
	require.Error(t, h.AddRegion(0xffffffffffffff00, 0x1000))
	require.Equal(t, 1, regionCount(h))
}

func TestAddRegionMerges(t *testing.T) {
	testCases := []struct {
		name  string
		bases []uint64
	}{
		{name: "Above", bases: []uint64{0x10000, 0x11000}},
		{name: "Below", bases: []uint64{0x11000, 0x10000}},
		{name: "Bridge", bases: []uint64{0x10000, 0x12000, 0x11000}},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			h := heap.New()
			for _, base := range testCase.bases {
				require.NoError(t, h.AddRegion(base, 0x1000))
			}

			size := uint64(len(testCase.bases)) * 0x1000
			require.Equal(t, 1, regionCount(h))
			require.Equal(t, 1, h.CountFreeBlocks())
			require.Equal(t, size-heap.RegionHeaderSize, h.FreeBytes())
			require.NoError(t, h.Validate())

			var regions []heap.RegionInfo
			h.VisitRegions(func(info heap.RegionInfo) bool {
				regions = append(regions, info)
				return true
			})
			require.Len(t, regions, 1)
			require.Equal(t, uint64(0x10000), regions[0].Base)
			require.Equal(t, 0x10000+size, regions[0].End)
		})
	}
}

func TestAllocCarvesFromTail(t *testing.T) {
	h := heap.New()
	require.NoError(t, h.AddRegion(0x10000, 0x1000))

	addr, err := h.Alloc(100, 1)
	require.NoError(t, err)
	require.Equal(t, uint64(0x10f80), addr)
	require.Equal(t, uint64(0xfc0-5*heap.Unit), h.FreeBytes())
	require.NoError(t, h.Validate())

	require.NoError(t, h.Free(addr))
	require.Equal(t, uint64(0xfc0), h.FreeBytes())
	require.Equal(t, 1, h.CountFreeBlocks())
	require.NoError(t, h.Validate())
}

func TestAllocAligned(t *testing.T) {
	h := heap.New()
	require.NoError(t, h.AddRegion(0x10000, 0x1000))

	addr, err := h.Alloc(64, 0x100)
	require.NoError(t, err)
	require.Equal(t, uint64(0x10f00), addr)
	require.Equal(t, 2, h.CountFreeBlocks())

	require.NoError(t, h.Free(addr))
	require.Equal(t, 1, h.CountFreeBlocks())
	require.NoError(t, h.Validate())
}

func TestAllocErrors(t *testing.T) {
	h := heap.New()
	require.NoError(t, h.AddRegion(0x10000, 0x1000))

	_, err := h.Alloc(0, 1)
	require.Error(t, err)

	_, err = h.Alloc(32, 3)
	require.True(t, errors.Is(err, memutils.PowerOfTwoError))

	_, err = h.Alloc(0x2000, 1)
	require.True(t, errors.Is(err, heap.OutOfMemoryError))

	require.Error(t, h.Free(0x10040))
	require.Equal(t, uint64(0xfc0), h.FreeBytes())
}

func TestFreeCoalescesBothSides(t *testing.T) {
	h := heap.New()
	require.NoError(t, h.AddRegion(0x10000, 0x1000))
	before := detailedMap(h)

	first, err := h.Alloc(0x100, 1)
	require.NoError(t, err)
	second, err := h.Alloc(0x100, 1)
	require.NoError(t, err)
	third, err := h.Alloc(0x100, 1)
	require.NoError(t, err)

	require.NoError(t, h.Free(first))
	require.NoError(t, h.Free(third))
	require.Equal(t, 2, h.CountFreeBlocks())

	require.NoError(t, h.Free(second))
	require.Equal(t, 1, h.CountFreeBlocks())
	require.Equal(t, before, detailedMap(h))
	require.NoError(t, h.Validate())
}

func TestStatistics(t *testing.T) {
	h := heap.New()
	require.NoError(t, h.AddRegion(0x10000, 0x1000))
	require.NoError(t, h.AddRegion(0x20000, 0x2000))

	_, err := h.Alloc(0x100, 1)
	require.NoError(t, err)

	var stats memutils.DetailedStatistics
	stats.Clear()
	h.AddDetailedStatistics(&stats)

	require.Equal(t, 2, stats.RegionCount)
	require.Equal(t, uint64(0x3000), stats.RegionBytes)
	require.Equal(t, 1, stats.AllocationCount)
	require.Equal(t, uint64(0x120), stats.AllocationBytes)
	require.Equal(t, 2, stats.UnusedRangeCount)
	require.Equal(t, h.FreeBytes(), stats.FreeBytes)
	require.Equal(t, stats.RegionBytes, stats.FreeBytes+stats.AllocationBytes+2*heap.RegionHeaderSize)
}

func TestMagicString(t *testing.T) {
	require.Equal(t, "Free", heap.MagicFree.String())
	require.Equal(t, "Alloc", heap.MagicAlloc.String())
	require.Equal(t, "Corrupt", heap.Magic(7).String())
}

package reloc

import (
	"testing"

	"github.com/bootforge/relocator/memutils/firmware"
	mock_firmware "github.com/bootforge/relocator/memutils/firmware/mocks"
	"github.com/bootforge/relocator/memutils/heap"
	"github.com/bootforge/relocator/reloc/arch/interp"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func TestAllocChunkAtInPlace(t *testing.T) {
	h := heapWith(t, 0x100000, 0x100000)
	r, _ := newRelocator(t, h, CreateOptions{})

	chunk, err := r.AllocChunkAt(0x180000, 0x1000)
	require.NoError(t, err)
	require.Equal(t, uint64(0x180000), chunk.Source())
	require.Equal(t, uint64(0x180000), chunk.Target())
	require.Equal(t, uint64(0x1000), chunk.Size())
	require.False(t, chunk.Moves())
	require.False(t, chunk.IsPost())

	require.Len(t, chunk.Subchunks(), 1)
	head, ok := chunk.Subchunks()[0].(*RegionHeadSubchunk)
	require.True(t, ok)
	require.Equal(t, uint64(0x180000), head.Start())
	require.Equal(t, uint64(0x181000), head.End())
	require.Equal(t, uint64(0x100000), head.Carve.OrigBase)
	require.Equal(t, uint64(0x181000), head.Carve.NewBase)

	require.NoError(t, h.Validate())
	require.Equal(t, uint64(0x200000-0x181000-heap.RegionHeaderSize), h.FreeBytes())
	require.Equal(t, interp.JumpUnitSize, r.RelocatorsSize())
	require.Equal(t, uint64(0x181000), r.highestAddr)
	require.Equal(t, uint64(0x181000), r.highestNonPostAddr)

	before := takeSnapshot(r)

	_, err = r.AllocChunkAt(0x180000, 0x1000)
	require.True(t, errors.Is(err, OverlapError), "unexpected error: %v", err)

	_, err = r.AllocChunkAt(0x17f800, 0x1000)
	require.True(t, errors.Is(err, OverlapError), "unexpected error: %v", err)

	require.Equal(t, before, takeSnapshot(r))
	require.Len(t, r.Chunks(), 1)
}

func TestAllocChunkAtRejectsBadRequests(t *testing.T) {
	h := heapWith(t, 0x100000, 0x100000)
	r, _ := newRelocator(t, h, CreateOptions{MaxAddress: 0x200000})

	_, err := r.AllocChunkAt(0x180000, 0)
	require.Error(t, err)

	_, err = r.AllocChunkAt(^uint64(0)-0x10, 0x100)
	require.Error(t, err)

	_, err = r.AllocChunkAt(0x1ff800, 0x1000)
	require.True(t, errors.Is(err, OutOfMemoryError), "unexpected error: %v", err)

	require.Empty(t, r.Chunks())
}

func TestAllocChunkInRangeOutOfMemoryChangesNothing(t *testing.T) {
	h := heapWith(t, 0x100000, 0x10000+heap.RegionHeaderSize)
	require.Equal(t, uint64(0x10000), h.FreeBytes())

	r, _ := newRelocator(t, h, CreateOptions{})
	before := takeSnapshot(r)

	_, err := r.AllocChunkInRange(0, DefaultMaxAddress, 0x20000, 1, PreferenceLow, false)
	require.True(t, errors.Is(err, OutOfMemoryError), "unexpected error: %v", err)

	require.Equal(t, before, takeSnapshot(r))
	require.Equal(t, uint64(0x10000), h.FreeBytes())
	require.Empty(t, r.Chunks())
	require.NoError(t, h.Validate())
}

func TestAllocChunkInRangeAvoidsCommittedTargets(t *testing.T) {
	testCases := map[string]struct {
		Preference Preference
		Expected   uint64
	}{
		"High": {Preference: PreferenceHigh, Expected: 0x1ff000},
		"Low":  {Preference: PreferenceLow, Expected: 0x181000},
		"None": {Preference: PreferenceNone, Expected: 0x181000},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			h := heapWith(t, 0x100000, 0x300000)
			r, _ := newRelocator(t, h, CreateOptions{})

			_, err := r.AllocChunkAt(0x180000, 0x1000)
			require.NoError(t, err)

			chunk, err := r.AllocChunkInRange(0x100000, 0x200000, 0x1000, 0x1000, testCase.Preference, false)
			require.NoError(t, err)
			require.Equal(t, testCase.Expected, chunk.Source())
			require.Equal(t, testCase.Expected, chunk.Target())
			require.NoError(t, h.Validate())
		})
	}
}

func TestAllocChunkInRangeValidation(t *testing.T) {
	h := heapWith(t, 0x100000, 0x100000)
	r, _ := newRelocator(t, h, CreateOptions{})

	_, err := r.AllocChunkInRange(0x100000, 0x200000, 0x1000, 3, PreferenceLow, false)
	require.Error(t, err)

	_, err = r.AllocChunkInRange(0x100000, 0x200000, 0, 1, PreferenceLow, false)
	require.Error(t, err)

	_, err = r.AllocChunkInRange(0x200000, 0x100000, 0x1000, 1, PreferenceLow, false)
	require.True(t, errors.Is(err, OutOfMemoryError), "unexpected error: %v", err)

	_, err = r.AllocChunkInRange(0x100000, 0x100800, 0x1000, 1, PreferenceLow, false)
	require.True(t, errors.Is(err, OutOfMemoryError), "unexpected error: %v", err)

	require.Empty(t, r.Chunks())
}

func TestAllocChunkAtLowMemoryFallback(t *testing.T) {
	h := heapWith(t, 0x100000, 0x100000)
	r, _ := newRelocator(t, h, CreateOptions{})

	chunk, err := r.AllocChunkAt(0x90000, 0x1000)
	require.NoError(t, err)
	require.True(t, chunk.IsPost())
	require.True(t, chunk.Moves())
	require.Equal(t, uint64(0x90000), chunk.Target())
	require.Equal(t, uint64(0x200000-heap.RegionHeaderSize-heap.Unit-0x1000), chunk.Source())

	require.Equal(t, chunk.Source(), r.postChunks)
	require.Equal(t, uint64(0), r.highestNonPostAddr)
	require.Equal(t, interp.JumpUnitSize+interp.CopyUnitSize, r.RelocatorsSize())

	sourceMin, sourceMax := r.adjustLimits(0x100000, 0x1000)
	require.Equal(t, uint64(0), sourceMin)
	require.Equal(t, chunk.Source(), sourceMax)

	_, err = r.AllocChunkAt(0x300000, 0x1000)
	require.True(t, errors.Is(err, OutOfMemoryError), "unexpected error: %v", err)
	require.Len(t, r.Chunks(), 1)
}

func TestAllocChunkAtFallbackDisabled(t *testing.T) {
	h := heapWith(t, 0x100000, 0x100000)
	r, _ := newRelocator(t, h, CreateOptions{Flags: CreateDisableLowMemoryFallback})
	before := takeSnapshot(r)

	_, err := r.AllocChunkAt(0x90000, 0x1000)
	require.True(t, errors.Is(err, OutOfMemoryError), "unexpected error: %v", err)
	require.Equal(t, before, takeSnapshot(r))
}

func TestAdjustLimitsKeepsSourceOrder(t *testing.T) {
	h := heapWith(t, 0x100000, 0x100000)
	r, _ := newRelocator(t, h, CreateOptions{})

	low, err := r.AllocChunkAt(0x120000, 0x1000)
	require.NoError(t, err)
	high, err := r.AllocChunkAt(0x1c0000, 0x1000)
	require.NoError(t, err)

	sourceMin, sourceMax := r.adjustLimits(0x150000, 0x1000)
	require.Equal(t, low.Source()+low.Size(), sourceMin)
	require.Equal(t, high.Source(), sourceMax)
}

func TestReleaseChunkRoundTrip(t *testing.T) {
	h := heapWith(t, 0x100000, 0x10000)

	first, err := h.Alloc(0x3000, 1)
	require.NoError(t, err)
	_, err = h.Alloc(0x3000, 1)
	require.NoError(t, err)
	require.NoError(t, h.Free(first))

	before := detailedHeap(h)
	freeBefore := h.FreeBytes()

	r, _ := newRelocator(t, h, CreateOptions{})

	interior, err := r.AllocChunkInRange(0x10d000, 0x110000, 0x1000, 0x1000, PreferenceLow, false)
	require.NoError(t, err)
	require.Equal(t, uint64(0x10d000), interior.Source())
	require.Len(t, interior.Subchunks(), 1)
	require.IsType(t, &InteriorSubchunk{}, interior.Subchunks()[0])

	head, err := r.AllocChunkAt(0x100800, 0x400)
	require.NoError(t, err)
	require.IsType(t, &RegionHeadSubchunk{}, head.Subchunks()[0])
	require.NoError(t, h.Validate())

	require.NoError(t, r.releaseChunk(head))
	require.NoError(t, r.releaseChunk(interior))

	require.Equal(t, before, detailedHeap(h))
	require.Equal(t, freeBefore, h.FreeBytes())
	require.Empty(t, r.Chunks())
	require.Equal(t, interp.JumpUnitSize, r.RelocatorsSize())
	require.NoError(t, h.Validate())

	again, err := r.AllocChunkAt(0x100800, 0x400)
	require.NoError(t, err)
	require.Equal(t, uint64(0x100800), again.Source())
}

func TestAllocChunkAtFirmwareAndLeftovers(t *testing.T) {
	sim := loaderFirmware(t)
	reservations, err := firmware.NewReservations(sim)
	require.NoError(t, err)

	h := heapWith(t, 0x100000, 0x10000)
	r, _ := newRelocator(t, h, CreateOptions{MemoryMap: sim, Reservations: reservations})

	reserved, err := r.AllocChunkAt(0x300100, 0x200)
	require.NoError(t, err)
	require.False(t, reserved.Moves())
	require.Len(t, reserved.Subchunks(), 1)
	require.IsType(t, &FirmwareSubchunk{}, reserved.Subchunks()[0])
	require.Equal(t, 1, sim.AllocatedQuanta())
	require.Equal(t, 1, reservations.LeftoverCount())

	claimed, err := r.AllocChunkAt(0x300400, 0x100)
	require.NoError(t, err)
	require.Len(t, claimed.Subchunks(), 1)
	require.IsType(t, &LeftoverSubchunk{}, claimed.Subchunks()[0])
	require.Equal(t, 1, sim.AllocatedQuanta())

	straddling, err := r.AllocChunkAt(0x300f00, 0x200)
	require.NoError(t, err)
	require.Len(t, straddling.Subchunks(), 2)
	require.IsType(t, &LeftoverSubchunk{}, straddling.Subchunks()[0])
	require.IsType(t, &FirmwareSubchunk{}, straddling.Subchunks()[1])
	require.Equal(t, uint64(0x301000), straddling.Subchunks()[1].Start())
	require.Equal(t, 2, sim.AllocatedQuanta())
	require.Equal(t, 2, reservations.LeftoverCount())

	leftover, ok := reservations.Leftover(0x300000)
	require.True(t, ok)
	require.Equal(t, uint64(0x100+0x100+0xa00), leftover.FreeBytes())

	// Reserved firmware memory never holds a chunk
	_, err = r.AllocChunkAt(0xa0000, 0x100)
	require.NoError(t, err)
	chunks := r.Chunks()
	require.True(t, chunks[len(chunks)-1].IsPost())

	require.NoError(t, r.Unload())
	require.Zero(t, sim.AllocatedQuanta())
	require.Zero(t, reservations.LeftoverCount())
	require.NoError(t, h.Validate())
}

func TestAllocChunkInRangeMovesIntoFirmwareMemory(t *testing.T) {
	sim := loaderFirmware(t)
	h := heapWith(t, 0x100000, 0x10000)
	r, _ := newRelocator(t, h, CreateOptions{MemoryMap: sim})

	chunk, err := r.AllocChunkInRange(0x300000, 0x400000, 0x2000, 0x1000, PreferenceHigh, false)
	require.NoError(t, err)
	require.True(t, chunk.Moves())
	require.False(t, chunk.IsPost())
	require.Equal(t, uint64(0x3fe000), chunk.Target())
	require.Equal(t, uint64(0x100000), chunk.Source())
	require.Equal(t, interp.JumpUnitSize+interp.CopyUnitSize, r.RelocatorsSize())
	require.Zero(t, sim.AllocatedQuanta())
	require.NoError(t, h.Validate())
}

func TestAllocChunkInRangeTargetsAvoidCommittedRanges(t *testing.T) {
	sim := loaderFirmware(t)
	h := heapWith(t, 0x100000, 0x10000)
	r, _ := newRelocator(t, h, CreateOptions{MemoryMap: sim})

	first, err := r.AllocChunkInRange(0x300000, 0x400000, 0x2000, 0x1000, PreferenceLow, false)
	require.NoError(t, err)
	require.Equal(t, uint64(0x300000), first.Target())
	require.Equal(t, uint64(0x100000), first.Source())

	second, err := r.AllocChunkInRange(0x300000, 0x400000, 0x1000, 0x1000, PreferenceLow, false)
	require.NoError(t, err)
	require.Equal(t, uint64(0x302000), second.Target())
	require.Equal(t, uint64(0x102000), second.Source())

	// Loader memory may hold targets, but not where committed sources live
	before := takeSnapshot(r)
	_, err = r.AllocChunkInRange(0x100000, 0x103000, 0x1000, 0x1000, PreferenceLow, false)
	require.True(t, errors.Is(err, OutOfMemoryError), "unexpected error: %v", err)
	require.Equal(t, before, takeSnapshot(r))

	third, err := r.AllocChunkInRange(0x100000, 0x104000, 0x1000, 0x1000, PreferenceLow, false)
	require.NoError(t, err)
	require.False(t, third.Moves())
	require.Equal(t, uint64(0x103000), third.Source())
}

func TestSearchKeepsHeapDetached(t *testing.T) {
	ctrl := gomock.NewController(t)
	memoryMap := mock_firmware.NewMockMemoryMap(ctrl)

	h := heapWith(t, 0x100000, 0x100000)
	r, _ := newRelocator(t, h, CreateOptions{MemoryMap: memoryMap})

	memoryMap.EXPECT().VisitMemoryMap(gomock.Any()).DoAndReturn(func(visit func(firmware.Entry) bool) error {
		_, err := h.Alloc(heap.Unit, 1)
		return err
	}).AnyTimes()

	requireBug(t, func() {
		_, _ = r.AllocChunkAt(0x180000, 0x1000)
	})

	_, err := h.Alloc(heap.Unit, 1)
	require.NoError(t, err)
	require.Empty(t, r.Chunks())
	require.NoError(t, h.Validate())
}

func TestMemoryMapErrorsSurface(t *testing.T) {
	ctrl := gomock.NewController(t)
	memoryMap := mock_firmware.NewMockMemoryMap(ctrl)
	memoryMap.EXPECT().VisitMemoryMap(gomock.Any()).Return(errors.New("firmware went away")).AnyTimes()

	h := heapWith(t, 0x100000, 0x100000)
	before := detailedHeap(h)
	r, _ := newRelocator(t, h, CreateOptions{MemoryMap: memoryMap})

	_, err := r.AllocChunkAt(0x180000, 0x1000)
	require.ErrorContains(t, err, "firmware went away")
	require.Equal(t, before, detailedHeap(h))
	require.Empty(t, r.Chunks())
}

package memutils_test

import (
	"math"
	"testing"

	"github.com/bootforge/relocator/memutils"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

func TestCheckPow2(t *testing.T) {
	require.NoError(t, memutils.CheckPow2(uint64(1), "align"))
	require.NoError(t, memutils.CheckPow2(uint64(0x1000), "align"))
	require.NoError(t, memutils.CheckPow2(uint32(1<<31), "align"))

	err := memutils.CheckPow2(uint64(0), "align")
	require.True(t, errors.Is(err, memutils.PowerOfTwoError))

	err = memutils.CheckPow2(uint64(24), "align")
	require.True(t, errors.Is(err, memutils.PowerOfTwoError))
	require.ErrorContains(t, err, "align is 24")
}

func TestAlign(t *testing.T) {
	require.Equal(t, uint64(0x1000), memutils.AlignUp(uint64(0xfff), 0x1000))
	require.Equal(t, uint64(0x1000), memutils.AlignUp(uint64(0x1000), 0x1000))
	require.Equal(t, uint64(0x1020), memutils.AlignUp(uint64(0x1001), 32))
	require.Equal(t, uint64(0x1000), memutils.AlignDown(uint64(0x1fff), 0x1000))
	require.Equal(t, uint64(0x1fff), memutils.AlignDown(uint64(0x1fff), 1))
}

func TestCheckRange(t *testing.T) {
	end, err := memutils.CheckRange(0x1000, 0x1000)
	require.NoError(t, err)
	require.Equal(t, uint64(0x2000), end)

	end, err = memutils.CheckRange(math.MaxUint64-0xff, 0xff)
	require.NoError(t, err)
	require.Equal(t, uint64(math.MaxUint64), end)

	_, err = memutils.CheckRange(math.MaxUint64-0xff, 0x100)
	require.True(t, errors.Is(err, memutils.AddressOverflowError))
}

func TestRangesOverlap(t *testing.T) {
	require.True(t, memutils.RangesOverlap(0, 0x10, 0xf, 0x20))
	require.True(t, memutils.RangesOverlap(0x8, 0x9, 0, 0x20))
	require.False(t, memutils.RangesOverlap(0, 0x10, 0x10, 0x20))
	require.False(t, memutils.RangesOverlap(0x20, 0x30, 0x10, 0x20))
}

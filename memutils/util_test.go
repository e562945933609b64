package memutils_test

import (
	"math"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/gpumem/memutils"
)

func TestAlignment(t *testing.T) {
	testCases := []struct {
		value     int
		alignment uint
		up        int
		down      int
	}{
		{value: 0, alignment: 256, up: 0, down: 0},
		{value: 1, alignment: 256, up: 256, down: 0},
		{value: 256, alignment: 256, up: 256, down: 256},
		{value: 300000, alignment: 256, up: 300032, down: 299776},
		{value: 1000, alignment: 1, up: 1000, down: 1000},
		{value: 4097, alignment: 4096, up: 8192, down: 4096},
	}

	for _, testCase := range testCases {
		require.Equal(t, testCase.up, memutils.AlignUp(testCase.value, testCase.alignment))
		require.Equal(t, testCase.down, memutils.AlignDown(testCase.value, testCase.alignment))
		require.Equal(t, testCase.value == testCase.down, memutils.IsAligned(testCase.value, testCase.alignment))
	}
}

func TestCheckAlignment(t *testing.T) {
	require.NoError(t, memutils.CheckAlignment(1, "alignment"))
	require.NoError(t, memutils.CheckAlignment(4096, "alignment"))
	require.True(t, errors.Is(memutils.CheckAlignment(0, "alignment"), memutils.ZeroAlignmentError))
	require.True(t, errors.Is(memutils.CheckAlignment(768, "alignment"), memutils.PowerOfTwoError))
	require.True(t, errors.Is(memutils.CheckPow2(3, "count"), memutils.PowerOfTwoError))
}

func TestDetailedStatistics(t *testing.T) {
	var stats memutils.DetailedStatistics
	stats.Clear()
	require.Equal(t, math.MaxInt, stats.AllocationSizeMin)
	require.Equal(t, math.MaxInt, stats.UnusedRangeSizeMin)

	stats.PoolCount = 1
	stats.PoolBytes = 4096
	stats.AddAllocation(1024)
	stats.AddAllocation(256)
	stats.AddUnusedRange(2816)

	var other memutils.DetailedStatistics
	other.Clear()
	other.PoolCount = 1
	other.PoolBytes = 1024
	other.AddAllocation(512)
	other.AddUnusedRange(512)

	stats.AddDetailedStatistics(&other)
	require.Equal(t, memutils.Statistics{
		PoolCount:       2,
		AllocationCount: 3,
		PoolBytes:       5120,
		AllocationBytes: 1792,
	}, stats.Statistics)
	require.Equal(t, 3328, stats.UnusedBytes())
	require.Equal(t, 256, stats.AllocationSizeMin)
	require.Equal(t, 1024, stats.AllocationSizeMax)
	require.Equal(t, 2, stats.UnusedRangeCount)
	require.Equal(t, 512, stats.UnusedRangeSizeMin)
	require.Equal(t, 2816, stats.UnusedRangeSizeMax)
	require.Equal(t, "Statistics[2 pools, 3 allocations, 1792/5120 bytes used]", stats.Statistics.String())
}

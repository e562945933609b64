package metadata_test

import (
	"math"
	"math/rand"
	"testing"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/gpumem/memutils"
	"github.com/vkngwrapper/gpumem/memutils/metadata"
)

type visitedRegion struct {
	Offset int
	Size   int
	Free   bool
}

func regions(t *testing.T, md *metadata.RegionMetadata) []visitedRegion {
	var visited []visitedRegion
	err := md.VisitAllRegions(func(handle metadata.RegionHandle, offset int, size int, userData any, free bool) error {
		visited = append(visited, visitedRegion{Offset: offset, Size: size, Free: free})
		return nil
	})
	require.NoError(t, err)
	return visited
}

func alloc(t *testing.T, md *metadata.RegionMetadata, size int, userData any) metadata.RegionHandle {
	success, req, err := md.CreateAllocationRequest(size)
	require.NoError(t, err)
	require.True(t, success)

	handle, err := md.Alloc(req, userData)
	require.NoError(t, err)
	require.NoError(t, md.Validate())
	return handle
}

func TestRegionMetadataInit(t *testing.T) {
	md := metadata.NewRegionMetadata(1000)
	require.NoError(t, md.Validate())

	require.Equal(t, 1000, md.Size())
	require.Equal(t, 1000, md.SumFreeSize())
	require.Equal(t, 1, md.FreeRegionsCount())
	require.Equal(t, 0, md.AllocationCount())
	require.True(t, md.IsEmpty())
	require.Equal(t, []visitedRegion{{Offset: 0, Size: 1000, Free: true}}, regions(t, md))
}

func TestRegionMetadataBasicAlloc(t *testing.T) {
	md := metadata.NewRegionMetadata(1000)

	var stats memutils.DetailedStatistics
	stats.Clear()
	md.AddDetailedStatistics(&stats)

	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			PoolCount:       1,
			PoolBytes:       1000,
			AllocationCount: 0,
			AllocationBytes: 0,
		},
		UnusedRangeCount:   1,
		AllocationSizeMin:  math.MaxInt,
		AllocationSizeMax:  0,
		UnusedRangeSizeMin: 1000,
		UnusedRangeSizeMax: 1000,
	}, stats)

	handle := alloc(t, md, 100, "first")

	offset, err := md.AllocationOffset(handle)
	require.NoError(t, err)
	require.Equal(t, 0, offset)

	size, err := md.AllocationSize(handle)
	require.NoError(t, err)
	require.Equal(t, 100, size)

	userData, err := md.AllocationUserData(handle)
	require.NoError(t, err)
	require.Equal(t, "first", userData)

	stats.Clear()
	md.AddDetailedStatistics(&stats)

	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			PoolCount:       1,
			PoolBytes:       1000,
			AllocationCount: 1,
			AllocationBytes: 100,
		},
		UnusedRangeCount:   1,
		AllocationSizeMin:  100,
		AllocationSizeMax:  100,
		UnusedRangeSizeMin: 900,
		UnusedRangeSizeMax: 900,
	}, stats)

	var summary memutils.Statistics
	md.AddStatistics(&summary)
	require.Equal(t, stats.Statistics, summary)

	require.NoError(t, md.Free(handle))
	require.NoError(t, md.Validate())
	require.True(t, md.IsEmpty())
	require.Equal(t, []visitedRegion{{Offset: 0, Size: 1000, Free: true}}, regions(t, md))
}

func TestRegionMetadataSplitLeavesTail(t *testing.T) {
	md := metadata.NewRegionMetadata(1048576)

	handle := alloc(t, md, 300032, nil)
	offset, err := md.AllocationOffset(handle)
	require.NoError(t, err)
	require.Equal(t, 0, offset)

	require.Equal(t, []visitedRegion{
		{Offset: 0, Size: 300032, Free: false},
		{Offset: 300032, Size: 748544, Free: true},
	}, regions(t, md))

	success, _, err := md.CreateAllocationRequest(800000)
	require.NoError(t, err)
	require.False(t, success)
	require.False(t, md.MayHaveFreeRegion(800000))
	require.True(t, md.MayHaveFreeRegion(748544))
}

func TestRegionMetadataExactFitLeavesNoTail(t *testing.T) {
	md := metadata.NewRegionMetadata(512)

	alloc(t, md, 512, nil)
	require.Equal(t, 0, md.FreeRegionsCount())
	require.Equal(t, 0, md.SumFreeSize())
	require.Equal(t, 0, md.LargestFreeRegion())

	success, _, err := md.CreateAllocationRequest(1)
	require.NoError(t, err)
	require.False(t, success)
}

func TestRegionMetadataInvalidRequestSize(t *testing.T) {
	md := metadata.NewRegionMetadata(512)

	_, _, err := md.CreateAllocationRequest(0)
	require.Error(t, err)

	_, _, err = md.CreateAllocationRequest(-5)
	require.Error(t, err)
}

func TestRegionMetadataFreeBothReturnsToSingleRegion(t *testing.T) {
	md := metadata.NewRegionMetadata(1048576)

	a := alloc(t, md, 102400, "A")
	b := alloc(t, md, 102400, "B")

	require.NoError(t, md.Free(a))
	require.NoError(t, md.Validate())
	require.Equal(t, 2, md.FreeRegionsCount())

	require.NoError(t, md.Free(b))
	require.NoError(t, md.Validate())

	require.True(t, md.IsEmpty())
	require.Equal(t, 1, md.FreeRegionsCount())
	require.Equal(t, []visitedRegion{{Offset: 0, Size: 1048576, Free: true}}, regions(t, md))
}

func TestRegionMetadataCoalesceBothNeighbors(t *testing.T) {
	md := metadata.NewRegionMetadata(1000)

	a := alloc(t, md, 100, nil)
	b := alloc(t, md, 200, nil)
	c := alloc(t, md, 300, nil)
	_ = alloc(t, md, 400, nil)

	require.Equal(t, 0, md.FreeRegionsCount())

	require.NoError(t, md.Free(a))
	require.NoError(t, md.Free(c))
	require.NoError(t, md.Validate())
	require.Equal(t, 2, md.FreeRegionsCount())

	require.NoError(t, md.Free(b))
	require.NoError(t, md.Validate())
	require.Equal(t, []visitedRegion{
		{Offset: 0, Size: 600, Free: true},
		{Offset: 600, Size: 400, Free: false},
	}, regions(t, md))
}

func TestRegionMetadataDoubleFree(t *testing.T) {
	md := metadata.NewRegionMetadata(1000)

	a := alloc(t, md, 100, nil)
	require.NoError(t, md.Free(a))
	require.Error(t, md.Free(a))

	_, err := md.AllocationOffset(a)
	require.Error(t, err)

	require.Error(t, md.Free(metadata.NoRegion))
	require.NoError(t, md.Validate())
}

func TestRegionMetadataStaleHandleAfterSlotReuse(t *testing.T) {
	md := metadata.NewRegionMetadata(1000)

	a := alloc(t, md, 100, nil)
	b := alloc(t, md, 100, nil)
	require.NoError(t, md.Free(a))
	require.NoError(t, md.Free(b))

	// both records are reused by these splits, the old handles must not see them
	c := alloc(t, md, 100, nil)
	d := alloc(t, md, 100, nil)

	require.Error(t, md.Free(a))
	require.Error(t, md.Free(b))
	require.NoError(t, md.Free(c))
	require.NoError(t, md.Free(d))
	require.NoError(t, md.Validate())
}

func TestRegionMetadataStaleRequest(t *testing.T) {
	md := metadata.NewRegionMetadata(1000)

	success, req, err := md.CreateAllocationRequest(100)
	require.NoError(t, err)
	require.True(t, success)

	_, err = md.Alloc(req, nil)
	require.NoError(t, err)

	_, err = md.Alloc(req, nil)
	require.Error(t, err)
	require.NoError(t, md.Validate())
}

func TestRegionMetadataUnusedIndexOrder(t *testing.T) {
	md := metadata.NewRegionMetadata(1000)

	small := alloc(t, md, 50, nil)
	_ = alloc(t, md, 10, nil)
	large := alloc(t, md, 300, nil)
	_ = alloc(t, md, 10, nil)

	require.NoError(t, md.Free(small))
	require.NoError(t, md.Free(large))
	require.NoError(t, md.Validate())

	require.Equal(t, 3, md.FreeRegionsCount())
	require.Equal(t, 630, md.LargestFreeRegion())

	// the scan picks the first adequate region in descending size order
	success, req, err := md.CreateAllocationRequest(40)
	require.NoError(t, err)
	require.True(t, success)
	require.Equal(t, 370, req.Offset)
	require.Equal(t, 630, req.RegionSize)

	success, req, err = md.CreateAllocationRequest(400)
	require.NoError(t, err)
	require.True(t, success)
	require.Equal(t, 370, req.Offset)
}

func TestRegionMetadataUserData(t *testing.T) {
	md := metadata.NewRegionMetadata(1000)

	handle := alloc(t, md, 100, 1)
	require.NoError(t, md.SetAllocationUserData(handle, 2))

	userData, err := md.AllocationUserData(handle)
	require.NoError(t, err)
	require.Equal(t, 2, userData)
}

func TestRegionMetadataClear(t *testing.T) {
	md := metadata.NewRegionMetadata(1000)

	a := alloc(t, md, 100, nil)
	alloc(t, md, 100, nil)

	md.Clear()
	require.NoError(t, md.Validate())
	require.True(t, md.IsEmpty())
	require.Equal(t, 1000, md.SumFreeSize())
	require.Error(t, md.Free(a))
}

func TestRegionMetadataJson(t *testing.T) {
	md := metadata.NewRegionMetadata(1000)
	alloc(t, md, 100, nil)

	writer := jwriter.NewWriter()
	obj := writer.Object()
	md.BlockJsonData(obj)
	arr := obj.Name("Regions").Array()
	md.RegionsJsonData(&arr, nil)
	arr.End()
	obj.End()

	require.NoError(t, writer.Error())
	require.JSONEq(t, `{
		"TotalBytes": 1000,
		"UnusedBytes": 900,
		"Allocations": 1,
		"UnusedRanges": 1,
		"Regions": [
			{"Offset": 0, "Size": 100, "Type": "ALLOCATION"},
			{"Offset": 100, "Size": 900, "Type": "FREE"}
		]
	}`, string(writer.Bytes()))
}

func TestRegionMetadataRandomWorkload(t *testing.T) {
	const blockSize = 1 << 20

	md := metadata.NewRegionMetadata(blockSize)
	rng := rand.New(rand.NewSource(1234))

	live := map[metadata.RegionHandle]int{}
	var handles []metadata.RegionHandle

	for i := 0; i < 2000; i++ {
		if len(handles) > 0 && rng.Intn(3) == 0 {
			pick := rng.Intn(len(handles))
			handle := handles[pick]
			handles[pick] = handles[len(handles)-1]
			handles = handles[:len(handles)-1]

			require.NoError(t, md.Free(handle))
			delete(live, handle)
		} else {
			size := (rng.Intn(64) + 1) * 256
			success, req, err := md.CreateAllocationRequest(size)
			require.NoError(t, err)
			if !success {
				require.False(t, md.MayHaveFreeRegion(size))
				continue
			}

			handle, err := md.Alloc(req, nil)
			require.NoError(t, err)
			handles = append(handles, handle)
			live[handle] = size
		}

		require.NoError(t, md.Validate())
	}

	usedBytes := 0
	for _, size := range live {
		usedBytes += size
	}
	require.Equal(t, len(live), md.AllocationCount())
	require.Equal(t, blockSize-usedBytes, md.SumFreeSize())

	for _, handle := range handles {
		require.NoError(t, md.Free(handle))
	}

	require.NoError(t, md.Validate())
	require.Equal(t, []visitedRegion{{Offset: 0, Size: blockSize, Free: true}}, regions(t, md))
}

package vkbackend

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/gpumem/hal"
)

func TestFindMemoryType(t *testing.T) {
	memoryProperties := &core1_0.PhysicalDeviceMemoryProperties{
		MemoryTypes: []core1_0.MemoryType{
			{PropertyFlags: core1_0.MemoryPropertyDeviceLocal, HeapIndex: 0},
			{PropertyFlags: core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent, HeapIndex: 1},
			{PropertyFlags: core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent | core1_0.MemoryPropertyHostCached, HeapIndex: 1},
		},
		MemoryHeaps: []core1_0.MemoryHeap{
			{Size: 1000000, Flags: core1_0.MemoryHeapDeviceLocal},
			{Size: 1000000},
		},
	}

	testCases := []struct {
		properties hal.MemoryPropertyFlags
		index      int
	}{
		{properties: hal.MemoryPropertyDeviceLocal, index: 0},
		{properties: hal.MemoryPropertyHostVisible, index: 1},
		{properties: hal.MemoryPropertyHostVisible | hal.MemoryPropertyHostCoherent, index: 1},
		{properties: hal.MemoryPropertyHostCached, index: 2},
		{properties: 0, index: 0},
	}

	for _, testCase := range testCases {
		index, err := findMemoryType(memoryProperties, testCase.properties)
		require.NoError(t, err)
		require.Equal(t, testCase.index, index, testCase.properties.String())
	}

	_, err := findMemoryType(memoryProperties, hal.MemoryPropertyDeviceLocal|hal.MemoryPropertyHostVisible)
	require.Error(t, err)
}

func TestFlagValuesMatchVulkan(t *testing.T) {
	require.Equal(t, int32(core1_0.MemoryPropertyHostCached), int32(hal.MemoryPropertyHostCached))
	require.Equal(t, int32(core1_0.BufferUsageStorageBuffer), int32(hal.BufferUsageStorageBuffer))
	require.Equal(t, int32(core1_0.BufferUsageIndirectBuffer), int32(hal.BufferUsageIndirectBuffer))
	require.Equal(t, int32(core1_0.PipelineStageHost), int32(hal.PipelineStageHost))
	require.Equal(t, int32(core1_0.PipelineStageAllCommands), int32(hal.PipelineStageAllCommands))
	require.Equal(t, int32(core1_0.AccessMemoryWrite), int32(hal.AccessMemoryWrite))
	require.Equal(t, int32(core1_0.ImageAspectStencil), int32(hal.ImageAspectStencil))
	require.Equal(t, int32(core1_0.ImageLayoutPreInitialized), int32(hal.ImageLayoutPreinitialized))
	require.Equal(t, int32(core1_0.ImageLayoutTransferDstOptimal), int32(hal.ImageLayoutTransferDstOptimal))
}

func TestConvertLimits(t *testing.T) {
	require.Equal(t, hal.DeviceLimits{}, convertLimits(nil))

	limits := convertLimits(&core1_0.PhysicalDeviceLimits{
		MaxMemoryAllocationCount:        4096,
		BufferImageGranularity:          1024,
		MinUniformBufferOffsetAlignment: 256,
		MinStorageBufferOffsetAlignment: 16,
		MinMemoryMapAlignment:           64,
	})
	require.Equal(t, hal.DeviceLimits{
		MaxMemoryAllocationCount:        4096,
		BufferImageGranularity:          1024,
		MinUniformBufferOffsetAlignment: 256,
		MinStorageBufferOffsetAlignment: 16,
		MinMemoryMapAlignment:           64,
	}, limits)
}

package vram

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/gpumem/hal"
	"github.com/vkngwrapper/gpumem/hal/mocks"
	"github.com/vkngwrapper/gpumem/internal/simdevice"
	"github.com/vkngwrapper/gpumem/memutils/metadata"
	"go.uber.org/mock/gomock"
)

type visitedPoolRegion struct {
	Offset int
	Size   int
	Free   bool
}

func readyPool(t *testing.T, device hal.MemoryDevice, properties hal.MemoryPropertyFlags, size int) *MemoryPool {
	pool, err := NewMemoryPool(testLogger(), device, PoolDesc{
		ResourceType: hal.ResourceTypeBuffer,
		Properties:   properties,
		Size:         size,
		Alignment:    256,
	}, 0)
	require.NoError(t, err)
	return pool
}

func allocateFromPool(t *testing.T, device *simdevice.Device, pool *MemoryPool, size int) (hal.Buffer, *Allocation, error) {
	buffer := createBuffer(t, device, size)
	reqs, err := device.GetResourceRequirements(buffer)
	require.NoError(t, err)

	alloc, err := pool.Allocate(buffer, reqs)
	return buffer, alloc, err
}

func visitPool(t *testing.T, pool *MemoryPool) []visitedPoolRegion {
	var regions []visitedPoolRegion
	err := pool.metadata.VisitAllRegions(func(_ metadata.RegionHandle, offset, size int, _ any, free bool) error {
		regions = append(regions, visitedPoolRegion{Offset: offset, Size: size, Free: free})
		return nil
	})
	require.NoError(t, err)
	return regions
}

func TestMemoryPoolSplitScenario(t *testing.T) {
	device := readyDevice(t, nil)
	pool := readyPool(t, device, hal.MemoryPropertyDeviceLocal, 1048576)

	buffer, alloc, err := allocateFromPool(t, device, pool, 300000)
	require.NoError(t, err)
	require.Equal(t, 0, alloc.Offset())
	require.Equal(t, 300032, alloc.Size())
	require.Equal(t, 748544, pool.FreeSize())
	require.Equal(t, 1, pool.FreeRegionsCount())
	require.True(t, pool.CanFit(748544))
	require.True(t, pool.CanFit(748500))
	require.False(t, pool.CanFit(748545))
	require.False(t, pool.IsEmpty())
	require.NoError(t, pool.Validate())
	require.True(t, buffer.(*simdevice.Buffer).Bound())

	require.Equal(t, []visitedPoolRegion{
		{Offset: 0, Size: 300032, Free: false},
		{Offset: 300032, Size: 748544, Free: true},
	}, visitPool(t, pool))

	_, _, err = allocateFromPool(t, device, pool, 800000)
	require.ErrorIs(t, err, ErrOutOfPoolMemory)
	require.Equal(t, 1, pool.AllocationCount())
	require.NoError(t, pool.Validate())
}

func TestMemoryPoolFreeAllReturnsSingleRegion(t *testing.T) {
	device := readyDevice(t, nil)
	pool := readyPool(t, device, hal.MemoryPropertyDeviceLocal, 1048576)

	_, a, err := allocateFromPool(t, device, pool, 100*1024)
	require.NoError(t, err)
	_, b, err := allocateFromPool(t, device, pool, 100*1024)
	require.NoError(t, err)
	require.Equal(t, 102400, b.Offset())

	require.NoError(t, pool.Free(a))
	require.NoError(t, pool.Free(b))
	require.NoError(t, pool.Validate())

	require.True(t, pool.IsEmpty())
	require.Equal(t, 1, pool.FreeRegionsCount())
	require.Equal(t, []visitedPoolRegion{{Offset: 0, Size: 1048576, Free: true}}, visitPool(t, pool))
}

func TestMemoryPoolRoundTripRestoresRegions(t *testing.T) {
	device := readyDevice(t, nil)
	pool := readyPool(t, device, hal.MemoryPropertyDeviceLocal, 65536)

	_, first, err := allocateFromPool(t, device, pool, 1000)
	require.NoError(t, err)
	_, _, err = allocateFromPool(t, device, pool, 3000)
	require.NoError(t, err)
	require.NoError(t, pool.Free(first))

	before := visitPool(t, pool)

	_, alloc, err := allocateFromPool(t, device, pool, 5000)
	require.NoError(t, err)
	require.NoError(t, pool.Free(alloc))

	require.Equal(t, before, visitPool(t, pool))
	require.NoError(t, pool.Validate())
}

func TestMemoryPoolSizeRoundedToAlignment(t *testing.T) {
	device := readyDevice(t, nil)
	pool := readyPool(t, device, hal.MemoryPropertyDeviceLocal, 1000)

	require.Equal(t, 1024, pool.Size())
	require.Equal(t, 1024, pool.Memory().Size())
}

func TestMemoryPoolIncompatibleResource(t *testing.T) {
	device := readyDevice(t, nil)
	pool := readyPool(t, device, hal.MemoryPropertyDeviceLocal, 1048576)

	image, err := device.CreateImage(hal.Extent3D{Width: 4, Height: 4, Depth: 1}, 4)
	require.NoError(t, err)

	_, err = pool.Allocate(image, hal.MemoryRequirements{Size: 4096, Alignment: 256})
	require.ErrorIs(t, err, ErrIncompatiblePool)

	buffer := createBuffer(t, device, 512)
	_, err = pool.Allocate(buffer, hal.MemoryRequirements{Size: 512, Alignment: 1024})
	require.ErrorIs(t, err, ErrIncompatiblePool)

	require.True(t, pool.IsEmpty())
}

func TestMemoryPoolDeviceFailure(t *testing.T) {
	device := readyDevice(t, nil)
	device.FailNextAllocations(1)

	pool, err := NewMemoryPool(testLogger(), device, PoolDesc{
		ResourceType: hal.ResourceTypeBuffer,
		Properties:   hal.MemoryPropertyDeviceLocal,
		Size:         4096,
		Alignment:    256,
	}, 0)
	require.True(t, errors.Is(err, ErrOutOfDeviceMemory))
	require.True(t, errors.Is(err, simdevice.ErrInjectedFailure))
	require.Nil(t, pool)
	require.Equal(t, 0, device.LiveMemoryCount())
}

func TestMemoryPoolBindFailureRollsBack(t *testing.T) {
	ctrl := gomock.NewController(t)

	device := mocks.NewMockMemoryDevice(ctrl)
	memory := mocks.NewMockDeviceMemory(ctrl)
	resource := mocks.NewMockResource(ctrl)
	resource.EXPECT().ResourceType().Return(hal.ResourceTypeBuffer).AnyTimes()

	device.EXPECT().AllocateDeviceMemory(4096, hal.MemoryPropertyDeviceLocal).Return(memory, nil)
	device.EXPECT().BindResourceMemory(resource, memory, 0).Return(errors.New("device lost"))

	pool := readyPool(t, device, hal.MemoryPropertyDeviceLocal, 4096)

	alloc, err := pool.Allocate(resource, hal.MemoryRequirements{Size: 1000, Alignment: 256})
	require.True(t, errors.Is(err, ErrBindFailed))
	require.Nil(t, alloc)

	require.True(t, pool.IsEmpty())
	require.Equal(t, 4096, pool.FreeSize())
	require.Equal(t, 1, pool.FreeRegionsCount())

	device.EXPECT().FreeDeviceMemory(memory)
	require.NoError(t, pool.Destroy())
}

func TestMemoryPoolUpdateAlignment(t *testing.T) {
	device := readyDevice(t, nil)
	pool := readyPool(t, device, hal.MemoryPropertyDeviceLocal, 65536)

	_, alloc, err := allocateFromPool(t, device, pool, 256)
	require.NoError(t, err)

	require.Error(t, pool.UpdateAlignment(4096))
	require.Equal(t, uint(256), pool.Alignment())

	require.NoError(t, pool.Free(alloc))
	require.Error(t, pool.UpdateAlignment(3000))
	require.NoError(t, pool.UpdateAlignment(4096))
	require.Equal(t, uint(4096), pool.Alignment())
}

func TestMemoryPoolMapReferences(t *testing.T) {
	device := readyDevice(t, nil)
	pool := readyPool(t, device, hal.MemoryPropertyHostVisible|hal.MemoryPropertyHostCoherent, 4096)

	_, first, err := allocateFromPool(t, device, pool, 256)
	require.NoError(t, err)
	_, second, err := allocateFromPool(t, device, pool, 256)
	require.NoError(t, err)

	firstData, err := first.Map()
	require.NoError(t, err)
	secondData, err := second.Map()
	require.NoError(t, err)
	require.Equal(t, 2, pool.MapReferences())
	require.True(t, pool.Memory().(*simdevice.Memory).Mapped())

	require.Len(t, firstData, 256)
	firstData[0] = 7
	secondData[0] = 9

	require.NoError(t, first.Unmap())
	require.Equal(t, 1, pool.MapReferences())
	require.True(t, pool.Memory().(*simdevice.Memory).Mapped())

	require.NoError(t, second.Unmap())
	require.Equal(t, 0, pool.MapReferences())
	require.False(t, pool.Memory().(*simdevice.Memory).Mapped())
	require.Error(t, second.Unmap())

	data, err := first.Map()
	require.NoError(t, err)
	require.Equal(t, byte(7), data[0])
	require.NoError(t, first.Unmap())
}

func TestMemoryPoolMapDeviceLocal(t *testing.T) {
	device := readyDevice(t, nil)
	pool := readyPool(t, device, hal.MemoryPropertyDeviceLocal, 4096)

	_, alloc, err := allocateFromPool(t, device, pool, 256)
	require.NoError(t, err)

	_, err = alloc.Map()
	require.Error(t, err)
	require.Equal(t, 0, pool.MapReferences())
}

func TestMemoryPoolDestroyWithLiveAllocations(t *testing.T) {
	device := readyDevice(t, nil)
	pool := readyPool(t, device, hal.MemoryPropertyDeviceLocal, 4096)

	_, alloc, err := allocateFromPool(t, device, pool, 256)
	require.NoError(t, err)
	alloc.SetName("leaked")

	require.Error(t, pool.Destroy())
	require.Equal(t, 1, device.LiveMemoryCount())

	require.NoError(t, pool.Free(alloc))
	require.NoError(t, pool.Destroy())
	require.Equal(t, 0, device.LiveMemoryCount())
	require.Error(t, pool.Destroy())
}

func TestMemoryPoolDoubleFree(t *testing.T) {
	device := readyDevice(t, nil)
	pool := readyPool(t, device, hal.MemoryPropertyDeviceLocal, 4096)

	_, alloc, err := allocateFromPool(t, device, pool, 256)
	require.NoError(t, err)

	require.NoError(t, pool.Free(alloc))
	require.Error(t, pool.Free(alloc))
	require.NoError(t, pool.Validate())
}

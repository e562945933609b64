package vram

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/gpumem/hal"
	"github.com/vkngwrapper/gpumem/hal/mocks"
	"github.com/vkngwrapper/gpumem/internal/simdevice"
	"go.uber.org/mock/gomock"
)

type recordingFreer struct {
	freed []*Allocation
	err   error
}

func (f *recordingFreer) Free(alloc *Allocation) error {
	f.freed = append(f.freed, alloc)
	return f.err
}

func TestDeferredReclaimQueueInvalidFrameCount(t *testing.T) {
	_, err := NewDeferredReclaimQueue(testLogger(), &recordingFreer{}, 0, 0)
	require.Error(t, err)
}

func TestDeferredReclaimQueueReleasesOnThirdFlush(t *testing.T) {
	device := readyDevice(t, nil)
	manager := readyManager(t, device, ManagerOptions{})

	queue, err := NewDeferredReclaimQueue(testLogger(), manager, 2, 0)
	require.NoError(t, err)
	require.Equal(t, 2, queue.FrameCount())

	buffer, alloc := allocateBuffer(t, device, manager, 1024, hal.MemoryPropertyDeviceLocal)
	queue.Add(buffer, alloc)
	require.Equal(t, 1, queue.Pending())

	queue.Flush()
	require.Equal(t, 1, device.LiveResourceCount())
	require.NotNil(t, alloc.Pool())

	queue.Flush()
	require.Equal(t, 1, device.LiveResourceCount())
	require.NotNil(t, alloc.Pool())

	queue.Flush()
	require.Equal(t, 0, device.LiveResourceCount())
	require.Nil(t, alloc.Pool())
	require.Equal(t, 0, queue.Pending())
	require.Len(t, manager.EmptyPools(hal.ResourceTypeBuffer), 1)
}

func TestDeferredReclaimQueueDelay(t *testing.T) {
	testCases := []struct {
		frameCount   int
		flushesFirst int
	}{
		{frameCount: 1, flushesFirst: 0},
		{frameCount: 1, flushesFirst: 1},
		{frameCount: 2, flushesFirst: 0},
		{frameCount: 2, flushesFirst: 5},
		{frameCount: 3, flushesFirst: 2},
	}

	for _, testCase := range testCases {
		freer := &recordingFreer{}
		queue, err := NewDeferredReclaimQueue(testLogger(), freer, testCase.frameCount, CreateExternallySynchronized)
		require.NoError(t, err)

		for i := 0; i < testCase.flushesFirst; i++ {
			queue.Flush()
		}

		alloc := &Allocation{}
		queue.Add(nil, alloc)

		for i := 0; i < testCase.frameCount; i++ {
			queue.Flush()
			require.Empty(t, freer.freed, "frameCount %d: released after %d flushes", testCase.frameCount, i+1)
		}

		queue.Flush()
		require.Equal(t, []*Allocation{alloc}, freer.freed)
	}
}

func TestDeferredReclaimQueueDestroysResource(t *testing.T) {
	ctrl := gomock.NewController(t)

	resource := mocks.NewMockResource(ctrl)
	freer := &recordingFreer{}
	queue, err := NewDeferredReclaimQueue(testLogger(), freer, 1, 0)
	require.NoError(t, err)

	queue.Add(resource, nil)
	queue.Add(nil, nil)
	require.Equal(t, 1, queue.Pending())

	queue.Flush()

	resource.EXPECT().Destroy()
	queue.Flush()
	require.Empty(t, freer.freed)
}

func TestDeferredReclaimQueueFlushAll(t *testing.T) {
	freer := &recordingFreer{}
	queue, err := NewDeferredReclaimQueue(testLogger(), freer, 3, 0)
	require.NoError(t, err)

	first := &Allocation{}
	queue.Add(nil, first)
	queue.Flush()
	second := &Allocation{}
	queue.Add(nil, second)
	require.Equal(t, 2, queue.Pending())

	queue.FlushAll()
	require.ElementsMatch(t, []*Allocation{first, second}, freer.freed)
	require.Equal(t, 0, queue.Pending())

	// the ring position is unchanged, so new entries keep their full delay
	third := &Allocation{}
	queue.Add(nil, third)
	for i := 0; i < 3; i++ {
		queue.Flush()
	}
	require.Len(t, freer.freed, 2)
	queue.Flush()
	require.Len(t, freer.freed, 3)
}

func TestDeferredReclaimQueueFreeErrorIsLogged(t *testing.T) {
	freer := &recordingFreer{err: errors.New("boom")}
	queue, err := NewDeferredReclaimQueue(testLogger(), freer, 1, 0)
	require.NoError(t, err)

	queue.Add(nil, &Allocation{})
	queue.Add(nil, &Allocation{})
	queue.Flush()
	queue.Flush()

	require.Len(t, freer.freed, 2)
	require.Equal(t, 0, queue.Pending())
}

func TestDeferredReclaimQueueWithManager(t *testing.T) {
	device := readyDevice(t, func(options *simdevice.Options) {
		options.BufferAlignment = 512
	})
	manager := readyManager(t, device, ManagerOptions{})
	queue, err := NewDeferredReclaimQueue(testLogger(), manager, 1, 0)
	require.NoError(t, err)

	var allocs []*Allocation
	for i := 0; i < 4; i++ {
		buffer, alloc := allocateBuffer(t, device, manager, 1000, hal.MemoryPropertyDeviceLocal)
		require.Equal(t, i*1024, alloc.Offset())
		allocs = append(allocs, alloc)
		queue.Add(buffer, alloc)
		queue.Flush()
	}

	// the last addition is still pending
	require.Nil(t, allocs[2].Pool())
	require.NotNil(t, allocs[3].Pool())
	require.Equal(t, 1, queue.Pending())
	require.NoError(t, manager.Validate())

	queue.FlushAll()
	require.Equal(t, 0, manager.Statistics().AllocationCount)
}

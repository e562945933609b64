package vram

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/gpumem/hal"
	"github.com/vkngwrapper/gpumem/memutils"
)

// StagingUpdate asks for Size bytes of Src to be copied into the frame's slice of Dst, where each
// frame's slice is RangeSize bytes long, and made visible to DstStage and DstAccess. Dst holds
// FrameCount slices.
type StagingUpdate struct {
	Src        hal.Buffer
	Dst        hal.Buffer
	Size       int
	RangeSize  int
	FrameCount int
	DstStage   hal.PipelineStageFlags
	DstAccess  hal.AccessFlags
}

// FrameUpdateQueue collects staging updates to be recorded into the next frame's commands
type FrameUpdateQueue interface {
	Enqueue(update StagingUpdate)
}

// Reclaimer defers the release of a resource until the device is finished with it
type Reclaimer interface {
	Add(resource hal.Resource, alloc *Allocation)
}

// FrameLocalStagingBuffer gives the host a map/write/unmap interface over data that the device reads
// from a device-local buffer. The device buffer holds one slice per frame in flight, so a write for
// one frame never disturbs a slice the device may still be reading for an earlier frame. Writes go to
// a host-visible staging buffer and are copied into the frame's slice by the FrameUpdateQueue.
//
// FrameLocalStagingBuffer is not safe for concurrent use.
type FrameLocalStagingBuffer struct {
	updates    FrameUpdateQueue
	frameCount int
	size       int
	rangeSize  int
	dstStage   hal.PipelineStageFlags
	dstAccess  hal.AccessFlags

	hostBuffer   hal.Buffer
	hostAlloc    *Allocation
	deviceBuffer hal.Buffer
	deviceAlloc  *Allocation

	mapped bool
}

// offsetAlignment returns the binding offset alignment that the device requires for a buffer with
// the given usage
func offsetAlignment(limits hal.DeviceLimits, usage hal.BufferUsageFlags) uint {
	alignment := uint(1)
	if usage&(hal.BufferUsageUniformBuffer|hal.BufferUsageUniformTexelBuffer) != 0 {
		alignment = max(alignment, limits.MinUniformBufferOffsetAlignment)
	}
	if usage&(hal.BufferUsageStorageBuffer|hal.BufferUsageStorageTexelBuffer) != 0 {
		alignment = max(alignment, limits.MinStorageBufferOffsetAlignment)
	}
	return alignment
}

func NewFrameLocalStagingBuffer(
	device hal.Device,
	allocator ResourceAllocator,
	executor *TransferExecutor,
	updates FrameUpdateQueue,
	frameCount int,
	usage hal.BufferUsageFlags,
	size int,
	dstStage hal.PipelineStageFlags,
	dstAccess hal.AccessFlags,
) (*FrameLocalStagingBuffer, error) {
	if frameCount < 1 {
		return nil, errors.Newf("frame count must be at least 1, but was %d", frameCount)
	}
	if size <= 0 {
		return nil, errors.Newf("attempted to create a staging buffer of invalid size %d", size)
	}

	alignment := offsetAlignment(device.Limits(), usage)
	err := memutils.CheckAlignment(alignment, "buffer offset alignment")
	if err != nil {
		return nil, err
	}
	rangeSize := memutils.AlignUp(size, alignment)

	b := &FrameLocalStagingBuffer{
		updates:    updates,
		frameCount: frameCount,
		size:       size,
		rangeSize:  rangeSize,
		dstStage:   dstStage,
		dstAccess:  dstAccess,
	}

	b.hostBuffer, b.hostAlloc, err = createBoundBuffer(device, allocator, rangeSize, hal.BufferUsageTransferSrc, hostStagingProperties)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create host staging buffer")
	}

	b.deviceBuffer, b.deviceAlloc, err = createBoundBuffer(device, allocator, rangeSize*frameCount, usage|hal.BufferUsageTransferDst, hal.MemoryPropertyDeviceLocal)
	if err != nil {
		b.hostBuffer.Destroy()
		return nil, errors.CombineErrors(errors.Wrap(err, "failed to create device buffer"), allocator.Free(b.hostAlloc))
	}

	err = executor.Run(func() error {
		err := executor.Barrier(hal.PipelineStageHost, hal.PipelineStageTransfer, []hal.BufferBarrier{
			{
				Buffer:    b.hostBuffer,
				SrcAccess: hal.AccessHostWrite,
				DstAccess: hal.AccessTransferRead,
				Size:      hal.WholeSize,
			},
		}, nil)
		if err != nil {
			return err
		}

		return executor.Barrier(hal.PipelineStageTopOfPipe, dstStage, []hal.BufferBarrier{
			{
				Buffer:    b.deviceBuffer,
				DstAccess: dstAccess,
				Size:      hal.WholeSize,
			},
		}, nil)
	})
	if err != nil {
		b.hostBuffer.Destroy()
		b.deviceBuffer.Destroy()
		return nil, errors.CombineErrors(err, errors.CombineErrors(allocator.Free(b.hostAlloc), allocator.Free(b.deviceAlloc)))
	}

	return b, nil
}

func createBoundBuffer(device hal.Device, allocator ResourceAllocator, size int, usage hal.BufferUsageFlags, properties hal.MemoryPropertyFlags) (hal.Buffer, *Allocation, error) {
	buffer, err := device.CreateBuffer(size, usage)
	if err != nil {
		return nil, nil, err
	}

	alloc, err := allocator.Allocate(buffer, properties)
	if err != nil {
		buffer.Destroy()
		return nil, nil, err
	}

	return buffer, alloc, nil
}

// Size returns the number of bytes copied to the device on each Unmap
func (b *FrameLocalStagingBuffer) Size() int { return b.size }

// RangeSize returns the size of each frame's slice of the device buffer
func (b *FrameLocalStagingBuffer) RangeSize() int { return b.rangeSize }

func (b *FrameLocalStagingBuffer) FrameCount() int { return b.frameCount }

// FrameOffset returns the offset of a frame's slice within the device buffer
func (b *FrameLocalStagingBuffer) FrameOffset(frameIndex int) int {
	return (frameIndex % b.frameCount) * b.rangeSize
}

// DeviceBuffer returns the device-local buffer that shaders should bind, at FrameOffset
func (b *FrameLocalStagingBuffer) DeviceBuffer() hal.Buffer { return b.deviceBuffer }

// HostBuffer returns the host-visible buffer that Map writes into
func (b *FrameLocalStagingBuffer) HostBuffer() hal.Buffer { return b.hostBuffer }

// Map returns the host staging range. The bytes are copied to the device when Unmap is called.
func (b *FrameLocalStagingBuffer) Map() ([]byte, error) {
	if b.mapped {
		return nil, errors.New("staging buffer is already mapped")
	}

	data, err := b.hostAlloc.Map()
	if err != nil {
		return nil, err
	}

	b.mapped = true
	return data[:b.rangeSize], nil
}

// Unmap finishes a write started with Map and queues the copy into the device buffer
func (b *FrameLocalStagingBuffer) Unmap() error {
	if !b.mapped {
		return errors.New("staging buffer is not mapped")
	}

	b.mapped = false
	err := b.hostAlloc.Unmap()
	if err != nil {
		return err
	}

	b.updates.Enqueue(StagingUpdate{
		Src:        b.hostBuffer,
		Dst:        b.deviceBuffer,
		Size:       b.size,
		RangeSize:  b.rangeSize,
		FrameCount: b.frameCount,
		DstStage:   b.dstStage,
		DstAccess:  b.dstAccess,
	})
	return nil
}

// Destroy hands both buffers to reclaimer, which releases them once the device is done with them
func (b *FrameLocalStagingBuffer) Destroy(reclaimer Reclaimer) error {
	if b.hostBuffer == nil {
		return errors.New("staging buffer has already been destroyed")
	}

	var err error
	if b.mapped {
		b.mapped = false
		err = b.hostAlloc.Unmap()
	}

	reclaimer.Add(b.hostBuffer, b.hostAlloc)
	reclaimer.Add(b.deviceBuffer, b.deviceAlloc)

	b.hostBuffer, b.hostAlloc = nil, nil
	b.deviceBuffer, b.deviceAlloc = nil, nil
	return err
}

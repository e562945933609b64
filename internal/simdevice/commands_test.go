package simdevice

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/gpumem/hal"
)

func boundBuffer(t *testing.T, device *Device, memory hal.DeviceMemory, offset, size int) *Buffer {
	buffer, err := device.CreateBuffer(size, hal.BufferUsageTransferSrc|hal.BufferUsageTransferDst)
	require.NoError(t, err)
	require.NoError(t, device.BindResourceMemory(buffer, memory, offset))
	return buffer.(*Buffer)
}

func submit(t *testing.T, device *Device, record func(commandBuffer hal.CommandBuffer)) error {
	commandBuffer, err := device.CreateCommandBuffer()
	require.NoError(t, err)
	fence, err := device.CreateFence()
	require.NoError(t, err)

	require.NoError(t, commandBuffer.Begin())
	record(commandBuffer)
	require.NoError(t, commandBuffer.End())

	err = device.Queue().Submit(commandBuffer, fence)
	if err != nil {
		return err
	}
	return fence.Wait()
}

func TestCopyBuffer(t *testing.T) {
	device := readyDevice(t)

	memory, err := device.AllocateDeviceMemory(4096, hal.MemoryPropertyHostVisible)
	require.NoError(t, err)
	src := boundBuffer(t, device, memory, 0, 256)
	dst := boundBuffer(t, device, memory, 1024, 512)

	simMemory := memory.(*Memory)
	for i := 0; i < 256; i++ {
		simMemory.data[i] = byte(i)
	}

	err = submit(t, device, func(commandBuffer hal.CommandBuffer) {
		require.NoError(t, commandBuffer.CopyBuffer(src, dst, []hal.BufferCopy{
			{SrcOffset: 16, DstOffset: 256, Size: 32},
		}))
		require.Error(t, commandBuffer.CopyBuffer(src, dst, []hal.BufferCopy{
			{SrcOffset: 250, Size: 32},
		}))
	})
	require.NoError(t, err)

	contents, err := dst.Contents()
	require.NoError(t, err)
	for i := 0; i < 32; i++ {
		require.Equal(t, byte(16+i), contents[256+i])
	}
	require.Equal(t, byte(0), contents[255])
	require.Equal(t, byte(0), contents[288])
	require.Equal(t, 1, device.Stats().Copies)
}

func TestCopyBufferToImage(t *testing.T) {
	device := readyDevice(t)

	memory, err := device.AllocateDeviceMemory(8192, hal.MemoryPropertyHostVisible)
	require.NoError(t, err)
	src := boundBuffer(t, device, memory, 0, 64)
	for i := range memory.(*Memory).data[:64] {
		memory.(*Memory).data[i] = byte(i + 1)
	}

	image, err := device.CreateImage(hal.Extent3D{Width: 4, Height: 4, Depth: 1}, 1)
	require.NoError(t, err)
	require.NoError(t, device.BindResourceMemory(image, memory, 4096))

	// copy a 2x2 block into the lower right corner
	err = submit(t, device, func(commandBuffer hal.CommandBuffer) {
		require.NoError(t, commandBuffer.PipelineBarrier(hal.PipelineStageTopOfPipe, hal.PipelineStageTransfer, nil, []hal.ImageBarrier{
			{Image: image, NewLayout: hal.ImageLayoutTransferDstOptimal},
		}))
		require.NoError(t, commandBuffer.CopyBufferToImage(src, image, hal.ImageLayoutTransferDstOptimal, []hal.BufferImageCopy{
			{
				BufferRowLength: 4,
				ImageOffset:     hal.Offset3D{X: 2, Y: 2},
				ImageExtent:     hal.Extent3D{Width: 2, Height: 2, Depth: 1},
			},
		}))
	})
	require.NoError(t, err)

	contents, err := image.Contents()
	require.NoError(t, err)
	require.Equal(t, []byte{
		0, 0, 0, 0,
		0, 0, 0, 0,
		0, 0, 1, 2,
		0, 0, 5, 6,
	}, contents)
	require.Equal(t, hal.ImageLayoutTransferDstOptimal, image.Layout())
}

func TestCopyBufferToImageWrongLayout(t *testing.T) {
	device := readyDevice(t)

	memory, err := device.AllocateDeviceMemory(8192, hal.MemoryPropertyDeviceLocal)
	require.NoError(t, err)
	src := boundBuffer(t, device, memory, 0, 64)

	image, err := device.CreateImage(hal.Extent3D{Width: 4, Height: 4, Depth: 1}, 1)
	require.NoError(t, err)
	require.NoError(t, device.BindResourceMemory(image, memory, 4096))

	err = submit(t, device, func(commandBuffer hal.CommandBuffer) {
		require.Error(t, commandBuffer.CopyBufferToImage(src, image, hal.ImageLayoutShaderReadOnlyOptimal, []hal.BufferImageCopy{
			{ImageExtent: hal.Extent3D{Width: 4, Height: 4, Depth: 1}},
		}))
		require.NoError(t, commandBuffer.CopyBufferToImage(src, image, hal.ImageLayoutTransferDstOptimal, []hal.BufferImageCopy{
			{ImageExtent: hal.Extent3D{Width: 4, Height: 4, Depth: 1}},
		}))
	})
	require.Error(t, err)
}

func TestCommandBufferStates(t *testing.T) {
	device := readyDevice(t)

	commandBuffer, err := device.CreateCommandBuffer()
	require.NoError(t, err)
	fence, err := device.CreateFence()
	require.NoError(t, err)

	require.Error(t, commandBuffer.End())
	require.Error(t, device.Queue().Submit(commandBuffer, fence))
	require.Error(t, fence.Wait())

	require.NoError(t, commandBuffer.Begin())
	require.Error(t, commandBuffer.Begin())
	require.Error(t, commandBuffer.PipelineBarrier(0, hal.PipelineStageTransfer, nil, nil))
	require.NoError(t, commandBuffer.End())

	require.NoError(t, device.Queue().Submit(commandBuffer, fence))
	require.True(t, fence.(*Fence).Signaled())
	require.Error(t, device.Queue().Submit(commandBuffer, fence))
	require.NoError(t, fence.Reset())
	require.Error(t, fence.Wait())
}

package vkbackend

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/driver"
	"github.com/vkngwrapper/gpumem/hal"
)

type CommandBuffer struct {
	commandBuffer core1_0.CommandBuffer
}

var _ hal.CommandBuffer = &CommandBuffer{}

func (c *CommandBuffer) VulkanCommandBuffer() core1_0.CommandBuffer { return c.commandBuffer }

func (c *CommandBuffer) Begin() error {
	_, err := c.commandBuffer.Begin(core1_0.CommandBufferBeginInfo{
		Flags: core1_0.CommandBufferUsageOneTimeSubmit,
	})
	return err
}

func (c *CommandBuffer) End() error {
	_, err := c.commandBuffer.End()
	return err
}

func (c *CommandBuffer) Reset() error {
	_, err := c.commandBuffer.Reset(0)
	return err
}

func (c *CommandBuffer) Destroy() {
	c.commandBuffer.Free()
}

func (c *CommandBuffer) CopyBuffer(src hal.Buffer, dst hal.Buffer, regions []hal.BufferCopy) error {
	srcBuffer, err := vulkanBuffer(src)
	if err != nil {
		return err
	}
	dstBuffer, err := vulkanBuffer(dst)
	if err != nil {
		return err
	}

	copies := make([]core1_0.BufferCopy, 0, len(regions))
	for _, region := range regions {
		copies = append(copies, core1_0.BufferCopy{
			SrcOffset: region.SrcOffset,
			DstOffset: region.DstOffset,
			Size:      region.Size,
		})
	}

	return c.commandBuffer.CmdCopyBuffer(srcBuffer, dstBuffer, copies)
}

func (c *CommandBuffer) CopyBufferToImage(src hal.Buffer, dst hal.Image, layout hal.ImageLayout, regions []hal.BufferImageCopy) error {
	srcBuffer, err := vulkanBuffer(src)
	if err != nil {
		return err
	}
	dstImage, err := vulkanImage(dst)
	if err != nil {
		return err
	}

	copies := make([]core1_0.BufferImageCopy, 0, len(regions))
	for _, region := range regions {
		copies = append(copies, core1_0.BufferImageCopy{
			BufferOffset:      region.BufferOffset,
			BufferRowLength:   region.BufferRowLength,
			BufferImageHeight: region.BufferImageHeight,
			ImageSubresource: core1_0.ImageSubresourceLayers{
				AspectMask:     core1_0.ImageAspectFlags(region.ImageSubresource.AspectMask),
				MipLevel:       region.ImageSubresource.MipLevel,
				BaseArrayLayer: region.ImageSubresource.BaseArrayLayer,
				LayerCount:     region.ImageSubresource.LayerCount,
			},
			ImageOffset: core1_0.Offset3D{
				X: region.ImageOffset.X,
				Y: region.ImageOffset.Y,
				Z: region.ImageOffset.Z,
			},
			ImageExtent: core1_0.Extent3D{
				Width:  region.ImageExtent.Width,
				Height: region.ImageExtent.Height,
				Depth:  region.ImageExtent.Depth,
			},
		})
	}

	return c.commandBuffer.CmdCopyBufferToImage(srcBuffer, dstImage, core1_0.ImageLayout(layout), copies)
}

func (c *CommandBuffer) PipelineBarrier(srcStage hal.PipelineStageFlags, dstStage hal.PipelineStageFlags, buffers []hal.BufferBarrier, images []hal.ImageBarrier) error {
	bufferBarriers := make([]core1_0.BufferMemoryBarrier, 0, len(buffers))
	for _, barrier := range buffers {
		buffer, err := vulkanBuffer(barrier.Buffer)
		if err != nil {
			return err
		}

		size := barrier.Size
		if size == hal.WholeSize {
			size = barrier.Buffer.Size() - barrier.Offset
		}

		bufferBarriers = append(bufferBarriers, core1_0.BufferMemoryBarrier{
			SrcAccessMask: core1_0.AccessFlags(barrier.SrcAccess),
			DstAccessMask: core1_0.AccessFlags(barrier.DstAccess),
			Buffer:        buffer,
			Offset:        barrier.Offset,
			Size:          size,
		})
	}

	imageBarriers := make([]core1_0.ImageMemoryBarrier, 0, len(images))
	for _, barrier := range images {
		image, err := vulkanImage(barrier.Image)
		if err != nil {
			return err
		}

		imageBarriers = append(imageBarriers, core1_0.ImageMemoryBarrier{
			SrcAccessMask: core1_0.AccessFlags(barrier.SrcAccess),
			DstAccessMask: core1_0.AccessFlags(barrier.DstAccess),
			OldLayout:     core1_0.ImageLayout(barrier.OldLayout),
			NewLayout:     core1_0.ImageLayout(barrier.NewLayout),
			Image:         image,
			SubresourceRange: core1_0.ImageSubresourceRange{
				AspectMask:     core1_0.ImageAspectFlags(barrier.SubresourceRange.AspectMask),
				BaseMipLevel:   barrier.SubresourceRange.BaseMipLevel,
				LevelCount:     barrier.SubresourceRange.LevelCount,
				BaseArrayLayer: barrier.SubresourceRange.BaseArrayLayer,
				LayerCount:     barrier.SubresourceRange.LayerCount,
			},
		})
	}

	return c.commandBuffer.CmdPipelineBarrier(core1_0.PipelineStageFlags(srcStage), core1_0.PipelineStageFlags(dstStage), 0, nil, bufferBarriers, imageBarriers)
}

func vulkanBuffer(buffer hal.Buffer) (core1_0.Buffer, error) {
	vkBuffer, ok := buffer.(*Buffer)
	if !ok {
		return nil, errors.Newf("buffer of type %T was not created by vkbackend", buffer)
	}
	return vkBuffer.buffer, nil
}

func vulkanImage(image hal.Image) (core1_0.Image, error) {
	vkImage, ok := image.(*Image)
	if !ok {
		return nil, errors.Newf("image of type %T was not created by vkbackend", image)
	}
	return vkImage.image, nil
}

type Queue struct {
	queue core1_0.Queue
}

var _ hal.Queue = &Queue{}

func (q *Queue) Submit(commandBuffer hal.CommandBuffer, fence hal.Fence) error {
	vkCommandBuffer, ok := commandBuffer.(*CommandBuffer)
	if !ok {
		return errors.Newf("command buffer of type %T was not created by vkbackend", commandBuffer)
	}

	var vkFence core1_0.Fence
	if fence != nil {
		f, ok := fence.(*Fence)
		if !ok {
			return errors.Newf("fence of type %T was not created by vkbackend", fence)
		}
		vkFence = f.fence
	}

	_, err := q.queue.Submit(vkFence, []core1_0.SubmitInfo{
		{
			CommandBuffers: []core1_0.CommandBuffer{vkCommandBuffer.commandBuffer},
		},
	})
	return err
}

type Fence struct {
	fence     core1_0.Fence
	callbacks *driver.AllocationCallbacks
}

var _ hal.Fence = &Fence{}

func (f *Fence) Wait() error {
	_, err := f.fence.Wait(common.NoTimeout)
	return err
}

func (f *Fence) Reset() error {
	_, err := f.fence.Reset()
	return err
}

func (f *Fence) Destroy() {
	f.fence.Destroy(f.callbacks)
}

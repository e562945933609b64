package simdevice

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/gpumem/hal"
)

type commandBufferState int

const (
	commandBufferInitial commandBufferState = iota
	commandBufferRecording
	commandBufferExecutable
)

type command func(stats *Stats) error

// CommandBuffer records commands as closures that run when the buffer is submitted
type CommandBuffer struct {
	device    *Device
	state     commandBufferState
	commands  []command
	destroyed bool
}

var _ hal.CommandBuffer = &CommandBuffer{}

func (c *CommandBuffer) Begin() error {
	if c.destroyed {
		return errors.New("command buffer has been destroyed")
	}
	if c.state == commandBufferRecording {
		return errors.New("command buffer is already recording")
	}

	c.commands = c.commands[:0]
	c.state = commandBufferRecording
	return nil
}

func (c *CommandBuffer) End() error {
	if c.state != commandBufferRecording {
		return errors.New("command buffer is not recording")
	}

	c.state = commandBufferExecutable
	return nil
}

func (c *CommandBuffer) Reset() error {
	c.commands = c.commands[:0]
	c.state = commandBufferInitial
	return nil
}

func (c *CommandBuffer) Destroy() {
	c.commands = nil
	c.destroyed = true
}

func (c *CommandBuffer) record(cmd command) error {
	if c.state != commandBufferRecording {
		return errors.New("command buffer is not recording")
	}

	c.commands = append(c.commands, cmd)
	return nil
}

func (c *CommandBuffer) CopyBuffer(src hal.Buffer, dst hal.Buffer, regions []hal.BufferCopy) error {
	srcBuffer, ok := src.(*Buffer)
	if !ok {
		return errors.Newf("source buffer of type %T was not created by a simulated device", src)
	}
	dstBuffer, ok := dst.(*Buffer)
	if !ok {
		return errors.Newf("destination buffer of type %T was not created by a simulated device", dst)
	}

	for _, region := range regions {
		if region.Size <= 0 || region.SrcOffset < 0 || region.DstOffset < 0 ||
			region.SrcOffset+region.Size > srcBuffer.size || region.DstOffset+region.Size > dstBuffer.size {
			return errors.Newf("copy region %+v is out of bounds for buffers of %d and %d bytes", region, srcBuffer.size, dstBuffer.size)
		}
	}
	copied := append([]hal.BufferCopy(nil), regions...)

	return c.record(func(stats *Stats) error {
		srcData, err := srcBuffer.bytes(srcBuffer.size)
		if err != nil {
			return errors.Wrap(err, "copy source")
		}
		dstData, err := dstBuffer.bytes(dstBuffer.size)
		if err != nil {
			return errors.Wrap(err, "copy destination")
		}

		for _, region := range copied {
			copy(dstData[region.DstOffset:region.DstOffset+region.Size], srcData[region.SrcOffset:region.SrcOffset+region.Size])
			stats.Copies++
		}
		return nil
	})
}

func (c *CommandBuffer) CopyBufferToImage(src hal.Buffer, dst hal.Image, layout hal.ImageLayout, regions []hal.BufferImageCopy) error {
	srcBuffer, ok := src.(*Buffer)
	if !ok {
		return errors.Newf("source buffer of type %T was not created by a simulated device", src)
	}
	dstImage, ok := dst.(*Image)
	if !ok {
		return errors.Newf("destination image of type %T was not created by a simulated device", dst)
	}
	if layout != hal.ImageLayoutTransferDstOptimal && layout != hal.ImageLayoutGeneral {
		return errors.Newf("cannot copy to an image in layout %s", layout)
	}

	for _, region := range regions {
		if region.ImageSubresource.MipLevel != 0 || region.ImageSubresource.BaseArrayLayer != 0 {
			return errors.New("simulated images have a single mip level and array layer")
		}
		end := region.ImageOffset
		end.X += region.ImageExtent.Width
		end.Y += region.ImageExtent.Height
		end.Z += region.ImageExtent.Depth
		if end.X > dstImage.extent.Width || end.Y > dstImage.extent.Height || end.Z > dstImage.extent.Depth {
			return errors.Newf("copy region %+v is out of bounds for image extent %+v", region, dstImage.extent)
		}
	}
	copied := append([]hal.BufferImageCopy(nil), regions...)

	return c.record(func(stats *Stats) error {
		if dstImage.layout != layout {
			return errors.Newf("image is in layout %s but the copy expects %s", dstImage.layout, layout)
		}

		srcData, err := srcBuffer.bytes(srcBuffer.size)
		if err != nil {
			return errors.Wrap(err, "copy source")
		}
		dstData, err := dstImage.bytes(dstImage.byteSize())
		if err != nil {
			return errors.Wrap(err, "copy destination")
		}

		texel := dstImage.texelSize
		for _, region := range copied {
			rowLength := region.BufferRowLength
			if rowLength == 0 {
				rowLength = region.ImageExtent.Width
			}
			imageHeight := region.BufferImageHeight
			if imageHeight == 0 {
				imageHeight = region.ImageExtent.Height
			}
			rowBytes := region.ImageExtent.Width * texel

			for z := 0; z < region.ImageExtent.Depth; z++ {
				for y := 0; y < region.ImageExtent.Height; y++ {
					srcOffset := region.BufferOffset + ((z*imageHeight+y)*rowLength)*texel
					if srcOffset+rowBytes > len(srcData) {
						return errors.Newf("copy region %+v reads past the end of the source buffer", region)
					}

					dstZ := region.ImageOffset.Z + z
					dstY := region.ImageOffset.Y + y
					dstOffset := ((dstZ*dstImage.extent.Height+dstY)*dstImage.extent.Width + region.ImageOffset.X) * texel

					copy(dstData[dstOffset:dstOffset+rowBytes], srcData[srcOffset:srcOffset+rowBytes])
				}
			}
			stats.Copies++
		}
		return nil
	})
}

func (c *CommandBuffer) PipelineBarrier(srcStage hal.PipelineStageFlags, dstStage hal.PipelineStageFlags, buffers []hal.BufferBarrier, images []hal.ImageBarrier) error {
	if srcStage == 0 || dstStage == 0 {
		return errors.New("pipeline barriers require nonzero source and destination stages")
	}

	bufferBarriers := append([]hal.BufferBarrier(nil), buffers...)
	imageBarriers := append([]hal.ImageBarrier(nil), images...)

	return c.record(func(stats *Stats) error {
		for _, barrier := range bufferBarriers {
			if _, ok := barrier.Buffer.(*Buffer); !ok {
				return errors.Newf("barrier buffer of type %T was not created by a simulated device", barrier.Buffer)
			}
			stats.Barriers++
		}

		for _, barrier := range imageBarriers {
			image, ok := barrier.Image.(*Image)
			if !ok {
				return errors.Newf("barrier image of type %T was not created by a simulated device", barrier.Image)
			}
			if barrier.OldLayout != hal.ImageLayoutUndefined && barrier.OldLayout != image.layout {
				return errors.Newf("barrier expects layout %s but the image is in layout %s", barrier.OldLayout, image.layout)
			}
			image.layout = barrier.NewLayout
			stats.Barriers++
		}

		return nil
	})
}

// Queue executes submitted command buffers synchronously, in submission order
type Queue struct {
	device *Device
}

var _ hal.Queue = &Queue{}

func (q *Queue) Submit(commandBuffer hal.CommandBuffer, fence hal.Fence) error {
	simCommands, ok := commandBuffer.(*CommandBuffer)
	if !ok {
		return errors.Newf("command buffer of type %T was not created by a simulated device", commandBuffer)
	}
	if simCommands.state != commandBufferExecutable {
		return errors.New("command buffer has not finished recording")
	}

	var simFence *Fence
	if fence != nil {
		simFence, ok = fence.(*Fence)
		if !ok {
			return errors.Newf("fence of type %T was not created by a simulated device", fence)
		}
		if simFence.signaled {
			return errors.New("submitted with a fence that is already signaled")
		}
	}

	device := q.device
	device.mutex.Lock()
	defer device.mutex.Unlock()

	device.stats.Submits++
	for _, cmd := range simCommands.commands {
		err := cmd(&device.stats)
		if err != nil {
			return errors.Wrap(err, "simulated command execution failed")
		}
	}

	if simFence != nil {
		simFence.signaled = true
	}
	return nil
}

// Fence is signaled when the submission it was passed to finishes executing
type Fence struct {
	signaled bool
}

var _ hal.Fence = &Fence{}

func (f *Fence) Wait() error {
	if !f.signaled {
		// submissions complete synchronously, so waiting on an unsignaled fence would never return
		return errors.New("waited on a fence that was never submitted")
	}
	return nil
}

func (f *Fence) Reset() error {
	f.signaled = false
	return nil
}

func (f *Fence) Destroy() {}

// Signaled reports whether the fence is currently signaled
func (f *Fence) Signaled() bool { return f.signaled }

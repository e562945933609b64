package vram

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/gpumem/hal"
	"golang.org/x/exp/slog"
)

const hostStagingProperties = hal.MemoryPropertyHostVisible | hal.MemoryPropertyHostCoherent

// ImageTransition describes the layout an image is in before an upload and the layout, stage and
// access it should be made available to afterward
type ImageTransition struct {
	OldLayout        hal.ImageLayout
	NewLayout        hal.ImageLayout
	DstStage         hal.PipelineStageFlags
	DstAccess        hal.AccessFlags
	SubresourceRange hal.ImageSubresourceRange
}

// TransferExecutor records one-off batches of uploads, downloads and barriers and runs them to
// completion. A batch spans Begin to End, and the executor's mutex is held for the whole span, so
// batches from different goroutines never interleave. End blocks until the device has finished.
//
// Staging buffers created for a batch are freed when the batch ends.
type TransferExecutor struct {
	logger    *slog.Logger
	device    hal.Device
	allocator ResourceAllocator
	queue     hal.Queue

	commandBuffer hal.CommandBuffer
	fence         hal.Fence

	mutex     sync.Mutex
	recording atomic.Bool
	transient []PendingRelease
}

func NewTransferExecutor(logger *slog.Logger, device hal.Device, allocator ResourceAllocator, queue hal.Queue) (*TransferExecutor, error) {
	commandBuffer, err := device.CreateCommandBuffer()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create transfer command buffer")
	}

	fence, err := device.CreateFence()
	if err != nil {
		commandBuffer.Destroy()
		return nil, errors.Wrap(err, "failed to create transfer fence")
	}

	return &TransferExecutor{
		logger:        loggerOrDiscard(logger),
		device:        device,
		allocator:     allocator,
		queue:         queue,
		commandBuffer: commandBuffer,
		fence:         fence,
	}, nil
}

// Begin takes the executor's lock and starts recording a batch. Every successful Begin must be
// followed by End on the same goroutine.
func (e *TransferExecutor) Begin() error {
	e.mutex.Lock()

	err := e.commandBuffer.Begin()
	if err != nil {
		e.mutex.Unlock()
		return errors.Wrap(err, "failed to begin transfer batch")
	}

	e.recording.Store(true)
	return nil
}

// End submits the batch, waits for the device to complete it, frees the batch's staging buffers,
// and releases the executor's lock. The lock is released even if an error is returned. End must be
// called by the goroutine that called Begin; only one End succeeds for each Begin.
func (e *TransferExecutor) End() error {
	if !e.recording.CompareAndSwap(true, false) {
		return errors.New("attempted to end a transfer batch that was never begun")
	}
	defer e.mutex.Unlock()

	err := e.commandBuffer.End()
	if err == nil {
		err = e.queue.Submit(e.commandBuffer, e.fence)
		if err == nil {
			err = e.fence.Wait()
			err = errors.CombineErrors(err, e.fence.Reset())
		}
	}
	if err != nil {
		err = errors.Wrap(err, "transfer batch failed")
	}

	e.logger.LogAttrs(context.Background(), slog.LevelDebug, "TransferExecutor::End",
		slog.Int("transient", len(e.transient)))

	for _, entry := range e.transient {
		entry.Resource.Destroy()
		err = errors.CombineErrors(err, e.allocator.Free(entry.Allocation))
	}
	clear(e.transient)
	e.transient = e.transient[:0]

	return errors.CombineErrors(err, e.commandBuffer.Reset())
}

// Run executes fn between Begin and End
func (e *TransferExecutor) Run(fn func() error) error {
	err := e.Begin()
	if err != nil {
		return err
	}

	err = fn()
	return errors.CombineErrors(err, e.End())
}

func (e *TransferExecutor) checkRecording() error {
	if !e.recording.Load() {
		return errors.New("transfer commands must be recorded between Begin and End")
	}
	return nil
}

func (e *TransferExecutor) createBuffer(size int, usage hal.BufferUsageFlags, properties hal.MemoryPropertyFlags) (hal.Buffer, *Allocation, error) {
	buffer, err := e.device.CreateBuffer(size, usage)
	if err != nil {
		return nil, nil, err
	}

	alloc, err := e.allocator.Allocate(buffer, properties)
	if err != nil {
		buffer.Destroy()
		return nil, nil, err
	}

	return buffer, alloc, nil
}

// stage copies data into a new host-visible buffer that lives until the end of the batch
func (e *TransferExecutor) stage(data []byte) (hal.Buffer, error) {
	buffer, alloc, err := e.createBuffer(len(data), hal.BufferUsageTransferSrc, hostStagingProperties)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create staging buffer")
	}
	e.transient = append(e.transient, PendingRelease{Resource: buffer, Allocation: alloc})

	mapped, err := alloc.Map()
	if err != nil {
		return nil, err
	}
	copy(mapped, data)

	return buffer, alloc.Unmap()
}

// UploadBuffer creates a device-local buffer holding data. The buffer is made available to
// dstStage and dstAccess once the batch completes. The caller owns the returned buffer and
// allocation.
func (e *TransferExecutor) UploadBuffer(data []byte, usage hal.BufferUsageFlags, dstStage hal.PipelineStageFlags, dstAccess hal.AccessFlags) (hal.Buffer, *Allocation, error) {
	err := e.checkRecording()
	if err != nil {
		return nil, nil, err
	}
	if len(data) == 0 {
		return nil, nil, errors.New("attempted to upload an empty buffer")
	}

	staging, err := e.stage(data)
	if err != nil {
		return nil, nil, err
	}

	buffer, alloc, err := e.createBuffer(len(data), usage|hal.BufferUsageTransferDst, hal.MemoryPropertyDeviceLocal)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to create upload destination")
	}

	err = e.commandBuffer.CopyBuffer(staging, buffer, []hal.BufferCopy{{Size: len(data)}})
	if err == nil {
		err = e.commandBuffer.PipelineBarrier(hal.PipelineStageTransfer, dstStage, []hal.BufferBarrier{
			{
				Buffer:    buffer,
				SrcAccess: hal.AccessTransferWrite,
				DstAccess: dstAccess,
				Size:      hal.WholeSize,
			},
		}, nil)
	}
	if err != nil {
		buffer.Destroy()
		return nil, nil, errors.CombineErrors(err, e.allocator.Free(alloc))
	}

	return buffer, alloc, nil
}

// UploadImage copies data into regions of an existing image, transitioning it through
// TransferDstOptimal and into the transition's new layout
func (e *TransferExecutor) UploadImage(data []byte, image hal.Image, transition ImageTransition, regions []hal.BufferImageCopy) error {
	err := e.checkRecording()
	if err != nil {
		return err
	}
	if len(data) == 0 || len(regions) == 0 {
		return errors.New("attempted to upload an empty image")
	}

	staging, err := e.stage(data)
	if err != nil {
		return err
	}

	err = e.commandBuffer.PipelineBarrier(hal.PipelineStageTopOfPipe, hal.PipelineStageTransfer, nil, []hal.ImageBarrier{
		{
			Image:            image,
			DstAccess:        hal.AccessTransferWrite,
			OldLayout:        transition.OldLayout,
			NewLayout:        hal.ImageLayoutTransferDstOptimal,
			SubresourceRange: transition.SubresourceRange,
		},
	})
	if err != nil {
		return err
	}

	err = e.commandBuffer.CopyBufferToImage(staging, image, hal.ImageLayoutTransferDstOptimal, regions)
	if err != nil {
		return err
	}

	return e.commandBuffer.PipelineBarrier(hal.PipelineStageTransfer, transition.DstStage, nil, []hal.ImageBarrier{
		{
			Image:            image,
			SrcAccess:        hal.AccessTransferWrite,
			DstAccess:        transition.DstAccess,
			OldLayout:        hal.ImageLayoutTransferDstOptimal,
			NewLayout:        transition.NewLayout,
			SubresourceRange: transition.SubresourceRange,
		},
	})
}

// Download copies the first size bytes of src into a new host-visible buffer. Once the batch has
// ended, the contents can be retrieved with Read. The caller owns the returned buffer and allocation.
func (e *TransferExecutor) Download(src hal.Buffer, size int, srcStage hal.PipelineStageFlags, srcAccess hal.AccessFlags) (hal.Buffer, *Allocation, error) {
	err := e.checkRecording()
	if err != nil {
		return nil, nil, err
	}
	if size <= 0 || size > src.Size() {
		return nil, nil, errors.Newf("attempted to download %d bytes from a buffer of %d bytes", size, src.Size())
	}

	buffer, alloc, err := e.createBuffer(size, hal.BufferUsageTransferDst, hostStagingProperties)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to create download destination")
	}

	err = e.commandBuffer.PipelineBarrier(srcStage, hal.PipelineStageTransfer, []hal.BufferBarrier{
		{
			Buffer:    src,
			SrcAccess: srcAccess,
			DstAccess: hal.AccessTransferRead,
			Size:      hal.WholeSize,
		},
	}, nil)
	if err == nil {
		err = e.commandBuffer.CopyBuffer(src, buffer, []hal.BufferCopy{{Size: size}})
	}
	if err == nil {
		err = e.commandBuffer.PipelineBarrier(hal.PipelineStageTransfer, hal.PipelineStageHost, []hal.BufferBarrier{
			{
				Buffer:    buffer,
				SrcAccess: hal.AccessTransferWrite,
				DstAccess: hal.AccessHostRead,
				Size:      hal.WholeSize,
			},
		}, nil)
	}
	if err != nil {
		buffer.Destroy()
		return nil, nil, errors.CombineErrors(err, e.allocator.Free(alloc))
	}

	return buffer, alloc, nil
}

// Barrier records a pipeline barrier into the current batch
func (e *TransferExecutor) Barrier(srcStage, dstStage hal.PipelineStageFlags, buffers []hal.BufferBarrier, images []hal.ImageBarrier) error {
	err := e.checkRecording()
	if err != nil {
		return err
	}

	return e.commandBuffer.PipelineBarrier(srcStage, dstStage, buffers, images)
}

// Read copies the first size bytes of a host-visible allocation, such as one returned by Download
func (e *TransferExecutor) Read(alloc *Allocation, size int) ([]byte, error) {
	if size > alloc.Size() {
		return nil, errors.Newf("attempted to read %d bytes from an allocation of %d bytes", size, alloc.Size())
	}

	mapped, err := alloc.Map()
	if err != nil {
		return nil, err
	}

	out := make([]byte, size)
	copy(out, mapped)
	return out, alloc.Unmap()
}

// Destroy releases the executor's command buffer and fence. No batch may be in progress.
func (e *TransferExecutor) Destroy() {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	e.commandBuffer.Destroy()
	e.fence.Destroy()
}

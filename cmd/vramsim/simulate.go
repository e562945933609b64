package main

import (
	"context"
	"fmt"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/gpumem/config"
	"github.com/vkngwrapper/gpumem/hal"
	"github.com/vkngwrapper/gpumem/internal/simdevice"
	"github.com/vkngwrapper/gpumem/vram"
	"golang.org/x/exp/slog"
	"golang.org/x/sync/errgroup"
)

type frameSlot struct {
	commandBuffer hal.CommandBuffer
	fence         hal.Fence
}

func runSimulation(ctx context.Context, logger *slog.Logger, cfg *config.Config, options simulationOptions, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if options.frames < 0 || options.imports < 0 || options.uniformLen <= 0 {
		return errors.Newf("invalid simulation options %+v", options)
	}
	if cfg.Allocator.ExternallySynchronized && options.imports > 0 {
		return errors.New("an externally synchronized allocator cannot be shared with the import goroutine")
	}

	device, err := simdevice.New(simdevice.DefaultOptions())
	if err != nil {
		return err
	}

	manager, err := vram.NewMemoryManager(logger, device, cfg.Allocator.ManagerOptions())
	if err != nil {
		return err
	}

	framesInFlight := cfg.Allocator.FramesInFlight
	reclaim, err := vram.NewDeferredReclaimQueue(logger, manager, framesInFlight, cfg.Allocator.Flags())
	if err != nil {
		return err
	}

	executor, err := vram.NewTransferExecutor(logger, device, manager, device.Queue())
	if err != nil {
		return err
	}
	defer executor.Destroy()

	updates := &vram.StagingUpdateQueue{}
	uniforms, err := vram.NewFrameLocalStagingBuffer(device, manager, executor, updates, framesInFlight,
		hal.BufferUsageUniformBuffer, options.uniformLen, hal.PipelineStageVertexShader, hal.AccessUniformRead)
	if err != nil {
		return err
	}

	slots := make([]frameSlot, framesInFlight)
	for i := range slots {
		slots[i].commandBuffer, err = device.CreateCommandBuffer()
		if err != nil {
			return err
		}
		slots[i].fence, err = device.CreateFence()
		if err != nil {
			return err
		}
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return renderFrames(ctx, device, manager, reclaim, uniforms, updates, slots, options)
	})
	group.Go(func() error {
		return importMeshes(ctx, executor, reclaim, options.imports)
	})
	err = group.Wait()
	if err != nil {
		return err
	}

	err = uniforms.Destroy(reclaim)
	if err != nil {
		return err
	}

	stats := manager.DetailedStatistics()
	fmt.Fprintf(out, "before reclaim: %s, %d pending releases\n", stats.Statistics, reclaim.Pending())

	if options.printMap {
		writer := jwriter.NewWriter()
		manager.PrintDetailedMap(&writer)
		if writer.Error() != nil {
			return writer.Error()
		}
		fmt.Fprintln(out, string(writer.Bytes()))
	}

	reclaim.FlushAll()
	purged := manager.PurgeEmptyPools()
	manager.Dump()

	simStats := device.Stats()
	fmt.Fprintf(out, "after reclaim: %s, %d pools purged\n", manager.Statistics(), purged)
	fmt.Fprintf(out, "device: %d memory allocations, %d frees, %d binds, %d submits, %d copies, %d barriers\n",
		simStats.MemoryAllocations, simStats.MemoryFrees, simStats.Binds, simStats.Submits, simStats.Copies, simStats.Barriers)

	err = manager.Validate()
	if err != nil {
		return err
	}
	return manager.Destroy()
}

// renderFrames writes uniforms for every frame, records the staged copies into the frame's
// command buffer, submits it, and flushes the reclaim queue once per frame. Every eighth frame
// also allocates a short-lived vertex buffer and releases it through the reclaim queue.
func renderFrames(
	ctx context.Context,
	device *simdevice.Device,
	manager *vram.MemoryManager,
	reclaim *vram.DeferredReclaimQueue,
	uniforms *vram.FrameLocalStagingBuffer,
	updates *vram.StagingUpdateQueue,
	slots []frameSlot,
	options simulationOptions,
) error {
	queue := device.Queue()

	for frame := 0; frame < options.frames; frame++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		slotIndex := frame % len(slots)
		slot := slots[slotIndex]

		data, err := uniforms.Map()
		if err != nil {
			return err
		}
		for i := range data[:uniforms.Size()] {
			data[i] = byte(frame + i)
		}
		err = uniforms.Unmap()
		if err != nil {
			return err
		}

		if frame%8 == 0 {
			buffer, err := device.CreateBuffer(4096+frame*64, hal.BufferUsageVertexBuffer)
			if err != nil {
				return err
			}
			alloc, err := manager.Allocate(buffer, hal.MemoryPropertyDeviceLocal)
			if err != nil {
				buffer.Destroy()
				return err
			}
			alloc.SetName(fmt.Sprintf("frame %d scratch", frame))
			reclaim.Add(buffer, alloc)
		}

		err = slot.commandBuffer.Begin()
		if err != nil {
			return err
		}
		err = updates.Record(slot.commandBuffer, slotIndex)
		if err != nil {
			return err
		}
		err = slot.commandBuffer.End()
		if err != nil {
			return err
		}

		err = queue.Submit(slot.commandBuffer, slot.fence)
		if err != nil {
			return errors.Wrapf(err, "frame %d", frame)
		}
		err = slot.fence.Wait()
		if err != nil {
			return err
		}
		err = errors.CombineErrors(slot.fence.Reset(), slot.commandBuffer.Reset())
		if err != nil {
			return err
		}

		reclaim.Flush()
	}

	return nil
}

// importMeshes uploads count meshes of varying size and releases each one through the reclaim
// queue once it has been uploaded
func importMeshes(ctx context.Context, executor *vram.TransferExecutor, reclaim *vram.DeferredReclaimQueue, count int) error {
	for i := 0; i < count; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		mesh := make([]byte, (i%7+1)*4096+i)
		for j := range mesh {
			mesh[j] = byte(i * j)
		}

		var buffer hal.Buffer
		var alloc *vram.Allocation
		err := executor.Run(func() error {
			var err error
			buffer, alloc, err = executor.UploadBuffer(mesh, hal.BufferUsageVertexBuffer, hal.PipelineStageVertexInput, hal.AccessVertexAttributeRead)
			return err
		})
		if err != nil {
			return errors.Wrapf(err, "importing mesh %d", i)
		}

		alloc.SetName(fmt.Sprintf("mesh %d", i))
		reclaim.Add(buffer, alloc)
	}

	return nil
}

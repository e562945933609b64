// Package vkbackend implements the hal interfaces over a vkngwrapper core1_0.Device
package vkbackend

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/driver"
	"github.com/vkngwrapper/extensions/v2/ext_memory_priority"
	"github.com/vkngwrapper/gpumem/hal"
	"golang.org/x/exp/slog"
)

// Options contains optional settings when creating a Device
type Options struct {
	// QueueFamilyIndex is the queue family that command buffers are allocated for and that Queue
	// returns a queue from
	QueueFamilyIndex int
	// AllocationCallbacks is passed to every object creation and destruction
	AllocationCallbacks *driver.AllocationCallbacks
	// MemoryPriority is chained into every device memory allocation when ext_memory_priority is
	// active. 0 uses the default priority of 0.5.
	MemoryPriority float32
}

// Device adapts a core1_0.Device and its physical device to hal.Device
type Device struct {
	logger *slog.Logger

	device           core1_0.Device
	callbacks        *driver.AllocationCallbacks
	limits           hal.DeviceLimits
	memoryProperties *core1_0.PhysicalDeviceMemoryProperties

	queueFamilyIndex int
	commandPool      core1_0.CommandPool

	useMemoryPriority bool
	memoryPriority    float32
}

var _ hal.Device = &Device{}

func New(logger *slog.Logger, device core1_0.Device, physicalDevice core1_0.PhysicalDevice, options Options) (*Device, error) {
	if logger == nil {
		return nil, errors.New("attempted to create a device with a nil logger")
	}

	properties, err := physicalDevice.Properties()
	if err != nil {
		return nil, err
	}

	commandPool, _, err := device.CreateCommandPool(options.AllocationCallbacks, core1_0.CommandPoolCreateInfo{
		Flags:            core1_0.CommandPoolCreateResetBuffer,
		QueueFamilyIndex: options.QueueFamilyIndex,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create command pool")
	}

	priority := options.MemoryPriority
	if priority == 0 {
		priority = 0.5
	}

	d := &Device{
		logger:           logger,
		device:           device,
		callbacks:        options.AllocationCallbacks,
		memoryProperties: physicalDevice.MemoryProperties(),
		limits:           convertLimits(properties.Limits),
		queueFamilyIndex: options.QueueFamilyIndex,
		commandPool:      commandPool,

		useMemoryPriority: device.IsDeviceExtensionActive(ext_memory_priority.ExtensionName),
		memoryPriority:    priority,
	}

	logger.LogAttrs(context.Background(), slog.LevelDebug, "vkbackend::New",
		slog.String("device", properties.DriverName),
		slog.Int("memoryTypes", len(d.memoryProperties.MemoryTypes)),
		slog.Bool("memoryPriority", d.useMemoryPriority))

	return d, nil
}

func convertLimits(limits *core1_0.PhysicalDeviceLimits) hal.DeviceLimits {
	if limits == nil {
		return hal.DeviceLimits{}
	}

	return hal.DeviceLimits{
		MaxMemoryAllocationCount:        limits.MaxMemoryAllocationCount,
		BufferImageGranularity:          limits.BufferImageGranularity,
		MinUniformBufferOffsetAlignment: uint(limits.MinUniformBufferOffsetAlignment),
		MinStorageBufferOffsetAlignment: uint(limits.MinStorageBufferOffsetAlignment),
		MinMemoryMapAlignment:           uint(limits.MinMemoryMapAlignment),
	}
}

func (d *Device) Limits() hal.DeviceLimits { return d.limits }

// VulkanDevice returns the underlying core1_0.Device
func (d *Device) VulkanDevice() core1_0.Device { return d.device }

func (d *Device) AllocateDeviceMemory(size int, properties hal.MemoryPropertyFlags) (hal.DeviceMemory, error) {
	memoryTypeIndex, err := findMemoryType(d.memoryProperties, properties)
	if err != nil {
		return nil, err
	}

	allocateInfo := core1_0.MemoryAllocateInfo{
		AllocationSize:  size,
		MemoryTypeIndex: memoryTypeIndex,
	}
	if d.useMemoryPriority {
		allocateInfo.Next = ext_memory_priority.MemoryPriorityAllocateInfo{
			Priority: d.memoryPriority,
		}
	}

	memory, res, err := d.device.AllocateMemory(d.callbacks, allocateInfo)
	if err != nil {
		d.logger.LogAttrs(context.Background(), slog.LevelDebug, "vkAllocateMemory FAILED",
			slog.Int("size", size),
			slog.Int("memoryTypeIndex", memoryTypeIndex),
			slog.Int("result", int(res)))
		return nil, err
	}

	return &DeviceMemory{
		memory:     memory,
		callbacks:  d.callbacks,
		size:       size,
		properties: properties,
	}, nil
}

func (d *Device) FreeDeviceMemory(memory hal.DeviceMemory) {
	vkMemory, ok := memory.(*DeviceMemory)
	if !ok || vkMemory == nil {
		return
	}

	vkMemory.memory.Free(d.callbacks)
}

func (d *Device) GetResourceRequirements(resource hal.Resource) (hal.MemoryRequirements, error) {
	var reqs *core1_0.MemoryRequirements
	switch r := resource.(type) {
	case *Buffer:
		reqs = r.buffer.MemoryRequirements()
	case *Image:
		reqs = r.image.MemoryRequirements()
	default:
		return hal.MemoryRequirements{}, errors.Newf("resource of type %T was not created by vkbackend", resource)
	}

	return hal.MemoryRequirements{
		Size:      reqs.Size,
		Alignment: uint(reqs.Alignment),
	}, nil
}

func (d *Device) BindResourceMemory(resource hal.Resource, memory hal.DeviceMemory, offset int) error {
	vkMemory, ok := memory.(*DeviceMemory)
	if !ok {
		return errors.Newf("memory of type %T was not allocated by vkbackend", memory)
	}

	var err error
	switch r := resource.(type) {
	case *Buffer:
		_, err = r.buffer.BindBufferMemory(vkMemory.memory, offset)
	case *Image:
		_, err = r.image.BindImageMemory(vkMemory.memory, offset)
	default:
		return errors.Newf("resource of type %T was not created by vkbackend", resource)
	}
	return err
}

func (d *Device) CreateBuffer(size int, usage hal.BufferUsageFlags) (hal.Buffer, error) {
	buffer, _, err := d.device.CreateBuffer(d.callbacks, core1_0.BufferCreateInfo{
		Size:        size,
		Usage:       core1_0.BufferUsageFlags(usage),
		SharingMode: core1_0.SharingModeExclusive,
	})
	if err != nil {
		return nil, err
	}

	return &Buffer{
		buffer:    buffer,
		callbacks: d.callbacks,
		size:      size,
	}, nil
}

// CreateImage creates an image that can be allocated through a vram.MemoryManager
func (d *Device) CreateImage(info core1_0.ImageCreateInfo) (*Image, error) {
	image, _, err := d.device.CreateImage(d.callbacks, info)
	if err != nil {
		return nil, err
	}

	return &Image{
		image:     image,
		callbacks: d.callbacks,
	}, nil
}

func (d *Device) CreateCommandBuffer() (hal.CommandBuffer, error) {
	commandBuffers, _, err := d.device.AllocateCommandBuffers(core1_0.CommandBufferAllocateInfo{
		CommandPool:        d.commandPool,
		Level:              core1_0.CommandBufferLevelPrimary,
		CommandBufferCount: 1,
	})
	if err != nil {
		return nil, err
	}

	return &CommandBuffer{commandBuffer: commandBuffers[0]}, nil
}

func (d *Device) CreateFence() (hal.Fence, error) {
	fence, _, err := d.device.CreateFence(d.callbacks, core1_0.FenceCreateInfo{})
	if err != nil {
		return nil, err
	}

	return &Fence{fence: fence, callbacks: d.callbacks}, nil
}

// Queue returns the queue at queueIndex in the device's queue family
func (d *Device) Queue(queueIndex int) *Queue {
	return &Queue{queue: d.device.GetQueue(d.queueFamilyIndex, queueIndex)}
}

// Destroy releases the device's command pool. Every command buffer created by the device must
// already have been destroyed.
func (d *Device) Destroy() {
	d.commandPool.Destroy(d.callbacks)
}

// findMemoryType returns the index of the first memory type whose property flags include every
// requested property
func findMemoryType(memoryProperties *core1_0.PhysicalDeviceMemoryProperties, properties hal.MemoryPropertyFlags) (int, error) {
	required := core1_0.MemoryPropertyFlags(properties)
	for index, memoryType := range memoryProperties.MemoryTypes {
		if memoryType.PropertyFlags&required == required {
			return index, nil
		}
	}

	return -1, errors.Newf("no memory type has properties %s", properties)
}

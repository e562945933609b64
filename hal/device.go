// Package hal describes the narrow slice of a graphics device that the allocator needs. Memory
// pools only need MemoryDevice; the transfer executor and staging buffers need the rest of Device.
// Implementations live in separate packages so the allocator itself never touches a graphics API.
package hal

//go:generate mockgen -source device.go -destination ./mocks/mocks.go -package mocks

import "unsafe"

// MemoryRequirements reports how much memory a resource needs, and at what alignment
type MemoryRequirements struct {
	Size      int
	Alignment uint
}

// DeviceLimits carries the device limits that influence pool and staging layout
type DeviceLimits struct {
	// MaxMemoryAllocationCount is the number of device memory blocks that may be live at once
	MaxMemoryAllocationCount int
	// BufferImageGranularity is the minimum distance between a buffer and an image in the same block
	BufferImageGranularity int
	// MinUniformBufferOffsetAlignment is the alignment required for uniform buffer binding offsets
	MinUniformBufferOffsetAlignment uint
	// MinStorageBufferOffsetAlignment is the alignment required for storage buffer binding offsets
	MinStorageBufferOffsetAlignment uint
	// MinMemoryMapAlignment is the alignment of host pointers returned from DeviceMemory.Map
	MinMemoryMapAlignment uint
}

// Resource is a buffer or image that must be bound to device memory before use
type Resource interface {
	ResourceType() ResourceType
	Destroy()
}

// Buffer is a linear resource
type Buffer interface {
	Resource
	Size() int
}

// Image is a texel resource
type Image interface {
	Resource
}

// DeviceMemory is one block of memory allocated from the device
type DeviceMemory interface {
	Size() int
	Properties() MemoryPropertyFlags
	// Map maps the entire block into host memory. It may only be called on host-visible memory
	// and must not be called again before Unmap.
	Map() (unsafe.Pointer, error)
	Unmap() error
}

// MemoryDevice is the capability set needed to carve device memory into resources
type MemoryDevice interface {
	Limits() DeviceLimits
	AllocateDeviceMemory(size int, properties MemoryPropertyFlags) (DeviceMemory, error)
	FreeDeviceMemory(memory DeviceMemory)
	GetResourceRequirements(resource Resource) (MemoryRequirements, error)
	BindResourceMemory(resource Resource, memory DeviceMemory, offset int) error
}

// Device extends MemoryDevice with resource creation and command submission
type Device interface {
	MemoryDevice
	CreateBuffer(size int, usage BufferUsageFlags) (Buffer, error)
	CreateCommandBuffer() (CommandBuffer, error)
	CreateFence() (Fence, error)
}

// Queue accepts recorded command buffers for execution
type Queue interface {
	// Submit schedules the command buffer for execution and signals fence once it has completed
	Submit(commandBuffer CommandBuffer, fence Fence) error
}

// Fence is signaled by the device when submitted work completes
type Fence interface {
	// Wait blocks until the fence is signaled. There is no timeout.
	Wait() error
	Reset() error
	Destroy()
}

// CommandBuffer records copy and synchronization commands for later submission
type CommandBuffer interface {
	Begin() error
	End() error
	Reset() error
	CopyBuffer(src Buffer, dst Buffer, regions []BufferCopy) error
	CopyBufferToImage(src Buffer, dst Image, layout ImageLayout, regions []BufferImageCopy) error
	PipelineBarrier(srcStage PipelineStageFlags, dstStage PipelineStageFlags, buffers []BufferBarrier, images []ImageBarrier) error
	Destroy()
}

package vkbackend

import (
	"unsafe"

	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/driver"
	"github.com/vkngwrapper/gpumem/hal"
)

// DeviceMemory is a block of Vulkan device memory
type DeviceMemory struct {
	memory     core1_0.DeviceMemory
	callbacks  *driver.AllocationCallbacks
	size       int
	properties hal.MemoryPropertyFlags
}

var _ hal.DeviceMemory = &DeviceMemory{}

func (m *DeviceMemory) Size() int                                { return m.size }
func (m *DeviceMemory) Properties() hal.MemoryPropertyFlags      { return m.properties }
func (m *DeviceMemory) VulkanDeviceMemory() core1_0.DeviceMemory { return m.memory }

// Map maps the whole block. The memory must be host visible.
func (m *DeviceMemory) Map() (unsafe.Pointer, error) {
	ptr, _, err := m.memory.Map(0, -1, 0)
	return ptr, err
}

func (m *DeviceMemory) Unmap() error {
	m.memory.Unmap()
	return nil
}

type Buffer struct {
	buffer    core1_0.Buffer
	callbacks *driver.AllocationCallbacks
	size      int
}

var _ hal.Buffer = &Buffer{}

func (b *Buffer) ResourceType() hal.ResourceType { return hal.ResourceTypeBuffer }
func (b *Buffer) Size() int                      { return b.size }
func (b *Buffer) VulkanBuffer() core1_0.Buffer   { return b.buffer }

func (b *Buffer) Destroy() {
	b.buffer.Destroy(b.callbacks)
}

type Image struct {
	image     core1_0.Image
	callbacks *driver.AllocationCallbacks
}

var _ hal.Image = &Image{}

func (i *Image) ResourceType() hal.ResourceType { return hal.ResourceTypeImage }
func (i *Image) VulkanImage() core1_0.Image     { return i.image }

func (i *Image) Destroy() {
	i.image.Destroy(i.callbacks)
}

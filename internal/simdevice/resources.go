package simdevice

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/gpumem/hal"
)

type memoryBinding struct {
	memory *Memory
	offset int
}

type resourceBase struct {
	device    *Device
	id        uint64
	binding   memoryBinding
	destroyed bool
}

func (r *resourceBase) Destroy() {
	if r.destroyed {
		return
	}

	r.destroyed = true
	r.device.unregister(r)
}

// Destroyed reports whether Destroy has been called
func (r *resourceBase) Destroyed() bool { return r.destroyed }

// Bound reports whether the resource has been bound to memory
func (r *resourceBase) Bound() bool { return r.binding.memory != nil }

func (r *resourceBase) bytes(size int) ([]byte, error) {
	if r.destroyed {
		return nil, errors.New("resource has been destroyed")
	}
	memory := r.binding.memory
	if memory == nil {
		return nil, errors.New("resource is not bound to memory")
	}
	if memory.freed {
		return nil, errors.New("resource is bound to memory that has been freed")
	}

	return memory.data[r.binding.offset : r.binding.offset+size], nil
}

// Buffer is a simulated hal.Buffer
type Buffer struct {
	resourceBase
	size  int
	usage hal.BufferUsageFlags
}

var _ hal.Buffer = &Buffer{}

func (b *Buffer) ResourceType() hal.ResourceType { return hal.ResourceTypeBuffer }

func (b *Buffer) Size() int { return b.size }

func (b *Buffer) Usage() hal.BufferUsageFlags { return b.usage }

// Contents returns a copy of the buffer's bytes as they currently sit in device memory
func (b *Buffer) Contents() ([]byte, error) {
	data, err := b.bytes(b.size)
	if err != nil {
		return nil, err
	}

	return append([]byte(nil), data...), nil
}

// Image is a simulated hal.Image with row-major texel storage
type Image struct {
	resourceBase
	extent    hal.Extent3D
	texelSize int
	layout    hal.ImageLayout
}

var _ hal.Image = &Image{}

func (i *Image) ResourceType() hal.ResourceType { return hal.ResourceTypeImage }

func (i *Image) Extent() hal.Extent3D { return i.extent }

// Layout returns the layout the image was left in by the last executed barrier
func (i *Image) Layout() hal.ImageLayout { return i.layout }

func (i *Image) byteSize() int {
	return i.extent.Width * i.extent.Height * i.extent.Depth * i.texelSize
}

// Contents returns a copy of the image's texels
func (i *Image) Contents() ([]byte, error) {
	data, err := i.bytes(i.byteSize())
	if err != nil {
		return nil, err
	}

	return append([]byte(nil), data...), nil
}

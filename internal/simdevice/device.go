// Package simdevice is a hal implementation backed by host byte slices. It executes recorded
// copies when a command buffer is submitted, which makes it possible to exercise the allocator,
// transfer executor and staging buffers end to end without a GPU.
package simdevice

import (
	"sync"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/gpumem/hal"
	"github.com/vkngwrapper/gpumem/memutils"
)

var (
	ErrOutOfDeviceMemory = errors.New("simulated device is out of device memory")
	ErrTooManyObjects    = errors.New("simulated device has reached its memory allocation count limit")
	ErrInjectedFailure   = errors.New("injected failure")
	ErrNotHostVisible    = errors.New("memory is not host visible")
)

// Options controls the shape of a simulated device
type Options struct {
	Limits hal.DeviceLimits
	// BufferAlignment is the alignment reported in buffer memory requirements
	BufferAlignment uint
	// ImageAlignment is the alignment reported in image memory requirements
	ImageAlignment uint
	// HeapSize caps the total bytes of live device memory. 0 means unlimited.
	HeapSize int
}

func DefaultOptions() Options {
	return Options{
		Limits: hal.DeviceLimits{
			MaxMemoryAllocationCount:        4096,
			BufferImageGranularity:          1024,
			MinUniformBufferOffsetAlignment: 256,
			MinStorageBufferOffsetAlignment: 64,
			MinMemoryMapAlignment:           64,
		},
		BufferAlignment: 256,
		ImageAlignment:  4096,
	}
}

// Stats counts the work a simulated device has done
type Stats struct {
	MemoryAllocations int
	MemoryFrees       int
	Binds             int
	Submits           int
	Copies            int
	Barriers          int
}

// Device is a simulated hal.Device. It is safe for concurrent use.
type Device struct {
	options Options

	mutex     sync.Mutex
	nextID    uint64
	memories  *swiss.Map[uint64, *Memory]
	resources *swiss.Map[uint64, hal.Resource]
	liveBytes int
	stats     Stats

	failAllocations int
	failBinds       int
}

var _ hal.Device = &Device{}

func New(options Options) (*Device, error) {
	err := memutils.CheckAlignment(options.BufferAlignment, "BufferAlignment")
	if err != nil {
		return nil, err
	}
	err = memutils.CheckAlignment(options.ImageAlignment, "ImageAlignment")
	if err != nil {
		return nil, err
	}

	return &Device{
		options:   options,
		memories:  swiss.NewMap[uint64, *Memory](16),
		resources: swiss.NewMap[uint64, hal.Resource](64),
	}, nil
}

func (d *Device) Limits() hal.DeviceLimits {
	return d.options.Limits
}

// FailNextAllocations causes the next count calls to AllocateDeviceMemory to fail
func (d *Device) FailNextAllocations(count int) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.failAllocations = count
}

// FailNextBinds causes the next count calls to BindResourceMemory to fail
func (d *Device) FailNextBinds(count int) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.failBinds = count
}

func (d *Device) Stats() Stats {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return d.stats
}

// LiveMemoryCount returns the number of device memory blocks that have not been freed
func (d *Device) LiveMemoryCount() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return d.memories.Count()
}

// LiveMemoryBytes returns the total size of device memory blocks that have not been freed
func (d *Device) LiveMemoryBytes() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return d.liveBytes
}

// LiveResourceCount returns the number of buffers and images that have not been destroyed
func (d *Device) LiveResourceCount() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return d.resources.Count()
}

func (d *Device) AllocateDeviceMemory(size int, properties hal.MemoryPropertyFlags) (hal.DeviceMemory, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if size <= 0 {
		return nil, errors.Newf("attempted to allocate %d bytes of device memory", size)
	}
	if d.failAllocations > 0 {
		d.failAllocations--
		return nil, errors.Wrap(ErrInjectedFailure, "device memory allocation")
	}
	if d.memories.Count() >= d.options.Limits.MaxMemoryAllocationCount {
		return nil, ErrTooManyObjects
	}
	if d.options.HeapSize > 0 && d.liveBytes+size > d.options.HeapSize {
		return nil, errors.Wrapf(ErrOutOfDeviceMemory, "%d bytes requested with %d of %d bytes in use", size, d.liveBytes, d.options.HeapSize)
	}

	d.nextID++
	memory := &Memory{
		device:     d,
		id:         d.nextID,
		properties: properties,
		data:       make([]byte, size),
	}
	d.memories.Put(memory.id, memory)
	d.liveBytes += size
	d.stats.MemoryAllocations++

	return memory, nil
}

func (d *Device) FreeDeviceMemory(memory hal.DeviceMemory) {
	simMemory, ok := memory.(*Memory)
	if !ok || simMemory == nil {
		return
	}

	d.mutex.Lock()
	defer d.mutex.Unlock()

	if !d.memories.Delete(simMemory.id) {
		return
	}
	d.liveBytes -= len(simMemory.data)
	d.stats.MemoryFrees++
	simMemory.freed = true
}

func (d *Device) GetResourceRequirements(resource hal.Resource) (hal.MemoryRequirements, error) {
	switch r := resource.(type) {
	case *Buffer:
		return hal.MemoryRequirements{
			Size:      memutils.AlignUp(r.size, d.options.BufferAlignment),
			Alignment: d.options.BufferAlignment,
		}, nil
	case *Image:
		return hal.MemoryRequirements{
			Size:      memutils.AlignUp(r.byteSize(), d.options.ImageAlignment),
			Alignment: d.options.ImageAlignment,
		}, nil
	default:
		return hal.MemoryRequirements{}, errors.Newf("resource of type %T was not created by a simulated device", resource)
	}
}

func (d *Device) BindResourceMemory(resource hal.Resource, memory hal.DeviceMemory, offset int) error {
	simMemory, ok := memory.(*Memory)
	if !ok {
		return errors.Newf("memory of type %T was not allocated by a simulated device", memory)
	}

	reqs, err := d.GetResourceRequirements(resource)
	if err != nil {
		return err
	}

	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.failBinds > 0 {
		d.failBinds--
		return errors.Wrap(ErrInjectedFailure, "bind resource memory")
	}
	if simMemory.freed {
		return errors.New("attempted to bind a resource to freed memory")
	}
	if !memutils.IsAligned(offset, reqs.Alignment) {
		return errors.Newf("bind offset %d is not aligned to %d", offset, reqs.Alignment)
	}
	if offset < 0 || offset+reqs.Size > len(simMemory.data) {
		return errors.Newf("a resource of %d bytes at offset %d does not fit in %d bytes of memory", reqs.Size, offset, len(simMemory.data))
	}

	var binding *memoryBinding
	switch r := resource.(type) {
	case *Buffer:
		binding = &r.binding
	case *Image:
		binding = &r.binding
	}

	if binding.memory != nil {
		return errors.New("resource is already bound to memory")
	}
	binding.memory = simMemory
	binding.offset = offset
	d.stats.Binds++

	return nil
}

func (d *Device) CreateBuffer(size int, usage hal.BufferUsageFlags) (hal.Buffer, error) {
	if size <= 0 {
		return nil, errors.Newf("attempted to create a buffer of %d bytes", size)
	}

	buffer := &Buffer{
		size:  size,
		usage: usage,
	}
	buffer.device = d
	d.register(&buffer.resourceBase, buffer)
	return buffer, nil
}

// CreateImage creates a single-level, single-layer image whose texels are stored row-major
func (d *Device) CreateImage(extent hal.Extent3D, texelSize int) (*Image, error) {
	if extent.Width <= 0 || extent.Height <= 0 || extent.Depth <= 0 || texelSize <= 0 {
		return nil, errors.Newf("invalid image extent %+v with texel size %d", extent, texelSize)
	}

	image := &Image{
		extent:    extent,
		texelSize: texelSize,
		layout:    hal.ImageLayoutUndefined,
	}
	image.device = d
	d.register(&image.resourceBase, image)
	return image, nil
}

func (d *Device) CreateCommandBuffer() (hal.CommandBuffer, error) {
	return &CommandBuffer{device: d}, nil
}

func (d *Device) CreateFence() (hal.Fence, error) {
	return &Fence{}, nil
}

// Queue returns a queue that executes submitted command buffers synchronously
func (d *Device) Queue() *Queue {
	return &Queue{device: d}
}

func (d *Device) register(base *resourceBase, resource hal.Resource) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.nextID++
	base.id = d.nextID
	d.resources.Put(base.id, resource)
}

func (d *Device) unregister(base *resourceBase) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.resources.Delete(base.id)
}

// Memory is a simulated block of device memory
type Memory struct {
	device     *Device
	id         uint64
	properties hal.MemoryPropertyFlags
	data       []byte
	mapped     bool
	freed      bool
}

var _ hal.DeviceMemory = &Memory{}

func (m *Memory) Size() int { return len(m.data) }

func (m *Memory) Properties() hal.MemoryPropertyFlags { return m.properties }

func (m *Memory) Map() (unsafe.Pointer, error) {
	if m.properties&hal.MemoryPropertyHostVisible == 0 {
		return nil, ErrNotHostVisible
	}
	if m.freed {
		return nil, errors.New("attempted to map freed memory")
	}
	if m.mapped {
		return nil, errors.New("memory is already mapped")
	}

	m.mapped = true
	return unsafe.Pointer(&m.data[0]), nil
}

func (m *Memory) Unmap() error {
	if !m.mapped {
		return errors.New("memory is not mapped")
	}

	m.mapped = false
	return nil
}

// Mapped reports whether the memory is currently mapped
func (m *Memory) Mapped() bool { return m.mapped }

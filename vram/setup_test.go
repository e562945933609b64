package vram

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/gpumem/hal"
	"github.com/vkngwrapper/gpumem/internal/simdevice"
	"golang.org/x/exp/slog"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func readyDevice(t *testing.T, setup func(options *simdevice.Options)) *simdevice.Device {
	options := simdevice.DefaultOptions()
	if setup != nil {
		setup(&options)
	}

	device, err := simdevice.New(options)
	require.NoError(t, err)
	return device
}

func readyManager(t *testing.T, device hal.MemoryDevice, options ManagerOptions) *MemoryManager {
	if options.BufferPoolSize == 0 {
		options.BufferPoolSize = 1024 * 1024
	}
	if options.ImagePoolSize == 0 {
		options.ImagePoolSize = 1024 * 1024
	}

	manager, err := NewMemoryManager(testLogger(), device, options)
	require.NoError(t, err)
	return manager
}

func createBuffer(t *testing.T, device *simdevice.Device, size int) hal.Buffer {
	buffer, err := device.CreateBuffer(size, hal.BufferUsageStorageBuffer)
	require.NoError(t, err)
	return buffer
}

func allocateBuffer(t *testing.T, device *simdevice.Device, manager *MemoryManager, size int, properties hal.MemoryPropertyFlags) (hal.Buffer, *Allocation) {
	buffer := createBuffer(t, device, size)
	alloc, err := manager.Allocate(buffer, properties)
	require.NoError(t, err)
	return buffer, alloc
}

// alignmentDevice reports a fixed alignment for every resource, so tests can exercise pools being
// retagged between alignment classes
type alignmentDevice struct {
	*simdevice.Device
	alignment uint
}

func (d *alignmentDevice) GetResourceRequirements(resource hal.Resource) (hal.MemoryRequirements, error) {
	reqs, err := d.Device.GetResourceRequirements(resource)
	if err != nil {
		return reqs, err
	}

	reqs.Alignment = d.alignment
	return reqs, nil
}

func (d *alignmentDevice) BindResourceMemory(resource hal.Resource, memory hal.DeviceMemory, offset int) error {
	return nil
}

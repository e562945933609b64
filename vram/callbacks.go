package vram

import "github.com/vkngwrapper/gpumem/hal"

type AllocateDeviceMemoryCallback func(
	manager *MemoryManager,
	pool *MemoryPool,
	memory hal.DeviceMemory,
	size int,
	userData interface{},
)

type FreeDeviceMemoryCallback func(
	manager *MemoryManager,
	pool *MemoryPool,
	memory hal.DeviceMemory,
	size int,
	userData interface{},
)

type MemoryCallbackOptions struct {
	Allocate AllocateDeviceMemoryCallback
	Free     FreeDeviceMemoryCallback
	UserData interface{}
}

type memoryCallbacks struct {
	Callbacks *MemoryCallbackOptions
	Manager   *MemoryManager
}

func (c *memoryCallbacks) Allocate(pool *MemoryPool) {
	if c.Callbacks != nil && c.Callbacks.Allocate != nil {
		c.Callbacks.Allocate(c.Manager, pool, pool.memory, pool.Size(), c.Callbacks.UserData)
	}
}

func (c *memoryCallbacks) Free(pool *MemoryPool) {
	if c.Callbacks != nil && c.Callbacks.Free != nil {
		c.Callbacks.Free(c.Manager, pool, pool.memory, pool.Size(), c.Callbacks.UserData)
	}
}

package vram

import "github.com/cockroachdb/errors"

var (
	// ErrOutOfDeviceMemory is returned when the device refused to allocate a new block of memory
	ErrOutOfDeviceMemory = errors.New("out of device memory")
	// ErrTooManyPools is returned when a new pool is needed but the pool count limit has been
	// reached and no empty pools could be purged to make room
	ErrTooManyPools = errors.New("the maximum number of memory pools has been reached")
	// ErrOutOfPoolMemory is returned by MemoryPool.Allocate when no free region is large enough
	ErrOutOfPoolMemory = errors.New("no free region in the memory pool is large enough")
	// ErrIncompatiblePool is returned by MemoryPool.Allocate when the resource's type or alignment
	// does not match the pool
	ErrIncompatiblePool = errors.New("the resource is not compatible with the memory pool")
	// ErrBindFailed is returned when the device could not bind a resource to its allocation
	ErrBindFailed = errors.New("failed to bind resource memory")
)

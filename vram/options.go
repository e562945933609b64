package vram

import (
	"io"

	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/gpumem/hal"
	"golang.org/x/exp/slog"
)

// CreateFlags indicate specific manager behaviors to activate or deactivate
type CreateFlags int32

var createFlagsMapping = common.NewFlagStringMapping[CreateFlags]()

func (f CreateFlags) Register(str string) {
	createFlagsMapping.Register(f, str)
}
func (f CreateFlags) String() string {
	return createFlagsMapping.FlagsToString(f)
}

const (
	// CreateExternallySynchronized ensures that the object being created, and the pools it owns,
	// will not be synchronized internally. The consumer must guarantee it is used from only one
	// goroutine at a time or is synchronized by some other mechanism.
	CreateExternallySynchronized CreateFlags = 1 << iota
)

func init() {
	CreateExternallySynchronized.Register("CreateExternallySynchronized")
}

const (
	// DefaultBufferPoolSize is the smallest pool created for buffers when ManagerOptions does not
	// specify one. It is equal to 64Mb.
	DefaultBufferPoolSize int = 64 * 1024 * 1024
	// DefaultImagePoolSize is the smallest pool created for images when ManagerOptions does not
	// specify one. It is equal to 256Mb.
	DefaultImagePoolSize int = 256 * 1024 * 1024
)

// ManagerOptions contains optional settings when creating a MemoryManager
type ManagerOptions struct {
	// Flags indicates specific manager behaviors to activate or deactivate
	Flags CreateFlags
	// BufferPoolSize is the minimum size of a newly-created buffer pool
	BufferPoolSize int
	// ImagePoolSize is the minimum size of a newly-created image pool
	ImagePoolSize int
	// MaxPoolCount caps the number of live pools across both resource types. 0 uses the device's
	// MaxMemoryAllocationCount limit.
	MaxPoolCount int

	// MemoryCallbackOptions is an optional set of callbacks that will be executed when pools
	// allocate or free device memory
	MemoryCallbackOptions *MemoryCallbackOptions
}

func (o ManagerOptions) poolSize(resourceType hal.ResourceType) int {
	switch resourceType {
	case hal.ResourceTypeImage:
		if o.ImagePoolSize > 0 {
			return o.ImagePoolSize
		}
		return DefaultImagePoolSize
	default:
		if o.BufferPoolSize > 0 {
			return o.BufferPoolSize
		}
		return DefaultBufferPoolSize
	}
}

func loggerOrDiscard(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}

	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

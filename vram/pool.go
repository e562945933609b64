package vram

import (
	"context"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/gpumem/hal"
	"github.com/vkngwrapper/gpumem/internal/utils"
	"github.com/vkngwrapper/gpumem/memutils"
	"github.com/vkngwrapper/gpumem/memutils/metadata"
	"golang.org/x/exp/slog"
)

// PoolDesc describes the block of device memory a MemoryPool should own
type PoolDesc struct {
	ResourceType hal.ResourceType
	Properties   hal.MemoryPropertyFlags
	// Size is the requested size in bytes. It is rounded up to a multiple of Alignment.
	Size int
	// Alignment is the alignment every allocation in the pool is placed at. It must be a power of two.
	Alignment uint
	// ExternallySynchronized disables the mutex guarding host mappings of the pool
	ExternallySynchronized bool
}

// MemoryPool owns a single block of device memory and carves it into regions for resources of one
// type and one alignment. MemoryPool's allocation methods are not synchronized; MemoryManager
// serializes access to the pools it owns.
type MemoryPool struct {
	logger *slog.Logger
	device hal.MemoryDevice
	index  int

	resourceType hal.ResourceType
	properties   hal.MemoryPropertyFlags
	alignment    uint

	memory   hal.DeviceMemory
	metadata *metadata.RegionMetadata

	// Position in whichever of the manager's pool lists currently holds this pool
	listIndex int

	mapMutex      utils.OptionalMutex
	mapReferences int
	mapData       []byte
}

var _ memutils.Validatable = &MemoryPool{}

// NewMemoryPool allocates a block of device memory described by desc and prepares it for
// suballocation. If the device cannot provide the memory, the returned error matches
// ErrOutOfDeviceMemory and no pool is created.
func NewMemoryPool(logger *slog.Logger, device hal.MemoryDevice, desc PoolDesc, index int) (*MemoryPool, error) {
	logger = loggerOrDiscard(logger)

	err := memutils.CheckAlignment(desc.Alignment, "pool alignment")
	if err != nil {
		return nil, err
	}
	if desc.Size <= 0 {
		return nil, errors.Newf("attempted to create a memory pool of invalid size %d", desc.Size)
	}

	size := memutils.AlignUp(desc.Size, desc.Alignment)

	memory, err := device.AllocateDeviceMemory(size, desc.Properties)
	if err != nil {
		logger.LogAttrs(context.Background(), slog.LevelDebug, "MemoryPool::New FAILED",
			slog.Int("pool.index", index),
			slog.Int("size", size),
			slog.String("properties", desc.Properties.String()),
			slog.Any("error", err))
		return nil, errors.Mark(errors.Wrapf(err, "failed to allocate %d bytes of device memory", size), ErrOutOfDeviceMemory)
	}

	pool := &MemoryPool{
		logger:       logger,
		device:       device,
		index:        index,
		resourceType: desc.ResourceType,
		properties:   desc.Properties,
		alignment:    desc.Alignment,
		memory:       memory,
		metadata:     metadata.NewRegionMetadata(size),
		listIndex:    -1,
		mapMutex: utils.OptionalMutex{
			UseMutex: !desc.ExternallySynchronized,
		},
	}

	logger.LogAttrs(context.Background(), slog.LevelDebug, "MemoryPool::New",
		slog.Int("pool.index", index),
		slog.String("pool.type", desc.ResourceType.String()),
		slog.Int("size", size),
		slog.Uint64("alignment", uint64(desc.Alignment)),
		slog.String("properties", desc.Properties.String()))

	return pool, nil
}

func (p *MemoryPool) Index() int                          { return p.index }
func (p *MemoryPool) ResourceType() hal.ResourceType      { return p.resourceType }
func (p *MemoryPool) Properties() hal.MemoryPropertyFlags { return p.properties }
func (p *MemoryPool) Alignment() uint                     { return p.alignment }
func (p *MemoryPool) Memory() hal.DeviceMemory            { return p.memory }

// Size returns the size of the pool's device memory in bytes
func (p *MemoryPool) Size() int { return p.metadata.Size() }

// FreeSize returns the number of bytes not currently allocated. The bytes may be spread across
// several regions.
func (p *MemoryPool) FreeSize() int { return p.metadata.SumFreeSize() }

// IsEmpty returns true if the pool has no live allocations
func (p *MemoryPool) IsEmpty() bool { return p.metadata.IsEmpty() }

func (p *MemoryPool) AllocationCount() int { return p.metadata.AllocationCount() }

// FreeRegionsCount returns the number of discontiguous free regions in the pool
func (p *MemoryPool) FreeRegionsCount() int { return p.metadata.FreeRegionsCount() }

// CanFit returns true if the pool has a free region of at least size bytes
func (p *MemoryPool) CanFit(size int) bool {
	return p.metadata.MayHaveFreeRegion(memutils.AlignUp(size, p.alignment))
}

// UpdateAlignment changes the alignment future allocations are placed at. It may only be called
// while the pool is empty.
func (p *MemoryPool) UpdateAlignment(alignment uint) error {
	if !p.IsEmpty() {
		return errors.Newf("attempted to change the alignment of memory pool %d while it has live allocations", p.index)
	}

	err := memutils.CheckAlignment(alignment, "pool alignment")
	if err != nil {
		return err
	}

	p.alignment = alignment
	return nil
}

// Allocate finds room for the resource in the pool and binds the resource to it. The resource's
// type and alignment must match the pool's, or an error matching ErrIncompatiblePool is returned.
// When no free region is large enough, the returned error matches ErrOutOfPoolMemory. If the device
// fails to bind the resource, the region is returned to the pool and the error matches ErrBindFailed.
func (p *MemoryPool) Allocate(resource hal.Resource, reqs hal.MemoryRequirements) (*Allocation, error) {
	if resource.ResourceType() != p.resourceType {
		return nil, errors.Wrapf(ErrIncompatiblePool, "a %s cannot be placed in %s pool %d", resource.ResourceType(), p.resourceType, p.index)
	}
	if reqs.Alignment != p.alignment {
		return nil, errors.Wrapf(ErrIncompatiblePool, "alignment %d does not match pool %d's alignment %d", reqs.Alignment, p.index, p.alignment)
	}

	size := memutils.AlignUp(reqs.Size, p.alignment)
	success, request, err := p.metadata.CreateAllocationRequest(size)
	if err != nil {
		return nil, err
	}
	if !success {
		return nil, errors.Wrapf(ErrOutOfPoolMemory, "pool %d has no free region of %d bytes", p.index, size)
	}

	alloc := &Allocation{
		pool:     p,
		resource: resource,
		offset:   request.Offset,
		size:     size,
	}

	alloc.handle, err = p.metadata.Alloc(request, alloc)
	if err != nil {
		return nil, err
	}

	err = p.device.BindResourceMemory(resource, p.memory, alloc.offset)
	if err != nil {
		bindErr := errors.Mark(errors.Wrapf(err, "failed to bind %s to pool %d at offset %d", resource.ResourceType(), p.index, alloc.offset), ErrBindFailed)

		freeErr := p.Free(alloc)
		return nil, errors.CombineErrors(bindErr, freeErr)
	}

	memutils.DebugValidate(p)
	return alloc, nil
}

// Free returns an allocation's region to the pool, merging it with any free neighbors
func (p *MemoryPool) Free(alloc *Allocation) error {
	if alloc.pool != p {
		return errors.Newf("attempted to free an allocation that does not belong to pool %d", p.index)
	}
	if alloc.mapCount > 0 {
		p.logger.LogAttrs(context.Background(), slog.LevelWarn, "freeing an allocation that is still mapped",
			slog.Int("pool.index", p.index),
			slog.Int("offset", alloc.offset),
			slog.Int("mapCount", alloc.mapCount))

		for ; alloc.mapCount > 0; alloc.mapCount-- {
			err := p.unmapMemory()
			if err != nil {
				return err
			}
		}
	}

	err := p.metadata.Free(alloc.handle)
	if err != nil {
		return err
	}

	alloc.pool = nil
	alloc.handle = metadata.NoRegion

	memutils.DebugValidate(p)
	return nil
}

// MapReferences returns the number of outstanding Map calls against the pool's memory
func (p *MemoryPool) MapReferences() int {
	p.mapMutex.Lock()
	defer p.mapMutex.Unlock()

	return p.mapReferences
}

func (p *MemoryPool) mapMemory() ([]byte, error) {
	p.mapMutex.Lock()
	defer p.mapMutex.Unlock()

	if p.mapReferences > 0 {
		if p.mapData == nil {
			return nil, errors.New("the pool is showing existing memory mapping references, but no mapped memory")
		}

		p.mapReferences++
		return p.mapData, nil
	}

	if p.properties&hal.MemoryPropertyHostVisible == 0 {
		return nil, errors.Newf("attempted to map pool %d, which is not host visible", p.index)
	}

	ptr, err := p.memory.Map()
	if err != nil {
		return nil, err
	}

	p.mapData = unsafe.Slice((*byte)(ptr), p.Size())
	p.mapReferences = 1
	return p.mapData, nil
}

func (p *MemoryPool) unmapMemory() error {
	p.mapMutex.Lock()
	defer p.mapMutex.Unlock()

	if p.mapReferences == 0 {
		return errors.Newf("pool %d has more references being unmapped than are currently mapped", p.index)
	}

	p.mapReferences--
	if p.mapReferences > 0 {
		return nil
	}

	p.mapData = nil
	return p.memory.Unmap()
}

// Validate checks the pool's region bookkeeping and verifies that every live region belongs to an
// allocation that agrees with it on offset and size
func (p *MemoryPool) Validate() error {
	if p.memory == nil {
		return errors.New("no valid memory for this memory pool")
	}
	err := p.metadata.Validate()
	if err != nil {
		return err
	}

	return p.metadata.VisitAllRegions(func(handle metadata.RegionHandle, offset, size int, userData any, free bool) error {
		if free {
			return nil
		}

		alloc, ok := userData.(*Allocation)
		if !ok || alloc == nil {
			return errors.Newf("region at offset %d has no allocation", offset)
		}
		if alloc.pool != p || alloc.handle != handle {
			return errors.Newf("allocation at offset %d does not refer back to its region", offset)
		}
		if alloc.offset != offset || alloc.size != size {
			return errors.Newf("allocation at offset %d reports offset %d and size %d but its region has size %d", offset, alloc.offset, alloc.size, size)
		}
		if !memutils.IsAligned(offset, p.alignment) {
			return errors.Newf("allocation at offset %d is not aligned to %d", offset, p.alignment)
		}

		return nil
	})
}

func (p *MemoryPool) AddStatistics(stats *memutils.Statistics) {
	p.metadata.AddStatistics(stats)
}

func (p *MemoryPool) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	p.metadata.AddDetailedStatistics(stats)
}

// Destroy frees the pool's device memory. It fails, logging every unreleased allocation, if the pool
// still has live allocations.
func (p *MemoryPool) Destroy() error {
	if p.memory == nil {
		return errors.Newf("memory pool %d has already been destroyed", p.index)
	}

	if !p.IsEmpty() {
		err := p.metadata.VisitAllRegions(func(handle metadata.RegionHandle, offset int, size int, userData any, free bool) error {
			if free {
				return nil
			}

			p.logUnreleasedMemory(offset, size, userData)
			return nil
		})
		if err != nil {
			p.logger.LogAttrs(context.Background(),
				slog.LevelError,
				"[UNRELEASED MEMORY] error while iterating unreleased memory",
				slog.Any("error", err))
		}

		return errors.Newf("some allocations were not freed before the destruction of memory pool %d", p.index)
	}

	if p.mapReferences > 0 {
		p.mapReferences = 0
		p.mapData = nil
		_ = p.memory.Unmap()
	}

	p.device.FreeDeviceMemory(p.memory)
	p.memory = nil
	return nil
}

func (p *MemoryPool) logUnreleasedMemory(offset, size int, userData any) {
	name := "empty"
	if alloc, ok := userData.(*Allocation); ok && alloc.name != "" {
		name = alloc.name
	}

	p.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed allocation",
		slog.Int("pool.index", p.index),
		slog.Int("offset", offset),
		slog.Int("size", size),
		slog.String("name", name),
	)
}

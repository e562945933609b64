package vram

import (
	"context"
	"math"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/gpumem/hal"
	"github.com/vkngwrapper/gpumem/internal/utils"
	"github.com/vkngwrapper/gpumem/memutils"
	"golang.org/x/exp/slog"
)

// ResourceAllocator is the allocation surface consumed by the transfer executor and staging buffers
type ResourceAllocator interface {
	Allocate(resource hal.Resource, properties hal.MemoryPropertyFlags) (*Allocation, error)
	Free(alloc *Allocation) error
}

// MemoryManager routes allocation requests to MemoryPools. Pools are partitioned by resource type,
// and within each type into active pools, which hold at least one allocation, and empty pools,
// which are kept around for reuse until pool count pressure forces them to be destroyed.
type MemoryManager struct {
	logger    *slog.Logger
	device    hal.MemoryDevice
	mutex     utils.OptionalRWMutex
	callbacks memoryCallbacks

	poolSize               [hal.ResourceTypeCount]int
	maxPoolCount           int
	externallySynchronized bool

	active        [hal.ResourceTypeCount][]*MemoryPool
	empty         [hal.ResourceTypeCount][]*MemoryPool
	nextPoolIndex int
}

var _ ResourceAllocator = &MemoryManager{}

func NewMemoryManager(logger *slog.Logger, device hal.MemoryDevice, options ManagerOptions) (*MemoryManager, error) {
	if options.BufferPoolSize < 0 || options.ImagePoolSize < 0 || options.MaxPoolCount < 0 {
		return nil, errors.Newf("invalid manager options: %+v", options)
	}

	externallySynchronized := options.Flags&CreateExternallySynchronized != 0
	manager := &MemoryManager{
		logger: loggerOrDiscard(logger),
		device: device,
		mutex: utils.OptionalRWMutex{
			UseMutex: !externallySynchronized,
		},
		externallySynchronized: externallySynchronized,
	}
	manager.callbacks = memoryCallbacks{
		Callbacks: options.MemoryCallbackOptions,
		Manager:   manager,
	}

	for resourceType := hal.ResourceType(0); resourceType < hal.ResourceTypeCount; resourceType++ {
		manager.poolSize[resourceType] = options.poolSize(resourceType)
	}

	manager.maxPoolCount = options.MaxPoolCount
	if manager.maxPoolCount == 0 {
		manager.maxPoolCount = device.Limits().MaxMemoryAllocationCount
	}
	if manager.maxPoolCount <= 0 {
		manager.maxPoolCount = math.MaxInt
	}

	return manager, nil
}

// Allocate finds memory with the requested properties for a resource and binds the resource to it.
// Existing pools are tried first: the first active pool of the right type, properties and alignment
// with a large enough free region wins, even if a later pool would be a tighter fit. Failing that,
// an empty pool large enough for the request is retagged to the resource's alignment and put back
// into service. Only then is a new pool created, purging empty pools if the pool count limit has
// been reached.
//
// Failures are reported through errors matching ErrOutOfDeviceMemory, ErrTooManyPools, or
// ErrBindFailed. Nothing is registered with the manager when Allocate fails.
func (m *MemoryManager) Allocate(resource hal.Resource, properties hal.MemoryPropertyFlags) (*Allocation, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	resourceType := resource.ResourceType()
	if resourceType < 0 || resourceType >= hal.ResourceTypeCount {
		return nil, errors.Newf("unknown resource type %d", resourceType)
	}

	reqs, err := m.device.GetResourceRequirements(resource)
	if err != nil {
		return nil, err
	}
	err = memutils.CheckAlignment(reqs.Alignment, "resource alignment")
	if err != nil {
		return nil, err
	}
	if reqs.Size <= 0 {
		return nil, errors.Newf("resource requires invalid size %d", reqs.Size)
	}

	rounded := memutils.AlignUp(reqs.Size, reqs.Alignment)

	m.logger.LogAttrs(context.Background(), slog.LevelDebug, "MemoryManager::Allocate",
		slog.String("resource.type", resourceType.String()),
		slog.Int("size", rounded),
		slog.Uint64("alignment", uint64(reqs.Alignment)),
		slog.String("properties", properties.String()))

	for _, pool := range m.active[resourceType] {
		if pool.properties != properties || pool.alignment != reqs.Alignment || !pool.CanFit(reqs.Size) {
			continue
		}

		alloc, err := pool.Allocate(resource, reqs)
		if errors.Is(err, ErrOutOfPoolMemory) {
			continue
		}
		return alloc, err
	}

	for _, pool := range m.empty[resourceType] {
		if pool.properties != properties || pool.Size() < rounded {
			continue
		}

		err = pool.UpdateAlignment(reqs.Alignment)
		if err != nil {
			return nil, err
		}

		alloc, err := pool.Allocate(resource, reqs)
		if err != nil {
			return nil, err
		}

		m.logger.LogAttrs(context.Background(), slog.LevelDebug, "  Reused empty pool",
			slog.Int("pool.index", pool.index))

		m.removeFromList(&m.empty[resourceType], pool)
		m.addToList(&m.active[resourceType], pool)
		return alloc, nil
	}

	for m.poolCount() >= m.maxPoolCount {
		if !m.purgeOneEmptyPool() {
			return nil, errors.Wrapf(ErrTooManyPools, "%d pools are live and none are empty", m.poolCount())
		}
	}

	pool, err := NewMemoryPool(m.logger, m.device, PoolDesc{
		ResourceType:           resourceType,
		Properties:             properties,
		Size:                   max(rounded, m.poolSize[resourceType]),
		Alignment:              reqs.Alignment,
		ExternallySynchronized: m.externallySynchronized,
	}, m.nextPoolIndex)
	if err != nil {
		return nil, err
	}
	m.nextPoolIndex++
	m.callbacks.Allocate(pool)

	alloc, err := pool.Allocate(resource, reqs)
	if err != nil {
		m.destroyPool(pool)
		return nil, err
	}

	m.addToList(&m.active[resourceType], pool)
	return alloc, nil
}

// Free returns an allocation to its pool. If that leaves the pool without allocations, the pool is
// moved to the empty list, where it may be reused or purged.
func (m *MemoryManager) Free(alloc *Allocation) error {
	if alloc == nil {
		return errors.New("attempted to free a nil allocation")
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	pool := alloc.pool
	if pool == nil {
		return errors.New("attempted to free an allocation that has already been freed")
	}

	err := pool.Free(alloc)
	if err != nil {
		return err
	}

	if pool.IsEmpty() {
		m.removeFromList(&m.active[pool.resourceType], pool)
		m.addToList(&m.empty[pool.resourceType], pool)
	}

	return nil
}

// PurgeEmptyPools destroys every empty pool of every resource type and returns how many were destroyed
func (m *MemoryManager) PurgeEmptyPools() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	purged := 0
	for m.purgeOneEmptyPool() {
		purged++
	}
	return purged
}

// PoolCount returns the number of live pools across all resource types
func (m *MemoryManager) PoolCount() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	return m.poolCount()
}

// ActivePools returns a snapshot of the pools of the given type that hold allocations
func (m *MemoryManager) ActivePools(resourceType hal.ResourceType) []*MemoryPool {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	return append([]*MemoryPool(nil), m.active[resourceType]...)
}

// EmptyPools returns a snapshot of the pools of the given type that hold no allocations
func (m *MemoryManager) EmptyPools(resourceType hal.ResourceType) []*MemoryPool {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	return append([]*MemoryPool(nil), m.empty[resourceType]...)
}

func (m *MemoryManager) Statistics() memutils.Statistics {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	var stats memutils.Statistics
	m.visitPools(func(pool *MemoryPool, _ bool) {
		pool.AddStatistics(&stats)
	})
	return stats
}

func (m *MemoryManager) DetailedStatistics() memutils.DetailedStatistics {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	var stats memutils.DetailedStatistics
	stats.Clear()
	m.visitPools(func(pool *MemoryPool, _ bool) {
		pool.AddDetailedStatistics(&stats)
	})
	return stats
}

// Validate checks the consistency of every pool and of the manager's pool lists
func (m *MemoryManager) Validate() error {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	for resourceType := range m.active {
		for i, pool := range m.active[resourceType] {
			if pool.listIndex != i || pool.IsEmpty() || pool.resourceType != hal.ResourceType(resourceType) {
				return errors.Newf("active pool %d is misfiled", pool.index)
			}
			err := pool.Validate()
			if err != nil {
				return errors.Wrapf(err, "pool %d", pool.index)
			}
		}

		for i, pool := range m.empty[resourceType] {
			if pool.listIndex != i || !pool.IsEmpty() || pool.resourceType != hal.ResourceType(resourceType) {
				return errors.Newf("empty pool %d is misfiled", pool.index)
			}
			err := pool.Validate()
			if err != nil {
				return errors.Wrapf(err, "pool %d", pool.index)
			}
		}
	}

	return nil
}

// Destroy frees every pool. Pools that still hold allocations are reported and left alive, and
// an error is returned.
func (m *MemoryManager) Destroy() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	var result error
	for resourceType := range m.active {
		var leaked []*MemoryPool
		for _, pool := range m.active[resourceType] {
			if pool.IsEmpty() {
				m.destroyPool(pool)
				continue
			}

			result = errors.CombineErrors(result, pool.Destroy())
			leaked = append(leaked, pool)
		}
		m.active[resourceType] = leaked
		for i, pool := range leaked {
			pool.listIndex = i
		}

		for _, pool := range m.empty[resourceType] {
			m.destroyPool(pool)
		}
		m.empty[resourceType] = nil
	}

	return result
}

func (m *MemoryManager) poolCount() int {
	count := 0
	for resourceType := range m.active {
		count += len(m.active[resourceType]) + len(m.empty[resourceType])
	}
	return count
}

// purgeOneEmptyPool destroys the most recently emptied pool of any resource type. Empty pools of
// every type are candidates, whatever type of pool is about to be created.
func (m *MemoryManager) purgeOneEmptyPool() bool {
	for resourceType := range m.empty {
		list := &m.empty[resourceType]
		if len(*list) == 0 {
			continue
		}

		pool := (*list)[len(*list)-1]
		m.removeFromList(list, pool)

		m.logger.LogAttrs(context.Background(), slog.LevelDebug, "  Purged empty pool",
			slog.Int("pool.index", pool.index),
			slog.String("pool.type", pool.resourceType.String()),
			slog.Int("size", pool.Size()))

		m.destroyPool(pool)
		return true
	}

	return false
}

func (m *MemoryManager) destroyPool(pool *MemoryPool) {
	m.callbacks.Free(pool)

	err := pool.Destroy()
	if err != nil {
		m.logger.Error("error attempting to destroy pool", slog.Int("pool.index", pool.index), slog.Any("error", err))
	}
}

func (m *MemoryManager) addToList(list *[]*MemoryPool, pool *MemoryPool) {
	pool.listIndex = len(*list)
	*list = append(*list, pool)
}

func (m *MemoryManager) removeFromList(list *[]*MemoryPool, pool *MemoryPool) {
	index := pool.listIndex
	last := len(*list) - 1
	memutils.DebugAssert(index >= 0 && index <= last && (*list)[index] == pool, "pool list index is out of date")

	if index != last {
		moved := (*list)[last]
		(*list)[index] = moved
		moved.listIndex = index
	}

	(*list)[last] = nil
	*list = (*list)[:last]
	pool.listIndex = -1
}

func (m *MemoryManager) visitPools(visit func(pool *MemoryPool, empty bool)) {
	for resourceType := range m.active {
		for _, pool := range m.active[resourceType] {
			visit(pool, false)
		}
		for _, pool := range m.empty[resourceType] {
			visit(pool, true)
		}
	}
}

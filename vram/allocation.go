package vram

import (
	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/gpumem/hal"
	"github.com/vkngwrapper/gpumem/memutils/metadata"
)

// Allocation is a region of a MemoryPool that has been bound to a resource. It remains valid until
// it is passed to MemoryManager.Free, usually by way of a DeferredReclaimQueue.
type Allocation struct {
	pool     *MemoryPool
	handle   metadata.RegionHandle
	resource hal.Resource

	offset int
	size   int
	name   string

	mapCount int
}

// Offset is the offset in bytes of this allocation within its pool's device memory
func (a *Allocation) Offset() int { return a.offset }

// Size is the size in bytes of this allocation, rounded up to the pool's alignment
func (a *Allocation) Size() int { return a.size }

// Pool returns the pool this allocation lives in, or nil if it has been freed
func (a *Allocation) Pool() *MemoryPool { return a.pool }

// Resource returns the resource this allocation was bound to
func (a *Allocation) Resource() hal.Resource { return a.resource }

// Memory returns the device memory this allocation lives in
func (a *Allocation) Memory() hal.DeviceMemory {
	if a.pool == nil {
		return nil
	}
	return a.pool.memory
}

func (a *Allocation) Name() string { return a.name }

// SetName attaches a diagnostic name to the allocation. It appears in the detailed map and in
// unreleased memory reports.
func (a *Allocation) SetName(name string) { a.name = name }

// Map returns the bytes of this allocation in host memory. The pool must be host visible. Every
// successful call to Map must be balanced by a call to Unmap.
func (a *Allocation) Map() ([]byte, error) {
	if a.pool == nil {
		return nil, errors.New("attempted to map an allocation that has been freed")
	}

	data, err := a.pool.mapMemory()
	if err != nil {
		return nil, err
	}

	a.mapCount++
	return data[a.offset : a.offset+a.size : a.offset+a.size], nil
}

func (a *Allocation) Unmap() error {
	if a.pool == nil {
		return errors.New("attempted to unmap an allocation that has been freed")
	}
	if a.mapCount == 0 {
		return errors.New("attempted to unmap an allocation that is not mapped")
	}

	a.mapCount--
	return a.pool.unmapMemory()
}

func (a *Allocation) printParameters(json *jwriter.ObjectState) {
	json.Name("ResourceType").String(a.resource.ResourceType().String())
	if a.name != "" {
		json.Name("Name").String(a.name)
	}
	if a.mapCount > 0 {
		json.Name("MapCount").Int(a.mapCount)
	}
}

package metadata

import "github.com/cockroachdb/errors"

// AllocationRequest is returned from RegionMetadata.CreateAllocationRequest and indicates which free
// region the metadata intends to carve the allocation out of. It can be handed to Alloc to commit
// the allocation, as long as no other mutation of the metadata happens in between.
type AllocationRequest struct {
	// Region is the free region that will hold the allocation
	Region RegionHandle
	// Offset is the offset in bytes at which the allocation will start
	Offset int
	// Size is the size in bytes of the allocation
	Size int
	// RegionSize is the size of the free region at the time the request was created. When it is
	// larger than Size, Alloc will split off the tail as a new free region.
	RegionSize int
}

// CreateAllocationRequest looks for a free region of at least size bytes. The unused region index is
// scanned in order and the first region that is large enough is chosen. Because the index is kept
// sorted by descending size, this is an adequate candidate but not necessarily the tightest fit.
//
// The returned boolean is false, with no error, when no free region is large enough.
func (m *RegionMetadata) CreateAllocationRequest(size int) (bool, AllocationRequest, error) {
	if size <= 0 {
		return false, AllocationRequest{}, errors.Newf("attempted to request an allocation of invalid size %d", size)
	}

	for _, index := range m.unused {
		candidate := &m.regions[index]
		if candidate.size < size {
			continue
		}

		return true, AllocationRequest{
			Region:     candidate.handle(index),
			Offset:     candidate.offset,
			Size:       size,
			RegionSize: candidate.size,
		}, nil
	}

	return false, AllocationRequest{}, nil
}

// Alloc commits an AllocationRequest. The chosen region is marked used and, if it is larger than the
// request, the remainder becomes a new free region directly after it. The handle of the new
// allocation is returned; it stays valid until the allocation is passed to Free.
func (m *RegionMetadata) Alloc(request AllocationRequest, userData any) (RegionHandle, error) {
	index, err := m.lookup(request.Region)
	if err != nil {
		return NoRegion, err
	}

	chosen := &m.regions[index]
	if chosen.used {
		return NoRegion, errors.Newf("the region at offset %d was already allocated", chosen.offset)
	}
	if chosen.offset != request.Offset || chosen.size != request.RegionSize {
		return NoRegion, errors.Newf("the region at offset %d has changed since the allocation request was created", chosen.offset)
	}
	if request.Size <= 0 || request.Size > chosen.size {
		return NoRegion, errors.Newf("an allocation of size %d does not fit in the region of size %d at offset %d", request.Size, chosen.size, chosen.offset)
	}

	m.removeUnused(index)

	if chosen.size > request.Size {
		tailOffset := chosen.offset + request.Size
		tailSize := chosen.size - request.Size

		// newRegion can grow the arena, so chosen must not be used past this point
		tail := m.newRegion(tailOffset, tailSize)
		m.linkAfter(index, tail)
		m.regions[index].size = request.Size
		m.addUnused(tail)
	}

	allocated := &m.regions[index]
	allocated.used = true
	allocated.userData = userData

	m.allocationCount++
	m.sumFreeSize -= allocated.size
	m.sortUnused()

	return allocated.handle(index), nil
}

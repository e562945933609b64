package metadata

import (
	"cmp"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/gpumem/memutils"
	"golang.org/x/exp/slices"
)

// RegionMetadata tracks how a single block of memory is carved into regions. Every byte of the block
// belongs to exactly one region, and each region is either used (handed out to a caller) or free.
// Two free regions are never adjacent: freeing a region merges it with free neighbors.
//
// Region records live in an arena and refer to their neighbors by index. Records that are absorbed
// by a merge are retired and reused by later splits, so the arena stops growing once the block
// reaches a steady state. Free regions are additionally listed in an unused region index that is
// kept sorted by descending size.
//
// RegionMetadata is not safe for concurrent use.
type RegionMetadata struct {
	size int

	regions []region
	retired []int
	first   int

	unused []int

	allocationCount int
	sumFreeSize     int
}

var _ memutils.Validatable = &RegionMetadata{}

// NewRegionMetadata creates a RegionMetadata managing a block of size bytes that consists of a
// single free region.
func NewRegionMetadata(size int) *RegionMetadata {
	m := &RegionMetadata{}
	m.Init(size)
	return m
}

// Init resets the metadata to a single free region spanning size bytes. Any outstanding handles
// are invalidated.
func (m *RegionMetadata) Init(size int) {
	m.size = size
	m.regions = m.regions[:0]
	m.retired = m.retired[:0]
	m.unused = m.unused[:0]
	m.allocationCount = 0
	m.sumFreeSize = size

	m.first = m.newRegion(0, size)
	m.addUnused(m.first)
}

// Clear instantly frees all allocations
func (m *RegionMetadata) Clear() {
	m.Init(m.size)
}

// Size returns the size of the block in bytes
func (m *RegionMetadata) Size() int { return m.size }

// AllocationCount returns the number of live allocations
func (m *RegionMetadata) AllocationCount() int { return m.allocationCount }

// FreeRegionsCount returns the number of free regions. Because free regions are always merged
// with their free neighbors, this is also the number of discontiguous free ranges.
func (m *RegionMetadata) FreeRegionsCount() int { return len(m.unused) }

// SumFreeSize returns the number of free bytes in the block
func (m *RegionMetadata) SumFreeSize() int { return m.sumFreeSize }

// IsEmpty returns true if the block has no live allocations
func (m *RegionMetadata) IsEmpty() bool { return m.allocationCount == 0 }

// LargestFreeRegion returns the size in bytes of the largest free region, or 0 if the block is full
func (m *RegionMetadata) LargestFreeRegion() int {
	if len(m.unused) == 0 {
		return 0
	}
	return m.regions[m.unused[0]].size
}

// MayHaveFreeRegion returns true if a free region of at least size bytes exists. It only inspects the
// head of the unused region index and so is cheap enough to call before CreateAllocationRequest.
func (m *RegionMetadata) MayHaveFreeRegion(size int) bool {
	return m.LargestFreeRegion() >= size
}

// AllocationOffset returns the offset in bytes of a live allocation within the block
func (m *RegionMetadata) AllocationOffset(handle RegionHandle) (int, error) {
	index, err := m.lookupUsed(handle)
	if err != nil {
		return 0, err
	}
	return m.regions[index].offset, nil
}

// AllocationSize returns the size in bytes of a live allocation
func (m *RegionMetadata) AllocationSize(handle RegionHandle) (int, error) {
	index, err := m.lookupUsed(handle)
	if err != nil {
		return 0, err
	}
	return m.regions[index].size, nil
}

// AllocationUserData returns the userData value that was passed to Alloc for a live allocation
func (m *RegionMetadata) AllocationUserData(handle RegionHandle) (any, error) {
	index, err := m.lookupUsed(handle)
	if err != nil {
		return nil, err
	}
	return m.regions[index].userData, nil
}

// SetAllocationUserData replaces the userData value of a live allocation
func (m *RegionMetadata) SetAllocationUserData(handle RegionHandle, userData any) error {
	index, err := m.lookupUsed(handle)
	if err != nil {
		return err
	}
	m.regions[index].userData = userData
	return nil
}

// Free returns a live allocation to the block. The freed region is merged with its previous neighbor
// and then its next neighbor if either is free. The handle, and the handles of any free regions
// absorbed by the merge, become invalid.
func (m *RegionMetadata) Free(handle RegionHandle) error {
	index, err := m.lookupUsed(handle)
	if err != nil {
		return err
	}

	freed := &m.regions[index]
	freed.used = false
	freed.userData = nil
	freed.generation++

	m.allocationCount--
	m.sumFreeSize += freed.size

	if prev := freed.prev; prev != noRegion && !m.regions[prev].used {
		m.removeUnused(prev)

		absorbed := &m.regions[prev]
		freed.offset = absorbed.offset
		freed.size += absorbed.size
		freed.prev = absorbed.prev
		if freed.prev != noRegion {
			m.regions[freed.prev].next = index
		} else {
			m.first = index
		}

		m.retire(prev)
	}

	if next := freed.next; next != noRegion && !m.regions[next].used {
		m.removeUnused(next)

		absorbed := &m.regions[next]
		freed.size += absorbed.size
		freed.next = absorbed.next
		if freed.next != noRegion {
			m.regions[freed.next].prev = index
		}

		m.retire(next)
	}

	m.addUnused(index)
	m.sortUnused()

	return nil
}

// VisitAllRegions calls the provided callback once for every region in the block, used or free, in
// address order. Iteration stops at the first error returned by the callback.
func (m *RegionMetadata) VisitAllRegions(handleRegion func(handle RegionHandle, offset int, size int, userData any, free bool) error) error {
	for index := m.first; index != noRegion; index = m.regions[index].next {
		r := &m.regions[index]
		err := handleRegion(r.handle(index), r.offset, r.size, r.userData, !r.used)
		if err != nil {
			return err
		}
	}

	return nil
}

// Validate walks every internal structure and returns an error describing the first inconsistency
// found. It is expensive and intended for tests and debug builds.
func (m *RegionMetadata) Validate() error {
	if m.first == noRegion {
		return errors.New("the region list is empty")
	}
	if m.regions[m.first].prev != noRegion {
		return errors.New("the first region has a previous neighbor")
	}

	expectedOffset := 0
	liveCount := 0
	freeCount := 0
	allocCount := 0
	freeBytes := 0
	prevIndex := noRegion
	prevFree := false

	for index := m.first; index != noRegion; index = m.regions[index].next {
		r := &m.regions[index]
		if !r.exists {
			return errors.Newf("retired region record %d is still linked", index)
		}
		if r.prev != prevIndex {
			return errors.Newf("region at offset %d has a broken previous link", r.offset)
		}
		if r.offset != expectedOffset {
			return errors.Newf("region at offset %d should be at offset %d", r.offset, expectedOffset)
		}
		if r.size <= 0 {
			return errors.Newf("region at offset %d has invalid size %d", r.offset, r.size)
		}

		liveCount++
		if r.used {
			allocCount++
			if r.unusedSlot != -1 {
				return errors.Newf("used region at offset %d is listed in the unused region index", r.offset)
			}
			prevFree = false
		} else {
			if prevFree {
				return errors.Newf("free region at offset %d was not merged with its free predecessor", r.offset)
			}
			freeCount++
			freeBytes += r.size
			if r.unusedSlot < 0 || r.unusedSlot >= len(m.unused) || m.unused[r.unusedSlot] != index {
				return errors.Newf("free region at offset %d is not correctly listed in the unused region index", r.offset)
			}
			prevFree = true
		}

		expectedOffset += r.size
		prevIndex = index

		if liveCount > len(m.regions) {
			return errors.New("the region list contains a cycle")
		}
	}

	if expectedOffset != m.size {
		return errors.Newf("regions cover %d bytes but the block is %d bytes", expectedOffset, m.size)
	}
	if allocCount != m.allocationCount {
		return errors.Newf("found %d used regions but the allocation count is %d", allocCount, m.allocationCount)
	}
	if freeBytes != m.sumFreeSize {
		return errors.Newf("found %d free bytes but the free size is %d", freeBytes, m.sumFreeSize)
	}
	if freeCount != len(m.unused) {
		return errors.Newf("found %d free regions but the unused region index has %d entries", freeCount, len(m.unused))
	}
	if liveCount+len(m.retired) != len(m.regions) {
		return errors.Newf("%d linked regions and %d retired records do not account for %d records", liveCount, len(m.retired), len(m.regions))
	}

	for _, index := range m.retired {
		if m.regions[index].exists {
			return errors.Newf("region record %d is both retired and live", index)
		}
	}

	for i := 1; i < len(m.unused); i++ {
		if m.regions[m.unused[i-1]].size < m.regions[m.unused[i]].size {
			return errors.New("the unused region index is not sorted by descending size")
		}
	}

	return nil
}

// AddStatistics sums this block's statistics into stats
func (m *RegionMetadata) AddStatistics(stats *memutils.Statistics) {
	stats.PoolCount++
	stats.AllocationCount += m.allocationCount
	stats.PoolBytes += m.size
	stats.AllocationBytes += m.size - m.sumFreeSize
}

// AddDetailedStatistics sums this block's statistics, including region size ranges, into stats
func (m *RegionMetadata) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.PoolCount++
	stats.PoolBytes += m.size

	for index := m.first; index != noRegion; index = m.regions[index].next {
		r := &m.regions[index]
		if r.used {
			stats.AddAllocation(r.size)
		} else {
			stats.AddUnusedRange(r.size)
		}
	}
}

// BlockJsonData populates a json object with summary information about this block
func (m *RegionMetadata) BlockJsonData(json jwriter.ObjectState) {
	json.Name("TotalBytes").Int(m.size)
	json.Name("UnusedBytes").Int(m.sumFreeSize)
	json.Name("Allocations").Int(m.allocationCount)
	json.Name("UnusedRanges").Int(len(m.unused))
}

// RegionsJsonData writes one json object per region, in address order, to the provided array
func (m *RegionMetadata) RegionsJsonData(json *jwriter.ArrayState, describeUserData func(json jwriter.ObjectState, userData any)) {
	for index := m.first; index != noRegion; index = m.regions[index].next {
		r := &m.regions[index]

		obj := json.Object()
		obj.Name("Offset").Int(r.offset)
		obj.Name("Size").Int(r.size)
		if r.used {
			obj.Name("Type").String("ALLOCATION")
			if describeUserData != nil {
				describeUserData(obj, r.userData)
			}
		} else {
			obj.Name("Type").String("FREE")
		}
		obj.End()
	}
}

func (m *RegionMetadata) lookup(handle RegionHandle) (int, error) {
	index := handle.index()
	if handle == NoRegion || index >= len(m.regions) {
		return noRegion, errors.Newf("region handle %x does not belong to this block", uint64(handle))
	}

	r := &m.regions[index]
	if !r.exists || r.generation != handle.generation() {
		return noRegion, errors.Newf("region handle %x is stale", uint64(handle))
	}

	return index, nil
}

func (m *RegionMetadata) lookupUsed(handle RegionHandle) (int, error) {
	index, err := m.lookup(handle)
	if err != nil {
		return noRegion, err
	}

	if !m.regions[index].used {
		return noRegion, errors.Newf("region handle %x refers to a free region", uint64(handle))
	}

	return index, nil
}

func (m *RegionMetadata) newRegion(offset, size int) int {
	var index int
	if len(m.retired) > 0 {
		index = m.retired[len(m.retired)-1]
		m.retired = m.retired[:len(m.retired)-1]
	} else {
		index = len(m.regions)
		m.regions = append(m.regions, region{})
	}

	r := &m.regions[index]
	r.offset = offset
	r.size = size
	r.used = false
	r.exists = true
	r.prev = noRegion
	r.next = noRegion
	r.unusedSlot = -1
	r.userData = nil

	return index
}

// retire tombstones a record that has been unlinked from the region list. The generation is bumped
// so outstanding handles to the record go stale.
func (m *RegionMetadata) retire(index int) {
	r := &m.regions[index]
	r.exists = false
	r.used = false
	r.prev = noRegion
	r.next = noRegion
	r.unusedSlot = -1
	r.userData = nil
	r.generation++

	m.retired = append(m.retired, index)
}

func (m *RegionMetadata) linkAfter(prev, index int) {
	next := m.regions[prev].next

	m.regions[index].prev = prev
	m.regions[index].next = next
	m.regions[prev].next = index
	if next != noRegion {
		m.regions[next].prev = index
	}
}

func (m *RegionMetadata) addUnused(index int) {
	m.regions[index].unusedSlot = len(m.unused)
	m.unused = append(m.unused, index)
}

// removeUnused swaps the last entry of the index into the removed entry's slot. The index is out of
// order until the next sortUnused.
func (m *RegionMetadata) removeUnused(index int) {
	slot := m.regions[index].unusedSlot
	last := len(m.unused) - 1

	if slot != last {
		moved := m.unused[last]
		m.unused[slot] = moved
		m.regions[moved].unusedSlot = slot
	}

	m.unused = m.unused[:last]
	m.regions[index].unusedSlot = -1
}

func (m *RegionMetadata) sortUnused() {
	slices.SortFunc(m.unused, func(left, right int) int {
		l, r := &m.regions[left], &m.regions[right]
		if l.size != r.size {
			return cmp.Compare(r.size, l.size)
		}
		return cmp.Compare(l.offset, r.offset)
	})

	for slot, index := range m.unused {
		m.regions[index].unusedSlot = slot
	}
}

package metadata

import "math"

// RegionHandle identifies a single region within a RegionMetadata. Handles carry the generation of
// the arena slot they were issued for, so a handle that outlives its region (because it was freed,
// or because the region was merged into a neighbor) is rejected rather than aliasing whatever
// region reuses the slot.
type RegionHandle uint64

const (
	// NoRegion is a RegionHandle value that never refers to a live region
	NoRegion RegionHandle = math.MaxUint64
)

func makeRegionHandle(index int, generation uint32) RegionHandle {
	return RegionHandle(uint64(generation)<<32 | uint64(uint32(index)))
}

func (h RegionHandle) index() int {
	return int(uint32(h))
}

func (h RegionHandle) generation() uint32 {
	return uint32(h >> 32)
}

const noRegion = -1

// region is one record in the arena. prev and next are arena indices forming the address-ordered
// list; unusedSlot is this record's position in the unused index, or -1 while the region is used
// or retired.
type region struct {
	offset int
	size   int
	used   bool
	exists bool

	prev int
	next int

	unusedSlot int
	generation uint32
	userData   any
}

func (r *region) handle(index int) RegionHandle {
	return makeRegionHandle(index, r.generation)
}

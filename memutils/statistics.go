package memutils

import (
	"fmt"
	"math"
)

// Statistics summarizes the memory held by one or more pools.
type Statistics struct {
	// PoolCount is the number of device memory pools that contributed to these statistics
	PoolCount int
	// AllocationCount is the number of live suballocations in those pools
	AllocationCount int
	// PoolBytes is the total size in bytes of the device memory held by those pools
	PoolBytes int
	// AllocationBytes is the number of bytes handed out to live suballocations
	AllocationBytes int
}

func (s *Statistics) Clear() {
	*s = Statistics{}
}

func (s *Statistics) AddStatistics(other *Statistics) {
	s.PoolCount += other.PoolCount
	s.AllocationCount += other.AllocationCount
	s.PoolBytes += other.PoolBytes
	s.AllocationBytes += other.AllocationBytes
}

// UnusedBytes is the number of bytes held by pools that are not currently handed out
func (s *Statistics) UnusedBytes() int {
	return s.PoolBytes - s.AllocationBytes
}

func (s Statistics) String() string {
	return fmt.Sprintf("Statistics[%d pools, %d allocations, %d/%d bytes used]",
		s.PoolCount, s.AllocationCount, s.AllocationBytes, s.PoolBytes)
}

// DetailedStatistics extends Statistics with size ranges for live allocations and free regions.
// Call Clear before accumulating into a fresh value: the zero value's minimums are not primed.
type DetailedStatistics struct {
	Statistics
	UnusedRangeCount   int
	AllocationSizeMin  int
	AllocationSizeMax  int
	UnusedRangeSizeMin int
	UnusedRangeSizeMax int
}

func (s *DetailedStatistics) Clear() {
	s.Statistics.Clear()
	s.UnusedRangeCount = 0
	s.AllocationSizeMin = math.MaxInt
	s.AllocationSizeMax = 0
	s.UnusedRangeSizeMin = math.MaxInt
	s.UnusedRangeSizeMax = 0
}

func (s *DetailedStatistics) AddUnusedRange(size int) {
	s.UnusedRangeCount++
	s.UnusedRangeSizeMin = min(s.UnusedRangeSizeMin, size)
	s.UnusedRangeSizeMax = max(s.UnusedRangeSizeMax, size)
}

func (s *DetailedStatistics) AddAllocation(size int) {
	s.AllocationCount++
	s.AllocationBytes += size
	s.AllocationSizeMin = min(s.AllocationSizeMin, size)
	s.AllocationSizeMax = max(s.AllocationSizeMax, size)
}

func (s *DetailedStatistics) AddDetailedStatistics(other *DetailedStatistics) {
	s.Statistics.AddStatistics(&other.Statistics)
	s.UnusedRangeCount += other.UnusedRangeCount
	s.UnusedRangeSizeMin = min(s.UnusedRangeSizeMin, other.UnusedRangeSizeMin)
	s.UnusedRangeSizeMax = max(s.UnusedRangeSizeMax, other.UnusedRangeSizeMax)
	s.AllocationSizeMin = min(s.AllocationSizeMin, other.AllocationSizeMin)
	s.AllocationSizeMax = max(s.AllocationSizeMax, other.AllocationSizeMax)
}

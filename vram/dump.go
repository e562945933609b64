package vram

import (
	"context"
	"strconv"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/gpumem/memutils"
	"golang.org/x/exp/slog"
)

// Dump writes one info-level record per pool to the manager's logger
func (m *MemoryManager) Dump() {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	m.logger.LogAttrs(context.Background(), slog.LevelInfo, "memory manager pools",
		slog.Int("count", m.poolCount()),
		slog.Int("maxCount", m.maxPoolCount))

	m.visitPools(func(pool *MemoryPool, empty bool) {
		m.logger.LogAttrs(context.Background(), slog.LevelInfo, "memory pool",
			slog.Int("pool.index", pool.index),
			slog.String("pool.type", pool.resourceType.String()),
			slog.String("properties", pool.properties.String()),
			slog.Int("used", pool.Size()-pool.FreeSize()),
			slog.Int("total", pool.Size()),
			slog.Uint64("alignment", uint64(pool.alignment)),
			slog.Bool("empty", empty))
	})
}

// PrintDetailedMap writes a json object describing every pool and every region within it
func (m *MemoryManager) PrintDetailedMap(writer *jwriter.Writer) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	objState := writer.Object()
	defer objState.End()

	var total memutils.DetailedStatistics
	total.Clear()
	m.visitPools(func(pool *MemoryPool, _ bool) {
		pool.AddDetailedStatistics(&total)
	})

	totalObj := objState.Name("Total").Object()
	printStatistics(&totalObj, &total)
	totalObj.End()

	poolsObj := objState.Name("Pools").Object()
	m.visitPools(func(pool *MemoryPool, empty bool) {
		poolObj := poolsObj.Name(strconv.Itoa(pool.index)).Object()
		defer poolObj.End()

		poolObj.Name("ResourceType").String(pool.resourceType.String())
		poolObj.Name("Properties").String(pool.properties.String())
		poolObj.Name("Alignment").Int(int(pool.alignment))
		poolObj.Name("Empty").Bool(empty)
		poolObj.Name("MapReferences").Int(pool.MapReferences())
		pool.metadata.BlockJsonData(poolObj)

		regions := poolObj.Name("Regions").Array()
		pool.metadata.RegionsJsonData(&regions, func(json jwriter.ObjectState, userData any) {
			alloc, isAllocation := userData.(*Allocation)
			if isAllocation && alloc != nil {
				alloc.printParameters(&json)
			}
		})
		regions.End()
	})
	poolsObj.End()
}

func printStatistics(json *jwriter.ObjectState, stats *memutils.DetailedStatistics) {
	json.Name("PoolCount").Int(stats.PoolCount)
	json.Name("PoolBytes").Int(stats.PoolBytes)
	json.Name("AllocationCount").Int(stats.AllocationCount)
	json.Name("AllocationBytes").Int(stats.AllocationBytes)
	json.Name("UnusedRangeCount").Int(stats.UnusedRangeCount)

	if stats.AllocationCount > 0 {
		json.Name("AllocationSizeMin").Int(stats.AllocationSizeMin)
		json.Name("AllocationSizeMax").Int(stats.AllocationSizeMax)
	}
	if stats.UnusedRangeCount > 0 {
		json.Name("UnusedRangeSizeMin").Int(stats.UnusedRangeSizeMin)
		json.Name("UnusedRangeSizeMax").Int(stats.UnusedRangeSizeMax)
	}
}

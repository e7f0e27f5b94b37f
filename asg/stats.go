package asg

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"

	"github.com/virtgfx/addrspace/memutils"
)

// AddStatistics accumulates pool-level counters across all three block
// collections into stats.
func (g *Globals) AddStatistics(stats *memutils.Statistics) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, blocks := range [][]block{g.ringBlocks, g.bufferBlocks, g.combinedBlocks} {
		for i := range blocks {
			b := &blocks[i]
			if b.isEmpty {
				continue
			}
			stats.BlockCount++
			stats.BlockBytes += len(b.buffer)
			stats.AllocationCount += b.subAlloc.AllocationCount()
			stats.AllocationBytes += len(b.buffer) - b.subAlloc.FreeBytes()
		}
	}
}

// AddDetailedStatistics accumulates per-allocation and free-range detail
// across all three block collections into stats.
func (g *Globals) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, blocks := range [][]block{g.ringBlocks, g.bufferBlocks, g.combinedBlocks} {
		for i := range blocks {
			b := &blocks[i]
			if b.isEmpty {
				continue
			}
			stats.Statistics.BlockCount++
			stats.Statistics.BlockBytes += len(b.buffer)
			b.subAlloc.VisitAllocations(func(offset, size int) bool {
				stats.AddAllocation(size)
				return true
			})
			b.subAlloc.VisitFreeSpans(func(offset, size int) bool {
				stats.AddUnusedRange(size)
				return true
			})
		}
	}
}

var poolNames = map[PoolKind]string{
	PoolRing:     "RingBlocks",
	PoolBuffer:   "BufferBlocks",
	PoolCombined: "CombinedBlocks",
}

// BuildStatsString renders a JSON diagnostic dump of the pool. With detailed
// set, every block lists its individual allocations and free ranges.
func (g *Globals) BuildStatsString(detailed bool) string {
	g.mu.Lock()
	defer g.mu.Unlock()

	writer := jwriter.NewWriter()
	rootObj := writer.Object()

	for _, kind := range []PoolKind{PoolRing, PoolBuffer, PoolCombined} {
		arrState := rootObj.Name(poolNames[kind]).Array()
		blocks := *g.poolLocked(kind)

		for i := range blocks {
			b := &blocks[i]
			if b.isEmpty {
				continue
			}

			blockObj := arrState.Object()
			blockObj.Name("BlockIndex").Int(i)
			blockObj.Name("TotalBytes").Int(len(b.buffer))
			blockObj.Name("UsedBytes").Int(len(b.buffer) - b.subAlloc.FreeBytes())
			blockObj.Name("Allocations").Int(b.subAlloc.AllocationCount())
			blockObj.Name("External").Bool(b.external)
			if b.hasDedicatedHandle {
				blockObj.Name("DedicatedHandle").Int(int(b.dedicatedHandle))
			}

			if detailed {
				g.printBlockSuballocations(b, blockObj)
			}
			blockObj.End()
		}

		arrState.End()
	}

	rootObj.End()
	return string(writer.Bytes())
}

func (g *Globals) printBlockSuballocations(b *block, json jwriter.ObjectState) {
	arrState := json.Name("Suballocations").Array()
	defer arrState.End()

	emit := func(kind string) func(offset, size int) bool {
		return func(offset, size int) bool {
			obj := arrState.Object()
			obj.Name("Offset").Int(offset)
			obj.Name("Type").String(kind)
			obj.Name("Size").Int(size)
			obj.End()
			return true
		}
	}

	b.subAlloc.VisitAllocations(emit("ALLOCATED"))
	b.subAlloc.VisitFreeSpans(emit("FREE"))
}

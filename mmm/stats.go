package mmm

import (
	"github.com/MergHQ/netsync/memutils"
	"github.com/MergHQ/netsync/memutils/defrag"
	"github.com/MergHQ/netsync/memutils/metadata"
	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// ClassStatistics describes a single size class
type ClassStatistics struct {
	ChunkSize  int
	Pages      int
	EmptyPages int
	LiveChunks int
	FreeChunks int
}

func (m *Manager) statisticsLocked() memutils.Statistics {
	stats := memutils.Statistics{
		BlockBytes:      m.backingBytes,
		AllocationCount: m.liveHandles + m.raw.Count(),
		AllocationBytes: m.allocatedBytes,
		RequestedBytes:  m.requestedBytes,
	}

	for _, class := range m.classes {
		stats.BlockCount += len(class.pages)
	}
	if m.heap != nil {
		stats.BlockCount++
	}

	return stats
}

// Statistics returns the manager's totals. RequestedBytes <= AllocationBytes <= BlockBytes always
// holds.
func (m *Manager) Statistics() memutils.Statistics {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	return m.statisticsLocked()
}

// DetailedStatistics walks every allocation and free range. It is considerably more expensive than
// Statistics.
func (m *Manager) DetailedStatistics() memutils.DetailedStatistics {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	var stats memutils.DetailedStatistics
	stats.Clear()

	for _, class := range m.classes {
		for _, page := range class.pages {
			stats.BlockCount++
			stats.BlockBytes += len(page.data)
			for range page.free {
				stats.AddUnusedRange(class.chunkSize)
			}
		}
	}

	if m.heap != nil {
		stats.BlockCount++
		stats.BlockBytes += len(m.heap.data)
		_ = m.heap.metadata.VisitAllRegions(func(_ metadata.BlockAllocationHandle, _ int, size int, _ any, free bool) error {
			if free {
				stats.AddUnusedRange(size)
			}
			return nil
		})
	}

	for index := range m.slots {
		slot := &m.slots[index]
		if slot.live {
			stats.AddAllocation(slot.loc.capacity, slot.size)
		}
	}
	m.raw.Iter(func(_ uintptr, allocation rawAllocation) bool {
		stats.AddAllocation(allocation.loc.capacity, allocation.size)
		return false
	})

	return stats
}

// ClassStatistics returns one entry per size class, smallest first
func (m *Manager) ClassStatistics() []ClassStatistics {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	return m.classStatisticsLocked()
}

func (m *Manager) classStatisticsLocked() []ClassStatistics {
	classes := make([]ClassStatistics, 0, len(m.classes))
	for _, class := range m.classes {
		classes = append(classes, ClassStatistics{
			ChunkSize:  class.chunkSize,
			Pages:      len(class.pages),
			EmptyPages: class.emptyPages,
			LiveChunks: class.liveChunks,
			FreeChunks: len(class.pages)*class.chunksPerPage - class.liveChunks,
		})
	}
	return classes
}

// PeakBlockBytes returns the highest BlockBytes observed since construction
func (m *Manager) PeakBlockBytes() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	return m.peakBacking
}

// DefragmentationStats returns the totals of every heap compaction so far
func (m *Manager) DefragmentationStats() defrag.DefragmentationStats {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	return m.defragStats
}

// BuildStatsString returns a json dump of the manager. detailed adds per-class and heap
// breakdowns.
func (m *Manager) BuildStatsString(detailed bool) string {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	writer := jwriter.NewWriter()
	root := writer.Object()

	root.Name("Name").String(m.config.Name)

	total := m.statisticsLocked()
	totalObj := root.Name("Total").Object()
	total.PrintJson(&totalObj)
	totalObj.Name("PeakBlockBytes").Int(m.peakBacking)
	totalObj.End()

	defragObj := root.Name("Defragmentation").Object()
	defragObj.Name("BytesMoved").Int(m.defragStats.BytesMoved)
	defragObj.Name("AllocationsMoved").Int(m.defragStats.AllocationsMoved)
	defragObj.Name("FreeRegionsMerged").Int(m.defragStats.FreeRegionsMerged)
	defragObj.Name("Passes").Int(m.defragStats.Passes)
	defragObj.End()

	if detailed {
		classesArr := root.Name("Classes").Array()
		for _, class := range m.classStatisticsLocked() {
			classObj := classesArr.Object()
			classObj.Name("ChunkSize").Int(class.ChunkSize)
			classObj.Name("Pages").Int(class.Pages)
			classObj.Name("EmptyPages").Int(class.EmptyPages)
			classObj.Name("LiveChunks").Int(class.LiveChunks)
			classObj.Name("FreeChunks").Int(class.FreeChunks)
			classObj.End()
		}
		classesArr.End()

		if m.heap != nil {
			heapObj := root.Name("Heap").Object()
			m.heap.metadata.BlockJsonData(&heapObj)
			heapObj.End()
		}
	}

	root.End()
	return string(writer.Bytes())
}

// Validate performs a full consistency check of the pages, the heap and the handle table. It is
// expensive and meant for tests and diagnostics.
func (m *Manager) Validate() error {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	if m.destroyed {
		return errors.New("memento manager has been destroyed")
	}

	backing := 0
	for _, class := range m.classes {
		live, empty := 0, 0
		for pageIndex, page := range class.pages {
			backing += len(page.data)
			if page.pageIndex != pageIndex {
				return errors.Newf("class %d page %d believes it is page %d", class.chunkSize, pageIndex, page.pageIndex)
			}
			if page.used+len(page.free) != class.chunksPerPage {
				return errors.Newf("class %d page %d has %d used and %d free chunks of %d",
					class.chunkSize, pageIndex, page.used, len(page.free), class.chunksPerPage)
			}
			inPartial := page.partialIndex >= 0 && page.partialIndex < len(class.partial) && class.partial[page.partialIndex] == page
			if inPartial != (len(page.free) > 0) {
				return errors.Newf("class %d page %d partial list membership is inconsistent", class.chunkSize, pageIndex)
			}
			live += page.used
			if page.used == 0 {
				empty++
			}
		}
		if live != class.liveChunks || empty != class.emptyPages {
			return errors.Newf("class %d counts %d live chunks and %d empty pages, expected %d and %d",
				class.chunkSize, class.liveChunks, class.emptyPages, live, empty)
		}
	}

	heapAllocations := 0
	if m.heap != nil {
		backing += len(m.heap.data)
		if err := m.heap.metadata.Validate(); err != nil {
			return errors.Wrap(err, "heap metadata is inconsistent")
		}
	}

	if backing != m.backingBytes {
		return errors.Newf("pages and heap hold %d bytes but the manager accounts for %d", backing, m.backingBytes)
	}

	requested, allocated, liveHandles := 0, 0, 0
	checkLocation := func(size int, loc location) error {
		if size > loc.capacity {
			return errors.Newf("allocation of %d bytes has capacity %d", size, loc.capacity)
		}
		if !memutils.ValidateMagicValue(m.bytesAt(loc), loc.offset+loc.capacity) {
			return errors.Newf("[MEMORY CORRUPTION] guard bytes overwritten at offset %d", loc.offset)
		}
		if loc.inHeap() {
			heapAllocations++
		}
		requested += size
		allocated += loc.capacity
		return nil
	}

	for index := range m.slots {
		slot := &m.slots[index]
		if !slot.live {
			continue
		}
		liveHandles++
		if err := checkLocation(slot.size, slot.loc); err != nil {
			return errors.Wrapf(err, "slot %d", index)
		}
	}

	var rawErr error
	m.raw.Iter(func(key uintptr, allocation rawAllocation) bool {
		rawErr = checkLocation(allocation.size, allocation.loc)
		return rawErr != nil
	})
	if rawErr != nil {
		return errors.Wrap(rawErr, "raw buffer")
	}

	if liveHandles != m.liveHandles {
		return errors.Newf("found %d live handles but the manager accounts for %d", liveHandles, m.liveHandles)
	}
	if requested != m.requestedBytes || allocated != m.allocatedBytes {
		return errors.Newf("allocations total %d requested and %d allocated bytes but the manager accounts for %d and %d",
			requested, allocated, m.requestedBytes, m.allocatedBytes)
	}
	if m.heap != nil && heapAllocations != m.heap.metadata.AllocationCount() {
		return errors.Newf("%d allocations live in the heap but its metadata holds %d", heapAllocations, m.heap.metadata.AllocationCount())
	}
	if m.requestedBytes > m.allocatedBytes || m.allocatedBytes > m.backingBytes {
		return errors.Newf("accounting out of order: requested %d, allocated %d, backing %d",
			m.requestedBytes, m.allocatedBytes, m.backingBytes)
	}

	return nil
}

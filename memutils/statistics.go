package memutils

import (
	"math"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// Statistics accounts for the memory owned by a manager or one of its blocks. The three byte
// counters always satisfy RequestedBytes <= AllocationBytes <= BlockBytes.
type Statistics struct {
	// BlockCount is the number of backing regions (slab pages plus the heap arena)
	BlockCount int
	// AllocationCount is the number of live allocations
	AllocationCount int
	// BlockBytes is the number of bytes obtained from the Go heap
	BlockBytes int
	// AllocationBytes is the capacity handed out to live allocations
	AllocationBytes int
	// RequestedBytes is the logical size callers asked for
	RequestedBytes int
}

func (s *Statistics) Clear() {
	s.BlockCount = 0
	s.AllocationCount = 0
	s.BlockBytes = 0
	s.AllocationBytes = 0
	s.RequestedBytes = 0
}

func (s *Statistics) AddStatistics(other *Statistics) {
	s.BlockCount += other.BlockCount
	s.AllocationCount += other.AllocationCount
	s.BlockBytes += other.BlockBytes
	s.AllocationBytes += other.AllocationBytes
	s.RequestedBytes += other.RequestedBytes
}

// PrintJson writes the counters as members of an open json object
func (s *Statistics) PrintJson(json *jwriter.ObjectState) {
	json.Name("BlockCount").Int(s.BlockCount)
	json.Name("AllocationCount").Int(s.AllocationCount)
	json.Name("BlockBytes").Int(s.BlockBytes)
	json.Name("AllocationBytes").Int(s.AllocationBytes)
	json.Name("RequestedBytes").Int(s.RequestedBytes)
}

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

	if size < s.UnusedRangeSizeMin {
		s.UnusedRangeSizeMin = size
	}

	if size > s.UnusedRangeSizeMax {
		s.UnusedRangeSizeMax = size
	}
}

// AddAllocation records one live allocation of the given capacity that was requested
// with the given logical size
func (s *DetailedStatistics) AddAllocation(capacity, requested int) {
	s.AllocationCount++
	s.AllocationBytes += capacity
	s.RequestedBytes += requested

	if capacity < s.AllocationSizeMin {
		s.AllocationSizeMin = capacity
	}

	if capacity > s.AllocationSizeMax {
		s.AllocationSizeMax = capacity
	}
}

func (s *DetailedStatistics) AddDetailedStatistics(other *DetailedStatistics) {
	s.Statistics.AddStatistics(&other.Statistics)
	s.UnusedRangeCount += other.UnusedRangeCount

	if other.UnusedRangeSizeMin < s.UnusedRangeSizeMin {
		s.UnusedRangeSizeMin = other.UnusedRangeSizeMin
	}

	if other.UnusedRangeSizeMax > s.UnusedRangeSizeMax {
		s.UnusedRangeSizeMax = other.UnusedRangeSizeMax
	}

	if other.AllocationSizeMin < s.AllocationSizeMin {
		s.AllocationSizeMin = other.AllocationSizeMin
	}

	if other.AllocationSizeMax > s.AllocationSizeMax {
		s.AllocationSizeMax = other.AllocationSizeMax
	}
}

// PrintJson writes the detailed counters as members of an open json object. Min values are
// omitted when nothing was recorded.
func (s *DetailedStatistics) PrintJson(json *jwriter.ObjectState) {
	s.Statistics.PrintJson(json)
	json.Name("UnusedRangeCount").Int(s.UnusedRangeCount)

	if s.AllocationCount > 0 {
		json.Name("AllocationSizeMin").Int(s.AllocationSizeMin)
		json.Name("AllocationSizeMax").Int(s.AllocationSizeMax)
	}

	if s.UnusedRangeCount > 0 {
		json.Name("UnusedRangeSizeMin").Int(s.UnusedRangeSizeMin)
		json.Name("UnusedRangeSizeMax").Int(s.UnusedRangeSizeMax)
	}
}

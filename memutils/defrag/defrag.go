package defrag

// DefragmentationInfo bounds a defragmentation run
type DefragmentationInfo struct {
	// MaxBytesPerPass is the maximum number of bytes relocated in a single pass. 0 means unbounded.
	MaxBytesPerPass int
	// MaxAllocationsPerPass is the maximum number of relocations in a single pass. 0 means unbounded.
	MaxAllocationsPerPass int
	// MaxPasses is the maximum number of passes in the run. 0 means the run continues until a pass
	// finds nothing to relocate.
	MaxPasses int
}

// DefragmentationStats contains basic metrics for defragmentation over time
type DefragmentationStats struct {
	// BytesMoved is the number of bytes that have been successfully relocated
	BytesMoved int
	// AllocationsMoved is the number of successful relocations
	AllocationsMoved int
	// FreeRegionsMerged is the reduction in the number of free regions across a run. It is filled in
	// by the consumer, which can observe the block before and after the whole run.
	FreeRegionsMerged int
	// Passes is the number of passes that relocated at least one allocation
	Passes int
}

func (s *DefragmentationStats) Add(stats DefragmentationStats) {
	s.BytesMoved += stats.BytesMoved
	s.AllocationsMoved += stats.AllocationsMoved
	s.FreeRegionsMerged += stats.FreeRegionsMerged
	s.Passes += stats.Passes
}

type defragCounterStatus uint32

const (
	defragCounterPass defragCounterStatus = iota
	defragCounterIgnore
	defragCounterEnd
)

var defragCounterStatusMapping = map[defragCounterStatus]string{
	defragCounterPass:   "defragCounterPass",
	defragCounterIgnore: "defragCounterIgnore",
	defragCounterEnd:    "defragCounterEnd",
}

func (s defragCounterStatus) String() string {
	return defragCounterStatusMapping[s]
}

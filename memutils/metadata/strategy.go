package metadata

// AllocationStrategy chooses how a free region is picked for a new allocation
type AllocationStrategy uint32

const (
	// AllocationStrategyMinMemory picks the smallest region that fits, searching the segregated
	// free lists. This is the strategy used for ordinary allocations.
	AllocationStrategyMinMemory AllocationStrategy = iota
	// AllocationStrategyMinOffset picks the lowest-offset region that fits. It walks every region and
	// is only meant for compaction.
	AllocationStrategyMinOffset
)

var allocationStrategyMapping = map[AllocationStrategy]string{
	AllocationStrategyMinMemory: "AllocationStrategyMinMemory",
	AllocationStrategyMinOffset: "AllocationStrategyMinOffset",
}

func (s AllocationStrategy) String() string {
	return allocationStrategyMapping[s]
}

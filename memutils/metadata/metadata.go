package metadata

import (
	"math"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/MergHQ/netsync/memutils"
)

// BlockAllocationHandle identifies a region (allocated or free) within a BlockMetadata
type BlockAllocationHandle uint64

const (
	NoAllocation BlockAllocationHandle = math.MaxUint64
)

// BlockMetadata manages suballocations within a single contiguous arena of bytes. It never touches
// the bytes themselves: consumers translate offsets into their own backing storage.
type BlockMetadata interface {
	// Init must be called before the BlockMetadata is used, and sizes the managed arena in bytes
	Init(size int)
	// Size retrieves the size in bytes that the block was initialized with
	Size() int

	// Validate performs internal consistency checks on the metadata. These checks may be expensive.
	// When the implementation is functioning correctly, it should not be possible for this method to
	// return an error.
	Validate() error
	// AllocationCount returns the number of live suballocations
	AllocationCount() int
	// FreeRegionsCount returns the number of distinct free regions. Adjacent free regions are always
	// merged, so this is a direct measure of fragmentation.
	FreeRegionsCount() int
	// SumFreeSize returns the number of free bytes in the block
	SumFreeSize() int
	// MayHaveFreeBlock is a fast heuristic indicating whether an allocation of the given size could
	// succeed. It never produces false negatives.
	MayHaveFreeBlock(size int) bool
	// IsEmpty will return true if this block has no live suballocations
	IsEmpty() bool

	// VisitAllRegions calls the provided callback once for each allocation and free region in
	// the block, in offset order
	VisitAllRegions(handleBlock func(handle BlockAllocationHandle, offset int, size int, userData any, free bool) error) error
	// AllocationListBegin retrieves the handle of the lowest-offset allocation, or NoAllocation
	AllocationListBegin() (BlockAllocationHandle, error)
	// FindNextAllocation returns the next live allocation after allocHandle in offset order, or
	// NoAllocation. It returns an error if allocHandle is not a live allocation.
	FindNextAllocation(allocHandle BlockAllocationHandle) (BlockAllocationHandle, error)

	// AllocationOffset returns the offset in bytes of a live region (allocated or free)
	AllocationOffset(allocHandle BlockAllocationHandle) (int, error)
	// AllocationSize returns the size in bytes of a live region (allocated or free)
	AllocationSize(allocHandle BlockAllocationHandle) (int, error)
	// AllocationUserData returns the userData provided to Alloc for a live allocation
	AllocationUserData(allocHandle BlockAllocationHandle) (any, error)
	// SetAllocationUserData replaces the userData of a live allocation
	SetAllocationUserData(allocHandle BlockAllocationHandle, userData any) error

	// AddDetailedStatistics sums this block's statistics into stats. RequestedBytes is left untouched
	// since the metadata has no notion of the logical size behind each allocation.
	AddDetailedStatistics(stats *memutils.DetailedStatistics)
	// AddStatistics sums this block's statistics into stats. RequestedBytes is left untouched.
	AddStatistics(stats *memutils.Statistics)

	// Clear instantly frees all allocations
	Clear()
	// BlockJsonData populates an open json object with information about this block
	BlockJsonData(json *jwriter.ObjectState)

	// CreateAllocationRequest reports where the implementation would place an allocation of allocSize
	// bytes. The request can be committed with Alloc. maxOffset should usually be math.MaxInt; when it is
	// lower, only regions starting before maxOffset are considered.
	CreateAllocationRequest(allocSize int, strategy AllocationStrategy, maxOffset int) (bool, AllocationRequest, error)
	// Alloc commits an AllocationRequest. It returns an error if the request is no longer valid.
	Alloc(request AllocationRequest, userData any) error
	// Free returns a suballocation to the free regions of the block, merging with free neighbors
	Free(allocHandle BlockAllocationHandle) error
}

// BlockMetadataBase is a simple struct that provides a few shared utilities for BlockMetadata
// implementations
type BlockMetadataBase struct {
	size                  int
	allocationGranularity int
}

// NewBlockMetadata creates a BlockMetadataBase. Every allocation size is rounded up to a multiple of
// allocationGranularity, which must be a power of two.
func NewBlockMetadata(allocationGranularity int) BlockMetadataBase {
	memutils.DebugAssert(memutils.CheckPow2(allocationGranularity, "allocationGranularity") == nil,
		"allocation granularity %d is not a power of two", allocationGranularity)

	return BlockMetadataBase{
		allocationGranularity: allocationGranularity,
	}
}

// Init sizes the block in bytes
func (m *BlockMetadataBase) Init(size int) {
	m.size = size
}

// Size returns the size of the block in bytes
func (m *BlockMetadataBase) Size() int { return m.size }

func (m *BlockMetadataBase) blockJsonData(json *jwriter.ObjectState, unusedBytes, allocationCount, unusedRangeCount int) {
	json.Name("TotalBytes").Int(m.Size())
	json.Name("UnusedBytes").Int(unusedBytes)
	json.Name("Allocations").Int(allocationCount)
	json.Name("UnusedRanges").Int(unusedRangeCount)
}

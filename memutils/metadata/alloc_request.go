package metadata

// AllocationRequest is returned from BlockMetadata.CreateAllocationRequest and indicates where the
// metadata intends to place a new allocation. It is committed with BlockMetadata.Alloc.
type AllocationRequest struct {
	// BlockAllocationHandle identifies the free region the allocation will be carved from. Once
	// committed, it identifies the allocation itself.
	BlockAllocationHandle BlockAllocationHandle
	// Offset is the offset in bytes the allocation will start at
	Offset int
	// Size is the total size of the allocation, which may be larger than what was requested
	Size int
}

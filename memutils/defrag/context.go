package defrag

import (
	"fmt"

	"github.com/MergHQ/netsync/memutils/metadata"
	"github.com/cockroachdb/errors"
)

// DefragmentationMoveOperation tells CompletePass how to resolve a relocation
type DefragmentationMoveOperation uint32

const (
	// DefragmentationMoveCopy indicates the consumer copied the bytes to the destination, which now
	// becomes the allocation. The source is freed.
	DefragmentationMoveCopy DefragmentationMoveOperation = iota
	// DefragmentationMoveIgnore indicates the relocation was abandoned. The destination is freed.
	DefragmentationMoveIgnore
	// DefragmentationMoveDestroy indicates the consumer released the allocation while the pass was in
	// flight. Both source and destination are freed.
	DefragmentationMoveDestroy
)

var defragmentationMoveOperationMapping = map[DefragmentationMoveOperation]string{
	DefragmentationMoveCopy:    "DefragmentationMoveCopy",
	DefragmentationMoveIgnore:  "DefragmentationMoveIgnore",
	DefragmentationMoveDestroy: "DefragmentationMoveDestroy",
}

func (o DefragmentationMoveOperation) String() string {
	return defragmentationMoveOperationMapping[o]
}

// DefragmentationMove is a single relocation collected by MetadataDefragContext.CollectMoves
type DefragmentationMove struct {
	Size          int
	SrcAllocation metadata.BlockAllocationHandle
	SrcOffset     int
	DstAllocation metadata.BlockAllocationHandle
	DstOffset     int
	// UserData is the userData of the source allocation, which is transferred to the destination
	UserData any

	MoveOperation DefragmentationMoveOperation
}

// DefragmentOperationHandler is called by CompletePass once per move after the metadata has been
// updated, so the consumer can repoint whatever owns UserData at DstAllocation
type DefragmentOperationHandler func(move DefragmentationMove) error

// MetadataDefragContext compacts a single BlockMetadata by relocating allocations to the lowest
// free offset that can hold them. A run consists of repeated passes: CollectMoves reserves
// destinations, the consumer copies bytes for every move in Moves, and CompletePass commits.
type MetadataDefragContext struct {
	// Metadata is the block being compacted
	Metadata metadata.BlockMetadata
	// Handler is called for each move during CompletePass
	Handler DefragmentOperationHandler
	// Immovable reports whether an allocation with the given userData must stay where it is. A nil
	// Immovable treats every allocation as movable.
	Immovable func(userData any) bool

	moves []DefragmentationMove
}

// Moves returns the relocations most recently collected with CollectMoves. The consumer may change
// MoveOperation in place before calling CompletePass.
func (c *MetadataDefragContext) Moves() []DefragmentationMove {
	return c.moves
}

// CollectMoves reserves a destination for every allocation that can move to a lower offset, within
// the pass budget. It returns true if the pass ended because the budget was exhausted.
func (c *MetadataDefragContext) CollectMoves(pass *PassContext) bool {
	if c.Metadata == nil {
		panic("attempted to collect defragmentation moves without metadata")
	}

	mtdata := c.Metadata
	for handle := c.mustBeginAllocationList(); handle != metadata.NoAllocation; handle = c.mustFindNextAllocation(handle) {
		userData := c.mustUserData(handle)
		if userData == c || (c.Immovable != nil && c.Immovable(userData)) {
			continue
		}

		size := c.mustSize(handle)
		counter := pass.checkCounters(size)
		switch counter {
		case defragCounterIgnore:
			continue
		case defragCounterEnd:
			return true
		case defragCounterPass:
		default:
			panic(fmt.Sprintf("unexpected defrag counter status: %s", counter.String()))
		}

		offset := c.mustOffset(handle)
		if offset == 0 || !mtdata.MayHaveFreeBlock(size) {
			continue
		}

		if c.allocIfLowerOffset(handle, offset, size, userData) && pass.incrementCounters(size) {
			return true
		}
	}

	return false
}

func (c *MetadataDefragContext) allocIfLowerOffset(handle metadata.BlockAllocationHandle, offset, size int, userData any) bool {
	success, request, err := c.Metadata.CreateAllocationRequest(size, metadata.AllocationStrategyMinOffset, offset)
	if err != nil {
		panic(fmt.Sprintf("unexpected error when populating allocation request for defrag: %+v", err))
	}

	if !success || request.Offset >= offset {
		return false
	}

	// Destinations are tagged with the context so later iterations never try to move them
	err = c.Metadata.Alloc(request, c)
	if err != nil {
		panic(fmt.Sprintf("unexpected error when committing allocation request for defrag: %+v", err))
	}

	c.moves = append(c.moves, DefragmentationMove{
		Size:          size,
		SrcAllocation: handle,
		SrcOffset:     offset,
		DstAllocation: request.BlockAllocationHandle,
		DstOffset:     request.Offset,
		UserData:      userData,
	})
	return true
}

// CompletePass commits every collected move according to its MoveOperation, calls Handler for each,
// and adjusts the pass statistics for abandoned moves. Handler errors are combined and returned, but
// never stop the remaining moves from being committed.
func (c *MetadataDefragContext) CompletePass(pass *PassContext) error {
	var allErrors []error
	for _, move := range c.moves {
		switch move.MoveOperation {
		case DefragmentationMoveCopy:
			if err := c.Metadata.SetAllocationUserData(move.DstAllocation, move.UserData); err != nil {
				allErrors = append(allErrors, err)
				continue
			}
			if err := c.Metadata.Free(move.SrcAllocation); err != nil {
				allErrors = append(allErrors, err)
				continue
			}

		case DefragmentationMoveIgnore:
			pass.Stats.BytesMoved -= move.Size
			pass.Stats.AllocationsMoved--
			if err := c.Metadata.Free(move.DstAllocation); err != nil {
				allErrors = append(allErrors, err)
				continue
			}

		case DefragmentationMoveDestroy:
			pass.Stats.BytesMoved -= move.Size
			pass.Stats.AllocationsMoved--
			if err := c.Metadata.Free(move.DstAllocation); err != nil {
				allErrors = append(allErrors, err)
				continue
			}
			if err := c.Metadata.Free(move.SrcAllocation); err != nil {
				allErrors = append(allErrors, err)
				continue
			}

		default:
			panic(fmt.Sprintf("unexpected move operation: %s", move.MoveOperation))
		}

		if c.Handler != nil {
			if err := c.Handler(move); err != nil {
				allErrors = append(allErrors, err)
			}
		}
	}

	if pass.Stats.AllocationsMoved > 0 {
		pass.Stats.Passes++
	}
	c.moves = c.moves[:0]

	if len(allErrors) == 1 {
		return allErrors[0]
	}

	return errors.Join(allErrors...)
}

func (c *MetadataDefragContext) mustBeginAllocationList() metadata.BlockAllocationHandle {
	handle, err := c.Metadata.AllocationListBegin()
	if err != nil {
		panic(fmt.Sprintf("unexpected error when getting first allocation: %+v", err))
	}

	return handle
}

func (c *MetadataDefragContext) mustFindNextAllocation(handle metadata.BlockAllocationHandle) metadata.BlockAllocationHandle {
	handle, err := c.Metadata.FindNextAllocation(handle)
	if err != nil {
		panic(fmt.Sprintf("unexpected error when getting next allocation: %+v", err))
	}

	return handle
}

func (c *MetadataDefragContext) mustOffset(handle metadata.BlockAllocationHandle) int {
	offset, err := c.Metadata.AllocationOffset(handle)
	if err != nil {
		panic(fmt.Sprintf("unexpected error when getting allocation offset: %+v", err))
	}

	return offset
}

func (c *MetadataDefragContext) mustSize(handle metadata.BlockAllocationHandle) int {
	size, err := c.Metadata.AllocationSize(handle)
	if err != nil {
		panic(fmt.Sprintf("unexpected error when getting allocation size: %+v", err))
	}

	return size
}

func (c *MetadataDefragContext) mustUserData(handle metadata.BlockAllocationHandle) any {
	userData, err := c.Metadata.AllocationUserData(handle)
	if err != nil {
		panic(fmt.Sprintf("unexpected error when retrieving allocation user data: %+v", err))
	}

	return userData
}

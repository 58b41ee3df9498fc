package mmm

import (
	"context"
	"fmt"
	"math"

	"github.com/MergHQ/netsync/memutils"
	"github.com/MergHQ/netsync/memutils/defrag"
	"github.com/MergHQ/netsync/memutils/metadata"
	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slog"
)

// heapArena serves requests above the largest size class from a single arena carved at
// construction
type heapArena struct {
	data     []byte
	metadata *metadata.TLSFBlockMetadata
}

// slotRef tags heap regions owned by a handle, which defragmentation may relocate
type slotRef uint32

// rawRef tags heap regions owned by a raw buffer, which must never move
type rawRef struct{}

func newHeapArena(size, granularity int) *heapArena {
	md := metadata.NewTLSFBlockMetadata(granularity)
	md.Init(size)

	return &heapArena{
		data:     make([]byte, size),
		metadata: md,
	}
}

func (m *Manager) allocHeap(size int, owner any) (location, bool) {
	if m.heap == nil {
		return location{}, false
	}

	success, request, err := m.heap.metadata.CreateAllocationRequest(max(size, 1)+memutils.DebugMargin, metadata.AllocationStrategyMinMemory, math.MaxInt)
	if err != nil {
		panic(fmt.Sprintf("unexpected error when requesting %d heap bytes: %+v", size, err))
	}
	if !success {
		return location{}, false
	}

	err = m.heap.metadata.Alloc(request, owner)
	if err != nil {
		panic(fmt.Sprintf("unexpected error when committing heap allocation: %+v", err))
	}

	capacity := request.Size - memutils.DebugMargin
	memutils.WriteMagicValue(m.heap.data, request.Offset+capacity)

	return location{
		heapHandle: request.BlockAllocationHandle,
		offset:     request.Offset,
		capacity:   capacity,
	}, true
}

func (m *Manager) freeHeap(loc location) {
	m.checkGuard(m.heap.data, loc)

	err := m.heap.metadata.Free(loc.heapHandle)
	if err != nil {
		panic(fmt.Sprintf("unexpected error when freeing heap allocation: %+v", err))
	}
}

// compactHeap relocates handle-owned heap regions to lower offsets. Raw buffers stay put.
func (m *Manager) compactHeap(info defrag.DefragmentationInfo) defrag.DefragmentationStats {
	var total defrag.DefragmentationStats
	if m.heap == nil {
		return total
	}

	md := m.heap.metadata
	freeRegionsBefore := md.FreeRegionsCount()

	defragContext := defrag.MetadataDefragContext{
		Metadata: md,
		Handler:  m.relocateHandle,
		Immovable: func(userData any) bool {
			_, isRaw := userData.(rawRef)
			return isRaw
		},
	}

	for passIndex := 0; info.MaxPasses <= 0 || passIndex < info.MaxPasses; passIndex++ {
		pass := defrag.NewPassContext(info)
		defragContext.CollectMoves(&pass)

		moves := defragContext.Moves()
		if len(moves) == 0 {
			break
		}

		// Destinations always start below their sources and regions never overlap
		for _, move := range moves {
			copy(m.heap.data[move.DstOffset:move.DstOffset+move.Size], m.heap.data[move.SrcOffset:move.SrcOffset+move.Size])
		}

		err := defragContext.CompletePass(&pass)
		if err != nil {
			panic(errors.Wrap(err, "heap compaction left the handle table inconsistent"))
		}

		total.Add(pass.Stats)
	}

	total.FreeRegionsMerged = freeRegionsBefore - md.FreeRegionsCount()
	m.defragStats.Add(total)

	m.logger.LogAttrs(context.Background(), slog.LevelDebug, "compacted memento heap",
		slog.String("manager", m.config.Name),
		slog.Int("bytesMoved", total.BytesMoved),
		slog.Int("allocationsMoved", total.AllocationsMoved),
		slog.Int("freeRegionsMerged", total.FreeRegionsMerged),
	)

	return total
}

func (m *Manager) relocateHandle(move defrag.DefragmentationMove) error {
	ref, ok := move.UserData.(slotRef)
	if !ok {
		return errors.AssertionFailedf("heap region at offset %d has unexpected owner %T", move.SrcOffset, move.UserData)
	}

	slot := &m.slots[ref]
	if !slot.live || !slot.loc.inHeap() || slot.loc.heapHandle != move.SrcAllocation {
		return errors.AssertionFailedf("heap region at offset %d is not owned by slot %d", move.SrcOffset, ref)
	}

	slot.loc.heapHandle = move.DstAllocation
	slot.loc.offset = move.DstOffset
	return nil
}

package defrag

import (
	"fmt"
	"math"
)

// PassContext tracks the budget of the current defragmentation pass across multiple relocations
type PassContext struct {
	// MaxPassBytes is the maximum number of bytes to relocate in this pass
	MaxPassBytes int
	// MaxPassAllocations is the maximum number of relocations to perform in this pass
	MaxPassAllocations int
	// Stats contains statistics for the current pass
	Stats         DefragmentationStats
	ignoredAllocs int
}

// NewPassContext creates a PassContext from the per-pass limits of info
func NewPassContext(info DefragmentationInfo) PassContext {
	pass := PassContext{
		MaxPassBytes:       info.MaxBytesPerPass,
		MaxPassAllocations: info.MaxAllocationsPerPass,
	}

	if pass.MaxPassBytes <= 0 {
		pass.MaxPassBytes = math.MaxInt
	}
	if pass.MaxPassAllocations <= 0 {
		pass.MaxPassAllocations = math.MaxInt
	}

	return pass
}

const defragMaxAllocsToIgnore = 16

func (p *PassContext) checkCounters(bytes int) defragCounterStatus {
	// Skip allocations that would blow the byte budget, but give up after too many in a row
	if p.Stats.BytesMoved+bytes > p.MaxPassBytes {
		p.ignoredAllocs++
		if p.ignoredAllocs < defragMaxAllocsToIgnore {
			return defragCounterIgnore
		}
		return defragCounterEnd
	}

	p.ignoredAllocs = 0
	return defragCounterPass
}

func (p *PassContext) incrementCounters(bytes int) bool {
	p.Stats.BytesMoved += bytes
	p.Stats.AllocationsMoved++

	if p.Stats.AllocationsMoved >= p.MaxPassAllocations || p.Stats.BytesMoved >= p.MaxPassBytes {
		if p.Stats.AllocationsMoved != p.MaxPassAllocations && p.Stats.BytesMoved != p.MaxPassBytes {
			panic(fmt.Sprintf("somehow passed maximum pass thresholds: bytes %d, allocs %d", p.Stats.BytesMoved, p.Stats.AllocationsMoved))
		}

		return true
	}

	return false
}

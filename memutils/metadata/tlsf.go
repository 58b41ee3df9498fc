package metadata

import (
	"math/bits"
	"sync"

	"github.com/MergHQ/netsync/memutils"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
)

const (
	SmallBufferSize        = 256
	SecondLevelIndex uint8 = 5
	MemoryClassShift       = 7
	MaxMemoryClasses       = 64 - MemoryClassShift

	secondLevelCount = 1 << SecondLevelIndex
	smallBufferStep  = SmallBufferSize / secondLevelCount
	freeListCount    = MaxMemoryClasses * secondLevelCount
)

var blockAllocator = sync.Pool{
	New: func() any {
		return &tlsfBlock{}
	},
}

type tlsfBlock struct {
	offset       int
	size         int
	prevPhysical *tlsfBlock
	nextPhysical *tlsfBlock

	prevFree *tlsfBlock
	nextFree *tlsfBlock

	free        bool
	userData    any
	blockHandle BlockAllocationHandle
}

// TLSFBlockMetadata is a two-level segregated fit allocator. Free regions are bucketed by a
// power-of-two memory class and then by one of 32 linear subdivisions of that class, and a pair of
// bitmaps locates the first non-empty bucket that can satisfy a request in constant time.
type TLSFBlockMetadata struct {
	BlockMetadataBase

	allocCount      int
	blocksFreeCount int
	blocksFreeSize  int

	isFreeBitmap      uint64
	innerIsFreeBitmap [MaxMemoryClasses]uint32
	freeList          [freeListCount]*tlsfBlock

	nextAllocationHandle BlockAllocationHandle
	handleKey            *swiss.Map[BlockAllocationHandle, *tlsfBlock]
	headBlock            *tlsfBlock
}

var _ BlockMetadata = &TLSFBlockMetadata{}

func NewTLSFBlockMetadata(allocationGranularity int) *TLSFBlockMetadata {
	return &TLSFBlockMetadata{
		BlockMetadataBase: NewBlockMetadata(allocationGranularity),
	}
}

func sizeToMemoryClass(size int) int {
	if size > SmallBufferSize {
		return bits.Len(uint(size)) - 1 - MemoryClassShift
	}
	return 0
}

func sizeToSecondIndex(size int, memoryClass int) int {
	if memoryClass == 0 {
		return (size - 1) / smallBufferStep
	}

	shift := memoryClass + MemoryClassShift - int(SecondLevelIndex)
	return (size >> shift) ^ secondLevelCount
}

func listIndex(memoryClass, secondIndex int) int {
	return memoryClass*secondLevelCount + secondIndex
}

func sizeToListIndex(size int) int {
	memoryClass := sizeToMemoryClass(size)
	return listIndex(memoryClass, sizeToSecondIndex(size, memoryClass))
}

func (m *TLSFBlockMetadata) allocateBlock() *tlsfBlock {
	b := blockAllocator.Get().(*tlsfBlock)
	*b = tlsfBlock{}
	m.nextAllocationHandle++
	b.blockHandle = m.nextAllocationHandle
	m.handleKey.Put(b.blockHandle, b)
	return b
}

func (m *TLSFBlockMetadata) releaseBlock(b *tlsfBlock) {
	m.handleKey.Delete(b.blockHandle)
	*b = tlsfBlock{}
	blockAllocator.Put(b)
}

func (m *TLSFBlockMetadata) getBlock(handle BlockAllocationHandle) (*tlsfBlock, error) {
	block, ok := m.handleKey.Get(handle)
	if !ok {
		return nil, errors.Errorf("handle %d does not belong to this metadata", handle)
	}
	return block, nil
}

func (m *TLSFBlockMetadata) getAllocation(handle BlockAllocationHandle) (*tlsfBlock, error) {
	block, err := m.getBlock(handle)
	if err != nil {
		return nil, err
	}
	if block.free {
		return nil, errors.Errorf("handle %d refers to a free region", handle)
	}
	return block, nil
}

// Init prepares the metadata to manage size bytes. size must be a multiple of the allocation
// granularity.
func (m *TLSFBlockMetadata) Init(size int) {
	memutils.DebugAssert(size%m.allocationGranularity == 0,
		"block size %d is not a multiple of granularity %d", size, m.allocationGranularity)

	m.BlockMetadataBase.Init(size)
	m.handleKey = swiss.NewMap[BlockAllocationHandle, *tlsfBlock](64)
	m.reset()
}

func (m *TLSFBlockMetadata) reset() {
	m.allocCount = 0
	m.blocksFreeCount = 0
	m.blocksFreeSize = 0
	m.isFreeBitmap = 0
	m.innerIsFreeBitmap = [MaxMemoryClasses]uint32{}
	m.freeList = [freeListCount]*tlsfBlock{}

	m.headBlock = nil
	if m.size == 0 {
		return
	}

	m.headBlock = m.allocateBlock()
	m.headBlock.size = m.size
	m.headBlock.free = true
	m.insertFreeBlock(m.headBlock)
}

func (m *TLSFBlockMetadata) insertFreeBlock(b *tlsfBlock) {
	index := sizeToListIndex(b.size)
	memoryClass := index / secondLevelCount
	secondIndex := index % secondLevelCount

	b.prevFree = nil
	b.nextFree = m.freeList[index]
	if b.nextFree != nil {
		b.nextFree.prevFree = b
	}
	m.freeList[index] = b

	m.innerIsFreeBitmap[memoryClass] |= 1 << secondIndex
	m.isFreeBitmap |= 1 << memoryClass

	m.blocksFreeCount++
	m.blocksFreeSize += b.size
}

func (m *TLSFBlockMetadata) removeFreeBlock(b *tlsfBlock) {
	index := sizeToListIndex(b.size)

	if b.nextFree != nil {
		b.nextFree.prevFree = b.prevFree
	}
	if b.prevFree != nil {
		b.prevFree.nextFree = b.nextFree
	} else {
		if m.freeList[index] != b {
			panic("free block is missing from its free list")
		}
		m.freeList[index] = b.nextFree
		if b.nextFree == nil {
			memoryClass := index / secondLevelCount
			secondIndex := index % secondLevelCount
			m.innerIsFreeBitmap[memoryClass] &^= 1 << secondIndex
			if m.innerIsFreeBitmap[memoryClass] == 0 {
				m.isFreeBitmap &^= 1 << memoryClass
			}
		}
	}

	b.prevFree = nil
	b.nextFree = nil
	m.blocksFreeCount--
	m.blocksFreeSize -= b.size
}

// findNextFreeList returns the first non-empty list after index, or -1. Every block in such a list is
// at least as large as any size mapped to index.
func (m *TLSFBlockMetadata) findNextFreeList(index int) int {
	memoryClass := index / secondLevelCount
	secondIndex := index % secondLevelCount

	innerMask := m.innerIsFreeBitmap[memoryClass] & (^uint32(0) << (secondIndex + 1))
	if innerMask != 0 {
		return listIndex(memoryClass, bits.TrailingZeros32(innerMask))
	}

	classMask := m.isFreeBitmap & (^uint64(0) << (memoryClass + 1))
	if classMask == 0 {
		return -1
	}

	memoryClass = bits.TrailingZeros64(classMask)
	return listIndex(memoryClass, bits.TrailingZeros32(m.innerIsFreeBitmap[memoryClass]))
}

func (m *TLSFBlockMetadata) findGoodFit(size int) *tlsfBlock {
	index := sizeToListIndex(size)
	for b := m.freeList[index]; b != nil; b = b.nextFree {
		if b.size >= size {
			return b
		}
	}

	next := m.findNextFreeList(index)
	if next < 0 {
		return nil
	}
	return m.freeList[next]
}

func (m *TLSFBlockMetadata) findLowestOffset(size int, maxOffset int) *tlsfBlock {
	for b := m.headBlock; b != nil && b.offset < maxOffset; b = b.nextPhysical {
		if b.free && b.size >= size {
			return b
		}
	}
	return nil
}

func (m *TLSFBlockMetadata) alignSize(size int) int {
	return memutils.AlignUp(size, uint(m.allocationGranularity))
}

// CreateAllocationRequest finds a free region for allocSize bytes
func (m *TLSFBlockMetadata) CreateAllocationRequest(allocSize int, strategy AllocationStrategy, maxOffset int) (bool, AllocationRequest, error) {
	if allocSize <= 0 {
		return false, AllocationRequest{}, errors.Errorf("invalid allocation size %d", allocSize)
	}

	size := m.alignSize(allocSize)
	if size > m.blocksFreeSize {
		return false, AllocationRequest{}, nil
	}

	var block *tlsfBlock
	switch strategy {
	case AllocationStrategyMinOffset:
		block = m.findLowestOffset(size, maxOffset)
	case AllocationStrategyMinMemory:
		block = m.findGoodFit(size)
		if block != nil && block.offset >= maxOffset {
			block = m.findLowestOffset(size, maxOffset)
		}
	default:
		return false, AllocationRequest{}, errors.Errorf("unknown allocation strategy %s", strategy)
	}

	if block == nil {
		return false, AllocationRequest{}, nil
	}

	return true, AllocationRequest{
		BlockAllocationHandle: block.blockHandle,
		Offset:                block.offset,
		Size:                  size,
	}, nil
}

// Alloc commits an allocation request, splitting the chosen free region when it is larger than
// the request
func (m *TLSFBlockMetadata) Alloc(request AllocationRequest, userData any) error {
	block, err := m.getBlock(request.BlockAllocationHandle)
	if err != nil {
		return err
	}

	if !block.free {
		return errors.Errorf("region %d is no longer free", request.BlockAllocationHandle)
	}
	if block.offset != request.Offset || block.size < request.Size {
		return errors.Errorf("region %d changed shape since the request was made", request.BlockAllocationHandle)
	}

	m.removeFreeBlock(block)

	if block.size > request.Size {
		remainder := m.allocateBlock()
		remainder.offset = block.offset + request.Size
		remainder.size = block.size - request.Size
		remainder.free = true
		remainder.prevPhysical = block
		remainder.nextPhysical = block.nextPhysical
		if block.nextPhysical != nil {
			block.nextPhysical.prevPhysical = remainder
		}
		block.nextPhysical = remainder
		block.size = request.Size

		m.insertFreeBlock(remainder)
	}

	block.free = false
	block.userData = userData
	m.allocCount++

	return nil
}

func (m *TLSFBlockMetadata) unlinkPhysical(b *tlsfBlock) {
	if b.prevPhysical != nil {
		b.prevPhysical.nextPhysical = b.nextPhysical
	} else {
		m.headBlock = b.nextPhysical
	}
	if b.nextPhysical != nil {
		b.nextPhysical.prevPhysical = b.prevPhysical
	}
}

// Free releases an allocation and merges it with any free neighbors
func (m *TLSFBlockMetadata) Free(allocHandle BlockAllocationHandle) error {
	block, err := m.getAllocation(allocHandle)
	if err != nil {
		return err
	}

	block.free = true
	block.userData = nil
	m.allocCount--

	if next := block.nextPhysical; next != nil && next.free {
		m.removeFreeBlock(next)
		block.size += next.size
		m.unlinkPhysical(next)
		m.releaseBlock(next)
	}

	if prev := block.prevPhysical; prev != nil && prev.free {
		m.removeFreeBlock(prev)
		prev.size += block.size
		m.unlinkPhysical(block)
		m.releaseBlock(block)
		block = prev
	}

	m.insertFreeBlock(block)
	return nil
}

func (m *TLSFBlockMetadata) AllocationCount() int { return m.allocCount }

func (m *TLSFBlockMetadata) FreeRegionsCount() int { return m.blocksFreeCount }

func (m *TLSFBlockMetadata) SumFreeSize() int { return m.blocksFreeSize }

func (m *TLSFBlockMetadata) IsEmpty() bool { return m.allocCount == 0 }

func (m *TLSFBlockMetadata) MayHaveFreeBlock(size int) bool {
	size = m.alignSize(size)
	if size <= 0 || size > m.blocksFreeSize {
		return false
	}

	index := sizeToListIndex(size)
	return m.freeList[index] != nil || m.findNextFreeList(index) >= 0
}

func (m *TLSFBlockMetadata) AllocationListBegin() (BlockAllocationHandle, error) {
	for b := m.headBlock; b != nil; b = b.nextPhysical {
		if !b.free {
			return b.blockHandle, nil
		}
	}
	return NoAllocation, nil
}

func (m *TLSFBlockMetadata) FindNextAllocation(allocHandle BlockAllocationHandle) (BlockAllocationHandle, error) {
	block, err := m.getAllocation(allocHandle)
	if err != nil {
		return NoAllocation, err
	}

	for b := block.nextPhysical; b != nil; b = b.nextPhysical {
		if !b.free {
			return b.blockHandle, nil
		}
	}
	return NoAllocation, nil
}

func (m *TLSFBlockMetadata) AllocationOffset(allocHandle BlockAllocationHandle) (int, error) {
	block, err := m.getBlock(allocHandle)
	if err != nil {
		return 0, err
	}
	return block.offset, nil
}

func (m *TLSFBlockMetadata) AllocationSize(allocHandle BlockAllocationHandle) (int, error) {
	block, err := m.getBlock(allocHandle)
	if err != nil {
		return 0, err
	}
	return block.size, nil
}

func (m *TLSFBlockMetadata) AllocationUserData(allocHandle BlockAllocationHandle) (any, error) {
	block, err := m.getAllocation(allocHandle)
	if err != nil {
		return nil, err
	}
	return block.userData, nil
}

func (m *TLSFBlockMetadata) SetAllocationUserData(allocHandle BlockAllocationHandle, userData any) error {
	block, err := m.getAllocation(allocHandle)
	if err != nil {
		return err
	}
	block.userData = userData
	return nil
}

func (m *TLSFBlockMetadata) VisitAllRegions(handleBlock func(handle BlockAllocationHandle, offset int, size int, userData any, free bool) error) error {
	for b := m.headBlock; b != nil; b = b.nextPhysical {
		if err := handleBlock(b.blockHandle, b.offset, b.size, b.userData, b.free); err != nil {
			return err
		}
	}
	return nil
}

func (m *TLSFBlockMetadata) AddStatistics(stats *memutils.Statistics) {
	stats.BlockCount++
	stats.BlockBytes += m.size
	stats.AllocationCount += m.allocCount
	stats.AllocationBytes += m.size - m.blocksFreeSize
}

func (m *TLSFBlockMetadata) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.BlockCount++
	stats.BlockBytes += m.size

	for b := m.headBlock; b != nil; b = b.nextPhysical {
		if b.free {
			stats.AddUnusedRange(b.size)
		} else {
			stats.AddAllocation(b.size, 0)
		}
	}
}

func (m *TLSFBlockMetadata) Clear() {
	for b := m.headBlock; b != nil; {
		next := b.nextPhysical
		m.releaseBlock(b)
		b = next
	}
	m.reset()
}

func (m *TLSFBlockMetadata) BlockJsonData(json *jwriter.ObjectState) {
	m.blockJsonData(json, m.blocksFreeSize, m.allocCount, m.blocksFreeCount)
}

// Validate walks the physical and free lists and verifies that they agree with each other and
// with the cached counters
func (m *TLSFBlockMetadata) Validate() error {
	var offset, allocCount, freeCount, freeSize int
	var prev *tlsfBlock

	for b := m.headBlock; b != nil; b = b.nextPhysical {
		if b.prevPhysical != prev {
			return errors.Errorf("region at offset %d has a broken back link", b.offset)
		}
		if b.offset != offset {
			return errors.Errorf("region at offset %d was expected at offset %d", b.offset, offset)
		}
		if b.size <= 0 || b.size%m.allocationGranularity != 0 {
			return errors.Errorf("region at offset %d has invalid size %d", b.offset, b.size)
		}
		if handleBlock, ok := m.handleKey.Get(b.blockHandle); !ok || handleBlock != b {
			return errors.Errorf("region at offset %d is missing from the handle map", b.offset)
		}

		if b.free {
			if prev != nil && prev.free {
				return errors.Errorf("adjacent free regions at offsets %d and %d were not merged", prev.offset, b.offset)
			}
			freeCount++
			freeSize += b.size
		} else {
			allocCount++
		}

		offset += b.size
		prev = b
	}

	if offset != m.size {
		return errors.Errorf("regions cover %d bytes but the block is %d bytes", offset, m.size)
	}
	if allocCount != m.allocCount {
		return errors.Errorf("counted %d allocations but metadata indicates %d", allocCount, m.allocCount)
	}
	if freeCount != m.blocksFreeCount || freeSize != m.blocksFreeSize {
		return errors.Errorf("counted %d free regions of %d bytes but metadata indicates %d regions of %d bytes",
			freeCount, freeSize, m.blocksFreeCount, m.blocksFreeSize)
	}
	if m.handleKey.Count() != allocCount+freeCount {
		return errors.Errorf("handle map holds %d entries for %d regions", m.handleKey.Count(), allocCount+freeCount)
	}

	listed := 0
	for index, head := range m.freeList {
		memoryClass := index / secondLevelCount
		secondIndex := index % secondLevelCount
		bitSet := m.innerIsFreeBitmap[memoryClass]&(1<<secondIndex) != 0
		if bitSet != (head != nil) {
			return errors.Errorf("free list %d disagrees with its bitmap", index)
		}

		for b := head; b != nil; b = b.nextFree {
			if !b.free {
				return errors.Errorf("allocated region at offset %d is present in free list %d", b.offset, index)
			}
			if sizeToListIndex(b.size) != index {
				return errors.Errorf("region of size %d is filed in free list %d", b.size, index)
			}
			listed++
		}
	}

	for memoryClass := 0; memoryClass < MaxMemoryClasses; memoryClass++ {
		if (m.isFreeBitmap&(1<<memoryClass) != 0) != (m.innerIsFreeBitmap[memoryClass] != 0) {
			return errors.Errorf("memory class %d disagrees with the top-level bitmap", memoryClass)
		}
	}

	if listed != freeCount {
		return errors.Errorf("free lists hold %d regions but %d free regions exist", listed, freeCount)
	}

	return nil
}

package mmm

import (
	"github.com/MergHQ/netsync/memutils"
	"github.com/MergHQ/netsync/memutils/metadata"
)

// slabPage is one page of a size class, carved into equally sized chunks. free is a stack of chunk
// indices that are not handed out.
type slabPage struct {
	data         []byte
	free         []int32
	used         int
	partialIndex int
	pageIndex    int
}

type sizeClass struct {
	chunkSize     int
	stride        int
	chunksPerPage int

	pages      []*slabPage
	partial    []*slabPage
	emptyPages int
	liveChunks int
}

func newSizeClass(chunkSize, pageSize int) *sizeClass {
	stride := chunkSize + memutils.DebugMargin
	return &sizeClass{
		chunkSize:     chunkSize,
		stride:        stride,
		chunksPerPage: pageSize / stride,
	}
}

func (c *sizeClass) pageBytes() int {
	return c.chunksPerPage * c.stride
}

func (c *sizeClass) addPartial(page *slabPage) {
	page.partialIndex = len(c.partial)
	c.partial = append(c.partial, page)
}

func (c *sizeClass) removePartial(page *slabPage) {
	last := c.partial[len(c.partial)-1]
	c.partial[page.partialIndex] = last
	last.partialIndex = page.partialIndex
	c.partial = c.partial[:len(c.partial)-1]
	page.partialIndex = -1
}

func (c *sizeClass) removePage(page *slabPage) {
	if page.partialIndex >= 0 {
		c.removePartial(page)
	}

	last := c.pages[len(c.pages)-1]
	c.pages[page.pageIndex] = last
	last.pageIndex = page.pageIndex
	c.pages = c.pages[:len(c.pages)-1]
}

// location is where the bytes of an allocation currently live: a chunk of a slab page when class is
// set, or a region of the heap arena otherwise
type location struct {
	class      *sizeClass
	page       *slabPage
	chunk      int32
	heapHandle metadata.BlockAllocationHandle
	offset     int
	capacity   int
}

func (l location) inHeap() bool {
	return l.class == nil
}

func (m *Manager) classIndex(size int) int {
	if size <= m.config.MinClassSize {
		return 0
	}
	return memutils.Log2(memutils.NextPow2(size)) - memutils.Log2(m.config.MinClassSize)
}

func (m *Manager) newPage(class *sizeClass) bool {
	bytes := class.pageBytes()
	if m.config.MaxBytes > 0 && m.backingBytes+bytes > m.config.MaxBytes {
		return false
	}

	page := &slabPage{
		data:      make([]byte, bytes),
		free:      make([]int32, class.chunksPerPage),
		pageIndex: len(class.pages),
	}
	// Pop order hands out the lowest chunk first
	for i := range page.free {
		page.free[i] = int32(class.chunksPerPage - 1 - i)
	}

	class.pages = append(class.pages, page)
	class.addPartial(page)
	class.emptyPages++
	m.growBacking(bytes)
	return true
}

func (m *Manager) releasePage(class *sizeClass, page *slabPage) {
	class.removePage(page)
	class.emptyPages--
	m.backingBytes -= len(page.data)
	page.data = nil
	page.free = nil
}

func (m *Manager) allocChunk(class *sizeClass) (location, bool) {
	if len(class.partial) == 0 && !m.newPage(class) {
		return location{}, false
	}

	page := class.partial[len(class.partial)-1]
	chunk := page.free[len(page.free)-1]
	page.free = page.free[:len(page.free)-1]

	if page.used == 0 {
		class.emptyPages--
	}
	page.used++
	class.liveChunks++

	if len(page.free) == 0 {
		class.removePartial(page)
	}

	offset := int(chunk) * class.stride
	memutils.WriteMagicValue(page.data, offset+class.chunkSize)

	return location{
		class:    class,
		page:     page,
		chunk:    chunk,
		offset:   offset,
		capacity: class.chunkSize,
	}, true
}

func (m *Manager) freeChunk(loc location) {
	class, page := loc.class, loc.page
	m.checkGuard(page.data, loc)

	if len(page.free) == 0 {
		class.addPartial(page)
	}
	page.free = append(page.free, loc.chunk)
	page.used--
	class.liveChunks--

	if page.used == 0 {
		class.emptyPages++
		// Keep one spare page per class so churn at a page boundary does not thrash the Go heap
		if class.emptyPages > 1 {
			m.releasePage(class, page)
		}
	}
}

// trimPages releases every empty page and returns the number of bytes released
func (m *Manager) trimPages() int {
	released := 0
	for _, class := range m.classes {
		for i := len(class.pages) - 1; i >= 0; i-- {
			page := class.pages[i]
			if page.used == 0 {
				released += len(page.data)
				m.releasePage(class, page)
			}
		}
	}
	return released
}

package mmm

import (
	"context"
	"unsafe"

	"github.com/MergHQ/netsync/internal/utils"
	"github.com/MergHQ/netsync/memutils"
	"github.com/MergHQ/netsync/memutils/defrag"
	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"golang.org/x/exp/slog"
)

type handleSlot struct {
	generation uint32
	live       bool
	size       int
	loc        location
}

type rawAllocation struct {
	size int
	loc  location
}

// Manager is a handle-based memory pool for many small, short-lived, variably sized buffers.
// Requests are rounded up to power-of-two size classes served from slab pages; larger requests
// fall through to a TLSF-managed heap arena carved at construction. Callers hold handles rather
// than addresses, so buffers can be resized and the heap can be compacted under them.
//
// Running out of budget is fatal: the manager logs at error level and panics with ErrExhausted.
type Manager struct {
	logger *slog.Logger
	config Config
	mutex  utils.OptionalRWMutex

	classes []*sizeClass
	heap    *heapArena

	slots     []handleSlot
	freeSlots []uint32
	raw       *swiss.Map[uintptr, rawAllocation]

	liveHandles    int
	requestedBytes int
	allocatedBytes int
	backingBytes   int
	peakBacking    int
	defragStats    defrag.DefragmentationStats
	destroyed      bool
}

// New creates a Manager. The config is validated first; use DefaultConfig or LoadConfig to
// obtain one.
func New(logger *slog.Logger, config Config) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		logger: logger,
		config: config,
		mutex:  utils.OptionalRWMutex{Enabled: !config.ExternallySynchronized},
		raw:    swiss.NewMap[uintptr, rawAllocation](16),
	}

	for size := config.MinClassSize; size <= config.MaxClassSize; size *= 2 {
		m.classes = append(m.classes, newSizeClass(size, config.PageSize))
	}

	if config.HeapSize > 0 {
		m.heap = newHeapArena(config.HeapSize, config.MinClassSize)
		m.growBacking(config.HeapSize)
	}

	return m, nil
}

// Name returns the configured name of the manager
func (m *Manager) Name() string {
	return m.config.Name
}

func (m *Manager) checkAlive() {
	if m.destroyed {
		panic(errors.AssertionFailedf("memento manager %s used after Destroy", m.config.Name))
	}
}

func (m *Manager) exhausted(size int) {
	err := errors.Wrapf(ErrExhausted, "manager %s could not allocate %d bytes", m.config.Name, size)
	m.logger.LogAttrs(context.Background(), slog.LevelError, "[MEMORY EXHAUSTED] allocation failed",
		slog.String("manager", m.config.Name),
		slog.Int("size", size),
		slog.Int("backingBytes", m.backingBytes),
		slog.Int("maxBytes", m.config.MaxBytes),
		slog.Int("allocatedBytes", m.allocatedBytes),
		slog.Int("requestedBytes", m.requestedBytes),
	)
	panic(err)
}

func (m *Manager) checkGuard(data []byte, loc location) {
	if !memutils.ValidateMagicValue(data, loc.offset+loc.capacity) {
		m.logger.LogAttrs(context.Background(), slog.LevelError, "[MEMORY CORRUPTION] guard bytes overwritten",
			slog.String("manager", m.config.Name),
			slog.Int("offset", loc.offset),
			slog.Int("capacity", loc.capacity),
			slog.Bool("heap", loc.inHeap()),
		)
		panic(errors.AssertionFailedf("memento manager %s detected a write past the end of an allocation", m.config.Name))
	}
}

// allocLocation finds storage for size bytes. It never fails: exhaustion is fatal.
func (m *Manager) allocLocation(size int, owner any) location {
	if size < 0 {
		panic(errors.AssertionFailedf("negative allocation size %d", size))
	}

	if size <= m.config.MaxClassSize {
		if loc, ok := m.allocChunk(m.classes[m.classIndex(size)]); ok {
			return loc
		}
	}

	loc, ok := m.allocHeap(size, owner)
	if !ok && m.heap != nil && m.heap.metadata.SumFreeSize() >= size+memutils.DebugMargin {
		m.compactHeap(defrag.DefragmentationInfo{})
		loc, ok = m.allocHeap(size, owner)
	}
	if !ok {
		m.exhausted(size)
	}
	return loc
}

func (m *Manager) growBacking(bytes int) {
	m.backingBytes += bytes
	if m.backingBytes > m.peakBacking {
		m.peakBacking = m.backingBytes
	}
}

func (m *Manager) releaseLocation(loc location) {
	if loc.inHeap() {
		m.freeHeap(loc)
		return
	}
	m.freeChunk(loc)
}

func (m *Manager) bytesAt(loc location) []byte {
	if loc.inHeap() {
		return m.heap.data
	}
	return loc.page.data
}

func (m *Manager) pin(loc location, size int) []byte {
	return m.bytesAt(loc)[loc.offset : loc.offset+size : loc.offset+size]
}

func (m *Manager) fitsInPlace(loc location, size int) bool {
	if size > loc.capacity {
		return false
	}
	if loc.capacity <= m.config.MinClassSize {
		return true
	}
	return size*m.config.ShrinkDivisor >= loc.capacity
}

func (m *Manager) acquireSlot() uint32 {
	if n := len(m.freeSlots); n > 0 {
		index := m.freeSlots[n-1]
		m.freeSlots = m.freeSlots[:n-1]
		return index
	}

	m.slots = append(m.slots, handleSlot{generation: 1})
	return uint32(len(m.slots) - 1)
}

func (m *Manager) releaseSlot(index uint32) {
	slot := &m.slots[index]
	slot.live = false
	slot.size = 0
	slot.loc = location{}
	slot.generation++
	if slot.generation == 0 {
		slot.generation = 1
	}
	m.freeSlots = append(m.freeSlots, index)
}

func (m *Manager) lookup(h Handle) (*handleSlot, error) {
	index := h.index()
	if h == InvalidHandle || int(index) >= len(m.slots) {
		return nil, errors.Wrapf(ErrInvalidHandle, "handle %s", h)
	}

	slot := &m.slots[index]
	if !slot.live || slot.generation != h.generation() {
		return nil, errors.Wrapf(ErrInvalidHandle, "handle %s", h)
	}
	return slot, nil
}

// AllocHandle returns a handle with capacity for at least size bytes. A size of 0 is served from
// the smallest class.
func (m *Manager) AllocHandle(size int) Handle {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.checkAlive()

	index := m.acquireSlot()
	loc := m.allocLocation(size, slotRef(index))

	slot := &m.slots[index]
	slot.live = true
	slot.size = size
	slot.loc = loc

	m.liveHandles++
	m.requestedBytes += size
	m.allocatedBytes += loc.capacity

	return makeHandle(index, slot.generation)
}

// ResizeHandle changes the declared size of h. The buffer stays in place when size fits the
// current capacity and is not below the shrink threshold; otherwise it moves and the first
// min(old, new) bytes are copied. h stays valid either way.
func (m *Manager) ResizeHandle(h Handle, size int) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.checkAlive()

	slot, err := m.lookup(h)
	if err != nil {
		memutils.DebugAssert(false, "resize of invalid handle %s", h)
		return err
	}
	if size < 0 {
		return errors.AssertionFailedf("negative resize %d for handle %s", size, h)
	}

	if m.fitsInPlace(slot.loc, size) {
		m.requestedBytes += size - slot.size
		slot.size = size
		return nil
	}

	index := h.index()
	newLoc := m.allocLocation(size, slotRef(index))

	// The heap may have been compacted by the allocation, so the slot is read again
	slot = &m.slots[index]
	oldLoc := slot.loc

	preserved := min(slot.size, size)
	copy(m.pin(newLoc, preserved), m.pin(oldLoc, preserved))
	m.releaseLocation(oldLoc)

	m.requestedBytes += size - slot.size
	m.allocatedBytes += newLoc.capacity - oldLoc.capacity

	slot.size = size
	slot.loc = newLoc
	return nil
}

// FreeHandle releases h. Freeing a stale or unknown handle returns ErrInvalidHandle, and panics
// in debug_mem_utils builds.
func (m *Manager) FreeHandle(h Handle) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.checkAlive()

	slot, err := m.lookup(h)
	if err != nil {
		memutils.DebugAssert(false, "double free or stale handle %s", h)
		return err
	}

	m.releaseLocation(slot.loc)
	m.liveHandles--
	m.requestedBytes -= slot.size
	m.allocatedBytes -= slot.loc.capacity
	m.releaseSlot(h.index())
	return nil
}

// PinHandle returns the bytes of h, with len equal to its declared size, or nil for an invalid
// handle
func (m *Manager) PinHandle(h Handle) []byte {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	slot, err := m.lookup(h)
	if err != nil {
		return nil
	}
	return m.pin(slot.loc, slot.size)
}

// Valid reports whether h names a live allocation
func (m *Manager) Valid(h Handle) bool {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	_, err := m.lookup(h)
	return err == nil
}

// HandleSize returns the declared size of h, or 0 for an invalid handle
func (m *Manager) HandleSize(h Handle) int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	slot, err := m.lookup(h)
	if err != nil {
		return 0
	}
	return slot.size
}

// HandleCapacity returns the number of bytes h can grow to without relocating, or 0 for an
// invalid handle
func (m *Manager) HandleCapacity(h Handle) int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	slot, err := m.lookup(h)
	if err != nil {
		return 0
	}
	return slot.loc.capacity
}

// CloneHandle allocates a new handle holding a copy of the bytes of h
func (m *Manager) CloneHandle(h Handle) (Handle, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.checkAlive()

	source, err := m.lookup(h)
	if err != nil {
		return InvalidHandle, err
	}
	size := source.size

	index := m.acquireSlot()
	loc := m.allocLocation(size, slotRef(index))

	// acquireSlot may have grown the slot table
	source = &m.slots[h.index()]
	copy(m.pin(loc, size), m.pin(source.loc, size))

	slot := &m.slots[index]
	slot.live = true
	slot.size = size
	slot.loc = loc

	m.liveHandles++
	m.requestedBytes += size
	m.allocatedBytes += loc.capacity

	return makeHandle(index, slot.generation), nil
}

func rawKey(buf []byte) uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
}

// AllocRaw returns a scratch buffer of len size. Raw buffers are addressed directly, so they are
// never relocated and can only be returned with FreeRaw.
func (m *Manager) AllocRaw(size int) []byte {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.checkAlive()

	loc := m.allocLocation(size, rawRef{})
	buf := m.bytesAt(loc)[loc.offset : loc.offset+size : loc.offset+loc.capacity]

	m.raw.Put(rawKey(buf), rawAllocation{size: size, loc: loc})
	m.requestedBytes += size
	m.allocatedBytes += loc.capacity
	return buf
}

// FreeRaw releases a buffer returned by AllocRaw. The buffer must be passed exactly as returned.
func (m *Manager) FreeRaw(buf []byte) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.checkAlive()

	if cap(buf) == 0 {
		return errors.Wrap(ErrInvalidHandle, "raw buffer has no backing array")
	}

	key := rawKey(buf)
	allocation, ok := m.raw.Get(key)
	if !ok {
		memutils.DebugAssert(false, "double free or foreign raw buffer %x", key)
		return errors.Wrapf(ErrInvalidHandle, "raw buffer %x", key)
	}

	m.releaseLocation(allocation.loc)
	m.raw.Delete(key)
	m.requestedBytes -= allocation.size
	m.allocatedBytes -= allocation.loc.capacity
	return nil
}

// Defragment compacts the heap arena by relocating handle-owned regions to lower offsets, within
// the limits of info. Slab pages never fragment beyond a single size class and are not touched.
func (m *Manager) Defragment(info defrag.DefragmentationInfo) defrag.DefragmentationStats {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.checkAlive()
	return m.compactHeap(info)
}

// TrimPages releases every empty slab page, including the spare page each class normally keeps,
// and returns the number of bytes released
func (m *Manager) TrimPages() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.checkAlive()
	return m.trimPages()
}

// Destroy releases the manager's memory. If allocations are still live, each one is logged as
// unreleased memory, nothing is released and an error is returned.
func (m *Manager) Destroy() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.destroyed {
		return nil
	}

	leaks := m.liveHandles + m.raw.Count()
	if leaks > 0 {
		for index := range m.slots {
			slot := &m.slots[index]
			if slot.live {
				m.logUnreleasedMemory(makeHandle(uint32(index), slot.generation).String(), slot.size, slot.loc)
			}
		}
		m.raw.Iter(func(key uintptr, allocation rawAllocation) bool {
			m.logUnreleasedMemory("raw", allocation.size, allocation.loc)
			return false
		})

		return errors.Newf("%d allocations were not freed before the destruction of memento manager %s", leaks, m.config.Name)
	}

	m.classes = nil
	m.heap = nil
	m.slots = nil
	m.freeSlots = nil
	m.backingBytes = 0
	m.destroyed = true
	return nil
}

func (m *Manager) logUnreleasedMemory(name string, size int, loc location) {
	m.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed allocation",
		slog.String("manager", m.config.Name),
		slog.String("handle", name),
		slog.Int("size", size),
		slog.Int("capacity", loc.capacity),
		slog.Bool("heap", loc.inHeap()),
	)
}

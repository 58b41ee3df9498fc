package mmm

import "fmt"

// Handle names a relocatable buffer owned by a Manager. It combines a slot index with the slot's
// generation, so a handle is never reused while live and stale copies are detected after a free.
type Handle uint64

// InvalidHandle never names an allocation
const InvalidHandle Handle = 0

func makeHandle(index uint32, generation uint32) Handle {
	return Handle(uint64(generation)<<32 | uint64(index))
}

func (h Handle) index() uint32 {
	return uint32(h)
}

func (h Handle) generation() uint32 {
	return uint32(h >> 32)
}

func (h Handle) String() string {
	if h == InvalidHandle {
		return "InvalidHandle"
	}
	return fmt.Sprintf("%d@%d", h.index(), h.generation())
}

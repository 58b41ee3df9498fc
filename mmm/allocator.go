package mmm

// Allocator is the surface shared by Manager and diagnostic wrappers such as TrackingAllocator
type Allocator interface {
	// AllocHandle returns a handle whose capacity is at least size bytes
	AllocHandle(size int) Handle
	// ResizeHandle changes the declared size of a handle, relocating its bytes when required
	ResizeHandle(h Handle, size int) error
	// FreeHandle releases a handle
	FreeHandle(h Handle) error
	// PinHandle returns the current bytes of a handle. The slice must not be kept across a resize
	// or defragmentation.
	PinHandle(h Handle) []byte
	// HandleSize returns the declared size of a handle, or 0 for an invalid handle
	HandleSize(h Handle) int
	// AllocRaw returns a scratch buffer of len size that is never relocated
	AllocRaw(size int) []byte
	// FreeRaw releases a buffer returned by AllocRaw
	FreeRaw(buf []byte) error
}

var _ Allocator = &Manager{}
var _ Allocator = &TrackingAllocator{}

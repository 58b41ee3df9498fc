package mmm

// AutoFreeHandle owns a handle until ownership is explicitly taken with Grab. Release frees
// whatever is still owned, so a deferred Release covers every early return.
type AutoFreeHandle struct {
	allocator Allocator
	handle    Handle
}

// NewAutoFreeHandle takes ownership of h
func NewAutoFreeHandle(allocator Allocator, h Handle) *AutoFreeHandle {
	return &AutoFreeHandle{allocator: allocator, handle: h}
}

// Peek returns the owned handle without giving up ownership
func (a *AutoFreeHandle) Peek() Handle {
	return a.handle
}

// Grab returns the owned handle and gives up ownership of it
func (a *AutoFreeHandle) Grab() Handle {
	h := a.handle
	a.handle = InvalidHandle
	return h
}

// Reset frees the owned handle, if any, and takes ownership of h
func (a *AutoFreeHandle) Reset(h Handle) error {
	err := a.Release()
	a.handle = h
	return err
}

// Release frees the owned handle, if any. It is safe to call more than once.
func (a *AutoFreeHandle) Release() error {
	if a.handle == InvalidHandle {
		return nil
	}

	h := a.Grab()
	return a.allocator.FreeHandle(h)
}

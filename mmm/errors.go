package mmm

import "github.com/cockroachdb/errors"

var (
	// ErrInvalidHandle is returned when a handle or raw buffer does not name a live allocation of the
	// manager, which covers stale handles, double frees and foreign buffers
	ErrInvalidHandle = errors.New("invalid memento handle")
	// ErrExhausted is the panic value when a manager cannot satisfy an allocation within its budget
	ErrExhausted = errors.New("memento manager exhausted")
)

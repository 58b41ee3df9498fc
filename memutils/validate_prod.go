//go:build !debug_mem_utils

package memutils

const (
	// DebugEnabled reports whether the debug_mem_utils build tag is present
	DebugEnabled = false
	// DebugMargin is the number of guard bytes placed after every chunk handed out by
	// a memento manager
	DebugMargin int = 0
)

// WriteMagicValue writes an easy-to-identify marker across DebugMargin bytes of data starting at offset.
// This method no-ops unless the debug_mem_utils build tag is present.
func WriteMagicValue(data []byte, offset int) {
}

// ValidateMagicValue verifies that the marker written by WriteMagicValue is still present.
// It returns true if the value is still present and false otherwise.
// This method always returns true unless the debug_mem_utils build tag is present.
func ValidateMagicValue(data []byte, offset int) bool {
	return true
}

// DebugValidate will call Validate on the provided object and panics if any errors are returned. This
// method no-ops unless the debug_mem_utils build tag is present
func DebugValidate(validatable Validatable) {
}

// DebugAssert panics with the formatted message when cond is false. This method no-ops unless
// the debug_mem_utils build tag is present.
func DebugAssert(cond bool, format string, args ...any) {
}

//go:build debug_mem_utils

package memutils

import (
	"encoding/binary"
	"fmt"
)

const (
	// DebugEnabled reports whether the debug_mem_utils build tag is present
	DebugEnabled = true
	// DebugMargin is the number of guard bytes placed after every chunk handed out by
	// a memento manager
	DebugMargin int = 16
	// corruptionDetectionMagicValue is a 4-byte pattern that is copied across guard bytes
	corruptionDetectionMagicValue uint32 = 0x7F84E666
)

// WriteMagicValue writes an easy-to-identify marker across DebugMargin bytes of data starting at offset.
// This method no-ops unless the debug_mem_utils build tag is present.
func WriteMagicValue(data []byte, offset int) {
	guard := data[offset : offset+DebugMargin]
	for i := 0; i+4 <= len(guard); i += 4 {
		binary.LittleEndian.PutUint32(guard[i:], corruptionDetectionMagicValue)
	}
}

// ValidateMagicValue verifies that the marker written by WriteMagicValue is still present.
// It returns true if the value is still present and false otherwise.
// This method always returns true unless the debug_mem_utils build tag is present.
func ValidateMagicValue(data []byte, offset int) bool {
	guard := data[offset : offset+DebugMargin]
	for i := 0; i+4 <= len(guard); i += 4 {
		if binary.LittleEndian.Uint32(guard[i:]) != corruptionDetectionMagicValue {
			return false
		}
	}

	return true
}

// DebugValidate will call Validate on the provided object and panics if any errors are returned. This
// method no-ops unless the debug_mem_utils build tag is present
func DebugValidate(validatable Validatable) {
	err := validatable.Validate()
	if err != nil {
		panic(err)
	}
}

// DebugAssert panics with the formatted message when cond is false. This method no-ops unless
// the debug_mem_utils build tag is present.
func DebugAssert(cond bool, format string, args ...any) {
	if !cond {
		panic(fmt.Sprintf(format, args...))
	}
}

package memutils

import (
	"math/bits"

	cerrors "github.com/cockroachdb/errors"
)

type Number interface {
	~int | ~uint | ~int64 | ~uint64 | ~uint32
}

func CheckPow2[T Number](number T, name string) error {
	if number == 0 || number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

func AlignUp(value int, alignment uint) int {
	return (value + int(alignment) - 1) & int(^(alignment - 1))
}

// NextPow2 returns the smallest power of two greater than or equal to value. Values
// less than 1 return 1.
func NextPow2(value int) int {
	if value <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(value-1))
}

// Log2 returns the index of the most significant set bit. Log2(0) is -1.
func Log2(value int) int {
	return bits.Len(uint(value)) - 1
}

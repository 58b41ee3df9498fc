package memutils

import "github.com/pkg/errors"

// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")

// OutOfRangeError is returned when a size or offset falls outside the range a structure can manage
var OutOfRangeError error = errors.New("value out of range")

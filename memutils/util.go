package memutils

import (
	cerrors "github.com/cockroachdb/errors"
)

type Number interface {
	~int | ~uint
}

// CheckPow2 verifies that the provided number is a power of two, returning a wrapped
// PowerOfTwoError naming the offending value when it is not. Zero is rejected: alignments
// and block sizes in this package are always at least one
func CheckPow2[T Number](number T, name string) error {
	if number == 0 || number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

// AlignUp rounds value up to the nearest multiple of alignment, which must be a power
// of two
func AlignUp(value int, alignment uint) int {
	return (value + int(alignment) - 1) & int(^(alignment - 1))
}

// AlignDown rounds value down to the nearest multiple of alignment, which must be a power
// of two
func AlignDown(value int, alignment uint) int {
	return value & int(^(alignment - 1))
}

package memutils

import (
	cerrors "github.com/cockroachdb/errors"
)

type Number interface {
	~int | ~uint | ~uintptr
}

func CheckPow2[T Number](number T, name string) error {
	if number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

func AlignUp(value uintptr, alignment uintptr) uintptr {
	return (value + alignment - 1) & ^(alignment - 1)
}

func AlignDown(value uintptr, alignment uintptr) uintptr {
	return value & ^(alignment - 1)
}

// RangesOverlap reports whether the half-open ranges [base1, base1+size1)
// and [base2, base2+size2) share at least one byte.
func RangesOverlap(base1, size1, base2, size2 uintptr) bool {
	return base1 < base2+size2 && base2 < base1+size1
}

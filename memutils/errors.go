package memutils

import "github.com/pkg/errors"

// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")

// IncompatibleMemoryError is the error returned when no device memory type satisfies a resource
// set's combined type bitmask and the requested property flags
var IncompatibleMemoryError error = errors.New("no memory type satisfies the combined requirements")

// TimeoutError is the error returned when a bounded device wait elapses without being satisfied.
// It usually indicates a lost device
var TimeoutError error = errors.New("device wait timed out")

// ZeroLengthError is the error returned when an allocation is requested for an empty
// requirements list
var ZeroLengthError error = errors.New("requirements list must not be empty")

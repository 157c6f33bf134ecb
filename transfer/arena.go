package transfer

import (
	"github.com/cockroachdb/errors"

	"github.com/PSYTROPS/graphics/memutils"
)

// arenaAlignment is the boundary every append offset is rounded to. 8 bytes covers the
// alignment of every scalar and vector type pushed through the staging path
const arenaAlignment = 8

// Arena is a growable byte buffer used as write-once staging scratch space. Appends return
// the offset the data landed at, Clear resets the used size without releasing capacity so
// steady-state frames stop allocating once the peak size is reached.
//
// The Arena is single-writer and not safe for concurrent use
type Arena struct {
	data []byte
	size int
}

// Extend appends data and returns the byte offset it was written at. The used size is
// always a multiple of the alignment, so every returned offset is aligned
func (a *Arena) Extend(data []byte) int {
	offset := a.size
	a.size += memutils.AlignUp(len(data), arenaAlignment)

	if a.size > len(a.data) {
		// Uploads are bursty, so capacity tracks the actual peak rather than doubling
		grown := make([]byte, a.size)
		copy(grown, a.data[:offset])
		a.data = grown
	}

	copy(a.data[offset:], data)
	memutils.DebugValidate(a)
	return offset
}

func (a *Arena) Validate() error {
	if a.size%arenaAlignment != 0 {
		return errors.Errorf("arena size %d is not a multiple of the %d-byte alignment", a.size, arenaAlignment)
	}
	if a.size > len(a.data) {
		return errors.Errorf("arena size %d exceeds the %d-byte capacity", a.size, len(a.data))
	}
	return nil
}

// Size returns the number of bytes currently used
func (a *Arena) Size() int {
	return a.size
}

// Capacity returns the number of bytes the Arena can hold before regrowing
func (a *Arena) Capacity() int {
	return len(a.data)
}

// Bytes returns the used portion of the Arena's backing storage
func (a *Arena) Bytes() []byte {
	return a.data[:a.size]
}

// Clear resets the used size to zero without releasing capacity
func (a *Arena) Clear() {
	a.size = 0
}

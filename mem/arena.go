package mem

import (
	"errors"
	"fmt"
)

// ErrArenaExhausted is returned when a reservation does not fit.
var ErrArenaExhausted = errors.New("mem: arena exhausted")

// PageSize is the alignment of the used ring and of DMA data buffers.
const PageSize = 4096

// Arena hands out static, aligned reservations from [base, base+size).
// Reservations are never returned.
type Arena struct {
	base uint64
	end  uint64
	next uint64
}

// NewArena returns an arena covering size bytes at base.
func NewArena(base uint64, size uint64) *Arena {
	return &Arena{
		base: base,
		end:  base + size,
		next: base,
	}
}

// Alloc reserves size bytes aligned to align, which must be a power of two.
func (a *Arena) Alloc(size, align uint64) (uint64, error) {
	if align == 0 || align&(align-1) != 0 {
		panic(fmt.Sprintf("mem: alignment %d is not a power of two", align))
	}

	addr := (a.next + align - 1) &^ (align - 1)
	if addr < a.next || addr+size > a.end || addr+size < addr {
		return 0, fmt.Errorf("%w: %d bytes aligned to %d (%d left)",
			ErrArenaExhausted, size, align, a.Remaining())
	}

	a.next = addr + size
	return addr, nil
}

// Remaining returns the number of unreserved bytes.
func (a *Arena) Remaining() uint64 {
	return a.end - a.next
}

// Used returns the number of bytes reserved so far, including padding.
func (a *Arena) Used() uint64 {
	return a.next - a.base
}

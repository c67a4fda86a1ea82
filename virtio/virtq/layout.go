package virtq

import (
	"fmt"

	"github.com/c35s/barefw/mem"
)

// Layout locates the three areas of a split virtqueue in physical memory.
type Layout struct {
	Size      uint16 // number of descriptors, a power of two
	DescAddr  uint64 // descriptor table, 16-byte aligned
	AvailAddr uint64 // available (driver) ring, 2-byte aligned
	UsedAddr  uint64 // used (device) ring, page aligned
}

const (
	descSize     = 16
	usedElemSize = 8
	ringHdrSize  = 4 // flags, idx
	ringEvtSize  = 2 // used_event or avail_event
)

// LayoutAt lays out a queue of the given size starting at base. The
// available ring immediately follows the descriptor table and the used
// ring starts at the next page boundary after the available ring.
func LayoutAt(base uint64, size uint16) Layout {
	var (
		desc  = base
		avail = desc + descSize*uint64(size)
		used  = alignUp(avail+availSize(size), mem.PageSize)
	)

	return Layout{
		Size:      size,
		DescAddr:  desc,
		AvailAddr: avail,
		UsedAddr:  used,
	}
}

// Reserve carves a queue of the given size out of a.
func Reserve(a *mem.Arena, size uint16) (Layout, error) {
	base, err := a.Alloc(LayoutAt(0, size).Bytes(), mem.PageSize)
	if err != nil {
		return Layout{}, fmt.Errorf("virtq: reserve queue of size %d: %w", size, err)
	}

	return LayoutAt(base, size), nil
}

// Bytes returns the number of bytes spanned by the layout, from the
// start of the descriptor table to the end of the used ring.
func (l Layout) Bytes() uint64 {
	return l.UsedAddr + usedSize(l.Size) - l.DescAddr
}

func (l Layout) validate() error {
	if l.Size == 0 || l.Size&(l.Size-1) != 0 {
		return fmt.Errorf("%w: size %d is not a power of two", ErrInvalidLayout, l.Size)
	}

	if l.Size > MaxSize {
		return fmt.Errorf("%w: size %d > %d", ErrInvalidLayout, l.Size, MaxSize)
	}

	if l.DescAddr%16 != 0 {
		return fmt.Errorf("%w: descriptor table %#x is not 16-byte aligned", ErrInvalidLayout, l.DescAddr)
	}

	if l.AvailAddr%2 != 0 {
		return fmt.Errorf("%w: available ring %#x is not 2-byte aligned", ErrInvalidLayout, l.AvailAddr)
	}

	if l.UsedAddr%mem.PageSize != 0 {
		return fmt.Errorf("%w: used ring %#x is not page aligned", ErrInvalidLayout, l.UsedAddr)
	}

	return nil
}

func (l Layout) availIdxAddr() uint64 {
	return l.AvailAddr + 2
}

func (l Layout) availSlotAddr(slot uint16) uint64 {
	return l.AvailAddr + ringHdrSize + 2*uint64(slot%l.Size)
}

func (l Layout) usedIdxAddr() uint64 {
	return l.UsedAddr + 2
}

func (l Layout) usedElemAddr(slot uint16) uint64 {
	return l.UsedAddr + ringHdrSize + usedElemSize*uint64(slot%l.Size)
}

func (l Layout) descAddr(i uint16) uint64 {
	return l.DescAddr + descSize*uint64(i)
}

func availSize(n uint16) uint64 {
	return ringHdrSize + 2*uint64(n) + ringEvtSize
}

func usedSize(n uint16) uint64 {
	return ringHdrSize + usedElemSize*uint64(n) + ringEvtSize
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

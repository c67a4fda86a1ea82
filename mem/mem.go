// Package mem models the physical memory shared by firmware and devices.
//
// Addresses are physical and identity-mapped: the address the firmware
// writes into a descriptor is the address a device reads from.
package mem

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
)

// Memory is physical memory addressed by absolute physical address.
// Offsets passed to ReadAt and WriteAt are physical addresses.
type Memory interface {
	io.ReaderAt
	io.WriterAt

	// Fence is a full memory barrier. Writes issued before Fence are
	// visible to other parties before any write issued after it.
	Fence()
}

// ErrFault is returned for accesses outside of a memory region.
var ErrFault = errors.New("mem: access fault")

// RAM is a contiguous region of memory starting at Base.
type RAM struct {
	base uint64

	mu sync.Mutex
	b  []byte
}

// NewRAM returns size bytes of zeroed memory at physical address base.
func NewRAM(base uint64, size int) *RAM {
	return &RAM{
		base: base,
		b:    make([]byte, size),
	}
}

// Base returns the physical address of the first byte of the region.
func (r *RAM) Base() uint64 {
	return r.base
}

// Size returns the size of the region in bytes.
func (r *RAM) Size() int {
	return len(r.b)
}

// Contains reports whether [addr, addr+n) lies inside the region.
func (r *RAM) Contains(addr uint64, n int) bool {
	if addr < r.base || n < 0 {
		return false
	}

	off, size := addr-r.base, uint64(len(r.b))
	return off <= size && uint64(n) <= size-off
}

// ReadAt copies len(p) bytes at physical address off into p.
func (r *RAM) ReadAt(p []byte, off int64) (int, error) {
	addr := uint64(off)
	if !r.Contains(addr, len(p)) {
		return 0, fmt.Errorf("%w: read %d bytes at %#x", ErrFault, len(p), addr)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	return copy(p, r.b[addr-r.base:]), nil
}

// WriteAt copies p to physical address off.
func (r *RAM) WriteAt(p []byte, off int64) (int, error) {
	addr := uint64(off)
	if !r.Contains(addr, len(p)) {
		return 0, fmt.Errorf("%w: write %d bytes at %#x", ErrFault, len(p), addr)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	return copy(r.b[addr-r.base:], p), nil
}

// Fence orders the accesses on either side of it. Every access to the
// region is serialized by the same lock, so acquiring it is enough.
func (r *RAM) Fence() {
	r.mu.Lock()
	defer r.mu.Unlock()
}

var le = binary.LittleEndian

// Read16 reads a little-endian uint16 at addr.
func Read16(m Memory, addr uint64) (uint16, error) {
	var b [2]byte
	if _, err := m.ReadAt(b[:], int64(addr)); err != nil {
		return 0, err
	}

	return le.Uint16(b[:]), nil
}

// Read32 reads a little-endian uint32 at addr.
func Read32(m Memory, addr uint64) (uint32, error) {
	var b [4]byte
	if _, err := m.ReadAt(b[:], int64(addr)); err != nil {
		return 0, err
	}

	return le.Uint32(b[:]), nil
}

// Read64 reads a little-endian uint64 at addr.
func Read64(m Memory, addr uint64) (uint64, error) {
	var b [8]byte
	if _, err := m.ReadAt(b[:], int64(addr)); err != nil {
		return 0, err
	}

	return le.Uint64(b[:]), nil
}

// Write16 writes v at addr in little-endian order.
func Write16(m Memory, addr uint64, v uint16) error {
	_, err := m.WriteAt(le.AppendUint16(nil, v), int64(addr))
	return err
}

// Write32 writes v at addr in little-endian order.
func Write32(m Memory, addr uint64, v uint32) error {
	_, err := m.WriteAt(le.AppendUint32(nil, v), int64(addr))
	return err
}

// Write64 writes v at addr in little-endian order.
func Write64(m Memory, addr uint64, v uint64) error {
	_, err := m.WriteAt(le.AppendUint64(nil, v), int64(addr))
	return err
}

// Zero clears n bytes starting at addr.
func Zero(m Memory, addr uint64, n int) error {
	_, err := m.WriteAt(make([]byte, n), int64(addr))
	return err
}

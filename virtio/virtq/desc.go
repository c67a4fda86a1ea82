package virtq

import (
	"encoding/binary"

	"github.com/c35s/barefw/mem"
)

// Desc is an entry in the descriptor table of a split virtqueue.
type Desc struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

// Used is an element of the used ring: the head of a consumed chain and
// the number of bytes the device wrote into it.
type Used struct {
	ID  uint32
	Len uint32
}

const (
	DescFNext     = 1 // buffer continues in the descriptor named by Next
	DescFWrite    = 2 // buffer is device wo (otherwise ro)
	DescFIndirect = 4 // buffer contains a descriptor table
)

// NoNext terminates the free list.
const NoNext = 0xffff

// MaxSize is the largest queue size allowed by the split ring format.
const MaxSize = 1 << 15

var le = binary.LittleEndian

// IsWO reports whether the buffer is device write-only.
func (d Desc) IsWO() bool {
	return d.Flags&DescFWrite != 0
}

// IsRO reports whether the buffer is device read-only.
func (d Desc) IsRO() bool {
	return d.Flags&DescFWrite == 0
}

func (d Desc) encode() []byte {
	b := make([]byte, descSize)
	le.PutUint64(b[0:], d.Addr)
	le.PutUint32(b[8:], d.Len)
	le.PutUint16(b[12:], d.Flags)
	le.PutUint16(b[14:], d.Next)
	return b
}

func decodeDesc(b []byte) Desc {
	return Desc{
		Addr:  le.Uint64(b[0:]),
		Len:   le.Uint32(b[8:]),
		Flags: le.Uint16(b[12:]),
		Next:  le.Uint16(b[14:]),
	}
}

func readDesc(m mem.Memory, l Layout, i uint16) (Desc, error) {
	var b [descSize]byte
	if _, err := m.ReadAt(b[:], int64(l.descAddr(i))); err != nil {
		return Desc{}, err
	}

	return decodeDesc(b[:]), nil
}

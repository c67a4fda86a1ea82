package virtq

import (
	"fmt"

	"github.com/c35s/barefw/mem"
)

// DeviceQueue is the device side of a split virtqueue. It consumes the
// available ring and produces the used ring.
type DeviceQueue struct {
	mem    mem.Memory
	layout Layout
	notify func() error

	lastAvail uint16
	usedIdx   uint16
}

// Chain is a descriptor chain taken from the available ring.
type Chain struct {
	q    *DeviceQueue
	Head uint16
	Desc []Desc
}

// NewDevice returns the device side of the queue at l. The notify callback
// is called after each used element is published.
func NewDevice(m mem.Memory, l Layout, notify func() error) *DeviceQueue {
	if notify == nil {
		notify = func() error { return nil }
	}

	return &DeviceQueue{
		mem:    m,
		layout: l,
		notify: notify,
	}
}

// Next returns the next available descriptor chain or nil if no chains are
// available. Chains that loop or point outside of the table are rejected
// with ErrInvalidChain.
func (q *DeviceQueue) Next() (*Chain, error) {
	if q.layout.Size == 0 {
		return nil, nil
	}

	idx, err := mem.Read16(q.mem, q.layout.availIdxAddr())
	if err != nil {
		return nil, err
	}

	if idx == q.lastAvail {
		return nil, nil
	}

	q.mem.Fence()

	head, err := mem.Read16(q.mem, q.layout.availSlotAddr(q.lastAvail))
	if err != nil {
		return nil, err
	}

	q.lastAvail++

	c := &Chain{q: q, Head: head}

	for i := head; ; {
		if i >= q.layout.Size {
			return nil, fmt.Errorf("%w: descriptor %d >= %d", ErrInvalidChain, i, q.layout.Size)
		}

		if len(c.Desc) == int(q.layout.Size) {
			return nil, fmt.Errorf("%w: loop at head %d", ErrInvalidChain, head)
		}

		d, err := readDesc(q.mem, q.layout, i)
		if err != nil {
			return nil, err
		}

		c.Desc = append(c.Desc, d)
		if d.Flags&DescFNext == 0 {
			break
		}

		i = d.Next
	}

	return c, nil
}

// Len returns the number of descriptors in the chain.
func (c *Chain) Len() int {
	return len(c.Desc)
}

// IsRO reports whether descriptor i is device read-only.
func (c *Chain) IsRO(i int) bool {
	return c.Desc[i].IsRO()
}

// IsWO reports whether descriptor i is device write-only.
func (c *Chain) IsWO(i int) bool {
	return c.Desc[i].IsWO()
}

// Read returns a copy of the buffer described by descriptor i.
func (c *Chain) Read(i int) ([]byte, error) {
	d := c.Desc[i]
	p := make([]byte, d.Len)
	if _, err := c.q.mem.ReadAt(p, int64(d.Addr)); err != nil {
		return nil, err
	}

	return p, nil
}

// Write copies p into the buffer described by descriptor i, truncating p
// to the buffer's length. It returns the number of bytes written.
func (c *Chain) Write(i int, p []byte) (int, error) {
	d := c.Desc[i]
	if len(p) > int(d.Len) {
		p = p[:d.Len]
	}

	return c.q.mem.WriteAt(p, int64(d.Addr))
}

// Release returns the chain to the driver, reporting that bytesWritten
// bytes were written to its device-writable buffers, and notifies the
// driver.
func (c *Chain) Release(bytesWritten int) error {
	q := c.q
	addr := q.layout.usedElemAddr(q.usedIdx)

	if err := mem.Write32(q.mem, addr, uint32(c.Head)); err != nil {
		return err
	}

	if err := mem.Write32(q.mem, addr+4, uint32(bytesWritten)); err != nil {
		return err
	}

	q.mem.Fence()

	q.usedIdx++
	if err := mem.Write16(q.mem, q.layout.usedIdxAddr(), q.usedIdx); err != nil {
		return err
	}

	return q.notify()
}

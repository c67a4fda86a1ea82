// Package virtq implements split virtqueues as described by the Virtual I/O
// Device (VIRTIO) Version 1.2 spec, section 2.7. Queue is the driver side of
// a ring and DeviceQueue is the device side. Packed virtqueues, indirect
// descriptors and event suppression are not supported.
package virtq

import (
	"errors"
	"fmt"

	"github.com/c35s/barefw/mem"
)

var (
	ErrNoDescriptors = errors.New("virtq: not enough free descriptors")
	ErrNotInFlight   = errors.New("virtq: descriptor is not in flight")
	ErrInvalidLayout = errors.New("virtq: invalid layout")
	ErrInvalidChain  = errors.New("virtq: invalid descriptor chain")
)

// Config configures the driver side of a queue.
type Config struct {

	// Mem is the memory holding the rings and the buffers.
	Mem mem.Memory

	// Layout locates the rings in Mem.
	Layout Layout

	// Notify tells the device that new buffers are available. On virtio-mmio
	// it writes the queue index to the QueueNotify register.
	Notify func()
}

// Buf describes one buffer of a descriptor chain.
type Buf struct {
	Addr  uint64
	Len   uint32
	Write bool // device writable
}

// Queue is the driver side of a split virtqueue. It owns the descriptor
// table and the available ring; the device owns the used ring.
//
// A Queue is not safe for concurrent use.
type Queue struct {
	mem    mem.Memory
	layout Layout
	notify func()

	link     []uint16   // free list links, indexed by descriptor
	inFlight []bool     // descriptor is owned by the device
	chains   [][]uint16 // in-flight chains, indexed by head

	freeHead  uint16
	freeCount int

	availIdx uint16 // shadow of avail.idx
	lastUsed uint16 // last used.idx seen by Reap
}

// New validates cfg and returns an initialized queue.
func New(cfg Config) (*Queue, error) {
	if err := cfg.Layout.validate(); err != nil {
		return nil, err
	}

	if cfg.Notify == nil {
		cfg.Notify = func() {}
	}

	n := int(cfg.Layout.Size)

	q := &Queue{
		mem:      cfg.Mem,
		layout:   cfg.Layout,
		notify:   cfg.Notify,
		link:     make([]uint16, n),
		inFlight: make([]bool, n),
		chains:   make([][]uint16, n),
	}

	if err := q.Init(); err != nil {
		return nil, err
	}

	return q, nil
}

// Init zeroes the rings and threads every descriptor onto the free list.
// Any chains in flight are forgotten.
func (q *Queue) Init() error {
	l := q.layout

	if err := mem.Zero(q.mem, l.DescAddr, descSize*int(l.Size)); err != nil {
		return fmt.Errorf("virtq: init descriptor table: %w", err)
	}

	if err := mem.Zero(q.mem, l.AvailAddr, int(availSize(l.Size))); err != nil {
		return fmt.Errorf("virtq: init available ring: %w", err)
	}

	if err := mem.Zero(q.mem, l.UsedAddr, int(usedSize(l.Size))); err != nil {
		return fmt.Errorf("virtq: init used ring: %w", err)
	}

	for i := range q.link {
		q.link[i] = uint16(i + 1)
		q.inFlight[i] = false
		q.chains[i] = nil
	}

	q.link[len(q.link)-1] = NoNext
	q.freeHead = 0
	q.freeCount = len(q.link)
	q.availIdx = 0
	q.lastUsed = 0

	return nil
}

// Size returns the number of descriptors in the queue.
func (q *Queue) Size() int {
	return int(q.layout.Size)
}

// Layout returns the queue's memory layout.
func (q *Queue) Layout() Layout {
	return q.layout
}

// FreeCount returns the number of descriptors on the free list.
func (q *Queue) FreeCount() int {
	return q.freeCount
}

// AllocChain takes n descriptors off the front of the free list. If fewer
// than n are free it returns ErrNoDescriptors and the free list is left as
// it was.
func (q *Queue) AllocChain(n int) ([]uint16, error) {
	if n < 1 {
		panic(fmt.Sprintf("virtq: alloc chain of %d descriptors", n))
	}

	if q.freeCount < n {
		return nil, fmt.Errorf("%w: want %d, have %d", ErrNoDescriptors, n, q.freeCount)
	}

	chain := make([]uint16, n)
	for i := range chain {
		id := q.freeHead
		q.freeHead = q.link[id]
		q.link[id] = NoNext
		q.inFlight[id] = true
		chain[i] = id
	}

	q.freeCount -= n
	q.chains[chain[0]] = chain

	return chain, nil
}

// Link writes one descriptor per buffer and chains them in order. The last
// descriptor has no next flag.
func (q *Queue) Link(chain []uint16, bufs []Buf) error {
	if len(chain) != len(bufs) {
		panic(fmt.Sprintf("virtq: link %d buffers into %d descriptors", len(bufs), len(chain)))
	}

	for i, id := range chain {
		d := Desc{
			Addr: bufs[i].Addr,
			Len:  bufs[i].Len,
		}

		if bufs[i].Write {
			d.Flags |= DescFWrite
		}

		if i < len(chain)-1 {
			d.Flags |= DescFNext
			d.Next = chain[i+1]
		}

		if _, err := q.mem.WriteAt(d.encode(), int64(q.layout.descAddr(id))); err != nil {
			return fmt.Errorf("virtq: write descriptor %d: %w", id, err)
		}
	}

	return nil
}

// Post places head in the next available ring slot and then advances the
// available index. A fence separates the two writes so the device never
// sees the new index before the slot. Post does not notify the device.
func (q *Queue) Post(head uint16) {
	must(mem.Write16(q.mem, q.layout.availSlotAddr(q.availIdx), head))
	q.mem.Fence()

	q.availIdx++
	must(mem.Write16(q.mem, q.layout.availIdxAddr(), q.availIdx))
}

// Kick notifies the device that buffers are available.
func (q *Queue) Kick() {
	q.mem.Fence()
	q.notify()
}

// Publish posts head and notifies the device.
func (q *Queue) Publish(head uint16) {
	q.Post(head)
	q.Kick()
}

// Pending reports whether the device has used buffers that Reap has not
// returned yet.
func (q *Queue) Pending() bool {
	idx, err := mem.Read16(q.mem, q.layout.usedIdxAddr())
	must(err)

	return idx != q.lastUsed
}

// Reap returns the next used element, if there is one. The caller is
// responsible for returning the chain with FreeChain.
func (q *Queue) Reap() (Used, bool) {
	idx, err := mem.Read16(q.mem, q.layout.usedIdxAddr())
	must(err)

	if idx == q.lastUsed {
		return Used{}, false
	}

	q.mem.Fence()

	var b [usedElemSize]byte
	_, err = q.mem.ReadAt(b[:], int64(q.layout.usedElemAddr(q.lastUsed)))
	must(err)

	q.lastUsed++

	return Used{
		ID:  le.Uint32(b[0:]),
		Len: le.Uint32(b[4:]),
	}, true
}

// Chain returns the in-flight chain that starts with head, or nil.
func (q *Queue) Chain(head uint32) []uint16 {
	if head >= uint32(len(q.chains)) {
		return nil
	}

	return q.chains[head]
}

// FreeChain pushes the descriptors of chain back onto the front of the free
// list, preserving their order. Every descriptor must be in flight and
// appear once, otherwise ErrNotInFlight is returned and nothing changes.
func (q *Queue) FreeChain(chain []uint16) error {
	seen := make(map[uint16]bool, len(chain))
	for _, id := range chain {
		if int(id) >= len(q.inFlight) || !q.inFlight[id] || seen[id] {
			return fmt.Errorf("%w: %d", ErrNotInFlight, id)
		}

		seen[id] = true
	}

	for i := len(chain) - 1; i >= 0; i-- {
		id := chain[i]
		q.chains[id] = nil
		q.inFlight[id] = false
		q.link[id] = q.freeHead
		q.freeHead = id
	}

	q.freeCount += len(chain)

	return nil
}

// Release returns the chain named by a used element to the free list.
func (q *Queue) Release(u Used) ([]uint16, error) {
	chain := q.Chain(u.ID)
	if chain == nil {
		return nil, fmt.Errorf("%w: used id %d", ErrNotInFlight, u.ID)
	}

	return chain, q.FreeChain(chain)
}

// free walks the free list and returns its length.
func (q *Queue) free() int {
	n := 0
	for id := q.freeHead; id != NoNext; id = q.link[id] {
		n++
		if n > len(q.link) {
			panic("virtq: free list cycle")
		}
	}

	return n
}

// must panics if err is not nil. Memory faults inside a validated layout
// mean the queue was built on the wrong memory.
func must(err error) {
	if err != nil {
		panic(err)
	}
}

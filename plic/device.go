package plic

import (
	"encoding/binary"
	"sync"

	"golang.org/x/sys/unix"
)

// Device emulates the PLIC. Sources are edge-triggered: Raise sets the
// pending bit, Claim clears it.
type Device struct {
	mu        sync.Mutex
	priority  [NumSources]uint32
	pending   uint64
	enabled   uint64
	claimed   uint64
	threshold uint32

	wake chan struct{}
}

// NewDevice returns a PLIC with every source masked.
func NewDevice() *Device {
	return &Device{wake: make(chan struct{}, 1)}
}

// Raise marks irq pending and wakes the hart if it is enabled.
func (d *Device) Raise(irq int) error {
	if irq <= 0 || irq >= NumSources {
		return unix.EINVAL
	}

	d.mu.Lock()
	d.pending |= 1 << irq
	d.mu.Unlock()

	d.signal()
	return nil
}

// Wake is signalled whenever an enabled source may be pending. It plays the
// part of the external interrupt line of the hart.
func (d *Device) Wake() <-chan struct{} {
	return d.wake
}

// Pending reports whether an enabled source above threshold is pending.
func (d *Device) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.best() != 0
}

// HandleMMIO performs a 32-bit register access at off.
func (d *Device) HandleMMIO(off uint64, p []byte, isWrite bool) error {
	if len(p) != 4 || off%4 != 0 {
		return unix.EINVAL
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if isWrite {
		return d.write(off, binary.LittleEndian.Uint32(p))
	}

	v, err := d.read(off)
	if err != nil {
		return err
	}

	binary.LittleEndian.PutUint32(p, v)
	return nil
}

func (d *Device) read(off uint64) (uint32, error) {
	switch {
	case off < RegPending:
		return d.priority[off/4%NumSources], nil

	case off == RegPending, off == RegPending+4:
		return uint32(d.pending >> (8 * (off - RegPending))), nil

	case off == RegEnable, off == RegEnable+4:
		return uint32(d.enabled >> (8 * (off - RegEnable))), nil

	case off == RegThreshold:
		return d.threshold, nil

	case off == RegClaim:
		id := d.best()
		if id != 0 {
			d.pending &^= 1 << id
			d.claimed |= 1 << id
		}

		return id, nil

	default:
		return 0, unix.EINVAL
	}
}

func (d *Device) write(off uint64, v uint32) error {
	switch {
	case off < RegPending:
		if i := off / 4; i > 0 && i < NumSources {
			d.priority[i] = v
		}

	case off == RegEnable, off == RegEnable+4:
		shift := 8 * (off - RegEnable)
		d.enabled = d.enabled&^(0xffffffff<<shift) | uint64(v)<<shift
		d.enabled &^= 1

	case off == RegThreshold:
		d.threshold = v

	case off == RegClaim:
		if v == 0 || v >= NumSources {
			return unix.EINVAL
		}

		d.claimed &^= 1 << v

	default:
		return unix.EINVAL
	}

	if d.best() != 0 {
		d.signal()
	}

	return nil
}

// best returns the enabled pending source with the highest priority above
// threshold, lowest id first on ties. The caller must hold d.mu.
func (d *Device) best() uint32 {
	var (
		id   uint32
		prio uint32
	)

	for i := uint32(1); i < NumSources; i++ {
		bit := uint64(1) << i
		if d.pending&d.enabled&bit == 0 || d.claimed&bit != 0 {
			continue
		}

		if p := d.priority[i]; p > d.threshold && p > prio {
			id, prio = i, p
		}
	}

	return id
}

func (d *Device) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Package plic drives and emulates a RISC-V platform-level interrupt
// controller, hart 0 supervisor context only.
package plic

import "github.com/c35s/barefw/virtio/mmio"

// DefaultBase is the PLIC base address on the reference platform.
const DefaultBase = 0x0C000000

// register offsets for context 0

const (
	RegPriority  = 0x000000 // 4 bytes per source
	RegPending   = 0x001000 // 1 bit per source
	RegEnable    = 0x002000 // 1 bit per source
	RegThreshold = 0x200000
	RegClaim     = 0x200004 // read claims, write completes

	// Size is the size of the register window.
	Size = 0x400000
)

// NumSources is the number of interrupt sources, source 0 included.
const NumSources = 64

// Controller is the driver side of the PLIC.
type Controller struct {
	regs mmio.Regs
}

// New returns a controller for the PLIC at base.
func New(io mmio.RegisterIO, base uint64) *Controller {
	return &Controller{regs: mmio.Regs{IO: io, Base: base}}
}

// Init accepts every priority above zero and masks every source.
func (c *Controller) Init() {
	c.regs.Write(RegThreshold, 0)
	for w := uint64(0); w < NumSources/32; w++ {
		c.regs.Write(RegEnable+4*w, 0)
	}
}

// Enable unmasks irq at priority 1.
func (c *Controller) Enable(irq uint32) {
	c.regs.Write(RegPriority+4*uint64(irq), 1)

	off := RegEnable + 4*uint64(irq/32)
	c.regs.Write(off, c.regs.Read(off)|1<<(irq%32))
}

// Disable masks irq.
func (c *Controller) Disable(irq uint32) {
	off := RegEnable + 4*uint64(irq/32)
	c.regs.Write(off, c.regs.Read(off)&^(1<<(irq%32)))
}

// Claim returns the highest-priority pending source, or 0 if none.
func (c *Controller) Claim() uint32 {
	return c.regs.Read(RegClaim)
}

// Complete signals that the handler for id is done.
func (c *Controller) Complete(id uint32) {
	c.regs.Write(RegClaim, id)
}

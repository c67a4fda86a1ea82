// Package mmio implements the virtio-mmio transport: the register map, a
// register accessor for drivers, and an emulated device bus.
package mmio

import "github.com/c35s/barefw/virtio"

// DeviceInfo describes an installed virtio-mmio device.
type DeviceInfo struct {
	Type virtio.DeviceID
	IRQ  int
	Addr uint64
	Size uint64
}

// interrupt status bits

const (
	IntUsedBuffer   = 1 << 0 // the device has used at least 1 buffer
	IntConfigChange = 1 << 1 // the configuration of the device has changed
)

// mmio register offsets

const (
	RegMagicValue        = 0x000 // always 0x74726976 (R; "virt")
	RegVersion           = 0x004 // always 0x2 (R)
	RegDeviceID          = 0x008 // virtio subsystem device id (R)
	RegVendorID          = 0x00c // virtio subsystem vendor id (R)
	RegDeviceFeatures    = 0x010 // flags, depends on RegDeviceFeaturesSel (R)
	RegDeviceFeaturesSel = 0x014 // word selection for RegDeviceFeatures (W)
	RegDriverFeatures    = 0x020 // feature flags activated by the driver (W)
	RegDriverFeaturesSel = 0x024 // word selection for RegDriverFeatures (W)
	RegQueueSel          = 0x030 // virtual queue index (W)
	RegQueueNumMax       = 0x034 // maximum virtual queue size (R)
	RegQueueNum          = 0x038 // virtual queue size (W)
	RegQueueReady        = 0x044 // virtual queue ready bit (RW)
	RegQueueNotify       = 0x050 // queue notifier (W)
	RegInterruptStatus   = 0x060 // interrupt status (R)
	RegInterruptAck      = 0x064 // interrupt acknowledge (W)
	RegStatus            = 0x070 // device status (RW)
	RegQueueDescLow      = 0x080 // descriptor area GPA, low word (W)
	RegQueueDescHigh     = 0x084 // descriptor area GPA, high word (W)
	RegQueueDriverLow    = 0x090 // driver area GPA, low word (W)
	RegQueueDriverHigh   = 0x094 // driver area GPA, high word (W)
	RegQueueDeviceLow    = 0x0a0 // device area GPA, low word (W)
	RegQueueDeviceHigh   = 0x0a4 // device area GPA, high word (W)
	RegConfigGeneration  = 0x0fc // configuration atomicity value (R)
	RegDeviceConfigStart = 0x100 // device specific configuration space >= 0x100 (RW)
)

// WindowSize is the size of the register window of one device.
const WindowSize = 0x1000

// RegisterIO performs 32-bit register accesses at absolute physical
// addresses. Every call reaches the device; none are cached, merged or
// reordered.
type RegisterIO interface {
	Read32(addr uint64) uint32
	Write32(addr uint64, v uint32)
}

// Regs accesses the registers of one device window.
type Regs struct {
	IO   RegisterIO
	Base uint64
}

// Read reads the register at off.
func (r Regs) Read(off uint64) uint32 {
	return r.IO.Read32(r.Base + off)
}

// Write writes v to the register at off.
func (r Regs) Write(off uint64, v uint32) {
	r.IO.Write32(r.Base+off, v)
}

// Write64 writes v to a low/high register pair, low word first.
func (r Regs) Write64(lowOff uint64, v uint64) {
	r.Write(lowOff, uint32(v))
	r.Write(lowOff+4, uint32(v>>32))
}

// ReadConfig32 reads a little-endian 32-bit field at off in the device
// configuration space.
func (r Regs) ReadConfig32(off uint64) uint32 {
	return r.Read(RegDeviceConfigStart + off)
}

// ReadConfig64 reads a little-endian 64-bit field at off in the device
// configuration space, low word first.
func (r Regs) ReadConfig64(off uint64) uint64 {
	lo := r.ReadConfig32(off)
	hi := r.ReadConfig32(off + 4)
	return uint64(hi)<<32 | uint64(lo)
}

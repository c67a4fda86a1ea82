package mmio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"github.com/c35s/barefw/mem"
	"github.com/c35s/barefw/virtio"
	"github.com/c35s/barefw/virtio/virtq"
	"golang.org/x/sys/unix"
)

// Bus emulates a set of virtio-mmio devices.
type Bus struct {
	mem     mem.Memory
	notify  func(irq int) error
	log     *slog.Logger
	devices []*device
}

// BusConfig places the devices of a bus.
type BusConfig struct {

	// Base is the address of the first device's register window. Each
	// following device is placed WindowSize bytes higher.
	// If Base is 0, DefaultBase is used.
	Base uint64

	// IRQ is the interrupt line of the first device. Each following device
	// uses the next line. If IRQ is 0, DefaultIRQ is used.
	IRQ int

	// Mem is the memory holding the virtqueues and buffers.
	Mem mem.Memory

	// Notify is called when a device needs to interrupt the driver.
	Notify func(irq int) error

	// Log receives device errors. If nil, slog.Default() is used.
	Log *slog.Logger
}

const (
	DefaultBase = 0x10001000
	DefaultIRQ  = 2

	// QueueNumMax is the largest queue size offered by every device.
	QueueNumMax = 256

	maxQueues = 16
)

type device struct {
	bus  *Bus
	info DeviceInfo

	mu      sync.Mutex
	handler virtio.DeviceHandler
	state   deviceState

	qC [maxQueues]chan struct{}
}

type deviceState struct {
	status  uint32
	version uint32

	deviceFeaturesSel uint32
	driverFeaturesSel uint32
	driverFeatures    uint64

	queueSel uint32
	queue    [maxQueues]queueState

	intStatus uint32
}

type queueState struct {
	Ready      uint32
	NumDesc    uint32
	DescAddr   uint64 // address of the descriptor area
	DriverAddr uint64 // address of the driver area
	DeviceAddr uint64 // address of the device area
}

const (
	negotiatingFeatures = virtio.StatusAcknowledge | virtio.StatusDriver
	configuringQueues   = negotiatingFeatures | virtio.StatusFeaturesOK
	operatingNormally   = configuringQueues | virtio.StatusDriverOK
)

var le = binary.LittleEndian

// NewBus creates a new bus and installs a device for each of the given
// handlers. Devices are assigned an IRQ and a 4K register window in
// order. See the Devices method.
func NewBus(cfg BusConfig, handlers []virtio.DeviceHandler) *Bus {
	if cfg.Base == 0 {
		cfg.Base = DefaultBase
	}

	if cfg.IRQ == 0 {
		cfg.IRQ = DefaultIRQ
	}

	if cfg.Notify == nil {
		cfg.Notify = func(int) error { return nil }
	}

	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}

	var (
		irq  = cfg.IRQ
		addr = cfg.Base
	)

	b := &Bus{
		mem:     cfg.Mem,
		notify:  cfg.Notify,
		log:     cfg.Log,
		devices: make([]*device, len(handlers)),
	}

	for i, h := range handlers {
		d := &device{
			bus: b,

			info: DeviceInfo{
				Type: h.GetType(),
				IRQ:  irq,
				Addr: addr,
				Size: WindowSize,
			},

			handler: h,
		}

		d.makeQueueChans()
		b.devices[i] = d

		irq++
		addr += WindowSize
	}

	return b
}

// HandleMMIO routes an MMIO event to the appropriate device.
// It returns (found=false, err=nil) if no device is found.
func (b *Bus) HandleMMIO(addr uint64, data []byte, isWrite bool) (found bool, err error) {
	var dev *device
	for _, d := range b.devices {
		if addr >= d.info.Addr && addr < d.info.Addr+d.info.Size {
			dev = d
			break
		}
	}

	if dev == nil {
		return false, nil
	}

	off := int(addr - dev.info.Addr)
	return true, dev.HandleMMIO(off, data, isWrite)
}

// Contains reports whether addr falls inside a device window.
func (b *Bus) Contains(addr uint64) bool {
	for _, d := range b.devices {
		if addr >= d.info.Addr && addr < d.info.Addr+d.info.Size {
			return true
		}
	}

	return false
}

// Devices returns a slice describing the installed devices.
func (b *Bus) Devices() []DeviceInfo {
	dd := make([]DeviceInfo, len(b.devices))
	for i, d := range b.devices {
		dd[i] = d.info
	}

	return dd
}

func (d *device) HandleMMIO(off int, data []byte, isWrite bool) (err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	defer func() {
		if err != nil {
			err = fmt.Errorf("%v: register %#x: %w", d.info.Type, off, err)
			d.fail()
		}
	}()

	if len(data) != 4 && off < RegDeviceConfigStart {
		return unix.EINVAL
	}

	if isWrite {
		return d.writeMMIO(off, data)
	}

	return d.readMMIO(off, data)
}

// fail moves the device to NEEDS_RESET and tells the driver about it.
// The caller must hold d.mu.
func (d *device) fail() {
	if d.needsReset() || d.driverFailed() {
		return
	}

	notify := d.isOperatingNormally()
	d.state.status |= virtio.StatusNeedsReset
	d.state.version++

	if notify {
		d.state.intStatus |= IntConfigChange
		if err := d.bus.notify(d.info.IRQ); err != nil {
			d.bus.log.Error("virtio config change notification failed",
				"irq", d.info.IRQ, "err", err)
		}
	}
}

func (d *device) readMMIO(off int, p []byte) error {
	switch off {
	case RegMagicValue:
		le.PutUint32(p, virtio.MagicValue)

	case RegVersion:
		le.PutUint32(p, virtio.Version)

	case RegDeviceID:
		le.PutUint32(p, uint32(d.handler.GetType()))

	case RegVendorID:
		le.PutUint32(p, 0xffff)

	case RegDeviceFeatures:
		le.PutUint32(p, uint32(d.getFeatures()>>(32*d.state.deviceFeaturesSel)))

	case RegQueueNumMax:
		le.PutUint32(p, QueueNumMax)

	case RegQueueReady:
		le.PutUint32(p, d.selectedQueue().Ready)

	case RegInterruptStatus:
		le.PutUint32(p, d.state.intStatus)

	case RegStatus:
		le.PutUint32(p, d.state.status)

	case RegConfigGeneration:
		le.PutUint32(p, d.state.version)

	default:
		if off < RegDeviceConfigStart {
			return unix.EINVAL
		}

		return d.handler.ReadConfig(p, off-RegDeviceConfigStart)
	}

	return nil
}

func (d *device) writeMMIO(off int, p []byte) error {
	// if the device or driver has failed, only allow status register writes (to reset)
	if d.state.status&(virtio.StatusNeedsReset|virtio.StatusFailed) > 0 && off != RegStatus {
		return unix.EPERM
	}

	v := le.Uint32(p)

	switch off {
	case RegDeviceFeaturesSel:
		return d.writeDeviceFeaturesSel(v)

	case RegDriverFeatures:
		return d.writeDriverFeatures(v)

	case RegDriverFeaturesSel:
		return d.writeDriverFeaturesSel(v)

	case RegQueueSel:
		return d.writeQueueSel(v)

	case RegQueueNum:
		return d.writeQueueNum(v)

	case RegQueueReady:
		return d.writeQueueReady(v)

	case RegQueueNotify:
		return d.writeQueueNotify(v)

	case RegInterruptAck:
		return d.writeInterruptAck(v)

	case RegStatus:
		return d.writeStatus(v)

	case RegQueueDescLow:
		return d.writeQueueAddr(&d.selectedQueue().DescAddr, v, 0)

	case RegQueueDescHigh:
		return d.writeQueueAddr(&d.selectedQueue().DescAddr, v, 32)

	case RegQueueDriverLow:
		return d.writeQueueAddr(&d.selectedQueue().DriverAddr, v, 0)

	case RegQueueDriverHigh:
		return d.writeQueueAddr(&d.selectedQueue().DriverAddr, v, 32)

	case RegQueueDeviceLow:
		return d.writeQueueAddr(&d.selectedQueue().DeviceAddr, v, 0)

	case RegQueueDeviceHigh:
		return d.writeQueueAddr(&d.selectedQueue().DeviceAddr, v, 32)

	default:
		return unix.EINVAL
	}
}

func (d *device) writeStatus(v uint32) error {
	if v == 0 {
		d.reset()
		return nil
	}

	if v&virtio.StatusNeedsReset > 0 || v < d.state.status {
		return unix.EINVAL
	}

	if v&virtio.StatusFailed > 0 {
		d.state.status = v
		d.bus.log.Warn("virtio driver gave up on device", "type", d.info.Type, "status", v)
		return nil
	}

	// refuse FEATURES_OK unless the required features were accepted
	if v&virtio.StatusFeaturesOK > 0 && d.state.status&virtio.StatusFeaturesOK == 0 {
		if d.state.driverFeatures&virtio.RequiredFeatures != virtio.RequiredFeatures {
			v &^= virtio.StatusFeaturesOK
		}
	}

	wasOperating := d.isOperatingNormally()
	d.state.status = v
	d.state.version++

	if d.isOperatingNormally() && !wasOperating {
		if err := d.handler.Ready(d.state.driverFeatures); err != nil {
			return err
		}
	}

	return nil
}

func (d *device) writeDeviceFeaturesSel(v uint32) error {
	if !d.isNegotiatingFeatures() {
		return unix.EPERM
	}

	if v > 1 {
		return unix.EINVAL
	}

	d.state.deviceFeaturesSel = v
	return nil
}

func (d *device) writeDriverFeaturesSel(v uint32) error {
	if !d.isNegotiatingFeatures() {
		return unix.EPERM
	}

	if v > 1 {
		return unix.EINVAL
	}

	d.state.driverFeaturesSel = v
	return nil
}

func (d *device) writeDriverFeatures(v uint32) error {
	if !d.isNegotiatingFeatures() {
		return unix.EPERM
	}

	shift := 32 * d.state.driverFeaturesSel
	f := d.state.driverFeatures&^(0xffffffff<<shift) | uint64(v)<<shift

	if f&^d.getFeatures() != 0 {
		return unix.EINVAL
	}

	d.state.driverFeatures = f
	return nil
}

func (d *device) writeQueueSel(v uint32) error {
	if !d.isConfiguringQueues() {
		return unix.EPERM
	}

	if v >= maxQueues {
		return unix.EINVAL
	}

	d.state.queueSel = v
	return nil
}

func (d *device) writeQueueNum(v uint32) error {
	if !d.isConfiguringQueues() || d.selectedQueue().Ready == 1 {
		return unix.EPERM
	}

	if v == 0 || v > QueueNumMax || v&(v-1) != 0 {
		return unix.EINVAL
	}

	d.selectedQueue().NumDesc = v
	return nil
}

func (d *device) writeQueueAddr(addr *uint64, v uint32, shift uint) error {
	if !d.isConfiguringQueues() || d.selectedQueue().Ready == 1 {
		return unix.EPERM
	}

	*addr = *addr&^(0xffffffff<<shift) | uint64(v)<<shift
	return nil
}

func (d *device) writeQueueReady(v uint32) error {
	if !d.isConfiguringQueues() {
		return unix.EPERM
	}

	if v != 1 {
		return unix.EINVAL
	}

	qs := d.selectedQueue()
	if qs.Ready == 1 {
		return unix.EPERM
	}

	if qs.NumDesc == 0 {
		return unix.EINVAL
	}

	qs.Ready = 1
	d.state.version++

	layout := virtq.Layout{
		Size:      uint16(qs.NumDesc),
		DescAddr:  qs.DescAddr,
		AvailAddr: qs.DriverAddr,
		UsedAddr:  qs.DeviceAddr,
	}

	vq := virtq.NewDevice(d.bus.mem, layout, func() error {
		d.mu.Lock()
		defer d.mu.Unlock()

		d.state.intStatus |= IntUsedBuffer
		return d.bus.notify(d.info.IRQ)
	})

	var (
		qn = int(d.state.queueSel)
		qC = d.qC[qn]
	)

	go func() {
		for range qC {
			if err := d.handler.Handle(qn, vq); err != nil {
				d.bus.log.Error("virtio queue handler failed",
					"type", d.info.Type, "queue", qn, "err", err)

				d.mu.Lock()
				d.fail()
				d.mu.Unlock()
			}
		}
	}()

	return nil
}

func (d *device) writeQueueNotify(v uint32) error {
	if !d.isOperatingNormally() {
		return unix.EPERM
	}

	if v >= maxQueues || d.state.queue[v].Ready != 1 {
		return unix.EINVAL
	}

	select {
	case d.qC[v] <- struct{}{}:
	default:
	}

	return nil
}

func (d *device) writeInterruptAck(v uint32) error {
	if !d.isOperatingNormally() {
		return unix.EPERM
	}

	// clear flags
	d.state.intStatus &^= v

	return nil
}

// reset returns the device to its initial state and stops its queue
// goroutines.
func (d *device) reset() {
	for _, c := range d.qC {
		close(c)
	}

	d.makeQueueChans()
	d.state = deviceState{}
}

func (d *device) makeQueueChans() {
	for i := range d.qC {
		d.qC[i] = make(chan struct{}, 1)
	}
}

func (d *device) getFeatures() uint64 {
	return virtio.RequiredFeatures | d.handler.GetFeatures()
}

func (d *device) isNegotiatingFeatures() bool {
	return d.state.status == negotiatingFeatures
}

func (d *device) isConfiguringQueues() bool {
	return d.state.status == configuringQueues
}

func (d *device) isOperatingNormally() bool {
	return d.state.status == operatingNormally
}

func (d *device) needsReset() bool {
	return d.state.status&virtio.StatusNeedsReset != 0
}

func (d *device) driverFailed() bool {
	return d.state.status&virtio.StatusFailed != 0
}

func (d *device) selectedQueue() *queueState {
	return &d.state.queue[d.state.queueSel]
}

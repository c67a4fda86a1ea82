package driver

import (
	"fmt"
	"log/slog"

	"github.com/c35s/barefw/mem"
	"github.com/c35s/barefw/virtio"
	"github.com/c35s/barefw/virtio/mmio"
	"github.com/c35s/barefw/virtio/virtq"
)

// State is a step of device initialization. States only move forward.
type State int

const (
	StateUnprobed State = iota
	StateMagicChecked
	StateVersionChecked
	StateDeviceIDChecked
	StateReset
	StateAcknowledged
	StateDriver
	StateFeaturesNegotiated
	StateFeaturesOK
	StateQueuesConfigured
	StateDriverOK
)

func (s State) String() string {
	switch s {
	case StateUnprobed:
		return "unprobed"
	case StateMagicChecked:
		return "magic-checked"
	case StateVersionChecked:
		return "version-checked"
	case StateDeviceIDChecked:
		return "device-id-checked"
	case StateReset:
		return "reset"
	case StateAcknowledged:
		return "acknowledged"
	case StateDriver:
		return "driver"
	case StateFeaturesNegotiated:
		return "features-negotiated"
	case StateFeaturesOK:
		return "features-ok"
	case StateQueuesConfigured:
		return "queues-configured"
	case StateDriverOK:
		return "driver-ok"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ProbeConfig describes the device to bring up.
type ProbeConfig struct {

	// IO performs register accesses.
	IO mmio.RegisterIO

	// Base is the address of the device's register window.
	Base uint64

	// DeviceID is the device class the driver supports.
	DeviceID virtio.DeviceID

	// Queues lays out the device's queues; queue i uses Queues[i].
	Queues []virtq.Layout

	// Mem holds the queues.
	Mem mem.Memory

	// Log receives probe progress. If nil, slog.Default() is used.
	Log *slog.Logger
}

// Transport is a device brought up to DRIVER_OK.
type Transport struct {
	regs     mmio.Regs
	id       virtio.DeviceID
	state    State
	features uint64
	queues   []*virtq.Queue
}

// Probe checks that the expected device is present and initializes it:
// reset, acknowledge, negotiate features, configure the queues and set
// DRIVER_OK. Only VIRTIO_F_VERSION_1 is accepted, and only if offered.
//
// If the window holds no device, or a device of another class, Probe
// returns ErrDeviceAbsent without writing any register.
func Probe(cfg ProbeConfig) (*Transport, error) {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	t := &Transport{
		regs: mmio.Regs{IO: cfg.IO, Base: cfg.Base},
		id:   cfg.DeviceID,
	}

	if v := t.regs.Read(mmio.RegMagicValue); v != virtio.MagicValue {
		return nil, fmt.Errorf("%w: %#x: bad magic %#x", ErrDeviceAbsent, cfg.Base, v)
	}

	t.state = StateMagicChecked

	if v := t.regs.Read(mmio.RegVersion); v != virtio.Version {
		return nil, fmt.Errorf("%w: %#x: unsupported version %d", ErrDeviceAbsent, cfg.Base, v)
	}

	t.state = StateVersionChecked

	if v := virtio.DeviceID(t.regs.Read(mmio.RegDeviceID)); v != cfg.DeviceID {
		return nil, fmt.Errorf("%w: %#x: found %v, want %v", ErrDeviceAbsent, cfg.Base, v, cfg.DeviceID)
	}

	t.state = StateDeviceIDChecked

	t.regs.Write(mmio.RegStatus, 0)
	t.state = StateReset

	status := uint32(virtio.StatusAcknowledge)
	t.regs.Write(mmio.RegStatus, status)
	t.state = StateAcknowledged

	status |= virtio.StatusDriver
	t.regs.Write(mmio.RegStatus, status)
	t.state = StateDriver

	t.regs.Write(mmio.RegDeviceFeaturesSel, 1)
	offered := uint64(t.regs.Read(mmio.RegDeviceFeatures)) << 32
	t.regs.Write(mmio.RegDeviceFeaturesSel, 0)
	offered |= uint64(t.regs.Read(mmio.RegDeviceFeatures))

	t.features = offered & virtio.FVersion1
	t.regs.Write(mmio.RegDriverFeaturesSel, 0)
	t.regs.Write(mmio.RegDriverFeatures, uint32(t.features))
	t.regs.Write(mmio.RegDriverFeaturesSel, 1)
	t.regs.Write(mmio.RegDriverFeatures, uint32(t.features>>32))
	t.state = StateFeaturesNegotiated

	status |= virtio.StatusFeaturesOK
	t.regs.Write(mmio.RegStatus, status)

	if t.regs.Read(mmio.RegStatus)&virtio.StatusFeaturesOK == 0 {
		t.fail(status)
		return nil, fmt.Errorf("%w: %v at %#x: offered %#x, accepted %#x",
			ErrFeaturesRejected, cfg.DeviceID, cfg.Base, offered, t.features)
	}

	t.state = StateFeaturesOK

	for i, l := range cfg.Queues {
		q, err := t.setupQueue(uint32(i), l, cfg.Mem)
		if err != nil {
			t.fail(status)
			return nil, fmt.Errorf("%v at %#x: queue %d: %w", cfg.DeviceID, cfg.Base, i, err)
		}

		t.queues = append(t.queues, q)
	}

	t.state = StateQueuesConfigured

	status |= virtio.StatusDriverOK
	t.regs.Write(mmio.RegStatus, status)
	t.state = StateDriverOK

	log.Info("virtio device ready",
		"type", cfg.DeviceID,
		"addr", fmt.Sprintf("%#x", cfg.Base),
		"features", fmt.Sprintf("%#x", t.features),
		"queues", len(t.queues))

	return t, nil
}

func (t *Transport) setupQueue(sel uint32, l virtq.Layout, m mem.Memory) (*virtq.Queue, error) {
	t.regs.Write(mmio.RegQueueSel, sel)

	if t.regs.Read(mmio.RegQueueReady) != 0 {
		return nil, fmt.Errorf("%w: already in use", ErrQueueUnavailable)
	}

	numMax := t.regs.Read(mmio.RegQueueNumMax)
	if numMax == 0 || numMax < uint32(l.Size) {
		return nil, fmt.Errorf("%w: size %d > max %d", ErrQueueUnavailable, l.Size, numMax)
	}

	q, err := virtq.New(virtq.Config{
		Mem:    m,
		Layout: l,
		Notify: func() { t.regs.Write(mmio.RegQueueNotify, sel) },
	})

	if err != nil {
		return nil, err
	}

	t.regs.Write(mmio.RegQueueNum, uint32(l.Size))
	t.regs.Write64(mmio.RegQueueDescLow, l.DescAddr)
	t.regs.Write64(mmio.RegQueueDriverLow, l.AvailAddr)
	t.regs.Write64(mmio.RegQueueDeviceLow, l.UsedAddr)
	t.regs.Write(mmio.RegQueueReady, 1)

	return q, nil
}

func (t *Transport) fail(status uint32) {
	t.regs.Write(mmio.RegStatus, status|virtio.StatusFailed)
}

// State returns the last initialization step completed.
func (t *Transport) State() State {
	return t.state
}

// Features returns the negotiated feature bits.
func (t *Transport) Features() uint64 {
	return t.features
}

// Queue returns queue i.
func (t *Transport) Queue(i int) *virtq.Queue {
	return t.queues[i]
}

// Regs returns the device's register window.
func (t *Transport) Regs() mmio.Regs {
	return t.regs
}

// AckInterrupt reads the interrupt status and acknowledges the bits that
// are set. It returns the status read.
func (t *Transport) AckInterrupt() uint32 {
	s := t.regs.Read(mmio.RegInterruptStatus)
	if s != 0 {
		t.regs.Write(mmio.RegInterruptAck, s)
	}

	return s
}

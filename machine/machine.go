// Package machine assembles a simulated RISC-V board: RAM, a PLIC and a
// virtio-mmio bus, reachable through 32-bit register accesses.
package machine

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/c35s/barefw/mem"
	"github.com/c35s/barefw/plic"
	"github.com/c35s/barefw/virtio"
	"github.com/c35s/barefw/virtio/mmio"
)

// Config describes a new machine.
type Config struct {

	// MemBase is the physical address of RAM.
	// If MemBase is 0, RAM starts at MemBaseDefault.
	MemBase uint64

	// MemSize is the size of RAM in bytes. It must be a multiple of the
	// page size. If MemSize is 0, the machine has 16M of RAM.
	MemSize int

	// DeviceBase is the address of the first virtio-mmio window.
	// If DeviceBase is 0, mmio.DefaultBase is used.
	DeviceBase uint64

	// IRQ is the PLIC source of the first device; each following device
	// uses the next source. If IRQ is 0, mmio.DefaultIRQ is used.
	IRQ int

	// Devices configures the machine's virtio-mmio devices, in window order.
	Devices []virtio.DeviceHandler

	// Log receives bus faults. If nil, slog.Default() is used.
	Log *slog.Logger
}

const (
	MemBaseDefault = 0x80000000
	MemSizeMin     = 1 << 20 // 1M
	MemSizeDefault = 16 << 20
	MemSizeMax     = 1 << 30 // 1G
)

var ErrConfig = errors.New("machine: invalid config")

// Machine is a simulated board. It implements mmio.RegisterIO.
type Machine struct {
	ram  *mem.RAM
	plic *plic.Device
	bus  *mmio.Bus
	log  *slog.Logger
}

// New creates a new machine.
func New(cfg Config) (*Machine, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	m := &Machine{
		ram:  mem.NewRAM(cfg.MemBase, cfg.MemSize),
		plic: plic.NewDevice(),
		log:  cfg.Log,
	}

	m.bus = mmio.NewBus(mmio.BusConfig{
		Base:   cfg.DeviceBase,
		IRQ:    cfg.IRQ,
		Mem:    m.ram,
		Notify: m.plic.Raise,
		Log:    cfg.Log,
	}, cfg.Devices)

	return m, nil
}

// Memory returns the machine's RAM.
func (m *Machine) Memory() *mem.RAM {
	return m.ram
}

// Devices describes the installed virtio devices.
func (m *Machine) Devices() []mmio.DeviceInfo {
	return m.bus.Devices()
}

// Wake is signalled when the PLIC may have an interrupt for the hart.
func (m *Machine) Wake() <-chan struct{} {
	return m.plic.Wake()
}

// Read32 performs a register read. Reads of unmapped or faulting registers
// return 0.
func (m *Machine) Read32(addr uint64) uint32 {
	p := make([]byte, 4)
	if err := m.access(addr, p, false); err != nil {
		m.log.Warn("register read fault", "addr", fmt.Sprintf("%#x", addr), "err", err)
		return 0
	}

	return binary.LittleEndian.Uint32(p)
}

// Write32 performs a register write. Writes to unmapped or faulting
// registers are dropped.
func (m *Machine) Write32(addr uint64, v uint32) {
	p := binary.LittleEndian.AppendUint32(nil, v)
	if err := m.access(addr, p, true); err != nil {
		m.log.Warn("register write fault", "addr", fmt.Sprintf("%#x", addr), "val", v, "err", err)
	}
}

var errUnmapped = errors.New("no device at address")

func (m *Machine) access(addr uint64, p []byte, isWrite bool) error {
	if addr >= plic.DefaultBase && addr < plic.DefaultBase+plic.Size {
		return m.plic.HandleMMIO(addr-plic.DefaultBase, p, isWrite)
	}

	found, err := m.bus.HandleMMIO(addr, p, isWrite)
	if !found {
		return errUnmapped
	}

	return err
}

func (cfg Config) validate() error {
	if cfg.MemSize%mem.PageSize != 0 {
		return fmt.Errorf("memory size must be a multiple of the page size (%d)", mem.PageSize)
	}

	if cfg.MemSize < MemSizeMin {
		return fmt.Errorf("memory is too small: %d < %d", cfg.MemSize, MemSizeMin)
	}

	if cfg.MemSize > MemSizeMax {
		return fmt.Errorf("memory is too large: %d > %d", cfg.MemSize, MemSizeMax)
	}

	if cfg.IRQ < 1 || cfg.IRQ+len(cfg.Devices) > plic.NumSources {
		return fmt.Errorf("device IRQs %d-%d do not fit the PLIC", cfg.IRQ, cfg.IRQ+len(cfg.Devices)-1)
	}

	ramEnd := cfg.MemBase + uint64(cfg.MemSize)
	devEnd := cfg.DeviceBase + mmio.WindowSize*uint64(len(cfg.Devices))
	if cfg.DeviceBase < ramEnd && devEnd > cfg.MemBase {
		return errors.New("device windows overlap RAM")
	}

	return nil
}

func (cfg Config) withDefaults() Config {
	if cfg.MemBase == 0 {
		cfg.MemBase = MemBaseDefault
	}

	if cfg.MemSize == 0 {
		cfg.MemSize = MemSizeDefault
	}

	if cfg.DeviceBase == 0 {
		cfg.DeviceBase = mmio.DefaultBase
	}

	if cfg.IRQ == 0 {
		cfg.IRQ = mmio.DefaultIRQ
	}

	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}

	return cfg
}

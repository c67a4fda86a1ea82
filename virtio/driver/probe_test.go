package driver_test

import (
	"errors"
	"testing"

	"github.com/c35s/barefw/mem"
	"github.com/c35s/barefw/virtio"
	"github.com/c35s/barefw/virtio/driver"
	"github.com/c35s/barefw/virtio/mmio"
	"github.com/c35s/barefw/virtio/virtq"
	"github.com/google/go-cmp/cmp"
)

// fakeRegs is a register window with scripted behavior.
type fakeRegs struct {
	regs   map[uint64]uint32
	writes []uint64

	features       uint64
	rejectFeatures bool
}

func newFakeRegs(id virtio.DeviceID) *fakeRegs {
	return &fakeRegs{
		regs: map[uint64]uint32{
			mmio.RegMagicValue:  virtio.MagicValue,
			mmio.RegVersion:     virtio.Version,
			mmio.RegDeviceID:    uint32(id),
			mmio.RegQueueNumMax: 16,
		},
		features: virtio.FVersion1 | 1<<5,
	}
}

func (f *fakeRegs) Read32(addr uint64) uint32 {
	if addr == mmio.RegDeviceFeatures {
		return uint32(f.features >> (32 * f.regs[mmio.RegDeviceFeaturesSel]))
	}

	return f.regs[addr]
}

func (f *fakeRegs) Write32(addr uint64, v uint32) {
	f.writes = append(f.writes, addr)

	if addr == mmio.RegStatus && f.rejectFeatures {
		v &^= virtio.StatusFeaturesOK
	}

	if addr == mmio.RegDriverFeatures {
		addr += 0x100 * uint64(f.regs[mmio.RegDriverFeaturesSel])
	}

	f.regs[addr] = v
}

func probeFake(f *fakeRegs, id virtio.DeviceID) (*driver.Transport, error) {
	return driver.Probe(driver.ProbeConfig{
		IO:       f,
		DeviceID: id,
		Queues:   []virtq.Layout{virtq.LayoutAt(0x80000000, 16)},
		Mem:      mem.NewRAM(0x80000000, 1<<16),
		Log:      quiet,
	})
}

func TestProbe(t *testing.T) {
	t.Run("ready", func(t *testing.T) {
		f := newFakeRegs(virtio.BlockDeviceID)
		tr, err := probeFake(f, virtio.BlockDeviceID)
		if err != nil {
			t.Fatal(err)
		}

		if tr.State() != driver.StateDriverOK {
			t.Errorf("%v != %v", tr.State(), driver.StateDriverOK)
		}

		if tr.Features() != virtio.FVersion1 {
			t.Errorf("%#x != %#x", tr.Features(), uint64(virtio.FVersion1))
		}

		// device-class features are declined
		if f.regs[mmio.RegDriverFeatures] != 0 || f.regs[mmio.RegDriverFeatures+0x100] != 1 {
			t.Errorf("lo=%#x hi=%#x", f.regs[mmio.RegDriverFeatures], f.regs[mmio.RegDriverFeatures+0x100])
		}

		want := uint32(virtio.StatusAcknowledge | virtio.StatusDriver | virtio.StatusFeaturesOK | virtio.StatusDriverOK)
		if f.regs[mmio.RegStatus] != want {
			t.Errorf("%#x != %#x", f.regs[mmio.RegStatus], want)
		}

		if f.regs[mmio.RegQueueReady] != 1 || f.regs[mmio.RegQueueNum] != 16 {
			t.Errorf("queue ready=%d num=%d", f.regs[mmio.RegQueueReady], f.regs[mmio.RegQueueNum])
		}

		if f.regs[mmio.RegQueueDeviceLow] != 0x80001000 || f.regs[mmio.RegQueueDeviceHigh] != 0 {
			t.Errorf("used ring at %#x:%#x", f.regs[mmio.RegQueueDeviceHigh], f.regs[mmio.RegQueueDeviceLow])
		}
	})

	t.Run("absent leaves registers alone", func(t *testing.T) {
		for name, f := range map[string]*fakeRegs{
			"magic":   {regs: map[uint64]uint32{mmio.RegMagicValue: 0x12345678}},
			"version": {regs: map[uint64]uint32{mmio.RegMagicValue: virtio.MagicValue, mmio.RegVersion: 1}},
			"class":   newFakeRegs(virtio.NetworkDeviceID),
		} {
			_, err := probeFake(f, virtio.BlockDeviceID)
			if !errors.Is(err, driver.ErrDeviceAbsent) {
				t.Errorf("%s: err=%v", name, err)
			}

			if len(f.writes) != 0 {
				t.Errorf("%s: %d register writes", name, len(f.writes))
			}
		}
	})

	t.Run("no version 1", func(t *testing.T) {
		f := newFakeRegs(virtio.BlockDeviceID)
		f.features = 1 << 5

		tr, err := probeFake(f, virtio.BlockDeviceID)
		if err != nil {
			t.Fatal(err)
		}

		if tr.Features() != 0 {
			t.Errorf("%#x != 0", tr.Features())
		}
	})

	t.Run("features rejected", func(t *testing.T) {
		f := newFakeRegs(virtio.BlockDeviceID)
		f.rejectFeatures = true

		_, err := probeFake(f, virtio.BlockDeviceID)
		if !errors.Is(err, driver.ErrFeaturesRejected) {
			t.Fatalf("err=%v", err)
		}

		if f.regs[mmio.RegStatus]&virtio.StatusFailed == 0 {
			t.Error("FAILED not set")
		}

		if f.regs[mmio.RegQueueReady] != 0 {
			t.Error("queue configured after rejection")
		}
	})

	t.Run("queue too small", func(t *testing.T) {
		f := newFakeRegs(virtio.BlockDeviceID)
		f.regs[mmio.RegQueueNumMax] = 8

		_, err := probeFake(f, virtio.BlockDeviceID)
		if !errors.Is(err, driver.ErrQueueUnavailable) {
			t.Fatalf("err=%v", err)
		}

		if f.regs[mmio.RegStatus]&virtio.StatusDriverOK != 0 {
			t.Error("DRIVER_OK set")
		}
	})
}

func TestStateString(t *testing.T) {
	got := []string{
		driver.StateUnprobed.String(),
		driver.StateFeaturesOK.String(),
		driver.StateDriverOK.String(),
		driver.State(42).String(),
	}

	want := []string{"unprobed", "features-ok", "driver-ok", "State(42)"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Error(diff)
	}
}

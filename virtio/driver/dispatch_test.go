package driver_test

import (
	"testing"

	"github.com/c35s/barefw/virtio/driver"
	"github.com/google/go-cmp/cmp"
)

type fakePLIC struct {
	claims    []uint32
	completed []uint32
}

func (p *fakePLIC) Claim() uint32 {
	if len(p.claims) == 0 {
		return 0
	}

	id := p.claims[0]
	p.claims = p.claims[1:]
	return id
}

func (p *fakePLIC) Complete(id uint32) {
	p.completed = append(p.completed, id)
}

type fakeDrainer struct {
	acks    int
	drains  int
	onDrain func()
}

func (d *fakeDrainer) AckInterrupt() uint32 {
	d.acks++
	return 1
}

func (d *fakeDrainer) Drain(driver.FrameSink) int {
	d.drains++
	if d.onDrain != nil {
		d.onDrain()
	}

	return 0
}

func TestDispatcher(t *testing.T) {
	t.Run("own source", func(t *testing.T) {
		p := &fakePLIC{claims: []uint32{2}}
		dev := &fakeDrainer{}
		d := &driver.Dispatcher{Controller: p, IRQ: 2, Device: dev}

		d.HandleInterrupt()

		if dev.acks != 1 || dev.drains != 1 {
			t.Errorf("acks=%d drains=%d", dev.acks, dev.drains)
		}

		if diff := cmp.Diff([]uint32{2}, p.completed); diff != "" {
			t.Error(diff)
		}
	})

	t.Run("foreign source", func(t *testing.T) {
		p := &fakePLIC{claims: []uint32{5}}
		dev := &fakeDrainer{}
		d := &driver.Dispatcher{Controller: p, IRQ: 2, Device: dev}

		d.HandleInterrupt()

		if dev.drains != 0 {
			t.Errorf("drains=%d", dev.drains)
		}

		if diff := cmp.Diff([]uint32{5}, p.completed); diff != "" {
			t.Error(diff)
		}
	})

	t.Run("nothing pending", func(t *testing.T) {
		p := &fakePLIC{}
		d := &driver.Dispatcher{Controller: p, IRQ: 2, Device: &fakeDrainer{}}

		d.HandleInterrupt()

		if len(p.completed) != 0 {
			t.Errorf("completed %v", p.completed)
		}
	})

	t.Run("poll skips the controller", func(t *testing.T) {
		p := &fakePLIC{claims: []uint32{2}}
		dev := &fakeDrainer{}
		d := &driver.Dispatcher{Controller: p, IRQ: 2, Device: dev}

		d.Poll()
		d.Poll()

		if dev.drains != 2 || len(p.claims) != 1 {
			t.Errorf("drains=%d claims=%v", dev.drains, p.claims)
		}
	})

	t.Run("re-entry panics", func(t *testing.T) {
		dev := &fakeDrainer{}
		d := &driver.Dispatcher{Device: dev}
		dev.onDrain = func() { d.Poll() }

		func() {
			defer func() {
				if recover() == nil {
					t.Error("no panic")
				}
			}()

			d.Poll()
		}()

		dev.onDrain = nil
		d.Poll()

		if dev.drains != 2 {
			t.Errorf("drains=%d", dev.drains)
		}
	})
}

package plic_test

import (
	"encoding/binary"
	"testing"

	"github.com/c35s/barefw/plic"
)

// deviceIO exposes an emulated PLIC at its default base.
type deviceIO struct{ d *plic.Device }

func (io deviceIO) Read32(addr uint64) uint32 {
	p := make([]byte, 4)
	io.d.HandleMMIO(addr-plic.DefaultBase, p, false)
	return binary.LittleEndian.Uint32(p)
}

func (io deviceIO) Write32(addr uint64, v uint32) {
	io.d.HandleMMIO(addr-plic.DefaultBase, binary.LittleEndian.AppendUint32(nil, v), true)
}

func TestClaimComplete(t *testing.T) {
	d := plic.NewDevice()
	c := plic.New(deviceIO{d}, plic.DefaultBase)
	c.Init()

	t.Run("masked source", func(t *testing.T) {
		d.Raise(2)
		if id := c.Claim(); id != 0 {
			t.Errorf("%d != 0", id)
		}
	})

	t.Run("enabled source", func(t *testing.T) {
		c.Enable(2)

		select {
		case <-d.Wake():
		default:
			t.Error("no wake")
		}

		if id := c.Claim(); id != 2 {
			t.Fatalf("%d != 2", id)
		}

		if id := c.Claim(); id != 0 {
			t.Errorf("claimed twice: %d", id)
		}

		c.Complete(2)
	})

	t.Run("lowest id wins ties", func(t *testing.T) {
		c.Enable(3)
		d.Raise(3)
		d.Raise(2)

		if id := c.Claim(); id != 2 {
			t.Errorf("%d != 2", id)
		}

		c.Complete(2)

		if id := c.Claim(); id != 3 {
			t.Errorf("%d != 3", id)
		}

		c.Complete(3)
	})

	t.Run("disable", func(t *testing.T) {
		c.Disable(3)
		d.Raise(3)

		if d.Pending() {
			t.Error("disabled source is pending")
		}
	})

	t.Run("source out of range", func(t *testing.T) {
		if err := d.Raise(plic.NumSources); err == nil {
			t.Error("no error")
		}
	})
}

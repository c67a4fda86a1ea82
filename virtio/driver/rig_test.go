package driver_test

import (
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/c35s/barefw/machine"
	"github.com/c35s/barefw/mem"
	"github.com/c35s/barefw/virtio"
	"github.com/c35s/barefw/virtio/driver"
)

const (
	fifoBase = 0x10001000
	blkBase  = 0x10002000
	fifoIRQ  = 2
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

// rig is a machine with a FIFO device and a block device.
type rig struct {
	m     *machine.Machine
	arena *mem.Arena
	host  net.Conn // far end of the FIFO
}

func newRig(t *testing.T, storage virtio.BlockStorage) *rig {
	t.Helper()

	dev, host := net.Pipe()
	t.Cleanup(func() {
		host.Close()
		dev.Close()
	})

	m, err := machine.New(machine.Config{
		Log: quiet,
		Devices: []virtio.DeviceHandler{
			&virtio.FIFO{Conn: dev, Log: quiet},
			&virtio.Block{Storage: storage, Log: quiet},
		},
	})

	if err != nil {
		t.Fatal(err)
	}

	return &rig{
		m:     m,
		arena: mem.NewArena(machine.MemBaseDefault+1<<20, 8<<20),
		host:  host,
	}
}

func (r *rig) block(t *testing.T, timeout time.Duration) *driver.Block {
	t.Helper()

	b, err := driver.NewBlock(driver.BlockConfig{
		IO:      r.m,
		Base:    blkBase,
		Mem:     r.m.Memory(),
		Arena:   r.arena,
		Timeout: timeout,
		Log:     quiet,
	})

	if err != nil {
		t.Fatal(err)
	}

	return b
}

func (r *rig) net(t *testing.T) *driver.Net {
	t.Helper()

	n, err := driver.NewNet(driver.NetConfig{
		IO:    r.m,
		Base:  fifoBase,
		Mem:   r.m.Memory(),
		Arena: r.arena,
		Log:   quiet,
	})

	if err != nil {
		t.Fatal(err)
	}

	return n
}

// eventually polls cond every millisecond for up to a second.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}

		time.Sleep(time.Millisecond)
	}
}

func pattern(n int, seed byte) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = seed + byte(i*7)
	}

	return p
}

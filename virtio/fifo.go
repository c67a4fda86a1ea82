package virtio

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/c35s/barefw/frame"
	"github.com/c35s/barefw/virtio/virtq"
)

// FIFO is a byte pipe device. The driver transmits on queue 0 and posts
// receive buffers on queue 1. Bytes from the transmit queue are copied to
// Conn as they are. Bytes read from Conn are split into length-prefixed
// units and each unit is written, prefix included, into one receive buffer.
type FIFO struct {

	// Conn is the host end of the pipe.
	Conn io.ReadWriter

	// Backlog is the number of units held while the driver has no receive
	// buffers posted. The oldest unit is dropped when it overflows.
	// If Backlog is 0, 64 units are held.
	Backlog int

	// Log receives link errors. If nil, slog.Default() is used.
	Log *slog.Logger

	once sync.Once

	mu      sync.Mutex
	rxq     *virtq.DeviceQueue
	pending [][]byte
	dropped int
}

const (
	fifoTxQ = 0
	fifoRxQ = 1
)

func (dev *FIFO) GetType() DeviceID {
	return FIFODeviceID
}

func (dev *FIFO) GetFeatures() uint64 {
	return 0
}

// Ready starts copying from Conn to the receive queue.
func (dev *FIFO) Ready(negotiatedFeatures uint64) error {
	if dev.Conn == nil {
		return errors.New("fifo: no conn")
	}

	dev.once.Do(func() { go dev.readLoop() })
	return nil
}

func (dev *FIFO) Handle(queueNum int, q *virtq.DeviceQueue) error {
	switch queueNum {
	case fifoTxQ:
		return dev.transmit(q)

	case fifoRxQ:
		dev.mu.Lock()
		defer dev.mu.Unlock()

		dev.rxq = q
		return dev.deliver()

	default:
		return fmt.Errorf("fifo: no queue %d", queueNum)
	}
}

func (dev *FIFO) ReadConfig(p []byte, off int) error {
	return fmt.Errorf("fifo: no config space")
}

// Dropped returns the number of units dropped because the backlog was full.
func (dev *FIFO) Dropped() int {
	dev.mu.Lock()
	defer dev.mu.Unlock()

	return dev.dropped
}

func (dev *FIFO) transmit(q *virtq.DeviceQueue) error {
	for {
		c, err := q.Next()
		if c == nil || err != nil {
			return err
		}

		for i := range c.Desc {
			if !c.IsRO(i) {
				return fmt.Errorf("fifo: tx descriptor %d is not read-only", i)
			}

			b, err := c.Read(i)
			if err != nil {
				return err
			}

			if _, err := dev.Conn.Write(b); err != nil {
				dev.logger().Error("fifo write failed", "err", err)
			}
		}

		if err := c.Release(0); err != nil {
			return err
		}
	}
}

func (dev *FIFO) readLoop() {
	r := frame.NewReader(dev.Conn)
	for {
		f, err := r.ReadFrame()
		if errors.Is(err, frame.ErrBadLength) {
			dev.logger().Warn("fifo dropped malformed input", "err", err)
			continue
		}

		if err != nil {
			if err != io.EOF {
				dev.logger().Error("fifo read failed", "err", err)
			}

			return
		}

		unit, _ := frame.Append(nil, f)

		dev.mu.Lock()
		dev.pending = append(dev.pending, unit)
		if backlog := dev.backlog(); len(dev.pending) > backlog {
			dev.dropped += len(dev.pending) - backlog
			dev.pending = dev.pending[len(dev.pending)-backlog:]
		}

		if err := dev.deliver(); err != nil {
			dev.logger().Error("fifo rx failed", "err", err)
		}

		dev.mu.Unlock()
	}
}

// deliver moves pending units into posted receive buffers.
// The caller must hold dev.mu.
func (dev *FIFO) deliver() error {
	for len(dev.pending) > 0 && dev.rxq != nil {
		c, err := dev.rxq.Next()
		if c == nil || err != nil {
			return err
		}

		if !c.IsWO(0) {
			return errors.New("fifo: rx descriptor is not write-only")
		}

		n, err := c.Write(0, dev.pending[0])
		if err != nil {
			return err
		}

		dev.pending = dev.pending[1:]
		if err := c.Release(n); err != nil {
			return err
		}
	}

	return nil
}

func (dev *FIFO) backlog() int {
	if dev.Backlog == 0 {
		return 64
	}

	return dev.Backlog
}

func (dev *FIFO) logger() *slog.Logger {
	if dev.Log == nil {
		return slog.Default()
	}

	return dev.Log
}

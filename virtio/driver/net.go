package driver

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/c35s/barefw/frame"
	"github.com/c35s/barefw/mem"
	"github.com/c35s/barefw/virtio"
	"github.com/c35s/barefw/virtio/mmio"
	"github.com/c35s/barefw/virtio/virtq"
)

const (
	// BufSize is the size of every transmit and receive buffer.
	BufSize = 2048

	// MaxFrame is the largest frame that fits a buffer with its prefix.
	MaxFrame = BufSize - frame.HeaderLen

	netTxQ = 0
	netRxQ = 1
)

// FrameSink receives inbound Ethernet frames. The frame is owned by the
// sink.
type FrameSink interface {
	DeliverFrame(frame []byte)
}

// FrameSinkFunc adapts a function to FrameSink.
type FrameSinkFunc func(frame []byte)

func (f FrameSinkFunc) DeliverFrame(frame []byte) {
	f(frame)
}

// NetConfig configures a network driver.
type NetConfig struct {

	// IO performs register accesses.
	IO mmio.RegisterIO

	// Base is the address of the device's register window.
	Base uint64

	// Mem is the memory shared with the device.
	Mem mem.Memory

	// Arena provides the static memory for the queues and buffers.
	Arena *mem.Arena

	// QueueSize is the number of descriptors per queue.
	// If 0, DefaultQueueSize is used.
	QueueSize uint16

	// Log receives driver events. If nil, slog.Default() is used.
	Log *slog.Logger
}

// NetStats counts frames.
type NetStats struct {
	TxFrames   atomic.Uint64 // frames handed to the device
	TxDropped  atomic.Uint64 // frames refused for lack of descriptors
	TxRejected atomic.Uint64 // frames refused for size
	RxFrames   atomic.Uint64 // frames delivered to the sink
	RxDropped  atomic.Uint64 // completions with a malformed prefix
}

// Net drives the FIFO network device: queue 0 transmits, queue 1 receives.
// Every descriptor owns one BufSize buffer, at the same index in its
// queue's pool.
type Net struct {
	t   *Transport
	tx  *virtq.Queue
	rx  *virtq.Queue
	mem mem.Memory
	log *slog.Logger

	txPool uint64
	rxPool uint64

	unit []byte // scratch for outgoing units

	stats NetStats
}

// NewNet probes the network device at cfg.Base, reserves its queues and
// buffers and posts half of the receive ring.
func NewNet(cfg NetConfig) (*Net, error) {
	if cfg.QueueSize == 0 {
		cfg.QueueSize = DefaultQueueSize
	}

	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}

	var layouts [2]virtq.Layout
	for i := range layouts {
		l, err := virtq.Reserve(cfg.Arena, cfg.QueueSize)
		if err != nil {
			return nil, err
		}

		layouts[i] = l
	}

	t, err := Probe(ProbeConfig{
		IO:       cfg.IO,
		Base:     cfg.Base,
		DeviceID: virtio.FIFODeviceID,
		Queues:   layouts[:],
		Mem:      cfg.Mem,
		Log:      cfg.Log,
	})

	if err != nil {
		return nil, err
	}

	n := &Net{
		t:    t,
		tx:   t.Queue(netTxQ),
		rx:   t.Queue(netRxQ),
		mem:  cfg.Mem,
		log:  cfg.Log,
		unit: make([]byte, 0, BufSize),
	}

	pool := BufSize * uint64(cfg.QueueSize)
	if n.txPool, err = cfg.Arena.Alloc(pool, mem.PageSize); err != nil {
		return nil, err
	}

	if n.rxPool, err = cfg.Arena.Alloc(pool, mem.PageSize); err != nil {
		return nil, err
	}

	if err := n.postReceive(int(cfg.QueueSize / 2)); err != nil {
		return nil, err
	}

	return n, nil
}

func (n *Net) postReceive(count int) error {
	for i := 0; i < count; i++ {
		chain, err := n.rx.AllocChain(1)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrResourceExhausted, err)
		}

		id := chain[0]
		err = n.rx.Link(chain, []virtq.Buf{{Addr: n.rxBuf(id), Len: BufSize, Write: true}})
		if err != nil {
			return err
		}

		n.rx.Post(id)
	}

	n.rx.Kick()
	return nil
}

// Send queues one frame for transmission. Frames longer than MaxFrame are
// refused with ErrFrameTooLarge before any descriptor is taken; a full
// transmit ring is reported as ErrResourceExhausted.
func (n *Net) Send(f []byte) error {
	if len(f) > MaxFrame {
		n.stats.TxRejected.Add(1)
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(f), MaxFrame)
	}

	if len(f) == 0 {
		n.stats.TxRejected.Add(1)
		return fmt.Errorf("%w: empty frame", ErrProtocol)
	}

	chain, err := n.tx.AllocChain(1)
	if err != nil {
		n.stats.TxDropped.Add(1)
		return fmt.Errorf("%w: %w", ErrResourceExhausted, err)
	}

	id := chain[0]
	n.unit = binary.BigEndian.AppendUint16(n.unit[:0], uint16(len(f)))
	n.unit = append(n.unit, f...)

	if _, err := n.mem.WriteAt(n.unit, int64(n.txBuf(id))); err != nil {
		n.freeTx(chain)
		return err
	}

	if err := n.tx.Link(chain, []virtq.Buf{{Addr: n.txBuf(id), Len: uint32(len(n.unit))}}); err != nil {
		n.freeTx(chain)
		return err
	}

	n.tx.Publish(id)
	n.stats.TxFrames.Add(1)

	return nil
}

// Drain frees completed transmit descriptors and hands every received
// frame to sink. Receive buffers are re-posted unchanged whether or not
// their frame was valid; the device is notified once for the batch. Drain
// returns the number of frames delivered.
func (n *Net) Drain(sink FrameSink) int {
	for {
		u, ok := n.tx.Reap()
		if !ok {
			break
		}

		if _, err := n.tx.Release(u); err != nil {
			n.log.Error("virtio-net: bad tx completion", "err", err)
		}
	}

	var delivered, reposted int

	for {
		u, ok := n.rx.Reap()
		if !ok {
			break
		}

		chain := n.rx.Chain(u.ID)
		if chain == nil {
			n.log.Error("virtio-net: rx completion for a buffer not in flight", "id", u.ID)
			continue
		}

		if f, ok := n.receive(chain[0], u.Len); ok {
			sink.DeliverFrame(f)
			delivered++
		}

		n.rx.Post(chain[0])
		reposted++
	}

	if reposted > 0 {
		n.rx.Kick()
	}

	return delivered
}

// receive validates and copies out the frame in buffer id.
func (n *Net) receive(id uint16, used uint32) ([]byte, bool) {
	if used < frame.HeaderLen || used > BufSize {
		n.stats.RxDropped.Add(1)
		return nil, false
	}

	var hdr [frame.HeaderLen]byte
	if _, err := n.mem.ReadAt(hdr[:], int64(n.rxBuf(id))); err != nil {
		n.stats.RxDropped.Add(1)
		return nil, false
	}

	size := uint32(binary.BigEndian.Uint16(hdr[:]))
	if size == 0 || size > used-frame.HeaderLen {
		n.stats.RxDropped.Add(1)
		return nil, false
	}

	f := make([]byte, size)
	if _, err := n.mem.ReadAt(f, int64(n.rxBuf(id)+frame.HeaderLen)); err != nil {
		n.stats.RxDropped.Add(1)
		return nil, false
	}

	n.stats.RxFrames.Add(1)
	return f, true
}

// AckInterrupt acknowledges the device's pending interrupt status.
func (n *Net) AckInterrupt() uint32 {
	return n.t.AckInterrupt()
}

// Stats returns the driver's counters.
func (n *Net) Stats() *NetStats {
	return &n.stats
}

// TxFree returns the number of free transmit descriptors.
func (n *Net) TxFree() int {
	return n.tx.FreeCount()
}

func (n *Net) freeTx(chain []uint16) {
	if err := n.tx.FreeChain(chain); err != nil {
		n.log.Error("virtio-net: free tx chain", "err", err)
	}
}

func (n *Net) txBuf(id uint16) uint64 {
	return n.txPool + BufSize*uint64(id)
}

func (n *Net) rxBuf(id uint16) uint64 {
	return n.rxPool + BufSize*uint64(id)
}

package driver

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/c35s/barefw/mem"
	"github.com/c35s/barefw/virtio"
	"github.com/c35s/barefw/virtio/mmio"
	"github.com/c35s/barefw/virtio/virtq"
)

const (
	// MaxSectorsPerRequest caps the size of one device request. Larger
	// transfers are split.
	MaxSectorsPerRequest = 128

	// DefaultQueueSize is the queue size used when none is configured.
	DefaultQueueSize = 16

	blkHdrSize = 16
	blkUnit    = 512 // unit of the header's sector field and of capacity

	blkTIn    = 0
	blkTOut   = 1
	blkTFlush = 4

	blkSOK      = 0
	blkSPending = 0xff

	blkCfgCapacity = 0
	blkCfgBlkSize  = 20
)

// BlockConfig configures a block driver.
type BlockConfig struct {

	// IO performs register accesses.
	IO mmio.RegisterIO

	// Base is the address of the device's register window.
	Base uint64

	// Mem is the memory shared with the device.
	Mem mem.Memory

	// Arena provides the static memory for the queue and buffers.
	Arena *mem.Arena

	// QueueSize is the number of descriptors. If 0, DefaultQueueSize is used.
	QueueSize uint16

	// Timeout bounds the wait for each request. If 0, requests wait forever.
	Timeout time.Duration

	// Log receives driver events. If nil, slog.Default() is used.
	Log *slog.Logger
}

// BlockStats counts block requests.
type BlockStats struct {
	Reads   atomic.Uint64
	Writes  atomic.Uint64
	Flushes atomic.Uint64
	Errors  atomic.Uint64
}

// Block drives a virtio block device. Requests are synchronous: each one
// is published and then polled until the device uses it.
type Block struct {
	t   *Transport
	q   *virtq.Queue
	mem mem.Memory
	log *slog.Logger

	capacity   uint64 // in 512-byte units
	sectorSize uint32

	hdrAddr    uint64
	statusAddr uint64
	dataAddr   uint64

	timeout time.Duration
	hung    bool

	stats BlockStats
}

// NewBlock probes the block device at cfg.Base and reserves its queue and
// request buffers.
func NewBlock(cfg BlockConfig) (*Block, error) {
	if cfg.QueueSize == 0 {
		cfg.QueueSize = DefaultQueueSize
	}

	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}

	layout, err := virtq.Reserve(cfg.Arena, cfg.QueueSize)
	if err != nil {
		return nil, err
	}

	t, err := Probe(ProbeConfig{
		IO:       cfg.IO,
		Base:     cfg.Base,
		DeviceID: virtio.BlockDeviceID,
		Queues:   []virtq.Layout{layout},
		Mem:      cfg.Mem,
		Log:      cfg.Log,
	})

	if err != nil {
		return nil, err
	}

	b := &Block{
		t:          t,
		q:          t.Queue(0),
		mem:        cfg.Mem,
		log:        cfg.Log,
		capacity:   t.Regs().ReadConfig64(blkCfgCapacity),
		sectorSize: t.Regs().ReadConfig32(blkCfgBlkSize),
		timeout:    cfg.Timeout,
	}

	if ss := b.sectorSize; ss < blkUnit || ss > mem.PageSize || ss&(ss-1) != 0 {
		b.log.Warn("virtio-blk: ignoring unusable block size", "blk_size", ss)
		b.sectorSize = blkUnit
	}

	if b.hdrAddr, err = cfg.Arena.Alloc(blkHdrSize, 16); err != nil {
		return nil, err
	}

	if b.statusAddr, err = cfg.Arena.Alloc(1, 1); err != nil {
		return nil, err
	}

	if b.dataAddr, err = cfg.Arena.Alloc(MaxSectorsPerRequest*uint64(b.sectorSize), mem.PageSize); err != nil {
		return nil, err
	}

	b.log.Info("virtio-blk: capacity",
		"sectors", b.Capacity(),
		"sector_size", b.sectorSize,
		"mib", b.capacity*blkUnit>>20)

	return b, nil
}

// Capacity returns the size of the device in sectors of SectorSize bytes.
func (b *Block) Capacity() uint64 {
	return b.capacity / uint64(b.sectorSize/blkUnit)
}

// SectorSize returns the size of a sector in bytes.
func (b *Block) SectorSize() uint32 {
	return b.sectorSize
}

// Stats returns the driver's counters.
func (b *Block) Stats() *BlockStats {
	return &b.stats
}

// ReadSectors reads len(p)/SectorSize sectors starting at sector into p.
// If a sub-request fails, the sectors read before it are already in p.
func (b *Block) ReadSectors(sector uint64, p []byte) error {
	if err := b.transfer(blkTIn, sector, p); err != nil {
		b.stats.Errors.Add(1)
		return fmt.Errorf("virtio-blk: read at sector %d: %w", sector, err)
	}

	b.stats.Reads.Add(1)
	return nil
}

// WriteSectors writes p to len(p)/SectorSize sectors starting at sector.
// If a sub-request fails, the sectors written before it stay written.
func (b *Block) WriteSectors(sector uint64, p []byte) error {
	if err := b.transfer(blkTOut, sector, p); err != nil {
		b.stats.Errors.Add(1)
		return fmt.Errorf("virtio-blk: write at sector %d: %w", sector, err)
	}

	b.stats.Writes.Add(1)
	return nil
}

// Flush asks the device to commit written data to stable storage.
func (b *Block) Flush() error {
	if err := b.do(blkTFlush, 0, nil); err != nil {
		b.stats.Errors.Add(1)
		return fmt.Errorf("virtio-blk: flush: %w", err)
	}

	b.stats.Flushes.Add(1)
	return nil
}

func (b *Block) transfer(op uint32, sector uint64, p []byte) error {
	ss := int(b.sectorSize)
	if len(p) == 0 || len(p)%ss != 0 {
		return fmt.Errorf("%w: %d bytes is not a whole number of %d-byte sectors", ErrBadRequest, len(p), ss)
	}

	count := uint64(len(p) / ss)
	if capacity := b.Capacity(); sector >= capacity || count > capacity-sector {
		return fmt.Errorf("%w: %d+%d > %d", ErrOutOfRange, sector, count, capacity)
	}

	for done := uint64(0); done < count; {
		n := min(count-done, MaxSectorsPerRequest)
		buf := p[done*uint64(ss) : (done+n)*uint64(ss)]

		if err := b.do(op, (sector+done)*uint64(ss/blkUnit), buf); err != nil {
			return err
		}

		done += n
	}

	return nil
}

// do performs one request: header, optional data, status.
func (b *Block) do(op uint32, unit uint64, data []byte) error {
	if b.hung {
		return ErrDeviceHung
	}

	n := 3
	if op == blkTFlush {
		n = 2
	}

	chain, err := b.q.AllocChain(n)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrResourceExhausted, err)
	}

	hdr := make([]byte, blkHdrSize)
	binary.LittleEndian.PutUint32(hdr[0:], op)
	binary.LittleEndian.PutUint64(hdr[8:], unit)

	bufs := []virtq.Buf{{Addr: b.hdrAddr, Len: blkHdrSize}}
	if op != blkTFlush {
		bufs = append(bufs, virtq.Buf{Addr: b.dataAddr, Len: uint32(len(data)), Write: op == blkTIn})
	}

	bufs = append(bufs, virtq.Buf{Addr: b.statusAddr, Len: 1, Write: true})

	err = b.prepare(hdr, op, data)
	if err == nil {
		err = b.q.Link(chain, bufs)
	}

	if err != nil {
		b.free(chain)
		return err
	}

	b.q.Publish(chain[0])

	used, err := b.await()
	if err != nil {
		// the device still owns the chain
		b.hung = true
		return err
	}

	b.t.AckInterrupt()

	if used.ID != uint32(chain[0]) {
		b.log.Error("virtio-blk: unexpected used id", "id", used.ID, "head", chain[0])
	}

	if _, err := b.q.Release(used); err != nil {
		b.log.Error("virtio-blk: bad completion", "err", err)
	}

	if b.q.Chain(uint32(chain[0])) != nil {
		b.free(chain)
	}

	status := make([]byte, 1)
	if _, err := b.mem.ReadAt(status, int64(b.statusAddr)); err != nil {
		return err
	}

	if status[0] != blkSOK {
		return fmt.Errorf("%w: status %d", ErrIO, status[0])
	}

	if op == blkTIn {
		if _, err := b.mem.ReadAt(data, int64(b.dataAddr)); err != nil {
			return err
		}
	}

	return nil
}

func (b *Block) prepare(hdr []byte, op uint32, data []byte) error {
	if _, err := b.mem.WriteAt(hdr, int64(b.hdrAddr)); err != nil {
		return err
	}

	if _, err := b.mem.WriteAt([]byte{blkSPending}, int64(b.statusAddr)); err != nil {
		return err
	}

	if op == blkTOut {
		if _, err := b.mem.WriteAt(data, int64(b.dataAddr)); err != nil {
			return err
		}
	}

	return nil
}

// await polls the used ring until the request completes or the timeout
// expires.
func (b *Block) await() (virtq.Used, error) {
	var deadline time.Time
	if b.timeout > 0 {
		deadline = time.Now().Add(b.timeout)
	}

	for {
		if u, ok := b.q.Reap(); ok {
			return u, nil
		}

		if !deadline.IsZero() && time.Now().After(deadline) {
			return virtq.Used{}, fmt.Errorf("%w: %w after %v", ErrDeviceHung, ErrTimeout, b.timeout)
		}

		runtime.Gosched()
	}
}

func (b *Block) free(chain []uint16) {
	if err := b.q.FreeChain(chain); err != nil {
		b.log.Error("virtio-blk: free chain", "err", err)
	}
}

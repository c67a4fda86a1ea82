package diskfs

import (
	"fmt"
	"io"
	"sync"
)

// SectorDevice is a block device addressed in sectors.
type SectorDevice interface {
	ReadSectors(sector uint64, p []byte) error
	Capacity() uint64
	SectorSize() uint32
	Flush() error
}

// Disk presents a sector device as an io.ReaderAt. The most recently read
// run of sectors is cached. Disk is safe for concurrent use; device access
// is serialized.
type Disk struct {
	dev  SectorDevice
	ss   int64
	size int64

	mu     sync.Mutex
	buf    []byte
	bufOff int64 // byte offset of buf[0]
	bufLen int   // valid bytes in buf
}

// chunkSectors is the number of sectors fetched per device read.
const chunkSectors = 64

// NewDisk wraps dev.
func NewDisk(dev SectorDevice) *Disk {
	ss := int64(dev.SectorSize())
	return &Disk{
		dev:  dev,
		ss:   ss,
		size: int64(dev.Capacity()) * ss,
		buf:  make([]byte, chunkSectors*ss),
	}
}

// Size returns the size of the disk in bytes.
func (d *Disk) Size() int64 {
	return d.size
}

// ReadAt reads len(p) bytes at off. Reads past the end of the disk return
// io.EOF along with the bytes before the end.
func (d *Disk) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("diskfs: negative offset %d", off)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	n := 0
	for n < len(p) {
		pos := off + int64(n)
		if pos >= d.size {
			return n, io.EOF
		}

		if pos < d.bufOff || pos >= d.bufOff+int64(d.bufLen) {
			if err := d.fill(pos); err != nil {
				return n, err
			}
		}

		n += copy(p[n:], d.buf[pos-d.bufOff:d.bufLen])
	}

	return n, nil
}

// fill loads the chunk holding byte pos. The caller must hold d.mu.
func (d *Disk) fill(pos int64) error {
	sector := pos / d.ss
	count := min(int64(chunkSectors), d.size/d.ss-sector)

	d.bufLen = 0
	if err := d.dev.ReadSectors(uint64(sector), d.buf[:count*d.ss]); err != nil {
		return err
	}

	d.bufOff = sector * d.ss
	d.bufLen = int(count * d.ss)
	return nil
}

// Flush flushes the device.
func (d *Disk) Flush() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.dev.Flush()
}

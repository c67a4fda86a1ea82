package virtio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"

	"github.com/c35s/barefw/virtio/virtq"
)

// Block is a virtio block device. It serves reads, writes and flushes from
// Storage; every other request type is answered with UNSUPP.
type Block struct {

	// ReadOnly refuses writes even if Storage accepts them.
	ReadOnly bool

	// Storage holds the disk contents. Writes are served only if it also
	// implements io.WriterAt, and flushes call its Sync method if it has one.
	Storage BlockStorage

	// Log receives storage errors. If nil, slog.Default() is used.
	Log *slog.Logger

	writerAt io.WriterAt
}

// BlockStorage is read-only disk storage.
type BlockStorage interface {
	io.ReaderAt

	// Size returns the storage size in bytes.
	Size() (int64, error)
}

// MemStorage is read-write block storage backed by a byte slice.
type MemStorage struct {
	Bytes []byte
}

// FileStorage is read-write block storage backed by a file.
type FileStorage struct {
	File *os.File
}

// HTTP storage is read-only block storage backed by an HTTP URL.
// The server must support HEAD requests and GET requests with a Range header.
type HTTPStorage struct {
	URL string
}

// blkConfig is the leading part of the device configuration space, up to
// and including blk_size. Fields past it are not offered.
type blkConfig struct {
	Capacity uint64 // in 512-byte sectors
	SizeMax  uint32
	SegMax   uint32
	Geometry [4]byte
	BlkSize  uint32
}

const (
	blkFRO      = 1 << 4
	blkFBlkSize = 1 << 5
	blkFFlush   = 1 << 8
)

// request types
const (
	blkTIn    = 0
	blkTOut   = 1
	blkTFlush = 4
)

// request status
const (
	blkSOK     = 0
	blkSIOErr  = 1
	blkSUnsupp = 2
)

// SectorSize is the unit of the sector field of a request header.
const SectorSize = 512

const blkHdrSize = 16

func (dev *Block) GetType() DeviceID {
	return BlockDeviceID
}

func (dev *Block) GetFeatures() uint64 {
	features := uint64(blkFBlkSize | blkFFlush)
	if _, ok := dev.Storage.(io.WriterAt); dev.ReadOnly || !ok {
		features |= blkFRO
	}

	return features
}

func (dev *Block) Ready(negotiatedFeatures uint64) error {
	if !dev.ReadOnly {
		dev.writerAt, _ = dev.Storage.(io.WriterAt)
	}

	return nil
}

func (dev *Block) Handle(queueNum int, q *virtq.DeviceQueue) error {
	if queueNum != 0 {
		return fmt.Errorf("block: no queue %d", queueNum)
	}

	for {
		c, err := q.Next()
		if c == nil || err != nil {
			return err
		}

		n, err := dev.serve(c)
		if err != nil {
			return err
		}

		if err := c.Release(n); err != nil {
			return err
		}
	}
}

// serve performs one request and writes its status byte. It returns the
// number of bytes written to device-writable buffers, status included.
// Errors are reserved for malformed chains.
func (dev *Block) serve(c *virtq.Chain) (int, error) {
	if c.Len() < 2 || c.Len() > 3 {
		return 0, fmt.Errorf("block: invalid descriptor chain length %d", c.Len())
	}

	last := c.Len() - 1

	if !c.IsRO(0) || c.Desc[0].Len != blkHdrSize {
		return 0, errors.New("block: descriptor 0 (hdr) is not a read-only 16-byte buffer")
	}

	if !c.IsWO(last) || c.Desc[last].Len < 1 {
		return 0, fmt.Errorf("block: descriptor %d (status) is not write-only", last)
	}

	hdr, err := c.Read(0)
	if err != nil {
		return 0, err
	}

	var (
		optype = binary.LittleEndian.Uint32(hdr)
		offsec = binary.LittleEndian.Uint64(hdr[8:])
		status = byte(blkSOK)
		n      int
	)

	switch {
	case optype == blkTIn && c.Len() == 3 && c.IsWO(1):
		data := make([]byte, c.Desc[1].Len)
		if _, err := dev.Storage.ReadAt(data, int64(offsec)*SectorSize); err != nil {
			dev.logger().Error("block: io error", "op", "read", "sector", offsec, "err", err)
			status = blkSIOErr
			break
		}

		if n, err = c.Write(1, data); err != nil {
			return 0, err
		}

	case optype == blkTOut && c.Len() == 3 && c.IsRO(1):
		if dev.writerAt == nil {
			status = blkSIOErr
			break
		}

		data, err := c.Read(1)
		if err != nil {
			return 0, err
		}

		if _, err := dev.writerAt.WriteAt(data, int64(offsec)*SectorSize); err != nil {
			dev.logger().Error("block: io error", "op", "write", "sector", offsec, "err", err)
			status = blkSIOErr
		}

	case optype == blkTFlush && c.Len() == 2:
		if s, ok := dev.Storage.(interface{ Sync() error }); ok {
			if err := s.Sync(); err != nil {
				dev.logger().Error("block: io error", "op", "flush", "err", err)
				status = blkSIOErr
			}
		}

	default:
		status = blkSUnsupp
	}

	if _, err := c.Write(last, []byte{status}); err != nil {
		return 0, err
	}

	return n + 1, nil
}

func (dev *Block) logger() *slog.Logger {
	if dev.Log == nil {
		return slog.Default()
	}

	return dev.Log
}

func (dev *Block) ReadConfig(p []byte, off int) error {
	cfg, err := dev.getConfig()
	if err != nil {
		return err
	}

	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, cfg); err != nil {
		return err
	}

	raw := buf.Bytes()
	if off < 0 || off+len(p) > len(raw) {
		return fmt.Errorf("block: config read of %d bytes at %d is out of range", len(p), off)
	}

	copy(p, raw[off:])
	return nil
}

func (dev *Block) getConfig() (*blkConfig, error) {
	sz, err := dev.Storage.Size()
	if err != nil {
		return nil, err
	}

	if sz%SectorSize != 0 {
		return nil, fmt.Errorf("block: storage size %d is not a multiple of %d", sz, SectorSize)
	}

	cfg := blkConfig{
		Capacity: uint64(sz / SectorSize),
		BlkSize:  SectorSize,
	}

	return &cfg, nil
}

// ReadAt copies from the backing slice at off into p.
func (ms *MemStorage) ReadAt(p []byte, off int64) (n int, err error) {
	if off < 0 || off+int64(len(p)) > int64(len(ms.Bytes)) {
		return 0, io.ErrUnexpectedEOF
	}

	return copy(p, ms.Bytes[off:]), nil
}

// Size returns the size of the backing slice in bytes.
func (ms *MemStorage) Size() (int64, error) {
	return int64(len(ms.Bytes)), nil
}

// WriteAt copies p into the backing slice at off.
func (ms *MemStorage) WriteAt(p []byte, off int64) (n int, err error) {
	if off < 0 || off+int64(len(p)) > int64(len(ms.Bytes)) {
		return 0, io.ErrShortWrite
	}

	return copy(ms.Bytes[off:], p), nil
}

// ReadAt reads from the backing file.
func (fs *FileStorage) ReadAt(p []byte, off int64) (n int, err error) {
	return fs.File.ReadAt(p, off)
}

// Size stats the backing file and returns its size in bytes.
func (fs *FileStorage) Size() (int64, error) {
	info, err := fs.File.Stat()
	if err != nil {
		return 0, err
	}

	return info.Size(), nil
}

// WriteAt writes to the backing file.
func (fs *FileStorage) WriteAt(p []byte, off int64) (n int, err error) {
	return fs.File.WriteAt(p, off)
}

// Sync commits the backing file to stable storage.
func (fs *FileStorage) Sync() error {
	return fs.File.Sync()
}

// ReadAt gets the backing URL with a Range header generated from off and len(p).
func (hs *HTTPStorage) ReadAt(p []byte, off int64) (n int, err error) {
	req, err := http.NewRequest(http.MethodGet, hs.URL, nil)
	if err != nil {
		return 0, err
	}

	req.Header.Set("range", fmt.Sprintf("bytes=%d-%d", off, off+int64(len(p))-1))

	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return
	}

	defer res.Body.Close()

	if res.StatusCode != http.StatusPartialContent {
		return 0, fmt.Errorf("block device http request failed: GET %s: status %d != %d",
			hs.URL, res.StatusCode, http.StatusPartialContent)
	}

	return io.ReadFull(res.Body, p)
}

// Size sends a HEAD request to the backing URL and parses the Content-Length response header.
func (hs *HTTPStorage) Size() (int64, error) {
	res, err := http.Head(hs.URL)
	if err != nil {
		return 0, err
	}

	if res.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("block device http request failed: HEAD %s: status %d != %d",
			hs.URL, res.StatusCode, http.StatusOK)
	}

	cl := res.Header.Get("content-length")
	return strconv.ParseInt(cl, 10, 64)
}

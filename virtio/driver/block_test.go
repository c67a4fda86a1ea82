package driver_test

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/c35s/barefw/virtio"
	"github.com/c35s/barefw/virtio/driver"
)

// countingStorage counts reads and fails the ones that touch [failFrom, failTo).
type countingStorage struct {
	virtio.MemStorage

	mu       sync.Mutex
	reads    int
	writes   int
	failFrom int64
	failTo   int64
}

func (s *countingStorage) ReadAt(p []byte, off int64) (int, error) {
	s.mu.Lock()
	s.reads++
	s.mu.Unlock()

	if s.fails(off, len(p)) {
		return 0, errors.New("media error")
	}

	return s.MemStorage.ReadAt(p, off)
}

func (s *countingStorage) WriteAt(p []byte, off int64) (int, error) {
	s.mu.Lock()
	s.writes++
	s.mu.Unlock()

	if s.fails(off, len(p)) {
		return 0, errors.New("media error")
	}

	return s.MemStorage.WriteAt(p, off)
}

func (s *countingStorage) fails(off int64, n int) bool {
	return s.failTo > s.failFrom && off < s.failTo && off+int64(n) > s.failFrom
}

// stuckStorage never completes a read until released.
type stuckStorage struct {
	virtio.MemStorage
	release chan struct{}
}

func (s *stuckStorage) ReadAt(p []byte, off int64) (int, error) {
	<-s.release
	return s.MemStorage.ReadAt(p, off)
}

func TestBlockProbe(t *testing.T) {
	disk := &virtio.MemStorage{Bytes: make([]byte, 1<<20)}
	b := newRig(t, disk).block(t, 0)

	if b.Capacity() != 2048 {
		t.Errorf("%d != 2048", b.Capacity())
	}

	if b.SectorSize() != 512 {
		t.Errorf("%d != 512", b.SectorSize())
	}
}

func TestBlockReadWrite(t *testing.T) {
	disk := &countingStorage{MemStorage: virtio.MemStorage{Bytes: make([]byte, 1<<20)}}
	b := newRig(t, disk).block(t, 0)

	t.Run("round trip", func(t *testing.T) {
		want := pattern(3*512, 1)
		if err := b.WriteSectors(10, want); err != nil {
			t.Fatal(err)
		}

		if !bytes.Equal(disk.Bytes[10*512:13*512], want) {
			t.Error("disk contents differ")
		}

		got := make([]byte, 3*512)
		if err := b.ReadSectors(10, got); err != nil {
			t.Fatal(err)
		}

		if !bytes.Equal(got, want) {
			t.Error("read data differs")
		}
	})

	t.Run("large read is split", func(t *testing.T) {
		copy(disk.Bytes, pattern(300*512, 9))
		disk.reads = 0

		got := make([]byte, 300*512)
		if err := b.ReadSectors(0, got); err != nil {
			t.Fatal(err)
		}

		if disk.reads != 3 {
			t.Errorf("%d device reads != 3", disk.reads)
		}

		if !bytes.Equal(got, disk.Bytes[:300*512]) {
			t.Error("read data differs")
		}
	})

	t.Run("failed sub-request", func(t *testing.T) {
		copy(disk.Bytes, pattern(384*512, 3))
		disk.failFrom, disk.failTo = 128*512, 256*512
		disk.reads = 0
		defer func() { disk.failFrom, disk.failTo = 0, 0 }()

		got := make([]byte, 384*512)
		err := b.ReadSectors(0, got)
		if !errors.Is(err, driver.ErrIO) {
			t.Fatalf("err=%v", err)
		}

		if disk.reads != 2 {
			t.Errorf("%d device reads != 2", disk.reads)
		}

		if !bytes.Equal(got[:128*512], disk.Bytes[:128*512]) {
			t.Error("first sub-request's data was lost")
		}
	})

	t.Run("failed write keeps earlier sectors", func(t *testing.T) {
		clear(disk.Bytes)
		disk.failFrom, disk.failTo = 128*512, 256*512
		defer func() { disk.failFrom, disk.failTo = 0, 0 }()

		p := pattern(200*512, 5)
		if err := b.WriteSectors(0, p); !errors.Is(err, driver.ErrIO) {
			t.Fatalf("err=%v", err)
		}

		if !bytes.Equal(disk.Bytes[:128*512], p[:128*512]) {
			t.Error("first sub-request was rolled back")
		}
	})

	t.Run("flush", func(t *testing.T) {
		if err := b.Flush(); err != nil {
			t.Error(err)
		}
	})

	t.Run("out of range", func(t *testing.T) {
		err := b.ReadSectors(b.Capacity()-1, make([]byte, 1024))
		if !errors.Is(err, driver.ErrOutOfRange) {
			t.Errorf("err=%v", err)
		}
	})

	t.Run("partial sector", func(t *testing.T) {
		if err := b.ReadSectors(0, make([]byte, 100)); !errors.Is(err, driver.ErrBadRequest) {
			t.Errorf("err=%v", err)
		}

		if err := b.WriteSectors(0, nil); !errors.Is(err, driver.ErrBadRequest) {
			t.Errorf("err=%v", err)
		}
	})

	t.Run("ring exhausted", func(t *testing.T) {
		q := b.Queue()
		held, err := q.AllocChain(q.FreeCount() - 2)
		if err != nil {
			t.Fatal(err)
		}

		defer q.FreeChain(held)

		free := q.FreeCount()
		if err := b.ReadSectors(0, make([]byte, 512)); !errors.Is(err, driver.ErrResourceExhausted) {
			t.Errorf("err=%v", err)
		}

		if q.FreeCount() != free {
			t.Errorf("free count moved: %d != %d", q.FreeCount(), free)
		}
	})

	t.Run("every chain is freed", func(t *testing.T) {
		if q := b.Queue(); q.FreeCount() != q.Size() {
			t.Errorf("%d free descriptors != %d", q.FreeCount(), q.Size())
		}
	})

	t.Run("stats", func(t *testing.T) {
		st := b.Stats()
		if st.Reads.Load() == 0 || st.Writes.Load() == 0 || st.Flushes.Load() != 1 || st.Errors.Load() == 0 {
			t.Errorf("reads=%d writes=%d flushes=%d errors=%d",
				st.Reads.Load(), st.Writes.Load(), st.Flushes.Load(), st.Errors.Load())
		}
	})
}

func TestBlockTimeout(t *testing.T) {
	disk := &stuckStorage{
		MemStorage: virtio.MemStorage{Bytes: make([]byte, 1<<20)},
		release:    make(chan struct{}),
	}

	defer close(disk.release)

	b := newRig(t, disk).block(t, 20*time.Millisecond)

	err := b.ReadSectors(0, make([]byte, 512))
	if !errors.Is(err, driver.ErrTimeout) || !errors.Is(err, driver.ErrDeviceHung) {
		t.Fatalf("err=%v", err)
	}

	if err := b.WriteSectors(0, make([]byte, 512)); !errors.Is(err, driver.ErrDeviceHung) {
		t.Errorf("err=%v", err)
	}
}

func TestBlockAbsent(t *testing.T) {
	r := newRig(t, &virtio.MemStorage{Bytes: make([]byte, 4096)})

	for _, base := range []uint64{fifoBase, 0x10004000} {
		_, err := driver.NewBlock(driver.BlockConfig{
			IO:    r.m,
			Base:  base,
			Mem:   r.m.Memory(),
			Arena: r.arena,
			Log:   quiet,
		})

		if !errors.Is(err, driver.ErrDeviceAbsent) {
			t.Errorf("%#x: err=%v", base, err)
		}
	}
}

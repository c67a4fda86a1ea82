package mem_test

import (
	"errors"
	"testing"

	"github.com/c35s/barefw/mem"
)

func TestRAM(t *testing.T) {
	r := mem.NewRAM(0x80000000, 0x1000)

	t.Run("typed round trip", func(t *testing.T) {
		if err := mem.Write64(r, 0x80000010, 0x1122334455667788); err != nil {
			t.Fatal(err)
		}

		v, err := mem.Read32(r, 0x80000010)
		if err != nil {
			t.Fatal(err)
		}

		if v != 0x55667788 {
			t.Errorf("%#x != %#x", v, 0x55667788)
		}

		h, err := mem.Read16(r, 0x80000016)
		if err != nil {
			t.Fatal(err)
		}

		if h != 0x1122 {
			t.Errorf("%#x != %#x", h, 0x1122)
		}
	})

	t.Run("below base", func(t *testing.T) {
		if _, err := mem.Read32(r, 0x7ffffffc); !errors.Is(err, mem.ErrFault) {
			t.Errorf("err=%v", err)
		}
	})

	t.Run("straddles end", func(t *testing.T) {
		if err := mem.Write32(r, 0x80000ffe, 1); !errors.Is(err, mem.ErrFault) {
			t.Errorf("err=%v", err)
		}
	})

	t.Run("length wraps the address space", func(t *testing.T) {
		if r.Contains(0xffff_ffff_ffff_f000, 0x80002000) {
			t.Error("range wrapping past 2^64 is contained")
		}

		// with a zero base a two-byte access at the top address wraps to 1
		low := mem.NewRAM(0, 0x1000)
		top := ^uint64(0)

		if low.Contains(top, 2) {
			t.Error("range wrapping past 2^64 is contained")
		}

		if _, err := low.ReadAt(make([]byte, 2), int64(top)); !errors.Is(err, mem.ErrFault) {
			t.Errorf("read err=%v", err)
		}

		if err := mem.Write16(low, top, 1); !errors.Is(err, mem.ErrFault) {
			t.Errorf("write err=%v", err)
		}
	})

	t.Run("zero", func(t *testing.T) {
		if err := mem.Write32(r, 0x80000100, 0xffffffff); err != nil {
			t.Fatal(err)
		}

		if err := mem.Zero(r, 0x80000100, 4); err != nil {
			t.Fatal(err)
		}

		if v, _ := mem.Read32(r, 0x80000100); v != 0 {
			t.Errorf("%#x != 0", v)
		}
	})
}

func TestArena(t *testing.T) {
	a := mem.NewArena(0x1000, 0x3000)

	addr, err := a.Alloc(10, 16)
	if err != nil {
		t.Fatal(err)
	}

	if addr != 0x1000 {
		t.Errorf("%#x != %#x", addr, 0x1000)
	}

	addr, err = a.Alloc(1, mem.PageSize)
	if err != nil {
		t.Fatal(err)
	}

	if addr != 0x2000 {
		t.Errorf("%#x != %#x", addr, 0x2000)
	}

	if _, err := a.Alloc(0x2000, 1); !errors.Is(err, mem.ErrArenaExhausted) {
		t.Errorf("err=%v", err)
	}

	if a.Remaining() != 0x3000-0x1001 {
		t.Errorf("remaining %#x", a.Remaining())
	}
}

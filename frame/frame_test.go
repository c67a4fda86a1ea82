package frame_test

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/c35s/barefw/frame"
	"github.com/google/go-cmp/cmp"
)

func TestAppend(t *testing.T) {
	b, err := frame.Append(nil, []byte("abc"))
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]byte{0, 3, 'a', 'b', 'c'}, b); diff != "" {
		t.Error(diff)
	}

	if _, err := frame.Append(nil, nil); !errors.Is(err, frame.ErrEmpty) {
		t.Errorf("err=%v", err)
	}

	if _, err := frame.Append(nil, make([]byte, frame.MaxLen+1)); !errors.Is(err, frame.ErrTooLarge) {
		t.Errorf("err=%v", err)
	}
}

func TestReassembler(t *testing.T) {
	var stream []byte
	for _, f := range []string{"one", "two", "three"} {
		stream, _ = frame.Append(stream, []byte(f))
	}

	t.Run("byte at a time", func(t *testing.T) {
		var (
			r   frame.Reassembler
			got []string
		)

		for i := range stream {
			err := r.Feed(stream[i:i+1], func(f []byte) { got = append(got, string(f)) })
			if err != nil {
				t.Fatal(err)
			}
		}

		if diff := cmp.Diff([]string{"one", "two", "three"}, got); diff != "" {
			t.Error(diff)
		}

		if r.Buffered() != 0 {
			t.Errorf("%d bytes left over", r.Buffered())
		}
	})

	t.Run("trailing partial unit", func(t *testing.T) {
		var (
			r   frame.Reassembler
			got []string
		)

		r.Feed(stream[:len(stream)-2], func(f []byte) { got = append(got, string(f)) })
		if len(got) != 2 || r.Buffered() != 2+3 {
			t.Errorf("got=%v buffered=%d", got, r.Buffered())
		}

		r.Feed(stream[len(stream)-2:], func(f []byte) { got = append(got, string(f)) })
		if len(got) != 3 {
			t.Errorf("got=%v", got)
		}
	})

	t.Run("zero length resets", func(t *testing.T) {
		var r frame.Reassembler
		if err := r.Feed([]byte{0, 0, 1, 2}, func([]byte) { t.Error("unexpected frame") }); !errors.Is(err, frame.ErrBadLength) {
			t.Errorf("err=%v", err)
		}

		if r.Buffered() != 0 {
			t.Errorf("%d bytes left over", r.Buffered())
		}

		var got []string
		r.Feed(stream, func(f []byte) { got = append(got, string(f)) })
		if len(got) != 3 {
			t.Errorf("got=%v", got)
		}
	})

	t.Run("oversized resets", func(t *testing.T) {
		var r frame.Reassembler
		if err := r.Feed([]byte{0x08, 0x01}, func([]byte) {}); !errors.Is(err, frame.ErrBadLength) {
			t.Errorf("err=%v", err)
		}
	})
}

func TestReader(t *testing.T) {
	var buf bytes.Buffer
	w := frame.NewWriter(&buf)

	for _, f := range []string{"ping", "pong"} {
		if err := w.WriteFrame([]byte(f)); err != nil {
			t.Fatal(err)
		}
	}

	buf.Write([]byte{0, 9, 'x'})

	r := frame.NewReader(&buf)
	for _, want := range []string{"ping", "pong"} {
		f, err := r.ReadFrame()
		if err != nil {
			t.Fatal(err)
		}

		if string(f) != want {
			t.Errorf("%q != %q", f, want)
		}
	}

	if _, err := r.ReadFrame(); err != io.ErrUnexpectedEOF {
		t.Errorf("err=%v", err)
	}
}

func TestReaderBadLengthAfterFrames(t *testing.T) {
	var in []byte
	for _, f := range []string{"one", "two"} {
		in, _ = frame.Append(in, []byte(f))
	}

	in = append(in, 0, 0)
	in, _ = frame.Append(in, []byte("three"))

	// bytes.Reader hands over everything in a single Read
	r := frame.NewReader(bytes.NewReader(in))

	var got []string
	for {
		f, err := r.ReadFrame()
		if errors.Is(err, frame.ErrBadLength) {
			got = append(got, "!")
			continue
		}

		if err == io.EOF {
			break
		}

		if err != nil {
			t.Fatal(err)
		}

		got = append(got, string(f))
	}

	// the bad unit discards the rest of its read
	if diff := cmp.Diff([]string{"one", "two", "!"}, got); diff != "" {
		t.Errorf("frames (-want +got):\n%s", diff)
	}
}

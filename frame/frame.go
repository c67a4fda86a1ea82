// Package frame implements the length-prefixed framing used on the FIFO
// link: every Ethernet frame travels as a 2-byte big-endian length followed
// by that many bytes.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// HeaderLen is the size of the length prefix.
	HeaderLen = 2

	// MaxLen is the largest frame accepted from the link.
	MaxLen = 2048
)

var (
	ErrEmpty     = errors.New("frame: empty frame")
	ErrTooLarge  = errors.New("frame: frame too large")
	ErrBadLength = errors.New("frame: bad length prefix")
)

// Append appends the encoded unit for f to dst.
func Append(dst, f []byte) ([]byte, error) {
	if len(f) == 0 {
		return dst, ErrEmpty
	}

	if len(f) > MaxLen {
		return dst, fmt.Errorf("%w: %d > %d", ErrTooLarge, len(f), MaxLen)
	}

	dst = binary.BigEndian.AppendUint16(dst, uint16(len(f)))
	return append(dst, f...), nil
}

// Writer writes frames to an underlying stream, one Write call per unit.
type Writer struct {
	w   io.Writer
	buf []byte
}

// NewWriter returns a Writer that writes units to w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteFrame writes one unit carrying f.
func (w *Writer) WriteFrame(f []byte) error {
	buf, err := Append(w.buf[:0], f)
	if err != nil {
		return err
	}

	w.buf = buf
	_, err = w.w.Write(buf)
	return err
}

// Reassembler rebuilds frames from a byte stream delivered in arbitrary
// pieces. Incomplete trailing units are kept until more data arrives.
type Reassembler struct {
	buf []byte
}

// Feed appends p to the pending bytes and calls fn for every complete frame.
// The slice passed to fn is only valid during the call. If a unit declares
// a length of 0 or more than MaxLen, the pending bytes are discarded and
// ErrBadLength is returned; the reassembler can keep being fed afterwards.
func (r *Reassembler) Feed(p []byte, fn func(f []byte)) error {
	r.buf = append(r.buf, p...)

	off := 0
	defer func() {
		r.buf = r.buf[:copy(r.buf, r.buf[off:])]
	}()

	for len(r.buf)-off >= HeaderLen {
		n := int(binary.BigEndian.Uint16(r.buf[off:]))
		if n == 0 || n > MaxLen {
			off = len(r.buf)
			return fmt.Errorf("%w: %d", ErrBadLength, n)
		}

		if len(r.buf)-off < HeaderLen+n {
			break
		}

		fn(r.buf[off+HeaderLen : off+HeaderLen+n])
		off += HeaderLen + n
	}

	return nil
}

// Buffered returns the number of bytes waiting for the rest of their unit.
func (r *Reassembler) Buffered() int {
	return len(r.buf)
}

// Reader reads whole frames from a stream.
type Reader struct {
	r    io.Reader
	re   Reassembler
	buf  []byte
	next [][]byte
	err  error // reassembly error held until next is empty
}

// NewReader returns a Reader that reads units from r.
func NewReader(r io.Reader) *Reader {
	return &Reader{
		r:   r,
		buf: make([]byte, 4*(HeaderLen+MaxLen)),
	}
}

// ReadFrame returns the next frame. Units with a bad length prefix are
// reported as ErrBadLength, after the frames that preceded them, and
// reading can continue. The stream ending in the middle of a unit is
// reported as io.ErrUnexpectedEOF.
func (r *Reader) ReadFrame() ([]byte, error) {
	for len(r.next) == 0 {
		if r.err != nil {
			err := r.err
			r.err = nil
			return nil, err
		}

		n, err := r.r.Read(r.buf)
		if n > 0 {
			r.err = r.re.Feed(r.buf[:n], func(f []byte) {
				r.next = append(r.next, append([]byte(nil), f...))
			})
		}

		if err != nil {
			if len(r.next) > 0 || r.err != nil {
				continue
			}

			if err == io.EOF && r.re.Buffered() > 0 {
				err = io.ErrUnexpectedEOF
			}

			return nil, err
		}
	}

	f := r.next[0]
	r.next = r.next[1:]
	return f, nil
}

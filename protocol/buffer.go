package protocol

import (
	"encoding/binary"
	"fmt"
)

// writeBuffer appends big-endian fields to a byte slice. The first capacity
// error sticks and later writes become no-ops.
type writeBuffer struct {
	buf []byte
	err error
}

func (w *writeBuffer) u8(v byte) {
	if w.err == nil {
		w.buf = append(w.buf, v)
	}
}

func (w *writeBuffer) u16(v uint16) {
	if w.err == nil {
		w.buf = binary.BigEndian.AppendUint16(w.buf, v)
	}
}

func (w *writeBuffer) u32(v uint32) {
	if w.err == nil {
		w.buf = binary.BigEndian.AppendUint32(w.buf, v)
	}
}

func (w *writeBuffer) u64(v uint64) {
	if w.err == nil {
		w.buf = binary.BigEndian.AppendUint64(w.buf, v)
	}
}

func (w *writeBuffer) raw(p []byte) {
	if w.err == nil {
		w.buf = append(w.buf, p...)
	}
}

// str1 writes a string with a 1-byte length prefix.
func (w *writeBuffer) str1(field string, s string) {
	if w.err != nil {
		return
	}
	if len(s) > 0xff {
		w.err = &FieldTooLargeError{Field: field, Size: len(s), Max: 0xff}
		return
	}
	w.u8(byte(len(s)))
	w.buf = append(w.buf, s...)
}

// bytes2 writes a byte string with a 2-byte length prefix.
func (w *writeBuffer) bytes2(field string, p []byte) {
	if w.err != nil {
		return
	}
	if len(p) > 0xffff {
		w.err = &FieldTooLargeError{Field: field, Size: len(p), Max: 0xffff}
		return
	}
	w.u16(uint16(len(p)))
	w.buf = append(w.buf, p...)
}

func (w *writeBuffer) str2(field string, s string) {
	w.bytes2(field, []byte(s))
}

// readBuffer consumes big-endian fields from a body. base is the absolute
// offset of buf[0] so errors can point into the original stream. The first
// fatal error sticks; callErr records a call-scoped violation while parsing
// carries on.
type readBuffer struct {
	buf     []byte
	off     int
	base    int
	err     error
	callErr error
}

func newReadBuffer(buf []byte, base int) *readBuffer {
	return &readBuffer{buf: buf, base: base}
}

func (r *readBuffer) remaining() int { return len(r.buf) - r.off }

func (r *readBuffer) fail(field string, err error) {
	if r.err == nil {
		r.err = &DecodeError{Field: field, Offset: r.base + r.off, Err: err}
	}
}

func (r *readBuffer) take(field string, n int) []byte {
	if r.err != nil {
		return nil
	}
	if n > r.remaining() {
		r.fail(field, ErrShortBuffer)
		return nil
	}
	p := r.buf[r.off : r.off+n : r.off+n]
	r.off += n
	return p
}

func (r *readBuffer) u8(field string) byte {
	p := r.take(field, 1)
	if p == nil {
		return 0
	}
	return p[0]
}

func (r *readBuffer) u16(field string) uint16 {
	p := r.take(field, 2)
	if p == nil {
		return 0
	}
	return binary.BigEndian.Uint16(p)
}

func (r *readBuffer) u32(field string) uint32 {
	p := r.take(field, 4)
	if p == nil {
		return 0
	}
	return binary.BigEndian.Uint32(p)
}

func (r *readBuffer) u64(field string) uint64 {
	p := r.take(field, 8)
	if p == nil {
		return 0
	}
	return binary.BigEndian.Uint64(p)
}

func (r *readBuffer) str1(field string) string {
	n := r.u8(field)
	return string(r.take(field, int(n)))
}

func (r *readBuffer) bytes2(field string) []byte {
	n := r.u16(field)
	if r.err != nil {
		return nil
	}
	return r.take(field, int(n))
}

func (r *readBuffer) str2(field string) string {
	return string(r.bytes2(field))
}

func (r *readBuffer) skip(field string, n int) {
	r.take(field, n)
}

// argField names the i-th argument for error reporting.
func argField(i int) string {
	return fmt.Sprintf("arg%d", i+1)
}

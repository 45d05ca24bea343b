package protocol

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// Frame is one unit on the wire. Size is filled in by Encode and Decode; it
// always counts the 16-byte header.
type Frame struct {
	Size uint16
	Type FrameType
	ID   uint32
	Body Body
}

// NewFrame wraps body in a frame with the given id.
func NewFrame(id uint32, body Body) *Frame {
	return &Frame{Type: body.Type(), ID: id, Body: body}
}

// Encode serializes f. Nothing is produced when any field overflows its
// prefix or the frame would exceed MaxFrameSize.
func Encode(f *Frame) ([]byte, error) {
	if f.Body == nil {
		return nil, errors.New("frame has no body")
	}
	if f.Type != f.Body.Type() {
		return nil, errors.Errorf("frame type %s does not match body %s", f.Type, f.Body.Type())
	}

	w := &writeBuffer{buf: make([]byte, HeaderSize, 256)}
	encodeBody(w, f.Body)
	if w.err != nil {
		return nil, w.err
	}
	if len(w.buf) > MaxFrameSize {
		return nil, &FieldTooLargeError{Field: "frame", Size: len(w.buf), Max: MaxFrameSize}
	}

	f.Size = uint16(len(w.buf))
	putHeader(w.buf, f.Size, f.Type, f.ID)
	return w.buf, nil
}

func putHeader(buf []byte, size uint16, t FrameType, id uint32) {
	binary.BigEndian.PutUint16(buf[0:2], size)
	buf[2] = byte(t)
	buf[3] = 0
	binary.BigEndian.PutUint32(buf[4:8], id)
	clear(buf[8:HeaderSize])
}

// header holds the fixed fields read from the first 16 bytes.
type header struct {
	size uint16
	typ  FrameType
	id   uint32
}

func readHeader(buf []byte, offset int) (header, error) {
	if len(buf)-offset < HeaderSize {
		return header{}, &DecodeError{Field: "header", Offset: offset, Err: ErrShortBuffer}
	}
	h := header{
		size: binary.BigEndian.Uint16(buf[offset : offset+2]),
		typ:  FrameType(buf[offset+2]),
		id:   binary.BigEndian.Uint32(buf[offset+4 : offset+8]),
	}
	if h.size < HeaderSize {
		return header{}, &DecodeError{Field: "size", Offset: offset, Err: ErrInvalidSize}
	}
	if len(buf)-offset < int(h.size) {
		return header{}, &DecodeError{Field: "body", Offset: offset + HeaderSize, Err: ErrShortBuffer}
	}
	if !h.typ.Valid() {
		return header{}, &DecodeError{Field: "type", Offset: offset + 2, Err: &InvalidFrameTypeError{Type: byte(h.typ)}}
	}
	return h, nil
}

// Decode parses the frame that starts at buf[offset] and returns it with
// the offset of the byte after it. Decoded argument slices alias buf.
//
// A call-scoped violation (duplicate or empty header key) still yields the
// frame together with the error; IsCallScoped tells the two cases apart.
func Decode(buf []byte, offset int) (*Frame, int, error) {
	h, err := readHeader(buf, offset)
	if err != nil {
		return nil, offset, err
	}
	end := offset + int(h.size)
	f, err := decodeFrame(h, buf[offset+HeaderSize:end], offset+HeaderSize)
	if f == nil {
		return nil, offset, err
	}
	return f, end, err
}

func decodeFrame(h header, body []byte, base int) (*Frame, error) {
	r := newReadBuffer(body, base)
	b := decodeBody(h.typ, r)
	if r.err != nil {
		return nil, r.err
	}
	if r.remaining() > 0 {
		return nil, &DecodeError{Field: "body", Offset: base + r.off, Err: ErrExtraFrameData}
	}
	return &Frame{Size: h.size, Type: h.typ, ID: h.id, Body: b}, r.callErr
}

// WriteFrame encodes f and writes it to w in one call.
func WriteFrame(w io.Writer, f *Frame) error {
	buf, err := Encode(f)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return errors.Wrap(err, "write frame")
}

// ReadFrame reads exactly one frame from r. io.EOF is returned unwrapped
// when the stream ends cleanly between frames.
func ReadFrame(r io.Reader) (*Frame, error) {
	buf, err := readRaw(r)
	if err != nil {
		return nil, err
	}
	f, _, err := Decode(buf, 0)
	return f, err
}

// readRaw reads the header and the body it announces.
func readRaw(r io.Reader) ([]byte, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, errors.Wrap(err, "read frame header")
	}
	size := binary.BigEndian.Uint16(hdr[0:2])
	if size < HeaderSize {
		return nil, &DecodeError{Field: "size", Offset: 0, Err: ErrInvalidSize}
	}
	buf := make([]byte, size)
	copy(buf, hdr[:])
	if _, err := io.ReadFull(r, buf[HeaderSize:]); err != nil {
		return nil, errors.Wrap(err, "read frame body")
	}
	return buf, nil
}

package protocol

import (
	"io"

	"github.com/pkg/errors"
)

// LazyFrame is a frame whose body has not been parsed. A relay can route on
// the header, the service name and arg1 without decoding headers or the
// remaining arguments. Payload is a view into the buffer the frame was read
// from and must not be modified.
type LazyFrame struct {
	Size    uint16
	Type    FrameType
	ID      uint32
	Payload []byte

	base int
}

// DecodeLazy reads the header at buf[offset] and keeps the body unparsed.
func DecodeLazy(buf []byte, offset int) (*LazyFrame, int, error) {
	h, err := readHeader(buf, offset)
	if err != nil {
		return nil, offset, err
	}
	end := offset + int(h.size)
	return &LazyFrame{
		Size:    h.size,
		Type:    h.typ,
		ID:      h.id,
		Payload: buf[offset+HeaderSize : end : end],
		base:    offset + HeaderSize,
	}, end, nil
}

// ReadLazyFrame reads one frame from r without parsing its body.
func ReadLazyFrame(r io.Reader) (*LazyFrame, error) {
	buf, err := readRaw(r)
	if err != nil {
		return nil, err
	}
	f, _, err := DecodeLazy(buf, 0)
	return f, err
}

// IsCall reports whether the frame carries call arguments.
func (f *LazyFrame) IsCall() bool {
	switch f.Type {
	case TypeCallRequest, TypeCallResponse, TypeCallRequestContinuation, TypeCallResponseContinuation:
		return true
	}
	return false
}

// Flags returns the flags byte of a call frame.
func (f *LazyFrame) Flags() (byte, error) {
	if !f.IsCall() {
		return 0, errors.Errorf("%s frame has no flags", f.Type)
	}
	r := newReadBuffer(f.Payload, f.base)
	flags := r.u8("flags")
	return flags, r.err
}

// Fragmented reports whether more frames of the same call follow.
func (f *LazyFrame) Fragmented() bool {
	flags, err := f.Flags()
	return err == nil && flags&FlagFragment != 0
}

// Service returns the service name of a call request.
func (f *LazyFrame) Service() (string, error) {
	if f.Type != TypeCallRequest {
		return "", errors.Errorf("%s frame has no service", f.Type)
	}
	r := newReadBuffer(f.Payload, f.base)
	r.skip("flags", 1)
	r.skip("ttl", 4)
	r.skip("tracing", TracingSize)
	service := r.str1("service")
	return service, r.err
}

// Arg1 returns the first argument chunk of a call request or response,
// skipping the headers without materializing them.
func (f *LazyFrame) Arg1() ([]byte, error) {
	r := newReadBuffer(f.Payload, f.base)
	switch f.Type {
	case TypeCallRequest:
		r.skip("flags", 1)
		r.skip("ttl", 4)
		r.skip("tracing", TracingSize)
		r.skip("service", int(r.u8("service")))
	case TypeCallResponse:
		r.skip("flags", 1)
		r.skip("code", 1)
		r.skip("tracing", TracingSize)
	default:
		return nil, errors.Errorf("%s frame has no arg1", f.Type)
	}
	nh := int(r.u8("nh"))
	for i := 0; i < nh; i++ {
		r.skip("header key", int(r.u8("header key")))
		r.skip("header value", int(r.u8("header value")))
	}
	readChecksum(r)
	arg := r.bytes2("arg1")
	if r.err != nil {
		return nil, r.err
	}
	if arg == nil {
		arg = []byte{}
	}
	return arg, nil
}

// Parse decodes the body into a full Frame.
func (f *LazyFrame) Parse() (*Frame, error) {
	return decodeFrame(header{size: f.Size, typ: f.Type, id: f.ID}, f.Payload, f.base)
}

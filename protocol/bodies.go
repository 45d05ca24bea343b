package protocol

import (
	"time"

	"github.com/pkg/errors"
)

// Body is the closed set of frame bodies. Each variant reports its wire tag;
// encodeBody and decodeBody switch exhaustively over the variants, so a new
// frame type means a new struct plus a case in both.
type Body interface {
	Type() FrameType
}

// CallFrame is implemented by the four call-carrying variants. Fragmenting
// and reassembly operate on it without caring which side of the call they
// are on.
type CallFrame interface {
	Body
	Fields() *CallFields
	// Continuation returns an empty continuation body of the matching kind.
	Continuation() CallFrame
}

// Tracing is the 25-byte tracing block carried by call and error frames.
type Tracing struct {
	SpanID   uint64
	ParentID uint64
	TraceID  uint64
	Flags    byte
}

// TracingSize is the encoded size of Tracing.
const TracingSize = 25

func writeTracing(w *writeBuffer, t Tracing) {
	w.u64(t.SpanID)
	w.u64(t.ParentID)
	w.u64(t.TraceID)
	w.u8(t.Flags)
}

func readTracing(r *readBuffer) Tracing {
	return Tracing{
		SpanID:   r.u64("spanid"),
		ParentID: r.u64("parentid"),
		TraceID:  r.u64("traceid"),
		Flags:    r.u8("traceflags"),
	}
}

// InitRequest opens a connection: version:2 nh:2 (k~2 v~2){nh}.
type InitRequest struct {
	Version uint16
	Headers Headers
}

func (*InitRequest) Type() FrameType { return TypeInitRequest }

// InitResponse answers InitRequest with the same layout.
type InitResponse struct {
	Version uint16
	Headers Headers
}

func (*InitResponse) Type() FrameType { return TypeInitResponse }

// ValidateInitHeaders checks that both required init headers are present.
func ValidateInitHeaders(h Headers) error {
	for _, field := range []string{InitHostPort, InitProcessName} {
		if _, ok := h.Get(field); !ok {
			return &MissingInitHeaderError{Field: field}
		}
	}
	return h.Validate()
}

// CallRequest starts a logical request:
// flags:1 ttl:4 tracing:25 service~1 nh:1 (k~1 v~1){nh} csumtype:1 (csum:4){0,1} (arg~2)*
type CallRequest struct {
	CallFields
	// TTL travels as whole milliseconds.
	TTL     time.Duration
	Tracing Tracing
	Service string
	Headers Headers
}

func (*CallRequest) Type() FrameType           { return TypeCallRequest }
func (c *CallRequest) Fields() *CallFields     { return &c.CallFields }
func (c *CallRequest) Continuation() CallFrame { return &CallRequestContinuation{} }

// ResponseCode distinguishes successful responses from application errors.
type ResponseCode byte

const (
	ResponseOK    ResponseCode = 0x00
	ResponseError ResponseCode = 0x01
)

// CallResponse starts a logical response; code replaces ttl and service.
type CallResponse struct {
	CallFields
	Code    ResponseCode
	Tracing Tracing
	Headers Headers
}

func (*CallResponse) Type() FrameType           { return TypeCallResponse }
func (c *CallResponse) Fields() *CallFields     { return &c.CallFields }
func (c *CallResponse) Continuation() CallFrame { return &CallResponseContinuation{} }

// CallRequestContinuation carries further argument chunks of a request.
type CallRequestContinuation struct {
	CallFields
}

func (*CallRequestContinuation) Type() FrameType           { return TypeCallRequestContinuation }
func (c *CallRequestContinuation) Fields() *CallFields     { return &c.CallFields }
func (c *CallRequestContinuation) Continuation() CallFrame { return &CallRequestContinuation{} }

// CallResponseContinuation carries further argument chunks of a response.
type CallResponseContinuation struct {
	CallFields
}

func (*CallResponseContinuation) Type() FrameType           { return TypeCallResponseContinuation }
func (c *CallResponseContinuation) Fields() *CallFields     { return &c.CallFields }
func (c *CallResponseContinuation) Continuation() CallFrame { return &CallResponseContinuation{} }

// ErrorResponse terminates a call (or, with NullID, the connection):
// code:1 tracing:25 message~2.
type ErrorResponse struct {
	Code    ErrorCode
	Tracing Tracing
	Message string
}

func (*ErrorResponse) Type() FrameType { return TypeError }

// AsError converts the frame into the SystemError seen by callers.
func (e *ErrorResponse) AsError() *SystemError {
	return &SystemError{Code: e.Code, Message: e.Message}
}

// ttlMillis converts a TTL to the wire representation.
func ttlMillis(d time.Duration) uint32 {
	if d <= 0 {
		return 0
	}
	ms := d / time.Millisecond
	if ms == 0 {
		return 1
	}
	if ms > 0xffffffff {
		return 0xffffffff
	}
	return uint32(ms)
}

func encodeBody(w *writeBuffer, body Body) {
	switch b := body.(type) {
	case *InitRequest:
		w.u16(b.Version)
		writeHeaders(w, b.Headers, headerWidth2)
	case *InitResponse:
		w.u16(b.Version)
		writeHeaders(w, b.Headers, headerWidth2)
	case *CallRequest:
		w.u8(b.Flags)
		w.u32(ttlMillis(b.TTL))
		writeTracing(w, b.Tracing)
		w.str1("service", b.Service)
		writeHeaders(w, b.Headers, headerWidth1)
		writeChecksum(w, b.Checksum)
		writeArgs(w, b.Args)
	case *CallResponse:
		w.u8(b.Flags)
		w.u8(byte(b.Code))
		writeTracing(w, b.Tracing)
		writeHeaders(w, b.Headers, headerWidth1)
		writeChecksum(w, b.Checksum)
		writeArgs(w, b.Args)
	case *CallRequestContinuation:
		w.u8(b.Flags)
		writeChecksum(w, b.Checksum)
		writeArgs(w, b.Args)
	case *CallResponseContinuation:
		w.u8(b.Flags)
		writeChecksum(w, b.Checksum)
		writeArgs(w, b.Args)
	case *ErrorResponse:
		w.u8(byte(b.Code))
		writeTracing(w, b.Tracing)
		w.str2("message", b.Message)
	default:
		w.err = errors.Errorf("unsupported frame body %T", body)
	}
}

func decodeBody(t FrameType, r *readBuffer) Body {
	switch t {
	case TypeInitRequest:
		b := &InitRequest{}
		b.Version = r.u16("version")
		b.Headers = readHeaders(r, headerWidth2)
		return b
	case TypeInitResponse:
		b := &InitResponse{}
		b.Version = r.u16("version")
		b.Headers = readHeaders(r, headerWidth2)
		return b
	case TypeCallRequest:
		b := &CallRequest{}
		b.Flags = r.u8("flags")
		b.TTL = time.Duration(r.u32("ttl")) * time.Millisecond
		b.Tracing = readTracing(r)
		b.Service = r.str1("service")
		b.Headers = readHeaders(r, headerWidth1)
		b.Checksum = readChecksum(r)
		b.Args = readArgs(r)
		return b
	case TypeCallResponse:
		b := &CallResponse{}
		b.Flags = r.u8("flags")
		b.Code = ResponseCode(r.u8("code"))
		b.Tracing = readTracing(r)
		b.Headers = readHeaders(r, headerWidth1)
		b.Checksum = readChecksum(r)
		b.Args = readArgs(r)
		return b
	case TypeCallRequestContinuation:
		b := &CallRequestContinuation{}
		b.Flags = r.u8("flags")
		b.Checksum = readChecksum(r)
		b.Args = readArgs(r)
		return b
	case TypeCallResponseContinuation:
		b := &CallResponseContinuation{}
		b.Flags = r.u8("flags")
		b.Checksum = readChecksum(r)
		b.Args = readArgs(r)
		return b
	case TypeError:
		b := &ErrorResponse{}
		b.Code = ErrorCode(r.u8("code"))
		b.Tracing = readTracing(r)
		b.Message = r.str2("message")
		return b
	default:
		r.fail("type", &InvalidFrameTypeError{Type: byte(t)})
		return nil
	}
}

// BodyLength is the encoded size of body.
func BodyLength(body Body) (int, error) {
	w := &writeBuffer{}
	encodeBody(w, body)
	if w.err != nil {
		return 0, w.err
	}
	return len(w.buf), nil
}

// FixedLength is the encoded size of a call frame without its arguments.
func FixedLength(body CallFrame) (int, error) {
	fields := body.Fields()
	args := fields.Args
	fields.Args = nil
	n, err := BodyLength(body)
	fields.Args = args
	return n, err
}

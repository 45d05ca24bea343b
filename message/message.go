// Package message defines the logical request and response exchanged by
// peers once the frame layer has reassembled them.
//
// A call carries three positional arguments on the wire:
//
//	arg1 = method (endpoint name)
//	arg2 = application headers, encoded by the arg scheme
//	arg3 = body, encoded by the arg scheme
//
// The transport headers travel beside the arguments; "as" names the arg
// scheme (json, raw) and "cn" the caller's service name.
package message

import (
	"time"

	"peerwire/checksum"
	"peerwire/protocol"
)

// Well-known transport header keys.
const (
	HeaderArgScheme  = "as"
	HeaderCallerName = "cn"
	HeaderRetryFlags = "re"
)

// Request is one logical call.
type Request struct {
	Service string
	Method  string
	Headers protocol.Headers
	TTL     time.Duration
	Tracing protocol.Tracing
	Arg2    []byte
	Arg3    []byte
}

// Response is the answer to a Request. When OK is false the arguments carry
// an application error and the call reaches the caller as an
// *protocol.ApplicationError.
type Response struct {
	OK      bool
	Headers protocol.Headers
	Arg2    []byte
	Arg3    []byte
}

// ArgScheme returns the "as" transport header.
func (r *Request) ArgScheme() string {
	as, _ := r.Headers.Get(HeaderArgScheme)
	return as
}

// Body builds the first frame body of the request with all three arguments
// attached. Fragmenting happens later, in the connection.
func (r *Request) Body(csum checksum.Type) *protocol.CallRequest {
	return &protocol.CallRequest{
		CallFields: protocol.CallFields{
			Checksum: checksum.Checksum{Type: csum},
			Args:     [][]byte{[]byte(r.Method), nonNil(r.Arg2), nonNil(r.Arg3)},
		},
		TTL:     r.TTL,
		Tracing: r.Tracing,
		Service: r.Service,
		Headers: r.Headers,
	}
}

// RequestFromFrame rebuilds a Request from the first frame of a call and the
// reassembled arguments.
func RequestFromFrame(first *protocol.CallRequest, args [][]byte) *Request {
	return &Request{
		Service: first.Service,
		Method:  string(arg(args, 0)),
		Headers: first.Headers,
		TTL:     first.TTL,
		Tracing: first.Tracing,
		Arg2:    arg(args, 1),
		Arg3:    arg(args, 2),
	}
}

// Body builds the first frame body of the response. arg1 is always empty.
func (r *Response) Body(csum checksum.Type) *protocol.CallResponse {
	code := protocol.ResponseOK
	if !r.OK {
		code = protocol.ResponseError
	}
	return &protocol.CallResponse{
		CallFields: protocol.CallFields{
			Checksum: checksum.Checksum{Type: csum},
			Args:     [][]byte{{}, nonNil(r.Arg2), nonNil(r.Arg3)},
		},
		Code:    code,
		Headers: r.Headers,
	}
}

// ResponseFromFrame rebuilds a Response from the first frame and the
// reassembled arguments.
func ResponseFromFrame(first *protocol.CallResponse, args [][]byte) *Response {
	return &Response{
		OK:      first.Code == protocol.ResponseOK,
		Headers: first.Headers,
		Arg2:    arg(args, 1),
		Arg3:    arg(args, 2),
	}
}

// AppError converts a failed response into the caller-facing error.
func (r *Response) AppError(req *Request) *protocol.ApplicationError {
	return &protocol.ApplicationError{
		Service: req.Service,
		Method:  req.Method,
		Arg2:    r.Arg2,
		Arg3:    r.Arg3,
	}
}

func arg(args [][]byte, i int) []byte {
	if i < len(args) {
		return args[i]
	}
	return []byte{}
}

func nonNil(p []byte) []byte {
	if p == nil {
		return []byte{}
	}
	return p
}

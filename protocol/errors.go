package protocol

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrShortBuffer is returned when a buffer ends before a field or before
	// the declared frame size.
	ErrShortBuffer = errors.New("short buffer")
	// ErrExtraFrameData is returned when a body parses cleanly but bytes
	// remain before the declared frame size.
	ErrExtraFrameData = errors.New("extra data after frame body")
	// ErrInvalidSize is returned when the size field is smaller than the header.
	ErrInvalidSize = errors.New("frame size smaller than header")
	// ErrNullKey is returned for an empty header key.
	ErrNullKey = errors.New("null header key")
	// ErrTooManyArgs is returned when a frame carries more than MaxArgs chunks.
	ErrTooManyArgs = errors.New("too many arguments")
	// ErrInvalidChecksumType is returned for an unknown checksum type byte.
	ErrInvalidChecksumType = errors.New("invalid checksum type")
)

// DecodeError names the field and absolute offset at which decoding failed.
type DecodeError struct {
	Field  string
	Offset int
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s at offset %d: %v", e.Field, e.Offset, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// InvalidFrameTypeError is returned for an unknown type byte.
type InvalidFrameTypeError struct {
	Type byte
}

func (e *InvalidFrameTypeError) Error() string {
	return fmt.Sprintf("invalid frame type 0x%02x", e.Type)
}

// FieldTooLargeError is raised before any byte is written when a field does
// not fit its length prefix or a frame would exceed MaxFrameSize.
type FieldTooLargeError struct {
	Field string
	Size  int
	Max   int
}

func (e *FieldTooLargeError) Error() string {
	return fmt.Sprintf("field %s too large: %d > %d", e.Field, e.Size, e.Max)
}

// DuplicateHeaderKeyError is a call-scoped header violation.
type DuplicateHeaderKeyError struct {
	Key   string
	Value string
	Prior string
}

func (e *DuplicateHeaderKeyError) Error() string {
	return fmt.Sprintf("duplicate header key %q", e.Key)
}

// MissingInitHeaderError is returned when an init frame lacks a required header.
type MissingInitHeaderError struct {
	Field string
}

func (e *MissingInitHeaderError) Error() string {
	return fmt.Sprintf("missing init frame header %s", e.Field)
}

// IsCallScoped reports whether err only invalidates the call it was found
// in. Such errors are answered with a BadRequest error frame and the
// connection stays up; every other decode error is fatal to the connection.
func IsCallScoped(err error) bool {
	var dup *DuplicateHeaderKeyError
	return errors.As(err, &dup) || errors.Is(err, ErrNullKey)
}

// ErrorCode is the code carried by error frames.
type ErrorCode byte

const (
	ErrCodeInvalid    ErrorCode = 0x00
	ErrCodeTimeout    ErrorCode = 0x01
	ErrCodeCancelled  ErrorCode = 0x02
	ErrCodeBusy       ErrorCode = 0x03
	ErrCodeDeclined   ErrorCode = 0x04
	ErrCodeUnexpected ErrorCode = 0x05
	ErrCodeBadRequest ErrorCode = 0x06
	ErrCodeNetwork    ErrorCode = 0x07
	ErrCodeProtocol   ErrorCode = 0xff
)

var errorCodeNames = map[ErrorCode]string{
	ErrCodeInvalid:    "invalid",
	ErrCodeTimeout:    "timeout",
	ErrCodeCancelled:  "cancelled",
	ErrCodeBusy:       "busy",
	ErrCodeDeclined:   "declined",
	ErrCodeUnexpected: "unexpected error",
	ErrCodeBadRequest: "bad request",
	ErrCodeNetwork:    "network error",
	ErrCodeProtocol:   "protocol error",
}

func (c ErrorCode) String() string {
	if name, ok := errorCodeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("code(0x%02x)", byte(c))
}

// SystemError is a transport-level failure of a call: timeout, decline,
// network or protocol trouble. It is what callers see instead of wire
// internals.
type SystemError struct {
	Code    ErrorCode
	Message string
	cause   error
}

// NewSystemError builds a SystemError with a formatted message.
func NewSystemError(code ErrorCode, format string, args ...any) *SystemError {
	return &SystemError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapSystemError attaches code to an underlying error.
func WrapSystemError(code ErrorCode, err error) *SystemError {
	return &SystemError{Code: code, Message: err.Error(), cause: err}
}

func (e *SystemError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *SystemError) Unwrap() error { return e.cause }

// SystemErrorCode extracts the code of a SystemError in err's chain, or
// ErrCodeUnexpected for anything else.
func SystemErrorCode(err error) ErrorCode {
	var se *SystemError
	if errors.As(err, &se) {
		return se.Code
	}
	return ErrCodeUnexpected
}

// ApplicationError is returned to callers when the remote handler answered
// with response code Error. The peer itself behaved correctly.
type ApplicationError struct {
	Service string
	Method  string
	Arg2    []byte
	Arg3    []byte
}

func (e *ApplicationError) Error() string {
	return fmt.Sprintf("application error from %s::%s: %s", e.Service, e.Method, e.Arg3)
}

// Package protocol implements the binary frame protocol.
//
// Every frame starts with a fixed 16-byte header followed by a typed body of
// size-16 bytes. The id field correlates requests, responses and
// continuations that belong to the same logical call on one connection.
//
// Frame header:
//
//	0       2    3    4        8                16
//	┌───────┬────┬────┬────────┬────────────────┬──────────────┐
//	│ size  │type│ rsv│   id   │    reserved    │  body ...    │
//	│ u16be │ u8 │ u8 │ u32be  │     8 bytes    │ size-16 bytes│
//	└───────┴────┴────┴────────┴────────────────┴──────────────┘
//
// Bodies are a closed set of variants keyed by the type byte; see Body.
package protocol

import "fmt"

const (
	// HeaderSize is the fixed frame overhead; size always includes it.
	HeaderSize = 16
	// MaxFrameSize is the largest value the size field can carry.
	MaxFrameSize = 0xffff
	// MaxBodySize is the largest body that fits in one frame.
	MaxBodySize = MaxFrameSize - HeaderSize

	// MaxID is the largest id handed out for regular frames.
	MaxID uint32 = 0xfffffffe
	// NullID marks frames that belong to no call, e.g. connection-fatal errors.
	NullID uint32 = 0xffffffff

	// Version is the protocol version exchanged in init frames.
	Version uint16 = 2

	// MaxArgs is the number of positional arguments of a logical call.
	MaxArgs = 3
)

// FrameType is the wire tag that selects the body variant.
type FrameType byte

const (
	TypeInitRequest              FrameType = 0x01
	TypeInitResponse             FrameType = 0x02
	TypeCallRequest              FrameType = 0x03
	TypeCallResponse             FrameType = 0x04
	TypeCallRequestContinuation  FrameType = 0x13
	TypeCallResponseContinuation FrameType = 0x14
	TypeError                    FrameType = 0xff
)

var frameTypeNames = map[FrameType]string{
	TypeInitRequest:              "init-req",
	TypeInitResponse:             "init-res",
	TypeCallRequest:              "call-req",
	TypeCallResponse:             "call-res",
	TypeCallRequestContinuation:  "call-req-cont",
	TypeCallResponseContinuation: "call-res-cont",
	TypeError:                    "error",
}

func (t FrameType) String() string {
	if name, ok := frameTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("frame(0x%02x)", byte(t))
}

// Valid reports whether t names a known body variant.
func (t FrameType) Valid() bool {
	_, ok := frameTypeNames[t]
	return ok
}

// Flag bits of call frames.
const (
	// FlagFragment is set on every frame of a logical call except the last.
	FlagFragment byte = 0x01
)

// Init header keys that must be present in both init frames.
const (
	InitHostPort    = "host_port"
	InitProcessName = "process_name"
)

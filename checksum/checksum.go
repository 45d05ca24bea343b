// Package checksum computes and verifies the digest carried by call frames.
//
// A checksum is folded over the argument byte strings of a frame in argument
// order. When a logical call spans several frames, each frame's checksum covers
// only that frame's argument bytes and is seeded with the value carried by the
// previous frame, so verification happens frame by frame:
//
//	frame 1: v1 = Compute(t, args1, 0)
//	frame 2: v2 = Compute(t, args2, v1)
//	frame 3: v3 = Compute(t, args3, v2)
package checksum

import (
	"fmt"
	"hash/crc32"

	farm "github.com/dgryski/go-farm"
)

// Type identifies the digest algorithm. Values are the wire byte.
type Type byte

const (
	None       Type = 0x00
	CRC32      Type = 0x01
	FarmHash32 Type = 0x02
	CRC32C     Type = 0x03
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

var typeNames = map[Type]string{
	None:       "none",
	CRC32:      "crc32",
	FarmHash32: "farmhash32",
	CRC32C:     "crc32c",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("checksum(0x%02x)", byte(t))
}

// Valid reports whether t is a known checksum type.
func (t Type) Valid() bool {
	_, ok := typeNames[t]
	return ok
}

// Size is the number of value bytes that follow the type byte on the wire.
func (t Type) Size() int {
	if t == None {
		return 0
	}
	return 4
}

// Checksum is a typed checksum value as carried in a call frame.
type Checksum struct {
	Type  Type
	Value uint32
}

// ChecksumError reports a digest mismatch. The whole logical call it belongs
// to must be treated as corrupted.
type ChecksumError struct {
	Type     Type
	Expected uint32
	Actual   uint32
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("checksum mismatch (%s): expected 0x%08x, got 0x%08x", e.Type, e.Expected, e.Actual)
}

// Compute folds args through the digest selected by t, starting from prior.
// None always yields 0.
func Compute(t Type, args [][]byte, prior uint32) uint32 {
	v := prior
	for _, arg := range args {
		v = Update(t, v, arg)
	}
	if t == None {
		return 0
	}
	return v
}

// Update folds a single byte string into the running value v.
func Update(t Type, v uint32, p []byte) uint32 {
	switch t {
	case CRC32:
		return crc32.Update(v, crc32.IEEETable, p)
	case CRC32C:
		return crc32.Update(v, castagnoli, p)
	case FarmHash32:
		// fingerprints are not seeded; deployed peers compute them this way
		return farm.Fingerprint32(p)
	default:
		return 0
	}
}

// Verify recomputes the checksum over args seeded with prior and compares it
// with c.Value. A None checksum always verifies.
func Verify(c Checksum, args [][]byte, prior uint32) error {
	if c.Type == None {
		return nil
	}
	actual := Compute(c.Type, args, prior)
	if actual != c.Value {
		return &ChecksumError{Type: c.Type, Expected: c.Value, Actual: actual}
	}
	return nil
}

// Of returns a Checksum of type t computed over args.
func Of(t Type, args [][]byte, prior uint32) Checksum {
	return Checksum{Type: t, Value: Compute(t, args, prior)}
}

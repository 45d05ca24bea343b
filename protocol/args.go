package protocol

import (
	"peerwire/checksum"
)

// CallFields are the parts shared by call frames and their continuations:
// flags, the checksum over this frame's argument chunks, and the chunks.
type CallFields struct {
	Flags    byte
	Checksum checksum.Checksum
	Args     [][]byte
}

// Fragmented reports whether more frames of the same call follow.
func (c *CallFields) Fragmented() bool {
	return c.Flags&FlagFragment != 0
}

// UpdateChecksum recomputes the checksum over Args seeded with prior and
// returns the new running value for the next frame.
func (c *CallFields) UpdateChecksum(prior uint32) uint32 {
	c.Checksum.Value = checksum.Compute(c.Checksum.Type, c.Args, prior)
	return c.Checksum.Value
}

// VerifyChecksum checks Args against the carried value seeded with prior.
func (c *CallFields) VerifyChecksum(prior uint32) error {
	return checksum.Verify(c.Checksum, c.Args, prior)
}

func writeChecksum(w *writeBuffer, c checksum.Checksum) {
	if w.err != nil {
		return
	}
	if !c.Type.Valid() {
		w.err = ErrInvalidChecksumType
		return
	}
	w.u8(byte(c.Type))
	if c.Type.Size() > 0 {
		w.u32(c.Value)
	}
}

func readChecksum(r *readBuffer) checksum.Checksum {
	t := checksum.Type(r.u8("csumtype"))
	if r.err != nil {
		return checksum.Checksum{}
	}
	if !t.Valid() {
		r.off--
		r.fail("csumtype", ErrInvalidChecksumType)
		return checksum.Checksum{}
	}
	c := checksum.Checksum{Type: t}
	if t.Size() > 0 {
		c.Value = r.u32("csum")
	}
	return c
}

// writeArgs writes each argument as arg~2. Zero-length arguments are
// written as an empty entry so the argument count survives the trip.
func writeArgs(w *writeBuffer, args [][]byte) {
	if w.err != nil {
		return
	}
	if len(args) > MaxArgs {
		w.err = &FieldTooLargeError{Field: "args", Size: len(args), Max: MaxArgs}
		return
	}
	for i, arg := range args {
		w.bytes2(argField(i), arg)
	}
}

// readArgs consumes arg~2 entries until the body is exhausted.
func readArgs(r *readBuffer) [][]byte {
	var args [][]byte
	for r.err == nil && r.remaining() > 0 {
		if len(args) == MaxArgs {
			r.fail("args", ErrTooManyArgs)
			return nil
		}
		arg := r.bytes2(argField(len(args)))
		if r.err != nil {
			return nil
		}
		if arg == nil {
			arg = []byte{}
		}
		args = append(args, arg)
	}
	return args
}

// ArgsLength is the encoded size of args.
func ArgsLength(args [][]byte) int {
	n := 0
	for _, arg := range args {
		n += 2 + len(arg)
	}
	return n
}

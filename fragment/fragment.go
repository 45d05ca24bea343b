// Package fragment splits the arguments of a logical call across frames and
// puts them back together on the receiving side.
//
// Within one frame every argument chunk except the last closes its argument.
// The last chunk of a frame that has the fragment flag set is continued by
// the first chunk of the next frame:
//
//	args:    [ arg1 ........ ][ arg2 ][ arg3 ... ]
//	frame 1: | arg1[:k]       |                    flags=0x01
//	frame 2: | arg1[k:] | arg2 | arg3[:m]          flags=0x01
//	frame 3: | arg3[m:]                            flags=0x00
//
// When an argument ends exactly at a frame boundary the next frame starts
// with an empty chunk that closes it.
package fragment

import (
	"github.com/pkg/errors"

	"peerwire/checksum"
	"peerwire/protocol"
)

// Split returns the frames that carry body when no frame may exceed
// maxFrameSize bytes, header included. The first frame keeps every
// non-argument field of body; the rest are continuations. Flags and chained
// checksums are filled in. body itself is not modified.
func Split(body protocol.CallFrame, maxFrameSize int) ([]protocol.CallFrame, error) {
	if maxFrameSize > protocol.MaxFrameSize || maxFrameSize <= 0 {
		maxFrameSize = protocol.MaxFrameSize
	}
	args := body.Fields().Args
	if len(args) > protocol.MaxArgs {
		return nil, &protocol.FieldTooLargeError{Field: "args", Size: len(args), Max: protocol.MaxArgs}
	}

	first := shallowCopy(body)
	first.Fields().Args = nil
	fixed, err := protocol.FixedLength(first)
	if err != nil {
		return nil, err
	}
	if budget := maxFrameSize - protocol.HeaderSize - fixed; budget < 2 {
		return nil, &protocol.FieldTooLargeError{
			Field: "frame",
			Size:  protocol.HeaderSize + fixed + 2,
			Max:   maxFrameSize,
		}
	}

	s := &splitter{
		maxFrameSize: maxFrameSize,
		csumType:     body.Fields().Checksum.Type,
	}
	s.start(first, fixed)
	for _, arg := range args {
		if s.remain < 2 {
			// The previous argument ended on the boundary.
			s.next(true)
		}
		for {
			n := min(len(arg), s.remain-2)
			s.add(arg[:n])
			arg = arg[n:]
			if len(arg) == 0 {
				break
			}
			s.next(false)
		}
	}
	return s.finish(), nil
}

type splitter struct {
	maxFrameSize int
	csumType     checksum.Type
	frames       []protocol.CallFrame
	cur          protocol.CallFrame
	remain       int
}

func (s *splitter) start(f protocol.CallFrame, fixed int) {
	f.Fields().Checksum.Type = s.csumType
	s.cur = f
	s.remain = s.maxFrameSize - protocol.HeaderSize - fixed
	s.frames = append(s.frames, f)
}

func (s *splitter) add(chunk []byte) {
	fields := s.cur.Fields()
	fields.Args = append(fields.Args, chunk)
	s.remain -= 2 + len(chunk)
}

// next closes the current frame and opens a continuation. closePrev adds the
// empty chunk that terminates an argument which filled the previous frame.
func (s *splitter) next(closePrev bool) {
	cont := s.cur.Continuation()
	// Continuations only carry flags, the checksum and chunks.
	s.start(cont, 1+1+s.csumType.Size())
	if closePrev {
		s.add([]byte{})
	}
}

func (s *splitter) finish() []protocol.CallFrame {
	var prior uint32
	last := len(s.frames) - 1
	for i, f := range s.frames {
		fields := f.Fields()
		if i < last {
			fields.Flags |= protocol.FlagFragment
		} else {
			fields.Flags &^= protocol.FlagFragment
		}
		prior = fields.UpdateChecksum(prior)
	}
	return s.frames
}

func shallowCopy(body protocol.CallFrame) protocol.CallFrame {
	switch b := body.(type) {
	case *protocol.CallRequest:
		c := *b
		return &c
	case *protocol.CallResponse:
		c := *b
		return &c
	case *protocol.CallRequestContinuation:
		c := *b
		return &c
	case *protocol.CallResponseContinuation:
		c := *b
		return &c
	default:
		panic(errors.Errorf("fragment: unknown call frame %T", body))
	}
}

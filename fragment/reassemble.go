package fragment

import (
	"github.com/pkg/errors"

	"peerwire/checksum"
	"peerwire/protocol"
)

var (
	// ErrOrphanContinuation is returned for a continuation frame that arrives
	// before the frame that starts the call.
	ErrOrphanContinuation = errors.New("continuation frame without a started call")
	// ErrUnexpectedFrame is returned when a call frame arrives after the call
	// was complete, or the frame kind does not match the call.
	ErrUnexpectedFrame = errors.New("unexpected call frame")
	// ErrChecksumTypeChanged is returned when a continuation switches the
	// checksum algorithm mid-call.
	ErrChecksumTypeChanged = errors.New("checksum type changed mid-call")
)

// Reassembler accumulates the frames of one logical call in arrival order.
// It is not safe for concurrent use; the connection loop owns it.
type Reassembler struct {
	first    protocol.CallFrame
	args     [][]byte
	open     bool
	csumType checksum.Type
	prior    uint32
	done     bool
}

// Add consumes the next frame of the call. Checksums are verified frame by
// frame, each seeded with the value carried by the previous frame. Chunks
// are copied, so the frame's buffer may be reused afterwards.
func (r *Reassembler) Add(frame protocol.CallFrame) (done bool, err error) {
	if r.done {
		return true, errors.Wrapf(ErrUnexpectedFrame, "%s after the last fragment", frame.Type())
	}

	fields := frame.Fields()
	if r.first == nil {
		if isContinuation(frame) {
			return false, ErrOrphanContinuation
		}
		r.first = frame
		r.csumType = fields.Checksum.Type
	} else {
		if frame.Type() != r.first.Continuation().Type() {
			return false, errors.Wrapf(ErrUnexpectedFrame, "%s while reassembling %s", frame.Type(), r.first.Type())
		}
		if fields.Checksum.Type != r.csumType {
			return false, errors.Wrapf(ErrChecksumTypeChanged, "%s to %s", r.csumType, fields.Checksum.Type)
		}
	}

	if err := fields.VerifyChecksum(r.prior); err != nil {
		return false, err
	}
	r.prior = fields.Checksum.Value

	for i, chunk := range fields.Args {
		if i == 0 && r.open {
			last := len(r.args) - 1
			r.args[last] = append(r.args[last], chunk...)
			continue
		}
		if len(r.args) == protocol.MaxArgs {
			return false, errors.Wrapf(protocol.ErrTooManyArgs, "reassembling %s", r.first.Type())
		}
		r.args = append(r.args, append([]byte{}, chunk...))
	}

	if fields.Fragmented() {
		r.open = r.open || len(fields.Args) > 0
		return false, nil
	}
	r.open = false
	r.done = true
	return true, nil
}

// First returns the frame that started the call, or nil.
func (r *Reassembler) First() protocol.CallFrame { return r.first }

// Args returns the reassembled arguments. It is only complete once Add has
// reported done.
func (r *Reassembler) Args() [][]byte { return r.args }

// Done reports whether the final frame has been added.
func (r *Reassembler) Done() bool { return r.done }

// Reassemble is a convenience over Reassembler for a complete frame list.
func Reassemble(frames []protocol.CallFrame) ([][]byte, error) {
	var r Reassembler
	for i, f := range frames {
		done, err := r.Add(f)
		if err != nil {
			return nil, err
		}
		if done && i != len(frames)-1 {
			return nil, errors.Wrapf(ErrUnexpectedFrame, "%d frames after the last fragment", len(frames)-1-i)
		}
	}
	if !r.Done() {
		return nil, errors.New("call is missing its final fragment")
	}
	return r.Args(), nil
}

func isContinuation(f protocol.CallFrame) bool {
	switch f.Type() {
	case protocol.TypeCallRequestContinuation, protocol.TypeCallResponseContinuation:
		return true
	}
	return false
}

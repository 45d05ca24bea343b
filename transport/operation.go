package transport

import (
	"sync/atomic"
	"time"

	"peerwire/fragment"
	"peerwire/message"
	"peerwire/protocol"
	"peerwire/timeheap"
)

// Operation is an outbound call waiting for its response. It resolves
// exactly once: a response, an error frame, a timeout, a cancellation or
// the connection going away, whichever comes first. Later resolutions are
// no-ops.
type Operation struct {
	ID      uint32
	Request *message.Request

	ttl      time.Duration
	asm      fragment.Reassembler
	entry    atomic.Pointer[timeheap.Entry]
	onExpire func(*Operation)

	resolved atomic.Bool
	done     chan struct{}
	response *protocol.CallResponse
	args     [][]byte
	err      error
}

func newOperation(req *message.Request, ttl time.Duration) *Operation {
	return &Operation{Request: req, ttl: ttl, done: make(chan struct{})}
}

// Done is closed when the operation resolves.
func (op *Operation) Done() <-chan struct{} { return op.done }

// Timeout implements timeheap.Item.
func (op *Operation) Timeout() time.Duration { return op.ttl }

// OnTimeout implements timeheap.Item.
func (op *Operation) OnTimeout(time.Time) {
	if op.onExpire != nil {
		op.onExpire(op)
	}
}

// setEntry records the scheduled timeout. An operation that resolved while
// it was being scheduled cancels the entry itself.
func (op *Operation) setEntry(e *timeheap.Entry) {
	op.entry.Store(e)
	if op.resolved.Load() {
		e.Cancel()
	}
}

func (op *Operation) resolve(res *protocol.CallResponse, args [][]byte, err error) bool {
	if !op.resolved.CompareAndSwap(false, true) {
		return false
	}
	if e := op.entry.Load(); e != nil {
		e.Cancel()
	}
	op.response, op.args, op.err = res, args, err
	close(op.done)
	return true
}

// Result returns the outcome once Done is closed. A response with code Error
// is returned together with an *protocol.ApplicationError.
func (op *Operation) Result() (*message.Response, error) {
	if op.err != nil {
		return nil, op.err
	}
	res := message.ResponseFromFrame(op.response, op.args)
	if !res.OK {
		return res, res.AppError(op.Request)
	}
	return res, nil
}

package transport

import (
	"unicode/utf8"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"peerwire/fragment"
	"peerwire/protocol"
)

// Mux is the per-connection multiplexer. It allocates frame ids, fragments
// outgoing calls, reassembles incoming ones and routes frames by id to the
// operation they belong to.
//
//	Call ──► alloc id ──► Split ──► Emit(frame, frame, ...)
//	OnFrame ──► by type ──► init / request table / pending table
//	                              │                 │
//	                         OnRequest          op.resolve
//
// A Mux is not safe for concurrent use. The connection loop owns it and
// feeds it frames in the order they were read.
type Mux struct {
	opts MuxOptions
	log  *zap.Logger

	nextID  uint32
	pending map[uint32]*Operation

	// Inbound requests being reassembled, and ids we owe a response for.
	inbound map[uint32]*fragment.Reassembler
	serving map[uint32]struct{}
	// Fragmented calls rejected mid-stream; their remaining frames are dropped.
	discard map[uint32]struct{}

	initSent bool
	ready    bool
	remote   protocol.Headers
	closed   bool
}

// MuxOptions configure a Mux.
type MuxOptions struct {
	// LocalHeaders are sent in init frames; they must carry host_port and
	// process_name.
	LocalHeaders protocol.Headers
	// MaxFrameSize bounds every emitted frame. Default protocol.MaxFrameSize.
	MaxFrameSize int
	// MaxPending bounds outbound in-flight operations. Default 10000.
	MaxPending int
	// Emit receives encoded frames in wire order.
	Emit func(buf []byte)
	// OnReady is called once the init handshake completes.
	OnReady func(remote protocol.Headers)
	// OnRequest receives fully reassembled inbound requests.
	OnRequest func(id uint32, first *protocol.CallRequest, args [][]byte)
	Logger    *zap.Logger
}

// DefaultMaxPending is the default bound on in-flight outbound calls.
const DefaultMaxPending = 10000

var (
	// ErrMuxClosed is returned for any send after Fail.
	ErrMuxClosed = errors.New("connection closed")
	// ErrNotReady is returned for calls before the init handshake completed.
	ErrNotReady = errors.New("connection not initialized")
)

// NewMux returns a Mux that has not exchanged init frames yet.
func NewMux(opts MuxOptions) *Mux {
	if opts.MaxFrameSize <= 0 || opts.MaxFrameSize > protocol.MaxFrameSize {
		opts.MaxFrameSize = protocol.MaxFrameSize
	}
	if opts.MaxPending <= 0 {
		opts.MaxPending = DefaultMaxPending
	}
	if opts.Emit == nil {
		opts.Emit = func([]byte) {}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Mux{
		opts:    opts,
		log:     opts.Logger,
		nextID:  1,
		pending: make(map[uint32]*Operation),
		inbound: make(map[uint32]*fragment.Reassembler),
		serving: make(map[uint32]struct{}),
		discard: make(map[uint32]struct{}),
	}
}

// Ready reports whether the init handshake completed.
func (m *Mux) Ready() bool { return m.ready }

// Remote returns the init headers of the other side.
func (m *Mux) Remote() protocol.Headers { return m.remote }

// Pending returns the number of outbound operations awaiting a response.
func (m *Mux) Pending() int { return len(m.pending) }

// allocID returns the next free id. Ids wrap at MaxID, never use NullID and
// skip ids that are still in flight.
func (m *Mux) allocID() uint32 {
	for {
		id := m.nextID
		if m.nextID == protocol.MaxID {
			m.nextID = 0
		} else {
			m.nextID++
		}
		if _, busy := m.pending[id]; !busy {
			return id
		}
	}
}

// Send allocates an id for body and queues its frames. Call bodies are
// fragmented to fit MaxFrameSize. Nothing is queued on error.
func (m *Mux) Send(body protocol.Body) (uint32, error) {
	if m.closed {
		return 0, ErrMuxClosed
	}
	id := m.allocID()
	bufs, err := m.encode(id, body)
	if err != nil {
		return 0, err
	}
	m.emit(bufs)
	return id, nil
}

// SendInit starts the handshake from the connecting side.
func (m *Mux) SendInit() error {
	if m.initSent || m.ready {
		return errors.New("init already sent")
	}
	if _, err := m.Send(&protocol.InitRequest{Version: protocol.Version, Headers: m.opts.LocalHeaders}); err != nil {
		return err
	}
	m.initSent = true
	return nil
}

// Call registers op and sends its request. Exceeding MaxPending fails with
// a Busy error before anything is sent.
func (m *Mux) Call(op *Operation, body *protocol.CallRequest) (uint32, error) {
	switch {
	case m.closed:
		return 0, protocol.WrapSystemError(protocol.ErrCodeNetwork, ErrMuxClosed)
	case !m.ready:
		return 0, protocol.WrapSystemError(protocol.ErrCodeNetwork, ErrNotReady)
	case len(m.pending) >= m.opts.MaxPending:
		return 0, protocol.NewSystemError(protocol.ErrCodeBusy, "%d calls in flight", len(m.pending))
	}

	id := m.allocID()
	bufs, err := m.encode(id, body)
	if err != nil {
		return 0, protocol.WrapSystemError(protocol.ErrCodeBadRequest, err)
	}
	op.ID = id
	m.pending[id] = op
	m.emit(bufs)
	return id, nil
}

// Respond sends the response to inbound request id.
func (m *Mux) Respond(id uint32, body *protocol.CallResponse) error {
	if m.closed {
		return ErrMuxClosed
	}
	bufs, err := m.encode(id, body)
	if err != nil {
		return err
	}
	delete(m.serving, id)
	m.emit(bufs)
	return nil
}

// SendError answers id with an error frame. NullID addresses the whole
// connection.
func (m *Mux) SendError(id uint32, code protocol.ErrorCode, message string) {
	delete(m.serving, id)
	if m.closed {
		return
	}
	bufs, err := m.encode(id, &protocol.ErrorResponse{Code: code, Message: truncateMessage(message, maxErrorMessage)})
	if err != nil {
		m.log.Error("encode error frame", zap.Uint32("id", id), zap.Error(err))
		return
	}
	m.emit(bufs)
}

// maxErrorMessage is what is left of a body after code:1 tracing:25 and
// the message length prefix.
const maxErrorMessage = protocol.MaxBodySize - 1 - protocol.TracingSize - 2

// truncateMessage cuts s to at most n bytes without splitting a rune.
func truncateMessage(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// Expire removes op from the pending table and resolves it with err unless
// it already resolved; a nil err only removes it. Responses that arrive for
// it later are dropped as unknown.
func (m *Mux) Expire(op *Operation, err error) bool {
	if cur, ok := m.pending[op.ID]; ok && cur == op {
		delete(m.pending, op.ID)
	}
	if err == nil {
		return false
	}
	return op.resolve(nil, nil, err)
}

// Fail resolves every pending operation with err and refuses further sends.
func (m *Mux) Fail(err error) {
	m.closed = true
	for id, op := range m.pending {
		delete(m.pending, id)
		op.resolve(nil, nil, err)
	}
	clear(m.inbound)
	clear(m.serving)
	clear(m.discard)
}

func (m *Mux) encode(id uint32, body protocol.Body) ([][]byte, error) {
	frames := []protocol.Body{body}
	if call, ok := body.(protocol.CallFrame); ok {
		parts, err := fragment.Split(call, m.opts.MaxFrameSize)
		if err != nil {
			return nil, err
		}
		frames = frames[:0]
		for _, p := range parts {
			frames = append(frames, p)
		}
	}

	bufs := make([][]byte, 0, len(frames))
	for _, b := range frames {
		buf, err := protocol.Encode(protocol.NewFrame(id, b))
		if err != nil {
			return nil, err
		}
		bufs = append(bufs, buf)
	}
	return bufs, nil
}

func (m *Mux) emit(bufs [][]byte) {
	for _, buf := range bufs {
		m.opts.Emit(buf)
	}
}

// OnFrame handles one inbound frame. decodeErr is the error Decode returned
// alongside the frame, if any. A non-nil result is fatal to the connection.
func (m *Mux) OnFrame(f *protocol.Frame, decodeErr error) error {
	if decodeErr != nil {
		if f == nil || !protocol.IsCallScoped(decodeErr) {
			return protocol.WrapSystemError(protocol.ErrCodeProtocol, decodeErr)
		}
		m.rejectCall(f, decodeErr)
		return nil
	}
	if m.closed {
		return nil
	}

	switch body := f.Body.(type) {
	case *protocol.InitRequest:
		return m.onInitRequest(f.ID, body)
	case *protocol.InitResponse:
		return m.onInitResponse(body)
	}
	if !m.ready {
		return protocol.NewSystemError(protocol.ErrCodeProtocol, "%s frame before init handshake", f.Type)
	}

	switch body := f.Body.(type) {
	case *protocol.CallRequest:
		return m.onCallRequest(f.ID, body)
	case *protocol.CallRequestContinuation:
		return m.onRequestContinuation(f.ID, body)
	case *protocol.CallResponse, *protocol.CallResponseContinuation:
		return m.onCallResponse(f.ID, body.(protocol.CallFrame))
	case *protocol.ErrorResponse:
		return m.onError(f.ID, body)
	}
	return protocol.NewSystemError(protocol.ErrCodeProtocol, "unexpected %s frame", f.Type)
}

func (m *Mux) onInitRequest(id uint32, req *protocol.InitRequest) error {
	if m.ready || m.initSent {
		return protocol.NewSystemError(protocol.ErrCodeProtocol, "duplicate init request")
	}
	if err := m.checkInit(req.Version, req.Headers); err != nil {
		return err
	}
	bufs, err := m.encode(id, &protocol.InitResponse{Version: protocol.Version, Headers: m.opts.LocalHeaders})
	if err != nil {
		return err
	}
	m.emit(bufs)
	m.becomeReady(req.Headers)
	return nil
}

func (m *Mux) onInitResponse(res *protocol.InitResponse) error {
	if !m.initSent || m.ready {
		return protocol.NewSystemError(protocol.ErrCodeProtocol, "unexpected init response")
	}
	if err := m.checkInit(res.Version, res.Headers); err != nil {
		return err
	}
	m.becomeReady(res.Headers)
	return nil
}

func (m *Mux) checkInit(version uint16, h protocol.Headers) error {
	if version != protocol.Version {
		return protocol.NewSystemError(protocol.ErrCodeProtocol, "unsupported protocol version %d", version)
	}
	if err := protocol.ValidateInitHeaders(h); err != nil {
		return protocol.WrapSystemError(protocol.ErrCodeProtocol, err)
	}
	return nil
}

func (m *Mux) becomeReady(remote protocol.Headers) {
	m.ready = true
	m.remote = remote
	if m.opts.OnReady != nil {
		m.opts.OnReady(remote)
	}
}

func (m *Mux) onCallRequest(id uint32, req *protocol.CallRequest) error {
	if _, ok := m.inbound[id]; ok {
		return protocol.NewSystemError(protocol.ErrCodeProtocol, "duplicate call request id %d", id)
	}
	if _, ok := m.serving[id]; ok {
		return protocol.NewSystemError(protocol.ErrCodeProtocol, "call request id %d is still being served", id)
	}
	asm := &fragment.Reassembler{}
	m.inbound[id] = asm
	return m.addRequestFrame(id, asm, req)
}

func (m *Mux) onRequestContinuation(id uint32, cont *protocol.CallRequestContinuation) error {
	if _, ok := m.discard[id]; ok {
		m.discarded(id, cont)
		return nil
	}
	asm, ok := m.inbound[id]
	if !ok {
		return protocol.WrapSystemError(protocol.ErrCodeProtocol,
			errors.Wrapf(fragment.ErrOrphanContinuation, "id %d", id))
	}
	return m.addRequestFrame(id, asm, cont)
}

func (m *Mux) addRequestFrame(id uint32, asm *fragment.Reassembler, f protocol.CallFrame) error {
	done, err := asm.Add(f)
	if err != nil {
		return protocol.WrapSystemError(protocol.ErrCodeProtocol, err)
	}
	if !done {
		return nil
	}
	delete(m.inbound, id)
	m.serving[id] = struct{}{}
	if m.opts.OnRequest != nil {
		m.opts.OnRequest(id, asm.First().(*protocol.CallRequest), asm.Args())
	}
	return nil
}

func (m *Mux) onCallResponse(id uint32, f protocol.CallFrame) error {
	if _, ok := m.discard[id]; ok {
		m.discarded(id, f)
		return nil
	}
	op, ok := m.pending[id]
	if !ok {
		m.log.Info("dropping frame for unknown call",
			zap.Uint32("id", id),
			zap.Stringer("type", f.Type()))
		return nil
	}
	done, err := op.asm.Add(f)
	if err != nil {
		delete(m.pending, id)
		sysErr := protocol.WrapSystemError(protocol.ErrCodeProtocol, err)
		op.resolve(nil, nil, sysErr)
		return sysErr
	}
	if done {
		delete(m.pending, id)
		op.resolve(op.asm.First().(*protocol.CallResponse), op.asm.Args(), nil)
	}
	return nil
}

func (m *Mux) onError(id uint32, e *protocol.ErrorResponse) error {
	if id == protocol.NullID {
		// Nothing more goes out, not even our own error frame.
		m.closed = true
		return e.AsError()
	}
	if op, ok := m.pending[id]; ok {
		delete(m.pending, id)
		op.resolve(nil, nil, e.AsError())
		return nil
	}
	if _, ok := m.inbound[id]; ok {
		// The caller abandoned a request it was still streaming.
		delete(m.inbound, id)
		return nil
	}
	m.log.Info("dropping error frame for unknown call",
		zap.Uint32("id", id),
		zap.Stringer("code", e.Code),
		zap.String("message", e.Message))
	return nil
}

// rejectCall handles a frame whose headers are invalid. Only that call
// fails; the connection stays up.
func (m *Mux) rejectCall(f *protocol.Frame, cause error) {
	call, ok := f.Body.(protocol.CallFrame)
	if !ok {
		return
	}
	if call.Fields().Fragmented() {
		m.discard[f.ID] = struct{}{}
	}
	m.log.Warn("rejecting call with invalid headers",
		zap.Uint32("id", f.ID),
		zap.Stringer("type", f.Type),
		zap.Error(cause))

	switch f.Type {
	case protocol.TypeCallRequest:
		m.SendError(f.ID, protocol.ErrCodeBadRequest, cause.Error())
	case protocol.TypeCallResponse:
		if op, ok := m.pending[f.ID]; ok {
			delete(m.pending, f.ID)
			op.resolve(nil, nil, protocol.WrapSystemError(protocol.ErrCodeBadRequest, cause))
		}
	}
}

func (m *Mux) discarded(id uint32, f protocol.CallFrame) {
	if !f.Fields().Fragmented() {
		delete(m.discard, id)
	}
}

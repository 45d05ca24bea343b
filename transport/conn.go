// Package transport runs the frame protocol over a net.Conn.
//
// Every connection has three goroutines and one owner of the state:
//
//	reader ──frames──► loop (owns Mux) ──[]byte──► writer ──► net.Conn
//	                    ▲    │
//	     Call ──calls───┘    └──► handler goroutines ──replies──► loop
//
// Many callers share one connection. Each call gets a frame id; responses
// can arrive in any order and the loop routes them back to the waiting
// caller by id.
package transport

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"peerwire/checksum"
	"peerwire/message"
	"peerwire/protocol"
	"peerwire/timeheap"
)

// State is the lifecycle of a connection.
type State int32

const (
	StateConnecting State = iota
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Defaults for Options.
const (
	DefaultInitTimeout = 5 * time.Second
	DefaultTTL         = time.Second
	DefaultHostPort    = "0.0.0.0:0"
)

// Options configure a Conn.
type Options struct {
	// HostPort is advertised in the init handshake. Outbound-only
	// processes use DefaultHostPort.
	HostPort string
	// ProcessName defaults to "<binary>[<pid>]".
	ProcessName string
	// Checksum is used for outgoing call frames. Default CRC32C.
	Checksum *checksum.Type
	// MaxFrameSize and MaxPending are passed to the Mux.
	MaxFrameSize int
	MaxPending   int
	// InitTimeout bounds the handshake on Dial.
	InitTimeout time.Duration
	// DefaultTTL applies to calls that carry neither a TTL nor a deadline.
	DefaultTTL time.Duration
	// Handler serves inbound calls. Calls are declined when nil.
	Handler Handler
	// TimeHeap schedules call timeouts. Connections of one process
	// usually share a heap.
	TimeHeap *timeheap.TimeHeap
	// OnClose is invoked once, after the connection failed or was closed.
	OnClose func(c *Conn, err error)
	Logger  *zap.Logger
}

func (o *Options) setDefaults() {
	if o.HostPort == "" {
		o.HostPort = DefaultHostPort
	}
	if o.ProcessName == "" {
		o.ProcessName = DefaultProcessName()
	}
	if o.Checksum == nil {
		t := checksum.CRC32C
		o.Checksum = &t
	}
	if o.InitTimeout <= 0 {
		o.InitTimeout = DefaultInitTimeout
	}
	if o.DefaultTTL <= 0 {
		o.DefaultTTL = DefaultTTL
	}
	if o.TimeHeap == nil {
		o.TimeHeap = timeheap.New(timeheap.Options{})
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// DefaultProcessName returns "<binary>[<pid>]".
func DefaultProcessName() string {
	return fmt.Sprintf("%s[%d]", filepath.Base(os.Args[0]), os.Getpid())
}

// ErrConnClosed is the cause of the error callers see after Close.
var ErrConnClosed = errors.New("connection closed")

// Conn is one framed connection to a peer.
type Conn struct {
	id   string
	conn net.Conn
	opts Options
	log  *zap.Logger

	mux *Mux // owned by loop

	state  atomic.Int32
	ready  chan struct{}
	remote protocol.Headers // written once before ready is closed

	frames  chan inboundFrame
	calls   chan *Operation
	expired chan expiry
	replies chan reply
	out     chan []byte

	// Owned by loop: handler calls not yet answered, and Drain callers
	// waiting for that count to reach zero.
	serving int
	idle    []chan struct{}
	drains  chan chan struct{}

	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error

	serveCtx    context.Context
	cancelServe context.CancelFunc
	loopDone    chan struct{}
	writerDone  chan struct{}
}

type inboundFrame struct {
	frame *protocol.Frame
	err   error
}

type expiry struct {
	op  *Operation
	err error
}

type reply struct {
	id  uint32
	res *message.Response
	err error
}

// Dial connects to addr and completes the init handshake.
func Dial(ctx context.Context, addr string, opts Options) (*Conn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, protocol.WrapSystemError(protocol.ErrCodeNetwork, errors.Wrapf(err, "dial %s", addr))
	}
	c := newConn(nc, opts, true)
	if err := c.waitReady(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// Client starts the connecting side over an established net.Conn. The
// connection becomes active once the peer answers the init request.
func Client(nc net.Conn, opts Options) *Conn {
	return newConn(nc, opts, true)
}

// Server starts the accepting side over an established net.Conn. It
// becomes active once the peer's init request arrives.
func Server(nc net.Conn, opts Options) *Conn {
	return newConn(nc, opts, false)
}

func newConn(nc net.Conn, opts Options, outbound bool) *Conn {
	opts.setDefaults()
	c := &Conn{
		id:         uuid.NewString(),
		conn:       nc,
		opts:       opts,
		ready:      make(chan struct{}),
		frames:     make(chan inboundFrame, 64),
		calls:      make(chan *Operation, 64),
		expired:    make(chan expiry, 64),
		replies:    make(chan reply, 64),
		drains:     make(chan chan struct{}),
		out:        make(chan []byte, 1024),
		closed:     make(chan struct{}),
		loopDone:   make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	c.log = opts.Logger.With(
		zap.String("conn", c.id),
		zap.Stringer("remote", nc.RemoteAddr()))
	c.serveCtx, c.cancelServe = context.WithCancel(context.Background())
	c.mux = NewMux(MuxOptions{
		LocalHeaders: protocol.Headers{
			{Key: protocol.InitHostPort, Value: opts.HostPort},
			{Key: protocol.InitProcessName, Value: opts.ProcessName},
		},
		MaxFrameSize: opts.MaxFrameSize,
		MaxPending:   opts.MaxPending,
		Emit:         c.emit,
		OnReady:      c.onReady,
		OnRequest:    c.onRequest,
		Logger:       c.log,
	})

	go c.readLoop()
	go c.writeLoop()
	go c.loop(outbound)
	return c
}

// ID returns the unique id of this connection.
func (c *Conn) ID() string { return c.id }

// State returns the current lifecycle state.
func (c *Conn) State() State { return State(c.state.Load()) }

// RemoteAddr returns the address of the socket peer.
func (c *Conn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// Ready is closed once the init handshake completes.
func (c *Conn) Ready() <-chan struct{} { return c.ready }

// Closed is closed when the connection goes away.
func (c *Conn) Closed() <-chan struct{} { return c.closed }

// RemoteHostPort returns the host_port the peer advertised. It is empty
// until Ready is closed.
func (c *Conn) RemoteHostPort() string {
	select {
	case <-c.ready:
		v, _ := c.remote.Get(protocol.InitHostPort)
		return v
	default:
		return ""
	}
}

// Err returns the reason the connection closed, or nil while it is open.
func (c *Conn) Err() error {
	select {
	case <-c.closed:
		return c.closeErr
	default:
		return nil
	}
}

func (c *Conn) waitReady(ctx context.Context) error {
	timer := time.NewTimer(c.opts.InitTimeout)
	defer timer.Stop()
	select {
	case <-c.ready:
		return nil
	case <-c.closed:
		return c.closeErr
	case <-timer.C:
		return protocol.NewSystemError(protocol.ErrCodeTimeout, "init handshake with %s timed out", c.conn.RemoteAddr())
	case <-ctx.Done():
		return protocol.WrapSystemError(protocol.ErrCodeCancelled, ctx.Err())
	}
}

// Call sends req and waits for the response. The TTL on the wire is
// req.TTL, shortened to the context deadline; calls with neither use
// DefaultTTL. A response with code Error is returned together with an
// *protocol.ApplicationError.
func (c *Conn) Call(ctx context.Context, req *message.Request) (*message.Response, error) {
	ttl := req.TTL
	if deadline, ok := ctx.Deadline(); ok {
		left := time.Until(deadline)
		if left <= 0 {
			return nil, protocol.NewSystemError(protocol.ErrCodeTimeout, "deadline exceeded before sending")
		}
		if ttl <= 0 || left < ttl {
			ttl = left
		}
	}
	if ttl <= 0 {
		ttl = c.opts.DefaultTTL
	}

	wire := *req
	wire.TTL = ttl
	op := newOperation(&wire, ttl)
	op.onExpire = c.expire

	select {
	case c.calls <- op:
	case <-c.closed:
		return nil, c.closeErr
	case <-ctx.Done():
		return nil, contextError(ctx.Err())
	}

	select {
	case <-op.Done():
	case <-ctx.Done():
		// Resolved before the loop sees it; the loop only forgets the id.
		if op.resolve(nil, nil, contextError(ctx.Err())) {
			c.cancel(op, nil)
		}
	case <-c.closed:
		// The loop fails pending operations on its way out, but op may
		// never have reached it.
		select {
		case <-op.Done():
		default:
			return nil, c.closeErr
		}
	}
	return op.Result()
}

func contextError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return protocol.WrapSystemError(protocol.ErrCodeTimeout, err)
	}
	return protocol.WrapSystemError(protocol.ErrCodeCancelled, err)
}

// expire may run on the loop itself when TimeHeap.Update drains due
// entries, so it must not block on the loop.
func (c *Conn) expire(op *Operation) {
	go c.cancel(op, protocol.NewSystemError(protocol.ErrCodeTimeout,
		"%s::%s timed out after %v", op.Request.Service, op.Request.Method, op.ttl))
}

func (c *Conn) cancel(op *Operation, err error) {
	select {
	case c.expired <- expiry{op: op, err: err}:
	case <-c.closed:
	}
}

// Close shuts the connection down. In-flight calls fail with a network
// error.
func (c *Conn) Close() error {
	c.shutdown(protocol.WrapSystemError(protocol.ErrCodeNetwork, ErrConnClosed))
	err := c.conn.Close()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	<-c.loopDone
	return err
}

// Drain waits until every inbound call has been answered, then closes the
// connection once the writer has flushed those answers. If ctx ends first
// the connection is closed right away.
func (c *Conn) Drain(ctx context.Context) error {
	idle := make(chan struct{})
	select {
	case c.drains <- idle:
	case <-c.closed:
		return c.Close()
	case <-ctx.Done():
		return c.Close()
	}
	select {
	case <-idle:
	case <-c.closed:
		return c.Close()
	case <-ctx.Done():
		return c.Close()
	}
	c.shutdown(protocol.WrapSystemError(protocol.ErrCodeNetwork, ErrConnClosed))
	select {
	case <-c.writerDone:
	case <-ctx.Done():
		c.conn.Close()
	}
	<-c.loopDone
	return nil
}

// shutdown records err as the close reason and stops the loop. The
// first reason wins.
func (c *Conn) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.closeErr = err
		c.state.Store(int32(StateClosed))
		close(c.closed)
		c.cancelServe()
	})
}

func (c *Conn) readLoop() {
	r := bufio.NewReader(c.conn)
	for {
		f, err := protocol.ReadFrame(r)
		if err != nil && f == nil {
			var de *protocol.DecodeError
			if !errors.As(err, &de) {
				c.shutdown(protocol.WrapSystemError(protocol.ErrCodeNetwork, errors.Wrap(err, "read")))
				return
			}
		}
		select {
		case c.frames <- inboundFrame{frame: f, err: err}:
		case <-c.closed:
			return
		}
		if f == nil {
			// Fatal decode error; the loop takes it from here.
			return
		}
	}
}

func (c *Conn) writeLoop() {
	defer close(c.writerDone)
	w := bufio.NewWriter(c.conn)
	var failed bool
	for buf := range c.out {
		if failed {
			continue
		}
		if _, err := w.Write(buf); err != nil {
			failed = true
			c.shutdown(protocol.WrapSystemError(protocol.ErrCodeNetwork, errors.Wrap(err, "write")))
			continue
		}
		if len(c.out) == 0 {
			if err := w.Flush(); err != nil {
				failed = true
				c.shutdown(protocol.WrapSystemError(protocol.ErrCodeNetwork, errors.Wrap(err, "flush")))
			}
		}
	}
	if !failed {
		w.Flush()
	}
	c.conn.Close()
}

// emit runs on the loop goroutine, the only sender on out.
func (c *Conn) emit(buf []byte) {
	select {
	case c.out <- buf:
	case <-c.writerDone:
	}
}

func (c *Conn) loop(outbound bool) {
	defer func() {
		c.mux.Fail(c.closeErr)
		close(c.out)
		close(c.loopDone)
		c.log.Debug("connection closed", zap.Error(c.closeErr))
		if c.opts.OnClose != nil {
			c.opts.OnClose(c, c.closeErr)
		}
	}()

	if outbound {
		if err := c.mux.SendInit(); err != nil {
			c.shutdown(protocol.WrapSystemError(protocol.ErrCodeProtocol, err))
			return
		}
	}

	for {
		select {
		case in := <-c.frames:
			if err := c.mux.OnFrame(in.frame, in.err); err != nil {
				c.fatal(err)
				return
			}
		case op := <-c.calls:
			c.startCall(op)
		case e := <-c.expired:
			c.mux.Expire(e.op, e.err)
		case r := <-c.replies:
			c.finish(r)
		case w := <-c.drains:
			c.idle = append(c.idle, w)
			c.notifyIdle()
		case <-c.closed:
			return
		}
	}
}

// fatal answers a protocol violation with a NullID error frame. The writer
// flushes it before closing the socket.
func (c *Conn) fatal(err error) {
	c.log.Warn("closing connection", zap.Error(err))
	c.mux.SendError(protocol.NullID, protocol.ErrCodeProtocol, err.Error())
	c.shutdown(err)
}

func (c *Conn) startCall(op *Operation) {
	if op.resolved.Load() {
		// Cancelled while queued.
		return
	}
	body := op.Request.Body(*c.opts.Checksum)
	if _, err := c.mux.Call(op, body); err != nil {
		op.resolve(nil, nil, err)
		return
	}
	op.setEntry(c.opts.TimeHeap.Update(op, c.opts.TimeHeap.Now()))
}

func (c *Conn) onReady(remote protocol.Headers) {
	c.remote = remote
	c.state.Store(int32(StateActive))
	close(c.ready)
	hp, _ := remote.Get(protocol.InitHostPort)
	c.log.Debug("connection ready", zap.String("peer", hp))
}

func (c *Conn) onRequest(id uint32, first *protocol.CallRequest, args [][]byte) {
	req := message.RequestFromFrame(first, args)
	if c.opts.Handler == nil {
		c.mux.SendError(id, protocol.ErrCodeDeclined, "no handler")
		return
	}
	ctx := c.serveCtx
	var cancel context.CancelFunc = func() {}
	if req.TTL > 0 {
		ctx, cancel = context.WithTimeout(ctx, req.TTL)
	}

	c.serving++
	go func() {
		defer cancel()
		res, err := c.opts.Handler.Handle(ctx, req)
		if err == nil && res == nil {
			err = protocol.NewSystemError(protocol.ErrCodeUnexpected, "%s::%s returned no response", req.Service, req.Method)
		}
		if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && protocol.SystemErrorCode(err) == protocol.ErrCodeUnexpected {
			err = protocol.WrapSystemError(protocol.ErrCodeTimeout, err)
		}
		select {
		case c.replies <- reply{id: id, res: res, err: err}:
		case <-c.closed:
		}
	}()
}

func (c *Conn) finish(r reply) {
	defer func() {
		c.serving--
		c.notifyIdle()
	}()
	if r.err != nil {
		c.mux.SendError(r.id, protocol.SystemErrorCode(r.err), r.err.Error())
		return
	}
	if err := c.mux.Respond(r.id, r.res.Body(*c.opts.Checksum)); err != nil {
		c.log.Warn("cannot send response", zap.Uint32("id", r.id), zap.Error(err))
		c.mux.SendError(r.id, protocol.ErrCodeUnexpected, err.Error())
	}
}

// notifyIdle wakes Drain callers once no inbound call is left.
func (c *Conn) notifyIdle() {
	if c.serving > 0 {
		return
	}
	for _, w := range c.idle {
		close(w)
	}
	c.idle = nil
}

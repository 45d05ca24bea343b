// Package server accepts connections and dispatches inbound calls to
// registered endpoints.
//
// Request processing pipeline:
//
//	Accept conn → transport.Server (reader, loop, writer goroutines)
//	  → for each reassembled call: handler goroutine
//	    → Middleware Chain → endpoint lookup (service, arg1) → endpoint
//
// Endpoints are plain handlers (Register), typed json functions
// (RegisterJSON) or the methods of a receiver found by reflection
// (RegisterService).
package server

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"peerwire/message"
	"peerwire/middleware"
	"peerwire/protocol"
	"peerwire/registry"
	"peerwire/timeheap"
	"peerwire/transport"
)

// Options configure a Server.
type Options struct {
	// HostPort is advertised in init headers and to the registry. It
	// defaults to the listener's address.
	HostPort string
	// Conn is the template for accepted connections.
	Conn transport.Options
	// Registry, when set, announces every registered service while the
	// server is running.
	Registry    registry.Registry
	RegistryTTL time.Duration
	Logger      *zap.Logger
}

type endpointKey struct {
	service string
	method  string
}

// Server is the RPC server.
type Server struct {
	opts Options
	log  *zap.Logger

	mu          sync.RWMutex
	endpoints   map[endpointKey]middleware.HandlerFunc
	services    map[string]struct{}
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc // built once in Serve
	listener    net.Listener
	conns       map[*transport.Conn]struct{}
	hostPort    string

	shutdown atomic.Bool
}

// New creates a server with no endpoints.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.RegistryTTL <= 0 {
		opts.RegistryTTL = 10 * time.Second
	}
	if opts.Conn.Logger == nil {
		opts.Conn.Logger = opts.Logger
	}
	if opts.Conn.TimeHeap == nil {
		opts.Conn.TimeHeap = timeheap.New(timeheap.Options{})
	}
	return &Server{
		opts:      opts,
		log:       opts.Logger,
		endpoints: make(map[endpointKey]middleware.HandlerFunc),
		services:  make(map[string]struct{}),
		conns:     make(map[*transport.Conn]struct{}),
	}
}

// Register adds the endpoint for (service, method).
func (svr *Server) Register(service, method string, h middleware.HandlerFunc) {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	svr.endpoints[endpointKey{service, method}] = h
	svr.services[service] = struct{}{}
}

// RegisterService registers every RPC method of rcvr under name, or under
// the receiver's type name when name is empty.
func (svr *Server) RegisterService(name string, rcvr any) error {
	svc, err := newService(name, rcvr)
	if err != nil {
		return err
	}
	for methodName, mType := range svc.method {
		svr.Register(svc.name, methodName, svc.handler(mType))
	}
	return nil
}

// RegisterJSON registers fn as a json endpoint. Returning a
// *protocol.SystemError fails the call with an error frame; any other
// error becomes an application error with an ErrorBody.
func RegisterJSON[Req, Res any](svr *Server, service, method string, fn func(ctx context.Context, req *Req) (*Res, error)) {
	svr.Register(service, method, func(ctx context.Context, req *message.Request) (*message.Response, error) {
		in := new(Req)
		if err := decodeJSONArgs(req, in); err != nil {
			return nil, err
		}
		out, err := fn(ctx, in)
		if err != nil {
			return failure(err)
		}
		return encodeJSONReply(out)
	})
}

// Use registers a middleware. Middlewares run in the order they are added,
// around every endpoint.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	svr.middlewares = append(svr.middlewares, mw)
}

// ListenAndServe listens on the TCP address and serves until Shutdown.
func (svr *Server) ListenAndServe(address string) error {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return errors.Wrapf(err, "listen %s", address)
	}
	return svr.Serve(ln)
}

// Serve accepts connections from ln until Shutdown. Services are
// registered with the registry once the listener is up.
func (svr *Server) Serve(ln net.Listener) error {
	svr.mu.Lock()
	svr.listener = ln
	svr.hostPort = svr.opts.HostPort
	if svr.hostPort == "" {
		svr.hostPort = ln.Addr().String()
	}
	svr.handler = middleware.Chain(svr.middlewares...)(svr.dispatch)
	services := make([]string, 0, len(svr.services))
	for s := range svr.services {
		services = append(services, s)
	}
	svr.mu.Unlock()

	if reg := svr.opts.Registry; reg != nil {
		inst := registry.Instance{HostPort: svr.hostPort, ProcessName: svr.opts.Conn.ProcessName}
		for _, service := range services {
			if err := reg.Register(context.Background(), service, inst, svr.opts.RegistryTTL); err != nil {
				ln.Close()
				return errors.Wrapf(err, "register %s", service)
			}
		}
	}
	svr.log.Info("serving", zap.String("host_port", svr.hostPort), zap.Strings("services", services))

	for {
		nc, err := ln.Accept()
		if err != nil {
			// Closing the listener during Shutdown ends Accept with an error.
			if svr.shutdown.Load() {
				return nil
			}
			return errors.Wrap(err, "accept")
		}
		svr.accept(nc)
	}
}

func (svr *Server) accept(nc net.Conn) {
	opts := svr.opts.Conn
	opts.HostPort = svr.hostPort
	opts.Handler = transport.HandlerFunc(svr.handle)
	onClose := opts.OnClose
	opts.OnClose = func(c *transport.Conn, err error) {
		svr.mu.Lock()
		delete(svr.conns, c)
		svr.mu.Unlock()
		if onClose != nil {
			onClose(c, err)
		}
	}

	c := transport.Server(nc, opts)
	svr.mu.Lock()
	svr.conns[c] = struct{}{}
	svr.mu.Unlock()
}

// Addr returns the listener's address once Serve has started.
func (svr *Server) Addr() net.Addr {
	svr.mu.RLock()
	defer svr.mu.RUnlock()
	if svr.listener == nil {
		return nil
	}
	return svr.listener.Addr()
}

// HostPort returns the advertised address once Serve has started.
func (svr *Server) HostPort() string {
	svr.mu.RLock()
	defer svr.mu.RUnlock()
	return svr.hostPort
}

// handle runs on the connection's handler goroutine.
func (svr *Server) handle(ctx context.Context, req *message.Request) (*message.Response, error) {
	if svr.shutdown.Load() {
		return nil, protocol.NewSystemError(protocol.ErrCodeDeclined, "server is shutting down")
	}
	svr.mu.RLock()
	h := svr.handler
	svr.mu.RUnlock()
	return h(ctx, req)
}

// dispatch finds the endpoint for the call. It sits inside the middleware
// chain.
func (svr *Server) dispatch(ctx context.Context, req *message.Request) (*message.Response, error) {
	svr.mu.RLock()
	h, ok := svr.endpoints[endpointKey{req.Service, req.Method}]
	svr.mu.RUnlock()
	if !ok {
		return nil, protocol.NewSystemError(protocol.ErrCodeBadRequest, "no handler for service %q and method %q", req.Service, req.Method)
	}
	return h(ctx, req)
}

// Shutdown performs graceful shutdown:
//  1. Deregister all services (clients stop routing to this server)
//  2. Close the listener and decline new calls
//  3. Drain every connection: answer in-flight calls, then close
//  4. Give up on stragglers when ctx ends
func (svr *Server) Shutdown(ctx context.Context) error {
	svr.mu.RLock()
	ln := svr.listener
	hostPort := svr.hostPort
	services := make([]string, 0, len(svr.services))
	for s := range svr.services {
		services = append(services, s)
	}
	svr.mu.RUnlock()

	var err error
	if reg := svr.opts.Registry; reg != nil && ln != nil {
		for _, service := range services {
			err = multierr.Append(err, reg.Deregister(ctx, service, hostPort))
		}
	}

	// Set the flag before closing, so Serve sees a deliberate close.
	svr.shutdown.Store(true)
	if ln != nil {
		if cerr := ln.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = multierr.Append(err, cerr)
		}
	}

	svr.mu.Lock()
	conns := make([]*transport.Conn, 0, len(svr.conns))
	for c := range svr.conns {
		conns = append(conns, c)
	}
	svr.mu.Unlock()

	var (
		wg    sync.WaitGroup
		errMu sync.Mutex
	)
	for _, c := range conns {
		wg.Add(1)
		go func(c *transport.Conn) {
			defer wg.Done()
			derr := c.Drain(ctx)
			errMu.Lock()
			err = multierr.Append(err, derr)
			errMu.Unlock()
		}(c)
	}
	wg.Wait()
	if ctx.Err() != nil {
		err = multierr.Append(err, errors.Wrap(ctx.Err(), "draining connections"))
	}
	return err
}

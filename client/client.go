// Package client sends calls to the peers of a service.
//
// Call path:
//
//	Call → middlewares → Retry → pick peer (skip peers already tried)
//	  → peer.Call → transport.Conn
package client

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"peerwire/codec"
	"peerwire/message"
	"peerwire/middleware"
	"peerwire/peer"
	"peerwire/protocol"
	"peerwire/registry"
)

// Defaults for Options.
const (
	DefaultMaxRetries = 2
	DefaultRetryDelay = 10 * time.Millisecond
)

// Options configure a Client.
type Options struct {
	// CallerName is sent in the "cn" header of every call.
	CallerName string
	// Peers is the template for every per-service peer list.
	Peers peer.Options
	// Discovery, when set, fills a service's peer list the first time
	// the service is called. Without it peers are added with AddPeer.
	Discovery registry.Discovery
	// MaxRetries is the number of extra attempts for retryable failures.
	// Negative disables retries.
	MaxRetries int
	RetryDelay time.Duration
	// Middlewares run around every call, outside the retry loop.
	Middlewares []middleware.Middleware
	Logger      *zap.Logger
}

// CallOptions adjust a single call.
type CallOptions struct {
	// RoutingKey is handed to the balancer; consistent hashing maps equal
	// keys to the same peer.
	RoutingKey string
	// NoRetry sets the "re" header to "n".
	NoRetry bool
}

type routingKey struct{}

// Client routes calls to services.
type Client struct {
	opts    Options
	log     *zap.Logger
	handler middleware.HandlerFunc

	ctx    context.Context // ends on Close; bounds discovery watches
	cancel context.CancelFunc

	mu    sync.Mutex
	lists map[string]*peer.List
}

// New creates a client.
func New(opts Options) *Client {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Peers.Logger == nil {
		opts.Peers.Logger = opts.Logger
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	c := &Client{
		opts:  opts,
		log:   opts.Logger,
		lists: make(map[string]*peer.List),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	mws := append([]middleware.Middleware{}, opts.Middlewares...)
	if opts.MaxRetries > 0 {
		mws = append(mws, middleware.Retry(opts.MaxRetries, opts.RetryDelay, c.log))
	}
	c.handler = middleware.Chain(mws...)(c.send)
	return c
}

// AddPeer makes hostPort a candidate for calls to service.
func (c *Client) AddPeer(service, hostPort string) *peer.Peer {
	c.mu.Lock()
	l, ok := c.lists[service]
	if !ok {
		l = peer.NewList(c.opts.Peers)
		c.lists[service] = l
	}
	c.mu.Unlock()
	return l.Add(hostPort)
}

// Peers returns the peer list of service, creating and, with Discovery,
// filling it on first use.
func (c *Client) Peers(service string) (*peer.List, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if l, ok := c.lists[service]; ok {
		return l, nil
	}
	l := peer.NewList(c.opts.Peers)
	if c.opts.Discovery != nil {
		if err := l.Follow(c.ctx, c.opts.Discovery, service); err != nil {
			l.Close()
			return nil, protocol.WrapSystemError(protocol.ErrCodeDeclined, err)
		}
	}
	c.lists[service] = l
	return l, nil
}

// Call sends req to a peer of req.Service. A response with OK false is
// returned along with an *protocol.ApplicationError.
func (c *Client) Call(ctx context.Context, req *message.Request, opts ...CallOptions) (*message.Response, error) {
	for _, o := range opts {
		if o.NoRetry {
			req.Headers.Set(message.HeaderRetryFlags, "n")
		}
		if o.RoutingKey != "" {
			ctx = context.WithValue(ctx, routingKey{}, o.RoutingKey)
		}
	}
	if c.opts.CallerName != "" {
		if _, ok := req.Headers.Get(message.HeaderCallerName); !ok {
			req.Headers.Set(message.HeaderCallerName, c.opts.CallerName)
		}
	}
	return c.handler(ctx, req)
}

// send is one attempt. It avoids peers that earlier attempts of the same
// call went to while any other peer is left.
func (c *Client) send(ctx context.Context, req *message.Request) (*message.Response, error) {
	l, err := c.Peers(req.Service)
	if err != nil {
		return nil, err
	}
	key, _ := ctx.Value(routingKey{}).(string)

	attempts := middleware.AttemptsFrom(ctx)
	var tried map[string]struct{}
	if attempts != nil {
		tried = attempts.Tried()
	}
	p, err := l.Choose(key, tried)
	if err != nil && len(tried) > 0 {
		p, err = l.Choose(key, nil)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "no peer for %s", req.Service)
	}
	if attempts != nil {
		attempts.Record(p.HostPort())
	}
	return p.Call(ctx, req)
}

// CallJSON encodes in as the json body of service::method, and decodes
// the response body into a new Res.
func CallJSON[Req, Res any](ctx context.Context, c *Client, service, method string, in *Req, opts ...CallOptions) (*Res, error) {
	body, err := (codec.JSON{}).Encode(in)
	if err != nil {
		return nil, protocol.WrapSystemError(protocol.ErrCodeBadRequest, err)
	}
	req := &message.Request{Service: service, Method: method, Arg2: []byte("{}"), Arg3: body}
	req.Headers.Set(message.HeaderArgScheme, codec.SchemeJSON)

	res, err := c.Call(ctx, req, opts...)
	if err != nil {
		return nil, err
	}
	out := new(Res)
	if err := (codec.JSON{}).Decode(res.Arg3, out); err != nil {
		return nil, errors.Wrapf(err, "decode %s::%s response", service, method)
	}
	return out, nil
}

// Close closes every peer and stops discovery.
func (c *Client) Close() error {
	c.cancel()
	c.mu.Lock()
	lists := c.lists
	c.lists = make(map[string]*peer.List)
	c.mu.Unlock()

	var err error
	for _, l := range lists {
		err = multierr.Append(err, l.Close())
	}
	return err
}

package peer

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"peerwire/protocol"
	"peerwire/transport"
)

// DialFunc opens a connection to hostPort and completes its handshake.
type DialFunc func(ctx context.Context, hostPort string, opts transport.Options) (*transport.Conn, error)

// ErrPeerClosed is returned by calls on a removed peer.
var ErrPeerClosed = errors.New("peer closed")

// pool holds the connections to one peer. Connections are multiplexed, so
// callers share them instead of borrowing them one at a time.
//
// Strategy for get:
//  1. Use an active connection, rotating when there are several
//  2. If a dial is already in flight, wait for it
//  3. Otherwise dial, at most one dial at a time
type pool struct {
	hostPort string
	dial     DialFunc
	opts     transport.Options

	mu      sync.Mutex
	conns   []*transport.Conn
	dialing chan struct{} // closed when the in-flight dial finishes
	dialErr error
	next    uint64
	closed  bool
}

func newPool(hostPort string, dial DialFunc, opts transport.Options) *pool {
	p := &pool{hostPort: hostPort, dial: dial}
	onClose := opts.OnClose
	opts.OnClose = func(c *transport.Conn, err error) {
		p.remove(c)
		if onClose != nil {
			onClose(c, err)
		}
	}
	p.opts = opts
	return p
}

func (p *pool) get(ctx context.Context) (*transport.Conn, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, protocol.WrapSystemError(protocol.ErrCodeDeclined, ErrPeerClosed)
		}
		if c := p.activeLocked(); c != nil {
			p.mu.Unlock()
			return c, nil
		}
		if wait := p.dialing; wait != nil {
			p.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return nil, protocol.WrapSystemError(protocol.ErrCodeCancelled, ctx.Err())
			}
		}
		done := make(chan struct{})
		p.dialing = done
		p.mu.Unlock()

		c, err := p.dial(ctx, p.hostPort, p.opts)

		p.mu.Lock()
		p.dialing = nil
		close(done)
		if err != nil {
			p.mu.Unlock()
			return nil, err
		}
		if p.closed {
			p.mu.Unlock()
			c.Close()
			return nil, protocol.WrapSystemError(protocol.ErrCodeDeclined, ErrPeerClosed)
		}
		p.conns = append(p.conns, c)
		p.mu.Unlock()
		return c, nil
	}
}

func (p *pool) activeLocked() *transport.Conn {
	var active []*transport.Conn
	for _, c := range p.conns {
		if c.State() == transport.StateActive {
			active = append(active, c)
		}
	}
	if len(active) == 0 {
		return nil
	}
	p.next++
	return active[p.next%uint64(len(active))]
}

// add adopts a connection that was not dialed by the pool, such as an
// inbound connection from the same peer.
func (p *pool) add(c *transport.Conn) {
	p.mu.Lock()
	p.conns = append(p.conns, c)
	p.mu.Unlock()
	go func() {
		<-c.Closed()
		p.remove(c)
	}()
}

func (p *pool) remove(c *transport.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, cur := range p.conns {
		if cur == c {
			p.conns = append(p.conns[:i], p.conns[i+1:]...)
			return
		}
	}
}

// score is the connection part of a peer's score: connected 1.0,
// connecting 0.4, anything else 0.1.
func (p *pool) score() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	connecting := p.dialing != nil
	for _, c := range p.conns {
		switch c.State() {
		case transport.StateActive:
			return 1.0
		case transport.StateConnecting:
			connecting = true
		}
	}
	if connecting {
		return 0.4
	}
	return 0.1
}

// connCount returns the number of connections the pool holds.
func (p *pool) connCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// close closes every connection; later gets fail.
func (p *pool) close() error {
	p.mu.Lock()
	p.closed = true
	conns := p.conns
	p.conns = nil
	p.mu.Unlock()

	var err error
	for _, c := range conns {
		err = multierr.Append(err, c.Close())
	}
	return err
}

// Package peer tracks the remote processes calls can be sent to.
//
// A Peer owns the connections to one host:port and the circuit breaker
// that decides whether it takes new calls. Its score combines both:
//
//	breaker healthy   → connection score (connected 1.0, connecting 0.4, else 0.1)
//	breaker unhealthy → 0, or 1 for the single probe of a new period
//
// A List holds the peers of one service and chooses among them.
package peer

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"peerwire/health"
	"peerwire/message"
	"peerwire/protocol"
	"peerwire/transport"
)

// Peer is one remote host:port.
type Peer struct {
	hostPort string
	pool     *pool
	breaker  *health.Breaker
	limiter  *rate.Limiter
	log      *zap.Logger
}

func newPeer(hostPort string, opts *Options) *Peer {
	p := &Peer{
		hostPort: hostPort,
		pool:     newPool(hostPort, opts.Dial, opts.Conn),
		log:      opts.Logger.With(zap.String("peer", hostPort)),
	}
	h := opts.Health
	h.Next = health.ScorerFunc(p.pool.score)
	h.Logger = p.log
	if onChange := opts.OnHealthChange; onChange != nil {
		h.OnStateChange = func(from, to health.State) { onChange(p, from, to) }
	}
	p.breaker = health.New(h)
	if opts.Rate > 0 {
		p.limiter = rate.NewLimiter(opts.Rate, max(opts.Burst, 1))
	}
	return p
}

// HostPort returns the address of the peer.
func (p *Peer) HostPort() string { return p.hostPort }

// Score returns how suitable the peer is for the next call; 0 means it
// must not be used.
func (p *Peer) Score() float64 { return p.breaker.ShouldRequest() }

// Health returns the peer's circuit breaker, for locking and inspection.
func (p *Peer) Health() *health.Breaker { return p.breaker }

// Connections returns the number of open connections to the peer.
func (p *Peer) Connections() int { return p.pool.connCount() }

// Conn returns an active connection, dialing one if needed.
func (p *Peer) Conn(ctx context.Context) (*transport.Conn, error) {
	return p.pool.get(ctx)
}

// AddConn adopts an established connection to this peer.
func (p *Peer) AddConn(c *transport.Conn) { p.pool.add(c) }

// Call sends req to the peer and feeds the outcome to its breaker. Calls
// over the peer's rate limit fail with a Busy error without reaching the
// breaker.
func (p *Peer) Call(ctx context.Context, req *message.Request) (*message.Response, error) {
	if p.limiter != nil && !p.limiter.Allow() {
		return nil, protocol.NewSystemError(protocol.ErrCodeBusy, "peer %s is over its call rate", p.hostPort)
	}

	p.breaker.OnRequest()
	res, err := p.call(ctx, req)
	p.breaker.OnResponse(err)
	return res, err
}

func (p *Peer) call(ctx context.Context, req *message.Request) (*message.Response, error) {
	c, err := p.pool.get(ctx)
	if err != nil {
		return nil, err
	}
	return c.Call(ctx, req)
}

// Close closes every connection to the peer.
func (p *Peer) Close() error { return p.pool.close() }

func (p *Peer) String() string {
	return p.hostPort + " (" + p.breaker.State().String() + ")"
}

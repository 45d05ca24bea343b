package peer

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"peerwire/health"
	"peerwire/loadbalance"
	"peerwire/protocol"
	"peerwire/registry"
	"peerwire/transport"
)

// Options configure a List and the peers it creates.
type Options struct {
	// Conn is the template for dialed connections.
	Conn transport.Options
	// Health is the template for each peer's breaker. Next and Logger are
	// set per peer.
	Health health.Options
	// OnHealthChange, when set, replaces Health.OnStateChange.
	OnHealthChange func(p *Peer, from, to health.State)
	// Balancer defaults to loadbalance.ScoreBalancer.
	Balancer loadbalance.Balancer
	// Rate and Burst limit outbound calls per peer. Zero means unlimited.
	Rate  rate.Limit
	Burst int
	// Dial defaults to transport.Dial.
	Dial   DialFunc
	Logger *zap.Logger
}

// List is the set of peers calls can be routed to.
type List struct {
	opts Options
	log  *zap.Logger

	mu    sync.RWMutex
	peers map[string]*Peer
	order []*Peer
}

// NewList returns an empty list.
func NewList(opts Options) *List {
	if opts.Balancer == nil {
		opts.Balancer = &loadbalance.ScoreBalancer{}
	}
	if opts.Dial == nil {
		opts.Dial = transport.Dial
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Conn.Logger == nil {
		opts.Conn.Logger = opts.Logger
	}
	return &List{
		opts:  opts,
		log:   opts.Logger,
		peers: make(map[string]*Peer),
	}
}

// Add returns the peer for hostPort, creating it if needed.
func (l *List) Add(hostPort string) *Peer {
	l.mu.Lock()
	defer l.mu.Unlock()
	if p, ok := l.peers[hostPort]; ok {
		return p
	}
	p := newPeer(hostPort, &l.opts)
	l.peers[hostPort] = p
	l.order = append(l.order, p)
	l.log.Debug("peer added", zap.String("peer", hostPort))
	return p
}

// Get returns the peer for hostPort.
func (l *List) Get(hostPort string) (*Peer, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.peers[hostPort]
	return p, ok
}

// Remove drops the peer and closes its connections.
func (l *List) Remove(hostPort string) error {
	l.mu.Lock()
	p, ok := l.peers[hostPort]
	if ok {
		delete(l.peers, hostPort)
		for i, cur := range l.order {
			if cur == p {
				l.order = append(l.order[:i], l.order[i+1:]...)
				break
			}
		}
	}
	l.mu.Unlock()
	if !ok {
		return nil
	}
	l.log.Debug("peer removed", zap.String("peer", hostPort))
	return p.Close()
}

// Update makes the list contain exactly hostPorts.
func (l *List) Update(hostPorts []string) error {
	want := make(map[string]struct{}, len(hostPorts))
	for _, hp := range hostPorts {
		want[hp] = struct{}{}
		l.Add(hp)
	}

	var err error
	for _, p := range l.Peers() {
		if _, ok := want[p.HostPort()]; !ok {
			err = multierr.Append(err, l.Remove(p.HostPort()))
		}
	}
	return err
}

// Peers returns the peers in the order they were added.
func (l *List) Peers() []*Peer {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]*Peer(nil), l.order...)
}

// Len returns the number of peers.
func (l *List) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.order)
}

// Choose picks the peer for the next call. Peers named in exclude are
// skipped. When no peer is usable the error carries the Declined code.
func (l *List) Choose(key string, exclude map[string]struct{}) (*Peer, error) {
	l.mu.RLock()
	candidates := make([]loadbalance.Candidate, 0, len(l.order))
	for _, p := range l.order {
		if _, skip := exclude[p.hostPort]; !skip {
			candidates = append(candidates, p)
		}
	}
	l.mu.RUnlock()

	c, err := l.opts.Balancer.Pick(candidates, key)
	if err != nil {
		return nil, protocol.WrapSystemError(protocol.ErrCodeDeclined,
			errors.Wrapf(err, "%d candidates", len(candidates)))
	}
	return c.(*Peer), nil
}

// Follow fills the list from d and keeps it in sync until ctx is done.
// The first discovery happens before Follow returns.
func (l *List) Follow(ctx context.Context, d registry.Discovery, service string) error {
	instances, err := d.Discover(ctx, service)
	if err != nil {
		return errors.Wrapf(err, "discover %s", service)
	}
	if err := l.Update(registry.HostPorts(instances)); err != nil {
		l.log.Warn("closing removed peers", zap.Error(err))
	}

	updates := d.Watch(ctx, service)
	go func() {
		for instances := range updates {
			if err := l.Update(registry.HostPorts(instances)); err != nil {
				l.log.Warn("closing removed peers", zap.Error(err))
			}
		}
	}()
	return nil
}

// Close removes every peer.
func (l *List) Close() error {
	var err error
	for _, p := range l.Peers() {
		err = multierr.Append(err, l.Remove(p.HostPort()))
	}
	return err
}

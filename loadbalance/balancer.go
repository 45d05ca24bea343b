// Package loadbalance picks which peer serves the next call.
//
// Every candidate carries a score in [0, 1] computed by its health state;
// a score of 0 means the peer must not be used right now. Four strategies
// are implemented:
//   - Score:           highest score wins, ties in round-robin order (default)
//   - RoundRobin:      every usable peer in turn
//   - WeightedRandom:  random, proportional to score
//   - ConsistentHash:  the same routing key keeps reaching the same peer
package loadbalance

import (
	"github.com/pkg/errors"
)

// Candidate is a peer as seen by a balancer.
type Candidate interface {
	HostPort() string
	// Score may have side effects (period checks of a circuit breaker),
	// so balancers call it exactly once per candidate and pick.
	Score() float64
}

// Balancer is the interface for load balancing strategies. Pick is called
// on every call and must be goroutine-safe.
type Balancer interface {
	// Pick selects one candidate. key is the routing key of the call and
	// may be empty.
	Pick(candidates []Candidate, key string) (Candidate, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

// ErrNoCandidates is returned when no candidate has a positive score.
var ErrNoCandidates = errors.New("no peer available")

type scored struct {
	c     Candidate
	score float64
}

// usable scores every candidate once and keeps those above zero.
func usable(candidates []Candidate) []scored {
	out := make([]scored, 0, len(candidates))
	for _, c := range candidates {
		if s := c.Score(); s > 0 {
			out = append(out, scored{c: c, score: s})
		}
	}
	return out
}

// New returns the balancer registered under name, or Score for unknown
// names.
func New(name string) Balancer {
	switch name {
	case "RoundRobin":
		return &RoundRobinBalancer{}
	case "WeightedRandom":
		return &WeightedRandomBalancer{}
	case "ConsistentHash":
		return NewConsistentHashBalancer()
	}
	return &ScoreBalancer{}
}

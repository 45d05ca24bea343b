package loadbalance

import (
	"sync/atomic"
)

// RoundRobinBalancer distributes requests evenly across all usable
// candidates in order. Uses an atomic counter for lock-free, goroutine-safe
// operation.
type RoundRobinBalancer struct {
	counter atomic.Uint64
}

// Pick selects the next usable candidate in round-robin order.
func (b *RoundRobinBalancer) Pick(candidates []Candidate, _ string) (Candidate, error) {
	ok := usable(candidates)
	if len(ok) == 0 {
		return nil, ErrNoCandidates
	}
	return ok[b.counter.Add(1)%uint64(len(ok))].c, nil
}

func (b *RoundRobinBalancer) Name() string {
	return "RoundRobin"
}

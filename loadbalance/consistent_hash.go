package loadbalance

import (
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"

	farm "github.com/dgryski/go-farm"
)

// ConsistentHashBalancer maps routing keys to peers using a hash ring.
// The same key reaches the same peer until the membership changes or that
// peer scores 0, in which case the key moves clockwise to the next usable
// peer.
//
// Each peer owns replicas virtual nodes on the ring so a handful of peers
// still split the key space evenly.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	              ╱       ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	              ╲       ╱
//	                ╲   ╱
type ConsistentHashBalancer struct {
	replicas int

	mu      sync.Mutex
	members string   // sorted host:ports the ring was built from
	ring    []uint32 // sorted virtual node hashes
	nodes   map[uint32]string
}

// NewConsistentHashBalancer creates a hash ring with 100 virtual nodes per
// peer.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{replicas: 100}
}

func (b *ConsistentHashBalancer) rebuild(hostPorts []string) {
	b.ring = b.ring[:0]
	b.nodes = make(map[uint32]string, len(hostPorts)*b.replicas)
	for _, hp := range hostPorts {
		for i := 0; i < b.replicas; i++ {
			hash := farm.Fingerprint32([]byte(fmt.Sprintf("%s#%d", hp, i)))
			b.ring = append(b.ring, hash)
			b.nodes[hash] = hp
		}
	}
	slices.Sort(b.ring)
}

// Pick hashes key and walks the ring clockwise to the first usable
// candidate. An empty key hashes like any other string.
func (b *ConsistentHashBalancer) Pick(candidates []Candidate, key string) (Candidate, error) {
	ok := usable(candidates)
	if len(ok) == 0 {
		return nil, ErrNoCandidates
	}
	byHostPort := make(map[string]Candidate, len(ok))
	for _, s := range ok {
		byHostPort[s.c.HostPort()] = s.c
	}

	all := make([]string, len(candidates))
	for i, c := range candidates {
		all[i] = c.HostPort()
	}
	slices.Sort(all)

	b.mu.Lock()
	defer b.mu.Unlock()
	if members := strings.Join(all, ","); members != b.members || b.nodes == nil {
		b.members = members
		b.rebuild(all)
	}

	hash := farm.Fingerprint32([]byte(key))
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	for n := 0; n < len(b.ring); n++ {
		if c, ok := byHostPort[b.nodes[b.ring[(idx+n)%len(b.ring)]]]; ok {
			return c, nil
		}
	}
	return nil, ErrNoCandidates
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}

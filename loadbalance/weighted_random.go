package loadbalance

import (
	"math/rand/v2"
)

// WeightedRandomBalancer picks at random, weighted by score, so a peer
// that is still connecting (0.4) gets less traffic than a connected one.
type WeightedRandomBalancer struct{}

func (b *WeightedRandomBalancer) Pick(candidates []Candidate, _ string) (Candidate, error) {
	ok := usable(candidates)
	if len(ok) == 0 {
		return nil, ErrNoCandidates
	}

	total := 0.0
	for _, s := range ok {
		total += s.score
	}

	r := rand.Float64() * total
	for _, s := range ok {
		r -= s.score
		if r < 0 {
			return s.c, nil
		}
	}
	// Rounding can leave r at a tiny positive value.
	return ok[len(ok)-1].c, nil
}

func (b *WeightedRandomBalancer) Name() string {
	return "WeightedRandom"
}

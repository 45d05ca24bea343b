package loadbalance

import (
	"sync/atomic"
)

// ScoreBalancer picks the candidate with the highest score. Candidates
// sharing the top score take turns.
type ScoreBalancer struct {
	counter atomic.Uint64
}

func (b *ScoreBalancer) Pick(candidates []Candidate, _ string) (Candidate, error) {
	var top []Candidate
	best := 0.0
	for _, s := range usable(candidates) {
		switch {
		case s.score > best:
			best = s.score
			top = append(top[:0], s.c)
		case s.score == best:
			top = append(top, s.c)
		}
	}
	if len(top) == 0 {
		return nil, ErrNoCandidates
	}
	return top[b.counter.Add(1)%uint64(len(top))], nil
}

func (b *ScoreBalancer) Name() string {
	return "Score"
}

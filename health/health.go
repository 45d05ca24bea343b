// Package health implements the per-peer circuit breaker.
//
//	            error rate > MaxErrorRate at period end
//	┌─────────┐ and total requests > MinRequests   ┌───────────┐
//	│ Healthy │ ─────────────────────────────────► │ Unhealthy │
//	│         │ ◄───────────────────────────────── │ 1 probe / │
//	└─────────┘   Probation consecutive healthy    │  period   │
//	                     probes                    └───────────┘
//
//	Lock(true) ──► LockedHealthy     Lock(false) ──► LockedUnhealthy
//	Unlock()   ──► Healthy
//
// A healthy peer defers to the next scorer (usually its connection state).
// An unhealthy one returns 0 except for a single probe per period.
package health

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"
)

// State is the breaker state of a peer.
type State int

const (
	StateHealthy State = iota
	StateUnhealthy
	StateLockedHealthy
	StateLockedUnhealthy
)

func (s State) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateUnhealthy:
		return "unhealthy"
	case StateLockedHealthy:
		return "healthy (locked)"
	case StateLockedUnhealthy:
		return "unhealthy (locked)"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Locked reports whether s is an operator override.
func (s State) Locked() bool {
	return s == StateLockedHealthy || s == StateLockedUnhealthy
}

// Scorer yields an admission score in [0, 1].
type Scorer interface {
	Score() float64
}

// ScorerFunc adapts a function to Scorer.
type ScorerFunc func() float64

func (f ScorerFunc) Score() float64 { return f() }

// Options configure a Breaker. Zero values take the defaults.
type Options struct {
	// Clock defaults to clock.RealClock{}.
	Clock clock.PassiveClock
	// Period is the length of one monitoring window. Default 1s.
	Period time.Duration
	// MaxErrorRate is the unhealthy fraction that trips the breaker. Default 0.5.
	MaxErrorRate float64
	// MinRequests is the request count that must be exceeded before the
	// breaker may trip. Zero means the default of 5; pass NoMinRequests to
	// let a single failing period trip it.
	MinRequests int
	// Probation is the number of consecutive healthy probes that close the
	// breaker again. Default 5.
	Probation int
	// Classifier defaults to DefaultClassifier.
	Classifier Classifier
	// Next scores a peer that is allowed to take requests. Default 1.0.
	Next Scorer
	// OnStateChange is called outside the lock after every transition.
	OnStateChange func(from, to State)
	// Logger defaults to a no-op logger.
	Logger *zap.Logger
}

// NoMinRequests disables the minimum request count. Options.MinRequests
// treats 0 as unset, so an explicit zero has to be spelled this way.
const NoMinRequests = -1

func (o *Options) setDefaults() {
	if o.Clock == nil {
		o.Clock = clock.RealClock{}
	}
	if o.Period <= 0 {
		o.Period = time.Second
	}
	if o.MaxErrorRate <= 0 {
		o.MaxErrorRate = 0.5
	}
	if o.MinRequests == 0 {
		o.MinRequests = 5
	} else if o.MinRequests < 0 {
		o.MinRequests = 0
	}
	if o.Probation <= 0 {
		o.Probation = 5
	}
	if o.Classifier == nil {
		o.Classifier = DefaultClassifier
	}
	if o.Next == nil {
		o.Next = ScorerFunc(func() float64 { return 1.0 })
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// Breaker is the health state of one peer. It is safe for concurrent use.
//
// With MinRequests set to NoMinRequests, one success and two failures in a
// period are enough to trip it at the period boundary.
type Breaker struct {
	opts Options

	mu          sync.Mutex
	state       State
	windowStart time.Time

	// Healthy.
	healthyCount   int
	unhealthyCount int
	totalRequests  int

	// Unhealthy.
	healthyStreak   int
	triedThisPeriod bool
}

// New returns a Breaker in the Healthy state.
func New(opts Options) *Breaker {
	opts.setDefaults()
	b := &Breaker{opts: opts}
	b.enterLocked(StateHealthy)
	return b
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// ShouldRequest returns the admission score of the peer. Zero means the
// request must not be sent. Period boundaries are evaluated here.
func (b *Breaker) ShouldRequest() float64 {
	b.mu.Lock()
	now := b.opts.Clock.Now()
	from := b.state
	decline := false

	switch b.state {
	case StateHealthy:
		if now.Sub(b.windowStart) >= b.opts.Period {
			if b.shouldTripLocked() {
				b.enterLocked(StateUnhealthy)
				decline = true
			} else {
				b.windowStart = now
				b.healthyCount = 0
				b.unhealthyCount = 0
			}
		}
	case StateUnhealthy:
		if now.Sub(b.windowStart) >= b.opts.Period {
			b.windowStart = now
			b.triedThisPeriod = false
		}
		decline = b.triedThisPeriod
	case StateLockedUnhealthy:
		decline = true
	}
	to := b.state
	b.mu.Unlock()

	b.notify(from, to)
	if decline {
		return 0
	}
	return b.opts.Next.Score()
}

func (b *Breaker) shouldTripLocked() bool {
	total := b.healthyCount + b.unhealthyCount
	if total == 0 {
		return false
	}
	rate := float64(b.unhealthyCount) / float64(total)
	return rate > b.opts.MaxErrorRate && b.totalRequests > b.opts.MinRequests
}

// OnRequest records that a request was sent. In the Unhealthy state it
// spends the period's probe.
func (b *Breaker) OnRequest() {
	b.mu.Lock()
	if b.state == StateUnhealthy {
		b.triedThisPeriod = true
	}
	b.mu.Unlock()
}

// OnResponse classifies the result of a request and records it.
func (b *Breaker) OnResponse(err error) {
	b.OnOutcome(b.opts.Classifier.Classify(err))
}

// OnOutcome records a classified result.
func (b *Breaker) OnOutcome(o Outcome) {
	b.mu.Lock()
	from := b.state
	switch b.state {
	case StateHealthy:
		b.totalRequests++
		if o == Unhealthy {
			b.unhealthyCount++
		} else {
			b.healthyCount++
		}
	case StateUnhealthy:
		if o == Unhealthy {
			b.healthyStreak = 0
		} else {
			b.healthyStreak++
			if b.healthyStreak >= b.opts.Probation {
				b.enterLocked(StateHealthy)
			}
		}
	}
	to := b.state
	b.mu.Unlock()

	b.notify(from, to)
}

// Lock pins the peer to a state and ignores outcomes until Unlock.
func (b *Breaker) Lock(healthy bool) {
	to := StateLockedUnhealthy
	if healthy {
		to = StateLockedHealthy
	}
	b.mu.Lock()
	from := b.state
	b.enterLocked(to)
	b.mu.Unlock()

	b.notify(from, to)
}

// Unlock releases an operator lock and starts over as Healthy. It is a
// no-op when the breaker is not locked.
func (b *Breaker) Unlock() {
	b.mu.Lock()
	from := b.state
	if from.Locked() {
		b.enterLocked(StateHealthy)
	}
	to := b.state
	b.mu.Unlock()

	b.notify(from, to)
}

func (b *Breaker) enterLocked(s State) {
	b.state = s
	b.windowStart = b.opts.Clock.Now()
	b.healthyCount = 0
	b.unhealthyCount = 0
	b.totalRequests = 0
	b.healthyStreak = 0
	// A peer that just tripped has already had its chance this period.
	b.triedThisPeriod = true
}

func (b *Breaker) notify(from, to State) {
	if from == to {
		return
	}
	b.opts.Logger.Info("peer health changed",
		zap.Stringer("from", from),
		zap.Stringer("to", to))
	if b.opts.OnStateChange != nil {
		b.opts.OnStateChange(from, to)
	}
}

func (b *Breaker) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateHealthy:
		return fmt.Sprintf("[healthy %d healthy %d unhealthy]", b.healthyCount, b.unhealthyCount)
	case StateUnhealthy:
		return fmt.Sprintf("[unhealthy %d consecutive healthy requests]", b.healthyStreak)
	}
	return "[" + b.state.String() + "]"
}

package timeheap

import (
	"math/rand"
	"sort"
	"sync"
	"testing"
	"time"

	"k8s.io/utils/clock"
)

// manualTimers is a Timers whose time only moves on Advance. Due callbacks
// run synchronously inside Advance, outside its own lock.
type manualTimers struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
	armed  int
}

type manualTimer struct {
	clock   *manualTimers
	at      time.Time
	f       func()
	stopped bool
}

func (t *manualTimer) C() <-chan time.Time { return nil }

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	was := !t.stopped
	t.stopped = true
	return was
}

func (t *manualTimer) Reset(d time.Duration) bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	was := !t.stopped
	t.at = t.clock.now.Add(d)
	t.stopped = false
	return was
}

func newManualTimers() *manualTimers {
	return &manualTimers{now: time.Unix(1000, 0)}
}

func (m *manualTimers) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *manualTimers) AfterFunc(d time.Duration, f func()) clock.Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &manualTimer{clock: m, at: m.now.Add(d), f: f}
	m.timers = append(m.timers, t)
	m.armed++
	return t
}

// pending counts timers that are neither stopped nor fired.
func (m *manualTimers) pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.timers {
		if !t.stopped {
			n++
		}
	}
	return n
}

// Advance moves time forward by d, firing timers in deadline order.
func (m *manualTimers) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()

	for {
		m.mu.Lock()
		var next *manualTimer
		for _, t := range m.timers {
			if !t.stopped && !t.at.After(target) && (next == nil || t.at.Before(next.at)) {
				next = t
			}
		}
		if next == nil {
			m.now = target
			m.mu.Unlock()
			return
		}
		next.stopped = true
		if next.at.After(m.now) {
			m.now = next.at
		}
		m.mu.Unlock()
		next.f()
	}
}

type firing struct {
	name string
	at   time.Time
}

type recorder struct {
	mu    sync.Mutex
	fired []firing
}

func (r *recorder) record(name string, now time.Time) {
	r.mu.Lock()
	r.fired = append(r.fired, firing{name, now})
	r.mu.Unlock()
}

func (r *recorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var names []string
	for _, f := range r.fired {
		names = append(names, f.name)
	}
	return names
}

type testItem struct {
	name    string
	timeout time.Duration
	rec     *recorder
	then    func(now time.Time)
}

func (i *testItem) Timeout() time.Duration { return i.timeout }

func (i *testItem) OnTimeout(now time.Time) {
	i.rec.record(i.name, now)
	if i.then != nil {
		i.then(now)
	}
}

func TestTimeHeapOrdering(t *testing.T) {
	timers := newManualTimers()
	h := New(Options{Timers: timers})
	rec := &recorder{}

	rng := rand.New(rand.NewSource(3))
	const n = 50
	perm := rng.Perm(n)
	expires := make(map[string]time.Time, n)
	start := timers.Now()
	for _, p := range perm {
		item := &testItem{
			name:    string(rune('A' + p)),
			timeout: time.Duration(p+1) * 10 * time.Millisecond,
			rec:     rec,
		}
		e := h.Update(item, start)
		expires[item.name] = e.Expires()
	}
	if h.Len() != n {
		t.Fatalf("Len() = %d, want %d", h.Len(), n)
	}

	for i := 0; i < n; i++ {
		timers.Advance(10 * time.Millisecond)
	}

	if len(rec.fired) != n {
		t.Fatalf("fired %d callbacks, want %d", len(rec.fired), n)
	}
	names := rec.names()
	if !sort.SliceIsSorted(names, func(i, j int) bool { return names[i] < names[j] }) {
		t.Errorf("callbacks out of order: %v", names)
	}
	for _, f := range rec.fired {
		if f.at.Before(expires[f.name]) {
			t.Errorf("%s fired at %v before its expiry %v", f.name, f.at, expires[f.name])
		}
	}
	if h.Len() != 0 {
		t.Errorf("Len() = %d after all fired", h.Len())
	}
	if timers.pending() != 0 {
		t.Errorf("%d timers still armed on an empty heap", timers.pending())
	}
}

func TestTimeHeapSingleTimer(t *testing.T) {
	timers := newManualTimers()
	h := New(Options{Timers: timers})
	rec := &recorder{}
	now := timers.Now()

	h.Update(&testItem{name: "a", timeout: 30 * time.Millisecond, rec: rec}, now)
	h.Update(&testItem{name: "b", timeout: 10 * time.Millisecond, rec: rec}, now)
	h.Update(&testItem{name: "c", timeout: 20 * time.Millisecond, rec: rec}, now)

	if timers.pending() != 1 {
		t.Fatalf("%d timers armed, want 1", timers.pending())
	}
	// a, then b as the new root; c did not re-arm.
	if timers.armed != 2 {
		t.Errorf("armed %d timers, want 2", timers.armed)
	}
}

func TestTimeHeapCancel(t *testing.T) {
	timers := newManualTimers()
	h := New(Options{Timers: timers})
	rec := &recorder{}
	now := timers.Now()

	h.Update(&testItem{name: "keep", timeout: 20 * time.Millisecond, rec: rec}, now)
	drop := h.Update(&testItem{name: "drop", timeout: 10 * time.Millisecond, rec: rec}, now)
	drop.Cancel()

	if h.Len() != 2 {
		t.Fatalf("cancelled entries stay until popped, Len() = %d", h.Len())
	}
	timers.Advance(50 * time.Millisecond)
	if got := rec.names(); len(got) != 1 || got[0] != "keep" {
		t.Fatalf("fired %v, want [keep]", got)
	}
	drop.Cancel()
}

func TestTimeHeapUpdateDrainsExpired(t *testing.T) {
	timers := newManualTimers()
	h := New(Options{Timers: timers})
	rec := &recorder{}
	start := timers.Now()

	h.Update(&testItem{name: "old", timeout: 5 * time.Millisecond, rec: rec}, start)
	// The timer has not run yet, but Update at a later time expires "old".
	h.Update(&testItem{name: "new", timeout: time.Second, rec: rec}, start.Add(10*time.Millisecond))
	if got := rec.names(); len(got) != 1 || got[0] != "old" {
		t.Fatalf("fired %v, want [old]", got)
	}
	if h.Len() != 1 {
		t.Errorf("Len() = %d, want 1", h.Len())
	}
}

func TestTimeHeapReinsertFromCallback(t *testing.T) {
	timers := newManualTimers()
	h := New(Options{Timers: timers})
	rec := &recorder{}

	var rearm int
	var item *testItem
	item = &testItem{name: "tick", timeout: 10 * time.Millisecond, rec: rec}
	item.then = func(now time.Time) {
		if rearm < 3 {
			rearm++
			h.Update(item, now)
		}
	}
	h.Update(item, timers.Now())

	timers.Advance(100 * time.Millisecond)
	if got := len(rec.fired); got != 4 {
		t.Fatalf("fired %d times, want 4", got)
	}
	for i := 1; i < len(rec.fired); i++ {
		if d := rec.fired[i].at.Sub(rec.fired[i-1].at); d != 10*time.Millisecond {
			t.Errorf("interval %d = %v, want 10ms", i, d)
		}
	}
}

func TestTimeHeapMinTimeout(t *testing.T) {
	timers := newManualTimers()
	h := New(Options{Timers: timers, MinTimeout: 50 * time.Millisecond})
	rec := &recorder{}
	now := timers.Now()

	h.Update(&testItem{name: "a", timeout: 10 * time.Millisecond, rec: rec}, now)
	h.Update(&testItem{name: "b", timeout: 40 * time.Millisecond, rec: rec}, now)

	timers.Advance(45 * time.Millisecond)
	if len(rec.fired) != 0 {
		t.Fatalf("fired before the minimum timeout: %v", rec.names())
	}
	timers.Advance(5 * time.Millisecond)
	if got := rec.names(); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("fired %v, want [a b] in one batch", got)
	}
}

func TestTimeHeapClear(t *testing.T) {
	timers := newManualTimers()
	h := New(Options{Timers: timers})
	rec := &recorder{}
	now := timers.Now()

	for i := 1; i <= 5; i++ {
		h.Update(&testItem{name: "x", timeout: time.Duration(i) * time.Millisecond, rec: rec}, now)
	}
	h.Clear()
	timers.Advance(time.Second)
	if h.Len() != 0 || len(rec.fired) != 0 {
		t.Fatalf("Clear left Len()=%d fired=%d", h.Len(), len(rec.fired))
	}
	if timers.pending() != 0 {
		t.Errorf("timer still armed after Clear")
	}
}

func TestTimeHeapRealClock(t *testing.T) {
	h := New(Options{})
	done := make(chan time.Time, 1)
	h.Update(&funcItem{timeout: 5 * time.Millisecond, f: func(now time.Time) { done <- now }}, h.Now())

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout never fired on the real clock")
	}
}

type funcItem struct {
	timeout time.Duration
	f       func(time.Time)
}

func (i *funcItem) Timeout() time.Duration  { return i.timeout }
func (i *funcItem) OnTimeout(now time.Time) { i.f(now) }

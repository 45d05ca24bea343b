// Package timeheap multiplexes many pending timeouts onto a single timer.
//
// Entries live in a binary min-heap keyed by absolute expiry. Only one timer
// is armed at a time, for the earliest expiry; when it fires every entry
// that is due is popped and its callback runs once the heap is unlocked, so
// callbacks may schedule new timeouts.
//
//	Update(a, 0)  ──► [a@30]              timer(30)
//	Update(b, 0)  ──► [b@10, a@30]        timer(10)   b is the new root
//	Update(c, 0)  ──► [b@10, a@30, c@20]  timer(10)   unchanged
//	fire(10)      ──► [c@20, a@30]        timer(20)   b.OnTimeout(10)
package timeheap

import (
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// Item is something that can time out. Timeout is read once, on Update.
type Item interface {
	Timeout() time.Duration
	OnTimeout(now time.Time)
}

// Timers is the clock the heap runs on. clock.RealClock satisfies it.
type Timers interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) clock.Timer
}

// Options configure a TimeHeap.
type Options struct {
	// Timers defaults to clock.RealClock{}.
	Timers Timers
	// MinTimeout is a floor on the delay of the armed timer, coalescing
	// expiries that are close together.
	MinTimeout time.Duration
	// MinTimeoutFunc, when set, overrides MinTimeout.
	MinTimeoutFunc func(now time.Time) time.Duration
}

// Entry is a scheduled timeout.
type Entry struct {
	heap   *TimeHeap
	item   Item
	expire time.Time
}

// Cancel drops the entry's item. The slot stays in the heap and is skipped
// when it is eventually popped.
func (e *Entry) Cancel() {
	e.heap.mu.Lock()
	e.item = nil
	e.heap.mu.Unlock()
}

// Expires returns the absolute expiry time.
func (e *Entry) Expires() time.Time { return e.expire }

// slot is one arena cell. Cells in [0, end) form the heap; cells past end
// are kept for reuse.
type slot struct {
	expire time.Time
	entry  *Entry
}

// TimeHeap is safe for concurrent use.
type TimeHeap struct {
	timers     Timers
	minTimeout func(now time.Time) time.Duration

	mu    sync.Mutex
	array []slot
	end   int
	timer clock.Timer
	gen   uint64
}

// New creates an empty TimeHeap.
func New(opts Options) *TimeHeap {
	h := &TimeHeap{timers: opts.Timers, minTimeout: opts.MinTimeoutFunc}
	if h.timers == nil {
		h.timers = clock.RealClock{}
	}
	if h.minTimeout == nil {
		floor := opts.MinTimeout
		h.minTimeout = func(time.Time) time.Duration { return floor }
	}
	return h
}

// Now returns the current time of the heap's clock.
func (h *TimeHeap) Now() time.Time { return h.timers.Now() }

// Update schedules item to time out item.Timeout() after now. Entries that
// are already due at now are expired first, so one call may both fire a
// batch of callbacks and schedule a new timeout.
func (h *TimeHeap) Update(item Item, now time.Time) *Entry {
	e := &Entry{heap: h, item: item, expire: now.Add(item.Timeout())}

	h.mu.Lock()
	expired := h.drainLocked(now, nil)
	h.push(e)
	if h.timer == nil || h.array[0].entry == e {
		h.armLocked(now)
	}
	h.mu.Unlock()

	fire(expired, now)
	return e
}

// Len returns the number of scheduled entries, cancelled ones included.
func (h *TimeHeap) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.end
}

// Clear drops every entry without firing it and stops the timer.
func (h *TimeHeap) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := 0; i < h.end; i++ {
		h.array[i].entry.item = nil
		h.array[i] = slot{}
	}
	h.end = 0
	h.stopLocked()
}

func (h *TimeHeap) onTimer(gen uint64) {
	now := h.timers.Now()

	h.mu.Lock()
	if gen != h.gen {
		// A newer timer replaced this one.
		h.mu.Unlock()
		return
	}
	h.timer = nil
	expired := h.drainLocked(now, nil)
	if h.end > 0 {
		h.armLocked(now)
	}
	h.mu.Unlock()

	fire(expired, now)
}

func (h *TimeHeap) armLocked(now time.Time) {
	h.stopLocked()
	if h.end == 0 {
		return
	}
	d := h.array[0].expire.Sub(now)
	if floor := h.minTimeout(now); d < floor {
		d = floor
	}
	h.gen++
	gen := h.gen
	h.timer = h.timers.AfterFunc(d, func() { h.onTimer(gen) })
}

func (h *TimeHeap) stopLocked() {
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
	h.gen++
}

// drainLocked pops every entry due at now and queues its item.
func (h *TimeHeap) drainLocked(now time.Time, queue []Item) []Item {
	for h.end > 0 && !h.array[0].expire.After(now) {
		e := h.pop()
		if e.item != nil {
			queue = append(queue, e.item)
			e.item = nil
		}
	}
	return queue
}

func fire(items []Item, now time.Time) {
	for _, item := range items {
		item.OnTimeout(now)
	}
}

func (h *TimeHeap) push(e *Entry) {
	if h.end == len(h.array) {
		h.array = append(h.array, slot{})
	}
	h.array[h.end] = slot{expire: e.expire, entry: e}
	h.end++
	h.siftup(h.end - 1)
}

func (h *TimeHeap) pop() *Entry {
	e := h.array[0].entry
	h.end--
	h.array[0] = h.array[h.end]
	h.array[h.end] = slot{}
	if h.end > 0 {
		h.siftdown(0)
	}
	return e
}

func (h *TimeHeap) less(i, j int) bool {
	return h.array[i].expire.Before(h.array[j].expire)
}

func (h *TimeHeap) siftup(i int) {
	for i > 0 {
		parent := (i - 1) / 2
		if !h.less(i, parent) {
			return
		}
		h.array[i], h.array[parent] = h.array[parent], h.array[i]
		i = parent
	}
}

func (h *TimeHeap) siftdown(i int) {
	for {
		left := 2*i + 1
		if left >= h.end {
			return
		}
		smallest := left
		if right := left + 1; right < h.end && h.less(right, left) {
			smallest = right
		}
		if !h.less(smallest, i) {
			return
		}
		h.array[i], h.array[smallest] = h.array[smallest], h.array[i]
		i = smallest
	}
}

// Package burst detects abnormal rates of filesystem events.
package burst

import (
	"sync"
	"time"

	"ransomwatch/internal/events"
)

// Window is a time-ordered buffer of recent events. Entries older than the
// window age are evicted lazily whenever the window is queried.
type Window struct {
	mu       sync.Mutex
	age      time.Duration
	capacity int
	buf      []events.Event
}

// NewWindow creates a window holding events no older than age. When
// capacity is positive the oldest entries are dropped once it is exceeded.
func NewWindow(age time.Duration, capacity int) *Window {
	return &Window{age: age, capacity: capacity}
}

// Age returns the window length.
func (w *Window) Age() time.Duration {
	return w.age
}

// Record appends ev.
func (w *Window) Record(ev events.Event) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.record(ev)
}

// CountInWindow evicts stale events relative to now and returns how many
// remain.
func (w *Window) CountInWindow(now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.evict(now)
	return len(w.buf)
}

// RecordAndCount appends ev and returns the count at now in one critical
// section.
func (w *Window) RecordAndCount(ev events.Event, now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.record(ev)
	w.evict(now)
	return len(w.buf)
}

// Reap evicts stale events and returns how many were removed.
func (w *Window) Reap(now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	before := len(w.buf)
	w.evict(now)
	return before - len(w.buf)
}

// Recent returns up to n of the newest events, oldest first.
func (w *Window) Recent(n int) []events.Event {
	w.mu.Lock()
	defer w.mu.Unlock()
	if n <= 0 {
		return nil
	}
	start := len(w.buf) - n
	if start < 0 {
		start = 0
	}
	out := make([]events.Event, len(w.buf)-start)
	copy(out, w.buf[start:])
	return out
}

// Len returns the number of buffered events without evicting.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.buf)
}

func (w *Window) record(ev events.Event) {
	w.buf = append(w.buf, ev)
	if w.capacity > 0 && len(w.buf) > w.capacity {
		drop := len(w.buf) - w.capacity
		w.buf = append(w.buf[:0], w.buf[drop:]...)
	}
}

// evict drops events from the front while now - ts > age. Arrival order is
// trusted, so a late out-of-order event can shield newer stale ones behind
// it until it expires itself.
func (w *Window) evict(now time.Time) {
	i := 0
	for i < len(w.buf) && now.Sub(w.buf[i].Time) > w.age {
		i++
	}
	if i > 0 {
		w.buf = append(w.buf[:0], w.buf[i:]...)
	}
}

package persist

import (
	"sync"
	"time"
)

// AfterFunc runs fn once after d and returns a function that cancels it.
// The cancel function reports whether the call was stopped before running.
type AfterFunc func(d time.Duration, fn func()) (cancel func() bool)

// TimeAfterFunc is the AfterFunc backed by time.AfterFunc.
func TimeAfterFunc(d time.Duration, fn func()) func() bool {
	return time.AfterFunc(d, fn).Stop
}

// DebounceScheduler owns a single trailing-edge timer. Every Schedule call
// replaces the outstanding timer, so fn runs once per quiet interval.
type DebounceScheduler struct {
	mu       sync.Mutex
	interval time.Duration
	fn       func()
	after    AfterFunc

	cancel func() bool
	gen    uint64
}

func NewDebounceScheduler(interval time.Duration, fn func(), after AfterFunc) *DebounceScheduler {
	if after == nil {
		after = TimeAfterFunc
	}
	return &DebounceScheduler{
		interval: interval,
		fn:       fn,
		after:    after,
	}
}

// Schedule cancels any outstanding timer and arms a new one.
func (d *DebounceScheduler) Schedule() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cancel != nil {
		d.cancel()
	}
	d.gen++
	gen := d.gen
	d.cancel = d.after(d.interval, func() { d.fire(gen) })
}

// Cancel stops the outstanding timer. It reports whether one was pending.
func (d *DebounceScheduler) Cancel() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cancel == nil {
		return false
	}
	d.cancel()
	d.cancel = nil
	d.gen++
	return true
}

// Pending reports whether a timer is armed and has not fired yet.
func (d *DebounceScheduler) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cancel != nil
}

func (d *DebounceScheduler) fire(gen uint64) {
	d.mu.Lock()
	// A timer that lost the race against Schedule or Cancel is stale.
	if gen != d.gen || d.cancel == nil {
		d.mu.Unlock()
		return
	}
	d.cancel = nil
	d.mu.Unlock()

	d.fn()
}

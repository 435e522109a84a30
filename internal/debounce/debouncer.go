// Package debounce gates error notifications so a burst of failures does
// not flood a chat thread.
package debounce

import (
	"sync"
	"time"
)

// Debouncer enforces a minimum interval between error notifications per
// thread. An interval <= 0 disables debouncing entirely.
type Debouncer struct {
	mu       sync.Mutex
	interval time.Duration
	lastSent map[string]time.Time
	now      func() time.Time
}

// NewDebouncer creates a per-thread error debouncer.
func NewDebouncer(interval time.Duration) *Debouncer {
	return &Debouncer{
		interval: interval,
		lastSent: make(map[string]time.Time),
		now:      time.Now,
	}
}

// ShouldSend reports whether an error notification may go out now. A true
// result records the send time in the same critical section, so concurrent
// errors cannot all pass the gate.
func (d *Debouncer) ShouldSend(threadID string) bool {
	if d.interval <= 0 {
		return true
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if last, ok := d.lastSent[threadID]; ok && now.Sub(last) < d.interval {
		return false
	}
	d.lastSent[threadID] = now
	return true
}

// RemoveThread clears the debounce state for a thread.
func (d *Debouncer) RemoveThread(threadID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.lastSent, threadID)
}

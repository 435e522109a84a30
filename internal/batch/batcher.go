// Package batch coalesces rapid-fire auto-approve notifications into a
// single message per thread after a quiet period.
package batch

import (
	"sync"
	"time"
)

// DefaultFlushDelay is the quiet period before a buffered batch flushes.
const DefaultFlushDelay = 1500 * time.Millisecond

// Item is one buffered auto-approve notification.
type Item struct {
	Tool   string
	Reason string
}

// FlushFunc receives the drained batch for a thread, in insertion order.
type FlushFunc func(threadID string, items []Item)

// Batcher buffers notifications per thread and flushes after a delay.
// Each Add cancels and restarts that thread's timer, so a burst flushes
// once, delay-after-the-last-item.
type Batcher struct {
	mu     sync.Mutex
	flush  FlushFunc
	delay  time.Duration
	buffer map[string][]Item
	timers map[string]*time.Timer
	gen    map[string]uint64
}

// NewBatcher creates a batcher. A delay <= 0 falls back to the default.
func NewBatcher(flush FlushFunc, delay time.Duration) *Batcher {
	if delay <= 0 {
		delay = DefaultFlushDelay
	}
	return &Batcher{
		flush:  flush,
		delay:  delay,
		buffer: make(map[string][]Item),
		timers: make(map[string]*time.Timer),
		gen:    make(map[string]uint64),
	}
}

// Add buffers a notification and resets the thread's flush timer.
func (b *Batcher) Add(threadID, tool, reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.buffer[threadID] = append(b.buffer[threadID], Item{Tool: tool, Reason: reason})

	if t, ok := b.timers[threadID]; ok {
		t.Stop()
	}
	b.gen[threadID]++
	gen := b.gen[threadID]
	b.timers[threadID] = time.AfterFunc(b.delay, func() { b.fire(threadID, gen) })
}

// fire drains and flushes a thread's buffer. A stale timer (superseded by
// a later Add) or an empty buffer (raced with RemoveThread) is a no-op.
func (b *Batcher) fire(threadID string, gen uint64) {
	b.mu.Lock()
	if b.gen[threadID] != gen {
		b.mu.Unlock()
		return
	}
	delete(b.timers, threadID)
	items := b.buffer[threadID]
	delete(b.buffer, threadID)
	b.mu.Unlock()

	if len(items) > 0 && b.flush != nil {
		b.flush(threadID, items)
	}
}

// RemoveThread cancels any pending flush and discards the buffer without
// flushing. Dropping on teardown is intentional.
func (b *Batcher) RemoveThread(threadID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if t, ok := b.timers[threadID]; ok {
		t.Stop()
		delete(b.timers, threadID)
	}
	delete(b.buffer, threadID)
	delete(b.gen, threadID)
}

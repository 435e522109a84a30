package batch

import (
	"sync"
	"testing"
	"time"
)

type capture struct {
	mu      sync.Mutex
	flushes map[string][][]Item
}

func newCapture() *capture {
	return &capture{flushes: make(map[string][][]Item)}
}

func (c *capture) flush(threadID string, items []Item) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushes[threadID] = append(c.flushes[threadID], items)
}

func (c *capture) get(threadID string) [][]Item {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flushes[threadID]
}

func TestBurstFlushesOnce(t *testing.T) {
	c := newCapture()
	b := NewBatcher(c.flush, 30*time.Millisecond)

	b.Add("t1", "Read", "Allow All")
	b.Add("t1", "Grep", "Allow All")
	b.Add("t1", "Bash", "Allow All")

	time.Sleep(120 * time.Millisecond)

	flushes := c.get("t1")
	if len(flushes) != 1 {
		t.Fatalf("got %d flushes, want 1", len(flushes))
	}
	items := flushes[0]
	if len(items) != 3 {
		t.Fatalf("got %d items, want 3", len(items))
	}
	want := []string{"Read", "Grep", "Bash"}
	for i, tool := range want {
		if items[i].Tool != tool {
			t.Fatalf("items[%d].Tool = %q, want %q (insertion order)", i, items[i].Tool, tool)
		}
	}
}

func TestThreadsFlushIndependently(t *testing.T) {
	c := newCapture()
	b := NewBatcher(c.flush, 20*time.Millisecond)

	b.Add("t1", "Read", "Allow All")
	b.Add("t2", "Bash", "Allow Bash")

	time.Sleep(100 * time.Millisecond)

	if got := c.get("t1"); len(got) != 1 || len(got[0]) != 1 {
		t.Fatalf("t1 flushes = %v", got)
	}
	if got := c.get("t2"); len(got) != 1 || got[0][0].Reason != "Allow Bash" {
		t.Fatalf("t2 flushes = %v", got)
	}
}

func TestRemoveThreadDropsSilently(t *testing.T) {
	c := newCapture()
	b := NewBatcher(c.flush, 30*time.Millisecond)

	b.Add("t1", "Read", "Allow All")
	b.RemoveThread("t1")

	time.Sleep(100 * time.Millisecond)

	if got := c.get("t1"); len(got) != 0 {
		t.Fatalf("expected no flush after RemoveThread, got %v", got)
	}
}

func TestTimerResetsOnEachAdd(t *testing.T) {
	c := newCapture()
	b := NewBatcher(c.flush, 60*time.Millisecond)

	b.Add("t1", "Read", "Allow All")
	time.Sleep(35 * time.Millisecond)
	b.Add("t1", "Grep", "Allow All")
	time.Sleep(35 * time.Millisecond)

	// 70ms elapsed but only 35ms since the last add: nothing flushed yet.
	if got := c.get("t1"); len(got) != 0 {
		t.Fatalf("flushed too early: %v", got)
	}

	time.Sleep(80 * time.Millisecond)
	got := c.get("t1")
	if len(got) != 1 || len(got[0]) != 2 {
		t.Fatalf("flushes = %v, want one flush with both items", got)
	}
}

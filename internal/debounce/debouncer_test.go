package debounce

import (
	"testing"
	"time"
)

func TestDisabledAlwaysSends(t *testing.T) {
	d := NewDebouncer(0)
	for i := 0; i < 5; i++ {
		if !d.ShouldSend("t1") {
			t.Fatal("interval 0 must never debounce")
		}
	}
}

func TestDebounceWindow(t *testing.T) {
	d := NewDebouncer(time.Minute)
	current := time.Now()
	d.now = func() time.Time { return current }

	if !d.ShouldSend("t1") {
		t.Fatal("first send must pass")
	}
	if d.ShouldSend("t1") {
		t.Fatal("second send inside the window must be suppressed")
	}

	current = current.Add(2 * time.Minute)
	if !d.ShouldSend("t1") {
		t.Fatal("send after the window must pass")
	}
}

func TestThreadsAreIndependent(t *testing.T) {
	d := NewDebouncer(time.Minute)
	if !d.ShouldSend("t1") {
		t.Fatal("t1 first send must pass")
	}
	if !d.ShouldSend("t2") {
		t.Fatal("t2 must not be affected by t1's send")
	}
}

func TestRemoveThreadResets(t *testing.T) {
	d := NewDebouncer(time.Minute)
	d.ShouldSend("t1")
	d.RemoveThread("t1")
	if !d.ShouldSend("t1") {
		t.Fatal("removed thread starts fresh")
	}
}

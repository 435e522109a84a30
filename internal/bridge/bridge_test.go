package bridge

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeTransport records everything the dispatcher sends.
type fakeTransport struct {
	mu        sync.Mutex
	texts     map[string][]string
	approvals map[string][]*Request
	choices   map[string][]*Request
	nextID    int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		texts:     make(map[string][]string),
		approvals: make(map[string][]*Request),
		choices:   make(map[string][]*Request),
	}
}

func (f *fakeTransport) SendText(ctx context.Context, threadID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts[threadID] = append(f.texts[threadID], text)
	return nil
}

func (f *fakeTransport) SendApproval(ctx context.Context, threadID string, req *Request, formatted string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.approvals[threadID] = append(f.approvals[threadID], req)
	return nil
}

func (f *fakeTransport) SendChoice(ctx context.Context, threadID string, req *Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.choices[threadID] = append(f.choices[threadID], req)
	return nil
}

func (f *fakeTransport) StartTyping(ctx context.Context, threadID string) error { return nil }
func (f *fakeTransport) StopTyping(ctx context.Context, threadID string) error  { return nil }

func (f *fakeTransport) CreateThread(ctx context.Context, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	return fmt.Sprintf("t-%d", f.nextID), nil
}

func (f *fakeTransport) sentTexts(threadID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.texts[threadID]))
	copy(out, f.texts[threadID])
	return out
}

func (f *fakeTransport) approvalCount(threadID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.approvals[threadID])
}

// approvalRecord captures one OnApproval invocation.
type approvalRecord struct {
	threadID  string
	requestID string
	approved  bool
	reason    string
	timer     string
}

type recorder struct {
	mu        sync.Mutex
	approvals []approvalRecord
	inputs    []string
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		OnInput: func(ctx context.Context, threadID, text, username string) error {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.inputs = append(r.inputs, text)
			return nil
		},
		OnApproval: func(ctx context.Context, threadID, requestID string, approved bool, reason, timer string) error {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.approvals = append(r.approvals, approvalRecord{threadID, requestID, approved, reason, timer})
			return nil
		},
	}
}

func (r *recorder) approvalAt(i int) (approvalRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i >= len(r.approvals) {
		return approvalRecord{}, false
	}
	return r.approvals[i], true
}

func (r *recorder) inputLog() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.inputs))
	copy(out, r.inputs)
	return out
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func newTestDispatcher(t *testing.T, transport Transport, handlers Handlers, opts ...Option) *Dispatcher {
	t.Helper()
	base := []Option{
		WithStateFile(filepath.Join(t.TempDir(), "threads.json")),
		WithFlushDelay(40 * time.Millisecond),
	}
	d := New(transport, handlers, append(base, opts...)...)
	t.Cleanup(d.Close)
	return d
}

func TestApprovalFlowAllowAll(t *testing.T) {
	ft := newFakeTransport()
	rec := &recorder{}
	d := newTestDispatcher(t, ft, rec.handlers())
	ctx := context.Background()

	// No grant active: the request must become pending, untouched by the
	// supervisor callback.
	d.SendApprovalRequest(ctx, "t1", "req-1", "Bash", `{"command": "ls"}`)

	if _, ok := rec.approvalAt(0); ok {
		t.Fatal("no approval callback may fire before the human answers")
	}
	if req, ok := d.Pending("t1"); !ok || req.Kind != Permission || req.RequestID != "req-1" {
		t.Fatalf("pending = %+v, %v; want permission req-1", req, ok)
	}
	if ft.approvalCount("t1") != 1 {
		t.Fatalf("rendered approvals = %d, want 1", ft.approvalCount("t1"))
	}

	// "allow all" resolves the request and records an all-thread grant.
	d.DispatchMessage("t1", "allow all", "dana")
	waitFor(t, func() bool { _, ok := rec.approvalAt(0); return ok }, "approval callback never fired")

	got, _ := rec.approvalAt(0)
	want := approvalRecord{threadID: "t1", requestID: "req-1", approved: true, timer: "all"}
	if got != want {
		t.Fatalf("approval = %+v, want %+v", got, want)
	}
	if _, ok := d.Pending("t1"); ok {
		t.Fatal("pending request must be cleared after resolution")
	}
	waitFor(t, func() bool {
		for _, txt := range ft.sentTexts("t1") {
			if strings.Contains(txt, "Allow All") && strings.Contains(txt, "by dana") {
				return true
			}
		}
		return false
	}, "confirmation message never sent")

	// A second request is now auto-approved and only batched.
	d.SendApprovalRequest(ctx, "t1", "req-2", "Read", `{"file_path": "/tmp/x"}`)

	got2, ok := rec.approvalAt(1)
	if !ok {
		t.Fatal("auto-approve must invoke the callback synchronously")
	}
	if !got2.approved || got2.reason != "Allow All" || got2.requestID != "req-2" {
		t.Fatalf("auto-approval = %+v", got2)
	}
	if _, ok := d.Pending("t1"); ok {
		t.Fatal("auto-approved request must never become pending")
	}
	if ft.approvalCount("t1") != 1 {
		t.Fatal("auto-approved request must not be rendered")
	}

	waitFor(t, func() bool {
		for _, txt := range ft.sentTexts("t1") {
			if strings.Contains(txt, "Read") && strings.Contains(txt, "auto-approved") && strings.Contains(txt, "Allow All") {
				return true
			}
		}
		return false
	}, "batched auto-approve notification never flushed")
}

func TestApprovalDenyWithReason(t *testing.T) {
	ft := newFakeTransport()
	rec := &recorder{}
	d := newTestDispatcher(t, ft, rec.handlers())

	d.SendApprovalRequest(context.Background(), "t1", "req-1", "Bash", "{}")
	d.DispatchMessage("t1", "deny: too risky", "")

	waitFor(t, func() bool { _, ok := rec.approvalAt(0); return ok }, "deny never resolved")
	got, _ := rec.approvalAt(0)
	if got.approved || got.reason != "too risky" {
		t.Fatalf("deny = %+v", got)
	}
	waitFor(t, func() bool {
		for _, txt := range ft.sentTexts("t1") {
			if strings.Contains(txt, "Denied: too risky") {
				return true
			}
		}
		return false
	}, "deny confirmation never sent")
}

func TestAllowDirFallsBackToAllowAll(t *testing.T) {
	ft := newFakeTransport()
	rec := &recorder{}
	d := newTestDispatcher(t, ft, rec.handlers())

	// Thread has no associated directory, so "allow dir" must degrade to
	// an all-thread grant.
	d.SendApprovalRequest(context.Background(), "t1", "req-1", "Bash", "{}")
	d.DispatchMessage("t1", "allow dir", "")

	waitFor(t, func() bool { _, ok := rec.approvalAt(0); return ok }, "allow dir never resolved")
	if reason, ok := d.Engine().Check("t1", "Grep"); !ok || reason != "Allow All" {
		t.Fatalf("Check after fallback = %q, %v; want Allow All grant", reason, ok)
	}
}

func TestChoiceFlow(t *testing.T) {
	ft := newFakeTransport()
	rec := &recorder{}
	d := newTestDispatcher(t, ft, rec.handlers())

	d.SendChoiceRequest(context.Background(), "t1", "req-9", "Environment", "Pick one", []string{"staging", "production"})
	if req, ok := d.Pending("t1"); !ok || req.Kind != Choice {
		t.Fatalf("pending = %+v, %v; want choice", req, ok)
	}

	d.DispatchMessage("t1", "2", "")
	waitFor(t, func() bool { _, ok := rec.approvalAt(0); return ok }, "choice never resolved")

	got, _ := rec.approvalAt(0)
	if !got.approved || got.reason != "production" || got.requestID != "req-9" {
		t.Fatalf("choice resolution = %+v", got)
	}
	waitFor(t, func() bool {
		for _, txt := range ft.sentTexts("t1") {
			if txt == "✅ Selected: production" {
				return true
			}
		}
		return false
	}, "selection confirmation never sent")
}

func TestChoiceBeatsCommandDispatch(t *testing.T) {
	ft := newFakeTransport()
	rec := &recorder{}
	d := newTestDispatcher(t, ft, rec.handlers())

	d.SendChoiceRequest(context.Background(), "t1", "req-9", "Next step", "", []string{"!help", "skip"})
	d.DispatchMessage("t1", "!help", "")

	waitFor(t, func() bool { _, ok := rec.approvalAt(0); return ok }, "choice never resolved")
	got, _ := rec.approvalAt(0)
	if got.reason != "!help" {
		t.Fatalf("selected = %q, want the literal option label", got.reason)
	}
	for _, txt := range ft.sentTexts("t1") {
		if strings.Contains(txt, "Available commands") {
			t.Fatal("matching option must not fall through to command dispatch")
		}
	}
}

func TestCommands(t *testing.T) {
	ft := newFakeTransport()
	rec := &recorder{}
	d := newTestDispatcher(t, ft, rec.handlers(),
		WithCommand("deploy", Command{
			Description: "Deploy the thing",
			Handler: func(ctx context.Context, threadID, args string) (string, error) {
				return "deploying " + args, nil
			},
		}),
		WithCommand("boom", Command{
			Description: "Always fails",
			Handler: func(ctx context.Context, threadID, args string) (string, error) {
				return "", errors.New("kaput")
			},
		}),
	)

	d.DispatchMessage("t1", "!deploy prod", "")
	d.DispatchMessage("t1", "!boom", "")
	d.DispatchMessage("t1", "!bogus", "")

	waitFor(t, func() bool { return len(ft.sentTexts("t1")) >= 3 }, "command replies never sent")
	texts := strings.Join(ft.sentTexts("t1"), "\n")
	if !strings.Contains(texts, "deploying prod") {
		t.Errorf("custom command reply missing:\n%s", texts)
	}
	if !strings.Contains(texts, "Command failed: boom") {
		t.Errorf("failure message missing:\n%s", texts)
	}
	if !strings.Contains(texts, "Unknown command: !bogus") || !strings.Contains(texts, "!help") {
		t.Errorf("unknown-command help pointer missing:\n%s", texts)
	}
}

func TestHelpListsCommands(t *testing.T) {
	ft := newFakeTransport()
	d := newTestDispatcher(t, ft, Handlers{})

	d.DispatchMessage("t1", "!help", "")
	waitFor(t, func() bool { return len(ft.sentTexts("t1")) >= 1 }, "help never sent")

	help := ft.sentTexts("t1")[0]
	for _, name := range []string{"!help", "!status", "!stop", "!usage"} {
		if !strings.Contains(help, name) {
			t.Errorf("help output missing %s:\n%s", name, help)
		}
	}
}

func TestPlainInputForwarded(t *testing.T) {
	ft := newFakeTransport()
	rec := &recorder{}
	d := newTestDispatcher(t, ft, rec.handlers())

	d.DispatchMessage("t1", "   ", "")
	d.DispatchMessage("t1", "first", "")
	d.DispatchMessage("t1", "second", "")

	waitFor(t, func() bool { return len(rec.inputLog()) == 2 }, "inputs never forwarded")
	if got := rec.inputLog(); got[0] != "first" || got[1] != "second" {
		t.Fatalf("input order = %q, want FIFO per thread", got)
	}
}

func TestNonApprovalTextFallsThroughToInput(t *testing.T) {
	ft := newFakeTransport()
	rec := &recorder{}
	d := newTestDispatcher(t, ft, rec.handlers())

	d.SendApprovalRequest(context.Background(), "t1", "req-1", "Bash", "{}")
	d.DispatchMessage("t1", "what does this command do?", "")

	waitFor(t, func() bool { return len(rec.inputLog()) == 1 }, "question never forwarded as input")
	if _, ok := d.Pending("t1"); !ok {
		t.Fatal("unmatched text must leave the pending request in place")
	}
}

func TestNewRequestOverwritesPending(t *testing.T) {
	ft := newFakeTransport()
	rec := &recorder{}
	d := newTestDispatcher(t, ft, rec.handlers())
	ctx := context.Background()

	d.SendApprovalRequest(ctx, "t1", "req-1", "Bash", "{}")
	d.SendApprovalRequest(ctx, "t1", "req-2", "Write", "{}")

	d.DispatchMessage("t1", "allow", "")
	waitFor(t, func() bool { _, ok := rec.approvalAt(0); return ok }, "approval never resolved")
	if got, _ := rec.approvalAt(0); got.requestID != "req-2" {
		t.Fatalf("resolved %q, want the overwriting request req-2", got.requestID)
	}
}

func TestRemoveThreadPurgesState(t *testing.T) {
	ft := newFakeTransport()
	rec := &recorder{}
	d := newTestDispatcher(t, ft, rec.handlers())
	ctx := context.Background()

	d.SendApprovalRequest(ctx, "t1", "req-1", "Bash", "{}")
	d.DispatchMessage("t1", "allow all", "")
	waitFor(t, func() bool { _, ok := rec.approvalAt(0); return ok }, "approval never resolved")

	// Queue a batched notification, then tear the thread down before the
	// flush fires.
	d.SendApprovalRequest(ctx, "t1", "req-2", "Read", "{}")
	before := len(ft.sentTexts("t1"))
	d.RemoveThread("t1")

	time.Sleep(120 * time.Millisecond)
	for _, txt := range ft.sentTexts("t1")[before:] {
		if strings.Contains(txt, "auto-approved") {
			t.Fatal("batched notification must be dropped on teardown")
		}
	}
	if _, ok := d.Engine().Check("t1", "Read"); ok {
		t.Fatal("grants must be purged on teardown")
	}
	if _, ok := d.Pending("t1"); ok {
		t.Fatal("pending request must be purged on teardown")
	}
}

func TestCreateThreadRegistersNameAndDirectory(t *testing.T) {
	ft := newFakeTransport()
	d := newTestDispatcher(t, ft, Handlers{})
	ctx := context.Background()

	id1, err := d.CreateThread(ctx, "Repo", "/home/user/repo")
	if err != nil {
		t.Fatal(err)
	}
	id2, err := d.CreateThread(ctx, "Repo", "")
	if err != nil {
		t.Fatal(err)
	}

	if name, _ := d.Threads().Name(id1); name != "Repo" {
		t.Fatalf("first thread name = %q", name)
	}
	if name, _ := d.Threads().Name(id2); name != "Repo 2" {
		t.Fatalf("second thread name = %q, want collision suffix", name)
	}
	if dir, ok := d.Engine().Directory(id1); !ok || dir != "/home/user/repo" {
		t.Fatalf("directory association = %q, %v", dir, ok)
	}
}

func TestErrorStatusDebounced(t *testing.T) {
	ft := newFakeTransport()
	d := newTestDispatcher(t, ft, Handlers{}, WithErrorDebounce(time.Minute))
	ctx := context.Background()

	d.SendStatus(ctx, "t1", "error")
	d.SendStatus(ctx, "t1", "error")
	d.SendStatus(ctx, "t1", "done")

	texts := ft.sentTexts("t1")
	if len(texts) != 2 {
		t.Fatalf("sent %d messages, want 2 (second error debounced): %q", len(texts), texts)
	}
	if !strings.Contains(texts[0], "error") || !strings.Contains(texts[1], "done") {
		t.Fatalf("unexpected status messages: %q", texts)
	}
}

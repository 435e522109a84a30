package channels

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/slack-go/slack"

	"github.com/AgentTether/AgentTether/internal/bridge"
	"github.com/AgentTether/AgentTether/internal/config"
)

// memTransport records dispatcher output so interaction handling can be
// tested without a Slack connection.
type memTransport struct {
	mu    sync.Mutex
	texts []string
}

func (m *memTransport) SendText(ctx context.Context, threadID, text string) error {
	m.mu.Lock()
	m.texts = append(m.texts, text)
	m.mu.Unlock()
	return nil
}

func (m *memTransport) SendApproval(ctx context.Context, threadID string, req *bridge.Request, formatted string) error {
	return nil
}

func (m *memTransport) SendChoice(ctx context.Context, threadID string, req *bridge.Request) error {
	return nil
}

func (m *memTransport) StartTyping(ctx context.Context, threadID string) error { return nil }
func (m *memTransport) StopTyping(ctx context.Context, threadID string) error  { return nil }

func (m *memTransport) CreateThread(ctx context.Context, name string) (string, error) {
	return "100.001", nil
}

func newSlackTest(t *testing.T) (*Slack, *bridge.Dispatcher, *tgRecorder) {
	t.Helper()
	rec := &tgRecorder{}
	d := bridge.New(&memTransport{}, bridge.Handlers{
		OnInput: func(ctx context.Context, threadID, text, username string) error {
			rec.mu.Lock()
			rec.inputs = append(rec.inputs, threadID+"/"+text+"/"+username)
			rec.mu.Unlock()
			return nil
		},
		OnApproval: func(ctx context.Context, threadID, requestID string, approved bool, reason, timer string) error {
			rec.mu.Lock()
			rec.approvals = append(rec.approvals, fmt.Sprintf("%s/%v/%s", requestID, approved, timer))
			rec.mu.Unlock()
			return nil
		},
	}, bridge.WithStateFile(filepath.Join(t.TempDir(), "threads.json")))
	t.Cleanup(d.Close)

	s := &Slack{cfg: config.SlackConfig{Enabled: true, ChannelID: "C1"}, dispatcher: d}
	return s, d, rec
}

func buttonClick(threadTs, actionID, value, userID string) slack.InteractionCallback {
	return slack.InteractionCallback{
		User: slack.User{ID: userID},
		ActionCallback: slack.ActionCallbacks{
			BlockActions: []*slack.BlockAction{{ActionID: actionID, Value: value}},
		},
		Container: slack.Container{ThreadTs: threadTs},
	}
}

func TestSlackInteractionApproves(t *testing.T) {
	s, d, rec := newSlackTest(t)
	d.SendApprovalRequest(context.Background(), "111.222", "req-1", "Bash", "run ls")

	s.handleInteraction(context.Background(), buttonClick("111.222", "allow_tool", "req-1", "U1"))

	rec.waitFor(t, func() bool { return len(rec.approvals) == 1 })
	if rec.approvals[0] != "req-1/true/Bash" {
		t.Fatalf("approval = %q", rec.approvals[0])
	}
	if _, ok := d.Pending("111.222"); ok {
		t.Fatal("pending request must be cleared")
	}
}

func TestSlackInteractionDeny(t *testing.T) {
	s, d, rec := newSlackTest(t)
	d.SendApprovalRequest(context.Background(), "111.222", "req-1", "Bash", "run ls")

	s.handleInteraction(context.Background(), buttonClick("111.222", "deny", "req-1", "U1"))

	rec.waitFor(t, func() bool { return len(rec.approvals) == 1 })
	if rec.approvals[0] != "req-1/false/" {
		t.Fatalf("approval = %q", rec.approvals[0])
	}
}

func TestSlackInteractionStaleRequestIgnored(t *testing.T) {
	s, d, rec := newSlackTest(t)
	d.SendApprovalRequest(context.Background(), "111.222", "req-2", "Bash", "run ls")

	// Click referencing a superseded request id.
	s.handleInteraction(context.Background(), buttonClick("111.222", "approve", "req-1", "U1"))

	time.Sleep(50 * time.Millisecond)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.approvals) != 0 {
		t.Fatalf("approvals = %v, want none", rec.approvals)
	}
}

func TestSlackInteractionChoice(t *testing.T) {
	s, d, rec := newSlackTest(t)
	d.SendChoiceRequest(context.Background(), "111.222", "req-3", "Pick", "", []string{"Red", "Green"})

	s.handleInteraction(context.Background(), buttonClick("111.222", "choice_1", "req-3", "U1"))

	rec.waitFor(t, func() bool { return len(rec.approvals) == 1 })
	if rec.approvals[0] != "req-3/true/" {
		t.Fatalf("approval = %q", rec.approvals[0])
	}
}

func TestSlackInteractionAllowlist(t *testing.T) {
	s, d, rec := newSlackTest(t)
	s.cfg.AllowFrom = []string{"U1"}
	d.SendApprovalRequest(context.Background(), "111.222", "req-1", "Bash", "run ls")

	s.handleInteraction(context.Background(), buttonClick("111.222", "approve", "req-1", "U9"))
	time.Sleep(50 * time.Millisecond)
	rec.mu.Lock()
	n := len(rec.approvals)
	rec.mu.Unlock()
	if n != 0 {
		t.Fatal("unauthorized click must be ignored")
	}

	s.handleInteraction(context.Background(), buttonClick("111.222", "approve", "req-1", "U1"))
	rec.waitFor(t, func() bool { return len(rec.approvals) == 1 })
}

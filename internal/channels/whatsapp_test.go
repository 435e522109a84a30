package channels

import (
	"context"
	"path/filepath"
	"testing"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"google.golang.org/protobuf/proto"

	"github.com/AgentTether/AgentTether/internal/config"
)

func TestTypingBeforeStart(t *testing.T) {
	w := NewWhatsApp(config.WhatsAppConfig{Enabled: true}, filepath.Join(t.TempDir(), "wa.db"))
	if err := w.StartTyping(context.Background(), "123@s.whatsapp.net"); err != nil {
		t.Fatalf("StartTyping = %v", err)
	}
	if err := w.StopTyping(context.Background(), "123@s.whatsapp.net"); err != nil {
		t.Fatalf("StopTyping = %v", err)
	}
}

func TestExtractWhatsAppText(t *testing.T) {
	if got := extractWhatsAppText(nil); got != "" {
		t.Fatalf("nil message = %q", got)
	}
	if got := extractWhatsAppText(&waE2E.Message{Conversation: proto.String(" hi ")}); got != "hi" {
		t.Fatalf("conversation = %q", got)
	}
	ext := &waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{Text: proto.String("quoted reply")}}
	if got := extractWhatsAppText(ext); got != "quoted reply" {
		t.Fatalf("extended text = %q", got)
	}
	if got := extractWhatsAppText(&waE2E.Message{}); got != "" {
		t.Fatalf("empty message = %q", got)
	}
}

func TestVerdictResponse(t *testing.T) {
	cases := []struct {
		verdict string
		allow   bool
		timer   string
		ok      bool
	}{
		{"ok", true, "", true},
		{"tool", true, "Bash", true},
		{"all", true, "all", true},
		{"dir", true, "dir", true},
		{"deny", false, "", true},
		{"bogus", false, "", false},
	}
	for _, tc := range cases {
		resp, ok := verdictResponse(tc.verdict, "Bash")
		if ok != tc.ok {
			t.Fatalf("%s: ok = %v", tc.verdict, ok)
		}
		if !ok {
			continue
		}
		if resp.Allow != tc.allow || resp.Timer != tc.timer {
			t.Fatalf("%s: resp = %+v", tc.verdict, resp)
		}
	}
}

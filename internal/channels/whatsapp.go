package channels

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/skip2/go-qrcode"

	_ "modernc.org/sqlite"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"github.com/AgentTether/AgentTether/internal/bridge"
	"github.com/AgentTether/AgentTether/internal/config"
)

// WhatsApp maps each chat to one approval thread; the thread id is the
// chat JID. WhatsApp has no bot buttons, so approvals and choices go out
// as text and come back through the reply parser.
type WhatsApp struct {
	cfg       config.WhatsAppConfig
	storePath string
	container *sqlstore.Container
	client    *whatsmeow.Client

	dispatcher *bridge.Dispatcher
}

// NewWhatsApp builds the WhatsApp channel. Bind the dispatcher before
// calling Start.
func NewWhatsApp(cfg config.WhatsAppConfig, storePath string) *WhatsApp {
	return &WhatsApp{cfg: cfg, storePath: storePath}
}

func (w *WhatsApp) Name() string { return "whatsapp" }

// Bind attaches the dispatcher that inbound traffic is routed into.
func (w *WhatsApp) Bind(d *bridge.Dispatcher) { w.dispatcher = d }

func (w *WhatsApp) Start(ctx context.Context) error {
	if !w.cfg.Enabled {
		return nil
	}

	dbLog := waLog.Stdout("Database", "WARN", true)
	clientLog := waLog.Stdout("Client", "INFO", true)

	if err := os.MkdirAll(filepath.Dir(w.storePath), 0755); err != nil {
		return fmt.Errorf("failed to create whatsapp store dir: %w", err)
	}
	container, err := sqlstore.New(ctx, "sqlite",
		"file:"+w.storePath+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", dbLog)
	if err != nil {
		return fmt.Errorf("failed to init whatsapp db: %w", err)
	}
	w.container = container

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return fmt.Errorf("failed to get device: %w", err)
	}

	w.client = whatsmeow.NewClient(deviceStore, clientLog)
	w.client.AddEventHandler(w.eventHandler)

	if w.client.Store.ID == nil {
		qrChan, _ := w.client.GetQRChannel(context.Background())
		if err := w.client.Connect(); err != nil {
			return fmt.Errorf("failed to connect: %w", err)
		}
		qrPath := filepath.Join(filepath.Dir(w.storePath), "whatsapp-qr.png")
		go func() {
			for evt := range qrChan {
				if evt.Event == "code" {
					if err := qrcode.WriteFile(evt.Code, qrcode.Medium, 512, qrPath); err == nil {
						slog.Info("WhatsApp login QR code written", "path", qrPath)
					} else {
						slog.Warn("Failed to write WhatsApp QR code", "error", err)
					}
				} else {
					slog.Info("WhatsApp login event", "event", evt.Event)
				}
			}
		}()
		return nil
	}

	if err := w.client.Connect(); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	slog.Info("WhatsApp channel started")
	return nil
}

func (w *WhatsApp) Stop() error {
	if w.client != nil {
		w.client.Disconnect()
	}
	if w.container != nil {
		w.container.Close()
	}
	return nil
}

func (w *WhatsApp) eventHandler(evt interface{}) {
	v, ok := evt.(*events.Message)
	if !ok {
		return
	}
	if v.Info.IsFromMe {
		return
	}
	content := extractWhatsAppText(v.Message)
	if content == "" {
		return
	}
	sender := v.Info.Sender.User
	if !allowedSender(w.cfg.AllowFrom, sender) {
		slog.Warn("WhatsApp message from unauthorized sender dropped", "sender", sender)
		return
	}
	w.dispatcher.DispatchMessage(v.Info.Chat.String(), content, sender)
}

func extractWhatsAppText(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	if c := msg.GetConversation(); c != "" {
		return strings.TrimSpace(c)
	}
	return strings.TrimSpace(msg.GetExtendedTextMessage().GetText())
}

// --- bridge.Transport ---

func (w *WhatsApp) SendText(ctx context.Context, threadID, text string) error {
	if w.client == nil {
		return fmt.Errorf("client not initialized")
	}
	jid, err := types.ParseJID(threadID)
	if err != nil {
		return fmt.Errorf("invalid JID: %w", err)
	}
	_, err = w.client.SendMessage(ctx, jid, &waE2E.Message{
		Conversation: proto.String(text),
	})
	return err
}

func (w *WhatsApp) SendApproval(ctx context.Context, threadID string, req *bridge.Request, formatted string) error {
	return w.SendText(ctx, threadID, formatted+"\n\nReply yes/no, \"allow all\", \"allow dir\" or \"no: <reason>\".")
}

func (w *WhatsApp) SendChoice(ctx context.Context, threadID string, req *bridge.Request) error {
	var b strings.Builder
	b.WriteString(req.Title)
	if req.Description != "" {
		b.WriteString("\n")
		b.WriteString(req.Description)
	}
	b.WriteString("\n\nReply with a number or option name.")
	return w.SendText(ctx, threadID, b.String())
}

func (w *WhatsApp) StartTyping(ctx context.Context, threadID string) error {
	if w.client == nil {
		return nil
	}
	jid, err := types.ParseJID(threadID)
	if err != nil {
		return err
	}
	return w.client.SendChatPresence(ctx, jid, types.ChatPresenceComposing, types.ChatPresenceMediaText)
}

func (w *WhatsApp) StopTyping(ctx context.Context, threadID string) error {
	if w.client == nil {
		return nil
	}
	jid, err := types.ParseJID(threadID)
	if err != nil {
		return err
	}
	return w.client.SendChatPresence(ctx, jid, types.ChatPresencePaused, types.ChatPresenceMediaText)
}

// CreateThread is unsupported: WhatsApp chats are created by the peer.
func (w *WhatsApp) CreateThread(ctx context.Context, name string) (string, error) {
	return "", fmt.Errorf("whatsapp cannot create chats; message the bot to open a thread")
}

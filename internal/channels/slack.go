package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/AgentTether/AgentTether/internal/bridge"
	"github.com/AgentTether/AgentTether/internal/config"
)

// Slack hosts approval threads as message threads inside one channel.
// The thread id is the root message timestamp.
type Slack struct {
	cfg       config.SlackConfig
	api       *slack.Client
	socket    *socketmode.Client
	botUserID string

	dispatcher *bridge.Dispatcher
	cancel     context.CancelFunc
}

// NewSlack builds the Slack channel in socket mode. Bind the dispatcher
// before calling Start.
func NewSlack(cfg config.SlackConfig) *Slack {
	api := slack.New(
		cfg.BotToken,
		slack.OptionAppLevelToken(cfg.AppToken),
	)
	return &Slack{
		cfg:    cfg,
		api:    api,
		socket: socketmode.New(api),
	}
}

func (s *Slack) Name() string { return "slack" }

// Bind attaches the dispatcher that inbound traffic is routed into.
func (s *Slack) Bind(d *bridge.Dispatcher) { s.dispatcher = d }

func (s *Slack) Start(ctx context.Context) error {
	if !s.cfg.Enabled {
		return nil
	}
	auth, err := s.api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth test: %w", err)
	}
	s.botUserID = auth.UserID
	slog.Info("Slack channel started", "bot", auth.User, "channel", s.cfg.ChannelID)

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go s.eventLoop(runCtx)
	go func() {
		if err := s.socket.RunContext(runCtx); err != nil && runCtx.Err() == nil {
			slog.Error("Slack socket mode stopped", "error", err)
		}
	}()
	return nil
}

func (s *Slack) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}

func (s *Slack) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-s.socket.Events:
			if !ok {
				return
			}
			switch evt.Type {
			case socketmode.EventTypeEventsAPI:
				if evt.Request != nil {
					s.socket.Ack(*evt.Request)
				}
				ev, ok := evt.Data.(slackevents.EventsAPIEvent)
				if !ok || ev.Type != slackevents.CallbackEvent {
					continue
				}
				if in, ok := ev.InnerEvent.Data.(*slackevents.MessageEvent); ok && in != nil {
					s.handleMessage(in)
				}
			case socketmode.EventTypeInteractive:
				if evt.Request != nil {
					s.socket.Ack(*evt.Request)
				}
				if cb, ok := evt.Data.(slack.InteractionCallback); ok {
					s.handleInteraction(ctx, cb)
				}
			}
		}
	}
}

func (s *Slack) handleMessage(in *slackevents.MessageEvent) {
	if in.BotID != "" || in.User == s.botUserID || in.SubType == "bot_message" {
		return
	}
	if in.Channel != s.cfg.ChannelID || in.ThreadTimeStamp == "" {
		return
	}
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return
	}
	if len(s.cfg.AllowFrom) > 0 && !allowedSender(s.cfg.AllowFrom, in.User) {
		slog.Warn("Slack message from unauthorized user dropped", "user", in.User)
		return
	}
	s.dispatcher.DispatchMessage(in.ThreadTimeStamp, text, in.User)
}

func (s *Slack) handleInteraction(ctx context.Context, cb slack.InteractionCallback) {
	threadID := strings.TrimSpace(cb.Container.ThreadTs)
	if threadID == "" || len(cb.ActionCallback.BlockActions) == 0 {
		return
	}
	if len(s.cfg.AllowFrom) > 0 && !allowedSender(s.cfg.AllowFrom, cb.User.ID) {
		return
	}
	action := cb.ActionCallback.BlockActions[0]
	requestID := strings.TrimSpace(action.Value)

	pending, ok := s.dispatcher.Pending(threadID)
	if !ok || pending.RequestID != requestID {
		return
	}

	actionID := strings.TrimSpace(action.ActionID)
	if idx, found := strings.CutPrefix(actionID, "choice_"); found {
		i, err := strconv.Atoi(idx)
		if err != nil || i < 0 || i >= len(pending.Options) {
			return
		}
		s.dispatcher.DispatchMessage(threadID, pending.Options[i], cb.User.ID)
		return
	}

	var verdict string
	switch actionID {
	case "approve":
		verdict = "ok"
	case "allow_tool":
		verdict = "tool"
	case "allow_all":
		verdict = "all"
	case "allow_dir":
		verdict = "dir"
	case "deny":
		verdict = "deny"
	default:
		return
	}
	resp, ok := verdictResponse(verdict, pending.Title)
	if !ok {
		return
	}
	s.dispatcher.ResolveApproval(ctx, threadID, resp, cb.User.ID)
}

// --- bridge.Transport ---

const slackMaxMessage = 3500

func (s *Slack) SendText(ctx context.Context, threadID, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		text = "(empty)"
	}
	for len(text) > 0 {
		chunk := text
		if len(chunk) > slackMaxMessage {
			chunk = chunk[:slackMaxMessage]
		}
		if err := s.postMessage(ctx, threadID, slack.MsgOptionText(chunk, false)); err != nil {
			return err
		}
		text = strings.TrimSpace(text[len(chunk):])
	}
	return nil
}

func (s *Slack) SendApproval(ctx context.Context, threadID string, req *bridge.Request, formatted string) error {
	blocks := []slack.Block{
		slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType, formatted, false, false),
			nil, nil,
		),
		slack.NewActionBlock("approval",
			button("approve", req.RequestID, "✅ Approve", slack.StylePrimary),
			button("allow_tool", req.RequestID, "🔓 Allow "+req.Title, slack.StyleDefault),
			button("allow_all", req.RequestID, "🔓 Allow all", slack.StyleDefault),
			button("allow_dir", req.RequestID, "📁 Allow directory", slack.StyleDefault),
			button("deny", req.RequestID, "❌ Deny", slack.StyleDanger),
		),
	}
	return s.postMessage(ctx, threadID,
		slack.MsgOptionText(req.Title, false),
		slack.MsgOptionBlocks(blocks...),
	)
}

func (s *Slack) SendChoice(ctx context.Context, threadID string, req *bridge.Request) error {
	text := req.Title
	if req.Description != "" {
		text += "\n" + req.Description
	}
	buttons := make([]slack.BlockElement, 0, len(req.Options))
	for i, opt := range req.Options {
		buttons = append(buttons, button(fmt.Sprintf("choice_%d", i), req.RequestID, opt, slack.StyleDefault))
	}
	blocks := []slack.Block{
		slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType, text, false, false),
			nil, nil,
		),
		slack.NewActionBlock("choice", buttons...),
	}
	return s.postMessage(ctx, threadID,
		slack.MsgOptionText(req.Title, false),
		slack.MsgOptionBlocks(blocks...),
	)
}

// StartTyping marks the thread root with an hourglass reaction; Slack
// bots have no native typing indicator.
func (s *Slack) StartTyping(ctx context.Context, threadID string) error {
	err := s.api.AddReactionContext(ctx, "hourglass_flowing_sand",
		slack.ItemRef{Channel: s.cfg.ChannelID, Timestamp: threadID})
	if isAlreadyReacted(err) {
		return nil
	}
	return err
}

func (s *Slack) StopTyping(ctx context.Context, threadID string) error {
	err := s.api.RemoveReactionContext(ctx, "hourglass_flowing_sand",
		slack.ItemRef{Channel: s.cfg.ChannelID, Timestamp: threadID})
	if isNoReaction(err) {
		return nil
	}
	return err
}

func (s *Slack) CreateThread(ctx context.Context, name string) (string, error) {
	var ts string
	err := withRetry(3, 200*time.Millisecond, func() (bool, error) {
		var postErr error
		_, ts, postErr = s.api.PostMessageContext(ctx, s.cfg.ChannelID,
			slack.MsgOptionText("📌 "+name, false))
		return s.retryDecision(postErr)
	})
	if err != nil {
		return "", err
	}
	return ts, nil
}

func (s *Slack) postMessage(ctx context.Context, threadID string, opts ...slack.MsgOption) error {
	opts = append(opts, slack.MsgOptionTS(threadID))
	return withRetry(3, 200*time.Millisecond, func() (bool, error) {
		_, _, err := s.api.PostMessageContext(ctx, s.cfg.ChannelID, opts...)
		return s.retryDecision(err)
	})
}

func (s *Slack) retryDecision(err error) (bool, error) {
	if err == nil {
		return false, nil
	}
	var rle *slack.RateLimitedError
	if errors.As(err, &rle) && rle != nil {
		if rle.RetryAfter > 0 {
			time.Sleep(rle.RetryAfter)
		}
		return true, err
	}
	return false, err
}

func button(actionID, value, text string, style slack.Style) *slack.ButtonBlockElement {
	b := slack.NewButtonBlockElement(actionID, value,
		slack.NewTextBlockObject(slack.PlainTextType, text, true, false))
	if style != slack.StyleDefault {
		b.Style = style
	}
	return b
}

func isAlreadyReacted(err error) bool {
	return err != nil && strings.Contains(err.Error(), "already_reacted")
}

func isNoReaction(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no_reaction")
}

// withRetry calls fn up to attempts times, sleeping delay between tries
// while fn reports the error as retryable.
func withRetry(attempts int, delay time.Duration, fn func() (retry bool, err error)) error {
	var err error
	for i := 0; i < attempts; i++ {
		var retry bool
		retry, err = fn()
		if err == nil {
			return nil
		}
		if !retry {
			return err
		}
		time.Sleep(delay)
	}
	return err
}

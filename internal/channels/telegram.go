package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AgentTether/AgentTether/internal/approval"
	"github.com/AgentTether/AgentTether/internal/bridge"
	"github.com/AgentTether/AgentTether/internal/config"
	"github.com/AgentTether/AgentTether/internal/pairing"
)

// Telegram hosts approval threads as forum topics inside one supergroup.
// Users authorize themselves by sending the pairing code in a direct
// message to the bot.
type Telegram struct {
	cfg        config.TelegramConfig
	api        *botAPI
	pairing    *pairing.Store
	dispatcher *bridge.Dispatcher

	mu        sync.Mutex
	typing    map[string]func()
	callbacks map[string]string // short callback id -> request id

	cancel context.CancelFunc
	done   chan struct{}
}

// NewTelegram builds the Telegram channel. Bind the dispatcher before
// calling Start.
func NewTelegram(cfg config.TelegramConfig, store *pairing.Store) (*Telegram, error) {
	httpClient := &http.Client{Timeout: 60 * time.Second}
	if p := strings.TrimSpace(cfg.Proxy); p != "" {
		proxyURL, err := url.Parse(p)
		if err != nil {
			return nil, fmt.Errorf("invalid telegram proxy: %w", err)
		}
		httpClient.Transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
	}
	return &Telegram{
		cfg:       cfg,
		api:       newBotAPI(httpClient, "https://api.telegram.org", cfg.Token),
		pairing:   store,
		typing:    make(map[string]func()),
		callbacks: make(map[string]string),
		done:      make(chan struct{}),
	}, nil
}

func (t *Telegram) Name() string { return "telegram" }

// Bind attaches the dispatcher that inbound traffic is routed into.
func (t *Telegram) Bind(d *bridge.Dispatcher) { t.dispatcher = d }

func (t *Telegram) Start(ctx context.Context) error {
	if !t.cfg.Enabled {
		return nil
	}
	me, err := t.api.getMe(ctx)
	if err != nil {
		return fmt.Errorf("telegram getMe: %w", err)
	}
	slog.Info("Telegram channel started", "bot", me.Username, "forum_group", t.cfg.ForumGroupID)

	pollCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	go t.pollLoop(pollCtx)
	return nil
}

func (t *Telegram) Stop() error {
	if t.cancel != nil {
		t.cancel()
		<-t.done
	}
	t.mu.Lock()
	for id, stop := range t.typing {
		stop()
		delete(t.typing, id)
	}
	t.mu.Unlock()
	return nil
}

func (t *Telegram) pollLoop(ctx context.Context) {
	defer close(t.done)
	var offset int64
	for {
		if ctx.Err() != nil {
			return
		}
		updates, next, err := t.api.getUpdates(ctx, offset, 30*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("Telegram getUpdates failed", "error", err)
			time.Sleep(time.Second)
			continue
		}
		offset = next
		for _, u := range updates {
			t.handleUpdate(ctx, u)
		}
	}
}

func (t *Telegram) handleUpdate(ctx context.Context, u tgUpdate) {
	if u.CallbackQuery != nil {
		t.handleCallback(ctx, u.CallbackQuery)
		return
	}
	msg := u.Message
	if msg == nil || msg.Chat == nil || msg.From == nil || msg.From.IsBot {
		return
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}

	if msg.Chat.Type == "private" {
		t.handleDirectMessage(ctx, msg, text)
		return
	}
	if msg.Chat.ID != t.cfg.ForumGroupID || msg.MessageThreadID == 0 {
		return
	}
	if !t.authorized(msg.From) {
		slog.Warn("Telegram message from unpaired user dropped", "user_id", msg.From.ID)
		return
	}
	threadID := strconv.FormatInt(msg.MessageThreadID, 10)
	t.dispatcher.DispatchMessage(threadID, text, displayName(msg.From))
}

// handleDirectMessage runs the pairing exchange. Any DM from an unpaired
// user is treated as a pairing code attempt.
func (t *Telegram) handleDirectMessage(ctx context.Context, msg *tgMessage, text string) {
	if t.pairing == nil {
		return
	}
	if t.pairing.IsPaired(msg.From.ID) {
		_ = t.api.sendMessage(ctx, msg.Chat.ID, 0, "You are already paired. Talk to me in the work group threads.", nil)
		return
	}
	ok, err := t.pairing.Pair(msg.From.ID, strings.TrimSpace(text))
	if err != nil {
		slog.Error("Pairing failed", "error", err)
		return
	}
	if ok {
		slog.Info("Telegram user paired", "user_id", msg.From.ID, "username", msg.From.Username)
		_ = t.api.sendMessage(ctx, msg.Chat.ID, 0, "✅ Paired. You can now respond to approval requests.", nil)
		return
	}
	_ = t.api.sendMessage(ctx, msg.Chat.ID, 0, "Send the pairing code shown in the gateway logs to pair.", nil)
}

func (t *Telegram) authorized(u *tgUser) bool {
	if u == nil {
		return false
	}
	if t.pairing != nil && t.pairing.IsPaired(u.ID) {
		return true
	}
	if allowedSender(t.cfg.AllowFrom, u.Username) {
		return true
	}
	return allowedSender(t.cfg.AllowFrom, strconv.FormatInt(u.ID, 10))
}

func (t *Telegram) handleCallback(ctx context.Context, cb *tgCallbackQuery) {
	defer func() { _ = t.api.answerCallbackQuery(ctx, cb.ID) }()

	if cb.Message == nil || cb.From == nil {
		return
	}
	if !t.authorized(cb.From) {
		return
	}
	threadID := strconv.FormatInt(cb.Message.MessageThreadID, 10)
	kind, cbID, arg, ok := parseCallbackData(cb.Data)
	if !ok {
		return
	}

	t.mu.Lock()
	requestID, known := t.callbacks[cbID]
	delete(t.callbacks, cbID)
	t.mu.Unlock()
	if !known {
		return
	}

	pending, ok := t.dispatcher.Pending(threadID)
	if !ok || pending.RequestID != requestID {
		return
	}
	username := displayName(cb.From)

	switch kind {
	case "apr":
		resp, ok := verdictResponse(arg, pending.Title)
		if !ok {
			return
		}
		t.dispatcher.ResolveApproval(ctx, threadID, resp, username)
	case "cho":
		idx, err := strconv.Atoi(arg)
		if err != nil || idx < 0 || idx >= len(pending.Options) {
			return
		}
		// Selected labels take the same path as typed replies.
		t.dispatcher.DispatchMessage(threadID, pending.Options[idx], username)
	}
}

// verdictResponse maps a button verdict to an approval response. The
// tool verdict grants the literal tool name carried in the request title.
func verdictResponse(verdict, tool string) (approval.Response, bool) {
	switch verdict {
	case "ok":
		return approval.Response{Allow: true}, true
	case "tool":
		return approval.Response{Allow: true, Timer: tool}, true
	case "all":
		return approval.Response{Allow: true, Timer: approval.TimerAll}, true
	case "dir":
		return approval.Response{Allow: true, Timer: approval.TimerDir}, true
	case "deny":
		return approval.Response{Allow: false}, true
	default:
		return approval.Response{}, false
	}
}

// parseCallbackData splits "kind:id:arg". Telegram caps callback data at
// 64 bytes, so request ids travel through the short-id table instead.
func parseCallbackData(data string) (kind, cbID, arg string, ok bool) {
	parts := strings.SplitN(strings.TrimSpace(data), ":", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return "", "", "", false
	}
	return parts[0], parts[1], parts[2], true
}

func (t *Telegram) registerCallback(requestID string) string {
	cbID := uuid.NewString()[:8]
	t.mu.Lock()
	t.callbacks[cbID] = requestID
	t.mu.Unlock()
	return cbID
}

// --- bridge.Transport ---

func (t *Telegram) SendText(ctx context.Context, threadID, text string) error {
	topic, err := strconv.ParseInt(threadID, 10, 64)
	if err != nil {
		return fmt.Errorf("bad thread id %q: %w", threadID, err)
	}
	return t.api.sendMessageChunked(ctx, t.cfg.ForumGroupID, topic, text)
}

func (t *Telegram) SendApproval(ctx context.Context, threadID string, req *bridge.Request, formatted string) error {
	topic, err := strconv.ParseInt(threadID, 10, 64)
	if err != nil {
		return fmt.Errorf("bad thread id %q: %w", threadID, err)
	}
	cbID := t.registerCallback(req.RequestID)
	markup := &tgInlineKeyboard{InlineKeyboard: [][]tgInlineButton{
		{
			{Text: "✅ Approve", CallbackData: "apr:" + cbID + ":ok"},
			{Text: "❌ Deny", CallbackData: "apr:" + cbID + ":deny"},
		},
		{
			{Text: "🔓 Allow " + req.Title, CallbackData: "apr:" + cbID + ":tool"},
			{Text: "🔓 Allow all", CallbackData: "apr:" + cbID + ":all"},
		},
		{
			{Text: "📁 Allow directory", CallbackData: "apr:" + cbID + ":dir"},
		},
	}}
	return t.api.sendMessage(ctx, t.cfg.ForumGroupID, topic, formatted, markup)
}

func (t *Telegram) SendChoice(ctx context.Context, threadID string, req *bridge.Request) error {
	topic, err := strconv.ParseInt(threadID, 10, 64)
	if err != nil {
		return fmt.Errorf("bad thread id %q: %w", threadID, err)
	}
	cbID := t.registerCallback(req.RequestID)
	rows := make([][]tgInlineButton, 0, len(req.Options))
	for i, opt := range req.Options {
		rows = append(rows, []tgInlineButton{{
			Text:         opt,
			CallbackData: fmt.Sprintf("cho:%s:%d", cbID, i),
		}})
	}
	text := req.Title
	if req.Description != "" {
		text += "\n" + req.Description
	}
	return t.api.sendMessage(ctx, t.cfg.ForumGroupID, topic, text, &tgInlineKeyboard{InlineKeyboard: rows})
}

func (t *Telegram) StartTyping(ctx context.Context, threadID string) error {
	topic, err := strconv.ParseInt(threadID, 10, 64)
	if err != nil {
		return fmt.Errorf("bad thread id %q: %w", threadID, err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, running := t.typing[threadID]; running {
		return nil
	}
	t.typing[threadID] = t.startTypingTicker(ctx, topic, 4*time.Second)
	return nil
}

func (t *Telegram) StopTyping(ctx context.Context, threadID string) error {
	t.mu.Lock()
	stop, ok := t.typing[threadID]
	delete(t.typing, threadID)
	t.mu.Unlock()
	if ok {
		stop()
	}
	return nil
}

// startTypingTicker repeats the typing action until stopped; Telegram
// clears the indicator after roughly five seconds of silence.
func (t *Telegram) startTypingTicker(ctx context.Context, topic int64, interval time.Duration) func() {
	ticker := time.NewTicker(interval)
	done := make(chan struct{})

	go func() {
		_ = t.api.sendChatAction(ctx, t.cfg.ForumGroupID, topic, "typing")
		for {
			select {
			case <-ticker.C:
				_ = t.api.sendChatAction(ctx, t.cfg.ForumGroupID, topic, "typing")
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return func() {
		select {
		case <-done:
		default:
			close(done)
		}
		ticker.Stop()
	}
}

func (t *Telegram) CreateThread(ctx context.Context, name string) (string, error) {
	topicID, err := t.api.createForumTopic(ctx, t.cfg.ForumGroupID, name)
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(topicID, 10), nil
}

func displayName(u *tgUser) string {
	if u == nil {
		return ""
	}
	if name := strings.TrimSpace(u.Username); name != "" {
		return name
	}
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name != "" {
		return name
	}
	return strconv.FormatInt(u.ID, 10)
}

// --- Bot API client ---

type botAPI struct {
	http    *http.Client
	baseURL string
	token   string
}

func newBotAPI(httpClient *http.Client, baseURL, token string) *botAPI {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &botAPI{
		http:    httpClient,
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
	}
}

type tgUpdate struct {
	UpdateID      int64            `json:"update_id"`
	Message       *tgMessage       `json:"message,omitempty"`
	EditedMessage *tgMessage       `json:"edited_message,omitempty"`
	CallbackQuery *tgCallbackQuery `json:"callback_query,omitempty"`
}

type tgMessage struct {
	MessageID       int64   `json:"message_id"`
	MessageThreadID int64   `json:"message_thread_id,omitempty"`
	IsTopicMessage  bool    `json:"is_topic_message,omitempty"`
	Chat            *tgChat `json:"chat,omitempty"`
	From            *tgUser `json:"from,omitempty"`
	Text            string  `json:"text,omitempty"`
}

type tgChat struct {
	ID   int64  `json:"id"`
	Type string `json:"type,omitempty"` // private|group|supergroup|channel
}

type tgUser struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot,omitempty"`
	Username  string `json:"username,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
}

type tgCallbackQuery struct {
	ID      string     `json:"id"`
	From    *tgUser    `json:"from,omitempty"`
	Message *tgMessage `json:"message,omitempty"`
	Data    string     `json:"data,omitempty"`
}

type tgInlineKeyboard struct {
	InlineKeyboard [][]tgInlineButton `json:"inline_keyboard"`
}

type tgInlineButton struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data"`
}

type tgGetUpdatesResponse struct {
	OK     bool       `json:"ok"`
	Result []tgUpdate `json:"result"`
}

type tgGetMeResponse struct {
	OK     bool   `json:"ok"`
	Result tgUser `json:"result"`
}

type tgOKResponse struct {
	OK bool `json:"ok"`
}

func (api *botAPI) call(ctx context.Context, method string, body any, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	u := fmt.Sprintf("%s/bot%s/%s", api.baseURL, api.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := api.http.Do(req)
	if err != nil {
		return err
	}
	raw, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram http %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return err
		}
	}
	return nil
}

func (api *botAPI) getMe(ctx context.Context) (*tgUser, error) {
	var out tgGetMeResponse
	if err := api.call(ctx, "getMe", map[string]any{}, &out); err != nil {
		return nil, err
	}
	if !out.OK {
		return nil, fmt.Errorf("telegram getMe: ok=false")
	}
	return &out.Result, nil
}

func (api *botAPI) getUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]tgUpdate, int64, error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	secs := int(timeout.Seconds())
	if secs < 1 {
		secs = 1
	}
	body := map[string]any{
		"timeout":         secs,
		"allowed_updates": []string{"message", "edited_message", "callback_query"},
	}
	if offset > 0 {
		body["offset"] = offset
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout+5*time.Second)
	defer cancel()
	var out tgGetUpdatesResponse
	if err := api.call(reqCtx, "getUpdates", body, &out); err != nil {
		return nil, offset, err
	}
	if !out.OK {
		return nil, offset, fmt.Errorf("telegram getUpdates: ok=false")
	}
	next := offset
	for _, u := range out.Result {
		if u.UpdateID >= next {
			next = u.UpdateID + 1
		}
	}
	return out.Result, next, nil
}

func (api *botAPI) sendMessage(ctx context.Context, chatID, threadID int64, text string, markup *tgInlineKeyboard) error {
	text = strings.TrimSpace(text)
	if text == "" {
		text = "(empty)"
	}
	text = escapeMarkdownUnderscores(text)

	// Telegram Markdown is picky; try richer formatting first, then fall
	// back to plain text.
	if err := api.sendMessageWithParseMode(ctx, chatID, threadID, text, markup, "MarkdownV2"); err == nil {
		return nil
	}
	if err := api.sendMessageWithParseMode(ctx, chatID, threadID, text, markup, "Markdown"); err == nil {
		return nil
	}
	return api.sendMessageWithParseMode(ctx, chatID, threadID, text, markup, "")
}

func (api *botAPI) sendMessageWithParseMode(ctx context.Context, chatID, threadID int64, text string, markup *tgInlineKeyboard, parseMode string) error {
	body := map[string]any{
		"chat_id":                  chatID,
		"text":                     text,
		"disable_web_page_preview": true,
	}
	if threadID > 0 {
		body["message_thread_id"] = threadID
	}
	if parseMode != "" {
		body["parse_mode"] = parseMode
	}
	if markup != nil {
		body["reply_markup"] = markup
	}
	var out tgOKResponse
	if err := api.call(ctx, "sendMessage", body, &out); err != nil {
		return err
	}
	if !out.OK {
		return fmt.Errorf("telegram sendMessage: ok=false")
	}
	return nil
}

const tgMaxMessage = 3500

func (api *botAPI) sendMessageChunked(ctx context.Context, chatID, threadID int64, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return api.sendMessage(ctx, chatID, threadID, "(empty)", nil)
	}
	for len(text) > 0 {
		chunk := text
		if len(chunk) > tgMaxMessage {
			chunk = chunk[:tgMaxMessage]
		}
		if err := api.sendMessage(ctx, chatID, threadID, chunk, nil); err != nil {
			return err
		}
		text = strings.TrimSpace(text[len(chunk):])
	}
	return nil
}

func (api *botAPI) sendChatAction(ctx context.Context, chatID, threadID int64, action string) error {
	body := map[string]any{"chat_id": chatID, "action": action}
	if threadID > 0 {
		body["message_thread_id"] = threadID
	}
	return api.call(ctx, "sendChatAction", body, nil)
}

type tgForumTopicResponse struct {
	OK     bool `json:"ok"`
	Result struct {
		MessageThreadID int64 `json:"message_thread_id"`
	} `json:"result"`
}

func (api *botAPI) createForumTopic(ctx context.Context, chatID int64, name string) (int64, error) {
	var out tgForumTopicResponse
	err := api.call(ctx, "createForumTopic", map[string]any{
		"chat_id": chatID,
		"name":    name,
	}, &out)
	if err != nil {
		return 0, err
	}
	if !out.OK {
		return 0, fmt.Errorf("telegram createForumTopic: ok=false")
	}
	return out.Result.MessageThreadID, nil
}

func (api *botAPI) answerCallbackQuery(ctx context.Context, callbackID string) error {
	return api.call(ctx, "answerCallbackQuery", map[string]any{"callback_query_id": callbackID}, nil)
}

// escapeMarkdownUnderscores escapes underscores outside code spans so
// identifiers like file_path do not render as italics.
func escapeMarkdownUnderscores(text string) string {
	if !strings.Contains(text, "_") {
		return text
	}

	var b strings.Builder
	b.Grow(len(text) + 8)

	inCodeBlock := false
	inInlineCode := false

	for i := 0; i < len(text); i++ {
		if !inInlineCode && strings.HasPrefix(text[i:], "```") {
			inCodeBlock = !inCodeBlock
			b.WriteString("```")
			i += 2
			continue
		}

		ch := text[i]

		if !inCodeBlock && ch == '`' {
			inInlineCode = !inInlineCode
			b.WriteByte(ch)
			continue
		}

		if !inCodeBlock && !inInlineCode && ch == '_' {
			if i > 0 && text[i-1] == '\\' {
				b.WriteByte('_')
				continue
			}
			b.WriteByte('\\')
			b.WriteByte('_')
			continue
		}

		b.WriteByte(ch)
	}

	return b.String()
}

// Package bridge contains the platform-agnostic approval and dispatch
// engine. A Dispatcher owns all per-thread state (pending requests, timed
// grants, batched notifications) and talks to chat platforms through the
// Transport interface, so the state machine is testable with an in-memory
// fake.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/AgentTether/AgentTether/internal/approval"
	"github.com/AgentTether/AgentTether/internal/batch"
	"github.com/AgentTether/AgentTether/internal/debounce"
	"github.com/AgentTether/AgentTether/internal/format"
	"github.com/AgentTether/AgentTether/internal/threadstate"
)

// RequestKind distinguishes the two request variants a thread can wait on.
type RequestKind int

const (
	// Permission asks the human to allow or deny a tool invocation.
	Permission RequestKind = iota
	// Choice asks the human to pick one of several option labels.
	Choice
)

// Request is an approval or choice question sent to a human via a chat
// thread. At most one Request is pending per thread; a new one overwrites
// the previous, which then becomes unanswerable.
type Request struct {
	Kind        RequestKind
	RequestID   string
	Title       string
	Description string
	Options     []string
}

// Handlers are the callbacks a consumer provides to receive bridge events.
// Every handler is optional; a nil handler silently ignores its event.
type Handlers struct {
	// OnInput receives a plain human message in a thread.
	OnInput func(ctx context.Context, threadID, text, username string) error
	// OnApproval receives the resolution of a permission or choice
	// request. For choices, reason carries the selected label. timer is
	// "", "all", "dir", or a tool name.
	OnApproval func(ctx context.Context, threadID, requestID string, approved bool, reason, timer string) error
	// OnCommand is the catch-all for commands not in the registry.
	OnCommand func(ctx context.Context, threadID, command, args string) (string, error)
	// OnStatus backs the built-in status command.
	OnStatus func(ctx context.Context) (string, error)
	// OnStop backs the built-in stop command.
	OnStop func(ctx context.Context, threadID string) (string, error)
	// OnUsage backs the built-in usage command.
	OnUsage func(ctx context.Context, threadID string) (string, error)
}

// Command is a registered chat command.
type Command struct {
	Description string
	Handler     func(ctx context.Context, threadID, args string) (string, error)
}

// Transport is the capability set a chat platform implements. All methods
// do network I/O; implementations log their own failures and the
// Dispatcher never lets a send failure corrupt pending-request state.
type Transport interface {
	SendText(ctx context.Context, threadID, text string) error
	SendApproval(ctx context.Context, threadID string, req *Request, formatted string) error
	SendChoice(ctx context.Context, threadID string, req *Request) error
	StartTyping(ctx context.Context, threadID string) error
	StopTyping(ctx context.Context, threadID string) error
	CreateThread(ctx context.Context, name string) (string, error)
}

var statusEmoji = map[string]string{
	"running":   "🔄",
	"waiting":   "📝",
	"error":     "❌",
	"done":      "✅",
	"thinking":  "💭",
	"executing": "⚙️",
}

// Dispatcher routes every inbound human message through a fixed precedence
// order (pending choice, pending permission, command, plain input) and
// opens permission/choice requests on behalf of the agent, consulting the
// auto-approve engine first.
type Dispatcher struct {
	transport Transport
	handlers  Handlers
	engine    *approval.Engine
	batcher   *batch.Batcher
	debouncer *debounce.Debouncer
	threads   *threadstate.Store

	prefix   string
	grantDur time.Duration
	commands map[string]Command

	mu      sync.Mutex
	pending map[string]*Request
	queues  map[string]chan func()
	closed  bool
	wg      sync.WaitGroup
}

// Option configures a Dispatcher.
type Option func(*options)

type options struct {
	dataDir       string
	stateFile     string
	grantDuration time.Duration
	neverApprove  []string
	flushDelay    time.Duration
	errorDebounce time.Duration
	prefix        string
	commands      map[string]Command
	disabled      map[string]bool
}

// WithDataDir sets the directory for persistent state files.
func WithDataDir(dir string) Option {
	return func(o *options) { o.dataDir = dir }
}

// WithStateFile overrides the thread-name document path.
func WithStateFile(path string) Option {
	return func(o *options) { o.stateFile = path }
}

// WithGrantDuration sets how long auto-approve grants stay valid.
func WithGrantDuration(d time.Duration) Option {
	return func(o *options) { o.grantDuration = d }
}

// WithNeverApprove replaces the tool-name prefixes that are never
// auto-approved.
func WithNeverApprove(prefixes []string) Option {
	return func(o *options) { o.neverApprove = prefixes }
}

// WithFlushDelay sets the quiet period before batched auto-approve
// notifications are flushed.
func WithFlushDelay(d time.Duration) Option {
	return func(o *options) { o.flushDelay = d }
}

// WithErrorDebounce sets the minimum interval between error status
// notifications per thread. Zero disables debouncing.
func WithErrorDebounce(d time.Duration) Option {
	return func(o *options) { o.errorDebounce = d }
}

// WithCommandPrefix sets the command prefix (default "!").
func WithCommandPrefix(prefix string) Option {
	return func(o *options) { o.prefix = prefix }
}

// WithCommand registers a custom command. Registering a built-in name
// overrides the built-in.
func WithCommand(name string, cmd Command) Option {
	return func(o *options) {
		if o.commands == nil {
			o.commands = make(map[string]Command)
		}
		o.commands[strings.ToLower(name)] = cmd
	}
}

// WithDisabledCommands removes built-in commands by name.
func WithDisabledCommands(names ...string) Option {
	return func(o *options) {
		if o.disabled == nil {
			o.disabled = make(map[string]bool)
		}
		for _, n := range names {
			o.disabled[strings.ToLower(n)] = true
		}
	}
}

// New creates a Dispatcher bound to a transport and handler set.
func New(transport Transport, handlers Handlers, opts ...Option) *Dispatcher {
	o := options{
		grantDuration: approval.DefaultDuration,
		flushDelay:    batch.DefaultFlushDelay,
		prefix:        "!",
	}
	for _, opt := range opts {
		opt(&o)
	}

	statePath := o.stateFile
	if statePath == "" {
		dir := o.dataDir
		if dir == "" {
			dir = "."
		}
		statePath = filepath.Join(dir, "threads.json")
	}

	engineOpts := []approval.Option{approval.WithDuration(o.grantDuration)}
	if o.neverApprove != nil {
		engineOpts = append(engineOpts, approval.WithNeverApprove(o.neverApprove))
	}

	d := &Dispatcher{
		transport: transport,
		handlers:  handlers,
		engine:    approval.NewEngine(engineOpts...),
		debouncer: debounce.NewDebouncer(o.errorDebounce),
		threads:   threadstate.NewStore(statePath),
		prefix:    o.prefix,
		grantDur:  o.grantDuration,
		commands:  make(map[string]Command),
		pending:   make(map[string]*Request),
		queues:    make(map[string]chan func()),
	}
	d.batcher = batch.NewBatcher(d.sendAutoApproveBatch, o.flushDelay)
	d.threads.Load()

	d.registerBuiltins(o.disabled)
	for name, cmd := range o.commands {
		d.commands[name] = cmd
	}
	return d
}

// Engine exposes the auto-approve engine for transports that resolve
// grants directly (button callbacks).
func (d *Dispatcher) Engine() *approval.Engine { return d.engine }

// Threads exposes the thread-name registry.
func (d *Dispatcher) Threads() *threadstate.Store { return d.threads }

func (d *Dispatcher) registerBuiltins(disabled map[string]bool) {
	builtins := map[string]Command{
		"help":   {Description: "Show available commands", Handler: d.builtinHelp},
		"status": {Description: "Show status", Handler: d.builtinStatus},
		"stop":   {Description: "Stop / interrupt the agent", Handler: d.builtinStop},
		"usage":  {Description: "Show token usage and cost", Handler: d.builtinUsage},
	}
	for name, cmd := range builtins {
		if !disabled[name] {
			d.commands[name] = cmd
		}
	}
}

// ---------------------------------------------------------------------------
// Threads
// ---------------------------------------------------------------------------

// CreateThread creates a platform thread, registers a unique display name
// for it, and associates a working directory for directory-scoped grants.
func (d *Dispatcher) CreateThread(ctx context.Context, name, directory string) (string, error) {
	display := d.threads.AllocateName(name)
	threadID, err := d.transport.CreateThread(ctx, display)
	if err != nil {
		return "", fmt.Errorf("create thread %q: %w", display, err)
	}
	d.threads.Register(threadID, display)
	if directory != "" {
		d.engine.AssociateDirectory(threadID, directory)
	}
	slog.Info("Thread created", "name", display, "thread_id", threadID)
	return threadID, nil
}

// RemoveThread purges every component's state for a thread. Pending
// requests are dropped, grants cleared, queued notifications discarded.
func (d *Dispatcher) RemoveThread(threadID string) {
	d.mu.Lock()
	delete(d.pending, threadID)
	if q, ok := d.queues[threadID]; ok {
		close(q)
		delete(d.queues, threadID)
	}
	d.mu.Unlock()

	d.engine.RemoveThread(threadID)
	d.batcher.RemoveThread(threadID)
	d.debouncer.RemoveThread(threadID)
	d.threads.Unregister(threadID)
	slog.Info("Thread removed", "thread_id", threadID)
}

// Close stops all per-thread workers. In-flight messages finish first.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for id, q := range d.queues {
		close(q)
		delete(d.queues, id)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

// ---------------------------------------------------------------------------
// Output
// ---------------------------------------------------------------------------

// SendOutput sends agent output text to a thread.
func (d *Dispatcher) SendOutput(ctx context.Context, threadID, text string) {
	d.send(ctx, threadID, text)
}

// SendStatus sends a status notification. Error statuses respect the
// debounce gate.
func (d *Dispatcher) SendStatus(ctx context.Context, threadID, status string) {
	if status == "error" && !d.debouncer.ShouldSend(threadID) {
		return
	}
	emoji, ok := statusEmoji[status]
	if !ok {
		emoji = "ℹ️"
	}
	d.send(ctx, threadID, fmt.Sprintf("%s Status: %s", emoji, status))
}

// StartTyping shows a typing indicator where the platform supports one.
func (d *Dispatcher) StartTyping(ctx context.Context, threadID string) {
	if err := d.transport.StartTyping(ctx, threadID); err != nil {
		slog.Debug("Typing start failed", "thread_id", threadID, "error", err)
	}
}

// StopTyping stops the typing indicator.
func (d *Dispatcher) StopTyping(ctx context.Context, threadID string) {
	if err := d.transport.StopTyping(ctx, threadID); err != nil {
		slog.Debug("Typing stop failed", "thread_id", threadID, "error", err)
	}
}

// ---------------------------------------------------------------------------
// Approvals
// ---------------------------------------------------------------------------

// SendApprovalRequest opens a permission request for a tool invocation.
// If a live grant covers the tool the request is resolved immediately and
// only a batched notification reaches the thread; otherwise it becomes the
// thread's pending request and is rendered to the human.
func (d *Dispatcher) SendApprovalRequest(ctx context.Context, threadID, requestID, toolName, description string) {
	req := &Request{
		Kind:        Permission,
		RequestID:   requestID,
		Title:       toolName,
		Description: description,
		Options:     []string{"Allow", "Deny"},
	}

	if reason, ok := d.engine.Check(threadID, toolName); ok {
		d.autoApprove(ctx, threadID, req, reason)
		return
	}

	d.StopTyping(ctx, threadID)
	d.mu.Lock()
	d.pending[threadID] = req
	d.mu.Unlock()

	formatted := format.FormatToolInput(description, format.Options{})
	if err := d.transport.SendApproval(ctx, threadID, req, formatted); err != nil {
		slog.Error("Failed to render approval request", "thread_id", threadID, "request_id", requestID, "error", err)
	}
}

// SendChoiceRequest opens a multi-option question. Choices are never
// auto-approved.
func (d *Dispatcher) SendChoiceRequest(ctx context.Context, threadID, requestID, title, description string, opts []string) {
	req := &Request{
		Kind:        Choice,
		RequestID:   requestID,
		Title:       title,
		Description: description,
		Options:     opts,
	}
	d.StopTyping(ctx, threadID)
	d.mu.Lock()
	d.pending[threadID] = req
	d.mu.Unlock()

	if err := d.transport.SendChoice(ctx, threadID, req); err != nil {
		slog.Error("Failed to render choice request", "thread_id", threadID, "request_id", requestID, "error", err)
	}
}

// Pending returns the thread's outstanding request, if any.
func (d *Dispatcher) Pending(threadID string) (*Request, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	req, ok := d.pending[threadID]
	return req, ok
}

// ResolveApproval applies an approval decision to the thread's pending
// permission request. Transports call this directly for button clicks;
// free-text replies arrive here through DispatchMessage. timer grants are
// written before the pending request is cleared, and the supervisor
// callback fires even when the confirmation send fails.
func (d *Dispatcher) ResolveApproval(ctx context.Context, threadID string, resp approval.Response, username string) {
	d.mu.Lock()
	req, ok := d.pending[threadID]
	if !ok || req.Kind != Permission {
		d.mu.Unlock()
		return
	}
	delete(d.pending, threadID)
	d.mu.Unlock()

	d.resolveApproval(ctx, threadID, req, resp, username)
}

func (d *Dispatcher) resolveApproval(ctx context.Context, threadID string, req *Request, resp approval.Response, username string) {
	if resp.Allow {
		switch resp.Timer {
		case "":
		case approval.TimerAll:
			d.engine.SetAllowAll(threadID)
		case approval.TimerDir:
			if dir, ok := d.engine.Directory(threadID); ok {
				d.engine.SetAllowDirectory(dir)
			} else {
				d.engine.SetAllowAll(threadID)
			}
		default:
			d.engine.SetAllowTool(threadID, resp.Timer)
		}
	}

	if d.handlers.OnApproval != nil {
		if err := d.handlers.OnApproval(ctx, threadID, req.RequestID, resp.Allow, resp.Reason, resp.Timer); err != nil {
			slog.Error("Approval handler failed", "thread_id", threadID, "request_id", req.RequestID, "error", err)
		}
	}

	d.send(ctx, threadID, d.confirmationText(resp, username))
}

func (d *Dispatcher) confirmationText(resp approval.Response, username string) string {
	var msg string
	if resp.Allow {
		switch resp.Timer {
		case "":
			msg = "✅ Approved"
		case approval.TimerAll:
			msg = fmt.Sprintf("✅ Allow All (%s)", shortDuration(d.grantDur))
		case approval.TimerDir:
			msg = fmt.Sprintf("✅ Allow dir (%s)", shortDuration(d.grantDur))
		default:
			msg = fmt.Sprintf("✅ Allow %s (%s)", resp.Timer, shortDuration(d.grantDur))
		}
	} else {
		msg = "❌ Denied"
		if resp.Reason != "" {
			msg = "❌ Denied: " + resp.Reason
		}
	}
	if username != "" {
		msg += " by " + username
	}
	return msg
}

func (d *Dispatcher) autoApprove(ctx context.Context, threadID string, req *Request, reason string) {
	if d.handlers.OnApproval != nil {
		if err := d.handlers.OnApproval(ctx, threadID, req.RequestID, true, reason, ""); err != nil {
			slog.Error("Approval handler failed", "thread_id", threadID, "request_id", req.RequestID, "error", err)
		}
	}
	d.batcher.Add(threadID, req.Title, reason)
}

func (d *Dispatcher) sendAutoApproveBatch(threadID string, items []batch.Item) {
	var text string
	if len(items) == 1 {
		text = fmt.Sprintf("✅ %s — auto-approved (%s)", items[0].Tool, items[0].Reason)
	} else {
		lines := []string{fmt.Sprintf("✅ Auto-approved %d tools:", len(items))}
		for _, it := range items {
			lines = append(lines, "  • "+it.Tool)
		}
		lines = append(lines, "("+items[0].Reason+")")
		text = strings.Join(lines, "\n")
	}
	d.send(context.Background(), threadID, text)
}

// ---------------------------------------------------------------------------
// Inbound dispatch
// ---------------------------------------------------------------------------

// DispatchMessage routes an inbound human message. Messages for the same
// thread are handled in arrival order on a per-thread queue; threads never
// block each other. Blank messages are dropped.
func (d *Dispatcher) DispatchMessage(threadID, text, username string) {
	stripped := strings.TrimSpace(text)
	if stripped == "" {
		return
	}
	d.enqueue(threadID, func() {
		d.handleMessage(context.Background(), threadID, stripped, username)
	})
}

func (d *Dispatcher) enqueue(threadID string, task func()) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	q, ok := d.queues[threadID]
	if !ok {
		q = make(chan func(), 128)
		d.queues[threadID] = q
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for fn := range q {
				fn()
			}
		}()
	}
	d.mu.Unlock()

	select {
	case q <- task:
	default:
		slog.Warn("Thread queue full, dropping message", "thread_id", threadID)
	}
}

func (d *Dispatcher) handleMessage(ctx context.Context, threadID, text, username string) {
	d.mu.Lock()
	pending := d.pending[threadID]
	d.mu.Unlock()

	// 1. Pending choice reply. A matching reply consumes the message even
	// if it also looks like a command.
	if pending != nil && pending.Kind == Choice {
		if selected, ok := approval.MatchChoiceText(text, pending.Options); ok {
			d.mu.Lock()
			delete(d.pending, threadID)
			d.mu.Unlock()
			if d.handlers.OnApproval != nil {
				if err := d.handlers.OnApproval(ctx, threadID, pending.RequestID, true, selected, ""); err != nil {
					slog.Error("Approval handler failed", "thread_id", threadID, "request_id", pending.RequestID, "error", err)
				}
			}
			d.send(ctx, threadID, "✅ Selected: "+selected)
			return
		}
	}

	// 2. Pending permission reply.
	if pending != nil && pending.Kind == Permission {
		if resp, ok := approval.ParseApprovalText(text); ok {
			d.mu.Lock()
			delete(d.pending, threadID)
			d.mu.Unlock()
			d.resolveApproval(ctx, threadID, pending, resp, username)
			return
		}
	}

	// 3. Commands.
	if strings.HasPrefix(text, d.prefix) {
		d.dispatchCommand(ctx, threadID, text, username)
		return
	}

	// 4. Plain input.
	if d.handlers.OnInput != nil {
		if err := d.handlers.OnInput(ctx, threadID, text, username); err != nil {
			slog.Error("Input handler failed", "thread_id", threadID, "error", err)
		}
	}
}

func (d *Dispatcher) dispatchCommand(ctx context.Context, threadID, text, username string) {
	withoutPrefix := strings.TrimSpace(strings.TrimPrefix(text, d.prefix))
	if withoutPrefix == "" {
		return
	}
	name := withoutPrefix
	args := ""
	if i := strings.IndexFunc(withoutPrefix, func(r rune) bool { return r == ' ' || r == '\t' || r == '\n' }); i >= 0 {
		name, args = withoutPrefix[:i], strings.TrimSpace(withoutPrefix[i+1:])
	}
	name = strings.ToLower(name)

	if cmd, ok := d.commands[name]; ok {
		reply, err := d.runCommand(ctx, cmd, threadID, args)
		if err != nil {
			slog.Error("Command failed", "command", name, "thread_id", threadID, "error", err)
			d.send(ctx, threadID, "Command failed: "+name)
			return
		}
		if reply != "" {
			d.send(ctx, threadID, reply)
		}
		return
	}

	if d.handlers.OnCommand != nil {
		reply, err := d.handlers.OnCommand(ctx, threadID, name, args)
		if err != nil {
			slog.Error("Command handler failed", "command", name, "thread_id", threadID, "error", err)
			return
		}
		if reply != "" {
			d.send(ctx, threadID, reply)
		}
		return
	}

	d.send(ctx, threadID, fmt.Sprintf("Unknown command: %s%s\nUse %shelp for available commands.", d.prefix, name, d.prefix))
}

// runCommand isolates handler panics so a faulty command cannot take down
// the per-thread worker.
func (d *Dispatcher) runCommand(ctx context.Context, cmd Command, threadID, args string) (reply string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return cmd.Handler(ctx, threadID, args)
}

// ---------------------------------------------------------------------------
// Built-in commands
// ---------------------------------------------------------------------------

func (d *Dispatcher) builtinHelp(ctx context.Context, threadID, args string) (string, error) {
	names := make([]string, 0, len(d.commands))
	for name := range d.commands {
		names = append(names, name)
	}
	sort.Strings(names)

	lines := []string{"Available commands:", ""}
	for _, name := range names {
		lines = append(lines, fmt.Sprintf("  %s%s — %s", d.prefix, name, d.commands[name].Description))
	}
	lines = append(lines, "", "Send a text message in a thread to forward it as input.")
	return strings.Join(lines, "\n"), nil
}

func (d *Dispatcher) builtinStatus(ctx context.Context, threadID, args string) (string, error) {
	if d.handlers.OnStatus == nil {
		return "", nil
	}
	return d.handlers.OnStatus(ctx)
}

func (d *Dispatcher) builtinStop(ctx context.Context, threadID, args string) (string, error) {
	if d.handlers.OnStop == nil {
		return "", nil
	}
	return d.handlers.OnStop(ctx, threadID)
}

func (d *Dispatcher) builtinUsage(ctx context.Context, threadID, args string) (string, error) {
	if d.handlers.OnUsage == nil {
		return "", nil
	}
	return d.handlers.OnUsage(ctx, threadID)
}

// ---------------------------------------------------------------------------

func (d *Dispatcher) send(ctx context.Context, threadID, text string) {
	if err := d.transport.SendText(ctx, threadID, text); err != nil {
		slog.Error("Failed to send message", "thread_id", threadID, "error", err)
	}
}

func shortDuration(d time.Duration) string {
	s := d.String()
	s = strings.TrimSuffix(s, "0s")
	s = strings.TrimSuffix(s, "0m")
	if s == "" {
		s = "0s"
	}
	return s
}

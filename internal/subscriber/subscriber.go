// Package subscriber routes agent events from an event source to the
// bridge dispatcher, one ordered queue per thread.
package subscriber

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/AgentTether/AgentTether/internal/events"
)

// Bridge is the subset of dispatcher methods the subscriber drives.
type Bridge interface {
	SendOutput(ctx context.Context, threadID, text string)
	SendStatus(ctx context.Context, threadID, status string)
	StartTyping(ctx context.Context, threadID string)
	StopTyping(ctx context.Context, threadID string)
	SendApprovalRequest(ctx context.Context, threadID, requestID, toolName, description string)
	SendChoiceRequest(ctx context.Context, threadID, requestID, title, description string, options []string)
}

// Subscriber consumes agent events and dispatches them to a bridge.
// Events for the same thread are handled in order; threads are
// independent.
type Subscriber struct {
	bridge Bridge

	mu     sync.Mutex
	queues map[string]chan events.Event
	wg     sync.WaitGroup
	closed bool
}

// New creates a subscriber bound to a bridge.
func New(bridge Bridge) *Subscriber {
	return &Subscriber{
		bridge: bridge,
		queues: make(map[string]chan events.Event),
	}
}

// Run consumes a source until its events channel closes or the context
// is cancelled, fanning events out to per-thread queues.
func (s *Subscriber) Run(ctx context.Context, src events.Source) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-src.Events():
			if !ok {
				return
			}
			s.Push(ctx, ev.ThreadID, ev.Event)
		}
	}
}

// Push enqueues one event for a thread, starting that thread's consumer
// on first use.
func (s *Subscriber) Push(ctx context.Context, threadID string, ev events.Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	q, ok := s.queues[threadID]
	if !ok {
		q = make(chan events.Event, 100)
		s.queues[threadID] = q
		s.wg.Add(1)
		go s.consume(ctx, threadID, q)
		slog.Info("Subscriber started for thread", "thread_id", threadID)
	}
	s.mu.Unlock()

	select {
	case q <- ev:
	default:
		slog.Warn("Subscriber queue full, dropping event", "thread_id", threadID, "type", ev.Type)
	}
}

// Unsubscribe stops the consumer for a thread and discards queued events.
func (s *Subscriber) Unsubscribe(threadID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q, ok := s.queues[threadID]; ok {
		close(q)
		delete(s.queues, threadID)
		slog.Info("Subscriber stopped for thread", "thread_id", threadID)
	}
}

// Close stops every thread consumer. Queued events are processed first.
func (s *Subscriber) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for id, q := range s.queues {
		close(q)
		delete(s.queues, id)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Subscriber) consume(ctx context.Context, threadID string, q chan events.Event) {
	defer s.wg.Done()
	for ev := range q {
		// History replays from SSE-style sources carry no new information.
		if ev.Bool("is_history") {
			continue
		}
		s.dispatch(ctx, threadID, ev)
	}
}

func (s *Subscriber) dispatch(ctx context.Context, threadID string, ev events.Event) {
	switch ev.Type {
	case "output":
		if ev.Bool("final") {
			if text := ev.String("text"); text != "" {
				s.bridge.SendOutput(ctx, threadID, text)
			}
		}

	case "permission_request":
		s.dispatchPermission(ctx, threadID, ev)

	case "state", "session_state":
		switch strings.ToUpper(ev.String("state")) {
		case "RUNNING":
			s.bridge.StartTyping(ctx, threadID)
		case "AWAITING_INPUT":
			s.bridge.StopTyping(ctx, threadID)
		case "ERROR":
			s.bridge.StopTyping(ctx, threadID)
			s.bridge.SendStatus(ctx, threadID, "error")
		}

	case "error":
		s.bridge.SendStatus(ctx, threadID, "error")

	default:
		slog.Debug("Subscriber: unhandled event type", "thread_id", threadID, "type", ev.Type)
	}
}

func (s *Subscriber) dispatchPermission(ctx context.Context, threadID string, ev events.Event) {
	requestID := ev.String("request_id")
	toolName := ev.String("tool_name")
	if toolName == "" {
		toolName = "Permission request"
	}

	toolInput, _ := ev.Data["tool_input"].(map[string]any)

	// AskUserQuestion tool calls are multi-choice questions, rendered as
	// choice requests instead of allow/deny prompts.
	if strings.HasPrefix(toolName, "AskUserQuestion") && toolInput != nil {
		if title, description, labels, ok := parseQuestion(toolInput); ok {
			s.bridge.SendChoiceRequest(ctx, threadID, requestID, title, description, labels)
			return
		}
	}

	var description string
	if toolInput != nil {
		data, err := json.Marshal(toolInput)
		if err != nil {
			description = fmt.Sprint(ev.Data["tool_input"])
		} else {
			description = string(data)
		}
	} else {
		description = fmt.Sprint(ev.Data["tool_input"])
	}
	s.bridge.SendApprovalRequest(ctx, threadID, requestID, toolName, description)
}

// parseQuestion extracts the first question of an AskUserQuestion tool
// input: {"questions": [{"header", "question", "options": [{"label",
// "description"}]}]}.
func parseQuestion(toolInput map[string]any) (title, description string, labels []string, ok bool) {
	questions, _ := toolInput["questions"].([]any)
	if len(questions) == 0 {
		return "", "", nil, false
	}
	q, _ := questions[0].(map[string]any)
	if q == nil {
		return "", "", nil, false
	}

	title, _ = q["header"].(string)
	if title == "" {
		title = "Question"
	}
	question, _ := q["question"].(string)

	var lines []string
	if strings.TrimSpace(question) != "" {
		lines = append(lines, strings.TrimSpace(question))
	}
	options, _ := q["options"].([]any)
	for i, raw := range options {
		opt, _ := raw.(map[string]any)
		if opt == nil {
			continue
		}
		label, _ := opt["label"].(string)
		label = strings.TrimSpace(label)
		if label == "" {
			continue
		}
		labels = append(labels, label)
		desc, _ := opt["description"].(string)
		if desc = strings.TrimSpace(desc); desc != "" {
			lines = append(lines, fmt.Sprintf("%d. %s - %s", i+1, label, desc))
		} else {
			lines = append(lines, fmt.Sprintf("%d. %s", i+1, label))
		}
	}
	return title, strings.TrimSpace(strings.Join(lines, "\n")), labels, true
}

// Package events defines the agent event model and the sources that
// deliver events into the gateway.
package events

import "context"

// Event is one agent event. Type is one of "output",
// "permission_request", "state", or "error"; Data carries the
// type-specific payload.
type Event struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

// ThreadEvent is an Event addressed to a chat thread.
type ThreadEvent struct {
	ThreadID string
	Event    Event
}

// Source delivers thread events from an external system.
type Source interface {
	// Start begins consuming. Non-blocking.
	Start(ctx context.Context) error
	// Events returns the channel of consumed events.
	Events() <-chan ThreadEvent
	// Close stops the source and closes the events channel.
	Close() error
}

// String returns the string value under key, or "" when absent.
func (e Event) String(key string) string {
	s, _ := e.Data[key].(string)
	return s
}

// Bool returns the boolean value under key, false when absent.
func (e Event) Bool(key string) bool {
	b, _ := e.Data[key].(bool)
	return b
}

// Package channels implements the chat platform transports. Each channel
// satisfies bridge.Transport for outbound traffic and feeds inbound
// messages and button clicks into the dispatcher.
package channels

import (
	"context"
	"strings"
)

// Channel is a running chat platform listener.
type Channel interface {
	// Name returns the channel name (e.g. "telegram").
	Name() string
	// Start starts the channel listener.
	Start(ctx context.Context) error
	// Stop stops the channel listener.
	Stop() error
}

// allowedSender reports whether sender matches the allowlist. An empty
// allowlist denies everyone; pairing handles that case separately.
func allowedSender(allowFrom []string, sender string) bool {
	sender = strings.TrimSpace(sender)
	if sender == "" {
		return false
	}
	for _, a := range allowFrom {
		if strings.EqualFold(strings.TrimSpace(a), sender) {
			return true
		}
	}
	return false
}

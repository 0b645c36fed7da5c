// Package channels connects external messaging platforms to the agent
// runtime. Adapters publish inbound messages on the bus; the manager
// gates them by policy, answers slash commands locally, and splits
// outbound replies to each platform's length limit.
package channels

import (
	"context"

	"github.com/quantumclaw/quantumclaw/internal/bus"
)

// internalChannels never receive outbound dispatch.
var internalChannels = map[string]bool{
	"cli":       true,
	"system":    true,
	"dashboard": true,
	"heartbeat": true,
}

// IsInternal reports whether a channel name is an internal surface.
func IsInternal(name string) bool { return internalChannels[name] }

// Adapter is one platform connection.
type Adapter interface {
	// Name is the channel identifier ("telegram", "discord", ...).
	Name() string

	// Start begins listening. Non-blocking after setup.
	Start(ctx context.Context) error

	// Stop shuts the adapter down.
	Stop(ctx context.Context) error

	// Send delivers one outbound message.
	Send(ctx context.Context, msg bus.OutboundMessage) error

	// Running reports whether the adapter is processing messages.
	Running() bool

	// MaxMessageLen is the platform's outbound length limit in display
	// cells. Zero means unlimited.
	MaxMessageLen() int
}

// TypingAdapter is implemented by platforms with a typing indicator.
type TypingAdapter interface {
	Adapter
	SendTyping(ctx context.Context, chatID string) error
}

// Package channels defines the transport abstraction between chat platforms
// and the run scheduler, plus the manager that fans messages in and replies
// out. Platform adapters live in subpackages (whatsapp, telegram, discord).
package channels

import (
	"context"
	"errors"

	"github.com/jholhewres/relayclaw/pkg/relayclaw/agent"
)

// ErrNotConnected is returned by Send when the adapter has no live
// connection to its platform.
var ErrNotConnected = errors.New("channel not connected")

// IncomingMessage is one inbound chat message, already reduced to text.
type IncomingMessage struct {
	// Channel is the adapter name ("whatsapp", "telegram", "discord").
	Channel string

	// ChatID is the platform-native chat or group identifier.
	ChatID string

	// Thread is the sub-thread identifier, when the platform has threads.
	Thread string

	// SenderID identifies the author within the chat.
	SenderID string

	// SenderName is the display name, for batching prefixes and logs.
	SenderName string

	// Text is the message content. Media captions arrive here too.
	Text string

	// IsGroup reports whether ChatID is a group chat.
	IsGroup bool

	// Mentioned reports whether the bot was explicitly addressed.
	Mentioned bool
}

// OutgoingMessage is one reply for delivery.
type OutgoingMessage struct {
	ChatID    string
	Thread    string
	Text      string
	MediaURLs []string

	// IsError marks recovery-policy messages; adapters may style them.
	IsError bool
}

// Channel is one connected chat platform.
type Channel interface {
	// Name returns the adapter name used in session keys.
	Name() string

	// Start connects and begins delivering inbound messages to handler.
	// Blocks until the connection is established or fails.
	Start(ctx context.Context, handler func(IncomingMessage)) error

	// Send delivers one outgoing message.
	Send(ctx context.Context, msg OutgoingMessage) error

	// Stop disconnects.
	Stop(ctx context.Context) error
}

// PresenceChannel is implemented by adapters that can show a typing
// indicator. Adapters without presence just don't implement it.
type PresenceChannel interface {
	Channel

	// SetTyping applies one typing action to a chat.
	SetTyping(ctx context.Context, chatID string, action agent.TypingAction) error
}

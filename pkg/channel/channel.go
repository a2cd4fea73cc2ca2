// Package channel defines the interface for communication channels.
// Channels are how pibot talks to the world: Telegram, Matrix, etc.
package channel

import (
	"context"
	"strings"
)

// Message represents an incoming event from any channel: either a command
// (Command set) or a menu button press (Callback set).
type Message struct {
	// Source identifies the channel (e.g., "telegram", "matrix")
	Source string

	// SenderID is the channel-specific sender identifier
	SenderID string

	// ChatID is the channel-specific room/conversation identifier
	ChatID string

	// Content is the raw message text
	Content string

	// Command is the command name without the transport's marker ("/").
	// Empty for plain text and callbacks.
	Command string

	// Args is everything after the command name, whitespace-trimmed.
	Args string

	// Callback is the token carried by a pressed menu button.
	Callback string

	// Timestamp is the message timestamp in milliseconds
	Timestamp int64
}

// IsCallback reports whether the message is a menu button press.
func (m Message) IsCallback() bool { return m.Callback != "" }

// Button is one choice of an inline menu.
type Button struct {
	Label string
	Data  string
}

// Response represents an outgoing message to a channel.
type Response struct {
	// Content is the text to send
	Content string

	// ChatID is the target room/conversation
	ChatID string

	// Buttons is an optional single row of inline choices.
	Buttons []Button
}

// Channel is the interface for a communication channel.
type Channel interface {
	// Name returns the channel identifier (e.g., "telegram").
	Name() string

	// Start begins listening for messages. Blocks until ctx is cancelled.
	// Received messages are sent to the handler function.
	Start(ctx context.Context, handler MessageHandler) error

	// Send sends a response to a specific chat on this channel.
	// Implementations must be safe for concurrent use.
	Send(ctx context.Context, resp Response) error

	// Stop gracefully shuts down the channel.
	Stop() error
}

// MessageHandler is called when a message is received from any channel.
type MessageHandler func(ctx context.Context, msg Message) error

// ParseCommand splits "/name[@bot] args..." into its name and argument text.
// ok is false when text does not start with the "/" marker.
func ParseCommand(text string) (name, args string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") || len(text) < 2 {
		return "", "", false
	}
	head, rest, _ := strings.Cut(text[1:], " ")
	if i := strings.IndexAny(head, "\n\t"); i >= 0 {
		rest = head[i:] + " " + rest
		head = head[:i]
	}
	if at := strings.IndexByte(head, '@'); at >= 0 {
		head = head[:at]
	}
	if head == "" {
		return "", "", false
	}
	return head, strings.TrimSpace(rest), true
}

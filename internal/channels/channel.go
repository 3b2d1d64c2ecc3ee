// Package channels provides the channel abstraction layer for chat platforms.
// Channels connect external platforms (Discord, Telegram) to the relay: inbound
// messages go onto the message bus, outbound replies go through the Messenger
// operations on opaque message references.
package channels

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"unicode/utf8"

	"github.com/pauline2k/weave-bot-orb/internal/bus"
	"github.com/pauline2k/weave-bot-orb/internal/store"
)

var (
	// ErrMessageNotFound means the target message no longer exists (deleted by a user or moderator).
	ErrMessageNotFound = errors.New("chat message not found")
	// ErrForbidden means the bot lacks permission for the operation.
	ErrForbidden = errors.New("chat operation forbidden")
	// ErrUnknownChannel means no registered channel handles the reference's platform.
	ErrUnknownChannel = errors.New("no channel for platform")
)

// Messenger is the chat surface the relay writes to. References are opaque
// store.MessageRef values produced by the same platform.
type Messenger interface {
	// Post sends text as a reply to replyTo and returns the new message's reference.
	Post(ctx context.Context, replyTo store.MessageRef, text string) (store.MessageRef, error)
	// Edit replaces the text of ref. Returns ErrMessageNotFound when ref is gone.
	Edit(ctx context.Context, ref store.MessageRef, text string) error
	// Delete removes ref. Deleting a missing message is not an error.
	Delete(ctx context.Context, ref store.MessageRef) error
}

// Channel defines the interface that all channel implementations must satisfy.
type Channel interface {
	Messenger

	// Name returns the channel identifier ("discord", "telegram"). It doubles as
	// the Platform of every MessageRef the channel produces.
	Name() string

	// Start begins listening for messages. Should be non-blocking after setup.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the channel.
	Stop(ctx context.Context) error

	// IsRunning returns whether the channel is actively processing messages.
	IsRunning() bool

	// IsAllowed checks if a sender is permitted by the channel's allowlist.
	IsAllowed(senderID string) bool

	// UpdateAllowLists swaps both allow-lists at runtime (config reload).
	UpdateAllowLists(chats, senders []string)

	// MaxMessageLength is the platform's per-message text limit in characters.
	MaxMessageLength() int
}

// BaseChannel provides shared functionality for all channel implementations.
// Channel implementations should embed this struct.
type BaseChannel struct {
	name    string
	bus     bus.InboundRouter
	running atomic.Bool

	mu        sync.RWMutex
	chatAllow map[string]bool // chats (Discord channels, Telegram chats) the relay watches
	allowList []string        // senders; empty = everyone in an allowed chat
}

// NewBaseChannel creates a new BaseChannel with the given parameters.
func NewBaseChannel(name string, msgBus bus.InboundRouter, chats, senders []string) *BaseChannel {
	c := &BaseChannel{name: name, bus: msgBus}
	c.UpdateAllowLists(chats, senders)
	return c
}

// Name returns the channel name.
func (c *BaseChannel) Name() string { return c.name }

// IsRunning returns whether the channel is running.
func (c *BaseChannel) IsRunning() bool { return c.running.Load() }

// SetRunning updates the running state.
func (c *BaseChannel) SetRunning(running bool) { c.running.Store(running) }

// Bus returns the message bus reference.
func (c *BaseChannel) Bus() bus.InboundRouter { return c.bus }

// UpdateAllowLists replaces the chat and sender allow-lists.
func (c *BaseChannel) UpdateAllowLists(chats, senders []string) {
	chatSet := make(map[string]bool, len(chats))
	for _, id := range chats {
		if id = strings.TrimSpace(id); id != "" {
			chatSet[id] = true
		}
	}
	c.mu.Lock()
	c.chatAllow = chatSet
	c.allowList = append([]string(nil), senders...)
	c.mu.Unlock()
}

// IsChatAllowed reports whether chatID is on the chat allow-list.
// An empty list allows nothing: the relay only watches chats it was told about.
func (c *BaseChannel) IsChatAllowed(chatID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.chatAllow[chatID]
}

// HasAllowList returns true if a sender allowlist is configured (non-empty).
func (c *BaseChannel) HasAllowList() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.allowList) > 0
}

// IsAllowed checks if a sender is permitted by the allowlist.
// Supports compound senderID format: "123456|username".
// Empty allowlist means all senders are allowed.
func (c *BaseChannel) IsAllowed(senderID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.allowList) == 0 {
		return true
	}

	idPart, userPart := senderID, ""
	if idx := strings.Index(senderID, "|"); idx > 0 {
		idPart = senderID[:idx]
		userPart = senderID[idx+1:]
	}

	for _, allowed := range c.allowList {
		trimmed := strings.TrimPrefix(allowed, "@")
		if senderID == allowed || idPart == allowed || idPart == trimmed ||
			(userPart != "" && (userPart == allowed || userPart == trimmed)) {
			return true
		}
	}
	return false
}

// HandleMessage publishes msg to the bus when both allow-lists accept it.
// It reports whether the message was forwarded.
func (c *BaseChannel) HandleMessage(msg bus.InboundMessage) bool {
	if !c.IsChatAllowed(msg.ChatID) || !c.IsAllowed(msg.SenderID) {
		return false
	}
	msg.Channel = c.name
	c.bus.PublishInbound(msg)
	return true
}

// Truncate shortens s to at most maxLen characters, ending with "..." when cut.
// It never splits a UTF-8 sequence.
func Truncate(s string, maxLen int) string {
	if maxLen <= 0 || utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string([]rune(s)[:maxLen])
	}
	return string([]rune(s)[:maxLen-3]) + "..."
}

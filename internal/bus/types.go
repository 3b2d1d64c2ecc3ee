package bus

import (
	"context"
	"strings"
)

// InboundMessage represents a message received from a channel (Telegram, Discord, etc.)
// that already passed the channel's allow-lists.
type InboundMessage struct {
	Channel   string            `json:"channel"` // platform name, also the MessageRef platform
	SenderID  string            `json:"sender_id"`
	ChatID    string            `json:"chat_id"`
	MessageID string            `json:"message_id"`
	Content   string            `json:"content"`
	Media     []MediaAttachment `json:"media,omitempty"`
	PeerKind  string            `json:"peer_kind,omitempty"` // "direct" or "group"
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// MediaAttachment describes a file attached to an inbound message.
type MediaAttachment struct {
	URL         string `json:"url"`
	ContentType string `json:"content_type,omitempty"` // MIME type (e.g. "image/jpeg")
	Filename    string `json:"filename,omitempty"`
	Size        int64  `json:"size,omitempty"` // bytes, 0 when unknown
}

// IsImage reports whether the attachment looks like a picture.
func (m MediaAttachment) IsImage() bool {
	return strings.HasPrefix(m.ContentType, "image/")
}

// Peer kinds.
const (
	PeerDirect = "direct"
	PeerGroup  = "group"
)

// MessageHandler handles an inbound message from a specific channel.
type MessageHandler func(InboundMessage) error

// InboundRouter abstracts the channel → relay hand-off.
type InboundRouter interface {
	PublishInbound(msg InboundMessage)
	ConsumeInbound(ctx context.Context) (InboundMessage, bool)
}

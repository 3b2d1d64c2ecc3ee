package bus

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// DefaultBufferSize is the inbound queue depth.
const DefaultBufferSize = 256

// MessageBus is a buffered in-process queue between channel adapters and the relay.
// PublishInbound never blocks the platform's event loop: when the queue is full the
// message is dropped and counted.
type MessageBus struct {
	inbound chan InboundMessage
	dropped atomic.Int64
}

// New creates a bus with the given queue depth (DefaultBufferSize when <= 0).
func New(size int) *MessageBus {
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &MessageBus{inbound: make(chan InboundMessage, size)}
}

// PublishInbound enqueues msg.
func (b *MessageBus) PublishInbound(msg InboundMessage) {
	select {
	case b.inbound <- msg:
	default:
		b.dropped.Add(1)
		slog.Warn("bus.inbound_dropped", "channel", msg.Channel, "chat_id", msg.ChatID, "message_id", msg.MessageID)
	}
}

// ConsumeInbound blocks until a message arrives or ctx is done.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case msg := <-b.inbound:
		return msg, true
	case <-ctx.Done():
		return InboundMessage{}, false
	}
}

// Dropped returns how many messages were discarded because the queue was full.
func (b *MessageBus) Dropped() int64 { return b.dropped.Load() }

// Len returns the number of queued messages.
func (b *MessageBus) Len() int { return len(b.inbound) }

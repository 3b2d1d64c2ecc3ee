package bus

import (
	"context"
	"testing"
	"time"
)

func TestMessageBus_PublishConsume(t *testing.T) {
	b := New(4)
	b.PublishInbound(InboundMessage{Channel: "discord", MessageID: "1"})
	b.PublishInbound(InboundMessage{Channel: "discord", MessageID: "2"})

	ctx := context.Background()
	for _, want := range []string{"1", "2"} {
		msg, ok := b.ConsumeInbound(ctx)
		if !ok {
			t.Fatalf("expected a message")
		}
		if msg.MessageID != want {
			t.Fatalf("expected FIFO order, got: %s want %s", msg.MessageID, want)
		}
	}
}

func TestMessageBus_DropsWhenFull(t *testing.T) {
	b := New(1)
	b.PublishInbound(InboundMessage{MessageID: "1"})
	b.PublishInbound(InboundMessage{MessageID: "2"})

	if b.Dropped() != 1 {
		t.Fatalf("expected 1 dropped, got: %d", b.Dropped())
	}
	if b.Len() != 1 {
		t.Fatalf("expected 1 queued, got: %d", b.Len())
	}
}

func TestMessageBus_ConsumeHonorsContext(t *testing.T) {
	b := New(1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, ok := b.ConsumeInbound(ctx); ok {
		t.Fatal("expected no message after context deadline")
	}
}

func TestMediaAttachment_IsImage(t *testing.T) {
	cases := map[string]bool{
		"image/png":       true,
		"image/jpeg":      true,
		"video/mp4":       false,
		"":                false,
		"application/pdf": false,
	}
	for ct, want := range cases {
		if got := (MediaAttachment{ContentType: ct}).IsImage(); got != want {
			t.Fatalf("IsImage(%q) = %v, want %v", ct, got, want)
		}
	}
}

package telegram

import (
	"context"
	"log/slog"
	"strconv"
	"strings"

	"github.com/mymmrac/telego"

	"github.com/pauline2k/weave-bot-orb/internal/bus"
	"github.com/pauline2k/weave-bot-orb/internal/channels"
)

// handleMessage processes an incoming Telegram message.
func (c *Channel) handleMessage(ctx context.Context, message *telego.Message) {
	msg, ok := c.inbound(message)
	if !ok {
		return
	}
	if !c.IsChatAllowed(msg.ChatID) || !c.IsAllowed(msg.SenderID) {
		slog.Debug("telegram message rejected by allowlist",
			"chat_id", msg.ChatID,
			"sender_id", msg.SenderID,
		)
		return
	}

	// Resolve only after the allow-list check: GetFile is a network call.
	if photo := largestPhoto(message); photo != nil {
		if att, err := c.resolvePhoto(ctx, photo); err != nil {
			slog.Warn("telegram photo lookup failed", "file_id", photo.FileID, "error", err)
		} else {
			msg.Media = append(msg.Media, att)
		}
	}

	slog.Debug("telegram message received",
		"chat_id", msg.ChatID,
		"sender_id", msg.SenderID,
		"message_id", msg.MessageID,
		"text_preview", channels.Truncate(msg.Content, 60),
	)
	c.HandleMessage(msg)
}

// inbound converts a Telegram message into a bus message. Bot senders and
// service messages are dropped.
func (c *Channel) inbound(message *telego.Message) (bus.InboundMessage, bool) {
	if message == nil || message.From == nil || message.From.IsBot {
		return bus.InboundMessage{}, false
	}
	content := message.Text
	if content == "" {
		content = message.Caption
	}
	if content == "" && len(message.Photo) == 0 {
		return bus.InboundMessage{}, false
	}

	user := message.From
	userID := strconv.FormatInt(user.ID, 10)
	senderID := userID
	if user.Username != "" {
		senderID = userID + "|" + user.Username
	}

	peerKind := bus.PeerGroup
	if message.Chat.Type == telego.ChatTypePrivate {
		peerKind = bus.PeerDirect
	}

	return bus.InboundMessage{
		Channel:   Name,
		SenderID:  senderID,
		ChatID:    strconv.FormatInt(message.Chat.ID, 10),
		MessageID: strconv.Itoa(message.MessageID),
		Content:   content,
		PeerKind:  peerKind,
		Metadata: map[string]string{
			"username":     user.Username,
			"display_name": displayName(user),
		},
	}, true
}

// largestPhoto returns the highest resolution size of a photo message.
func largestPhoto(message *telego.Message) *telego.PhotoSize {
	if len(message.Photo) == 0 {
		return nil
	}
	return &message.Photo[len(message.Photo)-1]
}

// resolvePhoto turns a photo file id into a downloadable attachment.
func (c *Channel) resolvePhoto(ctx context.Context, photo *telego.PhotoSize) (bus.MediaAttachment, error) {
	file, err := c.api.GetFile(ctx, &telego.GetFileParams{FileID: photo.FileID})
	if err != nil {
		return bus.MediaAttachment{}, err
	}
	name := file.FilePath
	if idx := strings.LastIndex(name, "/"); idx >= 0 {
		name = name[idx+1:]
	}
	return bus.MediaAttachment{
		URL:         c.api.FileDownloadURL(file.FilePath),
		ContentType: "image/jpeg",
		Filename:    name,
		Size:        int64(photo.FileSize),
	}, nil
}

func displayName(u *telego.User) string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		return u.Username
	}
	return name
}

package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"

	"github.com/pauline2k/weave-bot-orb/internal/bus"
	"github.com/pauline2k/weave-bot-orb/internal/channels"
	"github.com/pauline2k/weave-bot-orb/internal/config"
	"github.com/pauline2k/weave-bot-orb/internal/store"
)

// Name is the channel name and MessageRef platform for Discord.
const Name = "discord"

// MaxMessageLength is Discord's per-message content limit.
const MaxMessageLength = 2000

// Discord JSON error codes that map onto channel sentinels.
const (
	codeUnknownMessage = 10008
	codeUnknownChannel = 10003
	codeMissingAccess  = 50001
	codeMissingPerms   = 50013
)

// restAPI is the subset of *discordgo.Session the channel writes through.
type restAPI interface {
	ChannelMessageSendReply(channelID string, content string, reference *discordgo.MessageReference, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEdit(channelID, messageID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageDelete(channelID, messageID string, options ...discordgo.RequestOption) error
}

// Channel connects to Discord via the Bot API using gateway events.
type Channel struct {
	*channels.BaseChannel
	session   *discordgo.Session
	api       restAPI
	botUserID atomic.Value // string, set before the gateway delivers events
	guilds    map[string]string
}

// New creates a new Discord channel from config.
func New(cfg config.DiscordConfig, msgBus bus.InboundRouter) (*Channel, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("discord token is required")
	}
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}

	// Request necessary intents
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	return &Channel{
		BaseChannel: channels.NewBaseChannel(Name, msgBus, cfg.Channels, cfg.AllowFrom),
		session:     session,
		api:         session,
		guilds:      make(map[string]string),
	}, nil
}

// MaxMessageLength implements channels.Channel.
func (c *Channel) MaxMessageLength() int { return MaxMessageLength }

// Start opens the Discord gateway connection and begins receiving events.
func (c *Channel) Start(_ context.Context) error {
	slog.Info("starting discord bot")

	// Identity comes over REST so own messages are recognised from the first event.
	user, err := c.session.User("@me")
	if err != nil {
		return fmt.Errorf("fetch discord bot identity: %w", err)
	}
	c.setBotUserID(user.ID)

	c.session.AddHandler(c.handleMessage)

	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}

	c.SetRunning(true)
	slog.Info("discord bot connected", "username", user.Username, "id", user.ID)
	return nil
}

// Stop closes the Discord gateway connection.
func (c *Channel) Stop(_ context.Context) error {
	slog.Info("stopping discord bot")
	c.SetRunning(false)
	return c.session.Close()
}

// Post replies to replyTo in the same Discord channel.
func (c *Channel) Post(_ context.Context, replyTo store.MessageRef, text string) (store.MessageRef, error) {
	ref := &discordgo.MessageReference{
		MessageID: replyTo.MessageID,
		ChannelID: replyTo.ChatID,
	}
	msg, err := c.api.ChannelMessageSendReply(replyTo.ChatID, text, ref)
	if err != nil {
		return store.MessageRef{}, fmt.Errorf("send discord message: %w", mapError(err))
	}
	return store.MessageRef{Platform: Name, ChatID: msg.ChannelID, MessageID: msg.ID}, nil
}

// Edit replaces the content of one of the bot's messages.
func (c *Channel) Edit(_ context.Context, ref store.MessageRef, text string) error {
	if _, err := c.api.ChannelMessageEdit(ref.ChatID, ref.MessageID, text); err != nil {
		return fmt.Errorf("edit discord message: %w", mapError(err))
	}
	return nil
}

// Delete removes one of the bot's messages. A message that is already gone is fine.
func (c *Channel) Delete(_ context.Context, ref store.MessageRef) error {
	err := c.api.ChannelMessageDelete(ref.ChatID, ref.MessageID)
	if err == nil {
		return nil
	}
	mapped := mapError(err)
	if errors.Is(mapped, channels.ErrMessageNotFound) {
		return nil
	}
	return fmt.Errorf("delete discord message: %w", mapped)
}

// mapError translates Discord REST failures into channel sentinels.
func mapError(err error) error {
	var rest *discordgo.RESTError
	if !errors.As(err, &rest) {
		return err
	}
	if rest.Message != nil {
		switch rest.Message.Code {
		case codeUnknownMessage, codeUnknownChannel:
			return fmt.Errorf("%w: %v", channels.ErrMessageNotFound, err)
		case codeMissingAccess, codeMissingPerms:
			return fmt.Errorf("%w: %v", channels.ErrForbidden, err)
		}
	}
	if rest.Response != nil {
		switch rest.Response.StatusCode {
		case http.StatusNotFound:
			return fmt.Errorf("%w: %v", channels.ErrMessageNotFound, err)
		case http.StatusForbidden:
			return fmt.Errorf("%w: %v", channels.ErrForbidden, err)
		}
	}
	return err
}

// handleMessage processes incoming Discord messages.
func (c *Channel) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	msg, ok := c.inbound(m)
	if !ok {
		return
	}
	if !c.HandleMessage(msg) {
		slog.Debug("discord message rejected by allowlist",
			"channel_id", m.ChannelID,
			"user_id", m.Author.ID,
		)
		return
	}
	slog.Debug("discord message received",
		"sender_id", msg.SenderID,
		"channel_id", msg.ChatID,
		"message_id", msg.MessageID,
		"preview", channels.Truncate(msg.Content, 50),
	)
}

func (c *Channel) setBotUserID(id string) { c.botUserID.Store(id) }

func (c *Channel) selfID() string {
	id, _ := c.botUserID.Load().(string)
	return id
}

// inbound converts a gateway event into a bus message. Bot traffic (our own and
// other bots') is dropped here.
func (c *Channel) inbound(m *discordgo.MessageCreate) (bus.InboundMessage, bool) {
	if m == nil || m.Message == nil || m.Author == nil {
		return bus.InboundMessage{}, false
	}
	if m.Author.Bot || m.Author.ID == c.selfID() {
		return bus.InboundMessage{}, false
	}

	peerKind := bus.PeerGroup
	if m.GuildID == "" {
		peerKind = bus.PeerDirect
	}

	media := make([]bus.MediaAttachment, 0, len(m.Attachments))
	for _, att := range m.Attachments {
		if att == nil {
			continue
		}
		media = append(media, bus.MediaAttachment{
			URL:         att.URL,
			ContentType: att.ContentType,
			Filename:    att.Filename,
			Size:        int64(att.Size),
		})
	}

	return bus.InboundMessage{
		Channel:   Name,
		SenderID:  m.Author.ID,
		ChatID:    m.ChannelID,
		MessageID: m.ID,
		Content:   m.Content,
		Media:     media,
		PeerKind:  peerKind,
		Metadata: map[string]string{
			"guild_id":     m.GuildID,
			"username":     m.Author.Username,
			"display_name": resolveDisplayName(m),
		},
	}, true
}

// resolveDisplayName returns the best available display name for a Discord message author.
// Priority: server nickname > global display name > username.
func resolveDisplayName(m *discordgo.MessageCreate) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}

package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mymmrac/telego"
	"github.com/mymmrac/telego/telegoapi"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/pauline2k/weave-bot-orb/internal/bus"
	"github.com/pauline2k/weave-bot-orb/internal/channels"
	"github.com/pauline2k/weave-bot-orb/internal/config"
	"github.com/pauline2k/weave-bot-orb/internal/store"
)

// Name is the channel name and MessageRef platform for Telegram.
const Name = "telegram"

// MaxMessageLength is the Bot API text limit.
const MaxMessageLength = 4096

// botAPI is the subset of *telego.Bot the channel calls after start.
type botAPI interface {
	SendMessage(ctx context.Context, params *telego.SendMessageParams) (*telego.Message, error)
	EditMessageText(ctx context.Context, params *telego.EditMessageTextParams) (*telego.Message, error)
	DeleteMessage(ctx context.Context, params *telego.DeleteMessageParams) error
	GetFile(ctx context.Context, params *telego.GetFileParams) (*telego.File, error)
	FileDownloadURL(filepath string) string
}

// Channel connects to Telegram via the Bot API using long polling.
type Channel struct {
	*channels.BaseChannel
	bot        *telego.Bot
	api        botAPI
	pollCancel context.CancelFunc // cancels the long polling context
	pollDone   chan struct{}      // closed when polling goroutine exits
}

// New creates a new Telegram channel from config.
func New(cfg config.TelegramConfig, msgBus bus.InboundRouter) (*Channel, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram token is required")
	}
	var opts []telego.BotOption

	if cfg.Proxy != "" {
		proxyURL, parseErr := url.Parse(cfg.Proxy)
		if parseErr != nil {
			return nil, fmt.Errorf("invalid proxy URL %q: %w", cfg.Proxy, parseErr)
		}
		opts = append(opts, telego.WithHTTPClient(&http.Client{
			Transport: &http.Transport{
				Proxy: http.ProxyURL(proxyURL),
			},
		}))
	}

	bot, err := telego.NewBot(cfg.Token, opts...)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	return &Channel{
		BaseChannel: channels.NewBaseChannel(Name, msgBus, cfg.Chats, cfg.AllowFrom),
		bot:         bot,
		api:         bot,
	}, nil
}

// MaxMessageLength implements channels.Channel.
func (c *Channel) MaxMessageLength() int { return MaxMessageLength }

// Start begins long polling for Telegram updates.
func (c *Channel) Start(ctx context.Context) error {
	slog.Info("starting telegram bot (polling mode)")

	// Stop() cancels this context to shut down long polling.
	pollCtx, cancel := context.WithCancel(ctx)
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})

	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	c.SetRunning(true)
	slog.Info("telegram bot connected", "username", c.bot.Username())

	go func() {
		defer close(c.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					slog.Info("telegram updates channel closed")
					return
				}
				if update.Message != nil {
					c.handleMessage(pollCtx, update.Message)
				} else {
					slog.Debug("telegram update skipped (no message)", "update_id", update.UpdateID)
				}
			}
		}
	}()

	return nil
}

// Stop shuts down the Telegram bot by cancelling the long polling context
// and waiting for the polling goroutine to exit.
func (c *Channel) Stop(_ context.Context) error {
	slog.Info("stopping telegram bot")
	c.SetRunning(false)

	if c.pollCancel != nil {
		c.pollCancel()
	}

	// Telegram holds the getUpdates lock until the poller exits.
	if c.pollDone != nil {
		select {
		case <-c.pollDone:
			slog.Info("telegram bot stopped")
		case <-time.After(10 * time.Second):
			slog.Warn("telegram polling goroutine did not exit within timeout")
		}
	}

	return nil
}

// Post sends text as a reply to replyTo.
func (c *Channel) Post(ctx context.Context, replyTo store.MessageRef, text string) (store.MessageRef, error) {
	chatID, err := parseChatID(replyTo.ChatID)
	if err != nil {
		return store.MessageRef{}, fmt.Errorf("invalid telegram chat id %q: %w", replyTo.ChatID, err)
	}
	params := tu.Message(tu.ID(chatID), text)
	if msgID, convErr := strconv.Atoi(replyTo.MessageID); convErr == nil {
		params = params.WithReplyParameters(&telego.ReplyParameters{
			MessageID:                msgID,
			AllowSendingWithoutReply: true,
		})
	}

	sent, err := c.api.SendMessage(ctx, params)
	if err != nil {
		return store.MessageRef{}, fmt.Errorf("send telegram message: %w", mapError(err))
	}
	return store.MessageRef{
		Platform:  Name,
		ChatID:    strconv.FormatInt(sent.Chat.ID, 10),
		MessageID: strconv.Itoa(sent.MessageID),
	}, nil
}

// Edit replaces the text of one of the bot's messages.
func (c *Channel) Edit(ctx context.Context, ref store.MessageRef, text string) error {
	chatID, msgID, err := parseRef(ref)
	if err != nil {
		return err
	}
	_, err = c.api.EditMessageText(ctx, &telego.EditMessageTextParams{
		ChatID:    tu.ID(chatID),
		MessageID: msgID,
		Text:      text,
	})
	if err != nil {
		mapped := mapError(err)
		if errors.Is(mapped, errNotModified) {
			return nil
		}
		return fmt.Errorf("edit telegram message: %w", mapped)
	}
	return nil
}

// Delete removes one of the bot's messages. A message that is already gone is fine.
func (c *Channel) Delete(ctx context.Context, ref store.MessageRef) error {
	chatID, msgID, err := parseRef(ref)
	if err != nil {
		return err
	}
	err = c.api.DeleteMessage(ctx, &telego.DeleteMessageParams{
		ChatID:    tu.ID(chatID),
		MessageID: msgID,
	})
	if err == nil {
		return nil
	}
	mapped := mapError(err)
	if errors.Is(mapped, channels.ErrMessageNotFound) {
		return nil
	}
	return fmt.Errorf("delete telegram message: %w", mapped)
}

// errNotModified is Telegram refusing an edit that would not change the text.
var errNotModified = errors.New("message is not modified")

// mapError translates Bot API failures into channel sentinels.
func mapError(err error) error {
	desc := err.Error()
	code := 0
	var apiErr *telegoapi.Error
	if errors.As(err, &apiErr) {
		desc = apiErr.Description
		code = apiErr.ErrorCode
	}
	lower := strings.ToLower(desc)
	switch {
	case strings.Contains(lower, "message is not modified"):
		return fmt.Errorf("%w: %v", errNotModified, err)
	case strings.Contains(lower, "message to edit not found"),
		strings.Contains(lower, "message to delete not found"),
		strings.Contains(lower, "message can't be deleted"),
		strings.Contains(lower, "chat not found"):
		return fmt.Errorf("%w: %v", channels.ErrMessageNotFound, err)
	case code == http.StatusForbidden,
		strings.Contains(lower, "forbidden"),
		strings.Contains(lower, "not enough rights"):
		return fmt.Errorf("%w: %v", channels.ErrForbidden, err)
	}
	return err
}

func parseRef(ref store.MessageRef) (int64, int, error) {
	chatID, err := parseChatID(ref.ChatID)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid telegram chat id %q: %w", ref.ChatID, err)
	}
	msgID, err := strconv.Atoi(ref.MessageID)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid telegram message id %q: %w", ref.MessageID, err)
	}
	return chatID, msgID, nil
}

// parseChatID converts a string chat ID to int64.
func parseChatID(chatIDStr string) (int64, error) {
	return strconv.ParseInt(strings.TrimSpace(chatIDStr), 10, 64)
}

// Package telegram implements the Telegram channel for pibot using the Bot
// API long-polling loop.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/nous-labs/pibot/pkg/channel"
	"github.com/nous-labs/pibot/pkg/chunk"
)

// Config holds Telegram channel configuration.
type Config struct {
	Token string
	// PollTimeout is the long-poll timeout in seconds (default 60).
	PollTimeout int
	// Endpoint overrides the Bot API URL format, e.g. for a local Bot API server.
	Endpoint string
	// RetryBackoff is the first delay between connect attempts (default 2s).
	RetryBackoff time.Duration
}

const (
	maxRetryBackoff = 2 * time.Minute
	// maxMessageUnits is the Bot API text limit in UTF-16 code units.
	maxMessageUnits = 4096
)

// botAPI is the part of tgbotapi.BotAPI the channel uses.
type botAPI interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// Channel implements the channel.Channel interface for Telegram.
type Channel struct {
	config  Config
	handler channel.MessageHandler

	mu  sync.Mutex
	bot botAPI
	// polling is set while the library's update goroutine runs.
	// StopReceivingUpdates closes a channel and must run once per poll.
	polling bool
}

// New creates a new Telegram channel. The bot connects in Start.
func New(cfg Config) *Channel {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 60
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = tgbotapi.APIEndpoint
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 2 * time.Second
	}
	return &Channel{config: cfg}
}

// Name returns the channel identifier.
func (c *Channel) Name() string { return "telegram" }

// Start connects to the Bot API, retrying with backoff, and handles
// updates one at a time until ctx is cancelled.
func (c *Channel) Start(ctx context.Context, handler channel.MessageHandler) error {
	c.handler = handler

	bot, err := c.connectWithRetry(ctx)
	if err != nil {
		return err
	}
	if bot == nil {
		return nil
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = c.config.PollTimeout
	c.mu.Lock()
	updates := bot.GetUpdatesChan(u)
	c.polling = true
	c.mu.Unlock()

	slog.Info("telegram channel ready, polling for updates")

	for {
		select {
		case <-ctx.Done():
			c.stopPolling()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			c.handleUpdate(ctx, update)
		}
	}
}

// connectWithRetry dials the Bot API until it answers, ctx is cancelled
// (nil bot, nil error) or the token is rejected.
func (c *Channel) connectWithRetry(ctx context.Context) (botAPI, error) {
	backoff := c.config.RetryBackoff
	for attempt := 1; ; attempt++ {
		bot, err := c.connect()
		if err == nil {
			return bot, nil
		}
		if isPermanentConnectError(err) {
			return nil, fmt.Errorf("%w (non-retryable)", err)
		}

		slog.Warn("telegram connect failed, retrying", "error", err, "attempt", attempt, "backoff", backoff)
		select {
		case <-ctx.Done():
			return nil, nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxRetryBackoff)
	}
}

// isPermanentConnectError reports a rejected or malformed bot token.
func isPermanentConnectError(err error) bool {
	var apiErr *tgbotapi.Error
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Code == 401 || apiErr.Code == 404
}

func (c *Channel) connect() (botAPI, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bot != nil {
		return c.bot, nil
	}

	// Library polling errors go to slog instead of the std logger.
	if err := tgbotapi.SetLogger(botLogger{}); err != nil {
		slog.Warn("telegram: set logger failed", "error", err)
	}
	bot, err := tgbotapi.NewBotAPIWithAPIEndpoint(c.config.Token, c.config.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("connect to telegram: %w", err)
	}
	slog.Info("logged into Telegram", "bot", bot.Self.UserName)
	c.bot = bot
	return bot, nil
}

func (c *Channel) client() (botAPI, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bot == nil {
		return nil, fmt.Errorf("telegram channel not started")
	}
	return c.bot, nil
}

// Send sends a message with an optional inline keyboard row. Text over
// the Bot API limit goes out as several messages with the keyboard on
// the last one.
func (c *Channel) Send(ctx context.Context, resp channel.Response) error {
	bot, err := c.client()
	if err != nil {
		return err
	}
	chatID, err := strconv.ParseInt(resp.ChatID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram chat id %q: %w", resp.ChatID, err)
	}
	if resp.Content == "" {
		return fmt.Errorf("telegram: empty message to chat %d", chatID)
	}

	parts := chunk.SplitUTF16(resp.Content, maxMessageUnits)
	for i, part := range parts {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg := tgbotapi.NewMessage(chatID, part)
		if i == len(parts)-1 && len(resp.Buttons) > 0 {
			row := make([]tgbotapi.InlineKeyboardButton, 0, len(resp.Buttons))
			for _, b := range resp.Buttons {
				row = append(row, tgbotapi.NewInlineKeyboardButtonData(b.Label, b.Data))
			}
			msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(row)
		}

		if _, err := bot.Send(msg); err != nil {
			slog.Error("telegram send failed", "chat", chatID, "len", len(part), "error", err)
			return fmt.Errorf("telegram send: %w", err)
		}
		slog.Debug("telegram message sent", "chat", chatID, "len", len(part))
	}
	return nil
}

// Stop stops the long-polling loop and drops the connection. It is safe
// to call after Start has returned and more than once.
func (c *Channel) Stop() error {
	c.stopPolling()
	c.mu.Lock()
	c.bot = nil
	c.mu.Unlock()
	return nil
}

func (c *Channel) stopPolling() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.polling && c.bot != nil {
		c.bot.StopReceivingUpdates()
	}
	c.polling = false
}

// --- Update handling ---

func (c *Channel) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	var msg channel.Message
	switch {
	case update.CallbackQuery != nil:
		m, ok := c.fromCallback(update.CallbackQuery)
		if !ok {
			return
		}
		msg = m
	case update.Message != nil:
		m, ok := fromMessage(update.Message)
		if !ok {
			return
		}
		msg = m
	default:
		return
	}

	slog.Info("telegram update received",
		"sender", msg.SenderID,
		"chat", msg.ChatID,
		"command", msg.Command,
		"callback", msg.Callback,
	)

	if err := c.handler(ctx, msg); err != nil {
		slog.Error("message handler error", "chat", msg.ChatID, "error", err)
	}
}

func (c *Channel) fromCallback(q *tgbotapi.CallbackQuery) (channel.Message, bool) {
	// Stop the client-side spinner on the pressed button.
	if bot, err := c.client(); err == nil {
		if _, err := bot.Request(tgbotapi.NewCallback(q.ID, "")); err != nil {
			slog.Warn("telegram callback answer failed", "error", err)
		}
	}
	if q.Message == nil || q.Message.Chat == nil || q.Data == "" {
		return channel.Message{}, false
	}

	msg := channel.Message{
		Source:    "telegram",
		ChatID:    strconv.FormatInt(q.Message.Chat.ID, 10),
		Callback:  q.Data,
		Timestamp: int64(q.Message.Date) * 1000,
	}
	if q.From != nil {
		msg.SenderID = strconv.FormatInt(q.From.ID, 10)
	}
	return msg, true
}

func fromMessage(m *tgbotapi.Message) (channel.Message, bool) {
	if m.Chat == nil || strings.TrimSpace(m.Text) == "" {
		return channel.Message{}, false
	}

	msg := channel.Message{
		Source:    "telegram",
		ChatID:    strconv.FormatInt(m.Chat.ID, 10),
		Content:   m.Text,
		Timestamp: int64(m.Date) * 1000,
	}
	if m.From != nil {
		msg.SenderID = strconv.FormatInt(m.From.ID, 10)
	}

	if m.IsCommand() {
		msg.Command = m.Command()
		msg.Args = strings.TrimSpace(m.CommandArguments())
	} else if name, args, ok := channel.ParseCommand(m.Text); ok {
		// commands forwarded without a bot_command entity
		msg.Command, msg.Args = name, args
	}
	return msg, true
}

// botLogger routes telegram-bot-api's internal logging into slog.
type botLogger struct{}

func (botLogger) Println(v ...interface{}) {
	slog.Warn("telegram api", "message", strings.TrimSpace(fmt.Sprint(v...)))
}

func (botLogger) Printf(format string, v ...interface{}) {
	slog.Warn("telegram api", "message", strings.TrimSpace(fmt.Sprintf(format, v...)))
}

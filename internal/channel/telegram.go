package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"chimein/internal/domain"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	telegramMaxMsgLen      = 4000
	telegramMaxSendRetries = 3
	telegramTransportID    = "telegram"
)

// Telegram is the Telegram Bot API transport, using long polling.
type Telegram struct {
	token     string
	allowFrom []int64 // empty allows everyone
	parseMode string

	bot    *tgbotapi.BotAPI
	logger *slog.Logger
}

type TelegramConfig struct {
	Token     string
	AllowFrom []string // user ids as strings
	ParseMode string
	Logger    *slog.Logger
}

func NewTelegram(cfg TelegramConfig) *Telegram {
	var allowed []int64
	for _, s := range cfg.AllowFrom {
		if id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			allowed = append(allowed, id)
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Telegram{
		token:     cfg.Token,
		allowFrom: allowed,
		parseMode: cfg.ParseMode,
		logger:    cfg.Logger,
	}
}

func (t *Telegram) Name() string { return telegramTransportID }

// Start connects to Telegram and polls for updates until ctx is cancelled.
func (t *Telegram) Start(ctx context.Context, bus domain.MessageBus) error {
	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram bot init: %w", err)
	}
	t.bot = bot
	t.logger.Info("telegram bot connected",
		"username", bot.Self.UserName,
		"id", bot.Self.ID,
	)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := bot.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("telegram channel stopping")
			bot.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			t.handleUpdate(bus, update)
		}
	}
}

// Stop is a no-op: polling ends when Start's context is cancelled, and
// StopReceivingUpdates panics when called twice.
func (t *Telegram) Stop() error { return nil }

func (t *Telegram) handleUpdate(bus domain.MessageBus, update tgbotapi.Update) {
	m := update.Message
	if m == nil || m.From == nil || m.Chat == nil || m.From.IsBot {
		return
	}
	if !t.isAllowed(m.From.ID) {
		t.logger.Warn("unauthorized telegram user",
			"user_id", m.From.ID,
			"username", m.From.UserName,
		)
		return
	}

	if m.IsCommand() {
		if !t.handleCommand(bus, m) {
			return
		}
	}

	msg := t.convert(m)
	if msg.Body == "" && len(msg.ImageURLs) == 0 {
		return
	}
	t.logger.Debug("telegram message received",
		"user_id", m.From.ID,
		"channel_id", msg.ChannelID,
		"mentions_agent", msg.MentionsAgent,
		"content_len", len(msg.Body),
	)
	bus.Publish(msg)
}

// handleCommand answers informational commands itself and reports whether
// the message should still be published. /ask passes through as a direct
// question.
func (t *Telegram) handleCommand(bus domain.MessageBus, m *tgbotapi.Message) bool {
	switch m.Command() {
	case "ask":
		return strings.TrimSpace(m.CommandArguments()) != ""
	case "start", "help":
		t.reply(m.Chat.ID, "I follow the conversation and join in when I have something useful to add.\n\nMention me, reply to me, or use /ask <question> to ask me directly.")
	case "status":
		t.reply(m.Chat.ID, fmt.Sprintf("Bot: @%s\nYour ID: %d\nChat ID: %d", t.bot.Self.UserName, m.From.ID, m.Chat.ID))
	}
	return false
}

func (t *Telegram) reply(chatID int64, text string) {
	if _, err := t.bot.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		t.logger.Warn("telegram reply failed", "chat_id", chatID, "err", err)
	}
}

func (t *Telegram) convert(m *tgbotapi.Message) domain.Message {
	body := m.Text
	if body == "" {
		body = m.Caption
	}
	if m.IsCommand() && m.Command() == "ask" {
		body = m.CommandArguments()
	}

	msg := domain.Message{
		ID:        strconv.Itoa(m.MessageID),
		ChannelID: domain.JoinChannelID(telegramTransportID, strconv.FormatInt(m.Chat.ID, 10)),
		Body:      strings.TrimSpace(body),
		CreatedAt: m.Time(),
	}
	if m.From != nil {
		msg.AuthorID = strconv.FormatInt(m.From.ID, 10)
		msg.AuthorName = telegramName(m.From)
	}

	var botID int64
	var botUser string
	if t.bot != nil {
		botID = t.bot.Self.ID
		botUser = t.bot.Self.UserName
	}
	if m.ReplyToMessage != nil {
		msg.ReplyToID = strconv.Itoa(m.ReplyToMessage.MessageID)
		if m.ReplyToMessage.From != nil && botID != 0 && m.ReplyToMessage.From.ID == botID {
			msg.MentionsAgent = true
		}
	}
	if m.Chat.IsPrivate() || m.IsCommand() {
		msg.MentionsAgent = true
	}
	if botUser != "" && strings.Contains(strings.ToLower(body), "@"+strings.ToLower(botUser)) {
		msg.MentionsAgent = true
	}

	if len(m.Photo) > 0 && t.bot != nil {
		// The last size is the largest.
		largest := m.Photo[len(m.Photo)-1]
		if url, err := t.bot.GetFileDirectURL(largest.FileID); err == nil {
			msg.ImageURLs = append(msg.ImageURLs, url)
		} else {
			t.logger.Warn("telegram photo url lookup failed", "file_id", largest.FileID, "err", err)
		}
	}
	return msg
}

func telegramName(u *tgbotapi.User) string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		name = u.UserName
	}
	return name
}

func (t *Telegram) isAllowed(userID int64) bool {
	return len(t.allowFrom) == 0 || slices.Contains(t.allowFrom, userID)
}

// Deliver sends text to the chat, replying to replyToID when set. Long text is
// split; the id of the first part is returned.
func (t *Telegram) Deliver(ctx context.Context, channelID, text, replyToID string) (string, error) {
	if t.bot == nil {
		return "", errors.New("telegram not connected")
	}
	chatID, err := strconv.ParseInt(channelID, 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid telegram chat id %q: %w", channelID, err)
	}
	replyTo, _ := strconv.Atoi(replyToID)

	var firstID string
	for i, chunk := range splitMessage(text, telegramMaxMsgLen) {
		msg := tgbotapi.NewMessage(chatID, chunk)
		if i == 0 {
			msg.ReplyToMessageID = replyTo
		}
		sent, err := t.sendChunk(ctx, msg)
		if err != nil {
			return firstID, err
		}
		if firstID == "" {
			firstID = strconv.Itoa(sent.MessageID)
		}
	}
	return firstID, nil
}

// sendChunk sends one message, trying the configured parse mode first and
// falling back to plain text. Rate limits and transient errors back off.
func (t *Telegram) sendChunk(ctx context.Context, msg tgbotapi.MessageConfig) (tgbotapi.Message, error) {
	var lastErr error
	for attempt := 0; attempt <= telegramMaxSendRetries; attempt++ {
		if attempt == 0 {
			msg.ParseMode = t.parseMode
		} else {
			msg.ParseMode = ""
		}

		sent, err := t.bot.Send(msg)
		if err == nil {
			return sent, nil
		}
		lastErr = err
		errStr := err.Error()

		if attempt == 0 && msg.ParseMode != "" && strings.Contains(errStr, "can't parse entities") {
			t.logger.Warn("telegram markdown parse error, retrying as plain text", "err", err)
			continue
		}

		backoff := time.Duration(attempt+1) * time.Second
		if strings.Contains(errStr, "Too Many Requests") || strings.Contains(errStr, "429") {
			backoff = time.Duration(attempt+1) * 3 * time.Second
		}
		if attempt == telegramMaxSendRetries {
			break
		}
		t.logger.Warn("telegram send error, retrying", "err", err, "backoff", backoff, "attempt", attempt+1)
		select {
		case <-ctx.Done():
			return tgbotapi.Message{}, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return tgbotapi.Message{}, fmt.Errorf("telegram send: %w", lastErr)
}

// FetchRecent always returns nothing: the Bot API exposes no chat history, so
// Telegram channels fill the store from live updates only.
func (t *Telegram) FetchRecent(ctx context.Context, channelID string, limit int) ([]domain.Message, error) {
	return nil, nil
}

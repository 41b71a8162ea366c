package channel

import (
	"bytes"
	"cmp"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"chimein/internal/domain"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
)

const (
	slackMaxMsgLen        = 4000
	slackMaxFetch         = 200
	slackMaxImages        = 3
	slackMaxImageBytes    = 4 << 20
	slackDownloadTimeout  = 15 * time.Second
	slackTransportID      = "slack"
	slackSubtypeFileShare = "file_share"
)

// Slack is the Slack transport, using Socket Mode for inbound events.
type Slack struct {
	botToken   string
	appToken   string
	channelIDs []string
	client     *slack.Client
	socket     *socketmode.Client
	logger     *slog.Logger
	botUID     string

	// download reads a private file URL with the bot token.
	download func(ctx context.Context, url string, w io.Writer) error

	namesMu sync.Mutex
	names   map[string]string
}

// SlackConfig configures the Slack transport.
type SlackConfig struct {
	BotToken   string
	AppToken   string
	ChannelIDs []string // empty accepts every channel the bot is in
	Logger     *slog.Logger
}

func NewSlack(cfg SlackConfig) *Slack {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Slack{
		botToken:   cfg.BotToken,
		appToken:   cfg.AppToken,
		channelIDs: cfg.ChannelIDs,
		logger:     cfg.Logger,
		names:      make(map[string]string),
	}
}

func (s *Slack) Name() string { return slackTransportID }

// Start connects via Socket Mode and publishes inbound messages until ctx is
// cancelled.
func (s *Slack) Start(ctx context.Context, bus domain.MessageBus) error {
	s.connect()

	authResp, err := s.client.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth: %w", err)
	}
	s.botUID = authResp.UserID
	s.logger.Info("slack bot connected", "user", authResp.User, "user_id", authResp.UserID)

	s.socket = socketmode.New(s.client)

	go func() {
		for evt := range s.socket.Events {
			switch evt.Type {
			case socketmode.EventTypeEventsAPI:
				eventsAPIEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
				if !ok {
					continue
				}
				s.socket.Ack(*evt.Request)
				s.handleEventsAPI(ctx, bus, eventsAPIEvent)

			case socketmode.EventTypeSlashCommand:
				cmd, ok := evt.Data.(slack.SlashCommand)
				if !ok {
					continue
				}
				s.socket.Ack(*evt.Request)
				s.handleSlashCommand(ctx, bus, cmd)

			default:
				// Unacknowledged events make Socket Mode disconnect.
				if evt.Request != nil {
					s.socket.Ack(*evt.Request)
				}
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.socket.RunContext(ctx)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("slack bot disconnecting")
		return nil
	case err := <-errCh:
		return fmt.Errorf("slack socket mode: %w", err)
	}
}

func (s *Slack) connect() {
	if s.client == nil {
		s.client = slack.New(s.botToken, slack.OptionAppLevelToken(s.appToken))
	}
	if s.download == nil {
		s.download = s.client.GetFileContext
	}
}

func (s *Slack) Stop() error { return nil }

func (s *Slack) accepts(channelID string) bool {
	return len(s.channelIDs) == 0 || slices.Contains(s.channelIDs, channelID)
}

func (s *Slack) handleEventsAPI(ctx context.Context, bus domain.MessageBus, event slackevents.EventsAPIEvent) {
	if event.Type != slackevents.CallbackEvent {
		return
	}
	// app_mention duplicates the message event, which already carries the mention.
	ev, ok := event.InnerEvent.Data.(*slackevents.MessageEvent)
	if !ok {
		return
	}
	if ev.User == "" || ev.User == s.botUID || ev.BotID != "" {
		return
	}
	if ev.SubType != "" && ev.SubType != slackSubtypeFileShare {
		return
	}
	if !s.accepts(ev.Channel) {
		return
	}

	msg := domain.Message{
		ID:            ev.TimeStamp,
		ChannelID:     domain.JoinChannelID(slackTransportID, ev.Channel),
		AuthorID:      ev.User,
		AuthorName:    s.userName(ctx, ev.User),
		Body:          ev.Text,
		CreatedAt:     slackTime(ev.TimeStamp),
		MentionsAgent: ev.ChannelType == "im" || strings.Contains(ev.Text, "<@"+s.botUID+">"),
	}
	if ev.ThreadTimeStamp != "" && ev.ThreadTimeStamp != ev.TimeStamp {
		msg.ReplyToID = ev.ThreadTimeStamp
	}
	if ev.Message != nil && len(ev.Message.Files) > 0 {
		msg.ImageURLs = s.imageURLs(ctx, ev.Message.Files)
	}

	s.logger.Debug("slack message received",
		"user", ev.User,
		"channel_id", msg.ChannelID,
		"mentions_agent", msg.MentionsAgent,
		"content_len", len(ev.Text),
		"images", len(msg.ImageURLs),
	)
	bus.Publish(msg)
}

// handleSlashCommand echoes the question into the channel so it has a
// message id to reply to, then publishes it as a direct trigger.
func (s *Slack) handleSlashCommand(ctx context.Context, bus domain.MessageBus, cmd slack.SlashCommand) {
	question := strings.TrimSpace(cmd.Text)
	if question == "" || !s.accepts(cmd.ChannelID) {
		return
	}

	_, ts, err := s.client.PostMessageContext(ctx, cmd.ChannelID,
		slack.MsgOptionText(fmt.Sprintf("<@%s> asked: %s", cmd.UserID, question), false))
	if err != nil {
		s.logger.Warn("slack slash command echo failed", "channel", cmd.ChannelID, "err", err)
		return
	}

	s.logger.Info("slack slash command", "command", cmd.Command, "user", cmd.UserID, "channel", cmd.ChannelID)
	bus.Publish(domain.Message{
		ID:            ts,
		ChannelID:     domain.JoinChannelID(slackTransportID, cmd.ChannelID),
		AuthorID:      cmd.UserID,
		AuthorName:    cmd.UserName,
		Body:          question,
		CreatedAt:     slackTime(ts),
		MentionsAgent: true,
	})
}

// imageURLs downloads image uploads and returns them as data URLs. Slack file
// URLs are readable only with the bot token.
func (s *Slack) imageURLs(ctx context.Context, files []slack.File) []string {
	var out []string
	for _, f := range files {
		if len(out) == slackMaxImages {
			break
		}
		src := cmp.Or(f.URLPrivateDownload, f.URLPrivate)
		if !strings.HasPrefix(f.Mimetype, "image/") || src == "" {
			continue
		}
		if f.Size > slackMaxImageBytes {
			s.logger.Debug("slack image too large, skipped", "file", f.ID, "size", f.Size)
			continue
		}

		var buf bytes.Buffer
		dctx, cancel := context.WithTimeout(ctx, slackDownloadTimeout)
		err := s.download(dctx, src, &buf)
		cancel()
		if err != nil {
			s.logger.Warn("slack image download failed", "file", f.ID, "err", err)
			continue
		}
		if buf.Len() > slackMaxImageBytes {
			continue
		}
		out = append(out, "data:"+f.Mimetype+";base64,"+base64.StdEncoding.EncodeToString(buf.Bytes()))
	}
	return out
}

func (s *Slack) userName(ctx context.Context, userID string) string {
	s.namesMu.Lock()
	name, ok := s.names[userID]
	s.namesMu.Unlock()
	if ok {
		return name
	}

	name = userID
	if u, err := s.client.GetUserInfoContext(ctx, userID); err == nil {
		name = u.Profile.DisplayName
		if name == "" {
			name = u.RealName
		}
		if name == "" {
			name = u.Name
		}
	}

	s.namesMu.Lock()
	s.names[userID] = name
	s.namesMu.Unlock()
	return name
}

// slackTime parses a Slack message timestamp ("1700000000.123456").
func slackTime(ts string) time.Time {
	sec, frac, _ := strings.Cut(ts, ".")
	secs, err := strconv.ParseInt(sec, 10, 64)
	if err != nil {
		return time.Now()
	}
	var micros int64
	if frac != "" {
		micros, _ = strconv.ParseInt((frac + "000000")[:6], 10, 64)
	}
	return time.Unix(secs, micros*1000)
}

// Deliver posts text to channelID. A reply goes into the thread of replyToID.
func (s *Slack) Deliver(ctx context.Context, channelID, text, replyToID string) (string, error) {
	if s.client == nil {
		return "", errors.New("slack not connected")
	}

	var firstTS string
	for _, chunk := range splitMessage(text, slackMaxMsgLen) {
		opts := []slack.MsgOption{slack.MsgOptionText(chunk, false)}
		if replyToID != "" {
			opts = append(opts, slack.MsgOptionTS(replyToID))
		}
		_, ts, err := s.client.PostMessageContext(ctx, channelID, opts...)
		if err != nil {
			return firstTS, fmt.Errorf("slack send: %w", err)
		}
		if firstTS == "" {
			firstTS = ts
		}
	}
	return firstTS, nil
}

// FetchRecent returns up to limit top-level messages of channelID, newest first.
func (s *Slack) FetchRecent(ctx context.Context, channelID string, limit int) ([]domain.Message, error) {
	s.connect()
	limit = min(max(limit, 1), slackMaxFetch)

	resp, err := s.client.GetConversationHistoryContext(ctx, &slack.GetConversationHistoryParameters{
		ChannelID: channelID,
		Limit:     limit,
	})
	if err != nil {
		return nil, fmt.Errorf("slack history: %w", err)
	}

	out := make([]domain.Message, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		if m.SubType != "" && m.SubType != "bot_message" && m.SubType != slackSubtypeFileShare {
			continue
		}
		msg := domain.Message{
			ID:        m.Timestamp,
			ChannelID: domain.JoinChannelID(slackTransportID, channelID),
			AuthorID:  m.User,
			Body:      m.Text,
			CreatedAt: slackTime(m.Timestamp),
			IsAgent:   s.botUID != "" && m.User == s.botUID,
		}
		if m.User != "" {
			msg.AuthorName = s.userName(ctx, m.User)
		} else {
			msg.AuthorName = m.Username
		}
		if m.ThreadTimestamp != "" && m.ThreadTimestamp != m.Timestamp {
			msg.ReplyToID = m.ThreadTimestamp
		}
		out = append(out, msg)
	}
	return out, nil
}

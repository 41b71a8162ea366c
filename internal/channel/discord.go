package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"chimein/internal/domain"

	"github.com/bwmarrin/discordgo"
)

const (
	discordMaxMsgLen   = 2000
	discordMaxFetch    = 100
	discordTransportID = "discord"
)

// Discord is the Discord gateway transport.
type Discord struct {
	token      string
	guildID    string
	channelIDs []string
	session    *discordgo.Session
	botID      string
	botName    string
	logger     *slog.Logger
}

// DiscordConfig configures the Discord transport.
type DiscordConfig struct {
	Token      string
	GuildID    string   // empty accepts every guild
	ChannelIDs []string // empty accepts every channel
	Logger     *slog.Logger
}

func NewDiscord(cfg DiscordConfig) *Discord {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Discord{
		token:      cfg.Token,
		guildID:    cfg.GuildID,
		channelIDs: cfg.ChannelIDs,
		logger:     cfg.Logger,
	}
}

func (d *Discord) Name() string { return discordTransportID }

// Start connects to Discord using a bot token and publishes inbound messages
// until ctx is cancelled.
func (d *Discord) Start(ctx context.Context, bus domain.MessageBus) error {
	session, err := discordgo.New("Bot " + d.token)
	if err != nil {
		return fmt.Errorf("discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent
	d.session = session

	session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Author == nil || m.Author.ID == d.botID || m.Author.Bot {
			return
		}
		if !d.accepts(m.GuildID, m.ChannelID) {
			return
		}

		msg := d.convert(m.Message)
		d.logger.Debug("discord message received",
			"author", msg.AuthorName,
			"channel_id", msg.ChannelID,
			"mentions_agent", msg.MentionsAgent,
			"content_len", len(msg.Body),
		)
		bus.Publish(msg)
	})

	// /ask is an explicit way to address the agent.
	session.AddHandler(func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		if i.Type != discordgo.InteractionApplicationCommand || !d.accepts(i.GuildID, i.ChannelID) {
			return
		}
		data := i.ApplicationCommandData()
		if data.Name != "ask" || len(data.Options) == 0 {
			return
		}
		question := data.Options[0].StringValue()

		err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{Content: "> " + question},
		})
		if err != nil {
			d.logger.Warn("discord interaction ack failed", "err", err)
			return
		}
		echo, err := s.InteractionResponse(i.Interaction)
		if err != nil {
			d.logger.Warn("discord interaction lookup failed", "err", err)
			return
		}

		user := i.User
		if i.Member != nil {
			user = i.Member.User
		}
		msg := domain.Message{
			ID:            echo.ID,
			ChannelID:     domain.JoinChannelID(discordTransportID, i.ChannelID),
			Body:          question,
			CreatedAt:     time.Now(),
			MentionsAgent: true,
		}
		if user != nil {
			msg.AuthorID = user.ID
			msg.AuthorName = displayName(user, i.Member)
		}
		bus.Publish(msg)
	})

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord connect: %w", err)
	}
	d.botID = session.State.User.ID
	d.botName = session.State.User.Username
	d.logger.Info("discord bot connected", "user", d.botName)

	d.registerSlashCommands()

	<-ctx.Done()
	d.logger.Info("discord bot disconnecting")
	return session.Close()
}

func (d *Discord) Stop() error {
	if d.session == nil {
		return nil
	}
	return d.session.Close()
}

func (d *Discord) accepts(guildID, channelID string) bool {
	if d.guildID != "" && guildID != "" && guildID != d.guildID {
		return false
	}
	return len(d.channelIDs) == 0 || slices.Contains(d.channelIDs, channelID)
}

func (d *Discord) convert(m *discordgo.Message) domain.Message {
	msg := domain.Message{
		ID:        m.ID,
		ChannelID: domain.JoinChannelID(discordTransportID, m.ChannelID),
		Body:      m.Content,
		CreatedAt: m.Timestamp,
	}
	if m.Author != nil {
		msg.AuthorID = m.Author.ID
		msg.AuthorName = displayName(m.Author, m.Member)
		msg.IsAgent = d.botID != "" && m.Author.ID == d.botID
	}
	if m.MessageReference != nil {
		msg.ReplyToID = m.MessageReference.MessageID
	}
	if m.GuildID == "" {
		// Direct messages always address the agent.
		msg.MentionsAgent = true
	}
	for _, u := range m.Mentions {
		if u.ID == d.botID {
			msg.MentionsAgent = true
		}
	}
	if d.botID != "" {
		msg.Body = strings.NewReplacer("<@"+d.botID+">", "@"+d.botName, "<@!"+d.botID+">", "@"+d.botName).Replace(msg.Body)
	}
	for _, a := range m.Attachments {
		if strings.HasPrefix(a.ContentType, "image/") {
			msg.ImageURLs = append(msg.ImageURLs, a.URL)
		}
	}
	return msg
}

func displayName(u *discordgo.User, member *discordgo.Member) string {
	if member != nil && member.Nick != "" {
		return member.Nick
	}
	if u.GlobalName != "" {
		return u.GlobalName
	}
	return u.Username
}

// Deliver posts text to channelID, replying to replyToID when set. Long text
// is split; the id of the first part is returned.
func (d *Discord) Deliver(ctx context.Context, channelID, text, replyToID string) (string, error) {
	if d.session == nil {
		return "", errors.New("discord not connected")
	}

	var firstID string
	for i, chunk := range splitMessage(text, discordMaxMsgLen) {
		send := &discordgo.MessageSend{Content: chunk}
		if i == 0 && replyToID != "" {
			failIfMissing := false
			send.Reference = &discordgo.MessageReference{
				MessageID:       replyToID,
				ChannelID:       channelID,
				FailIfNotExists: &failIfMissing,
			}
		}
		sent, err := d.session.ChannelMessageSendComplex(channelID, send, discordgo.WithContext(ctx))
		if err != nil {
			return firstID, fmt.Errorf("discord send: %w", err)
		}
		if firstID == "" {
			firstID = sent.ID
		}
	}
	return firstID, nil
}

// FetchRecent returns up to limit recent messages of channelID, newest first.
func (d *Discord) FetchRecent(ctx context.Context, channelID string, limit int) ([]domain.Message, error) {
	if d.session == nil {
		return nil, errors.New("discord not connected")
	}
	limit = min(max(limit, 1), discordMaxFetch)

	raw, err := d.session.ChannelMessages(channelID, limit, "", "", "", discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("discord history: %w", err)
	}
	out := make([]domain.Message, 0, len(raw))
	for _, m := range raw {
		out = append(out, d.convert(m))
	}
	return out, nil
}

func (d *Discord) registerSlashCommands() {
	cmd := &discordgo.ApplicationCommand{
		Name:        "ask",
		Description: "Ask the agent a question",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        "question",
				Description: "Your question",
				Required:    true,
			},
		},
	}
	if _, err := d.session.ApplicationCommandCreate(d.session.State.User.ID, d.guildID, cmd); err != nil {
		d.logger.Warn("failed to register slash command", "command", cmd.Name, "err", err)
	}
}

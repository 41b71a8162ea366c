package domain

import "context"

// Transport is a chat platform connection (Discord, Slack, Telegram, CLI).
// Channel and message ids passed to Deliver and FetchRecent are transport-local.
type Transport interface {
	Name() string
	Start(ctx context.Context, bus MessageBus) error
	Stop() error
	Deliver(ctx context.Context, channelID, text, replyToID string) (string, error)
	FetchRecent(ctx context.Context, channelID string, limit int) ([]Message, error)
}

package domain

import (
	"context"
	"time"
)

// MessageStore persists channel timelines and the agent's decision trail.
type MessageStore interface {
	// UpsertMessage inserts or updates by (channel, id). A nil Enrichment
	// never clears enrichment already attached to the row.
	UpsertMessage(ctx context.Context, msg Message) error
	// AttachEnrichment updates an existing row; ErrNotFound if absent.
	AttachEnrichment(ctx context.Context, channelID, messageID string, e Enrichment) error
	GetMessage(ctx context.Context, channelID, messageID string) (*Message, error)
	// RecentMessages returns up to limit messages, newest first.
	RecentMessages(ctx context.Context, channelID string, limit int) ([]Message, error)

	LogDecision(ctx context.Context, d Decision) (int64, error)
	MarkDecisionSent(ctx context.Context, id int64) error
	LogResponse(ctx context.Context, r ResponseRecord) (int64, error)
}

// CachedEnrichment is a cached enrichment result; exactly one field is set.
type CachedEnrichment struct {
	Value string
	Error string
}

// EnrichmentCache caches enrichment service results by kind and key (URL).
type EnrichmentCache interface {
	LookupEnrichment(ctx context.Context, kind, key string) (*CachedEnrichment, error)
	StoreEnrichment(ctx context.Context, kind, key string, v CachedEnrichment, ttl time.Duration) error
}

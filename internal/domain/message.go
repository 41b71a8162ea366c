package domain

import (
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned by stores when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Message is one chat message in a channel's timeline, human or agent authored.
type Message struct {
	ID         string      `json:"id"`
	ChannelID  string      `json:"channel_id"`
	AuthorID   string      `json:"author_id"`
	AuthorName string      `json:"author_name"`
	Body       string      `json:"body"`
	CreatedAt  time.Time   `json:"created_at"`
	IsAgent    bool        `json:"is_agent"`
	ReplyToID  string      `json:"reply_to_id,omitempty"`
	Enrichment *Enrichment `json:"enrichment,omitempty"`

	// Set by transports at delivery time; not persisted.
	MentionsAgent bool     `json:"-"`
	ImageURLs     []string `json:"-"`
}

// Enrichment holds annotations derived from a message after it was stored.
type Enrichment struct {
	ImageDescriptions []string      `json:"image_descriptions,omitempty"`
	LinkSummaries     []LinkSummary `json:"link_summaries,omitempty"`
}

// LinkSummary is the outcome of summarizing one URL: either Summary or Error is set.
type LinkSummary struct {
	URL     string `json:"url"`
	Summary string `json:"summary,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Empty reports whether the enrichment carries no annotations.
func (e *Enrichment) Empty() bool {
	return e == nil || (len(e.ImageDescriptions) == 0 && len(e.LinkSummaries) == 0)
}

// JoinChannelID namespaces a transport-local channel id, e.g. "discord:1234".
func JoinChannelID(transport, raw string) string {
	return transport + ":" + raw
}

// SplitChannelID is the inverse of JoinChannelID.
func SplitChannelID(id string) (transport, raw string) {
	transport, raw, ok := strings.Cut(id, ":")
	if !ok {
		return "", id
	}
	return transport, raw
}

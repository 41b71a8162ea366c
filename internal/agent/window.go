package agent

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"chimein/internal/domain"
)

// WindowConfig bounds the context window.
type WindowConfig struct {
	MaxAge        time.Duration // messages older than this are dropped
	MaxGap        time.Duration // a silence longer than this starts a new conversation
	ContextBefore int           // messages kept before the agent's last message
}

func (c WindowConfig) withDefaults() WindowConfig {
	if c.MaxAge <= 0 {
		c.MaxAge = 30 * time.Minute
	}
	if c.MaxGap <= 0 {
		c.MaxGap = 30 * time.Minute
	}
	if c.ContextBefore < 0 {
		c.ContextBefore = 0
	}
	return c
}

// BuildWindow selects the slice of history relevant for prompting and returns
// it oldest first. Input order does not matter.
//
// Messages older than MaxAge are dropped. Walking back from the newest message,
// the first gap longer than MaxGap cuts off everything older. If the agent
// spoke in what remains, the window anchors on its last message: up to
// ContextBefore messages before it, the message itself, and everything after.
func BuildWindow(msgs []domain.Message, now time.Time, cfg WindowConfig) []domain.Message {
	cfg = cfg.withDefaults()

	newest := slices.Clone(msgs)
	slices.SortStableFunc(newest, func(a, b domain.Message) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})

	cutoff := now.Add(-cfg.MaxAge)
	kept := newest[:0]
	for _, m := range newest {
		if m.CreatedAt.Before(cutoff) {
			break
		}
		kept = append(kept, m)
	}

	for i := 1; i < len(kept); i++ {
		if kept[i-1].CreatedAt.Sub(kept[i].CreatedAt) > cfg.MaxGap {
			kept = kept[:i]
			break
		}
	}

	slices.Reverse(kept)

	anchor := -1
	for i := len(kept) - 1; i >= 0; i-- {
		if kept[i].IsAgent {
			anchor = i
			break
		}
	}
	if anchor > cfg.ContextBefore {
		kept = kept[anchor-cfg.ContextBefore:]
	}

	return kept
}

// containsMessage reports whether id is in window.
func containsMessage(window []domain.Message, id string) bool {
	if id == "" {
		return false
	}
	return slices.ContainsFunc(window, func(m domain.Message) bool { return m.ID == id })
}

// FormatTranscript renders a window as one line per message, with enrichment
// annotations inlined.
func FormatTranscript(window []domain.Message, agentName string) string {
	var sb strings.Builder
	for _, m := range window {
		author := m.AuthorName
		if m.IsAgent {
			author = agentName + " (you)"
		}
		if author == "" {
			author = m.AuthorID
		}

		fmt.Fprintf(&sb, "[%s] (id:%s) %s", m.CreatedAt.Format("15:04"), m.ID, author)
		if m.ReplyToID != "" {
			fmt.Fprintf(&sb, " replying to %s", m.ReplyToID)
		}
		sb.WriteString(": ")
		sb.WriteString(m.Body)

		if m.Enrichment != nil {
			for _, d := range m.Enrichment.ImageDescriptions {
				fmt.Fprintf(&sb, " [Image: %s]", d)
			}
			for _, l := range m.Enrichment.LinkSummaries {
				if l.Error != "" {
					fmt.Fprintf(&sb, " [Link: %s (unavailable: %s)]", l.URL, l.Error)
				} else {
					fmt.Fprintf(&sb, " [Link: %s - %s]", l.URL, l.Summary)
				}
			}
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}

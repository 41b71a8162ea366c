// Package enrich derives text annotations for chat messages: descriptions of
// attached images and summaries of linked pages. Results are cached by URL and
// attached to the stored message once it exists.
package enrich

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"chimein/internal/domain"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const (
	KindImage = "image"
	KindLink  = "link"
)

// PageFetcher returns the readable text of a web page.
type PageFetcher interface {
	Fetch(ctx context.Context, url string) (string, error)
}

type Config struct {
	Store      domain.MessageStore
	Cache      domain.EnrichmentCache
	Images     domain.ImageDescriber // nil disables image descriptions
	Fetcher    PageFetcher           // nil or nil Summarizer disables link summaries
	Summarizer domain.Oracle
	MaxLinks   int
	SuccessTTL time.Duration
	FailureTTL time.Duration
	Timeout    time.Duration // per message
	Logger     *slog.Logger
}

// Enricher describes images and summarizes links, at most once per URL at a
// time and at most once per cache TTL.
type Enricher struct {
	store      domain.MessageStore
	cache      domain.EnrichmentCache
	images     domain.ImageDescriber
	fetcher    PageFetcher
	summarizer domain.Oracle
	maxLinks   int
	successTTL time.Duration
	failureTTL time.Duration
	timeout    time.Duration
	logger     *slog.Logger

	flight singleflight.Group
}

func New(cfg Config) *Enricher {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxLinks <= 0 {
		cfg.MaxLinks = 3
	}
	if cfg.SuccessTTL <= 0 {
		cfg.SuccessTTL = 7 * 24 * time.Hour
	}
	if cfg.FailureTTL <= 0 {
		cfg.FailureTTL = time.Hour
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 90 * time.Second
	}
	return &Enricher{
		store:      cfg.Store,
		cache:      cfg.Cache,
		images:     cfg.Images,
		fetcher:    cfg.Fetcher,
		summarizer: cfg.Summarizer,
		maxLinks:   cfg.MaxLinks,
		successTTL: cfg.SuccessTTL,
		failureTTL: cfg.FailureTTL,
		timeout:    cfg.Timeout,
		logger:     cfg.Logger,
	}
}

var urlPattern = regexp.MustCompile(`https?://[^\s<>"'` + "`" + `]+`)

// ExtractURLs returns the distinct http(s) URLs in text, in order of
// appearance, with trailing punctuation removed.
func ExtractURLs(text string, limit int) []string {
	var out []string
	seen := make(map[string]bool)
	for _, u := range urlPattern.FindAllString(text, -1) {
		u = strings.TrimRight(u, ".,;:!?)]}>*_")
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		out = append(out, u)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func (e *Enricher) linksEnabled() bool {
	return e.fetcher != nil && e.summarizer != nil
}

// Wants reports whether msg has anything to enrich.
func (e *Enricher) Wants(msg domain.Message) bool {
	if msg.IsAgent {
		return false
	}
	if e.images != nil && len(msg.ImageURLs) > 0 {
		return true
	}
	return e.linksEnabled() && urlPattern.MatchString(msg.Body)
}

// Enrich computes annotations for msg and attaches them to its stored row.
// Failures are logged; a link that could not be summarized is recorded with
// its error so the transcript can say so.
func (e *Enricher) Enrich(ctx context.Context, msg domain.Message) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var images []string
	if e.images != nil {
		images = msg.ImageURLs
	}
	var links []string
	if e.linksEnabled() {
		links = ExtractURLs(msg.Body, e.maxLinks)
	}
	if len(images) == 0 && len(links) == 0 {
		return
	}

	descriptions := make([]string, len(images))
	summaries := make([]domain.LinkSummary, len(links))

	g, gctx := errgroup.WithContext(ctx)
	for i, u := range images {
		g.Go(func() error {
			d, err := e.DescribeImage(gctx, u)
			if err != nil {
				e.logger.Warn("image description failed", "channel_id", msg.ChannelID, "message_id", msg.ID, "image", imageKey(u), "err", err)
				return nil
			}
			descriptions[i] = d
			return nil
		})
	}
	for i, u := range links {
		g.Go(func() error {
			summaries[i] = e.SummarizeURL(gctx, u)
			return nil
		})
	}
	_ = g.Wait()

	var result domain.Enrichment
	for _, d := range descriptions {
		if d != "" {
			result.ImageDescriptions = append(result.ImageDescriptions, d)
		}
	}
	result.LinkSummaries = summaries
	if result.Empty() {
		return
	}

	if err := e.store.AttachEnrichment(ctx, msg.ChannelID, msg.ID, result); err != nil {
		e.logger.Warn("failed to attach enrichment", "channel_id", msg.ChannelID, "message_id", msg.ID, "err", err)
		return
	}
	e.logger.Debug("enrichment attached",
		"channel_id", msg.ChannelID,
		"message_id", msg.ID,
		"images", len(result.ImageDescriptions),
		"links", len(result.LinkSummaries),
	)
}

// DescribeImage returns a cached or fresh description of the image at url.
func (e *Enricher) DescribeImage(ctx context.Context, url string) (string, error) {
	if e.images == nil {
		return "", errors.New("image descriptions are disabled")
	}
	res := e.cached(ctx, KindImage, imageKey(url), func(ctx context.Context) (string, error) {
		return e.images.DescribeImage(ctx, url)
	})
	if res.Error != "" {
		return "", errors.New(res.Error)
	}
	return res.Value, nil
}

// imageKey is the cache key for an image. Inline data URLs are keyed by
// content hash.
func imageKey(url string) string {
	if !strings.HasPrefix(url, "data:") {
		return url
	}
	sum := sha256.Sum256([]byte(url))
	return "sha256:" + hex.EncodeToString(sum[:])
}

// SummarizeURL returns a cached or fresh summary of the page at url. Failures
// are reported in the Error field.
func (e *Enricher) SummarizeURL(ctx context.Context, url string) domain.LinkSummary {
	if !e.linksEnabled() {
		return domain.LinkSummary{URL: url, Error: "link summaries are disabled"}
	}
	res := e.cached(ctx, KindLink, url, func(ctx context.Context) (string, error) {
		page, err := e.fetcher.Fetch(ctx, url)
		if err != nil {
			return "", err
		}
		return e.summarize(ctx, url, page)
	})
	return domain.LinkSummary{URL: url, Summary: res.Value, Error: res.Error}
}

const summaryPrompt = "Summarize the following web page in one short paragraph of at most three sentences. " +
	"State what the page is and its main point. Plain text only."

func (e *Enricher) summarize(ctx context.Context, url, page string) (string, error) {
	if len(page) > 12000 {
		page = page[:12000]
	}
	out, err := e.summarizer.Generate(ctx, domain.OracleRequest{
		SystemPrompt: summaryPrompt,
		Turns:        []domain.Turn{{Role: "user", Content: fmt.Sprintf("URL: %s\n\n%s", url, page)}},
		MaxTokens:    200,
	})
	if err != nil {
		return "", fmt.Errorf("summarize: %w", err)
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", errors.New("empty summary")
	}
	return out, nil
}

// cached looks up kind/key, computing and storing it on a miss. Concurrent
// callers for the same key share one computation.
func (e *Enricher) cached(ctx context.Context, kind, key string, compute func(context.Context) (string, error)) domain.CachedEnrichment {
	if e.cache != nil {
		hit, err := e.cache.LookupEnrichment(ctx, kind, key)
		if err == nil {
			return *hit
		}
		if !errors.Is(err, domain.ErrNotFound) {
			e.logger.Warn("enrichment cache lookup failed", "kind", kind, "key", key, "err", err)
		}
	}

	v, _, _ := e.flight.Do(kind+"\x00"+key, func() (any, error) {
		value, err := compute(ctx)
		res := domain.CachedEnrichment{Value: value}
		ttl := e.successTTL
		if err != nil {
			res = domain.CachedEnrichment{Error: err.Error()}
			ttl = e.failureTTL
		}
		if ctx.Err() == nil && e.cache != nil {
			if err := e.cache.StoreEnrichment(ctx, kind, key, res, ttl); err != nil {
				e.logger.Warn("enrichment cache store failed", "kind", kind, "key", key, "err", err)
			}
		}
		return res, nil
	})
	return v.(domain.CachedEnrichment)
}

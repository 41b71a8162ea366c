package tool

import (
	"context"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
)

const (
	defaultWebTimeout    = 15 * time.Second
	defaultFetchMaxSize  = 200 * 1024
	defaultSearchResults = 5
	fetchMaxOutput       = 12000
	userAgentString      = "chimein/0.1 (+https://github.com/chimein)"
	ddgEndpoint          = "https://html.duckduckgo.com/html/"
)

// SearchTool queries the DuckDuckGo HTML results page (no key required).
type SearchTool struct {
	client     *http.Client
	endpoint   string
	maxResults int
}

func NewSearchTool(timeout time.Duration) *SearchTool {
	if timeout <= 0 {
		timeout = defaultWebTimeout
	}
	return &SearchTool{
		client:     &http.Client{Timeout: timeout},
		endpoint:   ddgEndpoint,
		maxResults: defaultSearchResults,
	}
}

func (t *SearchTool) Search(ctx context.Context, query string) (string, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return "", fmt.Errorf("missing input: search query")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.endpoint+"?q="+url.QueryEscape(query), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", userAgentString)

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("search returned HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, defaultFetchMaxSize*5))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	results := extractDDGResults(string(body), t.maxResults)
	if len(results) == 0 {
		return fmt.Sprintf("No results found for: %s. Try a different query or fetch a known URL.", query), nil
	}

	var b strings.Builder
	for i, r := range results {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "%d. %s\n%s", i+1, r.title, r.url)
		if r.snippet != "" {
			b.WriteString("\n" + r.snippet)
		}
	}
	return b.String(), nil
}

type searchResult struct {
	title   string
	url     string
	snippet string
}

var (
	ddgLinkRe    = regexp.MustCompile(`<a[^>]*class="[^"]*result__a[^"]*"[^>]*href="([^"]+)"[^>]*>([\s\S]*?)</a>`)
	ddgSnippetRe = regexp.MustCompile(`<a class="result__snippet[^"]*".*?>([\s\S]*?)</a>`)
	htmlTagRe    = regexp.MustCompile(`<[^>]+>`)
)

func extractDDGResults(page string, limit int) []searchResult {
	links := ddgLinkRe.FindAllStringSubmatch(page, limit)
	snippets := ddgSnippetRe.FindAllStringSubmatch(page, limit)

	results := make([]searchResult, 0, len(links))
	for i, m := range links {
		r := searchResult{
			title: cleanFragment(m[2]),
			url:   resultURL(html.UnescapeString(m[1])),
		}
		if i < len(snippets) {
			r.snippet = cleanFragment(snippets[i][1])
		}
		results = append(results, r)
	}
	return results
}

// resultURL unwraps DuckDuckGo's redirect links (//duckduckgo.com/l/?uddg=...).
func resultURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	if target := u.Query().Get("uddg"); target != "" {
		return target
	}
	return raw
}

func cleanFragment(s string) string {
	return strings.TrimSpace(html.UnescapeString(htmlTagRe.ReplaceAllString(s, "")))
}

// Renderer renders a page with a real browser; see browser.Bridge.
type Renderer interface {
	RenderText(ctx context.Context, url string, maxBytes int) (string, error)
}

// FetchTool retrieves a page as plain text. With a Renderer configured it
// renders through headless Chrome and falls back to plain HTTP on failure.
type FetchTool struct {
	client   *http.Client
	maxBytes int
	renderer Renderer
}

func NewFetchTool(timeout time.Duration, maxBytes int, renderer Renderer) *FetchTool {
	if timeout <= 0 {
		timeout = defaultWebTimeout
	}
	if maxBytes <= 0 {
		maxBytes = defaultFetchMaxSize
	}
	return &FetchTool{
		client:   &http.Client{Timeout: timeout},
		maxBytes: maxBytes,
		renderer: renderer,
	}
}

func (t *FetchTool) Fetch(ctx context.Context, rawURL string) (string, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return "", fmt.Errorf("missing input: url")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", fmt.Errorf("unsupported URL scheme: %q (only http/https allowed)", parsed.Scheme)
	}

	if t.renderer != nil {
		text, err := t.renderer.RenderText(ctx, rawURL, fetchMaxOutput)
		if err == nil && strings.TrimSpace(text) != "" {
			return text, nil
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("User-Agent", userAgentString)

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("HTTP %d from %s", resp.StatusCode, rawURL)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(t.maxBytes)))
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}

	text := string(body)
	if strings.Contains(resp.Header.Get("Content-Type"), "html") || strings.Contains(text, "<html") {
		text = stripHTMLTags(text)
	}
	if len(text) > fetchMaxOutput {
		text = text[:fetchMaxOutput] + "\n... (truncated)"
	}
	return text, nil
}

// stripHTMLTags removes tags, script and style bodies, and blank lines.
func stripHTMLTags(s string) string {
	s = dropElement(s, "script")
	s = dropElement(s, "style")

	var result strings.Builder
	inTag := false
	for _, r := range s {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
			result.WriteByte('\n')
		case !inTag:
			result.WriteRune(r)
		}
	}

	var cleaned []string
	for _, line := range strings.Split(result.String(), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			cleaned = append(cleaned, line)
		}
	}
	return strings.Join(cleaned, "\n")
}

func dropElement(s, tag string) string {
	lower := strings.ToLower(s)
	open, closeTag := "<"+tag, "</"+tag+">"
	var b strings.Builder
	for {
		i := strings.Index(lower, open)
		if i < 0 {
			b.WriteString(s)
			return b.String()
		}
		j := strings.Index(lower[i:], closeTag)
		b.WriteString(s[:i])
		if j < 0 {
			return b.String()
		}
		cut := i + j + len(closeTag)
		s, lower = s[cut:], lower[cut:]
	}
}

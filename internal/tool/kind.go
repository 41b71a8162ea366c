package tool

import (
	"errors"
	"strings"
)

// ErrUnknownTool is returned when a tool request names no known tool.
var ErrUnknownTool = errors.New("unknown tool")

// Kind is the closed set of tools the generation loop can request.
type Kind int

const (
	Unknown Kind = iota
	Python
	WebSearch
	WebFetch
)

func (k Kind) String() string {
	switch k {
	case Python:
		return "python"
	case WebSearch:
		return "web_search"
	case WebFetch:
		return "web_fetch"
	default:
		return "unknown"
	}
}

// ParseKind maps a model-supplied tool name to a Kind. Models often drop
// underscores or use hyphens, so common spellings are accepted.
func ParseKind(name string) Kind {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "python", "python3", "code", "run_python", "execute_python", "code_execution":
		return Python
	case "web_search", "websearch", "web-search", "search":
		return WebSearch
	case "web_fetch", "webfetch", "web-fetch", "fetch", "fetch_url", "browse":
		return WebFetch
	default:
		return Unknown
	}
}

// Kinds lists the usable tools in prompt order.
func Kinds() []Kind {
	return []Kind{Python, WebSearch, WebFetch}
}

package tool

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"chimein/internal/domain"
	"chimein/internal/metrics"
)

// ExecutorConfig wires the concrete tool implementations. Any of them may be
// nil, in which case requests for that tool fail with a descriptive error.
type ExecutorConfig struct {
	Python *PythonSandbox
	Search *SearchTool
	Fetch  *FetchTool
	Guard  domain.ToolGuard
	Logger *slog.Logger
}

// Executor dispatches a tool request to its implementation.
type Executor struct {
	python *PythonSandbox
	search *SearchTool
	fetch  *FetchTool
	guard  domain.ToolGuard
	logger *slog.Logger
}

func NewExecutor(cfg ExecutorConfig) *Executor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Executor{
		python: cfg.Python,
		search: cfg.Search,
		fetch:  cfg.Fetch,
		guard:  cfg.Guard,
		logger: cfg.Logger,
	}
}

// Execute runs one tool call. Unknown kinds return ErrUnknownTool; inputs
// rejected by the guard return an error naming the policy.
func (e *Executor) Execute(ctx context.Context, kind Kind, input string) (string, error) {
	start := time.Now()
	out, err := e.execute(ctx, kind, input)
	metrics.ToolLatency.Observe(time.Since(start).Seconds())

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.ToolExecuted(kind.String(), outcome)
	e.logger.Debug("tool completed", "tool", kind.String(), "outcome", outcome, "result_len", len(out))
	return out, err
}

func (e *Executor) execute(ctx context.Context, kind Kind, input string) (string, error) {
	if kind == Unknown {
		return "", fmt.Errorf("%w: available tools are python, web_search, web_fetch", ErrUnknownTool)
	}

	if e.guard != nil {
		action, err := e.guard.Check(ctx, kind.String(), input)
		if err != nil {
			return "", fmt.Errorf("security check error: %w", err)
		}
		if action == domain.ActionBlock {
			return "", fmt.Errorf("blocked by security policy")
		}
	}

	switch kind {
	case Python:
		if e.python == nil || !e.python.IsEnabled() {
			return "", fmt.Errorf("python tool is not enabled")
		}
		return e.python.Run(ctx, input)
	case WebSearch:
		if e.search == nil {
			return "", fmt.Errorf("web search is not configured")
		}
		return e.search.Search(ctx, input)
	case WebFetch:
		if e.fetch == nil {
			return "", fmt.Errorf("web fetch is not configured")
		}
		return e.fetch.Fetch(ctx, input)
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownTool, kind)
}

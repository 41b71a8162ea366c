package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"chimein/internal/domain"
	"chimein/internal/persona"
	"chimein/internal/provider"
	"chimein/internal/tool"
)

// ToolRunner executes one tool call.
type ToolRunner interface {
	Execute(ctx context.Context, kind tool.Kind, input string) (string, error)
}

type EngineConfig struct {
	Oracle        domain.Oracle
	Tools         ToolRunner // nil disables tools; requests fail like unknown tools
	Persona       *persona.Persona
	MaxIterations int
	CharLimit     int
	InputPreview  int
	OutputPreview int
	MaxTokens     int
	Temperature   float64
	Logger        *slog.Logger
}

// Engine produces the final reply for a job, letting the oracle run tools
// before it answers.
type Engine struct {
	oracle        domain.Oracle
	tools         ToolRunner
	persona       *persona.Persona
	maxIter       int
	charLimit     int
	inputPreview  int
	outputPreview int
	maxTokens     int
	temperature   float64
	logger        *slog.Logger
}

func NewEngine(cfg EngineConfig) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Persona == nil {
		cfg.Persona = persona.Default()
	}
	if cfg.MaxIterations < 0 {
		cfg.MaxIterations = 0
	}
	if cfg.CharLimit <= 0 {
		cfg.CharLimit = 2000
	}
	if cfg.InputPreview <= 0 {
		cfg.InputPreview = 500
	}
	if cfg.OutputPreview <= 0 {
		cfg.OutputPreview = 1500
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	return &Engine{
		oracle:        cfg.Oracle,
		tools:         cfg.Tools,
		persona:       cfg.Persona,
		maxIter:       cfg.MaxIterations,
		charLimit:     cfg.CharLimit,
		inputPreview:  cfg.InputPreview,
		outputPreview: cfg.OutputPreview,
		maxTokens:     cfg.MaxTokens,
		temperature:   cfg.Temperature,
		logger:        cfg.Logger,
	}
}

// Generation is the outcome of one Generate call.
type Generation struct {
	Text        string
	Attempts    []domain.ToolAttempt
	OracleCalls int
	RawFallback bool // output did not parse; Text is the raw oracle text
	Truncated   bool
}

var generationSchema = provider.SchemaFor[generationOutput]()

// Generate runs the tool loop: at most MaxIterations tools, hence at most
// MaxIterations+1 oracle calls. Only a failure of the first oracle call is
// returned as an error.
func (e *Engine) Generate(ctx context.Context, system string, turns []domain.Turn) (*Generation, error) {
	gen := &Generation{}
	turns = append([]domain.Turn(nil), turns...)

	var message string
	for iteration := 0; ; iteration++ {
		raw, err := e.call(ctx, system, turns)
		gen.OracleCalls++
		if err != nil {
			if iteration == 0 {
				return nil, fmt.Errorf("generation oracle: %w", err)
			}
			e.logger.Warn("generation oracle failed mid-loop, finalizing", "iteration", iteration, "err", err)
			break
		}

		out, perr := parseGeneration(raw)
		if perr != nil {
			e.logger.Debug("generation output not structured, using raw text", "err", perr)
			message = stripCodeFence(stripRolePrefix(strings.TrimSpace(raw)))
			gen.RawFallback = true
			break
		}
		message = out.Message

		if !out.NeedsTool || out.Tool == nil || !out.continues() {
			break
		}
		if iteration >= e.maxIter {
			e.logger.Info("tool iteration cap reached", "max", e.maxIter)
			break
		}

		attempt := e.runTool(ctx, *out.Tool, iteration+1)
		gen.Attempts = append(gen.Attempts, attempt)

		turns = append(turns,
			domain.Turn{Role: "assistant", Content: strings.TrimSpace(raw)},
			domain.Turn{Role: "user", Content: ToolFeedback(attempt, gen.Attempts, e.maxIter-iteration-1)},
		)
	}

	message = strings.TrimSpace(message)
	if message == "" {
		message = e.persona.Apology
	}
	gen.Text, gen.Truncated = truncateRunes(message, e.charLimit)
	return gen, nil
}

func (e *Engine) call(ctx context.Context, system string, turns []domain.Turn) (string, error) {
	temp := e.temperature
	return e.oracle.Generate(ctx, domain.OracleRequest{
		SystemPrompt: system,
		Turns:        turns,
		Format:       &domain.ResponseFormat{Name: "reply", Schema: generationSchema},
		MaxTokens:    e.maxTokens,
		Temperature:  &temp,
	})
}

func (e *Engine) runTool(ctx context.Context, req ToolRequest, iteration int) domain.ToolAttempt {
	kind := tool.ParseKind(req.Name)
	name := kind.String()
	if kind == tool.Unknown && strings.TrimSpace(req.Name) != "" {
		name = req.Name
	}

	attempt := domain.ToolAttempt{
		Tool:      name,
		Input:     preview(req.Input, e.inputPreview),
		Iteration: iteration,
	}

	var (
		out string
		err error
	)
	switch {
	case kind == tool.Unknown:
		err = fmt.Errorf("%w %q; available tools: python, web_search, web_fetch", tool.ErrUnknownTool, req.Name)
	case e.tools == nil:
		err = errors.New("tools are disabled")
	default:
		out, err = e.tools.Execute(ctx, kind, req.Input)
	}

	if err != nil {
		attempt.Error = preview(err.Error(), e.outputPreview)
		e.logger.Info("tool attempt failed", "tool", name, "iteration", iteration, "err", err)
	} else {
		attempt.Success = true
		attempt.Output = preview(out, e.outputPreview)
		e.logger.Info("tool attempt succeeded", "tool", name, "iteration", iteration, "output_len", len(out))
	}
	return attempt
}

// truncateRunes cuts s to at most limit characters.
func truncateRunes(s string, limit int) (string, bool) {
	if limit <= 0 {
		return s, false
	}
	n := 0
	for i := range s {
		if n == limit {
			return s[:i], true
		}
		n++
	}
	return s, false
}

func preview(s string, limit int) string {
	if t, cut := truncateRunes(s, limit); cut {
		return t + "...(truncated)"
	}
	return s
}

package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"chimein/internal/domain"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultAnthropicModel = "claude-sonnet-4-5-20250514"

type AnthropicConfig struct {
	Name    string
	APIKey  string
	APIBase string
	Model   string
	Logger  *slog.Logger
}

// Anthropic is an Oracle backed by the Messages API. Response format hints are
// carried as a JSON schema appended to the system prompt.
type Anthropic struct {
	name   string
	client anthropic.Client
	model  string
	logger *slog.Logger
}

var _ domain.Oracle = (*Anthropic)(nil)

func NewAnthropic(cfg AnthropicConfig) *Anthropic {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
		option.WithHTTPClient(oracleHTTPClient()),
	}
	if cfg.APIBase != "" {
		opts = append(opts, option.WithBaseURL(cfg.APIBase))
	}
	if cfg.Model == "" {
		cfg.Model = defaultAnthropicModel
	}
	if cfg.Name == "" {
		cfg.Name = "anthropic"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Anthropic{
		name:   cfg.Name,
		client: anthropic.NewClient(opts...),
		model:  cfg.Model,
		logger: cfg.Logger,
	}
}

func (p *Anthropic) Name() string { return p.name }

func (p *Anthropic) Generate(ctx context.Context, req domain.OracleRequest) (string, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	system, err := systemWithSchema(req.SystemPrompt, req.Format)
	if err != nil {
		return "", err
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: int64(maxTokens),
		Messages:  convertAnthropicTurns(req.Turns),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: system}}
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}

	start := time.Now()
	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("%s messages: %w", p.name, err)
	}

	p.logger.Debug("oracle call completed",
		"provider", p.name,
		"model", p.model,
		"duration_ms", time.Since(start).Milliseconds(),
		"input_tokens", resp.Usage.InputTokens,
		"output_tokens", resp.Usage.OutputTokens,
		"stop_reason", resp.StopReason,
	)

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return text.String(), nil
}

// convertAnthropicTurns merges consecutive same-role turns, since the API
// requires alternating roles starting with the user.
func convertAnthropicTurns(turns []domain.Turn) []anthropic.MessageParam {
	var (
		messages []anthropic.MessageParam
		lastRole string
	)
	for _, t := range turns {
		role := "user"
		if t.Role == "assistant" {
			role = "assistant"
		}
		if len(messages) == 0 && role == "assistant" {
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock("(conversation start)")))
			lastRole = "user"
		}

		content := t.Content
		if t.Name != "" && role == "user" {
			content = t.Name + ": " + content
		}

		if role == lastRole {
			last := &messages[len(messages)-1]
			last.Content = append(last.Content, anthropic.NewTextBlock(content))
			continue
		}

		if role == "assistant" {
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(content)))
		} else {
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(content)))
		}
		lastRole = role
	}
	return messages
}

func systemWithSchema(system string, format *domain.ResponseFormat) (string, error) {
	if format == nil || format.Schema == nil {
		return system, nil
	}
	schema, err := json.Marshal(format.Schema)
	if err != nil {
		return "", fmt.Errorf("marshal response schema: %w", err)
	}
	return system + "\n\nRespond with a single JSON object matching this schema, and nothing else:\n" + string(schema), nil
}

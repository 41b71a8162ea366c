package provider

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"chimein/internal/domain"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const (
	defaultOpenAIModel = "gpt-4o-mini"
	defaultMaxTokens   = 1024
	describeMaxTokens  = 300
	describePrompt     = "Describe this image in one or two sentences for someone who cannot see it. Mention any readable text."
)

// OpenAIConfig configures an OpenAI-compatible oracle. Any endpoint speaking the
// chat completions API (OpenAI, Ollama, OpenRouter, vLLM) works via APIBase.
type OpenAIConfig struct {
	Name        string
	APIKey      string
	APIBase     string
	Model       string
	VisionModel string
	Logger      *slog.Logger
}

// OpenAI is an Oracle and ImageDescriber backed by the chat completions API.
type OpenAI struct {
	name        string
	client      openai.Client
	model       string
	visionModel string
	logger      *slog.Logger
}

var (
	_ domain.Oracle         = (*OpenAI)(nil)
	_ domain.ImageDescriber = (*OpenAI)(nil)
)

func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0), // retries are handled by Retrying
		option.WithHTTPClient(oracleHTTPClient()),
	}
	if cfg.APIBase != "" {
		opts = append(opts, option.WithBaseURL(cfg.APIBase))
	}
	if cfg.Model == "" {
		cfg.Model = defaultOpenAIModel
	}
	if cfg.VisionModel == "" {
		cfg.VisionModel = cfg.Model
	}
	if cfg.Name == "" {
		cfg.Name = "openai"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &OpenAI{
		name:        cfg.Name,
		client:      openai.NewClient(opts...),
		model:       cfg.Model,
		visionModel: cfg.VisionModel,
		logger:      cfg.Logger,
	}
}

func (p *OpenAI) Name() string { return p.name }

func (p *OpenAI) Generate(ctx context.Context, req domain.OracleRequest) (string, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := openai.ChatCompletionNewParams{
		Model:     p.model,
		Messages:  p.convertTurns(req.SystemPrompt, req.Turns),
		MaxTokens: openai.Int(int64(maxTokens)),
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}
	if req.Format != nil {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
				JSONSchema: openai.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   req.Format.Name,
					Schema: req.Format.Schema,
					Strict: openai.Bool(false),
				},
			},
		}
	}

	start := time.Now()
	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("%s chat: %w", p.name, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%s chat: no choices in response", p.name)
	}

	p.logger.Debug("oracle call completed",
		"provider", p.name,
		"model", p.model,
		"duration_ms", time.Since(start).Milliseconds(),
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
		"finish_reason", resp.Choices[0].FinishReason,
	)

	return resp.Choices[0].Message.Content, nil
}

// DescribeImage asks the vision model for a short description of imageURL.
func (p *OpenAI) DescribeImage(ctx context.Context, imageURL string) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model: p.visionModel,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage([]openai.ChatCompletionContentPartUnionParam{
				openai.TextContentPart(describePrompt),
				openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: imageURL}),
			}),
		},
		MaxTokens: openai.Int(describeMaxTokens),
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("%s vision: %w", p.name, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%s vision: no choices in response", p.name)
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func (p *OpenAI) convertTurns(system string, turns []domain.Turn) []openai.ChatCompletionMessageParamUnion {
	result := make([]openai.ChatCompletionMessageParamUnion, 0, len(turns)+1)
	if system != "" {
		result = append(result, openai.SystemMessage(system))
	}

	for _, t := range turns {
		switch t.Role {
		case "assistant":
			result = append(result, openai.AssistantMessage(t.Content))
		default:
			if t.Name != "" {
				result = append(result, openai.ChatCompletionMessageParamUnion{
					OfUser: &openai.ChatCompletionUserMessageParam{
						Name: openai.String(sanitizeName(t.Name)),
						Content: openai.ChatCompletionUserMessageParamContentUnion{
							OfString: openai.String(t.Content),
						},
					},
				})
			} else {
				result = append(result, openai.UserMessage(t.Content))
			}
		}
	}
	return result
}

// sanitizeName keeps the characters the API accepts in a participant name.
func sanitizeName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		case r == ' ':
			b.WriteByte('_')
		}
	}
	if b.Len() > 64 {
		return b.String()[:64]
	}
	return b.String()
}

package agent

import (
	"context"
	"log/slog"
	"time"

	"chimein/internal/domain"
	"chimein/internal/metrics"
	"chimein/internal/provider"
)

// DecisionAdapterConfig configures the decision adapter.
type DecisionAdapterConfig struct {
	Oracle    domain.Oracle
	Store     domain.MessageStore
	Prompts   *PromptBuilder
	MaxTokens int
	Logger    *slog.Logger
}

// DecisionAdapter asks the decision oracle whether to speak and records every
// answer, including failures, as a Decision.
type DecisionAdapter struct {
	oracle    domain.Oracle
	store     domain.MessageStore
	prompts   *PromptBuilder
	maxTokens int
	logger    *slog.Logger
	now       func() time.Time
}

func NewDecisionAdapter(cfg DecisionAdapterConfig) *DecisionAdapter {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 300
	}
	if cfg.Prompts == nil {
		cfg.Prompts = NewPromptBuilder(nil, nil)
	}
	return &DecisionAdapter{
		oracle:    cfg.Oracle,
		store:     cfg.Store,
		prompts:   cfg.Prompts,
		maxTokens: cfg.MaxTokens,
		logger:    cfg.Logger,
		now:       time.Now,
	}
}

var verdictSchema = provider.SchemaFor[verdict]()

// Evaluate consults the oracle about window. It never returns an error for
// oracle or parse failures: those yield a failed, negative Decision whose
// Reason carries the error text. The returned Decision has its ID set when
// persistence succeeded.
func (a *DecisionAdapter) Evaluate(ctx context.Context, channelID string, window []domain.Message, ratio float64, count int) domain.Decision {
	d := domain.Decision{
		ChannelID:           channelID,
		EvaluatedAt:         a.now(),
		MessageCount:        count,
		DominanceRatio:      ratio,
		EvaluatedMessageIDs: make([]string, 0, len(window)),
	}
	for _, m := range window {
		d.EvaluatedMessageIDs = append(d.EvaluatedMessageIDs, m.ID)
	}

	req := domain.OracleRequest{
		SystemPrompt: a.prompts.DecisionSystem(ratio),
		Turns:        a.prompts.TranscriptTurns(window),
		Format:       &domain.ResponseFormat{Name: "decision", Schema: verdictSchema},
		MaxTokens:    a.maxTokens,
		Temperature:  provider.Temp(0.2),
	}

	raw, err := a.oracle.Generate(ctx, req)
	if err == nil {
		var v verdict
		v, err = parseVerdict(raw)
		if err == nil {
			d.ShouldRespond = v.ShouldRespond
			d.Reason = v.Reason
			d.TargetMessageID = v.TargetMessageID
		}
	}

	verdictLabel := "silent"
	switch {
	case err != nil:
		d.Failed = true
		d.ShouldRespond = false
		d.Reason = err.Error()
		verdictLabel = "failed"
		a.logger.Warn("decision oracle failed, staying silent", "channel_id", channelID, "err", err)
	case d.ShouldRespond:
		verdictLabel = "respond"
	}
	metrics.DecisionRecorded(verdictLabel)

	id, logErr := a.store.LogDecision(ctx, d)
	if logErr != nil {
		a.logger.Warn("failed to persist decision", "channel_id", channelID, "err", logErr)
	} else {
		d.ID = id
	}

	a.logger.Info("decision recorded",
		"channel_id", channelID,
		"decision_id", d.ID,
		"should_respond", d.ShouldRespond,
		"target", d.TargetMessageID,
		"ratio", ratio,
		"evaluated", len(window),
		"reason", d.Reason,
	)
	return d
}

package agent

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"chimein/internal/domain"
	"chimein/internal/persona"

	"github.com/google/uuid"
)

// Deliverer sends text to a channel, optionally as a reply, and returns the
// id the transport assigned to the sent message.
type Deliverer interface {
	Deliver(ctx context.Context, channelID, text, replyToID string) (string, error)
}

// AgentAuthorID is the author id stored on messages the agent sent.
const AgentAuthorID = "agent"

type ResponderConfig struct {
	Store      domain.MessageStore
	Engine     *Engine
	Prompts    *PromptBuilder
	Deliverer  Deliverer
	Persona    *persona.Persona
	Window     WindowConfig
	FetchLimit int
	OnSent     func(channelID string) // called after a successful delivery
	Logger     *slog.Logger
}

// Responder processes dispatch jobs: it builds the window, runs the
// generation engine, delivers the reply and records the outcome.
type Responder struct {
	store      domain.MessageStore
	engine     *Engine
	prompts    *PromptBuilder
	deliverer  Deliverer
	persona    *persona.Persona
	window     WindowConfig
	fetchLimit int
	onSent     func(string)
	logger     *slog.Logger
	now        func() time.Time
}

func NewResponder(cfg ResponderConfig) *Responder {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Persona == nil {
		cfg.Persona = persona.Default()
	}
	if cfg.Prompts == nil {
		cfg.Prompts = NewPromptBuilder(cfg.Persona, nil)
	}
	if cfg.FetchLimit <= 0 {
		cfg.FetchLimit = 50
	}
	if cfg.OnSent == nil {
		cfg.OnSent = func(string) {}
	}
	return &Responder{
		store:      cfg.Store,
		engine:     cfg.Engine,
		prompts:    cfg.Prompts,
		deliverer:  cfg.Deliverer,
		persona:    cfg.Persona,
		window:     cfg.Window,
		fetchLimit: cfg.FetchLimit,
		onSent:     cfg.OnSent,
		logger:     cfg.Logger,
		now:        time.Now,
	}
}

// Process handles one job end to end. Persistence failures after delivery are
// logged, not returned.
func (r *Responder) Process(ctx context.Context, job domain.DispatchJob) error {
	start := r.now()
	channelID := job.ChannelID

	recent, err := r.store.RecentMessages(ctx, channelID, r.fetchLimit)
	if err != nil {
		if job.Kind != domain.JobDirect {
			return fmt.Errorf("load history: %w", err)
		}
		r.logger.Warn("history unavailable, replying from trigger only", "channel_id", channelID, "err", err)
		recent = nil
	}
	window := BuildWindow(recent, r.now(), r.window)

	var replyTo string
	switch job.Kind {
	case domain.JobDirect:
		if job.Trigger == nil {
			return fmt.Errorf("direct job %s has no trigger", job.ID)
		}
		if !containsMessage(window, job.Trigger.ID) {
			window = append(window, *job.Trigger)
		}
		replyTo = job.Trigger.ID
	case domain.JobAutonomous:
		if containsMessage(window, job.TargetID) {
			replyTo = job.TargetID
		}
	default:
		return fmt.Errorf("unknown job kind %q", job.Kind)
	}

	gen, err := r.engine.Generate(ctx, r.prompts.GenerationSystem(job), r.prompts.TranscriptTurns(window))
	if err != nil {
		return err
	}

	sentID, err := r.deliverer.Deliver(ctx, channelID, gen.Text, replyTo)
	if err != nil {
		return fmt.Errorf("deliver reply: %w", err)
	}
	r.onSent(channelID)

	if sentID == "" {
		sentID = "local-" + uuid.NewString()
	}
	latency := r.now().Sub(start)

	r.logger.Info("reply sent",
		"job_id", job.ID,
		"kind", job.Kind,
		"channel_id", channelID,
		"message_id", sentID,
		"reply_to", replyTo,
		"oracle_calls", gen.OracleCalls,
		"tool_attempts", len(gen.Attempts),
		"truncated", gen.Truncated,
		"latency", latency,
	)

	r.record(ctx, job, gen, sentID, replyTo, latency)
	return nil
}

func (r *Responder) record(ctx context.Context, job domain.DispatchJob, gen *Generation, sentID, replyTo string, latency time.Duration) {
	now := r.now()
	err := r.store.UpsertMessage(ctx, domain.Message{
		ID:         sentID,
		ChannelID:  job.ChannelID,
		AuthorID:   AgentAuthorID,
		AuthorName: r.persona.Name,
		Body:       gen.Text,
		CreatedAt:  now,
		IsAgent:    true,
		ReplyToID:  replyTo,
	})
	if err != nil {
		r.logger.Warn("failed to store agent message", "channel_id", job.ChannelID, "message_id", sentID, "err", err)
	}

	rec := domain.ResponseRecord{
		ChannelID:    job.ChannelID,
		MessageID:    sentID,
		JobKind:      job.Kind,
		DecisionID:   job.DecisionID,
		Body:         gen.Text,
		ToolAttempts: slices.Clone(gen.Attempts),
		OracleCalls:  gen.OracleCalls,
		LatencyMs:    latency.Milliseconds(),
		CreatedAt:    now,
	}
	if job.Trigger != nil {
		rec.TriggerID = job.Trigger.ID
	}
	if _, err := r.store.LogResponse(ctx, rec); err != nil {
		r.logger.Warn("failed to log response", "channel_id", job.ChannelID, "err", err)
	}

	if job.Kind == domain.JobAutonomous && job.DecisionID != 0 {
		if err := r.store.MarkDecisionSent(ctx, job.DecisionID); err != nil {
			r.logger.Warn("failed to mark decision sent", "decision_id", job.DecisionID, "err", err)
		}
	}
}

// OnFailure sends the persona's apology in reply to a failed direct job.
func (r *Responder) OnFailure(ctx context.Context, job domain.DispatchJob, cause error) {
	if job.Kind != domain.JobDirect || job.Trigger == nil {
		return
	}
	if ctx.Err() != nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	if _, err := r.deliverer.Deliver(ctx, job.ChannelID, r.persona.Apology, job.Trigger.ID); err != nil {
		r.logger.Warn("failed to send apology", "channel_id", job.ChannelID, "cause", cause, "err", err)
	}
}

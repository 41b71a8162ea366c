package agent

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"chimein/internal/config"
	"chimein/internal/domain"
	"chimein/internal/metrics"
	"chimein/internal/persona"
	"chimein/internal/tool"
)

// Enricher derives annotations for a stored message. It is run in the
// background and must attach results itself.
type Enricher interface {
	Wants(msg domain.Message) bool
	Enrich(ctx context.Context, msg domain.Message)
}

// OrchestratorConfig wires the orchestration core.
type OrchestratorConfig struct {
	Config           *config.Config
	Store            domain.MessageStore
	DecisionOracle   domain.Oracle
	GenerationOracle domain.Oracle
	Tools            ToolRunner // nil disables tools
	Deliverer        Deliverer
	Persona          *persona.Persona
	Enricher         Enricher   // optional
	Rand             *rand.Rand // throttle randomness; nil seeds from the clock
	Logger           *slog.Logger
}

// Orchestrator is the entry point for inbound messages. It stores them,
// detects direct triggers and feeds the scheduler, whose jobs the dispatch
// queue hands to the responder one at a time.
type Orchestrator struct {
	store     domain.MessageStore
	persona   *persona.Persona
	enricher  Enricher
	scheduler *Scheduler
	queue     *Queue
	responder *Responder
	logger    *slog.Logger

	bgCtx    context.Context
	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup
}

func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	if cfg.Config == nil {
		cfg.Config = config.Defaults()
	}
	if cfg.Store == nil {
		return nil, errors.New("orchestrator: store is required")
	}
	if cfg.GenerationOracle == nil {
		return nil, errors.New("orchestrator: generation oracle is required")
	}
	if cfg.DecisionOracle == nil {
		cfg.DecisionOracle = cfg.GenerationOracle
	}
	if cfg.Deliverer == nil {
		return nil, errors.New("orchestrator: deliverer is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Persona == nil {
		cfg.Persona = persona.Default()
	}

	c := cfg.Config
	window := WindowConfig{
		MaxAge:        time.Duration(c.Context.MaxAgeMinutes) * time.Minute,
		MaxGap:        time.Duration(c.Context.MaxGapMinutes) * time.Minute,
		ContextBefore: c.Context.ContextBefore,
	}

	var kinds []tool.Kind
	if cfg.Tools != nil {
		kinds = tool.Kinds()
	}
	prompts := NewPromptBuilder(cfg.Persona, kinds)

	o := &Orchestrator{
		store:    cfg.Store,
		persona:  cfg.Persona,
		enricher: cfg.Enricher,
		logger:   cfg.Logger,
	}
	o.bgCtx, o.bgCancel = context.WithCancel(context.Background())

	engine := NewEngine(EngineConfig{
		Oracle:        cfg.GenerationOracle,
		Tools:         cfg.Tools,
		Persona:       cfg.Persona,
		MaxIterations: c.Generation.MaxToolIterations,
		CharLimit:     c.Generation.ReplyCharacterLimit,
		InputPreview:  c.Generation.ToolInputPreview,
		OutputPreview: c.Generation.ToolOutputPreview,
		MaxTokens:     c.Generation.MaxTokens,
		Temperature:   c.Generation.Temperature,
		Logger:        cfg.Logger.With("component", "engine"),
	})

	o.responder = NewResponder(ResponderConfig{
		Store:      cfg.Store,
		Engine:     engine,
		Prompts:    prompts,
		Deliverer:  cfg.Deliverer,
		Persona:    cfg.Persona,
		Window:     window,
		FetchLimit: c.Context.FetchLimit,
		OnSent:     func(channelID string) { o.scheduler.Cancel(channelID) },
		Logger:     cfg.Logger.With("component", "responder"),
	})

	o.queue = NewQueue(QueueConfig{
		Processor: o.responder,
		Delay:     time.Duration(c.Dispatch.InterJobDelayMs) * time.Millisecond,
		Capacity:  c.Dispatch.QueueCapacity,
		Logger:    cfg.Logger.With("component", "dispatch"),
	})

	o.scheduler = NewScheduler(SchedulerConfig{
		Store: cfg.Store,
		Evaluator: NewDecisionAdapter(DecisionAdapterConfig{
			Oracle:  cfg.DecisionOracle,
			Store:   cfg.Store,
			Prompts: prompts,
			Logger:  cfg.Logger.With("component", "decision"),
		}),
		Throttle: NewThrottle(ThrottleConfig{
			HardCeiling: c.Engagement.HardRatioCeiling,
			SoftCeiling: c.Engagement.SoftRatioCeiling,
			WindowSize:  c.Engagement.DominanceWindowSize,
			WindowAge:   time.Duration(c.Engagement.DominanceWindowMinutes) * time.Minute,
			Rand:        cfg.Rand,
		}),
		Queue:           o.queue,
		Window:          window,
		FetchLimit:      c.Context.FetchLimit,
		Debounce:        seconds(c.Engagement.DebounceSeconds),
		MentionDebounce: seconds(c.Engagement.MentionDebounceSeconds),
		Logger:          cfg.Logger.With("component", "scheduler"),
	})

	return o, nil
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// HandleInboundMessage records msg and schedules a reaction to it.
// Agent-authored messages are stored but never scheduled.
func (o *Orchestrator) HandleInboundMessage(ctx context.Context, msg domain.Message) error {
	if msg.ID == "" || msg.ChannelID == "" {
		return errors.New("inbound message missing id or channel")
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	if msg.IsAgent {
		if err := o.store.UpsertMessage(ctx, msg); err != nil {
			o.logger.Warn("failed to store agent message", "channel_id", msg.ChannelID, "message_id", msg.ID, "err", err)
		}
		return nil
	}

	metrics.MessagesTotal.Inc()
	direct := msg.MentionsAgent || o.repliesToAgent(ctx, msg)

	if err := o.store.UpsertMessage(ctx, msg); err != nil {
		o.logger.Warn("failed to store inbound message", "channel_id", msg.ChannelID, "message_id", msg.ID, "err", err)
	} else if o.enricher != nil && o.enricher.Wants(msg) {
		o.bgWG.Add(1)
		go func() {
			defer o.bgWG.Done()
			o.enricher.Enrich(o.bgCtx, msg)
		}()
	}

	o.logger.Debug("inbound message",
		"channel_id", msg.ChannelID,
		"message_id", msg.ID,
		"author", msg.AuthorName,
		"direct", direct,
	)

	o.scheduler.OnMessage(msg, direct, o.persona.Addresses(msg.Body))
	return nil
}

func (o *Orchestrator) repliesToAgent(ctx context.Context, msg domain.Message) bool {
	if msg.ReplyToID == "" {
		return false
	}
	target, err := o.store.GetMessage(ctx, msg.ChannelID, msg.ReplyToID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			o.logger.Warn("reply target lookup failed", "channel_id", msg.ChannelID, "target", msg.ReplyToID, "err", err)
		}
		return false
	}
	return target.IsAgent
}

// Run consumes bus until ctx is done or the bus closes, handling messages one
// at a time.
func (o *Orchestrator) Run(ctx context.Context, bus domain.MessageBus) error {
	in := bus.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-in:
			if !ok {
				return nil
			}
			if err := o.HandleInboundMessage(ctx, msg); err != nil {
				o.logger.Warn("inbound message rejected", "err", err)
			}
		}
	}
}

// Backfill stores the recent history of a transport's channels without
// scheduling anything. rawChannelIDs are transport-local.
func (o *Orchestrator) Backfill(ctx context.Context, t domain.Transport, rawChannelIDs []string, limit int) int {
	stored := 0
	for _, raw := range rawChannelIDs {
		msgs, err := t.FetchRecent(ctx, raw, limit)
		if err != nil {
			o.logger.Warn("backfill failed", "transport", t.Name(), "channel", raw, "err", err)
			continue
		}
		for _, m := range msgs {
			if err := o.store.UpsertMessage(ctx, m); err != nil {
				o.logger.Warn("backfill store failed", "channel_id", m.ChannelID, "message_id", m.ID, "err", err)
				continue
			}
			stored++
		}
	}
	o.logger.Info("backfill complete", "transport", t.Name(), "channels", len(rawChannelIDs), "messages", stored)
	return stored
}

// Shutdown cancels all debounce timers, drops queued jobs and waits for the
// in-flight job and background enrichment to stop.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.scheduler.Shutdown()
	err := o.queue.Shutdown(ctx)

	o.bgCancel()
	o.bgWG.Wait()
	return err
}

// Scheduler exposes the evaluation scheduler, mainly for status reporting.
func (o *Orchestrator) Scheduler() *Scheduler { return o.scheduler }

// Queue exposes the dispatch queue.
func (o *Orchestrator) Queue() *Queue { return o.queue }

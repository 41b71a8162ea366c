package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chimein/internal/agent"
	"chimein/internal/browser"
	"chimein/internal/bus"
	"chimein/internal/channel"
	"chimein/internal/config"
	"chimein/internal/domain"
	"chimein/internal/enrich"
	"chimein/internal/memory"
	"chimein/internal/metrics"
	"chimein/internal/persona"
	"chimein/internal/provider"
	"chimein/internal/security"
	"chimein/internal/tool"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout = 15 * time.Second
	// Transports connect asynchronously; history is fetched once they have had
	// a chance to log in.
	backfillDelay = 5 * time.Second
	busBuffer     = 256
)

// core is everything a running agent needs apart from its transports.
type core struct {
	store *memory.SQLiteStore
	bus   *bus.InMemoryBus
	orch  *agent.Orchestrator
}

// loadRuntimeConfig loads the config and installs the configured logger.
func loadRuntimeConfig() (*config.Config, func(), error) {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	closer, err := setupLogger(cfg)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(cfg.General.Workspace, 0o755); err != nil {
		closer.Close()
		return nil, nil, fmt.Errorf("create workspace: %w", err)
	}
	return cfg, func() { closer.Close() }, nil
}

// buildCore opens the store and wires providers, tools, enrichment and the
// orchestrator. register is called with the router before the orchestrator
// is built so transports can be added.
func buildCore(cfg *config.Config, register func(*bus.Router, *persona.Persona)) (*core, error) {
	pers, err := persona.Load(cfg.General.PersonaFile, logger)
	if err != nil {
		return nil, err
	}

	store, err := memory.NewSQLiteStore(cfg.Memory.DBPath, logger)
	if err != nil {
		return nil, fmt.Errorf("memory store: %w", err)
	}

	factory := provider.NewFactory(cfg, logger)
	genOracle, err := factory.Generation()
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("generation provider: %w", err)
	}
	decOracle, err := factory.Decision()
	if err != nil {
		logger.Warn("decision provider unavailable, using generation provider", "err", err)
		decOracle = genOracle
	}

	guard, err := security.NewEngine(cfg.Security, store, logger.With("component", "security"))
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("security engine: %w", err)
	}

	var renderer tool.Renderer
	if cfg.Tools.Browser.Enabled {
		if browser.Available() {
			renderer = browser.NewBridge(browser.BridgeConfig{
				ProfileDir: cfg.Tools.Browser.ProfileDir,
				Headless:   true,
				Logger:     logger.With("component", "browser"),
			})
		} else {
			logger.Warn("browser fetch enabled but no Chrome binary found, using plain HTTP")
		}
	}
	webTimeout := time.Duration(cfg.Tools.Web.TimeoutSeconds) * time.Second
	fetcher := tool.NewFetchTool(webTimeout, cfg.Tools.Web.FetchMaxBytes, renderer)

	tools := tool.NewExecutor(tool.ExecutorConfig{
		Python: tool.NewPythonSandbox(tool.PythonSandboxConfig{
			Enabled:   cfg.Tools.Python.Enabled,
			Image:     cfg.Tools.Python.Image,
			Timeout:   time.Duration(cfg.Tools.Python.TimeoutSeconds) * time.Second,
			MaxMemory: cfg.Tools.Python.MaxMemory,
			MaxCPU:    cfg.Tools.Python.MaxCPU,
			Logger:    logger.With("component", "python"),
		}),
		Search: tool.NewSearchTool(webTimeout),
		Fetch:  fetcher,
		Guard:  guard,
		Logger: logger.With("component", "tools"),
	})

	router := bus.NewRouter(logger)
	register(router, pers)

	var enricher agent.Enricher
	if e := cfg.Enrichment; e.Enabled {
		ecfg := enrich.Config{
			Store:      store,
			Cache:      store,
			MaxLinks:   e.MaxLinksPerMessage,
			SuccessTTL: time.Duration(e.SuccessTTLHours) * time.Hour,
			FailureTTL: time.Duration(e.FailureTTLMinutes) * time.Minute,
			Logger:     logger.With("component", "enrich"),
		}
		if e.DescribeImages {
			if d := factory.ImageDescriber(); d != nil {
				ecfg.Images = d
			} else {
				logger.Info("image descriptions disabled: no openai provider enabled")
			}
		}
		if e.SummarizeLinks {
			ecfg.Fetcher = fetcher
			ecfg.Summarizer = decOracle
		}
		enricher = enrich.New(ecfg)
	}

	orch, err := agent.NewOrchestrator(agent.OrchestratorConfig{
		Config:           cfg,
		Store:            store,
		DecisionOracle:   decOracle,
		GenerationOracle: genOracle,
		Tools:            tools,
		Deliverer:        router,
		Persona:          pers,
		Enricher:         enricher,
		Logger:           logger,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	logger.Info("agent ready",
		"persona", pers.Name,
		"generation_provider", genOracle.Name(),
		"decision_provider", decOracle.Name(),
	)
	return &core{
		store: store,
		bus:   bus.New(busBuffer, logger),
		orch:  orch,
	}, nil
}

// shutdown stops the orchestrator, then closes the bus and store.
func (c *core) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	err := c.orch.Shutdown(ctx)
	c.bus.Close()
	if cerr := c.store.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		logger.Warn("shutdown timed out, in-flight reply abandoned")
		return fmt.Errorf("shutdown timed out")
	}
	return err
}

// enabledTransports builds a transport for every enabled channel with the
// raw channel ids to backfill.
func enabledTransports(cfg *config.Config) map[domain.Transport][]string {
	out := make(map[domain.Transport][]string)
	ch := cfg.Channels

	if ch.Discord.Enabled && ch.Discord.Token != "" {
		out[channel.NewDiscord(channel.DiscordConfig{
			Token:      ch.Discord.Token,
			GuildID:    ch.Discord.GuildID,
			ChannelIDs: ch.Discord.ChannelIDs,
			Logger:     logger.With("transport", "discord"),
		})] = ch.Discord.ChannelIDs
	}
	if ch.Slack.Enabled && ch.Slack.BotToken != "" {
		out[channel.NewSlack(channel.SlackConfig{
			BotToken:   ch.Slack.BotToken,
			AppToken:   ch.Slack.AppToken,
			ChannelIDs: ch.Slack.ChannelIDs,
			Logger:     logger.With("transport", "slack"),
		})] = ch.Slack.ChannelIDs
	}
	if ch.Telegram.Enabled && ch.Telegram.Token != "" {
		// Telegram has no history API, so nothing to backfill.
		out[channel.NewTelegram(channel.TelegramConfig{
			Token:     ch.Telegram.Token,
			AllowFrom: ch.Telegram.AllowFrom,
			Logger:    logger.With("transport", "telegram"),
		})] = nil
	}
	return out
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, closeLog, err := loadRuntimeConfig()
	if err != nil {
		return err
	}
	defer closeLog()

	transports := enabledTransports(cfg)
	if len(transports) == 0 {
		return errors.New("no transports enabled; configure channels.discord, channels.slack or channels.telegram, or use 'chimein chat'")
	}

	c, err := buildCore(cfg, func(r *bus.Router, _ *persona.Persona) {
		for t := range transports {
			r.Register(t)
		}
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	for t, rawIDs := range transports {
		g.Go(func() error {
			if err := t.Start(gctx, c.bus); err != nil {
				return fmt.Errorf("%s transport: %w", t.Name(), err)
			}
			return nil
		})
		if len(rawIDs) > 0 {
			g.Go(func() error {
				select {
				case <-gctx.Done():
					return nil
				case <-time.After(backfillDelay):
				}
				c.orch.Backfill(gctx, t, rawIDs, cfg.Context.FetchLimit)
				return nil
			})
		}
	}
	g.Go(func() error { return c.orch.Run(gctx, c.bus) })
	if cfg.Metrics.Enabled {
		g.Go(func() error { return metrics.Collector.Serve(gctx, cfg.Metrics.Listen, logger) })
	}

	logger.Info("gateway started. Press Ctrl+C to stop.", "transports", len(transports))
	runErr := g.Wait()
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		logger.Error("gateway stopped with error", "err", runErr)
	}

	logger.Info("shutting down gateway...")
	if err := c.shutdown(); err != nil {
		return err
	}
	logger.Info("shutdown complete")
	if errors.Is(runErr, context.Canceled) {
		return nil
	}
	return runErr
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, closeLog, err := loadRuntimeConfig()
	if err != nil {
		return err
	}
	defer closeLog()

	var cli *channel.CLI
	c, err := buildCore(cfg, func(r *bus.Router, p *persona.Persona) {
		cli = channel.NewCLI(channel.CLIConfig{
			AgentName: p.Name,
			Logger:    logger.With("transport", "cli"),
		})
		r.Register(cli)
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	runDone := make(chan error, 1)
	go func() { runDone <- c.orch.Run(ctx, c.bus) }()

	cliErr := cli.Start(ctx, c.bus)
	cancel()
	<-runDone

	if err := c.shutdown(); err != nil {
		return err
	}
	return cliErr
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"chimein/internal/config"
	"chimein/internal/memory"
	"chimein/internal/provider"

	"github.com/spf13/cobra"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config
	envFile    string
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:   "chimein",
		Short: "chimein: a chat participant that knows when to speak",
		Long: `chimein follows group conversations on Discord, Slack and Telegram, answers
when addressed, and decides on its own when it has something worth adding.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return config.LoadDotEnv(envFile)
		},
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: ~/.chimein/config.json)")
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the config")

	root.AddCommand(initCmd())
	root.AddCommand(chatCmd())
	root.AddCommand(gatewayCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(decisionsCmd())
	root.AddCommand(configCmd())
	root.AddCommand(doctorCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config or the default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

// setupLogger replaces the bootstrap logger with one honoring the configured
// level and optional log file. The returned closer releases the file.
func setupLogger(cfg *config.Config) (io.Closer, error) {
	var level slog.Level
	switch cfg.General.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var w io.Writer = os.Stderr
	var closer io.Closer = io.NopCloser(nil)
	if cfg.General.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.General.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		w = io.MultiWriter(os.Stderr, f)
		closer = f
	}

	logger = slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return closer, nil
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config and create the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if _, err := os.Stat(cfgPath); err == nil {
				return fmt.Errorf("config already exists at %s", cfgPath)
			}
			cfg := config.Defaults()
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			workspace := config.ExpandPath(cfg.General.Workspace)
			if err := os.MkdirAll(workspace, 0o755); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath, "workspace", workspace)
			return nil
		},
	}
}

func chatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Talk to the agent in the terminal",
		RunE:  runChat,
	}
}

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Connect every enabled transport and start participating",
		Long:  "Starts Discord, Slack and Telegram transports as configured, backfills recent history and runs the orchestrator. Press Ctrl+C to stop.",
		RunE:  runGateway,
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show config, providers and transports",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				logger.Info("config", "path", cfgPath, "loaded", false, "err", err)
				cfg = config.Defaults()
			} else {
				logger.Info("config", "path", cfgPath, "loaded", true)
			}

			factory := provider.NewFactory(cfg, logger)
			if o, err := factory.Generation(); err != nil {
				logger.Info("generation provider", "ok", false, "err", err)
			} else {
				logger.Info("generation provider", "ok", true, "name", o.Name())
			}
			if o, err := factory.Decision(); err == nil {
				logger.Info("decision provider", "name", o.Name())
			}

			ch := cfg.Channels
			logger.Info("transports",
				"discord", ch.Discord.Enabled,
				"slack", ch.Slack.Enabled,
				"telegram", ch.Telegram.Enabled,
			)
			logger.Info("engagement",
				"debounce_seconds", cfg.Engagement.DebounceSeconds,
				"mention_debounce_seconds", cfg.Engagement.MentionDebounceSeconds,
				"hard_ceiling", cfg.Engagement.HardRatioCeiling,
				"soft_ceiling", cfg.Engagement.SoftRatioCeiling,
			)
			return nil
		},
	}
}

func decisionsCmd() *cobra.Command {
	var channelID string
	var limit int

	cmd := &cobra.Command{
		Use:   "decisions",
		Short: "Print recent should-respond decisions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			store, err := memory.NewSQLiteStore(cfg.Memory.DBPath, logger)
			if err != nil {
				return fmt.Errorf("memory store: %w", err)
			}
			defer store.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			ds, err := store.RecentDecisions(ctx, channelID, limit)
			if err != nil {
				return err
			}
			if len(ds) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no decisions recorded")
				return nil
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTIME\tCHANNEL\tVERDICT\tRATIO\tTARGET\tSENT\tEVALUATED\tREASON")
			for _, d := range ds {
				verdict := "silent"
				switch {
				case d.Failed:
					verdict = "failed"
				case d.ShouldRespond:
					verdict = "respond"
				}
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%.2f\t%s\t%t\t%s\t%s\n",
					d.ID,
					d.EvaluatedAt.Local().Format("01-02 15:04:05"),
					d.ChannelID,
					verdict,
					d.DominanceRatio,
					orDash(d.TargetMessageID),
					d.Sent,
					strings.Join(d.EvaluatedMessageIDs, ","),
					d.Reason,
				)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&channelID, "channel", "", "namespaced channel id, e.g. discord:1234 (default: all)")
	cmd.Flags().IntVar(&limit, "limit", 20, "number of decisions to show")
	return cmd
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:               "get [path]",
		Short:             "Get a config value (e.g. engagement.debounceSeconds)",
		Args:              cobra.ExactArgs(1),
		ValidArgsFunction: completeConfigPath,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.GetByPath(config.Sanitize(cfg), args[0])
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(val, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. engagement.hardRatioCeiling 0.35)",
		Long: "Set a config value. Lists take comma-separated items. Credentials cannot be set\n" +
			"here; put them in the config file or the environment.",
		Args:              cobra.ExactArgs(2),
		ValidArgsFunction: completeConfigPath,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return fmt.Errorf("set value: %w", err)
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			logger.Info("config updated", "path", args[0], "value", args[1], "file", cfgPath)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all config values",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			paths := config.ListPaths(config.Sanitize(cfg))
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, p := range slices.Sorted(maps.Keys(paths)) {
				val, _ := json.Marshal(paths[p])
				fmt.Fprintf(tw, "%s\t%s\n", p, val)
			}
			return tw.Flush()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), resolveConfigPath())
		},
	})

	return cmd
}

// completeConfigPath completes the first argument of config get/set.
func completeConfigPath(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	if len(args) > 0 {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		cfg = config.Defaults()
	}
	return config.CompletePath(cfg, toComplete), cobra.ShellCompDirectiveNoFileComp
}

package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"chimein/internal/browser"
	"chimein/internal/config"
	"chimein/internal/memory"
	"chimein/internal/persona"
	"chimein/internal/provider"
	"chimein/internal/tool"

	"github.com/spf13/cobra"
)

// doctorReport tallies check outcomes.
type doctorReport struct {
	passed, warned, failed int
}

func (r *doctorReport) pass(check, detail string) {
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
	r.passed++
}

func (r *doctorReport) warn(check, detail string) {
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
	r.warned++
}

func (r *doctorReport) fail(check, detail string) {
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
	r.failed++
}

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your chimein installation",
		Long: `Verifies that the configuration, database, providers, transports and tool
dependencies are set up. Reports pass/warn/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("chimein doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			var r doctorReport
			if _, err := os.Stat(cfgPath); err != nil {
				r.fail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Printf("\nRun 'chimein init' to create a default configuration.\n")
				return nil
			}
			r.pass("Config file", cfgPath)

			cfg, err := config.Load(cfgPath)
			if err != nil {
				r.fail("Config validation", err.Error())
				fmt.Printf("\n%d passed, %d failed\n", r.passed, r.failed)
				return fmt.Errorf("config invalid")
			}
			r.pass("Config validation", "valid")

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			checkWorkspace(&r, cfg)
			checkDatabase(ctx, &r, cfg.Memory.DBPath)
			checkPersona(&r, cfg)
			checkProviders(&r, cfg)
			checkTransports(&r, cfg)
			checkTools(ctx, &r, cfg)

			if cfg.Metrics.Enabled {
				if err := checkListen(cfg.Metrics.Listen); err != nil {
					r.warn("Metrics listener", fmt.Sprintf("%s may be in use: %v", cfg.Metrics.Listen, err))
				} else {
					r.pass("Metrics listener", cfg.Metrics.Listen+" available")
				}
			}

			if cfg.General.LogFile != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
					r.warn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
				} else {
					r.pass("Log file", cfg.General.LogFile)
				}
			}

			fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
			fmt.Printf("Results: %d passed, %d warnings, %d failed\n", r.passed, r.warned, r.failed)
			if r.failed > 0 {
				fmt.Printf("\nPlease fix the failed checks before running the gateway.\n")
				return fmt.Errorf("%d check(s) failed", r.failed)
			}
			if r.warned > 0 {
				fmt.Printf("\nchimein should work but consider fixing the warnings.\n")
			} else {
				fmt.Printf("\nAll checks passed.\n")
			}
			return nil
		},
	}
}

func checkWorkspace(r *doctorReport, cfg *config.Config) {
	ws := cfg.General.Workspace
	info, err := os.Stat(ws)
	switch {
	case err != nil:
		r.warn("Workspace", fmt.Sprintf("not found: %s (created on first run)", ws))
	case !info.IsDir():
		r.fail("Workspace", fmt.Sprintf("not a directory: %s", ws))
	default:
		r.pass("Workspace", ws)
	}
}

// checkDatabase opens the store, which also applies pending migrations.
func checkDatabase(ctx context.Context, r *doctorReport, dbPath string) {
	store, err := memory.NewSQLiteStore(dbPath, logger)
	if err != nil {
		r.fail("Database", err.Error())
		return
	}
	defer store.Close()
	if err := store.Ping(ctx); err != nil {
		r.fail("Database", fmt.Sprintf("cannot ping: %v", err))
		return
	}
	r.pass("Database", dbPath)
}

func checkPersona(r *doctorReport, cfg *config.Config) {
	p, err := persona.Load(cfg.General.PersonaFile, logger)
	if err != nil {
		r.fail("Persona", err.Error())
		return
	}
	r.pass("Persona", p.Name)
}

func checkProviders(r *doctorReport, cfg *config.Config) {
	enabled := 0
	for name, p := range cfg.Providers {
		if !p.Enabled {
			continue
		}
		enabled++
		if p.APIKey == "" {
			r.warn("Provider: "+name, "enabled but no API key configured")
		} else {
			r.pass("Provider: "+name, p.DefaultModel)
		}
	}
	if enabled == 0 {
		r.fail("Providers", "no providers enabled")
		return
	}

	factory := provider.NewFactory(cfg, logger)
	if _, err := factory.Generation(); err != nil {
		r.fail("Generation oracle", err.Error())
	}
	if factory.ImageDescriber() == nil && cfg.Enrichment.Enabled && cfg.Enrichment.DescribeImages {
		r.warn("Image descriptions", "needs an enabled openai provider")
	}
}

func checkTransports(r *doctorReport, cfg *config.Config) {
	ch := cfg.Channels
	configured := false
	if ch.Discord.Enabled {
		configured = true
		if ch.Discord.Token == "" {
			r.fail("Discord", "enabled but no token")
		} else {
			r.pass("Discord", fmt.Sprintf("%d channel(s) configured", len(ch.Discord.ChannelIDs)))
		}
	}
	if ch.Slack.Enabled {
		configured = true
		if ch.Slack.BotToken == "" || ch.Slack.AppToken == "" {
			r.fail("Slack", "needs both botToken and appToken")
		} else {
			r.pass("Slack", fmt.Sprintf("%d channel(s) configured", len(ch.Slack.ChannelIDs)))
		}
	}
	if ch.Telegram.Enabled {
		configured = true
		if ch.Telegram.Token == "" {
			r.fail("Telegram", "enabled but no token")
		} else {
			r.pass("Telegram", "token set")
		}
	}
	if !configured {
		r.warn("Transports", "none enabled; only 'chimein chat' will work")
	}
}

func checkTools(ctx context.Context, r *doctorReport, cfg *config.Config) {
	if cfg.Tools.Python.Enabled {
		if err := tool.CheckDocker(ctx); err != nil {
			r.warn("Python sandbox", fmt.Sprintf("docker unavailable: %v", err))
		} else {
			r.pass("Python sandbox", cfg.Tools.Python.Image)
		}
	}
	if cfg.Tools.Browser.Enabled {
		if browser.Available() {
			r.pass("Browser fetch", "chrome found")
		} else {
			r.warn("Browser fetch", "no chrome binary on PATH, plain HTTP will be used")
		}
	}
}

func checkListen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return ln.Close()
}

package config

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// envOverrides lists secrets and paths that may come from the environment
// instead of the config file.
type envOverrides struct {
	LogLevel      string `env:"CHIMEIN_LOG_LEVEL"`
	DBPath        string `env:"CHIMEIN_DB_PATH"`
	DiscordToken  string `env:"CHIMEIN_DISCORD_TOKEN"`
	SlackBotToken string `env:"CHIMEIN_SLACK_BOT_TOKEN"`
	SlackAppToken string `env:"CHIMEIN_SLACK_APP_TOKEN"`
	TelegramToken string `env:"CHIMEIN_TELEGRAM_TOKEN"`
	OpenAIKey     string `env:"OPENAI_API_KEY"`
	AnthropicKey  string `env:"ANTHROPIC_API_KEY"`
}

// ApplyEnv overlays non-empty environment overrides onto cfg.
func ApplyEnv(cfg *Config) error {
	var o envOverrides
	if err := env.Parse(&o); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}

	if o.LogLevel != "" {
		cfg.General.LogLevel = o.LogLevel
	}
	if o.DBPath != "" {
		cfg.Memory.DBPath = o.DBPath
	}
	if o.DiscordToken != "" {
		cfg.Channels.Discord.Token = o.DiscordToken
	}
	if o.SlackBotToken != "" {
		cfg.Channels.Slack.BotToken = o.SlackBotToken
	}
	if o.SlackAppToken != "" {
		cfg.Channels.Slack.AppToken = o.SlackAppToken
	}
	if o.TelegramToken != "" {
		cfg.Channels.Telegram.Token = o.TelegramToken
	}

	for name, pc := range cfg.Providers {
		switch {
		case pc.Kind == "openai" && pc.APIKey == "" && o.OpenAIKey != "":
			pc.APIKey = o.OpenAIKey
		case pc.Kind == "anthropic" && pc.APIKey == "" && o.AnthropicKey != "":
			pc.APIKey = o.AnthropicKey
		default:
			continue
		}
		cfg.Providers[name] = pc
	}
	return nil
}

// LoadDotEnv loads KEY=VALUE pairs from path into the process environment.
// A missing file is not an error; existing variables are not overwritten.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

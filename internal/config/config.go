package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Config is the root configuration for chimein.
type Config struct {
	General    GeneralConfig             `json:"general"`
	Providers  map[string]ProviderConfig `json:"providers"`
	Channels   ChannelsConfig            `json:"channels"`
	Memory     MemoryConfig              `json:"memory"`
	Engagement EngagementConfig          `json:"engagement"`
	Context    ContextConfig             `json:"context"`
	Generation GenerationConfig          `json:"generation"`
	Dispatch   DispatchConfig            `json:"dispatch"`
	Enrichment EnrichmentConfig          `json:"enrichment"`
	Security   SecurityConfig            `json:"security"`
	Tools      ToolsConfig               `json:"tools"`
	Metrics    MetricsConfig             `json:"metrics"`
}

type GeneralConfig struct {
	Workspace        string   `json:"workspace"`
	LogLevel         string   `json:"logLevel"`
	LogFile          string   `json:"logFile,omitempty"`
	DefaultProvider  string   `json:"defaultProvider"`
	DecisionProvider string   `json:"decisionProvider,omitempty"` // optional cheaper model for should-respond calls
	FailoverChain    []string `json:"failoverChain,omitempty"`
	PersonaFile      string   `json:"personaFile,omitempty"`
}

type ProviderConfig struct {
	Enabled         bool   `json:"enabled"`
	Kind            string `json:"kind"` // "openai" | "anthropic"
	APIBase         string `json:"apiBase,omitempty"`
	APIKey          string `json:"apiKey,omitempty"`
	DefaultModel    string `json:"defaultModel,omitempty"`
	VisionModel     string `json:"visionModel,omitempty"`
	RateLimitPerMin int    `json:"rateLimitPerMinute,omitempty"`
}

type ChannelsConfig struct {
	Discord  DiscordConfig  `json:"discord"`
	Slack    SlackConfig    `json:"slack"`
	Telegram TelegramConfig `json:"telegram"`
	CLI      CLIConfig      `json:"cli"`
}

type DiscordConfig struct {
	Enabled    bool           `json:"enabled"`
	Token      string         `json:"token"`
	GuildID    string         `json:"guildId,omitempty"`
	ChannelIDs FlexStringList `json:"channelIds,omitempty"` // empty = every channel the bot can read
}

type SlackConfig struct {
	Enabled    bool           `json:"enabled"`
	BotToken   string         `json:"botToken"`
	AppToken   string         `json:"appToken"` // required for Socket Mode
	ChannelIDs FlexStringList `json:"channelIds,omitempty"`
}

type TelegramConfig struct {
	Enabled   bool           `json:"enabled"`
	Token     string         `json:"token"`
	AllowFrom FlexStringList `json:"allowFrom"` // chat ids; empty = allow all
}

type CLIConfig struct {
	Enabled bool `json:"enabled"`
}

// FlexStringList is a []string that can unmarshal from arrays containing
// both strings and numbers (e.g. ["123", 456] both become "123", "456").
type FlexStringList []string

func (f *FlexStringList) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json5.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []any
	if err := json5.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, item := range raw {
		switch v := item.(type) {
		case string:
			result = append(result, v)
		case float64:
			result = append(result, strconv.FormatInt(int64(v), 10))
		default:
			result = append(result, fmt.Sprint(v))
		}
	}
	*f = result
	return nil
}

type MemoryConfig struct {
	DBPath string `json:"dbPath"`
}

// EngagementConfig tunes when the agent considers speaking unprompted.
type EngagementConfig struct {
	DebounceSeconds        float64 `json:"debounceSeconds"`
	MentionDebounceSeconds float64 `json:"mentionDebounceSeconds"`
	HardRatioCeiling       float64 `json:"hardRatioCeiling"`
	SoftRatioCeiling       float64 `json:"softRatioCeiling"`
	DominanceWindowSize    int     `json:"dominanceWindowSize"`
	DominanceWindowMinutes int     `json:"dominanceWindowMinutes"`
}

type ContextConfig struct {
	MaxAgeMinutes int `json:"maxAgeMinutes"`
	MaxGapMinutes int `json:"maxGapMinutes"`
	ContextBefore int `json:"contextBefore"`
	FetchLimit    int `json:"fetchLimit"`
}

type GenerationConfig struct {
	MaxToolIterations   int     `json:"maxToolIterations"`
	ReplyCharacterLimit int     `json:"replyCharacterLimit"`
	ToolInputPreview    int     `json:"toolInputPreview"`
	ToolOutputPreview   int     `json:"toolOutputPreview"`
	MaxTokens           int     `json:"maxTokens"`
	Temperature         float64 `json:"temperature"`
}

type DispatchConfig struct {
	InterJobDelayMs int `json:"interJobDelayMs"`
	QueueCapacity   int `json:"queueCapacity"`
}

type EnrichmentConfig struct {
	Enabled            bool `json:"enabled"`
	DescribeImages     bool `json:"describeImages"`
	SummarizeLinks     bool `json:"summarizeLinks"`
	MaxLinksPerMessage int  `json:"maxLinksPerMessage"`
	SuccessTTLHours    int  `json:"successTtlHours"`
	FailureTTLMinutes  int  `json:"failureTtlMinutes"`
}

type SecurityConfig struct {
	DefaultPolicy string   `json:"defaultPolicy"` // "allow" | "deny"
	Blacklist     []string `json:"blacklist"`
	Whitelist     []string `json:"whitelist"`
	AuditLog      bool     `json:"auditLog"`
}

type ToolsConfig struct {
	Python  PythonToolConfig  `json:"python"`
	Web     WebToolConfig     `json:"web"`
	Browser BrowserToolConfig `json:"browser"`
}

type PythonToolConfig struct {
	Enabled        bool   `json:"enabled"`
	Image          string `json:"image"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
	MaxMemory      string `json:"maxMemory"`
	MaxCPU         string `json:"maxCpu"`
}

type WebToolConfig struct {
	SearchProvider string `json:"searchProvider"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
	FetchMaxBytes  int    `json:"fetchMaxBytes"`
}

type BrowserToolConfig struct {
	Enabled    bool   `json:"enabled"` // render pages with headless Chrome instead of plain HTTP
	ProfileDir string `json:"profileDir,omitempty"`
}

// MetricsConfig configures the Prometheus metrics listener.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Listen  string `json:"listen"`
}

// DefaultConfigDir returns the default config directory (~/.chimein).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".chimein"
	}
	return filepath.Join(home, ".chimein")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	if err := ApplyEnv(cfg); err != nil {
		return nil, fmt.Errorf("apply environment overrides: %w", err)
	}

	cfg.General.Workspace = ExpandPath(cfg.General.Workspace)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.General.PersonaFile = ExpandPath(cfg.General.PersonaFile)
	cfg.Memory.DBPath = ExpandPath(cfg.Memory.DBPath)
	cfg.Tools.Browser.ProfileDir = ExpandPath(cfg.Tools.Browser.ProfileDir)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.General.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}

	e := cfg.Engagement
	if e.DebounceSeconds <= 0 {
		errs = append(errs, "engagement.debounceSeconds must be > 0")
	}
	if e.MentionDebounceSeconds <= 0 || e.MentionDebounceSeconds > e.DebounceSeconds {
		errs = append(errs, "engagement.mentionDebounceSeconds must be > 0 and <= debounceSeconds")
	}
	if e.HardRatioCeiling <= 0 || e.HardRatioCeiling > 1 {
		errs = append(errs, "engagement.hardRatioCeiling must be in (0, 1]")
	}
	if e.SoftRatioCeiling < 0 || e.SoftRatioCeiling >= e.HardRatioCeiling {
		errs = append(errs, "engagement.softRatioCeiling must be >= 0 and below hardRatioCeiling")
	}
	if e.DominanceWindowSize < 1 {
		errs = append(errs, "engagement.dominanceWindowSize must be >= 1")
	}
	if e.DominanceWindowMinutes < 1 {
		errs = append(errs, "engagement.dominanceWindowMinutes must be >= 1")
	}

	if cfg.Context.MaxAgeMinutes < 1 {
		errs = append(errs, "context.maxAgeMinutes must be >= 1")
	}
	if cfg.Context.MaxGapMinutes < 1 {
		errs = append(errs, "context.maxGapMinutes must be >= 1")
	}
	if cfg.Context.ContextBefore < 0 {
		errs = append(errs, "context.contextBefore must be >= 0")
	}
	if cfg.Context.FetchLimit < 1 {
		errs = append(errs, "context.fetchLimit must be >= 1")
	}

	if cfg.Generation.MaxToolIterations < 0 || cfg.Generation.MaxToolIterations > 50 {
		errs = append(errs, "generation.maxToolIterations must be between 0 and 50")
	}
	if cfg.Generation.ReplyCharacterLimit < 1 {
		errs = append(errs, "generation.replyCharacterLimit must be >= 1")
	}
	if cfg.Dispatch.InterJobDelayMs < 0 {
		errs = append(errs, "dispatch.interJobDelayMs must be >= 0")
	}

	switch cfg.Security.DefaultPolicy {
	case "allow", "deny":
	default:
		errs = append(errs, "security.defaultPolicy must be one of: allow, deny")
	}

	if cfg.Tools.Python.Enabled && cfg.Tools.Python.TimeoutSeconds < 1 {
		errs = append(errs, "tools.python.timeoutSeconds must be >= 1")
	}

	if cfg.General.DefaultProvider != "" {
		if _, ok := cfg.Providers[cfg.General.DefaultProvider]; !ok {
			errs = append(errs, fmt.Sprintf("general.defaultProvider references unknown provider: %s", cfg.General.DefaultProvider))
		}
	}
	if cfg.General.DecisionProvider != "" {
		if _, ok := cfg.Providers[cfg.General.DecisionProvider]; !ok {
			errs = append(errs, fmt.Sprintf("general.decisionProvider references unknown provider: %s", cfg.General.DecisionProvider))
		}
	}
	for _, provName := range cfg.General.FailoverChain {
		if _, ok := cfg.Providers[provName]; !ok {
			errs = append(errs, fmt.Sprintf("general.failoverChain references unknown provider: %s", provName))
		}
	}

	for name, pc := range cfg.Providers {
		if !pc.Enabled {
			continue
		}
		switch pc.Kind {
		case "openai", "anthropic":
		default:
			errs = append(errs, fmt.Sprintf("providers.%s: kind must be openai or anthropic", name))
		}
	}

	if cfg.Channels.Slack.Enabled && (cfg.Channels.Slack.BotToken == "" || cfg.Channels.Slack.AppToken == "") {
		errs = append(errs, "channels.slack: botToken and appToken are required")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

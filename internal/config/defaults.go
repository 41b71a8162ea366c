package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			Workspace:       "~/.chimein/workspace",
			LogLevel:        "info",
			DefaultProvider: "openai",
		},
		Providers: map[string]ProviderConfig{
			"openai": {
				Enabled:         true,
				Kind:            "openai",
				APIBase:         "https://api.openai.com/v1",
				DefaultModel:    "gpt-4o-mini",
				VisionModel:     "gpt-4o-mini",
				RateLimitPerMin: 30,
			},
			"anthropic": {
				Enabled:         false,
				Kind:            "anthropic",
				DefaultModel:    "claude-sonnet-4-5-20250514",
				RateLimitPerMin: 30,
			},
		},
		Channels: ChannelsConfig{
			CLI: CLIConfig{Enabled: true},
		},
		Memory: MemoryConfig{
			DBPath: "~/.chimein/chimein.db",
		},
		Engagement: EngagementConfig{
			DebounceSeconds:        45,
			MentionDebounceSeconds: 10,
			HardRatioCeiling:       0.40,
			SoftRatioCeiling:       0.15,
			DominanceWindowSize:    20,
			DominanceWindowMinutes: 30,
		},
		Context: ContextConfig{
			MaxAgeMinutes: 30,
			MaxGapMinutes: 30,
			ContextBefore: 10,
			FetchLimit:    50,
		},
		Generation: GenerationConfig{
			MaxToolIterations:   10,
			ReplyCharacterLimit: 2000,
			ToolInputPreview:    500,
			ToolOutputPreview:   1500,
			MaxTokens:           1024,
			Temperature:         0.8,
		},
		Dispatch: DispatchConfig{
			InterJobDelayMs: 1000,
			QueueCapacity:   100,
		},
		Enrichment: EnrichmentConfig{
			Enabled:            true,
			DescribeImages:     true,
			SummarizeLinks:     true,
			MaxLinksPerMessage: 3,
			SuccessTTLHours:    24 * 7,
			FailureTTLMinutes:  60,
		},
		Security: SecurityConfig{
			DefaultPolicy: "allow",
			Blacklist:     defaultBlacklist(),
			AuditLog:      true,
		},
		Tools: ToolsConfig{
			Python: PythonToolConfig{
				Enabled:        true,
				Image:          "python:3.12-alpine",
				TimeoutSeconds: 20,
				MaxMemory:      "256m",
				MaxCPU:         "0.5",
			},
			Web: WebToolConfig{
				SearchProvider: "duckduckgo",
				TimeoutSeconds: 15,
				FetchMaxBytes:  200 * 1024,
			},
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Listen:  "127.0.0.1:9464",
		},
	}
}

// defaultBlacklist blocks tool inputs that escape the sandbox or reach local hosts.
func defaultBlacklist() []string {
	return []string{
		`(?i)\bos\.system\s*\(`,
		`(?i)\bsubprocess\b`,
		`(?i)\bshutil\.rmtree\b`,
		`rm -rf`,
		`(?i)^file://`,
		`(?i)^https?://(localhost|127\.|0\.0\.0\.0|169\.254\.|10\.|192\.168\.|\[::1\])`,
	}
}

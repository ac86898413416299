package config

import "time"

// Built-in defaults. Each Default*Config constructor returns the values used
// when the YAML file omits the section; user-provided values are merged on
// top (non-zero values override).

// DefaultServerConfig returns the built-in API server defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Host: "127.0.0.1",
		Port: 8712,
	}
}

// DefaultGuardsConfig returns the built-in execution budgets.
func DefaultGuardsConfig() *GuardsConfig {
	return &GuardsConfig{
		ToolLoopMaxIterations:  40,
		WorkItemTokenBudget:    120000,
		WorkItemTimeoutSeconds: 300,
		WarningFraction:        0.8,
	}
}

// DefaultApprovalConfig returns the built-in envelope lifetime settings.
func DefaultApprovalConfig() *ApprovalConfig {
	return &ApprovalConfig{
		TTL:            15 * time.Minute,
		ClockSkew:      30 * time.Second,
		NonceRetention: 7 * 24 * time.Hour,
	}
}

// DefaultContextConfig returns the built-in history-pipeline settings.
func DefaultContextConfig() *ContextConfig {
	return &ContextConfig{
		WindowTokens:        200000,
		WarningThreshold:    0.80,
		CompactionThreshold: 0.90,
		KeepRecent:          5,
		TruncateMaxBytes:    5 * 1024,
	}
}

// DefaultRetentionConfig returns the built-in retention defaults.
func DefaultRetentionConfig() *RetentionConfig {
	return &RetentionConfig{
		TmpRetentionDays:      14,
		TmpMaxSizeMB:          500,
		CheckpointMaxAge:      72 * time.Hour,
		CleanupInterval:       1 * time.Hour,
		EnvelopeSweepInterval: 30 * time.Second,
	}
}

// DefaultLLMConfig returns the built-in model binding defaults.
func DefaultLLMConfig() *LLMConfig {
	return &LLMConfig{
		Provider:        "anthropic",
		Model:           "claude-sonnet-4-5",
		APIKeyEnv:       "ANTHROPIC_API_KEY",
		MaxOutputTokens: 8192,
	}
}

// DefaultSlackConfig returns the built-in Slack defaults (disabled).
func DefaultSlackConfig() *SlackConfig {
	return &SlackConfig{
		Enabled:  false,
		TokenEnv: "SLACK_BOT_TOKEN",
	}
}

// DefaultMaskingConfig returns the built-in output redaction defaults:
// enabled, built-in patterns only.
func DefaultMaskingConfig() *MaskingConfig {
	return &MaskingConfig{}
}

// DefaultTopicsConfig returns the built-in topic provider defaults.
func DefaultTopicsConfig() *TopicsConfig {
	return &TopicsConfig{
		CacheTTL: 1 * time.Minute,
	}
}

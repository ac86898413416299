package config

import "time"

// ServerConfig contains HTTP API server settings.
type ServerConfig struct {
	// Host is the listen address of the API server.
	Host string `yaml:"host"`

	// Port is the listen port of the API server.
	Port int `yaml:"port"`

	// AllowedWSOrigins are additional origin patterns accepted by the
	// WebSocket endpoint besides the server's own host.
	AllowedWSOrigins []string `yaml:"allowed_ws_origins"`
}

// GuardsConfig contains the per-work-item execution budgets enforced by the
// turn executor. A zero value on an agent override means "inherit".
type GuardsConfig struct {
	// ToolLoopMaxIterations caps tool calls within a single turn.
	ToolLoopMaxIterations int `yaml:"tool_loop_max_iterations"`

	// WorkItemTokenBudget caps cumulative prompt+completion tokens per item.
	WorkItemTokenBudget int `yaml:"work_item_token_budget"`

	// WorkItemTimeoutSeconds caps wall-clock time per item, measured from
	// turn start.
	WorkItemTimeoutSeconds int `yaml:"work_item_timeout_seconds"`

	// WarningFraction is the fraction of each budget at which a one-shot
	// warning is logged.
	WarningFraction float64 `yaml:"warning_fraction"`
}

// ApprovalConfig contains approval envelope lifetime settings.
type ApprovalConfig struct {
	// TTL is how long an envelope stays consumable after issue.
	TTL time.Duration `yaml:"ttl"`

	// ClockSkew widens the validity window on both ends to tolerate
	// submitter/worker clock drift.
	ClockSkew time.Duration `yaml:"clock_skew"`

	// NonceRetention is how long consumed and expired envelopes are kept to
	// reject replayed nonces before deletion.
	NonceRetention time.Duration `yaml:"nonce_retention"`
}

// ContextConfig contains history-pipeline sizing and thresholds.
type ContextConfig struct {
	// WindowTokens is the model context window used for pressure estimation.
	WindowTokens int `yaml:"window_tokens"`

	// WarningThreshold is the usage/window ratio that logs a pressure warning.
	WarningThreshold float64 `yaml:"warning_threshold"`

	// CompactionThreshold is the usage/window ratio above which history is
	// compacted. Kept strictly below 1.0 so compaction fires before overflow,
	// and at or above WarningThreshold.
	CompactionThreshold float64 `yaml:"compaction_threshold"`

	// KeepRecent is how many trailing messages survive compaction verbatim.
	KeepRecent int `yaml:"keep_recent"`

	// TruncateMaxBytes caps tool-return content before spill-to-file.
	TruncateMaxBytes int `yaml:"truncate_max_bytes"`
}

// RetentionConfig controls data retention and cleanup behavior.
type RetentionConfig struct {
	// TmpRetentionDays is how many days of per-agent tmp/ date directories
	// are kept before deletion.
	TmpRetentionDays int `yaml:"tmp_retention_days"`

	// TmpMaxSizeMB bounds the total size of each agent's tmp/ area; oldest
	// date directories are deleted first until the budget holds.
	TmpMaxSizeMB int `yaml:"tmp_max_size_mb"`

	// CheckpointMaxAge is the age past which stale checkpoints are deleted.
	CheckpointMaxAge time.Duration `yaml:"checkpoint_max_age"`

	// CleanupInterval is how often the cleanup loop runs.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`

	// EnvelopeSweepInterval is how often pending envelopes are swept for
	// expiry. Kept shorter than CleanupInterval so TTL breaches surface fast.
	EnvelopeSweepInterval time.Duration `yaml:"envelope_sweep_interval"`
}

// LLMConfig selects and configures the model binding.
type LLMConfig struct {
	// Provider picks the client implementation ("anthropic" or "mock").
	Provider string `yaml:"provider"`

	// Model is the default model identifier.
	Model string `yaml:"model"`

	// APIKeyEnv names the environment variable holding the provider API key.
	APIKeyEnv string `yaml:"api_key_env"`

	// MaxOutputTokens caps a single completion.
	MaxOutputTokens int `yaml:"max_output_tokens"`
}

// SlackConfig holds optional Slack notification settings.
type SlackConfig struct {
	Enabled  bool   `yaml:"enabled"`
	TokenEnv string `yaml:"token_env"`
	Channel  string `yaml:"channel"`
}

// MaskingConfig controls redaction of secret-shaped values in captured
// command output. Redaction runs before the output reaches conversation
// history, stream events, or spill files.
type MaskingConfig struct {
	// Disabled turns redaction off entirely.
	Disabled bool `yaml:"disabled"`

	// Patterns are custom redaction patterns applied after the built-in set.
	Patterns []MaskPattern `yaml:"patterns"`
}

// MaskPattern declares one custom redaction pattern.
type MaskPattern struct {
	Name        string `yaml:"name"`
	Pattern     string `yaml:"pattern"`
	Replacement string `yaml:"replacement"`
}

// TopicsConfig configures the topic provider.
type TopicsConfig struct {
	// Dir is an optional directory of topic files resolvable by topic_ref.
	Dir string `yaml:"dir"`

	// CacheTTL bounds how long resolved topic content is reused.
	CacheTTL time.Duration `yaml:"cache_ttl"`

	// Topics are inline topic declarations, keyed by name.
	Topics map[string]TopicConfig `yaml:"topics"`
}

// TopicConfig declares one topic.
type TopicConfig struct {
	// Priority orders injected instructions: critical, normal, low.
	Priority string `yaml:"priority"`

	// Instructions is the inline topic content.
	Instructions string `yaml:"instructions"`

	// File points at a topic file relative to TopicsConfig.Dir; used when
	// Instructions is empty.
	File string `yaml:"file"`
}

// AgentConfig contains per-agent overrides. Zero values inherit the
// system-wide settings.
type AgentConfig struct {
	// Model overrides the default LLM model for this agent.
	Model string `yaml:"model"`

	// Guards overrides individual execution budgets.
	Guards *GuardsConfig `yaml:"guards"`

	// ContextWindowTokens overrides the context window used for compaction.
	ContextWindowTokens int `yaml:"context_window_tokens"`

	// Topics names always-active topics for this agent.
	Topics []string `yaml:"topics"`
}

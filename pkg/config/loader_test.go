package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFileName), []byte(content), 0o644))
	return dir
}

func TestInitializeDefaultsWithoutFile(t *testing.T) {
	cfg, err := Initialize(context.Background(), t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 40, cfg.Guards.ToolLoopMaxIterations)
	assert.Equal(t, 120000, cfg.Guards.WorkItemTokenBudget)
	assert.Equal(t, 300, cfg.Guards.WorkItemTimeoutSeconds)
	assert.Equal(t, 0.8, cfg.Guards.WarningFraction)
	assert.Equal(t, 15*time.Minute, cfg.Approval.TTL)
	assert.Equal(t, 7*24*time.Hour, cfg.Approval.NonceRetention)
	assert.Equal(t, 0.80, cfg.Context.WarningThreshold)
	assert.Equal(t, 0.90, cfg.Context.CompactionThreshold)
	assert.Equal(t, 5*1024, cfg.Context.TruncateMaxBytes)
	assert.Equal(t, 14, cfg.Retention.TmpRetentionDays)
	assert.Equal(t, 500, cfg.Retention.TmpMaxSizeMB)
	assert.Equal(t, 0, cfg.AgentRegistry.Len())
}

func TestInitializeMergesUserValuesOverDefaults(t *testing.T) {
	dir := writeConfig(t, `
server:
  port: 9100
guards:
  tool_loop_max_iterations: 10
context:
  window_tokens: 50000
agents:
  alpha:
    model: claude-opus-4-1
    guards:
      work_item_timeout_seconds: 60
`)

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host) // default preserved
	assert.Equal(t, 10, cfg.Guards.ToolLoopMaxIterations)
	assert.Equal(t, 120000, cfg.Guards.WorkItemTokenBudget) // default preserved
	assert.Equal(t, 50000, cfg.Context.WindowTokens)

	agent, err := cfg.AgentRegistry.Get("alpha")
	require.NoError(t, err)
	assert.Equal(t, "claude-opus-4-1", agent.Model)

	guards := cfg.AgentGuards("alpha")
	assert.Equal(t, 60, guards.WorkItemTimeoutSeconds)
	assert.Equal(t, 10, guards.ToolLoopMaxIterations) // inherited
}

func TestInitializeEnvOverrides(t *testing.T) {
	t.Setenv("CONTEXT_WINDOW_TOKENS", "10000")
	t.Setenv("CONTEXT_WARNING_THRESHOLD", "0.4")
	t.Setenv("COMPACTION_THRESHOLD", "0.5")

	cfg, err := Initialize(context.Background(), t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 10000, cfg.Context.WindowTokens)
	assert.Equal(t, 0.4, cfg.Context.WarningThreshold)
	assert.Equal(t, 0.5, cfg.Context.CompactionThreshold)
}

func TestInitializeEnvExpansionInYAML(t *testing.T) {
	t.Setenv("TEST_SLACK_CHANNEL", "#approvals")
	dir := writeConfig(t, `
slack:
  enabled: true
  channel: "{{.TEST_SLACK_CHANNEL}}"
`)

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)
	assert.True(t, cfg.Slack.Enabled)
	assert.Equal(t, "#approvals", cfg.Slack.Channel)
}

func TestInitializeRejectsInvalidYAML(t *testing.T) {
	dir := writeConfig(t, "guards: [not a mapping")
	_, err := Initialize(context.Background(), dir)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidYAML)
}

func TestInitializeValidation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"compaction threshold above 1", "context:\n  compaction_threshold: 1.5"},
		{"warning above compaction", "context:\n  warning_threshold: 0.95"},
		{"zero iterations", "guards:\n  tool_loop_max_iterations: -3"},
		{"bad port", "server:\n  port: 70000"},
		{"agent topic missing", "agents:\n  alpha:\n    topics: [nonexistent]"},
		{"topic without content", "topics:\n  topics:\n    empty: {priority: normal}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := writeConfig(t, tt.yaml)
			_, err := Initialize(context.Background(), dir)
			assert.Error(t, err)
		})
	}
}

func TestAgentResolutionHelpers(t *testing.T) {
	dir := writeConfig(t, `
llm:
  model: base-model
agents:
  alpha:
    model: special-model
    context_window_tokens: 4096
`)

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, "special-model", cfg.AgentModel("alpha"))
	assert.Equal(t, "base-model", cfg.AgentModel("unknown"))
	assert.Equal(t, 4096, cfg.AgentContext("alpha").WindowTokens)
	assert.Equal(t, cfg.Context.WindowTokens, cfg.AgentContext("unknown").WindowTokens)

	guards := cfg.AgentGuards("unknown")
	assert.Equal(t, *cfg.Guards, guards)
}

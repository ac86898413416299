package config

// Config is the umbrella configuration object returned by Initialize() and
// used throughout the application.
type Config struct {
	configDir string // Configuration directory path (for reference)

	// Server is the HTTP API listener configuration.
	Server *ServerConfig

	// Queue configures the per-agent dispatcher.
	Queue *QueueConfig

	// Guards are the system-wide execution budgets.
	Guards *GuardsConfig

	// Approval configures envelope TTL, clock skew, and nonce retention.
	Approval *ApprovalConfig

	// Context configures the history pipeline.
	Context *ContextConfig

	// Retention configures cleanup of tmp areas, checkpoints, and envelopes.
	Retention *RetentionConfig

	// LLM configures the model binding.
	LLM *LLMConfig

	// Slack configures optional approval/completion notifications.
	Slack *SlackConfig

	// Masking configures redaction of captured command output.
	Masking *MaskingConfig

	// Topics configures the topic provider.
	Topics *TopicsConfig

	// AgentRegistry holds per-agent overrides.
	AgentRegistry *AgentRegistry
}

// Stats contains statistics about loaded configuration
type Stats struct {
	Agents int
	Topics int
}

// Stats returns configuration statistics for logging/monitoring
func (c *Config) Stats() Stats {
	s := Stats{}
	if c.AgentRegistry != nil {
		s.Agents = c.AgentRegistry.Len()
	}
	if c.Topics != nil {
		s.Topics = len(c.Topics.Topics)
	}
	return s
}

// ConfigDir returns the configuration directory path
func (c *Config) ConfigDir() string {
	return c.configDir
}

// AgentGuards resolves the effective execution budgets for an agent:
// system-wide guards with any per-agent non-zero overrides applied.
func (c *Config) AgentGuards(agentID string) GuardsConfig {
	guards := *c.Guards
	agent, err := c.AgentRegistry.Get(agentID)
	if err != nil || agent.Guards == nil {
		return guards
	}
	if agent.Guards.ToolLoopMaxIterations > 0 {
		guards.ToolLoopMaxIterations = agent.Guards.ToolLoopMaxIterations
	}
	if agent.Guards.WorkItemTokenBudget > 0 {
		guards.WorkItemTokenBudget = agent.Guards.WorkItemTokenBudget
	}
	if agent.Guards.WorkItemTimeoutSeconds > 0 {
		guards.WorkItemTimeoutSeconds = agent.Guards.WorkItemTimeoutSeconds
	}
	if agent.Guards.WarningFraction > 0 {
		guards.WarningFraction = agent.Guards.WarningFraction
	}
	return guards
}

// AgentContext resolves the effective context configuration for an agent.
func (c *Config) AgentContext(agentID string) ContextConfig {
	cc := *c.Context
	agent, err := c.AgentRegistry.Get(agentID)
	if err == nil && agent.ContextWindowTokens > 0 {
		cc.WindowTokens = agent.ContextWindowTokens
	}
	return cc
}

// AgentModel resolves the effective model identifier for an agent.
func (c *Config) AgentModel(agentID string) string {
	agent, err := c.AgentRegistry.Get(agentID)
	if err == nil && agent.Model != "" {
		return agent.Model
	}
	return c.LLM.Model
}

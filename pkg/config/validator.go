package config

import (
	"fmt"
	"regexp"
)

// ConfigValidator validates configuration comprehensively with clear error messages
type ConfigValidator struct {
	cfg *Config
}

// NewValidator creates a validator for the given configuration
func NewValidator(cfg *Config) *ConfigValidator {
	return &ConfigValidator{cfg: cfg}
}

// ValidateAll performs comprehensive validation (fail-fast - stops at first error)
func (v *ConfigValidator) ValidateAll() error {
	if err := v.validateServer(); err != nil {
		return fmt.Errorf("server validation failed: %w", err)
	}
	if err := v.validateGuards("guards", v.cfg.Guards, false); err != nil {
		return fmt.Errorf("guards validation failed: %w", err)
	}
	if err := v.validateApproval(); err != nil {
		return fmt.Errorf("approval validation failed: %w", err)
	}
	if err := v.validateContext(); err != nil {
		return fmt.Errorf("context validation failed: %w", err)
	}
	if err := v.validateRetention(); err != nil {
		return fmt.Errorf("retention validation failed: %w", err)
	}
	if err := v.validateMasking(); err != nil {
		return fmt.Errorf("masking validation failed: %w", err)
	}
	if err := v.validateTopics(); err != nil {
		return fmt.Errorf("topics validation failed: %w", err)
	}
	if err := v.validateAgents(); err != nil {
		return fmt.Errorf("agent validation failed: %w", err)
	}
	return nil
}

func (v *ConfigValidator) validateServer() error {
	if v.cfg.Server.Port < 1 || v.cfg.Server.Port > 65535 {
		return NewValidationError("server", "", "port", fmt.Errorf("%w: %d", ErrInvalidValue, v.cfg.Server.Port))
	}
	return nil
}

// validateGuards checks one guards block. Agent overrides allow zero values
// (zero means inherit); the system-wide block does not.
func (v *ConfigValidator) validateGuards(section string, g *GuardsConfig, isOverride bool) error {
	if g == nil {
		return nil
	}
	check := func(field string, value int) error {
		if value < 0 || (!isOverride && value == 0) {
			return NewValidationError(section, "", field, fmt.Errorf("must be positive"))
		}
		return nil
	}
	if err := check("tool_loop_max_iterations", g.ToolLoopMaxIterations); err != nil {
		return err
	}
	if err := check("work_item_token_budget", g.WorkItemTokenBudget); err != nil {
		return err
	}
	if err := check("work_item_timeout_seconds", g.WorkItemTimeoutSeconds); err != nil {
		return err
	}
	if g.WarningFraction < 0 || g.WarningFraction >= 1 {
		return NewValidationError(section, "", "warning_fraction", fmt.Errorf("must be in (0, 1)"))
	}
	return nil
}

func (v *ConfigValidator) validateApproval() error {
	if v.cfg.Approval.TTL <= 0 {
		return NewValidationError("approval", "", "ttl", fmt.Errorf("must be positive"))
	}
	if v.cfg.Approval.ClockSkew < 0 {
		return NewValidationError("approval", "", "clock_skew", fmt.Errorf("must not be negative"))
	}
	if v.cfg.Approval.NonceRetention <= 0 {
		return NewValidationError("approval", "", "nonce_retention", fmt.Errorf("must be positive"))
	}
	return nil
}

func (v *ConfigValidator) validateContext() error {
	c := v.cfg.Context
	if c.WindowTokens < 1 {
		return NewValidationError("context", "", "window_tokens", fmt.Errorf("must be positive"))
	}
	if c.WarningThreshold <= 0 || c.WarningThreshold >= 1 {
		return NewValidationError("context", "", "warning_threshold", fmt.Errorf("must be in (0, 1)"))
	}
	if c.CompactionThreshold <= 0 || c.CompactionThreshold >= 1 {
		return NewValidationError("context", "", "compaction_threshold", fmt.Errorf("must be strictly below 1.0"))
	}
	if c.WarningThreshold > c.CompactionThreshold {
		return NewValidationError("context", "", "warning_threshold", fmt.Errorf("must not exceed compaction_threshold"))
	}
	if c.KeepRecent < 1 {
		return NewValidationError("context", "", "keep_recent", fmt.Errorf("must be at least 1"))
	}
	if c.TruncateMaxBytes < 1 {
		return NewValidationError("context", "", "truncate_max_bytes", fmt.Errorf("must be positive"))
	}
	return nil
}

func (v *ConfigValidator) validateRetention() error {
	r := v.cfg.Retention
	if r.TmpRetentionDays < 1 {
		return NewValidationError("retention", "", "tmp_retention_days", fmt.Errorf("must be at least 1"))
	}
	if r.TmpMaxSizeMB < 1 {
		return NewValidationError("retention", "", "tmp_max_size_mb", fmt.Errorf("must be at least 1"))
	}
	if r.CheckpointMaxAge <= 0 {
		return NewValidationError("retention", "", "checkpoint_max_age", fmt.Errorf("must be positive"))
	}
	if r.CleanupInterval <= 0 {
		return NewValidationError("retention", "", "cleanup_interval", fmt.Errorf("must be positive"))
	}
	if r.EnvelopeSweepInterval <= 0 {
		return NewValidationError("retention", "", "envelope_sweep_interval", fmt.Errorf("must be positive"))
	}
	return nil
}

func (v *ConfigValidator) validateMasking() error {
	if v.cfg.Masking == nil {
		return nil
	}
	for _, p := range v.cfg.Masking.Patterns {
		if p.Name == "" {
			return NewValidationError("masking", "", "name", fmt.Errorf("%w: every pattern needs a name", ErrMissingRequiredField))
		}
		if _, err := regexp.Compile(p.Pattern); err != nil {
			return NewValidationError("masking", p.Name, "pattern", fmt.Errorf("%w: %v", ErrInvalidValue, err))
		}
	}
	return nil
}

func (v *ConfigValidator) validateTopics() error {
	for name, topic := range v.cfg.Topics.Topics {
		switch topic.Priority {
		case "", "critical", "normal", "low":
		default:
			return NewValidationError("topic", name, "priority", fmt.Errorf("%w: %s", ErrInvalidValue, topic.Priority))
		}
		if topic.Instructions == "" && topic.File == "" {
			return NewValidationError("topic", name, "instructions", fmt.Errorf("%w: instructions or file required", ErrMissingRequiredField))
		}
	}
	return nil
}

func (v *ConfigValidator) validateAgents() error {
	for _, name := range v.cfg.AgentRegistry.Names() {
		agent, err := v.cfg.AgentRegistry.Get(name)
		if err != nil {
			return err
		}
		if err := v.validateGuards("agent", agent.Guards, true); err != nil {
			return NewValidationError("agent", name, "guards", err)
		}
		if agent.ContextWindowTokens < 0 {
			return NewValidationError("agent", name, "context_window_tokens", fmt.Errorf("must be positive"))
		}
		for _, topic := range agent.Topics {
			if _, ok := v.cfg.Topics.Topics[topic]; !ok {
				return NewValidationError("agent", name, "topics", fmt.Errorf("topic '%s' not found", topic))
			}
		}
	}
	return nil
}

package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// ConfigFileName is the single YAML file the loader reads from configDir.
const ConfigFileName = "autopoiesis.yaml"

// YAMLConfig represents the complete autopoiesis.yaml file structure.
type YAMLConfig struct {
	Server    *ServerConfig          `yaml:"server"`
	Queue     *QueueConfig           `yaml:"queue"`
	Guards    *GuardsConfig          `yaml:"guards"`
	Approval  *ApprovalConfig        `yaml:"approval"`
	Context   *ContextConfig         `yaml:"context"`
	Retention *RetentionConfig       `yaml:"retention"`
	LLM       *LLMConfig             `yaml:"llm"`
	Slack     *SlackConfig           `yaml:"slack"`
	Masking   *MaskingConfig         `yaml:"masking"`
	Topics    *TopicsConfig          `yaml:"topics"`
	Agents    map[string]AgentConfig `yaml:"agents"`
}

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Read autopoiesis.yaml from configDir (absence falls back to defaults)
//  2. Expand environment variables
//  3. Parse YAML into structs
//  4. Merge user values over built-in defaults
//  5. Apply core environment overrides (CONTEXT_WINDOW_TOKENS et al.)
//  6. Build the agent registry
//  7. Validate all configuration
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	stats := cfg.Stats()
	log.Info("Configuration initialized successfully",
		"agents", stats.Agents,
		"topics", stats.Topics)

	return cfg, nil
}

// load is the internal loader (not exported)
func load(_ context.Context, configDir string) (*Config, error) {
	yamlCfg, err := loadYAMLConfig(configDir)
	if err != nil {
		return nil, NewLoadError(ConfigFileName, err)
	}

	cfg := &Config{
		configDir: configDir,
		Server:    DefaultServerConfig(),
		Queue:     DefaultQueueConfig(),
		Guards:    DefaultGuardsConfig(),
		Approval:  DefaultApprovalConfig(),
		Context:   DefaultContextConfig(),
		Retention: DefaultRetentionConfig(),
		LLM:       DefaultLLMConfig(),
		Slack:     DefaultSlackConfig(),
		Masking:   DefaultMaskingConfig(),
		Topics:    DefaultTopicsConfig(),
	}

	// Merge user-provided sections into defaults (non-zero values override).
	if yamlCfg != nil {
		if err := mergeSections(cfg, yamlCfg); err != nil {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)

	agents := map[string]AgentConfig{}
	if yamlCfg != nil {
		agents = yamlCfg.Agents
	}
	cfg.AgentRegistry = NewAgentRegistry(copyAgents(agents))

	return cfg, nil
}

// loadYAMLConfig reads and parses autopoiesis.yaml. A missing file is not an
// error: the server and the batch runner both work on pure defaults.
func loadYAMLConfig(configDir string) (*YAMLConfig, error) {
	path := filepath.Join(configDir, ConfigFileName)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Info("No configuration file found, using defaults", "path", path)
			return nil, nil
		}
		return nil, err
	}

	// Expand environment variables using {{.VAR}} template syntax.
	// ExpandEnv passes through original data on parse/execution errors,
	// letting the YAML parser produce the clearer error message.
	data = ExpandEnv(data)

	var cfg YAMLConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}
	return &cfg, nil
}

// applyEnvOverrides applies the environment variables the core honors over
// any file-provided values.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CONTEXT_WINDOW_TOKENS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Context.WindowTokens = n
		} else {
			slog.Warn("Ignoring invalid CONTEXT_WINDOW_TOKENS", "value", v)
		}
	}
	if v := os.Getenv("CONTEXT_WARNING_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 && f < 1 {
			cfg.Context.WarningThreshold = f
		} else {
			slog.Warn("Ignoring invalid CONTEXT_WARNING_THRESHOLD", "value", v)
		}
	}
	if v := os.Getenv("COMPACTION_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 && f < 1 {
			cfg.Context.CompactionThreshold = f
		} else {
			slog.Warn("Ignoring invalid COMPACTION_THRESHOLD", "value", v)
		}
	}
}

// copyAgents converts the parsed agent map into registry form.
func copyAgents(agents map[string]AgentConfig) map[string]*AgentConfig {
	result := make(map[string]*AgentConfig, len(agents))
	for name, agent := range agents {
		agentCopy := agent
		result[name] = &agentCopy
	}
	return result
}

// mergeSections merges each user-provided YAML section into the built-in
// defaults. Non-zero user values win.
func mergeSections(cfg *Config, yamlCfg *YAMLConfig) error {
	if yamlCfg.Server != nil {
		if err := mergo.Merge(cfg.Server, yamlCfg.Server, mergo.WithOverride); err != nil {
			return fmt.Errorf("failed to merge server config: %w", err)
		}
	}
	if yamlCfg.Queue != nil {
		if err := mergo.Merge(cfg.Queue, yamlCfg.Queue, mergo.WithOverride); err != nil {
			return fmt.Errorf("failed to merge queue config: %w", err)
		}
	}
	if yamlCfg.Guards != nil {
		if err := mergo.Merge(cfg.Guards, yamlCfg.Guards, mergo.WithOverride); err != nil {
			return fmt.Errorf("failed to merge guards config: %w", err)
		}
	}
	if yamlCfg.Approval != nil {
		if err := mergo.Merge(cfg.Approval, yamlCfg.Approval, mergo.WithOverride); err != nil {
			return fmt.Errorf("failed to merge approval config: %w", err)
		}
	}
	if yamlCfg.Context != nil {
		if err := mergo.Merge(cfg.Context, yamlCfg.Context, mergo.WithOverride); err != nil {
			return fmt.Errorf("failed to merge context config: %w", err)
		}
	}
	if yamlCfg.Retention != nil {
		if err := mergo.Merge(cfg.Retention, yamlCfg.Retention, mergo.WithOverride); err != nil {
			return fmt.Errorf("failed to merge retention config: %w", err)
		}
	}
	if yamlCfg.LLM != nil {
		if err := mergo.Merge(cfg.LLM, yamlCfg.LLM, mergo.WithOverride); err != nil {
			return fmt.Errorf("failed to merge llm config: %w", err)
		}
	}
	if yamlCfg.Slack != nil {
		if err := mergo.Merge(cfg.Slack, yamlCfg.Slack, mergo.WithOverride); err != nil {
			return fmt.Errorf("failed to merge slack config: %w", err)
		}
	}
	if yamlCfg.Masking != nil {
		if err := mergo.Merge(cfg.Masking, yamlCfg.Masking, mergo.WithOverride); err != nil {
			return fmt.Errorf("failed to merge masking config: %w", err)
		}
	}
	if yamlCfg.Topics != nil {
		if err := mergo.Merge(cfg.Topics, yamlCfg.Topics, mergo.WithOverride); err != nil {
			return fmt.Errorf("failed to merge topics config: %w", err)
		}
	}
	return nil
}

// validate performs comprehensive validation on loaded configuration
func validate(cfg *Config) error {
	validator := NewValidator(cfg)
	return validator.ValidateAll()
}

package config

import (
	"fmt"
	"sort"
)

// AgentRegistry holds per-agent configuration keyed by agent name. Built once
// at Initialize time and read-only afterwards.
type AgentRegistry struct {
	agents map[string]*AgentConfig
}

// NewAgentRegistry creates a registry from the merged agent map.
func NewAgentRegistry(agents map[string]*AgentConfig) *AgentRegistry {
	if agents == nil {
		agents = make(map[string]*AgentConfig)
	}
	return &AgentRegistry{agents: agents}
}

// Get retrieves an agent configuration by name.
func (r *AgentRegistry) Get(name string) (*AgentConfig, error) {
	agent, ok := r.agents[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, name)
	}
	return agent, nil
}

// GetOrDefault retrieves an agent configuration, falling back to an empty
// config for agents that rely entirely on system-wide settings. Queues
// auto-create for unknown agent ids, so absence here is not an error.
func (r *AgentRegistry) GetOrDefault(name string) *AgentConfig {
	if agent, ok := r.agents[name]; ok {
		return agent
	}
	return &AgentConfig{}
}

// Len returns the number of configured agents.
func (r *AgentRegistry) Len() int {
	return len(r.agents)
}

// Names returns the sorted names of all configured agents.
func (r *AgentRegistry) Names() []string {
	names := make([]string, 0, len(r.agents))
	for name := range r.agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Package workspace resolves the deterministic on-disk layout that isolates
// one agent from another. Every per-agent store (knowledge, subscriptions,
// history, approvals, signing keys) lives beneath the agent root returned by
// Resolve, and no agent's root is a prefix of another's.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Environment variables consumed by the resolver.
const (
	EnvHome  = "AUTOPOIESIS_HOME"
	EnvAgent = "AUTOPOIESIS_AGENT"
)

// DefaultAgentName is used when no agent is named explicitly or via environment.
const DefaultAgentName = "default"

// maxAgentNameLength bounds agent names so they stay usable as directory names.
const maxAgentNameLength = 64

// Paths is the resolved per-agent filesystem layout.
type Paths struct {
	AgentID string

	// Root is {home}/agents/{agent_id}.
	Root string

	// Workspace areas visible to the agent's tools.
	Workspace string
	Memory    string
	Skills    string
	Knowledge string
	Tmp       string

	// Data holds the agent's SQLite stores.
	Data string

	// Keys holds the signing keyring.
	Keys string
}

// KnowledgeDB returns the path of the agent's knowledge store.
func (p Paths) KnowledgeDB() string { return filepath.Join(p.Data, "knowledge.sqlite") }

// SubscriptionsDB returns the path of the agent's subscriptions store.
func (p Paths) SubscriptionsDB() string { return filepath.Join(p.Data, "subscriptions.sqlite") }

// HistoryDB returns the path of the agent's checkpoint store.
func (p Paths) HistoryDB() string { return filepath.Join(p.Data, "history.sqlite") }

// ApprovalsDB returns the path of the agent's approval envelope store.
func (p Paths) ApprovalsDB() string { return filepath.Join(p.Data, "approvals.sqlite") }

// ContainsPath reports whether path resolves inside the agent's workspace
// directory. Used to confine tool file access and subprocess working
// directories.
func (p Paths) ContainsPath(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	abs = filepath.Clean(abs)
	root := filepath.Clean(p.Workspace)
	if abs == root {
		return true
	}
	return strings.HasPrefix(abs, root+string(filepath.Separator))
}

// ValidateAgentName rejects names that would break workspace isolation.
func ValidateAgentName(name string) error {
	if name == "" {
		return fmt.Errorf("agent name must not be empty")
	}
	if len(name) > maxAgentNameLength {
		return fmt.Errorf("agent name %q exceeds %d characters", name, maxAgentNameLength)
	}
	if strings.Contains(name, "..") {
		return fmt.Errorf("agent name %q must not contain '..'", name)
	}
	if strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("agent name %q must not contain path separators", name)
	}
	return nil
}

// ResolveAgentName picks the effective agent name: explicit parameter first,
// then AUTOPOIESIS_AGENT, then "default".
func ResolveAgentName(explicit string) (string, error) {
	name := explicit
	if name == "" {
		name = os.Getenv(EnvAgent)
	}
	if name == "" {
		name = DefaultAgentName
	}
	if err := ValidateAgentName(name); err != nil {
		return "", err
	}
	return name, nil
}

// ResolveHome picks the autopoiesis home directory: AUTOPOIESIS_HOME first,
// then ~/.autopoiesis.
func ResolveHome() (string, error) {
	if home := os.Getenv(EnvHome); home != "" {
		return home, nil
	}
	userHome, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(userHome, ".autopoiesis"), nil
}

// Resolve computes the full per-agent layout without touching the filesystem.
func Resolve(agentID string) (Paths, error) {
	name, err := ResolveAgentName(agentID)
	if err != nil {
		return Paths{}, err
	}
	home, err := ResolveHome()
	if err != nil {
		return Paths{}, err
	}
	return resolveIn(home, name), nil
}

// ResolveIn is Resolve with an explicit home, bypassing environment lookup.
func ResolveIn(home, agentID string) (Paths, error) {
	name := agentID
	if name == "" {
		name = DefaultAgentName
	}
	if err := ValidateAgentName(name); err != nil {
		return Paths{}, err
	}
	return resolveIn(home, name), nil
}

// AgentsRoot returns the directory holding every agent root under home.
func AgentsRoot(home string) string {
	return filepath.Join(home, "agents")
}

func resolveIn(home, name string) Paths {
	root := filepath.Join(AgentsRoot(home), name)
	ws := filepath.Join(root, "workspace")
	return Paths{
		AgentID:   name,
		Root:      root,
		Workspace: ws,
		Memory:    filepath.Join(ws, "memory"),
		Skills:    filepath.Join(ws, "skills"),
		Knowledge: filepath.Join(ws, "knowledge"),
		Tmp:       filepath.Join(ws, "tmp"),
		Data:      filepath.Join(root, "data"),
		Keys:      filepath.Join(root, "keys"),
	}
}

// Ensure creates the agent's directory tree. Idempotent.
func (p Paths) Ensure() error {
	dirs := []string{p.Root, p.Workspace, p.Memory, p.Skills, p.Knowledge, p.Tmp, p.Data, p.Keys}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

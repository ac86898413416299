// Package agent executes work items: it bundles one agent's stores, keys,
// tools, and model client into a Runtime, runs bounded turns against the
// model, and routes tool calls through the approval gate.
package agent

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/autopoiesis-io/autopoiesis/pkg/approval"
	"github.com/autopoiesis-io/autopoiesis/pkg/checkpoint"
	"github.com/autopoiesis-io/autopoiesis/pkg/config"
	"github.com/autopoiesis-io/autopoiesis/pkg/database"
	"github.com/autopoiesis-io/autopoiesis/pkg/history"
	"github.com/autopoiesis-io/autopoiesis/pkg/knowledge"
	"github.com/autopoiesis-io/autopoiesis/pkg/llm"
	"github.com/autopoiesis-io/autopoiesis/pkg/masking"
	"github.com/autopoiesis-io/autopoiesis/pkg/models"
	"github.com/autopoiesis-io/autopoiesis/pkg/sandbox"
	"github.com/autopoiesis-io/autopoiesis/pkg/subscriptions"
	"github.com/autopoiesis-io/autopoiesis/pkg/tools"
	"github.com/autopoiesis-io/autopoiesis/pkg/topics"
	"github.com/autopoiesis-io/autopoiesis/pkg/workspace"
)

// Runtime bundles everything one agent needs to execute work items: its
// workspace, SQLite stores, signing keys, tool surface, and model client.
// Built at first use per agent id and reused for the life of the process.
type Runtime struct {
	AgentID string
	Paths   workspace.Paths

	Approvals     *approval.Store
	Keys          *approval.KeyManager
	Checkpoints   *checkpoint.Store
	Subscriptions *subscriptions.Store
	Knowledge     *knowledge.Store
	Tools         *tools.Registry
	LLM           llm.Client
	Guards        Guards

	// Model and MaxOutputTokens parameterise each model call.
	Model           string
	MaxOutputTokens int

	contextCfg  config.ContextConfig
	topicsProv  *topics.Provider
	agentTopics []string
	estimator   *history.Estimator

	dbs    []*sql.DB
	logger *slog.Logger
}

// NewRuntime resolves the agent's workspace under the configured home and
// assembles its runtime. The model client is shared between runtimes and
// closed by its owner, not by Runtime.Close.
func NewRuntime(ctx context.Context, agentID string, cfg *config.Config, client llm.Client) (*Runtime, error) {
	home, err := workspace.ResolveHome()
	if err != nil {
		return nil, err
	}
	return NewRuntimeIn(ctx, home, agentID, cfg, client)
}

// NewRuntimeIn assembles a runtime under an explicit home directory.
func NewRuntimeIn(ctx context.Context, home, agentID string, cfg *config.Config, client llm.Client) (*Runtime, error) {
	paths, err := workspace.ResolveIn(home, agentID)
	if err != nil {
		return nil, err
	}
	if err := paths.Ensure(); err != nil {
		return nil, fmt.Errorf("failed to create agent workspace: %w", err)
	}

	guards := GuardsFromConfig(cfg.AgentGuards(paths.AgentID))
	rt := &Runtime{
		AgentID:         paths.AgentID,
		Paths:           paths,
		LLM:             client,
		Guards:          guards,
		Model:           cfg.AgentModel(paths.AgentID),
		MaxOutputTokens: cfg.LLM.MaxOutputTokens,
		contextCfg:      cfg.AgentContext(paths.AgentID),
		topicsProv:      topics.NewProvider(*cfg.Topics),
		agentTopics:     cfg.AgentRegistry.GetOrDefault(paths.AgentID).Topics,
		logger:          slog.Default().With("component", "agent.runtime", "agent_id", paths.AgentID),
	}
	rt.estimator = history.NewEstimator(rt.Model)

	if err := rt.openStores(ctx, cfg); err != nil {
		rt.Close()
		return nil, err
	}

	rt.Keys, err = approval.NewKeyManager(paths.Keys)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("failed to open keyring: %w", err)
	}

	runner := sandbox.NewRunner(sandbox.Options{
		Paths:   paths,
		Timeout: guards.Timeout,
		Masker:  masking.FromConfig(cfg.Masking),
	})
	rt.Tools = tools.NewRegistry()
	if err := rt.Tools.Register(tools.NewExecTool(runner)); err != nil {
		rt.Close()
		return nil, err
	}
	if err := rt.Tools.Register(tools.NewReadFileTool(paths)); err != nil {
		rt.Close()
		return nil, err
	}

	rt.logger.Info("Agent runtime ready",
		"workspace", paths.Root,
		"model", rt.Model,
		"keyring_initialized", rt.Keys.Initialized())
	return rt, nil
}

func (rt *Runtime) openStores(ctx context.Context, cfg *config.Config) error {
	approvalsDB, err := database.Open(ctx, rt.Paths.ApprovalsDB())
	if err != nil {
		return fmt.Errorf("failed to open approvals database: %w", err)
	}
	rt.dbs = append(rt.dbs, approvalsDB)
	if rt.Approvals, err = approval.NewStore(approvalsDB, cfg.Approval); err != nil {
		return err
	}

	historyDB, err := database.Open(ctx, rt.Paths.HistoryDB())
	if err != nil {
		return fmt.Errorf("failed to open history database: %w", err)
	}
	rt.dbs = append(rt.dbs, historyDB)
	if rt.Checkpoints, err = checkpoint.NewStore(historyDB); err != nil {
		return err
	}

	subsDB, err := database.Open(ctx, rt.Paths.SubscriptionsDB())
	if err != nil {
		return fmt.Errorf("failed to open subscriptions database: %w", err)
	}
	rt.dbs = append(rt.dbs, subsDB)
	if rt.Subscriptions, err = subscriptions.NewStore(subsDB); err != nil {
		return err
	}

	knowledgeDB, err := database.Open(ctx, rt.Paths.KnowledgeDB())
	if err != nil {
		return fmt.Errorf("failed to open knowledge database: %w", err)
	}
	rt.dbs = append(rt.dbs, knowledgeDB)
	if rt.Knowledge, err = knowledge.NewStore(knowledgeDB); err != nil {
		return err
	}
	return nil
}

// Pipeline assembles the history pipeline for one work item, in fixed stage
// order: truncate, compact, materialise, inject topics, checkpoint.
func (rt *Runtime) Pipeline(topicRef string) (*history.Pipeline, error) {
	active, err := rt.activeTopics(topicRef)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve topics: %w", err)
	}
	return history.NewPipeline(
		history.NewTruncator(rt.contextCfg.TruncateMaxBytes, rt.Paths.Workspace),
		history.NewCompactor(rt.estimator, history.CompactorOptions{
			WindowTokens:        rt.contextCfg.WindowTokens,
			WarningThreshold:    rt.contextCfg.WarningThreshold,
			CompactionThreshold: rt.contextCfg.CompactionThreshold,
			KeepRecent:          rt.contextCfg.KeepRecent,
		}),
		history.NewMaterialiser(rt.Paths, rt.Subscriptions, rt.Knowledge),
		history.NewTopicInjector(active),
		history.NewCheckpointStage(rt.Checkpoints),
	), nil
}

// activeTopics resolves the item's topic_ref plus the agent's standing
// topics, deduplicated by name.
func (rt *Runtime) activeTopics(topicRef string) ([]models.Topic, error) {
	active, err := rt.topicsProv.ActiveFor(topicRef)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(active))
	for _, t := range active {
		seen[t.Name] = true
	}
	for _, name := range rt.agentTopics {
		if seen[name] {
			continue
		}
		extra, err := rt.topicsProv.ActiveFor(name)
		if err != nil {
			return nil, err
		}
		for _, t := range extra {
			if !seen[t.Name] {
				seen[t.Name] = true
				active = append(active, t)
			}
		}
	}
	return active, nil
}

// Scope returns the approval scope binding envelopes to this runtime and the
// given work item.
func (rt *Runtime) Scope(workItemID string) models.Scope {
	return models.Scope{
		WorkspaceRoot: rt.Paths.Root,
		WorkItemID:    workItemID,
		AgentName:     rt.AgentID,
	}
}

// Close releases the runtime's database handles.
func (rt *Runtime) Close() error {
	var errs []error
	for _, db := range rt.dbs {
		if err := db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	rt.dbs = nil
	return errors.Join(errs...)
}

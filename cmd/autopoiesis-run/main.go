// The autopoiesis batch submitter: runs one work item in process, walks the
// approval rounds on the terminal, and prints a JSON result envelope on
// stdout.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/autopoiesis-io/autopoiesis/pkg/agent"
	"github.com/autopoiesis-io/autopoiesis/pkg/config"
	"github.com/autopoiesis-io/autopoiesis/pkg/events"
	"github.com/autopoiesis-io/autopoiesis/pkg/llm"
	"github.com/autopoiesis-io/autopoiesis/pkg/models"
	"github.com/autopoiesis-io/autopoiesis/pkg/workspace"
)

// batchResult is the envelope printed when the run ends.
type batchResult struct {
	Success        bool    `json:"success"`
	Result         *string `json:"result"`
	Error          *string `json:"error"`
	ApprovalRounds int     `json:"approval_rounds"`
	ElapsedSeconds float64 `json:"elapsed_seconds"`
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("AUTOPOIESIS_CONFIG", "./config"),
		"Path to configuration directory")
	agentID := flag.String("agent", "", "Agent id (default: AUTOPOIESIS_AGENT or \"default\")")
	topicRef := flag.String("topic", "", "Topic reference activated for this run")
	itemType := flag.String("type", string(models.WorkItemChat), "Work item type: chat, code, review, planning")
	approveAll := flag.Bool("yes", false, "Approve every pending tool call without prompting")
	flag.Parse()

	prompt := strings.TrimSpace(strings.Join(flag.Args(), " "))
	if prompt == "" {
		fmt.Fprintln(os.Stderr, "usage: autopoiesis-run [flags] <prompt>")
		os.Exit(1)
	}

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err == nil {
		slog.Info("Loaded environment", "path", envPath)
	}

	// Ctrl-C cancels the in-flight turn; the checkpoint survives for a rerun.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	name, err := workspace.ResolveAgentName(*agentID)
	if err != nil {
		slog.Error("Invalid agent name", "error", err)
		os.Exit(1)
	}

	llmClient, err := llm.NewClient(*cfg.LLM)
	if err != nil {
		slog.Error("Failed to initialize LLM client",
			"provider", cfg.LLM.Provider, "error", err)
		os.Exit(1)
	}
	defer func() { _ = llmClient.Close() }()

	registry := agent.NewRegistry(func(ctx context.Context, agentID string) (*agent.Runtime, error) {
		return agent.NewRuntime(ctx, agentID, cfg, llmClient)
	})
	defer func() { _ = registry.Shutdown() }()

	// Tokens and tool progress go to stderr; stdout carries the result
	// envelope alone.
	executor := agent.NewExecutor(registry, nil, func(*models.WorkItem) events.StreamHandle {
		return events.NewTerminalHandle(os.Stderr)
	})

	rt, err := registry.GetOrCreate(ctx, name)
	if err != nil {
		slog.Error("Failed to build agent runtime", "agent_id", name, "error", err)
		os.Exit(1)
	}

	in := bufio.NewReader(os.Stdin)

	// Deferring requires a signing key, so the keyring is created up front
	// instead of failing mid-turn.
	if !rt.Keys.Initialized() {
		passphrase, err := passphraseFor(in, "Passphrase for new signing key: ")
		if err != nil {
			slog.Error("Failed to read passphrase", "error", err)
			os.Exit(1)
		}
		keyID, err := rt.Keys.CreateInitialKey(passphrase)
		if err != nil {
			slog.Error("Failed to create signing key", "error", err)
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "Created signing key %s\n", keyID)
	}

	start := time.Now()
	result := runTurn(ctx, executor, rt, in, turnArgs{
		agentID:    name,
		prompt:     prompt,
		topicRef:   *topicRef,
		itemType:   models.WorkItemType(*itemType),
		approveAll: *approveAll,
	})
	result.ElapsedSeconds = time.Since(start).Seconds()

	if err := json.NewEncoder(os.Stdout).Encode(result); err != nil {
		slog.Error("Failed to encode result", "error", err)
		os.Exit(1)
	}
	if !result.Success {
		os.Exit(1)
	}
}

type turnArgs struct {
	agentID    string
	prompt     string
	topicRef   string
	itemType   models.WorkItemType
	approveAll bool
}

// runTurn executes the work item and its approval continuations until the
// turn produces text or fails.
func runTurn(ctx context.Context, executor *agent.Executor, rt *agent.Runtime, in *bufio.Reader, args turnArgs) batchResult {
	item := &models.WorkItem{
		ID:       uuid.NewString(),
		Type:     args.itemType,
		Priority: models.PriorityNormal,
		AgentID:  args.agentID,
		TopicRef: args.topicRef,
		Input:    models.WorkItemInput{Prompt: args.prompt},
	}
	if err := item.Validate(); err != nil {
		return failure(err, 0)
	}
	turnID := item.ID

	var rounds int
	for {
		output, err := executor.Execute(ctx, item)
		if err != nil {
			return failure(err, rounds)
		}
		if !output.IsDeferred() {
			return batchResult{Success: true, Result: &output.Text, ApprovalRounds: rounds}
		}

		var deferred models.DeferredToolRequests
		if err := json.Unmarshal([]byte(output.DeferredToolRequestsJSON), &deferred); err != nil {
			return failure(fmt.Errorf("malformed deferred requests: %w", err), rounds)
		}
		decisions, err := collectDecisions(in, &deferred, args.approveAll)
		if err != nil {
			return failure(err, rounds)
		}
		if err := ensureUnlocked(in, rt); err != nil {
			return failure(err, rounds)
		}
		if err := rt.Approvals.StoreSignedApproval(ctx, deferred.Nonce, decisions, rt.Keys); err != nil {
			return failure(err, rounds)
		}
		submission, err := json.Marshal(models.DecisionsSubmission{Nonce: deferred.Nonce, Decisions: decisions})
		if err != nil {
			return failure(err, rounds)
		}

		rounds++
		item = &models.WorkItem{
			ID:       uuid.NewString(),
			Type:     args.itemType,
			Priority: models.PriorityCritical,
			AgentID:  args.agentID,
			Input: models.WorkItemInput{
				DeferredToolResultsJSON: string(submission),
				ApprovalContextID:       turnID,
			},
		}
	}
}

func failure(err error, rounds int) batchResult {
	msg := err.Error()
	return batchResult{Error: &msg, ApprovalRounds: rounds}
}

// collectDecisions renders the pending calls and gathers one verdict per
// call.
func collectDecisions(in *bufio.Reader, deferred *models.DeferredToolRequests, approveAll bool) ([]models.Decision, error) {
	if approveAll {
		return approveEverything(deferred.Requests), nil
	}

	fmt.Fprintf(os.Stderr, "\nApproval required (plan %s):\n", deferred.PlanHashPrefix)
	for i, req := range deferred.Requests {
		fmt.Fprintf(os.Stderr, "  [%d] %s %s\n", i+1, req.ToolName, string(req.Args))
	}

	for {
		choice, err := promptLine(in, "Approve all [a], deny all [d], or decide one by one [o]? ")
		if err != nil {
			return nil, err
		}
		switch strings.ToLower(choice) {
		case "a":
			return approveEverything(deferred.Requests), nil
		case "d":
			reason, err := promptLine(in, "Denial reason (optional): ")
			if err != nil {
				return nil, err
			}
			return denyEverything(deferred.Requests, reason), nil
		case "o":
			return decideEach(in, deferred.Requests)
		}
	}
}

func approveEverything(requests []models.ToolCallRequest) []models.Decision {
	decisions := make([]models.Decision, 0, len(requests))
	for _, req := range requests {
		decisions = append(decisions, models.Decision{ToolCallID: req.ToolCallID, Approved: true})
	}
	return decisions
}

func denyEverything(requests []models.ToolCallRequest, reason string) []models.Decision {
	var msg *string
	if reason != "" {
		msg = &reason
	}
	decisions := make([]models.Decision, 0, len(requests))
	for _, req := range requests {
		decisions = append(decisions, models.Decision{ToolCallID: req.ToolCallID, DenialMessage: msg})
	}
	return decisions
}

func decideEach(in *bufio.Reader, requests []models.ToolCallRequest) ([]models.Decision, error) {
	decisions := make([]models.Decision, 0, len(requests))
	for _, req := range requests {
		answer, err := promptLine(in, fmt.Sprintf("Approve %s [y/N]? ", req.ToolName))
		if err != nil {
			return nil, err
		}
		if strings.EqualFold(answer, "y") || strings.EqualFold(answer, "yes") {
			decisions = append(decisions, models.Decision{ToolCallID: req.ToolCallID, Approved: true})
			continue
		}
		reason, err := promptLine(in, "Denial reason (optional): ")
		if err != nil {
			return nil, err
		}
		var msg *string
		if reason != "" {
			msg = &reason
		}
		decisions = append(decisions, models.Decision{ToolCallID: req.ToolCallID, DenialMessage: msg})
	}
	return decisions, nil
}

func ensureUnlocked(in *bufio.Reader, rt *agent.Runtime) error {
	if rt.Keys.Unlocked() {
		return nil
	}
	passphrase, err := passphraseFor(in, "Keyring passphrase: ")
	if err != nil {
		return err
	}
	return rt.Keys.Unlock(passphrase)
}

// passphraseFor reads AUTOPOIESIS_PASSPHRASE or prompts on the terminal.
func passphraseFor(in *bufio.Reader, prompt string) (string, error) {
	if passphrase := os.Getenv("AUTOPOIESIS_PASSPHRASE"); passphrase != "" {
		return passphrase, nil
	}
	return promptLine(in, prompt)
}

func promptLine(in *bufio.Reader, prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	line, err := in.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	return strings.TrimSpace(line), nil
}

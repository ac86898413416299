package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/autopoiesis-io/autopoiesis/pkg/policy"
	"github.com/autopoiesis-io/autopoiesis/pkg/sandbox"
)

// ExecToolName is the name the model uses to invoke shell commands.
const ExecToolName = "exec"

type execArgs struct {
	Command    string `json:"command"`
	WorkingDir string `json:"working_dir,omitempty"`
}

// ExecTool runs shell commands through the sandbox. Calls are gated by the
// command tier classifier; the turn executor routes the verdict (denial,
// unlock check, or deferral) before Call runs.
type ExecTool struct {
	runner *sandbox.Runner
	logger *slog.Logger
}

// NewExecTool builds the exec tool over one agent's sandbox runner.
func NewExecTool(runner *sandbox.Runner) *ExecTool {
	return &ExecTool{
		runner: runner,
		logger: slog.Default().With("component", "tools.exec"),
	}
}

// Definition implements Tool.
func (t *ExecTool) Definition() Definition {
	return Definition{
		Name: ExecToolName,
		Description: "Run a shell command inside the agent workspace. " +
			"Output is captured from both stdout and stderr; oversized output " +
			"is truncated in-band and the full text is saved to a workspace file.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"command": map[string]any{
					"type":        "string",
					"description": "Shell command to execute via sh -c",
				},
				"working_dir": map[string]any{
					"type":        "string",
					"description": "Working directory, relative to the workspace root (optional)",
				},
			},
			"required": []any{"command"},
		},
	}
}

// Gate implements Tool by classifying the command's tier. Malformed or empty
// arguments allow so Call can report the problem in-band without executing.
func (t *ExecTool) Gate(args json.RawMessage) Disposition {
	var a execArgs
	if err := json.Unmarshal(args, &a); err != nil || strings.TrimSpace(a.Command) == "" {
		return DispositionAllow
	}
	switch policy.Classify(a.Command) {
	case policy.TierBlock:
		return DispositionBlock
	case policy.TierApprove:
		return DispositionApprove
	case policy.TierReview:
		return DispositionReview
	default:
		return DispositionAllow
	}
}

// Call implements Tool. Command failures, timeouts, and bad working
// directories are reported in-band; the model decides how to recover.
func (t *ExecTool) Call(ctx context.Context, args json.RawMessage) (*Result, error) {
	var a execArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return ErrorResult("invalid exec arguments: %v", err), nil
	}
	if strings.TrimSpace(a.Command) == "" {
		return ErrorResult("exec requires a non-empty command"), nil
	}

	res, err := t.runner.Run(ctx, a.Command, a.WorkingDir)
	if err != nil {
		t.logger.Error("Failed to run command", "error", err)
		return ErrorResult("exec failed: %v", err), nil
	}

	content := res.Output
	if strings.TrimSpace(content) == "" {
		content = "(no output)"
	}
	if res.TimedOut {
		content += fmt.Sprintf("\n[command timed out after %s]", res.Duration.Round(time.Millisecond))
		return &Result{Content: content, IsError: true}, nil
	}
	if res.ExitCode != 0 {
		content += fmt.Sprintf("\n[exit code %d]", res.ExitCode)
		return &Result{Content: content, IsError: true}, nil
	}
	return &Result{Content: content}, nil
}

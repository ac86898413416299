// Package sandbox runs agent-requested shell commands with a purged
// environment, a workspace-confined working directory, bounded output
// capture and a hard timeout that kills the whole process group.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/autopoiesis-io/autopoiesis/pkg/masking"
	"github.com/autopoiesis-io/autopoiesis/pkg/workspace"
)

// envAllowlist enumerates the only variables a sandboxed command inherits.
// An allowlist cannot leak newly introduced secret-bearing variables the way
// a denylist would.
var envAllowlist = []string{"PATH", "HOME", "USER", "LANG", "TERM"}

const (
	// DefaultTimeout bounds one command when the caller sets none.
	DefaultTimeout = 60 * time.Second

	// DefaultMaxCapturedBytes is the in-band output bound; at or above it the
	// result keeps head/tail halves and the full capture is spilled to tmp/.
	DefaultMaxCapturedBytes = 10 * 1024

	// hardCaptureCap is the absolute retention cap so a runaway command
	// cannot exhaust process memory.
	hardCaptureCap = 1024 * 1024

	// killGracePeriod is how long Wait may linger after the group is killed.
	killGracePeriod = 5 * time.Second
)

// Options configures a Runner.
type Options struct {
	// Paths confines working directories and receives spilled output.
	Paths workspace.Paths

	// Timeout bounds one command. Zero selects DefaultTimeout.
	Timeout time.Duration

	// MaxCapturedBytes bounds in-band output. Zero selects the default.
	MaxCapturedBytes int

	// Masker redacts secret-shaped values from captured output before it is
	// bounded or spilled. Nil disables redaction.
	Masker *masking.Masker
}

// Result is the outcome of one sandboxed command.
type Result struct {
	ExitCode  int
	Output    string
	Truncated bool

	// SpillPath is the workspace-relative file holding the full output when
	// Truncated is set.
	SpillPath string

	TimedOut bool
	Duration time.Duration
}

// Runner executes commands under one agent's workspace.
type Runner struct {
	paths       workspace.Paths
	timeout     time.Duration
	maxCaptured int
	masker      *masking.Masker
	logger      *slog.Logger
}

// NewRunner builds a runner, applying defaults for zero options.
func NewRunner(opts Options) *Runner {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	maxCaptured := opts.MaxCapturedBytes
	if maxCaptured <= 0 {
		maxCaptured = DefaultMaxCapturedBytes
	}
	return &Runner{
		paths:       opts.Paths,
		timeout:     timeout,
		maxCaptured: maxCaptured,
		masker:      opts.Masker,
		logger:      slog.Default().With("component", "sandbox"),
	}
}

// Run executes command through `sh -c` in workDir (workspace-relative or
// absolute, empty means the workspace root). Command failures and timeouts
// are reported in the Result; the error return is reserved for
// infrastructure problems such as an unresolvable working directory.
func (r *Runner) Run(ctx context.Context, command, workDir string) (*Result, error) {
	dir, err := r.resolveWorkDir(workDir)
	if err != nil {
		return nil, err
	}

	execCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, "sh", "-c", command)
	cmd.Dir = dir
	cmd.Env = purgedEnv()

	// Run the command in its own process group so cancellation reaches
	// every descendant, not just the shell.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = killGracePeriod

	capture := &cappedWriter{limit: hardCaptureCap}
	cmd.Stdout = capture
	cmd.Stderr = capture

	start := time.Now()
	runErr := cmd.Run()

	if runErr != nil && execCtx.Err() != context.DeadlineExceeded {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, fmt.Errorf("failed to run command: %w", runErr)
		}
	}

	result := &Result{
		ExitCode: -1,
		Duration: time.Since(start),
		TimedOut: execCtx.Err() == context.DeadlineExceeded,
	}
	if cmd.ProcessState != nil {
		result.ExitCode = cmd.ProcessState.ExitCode()
	}

	output := capture.buf.Bytes()
	if capture.dropped > 0 {
		output = append(output, fmt.Sprintf("\n[output capped: %d further bytes dropped]", capture.dropped)...)
	}
	// Redact before bounding so the spill file never holds raw secrets.
	if r.masker != nil {
		output = []byte(r.masker.Mask(string(output)))
	}
	result.Output, result.Truncated, result.SpillPath = r.boundOutput(output)

	r.logger.Info("Command finished",
		"exit_code", result.ExitCode,
		"timed_out", result.TimedOut,
		"duration_ms", result.Duration.Milliseconds(),
		"output_bytes", len(output))
	return result, nil
}

// resolveWorkDir maps the requested directory into the workspace and rejects
// anything that escapes it.
func (r *Runner) resolveWorkDir(workDir string) (string, error) {
	dir := r.paths.Workspace
	if workDir != "" {
		if filepath.IsAbs(workDir) {
			dir = filepath.Clean(workDir)
		} else {
			dir = filepath.Join(r.paths.Workspace, workDir)
		}
	}
	if !r.paths.ContainsPath(dir) {
		return "", fmt.Errorf("working directory %q escapes the agent workspace", workDir)
	}
	info, err := os.Stat(dir)
	if err != nil {
		return "", fmt.Errorf("working directory %q: %w", workDir, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("working directory %q is not a directory", workDir)
	}
	return dir, nil
}

// boundOutput keeps head/tail halves once output reaches the in-band cap,
// persisting the full capture under tmp/. A failed spill keeps the head/tail
// rendering without a path rather than failing the command.
func (r *Runner) boundOutput(output []byte) (string, bool, string) {
	if len(output) < r.maxCaptured {
		return string(output), false, ""
	}

	spillPath, err := r.spill(output)
	if err != nil {
		r.logger.Error("Failed to spill command output", "bytes", len(output), "error", err)
	}

	half := r.maxCaptured / 2
	head := output[:half]
	tail := output[len(output)-half:]
	omitted := len(output) - len(head) - len(tail)

	note := fmt.Sprintf("\n[... %d bytes omitted ...]\n", omitted)
	if spillPath != "" {
		note = fmt.Sprintf("\n[... %d bytes omitted (full output saved to %s) ...]\n", omitted, spillPath)
	}
	return string(head) + note + string(tail), true, spillPath
}

func (r *Runner) spill(output []byte) (string, error) {
	rel := filepath.Join("tmp", time.Now().UTC().Format("2006-01-02"), fmt.Sprintf("exec-%s.txt", uuid.NewString()))
	abs := filepath.Join(r.paths.Workspace, rel)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(abs, output, 0o644); err != nil {
		return "", err
	}
	return rel, nil
}

// purgedEnv builds the child environment from the allowlist alone.
func purgedEnv() []string {
	env := make([]string, 0, len(envAllowlist))
	for _, key := range envAllowlist {
		if value, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+value)
		}
	}
	return env
}

// cappedWriter retains up to limit bytes and counts the rest so the caller
// can report how much was dropped. Write never errors; a full buffer must
// not break the child's pipes.
type cappedWriter struct {
	buf     bytes.Buffer
	limit   int
	dropped int
}

func (w *cappedWriter) Write(p []byte) (int, error) {
	n := len(p)
	if room := w.limit - w.buf.Len(); room > 0 {
		take := p
		if len(take) > room {
			take = take[:room]
		}
		w.buf.Write(take)
		w.dropped += n - len(take)
	} else {
		w.dropped += n
	}
	return n, nil
}

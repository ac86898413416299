package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/autopoiesis-io/autopoiesis/pkg/workspace"
)

// ReadFileToolName is the name the model uses to read workspace files.
const ReadFileToolName = "read_file"

// readFileMaxBytes bounds how much of a file one call loads. The history
// truncation stage further shortens oversized tool returns before the next
// model call.
const readFileMaxBytes = 128 * 1024

type readFileArgs struct {
	Path      string `json:"path"`
	StartLine int    `json:"start_line,omitempty"`
	EndLine   int    `json:"end_line,omitempty"`
}

// ReadFileTool reads files confined to the agent workspace. It is free tier:
// the gate always allows.
type ReadFileTool struct {
	paths workspace.Paths
}

// NewReadFileTool builds the read tool over one agent's workspace.
func NewReadFileTool(paths workspace.Paths) *ReadFileTool {
	return &ReadFileTool{paths: paths}
}

// Definition implements Tool.
func (t *ReadFileTool) Definition() Definition {
	return Definition{
		Name: ReadFileToolName,
		Description: "Read a file inside the agent workspace. " +
			"Optionally restrict to an inclusive 1-based line range.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{
					"type":        "string",
					"description": "File path relative to the workspace root",
				},
				"start_line": map[string]any{
					"type":        "integer",
					"description": "First line to return, 1-based (optional)",
				},
				"end_line": map[string]any{
					"type":        "integer",
					"description": "Last line to return, inclusive (optional)",
				},
			},
			"required": []any{"path"},
		},
	}
}

// Gate implements Tool. Reading workspace files is always free.
func (t *ReadFileTool) Gate(json.RawMessage) Disposition {
	return DispositionAllow
}

// Call implements Tool. Escaping paths, missing files, and bad line ranges
// are reported in-band.
func (t *ReadFileTool) Call(_ context.Context, args json.RawMessage) (*Result, error) {
	var a readFileArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return ErrorResult("invalid read_file arguments: %v", err), nil
	}
	if strings.TrimSpace(a.Path) == "" {
		return ErrorResult("read_file requires a non-empty path"), nil
	}

	full := a.Path
	if !filepath.IsAbs(full) {
		full = filepath.Join(t.paths.Workspace, full)
	}
	if !t.paths.ContainsPath(full) {
		return ErrorResult("path %q escapes the workspace root", a.Path), nil
	}

	info, err := os.Stat(full)
	if err != nil {
		return ErrorResult("cannot read %q: %v", a.Path, err), nil
	}
	if info.IsDir() {
		return ErrorResult("%q is a directory", a.Path), nil
	}

	data, err := os.ReadFile(full)
	if err != nil {
		return ErrorResult("cannot read %q: %v", a.Path, err), nil
	}

	content := string(data)
	capped := false
	if len(content) > readFileMaxBytes {
		content = content[:readFileMaxBytes]
		capped = true
	}

	if a.StartLine > 0 || a.EndLine > 0 {
		ranged, rerr := sliceLines(content, a.StartLine, a.EndLine)
		if rerr != nil {
			return ErrorResult("%v", rerr), nil
		}
		content = ranged
		capped = false
	}

	if capped {
		content += fmt.Sprintf("\n[read capped at %d bytes: file is %d bytes]", readFileMaxBytes, info.Size())
	}
	return &Result{Content: content}, nil
}

// sliceLines returns the inclusive 1-based range [start, end]. A zero start
// means 1; a zero or past-the-end end clamps to the last line.
func sliceLines(content string, start, end int) (string, error) {
	lines := strings.Split(content, "\n")
	if start < 1 {
		start = 1
	}
	if start > len(lines) {
		return "", fmt.Errorf("line range %d-%d out of bounds: file has %d lines", start, end, len(lines))
	}
	if end != 0 && end < start {
		return "", fmt.Errorf("line range %d-%d is inverted", start, end)
	}
	if end == 0 || end > len(lines) {
		end = len(lines)
	}
	return strings.Join(lines[start-1:end], "\n"), nil
}

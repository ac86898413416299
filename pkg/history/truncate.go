package history

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/autopoiesis-io/autopoiesis/pkg/models"
)

// DefaultTruncateMaxBytes caps tool-return content kept in history.
const DefaultTruncateMaxBytes = 5 * 1024

// truncationMarker matches content this stage has already rewritten, so a
// second pass leaves it alone.
var truncationMarker = regexp.MustCompile(`\[Truncated — full output \(\d+ bytes\) saved to [^\]]+\]$`)

// spillNameSanitizer strips characters that would break the spill filename.
var spillNameSanitizer = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// Truncator rewrites oversized tool returns, spilling the full content to a
// dated file under the agent's tmp area. The marker carries the spill path
// relative to the workspace root so the model can re-read it with the
// read_file tool.
type Truncator struct {
	maxBytes      int
	workspaceRoot string
	logger        *slog.Logger
}

// NewTruncator builds the stage. A non-positive maxBytes selects the default.
func NewTruncator(maxBytes int, workspaceRoot string) *Truncator {
	if maxBytes <= 0 {
		maxBytes = DefaultTruncateMaxBytes
	}
	return &Truncator{
		maxBytes:      maxBytes,
		workspaceRoot: workspaceRoot,
		logger:        slog.Default().With("component", "history.truncate"),
	}
}

func (t *Truncator) Name() string { return "truncate" }

// Process rewrites every tool return strictly larger than maxBytes. A spill
// failure keeps the oversized content in place rather than lose it.
func (t *Truncator) Process(ctx context.Context, messages []models.Message) ([]models.Message, error) {
	out := make([]models.Message, len(messages))
	copy(out, messages)

	for i := range out {
		msg := &out[i]
		if msg.Role != models.RoleTool || len(msg.Content) <= t.maxBytes {
			continue
		}
		if truncationMarker.MatchString(msg.Content) {
			continue
		}

		original := msg.Content
		spillPath, err := t.spill(msg.ToolCallID, original)
		if err != nil {
			t.logger.Error("Failed to spill oversized tool return",
				"tool_call_id", msg.ToolCallID, "bytes", len(original), "error", err)
			continue
		}
		msg.Content = fmt.Sprintf("%s\n[Truncated — full output (%d bytes) saved to %s]",
			original[:t.maxBytes], len(original), spillPath)
	}
	return out, nil
}

// spill writes the full content under tmp/{date}/tool-{id}.txt and returns
// the workspace-relative path.
func (t *Truncator) spill(toolCallID, content string) (string, error) {
	id := spillNameSanitizer.ReplaceAllString(toolCallID, "")
	if id == "" {
		id = uuid.NewString()
	}
	rel := filepath.Join("tmp", time.Now().UTC().Format("2006-01-02"), fmt.Sprintf("tool-%s.txt", id))
	abs := filepath.Join(t.workspaceRoot, rel)

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", fmt.Errorf("create spill directory: %w", err)
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("write spill file: %w", err)
	}
	return rel, nil
}

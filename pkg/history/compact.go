package history

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/autopoiesis-io/autopoiesis/pkg/models"
)

// summaryPrefixChars bounds the per-message excerpt kept in a compaction
// summary.
const summaryPrefixChars = 100

// CompactorOptions sizes the compaction stage.
type CompactorOptions struct {
	// WindowTokens is the model context window the ratio is measured against.
	WindowTokens int

	// WarningThreshold is the usage/window ratio that logs a one-shot warning.
	WarningThreshold float64

	// CompactionThreshold is the ratio strictly above which history is
	// compacted. Must stay below 1.0 so compaction fires before overflow.
	CompactionThreshold float64

	// KeepRecent is how many trailing messages survive compaction verbatim.
	KeepRecent int
}

// Compactor replaces all but the most recent messages with one synthetic
// summary once estimated usage crosses the compaction threshold. The
// pressure warning fires at most once per pipeline instance, so once per
// work item execution.
type Compactor struct {
	estimator *Estimator
	opts      CompactorOptions
	logger    *slog.Logger
	warned    bool
}

// NewCompactor builds the stage.
func NewCompactor(estimator *Estimator, opts CompactorOptions) *Compactor {
	return &Compactor{
		estimator: estimator,
		opts:      opts,
		logger:    slog.Default().With("component", "history.compact"),
	}
}

func (c *Compactor) Name() string { return "compact" }

// Process compacts when usage/window strictly exceeds the compaction
// threshold and more than KeepRecent messages exist. Warning strictly
// precedes compaction: it fires at or above the warning threshold.
func (c *Compactor) Process(ctx context.Context, messages []models.Message) ([]models.Message, error) {
	if len(messages) == 0 || c.opts.WindowTokens <= 0 {
		return messages, nil
	}

	usage := c.estimator.EstimateMessages(messages)
	ratio := float64(usage) / float64(c.opts.WindowTokens)

	if ratio >= c.opts.WarningThreshold && !c.warned {
		c.warned = true
		c.logger.Warn("Context window pressure",
			"estimated_tokens", usage,
			"window_tokens", c.opts.WindowTokens,
			"ratio", fmt.Sprintf("%.2f", ratio))
	}

	if ratio <= c.opts.CompactionThreshold || len(messages) <= c.opts.KeepRecent {
		return messages, nil
	}

	cut := len(messages) - c.opts.KeepRecent
	out := make([]models.Message, 0, c.opts.KeepRecent+1)
	out = append(out, models.Message{
		Role:    models.RoleUser,
		Content: summarise(messages[:cut]),
		Origin:  models.OriginCompaction,
	})
	out = append(out, messages[cut:]...)

	c.logger.Info("Compacted history",
		"compacted", cut, "kept", c.opts.KeepRecent, "estimated_tokens", usage)
	return out, nil
}

// summarise renders the compacted span: a count header then one role-tagged
// excerpt line per message.
func summarise(compacted []models.Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[Compacted %d earlier messages]", len(compacted))
	for _, msg := range compacted {
		b.WriteString("\n")
		b.WriteString(string(msg.Role))
		b.WriteString(": ")
		b.WriteString(excerpt(msg))
	}
	return b.String()
}

// excerpt yields a single-line prefix of the message content; assistant
// tool-call messages without text name their calls instead.
func excerpt(msg models.Message) string {
	text := msg.Content
	if text == "" && len(msg.ToolCalls) > 0 {
		names := make([]string, len(msg.ToolCalls))
		for i, call := range msg.ToolCalls {
			names[i] = call.Name
		}
		text = "(tool calls: " + strings.Join(names, ", ") + ")"
	}
	text = strings.ReplaceAll(text, "\n", " ")
	runes := []rune(text)
	if len(runes) > summaryPrefixChars {
		text = string(runes[:summaryPrefixChars]) + "..."
	}
	return text
}

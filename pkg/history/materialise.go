package history

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/autopoiesis-io/autopoiesis/pkg/knowledge"
	"github.com/autopoiesis-io/autopoiesis/pkg/models"
	"github.com/autopoiesis-io/autopoiesis/pkg/subscriptions"
	"github.com/autopoiesis-io/autopoiesis/pkg/workspace"
)

// SubscriptionSource lists the watch entries to materialise.
type SubscriptionSource interface {
	ListActive(ctx context.Context) ([]subscriptions.Subscription, error)
}

// KnowledgeMatcher resolves knowledge subscriptions by topic pattern.
type KnowledgeMatcher interface {
	Match(ctx context.Context, pattern string) ([]knowledge.Entry, error)
}

const materialisationHeader = "Subscribed context (re-read each turn):"

// Materialiser strips the previous turn's materialisation message and
// prepends a fresh one built from current subscription state. Unreadable
// targets surface in-band so the model sees the failure; only store access
// errors abort the turn.
type Materialiser struct {
	paths     workspace.Paths
	subs      SubscriptionSource
	knowledge KnowledgeMatcher
	logger    *slog.Logger
}

// NewMaterialiser builds the stage for one agent workspace.
func NewMaterialiser(paths workspace.Paths, subs SubscriptionSource, km KnowledgeMatcher) *Materialiser {
	return &Materialiser{
		paths:     paths,
		subs:      subs,
		knowledge: km,
		logger:    slog.Default().With("component", "history.materialise"),
	}
}

func (m *Materialiser) Name() string { return "materialise" }

// Process re-reads every active subscription. With none active the history
// passes through with only the stale materialisation stripped.
func (m *Materialiser) Process(ctx context.Context, messages []models.Message) ([]models.Message, error) {
	out := stripOrigin(messages, models.OriginMaterialisation)

	subs, err := m.subs.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	if len(subs) == 0 {
		return out, nil
	}

	var b strings.Builder
	b.WriteString(materialisationHeader)
	for _, sub := range subs {
		b.WriteString("\n\n")
		b.WriteString(m.renderSection(ctx, sub))
	}

	msg := models.Message{
		Role:    models.RoleUser,
		Content: b.String(),
		Origin:  models.OriginMaterialisation,
	}
	return append([]models.Message{msg}, out...), nil
}

func (m *Materialiser) renderSection(ctx context.Context, sub subscriptions.Subscription) string {
	switch sub.Kind {
	case subscriptions.KindFile:
		header := fmt.Sprintf("### file %s", sub.Target)
		content, err := m.readWorkspaceFile(sub.Target)
		if err != nil {
			return header + "\n" + inBandError(err)
		}
		return header + "\n" + content

	case subscriptions.KindLines:
		header := fmt.Sprintf("### lines %s:%d-%d", sub.Target, sub.StartLine, sub.EndLine)
		content, err := m.readWorkspaceLines(sub.Target, sub.StartLine, sub.EndLine)
		if err != nil {
			return header + "\n" + inBandError(err)
		}
		return header + "\n" + content

	case subscriptions.KindKnowledge:
		header := fmt.Sprintf("### knowledge %s", sub.Target)
		entries, err := m.knowledge.Match(ctx, sub.Target)
		if err != nil {
			return header + "\n" + inBandError(err)
		}
		if len(entries) == 0 {
			return header + "\n(no matching entries)"
		}
		var b strings.Builder
		b.WriteString(header)
		for _, e := range entries {
			fmt.Fprintf(&b, "\n## %s\n%s", e.Topic, e.Content)
		}
		return b.String()

	default:
		return fmt.Sprintf("### %s %s\n[error: unknown subscription kind]", sub.Kind, sub.Target)
	}
}

func inBandError(err error) string {
	return fmt.Sprintf("[error: %v]", err)
}

// readWorkspaceFile reads a file addressed relative to the workspace root,
// rejecting paths that resolve outside it.
func (m *Materialiser) readWorkspaceFile(rel string) (string, error) {
	abs := filepath.Join(m.paths.Workspace, rel)
	if !m.paths.ContainsPath(abs) {
		return "", fmt.Errorf("path %q escapes the workspace root", rel)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// readWorkspaceLines reads an inclusive 1-based line range. The end clamps
// to the file length; a start past the end is an error.
func (m *Materialiser) readWorkspaceLines(rel string, start, end int) (string, error) {
	content, err := m.readWorkspaceFile(rel)
	if err != nil {
		return "", err
	}
	lines := strings.Split(content, "\n")
	if start < 1 || start > len(lines) {
		return "", fmt.Errorf("line range %d-%d out of bounds: file has %d lines", start, end, len(lines))
	}
	if end > len(lines) {
		end = len(lines)
	}
	return strings.Join(lines[start-1:end], "\n"), nil
}
